package dispatcher

import (
	"testing"
	"time"
)

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   MemoryConfig
		want MemoryConfig
	}{
		{
			name: "zero values",
			in:   MemoryConfig{},
			want: MemoryConfig{
				BufferSize: 1000, Workers: 4, HTTPTimeout: 10 * time.Second, MaxRetries: 3,
				BreakerThreshold: 5, BreakerCooldown: 30 * time.Second, MaxRequeues: 10,
			},
		},
		{
			name: "negative retries disable retrying",
			in:   MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -1, MaxRetries: -1},
			want: MemoryConfig{
				BufferSize: 1000, Workers: 4, HTTPTimeout: 10 * time.Second, MaxRetries: 0,
				BreakerThreshold: 5, BreakerCooldown: 30 * time.Second, MaxRequeues: 10,
			},
		},
		{
			name: "valid values preserved",
			in: MemoryConfig{
				BufferSize: 500, Workers: 8, HTTPTimeout: 20 * time.Second, MaxRetries: 6,
				BreakerThreshold: 2, BreakerCooldown: time.Minute, MaxRequeues: 3,
			},
			want: MemoryConfig{
				BufferSize: 500, Workers: 8, HTTPTimeout: 20 * time.Second, MaxRetries: 6,
				BreakerThreshold: 2, BreakerCooldown: time.Minute, MaxRequeues: 3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRedisConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	got := RedisConfig{}.withDefaults()
	want := RedisConfig{Stream: "training-events", BufferSize: 1000, Timeout: 5 * time.Second}
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}

	custom := RedisConfig{Stream: "jobs", MaxLen: 10000, BufferSize: 50, Timeout: time.Second}
	if got := custom.withDefaults(); got != custom {
		t.Errorf("withDefaults() = %+v, want %+v unchanged", got, custom)
	}
}
