package training

import "testing"

func TestStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range ActiveStatuses {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", s)
		}
	}
}

func TestStatus_CanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusQueued, StatusQueued, true},
		{StatusQueued, StatusInitializing, true},
		{StatusInitializing, StatusQueued, false},
		{StatusProcessing, StatusSampling, true},
		{StatusSampling, StatusProcessing, true},
		{StatusSaving, StatusSampling, true},
		{StatusProcessing, StatusInitializing, false},
		{StatusProcessing, StatusPending, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusTimeout, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusFailed, false},
		{StatusCancelled, StatusProcessing, false},
		{StatusQueued, Status("RUNNING"), false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMapProviderStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code   string
		want   Status
		wantOK bool
	}{
		{"queued", StatusQueued, true},
		{"initializing", StatusInitializing, true},
		{"in-progress", StatusProcessing, true},
		{"sampling", StatusSampling, true},
		{"saving", StatusSaving, true},
		{"completed", StatusCompleted, true},
		{"failed", StatusFailed, true},
		{"cancelled", StatusCancelled, true},
		{"timed-out", StatusTimeout, true},
		{"COMPLETED", StatusSampling, false},
		{"running", StatusSampling, false},
		{"", StatusSampling, false},
	}

	for _, tt := range tests {
		got, ok := MapProviderStatus(tt.code, StatusSampling)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("MapProviderStatus(%q) = (%s, %v), want (%s, %v)", tt.code, got, ok, tt.want, tt.wantOK)
		}
	}
}
