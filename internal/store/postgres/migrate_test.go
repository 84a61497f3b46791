package postgres

import "testing"

func TestPendingMigrations(t *testing.T) {
	t.Parallel()

	all, err := pendingMigrations(0)
	if err != nil {
		t.Fatalf("pendingMigrations(0) error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("pendingMigrations(0) = %d migrations, want 2", len(all))
	}
	for i, m := range all {
		if m.version != i+1 {
			t.Errorf("migration %d has version %d, want ascending from 1", i, m.version)
		}
	}

	rest, err := pendingMigrations(1)
	if err != nil {
		t.Fatalf("pendingMigrations(1) error = %v", err)
	}
	if len(rest) != 1 || rest[0].filename != "002_create_training_assets.up.sql" {
		t.Errorf("pendingMigrations(1) = %+v", rest)
	}

	none, _ := pendingMigrations(2)
	if len(none) != 0 {
		t.Errorf("pendingMigrations(2) = %+v, want none", none)
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()

	if nullString("") != nil {
		t.Error("nullString(\"\") != nil")
	}
	if s := nullString("x"); s == nil || *s != "x" {
		t.Error("nullString(\"x\") lost the value")
	}
	if deref(nil) != "" || deref(nullString("y")) != "y" {
		t.Error("deref round trip failed")
	}
	if got := nonNil(nil); got == nil || len(got) != 0 {
		t.Errorf("nonNil(nil) = %#v", got)
	}
	if string(must(marshalSettings(nil))) != "{}" {
		t.Error("marshalSettings(nil) should encode an empty object")
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
