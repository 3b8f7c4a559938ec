package eventstore

import (
	"context"
	"testing"
)

func TestSeedDatabaseName(t *testing.T) {
	cases := []struct {
		seed string
		want string
	}{
		{"12345", "base_seed_12345"},
		{"-12345", "base_seed_n12345"},
		{"Seed_01", "base_seed_Seed_01"},
		{"a b;DROP TABLE", "base_seed_abDROPTABLE"},
		{"--", "base_seed_nn"},
	}
	for _, tc := range cases {
		if got := SeedDatabaseName(tc.seed); got != tc.want {
			t.Errorf("SeedDatabaseName(%q) = %q, want %q", tc.seed, got, tc.want)
		}
	}
}

func TestOpenRequiresSeed(t *testing.T) {
	if _, err := Open(context.Background(), "postgres://localhost/postgres", "", nil); err == nil {
		t.Error("empty seed accepted")
	}
}

func TestNilStoreIsDisabled(t *testing.T) {
	var s *Store
	// A nil store is the disabled persistence mode; calls must be no-ops.
	s.RecordEvent("status_changed", "t1", map[string]any{"status": "active"})
	s.RecordSnapshot(nil)
	s.Close()
}
