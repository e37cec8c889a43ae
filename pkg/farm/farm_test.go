package farm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAddAndSelect(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()

	pid, err := r.Add("persistent", filepath.Join(dir, "p"), RolePersistent)
	if err != nil {
		t.Fatalf("Add persistent: %v", err)
	}
	tid, err := r.Add("transient", filepath.Join(dir, "t"), RoleTransient)
	if err != nil {
		t.Fatalf("Add transient: %v", err)
	}

	if !r.WellFormed() {
		t.Fatal("registry should be well formed with persistent+transient farms")
	}

	got, err := r.Select(RolePersistent, true)
	if err != nil || got != pid {
		t.Fatalf("Select(persistent) = %d, %v; want %d, nil", got, err, pid)
	}

	got, err = r.Select(RoleIndexPersistent, false)
	if err != nil || got != tid {
		t.Fatalf("Select(index, disabled) = %d, %v; want fallback to transient %d", got, err, tid)
	}

	for _, sub := range []string{BatDir, BackupDir, DeleteDir, LeftDir, TempDir} {
		if _, err := os.Stat(filepath.Join(dir, "p", sub)); err != nil {
			t.Errorf("expected %s to exist: %v", sub, err)
		}
	}
}

func TestInMemoryFarm(t *testing.T) {
	r := NewRegistry()
	id, err := r.Add("mem", "", RoleTransient)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := r.Get(id)
	if !f.InMemory() {
		t.Fatal("farm with empty dir should be in-memory")
	}
}

func TestStem(t *testing.T) {
	cases := []struct {
		id   int32
		want string
	}{
		{0, "0"},
		{63, "77"},
		{64, filepath.Join("01", "100")},
		{4096, filepath.Join("01", "00", "10000")},
	}
	for _, c := range cases {
		if got := Stem(c.id); got != c.want {
			t.Errorf("Stem(%d) = %q, want %q", c.id, got, c.want)
		}
	}
}

func TestRegistryFull(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxFarms; i++ {
		if _, err := r.Add("f", "", RoleTransient); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	if _, err := r.Add("overflow", "", RoleTransient); err == nil {
		t.Fatal("expected error adding beyond MaxFarms")
	}
}
