package migrations

import (
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestFS_VersionsAreSequential(t *testing.T) {
	src, err := iofs.New(FS, ".")
	if err != nil {
		t.Fatalf("iofs.New: %v", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	want := uint(1)
	for {
		if v != want {
			t.Fatalf("version = %d, want %d", v, want)
		}
		up, _, err := src.ReadUp(v)
		if err != nil {
			t.Fatalf("version %d has no up migration: %v", v, err)
		}
		up.Close()
		down, _, err := src.ReadDown(v)
		if err != nil {
			t.Fatalf("version %d has no down migration: %v", v, err)
		}
		down.Close()
		next, err := src.Next(v)
		if err != nil {
			break
		}
		v, want = next, want+1
	}
	if v != 2 {
		t.Errorf("last version = %d, want 2", v)
	}
}
