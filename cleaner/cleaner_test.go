package cleaner

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestSweepRemovesStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "temp_old.py"), 4*time.Hour)
	touch(t, filepath.Join(dir, "temp_fresh.py"), time.Minute)
	touch(t, filepath.Join(dir, "keep.py"), 4*time.Hour)

	c := New([]string{dir}, WithMaxAge(3*time.Hour))
	if err := c.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	for name, wantExists := range map[string]bool{
		"temp_old.py":   false,
		"temp_fresh.py": true,
		"keep.py":       true,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		exists := err == nil
		if exists != wantExists {
			t.Errorf("%s exists = %v, want %v", name, exists, wantExists)
		}
	}
}

func TestSweepHandlesMissingDir(t *testing.T) {
	c := New([]string{filepath.Join(t.TempDir(), "does-not-exist")})
	if err := c.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
}

func TestSweepRespectsCustomPrefix(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "scratch_old.dat"), 4*time.Hour)

	c := New([]string{dir}, WithMaxAge(3*time.Hour), WithPrefix("scratch_"))
	if err := c.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "scratch_old.dat")); err == nil {
		t.Fatal("scratch_old.dat should have been removed")
	}
}
