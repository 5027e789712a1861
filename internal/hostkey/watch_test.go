package hostkey

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acolita/sshcore/internal/adapters/realfs"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestStore_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	s := NewStore(realfs.New(), path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan error, 16)
	w, err := s.Watch(func(err error) { reloads <- err })
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	key := newKey(t)
	line := knownhosts.Line([]string{"watched.example"}, key) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for len(s.Lookup("watched.example", 22)) == 0 {
		select {
		case err := <-reloads:
			if err != nil {
				t.Fatalf("reload error = %v", err)
			}
		case <-deadline:
			t.Fatal("store not reloaded after the file changed")
		}
	}
}

func TestStore_WatchMissingDir(t *testing.T) {
	s := NewStore(realfs.New(), filepath.Join(t.TempDir(), "missing", "known_hosts"))
	if _, err := s.Watch(nil); err == nil {
		t.Error("Watch() on a missing directory succeeded")
	}
}
