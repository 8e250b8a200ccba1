package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcher_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "plugins.json")
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(watched, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 10)
	done := make(chan error, 1)
	w := NewWatcher(zerolog.Nop(), 50*time.Millisecond, watched)
	go func() {
		done <- w.Run(ctx, func(context.Context) { changes <- struct{}{} })
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(other, []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(watched, []byte(`{"steps": []}`), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a change notification")
	}

	// The burst collapses into one notification.
	select {
	case <-changes:
		t.Fatal("expected a single notification for a burst of writes")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(zerolog.Nop(), 0, filepath.Join(t.TempDir(), "absent", "plugins.json"))
	if err := w.Run(context.Background(), func(context.Context) {}); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
}
