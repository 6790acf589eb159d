package watch

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestWatcher_DebouncesIntoOneBatch(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".gitignore"), []byte("build/\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "build"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := New(root, 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batches := make(chan []string, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx, func(_ context.Context, paths []string) { batches <- paths })
	}()
	// give the watcher time to register directories
	time.Sleep(100 * time.Millisecond)
	for _, name := range []string{"a.py", "b.py", "build/out.o"} {
		if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(name)), []byte("x\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	select {
	case got := <-batches:
		if !reflect.DeepEqual(got, []string{"a.py", "b.py"}) {
			t.Fatalf("unexpected batch: %v", got)
		}
	case <-ctx.Done():
		t.Fatalf("no batch before timeout")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
}
