package users

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	logx "payrelay/pkg/logx"
)

func openFileStore(t *testing.T, path string) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestFileAddIfAbsentDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openFileStore(t, filepath.Join(t.TempDir(), "users"))
	defer s.Close()

	if err := s.AddIfAbsent(ctx, 42); err != nil {
		t.Fatalf("AddIfAbsent: %v", err)
	}
	if err := s.AddIfAbsent(ctx, 42); err != nil {
		t.Fatalf("AddIfAbsent (repeat): %v", err)
	}

	ids, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("ListAll = %v, want [42]", ids)
	}
}

func TestFileSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users")

	s := openFileStore(t, path)
	for _, id := range []int64{3, 1, 2} {
		if err := s.AddIfAbsent(ctx, id); err != nil {
			t.Fatalf("AddIfAbsent(%d): %v", id, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openFileStore(t, path)
	defer s2.Close()
	ids, err := s2.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("ListAll = %v, want [1 2 3]", ids)
	}
}

func TestFileMaintainCompactsJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users")

	s := openFileStore(t, path)
	defer s.Close()

	for id := int64(1); id <= 10; id++ {
		if err := s.AddIfAbsent(ctx, id); err != nil {
			t.Fatalf("AddIfAbsent: %v", err)
		}
	}
	if err := s.Maintain(ctx); err != nil {
		t.Fatalf("Maintain: %v", err)
	}

	// Journal is folded into the snapshot.
	if fi, err := os.Stat(path + ".journal.jsonl"); err != nil {
		t.Fatalf("journal stat: %v", err)
	} else if fi.Size() != 0 {
		t.Fatalf("journal size = %d, want 0 after compaction", fi.Size())
	}
	if _, err := os.Stat(path + ".snapshot.json"); err != nil {
		t.Fatalf("snapshot stat: %v", err)
	}

	ids, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(ids) != 10 {
		t.Fatalf("len = %d, want 10", len(ids))
	}
}

func TestFileConcurrentAdds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openFileStore(t, filepath.Join(t.TempDir(), "users"))
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		id := int64(i % 8)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AddIfAbsent(ctx, id)
		}()
	}
	wg.Wait()

	ids, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(ids) != 8 {
		t.Fatalf("len = %d, want 8 (no duplicates under concurrency)", len(ids))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
