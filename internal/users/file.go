package users

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "payrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (sorted id array, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only, one record per new id)
//
// New ids go to the journal immediately; Maintain() folds the journal into
// the snapshot. The in-memory set is the source of truth between compactions,
// so AddIfAbsent never re-reads the files (no read-modify-write race).
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalPath  string
	journal      *os.File
	ids          map[int64]struct{}

	// journalLines counts records appended since the last compaction;
	// crossing compactEvery triggers an inline compaction.
	journalLines int
	compactEvery int
}

type journalRecord struct {
	UserID int64 `json:"user_id"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		journalPath:  prefix + ".journal.jsonl",
		ids:          make(map[int64]struct{}),
		compactEvery: 512,
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.journal = f
	return s, nil
}

func (s *fileStore) load() error {
	if b, err := os.ReadFile(s.snapshotPath); err == nil {
		var ids []int64
		if err := json.Unmarshal(b, &ids); err != nil {
			return errors.New("users: corrupt snapshot " + s.snapshotPath + ": " + err.Error())
		}
		for _, id := range ids {
			s.ids[id] = struct{}{}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	f, err := os.Open(s.journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn trailing line after a crash is expected; everything
			// before it already loaded.
			s.log.Warn("users: skipping bad journal line", logx.String("path", s.journalPath))
			continue
		}
		s.ids[rec.UserID] = struct{}{}
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) AddIfAbsent(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[userID]; ok {
		return nil
	}
	if s.journal == nil {
		return errors.New("users: store closed")
	}

	b, err := json.Marshal(journalRecord{UserID: userID})
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.ids[userID] = struct{}{}
	s.journalLines++

	if s.journalLines >= s.compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("users: inline compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListAll(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	ids := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *fileStore) Maintain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

// compactLocked writes the full set to the snapshot (tmp + rename) and
// truncates the journal. Caller holds mu.
func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return errors.New("users: store closed")
	}

	ids := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}

	// Journal contents are now covered by the snapshot.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, 0); err != nil {
		return err
	}
	s.journalLines = 0

	s.log.Debug("users: journal compacted", logx.Int("ids", len(ids)))
	return nil
}
