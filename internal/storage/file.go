package storage

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

	logx "asyncinterval/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free journal backend.
//
// Records are appended to <prefix>.journal.jsonl. The last MaxRecords records per job are
// kept in memory for Recent, and the file is periodically rewritten down to that tail.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	f      *os.File
	tails  map[string][]Record // oldest first
	max    int
	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:   log,
		path:  filepath.Join(dir, base) + ".journal.jsonl",
		tails: map[string][]Record{},
		max:   cfg.maxRecords(),
	}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	bad := 0
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Job == "" {
			bad++
			continue
		}
		s.remember(r)
	}
	if bad > 0 {
		s.log.Warn("journal lines skipped", logx.String("path", s.path), logx.Int("count", bad))
	}
	return sc.Err()
}

func (s *fileStore) remember(r Record) {
	t := append(s.tails[r.Job], r)
	if len(t) > s.max {
		t = append([]Record(nil), t[len(t)-s.max:]...)
	}
	s.tails[r.Job] = t
}

func (s *fileStore) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.remember(r)

	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, job string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}

	var out []Record
	if job != "" {
		t := s.tails[job]
		out = make([]Record, 0, len(t))
		for i := len(t) - 1; i >= 0; i-- {
			out = append(out, t[i])
		}
	} else {
		for _, t := range s.tails {
			out = append(out, t...)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// compactLocked rewrites the journal so it only holds the in-memory tails. The rewritten
// file is opened for append up front and its handle survives the rename, so a failure at
// any step leaves the old file and handle in place.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	abort := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, t := range s.tails {
		for _, r := range t {
			if err := enc.Encode(r); err != nil {
				return abort(err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return abort(err)
	}
	if err := f.Sync(); err != nil {
		return abort(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return abort(err)
	}

	_ = s.f.Close()
	s.f = f
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
