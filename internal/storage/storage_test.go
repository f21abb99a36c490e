package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"asyncinterval/pkg/interval"
	logx "asyncinterval/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(job string, seq int) Record {
	r := Record{
		ID:         fmt.Sprintf("%s-%d", job, seq),
		Job:        job,
		Seq:        uint64(seq),
		Started:    t0.Add(time.Duration(seq) * time.Second),
		DurationMS: int64(seq),
		Outcome:    "success",
	}
	if seq%2 == 0 {
		r.Outcome = "failure"
		r.Error = "boom"
	}
	return r
}

func openT(t *testing.T, driver string, max int) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "data", "journal.db"), MaxRecords: max}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st, cfg
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Logger{})
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	for _, d := range []string{"redis", "sqlite3"} {
		if _, err := Open(Config{Driver: d, Path: filepath.Join(t.TempDir(), "j")}, logx.Nop()); err == nil {
			t.Fatalf("unknown driver %q accepted", d)
		}
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestJournalDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, cfg := openT(t, driver, 0)

			for i := 1; i <= 3; i++ {
				if err := st.Append(ctx, rec("a", i)); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			if err := st.Append(ctx, rec("b", 10)); err != nil {
				t.Fatalf("Append: %v", err)
			}

			got, err := st.Recent(ctx, "a", 2)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if diff := cmp.Diff([]Record{rec("a", 3), rec("a", 2)}, got); diff != "" {
				t.Fatalf("Recent(a) mismatch (-want +got):\n%s", diff)
			}

			all, err := st.Recent(ctx, "", 10)
			if err != nil {
				t.Fatalf("Recent all: %v", err)
			}
			if len(all) != 4 || all[0].Job != "b" {
				t.Fatalf("Recent all = %+v", all)
			}

			if got, _ := st.Recent(ctx, "missing", 5); len(got) != 0 {
				t.Fatalf("Recent(missing) = %+v", got)
			}

			// Records survive a reopen.
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			st2, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st2.Close()
			got, err = st2.Recent(ctx, "a", 0)
			if err != nil {
				t.Fatalf("Recent after reopen: %v", err)
			}
			if diff := cmp.Diff([]Record{rec("a", 3), rec("a", 2), rec("a", 1)}, got); diff != "" {
				t.Fatalf("after reopen mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFileStoreBoundsAndCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, cfg := openT(t, "file", 3)
	for i := 1; i <= fileCompactEvery; i++ {
		if err := st.Append(ctx, rec("a", i)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := st.Recent(ctx, "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Seq != fileCompactEvery {
		t.Fatalf("Recent = %+v", got)
	}
	// Appends after a compaction land in the rewritten file.
	if err := st.Append(ctx, rec("a", fileCompactEvery+1)); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	path := filepath.Join(filepath.Dir(cfg.Path), "journal.journal.jsonl")
	if n := countLines(t, path); n != 4 {
		t.Fatalf("journal has %d lines after compaction, want 4", n)
	}
	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	if got, _ := st2.Recent(ctx, "a", 1); len(got) != 1 || got[0].Seq != fileCompactEvery+1 {
		t.Fatalf("Recent after reopen = %+v", got)
	}
	if err := st.Append(ctx, rec("a", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after Close = %v", err)
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestFileStoreFailedCompactionKeepsAppending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openT(t, "file", 0)
	fs := st.(*fileStore)
	defer st.Close()

	if err := st.Append(ctx, rec("a", 1)); err != nil {
		t.Fatal(err)
	}
	// A directory in place of the temp file makes the rewrite fail.
	if err := os.Mkdir(fs.path+".tmp", 0o755); err != nil {
		t.Fatal(err)
	}
	fs.mu.Lock()
	err := fs.compactLocked()
	fs.mu.Unlock()
	if err == nil {
		t.Fatal("compaction succeeded over a directory")
	}

	if err := st.Append(ctx, rec("a", 2)); err != nil {
		t.Fatalf("Append after failed compaction: %v", err)
	}
	if n := countLines(t, fs.path); n != 2 {
		t.Fatalf("journal has %d lines, want 2", n)
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "j.journal.jsonl")
	data := `{"id":"x","job":"a","seq":1,"started":"2024-05-01T12:00:00Z","duration_ms":1,"outcome":"success"}
not json
{"id":"y","job":"","seq":2}
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "j")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.Recent(context.Background(), "a", 0)
	if err != nil || len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("Recent = %+v, %v", got, err)
	}
}

func TestSQLitePrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := openT(t, "sqlite", 2)
	defer st.Close()
	st.(*sqliteStore).pruneEvery = 1

	for i := 1; i <= 5; i++ {
		if err := st.Append(ctx, rec("a", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Append(ctx, rec("b", 1)); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := st.(*sqliteStore).db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal WHERE job = 'a'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows for a = %d, want 2", n)
	}
	got, err := st.Recent(ctx, "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Seq != 5 || got[1].Seq != 4 {
		t.Fatalf("Recent after prune = %+v", got)
	}
}

func TestRecordFromEvent(t *testing.T) {
	t.Parallel()
	ev := interval.IterationEvent{
		ID:       "id",
		Name:     "job",
		Seq:      7,
		Started:  t0,
		Duration: 1500 * time.Millisecond,
		Outcome:  interval.OutcomeTimeout,
		Err:      interval.ErrTimeoutExceeded.Error(),
	}
	want := Record{ID: "id", Job: "job", Seq: 7, Started: t0, DurationMS: 1500, Outcome: "timeout", Error: ev.Err}
	if diff := cmp.Diff(want, RecordFromEvent(ev)); diff != "" {
		t.Fatalf("RecordFromEvent mismatch (-want +got):\n%s", diff)
	}
}
