package storage

import (
	"context"
	"errors"
	"time"

	"asyncinterval/pkg/interval"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

const defaultMaxRecords = 1000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at <prefix>.journal.jsonl
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRecords bounds the history kept per job. 0 means 1000.
	MaxRecords int
}

func (c Config) maxRecords() int {
	if c.MaxRecords <= 0 {
		return defaultMaxRecords
	}
	return c.MaxRecords
}

// Record is one finished iteration.
type Record struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	Seq        uint64    `json:"seq"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// RecordFromEvent converts a runner event into a journal record.
func RecordFromEvent(ev interval.IterationEvent) Record {
	return Record{
		ID:         ev.ID,
		Job:        ev.Name,
		Seq:        ev.Seq,
		Started:    ev.Started,
		DurationMS: ev.Duration.Milliseconds(),
		Outcome:    ev.Outcome.String(),
		Error:      ev.Err,
	}
}

// Store is the journal API used by the daemon and the CLI.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit records for job, newest first. An empty job matches all jobs.
	Recent(ctx context.Context, job string, limit int) ([]Record, error)
	Close() error
}
