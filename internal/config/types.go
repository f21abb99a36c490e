package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the intervald configuration file.
//
// Durations are Go duration strings (e.g. "500ms", "10s", "1m") unless noted.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Systemd SystemdConfig `json:"systemd"`
	Debug   DebugConfig   `json:"debug"`

	// WarnRatePerSec caps how often a single job may log a swallowed failure or timeout.
	// 0 disables the cap.
	WarnRatePerSec float64 `json:"warn_rate_per_sec,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the iteration journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/journal" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// MaxRecords keeps at most this many journal rows per job (sqlite). 0 means 1000.
	MaxRecords int `json:"max_records,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// DebugConfig controls the optional debug HTTP server (health, job status, journal, pprof).
// It binds to localhost unless a token is set or allow_insecure is true.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// JobConfig describes one interval job. Exactly one of Exec or HTTP must be set.
type JobConfig struct {
	Name string `json:"name"`

	// Every is the delay between the end of one run and the start of the next.
	// See ParseEvery for accepted forms.
	Every string `json:"every"`

	// Timeout is optional. When set, a run slower than this is reported as timed out and
	// the next run is scheduled without waiting for it.
	Timeout         string `json:"timeout,omitempty"`
	CancelOnTimeout bool   `json:"cancel_on_timeout,omitempty"`

	Exec *ExecJob `json:"exec,omitempty"`
	HTTP *HTTPJob `json:"http,omitempty"`
}

type ExecJob struct {
	Command []string `json:"command"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

type HTTPJob struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"` // default GET
	// ExpectStatus is the only accepted status code. 0 accepts any 2xx.
	ExpectStatus int `json:"expect_status,omitempty"`
}

const (
	KindExec = "exec"
	KindHTTP = "http"
)

// Kind returns "exec", "http", or "" when the job has no (or more than one) task kind.
func (j JobConfig) Kind() string {
	switch {
	case j.Exec != nil && j.HTTP == nil:
		return KindExec
	case j.HTTP != nil && j.Exec == nil:
		return KindHTTP
	default:
		return ""
	}
}

// Delay parses Every.
func (j JobConfig) Delay() (time.Duration, error) { return ParseEvery(j.Every) }

// TimeoutAfter parses Timeout. ok is false when no timeout is configured.
func (j JobConfig) TimeoutAfter() (d time.Duration, ok bool, err error) {
	if strings.TrimSpace(j.Timeout) == "" {
		return 0, false, nil
	}
	d, err = ParseDurationField("timeout", j.Timeout)
	if err != nil {
		return 0, false, err
	}
	if d <= 0 {
		return 0, false, fmt.Errorf("timeout: must be > 0")
	}
	return d, true, nil
}
