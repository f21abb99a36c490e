package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	logx "asyncinterval/pkg/logx"
)

var (
	ErrNoJobs         = errors.New("config: no jobs")
	ErrDuplicateJob   = errors.New("config: duplicate job name")
	ErrUnknownStorage = errors.New("config: unknown storage driver")
)

var reJobName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Validate checks cfg and returns the first problem found. Field errors carry their
// dotted path, e.g. `jobs[2].timeout: invalid duration "x"`.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			return fmt.Errorf("logging.level: unknown level %q", lvl)
		}
	}
	switch NormalizeDriver(cfg.Storage.Driver) {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver %q: %w", cfg.Storage.Driver, ErrUnknownStorage)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if cfg.Storage.MaxRecords < 0 {
		return fmt.Errorf("storage.max_records: must be >= 0")
	}
	if addr := strings.TrimSpace(cfg.Debug.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("debug.addr: %w", err)
		}
	}
	if cfg.WarnRatePerSec < 0 {
		return fmt.Errorf("warn_rate_per_sec: must be >= 0")
	}

	if len(cfg.Jobs) == 0 {
		return ErrNoJobs
	}
	seen := make(map[string]int, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		if prev, ok := seen[j.Name]; ok {
			return fmt.Errorf("jobs[%d].name %q (also jobs[%d]): %w", i, j.Name, prev, ErrDuplicateJob)
		}
		seen[j.Name] = i
		if err := validateJob(j); err != nil {
			return fmt.Errorf("jobs[%d].%w", i, err)
		}
	}
	return nil
}

func validateJob(j JobConfig) error {
	if !reJobName.MatchString(j.Name) {
		return fmt.Errorf("name: invalid job name %q", j.Name)
	}
	if _, err := j.Delay(); err != nil {
		return err
	}
	if _, _, err := j.TimeoutAfter(); err != nil {
		return err
	}
	if j.CancelOnTimeout && strings.TrimSpace(j.Timeout) == "" {
		return fmt.Errorf("cancel_on_timeout: requires timeout")
	}

	switch {
	case j.Exec == nil && j.HTTP == nil:
		return fmt.Errorf("kind: one of exec or http is required")
	case j.Exec != nil && j.HTTP != nil:
		return fmt.Errorf("kind: exec and http are mutually exclusive")
	case j.Exec != nil:
		if len(j.Exec.Command) == 0 || strings.TrimSpace(j.Exec.Command[0]) == "" {
			return fmt.Errorf("exec.command: required")
		}
		for _, kv := range j.Exec.Env {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("exec.env: %q is not KEY=VALUE", kv)
			}
		}
	default:
		u, err := url.Parse(strings.TrimSpace(j.HTTP.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("http.url: invalid url %q", j.HTTP.URL)
		}
		if s := j.HTTP.ExpectStatus; s != 0 && (s < 100 || s > 599) {
			return fmt.Errorf("http.expect_status: %d out of range", s)
		}
	}
	return nil
}

// NormalizeDriver lowercases the driver name and maps "none" to "".
func NormalizeDriver(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "none" {
		return ""
	}
	return d
}
