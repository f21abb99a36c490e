package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"asyncinterval/internal/config"
	"asyncinterval/pkg/interval"
)

const (
	outputTailMax = 512
	waitDelay     = time.Second
)

func execTask(spec config.ExecJob) (interval.Task, error) {
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, errors.New("exec: command required")
	}
	argv := append([]string(nil), spec.Command...)
	env := append([]string(nil), spec.Env...)
	dir := spec.Dir

	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		// Children that inherit the output pipe must not keep Run blocked after a kill.
		cmd.WaitDelay = waitDelay
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		out := &tailBuffer{max: outputTailMax}
		cmd.Stdout = out
		cmd.Stderr = out

		if err := cmd.Run(); err != nil {
			if tail := strings.TrimSpace(out.String()); tail != "" {
				return fmt.Errorf("exec %s: %w: %s", argv[0], err, tail)
			}
			return fmt.Errorf("exec %s: %w", argv[0], err)
		}
		return nil
	}, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
