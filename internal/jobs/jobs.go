// Package jobs turns configured job definitions into interval tasks.
package jobs

import (
	"errors"
	"fmt"

	"asyncinterval/internal/config"
	"asyncinterval/pkg/interval"
)

var (
	ErrNoKind        = errors.New("jobs: no task kind (exec or http)")
	ErrAmbiguousKind = errors.New("jobs: exec and http are mutually exclusive")
)

// Build returns the task for def. The task honours the context it is given, so a
// cancel_on_timeout job actually stops its command or request.
func Build(def config.JobConfig) (interval.Task, error) {
	switch {
	case def.Exec != nil && def.HTTP != nil:
		return nil, fmt.Errorf("%s: %w", def.Name, ErrAmbiguousKind)
	case def.Exec != nil:
		return execTask(*def.Exec)
	case def.HTTP != nil:
		return httpTask(*def.HTTP, nil)
	default:
		return nil, fmt.Errorf("%s: %w", def.Name, ErrNoKind)
	}
}
