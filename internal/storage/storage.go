package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdougie/videobench/internal/models"
)

// Recorder persists inference outcomes. Record reports whether the outcome
// was stored; failures are logged by the implementation, never returned.
type Recorder interface {
	Record(ctx context.Context, outcome models.Outcome) bool
}

// PersistenceError wraps an I/O failure while storing an outcome.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist result to %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DefaultMirrorTimeout bounds each mirror write when no timeout is given.
const DefaultMirrorTimeout = 60 * time.Second

// Fanout writes to a primary recorder and, once it accepts an outcome,
// copies it to each mirror. Only the primary decides the result.
type Fanout struct {
	primary Recorder
	mirrors []Recorder
	timeout time.Duration
	logger  *slog.Logger
}

// NewFanout creates a Fanout. Each mirror write gets its own deadline of
// timeout, or DefaultMirrorTimeout when timeout <= 0. Nil mirrors are ignored.
func NewFanout(primary Recorder, logger *slog.Logger, timeout time.Duration, mirrors ...Recorder) *Fanout {
	if timeout <= 0 {
		timeout = DefaultMirrorTimeout
	}
	f := &Fanout{primary: primary, timeout: timeout, logger: logger}
	for _, m := range mirrors {
		if m != nil {
			f.mirrors = append(f.mirrors, m)
		}
	}
	return f
}

func (f *Fanout) Record(ctx context.Context, outcome models.Outcome) bool {
	if !f.primary.Record(ctx, outcome) {
		return false
	}
	for _, m := range f.mirrors {
		if !f.mirror(ctx, m, outcome) {
			f.logger.Warn("mirror did not store result", "video", outcome.VideoName, "model", outcome.ModelName)
		}
	}
	return true
}

func (f *Fanout) mirror(ctx context.Context, m Recorder, outcome models.Outcome) bool {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return m.Record(ctx, outcome)
}
