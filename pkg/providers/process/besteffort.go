package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tphan267/socksgate/pkg/logger"
)

// StepResult is the outcome of one best-effort step
type StepResult struct {
	Name     string
	OK       bool
	TimedOut bool
	Detail   string
	Err      error
	Elapsed  time.Duration
}

func (r StepResult) String() string {
	switch {
	case r.TimedOut:
		return fmt.Sprintf("%s: inconclusive (timed out after %s)", r.Name, r.Elapsed.Round(time.Millisecond))
	case r.Err != nil:
		return fmt.Sprintf("%s: failed: %v", r.Name, r.Err)
	case r.Detail != "":
		return fmt.Sprintf("%s: %s", r.Name, r.Detail)
	default:
		return r.Name + ": ok"
	}
}

// BestEffort runs a sequence of steps where no step can abort the sequence. Each step gets its own
// timeout; a step that overruns is recorded as inconclusive and the caller moves on. Safe for
// concurrent Run calls.
type BestEffort struct {
	log *logger.Logger

	mu    sync.Mutex
	steps []StepResult
}

// NewBestEffort creates an empty step trail
func NewBestEffort(log *logger.Logger) *BestEffort {
	if log == nil {
		log = logger.Discard()
	}
	return &BestEffort{log: log}
}

// Run executes fn with a per-step deadline derived from ctx. It never returns an error; the
// result says what happened.
func (b *BestEffort) Run(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (string, error)) StepResult {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		detail string
		err    error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		detail, err := fn(stepCtx)
		done <- outcome{detail: detail, err: err}
	}()

	res := StepResult{Name: name}
	select {
	case o := <-done:
		res.Detail = o.detail
		res.Err = o.err
		res.OK = o.err == nil
		if o.err != nil && stepCtx.Err() != nil {
			res.TimedOut = true
		}
	case <-stepCtx.Done():
		res.TimedOut = true
	}
	res.Elapsed = time.Since(started)

	if res.OK {
		b.log.Debug("%s", res)
	} else {
		b.log.Warn("%s", res)
	}

	b.mu.Lock()
	b.steps = append(b.steps, res)
	b.mu.Unlock()
	return res
}

// Note records an informational line in the trail
func (b *BestEffort) Note(format string, v ...interface{}) {
	res := StepResult{Name: fmt.Sprintf(format, v...), OK: true}
	b.log.Debug("%s", res.Name)
	b.mu.Lock()
	b.steps = append(b.steps, res)
	b.mu.Unlock()
}

// Steps returns a copy of the recorded results
func (b *BestEffort) Steps() []StepResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StepResult, len(b.steps))
	copy(out, b.steps)
	return out
}

// Trail renders the results as log lines
func (b *BestEffort) Trail() []string {
	steps := b.Steps()
	lines := make([]string, 0, len(steps))
	for _, s := range steps {
		if s.OK && s.Detail == "" && s.Elapsed == 0 {
			lines = append(lines, s.Name)
			continue
		}
		lines = append(lines, s.String())
	}
	return lines
}

// Clean reports whether every step succeeded
func (b *BestEffort) Clean() bool {
	for _, s := range b.Steps() {
		if !s.OK {
			return false
		}
	}
	return true
}
