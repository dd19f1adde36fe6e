package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/SpinGo/internal/debug"
	"github.com/cjeanneret/SpinGo/internal/logic/motion"
	"github.com/cjeanneret/SpinGo/internal/logic/spindle"
)

var (
	// ErrBusy is returned when a program is already running.
	ErrBusy = errors.New("a program is already running")
	// ErrAborted is returned when the abort flag stops a program.
	ErrAborted = errors.New("program aborted")
)

// Queue accepts motion segments.
type Queue interface {
	Push(ctx context.Context, seg motion.Segment) error
}

// Spindle is the part of the spindle controller a program drives.
type Spindle interface {
	Sync(ctx context.Context, state spindle.State, rpm float64) error
	SetState(state spindle.State, rpm float64) error
	WaitIdle(ctx context.Context) (bool, error)
}

// Flags exposes abort and check mode.
type Flags interface {
	Aborted() bool
	CheckMode() bool
}

// Progress describes the current or last run.
type Progress struct {
	Program string `json:"program"`
	Block   int    `json:"block"`
	Total   int    `json:"total"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Runner executes programs one at a time.
type Runner struct {
	queue   Queue
	spindle Spindle
	flags   Flags

	running atomic.Bool
	mu      sync.Mutex
	prog    Progress
}

func NewRunner(q Queue, s Spindle, f Flags) *Runner {
	return &Runner{queue: q, spindle: s, flags: f}
}

// Progress returns a copy of the run progress.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prog
}

// Running reports whether a program is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}

func (r *Runner) setProgress(fn func(p *Progress)) {
	r.mu.Lock()
	fn(&r.prog)
	r.mu.Unlock()
}

// Run executes p block by block. Moves are queued, spindle blocks wait for
// queued motion before taking effect, dwells wait for motion and then
// pause. When the program ends normally the spindle is stopped once motion
// has drained. In check mode nothing reaches the hardware.
func (r *Runner) Run(ctx context.Context, p *Program) (err error) {
	if !r.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer r.running.Store(false)

	total := len(p.Blocks)
	r.setProgress(func(pr *Progress) {
		*pr = Progress{Program: p.Name, Total: total, Running: true}
	})
	defer func() {
		r.setProgress(func(pr *Progress) {
			pr.Running = false
			if err != nil {
				pr.Error = err.Error()
			}
		})
	}()

	debug.Section("Program " + p.Name)
	check := r.flags.CheckMode()
	if check {
		debug.Live("Check mode: program is validated only")
	}

	for i, b := range p.Blocks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if r.flags.Aborted() {
			return ErrAborted
		}

		r.setProgress(func(pr *Progress) { pr.Block = i + 1 })
		debug.Block(i+1, total, b.Kind())

		if err := r.runBlock(ctx, b, check); err != nil {
			return fmt.Errorf("block %d (%s): %w", i+1, b.Kind(), err)
		}
	}

	if check {
		return nil
	}
	return r.end(ctx)
}

func (r *Runner) runBlock(ctx context.Context, b Block, check bool) error {
	switch {
	case b.Move != nil:
		if check {
			return nil
		}
		return r.queue.Push(ctx, *b.Move)
	case b.Spindle != nil:
		return r.spindle.Sync(ctx, b.Spindle.State, b.Spindle.RPM)
	default:
		if check {
			return nil
		}
		return r.dwell(ctx, time.Duration(b.Dwell*float64(time.Second)))
	}
}

func (r *Runner) dwell(ctx context.Context, d time.Duration) error {
	ok, err := r.spindle.WaitIdle(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAborted
	}
	debug.Verbose("Dwell %v", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// end waits for the last moves and stops the spindle immediately.
func (r *Runner) end(ctx context.Context) error {
	ok, err := r.spindle.WaitIdle(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAborted
	}
	if err := r.spindle.SetState(spindle.StateDisable, 0); err != nil {
		return fmt.Errorf("end of program: %w", err)
	}
	debug.Live("Program complete, spindle stopped")
	return nil
}
