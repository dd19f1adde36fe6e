package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/SpinGo/internal/hw/gpio"
	"github.com/cjeanneret/SpinGo/internal/hw/output"
	"github.com/cjeanneret/SpinGo/internal/hw/stepper"
	"github.com/cjeanneret/SpinGo/internal/logic/motion"
	"github.com/cjeanneret/SpinGo/internal/logic/speed"
	"github.com/cjeanneret/SpinGo/internal/logic/spindle"
	"github.com/cjeanneret/SpinGo/internal/system"
)

// recorder logs queue and spindle calls in order.
type recorder struct {
	mu      sync.Mutex
	events  []string
	idleOK  bool
	syncErr error
}

func newRecorder() *recorder { return &recorder{idleOK: true} }

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) Push(_ context.Context, seg motion.Segment) error {
	r.add("move %d,%d", seg.X, seg.Y)
	return nil
}

func (r *recorder) Sync(_ context.Context, state spindle.State, rpm float64) error {
	r.add("sync %s %.0f", state, rpm)
	return r.syncErr
}

func (r *recorder) SetState(state spindle.State, rpm float64) error {
	r.add("set %s %.0f", state, rpm)
	return nil
}

func (r *recorder) WaitIdle(context.Context) (bool, error) {
	r.add("wait")
	return r.idleOK, nil
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type flags struct {
	abort atomic.Bool
	check atomic.Bool
}

func (f *flags) Aborted() bool   { return f.abort.Load() }
func (f *flags) CheckMode() bool { return f.check.Load() }

func testProgram() *Program {
	return &Program{
		Name: "test",
		Blocks: []Block{
			{Spindle: &spindle.Command{State: spindle.StateCW, RPM: 12000}},
			{Move: &motion.Segment{X: 50}},
			{Dwell: 0.001},
			{Spindle: &spindle.Command{State: spindle.StateCCW, RPM: 5000}},
			{Move: &motion.Segment{Y: -20}},
		},
	}
}

func equalEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// ---------- Run ----------

func TestRunner_Order(t *testing.T) {
	rec := newRecorder()
	r := NewRunner(rec, rec, &flags{})

	if err := r.Run(context.Background(), testProgram()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	equalEvents(t, rec.list(), []string{
		"sync cw 12000",
		"move 50,0",
		"wait",
		"sync ccw 5000",
		"move 0,-20",
		"wait",
		"set off 0",
	})

	p := r.Progress()
	if p.Running || p.Block != 5 || p.Total != 5 || p.Error != "" {
		t.Errorf("unexpected progress %+v", p)
	}
}

func TestRunner_CheckMode(t *testing.T) {
	rec := newRecorder()
	f := &flags{}
	f.check.Store(true)
	r := NewRunner(rec, rec, f)

	if err := r.Run(context.Background(), testProgram()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Spindle blocks still go through Sync, which ignores them in check mode.
	equalEvents(t, rec.list(), []string{"sync cw 12000", "sync ccw 5000"})
}

func TestRunner_Abort(t *testing.T) {
	rec := newRecorder()
	f := &flags{}
	f.abort.Store(true)
	r := NewRunner(rec, rec, f)

	err := r.Run(context.Background(), testProgram())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run error = %v, want ErrAborted", err)
	}
	if len(rec.list()) != 0 {
		t.Errorf("aborted run produced events %q", rec.list())
	}
	if p := r.Progress(); p.Error == "" {
		t.Error("progress should record the error")
	}
}

func TestRunner_AbortDuringFinalWait(t *testing.T) {
	rec := newRecorder()
	rec.idleOK = false
	r := NewRunner(rec, rec, &flags{})

	prog := &Program{Name: "m", Blocks: []Block{{Move: &motion.Segment{X: 1}}}}
	if err := r.Run(context.Background(), prog); !errors.Is(err, ErrAborted) {
		t.Fatalf("Run error = %v, want ErrAborted", err)
	}
	for _, e := range rec.list() {
		if e == "set off 0" {
			t.Error("spindle should not be written after an interrupted wait")
		}
	}
}

func TestRunner_ContextCancelled(t *testing.T) {
	rec := newRecorder()
	r := NewRunner(rec, rec, &flags{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Run(ctx, testProgram()); !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}

func TestRunner_SpindleError(t *testing.T) {
	rec := newRecorder()
	rec.syncErr = errors.New("bus fault")
	r := NewRunner(rec, rec, &flags{})

	err := r.Run(context.Background(), testProgram())
	if !errors.Is(err, rec.syncErr) {
		t.Fatalf("Run error = %v, want wrapped bus fault", err)
	}
}

func TestRunner_Busy(t *testing.T) {
	rec := newRecorder()
	r := NewRunner(rec, rec, &flags{})
	r.running.Store(true)

	if err := r.Run(context.Background(), testProgram()); !errors.Is(err, ErrBusy) {
		t.Errorf("Run error = %v, want ErrBusy", err)
	}
}

// ---------- Full stack ----------

func TestRunner_EndToEnd(t *testing.T) {
	drv := gpio.NewMockDriver()
	sys := system.New()

	out, err := output.NewSpindle(drv, output.Config{EnablePin: 23, DirPin: 24, PWMPin: 18, FullScale: speed.DutyMax})
	if err != nil {
		t.Fatalf("NewSpindle: %v", err)
	}
	x, err := stepper.NewStepper(drv, stepper.Config{Name: "x", StepPin: 5, DirPin: 6, StepDelay: time.Microsecond})
	if err != nil {
		t.Fatalf("NewStepper x: %v", err)
	}
	y, err := stepper.NewStepper(drv, stepper.Config{Name: "y", StepPin: 13, DirPin: 19, StepDelay: time.Microsecond})
	if err != nil {
		t.Fatalf("NewStepper y: %v", err)
	}

	buf := motion.NewBuffer(8, x, y, nil, sys)
	ctrl, err := spindle.New(out, sys, buf, spindle.Config{
		Settings:     speed.Settings{RPMMin: 1000, RPMMax: 30000},
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("spindle.New: %v", err)
	}
	buf.SetSpeed(ctrl)
	if err := ctrl.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = buf.Run(ctx) }()

	r := NewRunner(buf, ctrl, sys)
	prog := &Program{Name: "e2e", Blocks: []Block{
		{Spindle: &spindle.Command{State: spindle.StateCW, RPM: 15500}},
		{Move: &motion.Segment{X: 40}},
		{Spindle: &spindle.Command{State: spindle.StateCCW, RPM: 8000}},
		{Move: &motion.Segment{Y: -10, RPM: 6000, HasSpeed: true}},
	}}
	if err := r.Run(ctx, prog); err != nil {
		t.Fatalf("Run: %v", err)
	}

	px, py := buf.Position()
	if px != 40 || py != -10 {
		t.Errorf("Position() = (%d,%d), want (40,-10)", px, py)
	}
	if ctrl.State() != spindle.StateDisable || ctrl.Speed() != 0 {
		t.Errorf("after program state=%v speed=%v, want stopped", ctrl.State(), ctrl.Speed())
	}
	if drv.Duty(18) != 0 {
		t.Errorf("pwm duty = %d, want 0", drv.Duty(18))
	}
}
