package motion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/SpinGo/internal/hw/gpio"
	"github.com/cjeanneret/SpinGo/internal/hw/output"
	"github.com/cjeanneret/SpinGo/internal/logic/speed"
	"github.com/cjeanneret/SpinGo/internal/logic/spindle"
	"github.com/cjeanneret/SpinGo/internal/system"
)

// fakeAxis records moves and can block until released.
type fakeAxis struct {
	mu    sync.Mutex
	moves []int
	gate  chan struct{}
	err   error
}

func (a *fakeAxis) Move(steps int, abort func() bool) (int, error) {
	if a.gate != nil {
		<-a.gate
	}
	if a.err != nil {
		return 0, a.err
	}
	if abort != nil && abort() {
		return 0, nil
	}
	a.mu.Lock()
	a.moves = append(a.moves, steps)
	a.mu.Unlock()
	return steps, nil
}

func (a *fakeAxis) recorded() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.moves...)
}

type fakeSpeed struct {
	mu       sync.Mutex
	computed []float64
	applied  []uint32
	rpms     []float64
}

func (s *fakeSpeed) ComputeDuty(rpm float64) (uint32, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.computed = append(s.computed, rpm)
	return uint32(rpm / 100), rpm
}

func (s *fakeSpeed) ApplyDuty(duty uint32, rpm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, duty)
	s.rpms = append(s.rpms, rpm)
	return nil
}

func (s *fakeSpeed) appliedDuties() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.applied...)
}

type fakeFlags struct{ abort atomic.Bool }

func (f *fakeFlags) Aborted() bool { return f.abort.Load() }

func startRun(t *testing.T, b *Buffer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitEmpty(t *testing.T, b *Buffer) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !b.Empty() {
		if time.Now().After(deadline) {
			t.Fatalf("buffer did not drain, %d pending", b.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

// ---------- Push / Run ----------

func TestBuffer_StartsEmpty(t *testing.T) {
	b := NewBuffer(0, &fakeAxis{}, &fakeAxis{}, nil, nil)
	if !b.Empty() {
		t.Error("new buffer should be empty")
	}
	if cap(b.queue) != DefaultBufferSize {
		t.Errorf("queue size = %d, want %d", cap(b.queue), DefaultBufferSize)
	}
}

func TestBuffer_ExecutesInOrder(t *testing.T) {
	x, y := &fakeAxis{}, &fakeAxis{}
	b := NewBuffer(4, x, y, nil, nil)
	startRun(t, b)

	segs := []Segment{{X: 10, Y: 0}, {X: -3, Y: 7}, {X: 0, Y: -2}}
	for _, s := range segs {
		if err := b.Push(context.Background(), s); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	waitEmpty(t, b)

	gotX, gotY := x.recorded(), y.recorded()
	for i, s := range segs {
		if gotX[i] != s.X || gotY[i] != s.Y {
			t.Errorf("segment %d executed as (%d,%d), want (%d,%d)", i, gotX[i], gotY[i], s.X, s.Y)
		}
	}
	px, py := b.Position()
	if px != 7 || py != 5 {
		t.Errorf("Position() = (%d,%d), want (7,5)", px, py)
	}
}

func TestBuffer_NotEmptyWhileExecuting(t *testing.T) {
	x := &fakeAxis{gate: make(chan struct{})}
	b := NewBuffer(4, x, &fakeAxis{}, nil, nil)
	startRun(t, b)

	_ = b.Push(context.Background(), Segment{X: 1})
	time.Sleep(5 * time.Millisecond)
	if b.Empty() {
		t.Fatal("buffer must not report empty while a segment is executing")
	}
	close(x.gate)
	waitEmpty(t, b)
}

func TestBuffer_SegmentSpeed(t *testing.T) {
	sp := &fakeSpeed{}
	b := NewBuffer(4, &fakeAxis{}, &fakeAxis{}, sp, nil)
	startRun(t, b)

	_ = b.Push(context.Background(), Segment{X: 1, RPM: 12000, HasSpeed: true})
	_ = b.Push(context.Background(), Segment{X: 1})
	_ = b.Push(context.Background(), Segment{X: 1, RPM: 5000, HasSpeed: true})
	waitEmpty(t, b)

	got := sp.appliedDuties()
	if len(got) != 2 || got[0] != 120 || got[1] != 50 {
		t.Errorf("applied duties = %v, want [120 50]", got)
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.rpms) != 2 || sp.rpms[0] != 12000 || sp.rpms[1] != 5000 {
		t.Errorf("applied rpms = %v, want [12000 5000]", sp.rpms)
	}
}

func TestBuffer_PushContextCancel(t *testing.T) {
	b := NewBuffer(1, &fakeAxis{}, &fakeAxis{}, nil, nil)
	// No executor: the second push blocks on a full queue.
	_ = b.Push(context.Background(), Segment{X: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Push(ctx, Segment{X: 2})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Push error = %v, want deadline exceeded", err)
	}
	if b.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", b.Pending())
	}
}

// ---------- Abort / Flush ----------

func TestBuffer_Flush(t *testing.T) {
	b := NewBuffer(4, &fakeAxis{}, &fakeAxis{}, nil, nil)
	for i := 0; i < 3; i++ {
		_ = b.Push(context.Background(), Segment{X: i})
	}
	if n := b.Flush(); n != 3 {
		t.Errorf("Flush() = %d, want 3", n)
	}
	if !b.Empty() {
		t.Error("buffer should be empty after flush")
	}
}

func TestBuffer_AbortSkipsSegments(t *testing.T) {
	x := &fakeAxis{}
	sp := &fakeSpeed{}
	flags := &fakeFlags{}
	flags.abort.Store(true)
	b := NewBuffer(4, x, &fakeAxis{}, sp, flags)
	startRun(t, b)

	_ = b.Push(context.Background(), Segment{X: 5, RPM: 9000, HasSpeed: true})
	waitEmpty(t, b)

	if len(x.recorded()) != 0 {
		t.Errorf("aborted segment moved: %v", x.recorded())
	}
	if len(sp.appliedDuties()) != 0 {
		t.Errorf("aborted segment wrote speed: %v", sp.appliedDuties())
	}
}

func TestBuffer_RunErrorFlushes(t *testing.T) {
	boom := errors.New("driver fault")
	x := &fakeAxis{err: boom}
	b := NewBuffer(4, x, &fakeAxis{}, nil, nil)
	_ = b.Push(context.Background(), Segment{X: 1})
	_ = b.Push(context.Background(), Segment{X: 2})

	err := b.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
	if !b.Empty() {
		t.Errorf("buffer should be flushed after a driver error, %d pending", b.Pending())
	}
}

func TestBuffer_RunStopsOnCancel(t *testing.T) {
	b := NewBuffer(4, &fakeAxis{}, &fakeAxis{}, nil, nil)
	cancel, done := startRun(t, b)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// ---------- Wiring ----------

func TestBuffer_SetSpeed(t *testing.T) {
	sp := &fakeSpeed{}
	b := NewBuffer(4, VirtualAxis{}, VirtualAxis{}, nil, nil)
	b.SetSpeed(sp)

	if err := b.Push(context.Background(), Segment{X: 1, RPM: 2500, HasSpeed: true}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !b.Empty() {
		if time.Now().After(deadline) {
			t.Fatal("segment not executed")
		}
		time.Sleep(time.Millisecond)
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.applied) != 1 || sp.applied[0] != 25 {
		t.Errorf("applied = %v, want [25]", sp.applied)
	}
}

func TestVirtualAxis(t *testing.T) {
	cases := []struct {
		name  string
		steps int
		abort bool
		want  int
	}{
		{"forward", 12, false, 12},
		{"backward", -7, false, -7},
		{"aborted", 12, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := VirtualAxis{}.Move(tc.steps, func() bool { return tc.abort })
			if err != nil {
				t.Fatalf("Move: %v", err)
			}
			if got != tc.want {
				t.Errorf("Move(%d) = %d, want %d", tc.steps, got, tc.want)
			}
		})
	}
}

// ---------- With a spindle ----------

const testPWMPin = 18

func spindleBuffer(t *testing.T) (*Buffer, *spindle.Controller, *gpio.MockDriver) {
	t.Helper()
	drv := gpio.NewMockDriver()
	sys := system.New()
	out, err := output.NewSpindle(drv, output.Config{EnablePin: 23, DirPin: 24, PWMPin: testPWMPin, FullScale: speed.DutyMax})
	if err != nil {
		t.Fatalf("NewSpindle: %v", err)
	}
	b := NewBuffer(4, VirtualAxis{}, VirtualAxis{}, nil, sys)
	ctrl, err := spindle.New(out, sys, b, spindle.Config{Settings: speed.Settings{RPMMin: 1000, RPMMax: 30000}})
	if err != nil {
		t.Fatalf("spindle.New: %v", err)
	}
	b.SetSpeed(ctrl)
	if err := ctrl.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return b, ctrl, drv
}

func TestBuffer_SegmentSpeedDoesNotStartSpindle(t *testing.T) {
	b, ctrl, drv := spindleBuffer(t)
	if err := ctrl.SetState(spindle.StateDisable, 0); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	_ = b.Push(context.Background(), Segment{X: 1, RPM: 5000, HasSpeed: true})
	startRun(t, b)
	waitEmpty(t, b)

	if ctrl.State() != spindle.StateDisable || ctrl.Speed() != 0 || drv.Duty(testPWMPin) != 0 {
		t.Errorf("spindle commanded off moved: state=%v speed=%v duty=%d",
			ctrl.State(), ctrl.Speed(), drv.Duty(testPWMPin))
	}
}

func TestBuffer_SpeedChangesWhenSegmentStarts(t *testing.T) {
	b, ctrl, drv := spindleBuffer(t)
	if err := ctrl.SetState(spindle.StateCW, 15500); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	_ = b.Push(context.Background(), Segment{X: 1, RPM: 0, HasSpeed: true})
	if ctrl.Speed() != 15500 || drv.Duty(testPWMPin) != 128 {
		t.Fatalf("queued segment changed the spindle: speed=%v duty=%d", ctrl.Speed(), drv.Duty(testPWMPin))
	}

	startRun(t, b)
	waitEmpty(t, b)
	if ctrl.Speed() != 0 || drv.Duty(testPWMPin) != 0 {
		t.Errorf("after execution speed=%v duty=%d, want 0/0", ctrl.Speed(), drv.Duty(testPWMPin))
	}
}
