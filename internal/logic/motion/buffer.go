package motion

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cjeanneret/SpinGo/internal/debug"
)

// DefaultBufferSize is the segment queue depth when none is configured.
const DefaultBufferSize = 16

// Segment is one relative move. When HasSpeed is set the spindle speed is
// updated as the segment starts executing.
type Segment struct {
	X        int     `json:"x" yaml:"x"`
	Y        int     `json:"y" yaml:"y"`
	RPM      float64 `json:"rpm,omitempty" yaml:"rpm,omitempty"`
	HasSpeed bool    `json:"has_speed,omitempty" yaml:"has_speed,omitempty"`
}

// Axis moves a single motor by a step count.
type Axis interface {
	Move(steps int, abort func() bool) (int, error)
}

// SpeedWriter is the spindle's real-time path. ComputeDuty runs when a
// segment is queued and only calculates; ApplyDuty writes the result when
// the segment starts executing.
type SpeedWriter interface {
	ComputeDuty(rpm float64) (uint32, float64)
	ApplyDuty(duty uint32, rpm float64) error
}

// Flags exposes the abort flag to the executor.
type Flags interface {
	Aborted() bool
}

type queued struct {
	seg  Segment
	duty uint32
	rpm  float64 // speed the duty stands for
}

// Buffer is a FIFO of segments drained by Run. Empty reports true only once
// every queued segment has finished executing, not merely been dequeued.
type Buffer struct {
	queue   chan queued
	pending atomic.Int32

	x, y  Axis
	speed SpeedWriter
	flags Flags

	posX atomic.Int64
	posY atomic.Int64
}

// NewBuffer creates a buffer executing on x and y. speed may be nil when
// no segment carries a speed.
func NewBuffer(size int, x, y Axis, speed SpeedWriter, flags Flags) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{
		queue: make(chan queued, size),
		x:     x,
		y:     y,
		speed: speed,
		flags: flags,
	}
}

// SetSpeed attaches the spindle once it exists. Call it before Run.
func (b *Buffer) SetSpeed(speed SpeedWriter) {
	b.speed = speed
}

// Empty reports whether no segment is queued or executing.
func (b *Buffer) Empty() bool {
	return b.pending.Load() == 0
}

// Pending returns the number of queued or executing segments.
func (b *Buffer) Pending() int {
	return int(b.pending.Load())
}

// Push queues seg, blocking while the buffer is full.
func (b *Buffer) Push(ctx context.Context, seg Segment) error {
	item := queued{seg: seg}
	if seg.HasSpeed && b.speed != nil {
		item.duty, item.rpm = b.speed.ComputeDuty(seg.RPM)
	}

	b.pending.Add(1)
	select {
	case b.queue <- item:
		debug.Segment(seg.X, seg.Y, seg.RPM)
		return nil
	case <-ctx.Done():
		b.pending.Add(-1)
		return ctx.Err()
	}
}

// Run executes segments until ctx is cancelled. A driver error flushes the
// queue and is returned.
func (b *Buffer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-b.queue:
			err := b.execute(item)
			b.pending.Add(-1)
			if err != nil {
				b.Flush()
				return err
			}
		}
	}
}

func (b *Buffer) execute(item queued) error {
	if b.aborted() {
		return nil
	}
	if item.seg.HasSpeed && b.speed != nil {
		if err := b.speed.ApplyDuty(item.duty, item.rpm); err != nil {
			return fmt.Errorf("segment speed: %w", err)
		}
	}
	// Axes move one after the other.
	moved, err := b.x.Move(item.seg.X, b.aborted)
	b.posX.Add(int64(moved))
	if err != nil {
		return fmt.Errorf("x axis: %w", err)
	}
	moved, err = b.y.Move(item.seg.Y, b.aborted)
	b.posY.Add(int64(moved))
	if err != nil {
		return fmt.Errorf("y axis: %w", err)
	}
	return nil
}

func (b *Buffer) aborted() bool {
	return b.flags != nil && b.flags.Aborted()
}

// Flush drops every queued segment that has not started executing.
func (b *Buffer) Flush() int {
	n := 0
	for {
		select {
		case <-b.queue:
			b.pending.Add(-1)
			n++
		default:
			if n > 0 {
				debug.Verbose("Motion buffer flushed (%d segments)", n)
			}
			return n
		}
	}
}

// Position returns the accumulated step position of both axes.
func (b *Buffer) Position() (x, y int64) {
	return b.posX.Load(), b.posY.Load()
}

// VirtualAxis stands in for an axis with no motor. Moves complete at once
// unless an abort is already raised.
type VirtualAxis struct{}

// Move implements Axis.
func (VirtualAxis) Move(steps int, abort func() bool) (int, error) {
	if abort != nil && abort() {
		return 0, nil
	}
	return steps, nil
}
