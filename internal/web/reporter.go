package web

import (
	"context"
	"time"

	"github.com/cjeanneret/SpinGo/internal/logic/job"
	"github.com/cjeanneret/SpinGo/internal/logic/spindle"
)

// DefaultReportPeriod is the status poll interval.
const DefaultReportPeriod = 200 * time.Millisecond

// ReportSource is the spindle side of status reporting.
type ReportSource interface {
	Report() spindle.Report
	ReportDue() bool
}

// ProgressSource provides the program progress, if any.
type ProgressSource interface {
	Progress() job.Progress
}

// Reporter polls the spindle at a fixed period and broadcasts a report
// whenever the spindle countdown says one is due.
type Reporter struct {
	src      ReportSource
	progress ProgressSource
	b        *StatusBroadcaster
	period   time.Duration
}

// NewReporter creates a reporter. progress may be nil.
func NewReporter(src ReportSource, progress ProgressSource, b *StatusBroadcaster, period time.Duration) *Reporter {
	if period <= 0 {
		period = DefaultReportPeriod
	}
	return &Reporter{src: src, progress: progress, b: b, period: period}
}

// Poll runs one status poll and reports whether a report was sent.
func (r *Reporter) Poll() bool {
	if !r.src.ReportDue() {
		return false
	}
	var p *job.Progress
	if r.progress != nil {
		pr := r.progress.Progress()
		p = &pr
	}
	r.b.BroadcastReport(r.src.Report(), p)
	return true
}

// Run polls until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Poll()
		}
	}
}
