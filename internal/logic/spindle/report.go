package spindle

// Report is a point-in-time view of the spindle for status output.
type Report struct {
	State     State   `json:"state"`
	RPM       float64 `json:"rpm"`
	Duty      uint32  `json:"duty"`
	Enabled   bool    `json:"enabled"`
	Override  int     `json:"override"`
	LaserMode bool    `json:"laser_mode"`
	Mode      string  `json:"mode"`
}

// Report collects the current spindle status. Fields are read one at a
// time, so a report taken during a command may mix old and new values.
func (c *Controller) Report() Report {
	enabled, _ := c.out.Enabled()
	return Report{
		State:     c.State(),
		RPM:       c.Speed(),
		Duty:      c.out.Duty(),
		Enabled:   enabled,
		Override:  c.sys.SpindleOverride(),
		LaserMode: c.Settings().LaserMode,
		Mode:      string(c.mode),
	}
}

// ReportDue is called once per status report. It returns true when the
// spindle block should be included, which happens immediately after any
// applied command and then every few reports (more often while idle).
func (c *Controller) ReportDue() bool {
	for {
		n := c.counter.Load()
		if n > 0 {
			if c.counter.CompareAndSwap(n, n-1) {
				return false
			}
			continue
		}
		reload := c.idleCount
		if c.buf != nil && !c.buf.Empty() {
			reload = c.busyCount
		}
		if c.counter.CompareAndSwap(n, reload) {
			return true
		}
	}
}

// ForceReport makes the next ReportDue return true.
func (c *Controller) ForceReport() {
	c.counter.Store(0)
}
