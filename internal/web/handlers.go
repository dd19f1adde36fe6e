package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/SpinGo/internal/debug"
	"github.com/cjeanneret/SpinGo/internal/logic/job"
	"github.com/cjeanneret/SpinGo/internal/logic/spindle"
	"github.com/cjeanneret/SpinGo/internal/system"
)

// MaxRequestBytes bounds JSON request bodies.
const MaxRequestBytes = 1 << 20

// RunCooldown is the minimum delay between two program starts.
const RunCooldown = 5 * time.Second

// SpindleControl is the spindle controller as seen by the handlers.
type SpindleControl interface {
	SetState(state spindle.State, rpm float64) error
	Sync(ctx context.Context, state spindle.State, rpm float64) error
	Stop() error
	Refresh() error
	Report() spindle.Report
	ForceReport()
}

// Machine holds the machine-wide flags.
type Machine interface {
	Abort()
	ClearAbort()
	Aborted() bool
	SetCheckMode(on bool)
	CheckMode() bool
	SpindleOverride() int
	SetSpindleOverride(pct int) int
	AdjustSpindleOverride(delta int) int
	ResetSpindleOverride()
}

// Flusher drops queued motion.
type Flusher interface {
	Flush() int
}

// ProgramRunner runs block programs.
type ProgramRunner interface {
	Run(ctx context.Context, p *job.Program) error
	Progress() job.Progress
}

// ProgramLoader loads a program by file name.
type ProgramLoader func(name string) (*job.Program, error)

// FormConfig holds the values the UI needs to build its controls.
type FormConfig struct {
	RPMMin      float64 `json:"rpm_min"`
	RPMMax      float64 `json:"rpm_max"`
	Mode        string  `json:"mode"`
	LaserMode   bool    `json:"laser_mode"`
	OverrideMin int     `json:"override_min"`
	OverrideMax int     `json:"override_max"`
}

// Deps are the handler dependencies. Motion, Runner and LoadProgram may
// be nil; program endpoints then answer 503.
type Deps struct {
	Spindle     SpindleControl
	Machine     Machine
	Motion      Flusher
	Runner      ProgramRunner
	LoadProgram ProgramLoader
	Form        FormConfig
}

// SpindleRequest is the body of POST /spindle. With Sync set the command
// waits for queued motion first.
type SpindleRequest struct {
	State string  `json:"state"`
	RPM   float64 `json:"rpm"`
	Sync  bool    `json:"sync"`
}

// OverrideRequest is the body of POST /override. Exactly one field is used.
type OverrideRequest struct {
	Set    *int `json:"set,omitempty"`
	Adjust int  `json:"adjust,omitempty"`
	Reset  bool `json:"reset,omitempty"`
}

// RunRequest is the body of POST /run.
type RunRequest struct {
	Program string `json:"program"`
}

// CheckRequest is the body of POST /check.
type CheckRequest struct {
	On bool `json:"on"`
}

// Status is the full machine status returned by GET /status.
type Status struct {
	Spindle   spindle.Report `json:"spindle"`
	Job       *job.Progress  `json:"job,omitempty"`
	Aborted   bool           `json:"aborted"`
	CheckMode bool           `json:"check_mode"`
}

// ValidateSpindleRequest checks a spindle request and converts it to a command.
func ValidateSpindleRequest(req SpindleRequest) (spindle.Command, error) {
	state, err := spindle.ParseState(req.State)
	if err != nil {
		return spindle.Command{}, err
	}
	if math.IsNaN(req.RPM) || math.IsInf(req.RPM, 0) {
		return spindle.Command{}, fmt.Errorf("rpm must be a finite number")
	}
	if req.RPM < 0 {
		return spindle.Command{}, fmt.Errorf("rpm must be >= 0, got %.2f", req.RPM)
	}
	return spindle.Command{State: state, RPM: req.RPM}, nil
}

// ValidateOverrideRequest checks that exactly one action is requested and
// that it is in range.
func ValidateOverrideRequest(req OverrideRequest) error {
	n := 0
	if req.Set != nil {
		n++
		if *req.Set < system.OverrideMin || *req.Set > system.OverrideMax {
			return fmt.Errorf("override must be between %d and %d", system.OverrideMin, system.OverrideMax)
		}
	}
	if req.Adjust != 0 {
		n++
		switch req.Adjust {
		case system.OverrideCoarseStep, -system.OverrideCoarseStep, system.OverrideFineStep, -system.OverrideFineStep:
		default:
			return fmt.Errorf("adjust must be +/-%d or +/-%d", system.OverrideCoarseStep, system.OverrideFineStep)
		}
	}
	if req.Reset {
		n++
	}
	if n != 1 {
		return errors.New("exactly one of set, adjust or reset is required")
	}
	return nil
}

// ValidateProgramName accepts a bare .yaml file name.
func ValidateProgramName(name string) error {
	if name == "" {
		return errors.New("program name is empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("program name %q must be a plain file name", name)
	}
	if filepath.Ext(name) != ".yaml" {
		return fmt.Errorf("program name %q must end in .yaml", name)
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	deps        Deps
	staticFS    fs.FS

	runningMu sync.Mutex
	running   bool
	lastRun   time.Time
	cancelRun context.CancelFunc
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, deps Deps, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		deps:        deps,
		staticFS:    staticFS,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *Handlers) status() Status {
	st := Status{
		Spindle:   h.deps.Spindle.Report(),
		Aborted:   h.deps.Machine.Aborted(),
		CheckMode: h.deps.Machine.CheckMode(),
	}
	if h.deps.Runner != nil {
		p := h.deps.Runner.Progress()
		st.Job = &p
	}
	return st
}

func (h *Handlers) isRunning() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

// HandleConfig returns the UI configuration as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Form)
}

// HandleStatus returns the full status as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleSpindle handles POST /spindle.
func (h *Handlers) HandleSpindle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SpindleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cmd, err := ValidateSpindleRequest(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.deps.Machine.Aborted() {
		http.Error(w, "abort active, reset first", http.StatusConflict)
		return
	}

	if req.Sync {
		err = h.deps.Spindle.Sync(r.Context(), cmd.State, cmd.RPM)
	} else {
		err = h.deps.Spindle.SetState(cmd.State, cmd.RPM)
	}
	if err != nil {
		debug.Error(err)
		http.Error(w, "spindle: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Spindle.Report())
}

// HandleOverride handles POST /override. A running spindle picks up the
// new value immediately.
func (h *Handlers) HandleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req OverrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := ValidateOverrideRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := h.deps.Machine
	switch {
	case req.Set != nil:
		m.SetSpindleOverride(*req.Set)
	case req.Adjust != 0:
		m.AdjustSpindleOverride(req.Adjust)
	default:
		m.ResetSpindleOverride()
	}
	if err := h.deps.Spindle.Refresh(); err != nil {
		debug.Error(err)
	}
	h.deps.Spindle.ForceReport()
	writeJSON(w, http.StatusOK, map[string]int{"override": m.SpindleOverride()})
}

// HandleAbort handles POST /abort: raises the abort flag, cancels the
// running program, drops queued motion and stops the spindle.
func (h *Handlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.deps.Machine.Abort()

	h.runningMu.Lock()
	if h.cancelRun != nil {
		h.cancelRun()
	}
	h.runningMu.Unlock()

	if h.deps.Motion != nil {
		h.deps.Motion.Flush()
	}
	if err := h.deps.Spindle.Stop(); err != nil {
		debug.Error(err)
	}
	h.deps.Spindle.ForceReport()
	h.Broadcaster.Broadcast("warn", "Abort: spindle stopped")
	writeJSON(w, http.StatusOK, h.status())
}

// HandleReset handles POST /reset: clears the abort flag and restores the
// default override.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.deps.Machine.ClearAbort()
	h.deps.Machine.ResetSpindleOverride()
	h.deps.Spindle.ForceReport()
	h.Broadcaster.Broadcast("info", "Reset")
	writeJSON(w, http.StatusOK, h.status())
}

// HandleCheck handles POST /check to toggle check mode.
func (h *Handlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if h.isRunning() {
		http.Error(w, "program in progress", http.StatusConflict)
		return
	}
	h.deps.Machine.SetCheckMode(req.On)
	writeJSON(w, http.StatusOK, h.status())
}

// HandleRun handles POST /run to start a program.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := ValidateProgramName(req.Program); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.deps.Runner == nil || h.deps.LoadProgram == nil {
		http.Error(w, "programs not configured", http.StatusServiceUnavailable)
		return
	}
	if h.deps.Machine.Aborted() {
		http.Error(w, "abort active, reset first", http.StatusConflict)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "program already in progress", http.StatusConflict)
		return
	}
	if !h.lastRun.IsZero() && time.Since(h.lastRun) < RunCooldown {
		h.runningMu.Unlock()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	h.runningMu.Unlock()

	prog, err := h.deps.LoadProgram(req.Program)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "program already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.running = true
	h.lastRun = time.Now()
	h.cancelRun = cancel
	h.runningMu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		defer func() {
			cancel()
			h.runningMu.Lock()
			h.running = false
			h.cancelRun = nil
			h.runningMu.Unlock()
		}()

		if err := h.deps.Runner.Run(ctx, prog); err != nil {
			h.Broadcaster.Broadcast("error", "Program failed: "+err.Error())
			debug.Error(fmt.Errorf("program %s: %w", prog.Name, err))
		} else {
			h.Broadcaster.Broadcast("info", "Program complete")
		}
		h.deps.Spindle.ForceReport()
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "program": prog.Name})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
