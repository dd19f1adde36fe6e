package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/SpinGo/internal/config"
	"github.com/cjeanneret/SpinGo/internal/debug"
	"github.com/cjeanneret/SpinGo/internal/hw/gpio"
	"github.com/cjeanneret/SpinGo/internal/hw/output"
	"github.com/cjeanneret/SpinGo/internal/hw/stepper"
	"github.com/cjeanneret/SpinGo/internal/logic/job"
	"github.com/cjeanneret/SpinGo/internal/logic/motion"
	"github.com/cjeanneret/SpinGo/internal/logic/spindle"
	"github.com/cjeanneret/SpinGo/internal/system"
	"github.com/cjeanneret/SpinGo/internal/web"
)

// cliOptions are the one-shot command line settings.
type cliOptions struct {
	State   string
	RPM     float64
	Program string
	Debug   int // -1 = use config
	Check   bool
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "spingo.yaml"), "path to config file (.yaml or .toml)")
	var opts cliOptions
	flag.StringVar(&opts.State, "state", "", "set the spindle once: off, cw or ccw (M3/M4/M5 accepted)")
	flag.Float64Var(&opts.RPM, "rpm", 0, "spindle speed for -state")
	flag.StringVar(&opts.Program, "program", "", "run a program file from the program directory")
	flag.IntVar(&opts.Debug, "debug", -1, "override debug level (0-4)")
	flag.BoolVar(&opts.Check, "check", false, "check mode: validate without driving the hardware")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	cmd, err := validateCLI(opts)
	if err != nil {
		log.Fatalf("invalid CLI option: %v", err)
	}
	applyDebugOverride(cfg, opts.Debug)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("GPIO driver", cfg.Defaults.GPIODriver)

	gpioDriver, err := gpio.NewDriver(cfg.Defaults.GPIODriver)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	out, err := output.NewSpindle(gpioDriver, cfg.OutputConfig())
	if err != nil {
		log.Fatalf("init spindle outputs failed: %v", err)
	}
	debug.PrintStruct("Spindle config", cfg.Spindle)

	xAxis, err := newAxis(gpioDriver, "x", cfg.XAxis)
	if err != nil {
		log.Fatalf("init x axis failed: %v", err)
	}
	yAxis, err := newAxis(gpioDriver, "y", cfg.YAxis)
	if err != nil {
		log.Fatalf("init y axis failed: %v", err)
	}

	sys := system.New()
	sys.SetCheckMode(opts.Check)

	buf := motion.NewBuffer(cfg.Motion.BufferSize, xAxis, yAxis, nil, sys)
	ctrl, err := spindle.New(out, sys, buf, spindle.Config{
		Mode:            cfg.SpindleMode(),
		Settings:        cfg.SpeedSettings(),
		PollInterval:    cfg.SyncPoll(),
		ReportBusyCount: cfg.Defaults.ReportBusyCount,
		ReportIdleCount: cfg.Defaults.ReportIdleCount,
	})
	if err != nil {
		log.Fatalf("init spindle failed: %v", err)
	}
	buf.SetSpeed(ctrl)
	if err := ctrl.Init(); err != nil {
		log.Fatalf("init spindle failed: %v", err)
	}
	defer func() {
		if err := ctrl.Stop(); err != nil {
			log.Printf("stopping spindle failed: %v", err)
		}
		disableAxes(xAxis, yAxis)
	}()

	go func() {
		if err := buf.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			debug.Error(fmt.Errorf("motion: %w", err))
			sys.Abort()
		}
	}()

	runner := job.NewRunner(buf, ctrl, sys)
	loadProgram := programLoader(cfg.Defaults.ProgramDir)

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		settings := ctrl.Settings()
		srv := web.NewServer(webAddr, broadcaster, web.Deps{
			Spindle:     ctrl,
			Machine:     sys,
			Motion:      buf,
			Runner:      runner,
			LoadProgram: loadProgram,
			Form: web.FormConfig{
				RPMMin:      settings.RPMMin,
				RPMMax:      settings.RPMMax,
				Mode:        string(ctrl.Mode()),
				LaserMode:   settings.LaserMode,
				OverrideMin: system.OverrideMin,
				OverrideMax: system.OverrideMax,
			},
		})
		go web.NewReporter(ctrl, runner, broadcaster, cfg.ReportPeriod()).Run(ctx)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	if err := runOnce(ctx, ctrl, runner, loadProgram, opts, cmd); err != nil {
		log.Fatalf("%v", err)
	}
}

// runOnce executes the command line request. A spindle left running is
// held until the process is interrupted.
func runOnce(ctx context.Context, ctrl *spindle.Controller, runner *job.Runner, load web.ProgramLoader, opts cliOptions, cmd *spindle.Command) error {
	if opts.Program != "" {
		prog, err := load(opts.Program)
		if err != nil {
			return err
		}
		debug.Section("Program " + prog.Name)
		if err := runner.Run(ctx, prog); err != nil {
			return fmt.Errorf("program %s: %w", prog.Name, err)
		}
		debug.Section("Program complete")
	}

	if cmd == nil {
		return nil
	}
	if err := ctrl.Sync(ctx, cmd.State, cmd.RPM); err != nil {
		return fmt.Errorf("spindle: %w", err)
	}
	r := ctrl.Report()
	debug.Spindle(r.State.String(), r.RPM, r.Duty)
	if r.State == spindle.StateDisable {
		return nil
	}
	debug.Info("Spindle running, interrupt to stop")
	<-ctx.Done()
	return nil
}

// validateCLI checks the one-shot options. It returns the spindle command
// to apply, or nil when -state is not given.
func validateCLI(opts cliOptions) (*spindle.Command, error) {
	if opts.Debug < -1 || opts.Debug > 4 {
		return nil, fmt.Errorf("debug must be between 0 and 4, got %d", opts.Debug)
	}
	if opts.Program != "" {
		if err := web.ValidateProgramName(opts.Program); err != nil {
			return nil, err
		}
	}
	if opts.State == "" {
		if opts.RPM != 0 {
			return nil, errors.New("rpm requires state")
		}
		return nil, nil
	}
	cmd, err := web.ValidateSpindleRequest(web.SpindleRequest{State: opts.State, RPM: opts.RPM})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// applyDebugOverride sets the debug level from the command line; -1 keeps
// the configured one.
func applyDebugOverride(cfg *config.Config, level int) {
	if level >= 0 {
		cfg.Defaults.DebugLevel = level
	}
}

// newAxis returns a stepper for a wired axis and a virtual one otherwise.
func newAxis(g gpio.Driver, name string, a config.AxisConfig) (motion.Axis, error) {
	if !a.Wired() {
		debug.Value("Axis "+name, "virtual")
		return motion.VirtualAxis{}, nil
	}
	debug.PrintStruct("Axis "+name, a)
	s, err := stepper.NewStepper(g, a.StepperConfig(name))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func disableAxes(axes ...motion.Axis) {
	for _, a := range axes {
		s, ok := a.(*stepper.Stepper)
		if !ok {
			continue
		}
		if err := s.Disable(); err != nil {
			log.Printf("disabling %s axis failed: %v", s.Name(), err)
		}
	}
}

// programLoader resolves program names inside dir.
func programLoader(dir string) web.ProgramLoader {
	return func(name string) (*job.Program, error) {
		if err := web.ValidateProgramName(name); err != nil {
			return nil, err
		}
		return job.LoadProgram(filepath.Join(dir, name))
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
