package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/pvtgo/internal/config"
	"github.com/cjeanneret/pvtgo/internal/debug"
	"github.com/cjeanneret/pvtgo/internal/hw/transport"
	"github.com/cjeanneret/pvtgo/internal/logic/plan"
	"github.com/cjeanneret/pvtgo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	planPath := flag.String("plan", "", "waypoint plan to run (YAML or JSON)")
	plotDir := flag.String("plot", "", "write position/velocity plots of the generated samples to this directory")
	dryRun := flag.Bool("dry-run", false, "generate samples (and plots) without moving any axis")
	listPorts := flag.Bool("list-ports", false, "list serial ports and exit")
	speedFactor := flag.Float64("speed_factor", 0, "override the speed factor of every axis (0 = config)")
	debugLevel := flag.Int("debug", -1, "override defaults.debug_level (0-4, -1 = config)")
	flag.Parse()

	if *listPorts {
		ports, err := transport.Ports()
		if err != nil {
			log.Fatalf("list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	ov := overrides{SpeedFactor: *speedFactor, DebugLevel: *debugLevel}
	if err := validateCLIOverrides(ov); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, ov)

	logger := debug.New(os.Stdout, cfg.Defaults.DebugLevel)
	logger.Section("Initialization")
	logger.Value("Config path", *cfgPath)
	logger.Value("Debug level", cfg.Defaults.DebugLevel)
	logger.Value("Controller", cfg.Controller.Kind)

	var p *plan.Plan
	if *planPath != "" {
		if p, err = plan.Load(*planPath); err != nil {
			log.Fatalf("load plan failed: %v", err)
		}
		logger.Value("Plan", fmt.Sprintf("%s (%d waypoints)", p.Name, p.Waypoints()))
	}

	logger.Step(1, "Initializing axes")
	hw, err := openHardware(cfg, logger)
	if err != nil {
		log.Fatalf("init axes failed: %v", err)
	}
	defer func() {
		if err := hw.Close(); err != nil {
			log.Printf("closing hardware failed: %v", err)
		}
	}()
	runner := newRunner(cfg, hw, logger)

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		logger.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		srv := web.NewServer(webAddr, broadcaster, runner.Run, formConfig(cfg, p))
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	if p == nil {
		log.Fatal("nothing to do: pass -plan or -web")
	}
	if err := runPlan(ctx, runner, p, *plotDir, *dryRun, logger); err != nil {
		log.Fatalf("run failed: %v", err)
	}
}

// overrides holds CLI values that replace config settings.
type overrides struct {
	SpeedFactor float64 // 0 = config
	DebugLevel  int     // -1 = config
}

// validateCLIOverrides checks that set overrides are within valid ranges.
func validateCLIOverrides(o overrides) error {
	if o.SpeedFactor != 0 {
		if math.IsNaN(o.SpeedFactor) || math.IsInf(o.SpeedFactor, 0) || o.SpeedFactor <= 0 || o.SpeedFactor > 10 {
			return fmt.Errorf("speed_factor must be in (0, 10], got %g", o.SpeedFactor)
		}
	}
	if o.DebugLevel < -1 || o.DebugLevel > debug.LevelTrace {
		return fmt.Errorf("debug must be between 0 and %d, got %d", debug.LevelTrace, o.DebugLevel)
	}
	return nil
}

// applyOverrides mutates cfg with the set overrides.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.SpeedFactor > 0 {
		for i := range cfg.Axes {
			cfg.Axes[i].SpeedFactor = o.SpeedFactor
		}
	}
	if o.DebugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.DebugLevel
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
