package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"tradefleet/internal/api"
	"tradefleet/internal/chrome"
	"tradefleet/internal/config"
	"tradefleet/internal/dispatch"
	"tradefleet/internal/events"
	"tradefleet/internal/session"
	"tradefleet/internal/state"
	"tradefleet/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	// Optional: local overrides for development
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		var invalid *config.InvalidError
		var protected *supervisor.PortProtectedError
		switch {
		case errors.As(err, &invalid):
			fmt.Fprintln(os.Stderr, "configuration error:", err)
			os.Exit(2)
		case errors.As(err, &protected):
			fmt.Fprintln(os.Stderr, "protected port violation:", err)
			os.Exit(3)
		default:
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("environment", cfg.App.Environment).
		Int("accounts", len(cfg.Accounts)).
		Int("protected_port", cfg.Chrome.ProtectedPort).
		Msg("Starting trade fleet")

	journal := events.NewJournal(0)
	store := state.NewStore(cfg.State.Path, cfg.State.GetMaxAge(), config.NewLogger("state"))

	policies := chrome.DefaultPolicySet()
	applyOverride(policies, chrome.Critical, cfg.Ops.Critical)
	applyOverride(policies, chrome.Important, cfg.Ops.Important)
	applyOverride(policies, chrome.NonCritical, cfg.Ops.NonCritical)

	breakers := chrome.NewBreakerRegistry(policies, cfg.Ops.GetCircuitCooldown(), journal)
	evaluator := chrome.NewEvaluator(policies, breakers, journal, config.NewLogger("evaluator"))
	probe := chrome.NewProbe(evaluator, cfg.Chrome.TradingHost, cfg.Chrome.LoginPath)

	launcher := supervisor.NewChromeLauncher(config.NewLogger("launcher"))
	sup := supervisor.New(launcher, cfg.Chrome, cfg.Restart, journal, config.NewLogger("supervisor"))

	mode, ok := supervisor.ParseMode(cfg.Startup.Mode)
	if !ok {
		mode = supervisor.ModeActive
	}
	monitor := supervisor.NewMonitor(mode, startupBudgets(cfg.Startup), journal, config.NewLogger("startup"))

	bundle, err := session.LoadScriptBundle(cfg.Chrome.ScriptDir)
	if err != nil {
		return fmt.Errorf("loading page scripts: %w", err)
	}

	registry := session.NewRegistry()
	boot := session.NewBootstrapper(sup, evaluator, bundle, registry, cfg.Chrome, cfg.Accounts, config.NewLogger("bootstrap"))
	manager := session.NewManager(cfg, sup, monitor, boot, registry, probe, store, journal, config.NewLogger("manager"))

	router := dispatch.NewRouter(cfg)
	lookup := func(accountID string) (dispatch.Executor, bool) {
		sess, ok := registry.Get(accountID)
		if !ok || !sess.Ready() {
			return nil, false
		}
		return sess, true
	}
	coord := dispatch.NewCoordinator(router, lookup, store, journal, config.NewLogger("dispatch"))

	server := api.NewServer(api.Deps{
		Config:      cfg,
		Coordinator: coord,
		Registry:    registry,
		Supervisor:  sup,
		Monitor:     monitor,
		Journal:     journal,
	})

	var metricsServer *events.MetricsServer
	if cfg.Monitoring.EnableMetrics {
		metricsServer = events.NewMetricsServer(cfg.Monitoring.PrometheusPort, log.Logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	managerErr := make(chan error, 1)
	go func() {
		managerErr <- manager.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			cancel()
			return fmt.Errorf("control API server: %w", err)
		}
	case err := <-managerErr:
		if err != nil {
			return fmt.Errorf("fleet manager: %w", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Drain the API first so no new signals arrive while browsers die.
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Control API shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	sup.Shutdown(shutdownCtx)

	log.Info().Msg("Shutdown complete")
	return nil
}

func applyOverride(set *chrome.PolicySet, class chrome.OpClass, o config.OpClassOverride) {
	var timeout time.Duration
	if o.AttemptTimeout != "" {
		if d, err := time.ParseDuration(o.AttemptTimeout); err == nil {
			timeout = d
		}
	}
	set.Override(class, o.MaxAttempts, timeout, o.CircuitThreshold)
}

// startupBudgets derives per-phase budgets from config, starting from the
// default split and applying any explicit phase entries.
func startupBudgets(cfg config.StartupConfig) supervisor.Budgets {
	budgets := supervisor.DefaultBudgets(cfg.GetTotalBudget())
	for name, raw := range cfg.Phases {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			continue
		}
		for phase := range budgets.Phases {
			if strings.EqualFold(phase.String(), name) {
				budgets.Phases[phase] = d
			}
		}
	}
	return budgets
}
