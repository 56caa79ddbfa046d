package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/bundle"
	"github.com/nholik/spot-sentinel/internal/config"
	"github.com/nholik/spot-sentinel/internal/coordinator"
	"github.com/nholik/spot-sentinel/internal/healthcheck"
	"github.com/nholik/spot-sentinel/internal/history"
	"github.com/nholik/spot-sentinel/internal/interlock"
	"github.com/nholik/spot-sentinel/internal/logging"
	"github.com/nholik/spot-sentinel/internal/metrics"
	"github.com/nholik/spot-sentinel/internal/mission"
	"github.com/nholik/spot-sentinel/internal/navigator"
	"github.com/nholik/spot-sentinel/internal/notify"
	"github.com/nholik/spot-sentinel/internal/operator"
	"github.com/nholik/spot-sentinel/internal/robot/gateway"
	"github.com/nholik/spot-sentinel/internal/runner"
	"github.com/nholik/spot-sentinel/internal/server"
	"github.com/nholik/spot-sentinel/internal/sitemap"
	"github.com/nholik/spot-sentinel/internal/state"
)

const shutdownTimeout = 30 * time.Second

func main() {
	missionName := flag.String("mission", "", "run a single mission from the bundle and exit")
	patrolFile := flag.String("patrol", "", "patrol plan (YAML); overrides SPOT_PATROL_FILE")
	take := flag.Bool("take", false, "take the body lease even if another client holds it")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := logging.New()
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	if *patrolFile != "" {
		cfg.PatrolFile = *patrolFile
	}

	logger := logging.ForRobot(logging.NewWithLevel(cfg.LogLevel), cfg.RobotName)
	logger.Info().
		Str("robot", cfg.RobotName).
		Str("gateway", cfg.GatewayURL).
		Str("bundle", cfg.Bundle).
		Msg("spot-sentinel starting")

	if err := run(logger, cfg, *missionName, *take); err != nil {
		logger.Error().Err(err).Msg("spot-sentinel stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("spot-sentinel stopped")
}

func run(logger zerolog.Logger, cfg config.Config, missionName string, take bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := bundle.Open(ctx, cfg.Bundle, bundle.S3Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	site, err := sitemap.Load(ctx, src)
	if err != nil {
		return fmt.Errorf("load map: %w", err)
	}
	event := logger.Info().
		Int("waypoints", len(site.Waypoints())).
		Ints("fiducials", site.Fiducials()).
		Str("fingerprint", site.Fingerprint())
	if first, ok := site.FirstWaypoint(); ok {
		event = event.Str("first_waypoint", first.ID).Str("first_waypoint_name", first.Name)
	}
	event.Msg("map loaded")

	client, err := gateway.New(cfg.GatewayURL, cfg.RobotName, cfg.RequestTimeout,
		gateway.WithDockTimeout(cfg.DockTimeout),
		gateway.WithLogger(logger.With().Str("component", "gateway").Logger()))
	if err != nil {
		return err
	}

	m := metrics.New()
	tracker := healthcheck.NewTracker()

	il := interlock.New(client, logger.With().Str("component", "interlock").Logger(),
		interlock.WithEstopName(cfg.EstopClient),
		interlock.WithEstopTimeout(cfg.EstopTimeout),
		interlock.WithLeaseKeepAlive(cfg.LeaseKeepAlive),
		interlock.WithPowerTimeout(cfg.PowerTimeout),
		interlock.WithRecorder(m),
	)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := il.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("session shutdown incomplete")
		}
	}()

	go abortOnSignal(logger, il, cancel)

	nav := navigator.New(client, il, logger.With().Str("component", "navigator").Logger(),
		navigator.WithRecorder(m))

	store := state.NewGuarded(state.NewFileStore(cfg.StatePath, logger))
	hist, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	notifier, closeNotifier, err := buildNotifier(logger, cfg)
	if err != nil {
		return err
	}
	defer closeNotifier()

	dock := mission.NewDockKeeper(client, il, nav, store, logger.With().Str("component", "dock").Logger())
	missionRunner := mission.NewRunner(client, il, logger.With().Str("component", "mission").Logger())
	exec := mission.NewExecutor(mission.Deps{
		Source:    src,
		Map:       site,
		Robot:     client,
		Interlock: il,
		Runner:    missionRunner,
		Dock:      dock,
	}, logger,
		mission.WithHistory(hist),
		mission.WithMetrics(m),
		mission.WithNotifier(notifier, cfg.RobotName),
	)

	op := operator.New(operator.Deps{
		Interlock: il,
		Commands:  client,
		Docking:   client,
		Navigator: nav,
		Dock:      dock,
		Executor:  exec,
		Map:       site,
		Source:    src,
		History:   hist,
	}, logger.With().Str("component", "operator").Logger())

	if err := startSession(ctx, op, nav, site, take); err != nil {
		return err
	}

	opts := mission.Options{Timeout: cfg.MissionTimeout, DisableDirectedExploration: true}
	if missionName != "" {
		res, err := exec.Execute(ctx, missionName, opts)
		logger.Info().
			Str("mission", res.Mission).
			Str("status", string(res.Status)).
			Bool("returned", res.Returned).
			Dur("duration", res.FinishedAt.Sub(res.StartedAt)).
			Msg("mission finished")
		if err != nil {
			return err
		}
		if res.Status != mission.StatusSuccess {
			return fmt.Errorf("mission %s: %s", missionName, res.Status)
		}
		return nil
	}

	var patrol *mission.Patrol
	if cfg.PatrolFile != "" {
		plan, err := config.LoadPatrolFile(cfg.PatrolFile)
		if err != nil {
			return err
		}
		patrol = mission.NewPatrol(exec, il, patrolSteps(plan, opts), logger.With().Str("component", "patrol").Logger())
		var names []string
		for _, step := range patrol.Steps() {
			names = append(names, step.Name)
		}
		logger.Warn().
			Strs("missions", names).
			Msg("patrol runs until aborted; stop with SIGINT/SIGTERM or POST /v1/abort")
	}

	server.Start(ctx, logger, server.Options{
		PollInterval: cfg.PollInterval,
		Tracker:      tracker,
		Metrics:      m,
		API:          op,
		HealthPort:   cfg.HealthPort,
		MetricsPort:  cfg.MetricsPort,
	})

	coord := coordinator.ForSession(logger, cfg, []runner.Option{
		runner.WithInterlock(il),
		runner.WithDockReader(client),
		runner.WithStateStore(store),
		runner.WithNotifier(notifier),
		runner.WithMetrics(m),
		runner.WithTracker(tracker),
		runner.WithRobotName(cfg.RobotName),
		runner.WithMapFingerprint(site.Fingerprint()),
	}, patrol)
	err = coord.Run(ctx)
	op.Wait()
	return err
}

// startSession claims the lease, brings up the estop endpoint, powers the
// motors and syncs the map.
func startSession(ctx context.Context, op *operator.Operator, nav *navigator.Navigator, site *sitemap.Map, take bool) error {
	claim := op.AcquireLease
	if take {
		claim = op.TakeLease
	}
	if err := claim(ctx); err != nil {
		return fmt.Errorf("claim lease: %w", err)
	}
	if err := op.SetupEstop(ctx); err != nil {
		return fmt.Errorf("setup estop: %w", err)
	}
	if err := op.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	if err := nav.UploadMap(ctx, site); err != nil {
		return fmt.Errorf("upload map: %w", err)
	}
	return nil
}

// abortOnSignal engages the estop on SIGINT/SIGTERM before cancelling the
// root context.
func abortOnSignal(logger zerolog.Logger, il *interlock.Interlock, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Warn().Str("signal", s.String()).Msg("shutdown requested, aborting")

	ctx, abortCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer abortCancel()
	if err := il.Abort(ctx); err != nil && !errors.Is(err, interlock.ErrNotSetup) {
		logger.Error().Err(err).Msg("abort failed")
	}
	cancel()
}

func patrolSteps(plan []config.PatrolMission, defaults mission.Options) []mission.Step {
	steps := make([]mission.Step, 0, len(plan))
	for _, pm := range plan {
		opts := defaults
		if pm.Timeout > 0 {
			opts.Timeout = pm.Timeout
		}
		if pm.DisableDirectedExploration != nil {
			opts.DisableDirectedExploration = *pm.DisableDirectedExploration
		}
		steps = append(steps, mission.Step{Name: pm.Name, Options: opts})
	}
	return steps
}

func buildNotifier(logger zerolog.Logger, cfg config.Config) (notify.Notifier, func(), error) {
	var (
		notifiers []notify.Notifier
		closers   []func()
	)
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(logger, cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		n, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.MQTTBroker != "" {
		n, err := notify.NewMQTTNotifier(logger, cfg.MQTTBroker, cfg.MQTTTopic, "spot-sentinel-"+cfg.RobotName)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, n)
		closers = append(closers, n.Close)
	}

	var n notify.Notifier
	switch len(notifiers) {
	case 0:
		n = notify.NewNoop(logger, "no notification channel configured")
	case 1:
		n = notifiers[0]
	default:
		n = notify.NewMultiNotifier(notifiers...)
	}
	if cfg.DryRun {
		n = notify.NewDryRunNotifier(logger, n)
	}
	return n, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
