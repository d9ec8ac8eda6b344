// Package di wires the hub's components together in dependency order:
// event bus first, then the leaf consumers (health monitor, tick
// publisher, push hub), the failover and recovery engines, the gateway
// supervisor and finally the HTTP control surface.
package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/accounts"
	"github.com/quantmesh/tickhub/internal/broker"
	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/database"
	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/events"
	"github.com/quantmesh/tickhub/internal/failover"
	"github.com/quantmesh/tickhub/internal/health"
	"github.com/quantmesh/tickhub/internal/publisher"
	"github.com/quantmesh/tickhub/internal/pushhub"
	"github.com/quantmesh/tickhub/internal/recovery"
	"github.com/quantmesh/tickhub/internal/scheduler"
	"github.com/quantmesh/tickhub/internal/server"
	"github.com/quantmesh/tickhub/internal/supervisor"
	"github.com/quantmesh/tickhub/internal/tradinghours"
	"github.com/quantmesh/tickhub/internal/validator"
)

// Container holds every constructed component.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	Bus     *events.Bus
	Manager *events.Manager

	DB       *database.DB
	Accounts *accounts.Repository
	Hours    *tradinghours.Policy
	Factory  *broker.Factory

	Supervisor *supervisor.Supervisor
	Health     *health.Monitor
	Publisher  *publisher.Publisher
	PushHub    *pushhub.Hub
	Failover   *failover.Engine
	Recovery   *recovery.Engine
	Validator  *validator.Runner
	Scheduler  *scheduler.Scheduler
	Server     *server.Server
}

// Wire constructs and connects all components. Nothing is started; the
// caller owns the start and stop order.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	bus := events.NewBus(log)
	manager := events.NewManager(bus, log)

	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "accounts.db"),
		Name: "accounts",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts database: %w", err)
	}

	store, err := accounts.NewRepository(db.Conn(), log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize account store: %w", err)
	}

	hours, err := tradinghours.NewPolicy(cfg.TradingTime, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to build trading-hours policy: %w", err)
	}

	protocols := domain.DefaultProtocols(
		cfg.Protocols.Futures.Contracts, cfg.Protocols.Futures.Primary,
		cfg.Protocols.StockOptions.Contracts, cfg.Protocols.StockOptions.Primary,
	)

	factory := broker.NewFactory(cfg.MockDriver, cfg.DegradeToMock, log)

	sup := supervisor.New(cfg, store, factory, hours, manager, log)
	healthMon := health.NewMonitor(cfg.Health, sup, protocols, manager, log)
	pub := publisher.New(cfg.Publisher, log)
	hub := pushhub.New(cfg.PushHub, bus, log)

	failoverEngine := failover.NewEngine(cfg.Failover, sup, healthMon, bus, manager, log)
	recoveryEngine := recovery.NewEngine(cfg.Recovery, sup, store, healthMon, bus, manager, log)

	sup.SetTickSink(pub)
	sup.SetCanarySink(healthMon)
	sup.SetLogSink(hub)
	sup.SetRetryGate(recoveryEngine.Active)

	runner := validator.NewRunner(cfg.Validator.Command, cfg.Validator.Timeout, log)

	sched, err := buildScheduler(cfg, log, sup, pub, store, hours)
	if err != nil {
		db.Close()
		return nil, err
	}

	srv := server.New(server.Config{
		Log:        log,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
		Supervisor: sup,
		Health:     healthMon,
		Recovery:   recoveryEngine,
		Failover:   failoverEngine,
		Publisher:  pub,
		Logs:       hub,
		Validator:  runner,
		Accounts:   store,
		WSHandler:  hub.HandleStatus,
	})

	log.Info().Msg("Dependency wiring completed")

	return &Container{
		Config:     cfg,
		Log:        log,
		Bus:        bus,
		Manager:    manager,
		DB:         db,
		Accounts:   store,
		Hours:      hours,
		Factory:    factory,
		Supervisor: sup,
		Health:     healthMon,
		Publisher:  pub,
		PushHub:    hub,
		Failover:   failoverEngine,
		Recovery:   recoveryEngine,
		Validator:  runner,
		Scheduler:  sched,
		Server:     srv,
	}, nil
}

// buildScheduler registers the maintenance jobs: canary resubscription at
// each session open, the daily publisher summary and the account-store
// probe.
func buildScheduler(cfg *config.Config, log zerolog.Logger, sup *supervisor.Supervisor,
	pub *publisher.Publisher, store domain.AccountStore, hours *tradinghours.Policy) (*scheduler.Scheduler, error) {

	sched := scheduler.New(log)

	resubscribe := &scheduler.CanaryResubscribeJob{Supervisor: sup, Log: log}
	seen := make(map[string]bool)
	for _, protocol := range []domain.ProtocolName{domain.ProtocolFutures, domain.ProtocolStockOptions} {
		for _, spec := range scheduler.SessionCronSpecs(hours.Sessions(protocol)) {
			if seen[spec] {
				continue
			}
			seen[spec] = true
			if err := sched.AddJob(spec, resubscribe); err != nil {
				return nil, fmt.Errorf("failed to schedule canary resubscribe: %w", err)
			}
		}
	}

	if cfg.Publisher.Enabled {
		if err := sched.AddJob("0 0 16 * * *", &scheduler.PublisherSummaryJob{Publisher: pub, Log: log}); err != nil {
			return nil, fmt.Errorf("failed to schedule publisher summary: %w", err)
		}
	}

	if err := sched.AddJob("@every 5m", &scheduler.StoreProbeJob{Store: store, Log: log}); err != nil {
		return nil, fmt.Errorf("failed to schedule store probe: %w", err)
	}

	return sched, nil
}
