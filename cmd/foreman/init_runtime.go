package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"foreman/internal/adapter/store"
	"foreman/internal/adapter/workspace"
	"foreman/internal/domain"
	"foreman/internal/infra/config"
	"foreman/internal/infra/logger"
	"foreman/internal/infra/tracer"
	"foreman/internal/usecase/escalation"
	"foreman/internal/usecase/eventbus"
	"foreman/internal/usecase/fleet"
	"foreman/internal/usecase/mission"
	"foreman/internal/usecase/playbook"
	"foreman/internal/usecase/scheduling"
	"foreman/internal/usecase/supervisor"
)

// Runtime holds every component of a running foreman process.
type Runtime struct {
	Cfg      *config.Config
	Log      *slog.Logger
	Backends *BackendComponents

	Events      *eventbus.Bus
	Workspace   *workspace.FileStore
	Fleet       *fleet.Registry
	Bus         *fleet.Bus
	Channels    *fleet.Channels
	Escalations *escalation.Manager // nil when escalation is disabled
	Missions    *mission.Scheduler
	Store       *store.SQLiteStore
	Supervisor  *supervisor.Supervisor
	Playbooks   *playbook.Library     // nil when playbooks are disabled
	Schedules   *scheduling.Scheduler // nil without schedule entries
}

// boot loads config and assembles the full runtime. The returned cleanup
// tears everything down in reverse order; callers run it with a deadline.
func boot(ctx context.Context) (*Runtime, func(context.Context) error, error) {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, fmt.Errorf("tracer: %w", err)
	}

	// 3. Backends & router
	backends, backendsCleanup, err := initBackends(cfg, log)
	if err != nil {
		tracerShutdown(ctx)
		logCloser()
		return nil, nil, fmt.Errorf("backends: %w", err)
	}

	if cfg.Router.Warmup {
		go backends.Router.Warmup(ctx)
	}

	// 4. Runtime components
	rt, runtimeCleanup, err := initRuntime(cfg, backends, log)
	if err != nil {
		backendsCleanup()
		tracerShutdown(ctx)
		logCloser()
		return nil, nil, err
	}

	cleanup := func(shutdownCtx context.Context) error {
		err := runtimeCleanup(shutdownCtx)
		if cerr := backendsCleanup(); cerr != nil {
			log.Warn("backend cleanup error", "error", cerr)
		}
		if terr := tracerShutdown(shutdownCtx); terr != nil {
			log.Warn("tracer shutdown error", "error", terr)
		}
		logCloser()
		return err
	}

	return rt, cleanup, nil
}

// initRuntime wires the orchestration layer on top of the backends: fleet,
// escalations, mission scheduler, supervisor, persistence, playbooks, and
// recurring schedules.
func initRuntime(cfg *config.Config, backends *BackendComponents, log *slog.Logger) (*Runtime, func(context.Context) error, error) {
	rt := &Runtime{
		Cfg:      cfg,
		Log:      log,
		Backends: backends,
	}

	// 1. Event bus
	rt.Events = eventbus.New(log)

	// 2. Mission workspace
	ws, err := workspace.NewFileStore(cfg.Workspace.Dir, log)
	if err != nil {
		rt.Events.Close()
		return nil, nil, fmt.Errorf("workspace: %w", err)
	}
	rt.Workspace = ws

	// 3. Fleet: topic channels, agents, message bus
	rt.Channels = fleet.NewChannels(log)
	for _, cc := range cfg.Channels {
		if err := rt.Channels.CreateChannel(cc.Name, cc.Post, cc.Buffer); err != nil {
			rt.Events.Close()
			return nil, nil, fmt.Errorf("channel %s: %w", cc.Name, err)
		}
	}

	rt.Fleet = fleet.NewRegistry(cfg.Fleet.DefaultAgent, log)
	for _, ac := range cfg.Fleet.Agents {
		spec := domain.AgentSpec{
			AgentID:      ac.ID,
			ModelKey:     ac.Model,
			Description:  ac.Description,
			SystemPrompt: ac.SystemPrompt,
			Capabilities: ac.Capabilities,
			CanUseTools:  ac.Tools,
			MaxIter:      ac.MaxIter,
		}
		agent := fleet.NewAgent(spec, backends.Router, ws, rt.Channels, log)
		if err := rt.Fleet.Register(agent); err != nil {
			rt.Events.Close()
			return nil, nil, fmt.Errorf("agent %s: %w", ac.ID, err)
		}
	}
	rt.Bus = fleet.NewBus(cfg.Fleet.MailboxSize, log)

	// 4. Escalations
	if cfg.Escalation.Enabled {
		targets := make([]domain.EscalationTarget, 0, len(cfg.Escalation.Targets))
		redirects := make(map[string]string)
		for _, tc := range cfg.Escalation.Targets {
			targets = append(targets, domain.EscalationTarget{
				Key:          tc.Key,
				Label:        tc.Label,
				Description:  tc.Description,
				MemoryCostMB: tc.MemoryCostMB,
				Available:    tc.Available,
			})
			if tc.Model != "" {
				redirects[tc.Key] = tc.Model
			}
		}
		rt.Escalations = escalation.NewManager(escalation.Options{
			Targets:         targets,
			Redirects:       redirects,
			DecisionTimeout: cfg.Escalation.DecisionTimeout,
			TimeoutTarget:   cfg.Escalation.TimeoutTarget,
		}, rt.Events, log)
	}

	// 5. Mission scheduler
	rt.Missions = mission.NewScheduler(rt.Fleet, rt.Bus, backends.Router, backends.Counter, rt.Escalations, rt.Events, mission.Options{
		MaxParallel:  cfg.Scheduler.MaxParallel,
		TaskTimeout:  cfg.Scheduler.TaskTimeout,
		AllowPartial: cfg.Scheduler.AllowPartial,
		Admission: mission.AdmissionPolicy{
			Mode:    cfg.Scheduler.Admission.Policy,
			Retries: cfg.Scheduler.Admission.Retries,
			Delay:   cfg.Scheduler.Admission.Delay,
		},
		SynthesisModel:     cfg.Scheduler.Synthesis.Model,
		SynthesisMaxTokens: cfg.Scheduler.Synthesis.MaxTokens,
	}, log)

	// 6. Snapshot store
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			rt.Events.Close()
			return nil, nil, fmt.Errorf("store dir: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		rt.Events.Close()
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	rt.Store = st

	// 7. Background supervisor
	rt.Supervisor = supervisor.NewSupervisor(rt.Missions, st, rt.Events, supervisor.Options{
		MaxTasks:     cfg.Supervisor.MaxTasks,
		RetentionTTL: cfg.Supervisor.RetentionTTL,
	}, log)

	// 8. Playbooks
	if cfg.Playbooks.Enabled {
		lib := playbook.NewLibrary(cfg.Playbooks.Dir, log)
		if err := lib.Load(); err != nil {
			st.Close()
			rt.Events.Close()
			return nil, nil, fmt.Errorf("playbooks: %w", err)
		}
		rt.Playbooks = lib
	}

	// 9. Recurring schedules
	if len(cfg.Schedules) > 0 {
		sched := scheduling.NewScheduler(rt.Playbooks, rt.Supervisor, rt.Events, log)
		for _, sc := range cfg.Schedules {
			if err := sched.Add(scheduling.Entry{
				Name:     sc.Name,
				Schedule: sc.Schedule,
				Playbook: sc.Playbook,
				Inputs:   sc.Inputs,
			}); err != nil {
				st.Close()
				rt.Events.Close()
				return nil, nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
			}
		}
		rt.Schedules = sched
	}

	cleanup := func(shutdownCtx context.Context) error {
		if rt.Schedules != nil {
			if err := rt.Schedules.Stop(); err != nil {
				log.Warn("schedule stop error", "error", err)
			}
		}
		rt.Supervisor.Stop(shutdownCtx)
		if err := rt.Store.Close(); err != nil {
			log.Warn("store close error", "error", err)
		}
		rt.Events.Close()
		return nil
	}

	return rt, cleanup, nil
}
