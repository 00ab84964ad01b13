package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/avermeil/lifeline/internal/channel"
	"github.com/avermeil/lifeline/internal/config"
	"github.com/avermeil/lifeline/internal/core"
	"github.com/avermeil/lifeline/internal/cron"
	"github.com/avermeil/lifeline/internal/gate"
	"github.com/avermeil/lifeline/internal/gateway"
	"github.com/avermeil/lifeline/internal/heartbeat"
	"github.com/avermeil/lifeline/internal/node"
	"github.com/avermeil/lifeline/internal/recovery"
	"github.com/avermeil/lifeline/internal/telemetry"
	"github.com/avermeil/lifeline/internal/zombie"
	"github.com/avermeil/lifeline/pkg/message"
)

// buildApp loads configuration and wires every component into a
// lifecycle-managed App. This is the only place components learn about
// each other.
func buildApp(cfgPath string) (*core.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var sampleRatio float64
	if cfg.Telemetry.SampleRatio != nil {
		sampleRatio = *cfg.Telemetry.SampleRatio
	}
	traces, err := telemetry.Setup(context.Background(), telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRatio: sampleRatio,
		ServiceName: "lifeline",
		Version:     version,
	}, logger)
	if err != nil {
		return nil, err
	}

	tracker := recovery.NewTracker(cfg.Recovery.Window.Std(), logger)
	zombies := zombie.NewBuffer(cfg.Zombie.GraceWindow.Std(), logger)
	gates := gate.New(cfg.Gate.SerializedKeys)

	dispatcher := channel.NewDispatcher()
	deliverer := channel.NewDeliverer(tracker, dispatcher, channel.ChunkConfig{
		MaxLength:      cfg.Channels.MaxMessageLength,
		PreserveBlocks: cfg.Channels.PreserveCodeBlocks,
	}, logger)

	subscriptions := node.NewSubscriptionRouter(logger)
	nodes, err := node.NewManager(node.Config{
		PairingTokens:     cfg.Node.PairingTokens,
		MaxNodes:          cfg.Node.MaxNodes,
		HeartbeatInterval: cfg.Node.HeartbeatInterval.Std(),
	}, subscriptions, zombies, logger)
	if err != nil {
		return nil, err
	}

	runner := &turnRunner{
		nodes:     nodes,
		gates:     gates,
		deliverer: deliverer,
		logger:    logger,
	}

	hbCfg := heartbeat.Config{
		Interval: cfg.Heartbeat.Interval.Std(),
		Logger:   logger,
	}
	if cfg.Heartbeat.QuietHours != "" {
		quiet, err := heartbeat.ParseQuietHours(cfg.Heartbeat.QuietHours)
		if err != nil {
			return nil, err
		}
		hbCfg.QuietHours = &quiet
	}
	if cfg.Heartbeat.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Heartbeat.Timezone)
		if err != nil {
			return nil, fmt.Errorf("heartbeat timezone: %w", err)
		}
		hbCfg.Timezone = loc
	}
	hb, err := heartbeat.New(hbCfg, runner)
	if err != nil {
		return nil, err
	}

	scheduler, err := cron.New(cron.Config{
		StorePath:             cfg.Cron.StorePath,
		StaleRunningThreshold: cfg.Cron.StaleRunningThreshold.Std(),
		SelfCheckInterval:     cfg.Cron.SelfCheckInterval.Std(),
		DeadTimerThreshold:    cfg.Cron.DeadTimerThreshold.Std(),
	}, cron.Deps{
		Store:        cron.NewStore(cfg.Cron.StorePath),
		Runner:       runner,
		Waker:        hb,
		SystemEvents: systemEventSink(nodes),
		Events:       logEventSink(logger),
		Metrics:      cron.NewMetrics(reg),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	gw := gateway.New(gateway.Config{
		Bind:      cfg.Gateway.Listen,
		AuthToken: cfg.Gateway.AuthToken,
	}, gateway.Deps{
		Cron:        scheduler,
		Recovering:  tracker,
		Zombies:     zombies,
		Gate:        gates,
		NodeHandler: nodes,
		NodeCounts: func() (int, int) {
			_, sessions := subscriptions.Counts()
			return nodes.ConnectedNodes(), sessions
		},
		Channels: dispatcher.Channels,
		Gatherer: reg,
		Logger:   logger,
	})

	app := core.NewApp(logger, cfg.ShutdownTimeout.Std())
	app.OnShutdown(tracker.MarkShuttingDown)
	app.Add("telemetry", traces)
	app.Add("cron", scheduler)
	app.Add("heartbeat", &heartbeatComponent{hb: hb})
	app.Add("nodes", nodes)
	app.Add("gateway", gw)
	return app, nil
}

// heartbeatComponent adapts Heartbeat's context-taking Start to the
// lifecycle interface.
type heartbeatComponent struct {
	hb *heartbeat.Heartbeat
}

func (c *heartbeatComponent) Start() error {
	return c.hb.Start(context.Background())
}

func (c *heartbeatComponent) Stop(ctx context.Context) error {
	return c.hb.Stop(ctx)
}

// systemEventSink publishes system-event job payloads to nodes watching
// the main session.
func systemEventSink(nodes *node.Manager) cron.SystemEventSink {
	return func(text string) {
		data, _ := json.Marshal(struct {
			Text string `json:"text"`
		}{Text: text})
		nodes.Deliver(context.Background(), "main", "system_event", data)
	}
}

// logEventSink records scheduler lifecycle events in the process log.
func logEventSink(logger *slog.Logger) cron.EventSink {
	return func(evt cron.Event) {
		logger.Info("cron event",
			"job", evt.JobID,
			"action", string(evt.Action),
			"status", string(evt.Status),
			"duration_ms", evt.DurationMs,
		)
	}
}

// turnRunner executes agent turns and heartbeats by publishing them to
// subscribed nodes. Per-session serialization goes through the gate, so
// configured session keys never run two turns at once.
type turnRunner struct {
	nodes     *node.Manager
	gates     *gate.Gate
	deliverer *channel.Deliverer
	logger    *slog.Logger
}

func (r *turnRunner) sessionKey(job cron.Job) string {
	if job.SessionTarget == cron.SessionMain {
		return "main"
	}
	return "cron:" + job.ID
}

// RunAgentTurn implements cron.AgentRunner.
func (r *turnRunner) RunAgentTurn(ctx context.Context, job cron.Job, message string) (cron.RunResult, error) {
	key := r.sessionKey(job)

	var delivered int
	err := r.gates.Do(ctx, "session:"+key, func() error {
		data, err := json.Marshal(struct {
			JobID   string `json:"job_id"`
			Message string `json:"message"`
		}{JobID: job.ID, Message: message})
		if err != nil {
			return err
		}
		delivered = r.nodes.Deliver(ctx, key, "agent_turn", data)
		return nil
	})
	if err != nil {
		return cron.RunResult{}, err
	}

	result := cron.RunResult{
		Status:     cron.RunOK,
		Summary:    fmt.Sprintf("delivered to %d node(s)", delivered),
		SessionKey: key,
	}
	if delivered == 0 {
		result.Status = cron.RunSkipped
		result.Summary = "no nodes subscribed, turn buffered or dropped"
	}

	r.announce(ctx, job, result)
	return result, nil
}

// announce surfaces the run result in the job's configured chat. A failed
// announce never fails the run itself.
func (r *turnRunner) announce(ctx context.Context, job cron.Job, result cron.RunResult) {
	if job.Delivery != cron.DeliveryAnnounce || job.Announce == nil {
		return
	}

	msg := message.NewText(
		job.Announce.Channel,
		job.Announce.AccountID,
		message.Chat{ID: job.Announce.ChatID, Type: message.ChatDM},
		fmt.Sprintf("%s: %s", job.Name, result.Summary),
	)
	if err := r.deliverer.Deliver(ctx, msg); err != nil {
		r.logger.Warn("announce delivery failed",
			"job", job.ID,
			"channel", job.Announce.Channel,
			"error", err,
		)
	}
}

// RunHeartbeat implements heartbeat.Runner.
func (r *turnRunner) RunHeartbeat(ctx context.Context, reason string) error {
	data, err := json.Marshal(struct {
		Reason string `json:"reason"`
		AtMs   int64  `json:"at_ms"`
	}{Reason: reason, AtMs: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	r.nodes.Deliver(ctx, "main", "heartbeat", data)
	return nil
}
