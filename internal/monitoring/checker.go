package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/config"
	"github.com/sells-group/knowledge-search/internal/model"
)

// HealthFunc returns the live health snapshot of a running server.
type HealthFunc func() HealthSnapshot

// Checker periodically evaluates the audit store and, when a HealthFunc is
// set, the live provider circuits and lane outcomes of the running server.
// A circuit alert is sent once per opening; lane alerts look only at the
// outcomes since the previous check.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	health    HealthFunc
	interval  time.Duration
	lookback  int

	openCircuits map[string]bool
	laneCounts   map[string]map[model.LaneStatus]int64
}

// NewChecker creates a background alert checker. health may be nil.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, health HealthFunc) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector:    collector,
		alerter:      alerter,
		health:       health,
		interval:     interval,
		lookback:     cfg.LookbackWindowHours,
		openCircuits: make(map[string]bool),
		laneCounts:   make(map[string]map[model.LaneStatus]int64),
	}
}

// Run checks every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
		zap.Bool("live_health", c.health != nil),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	var alerts []Alert

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect audit metrics", zap.Error(err))
	} else {
		alerts = append(alerts, c.alerter.Evaluate(snap)...)
	}

	if c.health != nil {
		alerts = append(alerts, c.alerter.EvaluateHealth(c.sinceLastCheck(c.health()))...)
	}

	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}

// sinceLastCheck narrows h to what changed since the previous check:
// providers whose circuit newly opened and lane status counts accrued in
// between.
func (c *Checker) sinceLastCheck(h HealthSnapshot) HealthSnapshot {
	out := h
	out.Providers = nil
	open := make(map[string]bool)
	for _, p := range h.Providers {
		if p.State != "open" {
			continue
		}
		open[p.ID] = true
		if !c.openCircuits[p.ID] {
			out.Providers = append(out.Providers, p)
		}
	}
	c.openCircuits = open

	out.Lanes = make([]LaneHealth, 0, len(h.Lanes))
	for _, l := range h.Lanes {
		prev := c.laneCounts[l.Lane]
		delta := make(map[model.LaneStatus]int64, len(l.Statuses))
		for status, n := range l.Statuses {
			if d := n - prev[status]; d > 0 {
				delta[status] = d
			}
		}
		c.laneCounts[l.Lane] = l.Statuses
		l.Statuses = delta
		out.Lanes = append(out.Lanes, l)
	}
	return out
}
