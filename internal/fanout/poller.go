// Copyright 2025 OpsConductor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsconductor/core/internal/queue"
	"github.com/opsconductor/core/internal/store"
)

// PollerConfig sets the diff-emit cadences fixed by spec §4.8 (2s/5s/10s/
// 15s for runs/queues/workers/aggregate) and the liveness window used to
// classify a worker as healthy vs. stale, matching internal/retry.Janitor.
type PollerConfig struct {
	RunPollInterval       time.Duration
	QueuePollInterval     time.Duration
	WorkerPollInterval    time.Duration
	AggregatePollInterval time.Duration
	LivenessWindow        time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.RunPollInterval <= 0 {
		c.RunPollInterval = 2 * time.Second
	}
	if c.QueuePollInterval <= 0 {
		c.QueuePollInterval = 5 * time.Second
	}
	if c.WorkerPollInterval <= 0 {
		c.WorkerPollInterval = 10 * time.Second
	}
	if c.AggregatePollInterval <= 0 {
		c.AggregatePollInterval = 15 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 60 * time.Second
	}
	return c
}

// Poller is C8's background monitor (spec §4.8): it periodically rereads
// the persistence layer for the three topics that have no single call
// site to push from (queue depth spans every run; worker health is
// heartbeat-driven, not state-machine-driven; system_health is a rollup
// of both) and diff-emits only when a value actually changed. It also
// runs a safety-net run-status sweep: job/step transitions are normally
// pushed synchronously by the orchestrator and worker the instant they
// happen, but a poll-based backstop means a fan-out hub that started
// after a transition (or missed it to a restart) still converges within
// one RunPollInterval, matching spec §4.8's "event-bus realization...as
// long as the same emission points are preserved" allowance.
//
// Grounded on internal/retry.Janitor for the per-concern ticker-loop
// shape (one goroutine per cadence rather than one loop juggling four
// timers).
type Poller struct {
	store      store.Store
	dispatcher *queue.Dispatcher
	hub        *Hub
	cfg        PollerConfig
	logger     *slog.Logger

	mu          sync.Mutex
	lastQueue   queue.Depth
	lastWorkers map[string]string
	lastRuns    map[string]string
	lastHealth  string
}

// NewPoller constructs a Poller.
func NewPoller(s store.Store, dispatcher *queue.Dispatcher, hub *Hub, cfg PollerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:       s,
		dispatcher:  dispatcher,
		hub:         hub,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		lastWorkers: make(map[string]string),
		lastRuns:    make(map[string]string),
	}
}

// Run blocks, driving all four poll loops until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		interval time.Duration
		tick     func(context.Context)
	}{
		{p.cfg.RunPollInterval, p.pollRuns},
		{p.cfg.QueuePollInterval, p.pollQueue},
		{p.cfg.WorkerPollInterval, p.pollWorkers},
		{p.cfg.AggregatePollInterval, p.pollHealth},
	}
	for _, l := range loops {
		wg.Add(1)
		go func(interval time.Duration, tick func(context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					tick(ctx)
				}
			}
		}(l.interval, l.tick)
	}
	wg.Wait()
}

func (p *Poller) pollRuns(ctx context.Context) {
	if !p.hub.HasSubscribers(TopicJobMonitoring) {
		return
	}
	active, err := p.store.ListRuns(ctx, store.RunFilter{Status: store.RunQueued, Limit: 1000})
	if err != nil {
		p.logger.Error("fanout: poll runs (queued) failed", "error", err)
		return
	}
	running, err := p.store.ListRuns(ctx, store.RunFilter{Status: store.RunRunning, Limit: 1000})
	if err != nil {
		p.logger.Error("fanout: poll runs (running) failed", "error", err)
		return
	}
	active = append(active, running...)

	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{}, len(active))
	for _, run := range active {
		seen[run.ID] = struct{}{}
		if p.lastRuns[run.ID] == string(run.Status) {
			continue
		}
		p.lastRuns[run.ID] = string(run.Status)
		p.hub.PublishRun(run)
	}
	for id := range p.lastRuns {
		if _, ok := seen[id]; !ok {
			delete(p.lastRuns, id)
		}
	}
}

func (p *Poller) pollQueue(ctx context.Context) {
	if !p.hub.HasSubscribers(TopicQueueMonitoring) {
		return
	}
	depth, err := p.dispatcher.QueueDepth(ctx)
	if err != nil {
		p.logger.Error("fanout: poll queue depth failed", "error", err)
		return
	}
	p.mu.Lock()
	changed := depth != p.lastQueue
	p.lastQueue = depth
	p.mu.Unlock()
	if !changed {
		return
	}
	p.hub.Publish(TopicQueueMonitoring, Frame{
		Type: "queue_depth_update",
		Data: map[string]interface{}{
			"high":   depth.High,
			"normal": depth.Normal,
			"low":    depth.Low,
			"total":  depth.High + depth.Normal + depth.Low,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (p *Poller) pollWorkers(ctx context.Context) {
	if !p.hub.HasSubscribers(TopicWorkerMonitoring) {
		return
	}
	workers, err := p.store.ListWorkers(ctx)
	if err != nil {
		p.logger.Error("fanout: poll workers failed", "error", err)
		return
	}
	now := time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		status := "healthy"
		if !w.Alive(p.cfg.LivenessWindow, now) {
			status = "stale"
		}
		key := fmt.Sprintf("%s|%s|%d", w.Hostname, status, w.ActiveTaskCount)
		seen[w.Hostname] = struct{}{}
		if p.lastWorkers[w.Hostname] == key {
			continue
		}
		p.lastWorkers[w.Hostname] = key
		p.hub.Publish(TopicWorkerMonitoring, Frame{
			Type: "worker_status_update",
			Data: map[string]interface{}{
				"hostname":          w.Hostname,
				"status":            status,
				"active_task_count": w.ActiveTaskCount,
				"queues":            w.Queues,
				"last_heartbeat":    w.LastHeartbeat.Format(time.RFC3339),
			},
			Timestamp: now,
		})
	}
	for hostname := range p.lastWorkers {
		if _, ok := seen[hostname]; !ok {
			delete(p.lastWorkers, hostname)
		}
	}
}

func (p *Poller) pollHealth(ctx context.Context) {
	if !p.hub.HasSubscribers(TopicSystemHealth) {
		return
	}
	latency, err := p.store.Ping(ctx)
	status := "healthy"
	if err != nil {
		status = "degraded"
	}
	workers, _ := p.store.ListWorkers(ctx)
	now := time.Now().UTC()
	alive := 0
	for _, w := range workers {
		if w.Alive(p.cfg.LivenessWindow, now) {
			alive++
		}
	}
	depth, _ := p.dispatcher.QueueDepth(ctx)

	key := fmt.Sprintf("%s|%d|%d", status, alive, depth.High+depth.Normal+depth.Low)
	p.mu.Lock()
	changed := p.lastHealth != key
	p.lastHealth = key
	p.mu.Unlock()
	if !changed {
		return
	}
	p.hub.Publish(TopicSystemHealth, Frame{
		Type: "system_health_update",
		Data: map[string]interface{}{
			"status":           status,
			"store_latency_ms": latency.Milliseconds(),
			"workers_alive":    alive,
			"workers_total":    len(workers),
			"queue_depth":      depth.High + depth.Normal + depth.Low,
		},
		Timestamp: now,
	})
}
