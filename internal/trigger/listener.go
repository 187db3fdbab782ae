// Package trigger turns score-change notifications into incremental path
// recomputes.
package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/ragcascade/internal/cascade"
	"github.com/ashita-ai/ragcascade/internal/model"
	"github.com/ashita-ai/ragcascade/internal/telemetry"
)

// Source delivers notifications. storage.DB satisfies it.
type Source interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Recomputer is the part of the orchestrator the listener drives.
type Recomputer interface {
	RecomputePath(ctx context.Context, nodeID, period string) (cascade.Result, error)
}

// Listener collects score events, coalesces them per (indicator, period) over
// a debounce window, and recomputes the path of each changed indicator.
type Listener struct {
	source     Source
	channel    string
	rec        Recomputer
	logger     *slog.Logger
	debounce   time.Duration
	runTimeout time.Duration

	mu      sync.Mutex
	pending map[model.ScoreEvent]struct{}
	gens    map[model.ScoreEvent]uint64 // bumped on every event for the key

	group    singleflight.Group
	inflight sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64

	recvDone   chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// New creates a Listener for channel. Call Start to begin listening.
func New(source Source, channel string, rec Recomputer, logger *slog.Logger, debounce, runTimeout time.Duration) *Listener {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if runTimeout <= 0 {
		runTimeout = time.Minute
	}
	return &Listener{
		source:     source,
		channel:    channel,
		rec:        rec,
		logger:     logger,
		debounce:   debounce,
		runTimeout: runTimeout,
		pending:    make(map[model.ScoreEvent]struct{}),
		gens:       make(map[model.ScoreEvent]uint64),
		recvDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start subscribes to the channel and launches the receive and dispatch
// loops. Call Drain to stop.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.source.Listen(ctx, l.channel); err != nil {
		return err
	}
	l.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	go l.receiveLoop(loopCtx)
	go l.dispatchLoop(loopCtx)
	l.logger.Info("trigger: listening for score events", "channel", l.channel, "debounce", l.debounce)
	return nil
}

// Enqueue records a score event as if it had arrived on the channel.
func (l *Listener) Enqueue(ev model.ScoreEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[ev] = struct{}{}
	l.gens[ev]++
}

func (l *Listener) receiveLoop(ctx context.Context) {
	defer close(l.recvDone)
	for {
		_, payload, err := l.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("trigger: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.debounce):
			}
			continue
		}

		var ev model.ScoreEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.IndicatorID == "" || ev.Period == "" {
			l.logger.Warn("trigger: ignoring malformed score event", "payload", payload, "error", err)
			continue
		}
		l.Enqueue(ev)
	}
}

func (l *Listener) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(l.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-l.recvDone
			drainCtx := l.drainCtx
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			l.dispatch(drainCtx)
			l.inflight.Wait()
			close(l.done)
			return
		case <-ticker.C:
			l.dispatch(ctx)
		}
	}
}

// dispatch starts one recompute per pending key. A key already being
// recomputed joins the running call, which repeats itself until no event
// arrived for the key during its last pass.
func (l *Listener) dispatch(ctx context.Context) {
	l.mu.Lock()
	batch := make([]model.ScoreEvent, 0, len(l.pending))
	for ev := range l.pending {
		batch = append(batch, ev)
	}
	clear(l.pending)
	l.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	for _, ev := range batch {
		l.inflight.Add(1)
		go func() {
			defer l.inflight.Done()
			_, _, _ = l.group.Do(ev.IndicatorID+"\x00"+ev.Period, func() (any, error) {
				l.recomputeUntilCurrent(runCtx, ev)
				return nil, nil
			})
		}()
	}
}

func (l *Listener) recomputeUntilCurrent(ctx context.Context, ev model.ScoreEvent) {
	for {
		l.mu.Lock()
		gen := l.gens[ev]
		l.mu.Unlock()

		runCtx, cancel := context.WithTimeout(ctx, l.runTimeout)
		res, err := l.rec.RecomputePath(runCtx, ev.IndicatorID, ev.Period)
		cancel()
		if err != nil {
			l.failed.Add(1)
			l.logger.Error("trigger: path recompute failed",
				"indicator_id", ev.IndicatorID, "period", ev.Period, "error", err)
		} else {
			l.processed.Add(1)
			l.logger.Debug("trigger: path recomputed",
				"indicator_id", ev.IndicatorID, "period", ev.Period, "run_id", res.Run.ID)
		}

		l.mu.Lock()
		if l.gens[ev] == gen {
			delete(l.gens, ev)
			l.mu.Unlock()
			return
		}
		// A newer event is covered by this loop; drop it from the next batch.
		delete(l.pending, ev)
		l.mu.Unlock()
	}
}

// Drain stops both loops, dispatches what is still pending, and waits for
// running recomputes. ctx bounds the wait.
func (l *Listener) Drain(ctx context.Context) {
	l.drainCtx = ctx
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		l.logger.Warn("trigger: drain timed out waiting for recomputes")
	}
}

func (l *Listener) registerMetrics() {
	meter := telemetry.Meter("ragcascade/trigger")

	_, _ = meter.Int64ObservableGauge("ragcascade.trigger.pending",
		metric.WithDescription("Score events waiting for the next debounce tick"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(l.Pending()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("ragcascade.trigger.recomputes",
		metric.WithDescription("Path recomputes run by the listener"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(l.processed.Load())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("ragcascade.trigger.failures",
		metric.WithDescription("Path recomputes that returned an error"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(l.failed.Load())
			return nil
		}),
	)
}

// Pending returns the number of distinct keys waiting for dispatch.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Stats returns the number of successful and failed recomputes so far.
func (l *Listener) Stats() (processed, failed int64) {
	return l.processed.Load(), l.failed.Load()
}
