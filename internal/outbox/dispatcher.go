package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/attendflow/internal/logging"
	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/internal/playbook"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// Deliverer sends one message through a provider. Errors are classified
// with IsRetryable.
type Deliverer interface {
	Deliver(ctx context.Context, msg *playbook.MessagePayload) error
}

// LogDeliverer writes messages to the log instead of a provider.
type LogDeliverer struct {
	Logger *slog.Logger
}

// Deliver logs msg and always succeeds.
func (d LogDeliverer) Deliver(ctx context.Context, msg *playbook.MessagePayload) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "message delivered (log only)",
		"channel", string(msg.Channel),
		"recipient", msg.Recipient,
		"template_ref", msg.TemplateRef,
		"step_id", msg.StepID,
	)
	return nil
}

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration
	// RatePerSecond and Burst bound deliveries per channel.
	RatePerSecond float64
	Burst         int
	Breaker       BreakerConfig
}

// DefaultDispatcherConfig returns the dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:      15 * time.Second,
		BatchSize:     50,
		StaleAfter:    10 * time.Minute,
		RatePerSecond: 10,
		Burst:         5,
		Breaker:       DefaultBreakerConfig(),
	}
}

// DispatchReport summarizes one dispatch pass.
type DispatchReport struct {
	Requeued     int `json:"requeued"`
	Claimed      int `json:"claimed"`
	Completed    int `json:"completed"`
	Retried      int `json:"retried"`
	Deferred     int `json:"deferred"`
	DeadLettered int `json:"dead_lettered"`
	Errors       int `json:"errors"`
}

// Dispatcher is the consumer loop: it claims due entries, delivers them and
// reports each result back to the Service.
type Dispatcher struct {
	svc       *Service
	deliverer Deliverer
	breakers  *Breakers
	cfg       DispatcherConfig
	logger    *slog.Logger

	limMu    sync.Mutex
	limiters map[schema.Channel]*rate.Limiter

	tickMu sync.Mutex
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a Dispatcher. Zero config fields take the defaults.
func NewDispatcher(svc *Service, deliverer Deliverer, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		svc:       svc,
		deliverer: deliverer,
		breakers:  NewBreakers(cfg.Breaker, svc.Now),
		cfg:       cfg,
		logger:    logger,
		limiters:  make(map[schema.Channel]*rate.Limiter),
	}
}

// Breakers exposes the per-channel circuit breakers.
func (d *Dispatcher) Breakers() *Breakers { return d.breakers }

// RunOnce performs one dispatch pass. Only claim failures return an error;
// per-entry failures are counted.
func (d *Dispatcher) RunOnce(ctx context.Context) (*DispatchReport, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	report := &DispatchReport{}
	n, err := d.svc.RequeueStale(ctx, d.cfg.StaleAfter)
	if err != nil {
		d.logger.WarnContext(ctx, "dispatcher: requeue stale entries", "error", err)
	}
	report.Requeued = n

	entries, err := d.svc.ClaimDue(ctx, d.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("claim outbox entries: %w", err)
	}
	report.Claimed = len(entries)

	for _, e := range entries {
		if err := d.dispatch(ctx, e, report); err != nil {
			report.Errors++
			d.logger.ErrorContext(ctx, "dispatcher: record result", "outbox_id", e.ID, "error", err)
		}
	}
	if report.Claimed > 0 {
		d.logger.InfoContext(ctx, "dispatch pass complete",
			"claimed", report.Claimed,
			"completed", report.Completed,
			"retried", report.Retried,
			"dead_lettered", report.DeadLettered,
		)
	}
	return report, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, e *store.OutboxEntry, report *DispatchReport) error {
	if e.Type != playbook.OutboxTypeMessage {
		return d.fail(ctx, e, "", schema.NewErrorf(schema.ErrCodeMalformedConfig, "unknown outbox entry type %q", e.Type), report)
	}
	msg, err := playbook.DecodeMessage(e.Payload)
	if err != nil {
		return d.fail(ctx, e, "", err, report)
	}
	ctx = logging.WithIDs(ctx, msg.RunID, msg.InstanceID, msg.StudentID)

	if err := d.breakers.Allow(msg.Channel); err != nil {
		report.Deferred++
		metrics.OutboxResults.WithLabelValues(string(msg.Channel), "deferred").Inc()
		return d.svc.Defer(ctx, e, d.svc.Now().Add(d.breakers.cfg.Cooldown), err.Error())
	}
	if err := d.limiter(msg.Channel).Wait(ctx); err != nil {
		// Shutting down: leave the entry for RequeueStale.
		return err
	}

	if err := d.deliverer.Deliver(ctx, msg); err != nil {
		if IsRetryable(err) {
			d.breakers.Failure(msg.Channel)
		}
		return d.fail(ctx, e, msg.Channel, err, report)
	}
	d.breakers.Success(msg.Channel)
	if err := d.svc.Complete(ctx, e); err != nil {
		return err
	}
	report.Completed++
	metrics.OutboxResults.WithLabelValues(string(msg.Channel), "completed").Inc()
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, e *store.OutboxEntry, ch schema.Channel, cause error, report *DispatchReport) error {
	res, err := d.svc.Fail(ctx, e, cause)
	if err != nil {
		return err
	}
	if res.Retried {
		report.Retried++
		metrics.OutboxResults.WithLabelValues(string(ch), "retried").Inc()
	} else {
		report.DeadLettered++
		metrics.OutboxResults.WithLabelValues(string(ch), "dead_lettered").Inc()
	}
	return nil
}

func (d *Dispatcher) limiter(ch schema.Channel) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	l, ok := d.limiters[ch]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), d.cfg.Burst)
		d.limiters[ch] = l
	}
	return l
}

// Start launches the background dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("outbox dispatcher started", "interval", d.cfg.Interval)
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop stops the loop and waits for the current pass.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil
	d.logger.Info("outbox dispatcher stopped")
	return nil
}
