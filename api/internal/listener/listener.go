package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"project-pulse/api/internal/models"
	"project-pulse/api/internal/rules"
	"project-pulse/shared/influxx"
	"project-pulse/shared/lockx"
	"project-pulse/shared/logx"
	"project-pulse/shared/metricsx"
)

const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateCrashed  = "crashed"
)

var (
	ErrAlreadyRunning = errors.New("listener already running")
	ErrNotRunning     = errors.New("listener not running")
)

type Store interface {
	ListAfter(ctx context.Context, projectID string, occurredAt time.Time, afterID uuid.UUID, limit int) ([]models.Event, error)
	MarkProcessed(ctx context.Context, ids []uuid.UUID) error
}

type Evaluator interface {
	Evaluate(ctx context.Context, event models.Event) []rules.Result
}

type SystemEmitter interface {
	Emit(ctx context.Context, event models.Event) (models.Event, error)
}

type Options struct {
	ProjectID      string
	PollInterval   time.Duration
	BatchSize      int
	CrashThreshold int
	LeaseTTL       time.Duration
}

func (o *Options) fill() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.CrashThreshold <= 0 {
		o.CrashThreshold = 10
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 3 * o.PollInterval
	}
}

// Listener polls the event log for pending events and feeds them through
// the rule engine, oldest first. Delivery is at-least-once: the cursor only
// advances after a batch is marked processed, so a crash mid-batch replays
// that batch on the next cycle.
type Listener struct {
	store   Store
	engine  Evaluator
	emitter SystemEmitter
	locks   *redis.Client
	flux    *influxx.Client
	logger  logx.Logger
	opts    Options

	mu                  sync.Mutex
	state               string
	cancel              context.CancelFunc
	done                chan struct{}
	cursorAt            time.Time
	cursorID            uuid.UUID
	cyclesTotal         int64
	eventsProcessed     int64
	consecutiveFailures int
	totalErrors         int64
	lastError           string
	startedAt           time.Time
	lastCycleAt         time.Time
}

// New builds a stopped listener. locks and flux may be nil; the lease and
// cycle telemetry are then skipped.
func New(store Store, engine Evaluator, emitter SystemEmitter, locks *redis.Client, flux *influxx.Client, logger logx.Logger, opts Options) *Listener {
	opts.fill()
	return &Listener{
		store:   store,
		engine:  engine,
		emitter: emitter,
		locks:   locks,
		flux:    flux,
		logger:  logger.With(slog.String("project_id", opts.ProjectID)),
		opts:    opts,
		state:   StateStopped,
	}
}

// Start launches the poll loop. Only a stopped or crashed listener can
// start; anything else reports ErrAlreadyRunning.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.state != StateStopped && l.state != StateCrashed {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.state = StateStarting
	l.cancel = cancel
	l.done = make(chan struct{})
	l.consecutiveFailures = 0
	l.lastError = ""
	l.startedAt = time.Now().UTC()
	l.mu.Unlock()

	go l.run(ctx)
	return nil
}

// Stop cancels the loop and blocks until it drains the current cycle.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.state != StateRunning && l.state != StateStarting {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.state = StateStopping
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done

	l.mu.Lock()
	if l.state == StateStopping {
		l.state = StateStopped
	}
	l.mu.Unlock()
	return nil
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	lease := l.acquireLease(ctx)

	// Stop may have raced the startup; only a still-starting listener
	// becomes running, otherwise the Stopping state set by Stop stands.
	l.mu.Lock()
	if l.state == StateStarting {
		l.state = StateRunning
	}
	l.mu.Unlock()
	l.logger.Info(ctx, "listener_started", "poll loop started",
		slog.Duration("poll_interval", l.opts.PollInterval),
	)
	l.emitSystem("system.listener_started", "Event listener started")

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		if crashed := l.runCycle(ctx); crashed {
			l.releaseLease(lease)
			l.emitSystem("system.listener_stopped", "Event listener crashed")
			return
		}
		l.refreshLease(ctx, lease)

		select {
		case <-ctx.Done():
			l.releaseLease(lease)
			l.logger.Info(context.Background(), "listener_stopped", "poll loop stopped")
			l.emitSystem("system.listener_stopped", "Event listener stopped")
			return
		case <-ticker.C:
		}
	}
}

// runCycle executes one poll and reports whether the listener crashed.
func (l *Listener) runCycle(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	processed, err := l.cycle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		metricsx.IncPollCycleError()
		l.mu.Lock()
		l.cyclesTotal++
		l.consecutiveFailures++
		l.totalErrors++
		l.lastError = err.Error()
		failures := l.consecutiveFailures
		l.mu.Unlock()

		l.logger.Warn(ctx, "poll_cycle_failed", "poll cycle failed",
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()),
		)
		if failures >= l.opts.CrashThreshold {
			l.setState(StateCrashed)
			l.logger.Error(ctx, "listener_crashed", "crash threshold reached",
				slog.Int("threshold", l.opts.CrashThreshold),
			)
			return true
		}
		return false
	}

	l.mu.Lock()
	l.consecutiveFailures = 0
	l.cyclesTotal++
	l.eventsProcessed += int64(processed)
	l.lastCycleAt = time.Now().UTC()
	l.mu.Unlock()
	return false
}

func (l *Listener) cycle(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("listener").Start(ctx, "listener.cycle")
	span.SetAttributes(attribute.String("project_id", l.opts.ProjectID))
	defer span.End()

	start := time.Now()
	metricsx.IncPollCycle()

	l.mu.Lock()
	cursorAt, cursorID := l.cursorAt, l.cursorID
	l.mu.Unlock()

	batch, err := l.store.ListAfter(ctx, l.opts.ProjectID, cursorAt, cursorID, l.opts.BatchSize)
	if err != nil {
		l.writeCycle(len(batch), 0, time.Since(start), true)
		return 0, err
	}
	if len(batch) == 0 {
		metricsx.ObservePollCycleLatency(time.Since(start))
		l.writeCycle(0, 0, time.Since(start), false)
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(batch))
	for _, event := range batch {
		results := l.engine.Evaluate(ctx, event)
		for _, r := range results {
			if r.Error != "" {
				l.logger.Warn(ctx, "rule_failed", "rule failed during cycle",
					slog.String("rule_id", r.RuleID),
					slog.String("event_id", event.ID.String()),
					slog.String("error", r.Error),
				)
			}
		}
		ids = append(ids, event.ID)
	}

	if err := l.store.MarkProcessed(ctx, ids); err != nil {
		l.writeCycle(len(batch), 0, time.Since(start), true)
		return 0, err
	}

	last := batch[len(batch)-1]
	l.mu.Lock()
	l.cursorAt = last.OccurredAt
	l.cursorID = last.ID
	l.mu.Unlock()

	elapsed := time.Since(start)
	metricsx.ObservePollCycleLatency(elapsed)
	l.writeCycle(len(batch), len(batch), elapsed, false)
	l.logger.Debug(ctx, "poll_cycle_done", "poll cycle done",
		slog.Int("events", len(batch)),
		slog.Duration("elapsed", elapsed),
	)
	return len(batch), nil
}

type Status struct {
	State               string    `json:"state"`
	ProjectID           string    `json:"project_id"`
	PollIntervalSeconds int       `json:"poll_interval_seconds"`
	CursorOccurredAt    time.Time `json:"cursor_occurred_at"`
	CursorID            string    `json:"cursor_id,omitempty"`
	CyclesTotal         int64     `json:"cycles_total"`
	EventsProcessed     int64     `json:"events_processed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalErrors         int64     `json:"total_errors"`
	LastError           string    `json:"last_error,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	LastCycleAt         time.Time `json:"last_cycle_at"`
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := Status{
		State:               l.state,
		ProjectID:           l.opts.ProjectID,
		PollIntervalSeconds: int(l.opts.PollInterval / time.Second),
		CursorOccurredAt:    l.cursorAt,
		CyclesTotal:         l.cyclesTotal,
		EventsProcessed:     l.eventsProcessed,
		ConsecutiveFailures: l.consecutiveFailures,
		TotalErrors:         l.totalErrors,
		LastError:           l.lastError,
		StartedAt:           l.startedAt,
		LastCycleAt:         l.lastCycleAt,
	}
	if l.cursorID != uuid.Nil {
		status.CursorID = l.cursorID.String()
	}
	return status
}

func (l *Listener) setState(state string) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

func (l *Listener) acquireLease(ctx context.Context) *lockx.Lock {
	if l.locks == nil {
		return nil
	}
	lease, ok, err := lockx.Acquire(ctx, l.locks, lockx.ListenerKey(l.opts.ProjectID), l.opts.LeaseTTL)
	if err != nil {
		l.logger.Warn(ctx, "lease_acquire_failed", "listener lease acquire failed",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		l.logger.Warn(ctx, "lease_held_elsewhere", "another listener holds the project lease")
		return nil
	}
	return lease
}

func (l *Listener) refreshLease(ctx context.Context, lease *lockx.Lock) {
	if l.locks == nil || lease == nil || ctx.Err() != nil {
		return
	}
	ok, err := lockx.Refresh(ctx, l.locks, lease)
	if err != nil {
		l.logger.Warn(ctx, "lease_refresh_failed", "listener lease refresh failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		l.logger.Warn(ctx, "lease_lost", "listener lease lost")
	}
}

func (l *Listener) releaseLease(lease *lockx.Lock) {
	if l.locks == nil || lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := lockx.Release(ctx, l.locks, lease); err != nil {
		l.logger.Warn(ctx, "lease_release_failed", "listener lease release failed",
			slog.String("error", err.Error()),
		)
	}
}

// emitSystem records lifecycle transitions in the event log itself. These
// appends use a fresh context so they still land during shutdown.
func (l *Listener) emitSystem(eventType, title string) {
	if l.emitter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.emitter.Emit(ctx, models.Event{
		ProjectID: l.opts.ProjectID,
		EventType: eventType,
		Source:    models.SourceSystem,
		Title:     title,
	})
	if err != nil {
		l.logger.Warn(ctx, "system_event_failed", "system event append failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Listener) writeCycle(polled, processed int, elapsed time.Duration, failed bool) {
	if l.flux == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.flux.WriteCycle(ctx, l.opts.ProjectID, polled, processed, elapsed, failed); err != nil {
		l.logger.Debug(ctx, "cycle_telemetry_failed", "influx write failed",
			slog.String("error", err.Error()),
		)
	}
}
