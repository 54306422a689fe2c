// Package taskrunner runs the pipeline tasks on a NATS JetStream work queue.
// One stream holds every task subject; each task name gets its own durable
// consumer whose MaxDeliver bounds the retry budget. Scheduling a task in the
// future publishes it immediately with a not-before header; deliveries that
// arrive early are NAKed back with the remaining delay.
package taskrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/levelingai/levelingai/apperr"
	"github.com/levelingai/levelingai/metrics"
	"github.com/levelingai/levelingai/pipeline"
)

const (
	// StreamName is the work-queue stream holding every task subject.
	StreamName = "GUIDES"

	subjectPrefix = "guides.tasks."

	// notBeforeHeader carries the earliest delivery time (RFC 3339) for
	// countdown scheduling.
	notBeforeHeader = "Leveling-Not-Before"

	fetchWait = 5 * time.Second
)

// ErrRetry asks the runner to redeliver the task after its policy delay.
// Handlers return it (wrapped or bare) for expected not-yet conditions, like
// a finalize poll that finds cells still in flight.
var ErrRetry = errors.New("task not settled, retry")

// Handler executes one task delivery.
type Handler func(ctx context.Context, args pipeline.TaskArgs) error

// Policy is the per-task delivery budget.
type Policy struct {
	// MaxDeliver caps total deliveries, first attempt included.
	MaxDeliver int

	// RetryDelay spaces redeliveries after a NAK.
	RetryDelay time.Duration

	// AckWait bounds one execution; it also times out the handler context.
	AckWait time.Duration
}

// DefaultPolicies returns the per-task budgets. Finalize polls cheaply on a
// long budget; the LLM-bound tasks get few attempts with generous AckWait.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		pipeline.TaskExtractText:        {MaxDeliver: 5, RetryDelay: 15 * time.Second, AckWait: 2 * time.Minute},
		pipeline.TaskParseMatrix:        {MaxDeliver: 5, RetryDelay: 15 * time.Second, AckWait: 5 * time.Minute},
		pipeline.TaskKickoffGeneration:  {MaxDeliver: 3, RetryDelay: 20 * time.Second, AckWait: 1 * time.Minute},
		pipeline.TaskGenerateCells:      {MaxDeliver: 3, RetryDelay: 15 * time.Second, AckWait: 5 * time.Minute},
		pipeline.TaskFinalizeGeneration: {MaxDeliver: 240, RetryDelay: 30 * time.Second, AckWait: 1 * time.Minute},
	}
}

// Subject returns the stream subject for a task name.
func Subject(task string) string {
	return subjectPrefix + task
}

// Runner owns the stream, the consumers, and the handler dispatch.
type Runner struct {
	js       jetstream.JetStream
	stream   string
	policies map[string]Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithPolicies overrides the default per-task budgets.
func WithPolicies(policies map[string]Policy) Option {
	return func(r *Runner) { r.policies = policies }
}

// WithStream overrides the work-queue stream name.
func WithStream(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.stream = name
		}
	}
}

// New creates a Runner on an established NATS connection.
func New(nc *nats.Conn, opts ...Option) (*Runner, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	r := &Runner{
		js:       js,
		stream:   StreamName,
		policies: DefaultPolicies(),
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

var _ pipeline.Enqueuer = (*Runner)(nil)

// EnsureStream creates or updates the work-queue stream. Both the API server
// (producer) and the worker (consumer) call it on startup.
func (r *Runner) EnsureStream(ctx context.Context) error {
	_, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      r.stream,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", r.stream, err)
	}
	return nil
}

// Enqueue publishes a task. A non-zero countdown stamps the not-before
// header; the consumer NAKs early deliveries back with the remaining delay.
func (r *Runner) Enqueue(ctx context.Context, task string, args pipeline.TaskArgs, countdown time.Duration) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal task args: %w", err)
	}

	msg := &nats.Msg{Subject: Subject(task), Data: data}
	if countdown > 0 {
		msg.Header = nats.Header{}
		msg.Header.Set(notBeforeHeader, time.Now().UTC().Add(countdown).Format(time.RFC3339))
	}

	if _, err := r.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", task, err)
	}
	r.logger.Debug("task enqueued", "task", task, "guide_id", args.GuideID, "countdown", countdown)
	return nil
}

// Register binds a handler to a task name. All registrations must happen
// before Start.
func (r *Runner) Register(task string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[task] = handler
}

// Start ensures the stream, creates one durable consumer per registered task,
// and begins the fetch loops.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner already running")
	}
	r.running = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	handlers := make(map[string]Handler, len(r.handlers))
	for task, h := range r.handlers {
		handlers[task] = h
	}
	r.mu.Unlock()

	if err := r.EnsureStream(runCtx); err != nil {
		cancel()
		return err
	}
	stream, err := r.js.Stream(runCtx, r.stream)
	if err != nil {
		cancel()
		return fmt.Errorf("get stream %s: %w", r.stream, err)
	}

	for task, handler := range handlers {
		policy, ok := r.policies[task]
		if !ok {
			cancel()
			return fmt.Errorf("no policy for task %s", task)
		}

		consumer, err := stream.CreateOrUpdateConsumer(runCtx, jetstream.ConsumerConfig{
			Durable:       "worker-" + task,
			FilterSubject: Subject(task),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       policy.AckWait,
			MaxDeliver:    policy.MaxDeliver,
		})
		if err != nil {
			cancel()
			return fmt.Errorf("create consumer for %s: %w", task, err)
		}

		r.wg.Add(1)
		go r.consumeLoop(runCtx, task, policy, handler, consumer)
	}

	r.logger.Info("task runner started", "stream", r.stream, "tasks", len(handlers))
	return nil
}

// Stop cancels the fetch loops and waits for in-flight handlers.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) consumeLoop(ctx context.Context, task string, policy Policy, handler Handler, consumer jetstream.Consumer) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("fetch failed", "task", task, "error", err)
			continue
		}
		for msg := range batch.Messages() {
			r.handleDelivery(ctx, task, policy, handler, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("fetch batch error", "task", task, "error", err)
		}
	}
}

// handleDelivery classifies one delivery: early (NAK with remaining delay),
// poison payload (terminate), domain failure (ack, no retry), retryable
// (NAK with policy delay), or success (ack).
func (r *Runner) handleDelivery(ctx context.Context, task string, policy Policy, handler Handler, msg jetstream.Msg) {
	if remaining, early := deliveryDelay(msg.Headers()); early {
		if err := msg.NakWithDelay(remaining); err != nil {
			r.logger.Warn("failed to NAK early delivery", "task", task, "error", err)
		}
		return
	}

	var args pipeline.TaskArgs
	if err := json.Unmarshal(msg.Data(), &args); err != nil {
		r.logger.Error("malformed task payload", "task", task, "error", err)
		if err := msg.TermWithReason("malformed payload"); err != nil {
			r.logger.Warn("failed to terminate message", "task", task, "error", err)
		}
		r.observe(task, "failed", 0)
		return
	}

	logger := r.logger.With("task", task, "guide_id", args.GuideID)
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, policy.AckWait)
	err := handler(runCtx, args)
	cancel()
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			logger.Warn("failed to ack", "error", err)
		}
		r.observe(task, "ok", elapsed)

	case errors.Is(err, ErrRetry):
		// Expected not-yet condition: redeliver quietly.
		if err := msg.NakWithDelay(policy.RetryDelay); err != nil {
			logger.Warn("failed to NAK", "error", err)
		}
		r.observe(task, "retry", elapsed)

	case apperr.IsApp(err):
		// Domain failure already persisted on the guide; redelivering would
		// only repeat it.
		logger.Error("task failed", "error", err, "code", apperr.CodeOf(err))
		if err := msg.Ack(); err != nil {
			logger.Warn("failed to ack failed task", "error", err)
		}
		r.observe(task, "failed", elapsed)

	default:
		// Infrastructure error: let the delivery budget absorb it.
		logger.Warn("task errored, will retry", "error", err, "delay", policy.RetryDelay)
		if err := msg.NakWithDelay(policy.RetryDelay); err != nil {
			logger.Warn("failed to NAK", "error", err)
		}
		r.observe(task, "retry", elapsed)
	}
}

func (r *Runner) observe(task, result string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.TasksProcessed.WithLabelValues(task, result).Inc()
	if result != "retry" {
		r.metrics.TaskDuration.WithLabelValues(task).Observe(elapsed.Seconds())
	}
}

// deliveryDelay reports whether the message arrived before its not-before
// time and how long to push it back.
func deliveryDelay(headers nats.Header) (time.Duration, bool) {
	if headers == nil {
		return 0, false
	}
	raw := headers.Get(notBeforeHeader)
	if raw == "" {
		return 0, false
	}
	notBefore, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, false
	}
	if remaining := time.Until(notBefore); remaining > 0 {
		return remaining, true
	}
	return 0, false
}
