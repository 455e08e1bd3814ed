package commandbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"retention-agent/internal/domain"
)

// Store is the durable command queue. ClaimCommands must be atomic per
// command: concurrent callers never receive the same command. Each claim
// increments the command's stored attempt count, and the returned commands
// carry the incremented count.
type Store interface {
	InsertCommand(ctx context.Context, cmd domain.Command) error
	ClaimCommands(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]domain.Command, error)
	CompleteCommand(ctx context.Context, cmd domain.Command, now time.Time) error
	ReleaseCommand(ctx context.Context, cmd domain.Command, lastErr string, now time.Time) error
	DeadLetterCommand(ctx context.Context, cmd domain.Command, lastErr string, now time.Time) error
}

// Config bounds retries and execution time.
type Config struct {
	// MaxAttempts is the number of executions after which a failing command
	// is dead-lettered.
	MaxAttempts int
	// Lease is how long a claim is held before another drain may re-claim it.
	Lease time.Duration
	// ExecTimeout bounds a single Execute call.
	ExecTimeout time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Lease: 5 * time.Minute, ExecTimeout: 20 * time.Second}
}

// Result summarizes one ProcessNext call. Processed counts completed
// commands; Failed counts retried plus dead-lettered ones.
type Result struct {
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"deadLettered"`
}

// Bus claims commands and dispatches them to executors.
type Bus struct {
	store    Store
	registry *Registry
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// NewBus wires a bus. Zero config fields take their defaults.
func NewBus(store Store, registry *Registry, cfg Config, log *slog.Logger) (*Bus, error) {
	if store == nil {
		return nil, errors.New("commandbus: store must not be nil")
	}
	if registry == nil {
		return nil, errors.New("commandbus: registry must not be nil")
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      log.With(slog.String("component", "commandbus")),
		now:      time.Now,
	}, nil
}

// Enqueue stores cmd as pending. The id is the idempotency key: enqueuing an
// id that already exists is a no-op.
func (b *Bus) Enqueue(ctx context.Context, cmd domain.Command) error {
	if strings.TrimSpace(cmd.ID) == "" {
		return errors.New("commandbus: Enqueue: command id is required")
	}
	kind, err := domain.ParseCommandKind(string(cmd.Kind))
	if err != nil {
		return fmt.Errorf("commandbus: Enqueue: %w", err)
	}
	cmd.Kind = kind
	cmd.Status = domain.CommandPending
	cmd.Attempts = 0
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = b.now().UTC()
	}
	if len(cmd.Payload) == 0 {
		cmd.Payload = []byte("{}")
	}
	if err := b.store.InsertCommand(ctx, cmd); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			b.log.Debug("command already enqueued", slog.String("command_id", cmd.ID))
			return nil
		}
		return fmt.Errorf("commandbus: Enqueue: %w", err)
	}
	b.log.Info("command enqueued", slog.String("command_id", cmd.ID), slog.String("kind", string(cmd.Kind)))
	return nil
}

// ProcessNext claims up to maxBatch commands and runs them in claim order. A
// failing command never stops the rest of the batch. The returned error
// reports claim failures and store writes that could not be applied.
func (b *Bus) ProcessNext(ctx context.Context, maxBatch int) (Result, error) {
	var res Result
	cmds, claimErr := b.store.ClaimCommands(ctx, maxBatch, b.cfg.Lease, b.now())
	if claimErr != nil && len(cmds) == 0 {
		return res, fmt.Errorf("commandbus: claim: %w", claimErr)
	}

	var errs []error
	if claimErr != nil {
		errs = append(errs, fmt.Errorf("commandbus: claim: %w", claimErr))
	}
	for _, cmd := range cmds {
		if err := b.process(ctx, cmd, &res); err != nil {
			errs = append(errs, err)
		}
	}
	if len(cmds) > 0 {
		b.log.Info("bus drained",
			slog.Int("claimed", len(cmds)),
			slog.Int("processed", res.Processed),
			slog.Int("retried", res.Retried),
			slog.Int("dead_lettered", res.DeadLettered))
	}
	return res, errors.Join(errs...)
}

func (b *Bus) process(ctx context.Context, cmd domain.Command, res *Result) error {
	log := b.log.With(slog.String("command_id", cmd.ID), slog.String("kind", string(cmd.Kind)))

	// Claims past the ceiling are leftovers of invocations that died
	// before resolving; the command already had all its executions.
	if cmd.Attempts > b.cfg.MaxAttempts {
		lastErr := fmt.Sprintf("commandbus: abandoned after %d attempts", b.cfg.MaxAttempts)
		if cmd.LastError != "" {
			lastErr += ": " + cmd.LastError
		}
		cmd.Attempts = b.cfg.MaxAttempts
		if err := b.store.DeadLetterCommand(ctx, cmd, lastErr, b.now()); err != nil {
			return b.storeResult(log, cmd, err)
		}
		res.Failed++
		res.DeadLettered++
		log.Error("command dead-lettered after abandoned claims", slog.Int("attempt", cmd.Attempts))
		return nil
	}

	exec, ok := b.registry.Lookup(cmd.Kind)
	var execErr error
	if !ok {
		execErr = Permanent(fmt.Errorf("commandbus: no executor for kind %q", cmd.Kind))
	} else {
		execErr = b.execute(ctx, exec, cmd)
	}

	var storeErr error
	switch {
	case execErr == nil:
		storeErr = b.store.CompleteCommand(ctx, cmd, b.now())
		if storeErr == nil {
			res.Processed++
			log.Info("command completed", slog.Int("attempt", cmd.Attempts))
		}
	case IsPermanent(execErr) || cmd.Attempts >= b.cfg.MaxAttempts:
		storeErr = b.store.DeadLetterCommand(ctx, cmd, execErr.Error(), b.now())
		if storeErr == nil {
			res.Failed++
			res.DeadLettered++
			log.Error("command dead-lettered", slog.Int("attempt", cmd.Attempts), slog.Any("error", execErr))
		}
	default:
		storeErr = b.store.ReleaseCommand(ctx, cmd, execErr.Error(), b.now())
		if storeErr == nil {
			res.Failed++
			res.Retried++
			log.Warn("command will retry", slog.Int("attempt", cmd.Attempts), slog.Any("error", execErr))
		}
	}

	return b.storeResult(log, cmd, storeErr)
}

func (b *Bus) storeResult(log *slog.Logger, cmd domain.Command, storeErr error) error {
	if storeErr == nil {
		return nil
	}
	if errors.Is(storeErr, domain.ErrConflict) {
		log.Warn("command lease lost before resolve", slog.Any("error", storeErr))
		return nil
	}
	return fmt.Errorf("commandbus: resolve %s: %w", cmd.ID, storeErr)
}

// execute bounds one Execute call by ExecTimeout and turns a panic into an
// error. A timed-out executor is abandoned and counts as a transient failure.
func (b *Bus) execute(ctx context.Context, exec Executor, cmd domain.Command) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ExecTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("commandbus: executor panic: %v", r)
			}
		}()
		done <- exec.Execute(ctx, cmd)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("commandbus: execute %s: %w", cmd.ID, ctx.Err())
	}
}
