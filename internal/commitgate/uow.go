// Package commitgate ties live notifications to the write transaction
// that produced them: a push is dispatched only after that transaction
// commits, and discarded if it rolls back.
package commitgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tripchat/internal/domain"
	"tripchat/internal/metrics"
)

const defaultTxTimeout = 5 * time.Second

// UnitOfWork is one write transaction plus the callbacks deferred until it commits.
type UnitOfWork struct {
	tx       domain.MessageTx
	deferred []func(context.Context)
}

// Append writes msg inside this unit of work.
func (u *UnitOfWork) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	return u.tx.AppendMessage(ctx, msg)
}

// AfterCommit registers fn to run once this transaction has committed.
// Callbacks run in registration order and are dropped on rollback.
func (u *UnitOfWork) AfterCommit(fn func(ctx context.Context)) {
	u.deferred = append(u.deferred, fn)
}

type CoordinatorConfig struct {
	Source    domain.TxSource
	TxTimeout time.Duration
	Logger    *slog.Logger
}

// Coordinator runs units of work. Each Do call gets its own transaction;
// units are never nested into an outer transaction.
type Coordinator struct {
	source    domain.TxSource
	txTimeout time.Duration
	logger    *slog.Logger

	// commitMu serializes commit+drain so pushes leave in commit order.
	commitMu sync.Mutex
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = defaultTxTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		source:    cfg.Source,
		txTimeout: cfg.TxTimeout,
		logger:    cfg.Logger,
	}
}

// Do runs fn inside a fresh transaction bounded by the coordinator's
// timeout. When fn succeeds and the commit succeeds, deferred callbacks
// run after the transaction has released its resources. Any failure
// rolls back and discards them.
func (c *Coordinator) Do(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error) error {
	txCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	tx, err := c.source.BeginMessageTx(txCtx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	uow := &UnitOfWork{tx: tx}

	if err := c.run(txCtx, uow, fn); err != nil {
		c.rollback(tx, err)
		return err
	}
	if err := txCtx.Err(); err != nil {
		c.rollback(tx, err)
		return fmt.Errorf("unit of work: %w", err)
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if err := tx.Commit(); err != nil {
		c.rollback(tx, err)
		c.logger.Warn("commit failed, notifications discarded", "deferred", len(uow.deferred), "err", err)
		return fmt.Errorf("commit unit of work: %w", err)
	}
	metrics.Commits.Inc()

	// Pushes must outlive the caller's request context.
	pushCtx := context.WithoutCancel(ctx)
	for i, cb := range uow.deferred {
		c.dispatch(pushCtx, i, cb)
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, uow *UnitOfWork, fn func(context.Context, *UnitOfWork) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: unit of work panic: %v", domain.ErrInternal, rec)
		}
	}()
	return fn(ctx, uow)
}

func (c *Coordinator) rollback(tx domain.MessageTx, cause error) {
	metrics.Rollbacks.Inc()
	if err := tx.Rollback(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		c.logger.Debug("rollback after failure", "cause", cause, "err", err)
	}
}

// dispatch runs one post-commit callback. A panicking callback is logged;
// the write it follows is already durable.
func (c *Coordinator) dispatch(ctx context.Context, index int, cb func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("post-commit callback panic", "index", index, "panic", rec)
		}
	}()
	cb(ctx)
}
