// Package coordinator supervises outbound handoff transfers: it enforces the
// cross-transfer concurrency cap, receives each sender's lifecycle events and
// journals every attempt. Retry policy deliberately lives above this package;
// the coordinator reports outcomes and never re-attempts a transfer itself.
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/ringfold/ringfold/internal/journal"
	"github.com/ringfold/ringfold/internal/membership"
	"github.com/ringfold/ringfold/internal/sender"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxConcurrent = 2

// Config carries the coordinator tunables plus the per-transfer sender
// configuration handed to every attempt.
type Config struct {
	MaxConcurrent int64
	Sender        sender.Config

	// Dialer and Sink override the sender defaults when set.
	Dialer sender.Dialer
	Sink   sender.StatusSink
}

// Coordinator runs transfers under a bounded concurrency budget.
type Coordinator struct {
	resolver membership.Resolver
	journal  *journal.Journal
	cfg      Config
	logger   *zap.Logger
	sem      *semaphore.Weighted
}

// New constructs a coordinator. The journal is optional; a nil journal
// disables attempt bookkeeping.
func New(resolver membership.Resolver, jrnl *journal.Journal, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		resolver: resolver,
		journal:  jrnl,
		cfg:      cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Handoff runs one transfer, blocking for a free transfer slot first. The
// returned result carries the terminal outcome even when err is non-nil.
func (c *Coordinator) Handoff(ctx context.Context, req sender.Request, folder sender.Folder) (sender.Result, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return sender.Result{}, errors.Wrap(err, "waiting for a transfer slot")
	}
	defer c.sem.Release(1)

	record := &journal.Record{
		ID:              uuid.NewString(),
		Module:          req.Module.Name(),
		TargetNode:      req.TargetNode,
		SourcePartition: req.SourcePartition.String(),
		TargetPartition: req.TargetPartition.String(),
		Type:            req.Type.Name(),
		Outcome:         "in_flight",
		StartedAt:       time.Now().UTC(),
	}
	c.saveRecord(record)

	s := sender.New(req, c.cfg.Sender, sender.Options{
		Resolver: c.resolver,
		Dialer:   c.cfg.Dialer,
		Sink:     c.cfg.Sink,
		Parent:   c,
		Logger:   c.logger,
	})
	res, err := s.Run(ctx, folder)

	record.Outcome = res.Outcome.Name()
	record.Objects = res.Objects
	record.Bytes = res.Bytes
	record.Duration = res.Duration
	if err != nil {
		record.Error = err.Error()
	}
	c.saveRecord(record)
	return res, err
}

// Signal implements the sender's parent contract.
func (c *Coordinator) Signal(ev sender.Event) {
	switch e := ev.(type) {
	case sender.Complete:
		c.logger.Info("handoff complete",
			zap.String("module", e.Module),
			zap.String("src_partition", e.SourcePartition.String()),
			zap.String("dst_partition", e.TargetPartition.String()),
			zap.Uint64("objects", e.Objects),
			zap.Duration("duration", e.Duration),
		)
	case sender.HandoffError:
		c.logger.Warn("handoff error",
			zap.String("module", e.Module),
			zap.String("kind", string(e.Kind)),
			zap.Error(e.Reason),
		)
	}
}

func (c *Coordinator) saveRecord(record *journal.Record) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Save(record); err != nil {
		c.logger.Warn("saving transfer record", zap.String("id", record.ID), zap.Error(err))
	}
}
