// Package receiver implements the listening side of the partition-handoff
// protocol: it admits transfers under a concurrency cap, answers the
// handshake, keep-alive and final-sync exchanges, and hands received items to
// a sink.
package receiver

import (
	"context"
	"math/big"
	"net"
	"sync"

	"github.com/ringfold/ringfold/internal/conn"
	"github.com/ringfold/ringfold/protocol/handoff"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxConcurrency = 4

// Sink receives the items of an inbound transfer.
type Sink interface {
	Put(partition *big.Int, obj []byte) error
}

type Config struct {
	MaxConcurrency int64
}

// Receiver accepts handoff connections and runs one handler per transfer.
type Receiver struct {
	sink   Sink
	logger *zap.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

func New(sink Sink, cfg Config, logger *zap.Logger) *Receiver {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		sink:   sink,
		logger: logger,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
	}
}

// Serve accepts connections on ln until ctx is canceled. Connections over
// the concurrency cap are closed without a reply, which the sending side
// classifies as an admission rejection.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				r.wg.Wait()
				return nil
			}
			return err
		}
		if !r.sem.TryAcquire(1) {
			r.logger.Debug("rejecting handoff, concurrency budget exhausted",
				zap.String("remote", nc.RemoteAddr().String()))
			nc.Close()
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.handle(ctx, &conn.TCP{Conn: nc})
		}()
	}
}

func (r *Receiver) handle(ctx context.Context, c conn.Conn) {
	hc := conn.Handoff{Conn: c}
	defer hc.Close()

	logger := r.logger
	var (
		module    string
		partition *big.Int
		objs      uint64
	)
	for {
		msg, err := hc.ReadMsg(ctx)
		if err != nil {
			if !conn.IsClosed(err) && ctx.Err() == nil {
				logger.Warn("reading handoff stream", zap.Error(err))
			}
			return
		}
		switch msg.Type {
		case handoff.MsgOldSync:
			// The first OLDSYNC piggybacks the module name; later ones
			// are keep-alives carrying the sync literal.
			if module == "" && !msg.IsSyncAck() {
				module = string(msg.Payload)
				logger = logger.With(zap.String("module", module))
				logger.Info("handoff stream opened")
			}
			if err := hc.WriteMsg(ctx, handoff.Msg{Type: handoff.MsgOldSync, Payload: []byte(handoff.SyncBody)}); err != nil {
				logger.Warn("acknowledging sync", zap.Error(err))
				return
			}
		case handoff.MsgInit:
			partition, err = handoff.DecodePartitionID(msg.Payload)
			if err != nil {
				logger.Warn("decoding init", zap.Error(err))
				return
			}
			logger = logger.With(zap.String("partition", partition.String()))
		case handoff.MsgObj:
			if partition == nil {
				logger.Warn("object received before init, closing stream")
				return
			}
			if err := r.sink.Put(partition, msg.Payload); err != nil {
				logger.Error("storing handoff object", zap.Error(err))
				return
			}
			objs++
		case handoff.MsgSync:
			logger.Info("handoff stream synced", zap.Uint64("objects", objs))
			if err := hc.WriteMsg(ctx, handoff.Msg{Type: handoff.MsgSync, Payload: []byte(handoff.SyncBody)}); err != nil {
				logger.Warn("acknowledging final sync", zap.Error(err))
				return
			}
		default:
			logger.Warn("unknown handoff message, closing stream", zap.Uint8("tag", uint8(msg.Type)))
			return
		}
	}
}
