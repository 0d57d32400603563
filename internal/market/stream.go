package market

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/events"
	"settlement-core/internal/monitor"
	"settlement-core/internal/order"
	"settlement-core/pkg/logging"
)

// LimitProcessor fills resting orders crossed by a tick.
type LimitProcessor interface {
	ProcessLimitOrders(ctx context.Context, tick order.Tick) (int, error)
}

// StreamOptions configures a TickStream. Every collaborator is optional.
type StreamOptions struct {
	// StartID is the stream id to read after; empty means "$", only new entries.
	StartID string
	Block   time.Duration
	Count   int64
	Prices  *CachedPrices
	Limits  LimitProcessor
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Log     logrus.FieldLogger
}

// TickStream consumes stream:market_ticks and fans every tick out to the cache, the paper
// limit book and the event bus.
type TickStream struct {
	rdb     redis.UniversalClient
	lastID  string
	block   time.Duration
	count   int64
	prices  *CachedPrices
	limits  LimitProcessor
	bus     *events.Bus
	metrics *monitor.Metrics
	log     logrus.FieldLogger
}

func NewTickStream(rdb redis.UniversalClient, opts StreamOptions) *TickStream {
	s := &TickStream{
		rdb:     rdb,
		lastID:  opts.StartID,
		block:   opts.Block,
		count:   opts.Count,
		prices:  opts.Prices,
		limits:  opts.Limits,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     logging.Component(opts.Log, "tick-stream"),
	}
	if s.lastID == "" {
		s.lastID = "$"
	}
	if s.block <= 0 {
		s.block = 5 * time.Second
	}
	if s.count <= 0 {
		s.count = 100
	}
	return s
}

// Start runs the consumer until ctx is cancelled.
func (s *TickStream) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run blocks reading the stream until ctx is cancelled.
func (s *TickStream) Run(ctx context.Context) {
	s.log.WithField("from", s.lastID).Info("tick stream started")
	for {
		if ctx.Err() != nil {
			s.log.Info("tick stream stopped")
			return
		}
		if _, err := s.ReadOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.log.WithError(err).Warn("read tick stream")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// ReadOnce performs one blocking XREAD and handles what it returns.
func (s *TickStream) ReadOnce(ctx context.Context) (int, error) {
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{TickStreamKey, s.lastID},
		Count:   s.count,
		Block:   s.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, stream := range res {
		for _, msg := range stream.Messages {
			s.lastID = msg.ID
			if s.handle(ctx, msg) {
				handled++
			}
		}
	}
	return handled, nil
}

// LastID is the id of the last entry consumed.
func (s *TickStream) LastID() string {
	return s.lastID
}

func (s *TickStream) handle(ctx context.Context, msg redis.XMessage) bool {
	tick, err := decodeTick(stringFields(msg.Values))
	if err != nil {
		s.log.WithError(err).WithField("id", msg.ID).Warn("skip malformed tick")
		return false
	}
	if s.prices != nil {
		s.prices.Observe(tick)
	}
	if s.limits != nil {
		filled, err := s.limits.ProcessLimitOrders(ctx, tick)
		if err != nil {
			s.log.WithError(err).WithField("symbol", tick.Symbol).Error("process limit orders")
		} else if filled > 0 {
			s.log.WithFields(logrus.Fields{"symbol": tick.Symbol, "filled": filled}).Info("limit orders filled")
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.EventPriceTick, tick)
	}
	s.metrics.IncTicks()
	s.log.WithFields(logrus.Fields{"symbol": tick.Symbol, "last": tick.Last.String()}).Debug("tick")
	return true
}
