package mailgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/logging"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/reconcile"
	"github.com/g960059/alarmsync/internal/security"
)

const (
	fieldAlarmID    = "alarm_id"
	fieldOwnerID    = "owner_id"
	fieldSender     = "sender"
	fieldSubject    = "subject"
	fieldReceivedAt = "received_at"
)

// Releaser gates a mail match on the alarm's enabled state and filter.
type Releaser interface {
	ReleaseMail(ctx context.Context, match model.MailMatch) reconcile.Outcome
}

type Options struct {
	Stream   string
	Group    string
	Consumer string
	// Block is how long one read waits for new entries. Negative reads without blocking.
	Block  time.Duration
	Count  int64
	Logger *zap.Logger
}

// Consumer reads mail-match events from a Redis stream consumer group and hands each to
// the reconciler. Entries are acknowledged once handled; a transient release failure
// leaves the entry pending for redelivery.
type Consumer struct {
	rdb      *redis.Client
	releaser Releaser
	opts     Options
	logger   *zap.Logger
}

func New(rdb *redis.Client, releaser Releaser, opts Options) *Consumer {
	if opts.Count <= 0 {
		opts.Count = 16
	}
	if opts.Block == 0 {
		opts.Block = 2 * time.Second
	}
	return &Consumer{rdb: rdb, releaser: releaser, opts: opts, logger: logging.OrNop(opts.Logger)}
}

// Ensure creates the stream and consumer group when missing.
func (c *Consumer) Ensure(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.opts.Group, err)
	}
	return nil
}

// Poll reads one round of new entries and returns how many were acknowledged.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		Streams:  []string{c.opts.Stream, ">"},
		Count:    c.opts.Count,
		Block:    c.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read mail matches: %w", err)
	}

	acked := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if !c.handle(ctx, msg) {
				continue
			}
			if err := c.rdb.XAck(ctx, c.opts.Stream, c.opts.Group, msg.ID).Err(); err != nil {
				return acked, fmt.Errorf("ack mail match %s: %w", msg.ID, err)
			}
			acked++
		}
	}
	return acked, nil
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Ensure(ctx); err != nil {
		return err
	}
	c.logger.Info("mail gate consuming", zap.String("stream", c.opts.Stream), zap.String("group", c.opts.Group))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("mail gate poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// handle reports whether msg is done and can be acknowledged.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) bool {
	match, err := Decode(msg)
	if err != nil {
		c.logger.Warn("dropping malformed mail match", zap.String("event_id", msg.ID), zap.String("error", security.Redact(err.Error())))
		return true
	}
	out := c.releaser.ReleaseMail(ctx, match)
	if out.Err != nil {
		if model.IsKind(out.Err, model.KindTransient) {
			c.logger.Warn("mail release failed, left pending", zap.String("event_id", msg.ID), zap.Error(out.Err))
			return false
		}
		c.logger.Warn("mail release rejected", zap.String("event_id", msg.ID), zap.String("alarm_id", match.AlarmID), zap.Error(out.Err))
	}
	return true
}

// Decode reads a mail match from a stream entry.
func Decode(msg redis.XMessage) (model.MailMatch, error) {
	str := func(key string) string {
		v, _ := msg.Values[key].(string)
		return v
	}
	match := model.MailMatch{
		EventID: msg.ID,
		AlarmID: str(fieldAlarmID),
		OwnerID: str(fieldOwnerID),
		Sender:  str(fieldSender),
		Subject: str(fieldSubject),
	}
	if match.AlarmID == "" {
		return model.MailMatch{}, fmt.Errorf("%w: missing %s", model.ErrInvalid, fieldAlarmID)
	}
	if raw := str(fieldReceivedAt); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return model.MailMatch{}, fmt.Errorf("%w: %s: %v", model.ErrInvalid, fieldReceivedAt, err)
		}
		match.ReceivedAt = at
	}
	return match, nil
}

// Publish appends match to stream and returns the entry id.
func Publish(ctx context.Context, rdb *redis.Client, stream string, match model.MailMatch) (string, error) {
	values := map[string]any{
		fieldAlarmID: match.AlarmID,
		fieldOwnerID: match.OwnerID,
		fieldSender:  match.Sender,
		fieldSubject: match.Subject,
	}
	if !match.ReceivedAt.IsZero() {
		values[fieldReceivedAt] = match.ReceivedAt.UTC().Format(time.RFC3339)
	}
	id, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("publish mail match: %w", err)
	}
	return id, nil
}
