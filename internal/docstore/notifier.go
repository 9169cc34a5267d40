package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/logging"
)

// Notifier carries "owner's documents changed" signals. Signals coalesce: a subscriber
// that has not drained its channel sees one pending signal, never a backlog.
type Notifier interface {
	Publish(ctx context.Context, ownerID string) error
	Subscribe(ctx context.Context, ownerID string) (<-chan struct{}, func(), error)
}

// Broker is the in-process Notifier.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[int]chan struct{}{}}
}

func (b *Broker) Publish(_ context.Context, ownerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ownerID] {
		signal(ch)
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, ownerID string) (<-chan struct{}, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan struct{}, 1)
	if b.subs[ownerID] == nil {
		b.subs[ownerID] = map[int]chan struct{}{}
	}
	b.subs[ownerID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[ownerID], id)
			if len(b.subs[ownerID]) == 0 {
				delete(b.subs, ownerID)
			}
		})
	}
	return ch, cancel, nil
}

// RedisNotifier fans change signals out through Redis pub/sub so every daemon sharing
// the document store observes writes made elsewhere.
type RedisNotifier struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisNotifier(rdb *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, prefix: "alarmsync:alarms:", logger: logging.OrNop(logger)}
}

func (n *RedisNotifier) channel(ownerID string) string {
	return n.prefix + ownerID
}

func (n *RedisNotifier) Publish(ctx context.Context, ownerID string) error {
	if err := n.rdb.Publish(ctx, n.channel(ownerID), "changed").Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, ownerID string) (<-chan struct{}, func(), error) {
	pubsub := n.rdb.Subscribe(ctx, n.channel(ownerID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("subscribe changes: %w", err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	msgs := pubsub.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg == nil {
					continue
				}
				signal(out)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				n.logger.Debug("close change subscription", zap.String("owner_id", ownerID), zap.Error(err))
			}
		})
	}
	return out, cancel, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
