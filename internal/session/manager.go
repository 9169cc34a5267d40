package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/alarms"
	"github.com/g960059/alarmsync/internal/device"
	"github.com/g960059/alarmsync/internal/logging"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/reconcile"
	"github.com/g960059/alarmsync/internal/trigger"
)

const (
	EventAuth   = "auth"
	EventBatch  = "batch"
	EventSweep  = "sweep"
	EventFired  = "fired"
	EventSnooze = "snooze"
	EventMail   = "mail"
	EventError  = "error"
)

const (
	subscriberBuffer = 32
	relistBackoff    = time.Second
)

// AuthSource is the auth state the session follows.
type AuthSource interface {
	State() model.AuthState
	Watch(ctx context.Context) <-chan model.AuthState
}

// Event is one observable step of the session.
type Event struct {
	Type     string
	At       time.Time
	Auth     *model.AuthState
	Batch    *model.Batch
	Outcomes []reconcile.Outcome
	Sweep    *reconcile.SweepReport
	Fired    *device.Fired
	Err      error
}

type Options struct {
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// Manager binds the auth lifecycle to the alarm stream and the reconciler. Signing in
// rebuilds the reconciler from the platform inventory and starts a stream; signing out
// or switching users stops it and clears the bookkeeping, leaving triggers installed.
type Manager struct {
	auth       AuthSource
	store      *alarms.Store
	rec        *reconcile.Reconciler
	sweepEvery time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	owner   string
	stop    context.CancelFunc
	stopped chan struct{}

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewManager(auth AuthSource, store *alarms.Store, rec *reconcile.Reconciler, opts Options) *Manager {
	m := &Manager{
		auth:       auth,
		store:      store,
		rec:        rec,
		sweepEvery: opts.SweepInterval,
		logger:     logging.OrNop(opts.Logger),
		now:        time.Now,
		subs:       map[int]chan Event{},
	}
	rec.OnOneShotFired(m.oneShotFired)
	return m
}

// Run follows auth state changes until ctx is done, then tears the session down.
func (m *Manager) Run(ctx context.Context) error {
	states := m.auth.Watch(ctx)
	var tick <-chan time.Time
	if m.sweepEvery > 0 {
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer m.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			m.apply(ctx, st)
		case <-tick:
			if _, ok := m.Owner(); !ok {
				continue
			}
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("periodic sweep failed", zap.Error(err))
			}
		}
	}
}

// Owner returns the owner of the running session.
func (m *Manager) Owner() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, m.owner != ""
}

func (m *Manager) apply(ctx context.Context, st model.AuthState) {
	copyState := st
	m.publish(Event{Type: EventAuth, Auth: &copyState})

	owner, _ := st.OwnerID()
	m.mu.Lock()
	same := owner == m.owner && (owner == "" || m.stop != nil)
	m.mu.Unlock()
	if same {
		m.store.Rescope(owner)
		return
	}

	m.teardown()
	m.store.Rescope(owner)
	if owner == "" {
		return
	}

	if n, err := m.rec.Rebuild(ctx); err != nil {
		if !errors.Is(err, reconcile.ErrNoInventory) {
			m.logger.Warn("rebuild from inventory failed", zap.Error(err))
		}
	} else {
		m.logger.Info("session bookkeeping rebuilt", zap.Int("triggers", n))
	}

	sessCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	m.mu.Lock()
	m.owner = owner
	m.stop = cancel
	m.stopped = stopped
	m.mu.Unlock()

	go func() {
		defer close(stopped)
		m.follow(sessCtx, owner)
	}()
}

// teardown stops the running stream and clears the reconciler bookkeeping.
func (m *Manager) teardown() {
	m.mu.Lock()
	cancel, stopped := m.stop, m.stopped
	m.owner = ""
	m.stop = nil
	m.stopped = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	m.rec.Reset()
	m.logger.Info("session torn down")
}

// follow consumes the owner's stream, reopening it when it ends early.
func (m *Manager) follow(ctx context.Context, owner string) {
	for ctx.Err() == nil {
		stream, err := m.store.List(ctx)
		if err != nil {
			m.logger.Warn("open alarm stream failed", zap.Error(err))
			m.publish(Event{Type: EventError, Err: err})
		} else if stream.Owner() != owner {
			stream.Close()
			return
		} else {
			m.consume(ctx, stream)
			stream.Close()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(relistBackoff):
		}
	}
}

func (m *Manager) consume(ctx context.Context, stream *alarms.Stream) {
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-stream.Batches():
			if !ok {
				return
			}
			outcomes := m.rec.ApplyBatch(ctx, b)
			batch := b
			m.publish(Event{Type: EventBatch, Batch: &batch, Outcomes: outcomes})
			if first {
				// The first batch is a full snapshot; sweep it to adopt or drop what
				// the rebuilt bookkeeping picked up from the platform.
				report := m.rec.Sweep(ctx, b.Snapshot)
				m.publish(Event{Type: EventSweep, Sweep: &report, Err: report.Err})
				m.retireSpent(ctx, b.Snapshot)
				first = false
			}
		}
	}
}

// Sweep reconciles a fresh snapshot against the platform inventory.
func (m *Manager) Sweep(ctx context.Context) (reconcile.SweepReport, error) {
	if _, ok := m.Owner(); !ok {
		return reconcile.SweepReport{}, model.NewError(model.KindPermission, "sweep", model.ErrUnauthenticated)
	}
	recs, err := m.store.Snapshot(ctx)
	if err != nil {
		return reconcile.SweepReport{}, err
	}
	report := m.rec.Sweep(ctx, recs)
	m.publish(Event{Type: EventSweep, Sweep: &report, Err: report.Err})
	return report, nil
}

// HandleFired hands a delivered trigger to the reconciler.
func (m *Manager) HandleFired(ctx context.Context, f device.Fired) reconcile.Outcome {
	out := m.rec.HandleDelivered(ctx, trigger.Installed{
		Key:       f.Key,
		FireAtMs:  f.FireAtMs,
		Mechanism: f.Mechanism,
		Payload:   trigger.Payload{Title: f.Title, Body: f.Body, Sound: f.Sound, Critical: f.Critical},
	}, f.FiredAt)
	fired := f
	m.publish(Event{Type: EventFired, Fired: &fired, Outcomes: []reconcile.Outcome{out}, Err: out.Err})
	return out
}

func (m *Manager) Snooze(ctx context.Context, key string) reconcile.Outcome {
	out := m.rec.Snooze(ctx, key)
	m.publish(Event{Type: EventSnooze, Outcomes: []reconcile.Outcome{out}, Err: out.Err})
	return out
}

// ReleaseMail hands a mail match to the reconciler and reports it to subscribers.
func (m *Manager) ReleaseMail(ctx context.Context, match model.MailMatch) reconcile.Outcome {
	out := m.rec.ReleaseMail(ctx, match)
	m.publish(Event{Type: EventMail, Outcomes: []reconcile.Outcome{out}, Err: out.Err})
	return out
}

// oneShotFired disables a fired one-shot remotely so every device sees it as done.
func (m *Manager) oneShotFired(ctx context.Context, id string) {
	if _, ok := m.Owner(); !ok {
		return
	}
	if _, err := m.store.SetEnabled(ctx, id, false); err != nil {
		m.logger.Warn("disable fired one-shot failed", zap.String("alarm_id", id), zap.Error(err))
		m.publish(Event{Type: EventError, Err: err})
	}
}

// retireSpent disables one-shots that fired while no session was following them.
func (m *Manager) retireSpent(ctx context.Context, recs []model.AlarmRecord) {
	spent := map[string]bool{}
	for _, id := range m.rec.Status().NeedsNext {
		spent[id] = true
	}
	for _, rec := range recs {
		if spent[rec.ID] && rec.Enabled && rec.Schedule != nil && rec.Schedule.OneShot() {
			m.oneShotFired(ctx, rec.ID)
		}
	}
}

// Subscribe streams session events until ctx is done. Slow subscribers drop events.
func (m *Manager) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
		close(ch)
	}()
	return ch
}

func (m *Manager) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("session subscriber lagging, event dropped", zap.String("type", ev.Type))
		}
	}
}
