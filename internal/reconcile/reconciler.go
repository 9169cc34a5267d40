package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/alarmsync/internal/config"
	"github.com/g960059/alarmsync/internal/logging"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/schedule"
	"github.com/g960059/alarmsync/internal/trigger"
)

type Action string

const (
	ActionNoop      Action = "noop"
	ActionInstall   Action = "install"
	ActionCancel    Action = "cancel"
	ActionReplace   Action = "replace"
	ActionForget    Action = "forget"
	ActionRearm     Action = "rearm"
	ActionNeedsNext Action = "needs_next"
	ActionFired     Action = "fired"
	ActionRelease   Action = "release"
	ActionSnooze    Action = "snooze"
	ActionSkip      Action = "skip"
)

const (
	SkipDisabled       = "disabled"
	SkipFilterMismatch = "filter_mismatch"
)

var ErrNoInventory = errors.New("adapter cannot list installed triggers")

// Instance is one installed native trigger as the reconciler last scheduled it.
type Instance struct {
	Key      string          `json:"key"`
	AlarmID  string          `json:"alarm_id"`
	Slot     string          `json:"slot,omitempty"`
	FireAtMs int64           `json:"fire_at_ms"`
	Payload  trigger.Payload `json:"payload"`
	Degraded []string        `json:"degraded,omitempty"`
}

// Outcome is the per-record result of one reconciliation step. Err is never swallowed.
type Outcome struct {
	AlarmID   string           `json:"alarm_id"`
	Action    Action           `json:"action"`
	Installed []trigger.Result `json:"installed,omitempty"`
	Cancelled []string         `json:"cancelled,omitempty"`
	Degraded  []string         `json:"degraded,omitempty"`
	Skipped   string           `json:"skipped,omitempty"`
	Err       error            `json:"-"`
}

func (o Outcome) Calls() int {
	return len(o.Installed) + len(o.Cancelled)
}

type entry struct {
	record    *model.AlarmRecord
	installed map[string]Instance
	// transient holds one-time instances (mail release, snooze) not derived from the schedule.
	transient map[string]Instance
	needsNext bool
	dirty     bool
}

func newEntry() *entry {
	return &entry{installed: map[string]Instance{}, transient: map[string]Instance{}}
}

func (e *entry) clone() *entry {
	if e == nil {
		return nil
	}
	out := newEntry()
	if e.record != nil {
		rec := *e.record
		out.record = &rec
	}
	for k, v := range e.installed {
		out.installed[k] = v
	}
	for k, v := range e.transient {
		out.transient[k] = v
	}
	out.needsNext = e.needsNext
	out.dirty = e.dirty
	return out
}

type idLockEntry struct {
	mu   sync.Mutex
	refs int
}

// Reconciler owns every native trigger. Its id → entry map is the authoritative record of
// what is installed and is private to this type.
type Reconciler struct {
	adapter     trigger.Adapter
	loc         *time.Location
	concurrency int
	snooze      time.Duration
	callTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	batchMu sync.Mutex

	lockMu sync.Mutex
	locks  map[string]*idLockEntry

	mu      sync.Mutex
	gen     uint64
	entries map[string]*entry
	onFired func(ctx context.Context, id string)
}

func NewReconciler(adapter trigger.Adapter, cfg config.Config, logger *zap.Logger) (*Reconciler, error) {
	if adapter == nil {
		return nil, fmt.Errorf("trigger adapter is nil")
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	concurrency := cfg.ReconcileConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reconciler{
		adapter:     adapter,
		loc:         loc,
		concurrency: concurrency,
		snooze:      cfg.SnoozeDuration,
		callTimeout: cfg.AdapterCallTimeout,
		logger:      logging.OrNop(logger),
		now:         time.Now,
		locks:       map[string]*idLockEntry{},
		entries:     map[string]*entry{},
	}, nil
}

// OnOneShotFired registers the hook called after a one-shot instance fires and its record
// enters needs-next. The hook runs outside the record lock.
func (r *Reconciler) OnOneShotFired(fn func(ctx context.Context, id string)) {
	r.mu.Lock()
	r.onFired = fn
	r.mu.Unlock()
}

func (r *Reconciler) Platform() model.Platform {
	return r.adapter.Platform()
}

// Reconcile applies one observed change. The bookkeeping map, not previous, decides what is
// installed, so replaying an identical pair makes no adapter calls.
func (r *Reconciler) Reconcile(ctx context.Context, previous, current *model.AlarmRecord) Outcome {
	id := changeID(previous, current)
	if id == "" {
		return Outcome{Action: ActionNoop, Err: fmt.Errorf("%w: change without record id", model.ErrInvalid)}
	}
	unlock := r.lockID(id)
	defer unlock()
	return r.reconcileLocked(ctx, id, current, false)
}

// ApplyBatch reconciles one stream batch to completion. Batches never overlap; records inside
// a batch run concurrently while changes of the same id keep their order.
func (r *Reconciler) ApplyBatch(ctx context.Context, batch model.Batch) []Outcome {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	outcomes := make([]Outcome, len(batch.Changes))
	order := make([]string, 0, len(batch.Changes))
	byID := make(map[string][]int, len(batch.Changes))
	for i, ch := range batch.Changes {
		id := ch.ID()
		if _, ok := byID[id]; !ok {
			order = append(order, id)
		}
		byID[id] = append(byID[id], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range order {
		idxs := byID[id]
		g.Go(func() error {
			for _, i := range idxs {
				ch := batch.Changes[i]
				outcomes[i] = r.Reconcile(gctx, ch.Previous, ch.Current)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		r.logOutcome(out)
	}
	return outcomes
}

func (r *Reconciler) reconcileLocked(ctx context.Context, id string, current *model.AlarmRecord, repair bool) Outcome {
	gen, e := r.load(id)
	out := Outcome{AlarmID: id, Action: ActionNoop}

	if current == nil {
		if e == nil {
			return out
		}
		out.Action = ActionForget
		var errs []error
		for _, inst := range sortedInstances(e.installed, e.transient) {
			if err := r.cancel(ctx, inst.Key); err != nil {
				errs = append(errs, err)
				continue
			}
			out.Cancelled = append(out.Cancelled, inst.Key)
			delete(e.installed, inst.Key)
			delete(e.transient, inst.Key)
		}
		if len(errs) == 0 {
			r.commit(gen, id, nil)
			return out
		}
		// Failed cancels stay tracked without a record so Sweep can retry them.
		e.record = nil
		e.dirty = true
		out.Err = errors.Join(errs...)
		r.commit(gen, id, e)
		return out
	}

	if e == nil {
		e = newEntry()
	}
	if !repair && e.record != nil && !e.dirty && e.record.SameContent(*current) {
		e.record = copyRecord(current)
		r.commit(gen, id, e)
		return out
	}

	contentChanged := e.record == nil || !e.record.SameContent(*current)
	if contentChanged && e.record != nil {
		// An entry without a record keeps needs-next from a fire seen before adoption.
		e.needsNext = false
	}
	replace := !repair && e.record != nil && contentChanged

	var errs []error
	desired := map[string]Instance{}
	if !e.needsNext {
		d, err := r.desired(current)
		if err != nil {
			errs = append(errs, err)
		} else {
			desired = d
		}
	}

	if current.Kind == model.KindMail && !current.Enabled {
		for key := range e.transient {
			if _, slot := SplitKey(key); slot != SlotMail {
				continue
			}
			if err := r.cancel(ctx, key); err != nil {
				errs = append(errs, err)
				continue
			}
			out.Cancelled = append(out.Cancelled, key)
			delete(e.transient, key)
		}
	}

	keep := map[string]bool{}
	if !replace {
		nowMs := r.now().UnixMilli()
		for key, inst := range e.installed {
			d, ok := desired[key]
			if !ok || !r.sameDelivery(ctx, d.Payload, inst.Payload) {
				continue
			}
			switch {
			case d.FireAtMs == inst.FireAtMs:
				d.Degraded = inst.Degraded
				e.installed[key] = d
				keep[key] = true
			case inst.FireAtMs <= nowMs:
				// Due but not delivered yet; HandleFired re-arms or retires it.
				keep[key] = true
			}
		}
	}
	for _, inst := range sortedInstances(e.installed) {
		if keep[inst.Key] {
			continue
		}
		if err := r.cancel(ctx, inst.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		out.Cancelled = append(out.Cancelled, inst.Key)
		delete(e.installed, inst.Key)
	}
	for _, inst := range sortedInstances(desired) {
		if keep[inst.Key] {
			continue
		}
		res, err := r.schedule(ctx, inst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		inst.Degraded = res.Reasons
		e.installed[inst.Key] = inst
		out.Installed = append(out.Installed, res)
		out.Degraded = appendUnique(out.Degraded, res.Reasons...)
	}

	e.record = copyRecord(current)
	e.dirty = len(errs) > 0
	out.Err = errors.Join(errs...)
	out.Action = actionFor(out)
	r.commit(gen, id, e)
	return out
}

func (r *Reconciler) desired(rec *model.AlarmRecord) (map[string]Instance, error) {
	out := map[string]Instance{}
	if !rec.Enabled || rec.Kind != model.KindNormal || rec.Schedule == nil {
		return out, nil
	}
	occ, err := schedule.Upcoming(*rec.Schedule, r.now(), r.loc)
	if err != nil {
		return nil, fmt.Errorf("compute fire times %s: %w", rec.ID, err)
	}
	payload := trigger.PayloadFor(*rec)
	for _, o := range occ {
		key := Key(rec.ID, string(o.Day))
		out[key] = Instance{Key: key, AlarmID: rec.ID, Slot: string(o.Day), FireAtMs: o.At.UnixMilli(), Payload: payload}
	}
	return out, nil
}

func (r *Reconciler) schedule(ctx context.Context, inst Instance) (trigger.Result, error) {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	res, err := r.adapter.Schedule(callCtx, inst.Key, inst.FireAtMs, inst.Payload)
	if err != nil {
		return trigger.Result{}, fmt.Errorf("schedule %s: %w", inst.Key, err)
	}
	if res.Key == "" {
		res.Key = inst.Key
		res.FireAtMs = inst.FireAtMs
	}
	return res, nil
}

// sameDelivery reports whether an installed payload have already delivers want. Adapters
// that shape payloads are compared on what they would install, so a critical request
// delivered as a standard notification still matches.
func (r *Reconciler) sameDelivery(ctx context.Context, want, have trigger.Payload) bool {
	if want.SameDelivery(have) {
		return true
	}
	shaper, ok := r.adapter.(trigger.Shaper)
	if !ok || want.Critical == have.Critical {
		return false
	}
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	a, err := shaper.Deliverable(callCtx, want)
	if err != nil {
		return false
	}
	b, err := shaper.Deliverable(callCtx, have)
	if err != nil {
		return false
	}
	return a.SameDelivery(b)
}

func (r *Reconciler) cancel(ctx context.Context, key string) error {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	if err := r.adapter.Cancel(callCtx, key); err != nil {
		return fmt.Errorf("cancel %s: %w", key, err)
	}
	return nil
}

func (r *Reconciler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.callTimeout)
}

func (r *Reconciler) load(id string) (uint64, *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen, r.entries[id].clone()
}

// commit stores e for id unless Reset ran since load. A nil e discards the entry.
func (r *Reconciler) commit(gen uint64, id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return
	}
	if e == nil {
		delete(r.entries, id)
		return
	}
	r.entries[id] = e
}

func (r *Reconciler) lockID(id string) func() {
	r.lockMu.Lock()
	le, ok := r.locks[id]
	if !ok {
		le = &idLockEntry{}
		r.locks[id] = le
	}
	le.refs++
	r.lockMu.Unlock()

	le.mu.Lock()
	return func() {
		le.mu.Unlock()
		r.lockMu.Lock()
		le.refs--
		if le.refs == 0 {
			delete(r.locks, id)
		}
		r.lockMu.Unlock()
	}
}

func (r *Reconciler) logOutcome(out Outcome) {
	if out.Err != nil {
		r.logger.Warn("reconcile failed",
			zap.String("alarm_id", out.AlarmID),
			zap.String("action", string(out.Action)),
			zap.Error(out.Err))
		return
	}
	if out.Calls() == 0 {
		return
	}
	r.logger.Debug("reconciled",
		zap.String("alarm_id", out.AlarmID),
		zap.String("action", string(out.Action)),
		zap.Int("installed", len(out.Installed)),
		zap.Int("cancelled", len(out.Cancelled)),
		zap.Strings("degraded", out.Degraded))
}

func actionFor(out Outcome) Action {
	switch {
	case len(out.Installed) > 0 && len(out.Cancelled) > 0:
		return ActionReplace
	case len(out.Installed) > 0:
		return ActionInstall
	case len(out.Cancelled) > 0:
		return ActionCancel
	default:
		return ActionNoop
	}
}

func changeID(previous, current *model.AlarmRecord) string {
	if current != nil {
		return current.ID
	}
	if previous != nil {
		return previous.ID
	}
	return ""
}

func copyRecord(rec *model.AlarmRecord) *model.AlarmRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	return &out
}

func sortedInstances(sets ...map[string]Instance) []Instance {
	out := make([]Instance, 0)
	for _, set := range sets {
		for _, inst := range set {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, have := range dst {
			if have == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
