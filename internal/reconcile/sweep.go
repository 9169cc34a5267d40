package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/trigger"
)

// SweepReport summarizes a full reconciliation against the platform inventory.
type SweepReport struct {
	Inventory bool      `json:"inventory"`
	Lost      []string  `json:"lost,omitempty"`
	Orphans   []string  `json:"orphans,omitempty"`
	Repaired  []Outcome `json:"repaired,omitempty"`
	Err       error     `json:"-"`
}

// Failed returns the outcomes that carry an error.
func (s SweepReport) Failed() []Outcome {
	out := make([]Outcome, 0)
	for _, o := range s.Repaired {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Sweep brings the installed triggers in line with records, the full current record list.
// Instances the platform no longer holds are forgotten, triggers nobody tracks are
// cancelled and enabled records missing their triggers are reinstalled. Records in
// needs-next are left alone.
func (r *Reconciler) Sweep(ctx context.Context, records []model.AlarmRecord) SweepReport {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	report := SweepReport{}
	var errs []error

	inv, hasInv, err := r.inventory(ctx)
	if err != nil {
		errs = append(errs, err)
		hasInv = false
	}
	report.Inventory = hasInv
	live := map[string]trigger.Installed{}
	for _, it := range inv {
		live[it.Key] = it
	}

	if hasInv {
		for _, id := range r.trackedIDs() {
			report.Lost = append(report.Lost, r.forgetLost(id, live)...)
		}
	}

	present := make(map[string]bool, len(records))
	touched := map[string]bool{}
	note := func(out Outcome) {
		for _, key := range out.Cancelled {
			touched[key] = true
		}
		if out.Calls() > 0 || out.Err != nil {
			report.Repaired = append(report.Repaired, out)
		}
	}
	for i := range records {
		rec := records[i]
		present[rec.ID] = true
		unlock := r.lockID(rec.ID)
		out := r.reconcileLocked(ctx, rec.ID, &rec, true)
		unlock()
		note(out)
	}
	for _, id := range r.trackedIDs() {
		if present[id] {
			continue
		}
		unlock := r.lockID(id)
		out := r.reconcileLocked(ctx, id, nil, true)
		unlock()
		note(out)
	}

	if hasInv {
		keys := make([]string, 0, len(live))
		for key := range live {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if touched[key] || r.tracked(key) {
				continue
			}
			if err := r.cancel(ctx, key); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Orphans = append(report.Orphans, key)
		}
	}

	report.Err = errors.Join(errs...)
	r.logger.Info("sweep complete",
		zap.Bool("inventory", report.Inventory),
		zap.Int("lost", len(report.Lost)),
		zap.Int("orphans", len(report.Orphans)),
		zap.Int("repaired", len(report.Repaired)),
		zap.Int("failed", len(report.Failed())))
	return report
}

// Rebuild replaces the bookkeeping with the platform inventory. Entries come back without
// a record; the next change or sweep for each id adopts the matching triggers. One-shots
// already in needs-next stay there.
func (r *Reconciler) Rebuild(ctx context.Context) (int, error) {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	inv, ok, err := r.inventory(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoInventory
	}

	entries := map[string]*entry{}
	for _, it := range inv {
		id, slot := SplitKey(it.Key)
		if id == "" {
			continue
		}
		e := entries[id]
		if e == nil {
			e = newEntry()
			entries[id] = e
		}
		inst := Instance{Key: it.Key, AlarmID: id, Slot: slot, FireAtMs: it.FireAtMs, Payload: it.Payload}
		inst.Payload.AlarmID = id
		if transientSlot(slot) {
			e.transient[it.Key] = inst
		} else {
			e.installed[it.Key] = inst
		}
	}

	r.mu.Lock()
	for id, old := range r.entries {
		if !old.needsNext {
			continue
		}
		e := entries[id]
		if e == nil {
			e = newEntry()
			entries[id] = e
		}
		e.needsNext = true
	}
	r.gen++
	r.entries = entries
	r.mu.Unlock()
	r.logger.Info("bookkeeping rebuilt from inventory", zap.Int("triggers", len(inv)))
	return len(inv), nil
}

// Reset clears the bookkeeping. Installed triggers are left in place and fired one-shots
// keep only their needs-next mark.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := map[string]*entry{}
	for id, e := range r.entries {
		if e.needsNext {
			marker := newEntry()
			marker.needsNext = true
			kept[id] = marker
		}
	}
	r.gen++
	r.entries = kept
}

// Status is a copy of the bookkeeping for display.
type Status struct {
	Instances []Instance `json:"instances"`
	NeedsNext []string   `json:"needs_next,omitempty"`
}

func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Instances: make([]Instance, 0)}
	for id, e := range r.entries {
		st.Instances = append(st.Instances, sortedInstances(e.installed, e.transient)...)
		if e.needsNext {
			st.NeedsNext = append(st.NeedsNext, id)
		}
	}
	sort.Slice(st.Instances, func(i, j int) bool { return st.Instances[i].Key < st.Instances[j].Key })
	sort.Strings(st.NeedsNext)
	return st
}

func (r *Reconciler) Tracked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Reconciler) inventory(ctx context.Context) ([]trigger.Installed, bool, error) {
	lister, ok := r.adapter.(trigger.Inventory)
	if !ok {
		return nil, false, nil
	}
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	inv, err := lister.Installed(callCtx)
	if err != nil {
		return nil, true, fmt.Errorf("list installed triggers: %w", err)
	}
	return inv, true, nil
}

func (r *Reconciler) forgetLost(id string, live map[string]trigger.Installed) []string {
	unlock := r.lockID(id)
	defer unlock()
	gen, e := r.load(id)
	if e == nil {
		return nil
	}
	lost := make([]string, 0)
	for key := range e.installed {
		if _, ok := live[key]; !ok {
			lost = append(lost, key)
			delete(e.installed, key)
		}
	}
	for key := range e.transient {
		if _, ok := live[key]; !ok {
			lost = append(lost, key)
			delete(e.transient, key)
		}
	}
	if len(lost) == 0 {
		return nil
	}
	if e.record == nil && len(e.installed) == 0 && len(e.transient) == 0 {
		r.commit(gen, id, nil)
	} else {
		r.commit(gen, id, e)
	}
	sort.Strings(lost)
	return lost
}

func (r *Reconciler) trackedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Reconciler) tracked(key string) bool {
	id, _ := SplitKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if _, ok := e.installed[key]; ok {
		return true
	}
	_, ok = e.transient[key]
	return ok
}
