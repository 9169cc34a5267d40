package alarms

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/model"
)

// Stream delivers ordered change batches for one owner. Batches are sent one at a time;
// the next is computed only after the consumer took the previous one.
type Stream struct {
	owner   string
	batches chan model.Batch
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
}

func (st *Stream) Owner() string { return st.owner }

func (st *Stream) Batches() <-chan model.Batch { return st.batches }

// Done is closed once the stream has stopped; Batches is closed right after.
func (st *Stream) Done() <-chan struct{} { return st.done }

func (st *Stream) Close() {
	st.once.Do(func() {
		st.cancel()
	})
}

// List opens a live stream for the current owner. The first batch holds the full snapshot
// as creates. A signed-out store yields one empty batch and stays open until closed or
// rescoped.
func (s *Store) List(ctx context.Context) (*Stream, error) {
	owner, _ := s.Owner()
	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		owner:   owner,
		batches: make(chan model.Batch),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	var (
		signals     <-chan struct{}
		unsubscribe = func() {}
	)
	if owner != "" {
		var err error
		signals, unsubscribe, err = s.backend.Changes(ctx, owner)
		if err != nil {
			cancel()
			return nil, classify("subscribe alarms", err)
		}
	}

	s.mu.Lock()
	if s.owner != owner {
		s.mu.Unlock()
		unsubscribe()
		cancel()
		return nil, model.NewError(model.KindConflict, "subscribe alarms", errRescoped)
	}
	s.streams[st] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			unsubscribe()
			s.mu.Lock()
			delete(s.streams, st)
			s.mu.Unlock()
			close(st.done)
			close(st.batches)
		}()
		s.run(ctx, st, signals)
	}()
	return st, nil
}

func (s *Store) run(ctx context.Context, st *Stream, signals <-chan struct{}) {
	var seq int64
	emit := func(b model.Batch) bool {
		seq++
		b.Seq = seq
		b.OwnerID = st.owner
		select {
		case st.batches <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if st.owner == "" {
		if !emit(model.Batch{Snapshot: []model.AlarmRecord{}}) {
			return
		}
		<-ctx.Done()
		return
	}

	var tick <-chan time.Time
	if s.resync > 0 {
		ticker := time.NewTicker(s.resync)
		defer ticker.Stop()
		tick = ticker.C
	}

	known := map[string]model.AlarmRecord{}
	first := true
	for {
		recs, err := s.backend.ListAlarms(ctx, st.owner)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			s.logger.Warn("alarm stream refresh failed", zap.Error(err))
		default:
			changes := diff(known, recs)
			if first || len(changes) > 0 {
				if !emit(model.Batch{Snapshot: recs, Changes: changes}) {
					return
				}
				first = false
			}
			known = make(map[string]model.AlarmRecord, len(recs))
			for _, rec := range recs {
				known[rec.ID] = rec
			}
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				signals = nil
			}
		case <-tick:
		}
	}
}

// diff turns two snapshots into ordered changes: creates and updates in list order, then
// deletes by id.
func diff(known map[string]model.AlarmRecord, recs []model.AlarmRecord) []model.Change {
	changes := make([]model.Change, 0)
	seen := make(map[string]struct{}, len(recs))
	for i := range recs {
		cur := recs[i]
		seen[cur.ID] = struct{}{}
		prev, ok := known[cur.ID]
		switch {
		case !ok:
			changes = append(changes, model.Change{Current: &cur})
		case !prev.SameContent(cur) || !prev.UpdatedAt.Equal(cur.UpdatedAt):
			p := prev
			changes = append(changes, model.Change{Previous: &p, Current: &cur})
		}
	}
	gone := make([]string, 0)
	for id := range known {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		prev := known[id]
		changes = append(changes, model.Change{Previous: &prev})
	}
	return changes
}
