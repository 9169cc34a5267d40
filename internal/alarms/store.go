package alarms

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/docstore"
	"github.com/g960059/alarmsync/internal/logging"
	"github.com/g960059/alarmsync/internal/model"
)

var errRescoped = errors.New("store rescoped during subscribe")

// Backend is the remote document store.
type Backend interface {
	InsertAlarm(ctx context.Context, rec model.AlarmRecord) (model.AlarmRecord, error)
	ReplaceAlarm(ctx context.Context, rec model.AlarmRecord) (model.AlarmRecord, error)
	DeleteAlarm(ctx context.Context, ownerID, id string) error
	GetAlarm(ctx context.Context, id string) (model.AlarmRecord, error)
	ListAlarms(ctx context.Context, ownerID string) ([]model.AlarmRecord, error)
	Changes(ctx context.Context, ownerID string) (<-chan struct{}, func(), error)
}

type Options struct {
	// Resync is the poll interval that backs up change signals. Zero disables polling.
	Resync time.Duration
	Logger *zap.Logger
}

// Store is the owner-scoped view of the remote alarm collection. Every read and write is
// bound to the owner set by Rescope; with no owner reads are empty and writes fail.
type Store struct {
	backend Backend
	resync  time.Duration
	logger  *zap.Logger
	newID   func() string

	mu      sync.Mutex
	owner   string
	streams map[*Stream]struct{}
}

func NewStore(backend Backend, opts Options) *Store {
	return &Store{
		backend: backend,
		resync:  opts.Resync,
		logger:  logging.OrNop(opts.Logger),
		newID:   uuid.NewString,
		streams: map[*Stream]struct{}{},
	}
}

// Rescope binds the store to owner ("" for signed out) and closes every open stream that
// belongs to someone else.
func (s *Store) Rescope(owner string) {
	s.mu.Lock()
	prev := s.owner
	s.owner = owner
	stale := make([]*Stream, 0)
	for st := range s.streams {
		if st.owner != owner {
			stale = append(stale, st)
		}
	}
	s.mu.Unlock()

	for _, st := range stale {
		st.Close()
	}
	if prev != owner {
		s.logger.Info("alarm store rescoped", zap.Bool("authenticated", owner != ""), zap.Int("closed_streams", len(stale)))
	}
}

// Owner returns the current scope.
func (s *Store) Owner() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner, s.owner != ""
}

func (s *Store) Create(ctx context.Context, draft model.Draft) (model.AlarmRecord, error) {
	owner, err := s.requireOwner("create alarm")
	if err != nil {
		return model.AlarmRecord{}, err
	}
	draft, err = draft.Normalize()
	if err != nil {
		return model.AlarmRecord{}, err
	}
	if draft.Enabled == nil {
		enabled := true
		draft.Enabled = &enabled
	}
	rec := draft.Apply(model.AlarmRecord{ID: s.newID(), OwnerID: owner})
	out, err := s.backend.InsertAlarm(ctx, rec)
	if err != nil {
		return model.AlarmRecord{}, classify("create alarm", err)
	}
	return out, nil
}

// Update replaces the editable fields of id. Enabled is kept when the draft leaves it unset.
func (s *Store) Update(ctx context.Context, id string, draft model.Draft) (model.AlarmRecord, error) {
	existing, err := s.owned(ctx, "update alarm", id)
	if err != nil {
		return model.AlarmRecord{}, err
	}
	draft, err = draft.Normalize()
	if err != nil {
		return model.AlarmRecord{}, err
	}
	out, err := s.backend.ReplaceAlarm(ctx, draft.Apply(existing))
	if err != nil {
		return model.AlarmRecord{}, classify("update alarm", err)
	}
	return out, nil
}

// SetEnabled changes only the enabled flag of id.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (model.AlarmRecord, error) {
	existing, err := s.owned(ctx, "toggle alarm", id)
	if err != nil {
		return model.AlarmRecord{}, err
	}
	if existing.Enabled == enabled {
		return existing, nil
	}
	existing.Enabled = enabled
	out, err := s.backend.ReplaceAlarm(ctx, existing)
	if err != nil {
		return model.AlarmRecord{}, classify("toggle alarm", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	existing, err := s.owned(ctx, "delete alarm", id)
	if err != nil {
		return err
	}
	if err := s.backend.DeleteAlarm(ctx, existing.OwnerID, id); err != nil {
		return classify("delete alarm", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (model.AlarmRecord, error) {
	return s.owned(ctx, "get alarm", id)
}

// Snapshot reads the current owner's records once. Signed out yields an empty list.
func (s *Store) Snapshot(ctx context.Context) ([]model.AlarmRecord, error) {
	owner, ok := s.Owner()
	if !ok {
		return []model.AlarmRecord{}, nil
	}
	recs, err := s.backend.ListAlarms(ctx, owner)
	if err != nil {
		return nil, classify("list alarms", err)
	}
	return recs, nil
}

func (s *Store) requireOwner(op string) (string, error) {
	owner, ok := s.Owner()
	if !ok {
		return "", model.NewError(model.KindPermission, op, model.ErrUnauthenticated)
	}
	return owner, nil
}

func (s *Store) owned(ctx context.Context, op, id string) (model.AlarmRecord, error) {
	owner, err := s.requireOwner(op)
	if err != nil {
		return model.AlarmRecord{}, err
	}
	if id == "" {
		return model.AlarmRecord{}, fmt.Errorf("%s: %w: empty id", op, model.ErrInvalid)
	}
	rec, err := s.backend.GetAlarm(ctx, id)
	if err != nil {
		return model.AlarmRecord{}, classify(op, err)
	}
	if rec.OwnerID != owner {
		return model.AlarmRecord{}, model.NewError(model.KindPermission, op, fmt.Errorf("alarm %s belongs to another user", id))
	}
	return rec, nil
}

// classify maps backend failures onto the error taxonomy. Unknown errors pass through wrapped.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return model.NewError(model.KindConflict, op, fmt.Errorf("%w: %w", model.ErrNotFound, err))
	case errors.Is(err, docstore.ErrAlreadyExists):
		return fmt.Errorf("%s: %w", op, model.ErrAlreadyExists)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.Is(err, context.DeadlineExceeded):
		return model.NewError(model.KindTransient, op, err)
	}
	if kind, ok := model.KindOf(err); ok {
		return model.NewError(kind, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
