package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/db"
	"github.com/g960059/alarmsync/internal/logging"
	"github.com/g960059/alarmsync/internal/model"
	"github.com/g960059/alarmsync/internal/security"
)

// OnboardingFlag is the persisted device flag written by CompleteOnboarding.
const OnboardingFlag = "hasCompletedOnboarding"

var ErrAlreadyStarted = errors.New("auth resolver already started")

type IdentityProvider interface {
	Subscribe(fn func(*model.Identity)) (func(), error)
	SignIn(ctx context.Context, cred model.Credential) (model.Identity, error)
	SignUp(ctx context.Context, cred model.Credential) (model.Identity, error)
	SignOut(ctx context.Context) error
	Current() *model.Identity
}

type FlagStore interface {
	GetFlag(ctx context.Context, key string) (bool, error)
	SetFlag(ctx context.Context, key string, value bool) error
}

type ProfileStore interface {
	EnsureProfile(ctx context.Context, id, email string) (model.Profile, error)
}

// Resolver owns the process-wide AuthState. It is the only writer of that value.
type Resolver struct {
	identity IdentityProvider
	flags    FlagStore
	profiles ProfileStore
	logger   *zap.Logger

	// proc serializes identity fires and the explicit operations.
	proc      sync.Mutex
	baseCtx   context.Context
	stop      func()
	onboarded bool
	persisted bool

	mu       sync.RWMutex
	state    model.AuthState
	nextID   int
	watchers map[int]chan model.AuthState
}

func NewResolver(identity IdentityProvider, flags FlagStore, profiles ProfileStore, logger *zap.Logger) *Resolver {
	return &Resolver{
		identity: identity,
		flags:    flags,
		profiles: profiles,
		logger:   logging.OrNop(logger),
		state:    model.AuthState{Status: model.AuthLoading},
		watchers: map[int]chan model.AuthState{},
	}
}

// Start registers the identity listener. A registration failure is returned to the caller
// and the resolver stays in loading.
func (r *Resolver) Start(ctx context.Context) error {
	r.proc.Lock()
	if r.stop != nil {
		r.proc.Unlock()
		return ErrAlreadyStarted
	}
	r.baseCtx = ctx
	r.proc.Unlock()

	stop, err := r.identity.Subscribe(r.onIdentity)
	if err != nil {
		return fmt.Errorf("register identity listener: %w", err)
	}
	r.proc.Lock()
	r.stop = stop
	r.proc.Unlock()
	return nil
}

func (r *Resolver) Stop() {
	r.proc.Lock()
	stop := r.stop
	r.stop = nil
	r.proc.Unlock()
	if stop != nil {
		stop()
	}
}

func (r *Resolver) State() model.AuthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyState(r.state)
}

// Watch delivers the current state and then the latest state after each transition.
// Slow readers skip intermediate values. The channel closes when ctx is done.
func (r *Resolver) Watch(ctx context.Context) <-chan model.AuthState {
	ch := make(chan model.AuthState, 1)
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.watchers[id] = ch
	ch <- copyState(r.state)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, id)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

func (r *Resolver) Login(ctx context.Context, cred model.Credential) (model.AuthState, error) {
	ident, err := r.identity.SignIn(ctx, cred)
	if err != nil {
		return r.State(), fmt.Errorf("sign in: %w", err)
	}
	return r.sync(ctx, &ident)
}

func (r *Resolver) Register(ctx context.Context, cred model.Credential) (model.AuthState, error) {
	ident, err := r.identity.SignUp(ctx, cred)
	if err != nil {
		return r.State(), fmt.Errorf("sign up: %w", err)
	}
	return r.sync(ctx, &ident)
}

func (r *Resolver) Logout(ctx context.Context) (model.AuthState, error) {
	if err := r.identity.SignOut(ctx); err != nil {
		return r.State(), fmt.Errorf("sign out: %w", err)
	}
	return r.sync(ctx, nil)
}

// CompleteOnboarding persists the onboarding flag once and leaves first launch. A write
// failure is returned but the state still moves on as if the write had succeeded.
func (r *Resolver) CompleteOnboarding(ctx context.Context) (model.AuthState, error) {
	r.proc.Lock()
	defer r.proc.Unlock()

	var writeErr error
	if !r.persisted {
		if err := r.flags.SetFlag(ctx, OnboardingFlag, true); err != nil {
			r.logger.Warn("persist onboarding flag", zap.Error(err))
			writeErr = fmt.Errorf("persist onboarding flag: %w", err)
		} else {
			r.persisted = true
		}
	}
	r.onboarded = true
	if err := r.applyLocked(ctx, r.identity.Current()); err != nil {
		return r.State(), errors.Join(writeErr, err)
	}
	return r.State(), writeErr
}

func (r *Resolver) onIdentity(ident *model.Identity) {
	r.proc.Lock()
	defer r.proc.Unlock()
	ctx := r.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.applyLocked(ctx, ident); err != nil {
		r.logger.Error("resolve auth state", zap.Error(err))
	}
}

func (r *Resolver) sync(ctx context.Context, ident *model.Identity) (model.AuthState, error) {
	r.proc.Lock()
	defer r.proc.Unlock()
	err := r.applyLocked(ctx, ident)
	return r.State(), err
}

func (r *Resolver) applyLocked(ctx context.Context, ident *model.Identity) error {
	if !r.onboardingCompleteLocked(ctx) {
		r.publish(model.AuthState{Status: model.AuthFirstLaunch})
		return nil
	}
	if ident == nil {
		r.publish(model.AuthState{Status: model.AuthGuest})
		return nil
	}
	profile, err := r.profiles.EnsureProfile(ctx, ident.UID, ident.Email)
	if err != nil {
		r.publish(model.AuthState{Status: model.AuthGuest})
		return fmt.Errorf("sync profile %s: %w", ident.UID, err)
	}
	r.publish(model.AuthState{Status: model.AuthAuthenticated, Profile: &profile})
	return nil
}

func (r *Resolver) onboardingCompleteLocked(ctx context.Context) bool {
	if r.onboarded {
		return true
	}
	done, err := r.flags.GetFlag(ctx, OnboardingFlag)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return false
	case err != nil:
		r.logger.Warn("read onboarding flag, assuming completed", zap.Error(err))
		r.onboarded = true
		return true
	case done:
		r.onboarded = true
		r.persisted = true
		return true
	default:
		return false
	}
}

func (r *Resolver) publish(next model.AuthState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sameState(r.state, next) {
		return
	}
	r.state = copyState(next)
	for _, ch := range r.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- copyState(next)
	}
	fields := []zap.Field{zap.String("status", string(next.Status))}
	if next.Profile != nil {
		fields = append(fields, zap.String("owner", next.Profile.ID), zap.String("email", security.MaskEmail(next.Profile.Email)))
	}
	r.logger.Info("auth state", fields...)
}

func sameState(a, b model.AuthState) bool {
	if a.Status != b.Status {
		return false
	}
	if a.Profile == nil || b.Profile == nil {
		return a.Profile == nil && b.Profile == nil
	}
	return *a.Profile == *b.Profile
}

func copyState(s model.AuthState) model.AuthState {
	if s.Profile != nil {
		p := *s.Profile
		s.Profile = &p
	}
	return s
}
