package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/g960059/alarmsync/internal/db"
	"github.com/g960059/alarmsync/internal/docstore"
	"github.com/g960059/alarmsync/internal/logging"
	"github.com/g960059/alarmsync/internal/model"
)

const (
	secretKey         = "session_secret"
	minPasswordLength = 6
)

type AccountStore interface {
	CreateAccount(ctx context.Context, acct docstore.Account) (docstore.Account, error)
	AccountByEmail(ctx context.Context, email string) (docstore.Account, error)
	AccountByUID(ctx context.Context, uid string) (docstore.Account, error)
}

// SessionStore persists the signed session token on the device.
type SessionStore interface {
	SessionToken(ctx context.Context) (string, error)
	SetSessionToken(ctx context.Context, token string) error
	ClearSessionToken(ctx context.Context) error
}

type ValueStore interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
}

type Options struct {
	Secret     []byte
	TTL        time.Duration
	BcryptCost int
	Logger     *zap.Logger
}

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Provider is the credential identity provider. Sessions are HS256 tokens kept in the
// device store so a restart restores the signed-in identity.
type Provider struct {
	accounts AccountStore
	sessions SessionStore
	secret   []byte
	ttl      time.Duration
	cost     int
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	current   *model.Identity
	nextID    int
	listeners map[int]func(*model.Identity)
}

func NewProvider(accounts AccountStore, sessions SessionStore, opts Options) (*Provider, error) {
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("identity secret is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &Provider{
		accounts:  accounts,
		sessions:  sessions,
		secret:    append([]byte(nil), opts.Secret...),
		ttl:       opts.TTL,
		cost:      opts.BcryptCost,
		logger:    logging.OrNop(opts.Logger),
		now:       time.Now,
		listeners: map[int]func(*model.Identity){},
	}, nil
}

// LoadSecret returns configured when set, otherwise the device-persisted secret, generating
// one on first use.
func LoadSecret(ctx context.Context, values ValueStore, configured string) ([]byte, error) {
	if strings.TrimSpace(configured) != "" {
		return []byte(configured), nil
	}
	raw, err := values.GetValue(ctx, secretKey)
	if err == nil && raw != "" {
		return []byte(raw), nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("read session secret: %w", err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	raw = hex.EncodeToString(buf)
	if err := values.SetValue(ctx, secretKey, raw); err != nil {
		return nil, fmt.Errorf("persist session secret: %w", err)
	}
	return []byte(raw), nil
}

// Restore loads the persisted session. An expired or unreadable token, or one whose
// account no longer exists, is discarded and the provider stays signed out. Any other
// account lookup failure keeps the token and returns a transient error.
func (p *Provider) Restore(ctx context.Context) error {
	raw, err := p.sessions.SessionToken(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	ident, err := p.parse(raw)
	if err == nil {
		_, err = p.accounts.AccountByUID(ctx, ident.UID)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return model.NewError(model.KindTransient, "restore session", fmt.Errorf("lookup account: %w", err))
		}
	}
	if err != nil {
		p.logger.Info("discard stored session", zap.Error(err))
		if clearErr := p.sessions.ClearSessionToken(ctx); clearErr != nil {
			return fmt.Errorf("clear stale session: %w", clearErr)
		}
		return nil
	}
	p.set(&ident)
	return nil
}

func (p *Provider) SignIn(ctx context.Context, cred model.Credential) (model.Identity, error) {
	acct, err := p.accounts.AccountByEmail(ctx, cred.Email)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.Identity{}, model.ErrCredentials
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("lookup account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(cred.Password)); err != nil {
		return model.Identity{}, model.ErrCredentials
	}
	ident := model.Identity{UID: acct.UID, Email: acct.Email}
	if err := p.persist(ctx, ident); err != nil {
		return model.Identity{}, err
	}
	p.set(&ident)
	return ident, nil
}

func (p *Provider) SignUp(ctx context.Context, cred model.Credential) (model.Identity, error) {
	email := strings.TrimSpace(cred.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return model.Identity{}, fmt.Errorf("%w: email %q", model.ErrInvalid, cred.Email)
	}
	if len(cred.Password) < minPasswordLength {
		return model.Identity{}, fmt.Errorf("%w: password must be at least %d characters", model.ErrInvalid, minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), p.cost)
	if err != nil {
		return model.Identity{}, fmt.Errorf("hash password: %w", err)
	}
	acct, err := p.accounts.CreateAccount(ctx, docstore.Account{UID: uuid.NewString(), Email: email, PasswordHash: string(hash)})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return model.Identity{}, fmt.Errorf("%w: email already registered", model.ErrAlreadyExists)
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("create account: %w", err)
	}
	ident := model.Identity{UID: acct.UID, Email: acct.Email}
	if err := p.persist(ctx, ident); err != nil {
		return model.Identity{}, err
	}
	p.set(&ident)
	return ident, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	if err := p.sessions.ClearSessionToken(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	p.set(nil)
	return nil
}

func (p *Provider) Current() *model.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	ident := *p.current
	return &ident
}

// Subscribe calls fn with the current identity right away and after every change. A nil
// identity means signed out.
func (p *Provider) Subscribe(fn func(*model.Identity)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("identity listener is nil")
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	current := copyIdentity(p.current)
	p.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}, nil
}

func (p *Provider) set(ident *model.Identity) {
	p.mu.Lock()
	p.current = copyIdentity(ident)
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*model.Identity), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(copyIdentity(ident))
	}
}

func (p *Provider) persist(ctx context.Context, ident model.Identity) error {
	now := p.now()
	claims := sessionClaims{
		Email: ident.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}
	if err := p.sessions.SetSessionToken(ctx, signed); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (p *Provider) parse(raw string) (model.Identity, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now))
	if err != nil {
		return model.Identity{}, fmt.Errorf("parse session: %w", err)
	}
	if claims.Subject == "" {
		return model.Identity{}, fmt.Errorf("parse session: missing subject")
	}
	return model.Identity{UID: claims.Subject, Email: claims.Email}, nil
}

func copyIdentity(ident *model.Identity) *model.Identity {
	if ident == nil {
		return nil
	}
	out := *ident
	return &out
}
