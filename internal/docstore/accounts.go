package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/alarmsync/internal/model"
)

// Account is a credential account of the identity provider.
type Account struct {
	UID          string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

func (s *Store) CreateAccount(ctx context.Context, acct Account) (Account, error) {
	at := s.stamp()
	acct.Email = normalizeEmail(acct.Email)
	acct.CreatedAt = fromStamp(at)
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO accounts (uid, email, password_hash, created_at)
VALUES (?, ?, ?, ?)`), acct.UID, acct.Email, acct.PasswordHash, at)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrAlreadyExists
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (Account, error) {
	return s.queryAccount(ctx, `SELECT uid, email, password_hash, created_at FROM accounts WHERE email = ?`, normalizeEmail(email))
}

func (s *Store) AccountByUID(ctx context.Context, uid string) (Account, error) {
	return s.queryAccount(ctx, `SELECT uid, email, password_hash, created_at FROM accounts WHERE uid = ?`, uid)
}

func (s *Store) queryAccount(ctx context.Context, query string, arg string) (Account, error) {
	var (
		acct      Account
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), arg).Scan(&acct.UID, &acct.Email, &acct.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	acct.CreatedAt = fromStamp(createdAt)
	return acct, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (model.Profile, error) {
	var (
		p         model.Profile
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, email, created_at FROM profiles WHERE id = ?`), id).Scan(&p.ID, &p.Email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, ErrNotFound
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	p.CreatedAt = fromStamp(createdAt)
	return p, nil
}

// EnsureProfile returns the profile keyed by identity id, creating it on first sight.
func (s *Store) EnsureProfile(ctx context.Context, id, email string) (model.Profile, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO profiles (id, email, created_at)
VALUES (?, ?, ?)
ON CONFLICT(id) DO NOTHING`), id, normalizeEmail(email), s.stamp())
	if err != nil {
		return model.Profile{}, fmt.Errorf("ensure profile: %w", err)
	}
	return s.GetProfile(ctx, id)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
