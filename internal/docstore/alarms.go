package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/g960059/alarmsync/internal/model"
)

// InsertAlarm stores a new document. CreatedAt and UpdatedAt are assigned by the store.
func (s *Store) InsertAlarm(ctx context.Context, rec model.AlarmRecord) (model.AlarmRecord, error) {
	at := s.stamp()
	rec.CreatedAt = fromStamp(at)
	rec.UpdatedAt = rec.CreatedAt
	doc, err := json.Marshal(rec)
	if err != nil {
		return model.AlarmRecord{}, fmt.Errorf("encode alarm: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO alarms (id, owner_id, doc, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`), rec.ID, rec.OwnerID, string(doc), 1, at, at)
	if err != nil {
		if isUniqueViolation(err) {
			return model.AlarmRecord{}, ErrAlreadyExists
		}
		return model.AlarmRecord{}, fmt.Errorf("insert alarm: %w", err)
	}
	s.publish(ctx, rec.OwnerID)
	return rec, nil
}

// ReplaceAlarm overwrites the document with the same id and owner. The stored created_at
// is kept.
func (s *Store) ReplaceAlarm(ctx context.Context, rec model.AlarmRecord) (model.AlarmRecord, error) {
	var createdAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT created_at FROM alarms WHERE id = ? AND owner_id = ?`), rec.ID, rec.OwnerID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AlarmRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AlarmRecord{}, fmt.Errorf("lookup alarm: %w", err)
	}
	at := s.stamp()
	rec.CreatedAt = fromStamp(createdAt)
	rec.UpdatedAt = fromStamp(at)
	doc, err := json.Marshal(rec)
	if err != nil {
		return model.AlarmRecord{}, fmt.Errorf("encode alarm: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE alarms SET doc = ?, version = version + 1, updated_at = ?
WHERE id = ? AND owner_id = ?`), string(doc), at, rec.ID, rec.OwnerID)
	if err != nil {
		return model.AlarmRecord{}, fmt.Errorf("update alarm: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.AlarmRecord{}, ErrNotFound
	}
	s.publish(ctx, rec.OwnerID)
	return rec, nil
}

func (s *Store) DeleteAlarm(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM alarms WHERE id = ? AND owner_id = ?`), id, ownerID)
	if err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete alarm rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.publish(ctx, ownerID)
	return nil
}

// GetAlarm returns the document by id regardless of owner; callers check ownership.
func (s *Store) GetAlarm(ctx context.Context, id string) (model.AlarmRecord, error) {
	var (
		doc                  string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc, created_at, updated_at FROM alarms WHERE id = ?`), id).Scan(&doc, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AlarmRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AlarmRecord{}, fmt.Errorf("get alarm: %w", err)
	}
	return decodeAlarm(doc, createdAt, updatedAt)
}

// ListAlarms returns every document of owner in creation order.
func (s *Store) ListAlarms(ctx context.Context, ownerID string) ([]model.AlarmRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT doc, created_at, updated_at FROM alarms
WHERE owner_id = ?
ORDER BY created_at ASC, id ASC`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	defer rows.Close()

	out := make([]model.AlarmRecord, 0)
	for rows.Next() {
		var (
			doc                  string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&doc, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		rec, err := decodeAlarm(doc, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter alarms: %w", err)
	}
	return out, nil
}

func decodeAlarm(doc string, createdAt, updatedAt int64) (model.AlarmRecord, error) {
	var rec model.AlarmRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return model.AlarmRecord{}, fmt.Errorf("decode alarm: %w", err)
	}
	rec.CreatedAt = fromStamp(createdAt)
	rec.UpdatedAt = fromStamp(updatedAt)
	return rec, nil
}
