// Package audit persists terminal guard rejections for compliance review.
// Records carry the route key, the rejection kind, and a salted hash of the
// principal; request bodies and signature headers are structurally absent.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tripguard/pkg/guard"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
}

// EnsureSchema creates the rejection table if it does not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS guard_rejections (
			decision_id TEXT PRIMARY KEY,
			route_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			principal_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	return nil
}

// AppendRejection implements guard.Auditor. The principal hash is re-salted
// so the stored value cannot be joined against other datasets.
func (w *Writer) AppendRejection(ctx context.Context, rec guard.RejectionRecord) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO guard_rejections (decision_id, route_key, kind, principal_hash, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (decision_id) DO NOTHING
	`, rec.DecisionID, rec.RouteKey, rec.Kind, w.saltedHash(rec.PrincipalHash), rec.At)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// Record is the stored form returned by Get.
type Record struct {
	DecisionID    string
	RouteKey      string
	Kind          string
	PrincipalHash string
	CreatedAt     time.Time
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, route_key, kind, principal_hash, created_at
		FROM guard_rejections WHERE decision_id=$1
	`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.RouteKey, &rec.Kind, &rec.PrincipalHash, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// DeleteOlderThan trims the trail on the retention schedule and returns how
// many rows were removed.
func (w *Writer) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := w.DB.Exec(ctx, `DELETE FROM guard_rejections WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit retention: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (w *Writer) saltedHash(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.New()
	h.Write(w.HashSalt)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
