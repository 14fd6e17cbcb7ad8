package relay

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"call-signaling/internal/calls"
	"call-signaling/pkg/utils"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the calls and ice_candidates tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PostgresStore is the Store backed by Postgres through database/sql (pgx stdlib driver).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("relay: db is nil")
	}
	return &PostgresStore{db: db}, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const callColumns = `id, caller_id, receiver_id, media_kind, state, offer, answer, created_at`

func scanCall(row *sql.Row) (calls.CallRecord, error) {
	var (
		rec           calls.CallRecord
		offer, answer []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.CallerID,
		&rec.ReceiverID,
		&rec.MediaKind,
		&rec.State,
		&offer,
		&answer,
		&rec.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.CallRecord{}, calls.ErrNotFound
		}
		return calls.CallRecord{}, err
	}
	if len(offer) > 0 {
		rec.Offer = json.RawMessage(offer)
	}
	if len(answer) > 0 {
		rec.Answer = json.RawMessage(answer)
	}
	return rec, nil
}

func getCall(ctx context.Context, q queryRower, id string, forUpdate bool) (calls.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanCall(q.QueryRowContext(ctx, query, id))
}

// storeErr maps constraint violations onto the store's sentinel errors.
// A candidate whose call does not exist trips the foreign key.
func storeErr(err error) error {
	switch {
	case utils.IsUniqueViolation(err):
		return calls.ErrDuplicate
	case utils.IsForeignKeyViolation(err):
		return calls.ErrNotFound
	default:
		return err
	}
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *PostgresStore) CreateCall(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error) {
	const q = `
INSERT INTO calls (id, caller_id, receiver_id, media_kind, state, offer, answer, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + callColumns

	saved, err := scanCall(s.db.QueryRowContext(ctx, q,
		rec.ID,
		rec.CallerID,
		rec.ReceiverID,
		string(rec.MediaKind),
		string(rec.State),
		nullableJSON(rec.Offer),
		nullableJSON(rec.Answer),
		rec.CreatedAt,
	))
	if err != nil {
		return calls.CallRecord{}, storeErr(err)
	}
	return saved, nil
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (calls.CallRecord, error) {
	return getCall(ctx, s.db, id, false)
}

func (s *PostgresStore) AnswerCall(ctx context.Context, id string, answer json.RawMessage) (calls.CallRecord, error) {
	var out calls.CallRecord
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := getCall(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !cur.State.CanTransition(calls.RecordActive) || len(cur.Answer) > 0 {
			return calls.ErrConflict
		}

		const q = `
UPDATE calls SET answer = $2, state = $3
WHERE id = $1
RETURNING ` + callColumns
		out, err = scanCall(tx.QueryRowContext(ctx, q, id, nullableJSON(answer), string(calls.RecordActive)))
		return err
	})
	if err != nil {
		return calls.CallRecord{}, err
	}
	return out, nil
}

func (s *PostgresStore) EndCall(ctx context.Context, id string) (calls.CallRecord, bool, error) {
	var (
		out     calls.CallRecord
		changed bool
	)
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := getCall(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur.State == calls.RecordEnded {
			out = cur
			return nil
		}

		const q = `
UPDATE calls SET state = $2
WHERE id = $1
RETURNING ` + callColumns
		out, err = scanCall(tx.QueryRowContext(ctx, q, id, string(calls.RecordEnded)))
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return calls.CallRecord{}, false, err
	}
	return out, changed, nil
}

func (s *PostgresStore) AddCandidate(ctx context.Context, c calls.CandidateRecord) (calls.CandidateRecord, error) {
	const q = `
INSERT INTO ice_candidates (id, call_id, sender_id, candidate, created_at)
VALUES ($1, $2, $3, $4, $5)
`
	if _, err := s.db.ExecContext(ctx, q, c.ID, c.CallID, c.SenderID, string(c.Candidate), c.CreatedAt); err != nil {
		return calls.CandidateRecord{}, storeErr(err)
	}
	return c, nil
}
