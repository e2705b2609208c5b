package loanmanager

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresEventStore keeps the event log in portfolio_events.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event log.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Append(ctx context.Context, events ...*Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		var aum sql.NullString
		if e.AUM != "" {
			aum = sql.NullString{String: e.AUM, Valid: true}
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO portfolio_events (id, event_type, loan_id, vehicle, ledger_at, data, aum, request_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::NUMERIC(78,0), $8, NOW())
			ON CONFLICT (id) DO NOTHING
			RETURNING seq, created_at
		`, e.ID, string(e.Type), e.LoanID, e.Vehicle.Hex(), e.LedgerAt, string(data), aum, e.RequestID).
			Scan(&e.Seq, &e.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue // already appended by an earlier attempt
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresEventStore) List(ctx context.Context, f EventFilter) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, event_type, loan_id, vehicle, ledger_at, data::TEXT, COALESCE(aum::TEXT, ''), request_id, created_at
		FROM portfolio_events
		WHERE seq > $1
		  AND ($2::BIGINT = 0 OR loan_id = $2::BIGINT)
		  AND ($3::TEXT = '' OR event_type = $3::TEXT)
		ORDER BY seq ASC
		LIMIT $4
	`, f.AfterSeq, f.LoanID, string(f.Type), f.limit())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var eventType, vehicle, data string
		if err := rows.Scan(&e.Seq, &e.ID, &eventType, &e.LoanID, &vehicle, &e.LedgerAt, &data, &e.AUM, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		e.Vehicle = common.HexToAddress(vehicle)
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", e.Seq, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
