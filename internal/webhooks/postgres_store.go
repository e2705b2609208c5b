package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/loanmanager/internal/loanmanager"
)

// PostgresStore persists webhook subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed webhook store. Run
// migrations first.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sub.ID, sub.URL, sub.Secret, pq.Array(eventStrings(sub.Events)), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// List returns subscriptions oldest first.
func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	var lastError sql.NullString
	if sub.LastError != "" {
		lastError = sql.NullString{String: sub.LastError, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET url = $2, events = $3, active = $4, last_success = $5, last_error = $6, consecutive_failures = $7
		WHERE id = $1
	`, sub.ID, sub.URL, pq.Array(eventStrings(sub.Events)), sub.Active, sub.LastSuccess, lastError, sub.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return expectOne(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	var (
		sub         Subscription
		events      []string
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	err := s.Scan(&sub.ID, &sub.URL, &sub.Secret, pq.Array(&events), &sub.Active, &sub.CreatedAt,
		&lastSuccess, &lastError, &sub.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		sub.Events = append(sub.Events, loanmanager.EventType(e))
	}
	if lastSuccess.Valid {
		ts := lastSuccess.Time
		sub.LastSuccess = &ts
	}
	sub.LastError = lastError.String
	return &sub, nil
}

func eventStrings(events []loanmanager.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
