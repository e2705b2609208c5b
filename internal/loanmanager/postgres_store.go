package loanmanager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/portfolio"
)

// PostgresStore persists the ledger in PostgreSQL. Amounts are NUMERIC(78,0).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db. Run migrations first.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Load(ctx context.Context) (Snapshot, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return Snapshot{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var snap Snapshot
	var principal, accounted, rate, losses, rem string
	err = tx.QueryRowContext(ctx, `
		SELECT principal_out, accounted_interest, issuance_rate, domain_start, domain_end,
		       unrealized_losses, accrual_remainder, next_loan_id, next_sequence
		FROM portfolio_state WHERE id = 1
	`).Scan(&principal, &accounted, &rate, &snap.State.DomainStart, &snap.State.DomainEnd,
		&losses, &rem, &snap.State.NextLoanID, &snap.State.NextSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load state: %w", err)
	}
	if err := parseAmounts(
		amountField{"principal_out", principal, &snap.State.PrincipalOut},
		amountField{"accounted_interest", accounted, &snap.State.AccountedInterest},
		amountField{"issuance_rate", rate, &snap.State.IssuanceRate},
		amountField{"unrealized_losses", losses, &snap.State.UnrealizedLosses},
		amountField{"accrual_remainder", rem, &snap.State.AccrualRemainder},
	); err != nil {
		return Snapshot{}, false, err
	}

	if snap.Loans, err = loadLoans(ctx, tx); err != nil {
		return Snapshot{}, false, err
	}
	if snap.Liquidations, err = loadLiquidations(ctx, tx); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, tx.Commit()
}

func loadLoans(ctx context.Context, tx *sql.Tx) ([]portfolio.LoanRecord, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, vehicle, principal, incoming_net_interest, refinance_interest, issuance_rate, carried,
		       start_date, payment_due_date, platform_fee_rate, delegate_fee_rate, status, sequence, funded_at
		FROM portfolio_loans ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load loans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var loans []portfolio.LoanRecord
	for rows.Next() {
		var rec portfolio.LoanRecord
		var vehicle, principal, net, refi, rate, carried, status string
		if err := rows.Scan(&rec.ID, &vehicle, &principal, &net, &refi, &rate, &carried,
			&rec.StartDate, &rec.PaymentDueDate, &rec.PlatformFeeRate, &rec.DelegateFeeRate,
			&status, &rec.Sequence, &rec.FundedAt); err != nil {
			return nil, err
		}
		rec.Vehicle = common.HexToAddress(vehicle)
		rec.Status = portfolio.Status(status)
		if err := parseAmounts(
			amountField{"principal", principal, &rec.Principal},
			amountField{"incoming_net_interest", net, &rec.IncomingNetInterest},
			amountField{"refinance_interest", refi, &rec.RefinanceInterest},
			amountField{"issuance_rate", rate, &rec.IssuanceRate},
			amountField{"carried", carried, &rec.Carried},
		); err != nil {
			return nil, fmt.Errorf("loan %d: %w", rec.ID, err)
		}
		loans = append(loans, rec)
	}
	return loans, rows.Err()
}

func loadLiquidations(ctx context.Context, tx *sql.Tx) ([]portfolio.LiquidationInfo, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT loan_id, principal, interest, platform_fees, liquidator, triggered_by_governor, triggered_at
		FROM portfolio_liquidations ORDER BY loan_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load liquidations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []portfolio.LiquidationInfo
	for rows.Next() {
		var info portfolio.LiquidationInfo
		var principal, interest, fees, liquidator string
		if err := rows.Scan(&info.LoanID, &principal, &interest, &fees, &liquidator,
			&info.TriggeredByGovernor, &info.TriggeredAt); err != nil {
			return nil, err
		}
		if liquidator != "" {
			info.Liquidator = common.HexToAddress(liquidator)
		}
		if err := parseAmounts(
			amountField{"principal", principal, &info.Principal},
			amountField{"interest", interest, &info.Interest},
			amountField{"platform_fees", fees, &info.PlatformFees},
		); err != nil {
			return nil, fmt.Errorf("liquidation %d: %w", info.LoanID, err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Commit writes one change set in a serializable transaction.
func (p *PostgresStore) Commit(ctx context.Context, cs portfolio.ChangeSet) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	st := cs.State
	_, err = tx.ExecContext(ctx, `
		INSERT INTO portfolio_state (id, principal_out, accounted_interest, issuance_rate, domain_start, domain_end,
		                             unrealized_losses, accrual_remainder, next_loan_id, next_sequence, updated_at)
		VALUES (1, $1::NUMERIC(78,0), $2::NUMERIC(78,0), $3::NUMERIC(78,0), $4, $5,
		        $6::NUMERIC(78,0), $7::NUMERIC(78,0), $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			principal_out      = EXCLUDED.principal_out,
			accounted_interest = EXCLUDED.accounted_interest,
			issuance_rate      = EXCLUDED.issuance_rate,
			domain_start       = EXCLUDED.domain_start,
			domain_end         = EXCLUDED.domain_end,
			unrealized_losses  = EXCLUDED.unrealized_losses,
			accrual_remainder  = EXCLUDED.accrual_remainder,
			next_loan_id       = EXCLUDED.next_loan_id,
			next_sequence      = EXCLUDED.next_sequence,
			updated_at         = NOW()
	`, amountString(st.PrincipalOut), amountString(st.AccountedInterest), amountString(st.IssuanceRate),
		st.DomainStart, st.DomainEnd, amountString(st.UnrealizedLosses), amountString(st.AccrualRemainder),
		st.NextLoanID, st.NextSequence)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	for _, id := range cs.Resolved {
		if _, err := tx.ExecContext(ctx, `DELETE FROM portfolio_liquidations WHERE loan_id = $1`, id); err != nil {
			return fmt.Errorf("delete liquidation %d: %w", id, err)
		}
	}
	for _, id := range cs.Cleared {
		if _, err := tx.ExecContext(ctx, `DELETE FROM portfolio_loans WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete loan %d: %w", id, err)
		}
	}
	for _, rec := range cs.Loans {
		if err := upsertLoan(ctx, tx, rec); err != nil {
			return fmt.Errorf("save loan %d: %w", rec.ID, err)
		}
	}
	for _, info := range cs.Liquidations {
		if err := upsertLiquidation(ctx, tx, info); err != nil {
			return fmt.Errorf("save liquidation %d: %w", info.LoanID, err)
		}
	}
	return tx.Commit()
}

func upsertLoan(ctx context.Context, tx *sql.Tx, rec portfolio.LoanRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO portfolio_loans (id, vehicle, principal, incoming_net_interest, refinance_interest, issuance_rate,
		                             carried, start_date, payment_due_date, platform_fee_rate, delegate_fee_rate,
		                             status, sequence, funded_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(78,0), $4::NUMERIC(78,0), $5::NUMERIC(78,0), $6::NUMERIC(78,0),
		        $7::NUMERIC(78,0), $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (id) DO UPDATE SET
			principal             = EXCLUDED.principal,
			incoming_net_interest = EXCLUDED.incoming_net_interest,
			refinance_interest    = EXCLUDED.refinance_interest,
			issuance_rate         = EXCLUDED.issuance_rate,
			carried               = EXCLUDED.carried,
			start_date            = EXCLUDED.start_date,
			payment_due_date      = EXCLUDED.payment_due_date,
			platform_fee_rate     = EXCLUDED.platform_fee_rate,
			delegate_fee_rate     = EXCLUDED.delegate_fee_rate,
			status                = EXCLUDED.status,
			sequence              = EXCLUDED.sequence,
			updated_at            = NOW()
	`, rec.ID, rec.Vehicle.Hex(), amountString(rec.Principal), amountString(rec.IncomingNetInterest),
		amountString(rec.RefinanceInterest), amountString(rec.IssuanceRate), amountString(rec.Carried),
		rec.StartDate, rec.PaymentDueDate, rec.PlatformFeeRate, rec.DelegateFeeRate,
		string(rec.Status), rec.Sequence, rec.FundedAt)
	return err
}

func upsertLiquidation(ctx context.Context, tx *sql.Tx, info portfolio.LiquidationInfo) error {
	liquidator := ""
	if info.Liquidator != (common.Address{}) {
		liquidator = info.Liquidator.Hex()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO portfolio_liquidations (loan_id, principal, interest, platform_fees, liquidator,
		                                    triggered_by_governor, triggered_at)
		VALUES ($1, $2::NUMERIC(78,0), $3::NUMERIC(78,0), $4::NUMERIC(78,0), $5, $6, $7)
		ON CONFLICT (loan_id) DO UPDATE SET
			principal             = EXCLUDED.principal,
			interest              = EXCLUDED.interest,
			platform_fees         = EXCLUDED.platform_fees,
			liquidator            = EXCLUDED.liquidator,
			triggered_by_governor = EXCLUDED.triggered_by_governor,
			triggered_at          = EXCLUDED.triggered_at
	`, info.LoanID, amountString(info.Principal), amountString(info.Interest), amountString(info.PlatformFees),
		liquidator, info.TriggeredByGovernor, info.TriggeredAt)
	return err
}

// Ping checks the database connection.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type amountField struct {
	column string
	text   string
	dst    **uint256.Int
}

func parseAmounts(fields ...amountField) error {
	for _, f := range fields {
		v, err := uint256.FromDecimal(f.text)
		if err != nil {
			return fmt.Errorf("column %s: %q: %w", f.column, f.text, err)
		}
		*f.dst = v
	}
	return nil
}
