package autorelease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kocbridge/escrow/internal/pgtx"
)

// PostgresStore persists rules in PostgreSQL. A partial unique index on
// auto_releases(milestone_id) keeps one active rule per milestone.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const ruleColumns = `id, milestone_id, contract_id, payer_id, payee_id, category,
		       release_at, deadline_at, timeout_hours, requires_confirmation,
		       warning_hours, warnings_sent, status, retry_count, max_retries,
		       last_error, cancel_reason, cancelled_at, executed_at, release_id,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Rule) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO auto_releases (
			id, milestone_id, contract_id, payer_id, payee_id, category,
			release_at, deadline_at, timeout_hours, requires_confirmation,
			warning_hours, warnings_sent, status, retry_count, max_retries,
			last_error, cancel_reason, cancelled_at, executed_at, release_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22
		)`,
		r.ID, r.MilestoneID, r.ContractID, r.PayerID, r.PayeeID, pgtx.NullString(r.Category),
		r.ReleaseAt, r.DeadlineAt, r.TimeoutHours, r.RequiresConfirmation,
		int64s(r.WarningHours), int64s(r.WarningsSent), string(r.Status), r.RetryCount, r.MaxRetries,
		pgtx.NullString(r.LastError), pgtx.NullString(r.CancelReason), pgtx.NullTime(r.CancelledAt), pgtx.NullTime(r.ExecutedAt), pgtx.NullString(r.ReleaseID),
		r.CreatedAt, r.UpdatedAt,
	)
	if pgtx.IsUniqueViolation(err) {
		return ErrRuleExists
	}
	if err != nil {
		return fmt.Errorf("insert auto-release: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM auto_releases WHERE id = $1`, id)
	return scanRuleRow(row)
}

func (p *PostgresStore) GetActiveByMilestone(ctx context.Context, milestoneID string) (*Rule, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM auto_releases
		WHERE milestone_id = $1 AND status IN ('SCHEDULED', 'WARNING_SENT', 'WAITING_CONFIRMATION')`, milestoneID)
	return scanRuleRow(row)
}

func (p *PostgresStore) Update(ctx context.Context, r *Rule) error {
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE auto_releases SET
			release_at = $1, warnings_sent = $2, status = $3, retry_count = $4,
			last_error = $5, cancel_reason = $6, cancelled_at = $7, executed_at = $8,
			release_id = $9, updated_at = $10
		WHERE id = $11`,
		r.ReleaseAt, int64s(r.WarningsSent), string(r.Status), r.RetryCount,
		pgtx.NullString(r.LastError), pgtx.NullString(r.CancelReason), pgtx.NullTime(r.CancelledAt), pgtx.NullTime(r.ExecutedAt),
		pgtx.NullString(r.ReleaseID), r.UpdatedAt,
		r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAutoReleaseNotFound
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Rule, error) {
	return p.query(ctx, `
		SELECT `+ruleColumns+` FROM auto_releases
		WHERE status IN ('SCHEDULED', 'WARNING_SENT') AND release_at <= $1 AND retry_count < max_retries
		ORDER BY release_at ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListUpcoming(ctx context.Context, now, before time.Time, limit int) ([]*Rule, error) {
	return p.query(ctx, `
		SELECT `+ruleColumns+` FROM auto_releases
		WHERE status IN ('SCHEDULED', 'WARNING_SENT') AND release_at > $1 AND release_at < $2
		ORDER BY release_at ASC
		LIMIT $3`, now, before, limit)
}

func (p *PostgresStore) ListByContract(ctx context.Context, contractID string) ([]*Rule, error) {
	return p.query(ctx, `
		SELECT `+ruleColumns+` FROM auto_releases
		WHERE contract_id = $1
		ORDER BY created_at DESC`, contractID)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Rule, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateConfirmation(ctx context.Context, c *Confirmation) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO release_confirmations (id, milestone_id, payer_id, note, confirmed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.MilestoneID, c.PayerID, pgtx.NullString(c.Note), c.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("insert release confirmation: %w", err)
	}
	return nil
}

func (p *PostgresStore) LatestConfirmation(ctx context.Context, milestoneID string) (*Confirmation, error) {
	var (
		c    Confirmation
		note sql.NullString
	)
	err := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT id, milestone_id, payer_id, note, confirmed_at
		FROM release_confirmations
		WHERE milestone_id = $1
		ORDER BY confirmed_at DESC
		LIMIT 1`, milestoneID,
	).Scan(&c.ID, &c.MilestoneID, &c.PayerID, &note, &c.ConfirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfirmationNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Note = note.String
	return &c, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRuleRow(row scanner) (*Rule, error) {
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAutoReleaseNotFound
	}
	return r, err
}

func scanRule(row scanner) (*Rule, error) {
	var (
		r                                            Rule
		status                                       string
		category, lastError, cancelReason, releaseID sql.NullString
		cancelledAt, executedAt                      sql.NullTime
		warningHours, warningsSent                   pq.Int64Array
	)
	err := row.Scan(
		&r.ID, &r.MilestoneID, &r.ContractID, &r.PayerID, &r.PayeeID, &category,
		&r.ReleaseAt, &r.DeadlineAt, &r.TimeoutHours, &r.RequiresConfirmation,
		&warningHours, &warningsSent, &status, &r.RetryCount, &r.MaxRetries,
		&lastError, &cancelReason, &cancelledAt, &executedAt, &releaseID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Category = category.String
	r.Status = Status(status)
	r.WarningHours = ints(warningHours)
	r.WarningsSent = ints(warningsSent)
	r.LastError = lastError.String
	r.CancelReason = cancelReason.String
	r.ReleaseID = releaseID.String
	r.CancelledAt = pgtx.TimePtr(cancelledAt)
	r.ExecutedAt = pgtx.TimePtr(executedAt)
	return &r, nil
}

func ints(a pq.Int64Array) []int {
	out := make([]int, len(a))
	for i, v := range a {
		out[i] = int(v)
	}
	return out
}

func int64s(a []int) pq.Int64Array {
	out := make(pq.Int64Array, len(a))
	for i, v := range a {
		out[i] = int64(v)
	}
	return out
}
