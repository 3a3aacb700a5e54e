package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kocbridge/escrow/internal/pgtx"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

type scanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return pgtx.WithTx(ctx, p.db, fn)
}

// --- contracts ---

const contractColumns = `id, reference, payer_id, payee_id, payee_account, title, terms,
		       total_amount, currency, payment_method, holding_provider, provider_reference,
		       used_backup, primary_error, released_amount, refunded_amount, status, version,
		       funded_at, completed_at, created_at, updated_at`

func (p *PostgresStore) CreateContract(ctx context.Context, c *Contract, milestones []*Milestone) error {
	return pgtx.WithTx(ctx, p.db, func(ctx context.Context) error {
		q := pgtx.Conn(ctx, p.db)
		_, err := q.ExecContext(ctx, `
			INSERT INTO escrow_contracts (
				id, reference, payer_id, payee_id, payee_account, title, terms,
				total_amount, currency, payment_method, holding_provider, provider_reference,
				used_backup, primary_error, released_amount, refunded_amount, status, version,
				funded_at, completed_at, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8, $9, $10, $11, $12,
				$13, $14, $15, $16, $17, $18,
				$19, $20, $21, $22
			)`,
			c.ID, c.Reference, c.PayerID, c.PayeeID, pgtx.NullString(c.PayeeAccount), c.Title, pgtx.NullString(c.Terms),
			c.TotalAmount, c.Currency, c.PaymentMethod, pgtx.NullString(c.HoldingProvider), pgtx.NullString(c.ProviderReference),
			c.UsedBackup, pgtx.NullString(c.PrimaryError), c.ReleasedAmount, c.RefundedAmount, string(c.Status), c.Version,
			pgtx.NullTime(c.FundedAt), pgtx.NullTime(c.CompletedAt), c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert contract: %w", err)
		}
		for _, m := range milestones {
			if err := p.insertMilestone(ctx, q, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) insertMilestone(ctx context.Context, q pgtx.Querier, m *Milestone) error {
	deliverables, err := json.Marshal(nonNil(m.Deliverables))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO escrow_milestones (
			id, contract_id, order_index, title, description, category, amount, percentage,
			due_date, status, deliverables, rejection_reason, rejected_at, completed_at,
			approved_at, approved_by, refunded_amount, released_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20
		)`,
		m.ID, m.ContractID, m.OrderIndex, m.Title, pgtx.NullString(m.Description), pgtx.NullString(m.Category), m.Amount, m.Percentage,
		pgtx.NullTime(m.DueDate), string(m.Status), deliverables, pgtx.NullString(m.RejectionReason), pgtx.NullTime(m.RejectedAt), pgtx.NullTime(m.CompletedAt),
		pgtx.NullTime(m.ApprovedAt), pgtx.NullString(m.ApprovedBy), m.RefundedAmount, pgtx.NullTime(m.ReleasedAt), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE id = $1`, id)
	return scanContractRow(row)
}

func (p *PostgresStore) LockContract(ctx context.Context, id string) (*Contract, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE id = $1 FOR UPDATE`, id)
	return scanContractRow(row)
}

func (p *PostgresStore) GetContractByReference(ctx context.Context, reference string) (*Contract, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE reference = $1`, reference)
	return scanContractRow(row)
}

func scanContractRow(row scanner) (*Contract, error) {
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	return c, err
}

func (p *PostgresStore) UpdateContract(ctx context.Context, c *Contract) error {
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_contracts SET
			payee_account = $1, holding_provider = $2, provider_reference = $3,
			used_backup = $4, primary_error = $5, released_amount = $6, refunded_amount = $7,
			status = $8, funded_at = $9, completed_at = $10, updated_at = $11,
			version = version + 1
		WHERE id = $12 AND version = $13`,
		pgtx.NullString(c.PayeeAccount), pgtx.NullString(c.HoldingProvider), pgtx.NullString(c.ProviderReference),
		c.UsedBackup, pgtx.NullString(c.PrimaryError), c.ReleasedAmount, c.RefundedAmount,
		string(c.Status), pgtx.NullTime(c.FundedAt), pgtx.NullTime(c.CompletedAt), c.UpdatedAt,
		c.ID, c.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetContract(ctx, c.ID); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	c.Version++
	return nil
}

func (p *PostgresStore) ListContracts(ctx context.Context, filter ContractFilter) ([]*Contract, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		afterAt sql.NullTime
		afterID string
	)
	if filter.After != nil {
		afterAt = sql.NullTime{Time: filter.After.CreatedAt, Valid: true}
		afterID = filter.After.ID
	}
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM escrow_contracts
		WHERE ($1 = '' OR payer_id = $1 OR payee_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`, filter.PartyID, string(filter.Status), afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanContract(row scanner) (*Contract, error) {
	c := &Contract{}
	var (
		status                                            string
		payeeAccount, terms, holder, providerRef, primErr sql.NullString
		fundedAt, completedAt                             sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.Reference, &c.PayerID, &c.PayeeID, &payeeAccount, &c.Title, &terms,
		&c.TotalAmount, &c.Currency, &c.PaymentMethod, &holder, &providerRef,
		&c.UsedBackup, &primErr, &c.ReleasedAmount, &c.RefundedAmount, &status, &c.Version,
		&fundedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = ContractStatus(status)
	c.PayeeAccount = payeeAccount.String
	c.Terms = terms.String
	c.HoldingProvider = holder.String
	c.ProviderReference = providerRef.String
	c.PrimaryError = primErr.String
	c.FundedAt = pgtx.TimePtr(fundedAt)
	c.CompletedAt = pgtx.TimePtr(completedAt)
	return c, nil
}

// --- milestones ---

const milestoneColumns = `id, contract_id, order_index, title, description, category, amount, percentage,
		       due_date, status, deliverables, rejection_reason, rejected_at, completed_at,
		       approved_at, approved_by, refunded_amount, released_at, created_at, updated_at`

func (p *PostgresStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM escrow_milestones WHERE id = $1`, id)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMilestoneNotFound
	}
	return m, err
}

func (p *PostgresStore) ListMilestones(ctx context.Context, contractID string) ([]*Milestone, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM escrow_milestones
		WHERE contract_id = $1
		ORDER BY order_index`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateMilestone(ctx context.Context, m *Milestone) error {
	deliverables, err := json.Marshal(nonNil(m.Deliverables))
	if err != nil {
		return err
	}
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_milestones SET
			status = $1, deliverables = $2, rejection_reason = $3, rejected_at = $4,
			completed_at = $5, approved_at = $6, approved_by = $7, refunded_amount = $8,
			released_at = $9, updated_at = $10
		WHERE id = $11`,
		string(m.Status), deliverables, pgtx.NullString(m.RejectionReason), pgtx.NullTime(m.RejectedAt),
		pgtx.NullTime(m.CompletedAt), pgtx.NullTime(m.ApprovedAt), pgtx.NullString(m.ApprovedBy), m.RefundedAmount,
		pgtx.NullTime(m.ReleasedAt), m.UpdatedAt,
		m.ID,
	)
	return expectOne(result, err, ErrMilestoneNotFound)
}

func scanMilestone(row scanner) (*Milestone, error) {
	m := &Milestone{}
	var (
		status                                  string
		description, category, reason, approver sql.NullString
		deliverables                            []byte
		due, rejected, completed, approved, rel sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.ContractID, &m.OrderIndex, &m.Title, &description, &category, &m.Amount, &m.Percentage,
		&due, &status, &deliverables, &reason, &rejected, &completed,
		&approved, &approver, &m.RefundedAmount, &rel, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = MilestoneStatus(status)
	m.Description = description.String
	m.Category = category.String
	m.RejectionReason = reason.String
	m.ApprovedBy = approver.String
	m.DueDate = pgtx.TimePtr(due)
	m.RejectedAt = pgtx.TimePtr(rejected)
	m.CompletedAt = pgtx.TimePtr(completed)
	m.ApprovedAt = pgtx.TimePtr(approved)
	m.ReleasedAt = pgtx.TimePtr(rel)
	if len(deliverables) > 0 {
		if err := json.Unmarshal(deliverables, &m.Deliverables); err != nil {
			return nil, fmt.Errorf("milestone %s deliverables: %w", m.ID, err)
		}
	}
	return m, nil
}

// --- payments ---

const paymentColumns = `id, contract_id, method, provider, amount, currency, status, provider_reference,
		       checkout_url, client_secret, used_backup, primary_error, failure_reason,
		       completed_at, created_at, updated_at`

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		pay.ID, pay.ContractID, pay.Method, pay.Provider, pay.Amount, pay.Currency, string(pay.Status), pgtx.NullString(pay.ProviderReference),
		pgtx.NullString(pay.CheckoutURL), pgtx.NullString(pay.ClientSecret), pay.UsedBackup, pgtx.NullString(pay.PrimaryError), pgtx.NullString(pay.FailureReason),
		pgtx.NullTime(pay.CompletedAt), pay.CreatedAt, pay.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetPaymentByProviderRef(ctx context.Context, provider, reference string) (*Payment, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments
		WHERE provider_reference = $1 AND (provider = $2 OR method = $2)
		ORDER BY created_at DESC
		LIMIT 1`, reference, provider)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListPayments(ctx context.Context, contractID string) ([]*Payment, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments
		WHERE contract_id = $1
		ORDER BY created_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pay *Payment) error {
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_payments SET
			status = $1, provider_reference = $2, failure_reason = $3, completed_at = $4, updated_at = $5
		WHERE id = $6`,
		string(pay.Status), pgtx.NullString(pay.ProviderReference), pgtx.NullString(pay.FailureReason),
		pgtx.NullTime(pay.CompletedAt), pay.UpdatedAt, pay.ID,
	)
	return expectOne(result, err, ErrPaymentNotFound)
}

func scanPayment(row scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		status                                  string
		ref, checkout, secret, primErr, failure sql.NullString
		completed                               sql.NullTime
	)
	err := row.Scan(
		&pay.ID, &pay.ContractID, &pay.Method, &pay.Provider, &pay.Amount, &pay.Currency, &status, &ref,
		&checkout, &secret, &pay.UsedBackup, &primErr, &failure,
		&completed, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pay.Status = PaymentStatus(status)
	pay.ProviderReference = ref.String
	pay.CheckoutURL = checkout.String
	pay.ClientSecret = secret.String
	pay.PrimaryError = primErr.String
	pay.FailureReason = failure.String
	pay.CompletedAt = pgtx.TimePtr(completed)
	return pay, nil
}

// --- releases ---

const releaseColumns = `id, contract_id, milestone_id, recipient, amount, currency, provider,
		       provider_reference, status, initiated_by, scheduled_at, executed_at,
		       failure_reason, created_at, updated_at`

// CreateRelease relies on the partial unique index on milestone_id for
// non-FAILED rows.
func (p *PostgresStore) CreateRelease(ctx context.Context, r *FundRelease) error {
	_, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO fund_releases (`+releaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.ContractID, pgtx.NullString(r.MilestoneID), r.Recipient, r.Amount, r.Currency, r.Provider,
		pgtx.NullString(r.ProviderReference), string(r.Status), r.InitiatedBy, r.ScheduledAt, pgtx.NullTime(r.ExecutedAt),
		pgtx.NullString(r.FailureReason), r.CreatedAt, r.UpdatedAt,
	)
	if pgtx.IsUniqueViolation(err) {
		return ErrReleaseExists
	}
	return err
}

func (p *PostgresStore) GetRelease(ctx context.Context, id string) (*FundRelease, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM fund_releases WHERE id = $1`, id)
	r, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReleaseNotFound
	}
	return r, err
}

func (p *PostgresStore) GetActiveRelease(ctx context.Context, milestoneID string) (*FundRelease, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+releaseColumns+`
		FROM fund_releases
		WHERE milestone_id = $1 AND status <> 'FAILED'`, milestoneID)
	r, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReleaseNotFound
	}
	return r, err
}

func (p *PostgresStore) ListReleases(ctx context.Context, contractID string) ([]*FundRelease, error) {
	return p.queryReleases(ctx, `
		SELECT `+releaseColumns+`
		FROM fund_releases
		WHERE contract_id = $1
		ORDER BY created_at`, contractID)
}

func (p *PostgresStore) ListReleasesByStatus(ctx context.Context, status TransferStatus, limit int) ([]*FundRelease, error) {
	return p.queryReleases(ctx, `
		SELECT `+releaseColumns+`
		FROM fund_releases
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) queryReleases(ctx context.Context, query string, args ...interface{}) ([]*FundRelease, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*FundRelease
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateRelease(ctx context.Context, r *FundRelease) error {
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE fund_releases SET
			provider_reference = $1, status = $2, executed_at = $3, failure_reason = $4, updated_at = $5
		WHERE id = $6`,
		pgtx.NullString(r.ProviderReference), string(r.Status), pgtx.NullTime(r.ExecutedAt),
		pgtx.NullString(r.FailureReason), r.UpdatedAt, r.ID,
	)
	return expectOne(result, err, ErrReleaseNotFound)
}

func scanRelease(row scanner) (*FundRelease, error) {
	r := &FundRelease{}
	var (
		status                            string
		milestoneID, providerRef, failure sql.NullString
		executed                          sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.ContractID, &milestoneID, &r.Recipient, &r.Amount, &r.Currency, &r.Provider,
		&providerRef, &status, &r.InitiatedBy, &r.ScheduledAt, &executed,
		&failure, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = TransferStatus(status)
	r.MilestoneID = milestoneID.String
	r.ProviderReference = providerRef.String
	r.FailureReason = failure.String
	r.ExecutedAt = pgtx.TimePtr(executed)
	return r, nil
}

// --- refunds ---

const refundColumns = `id, contract_id, dispute_id, amount, currency, provider, provider_reference,
		       allocations, reason, status, initiated_by, executed_at, failure_reason,
		       created_at, updated_at`

func (p *PostgresStore) CreateRefund(ctx context.Context, r *Refund) error {
	allocations, err := json.Marshal(r.Allocations)
	if err != nil {
		return err
	}
	_, err = pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.ContractID, pgtx.NullString(r.DisputeID), r.Amount, r.Currency, r.Provider, pgtx.NullString(r.ProviderReference),
		allocations, pgtx.NullString(r.Reason), string(r.Status), r.InitiatedBy, pgtx.NullTime(r.ExecutedAt), pgtx.NullString(r.FailureReason),
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetRefund(ctx context.Context, id string) (*Refund, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+refundColumns+` FROM escrow_refunds WHERE id = $1`, id)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRefunds(ctx context.Context, contractID string) ([]*Refund, error) {
	return p.queryRefunds(ctx, `
		SELECT `+refundColumns+`
		FROM escrow_refunds
		WHERE contract_id = $1
		ORDER BY created_at`, contractID)
}

func (p *PostgresStore) ListRefundsByStatus(ctx context.Context, status TransferStatus, limit int) ([]*Refund, error) {
	return p.queryRefunds(ctx, `
		SELECT `+refundColumns+`
		FROM escrow_refunds
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) queryRefunds(ctx context.Context, query string, args ...interface{}) ([]*Refund, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateRefund(ctx context.Context, r *Refund) error {
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_refunds SET
			provider_reference = $1, status = $2, executed_at = $3, failure_reason = $4, updated_at = $5
		WHERE id = $6`,
		pgtx.NullString(r.ProviderReference), string(r.Status), pgtx.NullTime(r.ExecutedAt),
		pgtx.NullString(r.FailureReason), r.UpdatedAt, r.ID,
	)
	return expectOne(result, err, ErrRefundNotFound)
}

func scanRefund(row scanner) (*Refund, error) {
	r := &Refund{}
	var (
		status                                  string
		disputeID, providerRef, reason, failure sql.NullString
		allocations                             []byte
		executed                                sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.ContractID, &disputeID, &r.Amount, &r.Currency, &r.Provider, &providerRef,
		&allocations, &reason, &status, &r.InitiatedBy, &executed, &failure,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = TransferStatus(status)
	r.DisputeID = disputeID.String
	r.ProviderReference = providerRef.String
	r.Reason = reason.String
	r.FailureReason = failure.String
	r.ExecutedAt = pgtx.TimePtr(executed)
	if len(allocations) > 0 {
		if err := json.Unmarshal(allocations, &r.Allocations); err != nil {
			return nil, fmt.Errorf("refund %s allocations: %w", r.ID, err)
		}
	}
	return r, nil
}

func expectOne(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
