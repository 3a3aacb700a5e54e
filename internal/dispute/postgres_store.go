package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kocbridge/escrow/internal/pgtx"
)

// PostgresStore persists disputes in PostgreSQL. A partial unique index
// on disputes(contract_id) keeps one open dispute per contract.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, contract_id, payer_id, payee_id, initiator_id, reason, description,
		       evidence, requested_action, requested_amount, contract_amount, currency,
		       priority, status, arbitrator_id, assigned_by, assigned_at,
		       resolution, resolution_notes, refund_amount, refund_id, resolved_by, resolved_at,
		       due_at, created_at, updated_at`

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func marshalEvidence(ev []string) ([]byte, error) {
	if ev == nil {
		ev = []string{}
	}
	return json.Marshal(ev)
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence, err := marshalEvidence(d.Evidence)
	if err != nil {
		return err
	}
	_, err = pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO disputes (
			id, contract_id, payer_id, payee_id, initiator_id, reason, description,
			evidence, requested_action, requested_amount, contract_amount, currency,
			priority, status, arbitrator_id, assigned_by, assigned_at,
			resolution, resolution_notes, refund_amount, refund_id, resolved_by, resolved_at,
			due_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23,
			$24, $25, $26
		)`,
		d.ID, d.ContractID, d.PayerID, d.PayeeID, d.InitiatorID, d.Reason, pgtx.NullString(d.Description),
		evidence, string(d.RequestedAction), nullDecimal(d.RequestedAmount), d.ContractAmount, d.Currency,
		string(d.Priority), string(d.Status), pgtx.NullString(d.ArbitratorID), pgtx.NullString(d.AssignedBy), pgtx.NullTime(d.AssignedAt),
		pgtx.NullString(string(d.Resolution)), pgtx.NullString(d.ResolutionNotes), nullDecimal(d.RefundAmount), pgtx.NullString(d.RefundID), pgtx.NullString(d.ResolvedBy), pgtx.NullTime(d.ResolvedAt),
		d.DueAt, d.CreatedAt, d.UpdatedAt,
	)
	if pgtx.IsUniqueViolation(err) {
		return ErrDisputeAlreadyOpen
	}
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDisputeRow(row)
}

func (p *PostgresStore) GetOpenByContract(ctx context.Context, contractID string) (*Dispute, error) {
	row := pgtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE contract_id = $1 AND status IN ('PENDING', 'IN_REVIEW')`, contractID)
	return scanDisputeRow(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, arbitrator_id = $2, assigned_by = $3, assigned_at = $4,
			resolution = $5, resolution_notes = $6, refund_amount = $7, refund_id = $8,
			resolved_by = $9, resolved_at = $10, updated_at = $11
		WHERE id = $12`,
		string(d.Status), pgtx.NullString(d.ArbitratorID), pgtx.NullString(d.AssignedBy), pgtx.NullTime(d.AssignedAt),
		pgtx.NullString(string(d.Resolution)), pgtx.NullString(d.ResolutionNotes), nullDecimal(d.RefundAmount), pgtx.NullString(d.RefundID),
		pgtx.NullString(d.ResolvedBy), pgtx.NullTime(d.ResolvedAt), d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Dispute, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ContractID != "" {
		add("contract_id = $%d", filter.ContractID)
	}
	if filter.PartyID != "" {
		args = append(args, filter.PartyID)
		where = append(where, fmt.Sprintf("(payer_id = $%d OR payee_id = $%d)", len(args), len(args)))
	}
	if filter.ArbitratorID != "" {
		add("arbitrator_id = $%d", filter.ArbitratorID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	query := `SELECT ` + disputeColumns + ` FROM disputes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return p.query(ctx, query, args...)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	return p.query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ('PENDING', 'IN_REVIEW') AND due_at < $1
		ORDER BY due_at ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Dispute, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddResponse(ctx context.Context, r *Response) error {
	evidence, err := marshalEvidence(r.Evidence)
	if err != nil {
		return err
	}
	_, err = pgtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO dispute_responses (id, dispute_id, responder_id, role, message, evidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.DisputeID, r.ResponderID, r.Role, r.Message, evidence, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispute response: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListResponses(ctx context.Context, disputeID string) ([]*Response, error) {
	rows, err := pgtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT id, dispute_id, responder_id, role, message, evidence, created_at
		FROM dispute_responses
		WHERE dispute_id = $1
		ORDER BY created_at ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Response{}
	for rows.Next() {
		var (
			r        Response
			evidence []byte
		)
		if err := rows.Scan(&r.ID, &r.DisputeID, &r.ResponderID, &r.Role, &r.Message, &evidence, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &r.Evidence); err != nil {
				return nil, fmt.Errorf("decode response evidence: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDisputeRow(row scanner) (*Dispute, error) {
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func scanDispute(row scanner) (*Dispute, error) {
	var (
		d                                   Dispute
		evidence                            []byte
		action, priority, status            string
		description, arbitrator, assignedBy sql.NullString
		resolution, notes, refundID         sql.NullString
		resolvedBy                          sql.NullString
		requested, refund                   decimal.NullDecimal
		assignedAt, resolvedAt              sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.ContractID, &d.PayerID, &d.PayeeID, &d.InitiatorID, &d.Reason, &description,
		&evidence, &action, &requested, &d.ContractAmount, &d.Currency,
		&priority, &status, &arbitrator, &assignedBy, &assignedAt,
		&resolution, &notes, &refund, &refundID, &resolvedBy, &resolvedAt,
		&d.DueAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("decode dispute evidence: %w", err)
		}
	}
	d.Description = description.String
	d.RequestedAction = RequestedAction(action)
	d.RequestedAmount = decimalPtr(requested)
	d.Priority = Priority(priority)
	d.Status = Status(status)
	d.ArbitratorID = arbitrator.String
	d.AssignedBy = assignedBy.String
	d.AssignedAt = pgtx.TimePtr(assignedAt)
	d.Resolution = Resolution(resolution.String)
	d.ResolutionNotes = notes.String
	d.RefundAmount = decimalPtr(refund)
	d.RefundID = refundID.String
	d.ResolvedBy = resolvedBy.String
	d.ResolvedAt = pgtx.TimePtr(resolvedAt)
	return &d, nil
}
