package dispute

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var disputeCols = []string{
	"id", "contract_id", "payer_id", "payee_id", "initiator_id", "reason", "description",
	"evidence", "requested_action", "requested_amount", "contract_amount", "currency",
	"priority", "status", "arbitrator_id", "assigned_by", "assigned_at",
	"resolution", "resolution_notes", "refund_amount", "refund_id", "resolved_by", "resolved_at",
	"due_at", "created_at", "updated_at",
}

func TestPostgresStore_CreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO disputes`).WillReturnError(&pq.Error{Code: "23505"})

	err := store.Create(context.Background(), &Dispute{ID: "d1", ContractID: "c1", Status: StatusPending})
	assert.ErrorIs(t, err, ErrDisputeAlreadyOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetScansNullables(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM disputes WHERE id = \$1`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(disputeCols).AddRow(
			"d1", "c1", "biz", "koc", "biz", "no delivery", nil,
			[]byte(`["https://a.example/1"]`), "PARTIAL_REFUND", "250.5", "1000", "USD",
			"HIGH", "IN_REVIEW", "arb-1", "ops-1", now,
			nil, nil, nil, nil, nil, nil,
			now.Add(DefaultSLA), now, now,
		))

	d, err := store.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/1"}, d.Evidence)
	require.NotNil(t, d.RequestedAmount)
	assert.Equal(t, "250.5", d.RequestedAmount.String())
	assert.Nil(t, d.RefundAmount)
	assert.Nil(t, d.ResolvedAt)
	assert.Equal(t, StatusInReview, d.Status)
	assert.Equal(t, "arb-1", d.ArbitratorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBuildsFilter(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE (payer_id = $1 OR payee_id = $1) AND status = $2 ORDER BY created_at DESC LIMIT $3`)).
		WithArgs("biz", "PENDING", 20).
		WillReturnRows(sqlmock.NewRows(disputeCols))

	out, err := store.List(context.Background(), Filter{PartyID: "biz", Status: StatusPending, Limit: 20})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OpenByContractNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`status IN ('PENDING', 'IN_REVIEW')`)).WillReturnRows(sqlmock.NewRows(disputeCols))

	_, err := store.GetOpenByContract(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE disputes SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), &Dispute{ID: "gone"})
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

func TestPostgresStore_Responses(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO dispute_responses`).
		WithArgs("r1", "d1", "koc", "payee", "posted", []byte(`[]`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.AddResponse(context.Background(), &Response{
		ID: "r1", DisputeID: "d1", ResponderID: "koc", Role: "payee", Message: "posted", CreatedAt: now,
	}))

	mock.ExpectQuery(`FROM dispute_responses`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "dispute_id", "responder_id", "role", "message", "evidence", "created_at"}).
			AddRow("r1", "d1", "koc", "payee", "posted", []byte(`["x"]`), now))
	out, err := store.ListResponses(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"x"}, out[0].Evidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}
