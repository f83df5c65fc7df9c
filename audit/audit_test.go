package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evdnx/marketgate/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecer struct {
	sql  []string
	args [][]any
	err  error
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func filledOrder() models.Order {
	now := time.Now()
	return models.Order{
		ClientOrderID:   "c-1",
		Symbol:          "AAPL",
		Qty:             decimal.RequireFromString("10"),
		Side:            models.OrderSideBuy,
		Type:            models.OrderTypeMarket,
		State:           models.OrderStateFilled,
		ProviderOrderID: "b-1",
		FilledPrice:     decimal.NewNullDecimal(decimal.RequireFromString("187.5")),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestPostgresSinkRecord(t *testing.T) {
	db := &fakeExecer{}
	s := &PostgresSink{db: db}

	require.NoError(t, s.Record(context.Background(), filledOrder()))
	require.Len(t, db.sql, 1)
	assert.Contains(t, db.sql[0], "ON CONFLICT (client_order_id) DO NOTHING")

	args := db.args[0]
	require.Len(t, args, 12)
	assert.Equal(t, "c-1", args[0])
	assert.Nil(t, args[5], "market orders carry no limit price")
	assert.Equal(t, "filled", args[6])
	assert.Equal(t, "b-1", args[7])
	assert.Nil(t, args[9])
}

func TestPostgresSinkLimitOrder(t *testing.T) {
	db := &fakeExecer{}
	s := &PostgresSink{db: db}
	o := filledOrder()
	o.Type = models.OrderTypeLimit
	o.LimitPrice = decimal.RequireFromString("180")
	o.State = models.OrderStateRejected
	o.Reason = "insufficient buying power"

	require.NoError(t, s.Record(context.Background(), o))
	assert.Equal(t, o.LimitPrice, db.args[0][5])
	assert.Equal(t, "insufficient buying power", db.args[0][9])
}

func TestPostgresSinkErrors(t *testing.T) {
	db := &fakeExecer{err: errors.New("connection reset")}
	s := &PostgresSink{db: db}

	err := s.Record(context.Background(), filledOrder())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c-1")
	assert.Error(t, s.EnsureSchema(context.Background()))
}

func TestNoopSink(t *testing.T) {
	assert.NoError(t, NoopSink{}.Record(context.Background(), filledOrder()))
}
