package service

import (
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/domain/wallet"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inbound(id string, priority int, created time.Time, remaining int64) *wallet.Transaction {
	return &wallet.Transaction{
		ID:                   id,
		TransactionType:      types.TransactionTypeInbound,
		TransactionStatus:    types.TransactionStatusGranted,
		Status:               types.WalletTxStatusSettled,
		AmountCents:          decimal.NewFromInt(remaining),
		RemainingAmountCents: types.DecimalPtr(decimal.NewFromInt(remaining)),
		Priority:             priority,
		CreatedAt:            created,
	}
}

func TestWalletLedger_Plan(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger := NewWalletLedger(nil)

	tests := []struct {
		name     string
		inbounds []*wallet.Transaction
		amount   int64
		want     map[string]int64
		order    []string
	}{
		{
			name: "priority before age",
			inbounds: []*wallet.Transaction{
				inbound("tx_b", 2, t0, 200),
				inbound("tx_c", 2, t0.Add(time.Hour), 200),
				inbound("tx_a", 1, t0.Add(2*time.Hour), 100),
			},
			amount: 350,
			want:   map[string]int64{"tx_a": 100, "tx_b": 200, "tx_c": 50},
			order:  []string{"tx_a", "tx_b", "tx_c"},
		},
		{
			name: "oldest first within a priority",
			inbounds: []*wallet.Transaction{
				inbound("tx_new", 50, t0.Add(time.Minute), 500),
				inbound("tx_old", 50, t0, 500),
			},
			amount: 600,
			want:   map[string]int64{"tx_old": 500, "tx_new": 100},
			order:  []string{"tx_old", "tx_new"},
		},
		{
			name: "exhausted and pending funding skipped",
			inbounds: []*wallet.Transaction{
				inbound("tx_empty", 1, t0, 0),
				func() *wallet.Transaction {
					tx := inbound("tx_pending", 1, t0, 300)
					tx.Status = types.WalletTxStatusPending
					return tx
				}(),
				inbound("tx_live", 2, t0, 300),
			},
			amount: 120,
			want:   map[string]int64{"tx_live": 120},
			order:  []string{"tx_live"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ledger.Plan(tt.inbounds, decimal.NewFromInt(tt.amount))
			require.NoError(t, err)

			var order []string
			total := decimal.Zero
			for _, c := range plan {
				order = append(order, c.InboundWalletTransactionID)
				assert.True(t, decimal.NewFromInt(tt.want[c.InboundWalletTransactionID]).Equal(c.AmountCents),
					"%s funded %s", c.InboundWalletTransactionID, c.AmountCents)
				total = total.Add(c.AmountCents)
			}
			assert.Equal(t, tt.order, order)
			assert.True(t, decimal.NewFromInt(tt.amount).Equal(total))
		})
	}
}

func TestWalletLedger_PlanInsufficientFunds(t *testing.T) {
	ledger := NewWalletLedger(nil)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := ledger.Plan([]*wallet.Transaction{inbound("tx_1", 1, t0, 100)}, decimal.NewFromInt(101))
	assert.True(t, ierr.IsValidation(err))

	plan, err := ledger.Plan(nil, decimal.Zero)
	require.NoError(t, err)
	assert.Empty(t, plan)
}

func TestCheckConservation(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	funding := []*wallet.Transaction{inbound("tx_1", 1, t0, 100)}

	err := checkConservation(funding, []*wallet.Consumption{
		{InboundWalletTransactionID: "tx_1", AmountCents: decimal.NewFromInt(150)},
	}, decimal.NewFromInt(150))
	assert.Error(t, err)

	err = checkConservation(funding, []*wallet.Consumption{
		{InboundWalletTransactionID: "tx_1", AmountCents: decimal.NewFromInt(60)},
	}, decimal.NewFromInt(80))
	assert.Error(t, err)

	err = checkConservation(funding, []*wallet.Consumption{
		{InboundWalletTransactionID: "tx_1", AmountCents: decimal.NewFromInt(60)},
		{InboundWalletTransactionID: "tx_1", AmountCents: decimal.NewFromInt(40)},
	}, decimal.NewFromInt(100))
	assert.NoError(t, err)
}
