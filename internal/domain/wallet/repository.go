package wallet

import (
	"context"

	"github.com/flexprice/billingengine/internal/types"
)

type Repository interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	UpdateWallet(ctx context.Context, w *Wallet) error
	// ListWalletsByCustomer returns wallets ordered by priority then creation time
	ListWalletsByCustomer(ctx context.Context, customerID string, status types.WalletStatus) ([]*Wallet, error)
	ListActiveWallets(ctx context.Context) ([]*Wallet, error)

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	ListTransactions(ctx context.Context, filter *TransactionFilter) ([]*Transaction, error)
	// ListFundingTransactions returns settled inbound transactions with remaining funds
	// ordered by priority, creation time and id
	ListFundingTransactions(ctx context.Context, walletID string) ([]*Transaction, error)

	CreateConsumptions(ctx context.Context, consumptions []*Consumption) error
	ListConsumptionsByOutbound(ctx context.Context, outboundID string) ([]*Consumption, error)
	ListConsumptionsByInbound(ctx context.Context, inboundID string) ([]*Consumption, error)
}
