package types

type WalletStatus string

const (
	WalletStatusActive     WalletStatus = "active"
	WalletStatusTerminated WalletStatus = "terminated"
)

type TransactionType string

const (
	TransactionTypeInbound  TransactionType = "inbound"
	TransactionTypeOutbound TransactionType = "outbound"
)

// TransactionStatus is the ledger meaning of a wallet transaction
type TransactionStatus string

const (
	TransactionStatusGranted   TransactionStatus = "granted"
	TransactionStatusPurchased TransactionStatus = "purchased"
	TransactionStatusInvoiced  TransactionStatus = "invoiced"
	TransactionStatusVoided    TransactionStatus = "voided"
)

// WalletTxStatus is the settlement state of a wallet transaction
type WalletTxStatus string

const (
	WalletTxStatusPending WalletTxStatus = "pending"
	WalletTxStatusSettled WalletTxStatus = "settled"
	WalletTxStatusFailed  WalletTxStatus = "failed"
)

type TransactionSource string

const (
	TransactionSourceManual    TransactionSource = "manual"
	TransactionSourceInterval  TransactionSource = "interval"
	TransactionSourceThreshold TransactionSource = "threshold"
)

type RecurringTrigger string

const (
	RecurringTriggerInterval  RecurringTrigger = "interval"
	RecurringTriggerThreshold RecurringTrigger = "threshold"
)

type RecurringMethod string

const (
	RecurringMethodFixed  RecurringMethod = "fixed"
	RecurringMethodTarget RecurringMethod = "target"
)

const (
	DefaultWalletPriority = 50
	MinWalletPriority     = 1
	MaxWalletPriority     = 50
)
