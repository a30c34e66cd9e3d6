package postgres

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/wallet"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

const walletColumns = `id, tenant_id, environment_id, status, customer_id, name, currency, wallet_status,
	rate_amount, priority, traceable, balance_cents, credits_balance, consumed_amount_cents, consumed_credits,
	ongoing_balance_cents, ongoing_usage_balance_cents, credits_ongoing_balance, credits_ongoing_usage_balance,
	last_balance_sync_at, allowed_fee_types, allowed_billable_metric_codes, paid_top_up_min_amount_cents,
	paid_top_up_max_amount_cents, invoice_requires_successful_payment, recurring_transaction_rules,
	terminated_at, created_at, updated_at, created_by, updated_by`

const walletTransactionColumns = `id, tenant_id, wallet_id, transaction_type, transaction_status, tx_status, source,
	amount, credit_amount, amount_cents, remaining_amount_cents, priority, invoice_id, credit_note_id,
	metadata, settled_at, failed_at, created_at`

const consumptionColumns = `id, tenant_id, inbound_wallet_transaction_id, outbound_wallet_transaction_id,
	amount_cents, created_at`

type walletRow struct {
	wallet.Wallet
	AllowedFeeTypes            pq.StringArray                                 `db:"allowed_fee_types"`
	AllowedBillableMetricCodes pq.StringArray                                 `db:"allowed_billable_metric_codes"`
	RecurringTransactionRules  JSONColumn[[]*wallet.RecurringTransactionRule] `db:"recurring_transaction_rules"`
}

func newWalletRow(w *wallet.Wallet) *walletRow {
	return &walletRow{
		Wallet:                     *w,
		AllowedFeeTypes:            lo.Map(w.AllowedFeeTypes, func(t types.FeeType, _ int) string { return string(t) }),
		AllowedBillableMetricCodes: w.AllowedBillableMetricCodes,
		RecurringTransactionRules:  NewJSONColumn(w.RecurringTransactionRules),
	}
}

func (r *walletRow) toDomain() *wallet.Wallet {
	w := r.Wallet
	w.AllowedFeeTypes = lo.Map(r.AllowedFeeTypes, func(t string, _ int) types.FeeType { return types.FeeType(t) })
	w.AllowedBillableMetricCodes = []string(r.AllowedBillableMetricCodes)
	w.RecurringTransactionRules = r.RecurringTransactionRules.V
	return &w
}

type transactionRow struct {
	wallet.Transaction
	Metadata JSONColumn[map[string]string] `db:"metadata"`
}

func (r *transactionRow) toDomain() *wallet.Transaction {
	t := r.Transaction
	t.Metadata = r.Metadata.V
	return &t
}

// tenantScoped scopes ledger rows, which are keyed by tenant only
func tenantScoped(ctx context.Context, prefix string) *where {
	return (&where{}).add(prefix+"tenant_id = ?", types.GetTenantID(ctx))
}

type walletRepository struct {
	client postgres.IClient
	logger *logger.Logger
}

func NewWalletRepository(client postgres.IClient, logger *logger.Logger) wallet.Repository {
	return &walletRepository{client: client, logger: logger}
}

func (r *walletRepository) CreateWallet(ctx context.Context, w *wallet.Wallet) error {
	query := `
		INSERT INTO wallets (` + walletColumns + `)
		VALUES (
			:id, :tenant_id, :environment_id, :status, :customer_id, :name, :currency, :wallet_status,
			:rate_amount, :priority, :traceable, :balance_cents, :credits_balance, :consumed_amount_cents, :consumed_credits,
			:ongoing_balance_cents, :ongoing_usage_balance_cents, :credits_ongoing_balance, :credits_ongoing_usage_balance,
			:last_balance_sync_at, :allowed_fee_types, :allowed_billable_metric_codes, :paid_top_up_min_amount_cents,
			:paid_top_up_max_amount_cents, :invoice_requires_successful_payment, :recurring_transaction_rules,
			:terminated_at, :created_at, :updated_at, :created_by, :updated_by
		)`

	r.logger.Debugw("creating wallet",
		"wallet_id", w.ID,
		"customer_id", w.CustomerID,
		"priority", w.Priority,
	)

	_, err := r.client.Querier(ctx).NamedExecContext(ctx, query, newWalletRow(w))
	return translate(err, "wallet", w.ID)
}

func (r *walletRepository) GetWallet(ctx context.Context, id string) (*wallet.Wallet, error) {
	clause, args := scoped(ctx, "").add("id = ?", id).render()
	var row walletRow
	if err := r.client.Querier(ctx).GetContext(ctx, &row,
		`SELECT `+walletColumns+` FROM wallets `+clause, args...); err != nil {
		return nil, translate(err, "wallet", id)
	}
	return row.toDomain(), nil
}

func (r *walletRepository) UpdateWallet(ctx context.Context, w *wallet.Wallet) error {
	query := `
		UPDATE wallets SET
			name = :name,
			wallet_status = :wallet_status,
			priority = :priority,
			balance_cents = :balance_cents,
			credits_balance = :credits_balance,
			consumed_amount_cents = :consumed_amount_cents,
			consumed_credits = :consumed_credits,
			ongoing_balance_cents = :ongoing_balance_cents,
			ongoing_usage_balance_cents = :ongoing_usage_balance_cents,
			credits_ongoing_balance = :credits_ongoing_balance,
			credits_ongoing_usage_balance = :credits_ongoing_usage_balance,
			last_balance_sync_at = :last_balance_sync_at,
			allowed_fee_types = :allowed_fee_types,
			allowed_billable_metric_codes = :allowed_billable_metric_codes,
			paid_top_up_min_amount_cents = :paid_top_up_min_amount_cents,
			paid_top_up_max_amount_cents = :paid_top_up_max_amount_cents,
			invoice_requires_successful_payment = :invoice_requires_successful_payment,
			recurring_transaction_rules = :recurring_transaction_rules,
			terminated_at = :terminated_at,
			status = :status,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND environment_id = :environment_id`

	res, err := r.client.Querier(ctx).NamedExecContext(ctx, query, newWalletRow(w))
	if err != nil {
		return translate(err, "wallet", w.ID)
	}
	return expectRow(res, "wallet", w.ID)
}

func (r *walletRepository) ListWalletsByCustomer(ctx context.Context, customerID string, status types.WalletStatus) ([]*wallet.Wallet, error) {
	w := scoped(ctx, "").add("customer_id = ?", customerID)
	if status != "" {
		w.add("wallet_status = ?", string(status))
	}
	return r.listWallets(ctx, w)
}

func (r *walletRepository) ListActiveWallets(ctx context.Context) ([]*wallet.Wallet, error) {
	return r.listWallets(ctx, scoped(ctx, "").add("wallet_status = ?", string(types.WalletStatusActive)))
}

func (r *walletRepository) listWallets(ctx context.Context, w *where) ([]*wallet.Wallet, error) {
	clause, args := w.render()
	var rows []*walletRow
	if err := r.client.Querier(ctx).SelectContext(ctx, &rows,
		`SELECT `+walletColumns+` FROM wallets `+clause+` ORDER BY priority, created_at, id`, args...); err != nil {
		return nil, translate(err, "wallet", "")
	}
	return lo.Map(rows, func(row *walletRow, _ int) *wallet.Wallet { return row.toDomain() }), nil
}

func (r *walletRepository) CreateTransaction(ctx context.Context, tx *wallet.Transaction) error {
	query := `
		INSERT INTO wallet_transactions (` + walletTransactionColumns + `)
		VALUES (
			:id, :tenant_id, :wallet_id, :transaction_type, :transaction_status, :tx_status, :source,
			:amount, :credit_amount, :amount_cents, :remaining_amount_cents, :priority, :invoice_id, :credit_note_id,
			:metadata, :settled_at, :failed_at, :created_at
		)`

	r.logger.Debugw("creating wallet transaction",
		"transaction_id", tx.ID,
		"wallet_id", tx.WalletID,
		"transaction_type", tx.TransactionType,
		"amount_cents", tx.AmountCents,
	)

	_, err := r.client.Querier(ctx).NamedExecContext(ctx, query,
		&transactionRow{Transaction: *tx, Metadata: NewJSONColumn(tx.Metadata)})
	return translate(err, "wallet transaction", tx.ID)
}

func (r *walletRepository) GetTransaction(ctx context.Context, id string) (*wallet.Transaction, error) {
	clause, args := tenantScoped(ctx, "").add("id = ?", id).render()
	var row transactionRow
	if err := r.client.Querier(ctx).GetContext(ctx, &row,
		`SELECT `+walletTransactionColumns+` FROM wallet_transactions `+clause, args...); err != nil {
		return nil, translate(err, "wallet transaction", id)
	}
	return row.toDomain(), nil
}

func (r *walletRepository) UpdateTransaction(ctx context.Context, tx *wallet.Transaction) error {
	query := `
		UPDATE wallet_transactions SET
			transaction_status = :transaction_status,
			tx_status = :tx_status,
			amount = :amount,
			credit_amount = :credit_amount,
			amount_cents = :amount_cents,
			remaining_amount_cents = :remaining_amount_cents,
			invoice_id = :invoice_id,
			credit_note_id = :credit_note_id,
			metadata = :metadata,
			settled_at = :settled_at,
			failed_at = :failed_at
		WHERE id = :id AND tenant_id = :tenant_id`

	res, err := r.client.Querier(ctx).NamedExecContext(ctx, query,
		&transactionRow{Transaction: *tx, Metadata: NewJSONColumn(tx.Metadata)})
	if err != nil {
		return translate(err, "wallet transaction", tx.ID)
	}
	return expectRow(res, "wallet transaction", tx.ID)
}

func (r *walletRepository) ListTransactions(ctx context.Context, f *wallet.TransactionFilter) ([]*wallet.Transaction, error) {
	if f == nil {
		f = &wallet.TransactionFilter{}
	}

	w := tenantScoped(ctx, "")
	if f.WalletID != "" {
		w.add("wallet_id = ?", f.WalletID)
	}
	if f.TransactionType != "" {
		w.add("transaction_type = ?", string(f.TransactionType))
	}
	if len(f.TransactionStatus) > 0 {
		w.add("transaction_status IN ("+placeholders(len(f.TransactionStatus))+")", stringArgs(f.TransactionStatus)...)
	}
	if len(f.Status) > 0 {
		w.add("tx_status IN ("+placeholders(len(f.Status))+")", stringArgs(f.Status)...)
	}
	if f.Source != "" {
		w.add("source = ?", string(f.Source))
	}
	if f.InvoiceID != "" {
		w.add("invoice_id = ?", f.InvoiceID)
	}
	if f.OnlyWithRemaining {
		w.add("remaining_amount_cents > 0")
	}
	return r.listTransactions(ctx, w, "created_at, id")
}

// ListFundingTransactions returns the inbound lots a consumption may draw from, in draw order
func (r *walletRepository) ListFundingTransactions(ctx context.Context, walletID string) ([]*wallet.Transaction, error) {
	w := tenantScoped(ctx, "").
		add("wallet_id = ?", walletID).
		add("transaction_type = ?", string(types.TransactionTypeInbound)).
		add("tx_status = ?", string(types.WalletTxStatusSettled)).
		add("remaining_amount_cents > 0")
	return r.listTransactions(ctx, w, "priority, created_at, id")
}

func (r *walletRepository) listTransactions(ctx context.Context, w *where, orderBy string) ([]*wallet.Transaction, error) {
	clause, args := w.render()
	var rows []*transactionRow
	if err := r.client.Querier(ctx).SelectContext(ctx, &rows,
		`SELECT `+walletTransactionColumns+` FROM wallet_transactions `+clause+` ORDER BY `+orderBy, args...); err != nil {
		return nil, translate(err, "wallet transaction", "")
	}
	return lo.Map(rows, func(row *transactionRow, _ int) *wallet.Transaction { return row.toDomain() }), nil
}

func (r *walletRepository) CreateConsumptions(ctx context.Context, consumptions []*wallet.Consumption) error {
	if len(consumptions) == 0 {
		return nil
	}
	query := `
		INSERT INTO wallet_transaction_consumptions (` + consumptionColumns + `)
		VALUES (
			:id, :tenant_id, :inbound_wallet_transaction_id, :outbound_wallet_transaction_id,
			:amount_cents, :created_at
		)`

	return r.client.WithTx(ctx, func(ctx context.Context) error {
		for _, c := range consumptions {
			if _, err := r.client.Querier(ctx).NamedExecContext(ctx, query, c); err != nil {
				return translate(err, "wallet transaction consumption", c.ID)
			}
		}
		return nil
	})
}

func (r *walletRepository) ListConsumptionsByOutbound(ctx context.Context, outboundID string) ([]*wallet.Consumption, error) {
	return r.listConsumptions(ctx, tenantScoped(ctx, "").add("outbound_wallet_transaction_id = ?", outboundID))
}

func (r *walletRepository) ListConsumptionsByInbound(ctx context.Context, inboundID string) ([]*wallet.Consumption, error) {
	return r.listConsumptions(ctx, tenantScoped(ctx, "").add("inbound_wallet_transaction_id = ?", inboundID))
}

func (r *walletRepository) listConsumptions(ctx context.Context, w *where) ([]*wallet.Consumption, error) {
	clause, args := w.render()
	var out []*wallet.Consumption
	if err := r.client.Querier(ctx).SelectContext(ctx, &out,
		`SELECT `+consumptionColumns+` FROM wallet_transaction_consumptions `+clause+` ORDER BY created_at, id`, args...); err != nil {
		return nil, translate(err, "wallet transaction consumption", "")
	}
	return out, nil
}
