package service

import (
	"context"
	"sort"
	"time"

	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/cache"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/domain/wallet"
	"github.com/flexprice/billingengine/internal/dto"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/lock"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

type WalletService interface {
	Create(ctx context.Context, req *dto.CreateWalletRequest, at time.Time) (*wallet.Wallet, error)
	Get(ctx context.Context, id string) (*wallet.Wallet, error)

	// TopUp adds granted credits, settled at once, and paid credits billed on a
	// credit invoice. Paid credits settle when that invoice is paid unless the
	// wallet or the request does not require a successful payment.
	TopUp(ctx context.Context, walletID string, req *dto.TopUpRequest, at time.Time) ([]*wallet.Transaction, error)
	VoidCredits(ctx context.Context, walletID string, credits decimal.Decimal, at time.Time) (*wallet.Transaction, error)
	Consume(ctx context.Context, walletID string, amountCents decimal.Decimal, status types.TransactionStatus, invoiceID string, at time.Time) (*wallet.Transaction, error)

	// ApplyPrepaidCredits consumes the customer's wallets against an invoice being
	// finalized. It runs in the caller's transaction.
	ApplyPrepaidCredits(ctx context.Context, inv *invoice.Invoice, at time.Time) error
	SettleInvoiceTransactions(ctx context.Context, invoiceID string, at time.Time) error
	FailInvoiceTransactions(ctx context.Context, invoiceID string, at time.Time) error

	RefreshOngoingBalance(ctx context.Context, walletID string, at time.Time) (*dto.OngoingBalance, error)
	// GetOngoingBalance serves a recent projection from cache, refreshing it otherwise
	GetOngoingBalance(ctx context.Context, walletID string, at time.Time) (*dto.OngoingBalance, error)
	EvaluateRecurringRules(ctx context.Context, walletID string, at time.Time) ([]*wallet.Transaction, error)

	Terminate(ctx context.Context, walletID string, at time.Time) (*wallet.Wallet, error)
	GetBalanceBreakdown(ctx context.Context, walletID string) (*dto.BalanceBreakdown, error)
}

type walletService struct {
	ServiceParams
	ledger *WalletLedger
}

func NewWalletService(params ServiceParams) WalletService {
	return &walletService{
		ServiceParams: params,
		ledger:        NewWalletLedger(params.WalletRepo),
	}
}

func (s *walletService) Get(ctx context.Context, id string) (*wallet.Wallet, error) {
	return s.WalletRepo.GetWallet(ctx, id)
}

func (s *walletService) Create(ctx context.Context, req *dto.CreateWalletRequest, at time.Time) (*wallet.Wallet, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cust, err := s.CustomerRepo.Get(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}

	w := req.ToWallet(s.Config.Billing.Features.TraceableWallets)
	w.ID = types.GenerateUUIDWithPrefix(types.UUID_PREFIX_WALLET)
	w.BaseModel = types.GetDefaultBaseModel(ctx, at)
	if w.Currency == "" {
		w.Currency = cust.Currency
	}
	for _, r := range w.RecurringTransactionRules {
		if r.ID == "" {
			r.ID = types.GenerateUUIDWithPrefix(types.UUID_PREFIX_RECURRING_RULE)
		}
		if r.StartedAt.IsZero() {
			r.StartedAt = at
		}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	if err := s.WalletRepo.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	s.Logger.WithContext(ctx).Infow("wallet created",
		"wallet_id", w.ID,
		"customer_id", w.CustomerID,
		"priority", w.Priority,
		"traceable", w.Traceable)

	if req.PaidCredits.IsZero() && req.GrantedCredits.IsZero() {
		return w, nil
	}
	if _, err := s.TopUp(ctx, w.ID, &dto.TopUpRequest{
		PaidCredits:    req.PaidCredits,
		GrantedCredits: req.GrantedCredits,
		Source:         types.TransactionSourceManual,
	}, at); err != nil {
		return nil, err
	}
	return s.WalletRepo.GetWallet(ctx, w.ID)
}

func (s *walletService) TopUp(ctx context.Context, walletID string, req *dto.TopUpRequest, at time.Time) ([]*wallet.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	w, err := s.WalletRepo.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(w); err != nil {
		return nil, err
	}

	// paid credits are money: rounded to the currency precision
	paidCredits := req.PaidCredits.Round(types.CurrencyPrecision)
	paidAmount := paidCredits.Mul(w.RateAmount).Round(types.CurrencyPrecision)
	paidCents := types.ToCents(paidAmount)
	if paidCents.IsPositive() && !req.IgnorePaidTopUpLimits {
		if err := w.CheckPaidTopUpLimits(paidCents); err != nil {
			return nil, err
		}
	}
	grantedCredits := types.TruncateCredits(req.GrantedCredits)

	source := lo.Ternary(req.Source != "", req.Source, types.TransactionSourceManual)
	priority := lo.Ternary(req.Priority != 0, req.Priority, types.DefaultWalletPriority)
	requiresPayment := lo.FromPtrOr(req.InvoiceRequiresSuccessfulPayment, w.InvoiceRequiresSuccessfulPayment)
	metadata := map[string]string{}
	if req.RecurringRuleID != "" {
		metadata["recurring_rule_id"] = req.RecurringRuleID
	}

	var created []*wallet.Transaction
	var purchased *wallet.Transaction
	var creditInvoice *invoice.Invoice
	err = s.Locker.WithLock(ctx, lock.WalletKey(walletID), func(ctx context.Context) error {
		return s.DB.WithTx(ctx, func(ctx context.Context) error {
			w, err := s.WalletRepo.GetWallet(ctx, walletID)
			if err != nil {
				return err
			}

			if grantedCredits.IsPositive() {
				tx := newInbound(ctx, w, types.TransactionStatusGranted, source, grantedCredits,
					grantedCredits.Mul(w.RateAmount), priority, metadata, at)
				settleInbound(w, tx, at)
				if err := s.WalletRepo.CreateTransaction(ctx, tx); err != nil {
					return err
				}
				if err := s.WalletRepo.UpdateWallet(ctx, w); err != nil {
					return err
				}
				created = append(created, tx)
			}

			if paidCredits.IsPositive() {
				creditInvoice, err = NewInvoiceService(s.ServiceParams).CreateCreditInvoice(ctx, w.CustomerID, paidCents, w.Currency, at)
				if err != nil {
					return err
				}
				purchased = newInbound(ctx, w, types.TransactionStatusPurchased, source, paidCredits, paidAmount, priority, metadata, at)
				purchased.InvoiceID = creditInvoice.ID
				if err := s.WalletRepo.CreateTransaction(ctx, purchased); err != nil {
					return err
				}
				created = append(created, purchased)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOngoing(ctx, walletID)

	for _, tx := range created {
		s.transactionCreated(ctx, tx)
	}
	s.Logger.WithContext(ctx).Infow("wallet topped up",
		"wallet_id", walletID,
		"paid_credits", paidCredits,
		"granted_credits", grantedCredits,
		"source", source)

	if purchased == nil {
		return created, nil
	}
	if !requiresPayment {
		if err := s.SettleInvoiceTransactions(ctx, creditInvoice.ID, at); err != nil {
			return nil, err
		}
	}
	if _, err := NewInvoiceService(s.ServiceParams).Finalize(ctx, creditInvoice.ID, at); err != nil {
		return nil, err
	}

	// reload what settlement and payment changed
	for i, tx := range created {
		fresh, err := s.WalletRepo.GetTransaction(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		created[i] = fresh
	}
	return created, nil
}

func newInbound(
	ctx context.Context,
	w *wallet.Wallet,
	status types.TransactionStatus,
	source types.TransactionSource,
	credits, amount decimal.Decimal,
	priority int,
	metadata map[string]string,
	at time.Time,
) *wallet.Transaction {
	return &wallet.Transaction{
		ID:                types.GenerateUUIDWithPrefix(types.UUID_PREFIX_WALLET_TRANSACTION),
		WalletID:          w.ID,
		TransactionType:   types.TransactionTypeInbound,
		TransactionStatus: status,
		Status:            types.WalletTxStatusPending,
		Source:            source,
		Amount:            amount,
		CreditAmount:      credits,
		AmountCents:       types.ToCents(amount),
		Priority:          priority,
		Metadata:          metadata,
		CreatedAt:         at,
		TenantID:          types.GetTenantID(ctx),
	}
}

// settleInbound credits a settled inbound transaction to the wallet balance
func settleInbound(w *wallet.Wallet, tx *wallet.Transaction, at time.Time) {
	tx.Status = types.WalletTxStatusSettled
	tx.SettledAt = &at
	if w.Traceable {
		tx.RemainingAmountCents = types.DecimalPtr(tx.AmountCents)
	}
	w.CreditsBalance = w.CreditsBalance.Add(tx.CreditAmount)
	w.SyncBalanceCents()
	w.UpdatedAt = at
}

func requireActive(w *wallet.Wallet) error {
	if w.IsActive() {
		return nil
	}
	return ierr.NewError("wallet is not active").
		WithHintf("Wallet %s is %s", w.ID, w.WalletStatus).
		WithReportableDetails(map[string]any{"wallet_id": w.ID}).
		Mark(ierr.ErrInvalidOperation)
}

func (s *walletService) SettleInvoiceTransactions(ctx context.Context, invoiceID string, at time.Time) error {
	return s.resolvePending(ctx, invoiceID, at, true)
}

func (s *walletService) FailInvoiceTransactions(ctx context.Context, invoiceID string, at time.Time) error {
	return s.resolvePending(ctx, invoiceID, at, false)
}

// resolvePending settles or fails the pending purchases of a credit invoice.
// Failed purchases never reached the balance, so nothing is reverted.
func (s *walletService) resolvePending(ctx context.Context, invoiceID string, at time.Time, settle bool) error {
	pending, err := s.WalletRepo.ListTransactions(ctx, &wallet.TransactionFilter{
		InvoiceID:       invoiceID,
		TransactionType: types.TransactionTypeInbound,
		Status:          []types.WalletTxStatus{types.WalletTxStatusPending},
	})
	if err != nil {
		return err
	}

	for _, p := range pending {
		err := s.Locker.WithLock(ctx, lock.WalletKey(p.WalletID), func(ctx context.Context) error {
			return s.DB.WithTx(ctx, func(ctx context.Context) error {
				tx, err := s.WalletRepo.GetTransaction(ctx, p.ID)
				if err != nil {
					return err
				}
				if tx.Status != types.WalletTxStatusPending {
					return nil
				}
				if !settle {
					tx.Status = types.WalletTxStatusFailed
					tx.FailedAt = &at
					return s.WalletRepo.UpdateTransaction(ctx, tx)
				}

				w, err := s.WalletRepo.GetWallet(ctx, tx.WalletID)
				if err != nil {
					return err
				}
				settleInbound(w, tx, at)
				if err := s.WalletRepo.UpdateTransaction(ctx, tx); err != nil {
					return err
				}
				return s.WalletRepo.UpdateWallet(ctx, w)
			})
		})
		if err != nil {
			return err
		}
		s.invalidateOngoing(ctx, p.WalletID)

		s.Logger.WithContext(ctx).Infow("purchased credits resolved",
			"wallet_id", p.WalletID,
			"transaction_id", p.ID,
			"invoice_id", invoiceID,
			"settled", settle)
		if s.Metrics != nil {
			s.Metrics.WalletTransaction(string(p.TransactionType), lo.Ternary(settle, "settled", "failed"))
		}
	}
	return nil
}

func (s *walletService) VoidCredits(ctx context.Context, walletID string, credits decimal.Decimal, at time.Time) (*wallet.Transaction, error) {
	credits = types.TruncateCredits(credits)
	if !credits.IsPositive() {
		return nil, ierr.NewError("invalid credits").
			WithHint("Voided credits must be positive").
			Mark(ierr.ErrValidation)
	}

	var tx *wallet.Transaction
	err := s.Locker.WithLock(ctx, lock.WalletKey(walletID), func(ctx context.Context) error {
		return s.DB.WithTx(ctx, func(ctx context.Context) error {
			w, err := s.WalletRepo.GetWallet(ctx, walletID)
			if err != nil {
				return err
			}
			if err := requireActive(w); err != nil {
				return err
			}
			if credits.GreaterThan(w.CreditsBalance) {
				return ierr.NewError("insufficient credits").
					WithHint("Cannot void more credits than the wallet balance").
					WithReportableDetails(map[string]any{
						"wallet_id":       w.ID,
						"credits":         credits,
						"credits_balance": w.CreditsBalance,
					}).
					Mark(ierr.ErrValidation)
			}

			// the amount is rounded, the credits keep their internal precision
			amount := credits.Mul(w.RateAmount).Round(types.CurrencyPrecision)
			tx = newOutbound(ctx, w, types.TransactionStatusVoided, types.ToCents(amount), credits, "", at)
			if w.Traceable {
				spendable, err := s.spendableCents(ctx, w)
				if err != nil {
					return err
				}
				tx.AmountCents = decimal.Min(tx.AmountCents, spendable)
			}
			if err := s.WalletRepo.CreateTransaction(ctx, tx); err != nil {
				return err
			}
			if w.Traceable {
				if _, err := s.ledger.Consume(ctx, tx, at); err != nil {
					return err
				}
			}

			w.CreditsBalance = w.CreditsBalance.Sub(credits)
			w.SyncBalanceCents()
			w.UpdatedAt = at
			return s.WalletRepo.UpdateWallet(ctx, w)
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOngoing(ctx, walletID)
	s.transactionCreated(ctx, tx)
	return tx, nil
}

func newOutbound(ctx context.Context, w *wallet.Wallet, status types.TransactionStatus, amountCents, credits decimal.Decimal, invoiceID string, at time.Time) *wallet.Transaction {
	return &wallet.Transaction{
		ID:                types.GenerateUUIDWithPrefix(types.UUID_PREFIX_WALLET_TRANSACTION),
		WalletID:          w.ID,
		TransactionType:   types.TransactionTypeOutbound,
		TransactionStatus: status,
		Status:            types.WalletTxStatusSettled,
		Source:            types.TransactionSourceManual,
		Amount:            types.FromCents(amountCents),
		CreditAmount:      credits,
		AmountCents:       amountCents,
		Priority:          w.Priority,
		InvoiceID:         invoiceID,
		SettledAt:         &at,
		CreatedAt:         at,
		TenantID:          types.GetTenantID(ctx),
	}
}

func (s *walletService) Consume(ctx context.Context, walletID string, amountCents decimal.Decimal, status types.TransactionStatus, invoiceID string, at time.Time) (*wallet.Transaction, error) {
	var tx *wallet.Transaction
	err := s.Locker.WithLock(ctx, lock.WalletKey(walletID), func(ctx context.Context) error {
		return s.DB.WithTx(ctx, func(ctx context.Context) error {
			var err error
			tx, _, err = s.consume(ctx, walletID, amountCents, status, invoiceID, at)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOngoing(ctx, walletID)
	s.transactionCreated(ctx, tx)
	return tx, nil
}

// consume debits a wallet. The caller holds the wallet lock and a transaction.
func (s *walletService) consume(ctx context.Context, walletID string, amountCents decimal.Decimal, status types.TransactionStatus, invoiceID string, at time.Time) (*wallet.Transaction, []*wallet.Consumption, error) {
	if !amountCents.IsPositive() {
		return nil, nil, ierr.NewError("invalid amount").
			WithHint("Consumed amount must be positive").
			Mark(ierr.ErrValidation)
	}
	w, err := s.WalletRepo.GetWallet(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}
	if err := requireActive(w); err != nil {
		return nil, nil, err
	}
	if amountCents.GreaterThan(w.BalanceCents) {
		return nil, nil, ierr.NewError("insufficient balance").
			WithHint("Wallet balance does not cover the amount").
			WithReportableDetails(map[string]any{
				"wallet_id":     w.ID,
				"amount_cents":  amountCents,
				"balance_cents": w.BalanceCents,
			}).
			Mark(ierr.ErrValidation)
	}

	credits := decimal.Min(w.CentsToCredits(amountCents), w.CreditsBalance)
	tx := newOutbound(ctx, w, status, amountCents, credits, invoiceID, at)
	if err := s.WalletRepo.CreateTransaction(ctx, tx); err != nil {
		return nil, nil, err
	}

	var consumptions []*wallet.Consumption
	if w.Traceable {
		consumptions, err = s.ledger.Consume(ctx, tx, at)
		if err != nil {
			return nil, nil, err
		}
	}

	w.CreditsBalance = w.CreditsBalance.Sub(credits)
	if status == types.TransactionStatusInvoiced {
		w.ConsumedCredits = w.ConsumedCredits.Add(credits)
		w.ConsumedAmountCents = w.ConsumedAmountCents.Add(amountCents)
	}
	w.SyncBalanceCents()
	w.UpdatedAt = at
	if err := s.WalletRepo.UpdateWallet(ctx, w); err != nil {
		return nil, nil, err
	}
	return tx, consumptions, nil
}

// spendableCents is the balance a wallet can fund; traceable wallets are also
// bounded by what their funding transactions still hold
func (s *walletService) spendableCents(ctx context.Context, w *wallet.Wallet) (decimal.Decimal, error) {
	if !w.Traceable {
		return w.BalanceCents, nil
	}
	funding, err := s.WalletRepo.ListFundingTransactions(ctx, w.ID)
	if err != nil {
		return decimal.Zero, err
	}
	held := lo.Reduce(funding, func(acc decimal.Decimal, tx *wallet.Transaction, _ int) decimal.Decimal {
		return acc.Add(tx.Remaining())
	}, decimal.Zero)
	return decimal.Min(w.BalanceCents, held), nil
}

func (s *walletService) ApplyPrepaidCredits(ctx context.Context, inv *invoice.Invoice, at time.Time) error {
	if inv.InvoiceType == types.InvoiceTypeCredit {
		return nil
	}
	due := inv.AmountDueBeforePrepaid()
	if !due.IsPositive() {
		return nil
	}
	wallets, err := s.WalletRepo.ListWalletsByCustomer(ctx, inv.CustomerID, types.WalletStatusActive)
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		return nil
	}

	ids := lo.Map(wallets, func(w *wallet.Wallet, _ int) string { return w.ID })
	var outbound []*wallet.Transaction
	err = s.withWalletLocks(ctx, ids, func(ctx context.Context) error {
		spendable := make(map[string]decimal.Decimal, len(wallets))
		for _, w := range wallets {
			fresh, err := s.WalletRepo.GetWallet(ctx, w.ID)
			if err != nil {
				return err
			}
			*w = *fresh
			spendable[w.ID], err = s.spendableCents(ctx, w)
			if err != nil {
				return err
			}
		}

		shares := dispatchToWallets(wallets, inv.Fees, &due, func(w *wallet.Wallet) *decimal.Decimal {
			return types.DecimalPtr(spendable[w.ID])
		})

		total := decimal.Zero
		allTraceable := true
		var consumptions []*wallet.Consumption
		for _, share := range shares {
			tx, cons, err := s.consume(ctx, share.Wallet.ID, share.AmountCents, types.TransactionStatusInvoiced, inv.ID, at)
			if err != nil {
				return err
			}
			outbound = append(outbound, tx)
			consumptions = append(consumptions, cons...)
			total = total.Add(share.AmountCents)
			allTraceable = allTraceable && share.Wallet.Traceable
		}

		inv.PrepaidCreditAmountCents = total
		inv.PrepaidGrantedCreditAmountCents = nil
		inv.PrepaidPurchasedCreditAmountCents = nil
		if total.IsPositive() && allTraceable {
			granted, purchased, err := s.ledger.Breakdown(ctx, consumptions)
			if err != nil {
				return err
			}
			inv.PrepaidGrantedCreditAmountCents = types.DecimalPtr(granted)
			inv.PrepaidPurchasedCreditAmountCents = types.DecimalPtr(purchased)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, tx := range outbound {
		s.invalidateOngoing(ctx, tx.WalletID)
		if s.Metrics != nil {
			s.Metrics.WalletTransaction(string(tx.TransactionType), string(tx.TransactionStatus))
		}
	}
	if len(outbound) > 0 {
		s.Logger.WithContext(ctx).Infow("prepaid credits applied",
			"invoice_id", inv.ID,
			"wallets", len(outbound),
			"prepaid_credit_amount_cents", inv.PrepaidCreditAmountCents)
	}
	return nil
}

type walletShare struct {
	Wallet      *wallet.Wallet
	AmountCents decimal.Decimal
}

// dispatchToWallets splits the payable amounts of fees across wallets taken in
// priority then creation order. A restricted wallet claims the fee keys it covers
// and later wallets never see them; unrestricted wallets share the unclaimed keys.
// A nil limit or cap leaves the amount unbounded.
func dispatchToWallets(wallets []*wallet.Wallet, fees []*invoice.Fee, limit *decimal.Decimal, capOf func(*wallet.Wallet) *decimal.Decimal) []walletShare {
	var keys []string
	left := make(map[string]decimal.Decimal)
	sample := make(map[string]*invoice.Fee)
	for _, f := range fees {
		k := f.ClaimKey()
		if _, ok := left[k]; !ok {
			keys = append(keys, k)
			sample[k] = f
		}
		left[k] = left[k].Add(f.PayableAmountCents())
	}

	ordered := append([]*wallet.Wallet{}, wallets...)
	sortWallets(ordered)

	claimed := make(map[string]bool)
	var shares []walletShare
	for _, w := range ordered {
		if limit != nil && !limit.IsPositive() {
			break
		}

		var covered []string
		for _, k := range keys {
			if claimed[k] {
				continue
			}
			if w.IsRestricted() {
				if !w.Covers(sample[k].FeeType, sample[k].BillableMetricCode) {
					continue
				}
				claimed[k] = true
			}
			covered = append(covered, k)
		}

		amount := decimal.Zero
		for _, k := range covered {
			amount = amount.Add(decimal.Max(decimal.Zero, left[k]))
		}
		if capOf != nil {
			if c := capOf(w); c != nil {
				amount = decimal.Min(amount, *c)
			}
		}
		if limit != nil {
			amount = decimal.Min(amount, *limit)
		}
		if !amount.IsPositive() {
			continue
		}

		rest := amount
		for _, k := range covered {
			take := decimal.Min(decimal.Max(decimal.Zero, left[k]), rest)
			left[k] = left[k].Sub(take)
			rest = rest.Sub(take)
		}
		if limit != nil {
			limit = types.DecimalPtr(limit.Sub(amount))
		}
		shares = append(shares, walletShare{Wallet: w, AmountCents: amount})
	}
	return shares
}

func sortWallets(wallets []*wallet.Wallet) {
	sort.SliceStable(wallets, func(i, j int) bool {
		a, b := wallets[i], wallets[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (s *walletService) RefreshOngoingBalance(ctx context.Context, walletID string, at time.Time) (*dto.OngoingBalance, error) {
	w, err := s.WalletRepo.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	usageFees, err := s.ongoingFees(ctx, w.CustomerID, at)
	if err != nil {
		return nil, err
	}
	wallets, err := s.WalletRepo.ListWalletsByCustomer(ctx, w.CustomerID, types.WalletStatusActive)
	if err != nil {
		return nil, err
	}
	if !lo.ContainsBy(wallets, func(o *wallet.Wallet) bool { return o.ID == w.ID }) {
		wallets = append(wallets, w)
	}

	usage := decimal.Zero
	for _, share := range dispatchToWallets(wallets, usageFees, nil, nil) {
		if share.Wallet.ID == w.ID {
			usage = share.AmountCents
		}
	}

	var ob *dto.OngoingBalance
	err = s.Locker.WithLock(ctx, lock.WalletKey(walletID), func(ctx context.Context) error {
		w, err := s.WalletRepo.GetWallet(ctx, walletID)
		if err != nil {
			return err
		}
		usageCredits := w.CentsToCredits(usage)
		w.OngoingUsageBalanceCents = usage
		w.OngoingBalanceCents = w.BalanceCents.Sub(usage)
		w.CreditsOngoingUsageBalance = usageCredits
		w.CreditsOngoingBalance = w.CreditsBalance.Sub(usageCredits)
		w.LastBalanceSyncAt = &at
		if err := s.WalletRepo.UpdateWallet(ctx, w); err != nil {
			return err
		}
		ob = &dto.OngoingBalance{
			WalletID:                   w.ID,
			BalanceCents:               w.BalanceCents,
			OngoingBalanceCents:        w.OngoingBalanceCents,
			OngoingUsageBalanceCents:   w.OngoingUsageBalanceCents,
			CreditsOngoingBalance:      w.CreditsOngoingBalance,
			CreditsOngoingUsageBalance: w.CreditsOngoingUsageBalance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.Cache != nil {
		s.Cache.Set(ctx, ongoingKey(ctx, walletID), ob, s.Config.Billing.OngoingBalanceTTL)
	}
	s.Logger.WithContext(ctx).Debugw("ongoing balance refreshed",
		"wallet_id", walletID,
		"ongoing_balance_cents", ob.OngoingBalanceCents,
		"ongoing_usage_balance_cents", ob.OngoingUsageBalanceCents)
	return ob, nil
}

func (s *walletService) GetOngoingBalance(ctx context.Context, walletID string, at time.Time) (*dto.OngoingBalance, error) {
	if s.Cache != nil {
		if v, ok := s.Cache.Get(ctx, ongoingKey(ctx, walletID)); ok {
			if ob, ok := v.(*dto.OngoingBalance); ok {
				return ob, nil
			}
		}
	}
	return s.RefreshOngoingBalance(ctx, walletID, at)
}

// ongoingFees is the customer's usage not yet invoiced plus its draft invoices
func (s *walletService) ongoingFees(ctx context.Context, customerID string, at time.Time) ([]*invoice.Fee, error) {
	cust, err := s.CustomerRepo.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}
	loc := s.location(cust)

	subs, err := s.SubRepo.List(ctx, &subscription.Filter{
		CustomerID: customerID,
		Statuses:   []types.SubscriptionStatus{types.SubscriptionStatusActive},
	})
	if err != nil {
		return nil, err
	}

	feeService := NewFeeService(s.ServiceParams)
	var fees []*invoice.Fee
	for _, sub := range subs {
		p, err := s.getPlan(ctx, sub.PlanID)
		if err != nil {
			return nil, err
		}
		b, err := billingperiod.Compute(billingperiod.Input{
			Subscription: sub,
			Plan:         p,
			Timezone:     loc,
			At:           at,
			Kind:         billingperiod.KindCurrentUsage,
		})
		if err != nil {
			if ierr.IsNoBoundaries(err) {
				continue
			}
			return nil, err
		}
		usage, err := feeService.ChargeFees(ctx, &FeeInput{
			Subscription: sub,
			Plan:         p,
			Boundaries:   b,
			Reason:       types.InvoicingReasonSubscriptionPeriodic,
			Timezone:     loc,
			At:           at,
			CurrentUsage: true,
		})
		if err != nil {
			return nil, err
		}
		fees = append(fees, usage...)
	}

	drafts, err := s.InvoiceRepo.List(ctx, &invoice.Filter{
		CustomerID: customerID,
		Statuses:   []types.InvoiceStatus{types.InvoiceStatusDraft},
	})
	if err != nil {
		return nil, err
	}
	for _, inv := range drafts {
		if inv.InvoiceType == types.InvoiceTypeCredit {
			continue
		}
		fees = append(fees, inv.Fees...)
	}
	return fees, nil
}

func ongoingKey(ctx context.Context, walletID string) string {
	return cache.GenerateKey(cache.PrefixOngoingBalance, types.GetTenantID(ctx), types.GetEnvironmentID(ctx), walletID)
}

func (s *walletService) invalidateOngoing(ctx context.Context, walletID string) {
	if s.Cache != nil {
		s.Cache.Delete(ctx, ongoingKey(ctx, walletID))
	}
}

func (s *walletService) EvaluateRecurringRules(ctx context.Context, walletID string, at time.Time) ([]*wallet.Transaction, error) {
	w, err := s.WalletRepo.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive() || len(w.RecurringTransactionRules) == 0 {
		return nil, nil
	}
	cust, err := s.CustomerRepo.Get(ctx, w.CustomerID)
	if err != nil {
		return nil, err
	}
	loc := s.location(cust)

	ob, err := s.GetOngoingBalance(ctx, walletID, at)
	if err != nil {
		return nil, err
	}

	var created []*wallet.Transaction
	for _, r := range w.RecurringTransactionRules {
		fire, source, err := s.ruleFires(ctx, w, r, ob, loc, at)
		if err != nil {
			return nil, err
		}
		if !fire {
			continue
		}

		paid, granted := r.PaidCredits, r.GrantedCredits
		if r.Method == types.RecurringMethodTarget {
			gap := r.TargetOngoingBalance.Sub(ob.CreditsOngoingBalance)
			if !gap.IsPositive() {
				continue
			}
			paid, granted = gap, decimal.Zero
		}
		if paid.IsZero() && granted.IsZero() {
			continue
		}

		txs, err := s.TopUp(ctx, w.ID, &dto.TopUpRequest{
			PaidCredits:                      paid,
			GrantedCredits:                   granted,
			Source:                           source,
			IgnorePaidTopUpLimits:            r.IgnorePaidTopUpLimits,
			InvoiceRequiresSuccessfulPayment: lo.ToPtr(r.InvoiceRequiresSuccessfulPayment),
			RecurringRuleID:                  r.ID,
		}, at)
		if err != nil {
			return nil, err
		}
		created = append(created, txs...)

		s.Logger.WithContext(ctx).Infow("recurring top up fired",
			"wallet_id", w.ID,
			"rule_id", r.ID,
			"trigger", r.Trigger,
			"paid_credits", paid,
			"granted_credits", granted)

		if ob, err = s.RefreshOngoingBalance(ctx, w.ID, at); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// ruleFires reports whether a recurring rule tops up at and with which source
func (s *walletService) ruleFires(ctx context.Context, w *wallet.Wallet, r *wallet.RecurringTransactionRule, ob *dto.OngoingBalance, loc *time.Location, at time.Time) (bool, types.TransactionSource, error) {
	switch r.Trigger {
	case types.RecurringTriggerThreshold:
		if ob.CreditsOngoingBalance.GreaterThan(r.ThresholdCredits) {
			return false, "", nil
		}
		pending, err := s.WalletRepo.ListTransactions(ctx, &wallet.TransactionFilter{
			WalletID: w.ID,
			Source:   types.TransactionSourceThreshold,
			Status:   []types.WalletTxStatus{types.WalletTxStatusPending},
		})
		if err != nil {
			return false, "", err
		}
		return len(pending) == 0, types.TransactionSourceThreshold, nil

	case types.RecurringTriggerInterval:
		anchor := r.StartedAt
		if anchor.IsZero() {
			anchor = w.CreatedAt
		}
		if !billingperiod.IsAnniversary(anchor, r.Interval, loc, at) {
			return false, "", nil
		}
		previous, err := s.WalletRepo.ListTransactions(ctx, &wallet.TransactionFilter{
			WalletID: w.ID,
			Source:   types.TransactionSourceInterval,
		})
		if err != nil {
			return false, "", err
		}
		today := types.LocalDate(at, loc)
		done := lo.ContainsBy(previous, func(tx *wallet.Transaction) bool {
			return tx.Metadata["recurring_rule_id"] == r.ID && types.LocalDate(tx.CreatedAt, loc).Equal(today)
		})
		return !done, types.TransactionSourceInterval, nil
	}
	return false, "", nil
}

func (s *walletService) Terminate(ctx context.Context, walletID string, at time.Time) (*wallet.Wallet, error) {
	var w *wallet.Wallet
	err := s.Locker.WithLock(ctx, lock.WalletKey(walletID), func(ctx context.Context) error {
		var err error
		w, err = s.WalletRepo.GetWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if err := requireActive(w); err != nil {
			return err
		}
		w.WalletStatus = types.WalletStatusTerminated
		w.TerminatedAt = &at
		w.UpdatedAt = at
		return s.WalletRepo.UpdateWallet(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOngoing(ctx, walletID)
	s.Logger.WithContext(ctx).Infow("wallet terminated", "wallet_id", walletID)
	return w, nil
}

func (s *walletService) GetBalanceBreakdown(ctx context.Context, walletID string) (*dto.BalanceBreakdown, error) {
	w, err := s.WalletRepo.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if !w.Traceable {
		return nil, ierr.NewError("wallet is not traceable").
			WithHintf("Wallet %s does not track the origin of its funds", w.ID).
			Mark(ierr.ErrInvalidOperation)
	}

	funding, err := s.WalletRepo.ListFundingTransactions(ctx, walletID)
	if err != nil {
		return nil, err
	}
	out := &dto.BalanceBreakdown{WalletID: walletID, GrantedCents: decimal.Zero, PurchasedCents: decimal.Zero}
	for _, tx := range funding {
		switch tx.TransactionStatus {
		case types.TransactionStatusGranted:
			out.GrantedCents = out.GrantedCents.Add(tx.Remaining())
		case types.TransactionStatusPurchased:
			out.PurchasedCents = out.PurchasedCents.Add(tx.Remaining())
		}
	}
	return out, nil
}

func (s *walletService) transactionCreated(ctx context.Context, tx *wallet.Transaction) {
	if s.Metrics != nil {
		s.Metrics.WalletTransaction(string(tx.TransactionType), string(tx.Status))
	}
	s.publish(ctx, types.EventWalletTransactionCreated, tx.ID, tx)
}
