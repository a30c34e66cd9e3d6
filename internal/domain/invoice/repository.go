package invoice

import "context"

type Repository interface {
	// Create persists the invoice with its subscriptions, fees and applied thresholds
	Create(ctx context.Context, inv *Invoice) error
	// Update persists totals, status and replaces fees
	Update(ctx context.Context, inv *Invoice) error
	// UpdateDraft is Update for an invoice still stored as a draft. It fails with
	// ErrInvalidOperation once the stored invoice left draft.
	UpdateDraft(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	List(ctx context.Context, filter *Filter) ([]*Invoice, error)

	// ExistsPeriodKey reports whether a period key was already billed on a non voided invoice
	ExistsPeriodKey(ctx context.Context, periodKey string) (bool, error)
	ListInvoiceSubscriptions(ctx context.Context, subscriptionID string) ([]*InvoiceSubscription, error)

	// Fees not attached to an invoice (non invoiceable pay in advance charges)
	CreateFee(ctx context.Context, fee *Fee) error
	ListPendingFees(ctx context.Context, subscriptionID string) ([]*Fee, error)
	AttachFees(ctx context.Context, invoiceID string, feeIDs []string) error
	// ListPayInAdvanceFees returns pay in advance fees of a subscription, invoiced or not
	ListPayInAdvanceFees(ctx context.Context, subscriptionID string) ([]*Fee, error)

	ListAppliedThresholds(ctx context.Context, subscriptionID string) ([]*AppliedUsageThreshold, error)

	ListAppliedCoupons(ctx context.Context, customerID string) ([]*AppliedCoupon, error)
	UpdateAppliedCoupon(ctx context.Context, c *AppliedCoupon) error
	CreateAppliedCoupon(ctx context.Context, c *AppliedCoupon) error
}
