package postgres

import (
	"context"
	"fmt"

	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
	"github.com/flexprice/billingengine/internal/types"
)

const subscriptionColumns = `id, tenant_id, environment_id, status, external_id, customer_id, plan_id,
	subscription_status, billing_time, subscription_at, started_at, ending_at, terminated_at, canceled_at,
	trial_ended_at, previous_subscription_id, next_subscription_id, on_termination_credit_note,
	created_at, updated_at, created_by, updated_by`

type subscriptionRepository struct {
	client postgres.IClient
	logger *logger.Logger
}

func NewSubscriptionRepository(client postgres.IClient, logger *logger.Logger) subscription.Repository {
	return &subscriptionRepository{client: client, logger: logger}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES (
			:id, :tenant_id, :environment_id, :status, :external_id, :customer_id, :plan_id,
			:subscription_status, :billing_time, :subscription_at, :started_at, :ending_at, :terminated_at, :canceled_at,
			:trial_ended_at, :previous_subscription_id, :next_subscription_id, :on_termination_credit_note,
			:created_at, :updated_at, :created_by, :updated_by
		)`

	r.logger.Debugw("creating subscription",
		"subscription_id", sub.ID,
		"customer_id", sub.CustomerID,
		"plan_id", sub.PlanID,
	)

	_, err := r.client.Querier(ctx).NamedExecContext(ctx, query, sub)
	return translate(err, "subscription", sub.ID)
}

func (r *subscriptionRepository) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	clause, args := scoped(ctx, "").add("id = ?", id).render()
	var sub subscription.Subscription
	if err := r.client.Querier(ctx).GetContext(ctx, &sub,
		`SELECT `+subscriptionColumns+` FROM subscriptions `+clause, args...); err != nil {
		return nil, translate(err, "subscription", id)
	}
	return &sub, nil
}

func (r *subscriptionRepository) Update(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		UPDATE subscriptions SET
			plan_id = :plan_id,
			subscription_status = :subscription_status,
			billing_time = :billing_time,
			subscription_at = :subscription_at,
			started_at = :started_at,
			ending_at = :ending_at,
			terminated_at = :terminated_at,
			canceled_at = :canceled_at,
			trial_ended_at = :trial_ended_at,
			previous_subscription_id = :previous_subscription_id,
			next_subscription_id = :next_subscription_id,
			on_termination_credit_note = :on_termination_credit_note,
			status = :status,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND environment_id = :environment_id`

	r.logger.Debugw("updating subscription",
		"subscription_id", sub.ID,
		"subscription_status", sub.SubscriptionStatus,
	)

	res, err := r.client.Querier(ctx).NamedExecContext(ctx, query, sub)
	if err != nil {
		return translate(err, "subscription", sub.ID)
	}
	return expectRow(res, "subscription", sub.ID)
}

func (r *subscriptionRepository) List(ctx context.Context, filter *subscription.Filter) ([]*subscription.Subscription, error) {
	if filter == nil {
		filter = &subscription.Filter{}
	}

	w := scoped(ctx, "")
	if filter.CustomerID != "" {
		w.add("customer_id = ?", filter.CustomerID)
	}
	if filter.ExternalID != "" {
		w.add("external_id = ?", filter.ExternalID)
	}
	if filter.PlanID != "" {
		w.add("plan_id = ?", filter.PlanID)
	}
	if len(filter.Statuses) > 0 {
		w.add("subscription_status IN ("+placeholders(len(filter.Statuses))+")", stringArgs(filter.Statuses)...)
	}
	if len(filter.IDs) > 0 {
		w.add("id IN ("+placeholders(len(filter.IDs))+")", stringArgs(filter.IDs)...)
	}

	clause, args := w.render()
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions ` + clause + ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var subs []*subscription.Subscription
	if err := r.client.Querier(ctx).SelectContext(ctx, &subs, query, args...); err != nil {
		return nil, translate(err, "subscription", "")
	}
	return subs, nil
}

func (r *subscriptionRepository) GetActiveByExternalID(ctx context.Context, customerID, externalID string) (*subscription.Subscription, error) {
	clause, args := scoped(ctx, "").
		add("customer_id = ?", customerID).
		add("external_id = ?", externalID).
		add("subscription_status = ?", string(types.SubscriptionStatusActive)).
		render()

	var sub subscription.Subscription
	if err := r.client.Querier(ctx).GetContext(ctx, &sub,
		`SELECT `+subscriptionColumns+` FROM subscriptions `+clause+` ORDER BY created_at, id LIMIT 1`, args...); err != nil {
		return nil, translate(err, "subscription", externalID)
	}
	return &sub, nil
}

func (r *subscriptionRepository) GetByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	clause, args := scoped(ctx, "").add("external_id = ?", externalID).render()

	// active first, then the most recent of the lineage
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions ` + clause + `
		ORDER BY (subscription_status = '` + string(types.SubscriptionStatusActive) + `') DESC, created_at DESC, id DESC
		LIMIT 1`

	var sub subscription.Subscription
	if err := r.client.Querier(ctx).GetContext(ctx, &sub, query, args...); err != nil {
		return nil, translate(err, "subscription", externalID)
	}
	return &sub, nil
}
