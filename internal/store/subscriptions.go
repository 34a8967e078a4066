package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const subscriptionSelect = `
	SELECT subscription_id, client_id, mcp_id, selected_tools, status, subscribed_at, updated_at
	FROM subscriptions`

// CreateSubscription inserts a client's subscription to an MCP catalog
// entry. The (client_id, mcp_id) unique index rejects duplicates.
func (s *Store) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = SubscriptionActive
	}
	now := time.Now().UTC()
	sub.SubscribedAt, sub.UpdatedAt = now, now

	tools, err := json.Marshal(sub.SelectedTools)
	if err != nil {
		return Subscription{}, fmt.Errorf("marshaling selected tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (subscription_id, client_id, mcp_id, selected_tools, status, subscribed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.SubscriptionID, sub.ClientID, sub.McpID, string(tools), string(sub.Status),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Subscription{}, fmt.Errorf("creating subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription fetches a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, subscriptionSelect+` WHERE subscription_id = ?`, subscriptionID)
	return scanSubscription(row)
}

func scanSubscription(row *sql.Row) (Subscription, error) {
	var sub Subscription
	var status, subscribed, updated, tools string
	err := row.Scan(&sub.SubscriptionID, &sub.ClientID, &sub.McpID, &tools, &status, &subscribed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("scanning subscription: %w", err)
	}
	sub.Status = SubscriptionStatus(status)
	sub.SubscribedAt, _ = time.Parse(time.RFC3339Nano, subscribed)
	sub.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	_ = json.Unmarshal([]byte(tools), &sub.SelectedTools)
	return sub, nil
}

// UpdateSubscriptionTools replaces the selected tool whitelist.
func (s *Store) UpdateSubscriptionTools(ctx context.Context, subscriptionID string, tools []string) error {
	encoded, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("marshaling selected tools: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET selected_tools = ?, updated_at = ? WHERE subscription_id = ?`,
		string(encoded), time.Now().UTC().Format(time.RFC3339Nano), subscriptionID)
	if err != nil {
		return fmt.Errorf("updating subscription tools: %w", err)
	}
	return checkRowsAffected(res)
}

// UpdateSubscriptionStatus pauses or reactivates a subscription.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, subscriptionID string, status SubscriptionStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET status = ?, updated_at = ? WHERE subscription_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), subscriptionID)
	if err != nil {
		return fmt.Errorf("updating subscription status: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return checkRowsAffected(res)
}

// ListSubscriptionsByClient returns every active subscription owned by a
// client (paused ones are left out), the set internal/router consults to
// scope a session's visible tools.
func (s *Store) ListSubscriptionsByClient(ctx context.Context, clientID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, subscriptionSelect+` WHERE client_id = ? AND status = ?`, clientID, string(SubscriptionActive))
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var status, subscribed, updated, tools string
		if err := rows.Scan(&sub.SubscriptionID, &sub.ClientID, &sub.McpID, &tools, &status, &subscribed, &updated); err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		sub.Status = SubscriptionStatus(status)
		sub.SubscribedAt, _ = time.Parse(time.RFC3339Nano, subscribed)
		sub.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		_ = json.Unmarshal([]byte(tools), &sub.SelectedTools)
		out = append(out, sub)
	}
	return out, rows.Err()
}
