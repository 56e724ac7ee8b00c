package store

import (
	"context"
	"database/sql"
	"errors"
)

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// AwardLoyaltyPoints marks the event processed and credits the customer in one transaction.
// It returns false when the event was already processed.
func (s *Store) AwardLoyaltyPoints(ctx context.Context, eventID, eventType string, customerID int64, points int) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customer_loyalty (customer_id, points) VALUES ($1, $2)
		ON CONFLICT (customer_id) DO UPDATE
		SET points = customer_loyalty.points + EXCLUDED.points, updated_at = NOW()`,
		customerID, points)
	if err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// GetLoyaltyPoints returns the customer's balance, zero when the customer never earned points.
func (s *Store) GetLoyaltyPoints(ctx context.Context, customerID int64) (int64, error) {
	var points int64
	err := s.db.GetContext(ctx, &points,
		"SELECT points FROM customer_loyalty WHERE customer_id = $1", customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return points, err
}
