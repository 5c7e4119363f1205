package store

import (
	"context"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const cartLinesQuery = `
	SELECT c.product_id, c.quantity, p.name, p.sku, p.price, p.stock_quantity, p.is_active
	FROM cart_items c
	JOIN products p ON p.id = c.product_id
	WHERE c.user_id = $1
	ORDER BY c.product_id`

func getCartLines(ctx context.Context, q sqlx.QueryerContext, userID int64) ([]models.CartLine, error) {
	lines := []models.CartLine{}
	if err := sqlx.SelectContext(ctx, q, &lines, cartLinesQuery, userID); err != nil {
		return nil, apperr.Persistence(err)
	}
	return lines, nil
}

// GetCartLines reads the user's cart joined with live product rows.
func (s *Store) GetCartLines(ctx context.Context, userID int64) ([]models.CartLine, error) {
	return getCartLines(ctx, s.db, userID)
}

// UpsertCartItem sets the quantity of a product in the user's cart.
func (s *Store) UpsertCartItem(ctx context.Context, userID, productID int64, quantity int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_items (user_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = NOW()`,
		userID, productID, quantity)
	return apperr.Persistence(err)
}

// DeleteCartItem removes one product from the user's cart.
func (s *Store) DeleteCartItem(ctx context.Context, userID, productID int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2", userID, productID)
	if err != nil {
		return apperr.Persistence(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence(err)
	}
	if n == 0 {
		return apperr.ErrCartItemNotFound
	}
	return nil
}
