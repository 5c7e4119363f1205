package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"golang.org/x/sync/errgroup"
)

// OrderFilter narrows order listings. Zero values mean "any".
type OrderFilter struct {
	UserID        int64
	Status        string
	PaymentStatus string
	Search        string
	Limit         int
	Offset        int
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrOrderNotFound
	}
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return &order, nil
}

// GetOrderAggregate loads an order with its items, addresses and tracking.
// The owned rows are fetched concurrently once the order is known to exist.
func (s *Store) GetOrderAggregate(ctx context.Context, id int64) (*models.OrderAggregate, error) {
	order, err := s.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}

	agg := &models.OrderAggregate{
		Order:     *order,
		Items:     []models.OrderItem{},
		Addresses: []models.OrderAddress{},
		Tracking:  []models.OrderTracking{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.db.SelectContext(gctx, &agg.Items,
			"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", id)
	})
	g.Go(func() error {
		return s.db.SelectContext(gctx, &agg.Addresses,
			"SELECT * FROM order_addresses WHERE order_id = $1 ORDER BY type DESC", id)
	})
	g.Go(func() error {
		return s.db.SelectContext(gctx, &agg.Tracking,
			"SELECT * FROM order_tracking WHERE order_id = $1 ORDER BY created_at, id", id)
	})
	if err := g.Wait(); err != nil {
		return nil, apperr.Persistence(fmt.Errorf("load order %d: %w", id, err))
	}
	return agg, nil
}

// ListOrders returns one page of orders, newest first, and the total count.
func (s *Store) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, int, error) {
	where, args := f.where()

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders"+where, args...); err != nil {
		return nil, 0, apperr.Persistence(err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf("SELECT * FROM orders%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args))

	orders := []models.Order{}
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, 0, apperr.Persistence(err)
	}
	return orders, total, nil
}

func (f OrderFilter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != 0 {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PaymentStatus != "" {
		add("payment_status = $%d", f.PaymentStatus)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		add("order_number ILIKE $%d", "%"+escapeLike(s)+"%")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
