package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrOrderNumberTaken signals a collision on the order number unique index.
// The transaction that hit it is aborted; callers retry with a new number.
var ErrOrderNumberTaken = errors.New("order number already taken")

// Tx is the set of writes and locked reads available inside WithTx.
type Tx interface {
	GetCartLines(ctx context.Context, userID int64) ([]models.CartLine, error)
	GetProducts(ctx context.Context, ids []int64) ([]models.Product, error)
	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderItems(ctx context.Context, items []models.OrderItem) error
	InsertAddresses(ctx context.Context, addrs []models.OrderAddress) error
	AppendTracking(ctx context.Context, entry *models.OrderTracking) error
	DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error)
	RestoreStock(ctx context.Context, productID int64, quantity int) error
	ClearCart(ctx context.Context, userID int64) error
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	LockOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderState(ctx context.Context, order models.Order) error
}

type txStore struct {
	tx *sqlx.Tx
}

func (t *txStore) GetCartLines(ctx context.Context, userID int64) ([]models.CartLine, error) {
	return getCartLines(ctx, t.tx, userID)
}

// GetProducts re-reads the live product rows inside the transaction.
func (t *txStore) GetProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}
	products := []models.Product{}
	err := t.tx.SelectContext(ctx, &products, "SELECT * FROM products WHERE id = ANY($1) ORDER BY id", pq.Array(ids))
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return products, nil
}

func (t *txStore) InsertOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, user_id, status, payment_status, payment_method, payment_reference,
			subtotal, tax_amount, shipping_amount, discount_amount, total_amount, currency, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	row := t.tx.QueryRowxContext(ctx, query,
		order.OrderNumber, order.UserID, order.Status, order.PaymentStatus, order.PaymentMethod,
		order.PaymentReference, order.Subtotal, order.TaxAmount, order.ShippingAmount,
		order.DiscountAmount, order.TotalAmount, order.Currency, order.Notes)

	err := row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if IsUniqueViolation(err, OrderNumberConstraint) {
		return ErrOrderNumberTaken
	}
	return apperr.Persistence(err)
}

func (t *txStore) InsertOrderItems(ctx context.Context, items []models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, product_name, product_sku, quantity, unit_price, total_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	for i := range items {
		it := &items[i]
		err := t.tx.QueryRowxContext(ctx, query,
			it.OrderID, it.ProductID, it.ProductName, it.ProductSKU, it.Quantity, it.UnitPrice, it.TotalPrice).
			Scan(&it.ID, &it.CreatedAt)
		if err != nil {
			return apperr.Persistence(fmt.Errorf("insert item for product %d: %w", it.ProductID, err))
		}
	}
	return nil
}

func (t *txStore) InsertAddresses(ctx context.Context, addrs []models.OrderAddress) error {
	query := `
		INSERT INTO order_addresses (order_id, type, first_name, last_name, company, address_line_1,
			address_line_2, city, state, postal_code, country, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`

	for i := range addrs {
		a := &addrs[i]
		err := t.tx.QueryRowxContext(ctx, query,
			a.OrderID, a.Type, a.FirstName, a.LastName, a.Company, a.AddressLine1,
			a.AddressLine2, a.City, a.State, a.PostalCode, a.Country, a.Phone).
			Scan(&a.ID, &a.CreatedAt)
		if err != nil {
			return apperr.Persistence(fmt.Errorf("insert %s address: %w", a.Type, err))
		}
	}
	return nil
}

func (t *txStore) AppendTracking(ctx context.Context, entry *models.OrderTracking) error {
	query := `
		INSERT INTO order_tracking (order_id, status, message, tracking_number, carrier)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return apperr.Persistence(t.tx.QueryRowxContext(ctx, query,
		entry.OrderID, entry.Status, entry.Message, entry.TrackingNumber, entry.Carrier).
		Scan(&entry.ID, &entry.CreatedAt))
}

// DecrementStock takes quantity units only if that many are available. It
// reports false, without error, when stock is short at write time.
func (t *txStore) DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $1, updated_at = NOW()
		WHERE id = $2 AND stock_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return false, apperr.Persistence(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Persistence(err)
	}
	return n == 1, nil
}

func (t *txStore) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE products SET stock_quantity = stock_quantity + $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	return apperr.Persistence(err)
}

func (t *txStore) ClearCart(ctx context.Context, userID int64) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID)
	return apperr.Persistence(err)
}

func (t *txStore) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return t.lockOrder(ctx, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
}

func (t *txStore) LockOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error) {
	return t.lockOrder(ctx,
		"SELECT * FROM orders WHERE payment_reference = $1 ORDER BY id DESC LIMIT 1 FOR UPDATE", ref)
}

func (t *txStore) lockOrder(ctx context.Context, query string, arg any) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrOrderNotFound
	}
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return &order, nil
}

func (t *txStore) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := t.tx.SelectContext(ctx, &items, "SELECT * FROM order_items WHERE order_id = $1 ORDER BY product_id", orderID)
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return items, nil
}

// UpdateOrderState persists the fields transitions are allowed to change.
func (t *txStore) UpdateOrderState(ctx context.Context, order models.Order) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, payment_status = $2, shipped_at = $3, delivered_at = $4, updated_at = $5
		WHERE id = $6`,
		order.Status, order.PaymentStatus, order.ShippedAt, order.DeliveredAt, order.UpdatedAt, order.ID)
	if err != nil {
		return apperr.Persistence(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrOrderNotFound
	}
	return nil
}
