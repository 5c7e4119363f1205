package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

// OrderRepository is the persistence the order workflows need. *store.Store
// satisfies it.
type OrderRepository interface {
	WithTx(ctx context.Context, fn func(tx store.Tx) error) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderAggregate(ctx context.Context, id int64) (*models.OrderAggregate, error)
	ListOrders(ctx context.Context, f store.OrderFilter) ([]models.Order, int, error)
	GetCustomer(ctx context.Context, userID int64) (*models.Customer, error)
}

type CartRepository interface {
	GetCartLines(ctx context.Context, userID int64) ([]models.CartLine, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	UpsertCartItem(ctx context.Context, userID, productID int64, quantity int) error
	DeleteCartItem(ctx context.Context, userID, productID int64) error
}

// Locker serializes work on one order across instances.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// IdempotencyStore remembers the outcome of a client-keyed request.
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (token, stored string, err error)
	CompleteIdempotencyKey(ctx context.Context, key, token, result string, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, key, token string) error
}

type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishOrderTransition(ctx context.Context, event *models.OrderTransitionEvent) error
}

// Clock is swapped in tests.
type Clock func() time.Time

type noopPublisher struct{}

func (noopPublisher) PublishOrderPlaced(context.Context, *models.OrderPlacedEvent) error { return nil }
func (noopPublisher) PublishOrderTransition(context.Context, *models.OrderTransitionEvent) error {
	return nil
}
