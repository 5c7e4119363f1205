package service

import (
	"context"
	"strings"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Actor is the authenticated caller.
type Actor struct {
	UserID int64
	Admin  bool
}

func (a Actor) owns(o models.Order) bool {
	return a.Admin || (a.UserID != 0 && o.UserID == a.UserID)
}

// ListOrdersRequest selects one page of orders. Customers always see only
// their own orders.
type ListOrdersRequest struct {
	Page          int    `form:"page" binding:"omitempty,min=1"`
	Limit         int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Status        string `form:"status"`
	PaymentStatus string `form:"payment_status"`
	Search        string `form:"search" binding:"max=50"`
}

type OrderPage struct {
	Orders     []models.Order `json:"orders"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int            `json:"total_pages"`
}

// GetOrder returns the full aggregate. Orders of other customers read as
// not found.
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, id int64) (agg *models.OrderAggregate, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer func() { util.EndSpan(span, err) }()

	agg, err = s.orders.GetOrderAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(agg.Order) {
		return nil, apperr.ErrOrderNotFound
	}
	return agg, nil
}

func (s *OrderService) ListOrders(ctx context.Context, actor Actor, req ListOrdersRequest) (page *OrderPage, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer func() { util.EndSpan(span, err) }()

	if req.Status != "" && !models.IsOrderStatus(req.Status) {
		return nil, apperr.Validation("unknown order status filter").WithDetail("status", req.Status)
	}
	if req.PaymentStatus != "" && !models.IsPaymentStatus(req.PaymentStatus) {
		return nil, apperr.Validation("unknown payment status filter").WithDetail("payment_status", req.PaymentStatus)
	}

	p, limit := req.Page, req.Limit
	if p < 1 {
		p = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	f := store.OrderFilter{
		Status: req.Status,
		Limit:  limit,
		Offset: (p - 1) * limit,
	}
	if actor.Admin {
		f.PaymentStatus = req.PaymentStatus
		f.Search = strings.TrimSpace(req.Search)
	} else {
		if actor.UserID == 0 {
			return nil, apperr.ErrUnauthorized
		}
		f.UserID = actor.UserID
	}

	orders, total, err := s.orders.ListOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	return &OrderPage{
		Orders:     orders,
		Total:      total,
		Page:       p,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}
