package payment

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/util"
)

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every call to next. A call still running at the
// deadline reports apperr.ErrPaymentUnknown: the processor may have acted,
// so callers must not change local state on that error. Calls are detached
// from the caller's cancellation so a dropped client connection cannot
// abandon a capture halfway.
func WithTimeout(next Gateway, timeout time.Duration) Gateway {
	return &timeoutGateway{next: next, timeout: timeout}
}

func (g *timeoutGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	return bounded(ctx, g.timeout, "authorize", func(ctx context.Context) (Authorization, error) {
		return g.next.Authorize(ctx, req)
	})
}

func (g *timeoutGateway) Capture(ctx context.Context, req CaptureRequest) error {
	_, err := bounded(ctx, g.timeout, "capture", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.Capture(ctx, req)
	})
	return err
}

func (g *timeoutGateway) Cancel(ctx context.Context, req CancelRequest) error {
	_, err := bounded(ctx, g.timeout, "cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.Cancel(ctx, req)
	})
	return err
}

type result[T any] struct {
	val T
	err error
}

func bounded[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := util.StartSpan(ctx, "payment."+op)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	var res result[T]
	select {
	case res = <-done:
		if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.err = apperr.ErrPaymentUnknown.Wrap(res.err)
		}
	case <-callCtx.Done():
		res.err = apperr.FromContext(callCtx.Err())
	}

	util.PaymentGatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	util.PaymentGatewayCallsTotal.WithLabelValues(op, resultLabel(res.err)).Inc()
	util.EndSpan(span, res.err)
	return res.val, res.err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, apperr.ErrPaymentUnknown):
		return "unknown"
	case errors.Is(err, apperr.ErrPaymentUnavailable):
		return "unavailable"
	default:
		return "failure"
	}
}
