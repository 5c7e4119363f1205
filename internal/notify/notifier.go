package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrNoRecipient means the event's user has no deliverable address.
var ErrNoRecipient = errors.New("no recipient for order event")

// CustomerLookup resolves the contact data of an order's owner.
type CustomerLookup interface {
	GetCustomer(ctx context.Context, userID int64) (*models.Customer, error)
}

type Notifier struct {
	mailer    Mailer
	customers CustomerLookup
	printer   *message.Printer
}

func NewNotifier(mailer Mailer, customers CustomerLookup) *Notifier {
	return &Notifier{
		mailer:    mailer,
		customers: customers,
		printer:   message.NewPrinter(language.English),
	}
}

type mailData struct {
	Customer *models.Customer
	Order    string
	Total    string
	Status   string
	Payment  string
	Message  string
	Tracking string
	Carrier  string
	Items    []itemLine
}

type itemLine struct {
	Name     string
	Quantity int
	Price    string
}

var subjects = map[string]string{
	models.EventTypeOrderPlaced:        "Order %s received",
	models.EventTypeOrderConfirmed:     "Order %s confirmed",
	models.EventTypeOrderRejected:      "Order %s could not be completed",
	models.EventTypeOrderCancelled:     "Order %s cancelled",
	models.EventTypeOrderStatusChanged: "Order %s update",
}

var bodies = template.Must(template.New("mail").Parse(`
{{define "ORDER_PLACED"}}Hi {{.Customer.FirstName}},

Thanks for your order {{.Order}}. We are reviewing it now.
{{range .Items}}
  {{.Quantity}} x {{.Name}} @ {{.Price}}{{end}}

Total: {{.Total}}
{{end}}
{{define "ORDER_CONFIRMED"}}Hi {{.Customer.FirstName}},

Your order {{.Order}} is confirmed and your payment of {{.Total}} was captured.
{{if .Message}}
{{.Message}}
{{end}}{{end}}
{{define "ORDER_REJECTED"}}Hi {{.Customer.FirstName}},

We could not complete your order {{.Order}}. Any hold on your payment method has been released.
{{if .Message}}
{{.Message}}
{{end}}{{end}}
{{define "ORDER_CANCELLED"}}Hi {{.Customer.FirstName}},

Your order {{.Order}} has been cancelled.
{{if .Message}}
{{.Message}}
{{end}}{{end}}
{{define "ORDER_STATUS_CHANGED"}}Hi {{.Customer.FirstName}},

Your order {{.Order}} is now {{.Status}}.
{{if .Tracking}}Tracking: {{.Tracking}}{{if .Carrier}} ({{.Carrier}}){{end}}
{{end}}{{if .Message}}
{{.Message}}
{{end}}{{end}}
`))

// OrderPlaced emails the order summary to the customer.
func (n *Notifier) OrderPlaced(ctx context.Context, ev *models.OrderPlacedEvent) error {
	data := mailData{
		Order: ev.OrderNumber,
		Total: n.money(ev.TotalAmount, ev.Currency),
	}
	for _, it := range ev.Items {
		data.Items = append(data.Items, itemLine{
			Name:     it.ProductName,
			Quantity: it.Quantity,
			Price:    n.money(it.UnitPrice, ev.Currency),
		})
	}
	return n.send(ctx, ev.EventType, ev.UserID, data)
}

// OrderTransition emails confirm, reject, cancel and status updates.
func (n *Notifier) OrderTransition(ctx context.Context, ev *models.OrderTransitionEvent) error {
	return n.send(ctx, ev.EventType, ev.UserID, mailData{
		Order:    ev.OrderNumber,
		Total:    n.money(ev.TotalAmount, ev.Currency),
		Status:   ev.Status,
		Payment:  ev.PaymentStatus,
		Message:  ev.Message,
		Tracking: ev.TrackingNumber,
		Carrier:  ev.Carrier,
	})
}

func (n *Notifier) send(ctx context.Context, eventType string, userID int64, data mailData) error {
	subject, ok := subjects[eventType]
	if !ok {
		return fmt.Errorf("no template for event type %q", eventType)
	}

	customer, err := n.customers.GetCustomer(ctx, userID)
	if errors.Is(err, apperr.ErrCustomerNotFound) {
		return ErrNoRecipient
	}
	if err != nil {
		return fmt.Errorf("lookup customer %d: %w", userID, err)
	}
	if customer == nil || strings.TrimSpace(customer.Email) == "" {
		return ErrNoRecipient
	}
	data.Customer = customer

	var body strings.Builder
	if err := bodies.ExecuteTemplate(&body, eventType, data); err != nil {
		return fmt.Errorf("render %s: %w", eventType, err)
	}

	return n.mailer.Send(ctx, Message{
		To:      customer.Email,
		Subject: fmt.Sprintf(subject, data.Order),
		Text:    strings.TrimSpace(body.String()) + "\n",
	})
}

func (n *Notifier) money(amount decimal.Decimal, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return amount.StringFixed(2) + " " + code
	}
	f, _ := amount.Float64()
	return n.printer.Sprint(currency.Symbol(unit.Amount(f)))
}
