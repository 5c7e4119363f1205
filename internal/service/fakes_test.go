package service

import (
	"context"
	"os"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/payment"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPricing() Pricing {
	return Pricing{
		Currency:              "USD",
		TaxRate:               dec("0.085"),
		FreeShippingThreshold: dec("100"),
		FlatShippingRate:      dec("15.99"),
	}
}

// memState is the whole in-memory database. WithTx works on a deep copy and
// swaps it in on success, which gives all-or-nothing commits.
type memState struct {
	nextID   int64
	products map[int64]models.Product
	cart     map[int64]map[int64]int
	orders   map[int64]models.Order
	items    map[int64][]models.OrderItem
	addrs    map[int64][]models.OrderAddress
	tracking map[int64][]models.OrderTracking
	numbers  map[string]bool
}

func newMemState() *memState {
	return &memState{
		products: map[int64]models.Product{},
		cart:     map[int64]map[int64]int{},
		orders:   map[int64]models.Order{},
		items:    map[int64][]models.OrderItem{},
		addrs:    map[int64][]models.OrderAddress{},
		tracking: map[int64][]models.OrderTracking{},
		numbers:  map[string]bool{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	c.nextID = s.nextID
	for k, v := range s.products {
		c.products[k] = v
	}
	for u, lines := range s.cart {
		m := make(map[int64]int, len(lines))
		for p, q := range lines {
			m[p] = q
		}
		c.cart[u] = m
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range s.addrs {
		c.addrs[k] = append([]models.OrderAddress(nil), v...)
	}
	for k, v := range s.tracking {
		c.tracking[k] = append([]models.OrderTracking(nil), v...)
	}
	for k, v := range s.numbers {
		c.numbers[k] = v
	}
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

type memRepo struct {
	mu    sync.Mutex
	state *memState

	takenNumbers   int
	failAddresses  error
	staleStock     map[int64]int
	customers      map[int64]models.Customer
	txCount        int
	committedCount int
}

func newMemRepo() *memRepo {
	return &memRepo{state: newMemState(), customers: map[int64]models.Customer{}}
}

func (r *memRepo) addCustomer(c models.Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[c.ID] = c
}

func (r *memRepo) addProduct(p models.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.SKU == "" {
		p.SKU = "SKU-" + p.Name
	}
	r.state.products[p.ID] = p
}

func (r *memRepo) addToCart(userID, productID int64, qty int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.cart[userID] == nil {
		r.state.cart[userID] = map[int64]int{}
	}
	r.state.cart[userID][productID] = qty
}

func (r *memRepo) product(id int64) models.Product {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.products[id]
}

func (r *memRepo) cartSize(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.cart[userID])
}

func (r *memRepo) orderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.orders)
}

func (r *memRepo) trackingFor(orderID int64) []models.OrderTracking {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderTracking(nil), r.state.tracking[orderID]...)
}

// putOrder stores a ready-made order with its items, for disposition tests.
func (r *memRepo) putOrder(o models.Order, items ...models.OrderItem) models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == 0 {
		o.ID = r.state.id()
	}
	r.state.orders[o.ID] = o
	for i := range items {
		items[i].ID = r.state.id()
		items[i].OrderID = o.ID
	}
	r.state.items[o.ID] = items
	r.state.tracking[o.ID] = []models.OrderTracking{o.TrackingEntry("Order placed successfully", "", "", o.CreatedAt)}
	return o
}

func (r *memRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++

	work := r.state.clone()
	if err := fn(&memTx{repo: r, s: work}); err != nil {
		return err
	}
	r.state = work
	r.committedCount++
	return nil
}

func (r *memRepo) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.orders[id]
	if !ok {
		return nil, apperr.ErrOrderNotFound
	}
	return &o, nil
}

func (r *memRepo) GetOrderAggregate(ctx context.Context, id int64) (*models.OrderAggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.orders[id]
	if !ok {
		return nil, apperr.ErrOrderNotFound
	}
	return &models.OrderAggregate{
		Order:     o,
		Items:     append([]models.OrderItem{}, r.state.items[id]...),
		Addresses: append([]models.OrderAddress{}, r.state.addrs[id]...),
		Tracking:  append([]models.OrderTracking{}, r.state.tracking[id]...),
	}, nil
}

func (r *memRepo) ListOrders(ctx context.Context, f store.OrderFilter) ([]models.Order, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.Order
	for _, o := range r.state.orders {
		if f.UserID != 0 && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.PaymentStatus != "" && o.PaymentStatus != f.PaymentStatus {
			continue
		}
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	out := []models.Order{}
	for i := f.Offset; i < len(all) && len(out) < f.Limit; i++ {
		out = append(out, all[i])
	}
	return out, len(all), nil
}

func (r *memRepo) GetCustomer(ctx context.Context, userID int64) (*models.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[userID]
	if !ok {
		return nil, apperr.ErrCustomerNotFound
	}
	return &c, nil
}

func (r *memRepo) GetCartLines(ctx context.Context, userID int64) ([]models.CartLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cartLines(r.state, userID), nil
}

func (r *memRepo) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.products[id]
	if !ok {
		return nil, apperr.ErrProductNotFound
	}
	return &p, nil
}

func (r *memRepo) UpsertCartItem(ctx context.Context, userID, productID int64, quantity int) error {
	r.addToCart(userID, productID, quantity)
	return nil
}

func (r *memRepo) DeleteCartItem(ctx context.Context, userID, productID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.state.cart[userID][productID]; !ok {
		return apperr.ErrCartItemNotFound
	}
	delete(r.state.cart[userID], productID)
	return nil
}

func cartLines(s *memState, userID int64) []models.CartLine {
	lines := []models.CartLine{}
	for pid, qty := range s.cart[userID] {
		p := s.products[pid]
		lines = append(lines, models.CartLine{
			ProductID:     pid,
			Quantity:      qty,
			Name:          p.Name,
			SKU:           p.SKU,
			Price:         p.Price,
			StockQuantity: p.StockQuantity,
			IsActive:      p.IsActive,
		})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines
}

type memTx struct {
	repo *memRepo
	s    *memState
}

func (t *memTx) GetCartLines(ctx context.Context, userID int64) ([]models.CartLine, error) {
	return cartLines(t.s, userID), nil
}

func (t *memTx) GetProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	out := []models.Product{}
	for _, id := range ids {
		if p, ok := t.s.products[id]; ok {
			if n, stale := t.repo.staleStock[id]; stale {
				p.StockQuantity = n
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if t.repo.takenNumbers > 0 {
		t.repo.takenNumbers--
		return store.ErrOrderNumberTaken
	}
	if t.s.numbers[order.OrderNumber] {
		return store.ErrOrderNumberTaken
	}
	order.ID = t.s.id()
	order.CreatedAt = fixedNow
	order.UpdatedAt = fixedNow
	t.s.numbers[order.OrderNumber] = true
	t.s.orders[order.ID] = *order
	return nil
}

func (t *memTx) InsertOrderItems(ctx context.Context, items []models.OrderItem) error {
	for i := range items {
		items[i].ID = t.s.id()
		t.s.items[items[i].OrderID] = append(t.s.items[items[i].OrderID], items[i])
	}
	return nil
}

func (t *memTx) InsertAddresses(ctx context.Context, addrs []models.OrderAddress) error {
	if t.repo.failAddresses != nil {
		return t.repo.failAddresses
	}
	for i := range addrs {
		addrs[i].ID = t.s.id()
		t.s.addrs[addrs[i].OrderID] = append(t.s.addrs[addrs[i].OrderID], addrs[i])
	}
	return nil
}

func (t *memTx) AppendTracking(ctx context.Context, entry *models.OrderTracking) error {
	entry.ID = t.s.id()
	t.s.tracking[entry.OrderID] = append(t.s.tracking[entry.OrderID], *entry)
	return nil
}

func (t *memTx) DecrementStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	p, ok := t.s.products[productID]
	if !ok || p.StockQuantity < quantity {
		return false, nil
	}
	p.StockQuantity -= quantity
	t.s.products[productID] = p
	return true, nil
}

func (t *memTx) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	p := t.s.products[productID]
	p.StockQuantity += quantity
	t.s.products[productID] = p
	return nil
}

func (t *memTx) ClearCart(ctx context.Context, userID int64) error {
	delete(t.s.cart, userID)
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, apperr.ErrOrderNotFound
	}
	return &o, nil
}

func (t *memTx) LockOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error) {
	for _, o := range t.s.orders {
		if o.PaymentReference != nil && *o.PaymentReference == ref {
			o := o
			return &o, nil
		}
	}
	return nil, apperr.ErrOrderNotFound
}

func (t *memTx) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem{}, t.s.items[orderID]...), nil
}

func (t *memTx) UpdateOrderState(ctx context.Context, order models.Order) error {
	if _, ok := t.s.orders[order.ID]; !ok {
		return apperr.ErrOrderNotFound
	}
	t.s.orders[order.ID] = order
	return nil
}

type fakeGateway struct {
	mu         sync.Mutex
	captures   []payment.CaptureRequest
	cancels    []payment.CancelRequest
	authorized []payment.AuthorizeRequest
	captureErr error
	cancelErr  error
	delay      time.Duration
}

func (g *fakeGateway) wait(ctx context.Context) error {
	if g.delay == 0 {
		return nil
	}
	select {
	case <-time.After(g.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *fakeGateway) Authorize(ctx context.Context, req payment.AuthorizeRequest) (payment.Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorized = append(g.authorized, req)
	return payment.Authorization{
		Reference:    "pi_fake",
		ClientSecret: "pi_fake_secret",
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       "requires_payment_method",
	}, nil
}

func (g *fakeGateway) Capture(ctx context.Context, req payment.CaptureRequest) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captureErr != nil {
		return g.captureErr
	}
	g.captures = append(g.captures, req)
	return nil
}

func (g *fakeGateway) Cancel(ctx context.Context, req payment.CancelRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancels = append(g.cancels, req)
	return nil
}

func (g *fakeGateway) captureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.captures)
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]string{}} }

func (l *fakeLocker) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return "", false, nil
	}
	l.held[name] = "tok-" + name
	return l.held[name], true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] == token {
		delete(l.held, name)
	}
	return nil
}

type fakeIdempotency struct {
	mu      sync.Mutex
	entries map[string]string
	seq     int
}

func newFakeIdempotency() *fakeIdempotency { return &fakeIdempotency{entries: map[string]string{}} }

func (f *fakeIdempotency) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.entries[key]; ok {
		if len(v) > 8 && v[:8] == "pending:" {
			return "", "", nil
		}
		return "", v, nil
	}
	f.seq++
	token := "t" + strconv.Itoa(f.seq)
	f.entries[key] = "pending:" + token
	return token, "", nil
}

func (f *fakeIdempotency) CompleteIdempotencyKey(ctx context.Context, key, token, result string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries[key] == "pending:"+token {
		f.entries[key] = result
	}
	return nil
}

func (f *fakeIdempotency) ReleaseIdempotencyKey(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries[key] == "pending:"+token {
		delete(f.entries, key)
	}
	return nil
}

type recordingPublisher struct {
	mu          sync.Mutex
	placed      []*models.OrderPlacedEvent
	transitions []*models.OrderTransitionEvent
}

func (p *recordingPublisher) PublishOrderPlaced(ctx context.Context, ev *models.OrderPlacedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, ev)
	return nil
}

func (p *recordingPublisher) PublishOrderTransition(ctx context.Context, ev *models.OrderTransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, ev)
	return nil
}

type fixture struct {
	svc     *OrderService
	repo    *memRepo
	gateway *fakeGateway
	events  *recordingPublisher
	locker  *fakeLocker
	idem    *fakeIdempotency
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemRepo(),
		gateway: &fakeGateway{},
		events:  &recordingPublisher{},
		locker:  newFakeLocker(),
		idem:    newFakeIdempotency(),
	}
	f.svc = f.build(f.gateway)
	return f
}

func (f *fixture) build(gw payment.Gateway) *OrderService {
	return NewOrderService(OrderServiceDeps{
		Orders:      f.repo,
		Gateway:     gw,
		Locker:      f.locker,
		Idempotency: f.idem,
		Events:      f.events,
		Pricing:     testPricing(),
		Clock:       func() time.Time { return fixedNow },
	})
}

// seedScenario loads two products and a cart of 2×A + 1×B for user 7.
func (f *fixture) seedScenario() {
	f.repo.addProduct(models.Product{ID: 1, Name: "Keyboard", Price: dec("10.00"), StockQuantity: 5, IsActive: true})
	f.repo.addProduct(models.Product{ID: 2, Name: "Mouse", Price: dec("25.00"), StockQuantity: 1, IsActive: true})
	f.repo.addToCart(7, 1, 2)
	f.repo.addToCart(7, 2, 1)
	f.repo.addCustomer(models.Customer{ID: 7, Email: "ada@example.com", FirstName: "Ada"})
}

func address() AddressInput {
	return AddressInput{
		FirstName:    "Ada",
		LastName:     "Lovelace",
		AddressLine1: "12 Analytical Way",
		City:         "London",
		State:        "Greater London",
		PostalCode:   "N1 9GU",
		Country:      "United Kingdom",
	}
}

func placeRequest(userID int64) *PlaceOrderRequest {
	return &PlaceOrderRequest{
		UserID:           userID,
		ShippingAddress:  address(),
		BillingAddress:   address(),
		PaymentMethod:    "stripe",
		PaymentReference: "pi_123",
	}
}

func pendingWithHold(userID int64, ref string) models.Order {
	r := ref
	return models.Order{
		OrderNumber:      "TH000001" + ref,
		UserID:           userID,
		Status:           models.OrderStatusPending,
		PaymentStatus:    models.PaymentStatusPending,
		PaymentMethod:    "stripe",
		PaymentReference: &r,
		Subtotal:         dec("20.00"),
		TaxAmount:        dec("1.70"),
		ShippingAmount:   dec("15.99"),
		DiscountAmount:   decimal.Zero,
		TotalAmount:      dec("37.69"),
		Currency:         "USD",
		CreatedAt:        fixedNow,
		UpdatedAt:        fixedNow,
	}
}
