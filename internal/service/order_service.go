package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ReservationWindow is how long a placed order holds its stock waiting for payment.
const ReservationWindow = 24 * time.Hour

const defaultListLimit = 50

// OrderService places orders from carts and drives the buyer and seller
// side of the order lifecycle.
type OrderService struct {
	uow       store.UnitOfWork
	ledger    *Ledger
	publisher EventPublisher
	mirror    StockMirror
	clock     Clock
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	uow store.UnitOfWork,
	ledger *Ledger,
	publisher EventPublisher,
	mirror StockMirror,
	clock Clock,
) *OrderService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &OrderService{
		uow:       uow,
		ledger:    ledger,
		publisher: publisherOrDiscard(publisher),
		mirror:    mirror,
		clock:     clock,
		logger:    util.GetLogger(),
	}
}

// PlaceOrderRequest represents a checkout of the buyer's cart
type PlaceOrderRequest struct {
	BuyerID         int64                  `json:"-"`
	PaymentMethod   string                 `json:"payment_method" binding:"required"`
	ShippingAddress models.ShippingAddress `json:"shipping_address" binding:"required"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
}

func (r *PlaceOrderRequest) validate() error {
	if r.BuyerID <= 0 {
		return apperr.Validation("buyer id is required")
	}
	if !models.ValidPaymentMethod(r.PaymentMethod) {
		return apperr.Validation("unsupported payment method: %q", r.PaymentMethod)
	}
	if field := r.ShippingAddress.MissingField(); field != "" {
		return apperr.Validation("shipping address %s is required", field)
	}
	return nil
}

// PlaceOrder turns the buyer's cart into a pending order. Validation, stock
// reservation, order and payment creation and the cart clear happen in one
// unit of work; any failure leaves no trace.
func (s *OrderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*models.OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("buyer.id", req.BuyerID))

	if err := req.validate(); err != nil {
		util.OrdersFailedTotal.WithLabelValues(string(apperr.KindValidation)).Inc()
		return nil, err
	}

	address, err := json.Marshal(req.ShippingAddress)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	var (
		details  *models.OrderDetails
		replayed bool
		levels   StockLevels
	)

	start := time.Now()
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		details, replayed, levels = nil, false, StockLevels{}

		if req.IdempotencyKey != "" {
			existing, err := tx.GetOrderByIdempotencyKey(ctx, req.BuyerID, req.IdempotencyKey)
			switch {
			case err == nil:
				replayed = true
				details, err = loadDetails(ctx, tx, existing)
				return err
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		cart, err := tx.GetCartItems(ctx, req.BuyerID)
		if err != nil {
			return err
		}
		if len(cart) == 0 {
			return apperr.Validation("cart is empty")
		}

		products, err := lockAndValidate(ctx, tx, cart)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		order := &models.Order{
			OrderNumber:     newOrderNumber(now),
			BuyerID:         req.BuyerID,
			ShippingAddress: address,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			order.IdempotencyKey = &key
		}
		for _, line := range cart {
			order.TotalAmount += line.PriceAtAdd * int64(line.Quantity)
		}
		order.TotalAmount += order.TaxAmount + order.ShippingAmount
		order.Reserve(now.Add(ReservationWindow))

		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		items := make([]models.OrderItem, 0, len(cart))
		for _, line := range cart {
			item := models.OrderItem{
				OrderID:    order.ID,
				ProductID:  line.ProductID,
				SellerID:   line.SellerID,
				Quantity:   line.Quantity,
				UnitPrice:  line.PriceAtAdd,
				TotalPrice: line.PriceAtAdd * int64(line.Quantity),
			}
			if err := tx.CreateOrderItem(ctx, &item); err != nil {
				return err
			}
			if err := s.ledger.Reserve(ctx, tx, levels, products[line.ProductID], line.Quantity); err != nil {
				return err
			}
			items = append(items, item)
		}

		payment := &models.Payment{
			OrderID:       order.ID,
			PaymentMethod: req.PaymentMethod,
			Amount:        order.TotalAmount,
			Status:        models.PaymentStatusPending,
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}

		if err := tx.ClearCart(ctx, req.BuyerID); err != nil {
			return err
		}

		details = &models.OrderDetails{Order: order, Items: items, Payment: payment}
		return nil
	})
	util.InventoryReserveLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		util.RecordError(span, err)
		s.logger.Warn("Order placement failed",
			zap.Int64("buyer_id", req.BuyerID),
			zap.Error(err))
		return nil, apperr.Wrap(err)
	}

	if replayed {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", details.Order.ID))
		return details, nil
	}

	s.ledger.Sync(ctx, levels)
	util.OrdersCreatedTotal.Inc()

	order := details.Order
	span.SetAttributes(attribute.Int64("order.id", order.ID))
	s.logger.Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("buyer_id", order.BuyerID),
		zap.Int64("total_amount", order.TotalAmount))

	event := &models.OrderCreatedEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeOrderCreated, order.CreatedAt),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		BuyerID:       order.BuyerID,
		TotalAmount:   order.TotalAmount,
		ReservedUntil: *order.ReservedUntil,
		Items:         make([]models.OrderItemData, 0, len(details.Items)),
	}
	for _, item := range details.Items {
		event.Items = append(event.Items, models.OrderItemData{
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	s.publisher.Publish(ctx, event)

	return details, nil
}

// lockAndValidate locks every product in the cart and checks that each is
// sellable and covers the quantity requested across all of its lines.
func lockAndValidate(ctx context.Context, tx store.ProductRepository, cart []models.CartItem) (map[int64]*models.Product, error) {
	requested := make(map[int64]int, len(cart))
	ids := make([]int64, 0, len(cart))
	for _, line := range cart {
		if line.Quantity <= 0 {
			return nil, apperr.Validation("quantity for product %d must be positive", line.ProductID)
		}
		if _, seen := requested[line.ProductID]; !seen {
			ids = append(ids, line.ProductID)
		}
		requested[line.ProductID] += line.Quantity
	}

	products, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			util.InventoryReservationsFailed.WithLabelValues("product_unavailable").Inc()
			return nil, apperr.ProductUnavailable(id, "")
		}
		if !product.Sellable() {
			util.InventoryReservationsFailed.WithLabelValues("product_unavailable").Inc()
			return nil, apperr.ProductUnavailable(id, product.Name)
		}
		if requested[id] > product.StockQuantity {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return nil, apperr.InsufficientStock(id, product.Name, requested[id], product.StockQuantity)
		}
	}
	return products, nil
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("MKT-%s-%s", now.UTC().Format("20060102"), suffix)
}

func loadDetails(ctx context.Context, tx store.Tx, order *models.Order) (*models.OrderDetails, error) {
	items, err := tx.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	payment, err := tx.GetPaymentByOrderID(ctx, order.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &models.OrderDetails{Order: order, Items: items, Payment: payment}, nil
}

// ownedOrder maps a missing order and another buyer's order to the same NotFound.
func ownedOrder(order *models.Order, err error, buyerID, orderID int64) (*models.Order, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("order", orderID)
	}
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, apperr.NotFound("order", orderID)
	}
	return order, nil
}

// GetOrder returns one of the buyer's orders with its items and payment.
func (s *OrderService) GetOrder(ctx context.Context, buyerID, orderID int64) (*models.OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	var details *models.OrderDetails
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if order, err = ownedOrder(order, err, buyerID, orderID); err != nil {
			return err
		}
		details, err = loadDetails(ctx, tx, order)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return details, nil
}

// ListOrders returns the buyer's most recent orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, buyerID int64, limit int) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	var orders []models.Order
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		orders, err = tx.ListOrdersByBuyer(ctx, buyerID, limit)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return orders, nil
}

// ListSellerOrders returns the most recent orders containing the seller's
// items, newest first. Each order carries only the seller's own lines.
func (s *OrderService) ListSellerOrders(ctx context.Context, sellerID int64, limit int) ([]*models.OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListSellerOrders")
	defer span.End()
	span.SetAttributes(attribute.Int64("seller.id", sellerID))

	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	var out []*models.OrderDetails
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = nil
		orders, err := tx.ListOrdersBySeller(ctx, sellerID, limit)
		if err != nil {
			return err
		}
		for i := range orders {
			details, err := loadDetails(ctx, tx, &orders[i])
			if err != nil {
				return err
			}
			details.Items = itemsSoldBy(details.Items, sellerID)
			out = append(out, details)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return out, nil
}

// CancelOrder cancels a pending order on behalf of its buyer and returns its
// reserved stock. Orders past pending cannot be cancelled.
func (s *OrderService) CancelOrder(ctx context.Context, buyerID, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID))

	var (
		order    *models.Order
		levels   StockLevels
		released int
	)
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		levels, released = StockLevels{}, 0

		locked, err := tx.LockOrder(ctx, orderID)
		if order, err = ownedOrder(locked, err, buyerID, orderID); err != nil {
			return err
		}
		if !order.CanTransitionTo(models.OrderStatusCancelled) {
			return apperr.InvalidTransition("order", order.Status, "cancel")
		}

		if order.StockReserved {
			items, err := tx.GetOrderItems(ctx, order.ID)
			if err != nil {
				return err
			}
			if released, err = s.ledger.ReleaseItems(ctx, tx, levels, items); err != nil {
				return err
			}
		}

		if err := order.Cancel(models.CancelReasonBuyer); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, apperr.Wrap(err)
	}

	s.ledger.Sync(ctx, levels)
	util.InventoryUnitsReleased.Add(float64(released))
	util.OrdersCancelledTotal.WithLabelValues(models.CancelReasonBuyer).Inc()

	s.logger.Info("Order cancelled by buyer",
		zap.Int64("order_id", order.ID),
		zap.Int("units_released", released))

	s.publisher.Publish(ctx, &models.OrderCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCancelled, order.UpdatedAt),
		OrderID:   order.ID,
		BuyerID:   order.BuyerID,
		Reason:    models.CancelReasonBuyer,
	})
	return order, nil
}

// MarkAsShipped moves a confirmed order to shipped. Only a seller with a
// line on the order may ship it.
func (s *OrderService) MarkAsShipped(ctx context.Context, sellerID, orderID int64, trackingNumber *string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkAsShipped")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID))

	var order *models.Order
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("order", orderID)
		}
		if err != nil {
			return err
		}

		items, err := tx.GetOrderItems(ctx, order.ID)
		if err != nil {
			return err
		}
		if !soldBy(items, sellerID) {
			return apperr.NotFound("order", orderID)
		}

		if err := order.MarkAsShipped(trackingNumber, s.clock.Now()); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, apperr.Wrap(err)
	}

	util.OrdersShippedTotal.Inc()
	s.logger.Info("Order shipped",
		zap.Int64("order_id", order.ID),
		zap.Int64("seller_id", sellerID))

	s.publisher.Publish(ctx, &models.OrderShippedEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeOrderShipped, order.UpdatedAt),
		OrderID:        order.ID,
		BuyerID:        order.BuyerID,
		SellerID:       sellerID,
		TrackingNumber: order.TrackingNumber,
	})
	return order, nil
}

func soldBy(items []models.OrderItem, sellerID int64) bool {
	for _, item := range items {
		if item.SellerID == sellerID {
			return true
		}
	}
	return false
}

func itemsSoldBy(items []models.OrderItem, sellerID int64) []models.OrderItem {
	out := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		if item.SellerID == sellerID {
			out = append(out, item)
		}
	}
	return out
}

// AddToCart adds qty units of a sellable product to the buyer's cart at its
// current price. Stock is checked but not reserved.
func (s *OrderService) AddToCart(ctx context.Context, buyerID, productID int64, qty int) (*models.CartItem, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.AddToCart")
	defer span.End()

	if qty <= 0 {
		return nil, apperr.Validation("quantity must be positive")
	}

	var item *models.CartItem
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		product, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ProductUnavailable(productID, "")
		}
		if err != nil {
			return err
		}
		if !product.Sellable() {
			return apperr.ProductUnavailable(product.ID, product.Name)
		}

		item = &models.CartItem{
			BuyerID:    buyerID,
			ProductID:  product.ID,
			SellerID:   product.SellerID,
			Quantity:   qty,
			PriceAtAdd: product.Price,
		}
		if err := tx.AddCartItem(ctx, item); err != nil {
			return err
		}
		if item.Quantity > product.StockQuantity {
			return apperr.InsufficientStock(product.ID, product.Name, item.Quantity, product.StockQuantity)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return item, nil
}

// GetCart returns the buyer's cart lines.
func (s *OrderService) GetCart(ctx context.Context, buyerID int64) ([]models.CartItem, error) {
	var cart []models.CartItem
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		cart, err = tx.GetCartItems(ctx, buyerID)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return cart, nil
}

// GetStock reads a product's available quantity, preferring the mirror and
// refilling it from the ledger on a miss.
func (s *OrderService) GetStock(ctx context.Context, productID int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetStock")
	defer span.End()

	if s.mirror != nil {
		if available, err := s.mirror.GetAvailable(ctx, productID); err == nil {
			return available, nil
		}
	}

	var level models.StockLevel
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		product, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("product", productID)
		}
		if err != nil {
			return err
		}
		level = product.Level()
		return nil
	})
	if err != nil {
		return 0, apperr.Wrap(err)
	}

	s.ledger.Sync(ctx, StockLevels{productID: level})
	return level.Available, nil
}
