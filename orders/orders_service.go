package orders

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/p2psats/tradehub/bonds"
	"github.com/p2psats/tradehub/config"
	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/db/queries"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/metrics"
	"github.com/p2psats/tradehub/traderr"
)

type ordersService struct {
	db             *gorm.DB
	cfg            config.Config
	eventPublisher events.EventPublisher
	lnClient       lnclient.LNClient
	bonds          bonds.BondsService
	priceSource    PriceSource

	disputeOpener  DisputeOpener
	taprootSettler TaprootSettler
}

// DisputeOpener is how the expiry engine hands a timed-out fiat
// exchange over to dispute handling without a package cycle.
type DisputeOpener interface {
	OpenDisputeFromExpiry(ctx context.Context, orderId uint) error
	CloseStatementWindow(ctx context.Context, orderId uint) error
}

// OrdersService is the trade lifecycle state machine. Every mutation
// is a transition: status guarded, audited with an order log row, and
// announced through the event publisher.
type OrdersService interface {
	events.EventSubscriber

	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error)
	PauseOrder(ctx context.Context, orderId uint, robotId uint) error
	TakeOrder(ctx context.Context, orderId uint, takerId uint, amount float64) (*TakeOrderResponse, error)
	CancelOrder(ctx context.Context, orderId uint, robotId uint) error

	SubmitPayoutInvoice(ctx context.Context, orderId uint, robotId uint, invoice string) error
	SubmitPayoutAddress(ctx context.Context, orderId uint, robotId uint, address string, miningFeeRate float64) error

	ConfirmFiatSent(ctx context.Context, orderId uint, robotId uint) error
	ConfirmFiatReceived(ctx context.Context, orderId uint, robotId uint) error

	OrderExpires(ctx context.Context, orderId uint) error
	ExpireTakeOrders(ctx context.Context) error
	GetOrder(ctx context.Context, orderId uint) (*db.Order, error)

	// taproot track transitions, driven by the escrow adapter
	RequiredBondSats(ctx context.Context, orderId uint, robotId uint) (int64, error)
	MakerBondTxLocked(ctx context.Context, orderId uint) error
	TakerBondTxLocked(ctx context.Context, orderId uint, takerId uint) error
	EscrowFundingConfirmed(ctx context.Context, orderId uint) error
	TaprootPayoutConfirmed(ctx context.Context, orderId uint) error
	TaprootDisputeResolved(ctx context.Context, orderId uint, winnerRobotId uint) error
}

type CreateOrderRequest struct {
	MakerID       uint
	Type          string // BUY or SELL
	Currency      string
	Amount        float64
	HasRange      bool
	MinAmount     float64
	MaxAmount     float64
	PaymentMethod string

	IsExplicit bool
	Satoshis   int64
	Premium    float64

	EscrowMode      string
	BondSizePercent float64

	PublicDurationSeconds int64
	EscrowDurationSeconds int64
}

// OrderResponse pairs the created order with the maker's bond
// instrument: a hold invoice to pay, or on the taproot track the
// coordinator address a pre-signed bond transaction must pay.
type OrderResponse struct {
	Order       *db.Order
	BondInvoice string
	BondAddress string
	BondSats    int64
}

type TakeOrderResponse struct {
	TakeOrder   *db.TakeOrder
	BondInvoice string
	BondAddress string
	BondSats    int64
}

func NewOrdersService(gormDB *gorm.DB, cfg config.Config, eventPublisher events.EventPublisher, lnClient lnclient.LNClient, bondsService bonds.BondsService, priceSource PriceSource) *ordersService {
	return &ordersService{
		db:             gormDB,
		cfg:            cfg,
		eventPublisher: eventPublisher,
		lnClient:       lnClient,
		bonds:          bondsService,
		priceSource:    priceSource,
	}
}

// SetDisputeOpener wires the dispute service in after construction.
func (svc *ordersService) SetDisputeOpener(opener DisputeOpener) {
	svc.disputeOpener = opener
}

func (svc *ordersService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	env := svc.cfg.GetEnv()

	if req.Type != constants.ORDER_TYPE_BUY && req.Type != constants.ORDER_TYPE_SELL {
		return nil, traderr.NewBadRequestError("order type must be BUY or SELL")
	}
	if req.Currency == "" {
		return nil, traderr.NewBadRequestError("currency is required")
	}
	if req.IsExplicit {
		if req.HasRange {
			return nil, traderr.NewBadRequestError("explicit satoshi orders cannot have an amount range")
		}
		if req.Premium != 0 {
			return nil, traderr.NewBadRequestError("explicit satoshi amount and premium are mutually exclusive")
		}
		if req.Satoshis < env.MinOrderSize || req.Satoshis > env.MaxOrderSize {
			return nil, traderr.NewBadRequestError(
				fmt.Sprintf("order size must be between %d and %d sats", env.MinOrderSize, env.MaxOrderSize))
		}
	} else if req.HasRange {
		if req.MinAmount <= 0 || req.MaxAmount <= req.MinAmount {
			return nil, traderr.NewBadRequestError("invalid amount range")
		}
		if req.MaxAmount < req.MinAmount*constants.MIN_RANGE_RATIO {
			return nil, traderr.NewBadRequestError("the maximum range amount must be at least 50% higher than the minimum")
		}
		if req.MaxAmount > req.MinAmount*constants.MAX_RANGE_RATIO {
			return nil, traderr.NewBadRequestError("the amount range is too wide")
		}
	} else if req.Amount <= 0 {
		return nil, traderr.NewBadRequestError("amount is required")
	}

	escrowMode := req.EscrowMode
	if escrowMode == "" {
		escrowMode = constants.ESCROW_MODE_LIGHTNING
	}
	if escrowMode != constants.ESCROW_MODE_LIGHTNING && escrowMode != constants.ESCROW_MODE_TAPROOT {
		return nil, traderr.NewBadRequestError("unknown escrow mode")
	}

	bondSizePercent := req.BondSizePercent
	if bondSizePercent == 0 {
		bondSizePercent = env.DefaultBondSize
	}
	if bondSizePercent < constants.MIN_BOND_SIZE_PERCENT || bondSizePercent > constants.MAX_BOND_SIZE_PERCENT {
		return nil, traderr.NewBadRequestError(
			fmt.Sprintf("bond size must be between %.1f%% and %.1f%%", constants.MIN_BOND_SIZE_PERCENT, constants.MAX_BOND_SIZE_PERCENT))
	}

	maker, err := svc.loadRobot(req.MakerID)
	if err != nil {
		return nil, err
	}
	if err := svc.checkCanTrade(maker); err != nil {
		return nil, err
	}

	publicDuration := req.PublicDurationSeconds
	if publicDuration == 0 || publicDuration > env.PublicOrderDurationSeconds {
		publicDuration = env.PublicOrderDurationSeconds
	}
	escrowDuration := req.EscrowDurationSeconds
	if escrowDuration == 0 || escrowDuration > env.EscrowWaitSeconds {
		escrowDuration = env.EscrowWaitSeconds
	}

	// fee split frozen at creation so config changes cannot reprice an
	// in-flight trade
	order := &db.Order{
		Reference:             uuid.NewString(),
		Type:                  req.Type,
		Currency:              req.Currency,
		Amount:                req.Amount,
		HasRange:              req.HasRange,
		MinAmount:             req.MinAmount,
		MaxAmount:             req.MaxAmount,
		PaymentMethod:         req.PaymentMethod,
		IsExplicit:            req.IsExplicit,
		Satoshis:              req.Satoshis,
		Premium:               req.Premium,
		EscrowMode:            escrowMode,
		BondSizePercent:       bondSizePercent,
		MakerFeePercent:       env.FeeRate * env.MakerFeeSplit,
		TakerFeePercent:       env.FeeRate * (1 - env.MakerFeeSplit),
		PublicDurationSeconds: publicDuration,
		EscrowDurationSeconds: escrowDuration,
		Status:                db.OrderStatusWaitingMakerBond,
		ExpiresAt:             time.Now().Add(time.Duration(env.MakerBondExpirySeconds) * time.Second),
		MakerID:               maker.ID,
	}
	if err := svc.db.Create(order).Error; err != nil {
		return nil, err
	}

	bondSats, err := svc.bondSatoshis(ctx, order, svc.maxTradeAmount(order))
	if err != nil {
		return nil, err
	}

	if escrowMode == constants.ESCROW_MODE_TAPROOT {
		if env.CoordinatorBondAddress == "" {
			return nil, traderr.NewBadRequestError("on-chain escrow is not available")
		}
		svc.orderLog(order.ID, "info", fmt.Sprintf("Order created, waiting for maker bond transaction of %d sats", bondSats))
		metrics.OrdersCreated.Inc()
		return &OrderResponse{Order: order, BondAddress: env.CoordinatorBondAddress, BondSats: bondSats}, nil
	}

	bondPayment, err := svc.makeBondHoldInvoice(ctx, order, db.LNPaymentConceptMakerBond, maker.ID, bondSats, env.MakerBondExpirySeconds)
	if err != nil {
		return nil, err
	}

	svc.orderLog(order.ID, "info", fmt.Sprintf("Order created, waiting for maker bond of %d sats", bondSats))
	metrics.OrdersCreated.Inc()

	return &OrderResponse{Order: order, BondInvoice: bondPayment.Invoice, BondSats: bondSats}, nil
}

// PauseOrder toggles a published order between Public and Paused.
func (svc *ordersService) PauseOrder(ctx context.Context, orderId uint, robotId uint) error {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if order.MakerID != robotId {
		return traderr.NewBadRequestError("only the maker can pause an order")
	}

	switch order.Status {
	case db.OrderStatusPublic:
		svc.orderLog(order.ID, "info", "Order paused by maker")
		return svc.db.Model(order).Update("status", db.OrderStatusPaused).Error
	case db.OrderStatusPaused:
		svc.orderLog(order.ID, "info", "Order unpaused by maker")
		return svc.db.Model(order).Update("status", db.OrderStatusPublic).Error
	default:
		return traderr.NewBadRequestError("you can only pause public orders")
	}
}

// TakeOrder registers a taker pre-commitment and hands back the taker
// bond invoice. Range orders accept several concurrent candidates; the
// first bond to lock wins the contract.
func (svc *ordersService) TakeOrder(ctx context.Context, orderId uint, takerId uint, amount float64) (*TakeOrderResponse, error) {
	order, err := svc.GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if err := svc.expireIfPast(ctx, order); err != nil {
		return nil, err
	}

	if order.Status != db.OrderStatusPublic &&
		!(order.Status == db.OrderStatusWaitingTakerBond && order.HasRange) {
		return nil, traderr.NewBadRequestError("this order is not available to take")
	}
	if order.MakerID == takerId {
		return nil, traderr.NewBadRequestError("you cannot take your own order")
	}

	taker, err := svc.loadRobot(takerId)
	if err != nil {
		return nil, err
	}
	if err := svc.checkCanTrade(taker); err != nil {
		return nil, err
	}

	if order.HasRange {
		if amount < order.MinAmount || amount > order.MaxAmount {
			return nil, traderr.NewBadRequestError(
				fmt.Sprintf("amount must be between %g and %g %s", order.MinAmount, order.MaxAmount, order.Currency))
		}
	} else {
		amount = order.Amount
	}

	env := svc.cfg.GetEnv()
	takeOrder := &db.TakeOrder{
		OrderID:   order.ID,
		TakerID:   taker.ID,
		Amount:    amount,
		ExpiresAt: time.Now().Add(time.Duration(env.TakerBondExpirySeconds) * time.Second),
	}

	err = svc.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(takeOrder).Error; err != nil {
			return err
		}
		if order.Status == db.OrderStatusPublic {
			return tx.Model(order).Update("status", db.OrderStatusWaitingTakerBond).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	bondSats, err := svc.bondSatoshis(ctx, order, amount)
	if err != nil {
		return nil, err
	}

	if order.EscrowMode == constants.ESCROW_MODE_TAPROOT {
		svc.orderLog(order.ID, "info", fmt.Sprintf("Taker %d pre-committed for %g %s, waiting for taker bond transaction", taker.ID, amount, order.Currency))
		return &TakeOrderResponse{TakeOrder: takeOrder, BondAddress: env.CoordinatorBondAddress, BondSats: bondSats}, nil
	}

	bondPayment, err := svc.makeBondHoldInvoice(ctx, order, db.LNPaymentConceptTakerBond, taker.ID, bondSats, env.TakerBondExpirySeconds)
	if err != nil {
		return nil, err
	}

	svc.orderLog(order.ID, "info", fmt.Sprintf("Taker %d pre-committed for %g %s, waiting for taker bond", taker.ID, amount, order.Currency))

	return &TakeOrderResponse{TakeOrder: takeOrder, BondInvoice: bondPayment.Invoice, BondSats: bondSats}, nil
}

func (svc *ordersService) GetOrder(ctx context.Context, orderId uint) (*db.Order, error) {
	var order db.Order
	result := svc.db.Limit(1).Find(&order, "id = ?", orderId)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, traderr.NewBadRequestError("order not found")
	}
	return &order, nil
}

// resolveSatoshis prices a fiat amount: explicit orders return their
// fixed amount, relative orders convert at the live exchange rate plus
// premium. Live until the taker bond locks, frozen afterwards.
func (svc *ordersService) resolveSatoshis(ctx context.Context, order *db.Order, amount float64) (int64, error) {
	if order.IsExplicit {
		return order.Satoshis, nil
	}
	rate, err := svc.priceSource.Rate(ctx, order.Currency)
	if err != nil {
		return 0, err
	}
	sats, err := satoshisForAmount(amount, rate, order.Premium)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	svc.db.Model(order).Update("last_price_refresh_at", &now)
	return sats, nil
}

func (svc *ordersService) bondSatoshis(ctx context.Context, order *db.Order, amount float64) (int64, error) {
	sats, err := svc.resolveSatoshis(ctx, order, amount)
	if err != nil {
		return 0, err
	}
	env := svc.cfg.GetEnv()
	if sats < env.MinOrderSize || sats > env.MaxOrderSize {
		return 0, traderr.NewBadRequestError(
			fmt.Sprintf("trade size must be between %d and %d sats", env.MinOrderSize, env.MaxOrderSize))
	}
	return int64(math.Round(float64(sats) * order.BondSizePercent / 100)), nil
}

func (svc *ordersService) maxTradeAmount(order *db.Order) float64 {
	if order.HasRange {
		return order.MaxAmount
	}
	return order.Amount
}

// makeBondHoldInvoice issues a hold invoice whose preimage stays with
// the coordinator, records the LNPayment row, and returns it.
func (svc *ordersService) makeBondHoldInvoice(ctx context.Context, order *db.Order, concept db.LNPaymentConcept, senderId uint, amountSats int64, deadlineSeconds int64) (*db.LNPayment, error) {
	preimage, paymentHash, err := newPreimage()
	if err != nil {
		return nil, err
	}

	cltvExpiryBlocks := cltvBlocks(deadlineSeconds)
	expirySeconds := int64(float64(deadlineSeconds) * constants.INVOICE_EXPIRY_PADDING)
	description := fmt.Sprintf("tradehub %s for order %s", concept, order.Reference)

	invoice, err := svc.lnClient.MakeHoldInvoice(ctx, &lnclient.HoldInvoiceRequest{
		AmountSats:       amountSats,
		Description:      description,
		ExpirySeconds:    expirySeconds,
		CltvExpiryBlocks: cltvExpiryBlocks,
		PaymentHash:      paymentHash,
	})
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint("order_id", order.ID).
			Str("concept", concept.String()).
			Msg("Failed to create bond hold invoice")
		return nil, err
	}

	expiresAt := invoice.ExpiresAt
	payment := &db.LNPayment{
		OrderID:          &order.ID,
		Type:             db.LNPaymentTypeHold,
		Concept:          concept,
		Status:           db.LNPaymentStatusInvoiceGenerated,
		PaymentHash:      paymentHash,
		Preimage:         &preimage,
		Invoice:          invoice.Invoice,
		Description:      description,
		NumSatoshis:      amountSats,
		CltvExpiryBlocks: cltvExpiryBlocks,
		SenderID:         &senderId,
		ExpiresAt:        &expiresAt,
	}
	if err := svc.db.Create(payment).Error; err != nil {
		return nil, err
	}
	return payment, nil
}

func (svc *ordersService) loadRobot(robotId uint) (*db.Robot, error) {
	var robot db.Robot
	result := svc.db.Limit(1).Find(&robot, "id = ?", robotId)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, traderr.NewBadRequestError("robot not found")
	}
	return &robot, nil
}

func (svc *ordersService) checkCanTrade(robot *db.Robot) error {
	if robot.PenaltyExpiresAt != nil && robot.PenaltyExpiresAt.After(time.Now()) {
		return traderr.NewBadRequestError(
			fmt.Sprintf("you are under a timeout penalty until %s", robot.PenaltyExpiresAt.Format(time.RFC3339)))
	}
	if queries.CountActiveOrders(svc.db, robot.ID) > 0 {
		return traderr.NewBadRequestError("you already have an active order")
	}
	return nil
}

// orderLog appends one audit row; failures are logged and swallowed,
// the audit trail never blocks a transition.
func (svc *ordersService) orderLog(orderId uint, level string, message string) {
	err := svc.db.Create(&db.OrderLogEntry{
		OrderID: orderId,
		Level:   level,
		Message: message,
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).Uint("order_id", orderId).Msg("Failed to write order log entry")
	}
}

func (svc *ordersService) publishEvent(name string, order *db.Order) {
	svc.eventPublisher.Publish(&events.Event{
		Event: name,
		Properties: map[string]interface{}{
			"order_id":  order.ID,
			"reference": order.Reference,
			"status":    order.Status.String(),
		},
	})
}

// cltvBlocks converts a wall-clock deadline into a CLTV window with
// the safety factor applied.
func cltvBlocks(deadlineSeconds int64) uint32 {
	blocks := float64(deadlineSeconds) / constants.BLOCK_TIME.Seconds() * constants.ESCROW_CLTV_SAFETY_FACTOR
	return uint32(math.Ceil(blocks))
}

func newPreimage() (preimage string, paymentHash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(raw), hex.EncodeToString(hash[:]), nil
}
