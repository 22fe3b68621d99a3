package tests

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/p2psats/tradehub/bonds"
	"github.com/p2psats/tradehub/config"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/db/migrations"
	"github.com/p2psats/tradehub/disputes"
	"github.com/p2psats/tradehub/escrow"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/orders"
	"github.com/p2psats/tradehub/reconciler"
	"github.com/p2psats/tradehub/tests/mocks"
)

// TestService bundles the engine services over an in-memory database
// and a mocked Lightning node.
type TestService struct {
	DB             *gorm.DB
	Cfg            config.Config
	EventPublisher events.EventPublisher
	LNClient       *mocks.MockLNClient
	Bonds          bonds.BondsService
	Orders         orders.OrdersService
	Disputes       disputes.DisputesService
	Reconciler     reconciler.ReconcilerService
	Escrow         escrow.TaprootEscrowAdapter
}

// FixedPriceSource returns pinned rates, fiat units per BTC.
type FixedPriceSource struct {
	Rates map[string]float64
}

func (s *FixedPriceSource) Rate(ctx context.Context, currency string) (float64, error) {
	rate, ok := s.Rates[currency]
	if !ok {
		return 0, fmt.Errorf("no rate for %s", currency)
	}
	return rate, nil
}

func DefaultTestConfig() *config.AppConfig {
	return &config.AppConfig{
		Network:                     "regtest",
		CoordinatorPrivateKey:       strings.Repeat("11", 32),
		CoordinatorBondAddress:      RegtestAddress(0xb0),
		CoordinatorFeeAddress:       RegtestAddress(0xfe),
		LNBackendType:               "LND",
		FeeRate:                     0.2,
		MakerFeeSplit:               0.125,
		MinOrderSize:                20000,
		MaxOrderSize:                5000000,
		DefaultBondSize:             3.0,
		SlashedBondRewardSplit:      0.5,
		ProportionalRoutingFeeLimit: 0.001,
		MinFlatRoutingFeeLimit:      10,
		PaymentTimeoutSeconds:       90,
		MinSwapFeePercent:           1.0,
		MaxSwapFeePercent:           5.0,
		SwapFeeCurve:                "linear",
		MinSwapAmountSats:           100000,
		MinimumMiningFee:            2.0,
		MaximumMiningFee:            100.0,
		MakerBondExpirySeconds:      300,
		PublicOrderDurationSeconds:  86400,
		TakerBondExpirySeconds:      240,
		EscrowWaitSeconds:           10800,
		InvoiceWaitSeconds:          10800,
		FiatExchangeBaseSeconds:     86400,
		DisputeStatementSeconds:     604800,
	}
}

// RegtestAddress derives a deterministic regtest p2wpkh address from a
// repeated seed byte.
func RegtestAddress(seed byte) string {
	hash := bytes.Repeat([]byte{seed}, 20)
	address, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	if err != nil {
		panic(err)
	}
	return address.EncodeAddress()
}

// CreateTestService wires the full service graph over a fresh
// in-memory sqlite database. The returned mock node starts with no
// expectations; each test sets up exactly what it needs.
func CreateTestService(t *testing.T) *TestService {
	logger.Init("1")

	uri := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gormDB, err := db.NewDB(uri, false)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := migrations.Migrate(gormDB); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	appConfig := DefaultTestConfig()
	cfg, err := config.NewConfig(appConfig, gormDB)
	if err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	eventPublisher := events.NewEventPublisher()
	lnClient := mocks.NewMockLNClient(t)

	priceSource := orders.NewCachedPriceSource(&FixedPriceSource{
		Rates: map[string]float64{"USD": 100000, "EUR": 90000},
	}, time.Minute)

	bondsService := bonds.NewBondsService(gormDB, cfg)
	ordersService := orders.NewOrdersService(gormDB, cfg, eventPublisher, lnClient, bondsService, priceSource)
	disputesService := disputes.NewDisputesService(gormDB, cfg, eventPublisher, lnClient, bondsService)
	ordersService.SetDisputeOpener(disputesService)

	escrowAdapter, err := escrow.NewTaprootEscrowAdapter(gormDB, cfg, eventPublisher, lnClient, ordersService)
	if err != nil {
		t.Fatalf("failed to create escrow adapter: %v", err)
	}
	ordersService.SetTaprootSettler(escrowAdapter)
	disputesService.SetTaprootResolver(escrowAdapter)

	reconcilerService := reconciler.NewReconcilerService(gormDB, cfg, eventPublisher, lnClient, ordersService)
	reconcilerService.SetTaprootConfirmer(escrowAdapter)

	eventPublisher.RegisterSubscriber(ordersService)

	t.Cleanup(func() {
		if err := db.Stop(gormDB); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})

	return &TestService{
		DB:             gormDB,
		Cfg:            cfg,
		EventPublisher: eventPublisher,
		LNClient:       lnClient,
		Bonds:          bondsService,
		Orders:         ordersService,
		Disputes:       disputesService,
		Reconciler:     reconcilerService,
		Escrow:         escrowAdapter,
	}
}
