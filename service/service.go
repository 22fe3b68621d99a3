package service

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gorm.io/gorm"

	"github.com/p2psats/tradehub/bonds"
	"github.com/p2psats/tradehub/config"
	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/db/migrations"
	"github.com/p2psats/tradehub/disputes"
	"github.com/p2psats/tradehub/escrow"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/lnclient/cln"
	"github.com/p2psats/tradehub/lnclient/lnd"
	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/orders"
	"github.com/p2psats/tradehub/reconciler"
)

// priceCacheTTL bounds how long a pinned or fetched rate is reused.
const priceCacheTTL = time.Minute

type service struct {
	cfg config.Config

	db             *gorm.DB
	lnClient       lnclient.LNClient
	eventPublisher events.EventPublisher

	ordersService     orders.OrdersService
	bondsService      bonds.BondsService
	disputesService   disputes.DisputesService
	escrowAdapter     escrow.TaprootEscrowAdapter
	reconcilerService reconciler.ReconcilerService

	ctx context.Context
}

// NewService loads configuration from the environment, opens the
// database, connects the configured Lightning backend, and wires the
// trade engine together. Call Start to launch the background loops.
func NewService(ctx context.Context) (*service, error) {
	godotenv.Load(".env")
	appConfig := &config.AppConfig{}
	if err := envconfig.Process("", appConfig); err != nil {
		return nil, err
	}

	logger.Init(appConfig.LogLevel)

	if appConfig.Workdir == "" {
		appConfig.Workdir = filepath.Join(xdg.DataHome, "/tradehub")
		logger.Logger.Info().Str("workdir", appConfig.Workdir).Msg("No workdir specified, using default")
	}
	os.MkdirAll(appConfig.Workdir, os.ModePerm)

	if appConfig.LogToFile {
		if err := logger.AddFileLogger(appConfig.Workdir); err != nil {
			return nil, err
		}
	}

	// a bare filename lands in the workdir, URIs and paths are left alone
	if !strings.HasPrefix(appConfig.DatabaseUri, "file:") {
		databasePath, _ := filepath.Split(appConfig.DatabaseUri)
		if databasePath == "" {
			appConfig.DatabaseUri = filepath.Join(appConfig.Workdir, appConfig.DatabaseUri)
		}
	}

	gormDB, err := db.NewDB(appConfig.DatabaseUri, appConfig.LogDBQueries)
	if err != nil {
		return nil, err
	}
	if err := migrations.Migrate(gormDB); err != nil {
		return nil, err
	}

	cfg, err := config.NewConfig(appConfig, gormDB)
	if err != nil {
		return nil, err
	}

	eventPublisher := events.NewEventPublisher()

	lnClient, err := newLNClient(ctx, appConfig, eventPublisher)
	if err != nil {
		return nil, err
	}

	priceSource := orders.NewCachedPriceSource(newPinnedPriceSource(appConfig.PinnedRates), priceCacheTTL)

	bondsService := bonds.NewBondsService(gormDB, cfg)
	ordersService := orders.NewOrdersService(gormDB, cfg, eventPublisher, lnClient, bondsService, priceSource)
	disputesService := disputes.NewDisputesService(gormDB, cfg, eventPublisher, lnClient, bondsService)
	ordersService.SetDisputeOpener(disputesService)

	svc := &service{
		cfg:             cfg,
		db:              gormDB,
		lnClient:        lnClient,
		eventPublisher:  eventPublisher,
		ordersService:   ordersService,
		bondsService:    bondsService,
		disputesService: disputesService,
		ctx:             ctx,
	}

	// the taproot track is only offered when a coordinator key is
	// configured; lightning-only deployments simply skip it
	if appConfig.CoordinatorPrivateKey != "" {
		escrowAdapter, err := escrow.NewTaprootEscrowAdapter(gormDB, cfg, eventPublisher, lnClient, ordersService)
		if err != nil {
			return nil, err
		}
		ordersService.SetTaprootSettler(escrowAdapter)
		disputesService.SetTaprootResolver(escrowAdapter)
		svc.escrowAdapter = escrowAdapter
	}

	reconcilerService := reconciler.NewReconcilerService(gormDB, cfg, eventPublisher, lnClient, ordersService)
	if svc.escrowAdapter != nil {
		reconcilerService.SetTaprootConfirmer(svc.escrowAdapter)
	}
	svc.reconcilerService = reconcilerService

	eventPublisher.RegisterSubscriber(ordersService)

	logger.Logger.Info().
		Str("network", cfg.GetNetwork()).
		Str("backend", appConfig.LNBackendType).
		Bool("taproot", svc.escrowAdapter != nil).
		Msg("Trade engine ready")
	return svc, nil
}

func newLNClient(ctx context.Context, appConfig *config.AppConfig, eventPublisher events.EventPublisher) (lnclient.LNClient, error) {
	switch appConfig.LNBackendType {
	case constants.LN_BACKEND_TYPE_LND:
		certHex, err := fileAsHex(appConfig.LNDCertFile)
		if err != nil {
			return nil, err
		}
		macaroonHex, err := fileAsHex(appConfig.LNDMacaroonFile)
		if err != nil {
			return nil, err
		}
		return lnd.NewLNDService(ctx, eventPublisher, appConfig.LNDAddress, certHex, macaroonHex)
	case constants.LN_BACKEND_TYPE_CLN:
		return cln.NewCLNService(ctx, eventPublisher, appConfig.CLNSocketPath)
	default:
		return nil, errors.New("unsupported LN_BACKEND_TYPE: " + appConfig.LNBackendType)
	}
}

func fileAsHex(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(content), nil
}

// Start launches the reconciliation loops.
func (svc *service) Start() {
	svc.reconcilerService.Start(svc.ctx)
}

func (svc *service) GetConfig() config.Config {
	return svc.cfg
}

func (svc *service) GetEventPublisher() events.EventPublisher {
	return svc.eventPublisher
}

func (svc *service) GetOrdersService() orders.OrdersService {
	return svc.ordersService
}

func (svc *service) GetDisputesService() disputes.DisputesService {
	return svc.disputesService
}

func (svc *service) GetBondsService() bonds.BondsService {
	return svc.bondsService
}

// GetEscrowAdapter is nil when no coordinator key is configured.
func (svc *service) GetEscrowAdapter() escrow.TaprootEscrowAdapter {
	return svc.escrowAdapter
}

// SetChatActivity plugs the chat transport's activity lookup into
// dispute auto-resolution. Without it every dispute goes to manual
// resolution.
func (svc *service) SetChatActivity(chatActivity disputes.ChatActivity) {
	svc.disputesService.SetChatActivity(chatActivity)
}

func (svc *service) Shutdown() {
	if err := svc.lnClient.Shutdown(); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to shut down node client")
	}
	if err := db.Stop(svc.db); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to close database")
	}
}
