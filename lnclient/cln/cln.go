package cln

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/elementsproject/glightning/glightning"
	"github.com/elementsproject/glightning/jrpc2"
	"github.com/rs/zerolog"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/logger"
)

// CLNService talks to a Core Lightning node over its unix socket. Hold
// invoices come from the holdinvoice plugin, which exposes its own RPC
// methods next to the standard ones.
type CLNService struct {
	ln             *glightning.Lightning
	rpcClient      *jrpc2.Client
	nodeInfo       *lnclient.NodeInfo
	cancel         context.CancelFunc
	ctx            context.Context
	eventPublisher events.EventPublisher
	logger         zerolog.Logger

	shutdownChan chan struct{}
}

func NewCLNService(ctx context.Context, eventPublisher events.EventPublisher, socketPath string) (lnclient.LNClient, error) {
	if socketPath == "" {
		return nil, errors.New("CLN socket path is missing")
	}

	ln := glightning.NewLightning()
	if err := ln.StartUp(filepath.Base(socketPath), filepath.Dir(socketPath)); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to connect to CLN socket")
		return nil, err
	}

	// second connection for the holdinvoice plugin methods
	rpcClient := jrpc2.NewClient()
	shutdownChan := make(chan struct{})
	if err := rpcClient.SocketStart(socketPath, shutdownChan); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to open CLN plugin RPC connection")
		return nil, err
	}

	info, err := ln.GetInfo()
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to fetch CLN node info")
		return nil, err
	}

	clnCtx, cancel := context.WithCancel(ctx)
	svc := &CLNService{
		ln:        ln,
		rpcClient: rpcClient,
		nodeInfo: &lnclient.NodeInfo{
			Alias:       info.Alias,
			Pubkey:      info.Id,
			Network:     info.Network,
			BlockHeight: uint32(info.Blockheight),
		},
		cancel:         cancel,
		ctx:            clnCtx,
		eventPublisher: eventPublisher,
		logger:         logger.Logger.With().Str("backend", constants.LN_BACKEND_TYPE_CLN).Logger(),
		shutdownChan:   shutdownChan,
	}

	logger.Logger.Info().Str("alias", info.Alias).Msg("Connected to CLN")
	return svc, nil
}

func (svc *CLNService) GetInfo(ctx context.Context) (*lnclient.NodeInfo, error) {
	return svc.nodeInfo, nil
}

func (svc *CLNService) MakeHoldInvoice(ctx context.Context, req *lnclient.HoldInvoiceRequest) (*lnclient.HoldInvoice, error) {
	expiry := req.ExpirySeconds
	if expiry == 0 {
		expiry = lnclient.DEFAULT_INVOICE_EXPIRY
	}

	var resp holdInvoiceResponse
	err := svc.rpcClient.Request(&holdInvoiceMethod{
		AmountMsat:  uint64(req.AmountSats) * 1000,
		Label:       "tradehub/" + req.PaymentHash,
		Description: req.Description,
		Expiry:      uint64(expiry),
		Cltv:        req.CltvExpiryBlocks,
		PaymentHash: req.PaymentHash,
	}, &resp)
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to create hold invoice")
		return nil, err
	}

	go svc.watchHoldInvoice(req.PaymentHash)

	now := time.Now()
	return &lnclient.HoldInvoice{
		Invoice:          resp.Bolt11,
		PaymentHash:      req.PaymentHash,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(expiry) * time.Second),
		CltvExpiryBlocks: req.CltvExpiryBlocks,
	}, nil
}

// watchHoldInvoice polls the holdinvoice plugin until the HTLC is
// accepted or the invoice reaches a final state. The plugin has no
// subscription stream, so this is the CLN equivalent of LND's single
// invoice subscription.
func (svc *CLNService) watchHoldInvoice(paymentHash string) {
	log := svc.logger.With().Str("paymentHash", paymentHash).Logger()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-svc.ctx.Done():
			return
		case <-ticker.C:
			status, expiryHeight, err := svc.LookupInvoiceStatus(svc.ctx, paymentHash)
			if err != nil {
				log.Error().Err(err).Msg("Failed to poll hold invoice state")
				continue
			}
			switch status {
			case db.LNPaymentStatusLocked:
				props := map[string]interface{}{
					"payment_hash": paymentHash,
				}
				if expiryHeight != nil {
					props["settle_deadline"] = *expiryHeight
				}
				log.Info().Msg("Hold invoice accepted")
				svc.eventPublisher.Publish(&events.Event{
					Event:      constants.EVENT_HOLD_INVOICE_ACCEPTED,
					Properties: props,
				})
				return
			case db.LNPaymentStatusCancelled, db.LNPaymentStatusReturned:
				svc.eventPublisher.Publish(&events.Event{
					Event: constants.EVENT_HOLD_INVOICE_CANCELED,
					Properties: map[string]interface{}{
						"payment_hash": paymentHash,
					},
				})
				return
			case db.LNPaymentStatusSettled:
				return
			}
		}
	}
}

func (svc *CLNService) SettleHoldInvoice(ctx context.Context, preimage string) error {
	var resp holdInvoiceStateResponse
	err := svc.rpcClient.Request(&holdInvoiceSettleMethod{Preimage: preimage}, &resp)
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to settle hold invoice")
		return err
	}
	if resp.State != holdStateSettled {
		return errors.New("hold invoice did not settle, state " + resp.State)
	}
	return nil
}

func (svc *CLNService) CancelHoldInvoice(ctx context.Context, paymentHash string) error {
	var resp holdInvoiceStateResponse
	err := svc.rpcClient.Request(&holdInvoiceCancelMethod{PaymentHash: paymentHash}, &resp)
	if err != nil {
		svc.logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("Failed to cancel hold invoice")
		return err
	}
	if resp.State != holdStateCanceled {
		return errors.New("hold invoice did not cancel, state " + resp.State)
	}
	return nil
}

func (svc *CLNService) LookupInvoiceStatus(ctx context.Context, paymentHash string) (db.LNPaymentStatus, *uint32, error) {
	var resp holdInvoiceLookupResponse
	err := svc.rpcClient.Request(&holdInvoiceLookupMethod{PaymentHash: paymentHash}, &resp)
	if err != nil {
		// the plugin forgets hold invoices an hour after expiry; the
		// regular invoice table still distinguishes paid from expired
		if strings.Contains(err.Error(), "empty result for listdatastore_state") {
			return svc.lookupForgottenInvoice(paymentHash)
		}
		svc.logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("Failed to lookup hold invoice")
		return 0, nil, err
	}

	var expiryHeight *uint32
	if resp.HtlcExpiry > 0 {
		h := resp.HtlcExpiry
		expiryHeight = &h
	}

	switch resp.State {
	case holdStateOpen:
		return db.LNPaymentStatusInvoiceGenerated, expiryHeight, nil
	case holdStateAccepted:
		return db.LNPaymentStatusLocked, expiryHeight, nil
	case holdStateSettled:
		return db.LNPaymentStatusSettled, expiryHeight, nil
	case holdStateCanceled:
		return db.LNPaymentStatusCancelled, expiryHeight, nil
	}
	return 0, nil, errors.New("unknown hold invoice state " + resp.State)
}

func (svc *CLNService) lookupForgottenInvoice(paymentHash string) (db.LNPaymentStatus, *uint32, error) {
	var resp listInvoicesResponse
	err := svc.rpcClient.Request(&listInvoicesMethod{PaymentHash: paymentHash}, &resp)
	if err != nil {
		return 0, nil, err
	}
	if len(resp.Invoices) == 0 {
		return 0, nil, errors.New("invoice not found")
	}
	switch resp.Invoices[0].Status {
	case "paid":
		return db.LNPaymentStatusSettled, nil, nil
	case "expired":
		return db.LNPaymentStatusCancelled, nil, nil
	}
	return db.LNPaymentStatusInvoiceGenerated, nil, nil
}

func (svc *CLNService) DecodeInvoice(ctx context.Context, bolt11 string) (*lnclient.DecodedInvoice, error) {
	decoded, err := svc.ln.DecodePay(bolt11, "")
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to decode payment request")
		return nil, err
	}

	hints := make([]lnclient.RouteHint, 0, len(decoded.Routes))
	for _, route := range decoded.Routes {
		hops := make([]lnclient.HopHint, 0, len(route))
		for _, hop := range route {
			hops = append(hops, lnclient.HopHint{
				NodeId:                    hop.Pubkey,
				FeeBaseMsat:               int64(hop.FeeBaseMilliSatoshis),
				FeeProportionalMillionths: int64(hop.FeeProportionalMillionths),
				CltvExpiryDelta:           uint32(hop.CltvExpiryDelta),
			})
		}
		hints = append(hints, lnclient.RouteHint{Hops: hops})
	}

	return &lnclient.DecodedInvoice{
		PaymentHash:       decoded.PaymentHash,
		Description:       decoded.Description,
		AmountMsat:        int64(decoded.MilliSatoshis),
		CreatedAt:         time.Unix(int64(decoded.CreatedAt), 0),
		ExpirySeconds:     int64(decoded.Expiry),
		DestinationPubkey: decoded.Payee,
		RouteHints:        hints,
	}, nil
}

// clnFailureReason maps CLN pay error codes into the shared taxonomy.
func clnFailureReason(code int) db.PaymentFailureReason {
	switch code {
	case 201:
		// already paid with this hash using different amount or destination
		return db.PaymentFailureReasonIncorrectDetails
	case 203:
		return db.PaymentFailureReasonNonRecoverable
	case 205:
		return db.PaymentFailureReasonNoRoute
	case 206:
		return db.PaymentFailureReasonRouteTooExpensive
	case 207:
		return db.PaymentFailureReasonInvoiceExpired
	case 210:
		return db.PaymentFailureReasonTimeout
	}
	return db.PaymentFailureReasonNonRecoverable
}

func (svc *CLNService) SendPayment(ctx context.Context, req *lnclient.PayRequest) (*lnclient.PayResult, error) {
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = 60
	}

	// pay takes a percentage fee cap, not an absolute one
	maxFeePercent := 0.5
	if req.AmountSats > 0 {
		maxFeePercent = float64(req.FeeLimitSats) / float64(req.AmountSats) * 100
	}

	result, err := svc.ln.Pay(&glightning.PayRequest{
		Bolt11:        req.Invoice,
		MaxFeePercent: maxFeePercent,
		RetryFor:      uint(timeout),
	})
	if err != nil {
		var rpcErr *jrpc2.RpcError
		if errors.As(err, &rpcErr) {
			svc.logger.Error().
				Int("code", rpcErr.Code).
				Str("message", rpcErr.Message).
				Msg("Payment failed")
			return &lnclient.PayResult{
				Status:        db.LNPaymentStatusFailedRouting,
				FailureReason: clnFailureReason(rpcErr.Code),
			}, nil
		}
		svc.logger.Error().Err(err).Msg("SendPayment failed")
		return nil, err
	}

	switch result.Status {
	case "complete":
		return &lnclient.PayResult{
			Status:   db.LNPaymentStatusSucceeded,
			Preimage: result.PaymentPreimage,
			FeeMsat:  int64(result.MilliSatoshiSent - result.MilliSatoshi),
		}, nil
	case "pending":
		return &lnclient.PayResult{
			Status:        db.LNPaymentStatusInFlight,
			FailureReason: db.PaymentFailureReasonNotYetFailed,
		}, nil
	default:
		return &lnclient.PayResult{
			Status:        db.LNPaymentStatusFailedRouting,
			FailureReason: db.PaymentFailureReasonNoRoute,
		}, nil
	}
}

func (svc *CLNService) TrackPayment(ctx context.Context, paymentHash string) (*lnclient.PayResult, error) {
	var resp listPaysResponse
	err := svc.rpcClient.Request(&listPaysMethod{PaymentHash: paymentHash}, &resp)
	if err != nil {
		svc.logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("Failed to list pays")
		return nil, err
	}
	if len(resp.Pays) == 0 {
		return nil, errors.New("payment not found")
	}

	pay := resp.Pays[0]
	switch pay.Status {
	case "complete":
		return &lnclient.PayResult{
			Status:   db.LNPaymentStatusSucceeded,
			Preimage: pay.Preimage,
		}, nil
	case "pending":
		return &lnclient.PayResult{
			Status:        db.LNPaymentStatusInFlight,
			FailureReason: db.PaymentFailureReasonNotYetFailed,
		}, nil
	default:
		return &lnclient.PayResult{
			Status:        db.LNPaymentStatusFailedRouting,
			FailureReason: db.PaymentFailureReasonNoRoute,
		}, nil
	}
}

func (svc *CLNService) PayOnchain(ctx context.Context, req *lnclient.OnchainRequest) (string, error) {
	var resp withdrawResponse
	err := svc.rpcClient.Request(&withdrawMethod{
		Destination: req.Address,
		Satoshi:     req.AmountSats,
		// sat/vbyte to perkb
		FeeRate: uint64(req.SatPerVbyte * 1000),
	}, &resp)
	if err != nil {
		svc.logger.Error().Err(err).
			Str("address", req.Address).
			Int64("amount", req.AmountSats).
			Msg("Failed to send onchain payment")
		return "", err
	}
	return resp.TxId, nil
}

func (svc *CLNService) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	var resp sendRawTransactionResponse
	err := svc.rpcClient.Request(&sendRawTransactionMethod{
		TxHex:         txHex,
		AllowHighFees: false,
	}, &resp)
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to broadcast raw transaction")
		return "", err
	}
	if !resp.Success {
		return "", errors.New("failed to broadcast raw transaction: " + resp.ErrMsg)
	}

	rawTx, err := hex.DecodeString(txHex)
	if err != nil {
		return "", err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func (svc *CLNService) GetTransactionConfirmations(ctx context.Context, txid string) (uint32, error) {
	var resp listTransactionsResponse
	err := svc.rpcClient.Request(&listTransactionsMethod{}, &resp)
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to list transactions")
		return 0, err
	}
	for _, tx := range resp.Transactions {
		if tx.Hash != txid {
			continue
		}
		if tx.Blockheight == 0 {
			return 0, nil
		}
		var info getInfoResponse
		if err := svc.rpcClient.Request(&getInfoMethod{}, &info); err != nil {
			return 0, err
		}
		if info.Blockheight < tx.Blockheight {
			return 0, nil
		}
		return info.Blockheight - tx.Blockheight + 1, nil
	}
	return 0, errors.New("transaction not found in wallet: " + txid)
}

func (svc *CLNService) EstimateOnchainFee(ctx context.Context, targetConf int32) (float64, error) {
	var resp feeRatesResponse
	err := svc.rpcClient.Request(&feeRatesMethod{Style: "perkb"}, &resp)
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to fetch feerates")
		return 0, err
	}
	perKb := resp.PerKb.Opening
	if targetConf <= 2 {
		perKb = resp.PerKb.Urgent
	}
	if perKb == 0 {
		return 0, errors.New("no feerate estimate available")
	}
	return float64(perKb) / 1000, nil
}

func (svc *CLNService) GetBalances(ctx context.Context) (*lnclient.Balances, error) {
	var resp listFundsResponse
	err := svc.rpcClient.Request(&listFundsMethod{}, &resp)
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to list funds")
		return nil, err
	}

	balances := &lnclient.Balances{}
	for _, output := range resp.Outputs {
		sats := int64(output.AmountMsat / 1000)
		balances.OnchainTotalSats += sats
		if output.Status == "confirmed" {
			balances.OnchainConfirmedSats += sats
		}
	}
	for _, channel := range resp.Channels {
		local := int64(channel.OurAmountMsat)
		total := int64(channel.AmountMsat)
		balances.ChannelLocalMsat += local
		balances.ChannelRemoteMsat += total - local
		if local > balances.MaxSendableMsat {
			balances.MaxSendableMsat = local
		}
	}
	return balances, nil
}

func (svc *CLNService) Shutdown() error {
	svc.logger.Info().Msg("closing CLN connections")
	svc.cancel()
	close(svc.shutdownChan)
	return nil
}
