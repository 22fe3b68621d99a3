package lnd

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"

	"github.com/p2psats/tradehub/constants"
	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/events"
	"github.com/p2psats/tradehub/lnclient"
	"github.com/p2psats/tradehub/lnclient/lnd/wrapper"
	"github.com/p2psats/tradehub/logger"
)

type LNDService struct {
	client         *wrapper.LNDWrapper
	nodeInfo       *lnclient.NodeInfo
	cancel         context.CancelFunc
	ctx            context.Context
	eventPublisher events.EventPublisher
	logger         zerolog.Logger
}

func NewLNDService(ctx context.Context, eventPublisher events.EventPublisher, lndAddress, lndCertHex, lndMacaroonHex string) (result lnclient.LNClient, err error) {
	if lndAddress == "" || lndMacaroonHex == "" {
		return nil, errors.New("one or more required LND configuration are missing")
	}

	lndClient, err := wrapper.NewLNDclient(wrapper.LNDoptions{
		Address:     lndAddress,
		CertHex:     lndCertHex,
		MacaroonHex: lndMacaroonHex,
	})
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to create new LND client")
		return nil, err
	}

	var nodeInfo *lnclient.NodeInfo
	maxRetries := 5
	for i := range maxRetries {
		nodeInfo, err = fetchNodeInfo(ctx, lndClient)
		if err == nil {
			break
		}
		logger.Logger.Error().Err(err).
			Int("iteration", i).
			Msg("Failed to connect to LND, retrying in 2s")

		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			logger.Logger.Error().Err(ctx.Err()).Msg("Context cancelled during LND connection retries")
			return nil, ctx.Err()
		}
	}

	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to connect to LND on final attempt, not attempting further retries")
		return nil, err
	}

	lndCtx, cancel := context.WithCancel(ctx)

	lndService := &LNDService{
		client:         lndClient,
		nodeInfo:       nodeInfo,
		cancel:         cancel,
		ctx:            lndCtx,
		eventPublisher: eventPublisher,
		logger:         logger.Logger.With().Str("backend", constants.LN_BACKEND_TYPE_LND).Logger(),
	}

	go lndService.resubscribeOpenHoldInvoices(lndCtx)

	logger.Logger.Info().Str("alias", nodeInfo.Alias).Msg("Connected to LND")

	return lndService, nil
}

func fetchNodeInfo(ctx context.Context, client *wrapper.LNDWrapper) (*lnclient.NodeInfo, error) {
	resp, err := client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, err
	}
	client.IdentityPubkey = resp.IdentityPubkey
	network := ""
	if len(resp.Chains) > 0 {
		network = resp.Chains[0].Network
	}
	return &lnclient.NodeInfo{
		Alias:       resp.Alias,
		Pubkey:      resp.IdentityPubkey,
		Network:     network,
		BlockHeight: resp.BlockHeight,
	}, nil
}

func (svc *LNDService) GetInfo(ctx context.Context) (*lnclient.NodeInfo, error) {
	return svc.nodeInfo, nil
}

// resubscribeOpenHoldInvoices re-attaches accepted-state watchers for
// hold invoices that were still open at the last shutdown.
func (svc *LNDService) resubscribeOpenHoldInvoices(ctx context.Context) {
	oneWeekAgo := time.Now().AddDate(0, 0, -7).Unix()

	listInvoicesResponse, err := svc.client.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{
		PendingOnly:       true,
		CreationDateStart: uint64(oneWeekAgo),
	})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to list invoices for open hold invoices subscription")
		return
	}

	for _, invoice := range listInvoicesResponse.Invoices {
		if invoice.State == lnrpc.Invoice_OPEN {
			svc.logger.Info().
				Str("paymentHash", hex.EncodeToString(invoice.RHash)).
				Msg("Resubscribing to pending hold invoice")
			go svc.subscribeSingleInvoice(invoice.RHash)
		}
	}
}

// subscribeSingleInvoice watches one hold invoice and publishes an
// event when the sender's HTLC is accepted, carrying the earliest HTLC
// expiry height as the settle deadline. Exits when the invoice reaches
// a final state.
func (svc *LNDService) subscribeSingleInvoice(paymentHashBytes []byte) {
	ctx, cancel := context.WithCancel(svc.ctx)
	defer cancel()

	paymentHashHex := hex.EncodeToString(paymentHashBytes)
	log := svc.logger.With().Str("paymentHash", paymentHashHex).Logger()

	invoiceStream, err := svc.client.SubscribeSingleInvoice(ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{
		RHash: paymentHashBytes,
	})
	if err != nil {
		log.Error().Err(err).Msg("SubscribeSingleInvoice call failed")
		return
	}

	for {
		invoice, err := invoiceStream.Recv()
		if err != nil {
			log.Error().Err(err).Msg("Failed to receive single invoice update from stream")
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch invoice.State {
		case lnrpc.Invoice_ACCEPTED:
			var minExpiry uint32
			for _, htlc := range invoice.Htlcs {
				if minExpiry == 0 || htlc.ExpiryHeight < int32(minExpiry) {
					minExpiry = uint32(htlc.ExpiryHeight)
				}
			}
			log.Info().Uint32("settleDeadline", minExpiry).Msg("Hold invoice accepted")
			svc.eventPublisher.Publish(&events.Event{
				Event: constants.EVENT_HOLD_INVOICE_ACCEPTED,
				Properties: map[string]interface{}{
					"payment_hash":    paymentHashHex,
					"settle_deadline": minExpiry,
				},
			})
		case lnrpc.Invoice_CANCELED:
			log.Info().Msg("Hold invoice canceled, ending subscription")
			svc.eventPublisher.Publish(&events.Event{
				Event: constants.EVENT_HOLD_INVOICE_CANCELED,
				Properties: map[string]interface{}{
					"payment_hash": paymentHashHex,
				},
			})
			return
		case lnrpc.Invoice_SETTLED:
			return
		case lnrpc.Invoice_OPEN:
			// keep waiting
		}
	}
}

func (svc *LNDService) MakeHoldInvoice(ctx context.Context, req *lnclient.HoldInvoiceRequest) (*lnclient.HoldInvoice, error) {
	paymentHashBytes, err := hex.DecodeString(req.PaymentHash)
	if err != nil || len(paymentHashBytes) != 32 {
		if err == nil {
			err = errors.New("payment hash must be 32 bytes hex")
		}
		svc.logger.Error().Err(err).
			Str("paymentHash", req.PaymentHash).
			Msg("Invalid payment hash")
		return nil, err
	}

	expiry := req.ExpirySeconds
	if expiry == 0 {
		expiry = lnclient.DEFAULT_INVOICE_EXPIRY
	}

	addInvoiceRequest := &invoicesrpc.AddHoldInvoiceRequest{
		Value:      req.AmountSats,
		Memo:       req.Description,
		Expiry:     expiry,
		CltvExpiry: uint64(req.CltvExpiryBlocks),
		Hash:       paymentHashBytes,
	}

	resp, err := svc.client.AddHoldInvoice(ctx, addInvoiceRequest)
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to create hold invoice")
		return nil, err
	}

	go svc.subscribeSingleInvoice(paymentHashBytes)

	now := time.Now()
	return &lnclient.HoldInvoice{
		Invoice:          resp.PaymentRequest,
		PaymentHash:      req.PaymentHash,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(expiry) * time.Second),
		CltvExpiryBlocks: req.CltvExpiryBlocks,
	}, nil
}

func (svc *LNDService) SettleHoldInvoice(ctx context.Context, preimage string) error {
	preimageBytes, err := hex.DecodeString(preimage)
	if err != nil || len(preimageBytes) != 32 {
		if err == nil {
			err = errors.New("preimage must be 32 bytes hex")
		}
		svc.logger.Error().Err(err).Msg("Invalid preimage")
		return err
	}

	_, err = svc.client.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{
		Preimage: preimageBytes,
	})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to settle hold invoice")
		return err
	}
	return nil
}

func (svc *LNDService) CancelHoldInvoice(ctx context.Context, paymentHash string) error {
	paymentHashBytes, err := hex.DecodeString(paymentHash)
	if err != nil || len(paymentHashBytes) != 32 {
		if err == nil {
			err = errors.New("payment hash must be 32 bytes hex")
		}
		svc.logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("Invalid payment hash")
		return err
	}

	_, err = svc.client.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: paymentHashBytes,
	})
	if err != nil {
		svc.logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("Failed to cancel hold invoice")
		return err
	}
	return nil
}

func (svc *LNDService) LookupInvoiceStatus(ctx context.Context, paymentHash string) (db.LNPaymentStatus, *uint32, error) {
	paymentHashBytes, err := hex.DecodeString(paymentHash)
	if err != nil || len(paymentHashBytes) != 32 {
		if err == nil {
			err = errors.New("payment hash must be 32 bytes hex")
		}
		return 0, nil, err
	}

	invoice, err := svc.client.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: paymentHashBytes})
	if err != nil {
		svc.logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("Failed to lookup invoice")
		return 0, nil, err
	}

	var expiryHeight *uint32
	for _, htlc := range invoice.Htlcs {
		h := uint32(htlc.ExpiryHeight)
		if expiryHeight == nil || h < *expiryHeight {
			expiryHeight = &h
		}
	}

	switch invoice.State {
	case lnrpc.Invoice_OPEN:
		return db.LNPaymentStatusInvoiceGenerated, expiryHeight, nil
	case lnrpc.Invoice_ACCEPTED:
		return db.LNPaymentStatusLocked, expiryHeight, nil
	case lnrpc.Invoice_SETTLED:
		return db.LNPaymentStatusSettled, expiryHeight, nil
	case lnrpc.Invoice_CANCELED:
		return db.LNPaymentStatusCancelled, expiryHeight, nil
	}
	return 0, nil, errors.New("unknown invoice state")
}

func (svc *LNDService) DecodeInvoice(ctx context.Context, bolt11 string) (*lnclient.DecodedInvoice, error) {
	payReq, err := svc.client.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: bolt11})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to decode payment request")
		return nil, err
	}

	hints := make([]lnclient.RouteHint, 0, len(payReq.RouteHints))
	for _, hint := range payReq.RouteHints {
		hops := make([]lnclient.HopHint, 0, len(hint.HopHints))
		for _, hop := range hint.HopHints {
			hops = append(hops, lnclient.HopHint{
				NodeId:                    hop.NodeId,
				FeeBaseMsat:               int64(hop.FeeBaseMsat),
				FeeProportionalMillionths: int64(hop.FeeProportionalMillionths),
				CltvExpiryDelta:           hop.CltvExpiryDelta,
			})
		}
		hints = append(hints, lnclient.RouteHint{Hops: hops})
	}

	return &lnclient.DecodedInvoice{
		PaymentHash:       payReq.PaymentHash,
		Description:       payReq.Description,
		AmountMsat:        payReq.NumMsat,
		CreatedAt:         time.Unix(payReq.Timestamp, 0),
		ExpirySeconds:     payReq.Expiry,
		DestinationPubkey: payReq.Destination,
		RouteHints:        hints,
	}, nil
}

// lndFailureReason maps LND's payment failure vocabulary into the
// shared taxonomy.
func lndFailureReason(reason lnrpc.PaymentFailureReason) db.PaymentFailureReason {
	switch reason {
	case lnrpc.PaymentFailureReason_FAILURE_REASON_NONE:
		return db.PaymentFailureReasonNotYetFailed
	case lnrpc.PaymentFailureReason_FAILURE_REASON_TIMEOUT:
		return db.PaymentFailureReasonTimeout
	case lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE:
		return db.PaymentFailureReasonNoRoute
	case lnrpc.PaymentFailureReason_FAILURE_REASON_ERROR:
		return db.PaymentFailureReasonNonRecoverable
	case lnrpc.PaymentFailureReason_FAILURE_REASON_INCORRECT_PAYMENT_DETAILS:
		return db.PaymentFailureReasonIncorrectDetails
	case lnrpc.PaymentFailureReason_FAILURE_REASON_INSUFFICIENT_BALANCE:
		return db.PaymentFailureReasonInsufficientBalance
	}
	return db.PaymentFailureReasonNonRecoverable
}

func (svc *LNDService) SendPayment(ctx context.Context, req *lnclient.PayRequest) (*lnclient.PayResult, error) {
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = 60
	}

	payStream, err := svc.client.SendPayment(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest: req.Invoice,
		FeeLimitSat:    req.FeeLimitSats,
		TimeoutSeconds: timeout,
		MaxParts:       16,
	})
	if err != nil {
		svc.logger.Error().Err(err).Msg("SendPayment failed")
		return nil, err
	}

	return svc.getPaymentResult(payStream)
}

func (svc *LNDService) TrackPayment(ctx context.Context, paymentHash string) (*lnclient.PayResult, error) {
	paymentHashBytes, err := hex.DecodeString(paymentHash)
	if err != nil || len(paymentHashBytes) != 32 {
		if err == nil {
			err = errors.New("payment hash must be 32 bytes hex")
		}
		return nil, err
	}

	payStream, err := svc.client.TrackPayment(ctx, &routerrpc.TrackPaymentRequest{
		PaymentHash:       paymentHashBytes,
		NoInflightUpdates: false,
	})
	if err != nil {
		svc.logger.Error().Err(err).
			Str("paymentHash", paymentHash).
			Msg("TrackPayment failed")
		return nil, err
	}

	return svc.getPaymentResult(payStream)
}

// getPaymentResult consumes a payment stream until the payment leaves
// the in-flight state or the stream dies. A dead stream with the
// payment still in flight reports in-flight rather than an error so
// the reconciler re-tracks later instead of re-sending.
func (svc *LNDService) getPaymentResult(stream routerrpc.Router_SendPaymentV2Client) (*lnclient.PayResult, error) {
	inFlight := false
	for {
		payment, err := stream.Recv()
		if err != nil {
			if inFlight {
				return &lnclient.PayResult{
					Status:        db.LNPaymentStatusInFlight,
					FailureReason: db.PaymentFailureReasonNotYetFailed,
				}, nil
			}
			return nil, err
		}

		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return &lnclient.PayResult{
				Status:   db.LNPaymentStatusSucceeded,
				Preimage: payment.PaymentPreimage,
				FeeMsat:  payment.FeeMsat,
			}, nil
		case lnrpc.Payment_FAILED:
			return &lnclient.PayResult{
				Status:        db.LNPaymentStatusFailedRouting,
				FailureReason: lndFailureReason(payment.FailureReason),
			}, nil
		default:
			inFlight = true
		}
	}
}

func (svc *LNDService) PayOnchain(ctx context.Context, req *lnclient.OnchainRequest) (string, error) {
	resp, err := svc.client.SendCoins(ctx, &lnrpc.SendCoinsRequest{
		Addr:        req.Address,
		Amount:      req.AmountSats,
		SatPerVbyte: uint64(req.SatPerVbyte),
	})
	if err != nil {
		svc.logger.Error().Err(err).
			Str("address", req.Address).
			Int64("amount", req.AmountSats).
			Msg("Failed to send onchain payment")
		return "", err
	}
	return resp.Txid, nil
}

func (svc *LNDService) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	rawTx, err := hex.DecodeString(txHex)
	if err != nil {
		return "", err
	}
	resp, err := svc.client.PublishTransaction(ctx, &walletrpc.Transaction{
		TxHex: rawTx,
	})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to publish transaction")
		return "", err
	}
	if resp.PublishError != "" {
		return "", errors.New("failed to publish transaction: " + resp.PublishError)
	}
	// txid of a broadcast tx is the double-sha of its serialization
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func (svc *LNDService) GetTransactionConfirmations(ctx context.Context, txid string) (uint32, error) {
	resp, err := svc.client.GetTransactions(ctx, &lnrpc.GetTransactionsRequest{})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to list wallet transactions")
		return 0, err
	}
	for _, tx := range resp.Transactions {
		if tx.TxHash == txid {
			if tx.NumConfirmations < 0 {
				return 0, nil
			}
			return uint32(tx.NumConfirmations), nil
		}
	}
	return 0, errors.New("transaction not found in wallet: " + txid)
}

func (svc *LNDService) EstimateOnchainFee(ctx context.Context, targetConf int32) (float64, error) {
	resp, err := svc.client.EstimateFee(ctx, &walletrpc.EstimateFeeRequest{
		ConfTarget: targetConf,
	})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to estimate onchain fee")
		return 0, err
	}
	// sat/kw to sat/vbyte
	return float64(resp.SatPerKw) * 4 / 1000, nil
}

func (svc *LNDService) GetBalances(ctx context.Context) (*lnclient.Balances, error) {
	walletBalance, err := svc.client.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to fetch wallet balance")
		return nil, err
	}
	channelBalance, err := svc.client.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to fetch channel balance")
		return nil, err
	}

	balances := &lnclient.Balances{
		OnchainConfirmedSats: walletBalance.ConfirmedBalance,
		OnchainTotalSats:     walletBalance.TotalBalance,
	}
	if channelBalance.LocalBalance != nil {
		balances.ChannelLocalMsat = int64(channelBalance.LocalBalance.Msat)
		balances.MaxSendableMsat = int64(channelBalance.LocalBalance.Msat)
	}
	if channelBalance.RemoteBalance != nil {
		balances.ChannelRemoteMsat = int64(channelBalance.RemoteBalance.Msat)
	}
	return balances, nil
}

func (svc *LNDService) Shutdown() error {
	svc.logger.Info().Msg("cancelling LND context")
	svc.cancel()
	return svc.client.Close()
}
