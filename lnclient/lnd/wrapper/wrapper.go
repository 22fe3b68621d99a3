package wrapper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

// LNDWrapper bundles the grpc sub-clients one LND connection exposes.
type LNDWrapper struct {
	conn            *grpc.ClientConn
	client          lnrpc.LightningClient
	routerClient    routerrpc.RouterClient
	invoicesClient  invoicesrpc.InvoicesClient
	walletKitClient walletrpc.WalletKitClient

	IdentityPubkey string
}

type LNDoptions struct {
	Address     string
	CertHex     string
	MacaroonHex string
}

type macaroonCredential struct {
	macaroonHex string
}

func (c macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": c.macaroonHex}, nil
}

func (c macaroonCredential) RequireTransportSecurity() bool {
	return false
}

func NewLNDclient(lndOptions LNDoptions) (*LNDWrapper, error) {
	if lndOptions.Address == "" {
		return nil, errors.New("LND address is required")
	}

	macBytes, err := hex.DecodeString(lndOptions.MacaroonHex)
	if err != nil {
		return nil, err
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, err
	}

	var creds credentials.TransportCredentials
	if lndOptions.CertHex != "" {
		certBytes, err := hex.DecodeString(lndOptions.CertHex)
		if err != nil {
			return nil, err
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(certBytes) {
			return nil, errors.New("failed to parse LND TLS certificate")
		}
		creds = credentials.NewClientTLSFromCert(certPool, "")
	} else {
		creds = credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})
	}

	conn, err := grpc.NewClient(
		lndOptions.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macaroonCredential{macaroonHex: lndOptions.MacaroonHex}),
	)
	if err != nil {
		return nil, err
	}

	return &LNDWrapper{
		conn:            conn,
		client:          lnrpc.NewLightningClient(conn),
		routerClient:    routerrpc.NewRouterClient(conn),
		invoicesClient:  invoicesrpc.NewInvoicesClient(conn),
		walletKitClient: walletrpc.NewWalletKitClient(conn),
	}, nil
}

func (wrapper *LNDWrapper) Close() error {
	return wrapper.conn.Close()
}

func (wrapper *LNDWrapper) GetInfo(ctx context.Context, req *lnrpc.GetInfoRequest, options ...grpc.CallOption) (*lnrpc.GetInfoResponse, error) {
	return wrapper.client.GetInfo(ctx, req, options...)
}

func (wrapper *LNDWrapper) AddHoldInvoice(ctx context.Context, req *invoicesrpc.AddHoldInvoiceRequest, options ...grpc.CallOption) (*invoicesrpc.AddHoldInvoiceResp, error) {
	return wrapper.invoicesClient.AddHoldInvoice(ctx, req, options...)
}

func (wrapper *LNDWrapper) SettleInvoice(ctx context.Context, req *invoicesrpc.SettleInvoiceMsg, options ...grpc.CallOption) (*invoicesrpc.SettleInvoiceResp, error) {
	return wrapper.invoicesClient.SettleInvoice(ctx, req, options...)
}

func (wrapper *LNDWrapper) CancelInvoice(ctx context.Context, req *invoicesrpc.CancelInvoiceMsg, options ...grpc.CallOption) (*invoicesrpc.CancelInvoiceResp, error) {
	return wrapper.invoicesClient.CancelInvoice(ctx, req, options...)
}

func (wrapper *LNDWrapper) SubscribeSingleInvoice(ctx context.Context, req *invoicesrpc.SubscribeSingleInvoiceRequest, options ...grpc.CallOption) (invoicesrpc.Invoices_SubscribeSingleInvoiceClient, error) {
	return wrapper.invoicesClient.SubscribeSingleInvoice(ctx, req, options...)
}

func (wrapper *LNDWrapper) LookupInvoice(ctx context.Context, req *lnrpc.PaymentHash, options ...grpc.CallOption) (*lnrpc.Invoice, error) {
	return wrapper.client.LookupInvoice(ctx, req, options...)
}

func (wrapper *LNDWrapper) ListInvoices(ctx context.Context, req *lnrpc.ListInvoiceRequest, options ...grpc.CallOption) (*lnrpc.ListInvoiceResponse, error) {
	return wrapper.client.ListInvoices(ctx, req, options...)
}

func (wrapper *LNDWrapper) DecodePayReq(ctx context.Context, req *lnrpc.PayReqString, options ...grpc.CallOption) (*lnrpc.PayReq, error) {
	return wrapper.client.DecodePayReq(ctx, req, options...)
}

func (wrapper *LNDWrapper) SendPayment(ctx context.Context, req *routerrpc.SendPaymentRequest, options ...grpc.CallOption) (routerrpc.Router_SendPaymentV2Client, error) {
	return wrapper.routerClient.SendPaymentV2(ctx, req, options...)
}

func (wrapper *LNDWrapper) TrackPayment(ctx context.Context, req *routerrpc.TrackPaymentRequest, options ...grpc.CallOption) (routerrpc.Router_TrackPaymentV2Client, error) {
	return wrapper.routerClient.TrackPaymentV2(ctx, req, options...)
}

func (wrapper *LNDWrapper) SendCoins(ctx context.Context, req *lnrpc.SendCoinsRequest, options ...grpc.CallOption) (*lnrpc.SendCoinsResponse, error) {
	return wrapper.client.SendCoins(ctx, req, options...)
}

func (wrapper *LNDWrapper) PublishTransaction(ctx context.Context, req *walletrpc.Transaction, options ...grpc.CallOption) (*walletrpc.PublishResponse, error) {
	return wrapper.walletKitClient.PublishTransaction(ctx, req, options...)
}

func (wrapper *LNDWrapper) EstimateFee(ctx context.Context, req *walletrpc.EstimateFeeRequest, options ...grpc.CallOption) (*walletrpc.EstimateFeeResponse, error) {
	return wrapper.walletKitClient.EstimateFee(ctx, req, options...)
}

func (wrapper *LNDWrapper) WalletBalance(ctx context.Context, req *lnrpc.WalletBalanceRequest, options ...grpc.CallOption) (*lnrpc.WalletBalanceResponse, error) {
	return wrapper.client.WalletBalance(ctx, req, options...)
}

func (wrapper *LNDWrapper) ChannelBalance(ctx context.Context, req *lnrpc.ChannelBalanceRequest, options ...grpc.CallOption) (*lnrpc.ChannelBalanceResponse, error) {
	return wrapper.client.ChannelBalance(ctx, req, options...)
}

func (wrapper *LNDWrapper) GetTransactions(ctx context.Context, req *lnrpc.GetTransactionsRequest, options ...grpc.CallOption) (*lnrpc.TransactionDetails, error) {
	return wrapper.client.GetTransactions(ctx, req, options...)
}
