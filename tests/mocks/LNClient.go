package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p2psats/tradehub/db"
	"github.com/p2psats/tradehub/lnclient"
)

// MockLNClient is a hand-maintained testify mock of lnclient.LNClient.
type MockLNClient struct {
	mock.Mock
}

func NewMockLNClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockLNClient {
	m := &MockLNClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (_mock *MockLNClient) GetInfo(ctx context.Context) (*lnclient.NodeInfo, error) {
	ret := _mock.Called(ctx)

	var r0 *lnclient.NodeInfo
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.NodeInfo)
	}
	return r0, ret.Error(1)
}

func (_mock *MockLNClient) MakeHoldInvoice(ctx context.Context, req *lnclient.HoldInvoiceRequest) (*lnclient.HoldInvoice, error) {
	ret := _mock.Called(ctx, req)

	var r0 *lnclient.HoldInvoice
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.HoldInvoice)
	}
	return r0, ret.Error(1)
}

func (_mock *MockLNClient) SettleHoldInvoice(ctx context.Context, preimage string) error {
	ret := _mock.Called(ctx, preimage)
	return ret.Error(0)
}

func (_mock *MockLNClient) CancelHoldInvoice(ctx context.Context, paymentHash string) error {
	ret := _mock.Called(ctx, paymentHash)
	return ret.Error(0)
}

func (_mock *MockLNClient) LookupInvoiceStatus(ctx context.Context, paymentHash string) (db.LNPaymentStatus, *uint32, error) {
	ret := _mock.Called(ctx, paymentHash)

	var r1 *uint32
	if ret.Get(1) != nil {
		r1 = ret.Get(1).(*uint32)
	}
	return ret.Get(0).(db.LNPaymentStatus), r1, ret.Error(2)
}

func (_mock *MockLNClient) DecodeInvoice(ctx context.Context, bolt11 string) (*lnclient.DecodedInvoice, error) {
	ret := _mock.Called(ctx, bolt11)

	var r0 *lnclient.DecodedInvoice
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.DecodedInvoice)
	}
	return r0, ret.Error(1)
}

func (_mock *MockLNClient) SendPayment(ctx context.Context, req *lnclient.PayRequest) (*lnclient.PayResult, error) {
	ret := _mock.Called(ctx, req)

	var r0 *lnclient.PayResult
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.PayResult)
	}
	return r0, ret.Error(1)
}

func (_mock *MockLNClient) TrackPayment(ctx context.Context, paymentHash string) (*lnclient.PayResult, error) {
	ret := _mock.Called(ctx, paymentHash)

	var r0 *lnclient.PayResult
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.PayResult)
	}
	return r0, ret.Error(1)
}

func (_mock *MockLNClient) PayOnchain(ctx context.Context, req *lnclient.OnchainRequest) (string, error) {
	ret := _mock.Called(ctx, req)
	return ret.String(0), ret.Error(1)
}

func (_mock *MockLNClient) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	ret := _mock.Called(ctx, txHex)
	return ret.String(0), ret.Error(1)
}

func (_mock *MockLNClient) GetTransactionConfirmations(ctx context.Context, txid string) (uint32, error) {
	ret := _mock.Called(ctx, txid)
	return ret.Get(0).(uint32), ret.Error(1)
}

func (_mock *MockLNClient) EstimateOnchainFee(ctx context.Context, targetConf int32) (float64, error) {
	ret := _mock.Called(ctx, targetConf)
	return ret.Get(0).(float64), ret.Error(1)
}

func (_mock *MockLNClient) GetBalances(ctx context.Context) (*lnclient.Balances, error) {
	ret := _mock.Called(ctx)

	var r0 *lnclient.Balances
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.Balances)
	}
	return r0, ret.Error(1)
}

func (_mock *MockLNClient) Shutdown() error {
	ret := _mock.Called()
	return ret.Error(0)
}
