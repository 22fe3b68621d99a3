package cln

// jrpc2 method types for the holdinvoice plugin and the handful of
// node calls made outside glightning's typed wrappers. Each type's
// Name() is the RPC method, its fields are the request parameters.

const (
	holdStateOpen     = "open"
	holdStateSettled  = "settled"
	holdStateCanceled = "canceled"
	holdStateAccepted = "accepted"
)

type holdInvoiceMethod struct {
	AmountMsat  uint64 `json:"amount_msat"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Expiry      uint64 `json:"expiry,omitempty"`
	Cltv        uint32 `json:"cltv,omitempty"`
	PaymentHash string `json:"payment_hash,omitempty"`
}

func (r *holdInvoiceMethod) Name() string {
	return "holdinvoice"
}

type holdInvoiceResponse struct {
	Bolt11      string `json:"bolt11"`
	PaymentHash string `json:"payment_hash"`
	ExpiresAt   uint64 `json:"expires_at"`
}

type holdInvoiceSettleMethod struct {
	Preimage string `json:"preimage"`
}

func (r *holdInvoiceSettleMethod) Name() string {
	return "holdinvoicesettle"
}

type holdInvoiceCancelMethod struct {
	PaymentHash string `json:"payment_hash"`
}

func (r *holdInvoiceCancelMethod) Name() string {
	return "holdinvoicecancel"
}

type holdInvoiceStateResponse struct {
	State string `json:"state"`
}

type holdInvoiceLookupMethod struct {
	PaymentHash string `json:"payment_hash"`
}

func (r *holdInvoiceLookupMethod) Name() string {
	return "holdinvoicelookup"
}

type holdInvoiceLookupResponse struct {
	State      string `json:"state"`
	HtlcExpiry uint32 `json:"htlc_expiry,omitempty"`
}

type listInvoicesMethod struct {
	PaymentHash string `json:"payment_hash,omitempty"`
}

func (r *listInvoicesMethod) Name() string {
	return "listinvoices"
}

type listInvoicesResponse struct {
	Invoices []struct {
		Label       string `json:"label"`
		Status      string `json:"status"`
		PaymentHash string `json:"payment_hash"`
	} `json:"invoices"`
}

type listPaysMethod struct {
	PaymentHash string `json:"payment_hash,omitempty"`
}

func (r *listPaysMethod) Name() string {
	return "listpays"
}

type listPaysResponse struct {
	Pays []struct {
		PaymentHash string `json:"payment_hash"`
		Status      string `json:"status"`
		Preimage    string `json:"preimage,omitempty"`
	} `json:"pays"`
}

type withdrawMethod struct {
	Destination string `json:"destination"`
	Satoshi     int64  `json:"satoshi"`
	FeeRate     uint64 `json:"feerate,omitempty"`
}

func (r *withdrawMethod) Name() string {
	return "withdraw"
}

type withdrawResponse struct {
	Tx   string `json:"tx"`
	TxId string `json:"txid"`
}

type sendRawTransactionMethod struct {
	TxHex         string `json:"tx"`
	AllowHighFees bool   `json:"allowhighfees"`
}

func (r *sendRawTransactionMethod) Name() string {
	return "sendrawtransaction"
}

type sendRawTransactionResponse struct {
	Success bool   `json:"success"`
	ErrMsg  string `json:"errmsg,omitempty"`
}

type listTransactionsMethod struct{}

func (r *listTransactionsMethod) Name() string {
	return "listtransactions"
}

type listTransactionsResponse struct {
	Transactions []struct {
		Hash        string `json:"hash"`
		Blockheight uint32 `json:"blockheight"`
	} `json:"transactions"`
}

type getInfoMethod struct{}

func (r *getInfoMethod) Name() string {
	return "getinfo"
}

type getInfoResponse struct {
	Blockheight uint32 `json:"blockheight"`
}

type feeRatesMethod struct {
	Style string `json:"style"`
}

func (r *feeRatesMethod) Name() string {
	return "feerates"
}

type feeRatesResponse struct {
	PerKb struct {
		Opening uint64 `json:"opening"`
		Urgent  uint64 `json:"urgent"`
	} `json:"perkb"`
}

type listFundsMethod struct{}

func (r *listFundsMethod) Name() string {
	return "listfunds"
}

type listFundsResponse struct {
	Outputs []struct {
		Txid       string `json:"txid"`
		AmountMsat uint64 `json:"amount_msat"`
		Status     string `json:"status"`
	} `json:"outputs"`
	Channels []struct {
		PeerId        string `json:"peer_id"`
		OurAmountMsat uint64 `json:"our_amount_msat"`
		AmountMsat    uint64 `json:"amount_msat"`
		Connected     bool   `json:"connected"`
	} `json:"channels"`
}
