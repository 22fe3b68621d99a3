package config

type AppConfig struct {
	Workdir      string `envconfig:"WORK_DIR"`
	DatabaseUri  string `envconfig:"DATABASE_URI" default:"tradehub.db"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"4"`
	LogToFile    bool   `envconfig:"LOG_TO_FILE" default:"true"`
	LogDBQueries bool   `envconfig:"LOG_DB_QUERIES" default:"false"`
	Network      string `envconfig:"NETWORK" default:"mainnet"`

	// node backend: LND or CLN
	LNBackendType   string `envconfig:"LN_BACKEND_TYPE" default:"LND"`
	LNDAddress      string `envconfig:"LND_ADDRESS"`
	LNDCertFile     string `envconfig:"LND_CERT_FILE"`
	LNDMacaroonFile string `envconfig:"LND_MACAROON_FILE"`
	CLNSocketPath   string `envconfig:"CLN_SOCKET_PATH"`

	// trade fee, total percent of the trade amount, and which share of
	// it the maker pays
	FeeRate       float64 `envconfig:"FEE_RATE" default:"0.2"`
	MakerFeeSplit float64 `envconfig:"MAKER_FEE_SPLIT" default:"0.125"`

	// order size limits, satoshis
	MinOrderSize int64 `envconfig:"MIN_ORDER_SIZE" default:"20000"`
	MaxOrderSize int64 `envconfig:"MAX_ORDER_SIZE" default:"5000000"`

	// bond size bounds, percent of trade amount
	DefaultBondSize float64 `envconfig:"DEFAULT_BOND_SIZE" default:"3.0"`

	// share of a slashed bond credited to the waiting counterparty
	SlashedBondRewardSplit float64 `envconfig:"SLASHED_BOND_REWARD_SPLIT" default:"0.5"`

	// routing budget for buyer payouts
	ProportionalRoutingFeeLimit float64 `envconfig:"PROPORTIONAL_ROUTING_FEE_LIMIT" default:"0.001"`
	MinFlatRoutingFeeLimit      int64   `envconfig:"MIN_FLAT_ROUTING_FEE_LIMIT" default:"10"`
	RewardsTimeoutSeconds       int     `envconfig:"REWARDS_TIMEOUT_SECONDS" default:"30"`
	PaymentTimeoutSeconds       int     `envconfig:"PAYMENT_TIMEOUT_SECONDS" default:"90"`

	// swap (on-chain payout) fee curve: fee percent moves between min
	// and max as the on-chain wallet drains, linearly or exponentially
	MinSwapFeePercent  float64 `envconfig:"MIN_SWAP_FEE_PERCENT" default:"1.0"`
	MaxSwapFeePercent  float64 `envconfig:"MAX_SWAP_FEE_PERCENT" default:"5.0"`
	SwapFeeCurve       string  `envconfig:"SWAP_FEE_CURVE" default:"linear"`
	MinSwapAmountSats  int64   `envconfig:"MIN_SWAP_AMOUNT_SATS" default:"100000"`
	MinimumMiningFee   float64 `envconfig:"MINIMUM_MINING_FEE" default:"2.0"`
	MaximumMiningFee   float64 `envconfig:"MAXIMUM_MINING_FEE" default:"100.0"`

	// taproot escrow coordination: the key that co-signs dispute leaf
	// spends, where pre-signed bond transactions pay, and where the
	// escrow funding fee output goes
	CoordinatorPrivateKey  string `envconfig:"COORDINATOR_PRIVATE_KEY"`
	CoordinatorBondAddress string `envconfig:"COORDINATOR_BOND_ADDRESS"`
	CoordinatorFeeAddress  string `envconfig:"COORDINATOR_FEE_ADDRESS"`

	// operator-pinned exchange rates, "USD=65000,EUR=60000"; external
	// price feeds plug in through the PriceSource interface instead
	PinnedRates string `envconfig:"PINNED_RATES"`

	// prometheus + health endpoint
	MetricsPort int `envconfig:"METRICS_PORT" default:"8085"`

	// per-status expiry windows, seconds
	MakerBondExpirySeconds     int64 `envconfig:"MAKER_BOND_EXPIRY_SECONDS" default:"300"`
	PublicOrderDurationSeconds int64 `envconfig:"PUBLIC_ORDER_DURATION_SECONDS" default:"86400"`
	TakerBondExpirySeconds     int64 `envconfig:"TAKER_BOND_EXPIRY_SECONDS" default:"240"`
	EscrowWaitSeconds          int64 `envconfig:"ESCROW_WAIT_SECONDS" default:"10800"`
	InvoiceWaitSeconds         int64 `envconfig:"INVOICE_WAIT_SECONDS" default:"10800"`
	FiatExchangeBaseSeconds    int64 `envconfig:"FIAT_EXCHANGE_BASE_SECONDS" default:"86400"`
	DisputeStatementSeconds    int64 `envconfig:"DISPUTE_STATEMENT_SECONDS" default:"604800"`
}

type Config interface {
	Get(key string) (string, error)
	SetIgnore(key string, value string) error
	SetUpdate(key string, value string) error
	GetNetwork() string
	GetEnv() *AppConfig
}
