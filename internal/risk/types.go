package risk

// Rule names reported in rejections.
const (
	RuleKillSwitch       = "kill_switch"
	RuleOrderValidity    = "order_validity"
	RuleCapital          = "insufficient_capital"
	RuleMaxOpenPositions = "max_open_positions"
	RuleMaxStopLoss      = "max_stop_loss"
	RuleDailyLossLimit   = "daily_loss_limit"
	RuleMaxDrawdown      = "max_drawdown"
)

// Config holds the risk limits applied to an account. Percentages are
// decimals, e.g. 0.05 = 5%.
type Config struct {
	MaxOpenPositions  int
	MaxStopLossPct    float64 // max distance between entry and stop
	DailyLossLimitPct float64 // of starting capital, realized + unrealized
	MaxDrawdownPct    float64 // from equity high water mark
}

// DefaultConfig returns conservative limits for accounts without overrides.
func DefaultConfig() Config {
	return Config{
		MaxOpenPositions:  10,
		MaxStopLossPct:    0.10,
		DailyLossLimitPct: 0.05,
		MaxDrawdownPct:    0.20,
	}
}

// AccountSnapshot is the account state a proposed order is judged against.
// The caller assembles it from broker positions and the trade ledger.
type AccountSnapshot struct {
	Account          string
	Capital          float64 // starting capital for the day
	Available        float64 // free cash
	OpenPositions    int
	DayRealizedPnL   float64
	DayUnrealizedPnL float64
	Equity           float64
	EquityHighWater  float64
}

// ProposedOrder is an order intent awaiting approval.
type ProposedOrder struct {
	SubscriptionID string
	Account        string
	Symbol         string
	Side           string
	Qty            float64
	Price          float64
	StopLoss       float64 // optional; zero means no stop attached
	ReducesRisk    bool    // EXIT orders only shrink exposure
}

// CheckResult is the outcome of a risk evaluation.
type CheckResult struct {
	Approved     bool
	Reason       string
	ViolatedRule string
}

func approved() CheckResult {
	return CheckResult{Approved: true}
}

func rejected(rule, reason string) CheckResult {
	return CheckResult{Approved: false, Reason: reason, ViolatedRule: rule}
}
