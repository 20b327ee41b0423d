package backtest

import (
	"math"
	"time"
)

const hoursPerYear = 365 * 24

// Metrics summarizes a run. Every field is zero when the ledger is empty;
// Compute never divides by zero.
type Metrics struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Sharpe           float64 `json:"sharpe"`
	WinRate          float64 `json:"win_rate"`
	AvgWin           float64 `json:"avg_win"`
	AvgLoss          float64 `json:"avg_loss"`
	ProfitFactor     float64 `json:"profit_factor"`
	TradeCount       int     `json:"trade_count"`
}

// Compute derives performance statistics from a trade ledger and equity
// curve. initialCapital anchors the return calculation when the curve's
// first point already reflects trading.
func Compute(trades []Trade, equity []EquityPoint, initialCapital float64) Metrics {
	var m Metrics
	m.TradeCount = len(trades)

	if len(equity) > 0 && initialCapital > 0 {
		final := equity[len(equity)-1].Equity
		m.TotalReturn = (final - initialCapital) / initialCapital
		m.AnnualizedReturn = annualize(m.TotalReturn, equity[0].Ts, equity[len(equity)-1].Ts)
		m.MaxDrawdown = maxDrawdown(equity)
		m.Sharpe = sharpe(equity)
	}

	var wins, losses int
	var grossWin, grossLoss float64
	for _, t := range trades {
		switch {
		case t.RealizedPnL > 0:
			wins++
			grossWin += t.RealizedPnL
		case t.RealizedPnL < 0:
			losses++
			grossLoss += -t.RealizedPnL
		}
	}
	if closed := wins + losses; closed > 0 {
		m.WinRate = float64(wins) / float64(closed)
	}
	if wins > 0 {
		m.AvgWin = grossWin / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = grossLoss / float64(losses)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	return m
}

// annualize compounds a total return over the run's wall-clock span. Runs
// shorter than a day are reported unannualized to avoid absurd compounding.
func annualize(totalReturn float64, start, end time.Time) float64 {
	hours := end.Sub(start).Hours()
	if hours < 24 {
		return totalReturn
	}
	if totalReturn <= -1 {
		return -1
	}
	return math.Pow(1+totalReturn, hoursPerYear/hours) - 1
}

// maxDrawdown is the largest peak-to-trough equity decline, as a fraction
// of the peak.
func maxDrawdown(equity []EquityPoint) float64 {
	var peak, worst float64
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpe is the mean per-period return over its standard deviation, scaled
// to the curve's sampling frequency.
func sharpe(equity []EquityPoint) float64 {
	if len(equity) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev == 0 {
			return 0
		}
		returns = append(returns, (equity[i].Equity-prev)/prev)
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}

	hours := equity[len(equity)-1].Ts.Sub(equity[0].Ts).Hours()
	periodsPerYear := float64(len(returns))
	if hours > 0 {
		periodsPerYear = float64(len(returns)) / hours * hoursPerYear
	}
	return mean / math.Sqrt(variance) * math.Sqrt(periodsPerYear)
}
