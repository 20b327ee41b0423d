// Package optimize searches a strategy's parameter space by Monte Carlo
// sampling: independent random draws within declared ranges, one backtest
// per draw, results ranked by an objective.
package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"quantcore/internal/backtest"
)

// Range declares the sampling interval for one parameter. Int rounds draws
// to whole numbers, for period-like parameters.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Int bool    `json:"int,omitempty"`
}

// Objective scores a backtest outcome; higher is better.
type Objective func(m backtest.Metrics) float64

// ObjectiveSharpe ranks by risk-adjusted return.
func ObjectiveSharpe(m backtest.Metrics) float64 { return m.Sharpe }

// ObjectiveReturnOverDrawdown ranks by total return per unit of drawdown.
// A run with no drawdown scores its raw return.
func ObjectiveReturnOverDrawdown(m backtest.Metrics) float64 {
	if m.MaxDrawdown == 0 {
		return m.TotalReturn
	}
	return m.TotalReturn / m.MaxDrawdown
}

// Request describes one optimization job.
type Request struct {
	StrategyType   string           `json:"strategy_type"`
	Ranges         map[string]Range `json:"ranges"`
	Samples        int              `json:"samples"`
	Symbol         string           `json:"symbol"`
	Interval       string           `json:"interval"`
	Start          time.Time        `json:"start"`
	End            time.Time        `json:"end"`
	InitialCapital float64          `json:"initial_capital"`
	SlippageBps    float64          `json:"slippage_bps"`
	CommissionRate float64          `json:"commission_rate"`
	Seed           int64            `json:"seed"`
	Workers        int              `json:"workers"`

	Objective Objective `json:"-"`
}

// SampleResult is one scored parameter draw. A failed sample carries its
// error and sorts after every scored one.
type SampleResult struct {
	Sample  int                `json:"sample"`
	Params  map[string]float64 `json:"params"`
	Metrics backtest.Metrics   `json:"metrics"`
	Score   float64            `json:"score"`
	Error   string             `json:"error,omitempty"`
}

// Optimizer runs sampling jobs against a backtest engine.
type Optimizer struct {
	engine *backtest.Engine
}

func New(engine *backtest.Engine) *Optimizer {
	return &Optimizer{engine: engine}
}

// Optimize draws req.Samples parameter sets, backtests each, and returns
// exactly that many results ranked best to worst. Samples are independent:
// one failure never aborts the job, and each draw uses its own seeded
// generator so results are reproducible for a fixed seed.
func (o *Optimizer) Optimize(ctx context.Context, req Request) ([]SampleResult, error) {
	if req.Samples <= 0 {
		return nil, fmt.Errorf("optimize: sample count %d must be positive", req.Samples)
	}
	if len(req.Ranges) == 0 {
		return nil, fmt.Errorf("optimize: no parameter ranges declared")
	}
	for name, r := range req.Ranges {
		if r.Max < r.Min {
			return nil, fmt.Errorf("optimize: range %s has max %.4f below min %.4f", name, r.Max, r.Min)
		}
	}
	if req.Objective == nil {
		req.Objective = ObjectiveSharpe
	}
	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	workers := req.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	// Sampling order must not depend on map iteration.
	names := make([]string, 0, len(req.Ranges))
	for name := range req.Ranges {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]SampleResult, req.Samples)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < req.Samples; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.runSample(ctx, req, names, seed+int64(i), i)
		}(i)
	}
	wg.Wait()

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	return results, nil
}

func (o *Optimizer) runSample(ctx context.Context, req Request, names []string, seed int64, idx int) SampleResult {
	rng := rand.New(rand.NewSource(seed))
	params := make(map[string]float64, len(names))
	for _, name := range names {
		r := req.Ranges[name]
		v := r.Min + rng.Float64()*(r.Max-r.Min)
		if r.Int {
			v = math.Round(v)
		}
		params[name] = v
	}

	res := SampleResult{Sample: idx, Params: params, Score: math.Inf(-1)}
	raw, err := encodeParams(params, req.Ranges)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	out, err := o.engine.Run(ctx, backtest.Request{
		StrategyType:   req.StrategyType,
		Params:         raw,
		Symbol:         req.Symbol,
		Interval:       req.Interval,
		Start:          req.Start,
		End:            req.End,
		InitialCapital: req.InitialCapital,
		SlippageBps:    req.SlippageBps,
		CommissionRate: req.CommissionRate,
	})
	if err != nil {
		log.Printf("optimize: sample %d failed: %v", idx, err)
		res.Error = err.Error()
		return res
	}

	res.Metrics = out.Metrics
	res.Score = req.Objective(out.Metrics)
	return res
}

// encodeParams marshals a draw as strategy parameters, keeping integer
// ranges as JSON integers.
func encodeParams(params map[string]float64, ranges map[string]Range) (json.RawMessage, error) {
	m := make(map[string]any, len(params))
	for name, v := range params {
		if ranges[name].Int {
			m[name] = int(v)
		} else {
			m[name] = v
		}
	}
	return json.Marshal(m)
}
