// Package strategy computes portfolio drift against a user-defined target
// allocation and produces rebalance recommendations.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/investment-core/internal/aggregation"
	"github.com/r3e-network/investment-core/internal/store"
)

// RecommendationSide is the direction of a suggested rebalance trade.
type RecommendationSide string

const (
	SideBuy  RecommendationSide = "BUY"
	SideSell RecommendationSide = "SELL"
)

// Priority ranks how urgently a drifted position should be rebalanced.
type Priority string

const (
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Recommendation is one symbol's drift and the suggested corrective action.
type Recommendation struct {
	Symbol         string
	TargetWeight   decimal.Decimal
	CurrentWeight  decimal.Decimal
	DriftPP        decimal.Decimal // signed, percentage points: current - target
	ThresholdPP    decimal.Decimal
	Side           RecommendationSide
	Priority       Priority
}

// Engine evaluates strategies against the aggregated portfolio view.
type Engine struct {
	store      store.Store
	aggregator *aggregation.Engine
}

// Config wires an Engine's dependencies.
type Config struct {
	Store      store.Store
	Aggregator *aggregation.Engine
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	return &Engine{store: cfg.Store, aggregator: cfg.Aggregator}
}

// EvaluateStrategy compares a strategy's target weights against the user's
// current unified portfolio allocation and returns a recommendation for
// every symbol whose drift exceeds the strategy's threshold. Symbols held
// at target weight or within threshold produce no recommendation.
func (e *Engine) EvaluateStrategy(ctx context.Context, strategyID string) ([]Recommendation, error) {
	strat, err := e.store.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	targets, err := e.store.ListStrategyHoldings(ctx, strategyID)
	if err != nil {
		return nil, err
	}

	view, err := e.aggregator.UnifiedView(ctx, strat.UserID)
	if err != nil {
		return nil, err
	}

	hundred := decimal.NewFromInt(100)
	var recs []Recommendation
	for _, target := range targets {
		targetPct := target.TargetWeight.Mul(hundred)
		currentPct := decimal.Zero
		if h, ok := view.HoldingsBySymbol[store.NormalizeSymbol(target.Symbol)]; ok {
			currentPct = h.AllocationPercentage
		}

		rec := evaluateDrift(target.Symbol, targetPct, currentPct, strat.DriftThresholdPP)
		if rec != nil {
			recs = append(recs, *rec)
		}
	}
	return recs, nil
}

// evaluateDrift computes the signed drift (current - target) in percentage
// points and, if it exceeds thresholdPP in magnitude, returns a
// recommendation. Drift beyond twice the threshold is HIGH priority,
// otherwise MEDIUM. Positive drift (overweight) recommends SELL; negative
// drift (underweight) recommends BUY.
func evaluateDrift(symbol string, targetPct, currentPct, thresholdPP decimal.Decimal) *Recommendation {
	drift := currentPct.Sub(targetPct)
	magnitude := drift.Abs()
	if magnitude.LessThanOrEqual(thresholdPP) {
		return nil
	}

	priority := PriorityMedium
	if magnitude.GreaterThan(thresholdPP.Mul(decimal.NewFromInt(2))) {
		priority = PriorityHigh
	}

	side := SideBuy
	if drift.IsPositive() {
		side = SideSell
	}

	return &Recommendation{
		Symbol:        symbol,
		TargetWeight:  targetPct,
		CurrentWeight: currentPct,
		DriftPP:       drift,
		ThresholdPP:   thresholdPP,
		Side:          side,
		Priority:      priority,
	}
}
