// Package cost tracks token usage and USD cost across a run, aggregated by
// model, with latched warning/alert callbacks and a hard stop gate.
package cost

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Pricing holds per-million-token rates for a model.
type Pricing struct {
	Input  float64 // USD per 1M input tokens
	Output float64 // USD per 1M output tokens
}

// Config holds the three budget thresholds. Spec invariant: warn <= alert <= max.
type Config struct {
	Warn  float64
	Alert float64
	Max   float64
}

// DefaultConfig mirrors the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{Warn: 10.0, Alert: 25.0, Max: 50.0}
}

// ThresholdLevel is the current budget state.
type ThresholdLevel string

const (
	LevelOK      ThresholdLevel = "ok"
	LevelWarning ThresholdLevel = "warning"
	LevelAlert   ThresholdLevel = "alert"
	LevelStop    ThresholdLevel = "stop"
)

// modelAliases maps short names to the substring used to recognize a full
// model id as belonging to that family, in priority order.
var modelAliases = []string{"haiku", "sonnet", "opus"}

// DefaultModel is the short name used when resolution cannot determine a
// family from the input.
const DefaultModel = "sonnet"

// DefaultPricing is the built-in per-million pricing table, keyed by short
// model family name.
func DefaultPricing() map[string]Pricing {
	return map[string]Pricing{
		"haiku":  {Input: 1.0, Output: 5.0},
		"sonnet": {Input: 3.0, Output: 15.0},
		"opus":   {Input: 5.0, Output: 25.0},
	}
}

// ShortName extracts the model family ("haiku", "sonnet", "opus") from a
// short alias or a full API model id. Unknown inputs default to "sonnet".
func ShortName(model string) string {
	lower := strings.ToLower(model)
	for _, alias := range modelAliases {
		if lower == alias {
			return alias
		}
	}
	for _, alias := range modelAliases {
		if strings.Contains(lower, alias) {
			return alias
		}
	}
	return DefaultModel
}

// LoadPricingFromConfig merges a sparse pricing override (keyed by short or
// full model name) onto the default pricing table.
func LoadPricingFromConfig(overrides map[string]Pricing) map[string]Pricing {
	pricing := DefaultPricing()
	for model, rates := range overrides {
		pricing[ShortName(model)] = rates
	}
	return pricing
}

type modelAccum struct {
	inputTokens  int
	outputTokens int
	cost         float64
}

// Tracker accumulates usage and cost across a run and enforces the
// warn/alert/max threshold policy described in spec §4.2.
//
// A callback fires at most once per run per threshold (a one-shot latch);
// Max has no callback, it is exposed only as the ShouldStop hard gate.
type Tracker struct {
	mu      sync.Mutex
	config  Config
	pricing map[string]Pricing

	onWarning func(totalCost float64)
	onAlert   func(totalCost float64)

	totalCost    float64
	inputTokens  int
	outputTokens int
	apiCalls     int

	byModel map[string]*modelAccum

	warningAcked bool
	alertAcked   bool
}

// New creates a Tracker. A zero Config falls back to DefaultConfig; a nil
// pricing map falls back to DefaultPricing.
func New(config Config, pricing map[string]Pricing, onWarning, onAlert func(float64)) *Tracker {
	if config == (Config{}) {
		config = DefaultConfig()
	}
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Tracker{
		config:    config,
		pricing:   pricing,
		onWarning: onWarning,
		onAlert:   onAlert,
		byModel:   make(map[string]*modelAccum),
	}
}

// PricingFor returns the pricing for a model, accepting short or full names.
func (t *Tracker) PricingFor(model string) Pricing {
	short := ShortName(model)
	if p, ok := t.pricing[short]; ok {
		return p
	}
	return DefaultPricing()["sonnet"]
}

// CalculateCost computes the USD cost of a single call's token counts.
func (t *Tracker) CalculateCost(model string, inputTokens, outputTokens int) float64 {
	p := t.PricingFor(model)
	return float64(inputTokens)/1_000_000*p.Input + float64(outputTokens)/1_000_000*p.Output
}

// AddUsage records one API call's usage, updates totals and per-model
// breakdown, evaluates thresholds (firing at most once each per run), and
// returns the cost of this call.
func (t *Tracker) AddUsage(model string, inputTokens, outputTokens int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	callCost := t.CalculateCost(model, inputTokens, outputTokens)

	t.totalCost += callCost
	t.inputTokens += inputTokens
	t.outputTokens += outputTokens
	t.apiCalls++

	ma, ok := t.byModel[model]
	if !ok {
		ma = &modelAccum{}
		t.byModel[model] = ma
	}
	ma.inputTokens += inputTokens
	ma.outputTokens += outputTokens
	ma.cost += callCost

	t.checkThresholdsLocked()

	return callCost
}

func (t *Tracker) checkThresholdsLocked() {
	if t.totalCost >= t.config.Warn && !t.warningAcked {
		t.warningAcked = true
		if t.onWarning != nil {
			t.onWarning(t.totalCost)
		}
	}
	if t.totalCost >= t.config.Alert && !t.alertAcked {
		t.alertAcked = true
		if t.onAlert != nil {
			t.onAlert(t.totalCost)
		}
	}
}

// ThresholdLevel returns the current budget state.
func (t *Tracker) ThresholdLevel() ThresholdLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.thresholdLevelLocked()
}

func (t *Tracker) thresholdLevelLocked() ThresholdLevel {
	switch {
	case t.totalCost >= t.config.Max:
		return LevelStop
	case t.totalCost >= t.config.Alert:
		return LevelAlert
	case t.totalCost >= t.config.Warn:
		return LevelWarning
	default:
		return LevelOK
	}
}

// ShouldStop is the hard budget gate: true once total cost reaches Max.
// There is no callback for this threshold — callers must poll it before
// every model call (spec §4.5 step 1).
func (t *Tracker) ShouldStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost >= t.config.Max
}

// RemainingBudget returns the USD headroom before Max, floored at zero.
func (t *Tracker) RemainingBudget() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.config.Max - t.totalCost
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TotalCost returns the accumulated cost.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost
}

// ResetAlerts clears both threshold latches, for resuming a run under a
// freshly raised budget.
func (t *Tracker) ResetAlerts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.warningAcked = false
	t.alertAcked = false
}

// SetInitialCost sets the running total on resume from a checkpoint and
// re-evaluates thresholds, so latches fire if a crossing happened in a
// prior session that predates this Tracker instance.
func (t *Tracker) SetInitialCost(c float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalCost = c
	t.checkThresholdsLocked()
}

// Summary is the structured form of Tracker.Summary(), mirroring the
// reference implementation's get_summary().
type Summary struct {
	TotalCost       float64
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	APICalls        int
	ThresholdLevel  ThresholdLevel
	RemainingBudget float64
	CostByModel     map[string]float64
}

// Summary returns a structured snapshot of accumulated usage and cost.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	costByModel := make(map[string]float64, len(t.byModel))
	for model, ma := range t.byModel {
		costByModel[model] = ma.cost
	}

	remaining := t.config.Max - t.totalCost
	if remaining < 0 {
		remaining = 0
	}

	return Summary{
		TotalCost:       t.totalCost,
		InputTokens:     t.inputTokens,
		OutputTokens:    t.outputTokens,
		TotalTokens:     t.inputTokens + t.outputTokens,
		APICalls:        t.apiCalls,
		ThresholdLevel:  t.thresholdLevelLocked(),
		RemainingBudget: remaining,
		CostByModel:     costByModel,
	}
}

// FormatStatus renders a short human-readable status block, in the style of
// the reference implementation's format_status().
func (t *Tracker) FormatStatus() string {
	s := t.Summary()

	icon := map[ThresholdLevel]string{
		LevelOK:      "OK",
		LevelWarning: "WARN",
		LevelAlert:   "ALERT",
		LevelStop:    "STOP",
	}[s.ThresholdLevel]

	lines := []string{
		fmt.Sprintf("%s Cost: $%.2f / $%.2f", icon, s.TotalCost, t.config.Max),
		fmt.Sprintf("   Tokens: %d (%d calls)", s.TotalTokens, s.APICalls),
	}

	if len(s.CostByModel) > 0 {
		lines = append(lines, "   By model:")
		models := make([]string, 0, len(s.CostByModel))
		for model := range s.CostByModel {
			models = append(models, model)
		}
		sort.Strings(models)
		for _, model := range models {
			lines = append(lines, fmt.Sprintf("     %s: $%.2f", model, s.CostByModel[model]))
		}
	}

	return strings.Join(lines, "\n")
}
