package model

import (
	"sync"
	"time"
)

// Pricing is the cost of a model in USD per million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Static pricing for common models. Prices change; override with
// CostTracker.SetPricing.
var defaultPricing = map[string]Pricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-sonnet-20240229":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-2.5-flash":           {InputPer1M: 0.30, OutputPer1M: 2.50},
}

// Call is one priced completion.
type Call struct {
	Model        string    `json:"model"`
	ExecutionID  string    `json:"executionId,omitempty"`
	NodeID       string    `json:"nodeId,omitempty"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	CostUSD      float64   `json:"costUsd"`
	Time         time.Time `json:"time"`
}

// CostTracker accumulates token usage and cost across completions. Unknown
// models are recorded with zero cost. It is safe for concurrent use.
type CostTracker struct {
	mu      sync.RWMutex
	pricing map[string]Pricing
	calls   []Call

	total       float64
	byModel     map[string]float64
	byExecution map[string]float64
	inputTokens int64
	outTokens   int64
}

// NewCostTracker returns a tracker using the default pricing table.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]Pricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &CostTracker{
		pricing:     pricing,
		byModel:     make(map[string]float64),
		byExecution: make(map[string]float64),
	}
}

// Record prices usage for modelName and adds it to the totals.
func (ct *CostTracker) Record(modelName string, usage Usage, executionID, nodeID string) Call {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	p := ct.pricing[modelName]
	cost := float64(usage.InputTokens)/1_000_000*p.InputPer1M +
		float64(usage.OutputTokens)/1_000_000*p.OutputPer1M

	call := Call{
		Model:        modelName,
		ExecutionID:  executionID,
		NodeID:       nodeID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		Time:         time.Now(),
	}
	ct.calls = append(ct.calls, call)
	ct.total += cost
	ct.byModel[modelName] += cost
	if executionID != "" {
		ct.byExecution[executionID] += cost
	}
	ct.inputTokens += int64(usage.InputTokens)
	ct.outTokens += int64(usage.OutputTokens)
	return call
}

// SetPricing overrides the price of one model.
func (ct *CostTracker) SetPricing(modelName string, p Pricing) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[modelName] = p
}

// TotalCost returns the accumulated cost in USD.
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.total
}

// CostByModel returns a copy of the per-model totals.
func (ct *CostTracker) CostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return copyCosts(ct.byModel)
}

// CostByExecution returns a copy of the per-execution totals.
func (ct *CostTracker) CostByExecution() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return copyCosts(ct.byExecution)
}

// Calls returns the recorded calls in order.
func (ct *CostTracker) Calls() []Call {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return append([]Call(nil), ct.calls...)
}

// TokenUsage returns the total input and output tokens.
func (ct *CostTracker) TokenUsage() (input, output int64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.inputTokens, ct.outTokens
}

// Reset drops every recorded call and total.
func (ct *CostTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.calls = nil
	ct.total = 0
	ct.byModel = make(map[string]float64)
	ct.byExecution = make(map[string]float64)
	ct.inputTokens, ct.outTokens = 0, 0
}

func copyCosts(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
