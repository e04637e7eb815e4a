// Package tokenaccounting turns raw token Usage into USD cost and keeps a
// running SessionStats total per session, announcing every update on the
// EventBus.
package tokenaccounting

import (
	"strings"
	"sync"

	"github.com/invisibrow/invisibrow/pkg/eventbus"
	"github.com/invisibrow/invisibrow/pkg/types"
)

// ModelRate is the USD-per-1M-token pricing for one model. Cached input
// tokens are billed at half the input rate, per the provider convention
// most OpenAI-compatible APIs use for prompt caching.
type ModelRate struct {
	Model      string
	InputPer1M float64
	OutputPer1M float64
}

var defaultRates = []ModelRate{
	{Model: "gpt-4o", InputPer1M: 2.5, OutputPer1M: 10.0},
	{Model: "gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.60},
	{Model: "gpt-4.1", InputPer1M: 2.0, OutputPer1M: 8.0},
	{Model: "gpt-4.1-mini", InputPer1M: 0.4, OutputPer1M: 1.6},
	{Model: "o1", InputPer1M: 15.0, OutputPer1M: 60.0},
	{Model: "o1-mini", InputPer1M: 3.0, OutputPer1M: 12.0},
	{Model: "claude-3-5-sonnet", InputPer1M: 3.0, OutputPer1M: 15.0},
	{Model: "claude-3-5-haiku", InputPer1M: 1.0, OutputPer1M: 5.0},
}

// Accounting computes cost and maintains per-session stats.
type Accounting struct {
	mu     sync.RWMutex
	rates  map[string]ModelRate
	bus    *eventbus.Bus
	stats  map[string]*types.SessionStats
}

// New creates an Accounting seeded with the default model rate table and
// wired to emit session:stats-updated on bus.
func New(bus *eventbus.Bus) *Accounting {
	a := &Accounting{
		rates: make(map[string]ModelRate),
		bus:   bus,
		stats: make(map[string]*types.SessionStats),
	}
	for _, r := range defaultRates {
		a.rates[r.Model] = r
	}
	return a
}

// AddRate registers or overrides a model's pricing.
func (a *Accounting) AddRate(r ModelRate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rates[r.Model] = r
}

// rateFor resolves a model string to a rate, falling back to the longest
// registered prefix match, and finally to the highest configured tier if
// the model is entirely unrecognized.
func (a *Accounting) rateFor(model string) ModelRate {
	if r, ok := a.rates[model]; ok {
		return r
	}
	var best ModelRate
	bestLen := -1
	var highest ModelRate
	for key, r := range a.rates {
		if strings.HasPrefix(model, key) && len(key) > bestLen {
			best, bestLen = r, len(key)
		}
		if r.OutputPer1M > highest.OutputPer1M {
			highest = r
		}
	}
	if bestLen >= 0 {
		return best
	}
	return highest
}

// EstimateCost computes the USD cost for a usage triple at the given
// model's rates, billing cached input tokens at half the input rate.
func (a *Accounting) EstimateCost(model string, usage types.Usage) types.Cost {
	a.mu.RLock()
	rate := a.rateFor(model)
	a.mu.RUnlock()

	billableInput := usage.InputTokens - usage.CachedTokens
	if billableInput < 0 {
		billableInput = 0
	}
	inputUSD := float64(billableInput)/1_000_000*rate.InputPer1M +
		float64(usage.CachedTokens)/1_000_000*(rate.InputPer1M/2)
	outputUSD := float64(usage.OutputTokens) / 1_000_000 * rate.OutputPer1M

	return types.Cost{
		InputUSD:  inputUSD,
		OutputUSD: outputUSD,
		TotalUSD:  inputUSD + outputUSD,
	}
}

// Record folds usage from a single LLM call into the session's running
// stats, returns the cost of that call, and emits session:stats-updated.
func (a *Accounting) Record(sessionID, model string, usage types.Usage) types.Cost {
	cost := a.EstimateCost(model, usage)

	a.mu.Lock()
	stats, ok := a.stats[sessionID]
	if !ok {
		stats = &types.SessionStats{}
		a.stats[sessionID] = stats
	}
	stats.Tokens += usage.InputTokens + usage.OutputTokens
	stats.CachedTokens += usage.CachedTokens
	stats.Cost += cost.TotalUSD
	stats.LastPromptTokens = usage.InputTokens
	snapshot := *stats
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Signal:    eventbus.SignalSessionStatsUpdated,
			SessionID: sessionID,
			Payload:   snapshot,
		})
	}
	return cost
}

// RecordTaskOutcome bumps the session's completed/failed task counters.
func (a *Accounting) RecordTaskOutcome(sessionID string, failed bool) types.SessionStats {
	a.mu.Lock()
	stats, ok := a.stats[sessionID]
	if !ok {
		stats = &types.SessionStats{}
		a.stats[sessionID] = stats
	}
	if failed {
		stats.TasksFailed++
	} else {
		stats.TasksCompleted++
	}
	snapshot := *stats
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Signal:    eventbus.SignalSessionStatsUpdated,
			SessionID: sessionID,
			Payload:   snapshot,
		})
	}
	return snapshot
}

// Stats returns a copy of a session's current stats.
func (a *Accounting) Stats(sessionID string) types.SessionStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.stats[sessionID]; ok {
		return *s
	}
	return types.SessionStats{}
}
