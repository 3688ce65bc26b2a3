// Package cost converts raw usage counters into monetary amounts under
// fixed per-unit rates and keeps session-cumulative totals.
package cost

import (
	"math"
	"sync"
)

// Rates are USD per unit.
type Rates struct {
	STTPerMinute   float64
	InputPerToken  float64
	OutputPerToken float64
	PerExecution   float64
}

// DefaultRates mirror the deployed pricing: Voxtral realtime STT,
// Mistral Large input/output tokens, code interpreter executions.
var DefaultRates = Rates{
	STTPerMinute:   0.006,
	InputPerToken:  2.0 / 1_000_000,
	OutputPerToken: 6.0 / 1_000_000,
	PerExecution:   0.03,
}

// Usage is the raw counters for one turn.
type Usage struct {
	AudioSeconds   float64
	InputTokens    int
	OutputTokens   int
	CodeExecutions int
}

// Entry is the charged breakdown for one turn.
type Entry struct {
	Usage
	STTCost    float64
	InputCost  float64
	OutputCost float64
	ExecCost   float64
	Total      float64
}

// Totals are the session-cumulative counters and costs.
type Totals struct {
	AudioMinutes   float64
	InputTokens    int
	OutputTokens   int
	CodeExecutions int
	STTCost        float64
	InputCost      float64
	OutputCost     float64
	ExecCost       float64
	Total          float64
}

type Ledger struct {
	rates Rates

	mu     sync.Mutex
	totals Totals
}

func NewLedger(rates Rates) *Ledger {
	return &Ledger{rates: rates}
}

// Charge computes the entry for one turn's usage and folds it into the
// cumulative totals. Totals are updated atomically: either the whole
// entry is applied or none of it.
func (l *Ledger) Charge(u Usage) Entry {
	e := Entry{Usage: u}
	e.STTCost = u.AudioSeconds / 60.0 * l.rates.STTPerMinute
	e.InputCost = float64(u.InputTokens) * l.rates.InputPerToken
	e.OutputCost = float64(u.OutputTokens) * l.rates.OutputPerToken
	e.ExecCost = float64(u.CodeExecutions) * l.rates.PerExecution
	e.Total = e.STTCost + e.InputCost + e.OutputCost + e.ExecCost

	l.mu.Lock()
	l.totals.AudioMinutes += u.AudioSeconds / 60.0
	l.totals.InputTokens += u.InputTokens
	l.totals.OutputTokens += u.OutputTokens
	l.totals.CodeExecutions += u.CodeExecutions
	l.totals.STTCost += e.STTCost
	l.totals.InputCost += e.InputCost
	l.totals.OutputCost += e.OutputCost
	l.totals.ExecCost += e.ExecCost
	l.totals.Total += e.Total
	l.mu.Unlock()

	return e
}

// Snapshot returns a copy of the cumulative totals.
func (l *Ledger) Snapshot() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

// Round truncates a cost to display precision (6 decimals).
func Round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Round1 and Round2 are display helpers for audio durations.
func Round1(v float64) float64 { return math.Round(v*10) / 10 }
func Round2(v float64) float64 { return math.Round(v*100) / 100 }
