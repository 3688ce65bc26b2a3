package server

import "voxcoder/cost"

// Command is one inbound control message. Binary frames (raw PCM) are
// handled separately; everything else arrives as one of these.
type Command struct {
	Cmd      string `json:"cmd"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
}

// Event is one outbound message, flat and type-discriminated: the
// client switches on Type and reads only the fields that apply.
type Event struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	Content  string       `json:"content,omitempty"`
	Language string       `json:"language,omitempty"`
	Data     string       `json:"data,omitempty"`
	Status   string       `json:"status,omitempty"`
	Message  string       `json:"message,omitempty"`
	Request  *CostRequest `json:"request,omitempty"`
	Session  *CostSession `json:"session,omitempty"`
}

// Pipeline stages, also the values of status events.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageRecording    Stage = "recording"
	StageTranscribing Stage = "transcribing"
	StageThinking     Stage = "thinking"
	StageExecuting    Stage = "executing"
	StageReady        Stage = "ready"
	StageError        Stage = "error"
)

// CostRequest is the per-turn charge breakdown.
type CostRequest struct {
	AudioSec       float64 `json:"audio_sec"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	CodeExecutions int     `json:"code_executions"`
	STTCost        float64 `json:"stt_cost"`
	AgentCostIn    float64 `json:"agent_cost_in"`
	AgentCostOut   float64 `json:"agent_cost_out"`
	ExecCost       float64 `json:"exec_cost"`
	Total          float64 `json:"total"`
}

// CostSession is the session-cumulative view.
type CostSession struct {
	AudioMinutes   float64 `json:"audio_minutes"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	CodeExecutions int     `json:"code_executions"`
	STTCost        float64 `json:"stt_cost"`
	AgentCostIn    float64 `json:"agent_cost_in"`
	AgentCostOut   float64 `json:"agent_cost_out"`
	ExecCost       float64 `json:"exec_cost"`
	Total          float64 `json:"total"`
}

func statusEvent(stage Stage, message string) Event {
	return Event{Type: "status", Status: string(stage), Message: message}
}

func costEvent(e cost.Entry, t cost.Totals) Event {
	return Event{
		Type: "cost",
		Request: &CostRequest{
			AudioSec:       cost.Round1(e.AudioSeconds),
			InputTokens:    e.InputTokens,
			OutputTokens:   e.OutputTokens,
			CodeExecutions: e.CodeExecutions,
			STTCost:        cost.Round(e.STTCost),
			AgentCostIn:    cost.Round(e.InputCost),
			AgentCostOut:   cost.Round(e.OutputCost),
			ExecCost:       cost.Round(e.ExecCost),
			Total:          cost.Round(e.Total),
		},
		Session: &CostSession{
			AudioMinutes:   cost.Round2(t.AudioMinutes),
			InputTokens:    t.InputTokens,
			OutputTokens:   t.OutputTokens,
			CodeExecutions: t.CodeExecutions,
			STTCost:        cost.Round(t.STTCost),
			AgentCostIn:    cost.Round(t.InputCost),
			AgentCostOut:   cost.Round(t.OutputCost),
			ExecCost:       cost.Round(t.ExecCost),
			Total:          cost.Round(t.Total),
		},
	}
}
