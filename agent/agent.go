// Package agent talks to the Mistral agents API: it registers the
// coding agent once at startup, then drives a multi-turn conversation
// with it, parsing each response into prose, ordered code blocks, remote
// execution output and token usage.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"voxcoder/log"
)

const (
	apiBaseURL = "https://api.mistral.ai"
	agentModel = "mistral-large-latest"
)

const agentInstructions = `You are VoxCoder, a voice-controlled pair programmer.
The user speaks commands to you via voice (transcribed to text).

Rules:
- When the user asks for simple code (e.g. algorithms, functions, simple logic), provide only the code block. Do NOT use the code interpreter unless specifically asked to test it.
- If the user asks for complex tasks like creating a website, a web interface, or a full application with frontend and backend, output HTML, CSS, and JavaScript in separate or combined code blocks.
- The platform supports a live "Preview" for web code (HTML/CSS/JS) and for execution output including images and plots.
- When writing Python code that produces visual output (matplotlib, seaborn, plotly, PIL, pandas plots, charts, graphs, diagrams), ALWAYS execute it with the code interpreter so the plot/image appears in the Preview panel. Never skip execution for visualization code.
- For simple Python code without visual output (algorithms, utilities, functions), provide only the code block without executing.
- Keep responses extremely concise, the user is speaking, not typing.
- If the user says something ambiguous, ask a SHORT clarifying question.
- Support iterative development: the user can say "fix that", "add error handling", "make it faster" etc.
- When the user says "save" or "export", output the final complete code.
- Respond in the same language the user speaks (Italian or English).`

// Usage is the token accounting for one agent call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CodeExecutions   int
}

// CodeBlock is one fenced block from an agent response, in emission
// order. Immutable once parsed.
type CodeBlock struct {
	Language string
	Content  string
}

// Response is one parsed agent turn.
type Response struct {
	Text   string // prose with code fences still embedded
	Blocks []CodeBlock
	Output string   // remote code_interpreter output, if any
	Images []string // data URIs from remote execution
	Usage  Usage
}

// Conversation holds the server-side identifiers for one user session.
// ConversationID is empty until the first Chat call returns.
type Conversation struct {
	AgentID        string
	ConversationID string
}

// Bridge is what the session coordinator depends on.
type Bridge interface {
	Chat(ctx context.Context, conv *Conversation, message string) (*Response, error)
}

type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewClient(apiKey string) *Client {
	return &Client{
		client:  &http.Client{Timeout: 120 * time.Second},
		baseURL: apiBaseURL,
		apiKey:  apiKey,
	}
}

type createAgentRequest struct {
	Model          string         `json:"model"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Instructions   string         `json:"instructions"`
	Tools          []agentTool    `json:"tools"`
	CompletionArgs completionArgs `json:"completion_args"`
}

type agentTool struct {
	Type string `json:"type"`
}

type completionArgs struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// CreateAgent registers the agent and returns its ID. Called once at
// startup; every connection shares the agent, conversations are per
// session.
func (c *Client) CreateAgent(ctx context.Context) (string, error) {
	req := createAgentRequest{
		Model:        agentModel,
		Name:         "VoxCoder",
		Description:  "A voice-controlled coding assistant that writes and executes Python code.",
		Instructions: agentInstructions,
		Tools:        []agentTool{{Type: "code_interpreter"}},
		CompletionArgs: completionArgs{
			Temperature: 0.3,
			TopP:        0.9,
		},
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/agents", req, &resp); err != nil {
		return "", fmt.Errorf("agent: creating agent: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("agent: creating agent: empty id in response")
	}
	log.Infof("agent: created %s", resp.ID)
	return resp.ID, nil
}

type startConversationRequest struct {
	AgentID string `json:"agent_id"`
	Inputs  string `json:"inputs"`
}

type appendConversationRequest struct {
	Inputs string `json:"inputs"`
}

// Chat sends one user turn. The first call starts a conversation bound
// to the agent; later calls append to it so the agent keeps multi-turn
// context ("fix that" resolves against prior turns).
func (c *Client) Chat(ctx context.Context, conv *Conversation, message string) (*Response, error) {
	var raw conversationResponse
	if conv.ConversationID == "" {
		req := startConversationRequest{AgentID: conv.AgentID, Inputs: message}
		if err := c.post(ctx, "/v1/conversations", req, &raw); err != nil {
			return nil, fmt.Errorf("agent: starting conversation: %w", err)
		}
	} else {
		req := appendConversationRequest{Inputs: message}
		if err := c.post(ctx, "/v1/conversations/"+conv.ConversationID, req, &raw); err != nil {
			return nil, fmt.Errorf("agent: appending to conversation: %w", err)
		}
	}
	if raw.ConversationID != "" {
		conv.ConversationID = raw.ConversationID
	}
	return parseConversation(&raw), nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}
