package agent

import (
	"context"
	"sync"
)

// Fake is a scripted Bridge for tests. Each Chat call pops the next
// scripted response and records the message it was sent.
type Fake struct {
	mu        sync.Mutex
	responses []*Response
	err       error
	Messages  []string
}

func NewFake(responses ...*Response) *Fake {
	return &Fake{responses: responses}
}

// WithError makes every Chat call fail.
func (f *Fake) WithError(err error) *Fake {
	f.err = err
	return f
}

func (f *Fake) Chat(_ context.Context, conv *Conversation, message string) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, message)
	if f.err != nil {
		return nil, f.err
	}
	if conv.ConversationID == "" {
		conv.ConversationID = "conv-fake"
	}
	if len(f.responses) == 0 {
		return &Response{}, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}
