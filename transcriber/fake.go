package transcriber

import (
	"context"
	"fmt"
	"sync"

	"voxcoder/encoder"
)

type FakeTranscriber struct {
	text   string
	deltas []string
	err    error
	lang   string
}

func NewFake(text string, err error) *FakeTranscriber {
	return &FakeTranscriber{text: text, err: err}
}

// WithDeltas makes streaming sessions deliver the given incremental
// updates before finalizing. Final text is still the constructor text.
func (f *FakeTranscriber) WithDeltas(deltas ...string) *FakeTranscriber {
	f.deltas = deltas
	return f
}

func (f *FakeTranscriber) Name() string           { return "fake" }
func (f *FakeTranscriber) SetLanguage(lang string) { f.lang = lang }
func (f *FakeTranscriber) GetLanguage() string     { return f.lang }

func (f *FakeTranscriber) NewSession(_ context.Context, cfg SessionConfig) (Session, error) {
	updates := make(chan string, len(f.deltas)+1)
	if cfg.Stream {
		for _, d := range f.deltas {
			updates <- d
		}
	}
	return &fakeSession{text: f.text, err: f.err, updates: updates}, nil
}

type fakeSession struct {
	text    string
	err     error
	updates chan string

	mu       sync.Mutex
	fedBytes int
	closed   bool
}

func (s *fakeSession) Feed(pcm []byte) {
	s.mu.Lock()
	s.fedBytes += len(pcm)
	s.mu.Unlock()
}

func (s *fakeSession) Updates() <-chan string { return s.updates }

func (s *fakeSession) Close() (SessionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
	if s.err != nil {
		return SessionResult{}, fmt.Errorf("fake transcriber error: %w", s.err)
	}
	audioS := float64(s.fedBytes) / float64(encoder.SampleRate*encoder.Channels*(encoder.BitsPerSample/8))
	return SessionResult{
		Text:         s.text,
		HasText:      s.text != "",
		NoSpeech:     s.text == "",
		AudioSeconds: audioS,
		Stream:       &StreamStats{TotalMs: 10},
	}, nil
}
