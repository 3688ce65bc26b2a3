package transcriber

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"voxcoder/encoder"
)

func TestNetworkMetricsSum(t *testing.T) {
	m := &NetworkMetrics{
		ConnWait:   10 * time.Millisecond,
		DNS:        20 * time.Millisecond,
		TCP:        30 * time.Millisecond,
		TLS:        40 * time.Millisecond,
		ReqHeaders: 5 * time.Millisecond,
		ReqBody:    15 * time.Millisecond,
		TTFB:       50 * time.Millisecond,
		Download:   25 * time.Millisecond,
	}
	got := m.Sum()
	want := 195 * time.Millisecond
	if got != want {
		t.Errorf("Sum() = %v, want %v", got, want)
	}
}

func TestNewEncoder(t *testing.T) {
	for _, format := range []string{"", "flac"} {
		t.Run("format_"+format, func(t *testing.T) {
			enc, err := newEncoder(format)
			if err != nil {
				t.Fatalf("newEncoder(%q): %v", format, err)
			}
			if enc == nil {
				t.Fatalf("newEncoder(%q) returned nil", format)
			}
		})
	}
	t.Run("unknown", func(t *testing.T) {
		if _, err := newEncoder("ogg"); err == nil {
			t.Error("expected error for unknown format")
		}
	})
}

func TestBatchSessionFeedAndClose(t *testing.T) {
	var gotFormat string
	var gotAudio []byte
	fakeFn := func(audio []byte, format string) (*Result, error) {
		gotAudio = audio
		gotFormat = format
		return &Result{
			Text:    "hello world",
			Metrics: &NetworkMetrics{TTFB: 10 * time.Millisecond},
		}, nil
	}

	cfg := SessionConfig{Format: "flac"}
	bs, err := newBatchSession(cfg, fakeFn)
	if err != nil {
		t.Fatalf("newBatchSession: %v", err)
	}

	// Drain updates — channel closed by Close()
	go func() {
		for range bs.Updates() {
		}
	}()

	nSamples := encoder.BlockSize + encoder.BlockSize/2
	pcm := make([]byte, nSamples*2)
	for i := range nSamples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(i%1000))
	}

	bs.Feed(pcm)

	result, err := bs.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if result.Text != "hello world" {
		t.Errorf("Text = %q, want %q", result.Text, "hello world")
	}
	if !result.HasText {
		t.Error("HasText should be true")
	}
	if result.Batch == nil {
		t.Fatal("Batch should be non-nil")
	}
	if result.AudioSeconds <= 0 {
		t.Error("AudioSeconds should be positive")
	}
	if gotFormat != "flac" {
		t.Errorf("format = %q, want flac", gotFormat)
	}
	if len(gotAudio) < 4 || string(gotAudio[:4]) != "fLaC" {
		t.Error("batch upload is not FLAC data")
	}
}

func TestBatchSessionNoSpeech(t *testing.T) {
	fakeFn := func(audio []byte, format string) (*Result, error) {
		return &Result{Text: "  ", Metrics: &NetworkMetrics{}}, nil
	}
	bs, err := newBatchSession(SessionConfig{}, fakeFn)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for range bs.Updates() {
		}
	}()
	result, err := bs.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !result.NoSpeech {
		t.Error("NoSpeech should be true for whitespace-only transcript")
	}
}

// fakeRawStream scripts a realtime provider: deltas are delivered in
// order, and CloseSend triggers the finalize acknowledgment.
type fakeRawStream struct {
	deltas []string

	mu       sync.Mutex
	sent     [][]byte
	events   chan streamUpdate
	closedCh chan struct{}
	once     sync.Once
}

func newFakeRawStream(deltas ...string) *fakeRawStream {
	f := &fakeRawStream{
		deltas:   deltas,
		events:   make(chan streamUpdate, len(deltas)+1),
		closedCh: make(chan struct{}),
	}
	for _, d := range deltas {
		f.events <- streamUpdate{Delta: d}
	}
	return f
}

func (f *fakeRawStream) Send(pcm []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, pcm)
	f.mu.Unlock()
	return nil
}

func (f *fakeRawStream) CloseSend() error {
	f.events <- streamUpdate{Done: true}
	return nil
}

func (f *fakeRawStream) Recv() (streamUpdate, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.closedCh:
		return streamUpdate{}, errors.New("connection closed")
	}
}

func (f *fakeRawStream) Close() error {
	f.once.Do(func() { close(f.closedCh) })
	return nil
}

func (f *fakeRawStream) sentBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		n += len(c)
	}
	return n
}

func TestStreamSessionDeltasAndFinal(t *testing.T) {
	raw := newFakeRawStream("hello", " world")
	ss := newStreamSession(func() (rawStreamSession, error) { return raw, nil })

	var got []string
	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for d := range ss.Updates() {
			got = append(got, d)
		}
	}()

	// Two full chunks plus a partial tail
	pcm := make([]byte, streamChunkBytes*2+100)
	ss.Feed(pcm)

	result, err := ss.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	drained.Wait()

	if result.Text != "hello world" {
		t.Errorf("Text = %q, want %q", result.Text, "hello world")
	}
	if !result.HasText {
		t.Error("HasText should be true")
	}
	if result.Stream == nil {
		t.Fatal("Stream stats should be non-nil")
	}
	if raw.sentBytes() != len(pcm) {
		t.Errorf("sent %d bytes, want %d (tail must be flushed)", raw.sentBytes(), len(pcm))
	}
	wantAudio := float64(len(pcm)) / 32000.0
	if diff := result.AudioSeconds - wantAudio; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("AudioSeconds = %v, want %v", result.AudioSeconds, wantAudio)
	}
	for i, d := range got {
		if want := []string{"hello", " world"}[i]; d != want {
			t.Errorf("delta[%d] = %q, want %q", i, d, want)
		}
	}
}

func TestStreamSessionNoDeltas(t *testing.T) {
	raw := newFakeRawStream()
	ss := newStreamSession(func() (rawStreamSession, error) { return raw, nil })

	go func() {
		for range ss.Updates() {
		}
	}()

	result, err := ss.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !result.NoSpeech {
		t.Error("NoSpeech should be true when nothing was transcribed")
	}
}

func TestStreamSessionDialFailure(t *testing.T) {
	dialErr := errors.New("dial refused")
	ss := newStreamSession(func() (rawStreamSession, error) { return nil, dialErr })

	go func() {
		for range ss.Updates() {
		}
	}()

	_, err := ss.Close()
	if !errors.Is(err, dialErr) {
		t.Errorf("Close error = %v, want %v", err, dialErr)
	}
}

func TestFakeTranscriberAudioSeconds(t *testing.T) {
	f := NewFake("ok", nil)
	s, err := f.NewSession(t.Context(), SessionConfig{Stream: true})
	if err != nil {
		t.Fatal(err)
	}
	s.Feed(make([]byte, 64000)) // 2 seconds of PCM16 @16kHz mono
	go func() {
		for range s.Updates() {
		}
	}()
	result, err := s.Close()
	if err != nil {
		t.Fatal(err)
	}
	if result.AudioSeconds != 2.0 {
		t.Errorf("AudioSeconds = %v, want 2.0", result.AudioSeconds)
	}
}

func TestFallbackToBatchOnDialFailure(t *testing.T) {
	stream := newStreamSession(func() (rawStreamSession, error) {
		return nil, errors.New("dial refused")
	})

	var gotFormat string
	var gotAudio []byte
	batch, err := newBatchSession(SessionConfig{Format: "flac"}, func(audio []byte, format string) (*Result, error) {
		gotAudio, gotFormat = audio, format
		return &Result{Text: "hello from batch", Metrics: &NetworkMetrics{}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	fb := newFallbackSession(stream, batch)
	go func() {
		for range fb.Updates() {
		}
	}()

	fb.Feed(make([]byte, 8192))
	result, err := fb.Close()
	if err != nil {
		t.Fatalf("fallback should absorb the stream failure, got %v", err)
	}
	if result.Text != "hello from batch" {
		t.Errorf("Text = %q, want the batch transcript", result.Text)
	}
	if gotFormat != "flac" {
		t.Errorf("format = %q, want flac", gotFormat)
	}
	if len(gotAudio) < 4 || string(gotAudio[:4]) != "fLaC" {
		t.Error("batch upload is not FLAC-encoded")
	}
	if result.Batch == nil {
		t.Error("missing batch stats on a fallback turn")
	}
	// 8192 bytes = 4096 frames at 16kHz
	if result.AudioSeconds != 0.256 {
		t.Errorf("AudioSeconds = %v, want 0.256", result.AudioSeconds)
	}
}

func TestFallbackUnusedOnStreamSuccess(t *testing.T) {
	raw := newFakeRawStream("hi there")
	stream := newStreamSession(func() (rawStreamSession, error) { return raw, nil })

	batchCalls := 0
	batch, err := newBatchSession(SessionConfig{Format: "flac"}, func([]byte, string) (*Result, error) {
		batchCalls++
		return &Result{Metrics: &NetworkMetrics{}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	fb := newFallbackSession(stream, batch)
	var got []string
	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for d := range fb.Updates() {
			got = append(got, d)
		}
	}()

	fb.Feed(make([]byte, streamChunkBytes))
	result, err := fb.Close()
	drained.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "hi there" {
		t.Errorf("Text = %q, want the stream transcript", result.Text)
	}
	if len(got) != 1 || got[0] != "hi there" {
		t.Errorf("deltas = %v", got)
	}
	if batchCalls != 0 {
		t.Errorf("batch transcribe called %d times on a healthy stream, want 0", batchCalls)
	}
}

func TestStreamSessionDeliversAllDeltasToSlowConsumer(t *testing.T) {
	deltas := make([]string, 0, 40)
	for i := range 40 {
		deltas = append(deltas, fmt.Sprintf("d%d ", i))
	}
	raw := newFakeRawStream(deltas...)
	ss := newStreamSession(func() (rawStreamSession, error) { return raw, nil })

	var got []string
	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for d := range ss.Updates() {
			time.Sleep(2 * time.Millisecond) // slower than the provider
			got = append(got, d)
		}
	}()

	result, err := ss.Close()
	drained.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(deltas) {
		t.Fatalf("delivered %d deltas, want all %d", len(got), len(deltas))
	}
	for i := range deltas {
		if got[i] != deltas[i] {
			t.Fatalf("delta[%d] = %q, want %q", i, got[i], deltas[i])
		}
	}
	if want := strings.Join(deltas, ""); result.Text != want {
		t.Errorf("Text = %q, want %q", result.Text, want)
	}
}
