package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"
)

type streamSessionConfig struct {
	SampleRate int
	Language   string
	Model      string
}

type voxtralStreamEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

type voxtralStreamSession struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (v *Voxtral) startStream(ctx context.Context, cfg streamSessionConfig) (rawStreamSession, error) {
	endpoint, err := url.Parse(voxtralRealtimeURL)
	if err != nil {
		return nil, err
	}

	q := endpoint.Query()
	model := cfg.Model
	if model == "" {
		model = realtimeModel
	}
	q.Set("model", model)
	q.Set("encoding", "pcm_s16le")
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	endpoint.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+v.apiKey)

	streamCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(streamCtx, endpoint.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		return nil, err
	}

	return &voxtralStreamSession{conn: conn, ctx: streamCtx, cancel: cancel}, nil
}

func (s *voxtralStreamSession) Send(pcm []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, pcm)
}

func (s *voxtralStreamSession) CloseSend() error {
	msg := []byte(`{"type":"input_audio.end"}`)
	return s.conn.Write(s.ctx, websocket.MessageText, msg)
}

func (s *voxtralStreamSession) Recv() (streamUpdate, error) {
	_, data, err := s.conn.Read(s.ctx)
	if err != nil {
		return streamUpdate{}, err
	}

	var ev voxtralStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return streamUpdate{}, err
	}

	switch ev.Type {
	case "transcription.text.delta":
		return streamUpdate{Delta: ev.Text}, nil
	case "transcription.done":
		return streamUpdate{Done: true}, nil
	case "error":
		return streamUpdate{}, fmt.Errorf("realtime transcription error: %s", ev.Message)
	}
	return streamUpdate{}, nil
}

func (s *voxtralStreamSession) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
