package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
)

const (
	voxtralBatchURL    = "https://api.mistral.ai/v1/audio/transcriptions"
	voxtralRealtimeURL = "wss://api.mistral.ai/v1/audio/transcriptions/realtime"

	realtimeModel = "voxtral-mini-transcribe-realtime-2602"
	batchModel    = "voxtral-mini-latest"
)

type Voxtral struct {
	baseTranscriber
	apiKey string
}

func NewVoxtral(apiKey string) *Voxtral {
	return &Voxtral{
		baseTranscriber: baseTranscriber{
			client: NewTracedClient(),
			apiURL: voxtralBatchURL,
		},
		apiKey: apiKey,
	}
}

func (v *Voxtral) Name() string { return "voxtral" }

func (v *Voxtral) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Language != "" {
		v.SetLanguage(cfg.Language)
	}
	if cfg.Stream {
		stream := newStreamSession(func() (rawStreamSession, error) {
			return v.startStream(ctx, streamSessionConfig{
				Model:      realtimeModel,
				SampleRate: 16000,
				Language:   v.lang,
			})
		})
		batch, err := newBatchSession(SessionConfig{Format: "flac", Language: cfg.Language}, v.transcribe)
		if err != nil {
			return nil, err
		}
		return newFallbackSession(stream, batch), nil
	}
	go v.client.Warm("https://api.mistral.ai")
	return newBatchSession(cfg, v.transcribe)
}

type voxtralBatchResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
}

func (v *Voxtral) transcribe(audioData []byte, format string) (*Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "recording."+format)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audioData); err != nil {
		return nil, err
	}

	writer.WriteField("model", batchModel)
	if v.lang != "" {
		writer.WriteField("language", v.lang)
	}
	writer.Close()

	req, err := http.NewRequest("POST", v.apiURL, &body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("voxtral API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var vResp voxtralBatchResponse
	if err := json.Unmarshal(resp.Body, &vResp); err != nil {
		return nil, fmt.Errorf("voxtral response parse error: %w", err)
	}

	remaining := firstNonEmpty(resp.Header, "x-ratelimit-remaining-requests")
	limit := firstNonEmpty(resp.Header, "x-ratelimit-limit-requests")

	return &Result{
		Text:      vResp.Text,
		Metrics:   resp.Metrics,
		RateLimit: remaining + "/" + limit,
		Duration:  vResp.Duration,
	}, nil
}
