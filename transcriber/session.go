package transcriber

type SessionConfig struct {
	Stream   bool
	Format   string // batch encoding, "flac" (ignored for streaming)
	Language string
}

type BatchStats struct {
	RawSizeKB        float64
	CompressedSizeKB float64
	CompressionPct   float64
	EncodeTimeMs     float64
	TTFBMs           float64
	TotalTimeMs      float64
	ConnReused       bool
}

type StreamStats struct {
	ConnectMs    float64
	SentChunks   int
	SentKB       float64
	RecvMessages int
	RecvDeltas   int
	FinalizeMs   float64
	TotalMs      float64
}

type SessionResult struct {
	Text         string
	HasText      bool
	NoSpeech     bool
	AudioSeconds float64
	Batch        *BatchStats  // non-nil for batch sessions
	Stream       *StreamStats // non-nil for stream sessions
}

// Session is one bounded audio stream: Feed accepts PCM16 chunks,
// Updates delivers incremental transcript deltas, and Close flushes,
// waits for the provider to finalize, and returns the final transcript.
type Session interface {
	Feed(pcm []byte)
	Updates() <-chan string
	Close() (SessionResult, error)
}
