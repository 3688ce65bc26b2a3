package transcriber

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"voxcoder/encoder"
)

type transcribeFunc func(audio []byte, format string) (*Result, error)

type batchSession struct {
	cfg        SessionConfig
	transcribe transcribeFunc
	encoder    encoder.Encoder
	updates    chan string
	blockChan  chan []int16
	encodeDone chan struct{}
	sampleBuf  []int16
	bufMu      sync.Mutex
}

func newBatchSession(cfg SessionConfig, transcribe transcribeFunc) (*batchSession, error) {
	enc, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}

	bs := &batchSession{
		cfg:        cfg,
		transcribe: transcribe,
		encoder:    enc,
		updates:    make(chan string),
		blockChan:  make(chan []int16, 64),
		encodeDone: make(chan struct{}),
	}

	go func() {
		defer close(bs.encodeDone)
		for block := range bs.blockChan {
			start := time.Now()
			bs.encoder.EncodeBlock(block)
			bs.encoder.AddEncodeTime(time.Since(start))
		}
	}()

	return bs, nil
}

func (bs *batchSession) Feed(pcm []byte) {
	bs.bufMu.Lock()
	for i := 0; i+1 < len(pcm); i += 2 {
		bs.sampleBuf = append(bs.sampleBuf, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	var blocks [][]int16
	for len(bs.sampleBuf) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, bs.sampleBuf[:encoder.BlockSize])
		bs.sampleBuf = bs.sampleBuf[encoder.BlockSize:]
		blocks = append(blocks, block)
	}
	bs.bufMu.Unlock()

	for _, block := range blocks {
		bs.blockChan <- block
	}
}

func (bs *batchSession) Updates() <-chan string {
	return bs.updates
}

// abort stops the encode goroutine and discards the accumulated audio
// without transcribing anything. Must not race with Feed.
func (bs *batchSession) abort() {
	close(bs.blockChan)
	<-bs.encodeDone
	close(bs.updates)
}

func (bs *batchSession) Close() (SessionResult, error) {
	// Flush remaining samples
	bs.bufMu.Lock()
	if len(bs.sampleBuf) > 0 {
		partial := make([]int16, len(bs.sampleBuf))
		copy(partial, bs.sampleBuf)
		bs.blockChan <- partial
	}
	bs.bufMu.Unlock()

	close(bs.blockChan)
	<-bs.encodeDone
	close(bs.updates)

	if err := bs.encoder.Close(); err != nil {
		return SessionResult{}, err
	}

	audioData := bs.encoder.Bytes()

	result, err := bs.transcribe(audioData, bs.cfg.Format)
	if err != nil {
		return SessionResult{}, err
	}

	text := strings.TrimSpace(result.Text)
	noSpeech := text == ""

	enc := bs.encoder
	rawSize := enc.TotalFrames() * 2
	encodedSize := uint64(len(enc.Bytes()))
	compressionPct := (1.0 - float64(encodedSize)/float64(rawSize)) * 100
	audioDuration := float64(enc.TotalFrames()) / float64(encoder.SampleRate)
	netMetrics := result.Metrics

	return SessionResult{
		Text:         text,
		HasText:      !noSpeech,
		NoSpeech:     noSpeech,
		AudioSeconds: audioDuration,
		Batch: &BatchStats{
			RawSizeKB:        float64(rawSize) / 1024,
			CompressedSizeKB: float64(encodedSize) / 1024,
			CompressionPct:   compressionPct,
			EncodeTimeMs:     float64(enc.EncodeTime().Milliseconds()),
			TTFBMs:           float64(netMetrics.TTFB.Milliseconds()),
			TotalTimeMs:      float64(netMetrics.Sum().Milliseconds()),
			ConnReused:       netMetrics.ConnReused,
		},
	}, nil
}

func newEncoder(format string) (encoder.Encoder, error) {
	switch format {
	case "", "flac":
		return encoder.NewFlac()
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
