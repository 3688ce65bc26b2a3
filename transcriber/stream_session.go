package transcriber

import (
	"sync"
	"time"

	"voxcoder/encoder"
	"voxcoder/log"
)

const (
	streamChunkMs      = 200
	streamChunkBytes   = encoder.SampleRate * encoder.Channels * (encoder.BitsPerSample / 8) * streamChunkMs / 1000
	streamFinalizeIdle = 200 * time.Millisecond
	streamFinalizeMax  = 1000 * time.Millisecond
)

type rawStreamSession interface {
	Send(pcm []byte) error
	CloseSend() error
	Recv() (streamUpdate, error)
	Close() error
}

type streamUpdate struct {
	Delta string
	Done  bool
}

type streamSession struct {
	ws        rawStreamSession
	committed string
	audioCh   chan []byte
	updates   chan string
	startedAt time.Time
	connected chan struct{} // closed when WebSocket is ready (or failed)

	sendDone      chan struct{}
	recvDone      chan struct{}
	finalized     chan struct{}
	finalizedOnce sync.Once
	quit          chan struct{} // releases a receiver blocked on updates
	quitOnce      sync.Once

	feedBuf []byte
	feedMu  sync.Mutex

	mu      sync.Mutex
	err     error
	errOnce sync.Once
	closing bool
	stats   streamStats
}

type streamStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    uint64
	RecvMessages int
	RecvDeltas   int
	FinalizeWait time.Duration
	SessionDur   time.Duration
}

func (s streamStats) audioDuration() float64 {
	return float64(s.SentBytes) / float64(encoder.SampleRate*encoder.Channels*(encoder.BitsPerSample/8))
}

func newStreamSession(dial func() (rawStreamSession, error)) *streamSession {
	ss := &streamSession{
		audioCh:   make(chan []byte, 128),
		updates:   make(chan string, 16),
		startedAt: time.Now(),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
		finalized: make(chan struct{}),
		connected: make(chan struct{}),
		quit:      make(chan struct{}),
	}

	go func() {
		connectStart := time.Now()
		ws, err := dial()
		ss.mu.Lock()
		ss.stats.ConnectDur = time.Since(connectStart)
		ss.mu.Unlock()

		if err != nil {
			ss.errOnce.Do(func() {
				ss.mu.Lock()
				ss.err = err
				ss.mu.Unlock()
			})
			close(ss.sendDone)
			close(ss.recvDone)
			close(ss.connected)
			return
		}

		ss.ws = ws
		close(ss.connected)
		go ss.runSender()
		go ss.runReceiver()
	}()

	return ss
}

func (s *streamSession) Feed(pcm []byte) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.feedMu.Lock()
	s.feedBuf = append(s.feedBuf, pcm...)
	var chunks [][]byte
	for len(s.feedBuf) >= streamChunkBytes {
		chunk := make([]byte, streamChunkBytes)
		copy(chunk, s.feedBuf[:streamChunkBytes])
		s.feedBuf = s.feedBuf[streamChunkBytes:]
		chunks = append(chunks, chunk)
	}
	s.feedMu.Unlock()

	for _, chunk := range chunks {
		s.audioCh <- chunk
	}
}

func (s *streamSession) Updates() <-chan string {
	return s.updates
}

func (s *streamSession) Close() (SessionResult, error) {
	<-s.connected

	// If connection failed, drain and return error
	s.mu.Lock()
	if s.err != nil {
		connErr := s.err
		s.mu.Unlock()
		go func() { // drain audioCh so any blocked Feed() unblocks
			for range s.audioCh {
			}
		}()
		s.feedMu.Lock()
		s.feedBuf = nil
		s.feedMu.Unlock()
		close(s.audioCh)
		s.stopUpdates()
		<-s.sendDone
		<-s.recvDone
		close(s.updates)
		return SessionResult{NoSpeech: true}, connErr
	}
	s.mu.Unlock()

	// Flush remaining buffered PCM
	s.feedMu.Lock()
	if len(s.feedBuf) > 0 {
		tail := make([]byte, len(s.feedBuf))
		copy(tail, s.feedBuf)
		s.feedBuf = nil
		s.audioCh <- tail
	}
	s.feedMu.Unlock()
	close(s.audioCh)
	finalizeStart := time.Now()

	<-s.sendDone

	// Wait for server finalize acknowledgment, then brief quiet period
	select {
	case <-s.finalized:
		time.Sleep(streamFinalizeIdle)
	case <-time.After(streamFinalizeMax):
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stopUpdates()
	s.ws.Close()
	select {
	case <-s.recvDone:
	case <-time.After(2 * time.Second):
		log.Warn("stream receiver drain timeout")
	}
	close(s.updates)

	s.mu.Lock()
	text := s.committed
	stats := s.stats
	stats.FinalizeWait = time.Since(finalizeStart)
	stats.SessionDur = time.Since(s.startedAt)
	sessionErr := s.err
	s.mu.Unlock()

	noSpeech := text == ""
	audioDuration := stats.audioDuration()

	streamStats := &StreamStats{
		ConnectMs:    float64(stats.ConnectDur.Milliseconds()),
		SentChunks:   stats.SentChunks,
		SentKB:       float64(stats.SentBytes) / 1024,
		RecvMessages: stats.RecvMessages,
		RecvDeltas:   stats.RecvDeltas,
		FinalizeMs:   float64(stats.FinalizeWait.Milliseconds()),
		TotalMs:      float64(stats.SessionDur.Milliseconds()),
	}

	log.StreamMetrics(log.StreamMetricsData{
		ConnectMs:    streamStats.ConnectMs,
		FinalizeMs:   streamStats.FinalizeMs,
		TotalMs:      streamStats.TotalMs,
		AudioS:       audioDuration,
		SentChunks:   streamStats.SentChunks,
		SentKB:       streamStats.SentKB,
		RecvMessages: streamStats.RecvMessages,
		RecvDeltas:   streamStats.RecvDeltas,
	})

	return SessionResult{
		Text:         text,
		HasText:      !noSpeech,
		NoSpeech:     noSpeech,
		AudioSeconds: audioDuration,
		Stream:       streamStats,
	}, sessionErr
}

func (s *streamSession) runSender() {
	defer close(s.sendDone)
	for chunk := range s.audioCh {
		if err := s.ws.Send(chunk); err != nil {
			s.setErr(err)
			return
		}
		s.mu.Lock()
		s.stats.SentChunks++
		s.stats.SentBytes += uint64(len(chunk))
		s.mu.Unlock()
	}
	if err := s.ws.CloseSend(); err != nil {
		s.setErr(err)
	}
}

func (s *streamSession) runReceiver() {
	defer close(s.recvDone)
	for {
		update, err := s.ws.Recv()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.setErr(err)
			return
		}

		s.mu.Lock()
		s.stats.RecvMessages++
		s.mu.Unlock()

		if update.Done {
			s.finalizedOnce.Do(func() { close(s.finalized) })
			continue
		}

		if update.Delta == "" {
			continue
		}

		s.mu.Lock()
		s.committed += update.Delta
		s.stats.RecvDeltas++
		s.mu.Unlock()

		// Block until the consumer takes the delta: every delta the
		// provider produced before finalize is user-visible. quit is
		// closed once Close stops caring about updates.
		select {
		case s.updates <- update.Delta:
		case <-s.quit:
			return
		}
	}
}

func (s *streamSession) stopUpdates() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *streamSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.ws != nil {
			s.ws.Close()
		}
	})
}
