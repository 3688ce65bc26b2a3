package transcriber

import "voxcoder/log"

// fallbackSession mirrors fed audio into a batch session so a failed
// realtime stream still yields a transcript: if the stream dies (dial
// refused, connection dropped mid-utterance), Close retries the whole
// recording through the batch endpoint instead of failing the turn.
// Deltas come only from the stream; a fallback turn has none.
type fallbackSession struct {
	stream *streamSession
	batch  *batchSession
}

func newFallbackSession(stream *streamSession, batch *batchSession) *fallbackSession {
	return &fallbackSession{stream: stream, batch: batch}
}

func (f *fallbackSession) Feed(pcm []byte) {
	f.stream.Feed(pcm)
	f.batch.Feed(pcm)
}

func (f *fallbackSession) Updates() <-chan string {
	return f.stream.Updates()
}

func (f *fallbackSession) Close() (SessionResult, error) {
	result, err := f.stream.Close()
	if err == nil {
		f.batch.abort()
		return result, nil
	}
	log.Warnf("transcriber: realtime stream failed (%v), retrying as batch", err)
	return f.batch.Close()
}
