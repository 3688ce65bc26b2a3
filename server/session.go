package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"voxcoder/agent"
	"voxcoder/cost"
	"voxcoder/executor"
	"voxcoder/log"
	"voxcoder/transcriber"
)

// session is one connection's pipeline. The read loop feeds audio and
// queues commands; the command loop runs start/end turns one at a time;
// manual runs get their own goroutine and contend only for the
// execution slot.
type session struct {
	id     string
	cfg    Config
	sink   Sink
	ledger *cost.Ledger
	conv   *agent.Conversation

	cmds chan Command

	// Execution slot: at most one subprocess per session, manual or
	// automatic, enforced here rather than in the engine.
	execMu sync.Mutex
	execWG sync.WaitGroup

	forwardWG sync.WaitGroup

	mu     sync.Mutex
	stage  Stage
	live   transcriber.Session
	blocks []agent.CodeBlock // everything emitted as a code event, provenance for run_code
	turns  int
}

func newSession(cfg Config, sink Sink) *session {
	return &session{
		id:     newSessionID(),
		cfg:    cfg,
		sink:   sink,
		ledger: cost.NewLedger(cfg.Rates),
		conv:   &agent.Conversation{AgentID: cfg.AgentID},
		cmds:   make(chan Command, 16),
		stage:  StageIdle,
	}
}

func newSessionID() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (s *session) run(parent context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log.SessionStart(s.id, s.cfg.Transcriber.Name())

	var loopWG sync.WaitGroup
	loopWG.Add(1)
	go func() {
		defer loopWG.Done()
		s.commandLoop(ctx)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if typ == websocket.MessageBinary {
			s.feed(data)
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.setStage(StageError)
			s.send(ctx, statusEvent(StageError, "malformed command"))
			continue
		}
		switch cmd.Cmd {
		case "start", "end":
			// Queued, never dropped: a new turn waits behind a running one.
			select {
			case s.cmds <- cmd:
			case <-ctx.Done():
			}
		case "run_code":
			s.execWG.Add(1)
			go func() {
				defer s.execWG.Done()
				s.runManual(ctx, cmd)
			}()
		default:
			s.setStage(StageError)
			s.send(ctx, statusEvent(StageError, "unknown command: "+cmd.Cmd))
		}
	}

	close(s.cmds)
	s.closeLive()
	loopWG.Wait()
	// An in-flight execution finishes opportunistically; its events are
	// dropped by the dead sink.
	s.execWG.Wait()
	s.forwardWG.Wait()
	log.SessionEnd(s.id, s.turnCount())
}

func (s *session) commandLoop(ctx context.Context) {
	for cmd := range s.cmds {
		switch cmd.Cmd {
		case "start":
			s.handleStart(ctx)
		case "end":
			s.handleEnd(ctx)
		}
	}
}

func (s *session) handleStart(ctx context.Context) {
	s.closeLive() // a start during recording abandons the old stream

	live, err := s.cfg.Transcriber.NewSession(ctx, transcriber.SessionConfig{
		Stream:   true,
		Language: s.cfg.Language,
	})
	if err != nil {
		log.Errorf("server: opening transcriber session: %v", err)
		s.setStage(StageError)
		s.send(ctx, statusEvent(StageError, err.Error()))
		return
	}

	s.mu.Lock()
	s.live = live
	s.stage = StageRecording
	s.mu.Unlock()

	s.forwardWG.Add(1)
	go func() {
		defer s.forwardWG.Done()
		for delta := range live.Updates() {
			s.send(ctx, Event{Type: "transcript_delta", Text: delta})
		}
	}()

	s.send(ctx, statusEvent(StageTranscribing, "Listening…"))
}

// handleEnd runs one full turn: finalize the transcript, call the
// agent, emit and execute its code blocks, charge the ledger. It runs
// on the command loop so a queued start waits for the whole turn.
func (s *session) handleEnd(ctx context.Context) {
	live := s.takeLive()
	if live == nil {
		return // end without a recording in progress
	}
	s.setStage(StageTranscribing)

	result, err := live.Close()
	s.forwardWG.Wait() // every delta is on the wire before the final transcript
	if err != nil {
		log.Errorf("server: transcription failed: %v", err)
		s.fail(ctx, "Transcription error: "+err.Error())
		return
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		// Still a billable turn: the audio was streamed to the provider.
		entry := s.ledger.Charge(cost.Usage{AudioSeconds: result.AudioSeconds})
		s.send(ctx, statusEvent(StageReady, "No speech detected"))
		s.send(ctx, costEvent(entry, s.ledger.Snapshot()))
		s.setStage(StageReady)
		return
	}

	s.send(ctx, Event{Type: "transcript", Text: text})
	log.TranscriptionText(text)

	s.setStage(StageThinking)
	s.send(ctx, statusEvent(StageThinking, "Agent is thinking…"))

	resp, err := s.cfg.Bridge.Chat(ctx, s.conv, text)
	if err != nil {
		log.Errorf("server: agent call failed: %v", err)
		// The audio was still transcribed; keep the ledger honest even
		// though the turn died before a cost event.
		s.ledger.Charge(cost.Usage{AudioSeconds: result.AudioSeconds})
		s.fail(ctx, "Agent error: "+err.Error())
		return
	}

	s.rememberBlocks(resp.Blocks)

	// Blocks run sequentially in declaration order: a later block may
	// depend on side effects of an earlier one.
	for _, block := range resp.Blocks {
		lang := strings.ToLower(block.Language)
		if lang == "" {
			lang = "python"
		}
		s.send(ctx, Event{Type: "code", Language: lang, Content: block.Content})
		if !block.Executable() {
			continue
		}
		s.setStage(StageExecuting)
		s.send(ctx, statusEvent(StageExecuting, "Executing code…"))
		res := s.execute(ctx, block.Content, lang)
		s.emitExecResult(ctx, res)
	}

	// Output the remote interpreter produced, when the agent ran the
	// code itself instead of handing it over.
	if resp.Output != "" {
		s.send(ctx, Event{Type: "output", Content: resp.Output})
	}
	for _, img := range resp.Images {
		s.send(ctx, Event{Type: "image", Data: img})
	}

	if resp.Text != "" {
		clean := agent.StripFences(resp.Text)
		if clean != "" {
			s.send(ctx, Event{Type: "message", Text: clean})
		} else if len(resp.Blocks) == 0 {
			s.send(ctx, Event{Type: "message", Text: resp.Text})
		}
	}

	entry := s.ledger.Charge(cost.Usage{
		AudioSeconds:   result.AudioSeconds,
		InputTokens:    resp.Usage.PromptTokens,
		OutputTokens:   resp.Usage.CompletionTokens,
		CodeExecutions: resp.Usage.CodeExecutions,
	})
	totals := s.ledger.Snapshot()
	s.send(ctx, costEvent(entry, totals))
	s.bumpTurns()
	log.Turn(s.id, result.AudioSeconds, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, len(resp.Blocks))
	log.Cost(s.id, entry.Total, totals.Total)

	s.setStage(StageReady)
	s.send(ctx, statusEvent(StageReady, "Ready"))
}

// runManual re-runs a previously emitted block out of band. It must not
// wait for an in-progress turn's transcription or generation, only for
// the execution slot.
func (s *session) runManual(ctx context.Context, cmd Command) {
	code := strings.TrimSpace(cmd.Code)
	lang := strings.ToLower(cmd.Language)
	if lang == "" {
		lang = "python"
	}
	if code == "" {
		s.send(ctx, statusEvent(StageReady, "Ready"))
		return
	}
	if !s.knownBlock(code, lang) {
		s.send(ctx, statusEvent(StageError, "unknown code block"))
		return
	}

	prev := s.swapStage(StageExecuting)
	s.send(ctx, statusEvent(StageExecuting, "Executing code…"))
	res := s.execute(ctx, code, lang)
	s.emitExecResult(ctx, res)
	s.restoreStage(prev)
	if prev == StageReady || prev == StageIdle {
		s.send(ctx, statusEvent(StageReady, "Ready"))
	}
}

func (s *session) execute(ctx context.Context, code, lang string) executor.Result {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	res := s.cfg.Engine.Execute(ctx, code, lang)
	log.Execution(lang, string(res.Kind), res.Elapsed.Milliseconds(), len(res.Images), res.Installed)
	return res
}

func (s *session) emitExecResult(ctx context.Context, res executor.Result) {
	if len(res.Installed) > 0 {
		s.send(ctx, Event{Type: "message", Text: "Auto-installed: " + strings.Join(res.Installed, ", ")})
	}
	if res.Output != "" {
		s.send(ctx, Event{Type: "output", Content: res.Output})
	}
	for _, img := range res.Images {
		s.send(ctx, Event{Type: "image", Data: img})
	}
}

func (s *session) fail(ctx context.Context, msg string) {
	s.setStage(StageError)
	s.send(ctx, statusEvent(StageError, msg))
}

func (s *session) send(ctx context.Context, ev Event) {
	if err := s.sink.Send(ctx, ev); err != nil {
		log.Warnf("server: dropping %s event: %v", ev.Type, err)
	}
}

func (s *session) feed(pcm []byte) {
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if live != nil {
		live.Feed(pcm)
	}
}

func (s *session) takeLive() transcriber.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.live
	s.live = nil
	return live
}

func (s *session) closeLive() {
	if live := s.takeLive(); live != nil {
		live.Close()
	}
}

func (s *session) setStage(st Stage) {
	s.mu.Lock()
	s.stage = st
	s.mu.Unlock()
}

func (s *session) swapStage(st Stage) Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.stage
	s.stage = st
	return prev
}

// restoreStage puts the pre-run stage back after a manual run, unless a
// concurrent turn already advanced the stage past executing.
func (s *session) restoreStage(prev Stage) {
	s.mu.Lock()
	if s.stage == StageExecuting {
		s.stage = prev
	}
	s.mu.Unlock()
}

func (s *session) rememberBlocks(blocks []agent.CodeBlock) {
	s.mu.Lock()
	s.blocks = append(s.blocks, blocks...)
	s.mu.Unlock()
}

func (s *session) knownBlock(code, lang string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.blocks {
		if b.Content == code && strings.ToLower(b.Language) == lang {
			return true
		}
	}
	return false
}

func (s *session) bumpTurns() {
	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
}

func (s *session) turnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}
