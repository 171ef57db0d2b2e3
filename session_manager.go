package diligent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// SessionSummary is one row of List's output.
type SessionSummary struct {
	ID               string
	Cwd              string
	Created          time.Time
	Modified         time.Time
	MessageCount     int
	FirstUserMessage string
}

// ResumeOptions selects which session Resume loads.
type ResumeOptions struct {
	SessionID  string
	MostRecent bool
}

// SessionManager mediates the agent loop, persistence, and compaction
// per spec §4.9. It owns the in-memory entry list and byId index
// exclusively; no other component mutates them.
type SessionManager struct {
	mu          sync.Mutex
	sessionsDir string
	cwd         string
	header      SessionHeader
	entries     []Entry
	byID        map[string]Entry
	leafID      string
	writer      *DeferredWriter

	rawProvider   Provider
	retryProvider Provider
	model         string
	tools         *ToolRegistry
	systemPrompt  string
	mode          Mode
	pricing       map[string]ModelPricing
	compactionCfg CompactionConfig
	tracer        Tracer
	logger        *slog.Logger

	cancel chan struct{}

	steerMu       sync.Mutex
	steeringQueue []Message
	running       bool
	hasFollowUp   bool
}

// NewSessionManager constructs a manager bound to sessionsDir, not yet
// attached to any session file (call Create or Resume next).
func NewSessionManager(cwd, sessionsDir string, provider Provider, model string, tools *ToolRegistry, systemPrompt string, compactionCfg CompactionConfig) *SessionManager {
	return &SessionManager{
		sessionsDir:   sessionsDir,
		cwd:           cwd,
		byID:          make(map[string]Entry),
		rawProvider:   provider,
		retryProvider: WithRetry(provider),
		model:         model,
		tools:         tools,
		systemPrompt:  systemPrompt,
		mode:          ModeDefault,
		compactionCfg: compactionCfg,
		logger:        nopLogger,
		cancel:        make(chan struct{}),
	}
}

// WithTracer attaches a Tracer used to span turns, retries, and compaction
// runs. Optional; a nil Tracer (the default) disables span creation.
func (sm *SessionManager) WithTracer(tr Tracer) *SessionManager {
	sm.tracer = tr
	return sm
}

// WithLogger attaches a structured logger. Optional; defaults to a no-op
// logger.
func (sm *SessionManager) WithLogger(l *slog.Logger) *SessionManager {
	sm.logger = loggerOrNop(l)
	return sm
}

// Create resets in-memory state and constructs a fresh deferred writer.
func (sm *SessionManager) Create() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	sm.header = SessionHeader{
		Type:      "session",
		Version:   SessionFileVersion,
		ID:        NewSessionID(now),
		Timestamp: NowISO(now),
		Cwd:       sm.cwd,
	}
	sm.entries = nil
	sm.byID = make(map[string]Entry)
	sm.leafID = ""
	sm.writer = NewDeferredWriter(sm.sessionsDir, sm.header)
	sm.logger.Info("session created", "session_id", sm.header.ID, "cwd", sm.cwd)
}

// Resume lists session files and rebuilds in-memory state from the one
// selected by opts.
func (sm *SessionManager) Resume(opts ResumeOptions) error {
	path, header, entries, err := sm.selectSessionFile(opts)
	if err != nil {
		return err
	}
	if header.Version > SessionFileVersion {
		return &ErrSessionVersion{SessionID: header.ID, Got: header.Version, Want: SessionFileVersion}
	}

	writer, err := ResumeDeferredWriter(sm.sessionsDir, path, header)
	if err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.header = header
	sm.entries = entries
	sm.byID = make(map[string]Entry, len(entries))
	for _, e := range entries {
		sm.byID[e.ID] = e
	}
	if len(entries) > 0 {
		sm.leafID = entries[len(entries)-1].ID
	}
	sm.writer = writer
	sm.logger.Info("session resumed", "session_id", sm.header.ID, "entries", len(entries))
	return nil
}

func (sm *SessionManager) selectSessionFile(opts ResumeOptions) (string, SessionHeader, []Entry, error) {
	files, err := filepath.Glob(filepath.Join(sm.sessionsDir, "*.jsonl"))
	if err != nil {
		return "", SessionHeader{}, nil, err
	}

	var candidate string
	if opts.SessionID != "" {
		for _, f := range files {
			if strings.TrimSuffix(filepath.Base(f), ".jsonl") == opts.SessionID {
				candidate = f
				break
			}
		}
		if candidate == "" {
			return "", SessionHeader{}, nil, fmt.Errorf("session %q not found", opts.SessionID)
		}
	} else {
		var best string
		var bestMod time.Time
		for _, f := range files {
			info, err := os.Stat(f)
			if err != nil {
				continue
			}
			if best == "" || info.ModTime().After(bestMod) {
				best, bestMod = f, info.ModTime()
			}
		}
		if best == "" {
			return "", SessionHeader{}, nil, fmt.Errorf("no sessions found in %s", sm.sessionsDir)
		}
		candidate = best
	}

	header, entries, err := readSessionFile(candidate)
	return candidate, header, entries, err
}

func readSessionFile(path string) (SessionHeader, []Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return SessionHeader{}, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var header SessionHeader
	var entries []Entry
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			if err := json.Unmarshal(line, &header); err != nil {
				return SessionHeader{}, nil, fmt.Errorf("parse header: %w", err)
			}
			first = false
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return SessionHeader{}, nil, fmt.Errorf("parse entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return SessionHeader{}, nil, err
	}
	if first {
		return SessionHeader{}, nil, fmt.Errorf("empty session file")
	}
	return header, entries, nil
}

// List enumerates every session file under sessionsDir, newest first.
// Corrupt files are skipped rather than failing the whole call.
func List(sessionsDir string) ([]SessionSummary, error) {
	files, err := filepath.Glob(filepath.Join(sessionsDir, "*.jsonl"))
	if err != nil {
		return nil, err
	}

	var out []SessionSummary
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		header, entries, err := readSessionFile(path)
		if err != nil {
			continue // corrupt session: skip, per spec §4.9 list()
		}
		created, _ := time.Parse(time.RFC3339, header.Timestamp)
		summary := SessionSummary{
			ID:       header.ID,
			Cwd:      header.Cwd,
			Created:  created,
			Modified: info.ModTime(),
		}
		for _, e := range entries {
			if e.Kind != EntryMessage || e.Message == nil {
				continue
			}
			summary.MessageCount++
			if summary.FirstUserMessage == "" && e.Message.Role == RoleUser {
				summary.FirstUserMessage = truncateRunes(e.Message.TextContent(), 100)
			}
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Modified.After(out[j].Modified) })
	return out, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// appendEntry records e in memory and chains its write to disk.
func (sm *SessionManager) appendEntry(e Entry) {
	sm.mu.Lock()
	sm.entries = append(sm.entries, e)
	sm.byID[e.ID] = e
	sm.leafID = e.ID
	sm.mu.Unlock()
	sm.writer.Append(e)
}

func (sm *SessionManager) snapshot() ([]Entry, string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]Entry{}, sm.entries...), sm.leafID
}

// Run appends userText as a user message, builds the context, and
// dispatches to runWithCompaction asynchronously, returning the outer
// event stream per spec §4.9.
func (sm *SessionManager) Run(ctx context.Context, userText string) *EventStream[AgentEvent, []Message] {
	now := time.Now()
	_, leaf := sm.snapshot()
	entry := NewMessageEntry(leaf, NewUserMessage(userText, now), now)
	sm.appendEntry(entry)

	entries, leafID := sm.snapshot()
	built := BuildContext(entries, leafID)

	outer := NewAgentEventStream()

	sm.mu.Lock()
	sm.running = true
	sm.mu.Unlock()

	go func() {
		defer func() {
			sm.mu.Lock()
			sm.running = false
			sm.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				outer.Push(AgentEvent{Type: AEError, Err: NewFatalError(asError(r)), Fatal: true})
				outer.Push(AgentEvent{Type: AEAgentEnd, Messages: built.Messages})
			}
		}()
		sm.runWithCompaction(ctx, outer, built.Messages)
	}()

	return outer
}

func (sm *SessionManager) runWithCompaction(ctx context.Context, outer *EventStream[AgentEvent, []Message], messages []Message) {
	if ShouldCompact(EstimateTokens(messages), sm.compactionCfg) {
		messages = sm.runCompaction(ctx, outer, messages)
	}
	sm.runLoopOnce(ctx, outer, messages, false)
}

// runLoopOnce drives one inner agent-loop invocation, forwarding its
// events to outer and persisting assistant/tool-result entries. If the
// inner loop ends with a fatal error whose text looks like a context
// overflow and this is the first attempt, it compacts and re-invokes the
// loop exactly once instead of forwarding that failure.
func (sm *SessionManager) runLoopOnce(ctx context.Context, outer *EventStream[AgentEvent, []Message], messages []Message, alreadyReacted bool) {
	loopCfg := sm.buildLoopConfig()
	inner := RunAgentLoop(ctx, messages, loopCfg)

	pendingReactive := false
	for e := range inner.Iterate() {
		if e.Type == AEError && e.Fatal && !alreadyReacted && e.Err != nil && looksLikeContextOverflow(e.Err.Message) {
			pendingReactive = true
			continue
		}
		if e.Type == AEAgentEnd && pendingReactive {
			continue
		}
		sm.persistEvent(e)
		outer.Push(e)
	}
	final, _ := inner.Result()

	if pendingReactive {
		compacted := sm.runCompaction(ctx, outer, final)
		sm.runLoopOnce(ctx, outer, compacted, true)
		return
	}
}

func (sm *SessionManager) persistEvent(e AgentEvent) {
	switch e.Type {
	case AEMessageEnd:
		if e.Message != nil {
			_, leaf := sm.snapshot()
			sm.appendEntry(NewMessageEntry(leaf, Message{Role: RoleAssistant, Assistant: e.Message}, time.Now()))
		}
	case AETurnEnd:
		for _, tr := range e.ToolResults {
			tr := tr
			_, leaf := sm.snapshot()
			sm.appendEntry(NewMessageEntry(leaf, Message{Role: RoleToolResult, ToolResult: &tr}, time.Now()))
		}
	}
}

func (sm *SessionManager) buildLoopConfig() AgentLoopConfig {
	sm.mu.Lock()
	mode := sm.mode
	sm.mu.Unlock()
	return AgentLoopConfig{
		Model:               sm.model,
		SystemPrompt:        sm.systemPrompt,
		Tools:               sm.tools,
		StreamFunction:      sm.rawProvider.Stream,
		Cancel:              sm.cancel,
		Mode:                mode,
		GetSteeringMessages: sm.drainSteeringQueue,
		Pricing:             sm.pricing,
		Tracer:              sm.tracer,
		Logger:              sm.logger,
	}
}

// runCompaction wraps compactNow with the compaction_start/compaction_end
// AgentEvents, used for both the proactive and reactive trigger paths.
func (sm *SessionManager) runCompaction(ctx context.Context, outer *EventStream[AgentEvent, []Message], messages []Message) []Message {
	estimated := EstimateTokens(messages)
	sm.logger.Warn("compaction triggered", "estimated_tokens", estimated)
	outer.Push(AgentEvent{Type: AECompactionStart, CompactionEstimatedTokens: estimated})

	ctx, span := startSpan(ctx, sm.tracer, "compaction", IntAttr("estimated_tokens", estimated))
	updated, summary := sm.compactNow(ctx, messages)
	tokensAfter := EstimateTokens(updated)
	span.SetAttr(IntAttr("tokens_after", tokensAfter))
	span.End()

	sm.logger.Info("compaction finished", "tokens_before", estimated, "tokens_after", tokensAfter)
	outer.Push(AgentEvent{Type: AECompactionEnd, CompactionTokensBefore: estimated, CompactionTokensAfter: tokensAfter, CompactionSummary: summary})
	return updated
}

// compactNow performs cut-point selection, summarization, and persists a
// new compaction entry, per spec §4.8. Returns the messages unchanged if
// nothing accumulates to summarize.
func (sm *SessionManager) compactNow(ctx context.Context, messages []Message) ([]Message, string) {
	entries, leafID := sm.snapshot()
	path := linearPath(entries, leafID)

	priorIdx, priorBody := priorCompactionOnPath(path)
	scanFrom := 0
	priorSummary := ""
	priorDetails := CompactionDetails{}
	if priorIdx >= 0 {
		scanFrom = priorIdx + 1
		priorSummary = priorBody.Summary
		priorDetails = priorBody.Details
	}

	cut := SelectCutPoint(path, scanFrom, sm.compactionCfg)
	if cut.Index < 0 {
		return messages, priorSummary
	}

	toSummarize := messagesFromEntries(path[scanFrom:cut.Index])
	toKeep := messagesFromEntries(path[cut.Index:])

	summary, _, err := Summarize(ctx, sm.retryProvider, sm.model, toSummarize, priorSummary)
	if err != nil {
		sm.logger.Warn("compaction summarization failed, keeping prior summary", "error", err)
		summary = priorSummary
	}
	details := AccumulateFileOps(toSummarize, priorDetails)

	tokensBefore := EstimateTokens(messages)
	body := CompactionBody{
		Summary:          summary,
		FirstKeptEntryID: path[cut.Index].ID,
		TokensBefore:     tokensBefore,
		Details:          details,
	}
	body.TokensAfter = EstimateTokens(toKeep) + charsToTokens(len(summary))

	sm.appendEntry(NewCompactionEntry(leafID, body, time.Now()))

	newEntries, newLeaf := sm.snapshot()
	return BuildContext(newEntries, newLeaf).Messages, summary
}

func linearPath(entries []Entry, leafID string) []Entry {
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	leaf, ok := byID[leafID]
	if !ok {
		if len(entries) == 0 {
			return nil
		}
		leaf = entries[len(entries)-1]
	}

	var path []Entry
	cur := leaf
	seen := make(map[string]bool)
	for {
		if seen[cur.ID] {
			break
		}
		seen[cur.ID] = true
		path = append(path, cur)
		if cur.ParentID == "" {
			break
		}
		parent, ok := byID[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func messagesFromEntries(entries []Entry) []Message {
	var out []Message
	for _, e := range entries {
		switch {
		case e.Kind == EntryMessage && e.Message != nil:
			out = append(out, *e.Message)
		case e.Kind == EntrySteering && e.Steering != nil:
			out = append(out, NewUserMessage(e.Steering.Message, e.Timestamp))
		}
	}
	return out
}

func priorCompactionOnPath(path []Entry) (int, CompactionBody) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Kind == EntryCompaction && path[i].Compaction != nil {
			return i, *path[i].Compaction
		}
	}
	return -1, CompactionBody{}
}

// Steer pushes a steering entry and enqueues the same message for the
// running agent loop's next drain point.
func (sm *SessionManager) Steer(text string) {
	sm.injectSteering(text, SteeringSteer)
}

// FollowUp is like Steer but tagged source follow_up; if no run is
// currently active, HasFollowUp reports true so the caller can start one.
func (sm *SessionManager) FollowUp(text string) {
	sm.injectSteering(text, SteeringFollowUp)
	sm.mu.Lock()
	if !sm.running {
		sm.hasFollowUp = true
	}
	sm.mu.Unlock()
}

func (sm *SessionManager) injectSteering(text string, source SteeringSource) {
	now := time.Now()
	prefixed := "[Steering] " + text
	_, leaf := sm.snapshot()
	sm.appendEntry(NewSteeringEntry(leaf, prefixed, source, now))

	sm.steerMu.Lock()
	sm.steeringQueue = append(sm.steeringQueue, NewUserMessage(prefixed, now))
	sm.steerMu.Unlock()
}

// drainSteeringQueue is the AgentLoopConfig.GetSteeringMessages callback.
func (sm *SessionManager) drainSteeringQueue() []Message {
	sm.steerMu.Lock()
	defer sm.steerMu.Unlock()
	if len(sm.steeringQueue) == 0 {
		return nil
	}
	msgs := sm.steeringQueue
	sm.steeringQueue = nil
	return msgs
}

// HasFollowUp reports whether a FollowUp was queued while no run was
// active, and clears the flag.
func (sm *SessionManager) HasFollowUp() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	v := sm.hasFollowUp
	sm.hasFollowUp = false
	return v
}

// AppendModeChange persists a mode_change entry and updates the mode the
// next Run/runLoopOnce will use.
func (sm *SessionManager) AppendModeChange(mode Mode, by ModeChangedBy) {
	_, leaf := sm.snapshot()
	sm.appendEntry(NewModeChangeEntry(leaf, mode, by, time.Now()))
	sm.mu.Lock()
	sm.mode = mode
	sm.mu.Unlock()
}

// Cancel signals cancellation to any running agent loop. Idempotent.
func (sm *SessionManager) Cancel() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	select {
	case <-sm.cancel:
	default:
		close(sm.cancel)
	}
}
