// Package multiplex layers a request/response protocol over the raw,
// line-oriented stdio event stream a supervisor.Supervisor exposes,
// generalized from a single well-formed request/response envelope to
// free-text prompts with best-effort correlation markers, a priority
// scheduler, and retry and streaming support a peer speaking free text
// instead of a structured RPC protocol needs.
package multiplex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/goclaw-orchestrator/internal/model"
	"github.com/basket/goclaw-orchestrator/internal/supervisor"
)

// Sentinel errors surfaced by send and its variants.
var (
	ErrTimeout            = fmt.Errorf("multiplex: command timed out")
	ErrProcessUnavailable = fmt.Errorf("multiplex: child process unavailable")
	ErrProtocol           = fmt.Errorf("multiplex: child returned malformed response")
	ErrCancelled          = fmt.Errorf("multiplex: command cancelled")
	ErrStream             = fmt.Errorf("multiplex: child stdin not writable")
)

const streamEndMarker = "[STREAM_END]"

// Response is the result of a resolved command.
type Response struct {
	Success       bool
	Data          any
	Error         string
	ExecutionTime time.Duration
	Timestamp     time.Time
}

// SendOptions configures one send call.
type SendOptions struct {
	Timeout      time.Duration
	Priority     int
	RetryOnError bool
}

// BatchOptions configures sendBatch.
type BatchOptions struct {
	MaxConcurrency int
	StopOnError    bool
	OnProgress     func(done, total int)
}

// Metrics are the multiplexer's running counters.
type Metrics struct {
	Total          int64
	Successful     int64
	Failed         int64
	Timeouts       int64
	Retries        int64
	// UncorrelatedResponses counts output lines that could not be tied
	// to an in-flight command by id (no respPatterns match, or a match
	// whose id is not in flight) and so went to the oldest-in-flight
	// FIFO fallback or, with nothing in flight, nowhere, so operators
	// can detect a child that never emits ids.
	UncorrelatedResponses int64
	QueueWaitTime  time.Duration // moving average
	TotalExecTime  time.Duration
	AvgExecTime    time.Duration
	LastCommandAt  time.Time
}

// DetailedStats derives rates from Metrics.
type DetailedStats struct {
	Metrics
	SuccessRate float64
	TimeoutRate float64
	Throughput  float64 // commands per second since first command
}

type commandStatusKind string

const (
	StatusPending  commandStatusKind = "pending"
	StatusQueued   commandStatusKind = "queued"
	StatusNotFound commandStatusKind = "not_found"
)

// CommandStatus reports the state of one tracked command.
type CommandStatus struct {
	Status  commandStatusKind
	Details *pendingCommand
}

type pendingCommand struct {
	ID           string
	Prompt       string
	EnqueuedAt   time.Time
	DispatchedAt time.Time
	Timeout      time.Duration
	Priority     int
	RetryOnError bool
	RetryCount   int

	resultCh chan result
	timer    *time.Timer
	onChunk  func(string)
	done     bool
}

type result struct {
	resp Response
	err  error
}

var (
	respPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\[RESP:([^\]]+)\]\s*(.*)$`),
		regexp.MustCompile(`^\[CMD:([^\]]+)\]\s*RESPONSE:\s*(.*)$`),
		regexp.MustCompile(`^Response for ([^:]+):\s*(.*)$`),
	}
	errorHeuristic   = regexp.MustCompile(`(?i)error|failed|exception|invalid|denied|forbidden`)
	successHeuristic = regexp.MustCompile(`(?i)success|completed|done|ok|ready`)
)

// Multiplexer schedules commands onto a single supervised child process
// and correlates its output back to the command that caused it.
type Multiplexer struct {
	sup            *supervisor.Supervisor
	maxConcurrent  int
	defaultTimeout time.Duration
	retryAttempts  int
	retryDelay     time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	inFlight  map[string]*pendingCommand
	inFlightOrder []string // oldest first, for FIFO correlation fallback
	waitQueue []*pendingCommand
	metrics   Metrics
	firstCmdAt time.Time

	subCancel context.CancelFunc
	stopped   bool
}

// Config configures a new Multiplexer.
type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
}

// DefaultConfig returns conservative concurrency, timeout, and retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		DefaultTimeout: 30 * time.Second,
		RetryAttempts:  2,
		RetryDelay:     2 * time.Second,
	}
}

// New creates a Multiplexer over sup and starts its background listener.
func New(ctx context.Context, sup *supervisor.Supervisor, cfg Config, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	listenCtx, cancel := context.WithCancel(ctx)
	m := &Multiplexer{
		sup:            sup,
		maxConcurrent:  cfg.MaxConcurrent,
		defaultTimeout: cfg.DefaultTimeout,
		retryAttempts:  cfg.RetryAttempts,
		retryDelay:     cfg.RetryDelay,
		logger:         logger,
		inFlight:       make(map[string]*pendingCommand),
		subCancel:      cancel,
	}
	go m.listen(listenCtx)
	return m
}

func (m *Multiplexer) listen(ctx context.Context) {
	events := m.sup.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case supervisor.EventOutput:
				m.handleOutputLine(ev.Line)
			case supervisor.EventError:
				m.handleSupervisorError(ev.Err)
			case supervisor.EventStatusChange:
				if ev.Info.Status == model.ProcessError || ev.Info.Status == model.ProcessStopped {
					m.rejectAll(ErrProcessUnavailable)
				}
			}
		}
	}
}

// Send queues a command and blocks until it resolves, the context is
// cancelled, or the command's timeout fires.
func (m *Multiplexer) Send(ctx context.Context, prompt string, opts SendOptions) (Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	cmd := &pendingCommand{
		ID:           uuid.NewString(),
		Prompt:       prompt,
		EnqueuedAt:   time.Now(),
		Timeout:      timeout,
		Priority:     opts.Priority,
		RetryOnError: opts.RetryOnError,
		resultCh:     make(chan result, 1),
	}

	m.mu.Lock()
	if m.firstCmdAt.IsZero() {
		m.firstCmdAt = time.Now()
	}
	m.metrics.Total++
	m.waitQueue = insertByPriority(m.waitQueue, cmd)
	m.pumpLocked()
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		m.Cancel(cmd.ID)
		return Response{}, ctx.Err()
	case res := <-cmd.resultCh:
		return res.resp, res.err
	}
}

// SendExpectingJSON sends a prompt and unmarshals the response's Data
// into a value of type T, which it returns. Rejects with
// ErrProtocol if the payload was not valid JSON.
func SendExpectingJSON[T any](ctx context.Context, m *Multiplexer, prompt string, opts SendOptions) (T, error) {
	var zero T
	resp, err := m.Send(ctx, prompt, opts)
	if err != nil {
		return zero, err
	}
	raw, ok := resp.Data.(json.RawMessage)
	if !ok {
		if s, ok := resp.Data.(string); ok {
			raw = json.RawMessage(s)
		} else {
			return zero, fmt.Errorf("%w: response data is not JSON", ErrProtocol)
		}
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return out, nil
}

// SendMany fans out prompts and returns all-or-none: if any prompt
// errors, the whole call returns that error.
func (m *Multiplexer) SendMany(ctx context.Context, prompts []string, opts SendOptions) ([]Response, error) {
	responses := make([]Response, len(prompts))
	errs := make([]error, len(prompts))
	var wg sync.WaitGroup
	for i, p := range prompts {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			responses[i], errs[i] = m.Send(ctx, p, opts)
		}(i, p)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return responses, nil
}

// SendBatch fans out prompts with bounded concurrency, preserving
// result order. On error it either records the error in-place (default)
// or aborts remaining work if StopOnError is set.
func (m *Multiplexer) SendBatch(ctx context.Context, prompts []string, opts SendOptions, batchOpts BatchOptions) []Response {
	n := len(prompts)
	responses := make([]Response, n)
	maxConc := batchOpts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = n
		if maxConc == 0 {
			maxConc = 1
		}
	}
	sem := make(chan struct{}, maxConc)
	var wg sync.WaitGroup
	var aborted sync.Once
	abortCh := make(chan struct{})

	done := 0
	var doneMu sync.Mutex

	for i, p := range prompts {
		select {
		case <-abortCh:
		default:
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			defer func() { <-sem }()
			select {
			case <-abortCh:
				return
			default:
			}
			resp, err := m.Send(ctx, p, opts)
			if err != nil {
				resp = Response{Success: false, Error: err.Error(), Timestamp: time.Now()}
				if batchOpts.StopOnError {
					aborted.Do(func() { close(abortCh) })
				}
			}
			responses[i] = resp
			doneMu.Lock()
			done++
			if batchOpts.OnProgress != nil {
				batchOpts.OnProgress(done, n)
			}
			doneMu.Unlock()
		}(i, p)
	}
	wg.Wait()
	return responses
}

// SendStream sends a prompt and delivers line-partitioned output to
// onChunk as it arrives, until the child emits the stream-end marker or
// the command's timeout fires.
func (m *Multiplexer) SendStream(ctx context.Context, prompt string, onChunk func(string), opts SendOptions) (Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	cmd := &pendingCommand{
		ID:           uuid.NewString(),
		Prompt:       prompt,
		EnqueuedAt:   time.Now(),
		Timeout:      timeout,
		Priority:     opts.Priority,
		RetryOnError: opts.RetryOnError,
		resultCh:     make(chan result, 1),
		onChunk:      onChunk,
	}

	m.mu.Lock()
	m.metrics.Total++
	m.waitQueue = insertByPriority(m.waitQueue, cmd)
	m.pumpLocked()
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		m.Cancel(cmd.ID)
		return Response{}, ctx.Err()
	case res := <-cmd.resultCh:
		return res.resp, res.err
	}
}

// insertByPriority inserts cmd before the first entry with strictly
// lower priority, preserving FIFO order among equal priorities.
func insertByPriority(queue []*pendingCommand, cmd *pendingCommand) []*pendingCommand {
	idx := sort.Search(len(queue), func(i int) bool {
		return queue[i].Priority < cmd.Priority
	})
	queue = append(queue, nil)
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = cmd
	return queue
}

// pumpLocked dispatches queued commands into free slots. Caller must
// hold m.mu.
func (m *Multiplexer) pumpLocked() {
	if m.stopped {
		return
	}
	for len(m.inFlight) < m.maxConcurrent && len(m.waitQueue) > 0 {
		cmd := m.waitQueue[0]
		m.waitQueue = m.waitQueue[1:]
		m.dispatchLocked(cmd)
	}
}

func (m *Multiplexer) dispatchLocked(cmd *pendingCommand) {
	cmd.DispatchedAt = time.Now()
	waitTime := cmd.DispatchedAt.Sub(cmd.EnqueuedAt)
	m.recordQueueWaitLocked(waitTime)

	line := fmt.Sprintf("[CMD:%s] %s", cmd.ID, cmd.Prompt)
	if err := m.sup.Write(line); err != nil {
		m.failLocked(cmd, fmt.Errorf("%w: %v", ErrStream, err))
		return
	}

	m.inFlight[cmd.ID] = cmd
	m.inFlightOrder = append(m.inFlightOrder, cmd.ID)

	cmd.timer = time.AfterFunc(cmd.Timeout, func() {
		m.handleTimeout(cmd.ID)
	})
}

func (m *Multiplexer) recordQueueWaitLocked(d time.Duration) {
	if m.metrics.QueueWaitTime == 0 {
		m.metrics.QueueWaitTime = d
		return
	}
	// exponential moving average, alpha = 0.2
	m.metrics.QueueWaitTime = time.Duration(0.8*float64(m.metrics.QueueWaitTime) + 0.2*float64(d))
}

// failLocked resolves cmd with an error without ever having dispatched
// it to the child (e.g. stdin unwritable). Caller holds m.mu.
func (m *Multiplexer) failLocked(cmd *pendingCommand, err error) {
	m.metrics.Failed++
	cmd.resultCh <- result{err: err}
}

func (m *Multiplexer) handleTimeout(id string) {
	m.mu.Lock()
	cmd, ok := m.inFlight[id]
	if !ok || cmd.done {
		m.mu.Unlock()
		return
	}
	m.metrics.Timeouts++

	if cmd.RetryOnError && cmd.RetryCount < m.retryAttempts {
		cmd.RetryCount++
		m.metrics.Retries++
		delete(m.inFlight, id)
		m.removeFromOrderLocked(id)
		m.pumpLocked()
		m.mu.Unlock()

		time.AfterFunc(m.retryDelay, func() {
			m.mu.Lock()
			cmd.EnqueuedAt = time.Now()
			m.waitQueue = insertByPriority(m.waitQueue, cmd)
			m.pumpLocked()
			m.mu.Unlock()
		})
		return
	}

	cmd.done = true
	delete(m.inFlight, id)
	m.removeFromOrderLocked(id)
	m.pumpLocked()
	m.mu.Unlock()

	cmd.resultCh <- result{err: ErrTimeout}
}

func (m *Multiplexer) removeFromOrderLocked(id string) {
	for i, oid := range m.inFlightOrder {
		if oid == id {
			m.inFlightOrder = append(m.inFlightOrder[:i], m.inFlightOrder[i+1:]...)
			return
		}
	}
}

// handleOutputLine correlates one line of child output with an
// in-flight command and resolves it.
func (m *Multiplexer) handleOutputLine(line string) {
	line = strings.TrimRight(line, "\n\r")
	if line == "" {
		return
	}

	m.mu.Lock()

	var id, payload string
	matched := false
	for _, pat := range respPatterns {
		if sub := pat.FindStringSubmatch(line); sub != nil {
			id, payload = sub[1], sub[2]
			matched = true
			break
		}
	}

	var cmd *pendingCommand
	if matched {
		if c, ok := m.inFlight[id]; ok {
			cmd = c
		}
	}
	if cmd == nil {
		// FIFO fallback: attribute to the oldest in-flight command.
		payload = line
		m.metrics.UncorrelatedResponses++
		if len(m.inFlightOrder) > 0 {
			cmd = m.inFlight[m.inFlightOrder[0]]
		}
	}
	if cmd == nil {
		m.mu.Unlock()
		m.logger.Debug("multiplex: no matching command for output line", "line", line)
		return
	}

	if cmd.onChunk != nil {
		if strings.Contains(payload, streamEndMarker) {
			final := strings.TrimSpace(strings.Replace(payload, streamEndMarker, "", 1))
			if final != "" {
				cmd.onChunk(final)
			}
			m.resolveLocked(cmd, payload)
			m.mu.Unlock()
			return
		}
		cmd.onChunk(payload)
		m.mu.Unlock()
		return
	}

	m.resolveLocked(cmd, payload)
	m.mu.Unlock()
}

// resolveLocked finalizes cmd with the given payload. Caller holds m.mu.
func (m *Multiplexer) resolveLocked(cmd *pendingCommand, payload string) {
	if cmd.done {
		return
	}
	cmd.done = true
	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	delete(m.inFlight, cmd.ID)
	m.removeFromOrderLocked(cmd.ID)

	resp := classifyPayload(payload)
	resp.ExecutionTime = time.Since(cmd.DispatchedAt)
	resp.Timestamp = time.Now()

	if resp.Success {
		m.metrics.Successful++
	} else {
		m.metrics.Failed++
	}
	m.metrics.TotalExecTime += resp.ExecutionTime
	if m.metrics.Total > 0 {
		m.metrics.AvgExecTime = m.metrics.TotalExecTime / time.Duration(m.metrics.Total)
	}
	m.metrics.LastCommandAt = resp.Timestamp

	m.pumpLocked()
	cmd.resultCh <- result{resp: resp}
}

// classifyPayload attempts JSON first, then falls back to the
// success/error text heuristics.
func classifyPayload(payload string) Response {
	trimmed := strings.TrimSpace(payload)
	var js json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &js); err == nil {
		return Response{Success: true, Data: js}
	}

	if errorHeuristic.MatchString(trimmed) && !successHeuristic.MatchString(trimmed) {
		return Response{Success: false, Error: trimmed, Data: trimmed}
	}
	return Response{Success: true, Data: trimmed}
}

// handleSupervisorError causes every in-flight command to either retry
// (if eligible) or reject, matching a child-process error that doesn't
// necessarily mean the process has exited.
func (m *Multiplexer) handleSupervisorError(cause error) {
	m.mu.Lock()
	ids := make([]string, len(m.inFlightOrder))
	copy(ids, m.inFlightOrder)
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		cmd, ok := m.inFlight[id]
		if !ok || cmd.done {
			m.mu.Unlock()
			continue
		}
		if cmd.RetryOnError && cmd.RetryCount < m.retryAttempts {
			cmd.RetryCount++
			m.metrics.Retries++
			cmd.done = true
			delete(m.inFlight, id)
			m.removeFromOrderLocked(id)
			if cmd.timer != nil {
				cmd.timer.Stop()
			}
			m.pumpLocked()
			m.mu.Unlock()

			time.AfterFunc(m.retryDelay, func() {
				m.mu.Lock()
				cmd.done = false
				cmd.EnqueuedAt = time.Now()
				m.waitQueue = insertByPriority(m.waitQueue, cmd)
				m.pumpLocked()
				m.mu.Unlock()
			})
			continue
		}
		cmd.done = true
		delete(m.inFlight, id)
		m.removeFromOrderLocked(id)
		if cmd.timer != nil {
			cmd.timer.Stop()
		}
		m.pumpLocked()
		m.mu.Unlock()

		cmd.resultCh <- result{err: fmt.Errorf("%w: %v", ErrProcessUnavailable, cause)}
	}
}

func (m *Multiplexer) rejectAll(err error) {
	m.mu.Lock()
	queued := m.waitQueue
	m.waitQueue = nil
	inFlightIDs := make([]string, len(m.inFlightOrder))
	copy(inFlightIDs, m.inFlightOrder)
	m.inFlightOrder = nil
	inFlight := m.inFlight
	m.inFlight = make(map[string]*pendingCommand)
	m.mu.Unlock()

	for _, cmd := range queued {
		cmd.resultCh <- result{err: err}
	}
	for _, id := range inFlightIDs {
		cmd, ok := inFlight[id]
		if !ok || cmd.done {
			continue
		}
		cmd.done = true
		if cmd.timer != nil {
			cmd.timer.Stop()
		}
		cmd.resultCh <- result{err: err}
	}
}

// Cancel removes a queued command or rejects an in-flight one with
// ErrCancelled. Returns false if the command is unknown.
func (m *Multiplexer) Cancel(id string) bool {
	m.mu.Lock()
	for i, cmd := range m.waitQueue {
		if cmd.ID == id {
			m.waitQueue = append(m.waitQueue[:i], m.waitQueue[i+1:]...)
			m.mu.Unlock()
			cmd.resultCh <- result{err: ErrCancelled}
			return true
		}
	}
	cmd, ok := m.inFlight[id]
	if !ok || cmd.done {
		m.mu.Unlock()
		return false
	}
	cmd.done = true
	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	delete(m.inFlight, id)
	m.removeFromOrderLocked(id)
	m.pumpLocked()
	m.mu.Unlock()

	cmd.resultCh <- result{err: ErrCancelled}
	return true
}

// CancelAll cancels every queued and in-flight command.
func (m *Multiplexer) CancelAll() {
	m.rejectAll(ErrCancelled)
}

// CommandStatus reports whether id is queued, in-flight, or unknown.
func (m *Multiplexer) CommandStatus(id string) CommandStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd, ok := m.inFlight[id]; ok {
		return CommandStatus{Status: StatusPending, Details: cmd}
	}
	for _, cmd := range m.waitQueue {
		if cmd.ID == id {
			return CommandStatus{Status: StatusQueued, Details: cmd}
		}
	}
	return CommandStatus{Status: StatusNotFound}
}

// MetricsSnapshot returns a copy of the running counters.
func (m *Multiplexer) MetricsSnapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// DetailedStats derives success/timeout rate and throughput from the
// running counters.
func (m *Multiplexer) DetailedStats() DetailedStats {
	m.mu.Lock()
	metrics := m.metrics
	first := m.firstCmdAt
	m.mu.Unlock()

	stats := DetailedStats{Metrics: metrics}
	if metrics.Total > 0 {
		stats.SuccessRate = float64(metrics.Successful) / float64(metrics.Total)
		stats.TimeoutRate = float64(metrics.Timeouts) / float64(metrics.Total)
	}
	if !first.IsZero() {
		elapsed := time.Since(first).Seconds()
		if elapsed > 0 {
			stats.Throughput = float64(metrics.Total) / elapsed
		}
	}
	return stats
}

// Status reports the scheduler's current occupancy.
type Status struct {
	InFlight  int
	Queued    int
	Available int
}

func (m *Multiplexer) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		InFlight:  len(m.inFlight),
		Queued:    len(m.waitQueue),
		Available: m.maxConcurrent - len(m.inFlight),
	}
}

// Cleanup cancels every command and stops the background listener.
func (m *Multiplexer) Cleanup() {
	m.rejectAll(ErrCancelled)
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.subCancel()
}
