package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline identifies which asynchronous flow a job belongs to.
type Pipeline string

const (
	PipelineBatchEnrichment Pipeline = "batch_enrichment"
	PipelineCSVImport       Pipeline = "csv_import"
	PipelineAIScan          Pipeline = "ai_scan"
)

// JobState is the job lifecycle. Terminal states are absorbing.
type JobState string

const (
	JobPending  JobState = "pending"
	JobRunning  JobState = "running"
	JobComplete JobState = "complete"
	JobFailed   JobState = "failed"
	JobCanceled JobState = "canceled"
)

func (s JobState) terminal() bool {
	return s == JobComplete || s == JobFailed || s == JobCanceled
}

var errCanceled = errors.New("job canceled")

var (
	_tokenLifetime    = 2 * time.Hour
	_tokenRefreshSlop = 30 * time.Minute
	_jobRetention     = 24 * time.Hour
	_defaultReadyWait = 10 * time.Second
)

// Progress is the payload of a job_progress message.
type Progress struct {
	Progress       float64 `json:"progress"`
	Status         string  `json:"status"`
	ProcessedCount int     `json:"processedCount,omitempty"`
	TotalCount     int     `json:"totalCount,omitempty"`
	CurrentItem    string  `json:"currentItem,omitempty"`
	Canceled       bool    `json:"canceled,omitempty"`
}

// StreamError is the payload of an error message.
type StreamError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Details   any       `json:"details,omitempty"`
}

// progressSink is the bound client stream. The websocket layer implements
// it; jobs only ever talk to this interface so tests can substitute a
// recorder.
type progressSink interface {
	send(msgType string, payload any) error
	closeWith(code int)
}

// Job is the per-job singleton: exactly one logical instance exists for a
// jobId, and all state mutation is serialized through its mutex.
type Job struct {
	ID       string
	Pipeline Pipeline
	Created  time.Time

	mu         sync.Mutex
	state      JobState
	total      int
	processed  int
	lastSent   float64 // Last progress value emitted; duplicates are dropped.
	cancel     bool
	sink       progressSink
	readyC     chan struct{}
	readyOnce  sync.Once
	closedC    chan struct{}
	closedOnce sync.Once

	token        string
	tokenExpires time.Time
	tokenUsed    bool

	metrics *jobMetrics
}

// InitializeJobState records the stage count. Idempotent after the first
// call.
func (j *Job) InitializeJobState(total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.total != 0 {
		return
	}
	j.total = total
}

// Bind attaches the client stream, replacing any previous binding.
func (j *Job) Bind(sink progressSink) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sink = sink
}

// Ready unblocks WaitForReady. Safe to call more than once.
func (j *Job) Ready() {
	j.readyOnce.Do(func() { close(j.readyC) })
}

// Disconnected records that the client stream closed.
func (j *Job) Disconnected() {
	j.closedOnce.Do(func() { close(j.closedC) })
	j.mu.Lock()
	j.sink = nil
	j.mu.Unlock()
}

// WaitForReady blocks until the client signals ready, the deadline elapses,
// or the stream is observed closed. The worker proceeds in every case; a
// timed-out client just misses early updates.
func (j *Job) WaitForReady(ctx context.Context, timeout time.Duration) (timedOut, disconnected bool) {
	if timeout <= 0 {
		timeout = _defaultReadyWait
	}
	select {
	case <-j.readyC:
		return false, false
	case <-j.closedC:
		return false, true
	case <-time.After(timeout):
		return true, false
	case <-ctx.Done():
		return true, false
	}
}

// RequestCancel sets the cancel flag. The state transition happens when the
// worker observes the flag at its next polling point.
func (j *Job) RequestCancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = true
}

// IsCanceled reports the cancel-requested flag.
func (j *Job) IsCanceled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancel
}

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Counts returns the processed/total stage counters.
func (j *Job) Counts() (processed, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.processed, j.total
}

// Started emits the initial job_started message.
func (j *Job) Started(estimatedDuration time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	payload := map[string]any{"totalCount": j.total}
	if estimatedDuration > 0 {
		payload["estimatedDuration"] = estimatedDuration.Milliseconds()
	}
	j.emit("job_started", payload)
}

// UpdateProgress emits a job_progress message and transitions pending →
// running on first call. Successive updates with the same numeric progress
// are dropped.
func (j *Job) UpdateProgress(p Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.terminal() {
		return
	}
	if j.state == JobPending {
		j.state = JobRunning
	}
	j.processed = p.ProcessedCount

	if p.Progress == j.lastSent && !p.Canceled {
		return
	}
	j.lastSent = p.Progress
	j.emit("job_progress", p)
}

// Complete transitions to complete and emits the summary payload. The
// payload must stay small; the full result set belongs in the results store,
// reachable through the payload's resultsUrl.
func (j *Job) Complete(payload map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.terminal() {
		return
	}
	j.state = JobComplete
	j.metrics.finishedInc(j.Pipeline, "completed")
	j.emit("job_complete", payload)
	j.closeLocked(closeNormal)
}

// SendError transitions to failed and emits an error message.
func (j *Job) SendError(e StreamError) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.terminal() {
		return
	}
	j.state = JobFailed
	j.metrics.finishedInc(j.Pipeline, "failed")
	j.emit("error", e)
	j.closeLocked(closeInternalError)
}

// CancelNow transitions to canceled with a terminal progress message. Called
// by the worker when it observes the cancel flag at a polling point.
func (j *Job) CancelNow() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.terminal() {
		return
	}
	j.state = JobCanceled
	j.metrics.finishedInc(j.Pipeline, "canceled")
	// The terminal message reports how far the job actually got.
	progress := 0.0
	if j.total > 0 {
		progress = float64(j.processed) / float64(j.total)
	}
	j.emit("job_progress", Progress{
		Progress:       progress,
		Status:         "canceled",
		ProcessedCount: j.processed,
		TotalCount:     j.total,
		Canceled:       true,
	})
	j.closeLocked(closeNormal)
}

// emit sends to the bound stream, if any. Send failures are swallowed: a
// departed client must never fault the worker. Callers hold j.mu.
func (j *Job) emit(msgType string, payload any) {
	if j.sink == nil {
		return
	}
	if err := j.sink.send(msgType, payload); err != nil {
		Log(context.Background()).Debug("dropping stream message",
			"job", j.ID, "type", msgType, "err", err)
	}
}

func (j *Job) closeLocked(code int) {
	if j.sink != nil {
		j.sink.closeWith(code)
		j.sink = nil
	}
}

// Token returns the job's current authorization token.
func (j *Job) Token() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.token
}

// ConsumeToken validates and spends the single-use token. A token inside the
// refresh window survives consumption with a fresh value and lifetime;
// otherwise it is spent for good.
func (j *Job) ConsumeToken(token string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if token == "" || token != j.token {
		return apiErrorf(CodeInvalidToken, "invalid job token")
	}
	if time.Now().After(j.tokenExpires) {
		return apiErrorf(CodeTokenExpired, "job token expired")
	}
	if j.tokenUsed {
		return apiErrorf(CodeInvalidToken, "job token already used")
	}
	if time.Until(j.tokenExpires) < _tokenRefreshSlop {
		j.token = uuid.NewString()
		j.tokenExpires = time.Now().Add(_tokenLifetime)
	} else {
		j.tokenUsed = true
	}
	return nil
}

// JobRegistry owns the per-job singletons.
type JobRegistry struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	metrics *jobMetrics
}

// NewJobRegistry wires the registry. Run starts the retention sweeper.
func NewJobRegistry(metrics *jobMetrics) *JobRegistry {
	return &JobRegistry{
		jobs:    map[string]*Job{},
		metrics: metrics,
	}
}

// Create allocates a new job with a fresh ID and token.
func (r *JobRegistry) Create(pipeline Pipeline) *Job {
	return r.CreateWithID(pipeline, uuid.NewString())
}

// CreateWithID allocates a job under a caller-chosen ID, so clients that mint
// their own job IDs can correlate them. An empty or taken ID falls back to a
// fresh one.
func (r *JobRegistry) CreateWithID(pipeline Pipeline, id string) *Job {
	r.mu.Lock()
	if _, taken := r.jobs[id]; id == "" || taken {
		id = uuid.NewString()
	}
	r.mu.Unlock()

	j := &Job{
		ID:           id,
		Pipeline:     pipeline,
		Created:      time.Now(),
		state:        JobPending,
		readyC:       make(chan struct{}),
		closedC:      make(chan struct{}),
		token:        uuid.NewString(),
		tokenExpires: time.Now().Add(_tokenLifetime),
		metrics:      r.metrics,
	}
	r.mu.Lock()
	// Re-check under the lock; another request may have raced the same ID.
	if _, taken := r.jobs[j.ID]; taken {
		j.ID = uuid.NewString()
	}
	r.jobs[j.ID] = j
	r.mu.Unlock()
	r.metrics.startedInc(pipeline)
	return j
}

// Get returns the singleton for the ID.
func (r *JobRegistry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Run sweeps out jobs past the retention window until ctx is canceled.
func (r *JobRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now().Add(-_jobRetention))
		}
	}
}

func (r *JobRegistry) sweep(before time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, j := range r.jobs {
		if j.Created.Before(before) {
			delete(r.jobs, id)
		}
	}
}
