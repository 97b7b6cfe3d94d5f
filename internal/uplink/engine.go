// Package uplink drains the offline queue to the remote ingestion endpoint.
//
// At most one sync pass runs at a time: a SyncNow that arrives while a pass
// is in flight returns the current state without touching the network.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/metrics"
)

const (
	DefaultMaxBatch = 500
	DefaultTimeout  = 15 * time.Second

	PatientHeader = "X-Patient-ID"
	PatientParam  = "patientId"
)

// Status of the sync engine
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// State is the engine's observable status. It is a value; callers get copies.
type State struct {
	Status       Status     `json:"status"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
	Offline      bool       `json:"offline"`
	LastError    string     `json:"lastError,omitempty"`
	LastUploaded int        `json:"lastUploaded"`
}

// Queue is the slice of the offline store the engine needs
type Queue interface {
	ListUnsynced() ([]device.QueuedReading, error)
	MarkUploaded(ids []string) (int, error)
}

// Config for an Engine
type Config struct {
	Endpoint  string
	Timeout   time.Duration
	MaxBatch  int
	UserAgent string
}

// Option configures an Engine
type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for LastSyncAt
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithClient replaces the resty client, e.g. to inject a transport in tests
func WithClient(c *resty.Client) Option {
	return func(e *Engine) { e.client = c }
}

// Engine pushes unsynced readings to the endpoint
type Engine struct {
	queue    Queue
	client   *resty.Client
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	maxBatch int

	running atomic.Bool

	mu       sync.RWMutex
	endpoint string
	state    State
	lastErr  error
}

// New creates an Engine over queue
func New(queue Queue, cfg Config, logger *logrus.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "vitalsync"
	}

	e := &Engine{
		queue:    queue,
		logger:   logger,
		now:      time.Now,
		maxBatch: cfg.MaxBatch,
		endpoint: strings.TrimSpace(cfg.Endpoint),
		state:    State{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = resty.New()
	}
	// one attempt per invocation; the caller owns the retry cadence
	e.client.
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.UserAgent)
	return e
}

// SetEndpoint changes the upload URL. A pass already in flight keeps the old one.
func (e *Engine) SetEndpoint(endpoint string) {
	e.mu.Lock()
	e.endpoint = strings.TrimSpace(endpoint)
	e.mu.Unlock()
	e.logger.WithField("endpoint", endpoint).Info("Upload endpoint changed")
}

// Endpoint returns the configured upload URL
func (e *Engine) Endpoint() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.endpoint
}

// State returns a copy of the current state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.copyStateLocked()
}

// LastErr returns the error behind State.LastError, nil after a clean pass
func (e *Engine) LastErr() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *Engine) copyStateLocked() State {
	s := e.state
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		s.LastSyncAt = &t
	}
	return s
}

// SyncNow performs one sync pass and returns the resulting state.
// If a pass is already running it returns immediately with the current state.
func (e *Engine) SyncNow(ctx context.Context) State {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.SyncAttempt(metrics.SyncCoalesced, 0, 0)
		e.logger.Debug("Sync already in flight, coalescing")
		return e.State()
	}
	defer e.running.Store(false)

	e.mu.Lock()
	e.state.Status = StatusSyncing
	endpoint := e.endpoint
	e.mu.Unlock()

	started := e.now()
	uploaded, err := e.pass(ctx, endpoint)
	elapsed := e.now().Sub(started).Seconds()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.LastUploaded = uploaded
	switch {
	case err == nil:
		at := e.now()
		e.state.Status = StatusIdle
		e.state.LastError = ""
		e.lastErr = nil
		if uploaded > 0 {
			e.state.Offline = false
			e.state.LastSyncAt = &at
			e.metrics.SyncAttempt(metrics.SyncSuccess, elapsed, uploaded)
		} else {
			e.metrics.SyncAttempt(metrics.SyncEmpty, 0, 0)
		}
	default:
		var serr *SyncError
		if !errors.As(err, &serr) {
			serr = &SyncError{Kind: KindStorage, Err: err}
		}
		e.state.Status = StatusError
		e.state.LastError = serr.Error()
		e.lastErr = serr
		if serr.Offline() {
			e.state.Offline = true
		} else if serr.Kind == KindServer {
			// the endpoint answered, so we are online
			e.state.Offline = false
		}
		e.metrics.SyncAttempt(resultLabel(serr.Kind), elapsed, uploaded)
		e.logger.WithFields(logrus.Fields{
			"kind":     serr.Kind,
			"endpoint": endpoint,
			"uploaded": uploaded,
			"error":    serr.Err,
		}).Error("Sync failed")
	}
	return e.copyStateLocked()
}

func resultLabel(k ErrorKind) string {
	switch k {
	case KindNetwork:
		return metrics.SyncNetworkError
	case KindServer:
		return metrics.SyncServerError
	case KindConfig:
		return metrics.SyncConfigError
	case KindCanceled:
		return metrics.SyncCanceled
	default:
		return metrics.SyncStorageError
	}
}

// pass uploads every unsynced reading, one POST per patient batch, and stops
// at the first failure. Batches acknowledged before the failure stay uploaded.
func (e *Engine) pass(ctx context.Context, endpoint string) (int, error) {
	pending, err := e.queue.ListUnsynced()
	if err != nil {
		return 0, &SyncError{Kind: KindStorage, Err: err}
	}
	uploaded := 0
	defer func() { e.metrics.SetPending(len(pending) - uploaded) }()

	if len(pending) == 0 {
		e.logger.Debug("Nothing to sync")
		return 0, nil
	}

	if endpoint == "" {
		return 0, &SyncError{Kind: KindConfig, Err: ErrNoEndpoint}
	}
	if u, err := url.ParseRequestURI(endpoint); err != nil || u.Host == "" {
		return 0, &SyncError{Kind: KindConfig, Err: fmt.Errorf("invalid endpoint %q", endpoint)}
	}

	batches := batchByPatient(pending, e.maxBatch)
	e.logger.WithFields(logrus.Fields{
		"count":    len(pending),
		"batches":  len(batches),
		"endpoint": endpoint,
	}).Info("Sync started")

	for _, b := range batches {
		if err := e.post(ctx, endpoint, b); err != nil {
			return uploaded, err
		}

		marked, err := e.queue.MarkUploaded(b.ids())
		if err != nil {
			return uploaded, &SyncError{Kind: KindStorage, PatientID: b.patientID, Err: err}
		}
		uploaded += marked

		e.logger.WithFields(logrus.Fields{
			"patient_id": b.patientID,
			"count":      len(b.readings),
		}).Debug("Batch acknowledged")
	}

	e.logger.WithField("count", uploaded).Info("Sync completed")
	return uploaded, nil
}

func (e *Engine) post(ctx context.Context, endpoint string, b batch) error {
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader(PatientHeader, b.patientID).
		SetQueryParam(PatientParam, b.patientID).
		SetBody(b.payload()).
		Post(endpoint)

	if err != nil {
		if ctx.Err() != nil {
			return &SyncError{Kind: KindCanceled, PatientID: b.patientID, Err: ctx.Err()}
		}
		return &SyncError{Kind: KindNetwork, PatientID: b.patientID, Err: err}
	}

	if resp.IsError() || resp.StatusCode() >= 300 {
		body := truncate(strings.TrimSpace(resp.String()), maxErrorBody)
		return &SyncError{
			Kind:       KindServer,
			StatusCode: resp.StatusCode(),
			PatientID:  b.patientID,
			Err:        errors.New(body),
		}
	}
	return nil
}

// maxErrorBody caps the server response text kept in State.LastError
const maxErrorBody = 200

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// Run calls SyncNow every interval until ctx is done. A non-positive interval disables it.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.WithField("interval", interval).Info("Periodic sync enabled")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SyncNow(ctx)
		}
	}
}

// WireReading is the JSON object posted for each reading
type WireReading struct {
	ID        string `json:"id"`
	PatientID string `json:"patientId"`
	device.Reading
}

type batch struct {
	patientID string
	readings  []device.QueuedReading
}

func (b batch) ids() []string {
	out := make([]string, len(b.readings))
	for i, r := range b.readings {
		out[i] = r.ID
	}
	return out
}

func (b batch) payload() []WireReading {
	out := make([]WireReading, len(b.readings))
	for i, r := range b.readings {
		out[i] = WireReading{ID: r.ID, PatientID: r.PatientID, Reading: r.Reading}
	}
	return out
}

// batchByPatient groups readings by patient in order of each patient's oldest
// reading, then splits groups larger than limit. Input must be oldest first.
func batchByPatient(readings []device.QueuedReading, limit int) []batch {
	var (
		order  []string
		groups = make(map[string][]device.QueuedReading)
	)
	for _, r := range readings {
		if _, ok := groups[r.PatientID]; !ok {
			order = append(order, r.PatientID)
		}
		groups[r.PatientID] = append(groups[r.PatientID], r)
	}

	var out []batch
	for _, pid := range order {
		g := groups[pid]
		for len(g) > 0 {
			n := min(limit, len(g))
			out = append(out, batch{patientID: pid, readings: g[:n]})
			g = g[n:]
		}
	}
	return out
}
