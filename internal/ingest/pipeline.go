// Package ingest turns raw bridge readings into normalized readings, keeps the
// live-display window and queues readings for the bound patient.
package ingest

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/vitalsync/internal/bridge"
	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/metrics"
	"github.com/srg/vitalsync/internal/ringchan"
)

// LiveCapacity is the number of most recent readings kept for display
const LiveCapacity = 20

// Appender is the durable queue the pipeline writes to
type Appender interface {
	Append(r device.QueuedReading) error
}

// Pipeline normalizes readings. Ingest is called from the bridge dispatcher;
// every other method may be called from any goroutine.
type Pipeline struct {
	store   Appender
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	mu       sync.RWMutex
	patient  string
	live     *liveRing
	watchers []*ringchan.Ring[device.Reading]
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithClock replaces time.Now, used for readings that carry no timestamp
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDGenerator replaces the UUID generator for queued reading ids
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline. store may be nil, in which case nothing is queued.
func New(store Appender, logger *logrus.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Pipeline{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		live:   newLiveRing(LiveCapacity),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BindPatient sets the patient identifier attached to subsequent readings.
// Already queued readings keep their original tag. An empty id unbinds.
func (p *Pipeline) BindPatient(id string) {
	p.mu.Lock()
	prev := p.patient
	p.patient = id
	p.mu.Unlock()

	if prev != id {
		p.logger.WithFields(logrus.Fields{
			"patient_id": id,
			"previous":   prev,
		}).Info("Patient binding changed")
	}
}

// PatientID returns the bound patient identifier, "" when none
func (p *Pipeline) PatientID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.patient
}

// Normalize rounds every vital except temperature and canonicalizes the timestamp.
// A missing timestamp becomes the receive time.
func (p *Pipeline) Normalize(raw bridge.RawReading) device.Reading {
	ts, ok, err := raw.Time()
	switch {
	case err != nil:
		p.logger.WithFields(logrus.Fields{
			"timestamp": raw.Timestamp,
			"error":     err,
		}).Warn("Unparseable reading timestamp, using receive time")
		ts = p.now()
	case !ok:
		ts = p.now()
	}

	return device.Reading{
		HeartRate:   math.Round(raw.HeartRate),
		SpO2:        math.Round(raw.SpO2),
		HRV:         math.Round(raw.HRV),
		SystolicBP:  math.Round(raw.SystolicBP),
		DiastolicBP: math.Round(raw.DiastolicBP),
		Temperature: raw.Temperature,
		Timestamp:   device.FormatTimestamp(ts),
	}
}

// Ingest normalizes raw, appends it to the live window and, when a patient is
// bound, queues it. A queue failure is returned after the reading has been
// shown live; the reading is then lost for sync.
func (p *Pipeline) Ingest(raw bridge.RawReading) (device.Reading, error) {
	reading := p.Normalize(raw)
	p.metrics.ReadingIngested()

	p.mu.Lock()
	p.live.push(reading)
	patient := p.patient
	watchers := p.pruneWatchersLocked()
	p.mu.Unlock()

	for _, w := range watchers {
		w.Send(reading)
	}

	if patient == "" || p.store == nil {
		p.metrics.ReadingUnbound()
		p.logger.WithField("timestamp", reading.Timestamp).Debug("Reading shown live only, no patient bound")
		return reading, nil
	}

	queued := device.QueuedReading{
		ID:        p.newID(),
		PatientID: patient,
		Reading:   reading,
	}
	if err := p.store.Append(queued); err != nil {
		p.metrics.StorageError()
		p.logger.WithFields(logrus.Fields{
			"patient_id": patient,
			"timestamp":  reading.Timestamp,
			"error":      err,
		}).Warn("Failed to queue reading, it will not be synced")
		return reading, err
	}

	p.metrics.ReadingQueued()
	return reading, nil
}

// Handle adapts Ingest to a bridge reading handler
func (p *Pipeline) Handle(ev bridge.ReadingEvent) {
	_, _ = p.Ingest(ev.Reading)
}

// Live returns the most recent readings, oldest first
func (p *Pipeline) Live() []device.Reading {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.live.snapshot()
}

// ResetLive empties the live window
func (p *Pipeline) ResetLive() {
	p.mu.Lock()
	p.live.reset()
	p.mu.Unlock()
	p.logger.Debug("Live readings reset")
}

// Watch returns a stream of normalized readings. Slow consumers lose the
// oldest readings. Close the ring to stop watching.
func (p *Pipeline) Watch(buffer int) *ringchan.Ring[device.Reading] {
	if buffer <= 0 {
		buffer = LiveCapacity
	}
	w := ringchan.New[device.Reading](buffer)
	p.mu.Lock()
	p.watchers = append(p.watchers, w)
	p.mu.Unlock()
	return w
}

func (p *Pipeline) pruneWatchersLocked() []*ringchan.Ring[device.Reading] {
	active := p.watchers[:0]
	for _, w := range p.watchers {
		if !w.Closed() {
			active = append(active, w)
		}
	}
	for i := len(active); i < len(p.watchers); i++ {
		p.watchers[i] = nil
	}
	p.watchers = active
	return append([]*ringchan.Ring[device.Reading](nil), active...)
}

// liveRing keeps the last capacity readings
type liveRing struct {
	buf   []device.Reading
	start int
	size  int
}

func newLiveRing(capacity int) *liveRing {
	return &liveRing{buf: make([]device.Reading, capacity)}
}

func (r *liveRing) push(v device.Reading) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *liveRing) snapshot() []device.Reading {
	out := make([]device.Reading, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *liveRing) reset() {
	clear(r.buf)
	r.start, r.size = 0, 0
}
