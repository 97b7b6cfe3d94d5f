package goble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/vitalsync/internal/bridge"
)

const (
	// DefaultInboxSize holds several seconds of notifications at the band's rate
	DefaultInboxSize = 4096

	// maxFrameSize bounds a single newline-delimited frame
	maxFrameSize = 1024
)

// Framer reassembles newline-delimited JSON readings from notification chunks.
//
// Push is called from the radio callback and never blocks; Run drains the
// inbox on its own goroutine and hands complete readings to the sink.
type Framer struct {
	inbox  *ringbuffer.RingBuffer
	wake   chan struct{}
	sink   func(bridge.RawReading)
	logger *logrus.Logger

	partial []byte
}

// NewFramer creates a Framer with an inbox of size bytes
func NewFramer(size int, sink func(bridge.RawReading), logger *logrus.Logger) *Framer {
	if size <= 0 {
		size = DefaultInboxSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Framer{
		inbox:  ringbuffer.New(size),
		wake:   make(chan struct{}, 1),
		sink:   sink,
		logger: logger,
	}
}

// Push queues a notification chunk. When the inbox is full the remainder is dropped.
func (f *Framer) Push(chunk []byte) {
	for len(chunk) > 0 {
		n, err := f.inbox.Write(chunk)
		chunk = chunk[n:]
		if err != nil {
			// ErrIsFull or ErrTooMuchDataToWrite: the rest of the chunk is lost
			if len(chunk) > 0 {
				f.logger.WithField("dropped", len(chunk)).Warn("Notification inbox full, dropping bytes")
			}
			break
		}
	}

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Buffered returns the number of bytes waiting in the inbox
func (f *Framer) Buffered() int {
	return f.inbox.Length()
}

// Run decodes frames until ctx is done, then decodes whatever is still
// buffered before returning
func (f *Framer) Run(ctx context.Context) {
	buf := make([]byte, 256)
	for {
		n, err := f.inbox.Read(buf)
		if n > 0 {
			f.feed(buf[:n])
			continue
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			f.logger.WithError(err).Error("Notification inbox read failed")
			return
		}

		select {
		case <-ctx.Done():
			f.Drain()
			return
		case <-f.wake:
		}
	}
}

// Drain decodes whatever is buffered without waiting.
// It must not overlap a running Run.
func (f *Framer) Drain() {
	buf := make([]byte, 256)
	for {
		n, _ := f.inbox.Read(buf)
		if n == 0 {
			return
		}
		f.feed(buf[:n])
	}
}

func (f *Framer) feed(data []byte) {
	f.partial = append(f.partial, data...)
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(f.partial[:i])
		f.partial = f.partial[i+1:]
		if len(line) > 0 {
			f.decode(line)
		}
	}

	if len(f.partial) > maxFrameSize {
		f.logger.WithField("bytes", len(f.partial)).Warn("Discarding oversized frame")
		f.partial = f.partial[:0]
	}
	if len(f.partial) == 0 {
		f.partial = nil
	}
}

func (f *Framer) decode(line []byte) {
	var raw bridge.RawReading
	if err := json.Unmarshal(line, &raw); err != nil {
		f.logger.WithFields(logrus.Fields{
			"frame": string(line),
			"error": err,
		}).Warn("Skipping undecodable frame")
		return
	}
	f.sink(raw)
}
