package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws "<prefix> (<phase> Ns)" on one terminal line while
// a connection attempt is in flight.
//
// Usage:
//
//	p := NewProgressPrinter(out, "LIFEBAND", "scanning")
//	p.Start()
//	p.SetPhase("connecting")
//	p.Stop()
//
// Stop must be called to terminate the internal goroutine. A ProgressPrinter
// is single-use; after Stop it cannot be restarted.
type ProgressPrinter struct {
	out    io.Writer
	prefix string

	mu        sync.Mutex
	phase     string
	startTime time.Time
	started   bool

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

func NewProgressPrinter(out io.Writer, prefix, phase string) *ProgressPrinter {
	return &ProgressPrinter{
		out:      out,
		prefix:   prefix,
		phase:    phase,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins redrawing in a background goroutine.
// Panics if called more than once.
func (p *ProgressPrinter) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		panic("ProgressPrinter.Start called more than once")
	}
	p.started = true
	p.startTime = time.Now()
	p.print(p.phase, 0)
	p.mu.Unlock()

	ticker := time.NewTicker(progressUpdateInterval)
	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.mu.Lock()
				p.print(p.phase, int(time.Since(p.startTime).Seconds()))
				p.mu.Unlock()
			}
		}
	}()
}

// SetPhase changes the label without resetting the elapsed time
func (p *ProgressPrinter) SetPhase(phase string) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// Stop terminates the redraw loop and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if !started {
			return
		}
		<-p.done
		fmt.Fprint(p.out, clearLineSequence)
	})
}

// print must be called with p.mu held
func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}
