// Package pipeline runs the touch decoder in the background and publishes
// gesture-annotated events, in decode order, to a bounded queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/braille.touch/internal/gesture"
	"github.com/banshee-data/braille.touch/internal/monitoring"
	"github.com/banshee-data/braille.touch/internal/protocol"
	"github.com/banshee-data/braille.touch/internal/timeutil"
)

// ErrAlreadyRunning is returned by Run when called more than once.
var ErrAlreadyRunning = errors.New("pipeline already running")

const (
	DefaultQueueSize     = 256
	DefaultSweepInterval = time.Second
)

// Options configures a Pipeline. Zero values select the defaults.
type Options struct {
	// QueueSize is the capacity of the event queue. When it is full the
	// decoder waits for the consumer rather than dropping events.
	QueueSize int
	// SweepInterval is how often idle finger histories are swept.
	SweepInterval time.Duration
	// Clock stamps move samples and paces the decoder's idle backoff.
	Clock timeutil.Clock
	// IdleBackoff is passed to the decoder; zero keeps its default.
	IdleBackoff time.Duration
}

// Pipeline owns the transport, decoder and classifier. The goroutine calling
// Run is the only writer of classifier state and of the latest matrix.
type Pipeline struct {
	port       io.ReadCloser
	decoder    *protocol.Decoder
	classifier *gesture.Classifier
	clock      timeutil.Clock
	sweepEvery time.Duration

	events    chan Event
	published atomic.Uint64
	running   atomic.Bool

	matrixMu sync.RWMutex
	matrix   protocol.Matrix
	matrixAt time.Time

	stopCtx   context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New wires a pipeline around an open transport.
func New(port io.ReadCloser, classifier *gesture.Classifier, opts Options) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	decoderOpts := []protocol.DecoderOption{protocol.WithClock(opts.Clock)}
	if opts.IdleBackoff > 0 {
		decoderOpts = append(decoderOpts, protocol.WithIdleBackoff(opts.IdleBackoff))
	}

	stopCtx, stop := context.WithCancel(context.Background())
	return &Pipeline{
		port:       port,
		decoder:    protocol.NewDecoder(port, decoderOpts...),
		classifier: classifier,
		clock:      opts.Clock,
		sweepEvery: opts.SweepInterval,
		events:     make(chan Event, opts.QueueSize),
		stopCtx:    stopCtx,
		stop:       stop,
	}
}

// Events returns the event queue. It is closed when Run returns.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Run decodes until ctx is cancelled, Close is called, or the transport
// fails. Malformed frames are logged and skipped. A clean shutdown returns
// nil; a transport failure is returned wrapped.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(p.events)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(p.stopCtx, cancel)
	defer stopWatch()

	lastSweep := p.clock.Now()
	for {
		if p.stopping(ctx) {
			return nil
		}

		pkt, err := p.decoder.Decode(ctx)
		if err != nil {
			var frameErr *protocol.FrameError
			if errors.As(err, &frameErr) {
				monitoring.Debugf("touch stream: %v", frameErr)
				continue
			}
			if p.stopping(ctx) {
				// reads fail once Close has released the port
				return nil
			}
			return fmt.Errorf("touch stream read failed: %w", err)
		}

		now := p.clock.Now()
		ev := p.handle(pkt, now)

		// count first: the consumer may see the event before the send returns
		p.published.Add(1)
		select {
		case p.events <- ev:
		case <-ctx.Done():
			p.published.Add(^uint64(0))
			return nil
		case <-p.stopCtx.Done():
			p.published.Add(^uint64(0))
			return nil
		}

		if now.Sub(lastSweep) >= p.sweepEvery {
			if n := p.classifier.Sweep(now); n > 0 {
				monitoring.Debugf("dropped %d idle finger histories", n)
			}
			lastSweep = now
		}
	}
}

// stopping reports whether Run should exit cleanly. Close is checked
// directly because the AfterFunc that cancels ctx runs on its own goroutine
// and may not have fired by the time the closed port fails a read.
func (p *Pipeline) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || p.stopCtx.Err() != nil
}

func (p *Pipeline) handle(pkt protocol.Packet, now time.Time) Event {
	switch pkt := pkt.(type) {
	case protocol.TouchPacket:
		ev := touchEvent(pkt)
		switch pkt.Action {
		case protocol.ActionMove:
			ev.Gesture = p.classifier.Update(pkt.FingerID, pkt.X, pkt.Y, now)
		case protocol.ActionUp:
			p.classifier.Release(pkt.FingerID)
		}
		return ev
	case protocol.MatrixPacket:
		p.setMatrix(pkt.Cells, now)
		return Event{Kind: KindMatrix, Matrix: pkt.Cells}
	default:
		panic(fmt.Sprintf("pipeline: unhandled packet type %T", pkt))
	}
}

func (p *Pipeline) setMatrix(m protocol.Matrix, at time.Time) {
	snapshot := m.Clone()
	p.matrixMu.Lock()
	p.matrix = snapshot
	p.matrixAt = at
	p.matrixMu.Unlock()
}

// LatestMatrix returns a copy of the most recent matrix snapshot and when it
// was decoded. ok is false until the first matrix arrives.
func (p *Pipeline) LatestMatrix() (m protocol.Matrix, at time.Time, ok bool) {
	p.matrixMu.RLock()
	defer p.matrixMu.RUnlock()
	if p.matrix == nil {
		return nil, time.Time{}, false
	}
	return p.matrix.Clone(), p.matrixAt, true
}

// Stats reports decoder counters and the number of published events.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Decoder:   p.decoder.Stats(),
		Published: p.published.Load(),
		Queued:    len(p.events),
	}
}

// Stats is a point-in-time view of pipeline throughput.
type Stats struct {
	Decoder   protocol.DecoderStats `json:"decoder"`
	Published uint64                `json:"published"`
	Queued    int                   `json:"queued"`
}

// Close stops Run and closes the transport. Only the first call closes the
// port; later calls return the same result.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.stop()
		p.closeErr = p.port.Close()
		if p.closeErr != nil {
			monitoring.Logf("failed to close touch port: %v", p.closeErr)
		}
	})
	return p.closeErr
}
