// Package simulator provides a stand-in touch controller for development
// without hardware. A Device looks like a serial port and streams encoded
// touch and matrix frames on a timer.
package simulator

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/braille.touch/internal/monitoring"
	"github.com/banshee-data/braille.touch/internal/protocol"
	"github.com/banshee-data/braille.touch/internal/timeutil"
)

const (
	DefaultInterval    = 50 * time.Millisecond
	DefaultMatrixEvery = 200 // one matrix every 10s at the default interval
)

// Options configures a Device. Zero values select the defaults.
type Options struct {
	// Interval is the time between frames.
	Interval time.Duration
	// MatrixEvery sends a random matrix in place of a touch frame on every
	// Nth tick. Negative disables matrices.
	MatrixEvery int
	Clock       timeutil.Clock
	Seed        int64
}

// Device implements serialport.SerialPorter over an in-memory pipe.
type Device struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	ticker timeutil.Ticker
	rng    *rand.Rand
	every  int
	script [][]byte

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a simulated device. Frames are produced only while a reader is
// consuming them.
func New(opts Options) *Device {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MatrixEvery == 0 {
		opts.MatrixEvery = DefaultMatrixEvery
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	pr, pw := io.Pipe()
	d := &Device{
		pr:     pr,
		pw:     pw,
		ticker: opts.Clock.NewTicker(opts.Interval),
		rng:    rand.New(rand.NewSource(opts.Seed)),
		every:  opts.MatrixEvery,
		script: Script(),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Device) run() {
	defer d.wg.Done()
	defer d.ticker.Stop()

	tick := 0
	for {
		select {
		case <-d.done:
			return
		case <-d.ticker.C():
		}
		tick++

		var frame []byte
		if d.every > 0 && tick%d.every == 0 {
			var err error
			frame, err = protocol.EncodeMatrix(RandomMatrix(d.rng))
			if err != nil {
				monitoring.Logf("simulator: %v", err)
				continue
			}
		} else {
			frame = d.script[0]
			d.script = append(d.script[1:], frame)
		}

		if _, err := d.pw.Write(frame); err != nil {
			return
		}
	}
}

// Read returns simulated frame bytes, blocking until the next tick.
func (d *Device) Read(p []byte) (int, error) {
	return d.pr.Read(p)
}

// Write accepts and discards host commands.
func (d *Device) Write(p []byte) (int, error) {
	return len(p), nil
}

// Close stops frame generation and unblocks readers. It is safe to call more
// than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.pw.CloseWithError(io.ErrClosedPipe)
		d.pr.Close()
	})
	d.wg.Wait()
	return nil
}

// Script returns one cycle of scripted touch frames: a scrub on line one,
// a regression on line two, each bracketed by down and up.
func Script() [][]byte {
	var frames [][]byte
	add := func(a protocol.Action, x, y uint16) {
		frames = append(frames, protocol.EncodeTouch(a, 0, x, y))
	}

	add(protocol.ActionDown, 200, 100)
	for i := 0; i < 8; i++ {
		add(protocol.ActionMove, 200+uint16(i%3), 100+uint16(i%2)*30)
	}
	add(protocol.ActionUp, 200, 100)

	add(protocol.ActionDown, 100, 300)
	for _, x := range []uint16{100, 130, 160, 190, 220, 180, 140} {
		add(protocol.ActionMove, x, 300)
	}
	add(protocol.ActionUp, 140, 300)
	return frames
}

// RandomMatrix returns a full-size matrix of random pins.
func RandomMatrix(rng *rand.Rand) protocol.Matrix {
	m := protocol.NewMatrix()
	for _, row := range m {
		for c := range row {
			row[c] = uint8(rng.Intn(2))
		}
	}
	return m
}
