package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/banshee-data/braille.touch/internal/timeutil"
)

const (
	readBufferSize     = 512
	defaultIdleBackoff = 5 * time.Millisecond
)

// Decoder turns a serial byte stream into Packets. It owns a small read
// buffer so that single-byte seeking does not cost a syscall per byte.
//
// A Decoder is not safe for concurrent use; Stats may be called from any
// goroutine.
type Decoder struct {
	r       io.Reader
	clock   timeutil.Clock
	backoff time.Duration

	buf        [readBufferSize]byte
	pos, end   int
	pendingErr error

	frame [MatrixFrameSize]byte

	packets        atomic.Uint64
	touchPackets   atomic.Uint64
	matrixPackets  atomic.Uint64
	unknownTypes   atomic.Uint64
	checksumErrors atomic.Uint64
	shapeErrors    atomic.Uint64
	matrixErrors   atomic.Uint64
	bytesDiscarded atomic.Uint64
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithClock sets the clock used for idle backoff.
func WithClock(c timeutil.Clock) DecoderOption {
	return func(d *Decoder) { d.clock = c }
}

// WithIdleBackoff sets how long to wait after a read returns no data. Ports
// opened with a read timeout already block, so this only bounds spinning on
// readers that return immediately.
func WithIdleBackoff(d time.Duration) DecoderOption {
	return func(dec *Decoder) { dec.backoff = d }
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:       r,
		clock:   timeutil.RealClock{},
		backoff: defaultIdleBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode makes one decode attempt. It scans forward to the next start of
// frame and returns either a Packet or a *FrameError describing the dropped
// frame. Any other error comes from the transport or from ctx and means the
// stream is finished.
func (d *Decoder) Decode(ctx context.Context) (Packet, error) {
	for {
		b, err := d.readByte(ctx)
		if err != nil {
			return nil, err
		}
		if b == SOF {
			break
		}
		d.bytesDiscarded.Add(1)
	}

	t, err := d.readByte(ctx)
	if err != nil {
		return nil, err
	}
	ft := FrameType(t)
	if !ft.Valid() {
		// the rejected byte is consumed, never re-read as a SOF
		d.unknownTypes.Add(1)
		d.bytesDiscarded.Add(2)
		return nil, &FrameError{Reason: ReasonUnknownType, Type: ft}
	}

	d.frame[0], d.frame[1] = SOF, t
	if ft.IsTouch() {
		return d.decodeTouch(ctx, ft)
	}
	return d.decodeMatrix(ctx)
}

func (d *Decoder) decodeTouch(ctx context.Context, ft FrameType) (Packet, error) {
	frame := d.frame[:TouchFrameSize]
	if err := d.readFull(ctx, frame[2:]); err != nil {
		return nil, err
	}
	want, got := CRC8(frame[:touchChecksumIndex]), frame[touchChecksumIndex]
	if want != got {
		d.checksumErrors.Add(1)
		return nil, &FrameError{Reason: ReasonChecksum, Type: ft, Want: want, Got: got}
	}
	d.packets.Add(1)
	d.touchPackets.Add(1)
	return decodeTouch(frame), nil
}

func (d *Decoder) decodeMatrix(ctx context.Context) (Packet, error) {
	header := d.frame[:MatrixHeaderSize]
	if err := d.readFull(ctx, header[2:]); err != nil {
		return nil, err
	}
	rows, cols := header[2], header[3]
	payloadLen := int(binary.LittleEndian.Uint16(header[4:6]))

	if rows != MatrixRows || cols != MatrixCols || payloadLen != MatrixPayloadSize {
		// skip the declared payload and its CRC instead of rescanning it
		skip := payloadLen + 1
		if err := d.discard(ctx, skip); err != nil {
			return nil, err
		}
		d.shapeErrors.Add(1)
		d.bytesDiscarded.Add(uint64(MatrixHeaderSize + skip))
		return nil, &FrameError{
			Reason:  ReasonShape,
			Type:    TypeMatrix,
			Skipped: skip,
			Err:     &ShapeError{Rows: int(rows), Cols: int(cols), PayloadLen: payloadLen},
		}
	}

	frame := d.frame[:MatrixHeaderSize+payloadLen+1]
	if err := d.readFull(ctx, frame[MatrixHeaderSize:]); err != nil {
		return nil, err
	}
	body := frame[:len(frame)-1]
	want, got := CRC8(body), frame[len(frame)-1]
	if want != got {
		d.checksumErrors.Add(1)
		return nil, &FrameError{Reason: ReasonChecksum, Type: TypeMatrix, Want: want, Got: got}
	}

	m, err := DecodeMatrix(header, body[MatrixHeaderSize:])
	if err != nil {
		d.matrixErrors.Add(1)
		return nil, &FrameError{Reason: ReasonMatrix, Type: TypeMatrix, Err: err}
	}
	d.packets.Add(1)
	d.matrixPackets.Add(1)
	return MatrixPacket{Rows: rows, Cols: cols, Cells: m}, nil
}

func (d *Decoder) readByte(ctx context.Context) (byte, error) {
	if d.pos == d.end {
		if err := d.fill(ctx); err != nil {
			return 0, err
		}
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// readFull fills p completely, retrying short and empty reads. It never
// returns a partially filled p without an error.
func (d *Decoder) readFull(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		if d.pos == d.end {
			if err := d.fill(ctx); err != nil {
				return err
			}
		}
		n := copy(p, d.buf[d.pos:d.end])
		d.pos += n
		p = p[n:]
	}
	return nil
}

func (d *Decoder) discard(ctx context.Context, n int) error {
	for n > 0 {
		if d.pos == d.end {
			if err := d.fill(ctx); err != nil {
				return err
			}
		}
		k := min(n, d.end-d.pos)
		d.pos += k
		n -= k
	}
	return nil
}

// fill blocks until at least one byte is buffered, ctx is done, or the
// transport fails.
func (d *Decoder) fill(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.pendingErr != nil {
			err := d.pendingErr
			d.pendingErr = nil
			return err
		}

		n, err := d.r.Read(d.buf[:])
		if n > 0 {
			d.pos, d.end = 0, n
			if err != nil && !isTimeout(err) {
				d.pendingErr = err
			}
			return nil
		}
		if err != nil && !isTimeout(err) {
			return err
		}
		d.clock.Sleep(d.backoff)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// DecoderStats is a snapshot of the decoder counters.
type DecoderStats struct {
	Packets        uint64 `json:"packets"`
	TouchPackets   uint64 `json:"touch_packets"`
	MatrixPackets  uint64 `json:"matrix_packets"`
	UnknownTypes   uint64 `json:"unknown_types"`
	ChecksumErrors uint64 `json:"checksum_errors"`
	ShapeErrors    uint64 `json:"shape_errors"`
	MatrixErrors   uint64 `json:"matrix_errors"`
	BytesDiscarded uint64 `json:"bytes_discarded"`
}

// Stats returns the current counters.
func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Packets:        d.packets.Load(),
		TouchPackets:   d.touchPackets.Load(),
		MatrixPackets:  d.matrixPackets.Load(),
		UnknownTypes:   d.unknownTypes.Load(),
		ChecksumErrors: d.checksumErrors.Load(),
		ShapeErrors:    d.shapeErrors.Load(),
		MatrixErrors:   d.matrixErrors.Load(),
		BytesDiscarded: d.bytesDiscarded.Load(),
	}
}
