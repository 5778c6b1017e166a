package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/braille.touch/internal/timeutil"
)

// chunkedReader returns its data at most chunk bytes per Read, optionally
// interleaving empty reads to mimic a serial port read timeout.
type chunkedReader struct {
	data       []byte
	chunk      int
	emptyReads bool
	nextEmpty  bool
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.emptyReads {
		r.nextEmpty = !r.nextEmpty
		if r.nextEmpty {
			return 0, nil
		}
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.chunk, len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

type timeoutError struct{}

func (timeoutError) Error() string { return "read timeout" }
func (timeoutError) Timeout() bool { return true }

func newTestDecoder(r io.Reader) (*Decoder, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	return NewDecoder(r, WithClock(clock)), clock
}

// decodeAll runs Decode until the stream ends, collecting packets and dropped
// frame errors separately.
func decodeAll(t *testing.T, d *Decoder) ([]Packet, []*FrameError) {
	t.Helper()
	var packets []Packet
	var drops []*FrameError
	for i := 0; i < 1000; i++ {
		p, err := d.Decode(context.Background())
		var fe *FrameError
		switch {
		case err == nil:
			packets = append(packets, p)
		case errors.As(err, &fe):
			drops = append(drops, fe)
		case errors.Is(err, io.EOF):
			return packets, drops
		default:
			t.Fatalf("unexpected decode error: %v", err)
		}
	}
	t.Fatal("decoder did not reach end of stream")
	return nil, nil
}

func concat(frames ...[]byte) []byte {
	return bytes.Join(frames, nil)
}

func TestDecoder_TouchFrames(t *testing.T) {
	stream := concat(
		EncodeTouch(ActionDown, 1, 100, 200),
		EncodeTouch(ActionMove, 1, 110, 205),
		EncodeTouch(ActionUp, 1, 110, 205),
	)
	d, _ := newTestDecoder(bytes.NewReader(stream))

	packets, drops := decodeAll(t, d)
	assert.Empty(t, drops)

	want := []Packet{
		TouchPacket{Action: ActionDown, FingerID: 1, X: 100, Y: 200},
		TouchPacket{Action: ActionMove, FingerID: 1, X: 110, Y: 205},
		TouchPacket{Action: ActionUp, FingerID: 1, X: 110, Y: 205},
	}
	if diff := cmp.Diff(want, packets); diff != "" {
		t.Errorf("packets mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoder_SkipsGarbageBeforeSOF(t *testing.T) {
	stream := concat([]byte{0x00, 0x13, 0x37, 0xFF}, EncodeTouch(ActionMove, 4, 1, 2))
	d, _ := newTestDecoder(bytes.NewReader(stream))

	packets, drops := decodeAll(t, d)
	assert.Empty(t, drops)
	require.Len(t, packets, 1)
	assert.Equal(t, uint64(4), d.Stats().BytesDiscarded)
}

func TestDecoder_ResyncAfterInvalidType(t *testing.T) {
	valid := EncodeTouch(ActionMove, 3, 800, 150)
	stream := concat([]byte{SOF, 0x09}, valid)
	d, _ := newTestDecoder(bytes.NewReader(stream))

	packets, drops := decodeAll(t, d)
	require.Len(t, packets, 1)
	assert.Equal(t, TouchPacket{Action: ActionMove, FingerID: 3, X: 800, Y: 150}, packets[0])
	require.Len(t, drops, 1)
	assert.Equal(t, ReasonUnknownType, drops[0].Reason)
	assert.Equal(t, FrameType(0x09), drops[0].Type)
}

func TestDecoder_RejectedTypeByteIsNotReusedAsSOF(t *testing.T) {
	// pick a frame whose body holds no 0xAA so only the leading bytes can sync
	var frame []byte
	for fid := 0; fid < 256; fid++ {
		frame = EncodeTouch(ActionMove, uint8(fid), 321, 77)
		if !bytes.Contains(frame[1:], []byte{SOF}) {
			break
		}
	}
	// SOF, SOF(as type), then the body of frame without its own SOF
	stream := concat([]byte{SOF, SOF}, frame[1:])
	d, _ := newTestDecoder(bytes.NewReader(stream))

	packets, drops := decodeAll(t, d)
	assert.Empty(t, packets)
	require.Len(t, drops, 1)
	assert.Equal(t, ReasonUnknownType, drops[0].Reason)
}

func TestDecoder_SingleBitFlipIsRejected(t *testing.T) {
	valid := EncodeTouch(ActionMove, 7, 1234, 321)
	next := EncodeTouch(ActionMove, 7, 1240, 322)

	for byteIdx := 2; byteIdx < touchChecksumIndex; byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), valid...)
			corrupt[byteIdx] ^= 1 << bit

			d, _ := newTestDecoder(bytes.NewReader(concat(corrupt, next)))
			packets, drops := decodeAll(t, d)

			require.Len(t, packets, 1, "byte %d bit %d", byteIdx, bit)
			assert.Equal(t, TouchPacket{Action: ActionMove, FingerID: 7, X: 1240, Y: 322}, packets[0])
			require.Len(t, drops, 1)
			assert.Equal(t, ReasonChecksum, drops[0].Reason)
			assert.Equal(t, uint64(1), d.Stats().ChecksumErrors)
		}
	}
}

func TestDecoder_MatrixFrame(t *testing.T) {
	m := randomMatrix(7)
	frame, err := EncodeMatrix(m)
	require.NoError(t, err)

	d, _ := newTestDecoder(bytes.NewReader(concat(frame, EncodeTouch(ActionDown, 0, 5, 5))))
	packets, drops := decodeAll(t, d)
	assert.Empty(t, drops)
	require.Len(t, packets, 2)

	mp, ok := packets[0].(MatrixPacket)
	require.True(t, ok, "first packet should be a matrix, got %T", packets[0])
	assert.Equal(t, uint8(MatrixRows), mp.Rows)
	assert.Equal(t, uint8(MatrixCols), mp.Cols)
	assert.True(t, m.Equal(mp.Cells))
	assert.Equal(t, TypeMatrix, mp.Type())

	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.Packets)
	assert.Equal(t, uint64(1), stats.MatrixPackets)
	assert.Equal(t, uint64(1), stats.TouchPackets)
}

func TestDecoder_MatrixShapeMismatchSkipsPayload(t *testing.T) {
	const payloadLen = 120
	bad := []byte{SOF, byte(TypeMatrix), 10, 96, payloadLen, 0}
	// payload full of SOF bytes would produce bogus syncs if it were rescanned
	bad = append(bad, bytes.Repeat([]byte{SOF, byte(TypeDown)}, payloadLen/2)...)
	bad = append(bad, 0x00) // crc byte

	valid := EncodeTouch(ActionUp, 9, 10, 20)
	d, _ := newTestDecoder(bytes.NewReader(concat(bad, valid)))

	packets, drops := decodeAll(t, d)
	require.Len(t, drops, 1)
	assert.Equal(t, ReasonShape, drops[0].Reason)
	assert.Equal(t, payloadLen+1, drops[0].Skipped)
	var shapeErr *ShapeError
	assert.True(t, errors.As(drops[0], &shapeErr))

	require.Len(t, packets, 1)
	assert.Equal(t, TouchPacket{Action: ActionUp, FingerID: 9, X: 10, Y: 20}, packets[0])
	assert.Equal(t, uint64(1), d.Stats().ShapeErrors)
}

func TestDecoder_MatrixChecksumMismatch(t *testing.T) {
	frame, err := EncodeMatrix(randomMatrix(3))
	require.NoError(t, err)
	frame[MatrixHeaderSize+17] ^= 0x10

	valid := EncodeTouch(ActionMove, 2, 30, 40)
	d, _ := newTestDecoder(bytes.NewReader(concat(frame, valid)))

	packets, drops := decodeAll(t, d)
	require.Len(t, drops, 1)
	assert.Equal(t, ReasonChecksum, drops[0].Reason)
	assert.Equal(t, TypeMatrix, drops[0].Type)
	require.Len(t, packets, 1)
	assert.Equal(t, valid[1], byte(packets[0].Type()))
}

func TestDecoder_ToleratesShortAndEmptyReads(t *testing.T) {
	m := randomMatrix(11)
	matrixFrame, err := EncodeMatrix(m)
	require.NoError(t, err)
	stream := concat(EncodeTouch(ActionDown, 5, 50, 60), matrixFrame)

	r := &chunkedReader{data: stream, chunk: 1, emptyReads: true}
	d, clock := newTestDecoder(r)

	packets, drops := decodeAll(t, d)
	assert.Empty(t, drops)
	require.Len(t, packets, 2)
	assert.Equal(t, TouchPacket{Action: ActionDown, FingerID: 5, X: 50, Y: 60}, packets[0])
	assert.True(t, m.Equal(packets[1].(MatrixPacket).Cells))
	assert.NotEmpty(t, clock.Sleeps(), "empty reads should back off")
}

type scriptedRead struct {
	data []byte
	err  error
}

type scriptedReader struct {
	reads []scriptedRead
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.reads) == 0 {
		return 0, io.EOF
	}
	next := r.reads[0]
	r.reads = r.reads[1:]
	return copy(p, next.data), next.err
}

func TestDecoder_TimeoutErrorsAreTransient(t *testing.T) {
	frame := EncodeTouch(ActionMove, 1, 2, 3)
	r := &scriptedReader{reads: []scriptedRead{
		{err: timeoutError{}},
		{data: frame[:3]},
		{err: timeoutError{}},
		{data: frame[3:]},
	}}
	d, _ := newTestDecoder(r)

	packets, _ := decodeAll(t, d)
	require.Len(t, packets, 1)
}

func TestDecoder_DataWithErrorIsDeliveredFirst(t *testing.T) {
	boom := errors.New("port unplugged")
	frame := EncodeTouch(ActionMove, 1, 2, 3)
	r := &scriptedReader{reads: []scriptedRead{{data: frame, err: boom}}}
	d, _ := newTestDecoder(r)

	p, err := d.Decode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TouchPacket{Action: ActionMove, FingerID: 1, X: 2, Y: 3}, p)

	_, err = d.Decode(context.Background())
	assert.ErrorIs(t, err, boom)
}

type idleReader struct {
	mu    sync.Mutex
	calls int
}

func (r *idleReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return 0, nil
}

func TestDecoder_CancellationUnblocksIdleRead(t *testing.T) {
	d := NewDecoder(&idleReader{}, WithIdleBackoff(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Decode(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Decode did not observe cancellation")
	}
}

func TestDecoder_CancelledMidFrameDiscardsPartialFrame(t *testing.T) {
	frame := EncodeTouch(ActionMove, 1, 2, 3)
	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedReader{reads: []scriptedRead{{data: frame[:4]}}}
	d := NewDecoder(readerFunc(func(p []byte) (int, error) {
		if len(r.reads) == 0 {
			cancel()
			return 0, nil
		}
		return r.Read(p)
	}), WithIdleBackoff(0))

	p, err := d.Decode(ctx)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, context.Canceled)
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestFrameError_Messages(t *testing.T) {
	tests := []struct {
		err  *FrameError
		want string
	}{
		{&FrameError{Reason: ReasonUnknownType, Type: 0x09}, "dropped frame: unknown type 0x09"},
		{&FrameError{Reason: ReasonChecksum, Type: TypeMove, Want: 0x12, Got: 0x34}, "dropped type 3 frame: crc mismatch (computed 0x12, received 0x34)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
	assert.Equal(t, "crc mismatch", ReasonChecksum.String())
	assert.Equal(t, "move", ActionMove.String())
}
