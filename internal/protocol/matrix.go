package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
)

// Pin matrix geometry for this protocol version.
const (
	MatrixRows        = 20
	MatrixCols        = 96
	MatrixRowBytes    = MatrixCols / 8
	MatrixPayloadSize = MatrixRows * MatrixRowBytes
)

// Matrix is a row-major grid of 0/1 pin states.
type Matrix [][]uint8

// NewMatrix returns an all-zero MatrixRows x MatrixCols matrix.
func NewMatrix() Matrix {
	m := make(Matrix, MatrixRows)
	cells := make([]uint8, MatrixRows*MatrixCols)
	for r := range m {
		m[r] = cells[r*MatrixCols : (r+1)*MatrixCols : (r+1)*MatrixCols]
	}
	return m
}

// Clone returns a deep copy of m.
func (m Matrix) Clone() Matrix {
	if m == nil {
		return nil
	}
	out := make(Matrix, len(m))
	for r, row := range m {
		out[r] = append([]uint8(nil), row...)
	}
	return out
}

// Equal reports whether m and other have the same shape and cells.
func (m Matrix) Equal(other Matrix) bool {
	if len(m) != len(other) {
		return false
	}
	for r := range m {
		if !bytes.Equal(m[r], other[r]) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the matrix as nested arrays of numbers rather than the
// base64 strings encoding/json would produce for []uint8 rows.
func (m Matrix) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, 2+len(m)*(2*MatrixCols+2))
	buf = append(buf, '[')
	for r, row := range m {
		if r > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for c, v := range row {
			if c > 0 {
				buf = append(buf, ',')
			}
			buf = strconv.AppendUint(buf, uint64(v), 10)
		}
		buf = append(buf, ']')
	}
	return append(buf, ']'), nil
}

// ShapeError reports a matrix or matrix header that does not match the fixed
// 20x96 geometry.
type ShapeError struct {
	Rows       int
	Cols       int
	PayloadLen int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("unexpected matrix shape (%d,%d) payload %d, expected (%d,%d) payload %d",
		e.Rows, e.Cols, e.PayloadLen, MatrixRows, MatrixCols, MatrixPayloadSize)
}

// TypeMismatchError reports a header whose type byte is not TypeMatrix.
type TypeMismatchError struct {
	Got FrameType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("incorrect packet type: expected %d, got %d", TypeMatrix, e.Got)
}

// CellValueError reports a matrix cell that is neither 0 nor 1.
type CellValueError struct {
	Row, Col int
	Value    uint8
}

func (e *CellValueError) Error() string {
	return fmt.Sprintf("matrix cell (%d,%d) = %d, expected 0 or 1", e.Row, e.Col, e.Value)
}

func checkShape(m Matrix) error {
	cols := 0
	if len(m) > 0 {
		cols = len(m[0])
	}
	if len(m) != MatrixRows || cols != MatrixCols {
		return &ShapeError{Rows: len(m), Cols: cols, PayloadLen: MatrixPayloadSize}
	}
	for _, row := range m {
		if len(row) != MatrixCols {
			return &ShapeError{Rows: len(m), Cols: len(row), PayloadLen: MatrixPayloadSize}
		}
	}
	return nil
}

// EncodeMatrix builds a complete 247-byte matrix frame: header, bit-packed
// payload (12 bytes per row, MSB first) and CRC-8 trailer.
func EncodeMatrix(m Matrix) ([]byte, error) {
	if err := checkShape(m); err != nil {
		return nil, err
	}

	frame := make([]byte, MatrixFrameSize)
	frame[0] = SOF
	frame[1] = byte(TypeMatrix)
	frame[2] = MatrixRows
	frame[3] = MatrixCols
	binary.LittleEndian.PutUint16(frame[4:6], MatrixPayloadSize)

	payload := frame[MatrixHeaderSize : MatrixHeaderSize+MatrixPayloadSize]
	for r, row := range m {
		for c, v := range row {
			switch v {
			case 0:
			case 1:
				payload[r*MatrixRowBytes+c/8] |= 0x80 >> (c % 8)
			default:
				return nil, &CellValueError{Row: r, Col: c, Value: v}
			}
		}
	}

	frame[MatrixFrameSize-1] = CRC8(frame[:MatrixFrameSize-1])
	return frame, nil
}

// DecodeMatrix unpacks a matrix payload given its 6-byte frame header. The
// caller is responsible for verifying the frame CRC first.
func DecodeMatrix(header, payload []byte) (Matrix, error) {
	if len(header) != MatrixHeaderSize {
		return nil, fmt.Errorf("matrix header must be %d bytes, got %d", MatrixHeaderSize, len(header))
	}
	if t := FrameType(header[1]); t != TypeMatrix {
		return nil, &TypeMismatchError{Got: t}
	}
	rows, cols := int(header[2]), int(header[3])
	payloadLen := int(binary.LittleEndian.Uint16(header[4:6]))
	if rows != MatrixRows || cols != MatrixCols || payloadLen != MatrixPayloadSize {
		return nil, &ShapeError{Rows: rows, Cols: cols, PayloadLen: payloadLen}
	}
	if len(payload) != payloadLen {
		return nil, &ShapeError{Rows: rows, Cols: cols, PayloadLen: len(payload)}
	}

	m := NewMatrix()
	for r := range m {
		packed := payload[r*MatrixRowBytes : (r+1)*MatrixRowBytes]
		for c := range m[r] {
			m[r][c] = (packed[c/8] >> (7 - c%8)) & 1
		}
	}
	return m, nil
}
