package protocol

import "fmt"

// FrameReason classifies why a frame was dropped.
type FrameReason int

const (
	ReasonUnknownType FrameReason = iota + 1
	ReasonChecksum
	ReasonShape
	ReasonMatrix
)

func (r FrameReason) String() string {
	switch r {
	case ReasonUnknownType:
		return "unknown type"
	case ReasonChecksum:
		return "crc mismatch"
	case ReasonShape:
		return "shape mismatch"
	case ReasonMatrix:
		return "bad matrix"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// FrameError is returned by Decoder.Decode when a frame was dropped. It is
// never fatal: the decoder has already resynchronised and the next call
// resumes seeking.
type FrameError struct {
	Reason FrameReason
	Type   FrameType
	// Want and Got hold the computed and received CRC for ReasonChecksum.
	Want, Got byte
	// Skipped is the number of bytes skipped ahead for ReasonShape.
	Skipped int
	Err     error
}

func (e *FrameError) Error() string {
	switch e.Reason {
	case ReasonUnknownType:
		return fmt.Sprintf("dropped frame: unknown type 0x%02x", byte(e.Type))
	case ReasonChecksum:
		return fmt.Sprintf("dropped type %d frame: crc mismatch (computed 0x%02x, received 0x%02x)", e.Type, e.Want, e.Got)
	case ReasonShape:
		return fmt.Sprintf("dropped matrix frame: %v (skipped %d bytes)", e.Err, e.Skipped)
	default:
		return fmt.Sprintf("dropped type %d frame: %s: %v", e.Type, e.Reason, e.Err)
	}
}

func (e *FrameError) Unwrap() error { return e.Err }
