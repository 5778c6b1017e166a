package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/braille.touch/internal/gesture"
	"github.com/banshee-data/braille.touch/internal/protocol"
)

// EventKind distinguishes touch events from matrix snapshots.
type EventKind int

const (
	KindTouch EventKind = iota + 1
	KindMatrix
)

// Event is the published form of a decoded packet. Touch fields are set for
// KindTouch, Matrix for KindMatrix.
type Event struct {
	Kind EventKind

	Action  protocol.Action
	ID      uint8
	X, Y    uint16
	Gesture gesture.Label

	Matrix protocol.Matrix
}

type touchJSON struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	ID      uint8  `json:"id"`
	X       uint16 `json:"x"`
	Y       uint16 `json:"y"`
	Gesture string `json:"gesture,omitempty"`
}

type matrixJSON struct {
	Type string          `json:"type"`
	Mat  protocol.Matrix `json:"mat"`
}

// MarshalJSON encodes the event in the shape browser clients expect. The
// gesture key is omitted entirely when no gesture was detected.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindTouch:
		return json.Marshal(touchJSON{
			Type:    "touch",
			Action:  e.Action.String(),
			ID:      e.ID,
			X:       e.X,
			Y:       e.Y,
			Gesture: string(e.Gesture),
		})
	case KindMatrix:
		return json.Marshal(matrixJSON{Type: "matrix", Mat: e.Matrix})
	default:
		return nil, fmt.Errorf("cannot encode event of kind %d", e.Kind)
	}
}

func touchEvent(p protocol.TouchPacket) Event {
	return Event{Kind: KindTouch, Action: p.Action, ID: p.FingerID, X: p.X, Y: p.Y}
}
