package pipeline

import (
	"time"
)

// Orientation identifies which physical camera is active. The front
// camera is mirrored on capture so stills match the preview.
type Orientation string

const (
	OrientationFront Orientation = "front"
	OrientationRear  Orientation = "rear"
)

// Opposite returns the other orientation.
func (o Orientation) Opposite() Orientation {
	if o == OrientationFront {
		return OrientationRear
	}
	return OrientationFront
}

// Mirrored reports whether captures from this orientation are flipped
// horizontally.
func (o Orientation) Mirrored() bool {
	return o == OrientationFront
}

// BBox is a bounding box in source-frame pixel coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is a single object reported by the detector for one frame.
// Detections are produced fresh each refresh cycle and never persisted.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// CandidateList is the ordered sequence of detections that passed the
// class/confidence filter. It is rebuilt on every refresh and replaces
// the previous list entirely; candidate identity is not stable across
// cycles.
type CandidateList []Detection

// Selection is the chosen candidate index plus its highlight expiry.
// It is valid only against the candidate list that existed at selection
// time. If a later refresh shrinks the list below the index, the
// highlight silently fails to render; the index is kept until the next
// pick.
type Selection struct {
	Index  int       `json:"index"`
	Expiry time.Time `json:"expiry"`
}

// FrameData is one captured video frame.
type FrameData struct {
	Data      []byte    // JPEG frame data
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width (0 if not yet known)
	Height    int       // Frame height (0 if not yet known)
}

// Session is the state owned by the controller goroutine. All reads and
// writes happen on that goroutine; snapshots are copied out for callers.
type Session struct {
	Threshold     float64
	Orientation   Orientation
	Candidates    CandidateList
	LastSelection *Selection
	SourceWidth   int
	SourceHeight  int
}

// SessionSnapshot is an immutable copy of session state for the API.
type SessionSnapshot struct {
	Running         bool          `json:"running"`
	Threshold       float64       `json:"threshold"`
	Orientation     Orientation   `json:"orientation"`
	CandidateCount  int           `json:"candidate_count"`
	Candidates      CandidateList `json:"candidates"`
	HighlightActive bool          `json:"highlight_active"`
	HighlightIndex  int           `json:"highlight_index"`
	SourceWidth     int           `json:"source_width"`
	SourceHeight    int           `json:"source_height"`
	FrameSeq        uint64        `json:"frame_seq"`
	CyclesTotal     uint64        `json:"cycles_total"`
}

// RefreshResult is published on the event bus after each refresh cycle.
type RefreshResult struct {
	Seq             uint64        `json:"seq"`
	Timestamp       time.Time     `json:"timestamp"`
	Candidates      CandidateList `json:"candidates"`
	HighlightActive bool          `json:"highlight_active"`
	HighlightIndex  int           `json:"highlight_index"`
	Overlay         []byte        `json:"-"` // annotated JPEG
	InferenceMs     float64       `json:"inference_ms"`
}

// Notice is a transient, non-fatal user-facing condition (no candidates
// at pick time, capture area too small). The pipeline keeps running.
type Notice struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// SpotlightEvent announces that a captured still was presented or
// dismissed.
type SpotlightEvent struct {
	ID        string    `json:"id,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	DataURL   string    `json:"data_url,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Mirrored  bool      `json:"mirrored,omitempty"`
	Dismissed bool      `json:"dismissed"`
	At        time.Time `json:"at"`
}
