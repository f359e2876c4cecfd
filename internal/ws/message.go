package ws

import (
	"time"

	"spotcam/internal/pipeline"
)

// CandidatesMessage broadcasts one refresh cycle: the annotated frame,
// the candidate boxes and the highlight state.
type CandidatesMessage struct {
	Type            string                 `json:"type"` // "candidates"
	Seq             uint64                 `json:"seq"`
	Timestamp       time.Time              `json:"timestamp"`
	Candidates      pipeline.CandidateList `json:"candidates"`
	HighlightActive bool                   `json:"highlight_active"`
	HighlightIndex  int                    `json:"highlight_index"`
	InferenceMs     float64                `json:"inference_ms"`
	Frame           string                 `json:"frame,omitempty"` // base64 JPEG overlay
}

// SpotlightMessage broadcasts a presented or dismissed captured still.
type SpotlightMessage struct {
	Type  string                  `json:"type"` // "spotlight"
	Event pipeline.SpotlightEvent `json:"event"`
}

// NoticeMessage broadcasts a transient user-facing condition.
type NoticeMessage struct {
	Type   string          `json:"type"` // "notice"
	Notice pipeline.Notice `json:"notice"`
}

func newCandidatesMessage(result *pipeline.RefreshResult, frameBase64 string) *CandidatesMessage {
	return &CandidatesMessage{
		Type:            "candidates",
		Seq:             result.Seq,
		Timestamp:       result.Timestamp,
		Candidates:      result.Candidates,
		HighlightActive: result.HighlightActive,
		HighlightIndex:  result.HighlightIndex,
		InferenceMs:     result.InferenceMs,
		Frame:           frameBase64,
	}
}
