// Package spotlight holds the currently presented captured still until
// the user dismisses it.
package spotlight

import (
	"sync"

	"spotcam/internal/capture"
)

// Entry is a presented still with its caption.
type Entry struct {
	Still   *capture.Still `json:"still"`
	Caption string         `json:"caption"`
	DataURL string         `json:"data_url"`
}

// Presenter owns the captured image from Show until Dismiss. There is at
// most one entry at a time; a new Show replaces the previous one.
type Presenter struct {
	mu      sync.RWMutex
	current *Entry
}

// NewPresenter creates an empty presenter.
func NewPresenter() *Presenter {
	return &Presenter{}
}

// Show presents a still with a caption, replacing any previous entry.
func (p *Presenter) Show(still *capture.Still, caption string) *Entry {
	entry := &Entry{
		Still:   still,
		Caption: caption,
		DataURL: still.DataURL(),
	}
	p.mu.Lock()
	p.current = entry
	p.mu.Unlock()
	return entry
}

// Current returns the presented entry, if any.
func (p *Presenter) Current() (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, p.current != nil
}

// Dismiss clears the presented entry. Clearing an empty presenter is a
// no-op.
func (p *Presenter) Dismiss() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
}
