// Package tracker keeps recently confirmed identities alive across recognition gaps.
package tracker

import (
	"sort"
	"sync"
)

// DefaultForgetWindow is how many frames a label survives without a fresh confirmation.
const DefaultForgetWindow = 15

// Tracker maps a label to the frame it was last confirmed on.
type Tracker struct {
	mu           sync.Mutex
	forgetWindow int
	lastSeen     map[string]int
}

// New returns an empty tracker. A negative window is treated as 0.
func New(forgetWindow int) *Tracker {
	if forgetWindow < 0 {
		forgetWindow = 0
	}
	return &Tracker{
		forgetWindow: forgetWindow,
		lastSeen:     make(map[string]int),
	}
}

// ForgetWindow returns the configured window in frames.
func (t *Tracker) ForgetWindow() int { return t.forgetWindow }

// Confirm marks label as seen on frame.
// An older frame never moves an entry backwards.
func (t *Tracker) Confirm(label string, frame int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastSeen[label]; ok && last >= frame {
		return
	}
	t.lastSeen[label] = frame
}

// Expire drops every label not confirmed within the forget window and returns them sorted.
func (t *Tracker) Expire(frame int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []string
	for label, last := range t.lastSeen {
		if frame-last > t.forgetWindow {
			delete(t.lastSeen, label)
			dropped = append(dropped, label)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Display picks the label to draw on a box that had no live match.
// The most recently confirmed label wins; equal frames fall back to lexicographic order.
func (t *Tracker) Display() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	best, bestFrame, found := "", 0, false
	for label, last := range t.lastSeen {
		if !found || last > bestFrame || (last == bestFrame && label < best) {
			best, bestFrame, found = label, last, true
		}
	}
	return best, found
}

// Tracked returns the confirmed labels in lexicographic order.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.lastSeen))
	for label := range t.lastSeen {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// LastConfirmed returns the frame label was last confirmed on.
func (t *Tracker) LastConfirmed(label string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.lastSeen[label]
	return f, ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSeen)
}
