package chatsync

import (
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

const (
	// defaultMatchWindow bounds the clock distance between a pending send and
	// a server echo matched by text.
	defaultMatchWindow = 2 * time.Minute
	// confirmedMemory is how many consumed server ids are remembered.
	confirmedMemory = 1024
)

type pendingSend struct {
	peerID string
	tempID string
	nonce  string
	text   string
	at     time.Time
}

// DeliveryTracker correlates server confirmations with optimistic entries.
//
// A confirmation is matched by nonce when the server echoes one. Otherwise the
// oldest pending send to the same peer with the same text is taken. Each
// confirmation consumes at most one registration, and a server id that has
// already been consumed never matches again.
type DeliveryTracker struct {
	window time.Duration

	mu             sync.Mutex
	pending        []*pendingSend
	confirmed      map[string]string
	confirmedOrder []string
}

// NewDeliveryTracker creates an empty tracker.
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		window:    defaultMatchWindow,
		confirmed: make(map[string]string),
	}
}

// Register records an optimistic send awaiting confirmation.
func (d *DeliveryTracker) Register(peerID, tempID, nonce, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, &pendingSend{
		peerID: peerID,
		tempID: tempID,
		nonce:  nonce,
		text:   text,
		at:     time.Now(),
	})
}

// Resolve finds the pending send that m confirms and consumes it.
func (d *DeliveryTracker) Resolve(peerID string, m Message) (tempID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m.ID != "" {
		if _, seen := d.confirmed[m.ID]; seen {
			return "", false
		}
	}

	idx := -1
	if m.Nonce != "" {
		for i, p := range d.pending {
			if p.nonce == m.Nonce {
				idx = i
				break
			}
		}
	} else {
		for i, p := range d.pending {
			if p.peerID == peerID && p.text == m.Text && d.withinWindow(p, m) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return "", false
	}

	p := d.pending[idx]
	d.pending = append(d.pending[:idx], d.pending[idx+1:]...)
	if m.ID != "" {
		d.rememberLocked(m.ID, p.tempID)
	}
	jww.TRACE.Printf("[Tracker] %s confirmed by %s", p.tempID, m.ID)
	return p.tempID, true
}

func (d *DeliveryTracker) withinWindow(p *pendingSend, m Message) bool {
	if m.CreatedAt.IsZero() {
		return true
	}
	diff := m.CreatedAt.Sub(p.at)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d.window
}

// Confirm consumes the registration of tempID for a server id learned
// directly, e.g. from an ack.
func (d *DeliveryTracker) Confirm(tempID, serverID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(tempID)
	if serverID != "" {
		d.rememberLocked(serverID, tempID)
	}
}

// Confirmed returns the temporary id that serverID replaced, if known.
func (d *DeliveryTracker) Confirmed(serverID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tempID, ok := d.confirmed[serverID]
	return tempID, ok
}

// Forget drops a registration without confirming it.
func (d *DeliveryTracker) Forget(tempID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(tempID)
}

// Pending returns the number of sends awaiting confirmation.
func (d *DeliveryTracker) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Reset drops all state.
func (d *DeliveryTracker) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	d.confirmed = make(map[string]string)
	d.confirmedOrder = nil
}

func (d *DeliveryTracker) removeLocked(tempID string) {
	for i, p := range d.pending {
		if p.tempID == tempID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

func (d *DeliveryTracker) rememberLocked(serverID, tempID string) {
	if _, ok := d.confirmed[serverID]; ok {
		return
	}
	d.confirmed[serverID] = tempID
	d.confirmedOrder = append(d.confirmedOrder, serverID)
	if len(d.confirmedOrder) > confirmedMemory {
		oldest := d.confirmedOrder[0]
		d.confirmedOrder = d.confirmedOrder[1:]
		delete(d.confirmed, oldest)
	}
}
