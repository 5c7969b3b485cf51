// Package syncclient keeps a client's view of its conversations consistent with the hub:
// optimistic local echo of outgoing messages, reconciliation on ack or broadcast,
// and room re-subscription after reconnect.
package syncclient

import (
	"sync"

	"driftchat/backend/internal/models"
)

// ID is the identity of a timeline entry: Pending until the server acks, then Confirmed.
type ID interface {
	isID()
}

// Pending is a locally authored message known only by its client temp id.
type Pending struct{ TempID string }

// Confirmed is a message the server has persisted.
type Confirmed struct{ ServerID string }

func (Pending) isID()   {}
func (Confirmed) isID() {}

// Entry is one message in a timeline.
type Entry struct {
	ID      ID
	Message models.Message
}

// IsPending reports whether the entry still waits for its ack.
func (e Entry) IsPending() bool {
	_, ok := e.ID.(Pending)
	return ok
}

// Timeline is the ordered message list of one conversation.
// Confirmed entries come in server order; pending echoes stay at the tail until reconciled.
type Timeline struct {
	mu      sync.Mutex
	entries []Entry
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

func (t *Timeline) indexOf(id ID) int {
	for i, e := range t.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// firstPending is where confirmed messages are inserted.
func (t *Timeline) firstPending() int {
	for i, e := range t.entries {
		if e.IsPending() {
			return i
		}
	}
	return len(t.entries)
}

func (t *Timeline) insertConfirmed(msg models.Message) {
	at := t.firstPending()
	t.entries = append(t.entries, Entry{})
	copy(t.entries[at+1:], t.entries[at:])
	t.entries[at] = Entry{ID: Confirmed{ServerID: msg.ID}, Message: msg}
}

// AddPending shows msg immediately under tempID.
func (t *Timeline) AddPending(tempID string, msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexOf(Pending{TempID: tempID}) >= 0 {
		return
	}
	t.entries = append(t.entries, Entry{ID: Pending{TempID: tempID}, Message: msg})
}

// Confirm reconciles the echo for tempID with the persisted msg.
// If the broadcast copy already arrived, the echo is dropped instead of duplicated.
func (t *Timeline) Confirm(tempID string, msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(Pending{TempID: tempID})
	if i >= 0 {
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
	}
	if t.indexOf(Confirmed{ServerID: msg.ID}) >= 0 {
		return
	}
	t.insertConfirmed(msg)
}

// Fail removes the echo for tempID. It reports whether there was one.
func (t *Timeline) Fail(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(Pending{TempID: tempID})
	if i < 0 {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

// ApplyRemote adds a broadcast message unless one with the same server id is present.
func (t *Timeline) ApplyRemote(msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexOf(Confirmed{ServerID: msg.ID}) >= 0 {
		return false
	}
	t.insertConfirmed(msg)
	return true
}

// ApplyReactions replaces the reaction map of a confirmed message.
func (t *Timeline) ApplyReactions(messageID string, reactions models.ReactionMap) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(Confirmed{ServerID: messageID})
	if i < 0 {
		return false
	}
	t.entries[i].Message.Reactions = reactions.Clone()
	return true
}

// Reset replaces the confirmed history (an explicit refetch) and keeps pending echoes.
func (t *Timeline) Reset(history []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pending []Entry
	for _, e := range t.entries {
		if e.IsPending() {
			pending = append(pending, e)
		}
	}
	t.entries = make([]Entry, 0, len(history)+len(pending))
	for _, m := range history {
		t.entries = append(t.entries, Entry{ID: Confirmed{ServerID: m.ID}, Message: m})
	}
	t.entries = append(t.entries, pending...)
}

// Entries returns a snapshot.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
