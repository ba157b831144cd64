package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the ordered, id-keyed conversation transcript for one session.
// Insertion order is display order; Prepend is the single exception and
// places an older page wholly before the current oldest entry.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int
}

// NewStore returns an empty transcript store.
func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Append adds a message to the end of the transcript. An empty id gets a
// locally unique one; an id already present is ignored and the stored copy is
// returned unchanged, keeping ids unique across racing deliveries.
func (s *Store) Append(msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = "local-" + uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		// Synthetic ordering timestamp for locally created messages.
		msg.CreatedAt = time.Now().UTC()
	}

	if at, ok := s.index[msg.ID]; ok {
		return s.messages[at]
	}

	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return msg
}

// PatchByID merges a partial update into the message with the given id.
// Unknown ids are a no-op, not an error: patches can race with page eviction
// or a session reset. Terminal messages only ever leave their state through a
// full session reset, so status, content, and payload changes against them
// are dropped.
func (s *Store) PatchByID(id string, patch Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.index[id]
	if !ok {
		return false
	}

	msg := &s.messages[at]

	if msg.Status.Terminal() {
		return false
	}
	if patch.Status != nil && !validTransition(msg.Status, *patch.Status) {
		return false
	}

	if patch.NewID != nil && *patch.NewID != "" && *patch.NewID != msg.ID {
		if _, taken := s.index[*patch.NewID]; taken {
			// The backend id is already in the transcript; keep that copy and
			// leave this one untouched rather than producing a duplicate.
			return false
		}
		delete(s.index, msg.ID)
		msg.ID = *patch.NewID
		s.index[msg.ID] = at
	}
	if patch.Kind != nil {
		msg.Kind = *patch.Kind
	}
	if patch.Status != nil {
		msg.Status = *patch.Status
	}
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.Payload != nil {
		msg.Payload = *patch.Payload
	}

	return true
}

// validTransition enforces pending -> running -> {completed, failed}. Staying
// in place is allowed so repeated progress frames stay cheap no-ops.
func validTransition(from Status, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case "", StatusPending:
		return true
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Prepend inserts an older history page before the current oldest message.
// Entries whose id is already present are dropped, the relative order of the
// incoming batch is preserved, and the number of messages actually inserted
// is returned.
func (s *Store) Prepend(older []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]Message, 0, len(older))
	for _, msg := range older {
		if msg.ID == "" {
			continue
		}
		if _, exists := s.index[msg.ID]; exists {
			continue
		}
		fresh = append(fresh, msg)
		// Reserve the id immediately, defending against duplicates inside the
		// incoming batch itself.
		s.index[msg.ID] = -1
	}

	if len(fresh) == 0 {
		return 0
	}

	s.messages = append(fresh, s.messages...)
	for at := range s.messages {
		s.index[s.messages[at].ID] = at
	}

	return len(fresh)
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.index[id]
	if !ok || at < 0 {
		return Message{}, false
	}
	return s.messages[at], true
}

// Messages returns a copy of the transcript in display order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of transcript entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// OldestID returns the id of the first displayed message, if any.
func (s *Store) OldestID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.messages) == 0 {
		return "", false
	}
	return s.messages[0].ID, true
}

// Reset drops every entry. This is the only operation that discards terminal
// messages.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.index = make(map[string]int)
}
