package session

import (
	"sync"

	"github.com/loqui-ai/loqui/pkg/types"
)

// ConversationHistory is the append-only, role-tagged message log of one
// session. The orchestrator's run loop is the sole writer; any goroutine may
// read a snapshot concurrently.
type ConversationHistory struct {
	mu   sync.RWMutex
	msgs []types.Message
}

// NewHistory returns an empty history.
func NewHistory() *ConversationHistory {
	return &ConversationHistory{}
}

// Append adds one message to the end of the history.
func (h *ConversationHistory) Append(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, types.Message{Role: role, Content: content})
}

// Messages returns a copy of the full history in append order.
func (h *ConversationHistory) Messages() []types.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages.
func (h *ConversationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}

// Last returns the most recent message, if any.
func (h *ConversationHistory) Last() (types.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.msgs) == 0 {
		return types.Message{}, false
	}
	return h.msgs[len(h.msgs)-1], true
}
