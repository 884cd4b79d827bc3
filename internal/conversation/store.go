// Package conversation holds the bounded in-memory message log for one
// conversation, with size-based automatic compression via LLM
// summarisation.
package conversation

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/gcsruntime/gcs/internal/llm"
)

// SummaryPrefix marks the system message produced by compression.
const SummaryPrefix = "Previous conversation summary: "

// Summarizer produces a compact summary of a message prefix. The contextual
// gateway implements this.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

// Store is the append-only message log. Messages are never silently
// deleted: compression replaces a prefix with a single system summary and
// preserves the last two entries byte-for-byte.
//
// A Store is owned by one turn loop at a time; the mutex only guards
// against observers (snapshots from the web surface).
type Store struct {
	mu               sync.Mutex
	messages         []llm.Message
	maxContextChars  int
	maxHistoryLength int
}

// NewStore creates a Store with the given bounds. Zero values fall back to
// the defaults (8000 chars, 20 messages).
func NewStore(maxContextChars, maxHistoryLength int) *Store {
	if maxContextChars <= 0 {
		maxContextChars = 8000
	}
	if maxHistoryLength <= 0 {
		maxHistoryLength = 20
	}
	return &Store{
		maxContextChars:  maxContextChars,
		maxHistoryLength: maxHistoryLength,
	}
}

// Append adds a message to the log.
func (s *Store) Append(msg llm.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current history.
func (s *Store) Snapshot() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the message count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Reset clears the conversation.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

// contentChars sums the rune count of message content. Tool-call payloads
// are not counted; the threshold tracks prose pressure, not framing.
func contentChars(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len([]rune(m.Content))
	}
	return total
}

// compressed reports whether the history is already in post-compression
// shape: [summary, second_to_last, last].
func compressed(messages []llm.Message) bool {
	return len(messages) == 3 &&
		messages[0].Role == llm.RoleSystem &&
		strings.HasPrefix(messages[0].Content, SummaryPrefix)
}

// CompressIfNeeded summarises the history when it exceeds the size bounds:
// all messages except the last two collapse into one system message, and
// the last two are preserved verbatim. Compression is idempotent on an
// already-compressed history. A summarisation failure is non-fatal: the
// original history is retained and the error returned for the caller to
// surface as a warning.
func (s *Store) CompressIfNeeded(ctx context.Context, summarizer Summarizer) (bool, error) {
	s.mu.Lock()
	over := contentChars(s.messages) > s.maxContextChars || len(s.messages) > s.maxHistoryLength
	need := over && len(s.messages) > 2 && !compressed(s.messages)
	if !need {
		s.mu.Unlock()
		return false, nil
	}
	prefix := make([]llm.Message, len(s.messages)-2)
	copy(prefix, s.messages[:len(s.messages)-2])
	lastTwo := make([]llm.Message, 2)
	copy(lastTwo, s.messages[len(s.messages)-2:])
	s.mu.Unlock()

	summary, err := summarizer.Summarize(ctx, prefix)
	if err != nil {
		log.Printf("[Conversation] Compression failed, keeping full history: %v", err)
		return false, err
	}

	s.mu.Lock()
	// Only swap if nothing was appended while summarising; otherwise retry
	// on the next call rather than dropping a concurrent append.
	if len(s.messages) == len(prefix)+2 {
		s.messages = []llm.Message{
			{Role: llm.RoleSystem, Content: SummaryPrefix + summary},
			lastTwo[0],
			lastTwo[1],
		}
	}
	s.mu.Unlock()
	log.Printf("[Conversation] Compressed %d message(s) into summary", len(prefix))
	return true, nil
}
