// Package keystore holds per-session credential overrides.
//
// Clients may supply their own vendor API keys through the config endpoint;
// the gateway re-reads them at the start of every turn so mid-session updates
// take effect immediately. Keys the client never set fall back to the
// process-wide defaults from the configuration file.
package keystore

import (
	"sort"
	"strings"
	"sync"
)

// Credential slot names accepted by the store. Anything else submitted by a
// client is stored verbatim but ignored by the gateway.
const (
	SlotModel         = "model"
	SlotTranscription = "transcription"
	SlotSynthesis     = "synthesis"
	SlotWeather       = "weather"
	SlotSearch        = "search"
)

// Store is the abstraction over a keyed credential store. The gateway treats
// it as total: Get on an unknown session returns an empty set, never an error.
type Store interface {
	// Set replaces (not merges) the session's credential set with the
	// sanitized input and returns the slot names that were retained, sorted.
	Set(sessionID string, creds map[string]string) []string

	// Get returns the session's credential set, or an empty map when none is
	// configured. The returned map is a copy; callers may mutate it freely.
	Get(sessionID string) map[string]string

	// Clear removes all credentials for the session. Idempotent.
	Clear(sessionID string)
}

// Memory is an in-process Store implementation. The zero value is not usable;
// construct with NewMemory. Safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory credential store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]map[string]string)}
}

// Set implements Store. Values are trimmed; empty or whitespace-only values
// are dropped rather than stored.
func (m *Memory) Set(sessionID string, creds map[string]string) []string {
	sanitized := Sanitize(creds)

	m.mu.Lock()
	m.sessions[sessionID] = sanitized
	m.mu.Unlock()

	names := make([]string, 0, len(sanitized))
	for k := range sanitized {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Get implements Store.
func (m *Memory) Get(sessionID string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.sessions[sessionID]))
	for k, v := range m.sessions[sessionID] {
		out[k] = v
	}
	return out
}

// Clear implements Store.
func (m *Memory) Clear(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Sanitize trims whitespace from all values and drops entries whose value is
// empty after trimming.
func Sanitize(creds map[string]string) map[string]string {
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out[strings.TrimSpace(k)] = v
	}
	return out
}

// redactMask is the fixed prefix shown instead of a secret's leading bytes.
const redactMask = "•••"

// Redact returns a copy of creds with every value masked: values longer than
// six runes keep their last four characters after the mask, shorter values
// become the bare mask. The full value is never included.
func Redact(creds map[string]string) map[string]string {
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		r := []rune(v)
		if len(r) > 6 {
			out[k] = redactMask + string(r[len(r)-4:])
		} else {
			out[k] = redactMask
		}
	}
	return out
}
