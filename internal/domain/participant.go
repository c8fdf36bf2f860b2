package domain

import (
	"fmt"
	"time"
)

// ScopeKind classifies the conversation an interaction happened in
type ScopeKind string

const (
	ScopeKindPrivate    ScopeKind = "private"
	ScopeKindGroup      ScopeKind = "group"
	ScopeKindSupergroup ScopeKind = "supergroup"
	ScopeKindChannel    ScopeKind = "channel"
)

// IsGroup reports whether the kind carries its own per-scope progression
func (k ScopeKind) IsGroup() bool {
	return k == ScopeKindGroup || k == ScopeKindSupergroup
}

// Participant is the identity observed on an interaction
type Participant struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
	URL       string `json:"url,omitempty"`
}

// GlobalRecord is a participant's row in the global users collection
type GlobalRecord struct {
	Participant
	Size   int64   `json:"size"`
	Scopes []int64 `json:"scopes"`
}

// ScopeRecord is a participant's row inside one scope
type ScopeRecord struct {
	Participant
	ScopeID    int64     `json:"scope_id"`
	Size       int64     `json:"size"`
	LastPlayed time.Time `json:"last_played"`
}

// ScopeName returns the deterministic logical name of a scope
func ScopeName(scopeID int64) string {
	return fmt.Sprintf("group_%d", scopeID)
}
