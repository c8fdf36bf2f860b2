package domain

// LeaderboardEntry represents a single ranked row within a scope or the global list
type LeaderboardEntry struct {
	Rank          int64  `json:"rank"`
	ParticipantID int64  `json:"participant_id"`
	FirstName     string `json:"first_name,omitempty"`
	Username      string `json:"username,omitempty"`
	URL           string `json:"url,omitempty"`
	Size          int64  `json:"size"`
}

// Leaderboard is an ordered top list. Empty distinguishes a scope with no rows.
type Leaderboard struct {
	ScopeID int64              `json:"scope_id,omitempty"`
	Empty   bool               `json:"empty"`
	Entries []LeaderboardEntry `json:"entries"`
}

// RankResponse is a single participant's position within a scope
type RankResponse struct {
	ScopeID       int64 `json:"scope_id"`
	ParticipantID int64 `json:"participant_id"`
	Rank          int64 `json:"rank"`
}
