package domain

import "time"

// Direction labels the sign of an applied delta
type Direction string

const (
	DirectionGrew   Direction = "grew"
	DirectionShrank Direction = "shrank"
)

// DirectionOf returns the label for a non-zero delta
func DirectionOf(delta int64) Direction {
	if delta < 0 {
		return DirectionShrank
	}
	return DirectionGrew
}

// Remaining is a duration broken into whole hours, minutes and seconds
type Remaining struct {
	Hours   int `json:"h"`
	Minutes int `json:"m"`
	Seconds int `json:"s"`
}

// SplitDuration truncates d to whole seconds and splits it. Negative durations yield zero.
func SplitDuration(d time.Duration) Remaining {
	total := int(d / time.Second)
	if total <= 0 {
		return Remaining{}
	}
	h, rem := total/3600, total%3600
	return Remaining{Hours: h, Minutes: rem / 60, Seconds: rem % 60}
}

// AttemptResult is what a single attempt returns to the caller for rendering
type AttemptResult struct {
	Played            bool      `json:"played"`
	ParticipantID     int64     `json:"participant_id"`
	ScopeID           int64     `json:"scope_id"`
	DisplayName       string    `json:"display_name,omitempty"`
	Size              int64     `json:"size"`
	Rank              int64     `json:"rank"`
	Delta             int64     `json:"delta,omitempty"`
	Direction         Direction `json:"direction,omitempty"`
	CooldownRemaining Remaining `json:"cooldown_remaining"`
	NextAttemptAt     time.Time `json:"next_attempt_at"`
}

// AttemptRequest is the transport form of an observed attempt command
type AttemptRequest struct {
	ParticipantID int64     `json:"participant_id"`
	FirstName     string    `json:"first_name,omitempty"`
	Username      string    `json:"username,omitempty"`
	URL           string    `json:"url,omitempty"`
	ScopeID       int64     `json:"scope_id"`
	ScopeKind     ScopeKind `json:"scope_kind"`
}

// Participant returns the identity carried by the request
func (r AttemptRequest) Participant() Participant {
	return Participant{
		ID:        r.ParticipantID,
		FirstName: r.FirstName,
		Username:  r.Username,
		URL:       r.URL,
	}
}

// DisplayName picks the best available label for the participant
func (r AttemptRequest) DisplayName() string {
	if r.Username != "" {
		return r.Username
	}
	return r.FirstName
}
