package models

import (
	"time"
)

// CandidateProfile is the candidate metadata carried on every segment upload
// and finalize call. Fields are merged additively: a blank value never
// overwrites a non-blank one.
type CandidateProfile struct {
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Country     string `json:"country,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Source      string `json:"source,omitempty"`
	Stack       string `json:"stack,omitempty"`
	InterviewID string `json:"interview_id,omitempty"`
}

// Merge returns a copy of p with blank fields filled from other.
func (p CandidateProfile) Merge(other CandidateProfile) CandidateProfile {
	out := p
	if out.Name == "" {
		out.Name = other.Name
	}
	if out.Email == "" {
		out.Email = other.Email
	}
	if out.Country == "" {
		out.Country = other.Country
	}
	if out.Phone == "" {
		out.Phone = other.Phone
	}
	if out.Source == "" {
		out.Source = other.Source
	}
	if out.Stack == "" {
		out.Stack = other.Stack
	}
	if out.InterviewID == "" {
		out.InterviewID = other.InterviewID
	}
	return out
}

// Session is one interview recording attempt. The ID is client-generated
// ("{name}-{timestamp}") and the row is created lazily on first activity,
// whether that is a segment upload or a finalize call.
type Session struct {
	ID              string           `json:"id"`
	Profile         CandidateProfile `json:"profile"`
	Questions       []string         `json:"questions,omitempty"`
	RecordingActive bool             `json:"recording_active"`
	LastSegmentAt   *time.Time       `json:"last_segment_at,omitempty"`
	FinalizedAt     *time.Time       `json:"finalized_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Finalized reports whether the session has been closed out. Finalization is
// a one-way transition: once set it permanently blocks re-assembly.
func (s *Session) Finalized() bool { return s.FinalizedAt != nil }
