package domain

import "time"

// Step identifies what the conversation is currently collecting.
type Step string

const (
	StepName         Step = "name"
	StepEmail        Step = "email"
	StepOrganization Step = "organization"
	StepInquiry      Step = "inquiry"
	StepStartTime    Step = "start_time"
	StepDuration     Step = "duration"
	StepConfirmation Step = "confirmation"
)

type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
)

// Slots holds the partially collected booking fields. Zero values mean absent.
type Slots struct {
	Name         string        `json:"name,omitempty"`
	Email        string        `json:"email,omitempty"`
	Organization string        `json:"organization,omitempty"`
	Inquiry      string        `json:"inquiry,omitempty"`
	StartTime    *time.Time    `json:"start_time,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// Has reports whether the slot backing step is filled.
func (s Slots) Has(step Step) bool {
	switch step {
	case StepName:
		return s.Name != ""
	case StepEmail:
		return s.Email != ""
	case StepOrganization:
		return s.Organization != ""
	case StepInquiry:
		return s.Inquiry != ""
	case StepStartTime:
		return s.StartTime != nil
	case StepDuration:
		return s.Duration > 0
	}
	return false
}

// Clear empties the slot backing step.
func (s *Slots) Clear(step Step) {
	switch step {
	case StepName:
		s.Name = ""
	case StepEmail:
		s.Email = ""
	case StepOrganization:
		s.Organization = ""
	case StepInquiry:
		s.Inquiry = ""
	case StepStartTime:
		s.StartTime = nil
	case StepDuration:
		s.Duration = 0
	}
}

// Strings renders the filled slots as plain strings, keyed by step.
func (s Slots) Strings(loc *time.Location) map[string]string {
	out := make(map[string]string)
	if s.Name != "" {
		out[string(StepName)] = s.Name
	}
	if s.Email != "" {
		out[string(StepEmail)] = s.Email
	}
	if s.Organization != "" {
		out[string(StepOrganization)] = s.Organization
	}
	if s.Inquiry != "" {
		out[string(StepInquiry)] = s.Inquiry
	}
	if s.StartTime != nil {
		t := *s.StartTime
		if loc != nil {
			t = t.In(loc)
		}
		out[string(StepStartTime)] = t.Format(time.RFC3339)
	}
	if s.Duration > 0 {
		out[string(StepDuration)] = s.Duration.String()
	}
	return out
}

// ConversationState is the per-session slot-filling state.
type ConversationState struct {
	SessionID string    `json:"session_id"`
	Step      Step      `json:"step"`
	Slots     Slots     `json:"slots"`
	Complete  bool      `json:"complete"`
	Channel   Channel   `json:"channel"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
