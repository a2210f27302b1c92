package calls

import (
	"errors"
	"fmt"
	"time"
)

// Session is one qualification call and everything accumulated while it runs.
//
// Invariants:
// - SessionID and CalleePhone never change after creation.
// - Transcripts is append-only.
// - Verdict is set at most once.
// - Appointment is only non-nil in StateCompleted.
//
// Only the orchestrator mutates a Session; storage treats it as an opaque versioned value.
type Session struct {
	SessionID      string    `json:"session_id" db:"session_id"`
	CalleePhone    string    `json:"callee_phone" db:"callee_phone"`
	Direction      Direction `json:"direction" db:"direction"`
	ProviderCallID string    `json:"provider_call_id,omitempty" db:"provider_call_id"`
	CallerID       string    `json:"caller_id,omitempty" db:"caller_id"`

	State        State `json:"state" db:"state"`
	AttemptCount int   `json:"attempt_count" db:"attempt_count"`

	Transcripts []Utterance `json:"transcripts" db:"-"`

	Verdict *Verdict `json:"verdict,omitempty" db:"verdict"`

	// RequestedSlot is the most recent slot the callee asked for.
	RequestedSlot   string       `json:"requested_slot,omitempty" db:"-"`
	BookingInFlight bool         `json:"booking_in_flight,omitempty" db:"-"`
	Appointment     *Appointment `json:"appointment,omitempty" db:"-"`

	// Abandoned is set when the callee hung up before a terminal state.
	Abandoned     bool   `json:"abandoned,omitempty" db:"abandoned"`
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	// Version is bumped by the repository on every successful Save.
	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Utterance is one captured unit of callee input.
type Utterance struct {
	Text       string          `json:"text"`
	Source     UtteranceSource `json:"source"`
	Confidence float64         `json:"confidence,omitempty"`
	State      State           `json:"state"`
	CapturedAt time.Time       `json:"captured_at"`
}

type UtteranceSource string

const (
	SourceSpeech UtteranceSource = "speech"
	SourceDTMF   UtteranceSource = "dtmf"
)

type Verdict string

const (
	VerdictQualified   Verdict = "qualified"
	VerdictUnqualified Verdict = "unqualified"
)

func (v Verdict) Valid() bool {
	return v == VerdictQualified || v == VerdictUnqualified
}

// Appointment is the scheduling result for a qualified lead.
type Appointment struct {
	ConfirmationID string    `json:"confirmation_id"`
	Slot           string    `json:"slot"`
	StartsAt       time.Time `json:"starts_at,omitempty"`
	BookedAt       time.Time `json:"booked_at"`
}

var (
	ErrVerdictAlreadySet = errors.New("calls: verdict already set")
	ErrInvalidVerdict    = errors.New("calls: invalid verdict")
	ErrInvalidSession    = errors.New("calls: invalid session")
)

// NewSession returns a session in StateInitiated.
func NewSession(sessionID, calleePhone string, dir Direction, now time.Time) (Session, error) {
	if sessionID == "" {
		return Session{}, fmt.Errorf("%w: session_id required", ErrInvalidSession)
	}
	if !IsE164(calleePhone) {
		return Session{}, fmt.Errorf("%w: callee phone %q is not E.164", ErrInvalidSession, calleePhone)
	}
	if dir == "" {
		dir = DirectionOutbound
	}
	now = now.UTC()
	return Session{
		SessionID:   sessionID,
		CalleePhone: calleePhone,
		Direction:   dir,
		State:       StateInitiated,
		Transcripts: []Utterance{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// SetVerdict records the classifier's verdict. It never overwrites.
func (s *Session) SetVerdict(v Verdict) error {
	if !v.Valid() {
		return ErrInvalidVerdict
	}
	if s.Verdict != nil {
		return ErrVerdictAlreadySet
	}
	s.Verdict = &v
	return nil
}

func (s *Session) AppendUtterance(u Utterance) {
	s.Transcripts = append(s.Transcripts, u)
}

// LastUtterance returns the most recently captured utterance.
func (s Session) LastUtterance() (Utterance, bool) {
	if len(s.Transcripts) == 0 {
		return Utterance{}, false
	}
	return s.Transcripts[len(s.Transcripts)-1], true
}

// Clone returns a deep copy so a transition can never alias the caller's slices or pointers.
func (s Session) Clone() Session {
	out := s
	out.Transcripts = make([]Utterance, len(s.Transcripts))
	copy(out.Transcripts, s.Transcripts)
	if s.Verdict != nil {
		v := *s.Verdict
		out.Verdict = &v
	}
	if s.Appointment != nil {
		a := *s.Appointment
		out.Appointment = &a
	}
	return out
}

// Validate checks the data-model invariants. maxRetries < 0 skips the attempt bound.
func (s Session) Validate(maxRetries int) error {
	var errs []error
	if s.SessionID == "" {
		errs = append(errs, errors.New("session_id required"))
	}
	if !IsE164(s.CalleePhone) {
		errs = append(errs, fmt.Errorf("callee phone %q is not E.164", s.CalleePhone))
	}
	if !s.State.Valid() {
		errs = append(errs, fmt.Errorf("unknown state %q", s.State))
	}
	if s.AttemptCount < 0 {
		errs = append(errs, errors.New("attempt_count negative"))
	}
	if maxRetries >= 0 && s.AttemptCount > maxRetries {
		errs = append(errs, fmt.Errorf("attempt_count %d exceeds max retries %d", s.AttemptCount, maxRetries))
	}
	if s.Appointment != nil && s.State != StateCompleted {
		errs = append(errs, fmt.Errorf("appointment set in state %q", s.State))
	}
	if s.State == StateCompleted {
		if s.Appointment == nil {
			errs = append(errs, errors.New("completed without appointment"))
		}
		if s.Verdict == nil || *s.Verdict != VerdictQualified {
			errs = append(errs, errors.New("completed without qualified verdict"))
		}
	}
	if s.State == StateRejected && (s.Verdict == nil || *s.Verdict != VerdictUnqualified) {
		errs = append(errs, errors.New("rejected without unqualified verdict"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSession, errors.Join(errs...))
}

// IsE164 reports whether s looks like an E.164 number: '+' followed by 8 to 15 digits.
func IsE164(s string) bool {
	if len(s) < 9 || len(s) > 16 || s[0] != '+' || s[1] == '0' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
