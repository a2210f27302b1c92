package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Policy is the retry, timeout and prompt configuration of one orchestrator.
type Policy struct {
	// MaxRetries bounds re-prompts per retryable state. 2 means three attempts in total.
	MaxRetries int

	GreetingTimeout   time.Duration
	ResponseTimeout   time.Duration
	SchedulingTimeout time.Duration
	// QualifyingTimeout and BookingTimeout bound how long a session waits for the
	// classifier or scheduler result before it fails as a provider failure.
	QualifyingTimeout time.Duration
	BookingTimeout    time.Duration

	// TimerGrace is added to backstop timers so the transport's own no-input callback wins the race.
	TimerGrace time.Duration

	Prompts Prompts
}

// Prompts are the texts spoken to the callee. Confirmation may contain {slot}.
type Prompts struct {
	Greeting        string
	Question        string
	RetryQuestion   string
	Scheduling      string
	SlotRetry       string
	SlotUnavailable string
	Confirmation    string
	ThankYou        string
	Apology         string
	Hold            string
}

func DefaultPrompts() Prompts {
	return Prompts{
		Greeting:        "Hi, this is a quick call about your recent inquiry.",
		Question:        "Are you interested in scheduling a short consultation? Please say yes or no, or press 1 for yes and 2 for no.",
		RetryQuestion:   "Sorry, I didn't catch that. Are you interested in scheduling a short consultation?",
		Scheduling:      "Great. What day and time works best for you?",
		SlotRetry:       "Sorry, I didn't catch that. What day and time works best for you?",
		SlotUnavailable: "That time isn't available. Could you suggest another day and time?",
		Confirmation:    "You're all set for {slot}. We'll send a confirmation shortly. Goodbye.",
		ThankYou:        "Thanks for your time. Goodbye.",
		Apology:         "Sorry, we're having trouble completing this call. We'll follow up with you later. Goodbye.",
		Hold:            "One moment please.",
	}
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        2,
		GreetingTimeout:   15 * time.Second,
		ResponseTimeout:   8 * time.Second,
		SchedulingTimeout: 10 * time.Second,
		QualifyingTimeout: 30 * time.Second,
		BookingTimeout:    30 * time.Second,
		TimerGrace:        5 * time.Second,
		Prompts:           DefaultPrompts(),
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.GreetingTimeout <= 0 {
		p.GreetingTimeout = d.GreetingTimeout
	}
	if p.ResponseTimeout <= 0 {
		p.ResponseTimeout = d.ResponseTimeout
	}
	if p.SchedulingTimeout <= 0 {
		p.SchedulingTimeout = d.SchedulingTimeout
	}
	if p.QualifyingTimeout <= 0 {
		p.QualifyingTimeout = d.QualifyingTimeout
	}
	if p.BookingTimeout <= 0 {
		p.BookingTimeout = d.BookingTimeout
	}
	if p.TimerGrace < 0 {
		p.TimerGrace = 0
	}
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&p.Prompts.Greeting, d.Prompts.Greeting)
	fill(&p.Prompts.Question, d.Prompts.Question)
	fill(&p.Prompts.RetryQuestion, d.Prompts.RetryQuestion)
	fill(&p.Prompts.Scheduling, d.Prompts.Scheduling)
	fill(&p.Prompts.SlotRetry, d.Prompts.SlotRetry)
	fill(&p.Prompts.SlotUnavailable, d.Prompts.SlotUnavailable)
	fill(&p.Prompts.Confirmation, d.Prompts.Confirmation)
	fill(&p.Prompts.ThankYou, d.Prompts.ThankYou)
	fill(&p.Prompts.Apology, d.Prompts.Apology)
	fill(&p.Prompts.Hold, d.Prompts.Hold)
	return p
}

func (p Policy) Validate() error {
	var errs []error
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries))
	}
	if p.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("max retries must be <= 10, got %d", p.MaxRetries))
	}
	if p.GreetingTimeout < 0 || p.ResponseTimeout < 0 || p.SchedulingTimeout < 0 ||
		p.QualifyingTimeout < 0 || p.BookingTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
