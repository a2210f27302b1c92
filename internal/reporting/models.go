package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// OutcomeSummaryRequest requests aggregated call outcomes for sessions created in Range.
type OutcomeSummaryRequest struct {
	Range     TimeRange `json:"range"`
	Direction string    `json:"direction,omitempty"`
}

type OutcomeSummary struct {
	Range TimeRange `json:"range"`

	TotalSessions int `json:"total_sessions"`
	Completed     int `json:"completed"`
	Rejected      int `json:"rejected"`
	Failed        int `json:"failed"`
	Abandoned     int `json:"abandoned"`
	InProgress    int `json:"in_progress"`

	Qualified   int `json:"qualified"`
	Unqualified int `json:"unqualified"`

	// QualificationRate is qualified / sessions with a verdict.
	QualificationRate float64 `json:"qualification_rate"`
	// BookingRate is completed / qualified.
	BookingRate float64 `json:"booking_rate"`
	// AverageUtterances is the mean number of captured callee responses per session.
	AverageUtterances float64 `json:"average_utterances"`

	FailureReasons map[string]int `json:"failure_reasons"`
}
