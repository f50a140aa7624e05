package call

import "time"

// Limits bounds every retry loop and wait in a session.
type Limits struct {
	// consecutive unclear turns (low confidence, unrecognized, silence)
	// before the call is handed to a human
	IntentRetries int
	// slot proposals per call before giving up politely
	NegotiationRounds int
	// extra attempts per pipeline call after the first one fails
	PipelineRetries int
	PipelineTimeout time.Duration
	PipelineBackoff time.Duration
	// how long to wait for the caller to speak
	TurnTimeout       time.Duration
	SchedulingTimeout time.Duration
	MinConfidence     float64
}

func DefaultLimits() Limits {
	return Limits{
		IntentRetries:     3,
		NegotiationRounds: 4,
		PipelineRetries:   2,
		PipelineTimeout:   5 * time.Second,
		PipelineBackoff:   100 * time.Millisecond,
		TurnTimeout:       20 * time.Second,
		SchedulingTimeout: 5 * time.Second,
		MinConfidence:     0.6,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.IntentRetries <= 0 {
		l.IntentRetries = d.IntentRetries
	}
	if l.NegotiationRounds <= 0 {
		l.NegotiationRounds = d.NegotiationRounds
	}
	if l.PipelineRetries < 0 {
		l.PipelineRetries = 0
	}
	if l.PipelineTimeout <= 0 {
		l.PipelineTimeout = d.PipelineTimeout
	}
	if l.PipelineBackoff <= 0 {
		l.PipelineBackoff = d.PipelineBackoff
	}
	if l.SchedulingTimeout <= 0 {
		l.SchedulingTimeout = d.SchedulingTimeout
	}
	if l.MinConfidence <= 0 {
		l.MinConfidence = d.MinConfidence
	}
	return l
}
