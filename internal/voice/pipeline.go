package voice

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrPipelineTimeout = errors.New("voice pipeline timed out")

type IntentType string

const (
	IntentBook       IntentType = "book"
	IntentReschedule IntentType = "reschedule"
	IntentCancel     IntentType = "cancel"
	IntentAffirm     IntentType = "affirm"
	IntentDecline    IntentType = "decline"
	IntentAgent      IntentType = "agent"
	IntentOther      IntentType = "other"
)

// Intent is the structured result of one recognized caller utterance.
type Intent struct {
	Type          IntentType `json:"intent"`
	DesiredTime   time.Time  `json:"desired_time,omitempty"`
	ServiceType   string     `json:"service_type,omitempty"`
	AppointmentID uuid.UUID  `json:"appointment_id,omitempty"`
	PatientRef    string     `json:"patient_ref,omitempty"`
	Choice        int        `json:"choice,omitempty"` // 1-based pick among offered alternatives
	Reason        string     `json:"reason,omitempty"`
	Confidence    float64    `json:"confidence"`
	Transcript    string     `json:"transcript,omitempty"`
}

// Pipeline is the speech boundary: STT plus intent extraction in, TTS out.
type Pipeline interface {
	Recognize(ctx context.Context, callID string, utterance []byte) (Intent, error)
	Say(ctx context.Context, callID, text string) error
}

// Timeout maps a deadline hit while talking to the pipeline onto ErrPipelineTimeout.
func Timeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrPipelineTimeout, err)
	}
	return err
}
