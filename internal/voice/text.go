package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	promptRetention = 15 * time.Minute
	promptsPerCall  = 64
)

// TextPipeline treats utterances as text. A payload starting with '{' is a
// JSON Intent produced upstream; anything else goes through keyword matching.
// The latest prompts of each call stay inspectable until the call has been
// quiet for promptRetention.
type TextPipeline struct {
	mu      sync.Mutex
	prompts *cache.Cache
}

func NewTextPipeline() *TextPipeline {
	return newTextPipeline(promptRetention)
}

func newTextPipeline(retention time.Duration) *TextPipeline {
	return &TextPipeline{prompts: cache.New(retention, retention)}
}

var keywords = []struct {
	intent IntentType
	words  []string
}{
	{IntentAgent, []string{"agent", "human", "person", "representative", "operator"}},
	{IntentCancel, []string{"cancel"}},
	{IntentReschedule, []string{"reschedule", "move my", "change my"}},
	{IntentBook, []string{"book", "appointment", "schedule", "see the doctor"}},
	{IntentAffirm, []string{"yes", "yeah", "yep", "confirm", "correct", "sure", "sounds good"}},
	{IntentDecline, []string{"no", "nope", "don't", "another"}},
}

func (p *TextPipeline) Recognize(ctx context.Context, _ string, utterance []byte) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, Timeout(err)
	}

	raw := bytes.TrimSpace(utterance)
	if len(raw) == 0 {
		return Intent{Type: IntentOther}, nil
	}

	if raw[0] == '{' {
		var wire struct {
			Intent
			Confidence *float64 `json:"confidence"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			// garbled upstream output is an unclear turn, not a pipeline fault
			return Intent{Type: IntentOther, Transcript: string(raw)}, nil
		}
		in := wire.Intent
		in.Confidence = 1
		if wire.Confidence != nil {
			in.Confidence = *wire.Confidence
		}
		if in.Type == "" {
			in.Type = IntentOther
		}
		return in, nil
	}

	text := strings.ToLower(string(raw))
	for _, k := range keywords {
		for _, w := range k.words {
			if containsWord(text, w) {
				return Intent{Type: k.intent, Confidence: 0.9, Transcript: string(raw)}, nil
			}
		}
	}
	return Intent{Type: IntentOther, Confidence: 0.3, Transcript: string(raw)}, nil
}

func containsWord(text, word string) bool {
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == '.' || r == '!' || r == '?'
	}) {
		if strings.Contains(" "+strings.TrimSpace(f)+" ", " "+word+" ") {
			return true
		}
	}
	return false
}

func (p *TextPipeline) Say(ctx context.Context, callID, text string) error {
	if err := ctx.Err(); err != nil {
		return Timeout(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	said := append(p.said(callID), text)
	if len(said) > promptsPerCall {
		said = said[len(said)-promptsPerCall:]
	}
	p.prompts.Set(callID, said, cache.DefaultExpiration)
	return nil
}

// Prompts returns the most recent prompts said to a call.
func (p *TextPipeline) Prompts(callID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.said(callID)...)
}

func (p *TextPipeline) said(callID string) []string {
	if v, ok := p.prompts.Get(callID); ok {
		return v.([]string)
	}
	return nil
}
