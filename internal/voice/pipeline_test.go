package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextPipelineKeywords(t *testing.T) {
	t.Parallel()
	p := NewTextPipeline()

	tests := []struct {
		utterance string
		want      IntentType
	}{
		{"I'd like to book a cleaning", IntentBook},
		{"Can I talk to a human please", IntentAgent},
		{"I need to cancel.", IntentCancel},
		{"could you reschedule me", IntentReschedule},
		{"Yes, that works", IntentAffirm},
		{"no thanks", IntentDecline},
		{"nothing", IntentOther},
		{"   ", IntentOther},
	}
	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			in, err := p.Recognize(context.Background(), "call-1", []byte(tt.utterance))
			require.NoError(t, err)
			assert.Equal(t, tt.want, in.Type)
		})
	}
}

func TestTextPipelineStructuredIntent(t *testing.T) {
	t.Parallel()
	p := NewTextPipeline()
	id := uuid.New()

	in, err := p.Recognize(context.Background(), "call-1", []byte(`{"intent":"reschedule","appointment_id":"`+id.String()+`","desired_time":"2030-03-04T10:00:00Z","confidence":0.42}`))
	require.NoError(t, err)
	assert.Equal(t, IntentReschedule, in.Type)
	assert.Equal(t, id, in.AppointmentID)
	assert.Equal(t, time.Date(2030, time.March, 4, 10, 0, 0, 0, time.UTC), in.DesiredTime)
	assert.InDelta(t, 0.42, in.Confidence, 1e-9)

	in, err = p.Recognize(context.Background(), "call-1", []byte(`{"intent":"affirm"}`))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, in.Confidence, 1e-9, "missing confidence means certain")

	in, err = p.Recognize(context.Background(), "call-1", []byte(`{"intent":"book",`))
	require.NoError(t, err, "a garbled payload is an unclear turn")
	assert.Equal(t, IntentOther, in.Type)
	assert.Zero(t, in.Confidence)
}

func TestTextPipelineHonoursContext(t *testing.T) {
	t.Parallel()
	p := NewTextPipeline()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := p.Recognize(ctx, "call-1", []byte("book"))
	assert.ErrorIs(t, err, ErrPipelineTimeout)
	assert.ErrorIs(t, p.Say(ctx, "call-1", "hello"), ErrPipelineTimeout)

	require.NoError(t, p.Say(context.Background(), "call-1", "hello"))
	assert.Equal(t, []string{"hello"}, p.Prompts("call-1"))
}

func TestTextPipelineBoundsPrompts(t *testing.T) {
	t.Parallel()
	p := NewTextPipeline()
	ctx := context.Background()

	for i := 0; i < promptsPerCall+10; i++ {
		require.NoError(t, p.Say(ctx, "call-1", fmt.Sprintf("prompt %d", i)))
	}
	prompts := p.Prompts("call-1")
	require.Len(t, prompts, promptsPerCall)
	assert.Equal(t, "prompt 10", prompts[0])
	assert.Equal(t, fmt.Sprintf("prompt %d", promptsPerCall+9), prompts[len(prompts)-1])

	short := newTextPipeline(20 * time.Millisecond)
	require.NoError(t, short.Say(ctx, "call-2", "goodbye"))
	require.Len(t, short.Prompts("call-2"), 1)
	require.Eventually(t, func() bool { return len(short.Prompts("call-2")) == 0 },
		time.Second, 10*time.Millisecond, "a quiet call's prompts are dropped")
}

func TestHTTPPipeline(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		said []sayRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/recognize":
			var req recognizeRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if string(req.Audio) == "garbled" {
				http.Error(w, "decoder crashed", http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(Intent{Type: IntentBook, Confidence: 0.8, Transcript: string(req.Audio)})
		case "/say":
			var req sayRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			mu.Lock()
			said = append(said, req)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPPipeline(srv.URL+"/", time.Second)
	ctx := context.Background()

	in, err := p.Recognize(ctx, "call-9", []byte("book me in"))
	require.NoError(t, err)
	assert.Equal(t, IntentBook, in.Type)
	assert.Equal(t, "book me in", in.Transcript)

	_, err = p.Recognize(ctx, "call-9", []byte("garbled"))
	assert.ErrorContains(t, err, "status 502")

	require.NoError(t, p.Say(ctx, "call-9", "Goodbye."))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, said, 1)
	assert.Equal(t, sayRequest{CallID: "call-9", Text: "Goodbye."}, said[0])
}

func TestHTTPPipelineTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	p := NewHTTPPipeline(srv.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Recognize(ctx, "call-1", []byte("hello"))
	assert.ErrorIs(t, err, ErrPipelineTimeout)
}
