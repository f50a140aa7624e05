package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPPipeline talks to an external speech service over JSON:
//
//	POST {base}/recognize {"call_id", "audio"} -> Intent
//	POST {base}/say       {"call_id", "text"}  -> 204
type HTTPPipeline struct {
	baseURL string
	client  *http.Client
}

func NewHTTPPipeline(baseURL string, timeout time.Duration) *HTTPPipeline {
	return &HTTPPipeline{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type recognizeRequest struct {
	CallID string `json:"call_id"`
	Audio  []byte `json:"audio"`
}

type sayRequest struct {
	CallID string `json:"call_id"`
	Text   string `json:"text"`
}

func (p *HTTPPipeline) Recognize(ctx context.Context, callID string, utterance []byte) (Intent, error) {
	var in Intent
	if err := p.post(ctx, "/recognize", recognizeRequest{CallID: callID, Audio: utterance}, &in); err != nil {
		return Intent{}, err
	}
	if in.Type == "" {
		in.Type = IntentOther
	}
	return in, nil
}

func (p *HTTPPipeline) Say(ctx context.Context, callID, text string) error {
	return p.post(ctx, "/say", sayRequest{CallID: callID, Text: text}, nil)
}

func (p *HTTPPipeline) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Timeout(fmt.Errorf("voice pipeline %s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("voice pipeline %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
