// Package httpmood provides a mood source backed by a text emotion service.
//
// The service receives the latest transcript as POST {baseURL}/detect with a
// JSON body {"text": "..."} and answers with a list of scored emotions plus
// the dominant one. Requests without a transcript are not sent; the provider
// returns an empty label so that other sources can answer.
package httpmood

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/cadence/pkg/provider/mood"
)

var _ mood.Provider = (*Provider)(nil)

type detectRequest struct {
	Text string `json:"text"`
}

// Score is one labelled emotion score.
type Score struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type detectResponse struct {
	Emotions        []Score `json:"emotions"`
	DominantEmotion string  `json:"dominant_emotion"`
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithMinScore drops the answer when the dominant emotion scores below score.
func WithMinScore(score float64) Option {
	return func(p *Provider) { p.minScore = score }
}

// Provider queries an HTTP emotion detection service.
type Provider struct {
	baseURL  string
	client   *http.Client
	minScore float64
}

// New returns a Provider for the service at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("httpmood: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// CurrentMood implements mood.Provider.
func (p *Provider) CurrentMood(ctx context.Context, req mood.Request) (string, error) {
	text := strings.TrimSpace(req.Transcript)
	if text == "" {
		return "", nil
	}
	body, err := json.Marshal(detectRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("httpmood: encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("httpmood: create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("httpmood: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("httpmood: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("httpmood: decode response: %w", err)
	}
	return p.pick(out), nil
}

// pick returns the dominant emotion, deriving it from the scores when the
// service left it blank.
func (p *Provider) pick(out detectResponse) string {
	best := Score{Label: strings.TrimSpace(out.DominantEmotion), Score: -1}
	for _, s := range out.Emotions {
		if best.Label != "" && strings.EqualFold(s.Label, best.Label) {
			best.Score = s.Score
		}
	}
	if best.Label == "" {
		for _, s := range out.Emotions {
			if s.Score > best.Score {
				best = s
			}
		}
	}
	if p.minScore > 0 && best.Score >= 0 && best.Score < p.minScore {
		return ""
	}
	return best.Label
}
