// Package whisper transcribes chunk runs with whisper.cpp.
//
// [Transcriber] posts the WAV to a running whisper-server
// (POST /inference, multipart). [Native] links the library through its Go
// bindings and runs inference in-process, which needs a CGO build.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/cadence/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second

	// maxResponseBytes bounds what is read from the server.
	maxResponseBytes = 1 << 20
)

var _ stt.Transcriber = (*Transcriber)(nil)

// Config configures a [Transcriber].
type Config struct {
	// ServerURL is the whisper-server base URL, e.g. "http://localhost:8080".
	// Required.
	ServerURL string

	// Model is forwarded as the "model" field. Empty uses the model the
	// server was started with.
	Model string

	// Language is the spoken language code. Default "en"; "auto" lets the
	// server detect it.
	Language string

	// Temperature is the decoding temperature. Zero leaves the server
	// default.
	Temperature float64

	// Timeout bounds one inference request. Default 60s.
	Timeout time.Duration

	// Client replaces the HTTP client; Timeout is then ignored.
	Client *http.Client
}

// Transcriber is an [stt.Transcriber] backed by whisper-server.
type Transcriber struct {
	endpoint string
	fields   map[string]string
	client   *http.Client
}

// New validates cfg and returns a Transcriber.
func New(cfg Config) (*Transcriber, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("whisper: server url must not be empty")
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	fields := map[string]string{"response_format": "json", "language": cfg.Language}
	if cfg.Model != "" {
		fields["model"] = cfg.Model
	}
	if cfg.Temperature > 0 {
		fields["temperature"] = strconv.FormatFloat(cfg.Temperature, 'f', -1, 64)
	}
	return &Transcriber{
		endpoint: strings.TrimRight(cfg.ServerURL, "/") + "/inference",
		fields:   fields,
		client:   client,
	}, nil
}

// Transcribe implements [stt.Transcriber].
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", stt.ErrEmptyAudio
	}
	body, contentType, err := t.form(wav)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", out.Error)
	}
	return strings.TrimSpace(out.Text), nil
}

// form builds the multipart body carrying wav and the configured fields.
func (t *Transcriber) form(wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err == nil {
		_, err = fw.Write(wav)
	}
	for k, v := range t.fields {
		if err != nil {
			break
		}
		err = mw.WriteField(k, v)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return nil, "", fmt.Errorf("whisper: encode form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
