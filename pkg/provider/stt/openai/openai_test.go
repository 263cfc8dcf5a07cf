package openai_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/provider/stt"
	"github.com/MrWong99/cadence/pkg/provider/stt/openai"
)

func TestNew_Validation(t *testing.T) {
	if _, err := openai.New("", "whisper-1"); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
	if _, err := openai.New("sk-test", ""); err != nil {
		t.Fatalf("empty model should fall back to default: %v", err)
	}
}

func TestTranscribe_PostsMultipart(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		path     string
		model    string
		language string
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		model = r.FormValue("model")
		language = r.FormValue("language")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" I feel fine today. "}`))
	}))
	defer srv.Close()

	tr, err := openai.New("sk-test", "", openai.WithBaseURL(srv.URL+"/v1/"), openai.WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := tr.Transcribe(context.Background(), audio.EncodeWAV(make([]byte, 320), audio.Canonical))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "I feel fine today." {
		t.Errorf("text = %q", text)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasSuffix(path, "/audio/transcriptions") {
		t.Errorf("path = %q, want .../audio/transcriptions", path)
	}
	if model != openai.DefaultModel {
		t.Errorf("model = %q, want %q", model, openai.DefaultModel)
	}
	if language != "en" {
		t.Errorf("language = %q, want en", language)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	tr, err := openai.New("sk-test", "whisper-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), nil); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("error = %v, want ErrEmptyAudio", err)
	}
}
