package ingress

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"layeh.com/gopus"

	"github.com/MrWong99/cadence/internal/session"
)

func dialStream(t *testing.T, f *fakeSessions, cfg Config, query string) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(newTestMux(f, cfg))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/s1/stream" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) streamMessage {
	t.Helper()
	var msg streamMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitUploads(t *testing.T, f *fakeSessions, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.uploadCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("got %d uploads, want %d", f.uploadCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_BlobUploadsAreAcknowledged(t *testing.T) {
	t.Parallel()
	f := &fakeSessions{}
	conn, ctx := dialStream(t, f, Config{}, "?content_type=audio/webm")

	for i, payload := range []string{"blob-1", "blob-2"} {
		if err := conn.Write(ctx, websocket.MessageBinary, []byte(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
		msg := readMessage(t, ctx, conn)
		if msg.Type != "accepted" || msg.Seq != i+1 {
			t.Errorf("ack %d = %+v", i, msg)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.uploads) != 2 || string(f.uploads[1].Payload) != "blob-2" || f.uploads[1].ContentType != "audio/webm" {
		t.Errorf("uploads = %+v", f.uploads)
	}
	if f.uploads[0].Key != nil {
		t.Errorf("blob key = %q, want nil so the payload itself is deduplicated", f.uploads[0].Key)
	}
}

func TestStream_SubmitErrorIsReported(t *testing.T) {
	t.Parallel()
	f := &fakeSessions{submitErr: session.ErrQueueFull}
	conn, ctx := dialStream(t, f, Config{}, "")

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("blob")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, ctx, conn)
	if msg.Type != "error" || msg.Status != http.StatusTooManyRequests {
		t.Fatalf("reply = %+v, want a 429 error", msg)
	}

	// A full queue is transient: the stream stays open.
	if err := conn.Write(ctx, websocket.MessageBinary, []byte("blob")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if msg := readMessage(t, ctx, conn); msg.Seq != 2 {
		t.Errorf("second reply = %+v", msg)
	}
}

func TestStream_EndedSessionClosesStream(t *testing.T) {
	t.Parallel()
	f := &fakeSessions{submitErr: session.ErrSessionEnded}
	conn, ctx := dialStream(t, f, Config{}, "")

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("blob")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, ctx, conn); msg.Status != http.StatusGone {
		t.Fatalf("reply = %+v, want a 410 error", msg)
	}
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("read after end = %v, want a normal closure", err)
	}
}

func TestStream_EndControlMessage(t *testing.T) {
	t.Parallel()
	f := &fakeSessions{}
	conn, ctx := dialStream(t, f, Config{}, "")

	if err := wsjson.Write(ctx, conn, streamMessage{Type: "pause"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, ctx, conn); msg.Type != "error" || msg.Status != http.StatusBadRequest {
		t.Errorf("unknown control reply = %+v", msg)
	}

	if err := wsjson.Write(ctx, conn, streamMessage{Type: "end"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, ctx, conn); msg.Type != "ended" {
		t.Errorf("end reply = %+v", msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ended) != 1 || f.ended[0] != session.EndRequested {
		t.Errorf("ended = %v, want one requested end", f.ended)
	}
}

func TestStream_RejectsUnknownCodec(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newTestMux(&fakeSessions{}, Config{}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/sessions/s1/stream?codec=flac")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// opusPackets encodes n 20 ms frames of a stereo 48 kHz tone.
func opusPackets(t *testing.T, n int) [][]byte {
	t.Helper()
	enc, err := gopus.NewEncoder(48000, 2, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	const frame = 960
	pcm := make([]int16, 2*frame)
	packets := make([][]byte, 0, n)
	for p := range n {
		for i := range frame {
			v := int16(6000 * math.Sin(2*math.Pi*440*float64(p*frame+i)/48000))
			pcm[2*i], pcm[2*i+1] = v, v
		}
		pkt, err := enc.Encode(pcm, frame, 4000)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		packets = append(packets, pkt)
	}
	return packets
}

func TestStream_OpusIsBatched(t *testing.T) {
	t.Parallel()
	f := &fakeSessions{}
	conn, ctx := dialStream(t, f, Config{OpusBatch: time.Second}, "?codec=opus")

	// 60 frames of 20 ms: one full 1 s batch, 200 ms left for the flush.
	for _, pkt := range opusPackets(t, 60) {
		if err := conn.Write(ctx, websocket.MessageBinary, pkt); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if msg := readMessage(t, ctx, conn); msg.Type != "accepted" || msg.Seq != 50 {
		t.Fatalf("ack = %+v, want accepted at message 50", msg)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	waitUploads(t, f, 2)

	f.mu.Lock()
	defer f.mu.Unlock()
	const bytesPerSecond = 48000 * 2 * 2
	if got := len(f.uploads[0].Payload); got != bytesPerSecond {
		t.Errorf("first batch = %d bytes, want %d", got, bytesPerSecond)
	}
	if got := len(f.uploads[1].Payload); got != bytesPerSecond/5 {
		t.Errorf("flushed rest = %d bytes, want %d", got, bytesPerSecond/5)
	}
	for _, u := range f.uploads {
		if u.ContentType != "audio/L16; rate=48000; channels=2" {
			t.Errorf("content type = %q", u.ContentType)
		}
	}
	if k0, k1 := f.uploads[0].Key, f.uploads[1].Key; len(k0) == 0 || bytes.Equal(k0, k1) {
		t.Errorf("batch keys = %q, %q, want distinct non-empty keys", k0, k1)
	}
}

// silentOpusPackets encodes n 20 ms frames of digital silence.
func silentOpusPackets(t *testing.T, n int) [][]byte {
	t.Helper()
	enc, err := gopus.NewEncoder(48000, 2, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, 2*960)
	packets := make([][]byte, 0, n)
	for range n {
		pkt, err := enc.Encode(pcm, 960, 4000)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		packets = append(packets, pkt)
	}
	return packets
}

func TestStream_SilentOpusBatchesKeepDistinctKeys(t *testing.T) {
	t.Parallel()
	f := &fakeSessions{}
	conn, ctx := dialStream(t, f, Config{OpusBatch: time.Second}, "?codec=opus")

	for _, pkt := range silentOpusPackets(t, 150) {
		if err := conn.Write(ctx, websocket.MessageBinary, pkt); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for range 3 {
		if msg := readMessage(t, ctx, conn); msg.Type != "accepted" {
			t.Fatalf("reply = %+v, want accepted", msg)
		}
	}
	waitUploads(t, f, 3)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !bytes.Equal(f.uploads[1].Payload, f.uploads[2].Payload) {
		t.Fatal("silent batches should decode to identical PCM")
	}
	seen := map[string]bool{}
	for _, u := range f.uploads {
		if seen[string(u.Key)] {
			t.Errorf("key %q repeats", u.Key)
		}
		seen[string(u.Key)] = true
	}
}
