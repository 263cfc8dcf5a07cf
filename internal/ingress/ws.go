package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/pkg/audio"
)

// Stream codecs selected with ?codec=.
const (
	// CodecBlob treats every binary message as one complete upload, as sent
	// by browser MediaRecorder blobs.
	CodecBlob = "blob"

	// CodecOpus treats every binary message as one raw Opus packet and
	// batches the decoded audio into uploads.
	CodecOpus = "opus"
)

// flushTimeout bounds handing over buffered audio after the client left.
const flushTimeout = 5 * time.Second

// streamMessage is what the server sends back on a stream, and the shape of
// text control messages from the client.
type streamMessage struct {
	Type   string `json:"type"`
	Seq    int    `json:"seq,omitempty"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleStream upgrades to a WebSocket. Binary messages are uploads for the
// session in the path; a text message {"type":"end"} ends the session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	codec := r.URL.Query().Get("codec")
	if codec == "" {
		codec = CodecBlob
	}
	if codec != CodecBlob && codec != CodecOpus {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "codec must be blob or opus"})
		return
	}
	contentType := r.URL.Query().Get("content_type")

	var batcher *audio.OpusBatcher
	if codec == CodecOpus {
		b, err := audio.NewOpusBatcher(s.cfg.OpusBatch)
		if err != nil {
			writeError(w, err)
			return
		}
		batcher = b
		contentType = b.ContentType()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("stream: websocket accept failed", "session_id", id, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.MaxUploadBytes)

	st := &stream{
		server:      s,
		conn:        conn,
		id:          id,
		contentType: contentType,
		batcher:     batcher,
		log:         slog.With("session_id", id, "codec", codec),
		streamID:    uuid.NewString(),
	}
	st.log.Info("stream opened")
	reason := st.run(r.Context())
	st.log.Info("stream closed", "reason", reason, "messages", st.seq)
}

// stream is one WebSocket connection feeding one session.
type stream struct {
	server      *Server
	conn        *websocket.Conn
	id          string
	contentType string
	batcher     *audio.OpusBatcher
	log         *slog.Logger
	seq         int

	// streamID and batches key Opus batches for duplicate detection.
	streamID string
	batches  int
}

func (st *stream) run(ctx context.Context) string {
	for {
		typ, data, err := st.conn.Read(ctx)
		if err != nil {
			st.flush(ctx)
			switch status := websocket.CloseStatus(err); status {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return "client closed"
			case websocket.StatusMessageTooBig:
				return "message too big"
			default:
				if ctx.Err() != nil {
					return "request cancelled"
				}
				return err.Error()
			}
		}
		st.seq++

		if typ == websocket.MessageText {
			if st.control(ctx, data) {
				return "session ended"
			}
			continue
		}

		u := session.Upload{Payload: data, ContentType: st.contentType}
		if st.batcher != nil {
			batch, err := st.batcher.Write(data)
			if err != nil {
				st.reply(ctx, streamMessage{Type: "error", Seq: st.seq, Status: http.StatusBadRequest, Error: err.Error()})
				continue
			}
			if batch == nil {
				continue
			}
			u = st.batch(batch)
		}
		if !st.submit(ctx, u) {
			return "session ended"
		}
	}
}

// control handles a text message. It reports whether the stream should end.
func (st *stream) control(ctx context.Context, data []byte) bool {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "end" {
		st.reply(ctx, streamMessage{Type: "error", Seq: st.seq, Status: http.StatusBadRequest, Error: "unknown control message"})
		return false
	}
	st.flush(ctx)
	if err := st.server.sessions.End(st.id, session.EndRequested); err != nil {
		st.reply(ctx, streamMessage{Type: "error", Seq: st.seq, Status: statusFor(err), Error: err.Error()})
	} else {
		st.reply(ctx, streamMessage{Type: "ended", Seq: st.seq})
	}
	st.conn.Close(websocket.StatusNormalClosure, "session ended")
	return true
}

// batch wraps decoded Opus audio as the next upload of this stream.
func (st *stream) batch(pcm []byte) session.Upload {
	st.batches++
	return session.Upload{
		Payload:     pcm,
		ContentType: st.contentType,
		Key:         fmt.Appendf(nil, "opus/%s/%d", st.streamID, st.batches),
	}
}

// submit forwards one upload and acknowledges it. It reports false once the
// session refuses uploads for good.
func (st *stream) submit(ctx context.Context, u session.Upload) bool {
	err := st.server.sessions.Submit(ctx, st.id, u)
	if err == nil {
		st.reply(ctx, streamMessage{Type: "accepted", Seq: st.seq})
		return true
	}
	st.reply(ctx, streamMessage{Type: "error", Seq: st.seq, Status: statusFor(err), Error: err.Error()})
	if errors.Is(err, session.ErrSessionEnded) || errors.Is(err, session.ErrNoSession) {
		st.conn.Close(websocket.StatusNormalClosure, "session ended")
		return false
	}
	return true
}

// flush submits whatever Opus audio is still buffered.
func (st *stream) flush(ctx context.Context) {
	if st.batcher == nil {
		return
	}
	if rest := st.batcher.Flush(); len(rest) > 0 {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		err := st.server.sessions.Submit(ctx, st.id, st.batch(rest))
		if err != nil {
			st.log.Debug("stream: dropping trailing opus audio", "bytes", len(rest), "err", err)
		}
	}
	if n := st.batcher.DecodeErrors(); n > 0 {
		st.log.Warn("stream: opus packets failed to decode", "count", n)
	}
}

func (st *stream) reply(ctx context.Context, msg streamMessage) {
	if err := wsjson.Write(ctx, st.conn, msg); err != nil {
		st.log.Debug("stream: reply failed", "err", err)
	}
}
