package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxflow-ai/voxflow/internal/history"
	"github.com/voxflow-ai/voxflow/internal/keystore"
	"github.com/voxflow-ai/voxflow/internal/reply"
	"github.com/voxflow-ai/voxflow/pkg/provider/stt"
)

// Event types sent to the client on the audio socket.
const (
	eventFinal = "final"
	eventLLM   = "llm"
	eventAudio = "audio"
	eventError = "error"
	eventInfo  = "info"
)

// event is one JSON message sent to the client. Exactly one payload field is
// set depending on Type: Text for final/llm, B64 for audio, Message for
// error/info.
type event struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	B64     string `json:"b64,omitempty"`
	Message string `json:"message,omitempty"`
}

// conn is one live audio connection. The websocket is written from both the
// receive path (error events) and the turn worker, so writes are serialized
// through writeMu.
type conn struct {
	srv     *Server
	ws      *websocket.Conn
	session string

	writeMu sync.Mutex
}

// send marshals ev and writes it as one text frame.
func (c *conn) send(ctx context.Context, ev event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

// handleAudio upgrades the request to a websocket and runs the connection
// until the client disconnects.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	session := strings.TrimSpace(r.URL.Query().Get("session"))
	if session == "" {
		// Anonymous clients get a fresh session so concurrent connections
		// never share history or credentials.
		session = "anon-" + uuid.NewString()
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "err", err)
		return
	}

	c := &conn{srv: s, ws: ws, session: session}
	c.run(r.Context())
}

// run owns the connection lifecycle: start transcription, pump audio frames
// upstream, and let the turn worker convert finalized utterances into
// replies. Returns once the socket is closed and the worker has drained.
func (c *conn) run(ctx context.Context) {
	m := c.srv.opts.Metrics
	m.ActiveConnections.Add(ctx, 1)
	defer m.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
	defer c.ws.Close(websocket.StatusNormalClosure, "session ended")

	slog.Info("audio connection opened", "session", c.session)

	sess, err := c.startTranscription(ctx)
	if err != nil {
		slog.Warn("gateway: transcription unavailable", "session", c.session, "err", err)
		_ = c.send(ctx, event{Type: eventError, Message: "Transcription is not available. Check the transcription API key."})
		return
	}
	defer sess.Close()

	capture := c.openCapture()
	if capture != nil {
		defer capture.Close()
	}

	// Interim transcripts are not surfaced to clients; keep the provider's
	// read loop from stalling on its partials channel.
	go func() {
		for range sess.Partials() {
		}
	}()

	// Turn worker: one turn at a time, in utterance arrival order. Runs off
	// the receive path so slow generation never backs up audio intake.
	turnCtx, cancelTurns := context.WithCancel(ctx)
	defer cancelTurns()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for t := range sess.Finals() {
			c.runTurn(turnCtx, t.Text)
		}
	}()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if capture != nil {
			if _, err := capture.Write(data); err != nil {
				slog.Warn("gateway: audio capture write failed", "session", c.session, "err", err)
				capture.Close()
				capture = nil
			}
		}
		if err := sess.SendAudio(data); err != nil {
			slog.Warn("gateway: audio forward failed", "session", c.session, "err", err)
			break
		}
	}

	// Closing: stop transcription first so Finals closes and the worker can
	// exit, then abort whatever turn is still in flight. Fragments already
	// produced are persisted by the fan-out regardless.
	_ = sess.Close()
	cancelTurns()
	wg.Wait()

	byeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	_ = c.send(byeCtx, event{Type: eventInfo, Message: "session closed"})
	cancel()

	slog.Info("audio connection closed", "session", c.session)
}

// startTranscription resolves the session's transcription credential and
// opens an upstream streaming session.
func (c *conn) startTranscription(ctx context.Context) (stt.SessionHandle, error) {
	creds := c.srv.opts.Keys.Get(c.session)
	key := firstNonEmpty(creds[keystore.SlotTranscription], c.srv.opts.DefaultSTTKey)
	if key == "" {
		return nil, errors.New("gateway: transcription credential missing")
	}

	provider, err := c.srv.opts.NewSTT(key)
	if err != nil {
		return nil, err
	}
	return provider.StartStream(ctx, stt.StreamConfig{SampleRate: c.srv.opts.SampleRate})
}

// openCapture prepares the session's raw audio artifact, replacing any stale
// capture from an earlier connection. Returns nil when capture is disabled or
// the file cannot be created.
func (c *conn) openCapture() *os.File {
	dir := c.srv.opts.ArtifactsDir
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, safeSessionID(c.session)+".raw")
	_ = os.Remove(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		slog.Warn("gateway: audio capture unavailable", "session", c.session, "err", err)
		return nil
	}
	return f
}

// runTurn executes one conversation turn for a finalized utterance.
func (c *conn) runTurn(ctx context.Context, utterance string) {
	start := time.Now()
	m := c.srv.opts.Metrics

	slog.Info("turn started", "session", c.session, "chars", len(utterance))

	if err := c.srv.opts.History.Append(ctx, c.session, history.RoleUser, utterance); err != nil {
		slog.Warn("gateway: user record not persisted", "session", c.session, "err", err)
	}
	if err := c.send(ctx, event{Type: eventFinal, Text: utterance}); err != nil {
		m.RecordTurn(ctx, time.Since(start), "error")
		return
	}

	// Re-read credentials each turn so config updates apply immediately.
	creds := c.srv.opts.Keys.Get(c.session)

	genStart := time.Now()
	stream, err := c.srv.opts.Pipeline.Generate(ctx, c.session, utterance, creds)
	if err != nil {
		msg := "Reply generation failed."
		if errors.Is(err, reply.ErrConfiguration) {
			msg = "Model API key is not configured. Set one via the config endpoint."
		}
		_ = c.send(ctx, event{Type: eventError, Message: msg})
		m.RecordTurn(ctx, time.Since(start), "error")
		return
	}

	text, fanErr := c.fanout(ctx, stream, creds)
	m.LLMDuration.Record(ctx, time.Since(genStart).Seconds())

	status := "ok"
	if fanErr != nil {
		status = "error"
	}
	m.RecordTurn(ctx, time.Since(start), status)

	slog.Info("turn finished", "session", c.session, "status", status,
		"reply_chars", len(text), "took", time.Since(start))
}

// firstNonEmpty returns the first argument with non-whitespace content.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// safeSessionID makes a client-supplied session id usable as a file name.
func safeSessionID(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
}
