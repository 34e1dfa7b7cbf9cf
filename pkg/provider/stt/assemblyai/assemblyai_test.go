package assemblyai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxflow-ai/voxflow/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "encoding", "pcm_s16le", q.Get("encoding"))
	assertEqual(t, "format_turns", "true", q.Get("format_turns"))
}

func TestBuildURL_ConfigOverrides(t *testing.T) {
	p, err := New("key", WithSampleRate(48000), WithEncoding("pcm_mulaw"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 8000, Encoding: "pcm_s16le"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	// Per-stream config wins over provider-level defaults.
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	assertEqual(t, "encoding", "pcm_s16le", q.Get("encoding"))
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- message parsing tests ----

func TestParseTurnMessage_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Turn",
		"transcript": "Hello world.",
		"end_of_turn": true,
		"turn_is_formatted": true,
		"end_of_turn_confidence": 0.93
	}`)

	tr, ok := parseTurnMessage(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Turn message")
	}
	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Hello world.", tr.Text)
	if tr.Confidence != 0.93 {
		t.Errorf("confidence: got %f", tr.Confidence)
	}
}

func TestParseTurnMessage_Partial(t *testing.T) {
	raw := []byte(`{"type":"Turn","transcript":"Hello","end_of_turn":false}`)

	tr, ok := parseTurnMessage(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for interim turn")
	}
}

func TestParseTurnMessage_Ignored(t *testing.T) {
	for _, raw := range []string{
		`{"type":"Begin","id":"abc","expires_at":123}`,
		`{"type":"Termination","audio_duration_seconds":4}`,
		`{"type":"Turn","transcript":""}`,
		`{invalid`,
	} {
		if _, ok := parseTurnMessage([]byte(raw)); ok {
			t.Errorf("expected ok=false for %s", raw)
		}
	}
}

// ---- session tests against a local websocket server ----

// fakeStreamServer accepts one websocket connection and transcribes every
// binary frame into a canned final Turn message.
func fakeStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "test-key" {
			t.Errorf("Authorization header: got %q", got)
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			switch typ {
			case websocket.MessageBinary:
				msg := `{"type":"Turn","transcript":"heard audio","end_of_turn":true,"end_of_turn_confidence":0.9}`
				if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
					return
				}
			case websocket.MessageText:
				if strings.Contains(string(data), "Terminate") {
					_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Termination"}`))
					return
				}
			}
		}
	}))
}

func TestStartStream_EndToEnd(t *testing.T) {
	srv := fakeStreamServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := New("test-key", WithEndpoint(wsURL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr, ok := <-sess.Finals():
		if !ok {
			t.Fatal("finals channel closed before transcript arrived")
		}
		assertEqual(t, "text", "heard audio", tr.Text)
		if !tr.IsFinal {
			t.Error("expected final transcript")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for final transcript")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := sess.SendAudio([]byte{0x04}); err == nil {
		t.Error("expected SendAudio to fail after Close")
	}
}

func TestStartStream_DialFailure(t *testing.T) {
	p, err := New("test-key", WithEndpoint("ws://127.0.0.1:1/v3/ws"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := p.StartStream(ctx, stt.StreamConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
