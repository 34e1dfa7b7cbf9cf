package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxflow-ai/voxflow/internal/history"
	"github.com/voxflow-ai/voxflow/internal/keystore"
	"github.com/voxflow-ai/voxflow/pkg/provider/llm"
	"github.com/voxflow-ai/voxflow/pkg/provider/stt"
	sttmock "github.com/voxflow-ai/voxflow/pkg/provider/stt/mock"
)

// dialAudio connects a websocket client to the test server's audio endpoint.
func dialAudio(t *testing.T, env *testEnv, session string) (*websocket.Conn, func()) {
	t.Helper()

	httpSrv := httptest.NewServer(env.server.Handler())
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/audio"
	if session != "" {
		wsURL += "?session=" + session
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		httpSrv.Close()
		t.Fatalf("dial: %v", err)
	}

	cleanup := func() {
		conn.Close(websocket.StatusNormalClosure, "test done")
		httpSrv.Close()
		cancel()
	}
	return conn, cleanup
}

// readEvent reads and decodes the next JSON event from the socket.
func readEvent(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	return ev
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAudioConnection_FullTurn(t *testing.T) {
	env := newTestEnv(t, nil)
	env.llm.StreamChunks = []llm.Chunk{
		{Text: "It was all "}, {Text: "part of my plan."}, {FinishReason: "stop"},
	}

	conn, cleanup := dialAudio(t, env, "sess-e2e")
	defer cleanup()

	// Binary frames reach the transcription session verbatim.
	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	waitFor(t, "audio to reach STT", func() bool {
		return env.sttSess.SentCount() == 1
	})

	env.sttSess.EmitFinal("what is your plan")

	// Event order: final, then per fragment llm followed by its audio.
	ev := readEvent(t, conn)
	if ev.Type != eventFinal || ev.Text != "what is your plan" {
		t.Fatalf("expected final event, got %+v", ev)
	}

	var gotText strings.Builder
	for _, wantFragment := range []string{"It was all ", "part of my plan."} {
		ev = readEvent(t, conn)
		if ev.Type != eventLLM || ev.Text != wantFragment {
			t.Fatalf("expected llm event %q, got %+v", wantFragment, ev)
		}
		gotText.WriteString(ev.Text)

		ev = readEvent(t, conn)
		if ev.Type != eventAudio {
			t.Fatalf("expected audio event, got %+v", ev)
		}
		audio, err := base64.StdEncoding.DecodeString(ev.B64)
		if err != nil {
			t.Fatalf("audio not base64: %v", err)
		}
		if string(audio) != "audio:"+wantFragment {
			t.Errorf("audio payload: %q", audio)
		}
	}

	// Both records persisted: the utterance, then the concatenated reply.
	waitFor(t, "history records", func() bool {
		records, _ := env.store.Read(context.Background(), "sess-e2e")
		return len(records) == 2
	})
	records, _ := env.store.Read(context.Background(), "sess-e2e")
	if records[0].Role != history.RoleUser || records[0].Content != "what is your plan" {
		t.Errorf("user record: %+v", records[0])
	}
	if records[1].Role != history.RoleAgent || records[1].Content != gotText.String() {
		t.Errorf("agent record: %+v", records[1])
	}
}

func TestAudioConnection_SynthesisFailureIsolated(t *testing.T) {
	env := newTestEnv(t, nil)
	env.llm.StreamChunks = []llm.Chunk{
		{Text: "one "}, {Text: "two "}, {Text: "three"}, {FinishReason: "stop"},
	}
	env.ttsProv.FailOn = func(text string) bool { return text == "two " }

	conn, cleanup := dialAudio(t, env, "sess-iso")
	defer cleanup()

	env.sttSess.EmitFinal("count")

	if ev := readEvent(t, conn); ev.Type != eventFinal {
		t.Fatalf("expected final, got %+v", ev)
	}

	type pair struct{ llmText, second string }
	var got []pair
	for i := 0; i < 3; i++ {
		ev := readEvent(t, conn)
		if ev.Type != eventLLM {
			t.Fatalf("expected llm event, got %+v", ev)
		}
		next := readEvent(t, conn)
		got = append(got, pair{ev.Text, next.Type})
	}

	want := []pair{{"one ", eventAudio}, {"two ", eventError}, {"three", eventAudio}}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fragment %d: want %+v, got %+v", i, want[i], got[i])
		}
	}

	// The failed fragment still counts toward the persisted reply.
	waitFor(t, "agent record", func() bool {
		records, _ := env.store.Read(context.Background(), "sess-iso")
		return len(records) == 2 && records[1].Content == "one two three"
	})
}

func TestAudioConnection_ConfigurationErrorKeepsConnection(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {})
	env.llm.StreamErr = errors.New("bad key")

	conn, cleanup := dialAudio(t, env, "sess-cfg")
	defer cleanup()

	env.sttSess.EmitFinal("hello")

	if ev := readEvent(t, conn); ev.Type != eventFinal {
		t.Fatalf("expected final, got %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Type != eventError {
		t.Fatalf("expected error event, got %+v", ev)
	}

	// The connection survives: a later turn still produces events.
	env.llm.StreamErr = nil
	env.llm.StreamChunks = []llm.Chunk{{Text: "recovered"}, {FinishReason: "stop"}}
	env.sttSess.EmitFinal("again")

	if ev := readEvent(t, conn); ev.Type != eventFinal || ev.Text != "again" {
		t.Fatalf("expected second final, got %+v", ev)
	}
}

func TestAudioConnection_NoEventsBeforeFinal(t *testing.T) {
	env := newTestEnv(t, nil)

	conn, cleanup := dialAudio(t, env, "sess-quiet")
	defer cleanup()

	// Audio alone must not trigger any turn activity.
	ctx := context.Background()
	_ = conn.Write(ctx, websocket.MessageBinary, []byte{9, 9})
	env.sttSess.EmitPartial("interim text")

	readCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Fatal("received an event before any finalized utterance")
	}

	records, _ := env.store.Read(context.Background(), "sess-quiet")
	if len(records) != 0 {
		t.Errorf("history written without a turn: %+v", records)
	}
}

func TestAudioConnection_MissingSTTCredential(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.DefaultSTTKey = ""
	})

	conn, cleanup := dialAudio(t, env, "sess-nokey")
	defer cleanup()

	if ev := readEvent(t, conn); ev.Type != eventError {
		t.Fatalf("expected error event, got %+v", ev)
	}
}

func TestAudioConnection_SessionCredentialOverridesSTT(t *testing.T) {
	var gotKey string
	env := newTestEnv(t, nil)
	env.server.opts.NewSTT = func(key string) (stt.Provider, error) {
		gotKey = key
		return &sttmock.Provider{Session: env.sttSess}, nil
	}
	env.keys.Set("sess-key", map[string]string{keystore.SlotTranscription: "session-stt-key"})

	_, cleanup := dialAudio(t, env, "sess-key")
	defer cleanup()

	waitFor(t, "stt factory call", func() bool { return gotKey != "" })
	if gotKey != "session-stt-key" {
		t.Errorf("stt key: got %q", gotKey)
	}
}

func TestAudioConnection_ClosesSTTOnDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	conn, cleanup := dialAudio(t, env, "sess-close")
	conn.Close(websocket.StatusNormalClosure, "bye")
	defer cleanup()

	waitFor(t, "stt session close", env.sttSess.Closed)
}

func TestAudioConnection_CapturesRawAudio(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, func(o *Options) {
		o.ArtifactsDir = dir
	})

	// A stale artifact from an earlier connection is replaced.
	stale := filepath.Join(dir, "sess-cap.raw")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale artifact: %v", err)
	}

	conn, cleanup := dialAudio(t, env, "sess-cap")
	defer cleanup()

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{7, 8, 9}); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	waitFor(t, "artifact content", func() bool {
		data, err := os.ReadFile(stale)
		return err == nil && string(data) == string([]byte{7, 8, 9})
	})
}
