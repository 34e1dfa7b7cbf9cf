package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voxflow-ai/voxflow/internal/history"
	"github.com/voxflow-ai/voxflow/internal/keystore"
	"github.com/voxflow-ai/voxflow/internal/reply"
	"github.com/voxflow-ai/voxflow/internal/tools"
	"github.com/voxflow-ai/voxflow/pkg/provider/llm"
	llmmock "github.com/voxflow-ai/voxflow/pkg/provider/llm/mock"
	"github.com/voxflow-ai/voxflow/pkg/provider/stt"
	sttmock "github.com/voxflow-ai/voxflow/pkg/provider/stt/mock"
	"github.com/voxflow-ai/voxflow/pkg/provider/tts"
	ttsmock "github.com/voxflow-ai/voxflow/pkg/provider/tts/mock"
)

// memStore is an in-memory history.Store for gateway tests.
type memStore struct {
	mu   sync.Mutex
	logs map[string][]history.Record
}

func newMemStore() *memStore {
	return &memStore{logs: make(map[string][]history.Record)}
}

func (m *memStore) Append(_ context.Context, sessionID, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[sessionID] = append(m.logs[sessionID], history.Record{
		Role: role, Content: content, Timestamp: time.Now(),
	})
	return nil
}

func (m *memStore) Read(_ context.Context, sessionID string) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Record(nil), m.logs[sessionID]...), nil
}

func (m *memStore) Recent(ctx context.Context, sessionID string, limit int) ([]history.Record, error) {
	records, err := m.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = history.DefaultRecentLimit
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (m *memStore) Reset(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, sessionID)
	return nil
}

// testEnv bundles a Server with its mock collaborators.
type testEnv struct {
	server  *Server
	store   *memStore
	keys    keystore.Store
	llm     *llmmock.Provider
	sttSess *sttmock.Session
	ttsProv *ttsmock.Provider
}

func newTestEnv(t *testing.T, opt func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   newMemStore(),
		keys:    keystore.NewMemory(),
		llm:     &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: "stop"}}},
		sttSess: sttmock.NewSession(),
		ttsProv: &ttsmock.Provider{},
	}

	pipeline := reply.New(
		env.store,
		func(string) (llm.Provider, error) { return env.llm, nil },
		reply.Defaults{ModelKey: "default-model-key"},
		tools.Options{},
	)

	opts := Options{
		Keys:     env.keys,
		History:  env.store,
		Pipeline: pipeline,
		NewSTT: func(string) (stt.Provider, error) {
			return &sttmock.Provider{Session: env.sttSess}, nil
		},
		NewTTS: func(string) (tts.Provider, error) {
			return env.ttsProv, nil
		},
		DefaultSTTKey: "default-stt-key",
		DefaultTTSKey: "default-tts-key",
		SampleRate:    16000,
	}
	if opt != nil {
		opt(&opts)
	}

	env.server = New(opts)
	return env
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

// ---- config endpoints ----

func TestSetConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/config", map[string]any{
		"session_id": "sess-1",
		"keys": map[string]string{
			keystore.SlotModel:   "sk-123456789",
			keystore.SlotWeather: "   ",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d (%s)", rec.Code, rec.Body.String())
	}
	if body["status"] != "ok" || body["session_id"] != "sess-1" {
		t.Errorf("body: %v", body)
	}
	keysSet, _ := body["keys_set"].([]any)
	if len(keysSet) != 1 || keysSet[0] != keystore.SlotModel {
		t.Errorf("keys_set: %v", body["keys_set"])
	}
}

func TestSetConfig_MissingSession(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, _ := doJSON(t, env.server.Handler(), http.MethodPost, "/config", map[string]any{
		"keys": map[string]string{"model": "x"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: %d", rec.Code)
	}
}

func TestSetConfig_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: %d", rec.Code)
	}
}

func TestGetConfig_Redacted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.keys.Set("sess-1", map[string]string{keystore.SlotModel: "super-secret-key"})

	rec, body := doJSON(t, env.server.Handler(), http.MethodGet, "/config/sess-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if body["has_keys"] != true {
		t.Errorf("has_keys: %v", body["has_keys"])
	}
	keys, _ := body["keys"].(map[string]any)
	masked, _ := keys[keystore.SlotModel].(string)
	if masked == "super-secret-key" || masked == "" {
		t.Errorf("key not redacted: %q", masked)
	}
}

func TestGetConfig_UnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := doJSON(t, env.server.Handler(), http.MethodGet, "/config/nobody", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if body["has_keys"] != false {
		t.Errorf("has_keys: %v", body["has_keys"])
	}
}

func TestClearConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	env.keys.Set("sess-1", map[string]string{keystore.SlotModel: "key"})

	rec, body := doJSON(t, env.server.Handler(), http.MethodDelete, "/config/sess-1", nil)
	if rec.Code != http.StatusOK || body["status"] != "cleared" {
		t.Errorf("status %d, body %v", rec.Code, body)
	}
	if len(env.keys.Get("sess-1")) != 0 {
		t.Error("keys not cleared")
	}
}

// ---- history endpoints ----

func TestGetHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_ = env.store.Append(ctx, "sess-1", history.RoleUser, "hi")
	_ = env.store.Append(ctx, "sess-1", history.RoleAgent, "hello")

	rec, body := doJSON(t, env.server.Handler(), http.MethodGet, "/history/sess-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	records, _ := body["history"].([]any)
	if len(records) != 2 {
		t.Errorf("history: %v", body["history"])
	}
}

func TestGetHistory_Empty(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := doJSON(t, env.server.Handler(), http.MethodGet, "/history/fresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	records, ok := body["history"].([]any)
	if !ok || len(records) != 0 {
		t.Errorf("expected empty array, got %v", body["history"])
	}
}

func TestResetHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_ = env.store.Append(ctx, "sess-1", history.RoleUser, "hi")

	rec, body := doJSON(t, env.server.Handler(), http.MethodDelete, "/history/sess-1", nil)
	if rec.Code != http.StatusOK || body["status"] != "reset" {
		t.Errorf("status %d, body %v", rec.Code, body)
	}
	records, _ := env.store.Read(ctx, "sess-1")
	if len(records) != 0 {
		t.Error("history not reset")
	}
}

// ---- probes and metrics ----

func TestProbeRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.server.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
	}
}
