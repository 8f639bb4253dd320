package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"retouch/internal/backend"
	"retouch/internal/images"
	"retouch/internal/logging"
	"retouch/internal/service"
	"retouch/internal/session"
	"retouch/internal/task"
)

type stubGenerator struct {
	err error
}

func (g *stubGenerator) Generate(ctx context.Context, req backend.GenerateRequest) (*backend.GenerateResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &backend.GenerateResult{
		Text:    "rendered",
		Context: backend.Context{"c1", "r1", "rc1"},
	}, nil
}

type env struct {
	srv      *Server
	sessions *session.Store
	tasks    *task.Registry
	gen      *stubGenerator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	imgStore, err := images.NewStore(images.StoreConfig{OutputDir: t.TempDir()}, logging.Nop())
	require.NoError(t, err)

	gen := &stubGenerator{}
	sessions := session.NewStore(0, logging.Nop())
	tasks := task.NewRegistry(logging.Nop())
	svc := service.New(service.DefaultConfig(), service.Deps{
		Generator: gen,
		Sessions:  sessions,
		Tasks:     tasks,
		Images:    imgStore,
		Logger:    logging.Nop(),
	})

	cfg := DefaultConfig()
	cfg.EnableCORS = false
	srv := NewServer(cfg, Deps{
		Service:  svc,
		Tasks:    tasks,
		Sessions: sessions,
		Logger:   logging.Nop(),
	})
	return &env{srv: srv, sessions: sessions, tasks: tasks, gen: gen}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateSessionReturnsResultInline(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/sessions", map[string]any{"prompt": "draw a fox"})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	require.NotEmpty(t, body["session_id"])
	require.Equal(t, "rendered", body["text"])
	require.Equal(t, 1, e.sessions.Len())
}

func TestCreateSessionRequiresPrompt(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/sessions", map[string]any{"model": "gemini-2.5-flash"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSessionRejectsUnknownModel(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/sessions", map[string]any{"prompt": "hi", "model": "nope"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decode(t, w)["error"], "nope")
}

func TestContinueSessionRoundTrip(t *testing.T) {
	e := newEnv(t)

	created := decode(t, e.do(t, http.MethodPost, "/sessions", map[string]any{"prompt": "draw a fox"}))
	sessionID := created["session_id"].(string)

	w := e.do(t, http.MethodPost, "/sessions/"+sessionID+"/messages", map[string]any{"prompt": "make it red"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, sessionID, decode(t, w)["session_id"])

	snapshot := decode(t, e.do(t, http.MethodGet, "/sessions/"+sessionID, nil))
	history := snapshot["history"].([]any)
	require.Len(t, history, 2)
}

func TestContinueSessionUnknownReturns404(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/sessions/session-missing/messages", map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestContinueSessionBusyReturns409(t *testing.T) {
	e := newEnv(t)

	created := decode(t, e.do(t, http.MethodPost, "/sessions", map[string]any{"prompt": "draw a fox"}))
	sessionID := created["session_id"].(string)

	_, err := e.sessions.Begin(sessionID)
	require.NoError(t, err)
	defer e.sessions.Abort(sessionID)

	w := e.do(t, http.MethodPost, "/sessions/"+sessionID+"/messages", map[string]any{"prompt": "again"})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestBackendFailureMapsToBadGateway(t *testing.T) {
	e := newEnv(t)
	e.gen.err = backend.ErrAuthExpired

	w := e.do(t, http.MethodPost, "/sessions", map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSubmitAsyncAcceptsAndCompletes(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/sessions/async", map[string]any{"prompt": "draw a fox"})
	require.Equal(t, http.StatusAccepted, w.Code)

	body := decode(t, w)
	taskID := body["task_id"].(string)
	require.Equal(t, "pending", body["status"])
	require.NotEmpty(t, body["message"])

	require.Eventually(t, func() bool {
		poll := e.do(t, http.MethodGet, "/tasks/"+taskID, nil)
		if poll.Code != http.StatusOK {
			return false
		}
		return decode(t, poll)["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	final := decode(t, e.do(t, http.MethodGet, "/tasks/"+taskID, nil))
	require.NotNil(t, final["result"])
	require.Nil(t, final["error"])
}

func TestSubmitAsyncRejectsUnknownModelBeforeAccepting(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/sessions/async", map[string]any{
		"prompt": "draw a fox",
		"model":  "gemini-9000",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decode(t, w)["error"], "invalid model")
	require.Equal(t, 0, e.tasks.Len())
}

func TestGetTaskUnknownReturns404(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/tasks/task-missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTasksPaginates(t *testing.T) {
	e := newEnv(t)
	for range 3 {
		e.tasks.Create("")
	}

	body := decode(t, e.do(t, http.MethodGet, "/tasks?limit=2", nil))
	require.Len(t, body["tasks"], 2)
	require.EqualValues(t, 3, body["total"])
}

func TestListModels(t *testing.T) {
	e := newEnv(t)

	body := decode(t, e.do(t, http.MethodGet, "/models", nil))
	require.Contains(t, body["models"], "gemini-2.5-flash")
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decode(t, w)["status"])
}
