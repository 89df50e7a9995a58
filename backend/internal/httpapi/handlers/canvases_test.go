package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/httpapi/middleware"
	"canvasCollab/backend/internal/store"
)

type memRepo struct {
	mu   sync.Mutex
	data map[string]store.Canvas
}

func (m *memRepo) Put(ctx context.Context, canvasID, ownerID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[canvasID] = store.Canvas{CanvasID: canvasID, OwnerID: ownerID, Data: data}
	return nil
}

func (m *memRepo) Get(ctx context.Context, canvasID string) (*store.Canvas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[canvasID]
	if !ok {
		return nil, store.ErrCanvasNotFound
	}
	return &c, nil
}

func newTestRouter(repo CanvasRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(middleware.CtxUserID, "u1"); c.Next() })
	NewCanvases(repo, zerolog.Nop()).Register(r)
	r.GET("/healthz", Healthz)
	return r
}

func TestCanvases_PutThenGet(t *testing.T) {
	repo := &memRepo{data: map[string]store.Canvas{}}
	r := newTestRouter(repo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/canvases/c1", strings.NewReader(`{"elements":[]}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d %s", w.Code, w.Body.String())
	}
	if repo.data["c1"].OwnerID != "u1" {
		t.Fatalf("owner = %q", repo.data["c1"].OwnerID)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/canvases/c1", nil))
	if w.Code != http.StatusOK || w.Body.String() != `{"elements":[]}` {
		t.Fatalf("GET = %d %s", w.Code, w.Body.String())
	}
}

func TestCanvases_Errors(t *testing.T) {
	r := newTestRouter(&memRepo{data: map[string]store.Canvas{}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/canvases/none", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing canvas status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/canvases/c1", strings.NewReader(`not json`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
}
