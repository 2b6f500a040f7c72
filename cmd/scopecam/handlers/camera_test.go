package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/scopecam/pkg/camera"
	"github.com/wachiwi/scopecam/pkg/store"
)

func testRouter(t *testing.T) (*gin.Engine, *CameraHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	backend := camera.NewSimulatedBackend(
		camera.WithFrameInterval(5*time.Millisecond),
		camera.WithStillLatency(10*time.Millisecond),
	)
	h := &CameraHandler{Backend: backend, Store: st}
	t.Cleanup(h.Shutdown)

	r := gin.New()
	r.GET("/frame", h.Frame)
	r.POST("/capture", h.Capture)
	r.GET("/camera/status", h.Status)
	r.POST("/camera/open", h.OpenCamera)
	r.POST("/camera/close", h.CloseCamera)
	r.PUT("/settings/resolution", h.SetResolution)
	return r, h
}

func do(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStatusWhenClosed(t *testing.T) {
	r, _ := testRouter(t)

	w := do(t, r, http.MethodGet, "/camera/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if open, _ := body["open"].(bool); open {
		t.Error("reported open with no session")
	}
}

func TestFrameBeforeOpen(t *testing.T) {
	r, _ := testRouter(t)
	if w := do(t, r, http.MethodGet, "/frame", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("frame before open = %d, want 503", w.Code)
	}
}

func TestOpenCaptureClose(t *testing.T) {
	r, _ := testRouter(t)

	if w := do(t, r, http.MethodPost, "/camera/open", ""); w.Code != http.StatusOK {
		t.Fatalf("open = %d: %s", w.Code, w.Body.String())
	}

	// Double open conflicts.
	if w := do(t, r, http.MethodPost, "/camera/open", ""); w.Code != http.StatusConflict {
		t.Errorf("second open = %d, want 409", w.Code)
	}

	// Wait until the stream produced a frame, then fetch it.
	deadline := time.Now().Add(2 * time.Second)
	var frame *httptest.ResponseRecorder
	for time.Now().Before(deadline) {
		frame = do(t, r, http.MethodGet, "/frame", "")
		if frame.Code == http.StatusOK {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if frame.Code != http.StatusOK {
		t.Fatalf("no frame within deadline, last status %d", frame.Code)
	}
	if ct := frame.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("frame content type %q", ct)
	}
	if !bytes.HasPrefix(frame.Body.Bytes(), []byte{0xFF, 0xD8}) {
		t.Error("frame payload is not JPEG")
	}

	w := do(t, r, http.MethodPost, "/capture", `{"resolution_index":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("capture = %d: %s", w.Code, w.Body.String())
	}
	var resp captureResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Path == "" || resp.Width == 0 {
		t.Errorf("incomplete capture response: %+v", resp)
	}

	if w := do(t, r, http.MethodPost, "/camera/close", ""); w.Code != http.StatusOK {
		t.Fatalf("close = %d", w.Code)
	}
	// Idempotent.
	if w := do(t, r, http.MethodPost, "/camera/close", ""); w.Code != http.StatusOK {
		t.Errorf("second close = %d, want 200", w.Code)
	}
}

func TestSetResolutionValidation(t *testing.T) {
	r, _ := testRouter(t)

	if w := do(t, r, http.MethodPut, "/settings/resolution", `{"index":1}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("set resolution before open = %d, want 503", w.Code)
	}

	if w := do(t, r, http.MethodPost, "/camera/open", ""); w.Code != http.StatusOK {
		t.Fatalf("open = %d", w.Code)
	}
	if w := do(t, r, http.MethodPut, "/settings/resolution", `{"index":1}`); w.Code != http.StatusOK {
		t.Errorf("set resolution = %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodPut, "/settings/resolution", `{"index":99}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad index = %d, want 422", w.Code)
	}
	if w := do(t, r, http.MethodPut, "/settings/resolution", `{}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing index = %d, want 422", w.Code)
	}
}
