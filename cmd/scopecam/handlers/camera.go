package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/scopecam/pkg/camera"
	"github.com/wachiwi/scopecam/pkg/store"
)

// CameraHandler owns the one camera session on behalf of the HTTP layer,
// the time-lapse scheduler and the hardware trigger. The session itself is
// fully concurrent; the handler's mutex only guards the open/close swap.
type CameraHandler struct {
	Backend camera.Backend
	Store   *store.Store
	Opts    []camera.Option

	mu   sync.Mutex
	sess *camera.Session
}

func (h *CameraHandler) session() *camera.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

// httpStatus maps the camera error taxonomy onto HTTP statuses.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, camera.ErrBusy), errors.Is(err, camera.ErrAlreadyOpen):
		return http.StatusConflict
	case errors.Is(err, camera.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, camera.ErrNotOpen), errors.Is(err, camera.ErrNoFrame),
		errors.Is(err, camera.ErrCancelled), errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, camera.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, camera.ErrOutOfRange), errors.Is(err, camera.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}

type openRequest struct {
	DeviceID string `json:"device_id"`
}

// OpenCamera opens a device and starts streaming. With no device_id the
// first enumerated camera is used.
func (h *CameraHandler) OpenCamera(c *gin.Context) {
	var req openRequest
	_ = c.ShouldBindJSON(&req) // empty body means default device

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sess != nil {
		abortWith(c, camera.ErrAlreadyOpen)
		return
	}

	id := req.DeviceID
	if id == "" {
		descs, err := h.Backend.Enumerate()
		if err != nil || len(descs) == 0 {
			abortWith(c, camera.ErrDeviceNotFound)
			return
		}
		id = descs[0].ID
	}

	sess, err := camera.Open(h.Backend, id, h.Opts...)
	if err != nil {
		abortWith(c, err)
		return
	}
	h.sess = sess
	c.JSON(http.StatusOK, sess.Status())
}

// CloseCamera shuts the session down; a no-op when nothing is open.
func (h *CameraHandler) CloseCamera(c *gin.Context) {
	h.mu.Lock()
	sess := h.sess
	h.sess = nil
	h.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			abortWith(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"open": false})
}

// Shutdown closes the session during process teardown.
func (h *CameraHandler) Shutdown() {
	h.mu.Lock()
	sess := h.sess
	h.sess = nil
	h.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

// Status reports the session snapshot, or a closed placeholder.
func (h *CameraHandler) Status(c *gin.Context) {
	sess := h.session()
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"open": false})
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

// Frame serves the latest cached preview frame as a single JPEG.
func (h *CameraHandler) Frame(c *gin.Context) {
	sess := h.session()
	if sess == nil {
		abortWith(c, camera.ErrNotOpen)
		return
	}
	f, err := sess.LatestFrame()
	if err != nil {
		abortWith(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "image/jpeg", f.Data)
}

// Stream serves an MJPEG stream paced by the camera's true frame rate: each
// part is sent when a newer frame lands in the cache, not on a wall-clock
// ticker.
func (h *CameraHandler) Stream(c *gin.Context) {
	sess := h.session()
	if sess == nil {
		c.String(http.StatusServiceUnavailable, "Camera not open")
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "Streaming not supported")
		return
	}

	var lastSeq uint64
	for {
		select {
		case <-c.Request.Context().Done():
			return
		default:
		}

		f, err := sess.AwaitFrame(lastSeq, time.Second)
		if errors.Is(err, camera.ErrTimeout) {
			continue // stream quiet, keep the connection alive
		}
		if err != nil {
			return // session closed
		}
		lastSeq = f.Seq

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(f.Data))
		if _, err := w.Write(f.Data); err != nil {
			return
		}
		fmt.Fprintf(w, "\r\n")
		flusher.Flush()
	}
}

type captureRequest struct {
	ResolutionIndex *int   `json:"resolution_index"`
	Filename        string `json:"filename"`
}

type captureResponse struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Capture runs one still capture. With no filename the result lands in the
// capture store (and the active capture session, if any).
func (h *CameraHandler) Capture(c *gin.Context) {
	sess := h.session()
	if sess == nil {
		abortWith(c, camera.ErrNotOpen)
		return
	}

	var req captureRequest
	_ = c.ShouldBindJSON(&req)

	resIndex := -1 // session default
	if req.ResolutionIndex != nil {
		resIndex = *req.ResolutionIndex
	}

	res, err := sess.CaptureStill(resIndex, req.Filename)
	if err != nil {
		abortWith(c, err)
		return
	}

	path := res.Path
	if path == "" {
		path, err = h.Store.SaveCapture(res.Data, res.Width, res.Height)
		if err != nil {
			abortWith(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, captureResponse{Path: path, Width: res.Width, Height: res.Height})
}

// CaptureToStore is the non-HTTP capture entry point used by the time-lapse
// scheduler and the GPIO shutter button.
func (h *CameraHandler) CaptureToStore() (string, error) {
	sess := h.session()
	if sess == nil {
		return "", camera.ErrNotOpen
	}
	res, err := sess.CaptureStill(-1, "")
	if err != nil {
		return "", err
	}
	path, err := h.Store.SaveCapture(res.Data, res.Width, res.Height)
	if err != nil {
		return "", err
	}
	slog.Info("capture stored", "path", path)
	return path, nil
}
