package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/scopecam/pkg/camera"
)

// GetSettings returns the full parameter snapshot.
func (h *CameraHandler) GetSettings(c *gin.Context) {
	sess := h.session()
	if sess == nil {
		abortWith(c, camera.ErrNotOpen)
		return
	}
	settings, err := sess.Settings()
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

type resolutionEntry struct {
	Index   int  `json:"index"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
	Current bool `json:"current"`
}

// Resolutions lists the preview resolution table.
func (h *CameraHandler) Resolutions(c *gin.Context) {
	sess := h.session()
	if sess == nil {
		abortWith(c, camera.ErrNotOpen)
		return
	}
	st := sess.Status()
	out := make([]resolutionEntry, 0, len(st.StreamResolutions))
	for i, r := range st.StreamResolutions {
		out = append(out, resolutionEntry{Index: i, Width: r.Width, Height: r.Height, Current: i == st.StreamResIndex})
	}
	c.JSON(http.StatusOK, out)
}

// StillResolutions lists the hardware still table; devices without one fall
// back to the preview table, mirroring the vendor SDK.
func (h *CameraHandler) StillResolutions(c *gin.Context) {
	sess := h.session()
	if sess == nil {
		abortWith(c, camera.ErrNotOpen)
		return
	}
	st := sess.Status()
	table := st.StillResolutions
	if len(table) == 0 {
		table = st.StreamResolutions
	}
	out := make([]resolutionEntry, 0, len(table))
	for i, r := range table {
		out = append(out, resolutionEntry{Index: i, Width: r.Width, Height: r.Height, Current: i == st.StillResIndex})
	}
	c.JSON(http.StatusOK, out)
}

type indexRequest struct {
	Index *int `json:"index" binding:"required"`
}

// SetResolution switches the preview stream resolution.
func (h *CameraHandler) SetResolution(c *gin.Context) {
	h.withSession(c, func(sess *camera.Session) error {
		var req indexRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return camera.ErrOutOfRange
		}
		return sess.SetStreamResolution(*req.Index)
	})
}

// SetCaptureResolution selects the default still resolution.
func (h *CameraHandler) SetCaptureResolution(c *gin.Context) {
	h.withSession(c, func(sess *camera.Session) error {
		var req indexRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return camera.ErrOutOfRange
		}
		return sess.SetStillResolution(*req.Index)
	})
}

type exposureRequest struct {
	TimeUS *int `json:"time_us" binding:"required"`
}

// SetExposure sets manual exposure in microseconds.
func (h *CameraHandler) SetExposure(c *gin.Context) {
	h.withSession(c, func(sess *camera.Session) error {
		var req exposureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return camera.ErrOutOfRange
		}
		return sess.SetExposure(*req.TimeUS)
	})
}

type gainRequest struct {
	Percent *int `json:"percent" binding:"required"`
}

// SetGain sets manual gain in percent.
func (h *CameraHandler) SetGain(c *gin.Context) {
	h.withSession(c, func(sess *camera.Session) error {
		var req gainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return camera.ErrOutOfRange
		}
		return sess.SetGain(*req.Percent)
	})
}

type autoExposureRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetAutoExposure toggles the device auto-exposure loop.
func (h *CameraHandler) SetAutoExposure(c *gin.Context) {
	h.withSession(c, func(sess *camera.Session) error {
		var req autoExposureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return camera.ErrOutOfRange
		}
		return sess.SetAutoExposure(*req.Enabled)
	})
}

type whiteBalanceRequest struct {
	Temp *int `json:"temp"`
	Tint *int `json:"tint"`
}

// SetWhiteBalance sets color temperature and/or tint.
func (h *CameraHandler) SetWhiteBalance(c *gin.Context) {
	h.withSession(c, func(sess *camera.Session) error {
		var req whiteBalanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return camera.ErrOutOfRange
		}
		return sess.SetWhiteBalance(req.Temp, req.Tint)
	})
}

// AutoWhiteBalance runs the one-shot white balance.
func (h *CameraHandler) AutoWhiteBalance(c *gin.Context) {
	h.withSession(c, func(sess *camera.Session) error {
		return sess.AutoWhiteBalanceOnce()
	})
}

// withSession runs fn against the open session and writes a uniform
// ok/error response.
func (h *CameraHandler) withSession(c *gin.Context, fn func(*camera.Session) error) {
	sess := h.session()
	if sess == nil {
		abortWith(c, camera.ErrNotOpen)
		return
	}
	if err := fn(sess); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
