// Package camera implements the acquisition core for a single microscope
// camera: it owns the native device handle, ingests frames delivered on the
// vendor's callback goroutine, and arbitrates between a continuous low-latency
// preview stream and a mutually exclusive high-resolution still path.
package camera

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultStillTimeout = 10 * time.Second
	streamJPEGQuality   = 35
	stillJPEGQuality    = 95

	// Consecutive codec failures before the stream is reported stalled.
	stallThreshold = 30
)

// StreamFrame is the most recently decoded preview frame. Data is immutable
// once published; holders may keep the slice for as long as they need without
// blocking the producer.
type StreamFrame struct {
	Data      []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// StillResult is the outcome of a successful CaptureStill.
type StillResult struct {
	Data   []byte
	Width  int
	Height int
	Path   string
}

// Status is a point-in-time snapshot of the session for status endpoints.
type Status struct {
	Open              bool         `json:"open"`
	DeviceID          string       `json:"device_id"`
	DeviceName        string       `json:"device_name"`
	StreamResolution  Resolution   `json:"stream_resolution"`
	StreamResIndex    int          `json:"stream_res_index"`
	StillResIndex     int          `json:"still_res_index"`
	FrameCount        uint64       `json:"frame_count"`
	CaptureCount      uint64       `json:"capture_count"`
	FPS               float64      `json:"fps"`
	Stalled           bool         `json:"stalled"`
	Mono              bool         `json:"mono"`
	StreamResolutions []Resolution `json:"resolutions"`
	StillResolutions  []Resolution `json:"still_resolutions"`
}

type stillResult struct {
	frame RawFrame
}

// Session is one opened camera. It is created by Open and must be released
// with Close; the underlying Device is owned exclusively for the whole
// lifetime. All methods are safe for concurrent use.
//
// Two independent synchronization domains keep the preview path live during
// a slow still transaction: frameMu protects only the latest-frame cache and
// is held for swap/copy durations, while opMu serializes device-mutating
// operations and is held by CaptureStill for its entire transaction.
type Session struct {
	dev  Device
	desc Descriptor
	log  *slog.Logger

	closeOnce sync.Once
	closeCh   chan struct{}

	// opMu: open/close/resolution/settings/still transaction. The indices
	// are atomics so Status can read them without entering the region.
	opMu      sync.Mutex
	streamRes atomic.Int32
	stillRes  atomic.Int32

	// frameMu: latest-frame cache. frameCh is closed and replaced on every
	// cache swap; waiters grab the current channel and block on it.
	frameMu sync.Mutex
	frameCh chan struct{}
	latest  *StreamFrame
	seq     uint64

	// stillMu: the single pending still request slot.
	stillMu      sync.Mutex
	stillPending bool
	stillCh      chan stillResult

	streamCodec *Codec // only touched on the ingestion goroutine
	stillCodec  *Codec // only touched under opMu

	stillTimeout time.Duration

	frameCount   atomic.Uint64
	captureCount atomic.Uint64
	codecFails   atomic.Int32
	stalled      atomic.Bool

	// FPS bookkeeping, ingestion goroutine only; published via fpsBits.
	fpsWindowStart  time.Time
	fpsWindowFrames int
	fpsBits         atomic.Uint64

	metrics sessionMetrics
}

// Option configures a Session at Open time.
type Option func(*Session)

// WithStillTimeout bounds how long CaptureStill waits for the hardware
// still event before failing with ErrTimeout.
func WithStillTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stillTimeout = d
		}
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Open claims the device with the given id from the backend, starts frame
// delivery and returns the session. The preview stream starts at the lowest
// resolution for speed; still captures default to the highest. Errors:
// ErrDeviceNotFound for an unknown id, ErrAlreadyOpen when the device is
// already owned.
func Open(b Backend, deviceID string, opts ...Option) (*Session, error) {
	dev, err := b.Open(deviceID)
	if err != nil {
		return nil, err
	}

	desc := dev.Descriptor()
	if len(desc.StreamResolutions) == 0 {
		_ = dev.Stop()
		return nil, fmt.Errorf("%w: device %s reports no resolutions", ErrDeviceUnavailable, deviceID)
	}

	s := &Session{
		dev:          dev,
		desc:         desc,
		log:          slog.Default(),
		closeCh:      make(chan struct{}),
		frameCh:      make(chan struct{}),
		streamCodec:  NewCodec(streamJPEGQuality),
		stillCodec:   NewCodec(stillJPEGQuality),
		stillTimeout: defaultStillTimeout,
		metrics:      newSessionMetrics(),
	}
	s.streamRes.Store(int32(len(desc.StreamResolutions) - 1)) // lowest, fastest
	s.stillRes.Store(0)                                       // highest
	for _, opt := range opts {
		opt(s)
	}

	if err := dev.SetStreamResolution(int(s.streamRes.Load())); err != nil {
		_ = dev.Stop()
		return nil, err
	}
	if err := dev.Start(s); err != nil {
		_ = dev.Stop()
		return nil, err
	}

	res := desc.StreamResolutions[s.streamRes.Load()]
	s.log.Info("camera opened",
		"device", desc.Name,
		"stream", fmt.Sprintf("%dx%d", res.Width, res.Height),
		"still_resolutions", len(desc.StillResolutions))
	return s, nil
}

// Close stops ingestion, cancels any in-flight still capture with
// ErrCancelled, releases the device and clears the frame cache. Idempotent
// and safe to call from any goroutine, including while CaptureStill or
// AwaitFrame are blocked.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		// Wake everyone first; a blocked CaptureStill must observe the
		// cancellation and release opMu before the handle can go away.
		close(s.closeCh)

		s.opMu.Lock()
		if err := s.dev.Stop(); err != nil {
			s.log.Warn("device stop failed", "error", err)
		}
		s.opMu.Unlock()

		s.frameMu.Lock()
		s.latest = nil
		close(s.frameCh)
		s.frameCh = make(chan struct{})
		s.frameMu.Unlock()

		s.log.Info("camera closed", "device", s.desc.Name)
	})
	return nil
}

func (s *Session) closed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// LatestFrame returns the current cached preview frame without blocking.
func (s *Session) LatestFrame() (StreamFrame, error) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.latest == nil {
		if s.closed() {
			return StreamFrame{}, ErrNotOpen
		}
		return StreamFrame{}, ErrNoFrame
	}
	return *s.latest, nil
}

// AwaitFrame blocks until a frame with a sequence number greater than
// lastSeq is cached, then returns it. Pass 0 on the first call and the
// returned frame's Seq afterwards; each caller then observes strictly
// increasing sequence numbers with no duplicates. Returns ErrTimeout when
// the bound elapses and ErrCancelled when the session closes mid-wait.
func (s *Session) AwaitFrame(lastSeq uint64, timeout time.Duration) (StreamFrame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.frameMu.Lock()
		if s.latest != nil && s.latest.Seq > lastSeq {
			f := *s.latest
			s.frameMu.Unlock()
			return f, nil
		}
		ch := s.frameCh
		s.frameMu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return StreamFrame{}, ErrTimeout
		case <-s.closeCh:
			return StreamFrame{}, ErrCancelled
		}
	}
}

// IngestStreamFrame runs on the device's ingestion goroutine. It decodes the
// raw buffer, swaps the result into the cache under frameMu and wakes all
// waiters. No file, network or blocking work happens here. Codec failures
// drop the frame; enough of them in a row mark the stream stalled in Status.
func (s *Session) IngestStreamFrame(f RawFrame) {
	if s.closed() {
		return
	}

	data, err := s.streamCodec.Encode(f)
	if err != nil {
		s.metrics.addDropped()
		if s.codecFails.Add(1) >= stallThreshold {
			s.stalled.Store(true)
		}
		return
	}
	s.codecFails.Store(0)
	s.stalled.Store(false)

	now := time.Now()
	s.frameCount.Add(1)
	s.metrics.addIngested()
	s.updateFPS(now)

	s.frameMu.Lock()
	s.seq++
	// Payload and dimensions are stored together so a resolution change can
	// never pair a new frame with stale geometry.
	s.latest = &StreamFrame{
		Data:      data,
		Width:     f.Width,
		Height:    f.Height,
		Seq:       s.seq,
		Timestamp: now,
	}
	close(s.frameCh)
	s.frameCh = make(chan struct{})
	s.frameMu.Unlock()
}

// IngestStillFrame runs on the device's ingestion goroutine. A frame with no
// pending request is a spurious event and is discarded; otherwise the pending
// request is resolved exactly once and the blocked CaptureStill caller wakes.
func (s *Session) IngestStillFrame(f RawFrame) {
	s.stillMu.Lock()
	if !s.stillPending {
		s.stillMu.Unlock()
		s.log.Debug("discarding still frame with no pending request",
			"size", fmt.Sprintf("%dx%d", f.Width, f.Height))
		return
	}
	s.stillPending = false
	ch := s.stillCh
	s.stillMu.Unlock()

	// The device may reuse its buffer after this handler returns; the copy
	// is the only allocation allowed on this path.
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data

	select {
	case ch <- stillResult{frame: f}:
	default:
	}
}

// CaptureStill runs one hardware still transaction: trigger, bounded wait for
// the still event, encode, optional save to filename. It fails fast with
// ErrBusy while another capture is pending and never interrupts preview
// ingestion. resIndex selects an entry of the device's still resolution
// table; pass a negative index for the session's current still resolution.
// On a device without hardware still support the current preview frame is
// saved instead, as the original hardware lacks a snap path there.
func (s *Session) CaptureStill(resIndex int, filename string) (StillResult, error) {
	if s.closed() {
		return StillResult{}, ErrNotOpen
	}

	if len(s.desc.StillResolutions) == 0 {
		return s.captureFromStream(filename)
	}

	// Claim the single request slot before anything else so a concurrent
	// caller gets ErrBusy immediately instead of queueing behind opMu.
	s.stillMu.Lock()
	if s.stillPending {
		s.stillMu.Unlock()
		return StillResult{}, ErrBusy
	}
	s.stillPending = true
	ch := make(chan stillResult, 1)
	s.stillCh = ch
	s.stillMu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed() {
		s.clearPending()
		return StillResult{}, ErrCancelled
	}

	if resIndex < 0 {
		resIndex = int(s.stillRes.Load())
	}
	if resIndex >= len(s.desc.StillResolutions) {
		// Bad indices clamp to the highest resolution rather than failing
		// the capture, matching the hardware SDK's own behavior.
		resIndex = 0
	}
	s.stillRes.Store(int32(resIndex))

	if err := s.dev.TriggerStill(resIndex); err != nil {
		s.clearPending()
		return StillResult{}, err
	}

	timer := time.NewTimer(s.stillTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return s.finishStill(res.frame, filename)
	case <-timer.C:
		s.clearPending()
		return StillResult{}, ErrTimeout
	case <-s.closeCh:
		s.clearPending()
		return StillResult{}, ErrCancelled
	}
}

// clearPending abandons the current still request slot, if still claimed.
func (s *Session) clearPending() {
	s.stillMu.Lock()
	s.stillPending = false
	s.stillCh = nil
	s.stillMu.Unlock()
}

// finishStill encodes and optionally persists a resolved still frame.
// Runs on the caller's goroutine with opMu held.
func (s *Session) finishStill(f RawFrame, filename string) (StillResult, error) {
	data, err := s.stillCodec.Encode(f)
	if err != nil {
		// Fatal for this request only; the session stays open.
		return StillResult{}, err
	}

	res := StillResult{Data: data, Width: f.Width, Height: f.Height}
	if filename != "" {
		if err := os.WriteFile(filename, data, 0644); err != nil {
			return StillResult{}, fmt.Errorf("failed to save still: %w", err)
		}
		res.Path = filename
	}

	s.captureCount.Add(1)
	s.metrics.addStill()
	s.log.Info("still captured", "size", fmt.Sprintf("%dx%d", f.Width, f.Height), "path", res.Path)
	return res, nil
}

// captureFromStream is the fallback for devices without a hardware still
// path: persist the latest preview frame as-is.
func (s *Session) captureFromStream(filename string) (StillResult, error) {
	f, err := s.LatestFrame()
	if err != nil {
		return StillResult{}, err
	}
	res := StillResult{Data: f.Data, Width: f.Width, Height: f.Height}
	if filename != "" {
		if err := os.WriteFile(filename, f.Data, 0644); err != nil {
			return StillResult{}, fmt.Errorf("failed to save still: %w", err)
		}
		res.Path = filename
	}
	s.captureCount.Add(1)
	s.metrics.addStill()
	return res, nil
}

// beginConfig acquires the configuration region, refusing while a still
// transaction is pending. Callers must call s.opMu.Unlock when done.
func (s *Session) beginConfig() error {
	if s.closed() {
		return ErrNotOpen
	}
	s.stillMu.Lock()
	pending := s.stillPending
	s.stillMu.Unlock()
	if pending {
		return ErrBusy
	}
	s.opMu.Lock()
	if s.closed() {
		s.opMu.Unlock()
		return ErrNotOpen
	}
	return nil
}

// SetStreamResolution switches the preview stream to the indexed resolution.
// Fails with ErrBusy during a still transaction. The cache is not cleared:
// the next ingested frame carries the new dimensions and replaces payload
// and geometry atomically.
func (s *Session) SetStreamResolution(index int) error {
	if index < 0 || index >= len(s.desc.StreamResolutions) {
		return fmt.Errorf("%w: stream resolution index %d", ErrOutOfRange, index)
	}
	if err := s.beginConfig(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	if err := s.dev.SetStreamResolution(index); err != nil {
		return err
	}
	s.streamRes.Store(int32(index))
	r := s.desc.StreamResolutions[index]
	s.log.Info("stream resolution changed", "size", fmt.Sprintf("%dx%d", r.Width, r.Height))
	return nil
}

// SetStillResolution selects the default resolution for subsequent still
// captures. Fails with ErrBusy during a still transaction.
func (s *Session) SetStillResolution(index int) error {
	table := s.desc.StillResolutions
	if len(table) == 0 {
		table = s.desc.StreamResolutions
	}
	if index < 0 || index >= len(table) {
		return fmt.Errorf("%w: still resolution index %d", ErrOutOfRange, index)
	}
	if err := s.beginConfig(); err != nil {
		return err
	}
	defer s.opMu.Unlock()
	s.stillRes.Store(int32(index))
	return nil
}

// Descriptor returns the opened device's capabilities.
func (s *Session) Descriptor() Descriptor {
	return s.desc
}

// Status reports a snapshot of the session's state.
func (s *Session) Status() Status {
	streamRes := int(s.streamRes.Load())
	stillRes := int(s.stillRes.Load())

	return Status{
		Open:              !s.closed(),
		DeviceID:          s.desc.ID,
		DeviceName:        s.desc.Name,
		StreamResolution:  s.desc.StreamResolutions[streamRes],
		StreamResIndex:    streamRes,
		StillResIndex:     stillRes,
		FrameCount:        s.frameCount.Load(),
		CaptureCount:      s.captureCount.Load(),
		FPS:               s.fps(),
		Stalled:           s.stalled.Load(),
		Mono:              s.desc.Mono,
		StreamResolutions: s.desc.StreamResolutions,
		StillResolutions:  s.desc.StillResolutions,
	}
}

// updateFPS tracks the ingest rate over one-second windows. Ingestion
// goroutine only; the published value is read through fpsBits.
func (s *Session) updateFPS(now time.Time) {
	if s.fpsWindowStart.IsZero() {
		s.fpsWindowStart = now
	}
	s.fpsWindowFrames++
	if elapsed := now.Sub(s.fpsWindowStart); elapsed >= time.Second {
		rate := float64(s.fpsWindowFrames) / elapsed.Seconds()
		s.fpsBits.Store(math.Float64bits(rate))
		s.fpsWindowStart = now
		s.fpsWindowFrames = 0
	}
}

func (s *Session) fps() float64 {
	return math.Float64frombits(s.fpsBits.Load())
}
