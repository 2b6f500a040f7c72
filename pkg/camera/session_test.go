package camera

import (
	"bytes"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeDevice is a hand-driven Device: tests deliver frames by calling the
// session's ingest methods directly, standing in for the vendor callback
// thread. TriggerStill only records the request; the test decides if and
// when the still event fires.
type fakeDevice struct {
	desc Descriptor

	mu       sync.Mutex
	stopped  bool
	triggers []int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		desc: Descriptor{
			ID:   "fake0",
			Name: "Fake Camera",
			StreamResolutions: []Resolution{
				{Width: 640, Height: 480},
				{Width: 320, Height: 240},
				{Width: 160, Height: 120},
			},
			StillResolutions: []Resolution{
				{Width: 1024, Height: 768},
				{Width: 640, Height: 480},
			},
		},
	}
}

func (d *fakeDevice) Descriptor() Descriptor          { return d.desc }
func (d *fakeDevice) Start(h FrameHandler) error      { return nil }
func (d *fakeDevice) SetStreamResolution(i int) error { return nil }
func (d *fakeDevice) AutoWhiteBalanceOnce() error     { return nil }

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) TriggerStill(index int) error {
	d.mu.Lock()
	d.triggers = append(d.triggers, index)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) GetParam(p Param) (int, error) { return 0, ErrDeviceUnavailable }
func (d *fakeDevice) SetParam(p Param, v int) error { return ErrDeviceUnavailable }

func (d *fakeDevice) ParamRange(p Param) (ParamRange, error) {
	return ParamRange{}, ErrDeviceUnavailable
}

func (d *fakeDevice) triggerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.triggers)
}

func (d *fakeDevice) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// fakeBackend hands out a single prepared device.
type fakeBackend struct {
	dev *fakeDevice
}

func (b *fakeBackend) Enumerate() ([]Descriptor, error) { return []Descriptor{b.dev.desc}, nil }

func (b *fakeBackend) Open(id string) (Device, error) {
	if id != b.dev.desc.ID {
		return nil, ErrDeviceNotFound
	}
	return b.dev, nil
}

func openFake(t *testing.T, opts ...Option) (*Session, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice()
	s, err := Open(&fakeBackend{dev: dev}, "fake0", opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dev
}

func rawTestFrame(res Resolution, fill byte) RawFrame {
	stride := DIBStride(res.Width, 24)
	data := make([]byte, stride*res.Height)
	for i := range data {
		data[i] = fill
	}
	return RawFrame{Data: data, Width: res.Width, Height: res.Height, Stride: stride, Format: FormatRGB24}
}

func TestLatestFrameBeforeFirstIngest(t *testing.T) {
	s, _ := openFake(t)
	if _, err := s.LatestFrame(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
}

func TestAwaitFrameReturnsNewestOnce(t *testing.T) {
	s, dev := openFake(t)
	res := dev.desc.StreamResolutions[2] // session starts at the lowest

	for i := 0; i < 3; i++ {
		s.IngestStreamFrame(rawTestFrame(res, byte(i)))
	}

	f, err := s.AwaitFrame(0, time.Second)
	if err != nil {
		t.Fatalf("AwaitFrame failed: %v", err)
	}
	if f.Seq != 3 {
		t.Errorf("expected newest frame seq 3, got %d", f.Seq)
	}
	if f.Width != res.Width || f.Height != res.Height {
		t.Errorf("frame dimensions %dx%d, want %dx%d", f.Width, f.Height, res.Width, res.Height)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(f.Data)); err != nil {
		t.Errorf("payload is not valid JPEG: %v", err)
	}

	// No newer frame exists; the same frame must not be delivered twice.
	if _, err := s.AwaitFrame(f.Seq, 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAwaitFrameStrictlyIncreasing(t *testing.T) {
	s, dev := openFake(t)
	res := dev.desc.StreamResolutions[2]

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			s.IngestStreamFrame(rawTestFrame(res, byte(i)))
			time.Sleep(time.Millisecond)
		}
	}()

	var last uint64
	seen := 0
	for seen < 20 {
		f, err := s.AwaitFrame(last, time.Second)
		if err != nil {
			t.Fatalf("AwaitFrame failed after seq %d: %v", last, err)
		}
		if f.Seq <= last {
			t.Fatalf("sequence went backwards: %d after %d", f.Seq, last)
		}
		last = f.Seq
		seen++
	}
	<-done
}

func TestAwaitFrameDeliversAcrossResolutionChange(t *testing.T) {
	s, dev := openFake(t)

	s.IngestStreamFrame(rawTestFrame(dev.desc.StreamResolutions[2], 1))
	if err := s.SetStreamResolution(0); err != nil {
		t.Fatalf("SetStreamResolution failed: %v", err)
	}

	// The next frame carries the new geometry; payload and dimensions must
	// arrive together.
	newRes := dev.desc.StreamResolutions[0]
	s.IngestStreamFrame(rawTestFrame(newRes, 2))

	f, err := s.AwaitFrame(1, time.Second)
	if err != nil {
		t.Fatalf("AwaitFrame failed: %v", err)
	}
	if f.Width != newRes.Width || f.Height != newRes.Height {
		t.Errorf("frame after resolution change is %dx%d, want %dx%d",
			f.Width, f.Height, newRes.Width, newRes.Height)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		t.Fatalf("payload is not valid JPEG: %v", err)
	}
	if cfg.Width != f.Width || cfg.Height != f.Height {
		t.Errorf("payload geometry %dx%d disagrees with frame %dx%d",
			cfg.Width, cfg.Height, f.Width, f.Height)
	}
}

func TestCaptureStillSuccess(t *testing.T) {
	s, dev := openFake(t)
	stillRes := dev.desc.StillResolutions[0]
	path := filepath.Join(t.TempDir(), "out.jpg")

	go func() {
		// Wait for the trigger, then deliver like the hardware would.
		for dev.triggerCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		s.IngestStillFrame(rawTestFrame(stillRes, 7))
	}()

	res, err := s.CaptureStill(0, path)
	if err != nil {
		t.Fatalf("CaptureStill failed: %v", err)
	}
	if res.Width != stillRes.Width || res.Height != stillRes.Height {
		t.Errorf("still is %dx%d, want %dx%d", res.Width, res.Height, stillRes.Width, stillRes.Height)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("saved file missing: %v", err)
	}
	if !bytes.Equal(saved, res.Data) {
		t.Error("file content differs from returned payload")
	}
	if got := s.Status().CaptureCount; got != 1 {
		t.Errorf("capture count = %d, want 1", got)
	}
}

func TestCaptureStillBusy(t *testing.T) {
	s, dev := openFake(t)
	stillRes := dev.desc.StillResolutions[0]

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.CaptureStill(0, "")
		firstDone <- err
	}()

	// Wait until the first transaction is in flight.
	for dev.triggerCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if _, err := s.CaptureStill(0, ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := s.SetStreamResolution(1); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from resolution change, got %v", err)
	}

	// The rejected calls must not corrupt the pending transaction.
	s.IngestStillFrame(rawTestFrame(stillRes, 3))
	if err := <-firstDone; err != nil {
		t.Fatalf("pending capture failed after Busy rejections: %v", err)
	}
}

func TestCaptureStillTimeoutLeavesSessionStreaming(t *testing.T) {
	s, dev := openFake(t, WithStillTimeout(80*time.Millisecond))

	start := time.Now()
	_, err := s.CaptureStill(0, "")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v, far beyond the 80ms bound", elapsed)
	}

	// Streaming must be unaffected.
	res := dev.desc.StreamResolutions[2]
	s.IngestStreamFrame(rawTestFrame(res, 9))
	if _, err := s.AwaitFrame(0, time.Second); err != nil {
		t.Fatalf("streaming stalled after still timeout: %v", err)
	}

	// And a late still event is discarded, not delivered to anyone.
	s.IngestStillFrame(rawTestFrame(dev.desc.StillResolutions[0], 1))
}

func TestCloseCancelsBlockedCapture(t *testing.T) {
	dev := newFakeDevice()
	b := &fakeBackend{dev: dev}
	s, err := Open(b, "fake0", WithStillTimeout(time.Minute))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	captureDone := make(chan error, 1)
	go func() {
		_, err := s.CaptureStill(0, "")
		captureDone <- err
	}()
	for dev.triggerCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	s.Close()

	select {
	case err := <-captureDone:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CaptureStill still blocked after Close")
	}

	if !dev.isStopped() {
		t.Error("device was not stopped on Close")
	}
	if _, err := s.LatestFrame(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen from closed session, got %v", err)
	}

	// Idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestCloseWakesAwaitFrame(t *testing.T) {
	s, _ := openFake(t)

	waitDone := make(chan error, 1)
	go func() {
		_, err := s.AwaitFrame(0, time.Minute)
		waitDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	s.Close()

	select {
	case err := <-waitDone:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitFrame still blocked after Close")
	}
}

func TestSpuriousStillFrameDiscarded(t *testing.T) {
	s, dev := openFake(t)

	// No request pending; must be a silent no-op.
	s.IngestStillFrame(rawTestFrame(dev.desc.StillResolutions[0], 5))

	if _, err := s.LatestFrame(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("spurious still leaked into the stream cache: %v", err)
	}
	if got := s.Status().CaptureCount; got != 0 {
		t.Errorf("capture count = %d, want 0", got)
	}
}

func TestIngestDropsUndecodableFramesAndStalls(t *testing.T) {
	s, _ := openFake(t)

	bad := RawFrame{Data: []byte{1, 2, 3}, Width: 640, Height: 480, Stride: 1920, Format: FormatRGB24}
	for i := 0; i < stallThreshold; i++ {
		s.IngestStreamFrame(bad)
	}
	if !s.Status().Stalled {
		t.Fatal("session not marked stalled after repeated codec failures")
	}

	// One good frame recovers the stream.
	s.IngestStreamFrame(rawTestFrame(Resolution{Width: 160, Height: 120}, 1))
	if s.Status().Stalled {
		t.Error("session still stalled after successful ingest")
	}
}
