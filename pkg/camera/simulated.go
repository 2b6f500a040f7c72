package camera

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SimulatedBackend is an in-process Backend used when no hardware SDK is
// linked in and by the test suite. Its device produces synthetic RGB frames
// on its own goroutine, which makes it a faithful stand-in for the vendor
// callback thread: the acquisition core cannot pause or cancel it.
type SimulatedBackend struct {
	mu      sync.Mutex
	inUse   map[string]bool
	descs   []Descriptor
	pace    time.Duration
	latency time.Duration
}

// SimOption configures the simulated backend.
type SimOption func(*SimulatedBackend)

// WithFrameInterval sets the synthetic streaming rate (default 33ms).
func WithFrameInterval(d time.Duration) SimOption {
	return func(b *SimulatedBackend) {
		if d > 0 {
			b.pace = d
		}
	}
}

// WithStillLatency sets how long the simulated hardware takes to deliver a
// triggered still frame (default 150ms).
func WithStillLatency(d time.Duration) SimOption {
	return func(b *SimulatedBackend) {
		if d > 0 {
			b.latency = d
		}
	}
}

// NewSimulatedBackend returns a backend exposing one device, "sim0", with
// three preview resolutions (highest first) and two still resolutions.
func NewSimulatedBackend(opts ...SimOption) *SimulatedBackend {
	b := &SimulatedBackend{
		inUse:   make(map[string]bool),
		pace:    33 * time.Millisecond,
		latency: 150 * time.Millisecond,
		descs: []Descriptor{
			{
				ID:   "sim0",
				Name: "Simulated Microscope Camera",
				StreamResolutions: []Resolution{
					{Width: 1280, Height: 960},
					{Width: 640, Height: 480},
					{Width: 320, Height: 240},
				},
				StillResolutions: []Resolution{
					{Width: 2560, Height: 1920},
					{Width: 1280, Height: 960},
				},
			},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enumerate lists the simulated devices.
func (b *SimulatedBackend) Enumerate() ([]Descriptor, error) {
	out := make([]Descriptor, len(b.descs))
	copy(out, b.descs)
	return out, nil
}

// Open claims a device exclusively; a second Open before Stop fails with
// ErrAlreadyOpen.
func (b *SimulatedBackend) Open(id string) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var desc *Descriptor
	for i := range b.descs {
		if b.descs[i].ID == id {
			desc = &b.descs[i]
			break
		}
	}
	if desc == nil {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}
	if b.inUse[id] {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyOpen, id)
	}
	b.inUse[id] = true

	d := &simDevice{
		backend: b,
		desc:    *desc,
		params:  defaultSimParams(),
		ranges:  simParamRanges(),
	}
	return d, nil
}

func (b *SimulatedBackend) release(id string) {
	b.mu.Lock()
	delete(b.inUse, id)
	b.mu.Unlock()
}

func defaultSimParams() map[Param]int {
	return map[Param]int{
		ParamExposureUS:   10000,
		ParamGainPercent:  100,
		ParamAutoExposure: 1,
		ParamWBTemp:       6503,
		ParamWBTint:       1000,
	}
}

func simParamRanges() map[Param]ParamRange {
	return map[Param]ParamRange{
		ParamExposureUS:   {Min: 100, Max: 2000000, Default: 10000},
		ParamGainPercent:  {Min: 100, Max: 500, Default: 100},
		ParamAutoExposure: {Min: 0, Max: 1, Default: 1},
		ParamWBTemp:       {Min: 2000, Max: 15000, Default: 6503},
		ParamWBTint:       {Min: 200, Max: 2500, Default: 1000},
	}
}

type simDevice struct {
	backend *SimulatedBackend
	desc    Descriptor

	mu      sync.Mutex
	params  map[Param]int
	ranges  map[Param]ParamRange
	handler FrameHandler
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	resMu  sync.Mutex
	resIdx int

	frameIdx atomic.Uint32
}

func (d *simDevice) Descriptor() Descriptor { return d.desc }

func (d *simDevice) Start(h FrameHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("%w: already streaming", ErrDeviceUnavailable)
	}
	d.handler = h
	d.running = true
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.streamLoop(h, d.stopCh)
	return nil
}

func (d *simDevice) Stop() error {
	d.mu.Lock()
	if d.running {
		d.running = false
		close(d.stopCh)
	}
	d.mu.Unlock()

	d.wg.Wait()
	// Release the backend slot even if Start was never reached, so a failed
	// open does not leak the device.
	d.backend.release(d.desc.ID)
	return nil
}

// streamLoop is the simulated ingestion context.
func (d *simDevice) streamLoop(h FrameHandler, stop chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.backend.pace)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.resMu.Lock()
			res := d.desc.StreamResolutions[d.resIdx]
			d.resMu.Unlock()
			h.IngestStreamFrame(d.synthFrame(res))
		}
	}
}

func (d *simDevice) SetStreamResolution(index int) error {
	if index < 0 || index >= len(d.desc.StreamResolutions) {
		return fmt.Errorf("%w: stream resolution index %d", ErrOutOfRange, index)
	}
	d.resMu.Lock()
	d.resIdx = index
	d.resMu.Unlock()
	return nil
}

func (d *simDevice) TriggerStill(index int) error {
	if index < 0 || index >= len(d.desc.StillResolutions) {
		return fmt.Errorf("%w: still resolution index %d", ErrOutOfRange, index)
	}
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("%w: not streaming", ErrDeviceUnavailable)
	}
	h := d.handler
	stop := d.stopCh
	d.wg.Add(1) // inside the lock so Stop cannot race the Wait
	d.mu.Unlock()

	res := d.desc.StillResolutions[index]
	go func() {
		defer d.wg.Done()
		select {
		case <-stop:
		case <-time.After(d.backend.latency):
			h.IngestStillFrame(d.synthFrame(res))
		}
	}()
	return nil
}

// synthFrame produces a DIB-padded RGB24 gradient that changes per frame,
// so consecutive frames are distinguishable in tests and in the live view.
func (d *simDevice) synthFrame(res Resolution) RawFrame {
	tickN := d.frameIdx.Add(1)
	stride := DIBStride(res.Width, 24)
	data := make([]byte, stride*res.Height)
	tick := byte(tickN)
	for y := 0; y < res.Height; y++ {
		row := data[y*stride:]
		for x := 0; x < res.Width; x++ {
			row[x*3+0] = tick
			row[x*3+1] = byte((x * 255) / res.Width)
			row[x*3+2] = byte((y * 255) / res.Height)
		}
	}
	return RawFrame{
		Data:   data,
		Width:  res.Width,
		Height: res.Height,
		Stride: stride,
		Format: FormatRGB24,
	}
}

func (d *simDevice) GetParam(p Param) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.params[p]
	if !ok {
		return 0, fmt.Errorf("%w: unknown parameter %q", ErrDeviceUnavailable, p)
	}
	return v, nil
}

func (d *simDevice) SetParam(p Param, v int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.ranges[p]
	if !ok {
		return fmt.Errorf("%w: unknown parameter %q", ErrDeviceUnavailable, p)
	}
	if v < r.Min || v > r.Max {
		return fmt.Errorf("%w: %s=%d outside [%d,%d]", ErrOutOfRange, p, v, r.Min, r.Max)
	}
	d.params[p] = v
	return nil
}

func (d *simDevice) ParamRange(p Param) (ParamRange, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.ranges[p]
	if !ok {
		return ParamRange{}, fmt.Errorf("%w: unknown parameter %q", ErrDeviceUnavailable, p)
	}
	return r, nil
}

func (d *simDevice) AutoWhiteBalanceOnce() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params[ParamWBTemp] = d.ranges[ParamWBTemp].Default
	d.params[ParamWBTint] = d.ranges[ParamWBTint].Default
	return nil
}
