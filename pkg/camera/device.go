package camera

// Resolution is one entry of a device's supported resolution table.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Descriptor identifies an attached camera and its capabilities.
// StreamResolutions are ordered highest first, matching vendor convention;
// StillResolutions may be empty for devices without a hardware still path.
type Descriptor struct {
	ID                string
	Name              string
	StreamResolutions []Resolution
	StillResolutions  []Resolution
	Mono              bool
}

// Param names a device parameter reachable through GetParam/SetParam.
type Param string

const (
	ParamExposureUS   Param = "exposure_us"
	ParamGainPercent  Param = "gain_percent"
	ParamAutoExposure Param = "auto_exposure"
	ParamWBTemp       Param = "wb_temp"
	ParamWBTint       Param = "wb_tint"
)

// ParamRange describes the device-reported bounds for a parameter.
type ParamRange struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Default int `json:"default"`
}

// RawFrame is a frame as handed over by the device: unencoded pixels plus
// enough layout information for the codec. Data is only valid for the
// duration of the handler call unless the device documents otherwise; the
// simulated device always hands over a private buffer.
type RawFrame struct {
	Data   []byte
	Width  int
	Height int
	Stride int
	Format PixelFormat
}

// FrameHandler receives frame events on the device's own goroutine (the
// ingestion context). Implementations must return quickly and must never
// block; the device cannot be delayed or cancelled from here.
type FrameHandler interface {
	// IngestStreamFrame delivers a new preview frame.
	IngestStreamFrame(f RawFrame)
	// IngestStillFrame delivers the result of a TriggerStill call.
	IngestStillFrame(f RawFrame)
}

// Device is the seam to the native SDK. One Device value corresponds to one
// exclusively held native handle; all methods may be called from any
// goroutine, but the Session serializes mutating calls itself.
//
// Implementations translate native error codes into this package's error
// values (ErrOutOfRange, ErrDeviceUnavailable, ...).
type Device interface {
	Descriptor() Descriptor

	// Start begins continuous frame delivery to h. Frames arrive until Stop.
	Start(h FrameHandler) error
	// Stop halts delivery and releases the native handle. Idempotent.
	Stop() error

	// SetStreamResolution switches the preview stream to the indexed entry of
	// Descriptor.StreamResolutions. Frames already in flight may still carry
	// the old dimensions; the next ingested frame is authoritative.
	SetStreamResolution(index int) error

	// TriggerStill asks the hardware for a single capture at the indexed
	// entry of Descriptor.StillResolutions. The result arrives later via
	// FrameHandler.IngestStillFrame; there is no completion signal here.
	TriggerStill(index int) error

	GetParam(p Param) (int, error)
	SetParam(p Param, v int) error
	ParamRange(p Param) (ParamRange, error)
	AutoWhiteBalanceOnce() error
}

// Backend enumerates devices and hands out exclusive Device values. Open
// transfers ownership: a second Open for the same id fails with
// ErrAlreadyOpen until the previous Device has been stopped.
type Backend interface {
	Enumerate() ([]Descriptor, error)
	Open(id string) (Device, error)
}
