package camera

import "errors"

// Error taxonomy for the acquisition core. Native SDK failures are translated
// into these at the device boundary; nothing device-specific crosses into the
// HTTP layer.
var (
	ErrDeviceNotFound    = errors.New("camera: device not found")
	ErrAlreadyOpen       = errors.New("camera: device already open")
	ErrNotOpen           = errors.New("camera: no open session")
	ErrBusy              = errors.New("camera: conflicting operation in progress")
	ErrTimeout           = errors.New("camera: operation timed out")
	ErrNoFrame           = errors.New("camera: no frame available yet")
	ErrUnsupportedFormat = errors.New("camera: unsupported pixel layout")
	ErrOutOfRange        = errors.New("camera: parameter value out of range")
	ErrDeviceUnavailable = errors.New("camera: device call failed")
	ErrCancelled         = errors.New("camera: operation cancelled by close")
)
