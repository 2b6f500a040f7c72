package camera

import "fmt"

// RangedValue is a device parameter together with its reported bounds.
type RangedValue struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Default int `json:"default"`
	Current int `json:"current"`
}

// WhiteBalance is the current color temperature and tint.
type WhiteBalance struct {
	Temp int `json:"temp"`
	Tint int `json:"tint"`
}

// Settings is a read-through snapshot of the device's tunable parameters.
// It has no lifecycle of its own; every call reflects the device at query
// time.
type Settings struct {
	Exposure     RangedValue  `json:"exposure"`
	Gain         RangedValue  `json:"gain"`
	AutoExposure bool         `json:"auto_exposure"`
	WhiteBalance WhiteBalance `json:"white_balance"`
}

// Settings reads the full parameter snapshot.
func (s *Session) Settings() (Settings, error) {
	if s.closed() {
		return Settings{}, ErrNotOpen
	}

	var out Settings
	var err error
	if out.Exposure, err = s.ranged(ParamExposureUS); err != nil {
		return Settings{}, err
	}
	if out.Gain, err = s.ranged(ParamGainPercent); err != nil {
		return Settings{}, err
	}
	ae, err := s.dev.GetParam(ParamAutoExposure)
	if err != nil {
		return Settings{}, err
	}
	out.AutoExposure = ae != 0
	if out.WhiteBalance.Temp, err = s.dev.GetParam(ParamWBTemp); err != nil {
		return Settings{}, err
	}
	if out.WhiteBalance.Tint, err = s.dev.GetParam(ParamWBTint); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func (s *Session) ranged(p Param) (RangedValue, error) {
	r, err := s.dev.ParamRange(p)
	if err != nil {
		return RangedValue{}, err
	}
	cur, err := s.dev.GetParam(p)
	if err != nil {
		return RangedValue{}, err
	}
	return RangedValue{Min: r.Min, Max: r.Max, Default: r.Default, Current: cur}, nil
}

// SetExposure sets the exposure time in microseconds. Manual exposure
// implies auto-exposure off, matching the hardware SDK.
func (s *Session) SetExposure(us int) error {
	if err := s.beginConfig(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	if err := s.dev.SetParam(ParamAutoExposure, 0); err != nil {
		return err
	}
	return s.dev.SetParam(ParamExposureUS, us)
}

// SetGain sets the analog gain in percent and disables auto-exposure.
func (s *Session) SetGain(percent int) error {
	if err := s.beginConfig(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	if err := s.dev.SetParam(ParamAutoExposure, 0); err != nil {
		return err
	}
	return s.dev.SetParam(ParamGainPercent, percent)
}

// SetAutoExposure toggles the device's auto-exposure loop.
func (s *Session) SetAutoExposure(enabled bool) error {
	if err := s.beginConfig(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	v := 0
	if enabled {
		v = 1
	}
	return s.dev.SetParam(ParamAutoExposure, v)
}

// SetWhiteBalance sets color temperature and/or tint; nil leaves the
// respective value untouched.
func (s *Session) SetWhiteBalance(temp, tint *int) error {
	if temp == nil && tint == nil {
		return fmt.Errorf("%w: neither temp nor tint given", ErrOutOfRange)
	}
	if err := s.beginConfig(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	if temp != nil {
		if err := s.dev.SetParam(ParamWBTemp, *temp); err != nil {
			return err
		}
	}
	if tint != nil {
		if err := s.dev.SetParam(ParamWBTint, *tint); err != nil {
			return err
		}
	}
	return nil
}

// AutoWhiteBalanceOnce runs the device's one-shot white balance.
func (s *Session) AutoWhiteBalanceOnce() error {
	if err := s.beginConfig(); err != nil {
		return err
	}
	defer s.opMu.Unlock()
	return s.dev.AutoWhiteBalanceOnce()
}
