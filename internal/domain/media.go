package domain

// Device is a local capture device.
type Device struct {
	ID    string    `json:"deviceId"`
	Kind  MediaKind `json:"kind"`
	Label string    `json:"label"`
}

// MediaConstraints selects what to capture. A zero Width/Height/FrameRate
// leaves the choice to the driver.
type MediaConstraints struct {
	Audio       bool
	Video       bool
	AudioDevice string
	VideoDevice string
	Width       int
	Height      int
	FrameRate   float64
}

// Only returns a copy restricted to one kind, pinned to deviceID.
func (c MediaConstraints) Only(kind MediaKind, deviceID string) MediaConstraints {
	out := c
	out.Audio = kind == KindAudio
	out.Video = kind == KindVideo
	if kind == KindAudio {
		out.AudioDevice = deviceID
	} else {
		out.VideoDevice = deviceID
	}
	return out
}

func (c MediaConstraints) Device(kind MediaKind) string {
	if kind == KindVideo {
		return c.VideoDevice
	}
	return c.AudioDevice
}
