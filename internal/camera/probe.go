package camera

import (
	"errors"
	"os"

	"github.com/andresmejia3/rollcall/internal/utils"
)

// Diagnostics is the result of a non-capturing camera check.
type Diagnostics struct {
	Device        string
	Format        string
	FFmpeg        bool
	DevicePresent bool // only meaningful for path-addressed devices
	Openable      bool
	Err           error
}

// Probe checks ffmpeg availability and whether the device can be opened,
// without starting a capture.
func Probe(cfg Config) Diagnostics {
	d := Diagnostics{Device: cfg.Device, Format: cfg.Format, FFmpeg: utils.FFmpegAvailable()}

	if cfg.Format != "" && cfg.Format != "v4l2" {
		// Named/indexed devices cannot be checked without ffmpeg itself
		d.DevicePresent = true
		d.Openable = d.FFmpeg
		if !d.FFmpeg {
			d.Err = ErrCaptureUnavailable
		}
		return d
	}

	if _, err := os.Stat(cfg.Device); err == nil {
		d.DevicePresent = true
	}
	if err := checkDevice(cfg.Device, cfg.Format); err != nil {
		d.Err = err
		return d
	}
	d.Openable = true
	if !d.FFmpeg {
		d.Err = ErrCaptureUnavailable
	}
	return d
}

// Ready reports whether a capture is expected to start.
func (d Diagnostics) Ready() bool {
	return d.FFmpeg && d.Openable && d.Err == nil
}

// Reason returns the operator-facing explanation when not Ready.
func (d Diagnostics) Reason() string {
	if d.Err == nil {
		return ""
	}
	for _, known := range []error{ErrPermissionDenied, ErrDeviceNotFound, ErrDeviceBusy, ErrCaptureUnavailable} {
		if errors.Is(d.Err, known) {
			return known.Error()
		}
	}
	return d.Err.Error()
}
