package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/rs/zerolog/log"
)

const megabyte = 1024 * 1024

// Device errors. Each has a distinct message fit to show the operator.
var (
	ErrPermissionDenied   = errors.New("camera access denied: allow this user to open the video device")
	ErrDeviceNotFound     = errors.New("no camera found: check that a video device is connected")
	ErrDeviceBusy         = errors.New("camera is busy: another application is using the device")
	ErrCaptureUnavailable = errors.New("ffmpeg not found: install ffmpeg to capture from the camera")
	ErrNoFrame            = errors.New("camera produced no frame before the start timeout")
)

// ProcessError is a capture failure reported by ffmpeg. Cmd carries its logs.
type ProcessError struct {
	Err error
	Cmd *utils.SafeCommand
}

func (e *ProcessError) Error() string { return e.Err.Error() }

func (e *ProcessError) Unwrap() error { return e.Err }

// Config selects the capture device.
type Config struct {
	Device string
	Format string
	// StartTimeout bounds the wait for the first frame. Zero means 10s.
	StartTimeout time.Duration
}

// Stream is an exclusively owned, running camera capture.
type Stream struct {
	out  io.ReadCloser
	wait func() error
	kill func()

	// Set before the stream is handed out; read only by Err.
	device string
	cmd    *utils.SafeCommand

	mu     sync.Mutex
	latest []byte
	frames int

	first    chan struct{}
	done     chan struct{}
	waitErr  error
	stopped  atomic.Bool
	stopOnce sync.Once
}

// Acquire opens the camera and waits for its first frame. Failures are mapped
// to ErrPermissionDenied, ErrDeviceNotFound, ErrDeviceBusy or ErrCaptureUnavailable.
func Acquire(ctx context.Context, cfg Config) (*Stream, error) {
	if !utils.FFmpegAvailable() {
		return nil, ErrCaptureUnavailable
	}
	if err := checkDevice(cfg.Device, cfg.Format); err != nil {
		return nil, err
	}

	cmd := utils.NewCaptureCmd(cfg.Device, cfg.Format)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	log.Debug().Str("device", cfg.Device).Str("format", cfg.Format).Int("pid", cmd.Process.Pid).Msg("camera capture started")

	s := newStream(out, cmd.Wait, func() { _ = cmd.Process.Kill() })
	s.device, s.cmd = cfg.Device, cmd

	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.first:
		return s, nil
	case <-s.done:
		// ffmpeg exited before producing anything; its stderr says why
		return nil, s.failure()
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	case <-timer.C:
		s.Stop()
		return nil, ErrNoFrame
	}
}

func newStream(out io.ReadCloser, wait func() error, kill func()) *Stream {
	s := &Stream{
		out:   out,
		wait:  wait,
		kill:  kill,
		first: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.readFrames()
	return s
}

// readFrames keeps only the most recent frame; older ones are dropped.
func (s *Stream) readFrames() {
	defer close(s.done)

	scanner := bufio.NewScanner(s.out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		frame := bytes.Clone(scanner.Bytes())
		s.mu.Lock()
		s.latest = frame
		s.frames++
		if s.frames == 1 {
			close(s.first)
		}
		s.mu.Unlock()
	}
	// The last frame is stale once the device stops sending
	s.mu.Lock()
	s.latest = nil
	s.mu.Unlock()
	if s.wait != nil {
		s.waitErr = s.wait()
	}
}

// Snapshot decodes the most recent frame at its native resolution.
// It returns nil when no frame with usable dimensions has arrived yet, and
// always once the stream has ended.
func (s *Stream) Snapshot() image.Image {
	select {
	case <-s.done:
		return nil
	default:
	}
	s.mu.Lock()
	data := s.latest
	s.mu.Unlock()
	if len(data) == 0 {
		return nil
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Msg("dropping undecodable frame")
		return nil
	}
	if img.Bounds().Empty() {
		return nil
	}
	return img
}

// Frames reports how many frames have been read so far.
func (s *Stream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Done is closed when ffmpeg stops sending frames, whether it died or Stop
// was called.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err reports why the capture ended on its own, mapped to a device error.
// It is nil while frames are still arriving and after Stop.
func (s *Stream) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	if s.stopped.Load() {
		return nil
	}
	return s.failure()
}

func (s *Stream) failure() error {
	if s.cmd == nil {
		return classifyOutput(s.device, "", s.waitErr)
	}
	return &ProcessError{Err: classifyOutput(s.device, s.cmd.Stderr.String(), s.waitErr), Cmd: s.cmd}
}

// Stop terminates the capture and releases the device. Safe to call more than once.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if s.kill != nil {
			s.kill()
		}
		s.out.Close()
		<-s.done
		log.Debug().Int("frames", s.Frames()).Msg("camera capture stopped")
	})
}

// checkDevice probes path-addressed devices (v4l2) before ffmpeg is started.
// Other demuxers address devices by index or name and are only checked by ffmpeg.
func checkDevice(device, format string) error {
	if format != "" && format != "v4l2" {
		return nil
	}
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return classifyOpenError(device, err)
	}
	return f.Close()
}

func classifyOpenError(device string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w (%s)", ErrDeviceNotFound, device)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w (%s)", ErrPermissionDenied, device)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w (%s)", ErrDeviceBusy, device)
	}
	return fmt.Errorf("failed to open %s: %w", device, err)
}

// classifyOutput maps ffmpeg's stderr to a device error.
func classifyOutput(device, stderr string, waitErr error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w (%s)", ErrPermissionDenied, device)
	case strings.Contains(msg, "device or resource busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("%w (%s)", ErrDeviceBusy, device)
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "could not find"),
		strings.Contains(msg, "not found"), strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w (%s)", ErrDeviceNotFound, device)
	}
	if waitErr == nil {
		waitErr = errors.New("capture ended unexpectedly")
	}
	return fmt.Errorf("camera capture failed: %w: %s", waitErr, strings.TrimSpace(stderr))
}
