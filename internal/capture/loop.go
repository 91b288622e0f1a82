package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 2 * time.Second
	// MinInterval keeps a misconfigured loop from flooding the recognition endpoint.
	MinInterval = 250 * time.Millisecond
	JPEGQuality = 85
)

var (
	ErrMissingSessionID = errors.New("a session id is required to start capture")
	ErrNotRunning       = errors.New("capture is not running")
	ErrSuperseded       = errors.New("capture was stopped or restarted while the camera was starting")
	// ErrStreamEnded is reported when the camera stops without saying why.
	ErrStreamEnded = errors.New("camera stream ended")
)

// State of the loop.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Stream is a live camera the loop owns exclusively while running.
type Stream interface {
	// Snapshot returns the current frame, or nil when none is usable.
	Snapshot() image.Image
	// Done is closed once the stream delivers no more frames.
	Done() <-chan struct{}
	// Err explains why Done closed on its own; nil while live or after Stop.
	Err() error
	// Stop releases the device.
	Stop()
}

// Acquirer opens the camera.
type Acquirer func(ctx context.Context) (Stream, error)

// Submitter sends one encoded frame for recognition.
type Submitter interface {
	MarkAttendance(ctx context.Context, sessionID string, frame []byte) ([]types.Recognition, error)
}

// TickError is a failed submission. It never stops the loop.
type TickError struct {
	SessionID string
	Err       error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("frame submission for session %s failed: %v", e.SessionID, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// Options configures a Loop. Zero values select defaults.
// Hooks run on loop goroutines and must not call Stop synchronously.
type Options struct {
	Interval time.Duration
	Clock    clockwork.Clock
	// OnResult receives every accepted recognition result, including empty ones.
	OnResult func(sessionID string, recognized []types.Recognition)
	// OnError receives per-tick failures.
	OnError func(err error)
}

// Loop periodically snapshots the camera and submits frames while Running.
//
// Stop cancels future ticks only. Submissions already in flight complete, but
// each is tagged with the generation it was captured in and its response is
// discarded if the loop has since stopped or restarted.
type Loop struct {
	submit  Submitter
	acquire Acquirer
	clock   clockwork.Clock

	onResult func(string, []types.Recognition)
	onError  func(error)

	mu            sync.Mutex
	state         State
	gen           uint64
	interval      time.Duration
	sessionID     string
	runID         string
	stream        Stream
	ticker        clockwork.Ticker
	cancel        context.CancelFunc
	cancelAcquire context.CancelFunc
	tickerDone    chan struct{}
	runDone       chan struct{}
	result        []types.Recognition
	lastErr       error

	inflight sync.WaitGroup
}

func New(submit Submitter, acquire Acquirer, opts Options) *Loop {
	l := &Loop{
		submit:   submit,
		acquire:  acquire,
		clock:    opts.Clock,
		onResult: opts.OnResult,
		onError:  opts.OnError,
		interval: ClampInterval(opts.Interval),
	}
	if l.clock == nil {
		l.clock = clockwork.NewRealClock()
	}
	if l.onResult == nil {
		l.onResult = func(string, []types.Recognition) {}
	}
	if l.onError == nil {
		l.onError = func(error) {}
	}
	return l
}

// ClampInterval applies the default to non-positive values and the floor to small ones.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	}
	return d
}

// Start acquires the camera and begins ticking. A prior stream is released
// first. If acquisition fails the loop stays Idle and the device error is
// returned. A Stop or another Start issued while the camera is still starting
// wins: the new stream is released and ErrSuperseded returned.
func (l *Loop) Start(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrMissingSessionID
	}

	l.Stop()

	acquireCtx, cancelAcquire := context.WithCancel(ctx)
	defer cancelAcquire()
	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.cancelAcquire = cancelAcquire
	l.mu.Unlock()

	stream, err := l.acquire(acquireCtx)

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		return ErrSuperseded
	}
	l.cancelAcquire = nil
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.state = Running
	l.sessionID = sessionID
	l.runID = uuid.NewString()
	l.stream = stream
	l.result = nil
	l.lastErr = nil
	l.ticker = l.clock.NewTicker(l.interval)
	tickCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.tickerDone = make(chan struct{})
	l.runDone = l.tickerDone
	ticker, done, runID, interval := l.ticker, l.tickerDone, l.runID, l.interval
	l.mu.Unlock()

	log.Info().Str("run_id", runID).Str("session_id", sessionID).Dur("interval", interval).Msg("capture started")

	go l.run(tickCtx, ctx, stream, ticker, gen, done)
	return nil
}

// run ticks until tickCtx is cancelled or the stream ends on its own, which
// moves the loop to Idle. Submissions use submitCtx, which Stop does not cancel.
func (l *Loop) run(tickCtx, submitCtx context.Context, stream Stream, ticker clockwork.Ticker, gen uint64, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-tickCtx.Done():
			return
		case <-stream.Done():
			l.deviceLost(gen, stream)
			return
		case <-ticker.Chan():
			frame, sessionID, ok := l.capture(gen)
			if !ok {
				continue
			}
			l.inflight.Add(1)
			go func() {
				defer l.inflight.Done()
				l.send(submitCtx, gen, sessionID, frame)
			}()
		}
	}
}

// capture snapshots and encodes the current frame for generation gen.
// ok is false when the loop moved on or no frame was usable this tick.
func (l *Loop) capture(gen uint64) (frame []byte, sessionID string, ok bool) {
	l.mu.Lock()
	if l.gen != gen || l.state != Running {
		l.mu.Unlock()
		return nil, "", false
	}
	stream, sessionID := l.stream, l.sessionID
	l.mu.Unlock()

	img := stream.Snapshot()
	if img == nil {
		log.Debug().Msg("no usable frame yet, skipping tick")
		return nil, "", false
	}

	frame, err := EncodeJPEG(img)
	if err != nil {
		l.onError(&TickError{SessionID: sessionID, Err: err})
		return nil, "", false
	}
	return frame, sessionID, true
}

func (l *Loop) send(ctx context.Context, gen uint64, sessionID string, frame []byte) error {
	rec, err := l.submit.MarkAttendance(ctx, sessionID, frame)

	l.mu.Lock()
	stale := l.gen != gen || l.state != Running
	if !stale && err == nil {
		l.result = rec
	}
	l.mu.Unlock()

	if stale {
		log.Debug().Str("session_id", sessionID).Msg("discarding response from a stopped capture")
		return nil
	}
	if err != nil {
		tickErr := &TickError{SessionID: sessionID, Err: err}
		l.onError(tickErr)
		return tickErr
	}
	log.Debug().Str("session_id", sessionID).Int("recognized", len(rec)).Msg("frame submitted")
	l.onResult(sessionID, rec)
	return nil
}

// SubmitNow performs one manual tick and waits for its response.
// It requires the loop to be Running.
func (l *Loop) SubmitNow(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Running {
		l.mu.Unlock()
		return ErrNotRunning
	}
	gen := l.gen
	l.mu.Unlock()

	frame, sessionID, ok := l.capture(gen)
	if !ok {
		return nil
	}
	l.inflight.Add(1)
	defer l.inflight.Done()
	return l.send(ctx, gen, sessionID, frame)
}

// Stop cancels the timer and releases the camera. Stopping an idle loop is a
// no-op, apart from superseding a Start still waiting on the camera.
func (l *Loop) Stop() {
	r, ok := l.release(0, nil)
	if !ok {
		return
	}

	r.cancel()
	// No tick may start a new submission once Stop returns
	<-r.done
	r.stream.Stop()

	log.Info().Str("run_id", r.runID).Msg("capture stopped")
}

// deviceLost tears down run gen after its stream died and reports why.
func (l *Loop) deviceLost(gen uint64, stream Stream) {
	err := stream.Err()
	if err == nil {
		err = ErrStreamEnded
	}
	r, ok := l.release(gen, err)
	if !ok {
		return
	}

	r.cancel()
	r.stream.Stop()

	log.Warn().Err(err).Str("run_id", r.runID).Msg("camera lost, capture stopped")
	l.onError(err)
}

// active is what a running loop owns.
type active struct {
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}
	runID  string
}

// release moves the loop to Idle, recording cause, and hands back the run's
// resources. With a non-zero gen it only acts while that run is still current.
// The generation always advances, which also supersedes a pending Start.
func (l *Loop) release(gen uint64, cause error) (active, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != 0 && gen != l.gen {
		return active{}, false
	}
	l.gen++
	if l.cancelAcquire != nil {
		l.cancelAcquire()
		l.cancelAcquire = nil
	}
	if l.state == Idle {
		return active{}, false
	}

	r := active{stream: l.stream, cancel: l.cancel, done: l.tickerDone, runID: l.runID}
	l.state = Idle
	l.lastErr = cause
	l.stream, l.cancel, l.ticker, l.tickerDone = nil, nil, nil, nil
	return r, true
}

// SetInterval changes the tick period (clamped). A running loop picks it up immediately.
func (l *Loop) SetInterval(d time.Duration) {
	d = ClampInterval(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = d
	if l.ticker != nil {
		l.ticker.Reset(d)
	}
}

// Stopped returns a channel closed once the latest run has fully ended, by
// Stop, by context cancellation or by device loss, hooks included. It is
// closed from the start for a loop that never ran.
func (l *Loop) Stopped() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runDone == nil {
		return closedChan
	}
	return l.runDone
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Err returns the device error that ended the last run, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Wait blocks until every in-flight submission has completed.
func (l *Loop) Wait() {
	l.inflight.Wait()
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

func (l *Loop) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// Result returns the most recent accepted recognition result.
func (l *Loop) Result() []types.Recognition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Recognition(nil), l.result...)
}

// EncodeJPEG encodes img at the loop's fixed quality.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// CameraAcquirer opens the configured camera device for each Start.
func CameraAcquirer(cfg camera.Config) Acquirer {
	return func(ctx context.Context) (Stream, error) {
		s, err := camera.Acquire(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
