package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/api"
	"github.com/andresmejia3/rollcall/internal/apitest"
	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/jonboulle/clockwork"
)

// --- Mocks ---

type fakeStream struct {
	mu    sync.Mutex
	img   image.Image
	err   error
	done  chan struct{}
	stops atomic.Int32
}

func newFakeStream() *fakeStream {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	img.Set(1, 1, color.White)
	return &fakeStream{img: img, done: make(chan struct{})}
}

func (f *fakeStream) Snapshot() image.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.img
}

func (f *fakeStream) Done() <-chan struct{} { return f.done }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Stop() { f.stops.Add(1) }

// die simulates the device going away with err as the cause.
func (f *fakeStream) die(err error) {
	f.mu.Lock()
	f.img, f.err = nil, err
	f.mu.Unlock()
	close(f.done)
}

type call struct {
	sessionID string
	frame     []byte
}

// fakeSubmitter records calls and answers with respond(n) where n counts from 1.
type fakeSubmitter struct {
	calls   chan call
	count   atomic.Int32
	release chan struct{}
	respond func(n int) ([]types.Recognition, error)
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		calls: make(chan call, 16),
		respond: func(int) ([]types.Recognition, error) {
			return []types.Recognition{{UserID: 1, Distance: 0.2}}, nil
		},
	}
}

func (f *fakeSubmitter) MarkAttendance(ctx context.Context, sessionID string, frame []byte) ([]types.Recognition, error) {
	n := int(f.count.Add(1))
	f.calls <- call{sessionID: sessionID, frame: frame}
	if f.release != nil {
		<-f.release
	}
	return f.respond(n)
}

type hooks struct {
	results chan []types.Recognition
	errors  chan error
}

func newHooks() *hooks {
	return &hooks{results: make(chan []types.Recognition, 16), errors: make(chan error, 16)}
}

func (h *hooks) options(clock clockwork.Clock, interval time.Duration) Options {
	return Options{
		Interval: interval,
		Clock:    clock,
		OnResult: func(_ string, rec []types.Recognition) { h.results <- rec },
		OnError:  func(err error) { h.errors <- err },
	}
}

func acquireFake(stream *fakeStream, acquired *atomic.Int32) Acquirer {
	return func(context.Context) (Stream, error) {
		if acquired != nil {
			acquired.Add(1)
		}
		return stream, nil
	}
}

func mustStart(t *testing.T, l *Loop, sessionID string) {
	t.Helper()
	if err := l.Start(context.Background(), sessionID); err != nil {
		t.Fatalf("Start(%q) failed: %v", sessionID, err)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for loop event")
	}
	var zero T
	return zero
}

// --- Tests ---

func TestStartRequiresSessionID(t *testing.T) {
	var acquired atomic.Int32
	l := New(newFakeSubmitter(), acquireFake(newFakeStream(), &acquired), Options{})

	for _, id := range []string{"", "   "} {
		if err := l.Start(context.Background(), id); !errors.Is(err, ErrMissingSessionID) {
			t.Errorf("Start(%q): expected ErrMissingSessionID, got %v", id, err)
		}
	}
	if acquired.Load() != 0 {
		t.Error("Camera must not be acquired without a session id")
	}
	if l.State() != Idle {
		t.Error("Loop should remain Idle")
	}
}

func TestStartAcquireFailureStaysIdle(t *testing.T) {
	failing := func(context.Context) (Stream, error) {
		return nil, camera.ErrPermissionDenied
	}
	l := New(newFakeSubmitter(), failing, Options{})

	err := l.Start(context.Background(), "1")
	if !errors.Is(err, camera.ErrPermissionDenied) {
		t.Fatalf("Expected device error, got %v", err)
	}
	if l.State() != Idle {
		t.Error("Loop should be Idle after acquisition failure")
	}
}

func TestStopIdempotent(t *testing.T) {
	stream := newFakeStream()
	l := New(newFakeSubmitter(), acquireFake(stream, nil), Options{Clock: clockwork.NewFakeClock()})

	// Stop while idle is a no-op
	l.Stop()
	if l.State() != Idle {
		t.Fatal("Expected Idle")
	}

	if err := l.Start(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	if l.State() != Running {
		t.Fatal("Expected Running after Start")
	}

	l.Stop()
	l.Stop()
	if l.State() != Idle {
		t.Error("Expected Idle after Stop")
	}
	if got := stream.stops.Load(); got != 1 {
		t.Errorf("Expected stream stopped exactly once, got %d", got)
	}
}

func TestRestartReleasesPriorStream(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	streams := []*fakeStream{first, second}
	var n int
	acquire := func(context.Context) (Stream, error) {
		s := streams[n]
		n++
		return s, nil
	}
	l := New(newFakeSubmitter(), acquire, Options{Clock: clockwork.NewFakeClock()})

	mustStart(t, l, "1")
	mustStart(t, l, "2")
	if first.stops.Load() != 1 {
		t.Error("Prior stream was not released on restart")
	}
	if second.stops.Load() != 0 {
		t.Error("Current stream should still be live")
	}
	if l.SessionID() != "2" {
		t.Errorf("Expected session 2, got %q", l.SessionID())
	}
	l.Stop()
}

func TestTickSubmitsFrame(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sub := newFakeSubmitter()
	h := newHooks()
	l := New(sub, acquireFake(newFakeStream(), nil), h.options(clock, 2*time.Second))

	if err := l.Start(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	clock.Advance(2 * time.Second)
	c := receive(t, sub.calls)
	if c.sessionID != "1" {
		t.Errorf("Expected session 1, got %q", c.sessionID)
	}
	if len(c.frame) < 2 || c.frame[0] != 0xFF || c.frame[1] != 0xD8 {
		t.Error("Submitted frame is not a JPEG")
	}

	rec := receive(t, h.results)
	if len(rec) != 1 || rec[0].UserID != 1 {
		t.Errorf("Unexpected result %+v", rec)
	}
	if got := l.Result(); len(got) != 1 {
		t.Errorf("Displayed result not updated: %+v", got)
	}
}

func TestTickSkipsWithoutFrame(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sub := newFakeSubmitter()
	h := newHooks()
	stream := newFakeStream()
	stream.img = nil
	l := New(sub, acquireFake(stream, nil), h.options(clock, time.Second))

	mustStart(t, l, "1")
	clock.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	l.Stop()
	l.Wait()

	if sub.count.Load() != 0 {
		t.Error("Tick without a usable frame must not submit")
	}
	select {
	case err := <-h.errors:
		t.Errorf("Skipping a tick is not an error, got %v", err)
	default:
	}
}

func TestTickFailureKeepsRunning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sub := newFakeSubmitter()
	sub.respond = func(n int) ([]types.Recognition, error) {
		if n == 1 {
			return nil, &api.APIError{Status: 404, Detail: "Session not found"}
		}
		return []types.Recognition{}, nil
	}
	h := newHooks()
	l := New(sub, acquireFake(newFakeStream(), nil), h.options(clock, 2*time.Second))

	mustStart(t, l, "1")
	defer l.Stop()

	clock.Advance(2 * time.Second)
	err := receive(t, h.errors)
	var tickErr *TickError
	if !errors.As(err, &tickErr) || api.Message(err, "") != "Session not found" {
		t.Errorf("Expected TickError carrying server detail, got %v", err)
	}
	if l.State() != Running {
		t.Fatal("A failed tick must not stop the loop")
	}

	clock.Advance(2 * time.Second)
	rec := receive(t, h.results)
	if rec == nil || len(rec) != 0 {
		t.Errorf("Expected empty (nobody recognized) result, got %+v", rec)
	}
	if sub.count.Load() != 2 {
		t.Errorf("Expected 2 submissions, got %d", sub.count.Load())
	}
}

func TestStaleResponseSuppressed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sub := newFakeSubmitter()
	sub.release = make(chan struct{})
	h := newHooks()
	stream := newFakeStream()
	l := New(sub, acquireFake(stream, nil), h.options(clock, 2*time.Second))

	mustStart(t, l, "1")
	clock.Advance(2 * time.Second)
	receive(t, sub.calls) // submission is now in flight

	l.Stop()
	close(sub.release)
	l.Wait()

	if got := l.Result(); len(got) != 0 {
		t.Errorf("Late response updated the displayed result: %+v", got)
	}
	select {
	case rec := <-h.results:
		t.Errorf("Late response reached OnResult: %+v", rec)
	default:
	}
	if stream.stops.Load() != 1 {
		t.Error("Stream should be released by Stop")
	}
}

func TestStaleResponseAfterRestart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sub := newFakeSubmitter()
	sub.release = make(chan struct{})
	h := newHooks()
	l := New(sub, acquireFake(newFakeStream(), nil), h.options(clock, 2*time.Second))

	mustStart(t, l, "1")
	clock.Advance(2 * time.Second)
	receive(t, sub.calls)

	// Restart on another session while the first response is pending
	mustStart(t, l, "2")
	close(sub.release)
	l.Wait()

	select {
	case rec := <-h.results:
		t.Errorf("Response from the previous run was delivered: %+v", rec)
	default:
	}
	l.Stop()
}

func TestSubmitNow(t *testing.T) {
	sub := newFakeSubmitter()
	l := New(sub, acquireFake(newFakeStream(), nil), Options{Clock: clockwork.NewFakeClock()})

	if err := l.SubmitNow(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Expected ErrNotRunning while idle, got %v", err)
	}
	if sub.count.Load() != 0 {
		t.Fatal("Idle manual submit must not reach the API")
	}

	mustStart(t, l, "7")
	defer l.Stop()

	if err := l.SubmitNow(context.Background()); err != nil {
		t.Fatalf("SubmitNow failed: %v", err)
	}
	if c := receive(t, sub.calls); c.sessionID != "7" {
		t.Errorf("Expected session 7, got %q", c.sessionID)
	}
	if len(l.Result()) != 1 {
		t.Error("Manual submit should update the displayed result")
	}
}

func TestClampInterval(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultInterval},
		{-time.Second, DefaultInterval},
		{10 * time.Millisecond, MinInterval},
		{MinInterval, MinInterval},
		{5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := ClampInterval(tt.in); got != tt.want {
			t.Errorf("ClampInterval(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	l := New(newFakeSubmitter(), acquireFake(newFakeStream(), nil), Options{})
	l.SetInterval(time.Millisecond)
	if l.Interval() != MinInterval {
		t.Errorf("SetInterval should clamp, got %v", l.Interval())
	}
}

func TestSetIntervalWhileRunning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sub := newFakeSubmitter()
	h := newHooks()
	l := New(sub, acquireFake(newFakeStream(), nil), h.options(clock, 10*time.Second))

	mustStart(t, l, "1")
	defer l.Stop()

	l.SetInterval(time.Second)
	clock.Advance(time.Second)
	receive(t, h.results)
}

func TestDeviceLossStopsLoop(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  error
	}{
		{"categorized", fmt.Errorf("%w (/dev/video0)", camera.ErrDeviceNotFound), camera.ErrDeviceNotFound},
		{"no reason", nil, ErrStreamEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			sub := newFakeSubmitter()
			h := newHooks()
			stream := newFakeStream()
			l := New(sub, acquireFake(stream, nil), h.options(clock, time.Second))

			mustStart(t, l, "1")
			stopped := l.Stopped()
			stream.die(tt.cause)

			err := receive(t, h.errors)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v through OnError, got %v", tt.want, err)
			}
			select {
			case <-stopped:
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not end after the device was lost")
			}
			if l.State() != Idle {
				t.Error("Loop should be Idle after device loss")
			}
			if !errors.Is(l.Err(), tt.want) {
				t.Errorf("Err() = %v, want %v", l.Err(), tt.want)
			}
			if stream.stops.Load() != 1 {
				t.Errorf("Expected stream released once, got %d", stream.stops.Load())
			}

			// No more frames go out, and a later Stop has nothing left to do
			clock.Advance(5 * time.Second)
			time.Sleep(50 * time.Millisecond)
			l.Stop()
			l.Wait()
			if sub.count.Load() != 0 {
				t.Errorf("Expected no submissions after device loss, got %d", sub.count.Load())
			}
			if stream.stops.Load() != 1 {
				t.Errorf("Stop after device loss released the stream again (%d)", stream.stops.Load())
			}
		})
	}
}

func TestStopDuringAcquire(t *testing.T) {
	tests := []struct {
		name string
		// honorCtx makes the acquirer return as soon as its context ends
		honorCtx bool
	}{
		{"acquirer returns on cancel", true},
		{"acquirer ignores cancel", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := newFakeStream()
			entered := make(chan struct{})
			gate := make(chan struct{})
			acquire := func(ctx context.Context) (Stream, error) {
				close(entered)
				if tt.honorCtx {
					select {
					case <-gate:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				} else {
					<-gate
				}
				return stream, nil
			}
			l := New(newFakeSubmitter(), acquire, Options{Clock: clockwork.NewFakeClock()})

			errCh := make(chan error, 1)
			go func() { errCh <- l.Start(context.Background(), "1") }()
			<-entered
			l.Stop()
			if tt.honorCtx {
				// Stop alone must unblock the pending Start
				if err := receive(t, errCh); !errors.Is(err, ErrSuperseded) {
					t.Fatalf("Expected ErrSuperseded, got %v", err)
				}
				close(gate)
			} else {
				close(gate)
				if err := receive(t, errCh); !errors.Is(err, ErrSuperseded) {
					t.Fatalf("Expected ErrSuperseded, got %v", err)
				}
			}

			if l.State() != Idle {
				t.Error("Stop issued during acquisition must leave the loop Idle")
			}
			want := int32(1)
			if tt.honorCtx {
				want = 0
			}
			if got := stream.stops.Load(); got != want {
				t.Errorf("Expected %d stream stops, got %d", want, got)
			}
		})
	}
}

func TestConcurrentStartsKeepOneStream(t *testing.T) {
	var mu sync.Mutex
	var streams []*fakeStream
	entered := make(chan struct{})
	gate := make(chan struct{})
	acquire := func(context.Context) (Stream, error) {
		s := newFakeStream()
		mu.Lock()
		streams = append(streams, s)
		first := len(streams) == 1
		mu.Unlock()
		if first {
			close(entered)
			<-gate
		}
		return s, nil
	}
	l := New(newFakeSubmitter(), acquire, Options{Clock: clockwork.NewFakeClock()})

	errCh := make(chan error, 1)
	go func() { errCh <- l.Start(context.Background(), "1") }()
	<-entered
	// The second Start completes while the first is still acquiring
	mustStart(t, l, "2")
	close(gate)

	if err := receive(t, errCh); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Expected the slower Start to be superseded, got %v", err)
	}
	if l.State() != Running || l.SessionID() != "2" {
		t.Fatalf("Expected Running on session 2, got %v on %q", l.State(), l.SessionID())
	}
	mu.Lock()
	first, second := streams[0], streams[1]
	mu.Unlock()
	if first.stops.Load() != 1 {
		t.Error("Superseded stream was leaked")
	}
	if second.stops.Load() != 0 {
		t.Error("Current stream should still be live")
	}

	l.Stop()
	if second.stops.Load() != 1 {
		t.Error("Current stream not released by Stop")
	}
}

// TestCaptureEndToEnd drives the loop against the fake API: one submission
// after two simulated seconds, none after Stop.
func TestCaptureEndToEnd(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	srv.AcceptToken("T")

	storage := memStorage{}
	sess, _ := session.Open(storage)
	sess.SetToken("T")
	client := api.New(srv.BaseURL(), sess)
	defer client.Close()

	clock := clockwork.NewFakeClock()
	h := newHooks()
	stream := newFakeStream()
	l := New(client, acquireFake(stream, nil), h.options(clock, 2000*time.Millisecond))

	if err := l.Start(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Second)
	receive(t, h.results)

	if n := len(srv.RequestsTo("/face/mark-attendance/1")); n != 1 {
		t.Fatalf("Expected exactly 1 submission after 2s, got %d", n)
	}

	l.Stop()
	clock.Advance(10 * time.Second)
	time.Sleep(50 * time.Millisecond)
	l.Wait()

	reqs := srv.RequestsTo("/face/mark-attendance/1")
	if len(reqs) != 1 {
		t.Errorf("Expected no submissions after Stop, got %d total", len(reqs))
	}
	if reqs[0].Authorization != "Bearer T" || reqs[0].FileSize == 0 {
		t.Errorf("Submission missing auth or file: %+v", reqs[0])
	}
	if stream.stops.Load() != 1 {
		t.Error("Stream not released")
	}
}

type memStorage map[string]string

func (m memStorage) Get(key string) (string, bool, error) { v, ok := m[key]; return v, ok, nil }
func (m memStorage) Set(key, value string) error          { m[key] = value; return nil }
func (m memStorage) Delete(key string) error              { delete(m, key); return nil }
