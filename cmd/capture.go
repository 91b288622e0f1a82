package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/api"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/spf13/cobra"
)

var captureOpts struct {
	SessionID string
	Interval  time.Duration
	Camera    cameraFlags
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run the attendance camera loop for a session",
	Long: `Opens the camera and submits a frame to the recognition API every interval.

While running, type:
  <enter> or s   submit a frame now
  i <duration>   change the interval (e.g. "i 5s")
  q              stop
Ctrl+C also stops.`,
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval := captureOpts.Interval
		if interval == 0 {
			interval = cfg.Interval
		}
		console := &console{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
		loop := capture.New(Client, capture.CameraAcquirer(captureOpts.Camera.config()), capture.Options{
			Interval: interval,
			OnResult: console.result,
			OnError:  console.tickError,
		})
		return runCapture(cmd.Context(), loop, captureOpts.SessionID, cmd.InOrStdin(), console)
	},
}

// console serializes output from the loop's goroutines and the input reader.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.errOut, format, args...)
}

func (c *console) result(sessionID string, recognized []types.Recognition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(recognized) == 0 {
		fmt.Fprintf(c.out, "%s  session %s: nobody recognized\n", time.Now().Format(time.TimeOnly), sessionID)
		return
	}
	for _, r := range recognized {
		fmt.Fprintf(c.out, "%s  session %s: user %d present (distance %.3f)\n", time.Now().Format(time.TimeOnly), sessionID, r.UserID, r.Distance)
	}
}

func (c *console) tickError(err error) {
	c.printf("⚠️  %s\n", api.Message(err, err.Error()))
}

// runCapture starts the loop and serves keyboard commands until q, end of
// context, a start failure or loss of the camera. The loop is always left Idle.
func runCapture(ctx context.Context, loop *capture.Loop, sessionID string, in io.Reader, con *console) error {
	if err := loop.Start(ctx, sessionID); err != nil {
		return err
	}
	defer func() {
		loop.Stop()
		loop.Wait()
		con.printf("🛑 Capture stopped\n")
	}()
	con.printf("🎥 Capturing for session %s every %s. Enter/s: submit now, q: quit\n", loop.SessionID(), loop.Interval())

	stopped := loop.Stopped()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopped:
			// The camera went away; OnError already printed the cause
			return loop.Err()
		case line, ok := <-lines:
			if !ok {
				// Without input the loop runs until interrupted
				lines = nil
				continue
			}
			if quit := handleCaptureInput(ctx, loop, line, con); quit {
				return nil
			}
		}
	}
}

func handleCaptureInput(ctx context.Context, loop *capture.Loop, line string, con *console) (quit bool) {
	switch {
	case line == "" || line == "s":
		if err := loop.SubmitNow(ctx); err != nil {
			var tickErr *capture.TickError
			if !errors.As(err, &tickErr) {
				// Tick errors already reached OnError
				con.printf("⚠️  %v\n", err)
			}
		}
	case line == "q":
		return true
	case strings.HasPrefix(line, "i "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(line, "i ")))
		if err != nil {
			con.printf("⚠️  invalid interval: %v\n", err)
			return false
		}
		loop.SetInterval(d)
		con.printf("⏱️  Interval set to %s\n", loop.Interval())
	default:
		con.printf("unknown command %q\n", line)
	}
	return false
}

func init() {
	captureCmd.Flags().StringVarP(&captureOpts.SessionID, "session", "s", "", "Attendance session id")
	captureCmd.Flags().DurationVar(&captureOpts.Interval, "interval", 0, "Submission interval, minimum 250ms (default: $ROLLCALL_INTERVAL or 2s)")
	captureOpts.Camera.register(captureCmd)

	rootCmd.AddCommand(captureCmd)
}
