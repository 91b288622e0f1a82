package cmd

import (
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/spf13/cobra"
)

// cameraFlags is shared by every command that opens the camera.
type cameraFlags struct {
	Device  string
	Format  string
	Timeout time.Duration
}

func (f *cameraFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Device, "device", "", "Camera device (default: $ROLLCALL_DEVICE or /dev/video0)")
	cmd.Flags().StringVar(&f.Format, "format", "", "ffmpeg input format (default: $ROLLCALL_INPUT_FORMAT or the OS default)")
	cmd.Flags().DurationVar(&f.Timeout, "camera-timeout", 10*time.Second, "How long to wait for the first frame")
}

// config resolves the flags against the environment loaded by the root command.
func (f *cameraFlags) config() camera.Config {
	c := camera.Config{Device: f.Device, Format: f.Format, StartTimeout: f.Timeout}
	if c.Device == "" {
		c.Device = cfg.Device
	}
	if c.Format == "" {
		c.Format = cfg.Format
	}
	return c
}

var probeFlags cameraFlags

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Camera diagnostics",
}

var cameraProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that ffmpeg and the camera device are usable",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := camera.Probe(probeFlags.config())
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Device:   %s (%s)\n", d.Device, d.Format)
		fmt.Fprintf(out, "ffmpeg:   %s\n", okMark(d.FFmpeg))
		fmt.Fprintf(out, "Present:  %s\n", okMark(d.DevicePresent))
		fmt.Fprintf(out, "Openable: %s\n", okMark(d.Openable))
		if !d.Ready() {
			return d.Err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "📷 Camera ready")
		return nil
	},
}

func okMark(ok bool) string {
	if ok {
		return "ok"
	}
	return "missing"
}

func init() {
	probeFlags.register(cameraProbeCmd)
	cameraCmd.AddCommand(cameraProbeCmd)
	rootCmd.AddCommand(cameraCmd)
}
