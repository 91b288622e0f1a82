package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/spf13/cobra"
)

var faceOpts struct {
	Image  string
	Camera cameraFlags
}

var faceCmd = &cobra.Command{
	Use:         "face",
	Short:       "Face enrollment",
	Annotations: authenticated(),
}

var faceRegisterCmd = &cobra.Command{
	Use:         "register <user_id>",
	Short:       "Enroll a face from an image file, or from one camera snapshot",
	Args:        cobra.ExactArgs(1),
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		var image []byte
		filename := "snapshot.jpg"
		if faceOpts.Image != "" {
			if image, err = os.ReadFile(faceOpts.Image); err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}
			filename = filepath.Base(faceOpts.Image)
		} else {
			fmt.Fprintln(cmd.ErrOrStderr(), "📷 Taking a snapshot...")
			if image, err = snapshot(cmd.Context(), faceOpts.Camera.config()); err != nil {
				return err
			}
		}

		msg, err := Client.RegisterFace(cmd.Context(), userID, image, filename)
		if err != nil {
			return err
		}
		if msg == "" {
			msg = "Face registered"
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

// snapshot opens the camera just long enough to encode one frame.
func snapshot(ctx context.Context, c camera.Config) ([]byte, error) {
	stream, err := camera.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	defer stream.Stop()

	img := stream.Snapshot()
	if img == nil {
		return nil, camera.ErrNoFrame
	}
	return capture.EncodeJPEG(img)
}

func init() {
	faceRegisterCmd.Flags().StringVarP(&faceOpts.Image, "image", "i", "", "JPEG/PNG file to enroll (camera snapshot when omitted)")
	faceOpts.Camera.register(faceRegisterCmd)

	faceCmd.AddCommand(faceRegisterCmd)
	rootCmd.AddCommand(faceCmd)
}
