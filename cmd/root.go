package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/api"
	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/localstore"
	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// requiresAuth marks commands that are refused locally without a stored token.
const requiresAuth = "requires-auth"

var ErrNotLoggedIn = errors.New("not logged in, run `rollcall login` first")

var (
	// Client is the API client shared by subcommands
	Client *api.Client
	// Session holds the bearer token, persisted in the local state file
	Session *session.Store

	cfg   config.Config
	state *localstore.Store

	apiURL    string
	statePath string
	logLevel  string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "rollcall",
	Short:         "Face-recognition attendance terminal client",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Flags win over the environment, which wins over defaults
		cfg = config.Load()
		if apiURL == "" {
			apiURL = cfg.APIURL
		}
		if statePath == "" {
			statePath = cfg.StatePath
		}
		if logLevel == "" {
			logLevel = cfg.LogLevel
		}
		logger.Init(logLevel)

		var err error
		state, err = localstore.Open(statePath)
		if err != nil {
			return fmt.Errorf("failed to open local state: %w", err)
		}
		Session, err = session.Open(state)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		// No client timeout: downloads may be long, Ctrl+C cancels through the context
		Client = api.New(apiURL, Session)
		log.Debug().Str("api", apiURL).Str("state", statePath).Msg("client ready")

		if cmd.Annotations[requiresAuth] == "true" && !Session.IsAuthenticated() {
			return ErrNotLoggedIn
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeResources()
	},
}

// closeResources runs after every command, including failed ones.
func closeResources() {
	if Client != nil {
		Client.Close()
		Client = nil
	}
	if state != nil {
		if err := state.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close local state")
		}
		state = nil
	}
	Session = nil
}

func authenticated() map[string]string {
	return map[string]string{requiresAuth: "true"}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	// PersistentPostRun is skipped when RunE fails
	closeResources()
	if err != nil {
		// Camera failures carry the ffmpeg logs for the error box
		var procErr *camera.ProcessError
		var ffmpeg *utils.SafeCommand
		if errors.As(err, &procErr) {
			ffmpeg = procErr.Cmd
		}
		utils.Die(errorContext(err), err, ffmpeg)
	}
}

// errorContext picks the headline for the error box.
func errorContext(err error) string {
	var apiErr *api.APIError
	var procErr *camera.ProcessError
	switch {
	case errors.Is(err, ErrNotLoggedIn):
		return "Authentication required"
	case errors.Is(err, camera.ErrPermissionDenied), errors.Is(err, camera.ErrDeviceNotFound),
		errors.Is(err, camera.ErrDeviceBusy), errors.Is(err, camera.ErrCaptureUnavailable),
		errors.Is(err, camera.ErrNoFrame), errors.Is(err, capture.ErrStreamEnded),
		errors.As(err, &procErr):
		return "Camera unavailable"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Server rejected the request (%d)", apiErr.Status)
	case errors.Is(err, context.Canceled):
		return "Interrupted"
	}
	return "Command failed"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Attendance API base URL (default: $API_URL or "+config.DefaultAPIURL+")")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "Local state file holding the session token (default: $ROLLCALL_STATE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $LOG_LEVEL or info)")
}
