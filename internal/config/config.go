package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/rollcall/internal/utils"
)

// DefaultAPIURL is the attendance API root used when API_URL is unset.
const DefaultAPIURL = "http://127.0.0.1:8000/api/v1"

// Config holds settings resolved from the environment. Command-line flags
// override these in the root command.
type Config struct {
	APIURL    string
	StatePath string
	LogLevel  string
	Device    string
	Format    string
	Interval  time.Duration
}

func Load() Config {
	return Config{
		APIURL:    getEnv("API_URL", DefaultAPIURL),
		StatePath: getEnv("ROLLCALL_STATE", defaultStatePath()),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		Device:    getEnv("ROLLCALL_DEVICE", "/dev/video0"),
		Format:    getEnv("ROLLCALL_INPUT_FORMAT", utils.DefaultInputFormat()),
		Interval:  getEnvDuration("ROLLCALL_INTERVAL", 2*time.Second),
	}
}

// defaultStatePath places the local storage file under the user config dir,
// falling back to the working directory when none can be determined.
func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "rollcall-state.db"
	}
	return filepath.Join(dir, "rollcall", "state.db")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
