package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig  = "ONEDRIVE_GO_CONFIG"
	EnvDrive   = "ONEDRIVE_GO_DRIVE"
	EnvProfile = "ONEDRIVE_GO_PROFILE"
	EnvSyncDir = "ONEDRIVE_GO_SYNC_DIR"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and made available to callers.
type EnvOverrides struct {
	ConfigPath string // ONEDRIVE_GO_CONFIG: override config file path
	Drive      string // ONEDRIVE_GO_DRIVE: drive selector override
	Profile    string // ONEDRIVE_GO_PROFILE: active profile name (legacy profile path)
	SyncDir    string // ONEDRIVE_GO_SYNC_DIR: sync directory override (legacy profile path)
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	overrides := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Drive:      os.Getenv(EnvDrive),
		Profile:    os.Getenv(EnvProfile),
		SyncDir:    os.Getenv(EnvSyncDir),
	}

	if overrides.ConfigPath != "" || overrides.Drive != "" {
		logger.Debug("environment overrides found",
			slog.String("config_path", overrides.ConfigPath),
			slog.String("drive", overrides.Drive),
		)
	}

	return overrides
}
