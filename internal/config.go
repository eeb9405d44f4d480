package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/courierd/courier/internal/api"
	"github.com/courierd/courier/internal/database"
	"github.com/courierd/courier/internal/download"
	"github.com/courierd/courier/internal/organize"
	"github.com/courierd/courier/internal/transfer"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

const COURIER_USER_DIR_SUFFIX = "courier"

// CourierConfig is the struct used to contain the various user config
// supplied by file, or manually inside the code.
type CourierConfig struct {
	Transfers transfer.Config `yaml:"transfers"`
	Downloads download.Config `yaml:"downloads"`
	Organizer organize.Config `yaml:"organizer"`
	Database  database.Config `yaml:"database"`
	Api       api.RestConfig  `yaml:"api"`
}

// LoadFromFile loads a configuration file formatted in YAML in to a
// CourierConfig struct, filling in any holes left by the user with
// sensible defaults derived from their home directory.
func (config *CourierConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s - %w", configPath, err)
	}

	config.applyDefaults()
	return nil
}

// LoadFromEnv populates the config purely from environment variables and
// defaults, used when no config file is present.
func (config *CourierConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment - %w", err)
	}

	config.applyDefaults()
	return nil
}

// applyDefaults derives any missing paths from the users home directory.
// A panic occurs if the home directory cannot be resolved while a default
// is still needed.
func (config *CourierConfig) applyDefaults() {
	if config.Transfers.DownloadDir == "" {
		config.Transfers.DownloadDir = filepath.Join(userHomeDir(), "Downloads")
	}

	if config.Downloads.OutputDir == "" {
		config.Downloads.OutputDir = filepath.Join(userHomeDir(), "Downloads")
	}

	if config.Database.Path == "" {
		config.Database.Path = filepath.Join(userDataDir(), "courier.db")
	}
}

// DefaultConfigPath returns the location a config file is expected at when
// the user does not supply one explicitly.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		panic(fmt.Sprintf("FAILURE to derive user config dir %s", err))
	}

	return filepath.Join(dir, COURIER_USER_DIR_SUFFIX, "config.yaml")
}

func userHomeDir() string {
	dir, err := homedir.Dir()
	if err != nil {
		panic(fmt.Sprintf("FAILURE to derive user home dir %s", err))
	}

	return dir
}

func userDataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		panic(fmt.Sprintf("FAILURE to derive user cache dir %s", err))
	}

	return filepath.Join(dir, COURIER_USER_DIR_SUFFIX)
}
