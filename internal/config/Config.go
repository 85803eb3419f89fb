package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"torrent-layout/internal/constants"

	"github.com/sirupsen/logrus"
)

// Duration reads "250ms" / "5s" style strings from the config file
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	// ListenAddr is where the command surface is served
	ListenAddr string `json:"listen_addr"`
	// DownloadDir is used when a torrent is added without a directory and
	// no directory has been used yet
	DownloadDir string `json:"download_dir"`
	// AutoStart moves torrents to Active as soon as validation finishes
	AutoStart bool `json:"auto_start"`
	// CheckWorkers bounds how many pieces are hashed at once during a recheck
	CheckWorkers int `json:"check_workers"`
	// ProgressLogEvery throttles progress log lines per dispatcher
	ProgressLogEvery Duration `json:"progress_log_every"`
	LogLevel         string   `json:"log_level"`
}

func Default() Config {
	return Config{
		ListenAddr:       fmt.Sprintf(":%d", constants.DEFAULT_PORT),
		CheckWorkers:     runtime.NumCPU(),
		ProgressLogEvery: Duration{5 * time.Second},
		LogLevel:         "info",
	}
}

// Load reads a JSON config file on top of the defaults. A missing file is not an error.
func Load(filename string) (Config, error) {
	c := Default()
	if filename == "" {
		return c, nil
	}
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("reading config %s: %w", filename, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", filename, err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.CheckWorkers <= 0 {
		return fmt.Errorf("check_workers must be positive, got %d", c.CheckWorkers)
	}
	if c.ProgressLogEvery.Duration < 0 {
		return fmt.Errorf("progress_log_every must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Logger builds a logger at the configured level
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}
