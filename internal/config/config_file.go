package config

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	CaptureEndpoint   string  `toml:"capture_endpoint"`
	ProcessedEndpoint string  `toml:"processed_endpoint"`
	HighWaterMark     int     `toml:"high_water_mark"`
	ReceiveTimeout    string  `toml:"receive_timeout"`
	SettleDelay       string  `toml:"settle_delay"`
	SourceDir         string  `toml:"source_dir"`
	SourceLoop        *bool   `toml:"source_loop"`
	SourceWatch       *bool   `toml:"source_watch"`
	FrameDelay        string  `toml:"frame_delay"`
	SynthCount        int     `toml:"synth_count"`
	SynthWidth        int     `toml:"synth_width"`
	SynthHeight       int     `toml:"synth_height"`
	SynthSeed         int64   `toml:"synth_seed"`
	CellSize          int     `toml:"cell_size"`
	MinContrast       float64 `toml:"min_contrast"`
	MaxFeatures       int     `toml:"max_features"`
	DBPath            string  `toml:"db_path"`
	JournalDir        string  `toml:"journal_dir"`
	MonitorAddr       string  `toml:"monitor_addr"`
	Debug             *bool   `toml:"debug"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.imgpipe/config.toml if the user home
// directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".imgpipe", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies file values to cfg, skipping flags that were
// set explicitly.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("capture-endpoint", fc.CaptureEndpoint, &cfg.CaptureEndpoint)
	s.setString("processed-endpoint", fc.ProcessedEndpoint, &cfg.ProcessedEndpoint)
	s.setString("source-dir", fc.SourceDir, &cfg.SourceDir)
	s.setString("db", fc.DBPath, &cfg.DBPath)
	s.setString("journal-dir", fc.JournalDir, &cfg.JournalDir)
	s.setString("monitor-addr", fc.MonitorAddr, &cfg.MonitorAddr)

	if err := s.setDuration("receive-timeout", fc.ReceiveTimeout, &cfg.ReceiveTimeout); err != nil {
		return err
	}
	if err := s.setDuration("settle-delay", fc.SettleDelay, &cfg.SettleDelay); err != nil {
		return err
	}
	if err := s.setDuration("frame-delay", fc.FrameDelay, &cfg.FrameDelay); err != nil {
		return err
	}

	s.setInt("hwm", fc.HighWaterMark, &cfg.HighWaterMark)
	s.setInt("synth-count", fc.SynthCount, &cfg.SynthCount)
	s.setInt("synth-width", fc.SynthWidth, &cfg.SynthWidth)
	s.setInt("synth-height", fc.SynthHeight, &cfg.SynthHeight)
	s.setInt64("synth-seed", fc.SynthSeed, &cfg.SynthSeed)
	s.setInt("cell-size", fc.CellSize, &cfg.CellSize)
	s.setFloat("min-contrast", fc.MinContrast, &cfg.MinContrast)
	s.setInt("max-features", fc.MaxFeatures, &cfg.MaxFeatures)

	s.setBool("loop", fc.SourceLoop, &cfg.SourceLoop)
	s.setBool("watch", fc.SourceWatch, &cfg.SourceWatch)
	s.setBool("debug", fc.Debug, &cfg.Debug)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
