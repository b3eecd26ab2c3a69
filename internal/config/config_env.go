package config

import "os"

// ApplyEnvConfig applies IMGPIPE_* environment variables to cfg,
// skipping flags that were set explicitly.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("capture-endpoint", os.Getenv("IMGPIPE_CAPTURE_ENDPOINT"), &cfg.CaptureEndpoint)
	s.setString("processed-endpoint", os.Getenv("IMGPIPE_PROCESSED_ENDPOINT"), &cfg.ProcessedEndpoint)
	s.setString("source-dir", os.Getenv("IMGPIPE_SOURCE_DIR"), &cfg.SourceDir)
	s.setString("db", os.Getenv("IMGPIPE_DB_PATH"), &cfg.DBPath)
	s.setString("journal-dir", os.Getenv("IMGPIPE_JOURNAL_DIR"), &cfg.JournalDir)
	s.setString("monitor-addr", os.Getenv("IMGPIPE_MONITOR_ADDR"), &cfg.MonitorAddr)

	if err := s.setDuration("receive-timeout", os.Getenv("IMGPIPE_RECEIVE_TIMEOUT"), &cfg.ReceiveTimeout); err != nil {
		return err
	}
	if err := s.setDuration("settle-delay", os.Getenv("IMGPIPE_SETTLE_DELAY"), &cfg.SettleDelay); err != nil {
		return err
	}
	if err := s.setDuration("frame-delay", os.Getenv("IMGPIPE_FRAME_DELAY"), &cfg.FrameDelay); err != nil {
		return err
	}

	if err := s.setIntFromString("hwm", os.Getenv("IMGPIPE_HWM"), &cfg.HighWaterMark); err != nil {
		return err
	}
	if err := s.setIntFromString("synth-count", os.Getenv("IMGPIPE_SYNTH_COUNT"), &cfg.SynthCount); err != nil {
		return err
	}
	if err := s.setInt64FromString("synth-seed", os.Getenv("IMGPIPE_SYNTH_SEED"), &cfg.SynthSeed); err != nil {
		return err
	}
	if err := s.setIntFromString("cell-size", os.Getenv("IMGPIPE_CELL_SIZE"), &cfg.CellSize); err != nil {
		return err
	}
	if err := s.setFloatFromString("min-contrast", os.Getenv("IMGPIPE_MIN_CONTRAST"), &cfg.MinContrast); err != nil {
		return err
	}
	if err := s.setIntFromString("max-features", os.Getenv("IMGPIPE_MAX_FEATURES"), &cfg.MaxFeatures); err != nil {
		return err
	}

	s.setBoolFromString("loop", os.Getenv("IMGPIPE_SOURCE_LOOP"), &cfg.SourceLoop)
	s.setBoolFromString("watch", os.Getenv("IMGPIPE_SOURCE_WATCH"), &cfg.SourceWatch)
	s.setBoolFromString("debug", os.Getenv("IMGPIPE_DEBUG"), &cfg.Debug)

	return nil
}
