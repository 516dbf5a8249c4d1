package config

import "testing"

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := LoadWithOptions(LoadOptions{
		EnvPrefix:     "ETRAP_TEST_UNUSED",
		UseFlags:      false,
		UseEnv:        false,
		UseConfigFile: false,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Batcher.MaxBatchSize != 1000 {
		t.Errorf("got max_batch_size %d, want 1000", cfg.Batcher.MaxBatchSize)
	}
	if cfg.Batcher.MinBatchSize != 1 {
		t.Errorf("got min_batch_size %d, want 1", cfg.Batcher.MinBatchSize)
	}
	if cfg.Batcher.ForceFlushSeconds != 300 {
		t.Errorf("got force_flush_seconds %d, want 300", cfg.Batcher.ForceFlushSeconds)
	}
	if cfg.Anchor.MaxAttempts != 3 {
		t.Errorf("got anchor.max_attempts %d, want 3", cfg.Anchor.MaxAttempts)
	}
}

func TestValidateConfig_RejectsMinExceedingMax(t *testing.T) {
	cfg := defaultValidConfig()
	cfg.Batcher.MinBatchSize = cfg.Batcher.MaxBatchSize + 1

	if err := validateConfig(&cfg); err == nil {
		t.Errorf("expected an error when min_batch_size exceeds max_batch_size")
	}
}

func TestValidateConfig_RejectsEmptyObjectStoreRoot(t *testing.T) {
	cfg := defaultValidConfig()
	cfg.ObjectStore.RootDir = ""

	if err := validateConfig(&cfg); err == nil {
		t.Errorf("expected an error for an empty objectstore.root_dir")
	}
}

func TestValidateConfig_RejectsBadBackoffFactor(t *testing.T) {
	cfg := defaultValidConfig()
	cfg.Anchor.BackoffFactor = 1.0

	if err := validateConfig(&cfg); err == nil {
		t.Errorf("expected an error for a backoff_factor of 1.0")
	}
}

func defaultValidConfig() Config {
	cfg, err := LoadWithOptions(LoadOptions{UseFlags: false, UseEnv: false, UseConfigFile: false})
	if err != nil {
		panic(err)
	}
	return *cfg
}
