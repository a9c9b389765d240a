package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
	if cfg.Ranking.LowScoreThreshold != -0.40 {
		t.Errorf("LowScoreThreshold = %v, want -0.40", cfg.Ranking.LowScoreThreshold)
	}
	if cfg.ListenAddr() != "127.0.0.1:37780" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
reducer:
  stale_days: 3
ranking:
  freshness_half_life_hours: 12
  low_score_threshold: -0.1
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reducer.StaleDays != 3 {
		t.Errorf("StaleDays = %d, want 3", cfg.Reducer.StaleDays)
	}
	if cfg.Ranking.FreshnessHalfLifeHours != 12 {
		t.Errorf("FreshnessHalfLifeHours = %v, want 12", cfg.Ranking.FreshnessHalfLifeHours)
	}
	if cfg.Ranking.LowScoreThreshold != -0.1 {
		t.Errorf("LowScoreThreshold = %v, want -0.1", cfg.Ranking.LowScoreThreshold)
	}
	// Untouched keys keep defaults
	if cfg.Reducer.WindowHours != 24 {
		t.Errorf("WindowHours = %d, want 24", cfg.Reducer.WindowHours)
	}
	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("reducer:\n  stale_days: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FACTLOG_REDUCER_STALE_DAYS", "11")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reducer.StaleDays != 11 {
		t.Errorf("StaleDays = %d, want 11 (env wins)", cfg.Reducer.StaleDays)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("ranking:\n  feedback_half_life_days: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for zero half-life")
	}
}
