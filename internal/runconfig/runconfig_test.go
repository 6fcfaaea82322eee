package runconfig

import "testing"

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MAESTRO_FILE", "prod.yaml")
	t.Setenv("MAESTRO_CONCURRENCY", "4")
	t.Setenv("MAESTRO_METRICS_ENABLED", "true")

	cfg := DefaultConfig()
	if err := ApplyEnvOverrides(cfg); err != nil {
		t.Fatalf("ApplyEnvOverrides: %v", err)
	}
	if cfg.File != "prod.yaml" {
		t.Errorf("File = %q", cfg.File)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d", cfg.Concurrency)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled not applied")
	}
}

func TestInvalidIntFails(t *testing.T) {
	t.Setenv("MAESTRO_CONCURRENCY", "lots")
	cfg := DefaultConfig()
	if err := ApplyEnvOverrides(cfg); err == nil {
		t.Fatal("expected error for non-numeric MAESTRO_CONCURRENCY")
	}
}
