package config

import "testing"

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.SandboxDisabled {
		t.Error("SandboxDisabled = true, want false")
	}
	if cfg.CASRoot != "./requiem-data/cas" {
		t.Errorf("CASRoot = %q", cfg.CASRoot)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	env := map[string]string{
		"REQUIEM_LOG_LEVEL":        "debug",
		"REQUIEM_SANDBOX_DISABLED": "true",
		"REQUIEM_CAS_ROOT":         "/var/requiem/cas",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := Load(lookup)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if !cfg.SandboxDisabled {
		t.Error("SandboxDisabled = false, want true")
	}
	if cfg.CASRoot != "/var/requiem/cas" {
		t.Errorf("CASRoot = %q, want /var/requiem/cas", cfg.CASRoot)
	}
	// Fields with no override keep their default.
	if cfg.HistoryDBPath != "./requiem-data/history.db" {
		t.Errorf("HistoryDBPath = %q, want default unchanged", cfg.HistoryDBPath)
	}
}

func TestLoadRejectsInvalidBool(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "REQUIEM_SANDBOX_DISABLED" {
			return "not-a-bool", true
		}
		return "", false
	}
	if _, err := Load(lookup); err == nil {
		t.Fatal("expected an error for an invalid bool env value")
	}
}
