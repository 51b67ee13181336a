package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Routes) == 0 {
		t.Error("expected default routes")
	}
	if cfg.Routes[RouteStoryteller].APIKeyEnv != "OPENROUTER_API_KEY" {
		t.Error("expected storyteller route to reference OPENROUTER_API_KEY")
	}
	if cfg.Storage.SqlitePath == "" {
		t.Error("expected default sqlite path")
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		os.Setenv("TEST_API_KEY", "secret123")
		defer os.Unsetenv("TEST_API_KEY")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})
}

func TestConfig_ResolveAPIKey(t *testing.T) {
	os.Setenv("TEST_OPENROUTER_KEY", "or-key-123")
	defer os.Unsetenv("TEST_OPENROUTER_KEY")

	cfg := &Config{
		Routes: map[string]RouteConfig{
			"via_env":  {APIKeyEnv: "TEST_OPENROUTER_KEY"},
			"literal":  {APIKey: "direct-key"},
			"wrapped":  {APIKey: "${TEST_OPENROUTER_KEY}"},
		},
	}

	t.Run("resolves env var name", func(t *testing.T) {
		if got := cfg.ResolveAPIKey("via_env"); got != "or-key-123" {
			t.Errorf("expected or-key-123, got %s", got)
		}
	})

	t.Run("returns literal value", func(t *testing.T) {
		if got := cfg.ResolveAPIKey("literal"); got != "direct-key" {
			t.Errorf("expected direct-key, got %s", got)
		}
	})

	t.Run("resolves wrapped env reference", func(t *testing.T) {
		if got := cfg.ResolveAPIKey("wrapped"); got != "or-key-123" {
			t.Errorf("expected or-key-123, got %s", got)
		}
	})

	t.Run("unknown route returns empty", func(t *testing.T) {
		if got := cfg.ResolveAPIKey("missing"); got != "" {
			t.Errorf("expected empty, got %s", got)
		}
	})
}

func TestStorytellerConfig_ResolvedNarrationRatio(t *testing.T) {
	t.Run("explicit ratio wins", func(t *testing.T) {
		s := StorytellerConfig{NarrationPreset: "short", NarrationRatio: 0.9}
		if got := s.ResolvedNarrationRatio(); got != 0.9 {
			t.Errorf("expected 0.9, got %v", got)
		}
	})

	t.Run("preset midpoint", func(t *testing.T) {
		s := StorytellerConfig{NarrationPreset: "long"}
		if got := s.ResolvedNarrationRatio(); got < 0.725-1e-12 || got > 0.725+1e-12 {
			t.Errorf("expected 0.725, got %v", got)
		}
	})

	t.Run("unknown preset falls back to medium", func(t *testing.T) {
		s := StorytellerConfig{NarrationPreset: "bogus"}
		if got := s.ResolvedNarrationRatio(); got != 0.45 {
			t.Errorf("expected 0.45, got %v", got)
		}
	})
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "config.yaml")

		configContent := `
storage:
  sqlite_path: "custom.db"
`
		if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Storage.SqlitePath != "custom.db" {
			t.Errorf("expected custom.db, got %s", cfg.Storage.SqlitePath)
		}
	})
}

func TestManager_OnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
storage:
  sqlite_path: "initial.db"
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	callbackCount := 0
	var lastConfig *Config

	mgr.OnChange(func(cfg *Config) {
		callbackCount++
		lastConfig = cfg
	})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 1 {
		t.Errorf("expected 1 callback, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()

	// Actually triggering the callback requires WatchConfig + file change,
	// tested in TestManager_WatchConfig.
	_ = lastConfig
	_ = callbackCount
}

func TestManager_OnChange_Multiple(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
storage:
  sqlite_path: "a.db"
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
storage:
  sqlite_path: "a.db"
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cfg := mgr.Get()
				_ = cfg.Storage.SqlitePath
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
storage:
  sqlite_path: "initial.db"
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	cfg := mgr.Get()
	if cfg.Storage.SqlitePath != "initial.db" {
		t.Errorf("initial value mismatch: expected initial.db, got %s", cfg.Storage.SqlitePath)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Value

	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(cfg.Storage.SqlitePath)
	})

	mgr.WatchConfig()

	time.Sleep(100 * time.Millisecond)

	newContent := `
storage:
  sqlite_path: "updated.db"
`
	if err := os.WriteFile(configFile, []byte(newContent), 0644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if callbackCount.Load() > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Error("callback was not invoked after config file change")
	}

	newCfg := mgr.Get()
	if newCfg.Storage.SqlitePath != "updated.db" {
		t.Errorf("config not updated: expected updated.db, got %s", newCfg.Storage.SqlitePath)
	}

	if v := lastValue.Load(); v != "updated.db" {
		t.Errorf("callback received wrong value: expected updated.db, got %v", v)
	}
}
