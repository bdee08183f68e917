package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ccmlink/tags"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PollRate != time.Second {
		t.Errorf("expected 1s poll rate, got %v", cfg.PollRate)
	}
	if cfg.MultiPollRate != 1500*time.Millisecond {
		t.Errorf("expected 1.5s multi poll rate, got %v", cfg.MultiPollRate)
	}
	if cfg.Efficiency.PollRate != 5*time.Second {
		t.Errorf("expected 5s efficiency poll rate, got %v", cfg.Efficiency.PollRate)
	}
	if cfg.Backend.BaseURL != "http://localhost:9090" {
		t.Errorf("unexpected backend url %q", cfg.Backend.BaseURL)
	}
	if got := cfg.PanelIDs(); len(got) != 2 || got[0] != "ccm1" || got[1] != "ccm2" {
		t.Errorf("expected [ccm1 ccm2], got %v", got)
	}
	if len(cfg.Aliases) != len(tags.DefaultAliases()) {
		t.Errorf("expected default aliases, got %d groups", len(cfg.Aliases))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefaultCatalog(t *testing.T) {
	cat := DefaultCatalog("CCM2")
	if len(cat) != 14 {
		t.Fatalf("expected 14 readings, got %d", len(cat))
	}
	if cat[0].Tag != "CCM2_POTENCIA" || cat[0].Unit != "kVA" || cat[0].Decimals != 1 {
		t.Errorf("unexpected first reading %+v", cat[0])
	}
	var fp *tags.Display
	for i := range cat {
		if cat[i].Tag == "CCM2_FATOR_POTENCIA" {
			fp = &cat[i]
		}
	}
	if fp == nil || fp.Decimals != 2 || fp.Unit != "" {
		t.Errorf("unexpected power factor reading %+v", fp)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "nonexistent.yaml")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.PollRate != time.Second {
			t.Error("expected default config")
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected defaults to be written: %v", err)
		}
	})

	t.Run("generates secrets", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "secrets.yaml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Web.UI.SessionSecret == "" {
			t.Error("expected generated session secret")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(cfg.Web.UI.SecretHash), []byte(DefaultSecret)); err != nil {
			t.Errorf("default secret hash does not match: %v", err)
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test.yaml")

		cfg := &Config{
			Namespace: "plant",
			PollRate:  500 * time.Millisecond,
			Backend:   BackendConfig{BaseURL: "http://backend:9000", Contract: "unified", PanelSuffixSep: "@"},
			Panels: []PanelConfig{
				{ID: "ccm1", Name: "CCM 1", Enabled: true},
			},
			Aliases: []tags.AliasGroup{{Canonical: "CCM1_POTENCIA", Legacy: []string{"PA"}}},
			MQTT: []MQTTConfig{
				{Name: "TestMQTT", Broker: "mqtt.local", Port: 1883},
			},
			Webhooks: []WebhookConfig{
				{Name: "ops", Enabled: true, URL: "http://hooks.local/alarm", Cooldown: time.Minute},
			},
			Web: WebConfig{UI: WebUIConfig{SessionSecret: "s", SecretHash: "h"}},
		}

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if loaded.PollRate != 500*time.Millisecond {
			t.Errorf("expected 500ms poll rate, got %v", loaded.PollRate)
		}
		if loaded.Backend.Contract != "unified" || loaded.Backend.BaseURL != "http://backend:9000" {
			t.Errorf("backend config not preserved: %+v", loaded.Backend)
		}
		if len(loaded.Panels) != 1 || loaded.Panels[0].ID != "ccm1" {
			t.Errorf("panels not preserved: %+v", loaded.Panels)
		}
		if len(loaded.Aliases) != 1 || loaded.Aliases[0].Legacy[0] != "PA" {
			t.Errorf("aliases not preserved: %+v", loaded.Aliases)
		}
		if len(loaded.MQTT) != 1 || loaded.MQTT[0].Broker != "mqtt.local" {
			t.Error("MQTT config not preserved")
		}
		if w := loaded.FindWebhook("ops"); w == nil || w.Cooldown != time.Minute {
			t.Errorf("webhook not preserved: %+v", w)
		}
		if loaded.Web.UI.SecretHash != "h" {
			t.Error("existing secret hash should be kept")
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		path := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")
		if err := DefaultConfig().Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("config file was not created")
		}
	})

	t.Run("returns error for invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.yaml")
		os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644)

		if _, err := Load(path); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})
}

func TestOnChangeListener(t *testing.T) {
	cfg := DefaultConfig()
	called := make(chan struct{}, 1)
	id := cfg.AddOnChangeListener(func() { called <- struct{}{} })

	if err := cfg.Save(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	cfg.RemoveOnChangeListener(id)
	if err := cfg.Save(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	select {
	case <-called:
		t.Fatal("removed listener was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMQTTOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddMQTT(MQTTConfig{Name: "a", Broker: "x"})
	cfg.AddMQTT(MQTTConfig{Name: "b", Broker: "y"})

	if m := cfg.FindMQTT("b"); m == nil || m.Broker != "y" {
		t.Errorf("FindMQTT(b) = %+v", m)
	}
	if !cfg.RemoveMQTT("a") {
		t.Error("RemoveMQTT(a) should succeed")
	}
	if cfg.RemoveMQTT("a") {
		t.Error("second RemoveMQTT(a) should fail")
	}
	if cfg.FindMQTT("a") != nil {
		t.Error("a should be gone")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"empty namespace", func(c *Config) { c.Namespace = "" }, true},
		{"bad namespace", func(c *Config) { c.Namespace = "a/b" }, true},
		{"bad contract", func(c *Config) { c.Backend.Contract = "rest" }, true},
		{"unified without separator", func(c *Config) {
			c.Backend.Contract = "unified"
			c.Backend.PanelSuffixSep = ""
		}, true},
		{"duplicate panel", func(c *Config) { c.Panels[1].ID = "ccm1" }, true},
		{"no enabled panel", func(c *Config) {
			c.Panels[0].Enabled = false
			c.Panels[1].Enabled = false
		}, true},
		{"empty alias", func(c *Config) { c.Aliases = []tags.AliasGroup{{Canonical: "X"}} }, true},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{Name: "w", Enabled: true}} }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestIsValidNamespace(t *testing.T) {
	for ns, want := range map[string]bool{
		"ccmlink":   true,
		"plant-1.a": true,
		"a b":       false,
		"a/b":       false,
		"a+b":       false,
	} {
		if got := IsValidNamespace(ns); got != want {
			t.Errorf("IsValidNamespace(%q) = %v, want %v", ns, got, want)
		}
	}
}

func TestDefaultPath(t *testing.T) {
	path := DefaultPath()
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("expected config.yaml, got %s", path)
	}
	if filepath.Base(filepath.Dir(path)) != ".ccmlink" && path != "config.yaml" {
		t.Errorf("expected .ccmlink directory, got %s", path)
	}
}
