package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("broker:\n  enabled: true\n  url: tcp://localhost:1883\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: ./data\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("broker:\n  enabled: true\n  url: tcp://localhost:1883\n  password: ${SDHOME_TEST_PASSWORD}\n"), 0600)
	os.Setenv("SDHOME_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("SDHOME_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Broker.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Broker.Password, "secret123")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /var/lib/sdhomecore\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Broker.TopicFilter != "sdhome/#" {
		t.Errorf("topic_filter = %q, want %q", cfg.Broker.TopicFilter, "sdhome/#")
	}
	if cfg.Broker.BaseTopic != "sdhome" {
		t.Errorf("base_topic = %q, want %q", cfg.Broker.BaseTopic, "sdhome")
	}
	want := filepath.Join("/var/lib/sdhomecore", "sdhomecore.db")
	if cfg.Database.Path != want {
		t.Errorf("database.path = %q, want %q", cfg.Database.Path, want)
	}
	if cfg.Automation.TickSeconds != 30 {
		t.Errorf("automation.tick_seconds = %d, want 30", cfg.Automation.TickSeconds)
	}
}

func TestValidate_BrokerEnabledRequiresURL(t *testing.T) {
	cfg := Default()
	cfg.Broker.Enabled = true
	cfg.Broker.URL = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for enabled broker with empty url")
	}
}

func TestValidate_NegativePollInterval(t *testing.T) {
	cfg := Default()
	cfg.StateSync.PollIntervalSeconds = -1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative poll_interval_seconds")
	}
}

func TestBrokerConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  BrokerConfig
		want bool
	}{
		{"enabled with url", BrokerConfig{Enabled: true, URL: "tcp://localhost:1883"}, true},
		{"disabled", BrokerConfig{Enabled: false, URL: "tcp://localhost:1883"}, false},
		{"enabled no url", BrokerConfig{Enabled: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateSyncConfig_PollInterval(t *testing.T) {
	if (StateSyncConfig{PollIntervalSeconds: 0}).PollInterval() != 0 {
		t.Error("expected zero duration when disabled")
	}
	if (StateSyncConfig{PollIntervalSeconds: 60}).PollInterval().Seconds() != 60 {
		t.Error("expected 60s duration")
	}
}
