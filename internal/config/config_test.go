package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("remote.base_url", "http://remote.example.org")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.HTTPAddress != "127.0.0.1:8090" {
		t.Fatalf("unexpected default address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "tripledger.db" {
		t.Fatalf("unexpected default database path %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected default log level %q", cfg.LogLevel)
	}
	if !cfg.RadioEnabled {
		t.Fatalf("radio scanning must default to enabled")
	}
	if cfg.SMTPPort != 587 {
		t.Fatalf("unexpected default smtp port %d", cfg.SMTPPort)
	}
}

func TestLoadRequiresRemoteBaseURL(t *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected validation error without remote.base_url")
	}
}

func TestLoadRequiresDatabasePath(t *testing.T) {
	configViper := NewViper()
	configViper.Set("remote.base_url", "http://remote.example.org")
	configViper.Set("database.path", "   ")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected validation error for blank database path")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("remote.base_url", "http://remote.example.org")
	configViper.Set("http.address", "0.0.0.0:9000")
	configViper.Set("scanner.radio_enabled", false)
	configViper.Set("smtp.host", "smtp.example.org")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.RadioEnabled {
		t.Fatalf("radio override must stick")
	}
	if cfg.SMTPHost != "smtp.example.org" {
		t.Fatalf("unexpected smtp host %q", cfg.SMTPHost)
	}
}
