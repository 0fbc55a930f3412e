package config

import (
	"testing"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Expected default port %s, got %s", DefaultPort, cfg.Port)
	}
	if cfg.PlatformFeeBPS != DefaultPlatformFeeBPS {
		t.Errorf("Expected default fee %d, got %d", DefaultPlatformFeeBPS, cfg.PlatformFeeBPS)
	}
	if cfg.Currency != DefaultCurrency {
		t.Errorf("Expected default currency %s, got %s", DefaultCurrency, cfg.Currency)
	}
}

func TestLoad_MissingStripeKey(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error when STRIPE_SECRET_KEY is missing")
	}
}

func TestLoad_MissingWebhookSecret(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error when STRIPE_WEBHOOK_SECRET is missing")
	}
}

func TestLoad_FeeOutOfRange(t *testing.T) {
	setRequired(t)
	t.Setenv("PLATFORM_FEE_BPS", "20000")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for fee above 10000 bps")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9999")
	t.Setenv("ENV", "production")
	t.Setenv("PLATFORM_FEE_BPS", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("Expected port 9999, got %s", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Error("Expected IsProduction to be true")
	}
	if cfg.PlatformFeeBPS != 500 {
		t.Errorf("Expected fee 500, got %d", cfg.PlatformFeeBPS)
	}
}
