package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID":    "demo-project",
			"API_PAYMENTS_STRIPE_API_KEY": "sk_test_123",
		}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Fatalf("unexpected port %q", cfg.Server.Port)
	}
	if cfg.Payments.AttemptTTL != 24*time.Hour {
		t.Fatalf("unexpected attempt ttl %s", cfg.Payments.AttemptTTL)
	}
	if cfg.Events.ProjectID != "demo-project" {
		t.Fatalf("events project should fall back to firestore project, got %q", cfg.Events.ProjectID)
	}
	if cfg.Events.Topic != "order-events" {
		t.Fatalf("unexpected topic %q", cfg.Events.Topic)
	}
	if !cfg.Features.EnablePromotions {
		t.Fatal("promotions should default on")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	cfg, err := Load(
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID":       "demo-project",
			"API_PAYMENTS_STRIPE_API_KEY":    "sk_test_123",
			"API_PAYMENTS_ATTEMPT_TTL":       "30m",
			"API_PAYMENTS_CURRENCY_ROUTES":   "usd=stripe, eur=stripe",
			"API_PRICING_TAX_RATE_BPS":       "825",
			"API_FEATURE_SANDBOX_PAYMENTS":   "true",
		}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Payments.AttemptTTL != 30*time.Minute {
		t.Fatalf("unexpected attempt ttl %s", cfg.Payments.AttemptTTL)
	}
	if cfg.Payments.CurrencyRoutes["usd"] != "stripe" {
		t.Fatalf("unexpected currency routes %v", cfg.Payments.CurrencyRoutes)
	}
	if cfg.Pricing.TaxRateBps != 825 {
		t.Fatalf("unexpected tax rate %d", cfg.Pricing.TaxRateBps)
	}
	if !cfg.Features.EnableSandboxPay {
		t.Fatal("sandbox payments flag not parsed")
	}
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(WithoutSystemEnv(), WithEnvFile(""), WithEnvMap(map[string]string{}))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := verr.Fields()
	if len(fields) == 0 {
		t.Fatal("expected missing fields")
	}
}

func TestLoadSandboxSkipsStripeKey(t *testing.T) {
	_, err := Load(
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID":     "demo-project",
			"API_FEATURE_SANDBOX_PAYMENTS": "true",
		}),
	)
	if err != nil {
		t.Fatalf("sandbox mode should not require a stripe key: %v", err)
	}
}
