package di

import (
	"context"
	"testing"
	"time"

	"github.com/enrollfield/api/internal/ledger"
	"github.com/enrollfield/api/internal/payments"
	"github.com/enrollfield/api/internal/platform/config"
	"github.com/enrollfield/api/internal/repositories/memory"
)

func testConfig() config.Config {
	return config.Config{
		Payments: config.PaymentsConfig{
			DefaultProvider: "sandbox",
			AttemptTTL:      time.Hour,
		},
		Pricing:  config.PricingConfig{TaxRateBps: 1000},
		Features: config.FeatureFlags{EnablePromotions: true, EnableSandboxPay: true},
	}
}

func testGateway(t *testing.T) *payments.Manager {
	t.Helper()
	manager, err := payments.NewManager(map[string]payments.Provider{
		"sandbox": payments.NewSandboxProvider(time.Now),
	}, payments.WithDefaultProvider("sandbox"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

func TestNewContainerBuildsServices(t *testing.T) {
	container, err := NewContainer(context.Background(), testConfig(), Dependencies{
		Registry: memory.NewRegistry(),
		Gateway:  testGateway(t),
		Ledger:   ledger.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if container.Services.Orders == nil {
		t.Fatal("expected order service to be wired")
	}
	if container.Views == nil {
		t.Fatal("expected view cache to be initialised")
	}
	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewContainerRequiresInfrastructure(t *testing.T) {
	cases := []struct {
		name string
		deps Dependencies
	}{
		{name: "missing registry", deps: Dependencies{Gateway: testGateway(t), Ledger: ledger.NewMemoryStore()}},
		{name: "missing gateway", deps: Dependencies{Registry: memory.NewRegistry(), Ledger: ledger.NewMemoryStore()}},
		{name: "missing ledger", deps: Dependencies{Registry: memory.NewRegistry(), Gateway: testGateway(t)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewContainer(context.Background(), testConfig(), tc.deps); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDisabledPromotionsReportNotFound(t *testing.T) {
	_, err := disabledPromotions{}.FindByCode(context.Background(), " summer10 ")
	if err == nil {
		t.Fatal("expected error")
	}
	repoErr, ok := err.(*promotionsDisabledError)
	if !ok {
		t.Fatalf("err = %T, want *promotionsDisabledError", err)
	}
	if !repoErr.IsNotFound() {
		t.Fatal("expected not-found classification")
	}
	if repoErr.IsConflict() || repoErr.IsUnavailable() {
		t.Fatal("unexpected conflict or unavailable classification")
	}
}
