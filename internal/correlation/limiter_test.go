package correlation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheck_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000), 5)

	if err := limiter.Check("872a1070b", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheck_PerCellExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000), 5)

	// Outstanding 950 + new 100 = 1050 > 1000.
	current := Exposure{"872a1070b": d(950)}

	err := limiter.Check("872a1070b", d(100), current)
	if !errors.Is(err, ErrPerCellLimitExceeded) {
		t.Errorf("expected ErrPerCellLimitExceeded, got %v", err)
	}
}

func TestCheck_PerCellBoundaryAllowed(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000), 5)

	current := Exposure{"872a1070b": d(900)}

	if err := limiter.Check("872a1070b", d(100), current); err != nil {
		t.Errorf("exactly reaching the limit should pass, got %v", err)
	}
}

func TestCheck_CorrelatedExceeded(t *testing.T) {
	// PrefixLen=5: cells "872a1070b" and "872a1070c" share prefix "872a1"
	// and are considered correlated.
	limiter := NewLimiter(d(1000), d(2000), 5)

	current := Exposure{
		"872a1070b": d(800),
		"872a1070c": d(800),
		"872a1070d": d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.Check("872a1070e", d(200), current)
	if !errors.Is(err, ErrCorrelatedLimitExceeded) {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheck_NonCorrelatedCellsIgnored(t *testing.T) {
	limiter := NewLimiter(d(1000), d(2000), 5)

	current := Exposure{
		"872a1070b": d(800), // correlated with target (prefix "872a1")
		"882b2070a": d(900), // NOT correlated (prefix "882b2")
	}

	// Correlated total = 500 + 800 = 1300 < 2000.
	if err := limiter.Check("872a1070c", d(500), current); err != nil {
		t.Errorf("non-correlated cells should be ignored, got %v", err)
	}
}

func TestCheck_ZeroLimitsDisable(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero, 5)
	if limiter.Enabled() {
		t.Fatal("expected limiter to be disabled")
	}
	if err := limiter.Check("872a1070b", d(1e9), Exposure{"872a1070b": d(1e9)}); err != nil {
		t.Errorf("disabled limiter rejected: %v", err)
	}

	var nilLimiter *Limiter
	if err := nilLimiter.Check("872a1070b", d(1), nil); err != nil {
		t.Errorf("nil limiter rejected: %v", err)
	}
}

func TestFromPolicies_ActiveOnly(t *testing.T) {
	cells := map[string]string{"m1": "872a1070b", "m2": "872a1070c"}
	cellOf := func(id string) (string, bool) {
		c, ok := cells[id]
		return c, ok
	}
	policies := []model.Policy{
		{MarketID: "m1", MaxPayout: d(300), Status: model.PolicyActive},
		{MarketID: "m1", MaxPayout: d(200), Status: model.PolicyActive},
		{MarketID: "m2", MaxPayout: d(50), Status: model.PolicySettled},
		{MarketID: "m9", MaxPayout: d(70), Status: model.PolicyActive},
	}

	e := FromPolicies(policies, cellOf)
	if !e["872a1070b"].Equal(d(500)) {
		t.Errorf("expected 500 in m1 cell, got %s", e["872a1070b"])
	}
	if _, ok := e["872a1070c"]; ok {
		t.Error("settled policy should not count")
	}
	if len(e) != 1 {
		t.Errorf("expected one cell, got %d", len(e))
	}
}
