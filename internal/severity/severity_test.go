package severity

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := NewMapper(domain.DefaultDetectionConfig().Bands)
	if err != nil {
		t.Fatalf("NewMapper failed: %v", err)
	}
	return m
}

func TestBand(t *testing.T) {
	m := newMapper(t)

	tests := []struct {
		confidence float64
		want       domain.Severity
	}{
		{0, domain.SeverityLow},
		{0.3999, domain.SeverityLow},
		{0.40, domain.SeverityMedium},
		{0.5999, domain.SeverityMedium},
		{0.60, domain.SeverityHigh},
		{0.8499, domain.SeverityHigh},
		{0.85, domain.SeverityCritical},
		{1, domain.SeverityCritical},
	}

	for _, tt := range tests {
		got, err := m.Band(tt.confidence)
		if err != nil {
			t.Errorf("Band(%v) failed: %v", tt.confidence, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Band(%v) = %s, want %s", tt.confidence, got, tt.want)
		}
	}
}

func TestMapCeiling(t *testing.T) {
	m := newMapper(t)

	tests := []struct {
		name       string
		confidence float64
		ceiling    domain.Severity
		want       domain.Severity
	}{
		{"CappedAtHigh", 0.95, domain.SeverityHigh, domain.SeverityHigh},
		{"CappedAtMedium", 0.70, domain.SeverityMedium, domain.SeverityMedium},
		{"CeilingAboveBand", 0.65, domain.SeverityCritical, domain.SeverityHigh},
		{"NoCeiling", 0.90, "", domain.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Map(tt.confidence, tt.ceiling)
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMapRejectsInvalidScores(t *testing.T) {
	m := newMapper(t)

	for _, c := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -0.01, 1.01} {
		if _, err := m.Map(c, domain.SeverityHigh); !errors.Is(err, domain.ErrInvalidScore) {
			t.Errorf("Map(%v): expected ErrInvalidScore, got %v", c, err)
		}
	}

	if _, err := m.Map(0.5, "SEVERE"); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for unknown ceiling, got %v", err)
	}
}

func TestMapMonotonic(t *testing.T) {
	m := newMapper(t)

	prev := 0
	for c := 0.0; c <= 1.0; c += 0.01 {
		s, err := m.Map(c, domain.SeverityCritical)
		if err != nil {
			t.Fatalf("Map(%v) failed: %v", c, err)
		}
		if s.Rank() < prev {
			t.Fatalf("severity dropped at %v", c)
		}
		prev = s.Rank()
	}
}

func TestNewMapperValidatesBands(t *testing.T) {
	bad := []domain.SeverityBands{
		{Critical: 0.5, High: 0.6, Medium: 0.4},
		{Critical: 1.2, High: 0.6, Medium: 0.4},
		{Critical: 0.8, High: 0.8, Medium: 0.4},
	}
	for _, b := range bad {
		if _, err := NewMapper(b); !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("bands %+v: expected ErrConfiguration, got %v", b, err)
		}
	}
}
