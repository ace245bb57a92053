// Package severity maps rule confidence to operator-facing severity.
package severity

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Mapper converts a confidence into a severity using descending bands.
type Mapper struct {
	bands domain.SeverityBands
}

// NewMapper validates the bands and returns a mapper.
func NewMapper(bands domain.SeverityBands) (*Mapper, error) {
	if err := bands.Validate(); err != nil {
		return nil, err
	}
	return &Mapper{bands: bands}, nil
}

// Band returns the severity whose lower bound confidence reaches.
// Lower bounds are inclusive.
func (m *Mapper) Band(confidence float64) (domain.Severity, error) {
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) || confidence < 0 || confidence > 1 {
		return "", fmt.Errorf("%w: confidence %v", domain.ErrInvalidScore, confidence)
	}

	switch {
	case confidence >= m.bands.Critical:
		return domain.SeverityCritical, nil
	case confidence >= m.bands.High:
		return domain.SeverityHigh, nil
	case confidence >= m.bands.Medium:
		return domain.SeverityMedium, nil
	default:
		return domain.SeverityLow, nil
	}
}

// Map returns the confidence band capped at ceiling. An empty ceiling
// leaves the band uncapped.
func (m *Mapper) Map(confidence float64, ceiling domain.Severity) (domain.Severity, error) {
	band, err := m.Band(confidence)
	if err != nil {
		return "", err
	}
	if ceiling == "" {
		return band, nil
	}
	if !ceiling.Valid() {
		return "", fmt.Errorf("%w: unknown severity ceiling %q", domain.ErrConfiguration, ceiling)
	}
	if ceiling.Rank() < band.Rank() {
		return ceiling, nil
	}
	return band, nil
}
