// Package scorer rates how independent a treatment assignment is from the
// subjects' covariates. The score is the smallest p-value across every test
// run; higher means better balanced.
package scorer

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/model"
)

// Config names the columns the scorer reads.
type Config struct {
	TreatmentColumn    string   `json:"treatment_column"`
	TreatmentIDs       []string `json:"treatment_ids"`
	BalancingFeatures  []string `json:"balancing_features"`
	DiscreteFeatures   []string `json:"discrete_features"`
	ContinuousFeatures []string `json:"continuous_features"`
}

// Columns returns every column the config reads, treatment column first.
func (c Config) Columns() []string {
	cols := []string{c.TreatmentColumn}
	cols = append(cols, c.BalancingFeatures...)
	cols = append(cols, c.DiscreteFeatures...)
	return append(cols, c.ContinuousFeatures...)
}

// ValidateConfig checks that a Config is internally consistent.
func ValidateConfig(c Config) error {
	var errs []string

	if strings.TrimSpace(c.TreatmentColumn) == "" {
		errs = append(errs, "treatment_column is required")
	}
	if len(c.TreatmentIDs) == 0 {
		errs = append(errs, "at least one treatment id is required")
	}

	ids := make(map[string]bool, len(c.TreatmentIDs))
	for _, id := range c.TreatmentIDs {
		id = model.Normalize(id)
		if model.IsNull(id) {
			errs = append(errs, "treatment ids must not be null")
			continue
		}
		if ids[id] {
			errs = append(errs, fmt.Sprintf("duplicate treatment id %q", id))
		}
		ids[id] = true
	}

	for _, f := range c.Columns()[1:] {
		if f == c.TreatmentColumn {
			errs = append(errs, fmt.Sprintf("feature %q is the treatment column", f))
		}
	}

	if len(errs) > 0 {
		return eris.Wrapf(model.ErrInvalidConfig, "scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
