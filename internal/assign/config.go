// Package assign fills in missing treatment assignments so that balancing
// features stay evenly spread across treatment groups, keeping the best of
// many randomized trials.
package assign

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/scorer"
)

// DefaultTrials is the trial count used when none is configured.
const DefaultTrials = 1000

var validate = validator.New()

// Config drives a distributor.
type Config struct {
	TreatmentColumn    string        `json:"treatment_column" validate:"required"`
	TreatmentIDs       []string      `json:"treatment_ids" validate:"required,min=1,dive,required"`
	BalancingFeatures  []string      `json:"balancing_features" validate:"dive,required"`
	DiscreteFeatures   []string      `json:"discrete_features" validate:"dive,required"`
	ContinuousFeatures []string      `json:"continuous_features" validate:"dive,required"`
	Trials             int           `json:"trials" validate:"min=1"`
	Seed               uint64        `json:"seed"`
	Concurrency        int           `json:"concurrency" validate:"min=0"`
	Timeout            time.Duration `json:"timeout" validate:"min=0"`
}

// Validate checks the config on its own, without a subject table.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !eris.As(err, &verrs) {
			return eris.Wrap(ErrInvalidConfig, err.Error())
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return eris.Wrapf(ErrInvalidConfig, "assign: %s", strings.Join(msgs, "; "))
	}
	return scorer.ValidateConfig(c.Scorer())
}

// Scorer returns the scorer view of the config.
func (c Config) Scorer() scorer.Config {
	return scorer.Config{
		TreatmentColumn:    c.TreatmentColumn,
		TreatmentIDs:       c.TreatmentIDs,
		BalancingFeatures:  c.BalancingFeatures,
		DiscreteFeatures:   c.DiscreteFeatures,
		ContinuousFeatures: c.ContinuousFeatures,
	}
}

// CheckTable reports every configured column that t lacks.
func (c Config) CheckTable(t *model.Table) error {
	if missing := t.MissingColumns(c.Scorer().Columns()...); len(missing) > 0 {
		return eris.Wrapf(ErrInvalidConfig, "assign: missing columns %s", strings.Join(missing, ", "))
	}
	return nil
}
