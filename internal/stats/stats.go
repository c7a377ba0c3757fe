// Package stats implements the two hypothesis tests used to judge whether a
// treatment assignment is independent of subject covariates: the chi-squared
// test of independence and Welch's unequal-variance t-test.
package stats

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrInsufficientSamples indicates not enough samples for analysis.
	ErrInsufficientSamples = eris.New("insufficient samples for statistical analysis")

	// ErrZeroVariance indicates both sample sets are constant and share a
	// mean, leaving the t statistic undefined.
	ErrZeroVariance = eris.New("sample sets have zero variance")
)

// Contingency is a two-way frequency table.
type Contingency struct {
	RowLabels []string
	ColLabels []string
	Observed  [][]float64
}

// Crosstab counts co-occurrences of paired labels. Row and column labels are
// sorted; only observed labels appear, so no margin is ever zero.
func Crosstab(rows, cols []string) (*Contingency, error) {
	if len(rows) != len(cols) {
		return nil, eris.Errorf("stats: crosstab length mismatch (%d vs %d)", len(rows), len(cols))
	}

	rowIdx := labelIndex(rows)
	colIdx := labelIndex(cols)

	c := &Contingency{
		RowLabels: sortedKeys(rowIdx),
		ColLabels: sortedKeys(colIdx),
	}
	for i, l := range c.RowLabels {
		rowIdx[l] = i
	}
	for j, l := range c.ColLabels {
		colIdx[l] = j
	}

	c.Observed = make([][]float64, len(c.RowLabels))
	for i := range c.Observed {
		c.Observed[i] = make([]float64, len(c.ColLabels))
	}
	for k := range rows {
		c.Observed[rowIdx[rows[k]]][colIdx[cols[k]]]++
	}
	return c, nil
}

// ChiSquaredResult holds the outcome of a test of independence.
type ChiSquaredResult struct {
	Statistic        float64 `json:"statistic"`
	PValue           float64 `json:"p_value"`
	DegreesOfFreedom int     `json:"dof"`
	Corrected        bool    `json:"yates_corrected"`
}

// ChiSquaredIndependence tests whether the row and column variables of a
// contingency table are independent.
//
// Yates' continuity correction is applied when the table has one degree of
// freedom. A table with zero degrees of freedom (a single row or column)
// carries no evidence against independence and yields p = 1.
func ChiSquaredIndependence(c *Contingency) (*ChiSquaredResult, error) {
	r := len(c.Observed)
	if r == 0 || len(c.Observed[0]) == 0 {
		return nil, ErrInsufficientSamples
	}
	k := len(c.Observed[0])

	rowSums := make([]float64, r)
	colSums := make([]float64, k)
	var total float64
	for i, row := range c.Observed {
		if len(row) != k {
			return nil, eris.New("stats: ragged contingency table")
		}
		for j, v := range row {
			rowSums[i] += v
			colSums[j] += v
			total += v
		}
	}
	if total == 0 {
		return nil, ErrInsufficientSamples
	}

	dof := (r - 1) * (k - 1)
	if dof == 0 {
		return &ChiSquaredResult{PValue: 1}, nil
	}

	correct := dof == 1
	var chi2 float64
	for i := 0; i < r; i++ {
		for j := 0; j < k; j++ {
			expected := rowSums[i] * colSums[j] / total
			if expected == 0 {
				return nil, eris.Errorf("stats: zero expected frequency at (%d, %d)", i, j)
			}
			observed := c.Observed[i][j]
			if correct {
				diff := expected - observed
				observed += math.Copysign(math.Min(0.5, math.Abs(diff)), diff)
			}
			d := observed - expected
			chi2 += d * d / expected
		}
	}

	p := distuv.ChiSquared{K: float64(dof)}.Survival(chi2)
	return &ChiSquaredResult{
		Statistic:        chi2,
		PValue:           clampProbability(p),
		DegreesOfFreedom: dof,
		Corrected:        correct,
	}, nil
}

// TTestResult holds the results of a t-test.
type TTestResult struct {
	TStatistic       float64 `json:"t_statistic"`
	PValue           float64 `json:"p_value"`
	DegreesOfFreedom float64 `json:"dof"`
	N1               int     `json:"n1"`
	N2               int     `json:"n2"`
}

// WelchTTest performs a two-sided Welch's t-test. NaN values are omitted;
// each sample must keep at least two values after omission.
func WelchTTest(samples1, samples2 []float64) (*TTestResult, error) {
	a := dropNaN(samples1)
	b := dropNaN(samples2)
	if len(a) < 2 || len(b) < 2 {
		return nil, ErrInsufficientSamples
	}

	mean1, var1 := stat.MeanVariance(a, nil)
	mean2, var2 := stat.MeanVariance(b, nil)
	n1 := float64(len(a))
	n2 := float64(len(b))

	se1 := var1 / n1
	se2 := var2 / n2
	res := &TTestResult{N1: len(a), N2: len(b)}

	if se1+se2 == 0 {
		if mean1 == mean2 {
			return nil, ErrZeroVariance
		}
		// Constant, different samples: the difference is certain.
		res.TStatistic = math.Copysign(math.Inf(1), mean1-mean2)
		res.DegreesOfFreedom = n1 + n2 - 2
		return res, nil
	}

	res.TStatistic = (mean1 - mean2) / math.Sqrt(se1+se2)

	// Welch-Satterthwaite equation
	res.DegreesOfFreedom = (se1 + se2) * (se1 + se2) / (se1*se1/(n1-1) + se2*se2/(n2-1))

	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: res.DegreesOfFreedom}
	res.PValue = clampProbability(2 * t.Survival(math.Abs(res.TStatistic)))
	return res, nil
}

func dropNaN(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			out = append(out, x)
		}
	}
	return out
}

func clampProbability(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 1
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

func labelIndex(labels []string) map[string]int {
	idx := make(map[string]int)
	for _, l := range labels {
		idx[l] = 0
	}
	return idx
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
