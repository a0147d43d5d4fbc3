//go:build property
// +build property

package snapshot_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mek-systems/mek/core/pkg/snapshot"
)

// TestDiscretizeConfidence_IsDeterministic verifies the same confidence
// value always maps to the same bucket, for any float in [0, 1].
func TestDiscretizeConfidence_IsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("discretization is a pure function of its input", prop.ForAll(
		func(c float64) bool {
			return snapshot.DiscretizeConfidence(c) == snapshot.DiscretizeConfidence(c)
		},
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// TestDiscretizeConfidence_IsMonotonicAcrossBuckets verifies a higher
// confidence value never discretizes to a lower bucket than a smaller one.
func TestDiscretizeConfidence_IsMonotonicAcrossBuckets(t *testing.T) {
	rank := map[snapshot.ConfidenceRange]int{
		snapshot.ConfidenceRangeLow:    0,
		snapshot.ConfidenceRangeMedium: 1,
		snapshot.ConfidenceRangeHigh:   2,
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("bucket rank is monotonic in confidence", prop.ForAll(
		func(a, b float64) bool {
			if a > b {
				a, b = b, a
			}
			return rank[snapshot.DiscretizeConfidence(a)] <= rank[snapshot.DiscretizeConfidence(b)]
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
