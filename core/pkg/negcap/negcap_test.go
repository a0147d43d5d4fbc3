package negcap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mek-systems/mek/core/pkg/negcap"
)

func assertTraps(t *testing.T, class negcap.ProhibitedClass, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "call site must panic")
		err, ok := r.(*negcap.ProhibitedBehaviorError)
		require.True(t, ok, "panic value must be *ProhibitedBehaviorError, got %T", r)
		assert.Equal(t, class, err.Class)
		assert.Contains(t, err.Error(), string(class))
	}()
	fn()
}

func TestBlockLearning_Traps(t *testing.T) {
	assertTraps(t, negcap.ClassLearning, func() { negcap.BlockLearning("fed outcome back into dispatch") })
}

func TestBlockAdaptiveThresholdTuning_Traps(t *testing.T) {
	assertTraps(t, negcap.ClassAdaptiveThreshold, func() { negcap.BlockAdaptiveThresholdTuning("adjusted friction table at runtime") })
}

func TestBlockAutomaticRetry_Traps(t *testing.T) {
	assertTraps(t, negcap.ClassAutomaticRetry, func() { negcap.BlockAutomaticRetry("re-invoked after non-action") })
}

func TestBlockAutonomousEscalation_Traps(t *testing.T) {
	assertTraps(t, negcap.ClassAutonomousEscalation, func() { negcap.BlockAutonomousEscalation("widened grant scope without an issue_grant call") })
}

func TestBlockUrgencyShortcut_Traps(t *testing.T) {
	assertTraps(t, negcap.ClassUrgencyShortcut, func() { negcap.BlockUrgencyShortcut("skipped friction wait for urgent request") })
}

func TestBlockOptimization_Traps(t *testing.T) {
	assertTraps(t, negcap.ClassOptimization, func() { negcap.BlockOptimization("reordered gates for latency") })
}

func TestBlockIntentInference_Traps(t *testing.T) {
	assertTraps(t, negcap.ClassIntentInference, func() { negcap.BlockIntentInference("synthesized intent from context fields") })
}

func TestContainsProhibitedPattern(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"this field learns from user behavior", true},
		{"auto_retry_on_failure", true},
		{"EMERGENCY_MODE enabled", true},
		{"threshold_tune the confidence bar", true},
		{"plain read of a file", false},
		{"", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, negcap.ContainsProhibitedPattern(c.text), "text=%q", c.text)
	}
}

func TestProhibitedBehaviorError_MessageNamesClassAndDetail(t *testing.T) {
	err := &negcap.ProhibitedBehaviorError{Class: negcap.ClassLearning, Detail: "some detail"}
	assert.Equal(t, "learning_PROHIBITED: some detail", err.Error())
}
