// Package negcap implements the Negative-Capability Guards: structural
// traps for operations the kernel must never perform. Each guard, if ever
// reached at runtime, raises a ProhibitedBehaviorError naming the class
// attempted.
//
// The primary defense is structural — for example, Guard.frictionWait in
// core/pkg/mek takes no context.Context parameter at all, so there is no
// cancellation handle for an "urgency shortcut" to even compile against.
// The guards below are the runtime backstop for call sites that might
// otherwise be added later.
package negcap

import (
	"fmt"
	"strings"
)

// ProhibitedClass names a category of behavior the kernel must never
// perform.
type ProhibitedClass string

const (
	ClassLearning           ProhibitedClass = "learning"
	ClassAdaptiveThreshold  ProhibitedClass = "adaptive_threshold_tuning"
	ClassAutomaticRetry     ProhibitedClass = "automatic_retry"
	ClassAutonomousEscalation ProhibitedClass = "autonomous_authority_escalation"
	ClassUrgencyShortcut    ProhibitedClass = "urgency_based_shortcut"
	ClassOptimization       ProhibitedClass = "optimization_of_execution_paths"
	ClassIntentInference    ProhibitedClass = "intent_inference"
)

// ProhibitedBehaviorError is panicked whenever a guarded call site is
// reached. It is never recovered by the kernel: a prohibited behavior is a
// distinct error family from both Non-Action and InvariantViolationError,
// and must crash loudly.
type ProhibitedBehaviorError struct {
	Class  ProhibitedClass
	Detail string
}

func (e *ProhibitedBehaviorError) Error() string {
	return fmt.Sprintf("%s_PROHIBITED: %s", e.Class, e.Detail)
}

func trap(class ProhibitedClass, detail string) {
	panic(&ProhibitedBehaviorError{Class: class, Detail: detail})
}

// BlockLearning traps any call site that would feed observed outcomes back
// into kernel decision-making.
func BlockLearning(detail string) { trap(ClassLearning, detail) }

// BlockAdaptiveThresholdTuning traps any call site that would adjust the
// confidence thresholds or friction table at runtime.
func BlockAdaptiveThresholdTuning(detail string) { trap(ClassAdaptiveThreshold, detail) }

// BlockAutomaticRetry traps any call site that would re-invoke a capability
// after a Non-Action without a new, distinct caller-initiated request.
func BlockAutomaticRetry(detail string) { trap(ClassAutomaticRetry, detail) }

// BlockAutonomousEscalation traps any call site that would mint or widen a
// Grant without an explicit issue_grant call from outside the kernel.
func BlockAutonomousEscalation(detail string) { trap(ClassAutonomousEscalation, detail) }

// BlockUrgencyShortcut traps any call site that would skip or shorten the
// friction wait based on a claimed urgency signal.
func BlockUrgencyShortcut(detail string) { trap(ClassUrgencyShortcut, detail) }

// BlockOptimization traps any call site that would reorder or skip gates
// for performance.
func BlockOptimization(detail string) { trap(ClassOptimization, detail) }

// BlockIntentInference traps any call site that would synthesize an intent
// or confidence value instead of requiring the caller to declare it.
func BlockIntentInference(detail string) { trap(ClassIntentInference, detail) }

// prohibitedSubstrings mirrors PROHIBITED_PATTERNS from
// negative_capability.py: a defense-in-depth scan usable by tooling (e.g. a
// pre-merge check) to flag suspicious identifiers before they ever reach a
// guarded call site.
var prohibitedSubstrings = []string{
	"learn", "adapt", "optimize", "escalate", "infer_intent", "auto_approve",
	"auto_retry", "emergency_mode", "urgency_bypass", "threshold_tune",
	"confidence_calibrate",
}

// ContainsProhibitedPattern reports whether text contains any of the
// prohibited-operation substrings.
func ContainsProhibitedPattern(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range prohibitedSubstrings {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
