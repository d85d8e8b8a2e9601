package mode

import (
	"strings"

	"crewhub/internal/domain"
)

var (
	autoKeywords   = []string{"automate", "automatic", "autonomous", "complex", "coordinate"}
	manualKeywords = []string{"manual", "control", "step-by-step", "guided"}
)

// DetectionContext carries the hints used to suggest a mode.
type DetectionContext struct {
	Objective       string      `json:"objective"`
	UserPreference  domain.Mode `json:"user_preference,omitempty"`
	ComplexityScore float64     `json:"complexity_score,omitempty"`
	RequiredWorkers int         `json:"required_workers,omitempty"`
}

// Detection is a suggested mode with the rule that produced it.
type Detection struct {
	Mode   domain.Mode `json:"mode"`
	Reason string      `json:"reason"`
}

// DetectOptimalMode suggests a mode. An explicit preference wins; high
// complexity, a large crew or automation keywords suggest auto; everything
// else, including objectives asking for manual control, suggests manual.
func DetectOptimalMode(in DetectionContext) domain.Mode {
	return Detect(in).Mode
}

func Detect(in DetectionContext) Detection {
	if pref, err := domain.ParseMode(string(in.UserPreference)); err == nil {
		return Detection{Mode: pref, Reason: "user preference"}
	}

	objective := strings.ToLower(in.Objective)
	switch {
	case in.ComplexityScore > 6:
		return Detection{Mode: domain.ModeAuto, Reason: "high complexity score"}
	case in.RequiredWorkers > 3:
		return Detection{Mode: domain.ModeAuto, Reason: "more than three workers required"}
	case containsAny(objective, autoKeywords):
		return Detection{Mode: domain.ModeAuto, Reason: "objective asks for automation"}
	case containsAny(objective, manualKeywords):
		return Detection{Mode: domain.ModeManual, Reason: "objective asks for manual control"}
	default:
		return Detection{Mode: domain.ModeManual, Reason: "default"}
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
