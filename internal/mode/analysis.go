package mode

import (
	"strings"
	"time"

	"crewhub/internal/domain"
	"crewhub/internal/registry"
)

type ObjectiveAnalysis struct {
	Objective         string                    `json:"objective"`
	ComplexityScore   int                       `json:"complexity_score"`
	RequiredWorkers   map[domain.WorkerType]int `json:"required_workers"`
	KeyCapabilities   []string                  `json:"key_capabilities"`
	SuccessCriteria   map[string]float64        `json:"success_criteria"`
	EstimatedDuration time.Duration             `json:"estimated_duration"`
	RiskFactors       []string                  `json:"risk_factors,omitempty"`
	Approach          string                    `json:"approach"`
}

// ObjectiveAnalyzer turns a free-text objective into a staffing plan.
type ObjectiveAnalyzer interface {
	Analyze(objective string) ObjectiveAnalysis
}

var (
	complexityIndicators = []string{"complex", "multiple", "integrate", "coordinate", "analyze"}
	verifyIndicators     = []string{"verify", "check", "validate", "quality"}

	capabilityKeywords = []struct {
		name     string
		keywords []string
	}{
		{"web_browsing", []string{"web", "browser", "website", "online"}},
		{"data_analysis", []string{"analyze", "data", "statistics", "report"}},
		{"file_processing", []string{"file", "document", "process", "convert"}},
		{"communication", []string{"email", "message", "notify", "communicate"}},
	}
)

// KeywordAnalyzer scores objectives by counting indicator words.
type KeywordAnalyzer struct{}

func (KeywordAnalyzer) Analyze(objective string) ObjectiveAnalysis {
	text := strings.ToLower(objective)

	complexity := 0
	for _, word := range complexityIndicators {
		if strings.Contains(text, word) {
			complexity++
		}
	}
	complexity = min(max(complexity, 1), 10)

	required := map[domain.WorkerType]int{
		domain.WorkerTypePlanner:  1,
		domain.WorkerTypeExecutor: max(1, complexity/3),
		domain.WorkerTypeVerifier: 0,
	}
	if containsAny(text, verifyIndicators) {
		required[domain.WorkerTypeVerifier] = max(1, complexity/4)
	}

	caps := make([]string, 0)
	for _, c := range capabilityKeywords {
		if containsAny(text, c.keywords) {
			caps = append(caps, c.name)
		}
	}

	duration := time.Duration(complexity) * 30 * time.Minute
	criteria := registry.DefaultSuccessCriteria()
	criteria["time_limit"] = duration.Seconds()

	risks := make([]string, 0)
	if complexity > 7 {
		risks = append(risks, "high complexity may require additional coordination")
	}
	if required[domain.WorkerTypeVerifier] > 0 {
		risks = append(risks, "multiple worker types increase coordination overhead")
	}
	if duration > 2*time.Hour {
		risks = append(risks, "long execution time increases failure risk")
	}

	approach := "complex orchestrated execution with continuous monitoring"
	switch {
	case complexity <= 3:
		approach = "simple sequential execution with minimal coordination"
	case complexity <= 6:
		approach = "moderate parallel execution with regular checkpoints"
	}

	return ObjectiveAnalysis{
		Objective:         objective,
		ComplexityScore:   complexity,
		RequiredWorkers:   required,
		KeyCapabilities:   caps,
		SuccessCriteria:   criteria,
		EstimatedDuration: duration,
		RiskFactors:       risks,
		Approach:          approach,
	}
}
