package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

type Task struct {
	ID           string   `json:"id"`
	FlowchartID  string   `json:"flowchart_id,omitempty"`
	PlannerID    string   `json:"planner_id"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type TaskResult struct {
	Success bool   `json:"success"`
	Summary string `json:"summary"`
	Output  string `json:"output"`
}

// TaskExecutor performs the work behind a delegated task.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task) (TaskResult, error)
}

// QualityScorer rates an executor's result between 0 and 1.
type QualityScorer interface {
	Score(ctx context.Context, task Task, result TaskResult) (float64, error)
}

// EchoExecutor completes every task by echoing its description.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, task Task) (TaskResult, error) {
	return TaskResult{
		Success: true,
		Summary: "echoed task description",
		Output:  task.Description,
	}, nil
}

// StaticScorer returns the same score for every successful result and zero
// for failures.
type StaticScorer struct {
	Value float64
}

func (s StaticScorer) Score(_ context.Context, _ Task, result TaskResult) (float64, error) {
	if !result.Success {
		return 0, nil
	}
	return s.Value, nil
}

// CommandExecutor runs an external binary per task. The task description is
// passed as the last argument; stdout may be a JSON TaskResult or plain text.
type CommandExecutor struct {
	Binary  string
	Args    []string
	WorkDir string
}

func (c CommandExecutor) Execute(ctx context.Context, task Task) (TaskResult, error) {
	if strings.TrimSpace(c.Binary) == "" {
		return TaskResult{}, fmt.Errorf("command executor: binary is not configured")
	}
	args := append(append([]string(nil), c.Args...), buildTaskPrompt(task))
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Dir = c.WorkDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return TaskResult{Output: trim(string(output), 2000)}, fmt.Errorf("%s exec failed: %w", c.Binary, err)
	}
	return parseCommandOutput(output), nil
}

func buildTaskPrompt(task Task) string {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(task.Description)
	b.WriteString("\n")
	if len(task.Capabilities) > 0 {
		b.WriteString("\nRequired capabilities:\n")
		for _, c := range task.Capabilities {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func parseCommandOutput(raw []byte) TaskResult {
	text := strings.TrimSpace(string(raw))
	stripped := strings.TrimPrefix(text, "```json")
	stripped = strings.TrimPrefix(stripped, "```")
	stripped = strings.TrimSpace(strings.TrimSuffix(stripped, "```"))

	var parsed TaskResult
	if err := json.Unmarshal([]byte(stripped), &parsed); err == nil && (parsed.Output != "" || parsed.Summary != "") {
		return parsed
	}
	return TaskResult{Success: true, Summary: "command completed", Output: text}
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
