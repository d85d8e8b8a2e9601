package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"crewhub/internal/domain"
	"crewhub/internal/mode"
)

const (
	defaultReasoningEffort   = "low"
	defaultAPIRetries        = 2
	defaultAPIRetryBackoff   = 1500 * time.Millisecond
	defaultAPITimeout        = time.Minute
	defaultMaxOutputBytes    = 256 * 1024
	defaultMaxOutputTokens   = 2000
	maxHTTPErrorBodyReadSize = 64 * 1024
	maxWorkersPerType        = 10
)

var allowedReasoningEfforts = map[string]struct{}{
	"none":   {},
	"low":    {},
	"medium": {},
	"high":   {},
}

type Config struct {
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	MaxOutputBytes  int
	MaxOutputTokens int
	Client          *http.Client
	// Fallback answers when the endpoint fails. Defaults to the keyword
	// analyzer.
	Fallback mode.ObjectiveAnalyzer
}

// ResponsesAnalyzer asks a Responses-compatible model endpoint to staff an
// objective and merges the answer over the fallback analysis.
type ResponsesAnalyzer struct {
	endpoint        string
	model           string
	reasoningEffort string
	authToken       string
	timeout         time.Duration
	retries         int
	retryBackoff    time.Duration
	maxOutputBytes  int
	maxOutputTokens int
	client          *http.Client
	fallback        mode.ObjectiveAnalyzer
	logger          logr.Logger
}

func New(cfg Config, logger logr.Logger) (*ResponsesAnalyzer, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty analyzer endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid analyzer endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultAPIRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultAPIRetryBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	maxOutputTokens := cfg.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = mode.KeywordAnalyzer{}
	}

	return &ResponsesAnalyzer{
		endpoint:        endpoint,
		model:           model,
		reasoningEffort: normalizeReasoningEffort(cfg.ReasoningEffort),
		authToken:       strings.TrimSpace(cfg.AuthToken),
		timeout:         timeout,
		retries:         retries,
		retryBackoff:    retryBackoff,
		maxOutputBytes:  maxOutputBytes,
		maxOutputTokens: maxOutputTokens,
		client:          client,
		fallback:        fallback,
		logger:          logger.WithName("analyzer"),
	}, nil
}

// Analyze never fails: endpoint errors are logged and the fallback analysis
// is returned unchanged.
func (a *ResponsesAnalyzer) Analyze(objective string) mode.ObjectiveAnalysis {
	base := a.fallback.Analyze(objective)

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout*time.Duration(a.retries+1))
	defer cancel()
	remote, err := a.generate(ctx, objective)
	if err != nil {
		a.logger.Error(err, "remote analysis failed, using fallback", "model", a.model)
		return base
	}
	return merge(base, remote)
}

// generate performs the endpoint call with retries on throttling, server
// errors and transport failures.
func (a *ResponsesAnalyzer) generate(ctx context.Context, objective string) (staffingPlan, error) {
	var lastErr error
	for attempt := 1; attempt <= a.retries+1; attempt++ {
		plan, err := a.generateOnce(ctx, objective)
		if err == nil {
			return plan, nil
		}
		lastErr = err
		if !isRetryableAPIError(err) || attempt == a.retries+1 {
			break
		}
		wait := time.Duration(attempt) * a.retryBackoff
		a.logger.V(1).Info("analysis retry", "attempt", attempt, "wait", wait, "reason", err.Error())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return staffingPlan{}, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown analysis error")
	}
	return staffingPlan{}, lastErr
}

func (a *ResponsesAnalyzer) generateOnce(ctx context.Context, objective string) (staffingPlan, error) {
	payload := responsesRequest{
		Model:        a.model,
		Instructions: responsesInstructions,
		Stream:       true,
		Reasoning:    &responsesReasoning{Effort: a.reasoningEffort},
		Input: []responsesInputMessage{
			{
				Role: "user",
				Content: []responsesInputContent{
					{Type: "input_text", Text: "Objective: " + strings.TrimSpace(objective)},
				},
			},
		},
		MaxOutputTokens: a.maxOutputTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return staffingPlan{}, fmt.Errorf("marshal responses request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return staffingPlan{}, fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.authToken)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return staffingPlan{}, fmt.Errorf("responses api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return staffingPlan{}, fmt.Errorf("responses api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return staffingPlan{}, apiHTTPError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(body)),
		}
	}

	raw, err := readResponsesStream(resp.Body, a.maxOutputBytes)
	if err != nil {
		return staffingPlan{}, fmt.Errorf("read responses stream: %w", err)
	}
	plan, err := parseStaffingPlan(raw)
	if err != nil {
		return staffingPlan{}, fmt.Errorf("parse model output: %w; output: %s", err, trim(raw, 800))
	}
	return plan, nil
}

type staffingPlan struct {
	ComplexityScore  int            `json:"complexity_score"`
	RequiredWorkers  map[string]int `json:"required_workers"`
	KeyCapabilities  []string       `json:"key_capabilities"`
	RiskFactors      []string       `json:"risk_factors"`
	Approach         string         `json:"approach"`
	EstimatedMinutes int            `json:"estimated_minutes"`
}

func parseStaffingPlan(raw string) (staffingPlan, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var plan staffingPlan
	if err := json.Unmarshal([]byte(text), &plan); err == nil {
		return plan, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return staffingPlan{}, fmt.Errorf("no json object in output")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return staffingPlan{}, err
	}
	return plan, nil
}

// merge overlays the model's answer on base. Unknown worker types are
// ignored, counts are clamped and every crew keeps one planner and one
// executor.
func merge(base mode.ObjectiveAnalysis, plan staffingPlan) mode.ObjectiveAnalysis {
	out := base
	if plan.ComplexityScore > 0 {
		out.ComplexityScore = min(plan.ComplexityScore, 10)
	}
	if len(plan.RequiredWorkers) > 0 {
		required := map[domain.WorkerType]int{
			domain.WorkerTypePlanner:  1,
			domain.WorkerTypeExecutor: 1,
			domain.WorkerTypeVerifier: 0,
		}
		for raw, n := range plan.RequiredWorkers {
			t, err := domain.ParseWorkerType(raw)
			if err != nil {
				continue
			}
			required[t] = min(max(n, required[t]), maxWorkersPerType)
		}
		out.RequiredWorkers = required
	}
	if len(plan.KeyCapabilities) > 0 {
		out.KeyCapabilities = append([]string(nil), plan.KeyCapabilities...)
	}
	if len(plan.RiskFactors) > 0 {
		out.RiskFactors = append([]string(nil), plan.RiskFactors...)
	}
	if strings.TrimSpace(plan.Approach) != "" {
		out.Approach = strings.TrimSpace(plan.Approach)
	}
	if plan.EstimatedMinutes > 0 {
		out.EstimatedDuration = time.Duration(plan.EstimatedMinutes) * time.Minute
		criteria := make(map[string]float64, len(base.SuccessCriteria))
		for k, v := range base.SuccessCriteria {
			criteria[k] = v
		}
		criteria["time_limit"] = out.EstimatedDuration.Seconds()
		out.SuccessCriteria = criteria
	}
	return out
}

func normalizeReasoningEffort(value string) string {
	effort := strings.ToLower(strings.TrimSpace(value))
	if effort == "" {
		return defaultReasoningEffort
	}
	if _, ok := allowedReasoningEfforts[effort]; !ok {
		return defaultReasoningEffort
	}
	return effort
}

func isRetryableAPIError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

func readResponsesStream(body io.Reader, maxBytes int) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes+64*1024)

	var output strings.Builder
	var dataLines []string
	processEvent := func(lines []string) error {
		if len(lines) == 0 {
			return nil
		}
		data := strings.TrimSpace(strings.Join(lines, "\n"))
		if data == "" || data == "[DONE]" {
			return nil
		}
		var event responsesStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("unmarshal stream event: %w", err)
		}
		if event.Error != nil {
			return fmt.Errorf("responses stream error: %s", event.Error.Message)
		}
		if event.Response != nil && event.Response.Error != nil {
			return fmt.Errorf("responses completion error: %s", event.Response.Error.Message)
		}
		switch event.Type {
		case "response.output_text.delta":
			if output.Len()+len(event.Delta) > maxBytes {
				return fmt.Errorf("responses output exceeds %d bytes", maxBytes)
			}
			output.WriteString(event.Delta)
		case "response.completed":
			if output.Len() == 0 && event.Response != nil {
				text := completedText(event.Response)
				if len(text) > maxBytes {
					return fmt.Errorf("responses output exceeds %d bytes", maxBytes)
				}
				output.WriteString(text)
			}
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := processEvent(dataLines); err != nil {
				return "", err
			}
			dataLines = dataLines[:0]
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if err := processEvent(dataLines); err != nil {
		return "", err
	}
	text := strings.TrimSpace(output.String())
	if text == "" {
		return "", fmt.Errorf("empty output stream")
	}
	return text, nil
}

func completedText(resp *responsesEventResponse) string {
	var out strings.Builder
	for _, item := range resp.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				out.WriteString(part.Text)
			}
		}
	}
	return out.String()
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type responsesRequest struct {
	Model           string                  `json:"model"`
	Instructions    string                  `json:"instructions"`
	Stream          bool                    `json:"stream"`
	Reasoning       *responsesReasoning     `json:"reasoning,omitempty"`
	Input           []responsesInputMessage `json:"input"`
	MaxOutputTokens int                     `json:"max_output_tokens,omitempty"`
}

type responsesReasoning struct {
	Effort string `json:"effort"`
}

type responsesInputMessage struct {
	Role    string                  `json:"role"`
	Content []responsesInputContent `json:"content"`
}

type responsesInputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesStreamEvent struct {
	Type     string                  `json:"type"`
	Delta    string                  `json:"delta,omitempty"`
	Response *responsesEventResponse `json:"response,omitempty"`
	Error    *responsesAPIError      `json:"error,omitempty"`
}

type responsesEventResponse struct {
	Error  *responsesAPIError    `json:"error,omitempty"`
	Output []responsesOutputItem `json:"output,omitempty"`
}

type responsesOutputItem struct {
	Type    string                   `json:"type"`
	Content []responsesOutputContent `json:"content,omitempty"`
}

type responsesOutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responsesAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("responses api status=%d", e.statusCode)
	}
	return fmt.Sprintf("responses api status=%d body=%s", e.statusCode, e.body)
}

const responsesInstructions = `You staff objectives for a crew of planner, executor and verifier workers.
Return only valid JSON. Do not wrap output in markdown fences.
Required top-level JSON shape:
{
  "complexity_score": 1-10,
  "required_workers": {"planner": 1, "executor": 2, "verifier": 1},
  "key_capabilities": ["data_analysis"],
  "risk_factors": ["short reason"],
  "approach": "one sentence",
  "estimated_minutes": 90
}
Keep the crew as small as the objective allows.`
