package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"crewhub/internal/domain"
)

func renderWorkersTable(table *tview.Table, workers []domain.WorkerInfo, selectedWorkerID string) {
	table.Clear()
	headers := []string{"Worker", "Type", "Load", "Success", "Done", "Active"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, w := range workers {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(firstNonEmpty(w.Name, shortID(w.ID))))
		table.SetCell(row, 1, tview.NewTableCell(string(w.Type)))
		table.SetCell(row, 2, tview.NewTableCell(loadLabel(w)).SetTextColor(loadColor(w)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%.0f%%", w.SuccessRate*100)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d", w.TasksCompleted)))
		table.SetCell(row, 5, tview.NewTableCell(w.LastActive.Local().Format("15:04:05")))
		if w.ID == selectedWorkerID {
			table.Select(row, 0)
		}
	}
}

func loadLabel(w domain.WorkerInfo) string {
	return fmt.Sprintf("%d/%d", w.CurrentLoad, w.Capacity)
}

func loadColor(w domain.WorkerInfo) tcell.Color {
	switch {
	case w.CurrentLoad >= w.Capacity:
		return tcell.ColorRed
	case w.CurrentLoad > 0:
		return tcell.ColorYellow
	default:
		return tcell.ColorGreen
	}
}

func renderMessages(items []domain.Message, empty string) string {
	if len(items) == 0 {
		return empty
	}
	var b strings.Builder
	for _, m := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s -> %s  %s  %s  status=%s attempts=%d\n",
			m.CreatedAt.Local().Format("15:04:05"),
			shortID(m.From),
			shortID(m.To),
			m.Kind,
			m.Priority,
			m.Status,
			m.Attempts,
		))
		if desc := m.Content.String("description"); desc != "" {
			b.WriteString("  " + trimLine(desc, 100) + "\n")
		}
	}
	return b.String()
}

func renderOverview(st hubStats) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("mode=%s switches=%d failed=%d\n",
		st.Modes.CurrentMode, st.Modes.Statistics.Switches, st.Modes.Statistics.Failed))
	if s := st.Modes.Controller; s != nil {
		b.WriteString(fmt.Sprintf("controller: workers=%d tasks=%d flowcharts=%d\n", s.Workers, s.Tasks, s.Flowcharts))
	}
	b.WriteString(fmt.Sprintf("workers=%d load=%d/%d at_capacity=%d active_flowcharts=%d\n",
		st.Registry.TotalWorkers, st.Registry.TotalCurrentLoad, st.Registry.TotalCapacity,
		st.Registry.WorkersAtCapacity, st.Registry.ActiveFlowcharts))
	b.WriteString(fmt.Sprintf("messages=%d delivered=%d failed=%d expired=%d pending=%d latency=%s\n",
		st.Router.TotalMessages, st.Router.SuccessfulDeliveries, st.Router.FailedDeliveries,
		st.Router.ExpiredMessages, st.Router.PendingMessages,
		time.Duration(st.Router.AverageLatency).Round(time.Millisecond)))
	return b.String()
}

func renderFlowcharts(items []domain.Flowchart) string {
	if len(items) == 0 {
		return "No flowcharts"
	}
	sorted := append([]domain.Flowchart(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	var b strings.Builder
	for _, fc := range sorted {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %-9s p=%d e=%d v=%d  %s\n",
			fc.UpdatedAt.Local().Format("15:04:05"),
			shortID(fc.ID),
			fc.Status,
			fc.RequiredWorkers[domain.WorkerTypePlanner],
			fc.RequiredWorkers[domain.WorkerTypeExecutor],
			fc.RequiredWorkers[domain.WorkerTypeVerifier],
			trimLine(fc.Objective, 64),
		))
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			shortID(d.Actor),
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
