package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"crewhub/internal/domain"
	"crewhub/internal/mode"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedHub struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "crewhub base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start crewhub serve for the lifetime of the monitor")
	hubBinary := flag.String("crewhub-bin", "", "path to crewhub binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/crewhub.db", "sqlite journal path for the embedded hub")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var hub *embeddedHub
	var err error
	if *embedded {
		hub, err = startEmbeddedHub(*addr, *hubBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded crewhub: %v\n", err)
			os.Exit(1)
		}
		defer hub.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "crewhub health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	workersTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	workersTable.SetTitle("Workers (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	historyView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	historyView.SetTitle("History").SetBorder(true)

	pendingView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	pendingView.SetTitle("Pending").SetBorder(true)

	flowchartsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	flowchartsView.SetTitle("Flowcharts").SetBorder(true)

	modeView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	modeView.SetTitle("Mode / Router").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Objective -> crewhub: ")
	promptInput.SetBorder(true).SetTitle("Enter = launch in auto mode, ':mode manual|auto' switches")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus workers",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(historyView, 0, 2, false).
		AddItem(pendingView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(modeView, 8, 0, false).
		AddItem(flowchartsView, 0, 1, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(workersTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedWorkerID string
	var lastWorkers []domain.WorkerInfo
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshOverview := func() {
		workers, err := c.listWorkers()
		if err != nil {
			app.QueueUpdateDraw(func() {
				workersTable.Clear()
				workersTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(workers, func(i, j int) bool {
			if workers[i].Type != workers[j].Type {
				return workers[i].Type < workers[j].Type
			}
			return workers[i].ID < workers[j].ID
		})
		lastWorkers = workers

		st, statsErr := c.stats()
		flowcharts, fcErr := c.listFlowcharts()
		decisions, decErr := c.listDecisions(100)
		app.QueueUpdateDraw(func() {
			renderWorkersTable(workersTable, workers, selectedWorkerID)
			if statsErr != nil {
				modeView.SetText(fmt.Sprintf("error: %v", statsErr))
			} else {
				modeView.SetText(renderOverview(st))
			}
			if fcErr != nil {
				flowchartsView.SetText(fmt.Sprintf("error: %v", fcErr))
			} else {
				flowchartsView.SetText(renderFlowcharts(flowcharts))
			}
			if decErr != nil {
				decisionsView.SetText(fmt.Sprintf("error: %v", decErr))
			} else {
				decisionsView.SetText(renderDecisions(decisions))
			}
		})
	}

	refreshDetailsAsync := func(workerID string) {
		if strings.TrimSpace(workerID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			historyView.SetText("Loading...")
			pendingView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			type msgResult struct {
				items []domain.Message
				err   error
			}

			historyCh := make(chan msgResult, 1)
			pendingCh := make(chan msgResult, 1)

			go func() {
				items, err := c.listHistory(selected, 200)
				historyCh <- msgResult{items: items, err: err}
			}()
			go func() {
				items, err := c.listPending(selected)
				pendingCh <- msgResult{items: items, err: err}
			}()

			historyRes := <-historyCh
			pendingRes := <-pendingCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedWorkerID {
					return
				}
				if historyRes.err != nil {
					historyView.SetText(fmt.Sprintf("error: %v", historyRes.err))
				} else {
					historyView.SetText(renderMessages(historyRes.items, "No delivered messages"))
				}
				if pendingRes.err != nil {
					pendingView.SetText(fmt.Sprintf("error: %v", pendingRes.err))
				} else {
					pendingView.SetText(renderMessages(pendingRes.items, "Nothing queued"))
				}
			})
		}(workerID, version)
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		promptInput.SetText("")
		if target, ok := strings.CutPrefix(prompt, ":mode "); ok {
			setStatusUI("Switching mode...")
			go func(m string) {
				if err := c.switchMode(strings.TrimSpace(m)); err != nil {
					setStatusAsync("Mode switch failed: " + err.Error())
					return
				}
				refreshOverview()
				setStatusAsync("Mode is now " + m)
			}(target)
			return
		}

		setStatusUI("Launching objective...")
		go func(input string) {
			run, err := c.launch(input)
			if err != nil {
				setStatusAsync("Launch failed: " + err.Error())
				return
			}
			refreshOverview()
			setStatusAsync(fmt.Sprintf("Flowchart %s started, %d task(s) delegated", shortID(run.FlowchartID), run.Delegated))
		}(prompt)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	workersTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastWorkers) {
			return
		}
		selectedWorkerID = lastWorkers[row-1].ID
		refreshDetailsAsync(selectedWorkerID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(workersTable)
				setStatusUI("Focus -> workers")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(workersTable)
			setStatusUI("Focus -> workers")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshOverview()
				refreshDetailsAsync(selectedWorkerID)
				setStatusAsync("Manual refresh complete")
			}()
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshOverview()
		if len(lastWorkers) > 0 {
			selectedWorkerID = lastWorkers[0].ID
			refreshDetailsAsync(selectedWorkerID)
		}

		for range ticker.C {
			refreshOverview()
			if selectedWorkerID == "" && len(lastWorkers) > 0 {
				selectedWorkerID = lastWorkers[0].ID
			}
			refreshDetailsAsync(selectedWorkerID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedHub(addr, hubBinary, dbPath string) (*embeddedHub, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"serve", "--addr", ":" + port, "--db", dbPath}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(hubBinary) != "" {
		cmd = exec.Command(hubBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			for _, name := range []string{"crewhub", "crewhub.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/crewhub"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start crewhub process: %w", err)
	}
	return &embeddedHub{cmd: cmd}, nil
}

func (e *embeddedHub) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

type hubStats struct {
	Router struct {
		TotalMessages        int   `json:"total_messages"`
		SuccessfulDeliveries int   `json:"successful_deliveries"`
		FailedDeliveries     int   `json:"failed_deliveries"`
		ExpiredMessages      int   `json:"expired_messages"`
		PendingMessages      int   `json:"pending_messages"`
		AverageLatency       int64 `json:"average_delivery_latency"`
	} `json:"router"`
	Registry struct {
		TotalWorkers      int `json:"total_workers"`
		TotalCurrentLoad  int `json:"total_current_load"`
		TotalCapacity     int `json:"total_capacity"`
		WorkersAtCapacity int `json:"workers_at_capacity"`
		ActiveFlowcharts  int `json:"active_flowcharts"`
	} `json:"registry"`
	Modes mode.Status `json:"modes"`
}

func (c *client) listWorkers() ([]domain.WorkerInfo, error) {
	var out []domain.WorkerInfo
	if err := c.getJSON("/workers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) stats() (hubStats, error) {
	var out hubStats
	err := c.getJSON("/stats", &out)
	return out, err
}

func (c *client) listFlowcharts() ([]domain.Flowchart, error) {
	var out []domain.Flowchart
	if err := c.getJSON("/flowcharts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listHistory(workerID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	if err := c.getJSON(fmt.Sprintf("/history/%s?limit=%d", url.PathEscape(workerID), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listPending(workerID string) ([]domain.Message, error) {
	var out []domain.Message
	if err := c.getJSON(fmt.Sprintf("/workers/%s/pending", url.PathEscape(workerID)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listDecisions(limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/journal/decisions?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) switchMode(target string) error {
	return c.postJSON("/mode", map[string]any{"mode": target, "preserve_state": true}, nil)
}

func (c *client) launch(objective string) (mode.Run, error) {
	var run mode.Run
	err := c.postJSON("/auto/launch", map[string]any{"objective": objective}, &run)
	return run, err
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
