package mode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"crewhub/internal/domain"
)

type fakeController struct {
	mode     domain.Mode
	initErr  error
	initWait func()
	cfgErr   func(map[string]any) error

	mu       sync.Mutex
	applied  []map[string]any
	removed  []string
	shutdown int
	summary  Summary
}

func (c *fakeController) Mode() domain.Mode { return c.mode }

func (c *fakeController) Initialize(context.Context) error {
	if c.initWait != nil {
		c.initWait()
	}
	return c.initErr
}

func (c *fakeController) WorkerRemoved(workerID string) {
	c.mu.Lock()
	c.removed = append(c.removed, workerID)
	c.mu.Unlock()
}

func (c *fakeController) ApplyConfig(settings map[string]any) error {
	if c.cfgErr != nil {
		if err := c.cfgErr(settings); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.applied = append(c.applied, domain.CloneSettings(settings))
	c.mu.Unlock()
	return nil
}

func (c *fakeController) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summary
	s.Mode = c.mode
	return s
}

func (c *fakeController) Shutdown(context.Context) error {
	c.mu.Lock()
	c.shutdown++
	c.mu.Unlock()
	return nil
}

func (c *fakeController) lastApplied() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.applied) == 0 {
		return nil
	}
	return c.applied[len(c.applied)-1]
}

type fakeFactory struct {
	mu      sync.Mutex
	built   map[domain.Mode][]*fakeController
	prepare func(*fakeController)
}

func (f *fakeFactory) NewController(mode domain.Mode) (Controller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeController{mode: mode}
	if f.prepare != nil {
		f.prepare(c)
	}
	if f.built == nil {
		f.built = make(map[domain.Mode][]*fakeController)
	}
	f.built[mode] = append(f.built[mode], c)
	return c, nil
}

func (f *fakeFactory) latest(mode domain.Mode) *fakeController {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.built[mode]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type memoryTransitions struct {
	mu  sync.Mutex
	all []domain.ModeTransition
}

func (j *memoryTransitions) RecordTransition(_ context.Context, t domain.ModeTransition) error {
	j.mu.Lock()
	j.all = append(j.all, t)
	j.mu.Unlock()
	return nil
}

func newTestManager(t *testing.T, factory *fakeFactory) (*Manager, *memoryTransitions) {
	t.Helper()
	journal := &memoryTransitions{}
	clk := testingclock.NewFakeClock(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	m, err := New(context.Background(), factory, journal, Config{Clock: clk}, logr.Discard())
	require.NoError(t, err)
	return m, journal
}

func TestNewStartsInDefaultMode(t *testing.T) {
	factory := &fakeFactory{}
	m, _ := newTestManager(t, factory)

	assert.Equal(t, domain.ModeManual, m.CurrentMode())
	require.NotNil(t, m.ActiveController())
	assert.Equal(t, domain.ModeManual, m.ActiveController().Mode())

	applied := factory.latest(domain.ModeManual).lastApplied()
	assert.Equal(t, 5, applied["max_workers_per_type"])

	cfg, ok := m.ModeConfiguration(domain.ModeManual)
	require.True(t, ok)
	assert.True(t, cfg.Active)
	cfg, _ = m.ModeConfiguration(domain.ModeAuto)
	assert.False(t, cfg.Active)
}

func TestNewRejectsUnknownDefault(t *testing.T) {
	_, err := New(context.Background(), &fakeFactory{}, nil, Config{DefaultMode: "hybrid"}, logr.Discard())
	assert.True(t, errors.Is(err, domain.ErrInvalidMode))
}

func TestSwitchToCurrentModeIsNoop(t *testing.T) {
	m, journal := newTestManager(t, &fakeFactory{})

	id, err := m.SwitchTo(context.Background(), domain.ModeManual, nil, false)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, m.History())
	assert.Empty(t, journal.all)
}

func TestSwitchToAutoAndBack(t *testing.T) {
	factory := &fakeFactory{}
	m, journal := newTestManager(t, factory)
	manual := factory.latest(domain.ModeManual)

	var calls [][2]domain.Mode
	m.RegisterModeChangeCallback("record", func(from, to domain.Mode) {
		calls = append(calls, [2]domain.Mode{from, to})
	})
	m.RegisterModeChangeCallback("panics", func(domain.Mode, domain.Mode) { panic("boom") })

	id, err := m.SwitchTo(context.Background(), domain.ModeAuto, map[string]any{"scale_up_threshold": 0.9}, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, domain.ModeAuto, m.CurrentMode())
	assert.Equal(t, 1, manual.shutdown, "outgoing controller shut down without preserve_state")
	auto := factory.latest(domain.ModeAuto)
	require.NotNil(t, auto)
	assert.Equal(t, 0.9, auto.lastApplied()["scale_up_threshold"])
	assert.Equal(t, 10, auto.lastApplied()["max_workers_per_type"])

	cfg, _ := m.ModeConfiguration(domain.ModeAuto)
	assert.True(t, cfg.Active)
	assert.Equal(t, 0.9, cfg.Settings["scale_up_threshold"])

	tr, ok := m.TransitionStatus(id)
	require.True(t, ok)
	assert.Equal(t, domain.TransitionCompleted, tr.Status)
	assert.Equal(t, domain.ModeManual, tr.From)
	require.NotNil(t, tr.EndedAt)

	_, err = m.SwitchTo(context.Background(), domain.ModeManual, nil, false)
	require.NoError(t, err)
	assert.Equal(t, [][2]domain.Mode{{domain.ModeManual, domain.ModeAuto}, {domain.ModeAuto, domain.ModeManual}}, calls)
	assert.Len(t, journal.all, 2)

	st := m.Status()
	assert.Equal(t, 2, st.Statistics.Successful)
	assert.Equal(t, []domain.Mode{domain.ModeManual}, st.ActiveControllers)
	assert.Equal(t, 2, st.Callbacks)
}

func TestPreserveStateKeepsOutgoingControllerAlive(t *testing.T) {
	factory := &fakeFactory{prepare: func(c *fakeController) {
		c.summary = Summary{Workers: 4, Tasks: 2}
	}}
	m, _ := newTestManager(t, factory)
	manual := factory.latest(domain.ModeManual)

	id, err := m.SwitchTo(context.Background(), domain.ModeAuto, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 0, manual.shutdown)

	tr, _ := m.TransitionStatus(id)
	assert.Equal(t, map[string]any{"workers": 4, "tasks": 2, "flowcharts": 0}, tr.Data["transferred"])
	assert.Equal(t, []domain.Mode{domain.ModeAuto, domain.ModeManual}, m.Status().ActiveControllers)

	_, err = m.SwitchTo(context.Background(), domain.ModeManual, nil, true)
	require.NoError(t, err)
	assert.Len(t, factory.built[domain.ModeManual], 1, "existing controller reused")
}

func TestFailedSwitchRollsBack(t *testing.T) {
	factory := &fakeFactory{prepare: func(c *fakeController) {
		if c.mode == domain.ModeAuto {
			c.initErr = errors.New("no capacity")
		}
	}}
	m, journal := newTestManager(t, factory)
	var called bool
	m.RegisterModeChangeCallback("cb", func(domain.Mode, domain.Mode) { called = true })

	id, err := m.SwitchTo(context.Background(), domain.ModeAuto, map[string]any{"scale_up_threshold": 0.5}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransitionFailed))
	require.NotEmpty(t, id)

	assert.Equal(t, domain.ModeManual, m.CurrentMode())
	require.NotNil(t, m.ActiveController())
	assert.Len(t, factory.built[domain.ModeManual], 2, "previous controller rebuilt after shutdown")
	assert.False(t, called)

	tr, ok := m.TransitionStatus(id)
	require.True(t, ok)
	assert.Equal(t, domain.TransitionFailed, tr.Status)
	assert.Contains(t, tr.Error, "no capacity")
	require.Len(t, journal.all, 1)

	cfg, _ := m.ModeConfiguration(domain.ModeAuto)
	assert.Equal(t, 0.8, cfg.Settings["scale_up_threshold"], "staged settings not committed")
	assert.Equal(t, 1, m.Status().Statistics.Failed)
}

func TestSwitchRejectsUnknownMode(t *testing.T) {
	m, _ := newTestManager(t, &fakeFactory{})
	_, err := m.SwitchTo(context.Background(), domain.ModeTransitioning, nil, false)
	assert.True(t, errors.Is(err, domain.ErrInvalidMode))
}

func TestUpdateModeConfiguration(t *testing.T) {
	factory := &fakeFactory{prepare: func(c *fakeController) {
		c.cfgErr = func(s map[string]any) error {
			if v, ok := s["max_workers_per_type"].(int); ok && v <= 0 {
				return errors.New("bad limit")
			}
			return nil
		}
	}}
	m, _ := newTestManager(t, factory)
	manual := factory.latest(domain.ModeManual)

	require.NoError(t, m.UpdateModeConfiguration(domain.ModeManual, map[string]any{"max_workers_per_type": 7}))
	assert.Equal(t, 7, manual.lastApplied()["max_workers_per_type"])

	err := m.UpdateModeConfiguration(domain.ModeManual, map[string]any{"max_workers_per_type": 0})
	require.Error(t, err)
	cfg, _ := m.ModeConfiguration(domain.ModeManual)
	assert.Equal(t, 7, cfg.Settings["max_workers_per_type"])

	require.NoError(t, m.UpdateModeConfiguration(domain.ModeAuto, map[string]any{"monitoring_interval": 5}))
	cfg, _ = m.ModeConfiguration(domain.ModeAuto)
	assert.Equal(t, 5, cfg.Settings["monitoring_interval"])
	assert.Nil(t, factory.latest(domain.ModeAuto), "inactive mode only stores settings")
}

func TestRemoveModeChangeCallback(t *testing.T) {
	m, _ := newTestManager(t, &fakeFactory{})
	m.RegisterModeChangeCallback("a", func(domain.Mode, domain.Mode) {})
	assert.True(t, m.RemoveModeChangeCallback("a"))
	assert.False(t, m.RemoveModeChangeCallback("a"))
}

func TestHistoryIsBounded(t *testing.T) {
	m, err := New(context.Background(), &fakeFactory{}, nil, Config{HistoryLimit: 3}, logr.Discard())
	require.NoError(t, err)
	targets := []domain.Mode{domain.ModeAuto, domain.ModeManual}
	for i := 0; i < 5; i++ {
		_, err := m.SwitchTo(context.Background(), targets[i%2], nil, false)
		require.NoError(t, err)
	}
	history := m.History()
	require.Len(t, history, 3)
	assert.Equal(t, domain.ModeAuto, history[2].To)
}

func TestShutdownStopsControllers(t *testing.T) {
	factory := &fakeFactory{}
	m, _ := newTestManager(t, factory)
	_, err := m.SwitchTo(context.Background(), domain.ModeAuto, nil, true)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 1, factory.latest(domain.ModeManual).shutdown)
	assert.Equal(t, 1, factory.latest(domain.ModeAuto).shutdown)
	assert.Nil(t, m.ActiveController())
}

func TestModeNamesAreCaseInsensitive(t *testing.T) {
	factory := &fakeFactory{}
	m, err := New(context.Background(), factory, nil, Config{DefaultMode: "Manual"}, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, domain.ModeManual, m.CurrentMode())

	id, err := m.SwitchTo(context.Background(), domain.Mode("Auto"), map[string]any{"monitoring_interval": 9}, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, domain.ModeAuto, m.CurrentMode())
	tr, ok := m.TransitionStatus(id)
	require.True(t, ok)
	assert.Equal(t, domain.ModeAuto, tr.To)
	assert.Equal(t, domain.TransitionCompleted, tr.Status)

	id, err = m.SwitchTo(context.Background(), domain.Mode(" AUTO "), nil, false)
	require.NoError(t, err)
	assert.Empty(t, id, "already current")

	require.NoError(t, m.UpdateModeConfiguration(domain.Mode("MANUAL"), map[string]any{"max_workers_per_type": 3}))
	cfg, _ := m.ModeConfiguration(domain.ModeManual)
	assert.Equal(t, 3, cfg.Settings["max_workers_per_type"])
	assert.Equal(t, domain.ModeAuto, m.CurrentMode())
}

func TestSecondSwitchWaitsForTheOneInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	factory := &fakeFactory{prepare: func(c *fakeController) {
		if c.mode == domain.ModeAuto {
			c.initWait = func() {
				close(entered)
				<-release
			}
		}
	}}
	m, _ := newTestManager(t, factory)

	type result struct {
		id  string
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		id, err := m.SwitchTo(context.Background(), domain.ModeAuto, nil, false)
		first <- result{id, err}
	}()
	<-entered
	assert.Equal(t, domain.ModeTransitioning, m.CurrentMode())
	assert.Nil(t, m.ActiveController())

	go func() {
		id, err := m.SwitchTo(context.Background(), domain.ModeManual, nil, false)
		second <- result{id, err}
	}()
	select {
	case r := <-second:
		t.Fatalf("second switch returned while the first was running: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	r1 := <-first
	require.NoError(t, r1.err)
	r2 := <-second
	require.NoError(t, r2.err)
	require.NotEmpty(t, r2.id)

	assert.Equal(t, domain.ModeManual, m.CurrentMode())
	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, r1.id, history[0].ID)
	assert.Equal(t, r2.id, history[1].ID)
	for _, tr := range history {
		assert.Equal(t, domain.TransitionCompleted, tr.Status)
	}
}

func TestWorkerRemovedReachesLiveControllers(t *testing.T) {
	factory := &fakeFactory{}
	m, _ := newTestManager(t, factory)
	_, err := m.SwitchTo(context.Background(), domain.ModeAuto, nil, true)
	require.NoError(t, err)

	m.WorkerRemoved("w-1")
	for _, mode := range []domain.Mode{domain.ModeManual, domain.ModeAuto} {
		c := factory.latest(mode)
		c.mu.Lock()
		assert.Equal(t, []string{"w-1"}, c.removed, mode)
		c.mu.Unlock()
	}
}
