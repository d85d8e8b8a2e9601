package policy

import (
	"errors"
	"fmt"

	"crewhub/internal/domain"
)

var ErrControllerInactive = errors.New("controller is not authoritative")

// ModeSource reports which mode currently owns worker and flowchart creation.
type ModeSource interface {
	CurrentMode() domain.Mode
}

type ModeSourceFunc func() domain.Mode

func (f ModeSourceFunc) CurrentMode() domain.Mode { return f() }

type Engine struct {
	modes ModeSource
}

func New(modes ModeSource) *Engine {
	return &Engine{modes: modes}
}

// CanControl reports whether the controller for mode may act right now.
func (e *Engine) CanControl(mode domain.Mode) (bool, string) {
	if e == nil || e.modes == nil {
		return true, "no mode source configured"
	}
	current := e.modes.CurrentMode()
	switch current {
	case mode:
		return true, "mode is current"
	case domain.ModeTransitioning:
		return false, "mode transition in progress"
	default:
		return false, fmt.Sprintf("current mode is %s", current)
	}
}

// Authorize wraps CanControl as an error for controller call sites.
func (e *Engine) Authorize(mode domain.Mode) error {
	if ok, reason := e.CanControl(mode); !ok {
		return fmt.Errorf("%w: %s controller: %s", ErrControllerInactive, mode, reason)
	}
	return nil
}
