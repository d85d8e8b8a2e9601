package domain

import (
	"fmt"
	"strings"
	"time"
)

type Mode string

const (
	ModeManual        Mode = "manual"
	ModeAuto          Mode = "auto"
	ModeTransitioning Mode = "transitioning"
)

// ParseMode accepts only modes that can be switched to.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeManual, ModeAuto:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

type ModeConfig struct {
	Mode         Mode           `json:"mode"`
	Settings     map[string]any `json:"settings"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
	LastModified time.Time      `json:"last_modified"`
}

func (c ModeConfig) Clone() ModeConfig {
	c.Settings = CloneSettings(c.Settings)
	return c
}

func CloneSettings(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type TransitionStatus string

const (
	TransitionPending   TransitionStatus = "pending"
	TransitionCompleted TransitionStatus = "completed"
	TransitionFailed    TransitionStatus = "failed"
)

type ModeTransition struct {
	ID            string           `json:"id"`
	From          Mode             `json:"from"`
	To            Mode             `json:"to"`
	Initiator     string           `json:"initiator"`
	PreserveState bool             `json:"preserve_state"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
	Status        TransitionStatus `json:"status"`
	Error         string           `json:"error,omitempty"`
	Data          map[string]any   `json:"data,omitempty"`
}
