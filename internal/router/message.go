package router

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"crewhub/internal/domain"
)

// Content keys that steer routing. Everything else is passed through.
const (
	keyMessageType     = "message_type"
	keyPriority        = "priority"
	keyExpiresIn       = "expires_in_seconds"
	keyRequiresReply   = "requires_response"
	keySpaceID         = "collaborative_space_id"
	keyResponseTimeout = "response_timeout_seconds"
	keyMaxAttempts     = "max_attempts"
	keyBroadcast       = "broadcast"
)

// maxAttemptsLimit caps a per-message max_attempts override.
const maxAttemptsLimit = 100

func (r *Router) newMessageLocked(from, to string, content domain.Content) domain.Message {
	now := r.clock.Now().UTC()
	msg := domain.Message{
		ID:              ulid.MustNew(ulid.Timestamp(now), r.entropy).String(),
		From:            from,
		To:              to,
		Kind:            domain.ParseMessageKind(content.String(keyMessageType)),
		Content:         content.Clone(),
		Priority:        domain.PriorityNormal,
		SpaceID:         content.String(keySpaceID),
		ResponseTimeout: r.cfg.ResponseTimeout,
		CreatedAt:       now,
		Status:          domain.DeliveryPending,
		MaxAttempts:     r.cfg.MaxAttempts,
	}
	if v, ok := content.Get(keyPriority); ok {
		msg.Priority = domain.ParsePriority(v)
	}
	if secs, ok := number(content, keyExpiresIn); ok && secs != 0 {
		at := now.Add(time.Duration(secs * float64(time.Second)))
		msg.ExpiresAt = &at
	}
	if v, ok := content.Get(keyRequiresReply); ok {
		msg.RequiresResponse = truthy(v)
	}
	if secs, ok := number(content, keyResponseTimeout); ok && secs > 0 {
		msg.ResponseTimeout = time.Duration(secs * float64(time.Second))
	}
	if n, ok := number(content, keyMaxAttempts); ok && n >= 1 {
		msg.MaxAttempts = int(min(n, maxAttemptsLimit))
	}
	return msg
}

func number(content domain.Content, key string) (float64, bool) {
	v, ok := content.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	case int:
		return x != 0
	case float64:
		return x != 0
	default:
		return false
	}
}
