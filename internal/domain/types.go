package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type WorkerType string

const (
	WorkerTypePlanner  WorkerType = "planner"
	WorkerTypeExecutor WorkerType = "executor"
	WorkerTypeVerifier WorkerType = "verifier"
)

// WorkerTypes lists the closed set in canonical order.
var WorkerTypes = []WorkerType{WorkerTypePlanner, WorkerTypeExecutor, WorkerTypeVerifier}

// ParseWorkerType validates a raw tag at the registry boundary.
func ParseWorkerType(raw string) (WorkerType, error) {
	switch t := WorkerType(strings.ToLower(strings.TrimSpace(raw))); t {
	case WorkerTypePlanner, WorkerTypeExecutor, WorkerTypeVerifier:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkerType, raw)
	}
}

type Capability struct {
	Name        string `json:"name"`
	Level       int    `json:"level"`
	Description string `json:"description,omitempty"`
}

type WorkerInfo struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Role                 string       `json:"role"`
	Type                 WorkerType   `json:"type"`
	Capabilities         []Capability `json:"capabilities"`
	Capacity             int          `json:"capacity"`
	CurrentLoad          int          `json:"current_load"`
	PriorityScore        float64      `json:"priority_score"`
	SpecializationScore  float64      `json:"specialization_score"`
	SuccessRate          float64      `json:"success_rate"`
	AvgCompletionSeconds float64      `json:"avg_completion_seconds"`
	TasksCompleted       int          `json:"tasks_completed"`
	RegisteredAt         time.Time    `json:"registered_at"`
	LastActive           time.Time    `json:"last_active"`
	LastAssigned         *time.Time   `json:"last_assigned,omitempty"`
}

func (w WorkerInfo) HasCapability(name string) bool {
	for _, c := range w.Capabilities {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

type MessageKind string

const (
	KindTaskDelegation      MessageKind = "task_delegation"
	KindStatusUpdate        MessageKind = "status_update"
	KindResultReport        MessageKind = "result_report"
	KindVerificationRequest MessageKind = "verification_request"
	KindCollaborationInvite MessageKind = "collaboration_invite"
	KindHeartbeat           MessageKind = "heartbeat"
	KindError               MessageKind = "error"
	KindBroadcast           MessageKind = "broadcast"
)

var MessageKinds = []MessageKind{
	KindTaskDelegation,
	KindStatusUpdate,
	KindResultReport,
	KindVerificationRequest,
	KindCollaborationInvite,
	KindHeartbeat,
	KindError,
	KindBroadcast,
}

// ParseMessageKind falls back to task_delegation for unknown or empty tags.
func ParseMessageKind(raw string) MessageKind {
	k := MessageKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range MessageKinds {
		if k == known {
			return k
		}
	}
	return KindTaskDelegation
}

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority accepts 1-4 or the level names; anything else is normal.
func ParsePriority(v any) Priority {
	switch x := v.(type) {
	case Priority:
		if x.Valid() {
			return x
		}
	case int:
		if p := Priority(x); p.Valid() {
			return p
		}
	case int64:
		if p := Priority(x); p.Valid() {
			return p
		}
	case float64:
		if p := Priority(int(x)); p.Valid() && float64(int(x)) == x {
			return p
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "low", "1":
			return PriorityLow
		case "high", "3":
			return PriorityHigh
		case "urgent", "4":
			return PriorityUrgent
		}
	}
	return PriorityNormal
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExpired   DeliveryStatus = "expired"
)

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliveryExpired
}

// Field is one key/value pair of message content.
type Field struct {
	Key   string
	Value any
}

// Content is an ordered key/value payload. Later Set calls replace earlier
// values in place so the original key order is kept.
type Content []Field

func NewContent(kv ...any) Content {
	c := make(Content, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		c = c.Set(key, kv[i+1])
	}
	return c
}

func (c Content) Get(key string) (any, bool) {
	for _, f := range c {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func (c Content) String(key string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c Content) Set(key string, value any) Content {
	for i := range c {
		if c[i].Key == key {
			c[i].Value = value
			return c
		}
	}
	return append(c, Field{Key: key, Value: value})
}

func (c Content) Clone() Content {
	if c == nil {
		return nil
	}
	out := make(Content, len(c))
	copy(out, c)
	return out
}

func (c Content) Map() map[string]any {
	out := make(map[string]any, len(c))
	for _, f := range c {
		out[f.Key] = f.Value
	}
	return out
}

func (c Content) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal content field %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *Content) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*c = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("content must be a JSON object")
	}
	out := Content{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode content field %q: %w", key, err)
		}
		out = out.Set(key, normalizeNumber(raw))
	}
	*c = out
	return nil
}

func normalizeNumber(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, inner := range x {
			x[k] = normalizeNumber(inner)
		}
		return x
	case []any:
		for i, inner := range x {
			x[i] = normalizeNumber(inner)
		}
		return x
	default:
		return v
	}
}

type Message struct {
	ID               string         `json:"id"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	Kind             MessageKind    `json:"kind"`
	Content          Content        `json:"content"`
	Priority         Priority       `json:"priority"`
	RequiresResponse bool           `json:"requires_response"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	SpaceID          string         `json:"collaborative_space_id,omitempty"`
	ResponseTimeout  time.Duration  `json:"response_timeout"`
	CreatedAt        time.Time      `json:"created_at"`
	Status           DeliveryStatus `json:"status"`
	Attempts         int            `json:"attempts"`
	MaxAttempts      int            `json:"max_attempts"`
}

func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Clone returns a copy whose content can be mutated independently.
func (m Message) Clone() Message {
	m.Content = m.Content.Clone()
	if m.ExpiresAt != nil {
		at := *m.ExpiresAt
		m.ExpiresAt = &at
	}
	return m
}

type DeliveryRecord struct {
	MessageID string         `json:"message_id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Kind      MessageKind    `json:"kind"`
	Status    DeliveryStatus `json:"status"`
	Success   bool           `json:"success"`
	Attempts  int            `json:"attempts"`
	Latency   time.Duration  `json:"latency"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
