package inproc

import (
	"sort"
	"sync"

	"crewhub/internal/domain"
)

const laneCount = int(domain.PriorityUrgent)

// mailbox keeps one FIFO lane per priority level.
type mailbox struct {
	lanes [laneCount][]domain.Message
	size  int
}

func (m *mailbox) push(msg domain.Message) {
	i := laneIndex(msg.Priority)
	m.lanes[i] = append(m.lanes[i], msg)
	m.size++
}

func (m *mailbox) pop() (domain.Message, bool) {
	for i := laneCount - 1; i >= 0; i-- {
		if len(m.lanes[i]) == 0 {
			continue
		}
		msg := m.lanes[i][0]
		m.lanes[i][0] = domain.Message{}
		m.lanes[i] = m.lanes[i][1:]
		m.size--
		return msg, true
	}
	return domain.Message{}, false
}

func (m *mailbox) snapshot() []domain.Message {
	out := make([]domain.Message, 0, m.size)
	for i := laneCount - 1; i >= 0; i-- {
		out = append(out, m.lanes[i]...)
	}
	return out
}

func (m *mailbox) remove(messageID string) bool {
	for i := range m.lanes {
		for j, msg := range m.lanes[i] {
			if msg.ID != messageID {
				continue
			}
			m.lanes[i] = append(m.lanes[i][:j], m.lanes[i][j+1:]...)
			m.size--
			return true
		}
	}
	return false
}

func laneIndex(p domain.Priority) int {
	if !p.Valid() {
		p = domain.PriorityNormal
	}
	return int(p) - 1
}

// Bus holds a bounded, priority ordered mailbox per worker.
type Bus struct {
	mu       sync.RWMutex
	boxes    map[string]*mailbox
	capacity int
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{
		boxes:    make(map[string]*mailbox),
		capacity: capacity,
	}
}

func (b *Bus) Capacity() int {
	return b.capacity
}

// Publish appends msg to its recipient's mailbox, creating it on first use.
func (b *Bus) Publish(msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.boxes[msg.To]
	if !ok {
		box = &mailbox{}
		b.boxes[msg.To] = box
	}
	if box.size >= b.capacity {
		return domain.ErrQueueFull
	}
	box.push(msg)
	return nil
}

// Take removes up to n messages from a worker's mailbox, highest priority first.
func (b *Bus) Take(workerID string, n int) []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.boxes[workerID]
	if !ok || n <= 0 {
		return nil
	}
	out := make([]domain.Message, 0, min(n, box.size))
	for len(out) < n {
		msg, ok := box.pop()
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out
}

// Peek returns the queued messages in dequeue order without removing them.
func (b *Bus) Peek(workerID string) []domain.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	box, ok := b.boxes[workerID]
	if !ok {
		return nil
	}
	return box.snapshot()
}

func (b *Bus) Remove(workerID, messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.boxes[workerID]
	if !ok {
		return false
	}
	return box.remove(messageID)
}

// Drain removes a worker's mailbox and returns what was still queued.
func (b *Bus) Drain(workerID string) []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.boxes[workerID]
	if !ok {
		return nil
	}
	delete(b.boxes, workerID)
	return box.snapshot()
}

func (b *Bus) Len(workerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if box, ok := b.boxes[workerID]; ok {
		return box.size
	}
	return 0
}

func (b *Bus) Depth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, box := range b.boxes {
		total += box.size
	}
	return total
}

// Workers returns ids with a non-empty mailbox in lexical order.
func (b *Bus) Workers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.boxes))
	for id, box := range b.boxes {
		if box.size > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
