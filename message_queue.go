package go_peerlink

import (
	"sync"
	"time"
)

// AsyncMessageCallback is notified about the fate of a queued message.
// Implementations must not block; they are invoked without any link lock held.
type AsyncMessageCallback interface {
	// Sent is called once the message has been handed to the transport.
	Sent()
	// Disconnected is called when the link went down before the message was delivered.
	Disconnected()
}

// MessageItem is one outbound message waiting for a link.
type MessageItem struct {
	Payload   []byte
	Callbacks []AsyncMessageCallback
	Priority  int
	// Deadline is the latest time the message should leave the queue.
	Deadline time.Time
	// FromResend marks messages rebuilt from packets whose tracker went away.
	FromResend bool

	sentOnce       sync.Once
	disconnectOnce sync.Once
}

// NewMessageItem creates a message. Priorities outside the valid range are clamped.
func NewMessageItem(payload []byte, callbacks []AsyncMessageCallback, priority int, deadline time.Time) *MessageItem {
	if priority < LINK_PRIORITY_NOW {
		priority = LINK_PRIORITY_NOW
	}
	if priority > LINK_PRIORITY_BULK {
		priority = LINK_PRIORITY_BULK
	}
	return &MessageItem{
		Payload:   payload,
		Callbacks: callbacks,
		Priority:  priority,
		Deadline:  deadline,
	}
}

// OnDisconnect tells every callback that delivery failed. Only the first call has any effect.
func (m *MessageItem) OnDisconnect() {
	m.disconnectOnce.Do(func() {
		for _, cb := range m.Callbacks {
			if cb != nil {
				cb.Disconnected()
			}
		}
	})
}

// OnSent tells every callback that the message was sent. Only the first call has any effect.
func (m *MessageItem) OnSent() {
	m.sentOnce.Do(func() {
		for _, cb := range m.Callbacks {
			if cb != nil {
				cb.Sent()
			}
		}
	})
}

// MessageQueue is the outbound queue a PeerLink drains and refills.
type MessageQueue interface {
	// NextUrgentTime returns the earlier of baseline and the earliest deadline among
	// messages whose priority is minPriority or lower in urgency.
	NextUrgentTime(baseline time.Time, minPriority int) time.Time
	// DrainAll removes and returns every queued message, most urgent first.
	DrainAll() []*MessageItem
	// Requeue puts items back at the given priority, ahead of existing messages if atFront.
	Requeue(items []*MessageItem, priority int, atFront bool)
}

// PriorityMessageQueue is the default MessageQueue: one FIFO per priority level.
type PriorityMessageQueue struct {
	mu     sync.Mutex
	queues [LINK_NUM_PRIORITIES][]*MessageItem
}

// NewPriorityMessageQueue creates an empty queue.
func NewPriorityMessageQueue() *PriorityMessageQueue {
	return &PriorityMessageQueue{}
}

// Enqueue appends a message to the back of its priority level.
func (q *PriorityMessageQueue) Enqueue(item *MessageItem) {
	if item == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[item.Priority] = append(q.queues[item.Priority], item)
}

// Requeue implements MessageQueue.
func (q *PriorityMessageQueue) Requeue(items []*MessageItem, priority int, atFront bool) {
	if len(items) == 0 {
		return
	}
	if priority < LINK_PRIORITY_NOW || priority > LINK_PRIORITY_BULK {
		Warning("Requeue with invalid priority %d, using bulk", priority)
		priority = LINK_PRIORITY_BULK
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		item.Priority = priority
	}
	if atFront {
		merged := make([]*MessageItem, 0, len(items)+len(q.queues[priority]))
		merged = append(merged, items...)
		q.queues[priority] = append(merged, q.queues[priority]...)
		return
	}
	q.queues[priority] = append(q.queues[priority], items...)
}

// DrainAll implements MessageQueue.
func (q *PriorityMessageQueue) DrainAll() []*MessageItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var drained []*MessageItem
	for i := range q.queues {
		drained = append(drained, q.queues[i]...)
		q.queues[i] = nil
	}
	return drained
}

// NextUrgentTime implements MessageQueue. Items without a deadline are ignored.
func (q *PriorityMessageQueue) NextUrgentTime(baseline time.Time, minPriority int) time.Time {
	if minPriority < LINK_PRIORITY_NOW {
		minPriority = LINK_PRIORITY_NOW
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t := baseline
	for p := minPriority; p < LINK_NUM_PRIORITIES; p++ {
		for _, item := range q.queues[p] {
			if !item.Deadline.IsZero() && item.Deadline.Before(t) {
				t = item.Deadline
			}
		}
	}
	return t
}

// Len returns the number of queued messages.
func (q *PriorityMessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.queues {
		n += len(q.queues[i])
	}
	return n
}
