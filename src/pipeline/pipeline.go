// Package pipeline implements the outbound dispatch pipeline: a
// coalescing "latest value wins" slot for device state, alongside bounded
// FIFO queues for telemetry and topic events, with an "unsent" staging
// slot per queue so an event polled for publish survives a failed attempt.
package pipeline

import (
	"bytes"
	"sync"

	"github.com/coriolis-iot/gateway-client/src/queue"
)

// WorkKind identifies which class of work TakeNextWork returned.
type WorkKind int

const (
	// WorkNone means there is nothing to send.
	WorkNone WorkKind = iota
	// WorkState means the device-state slot held a pending payload.
	WorkState
	// WorkTelemetry means a telemetry event is ready to publish.
	WorkTelemetry
	// WorkTopicEvent means a topic event is ready to publish.
	WorkTopicEvent
)

// Work describes one unit of outbound work for the supervisor to publish.
type Work struct {
	Kind  WorkKind
	State []byte
	Event TopicEvent
}

// Pipeline holds the state slot and bounded queues described by the data
// model. It is safe for concurrent use by callers (facade) and the
// supervisor's single consumer goroutine.
type Pipeline struct {
	stateMu   sync.Mutex
	stateSlot []byte // pending payload; meaningful only while hasState
	hasState  bool   // false means "no pending state"

	telemetryMu     sync.Mutex
	telemetryQueue  *queue.Queue[TopicEvent]
	telemetryUnsent *TopicEvent

	topicMu     sync.Mutex
	topicQueue  *queue.Queue[TopicEvent]
	topicUnsent *TopicEvent
}

// New constructs a Pipeline with the given telemetry and topic-event queues.
func New(telemetryQueue, topicQueue *queue.Queue[TopicEvent]) *Pipeline {
	return &Pipeline{
		telemetryQueue: telemetryQueue,
		topicQueue:     topicQueue,
	}
}

// SetPendingState atomically stores data into the state slot, replacing
// whatever was there. It reports whether the slot was previously empty, so
// the caller can decide whether to wake the supervisor.
func (p *Pipeline) SetPendingState(data []byte) (wasEmpty bool) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	wasEmpty = !p.hasState
	p.stateSlot = data
	p.hasState = true
	return wasEmpty
}

// ClearStateIfEqual clears the state slot only if it still holds exactly
// sent, preserving a newer write that arrived while the send was in flight.
func (p *Pipeline) ClearStateIfEqual(sent []byte) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.hasState && bytes.Equal(p.stateSlot, sent) {
		p.stateSlot = nil
		p.hasState = false
	}
}

// EnqueueTelemetry offers event onto the bounded telemetry queue under its
// lock. The return value is the queue's own acceptance result: for
// HEAD_DROP it is always true (an element is always stored, even if the
// oldest was evicted to make room); for TAIL_REJECT it is false once full.
func (p *Pipeline) EnqueueTelemetry(event TopicEvent) bool {
	p.telemetryMu.Lock()
	defer p.telemetryMu.Unlock()
	return p.telemetryQueue.Offer(event)
}

// EnqueueTopicEvent is the topic-event analogue of EnqueueTelemetry.
func (p *Pipeline) EnqueueTopicEvent(event TopicEvent) bool {
	p.topicMu.Lock()
	defer p.topicMu.Unlock()
	return p.topicQueue.Offer(event)
}

// TakeNextWork produces the next unit of work in strict priority order:
// device state, then telemetry, then topic events. It refills an unsent
// slot from its queue if the slot is empty. It never removes an event from
// its unsent slot; callers must call the matching Clear* after a
// successful publish.
func (p *Pipeline) TakeNextWork() Work {
	p.stateMu.Lock()
	if p.hasState {
		state := p.stateSlot
		p.stateMu.Unlock()
		return Work{Kind: WorkState, State: state}
	}
	p.stateMu.Unlock()

	if event, ok := p.peekOrRefillTelemetry(); ok {
		return Work{Kind: WorkTelemetry, Event: event}
	}

	if event, ok := p.peekOrRefillTopicEvent(); ok {
		return Work{Kind: WorkTopicEvent, Event: event}
	}

	return Work{Kind: WorkNone}
}

func (p *Pipeline) peekOrRefillTelemetry() (TopicEvent, bool) {
	p.telemetryMu.Lock()
	defer p.telemetryMu.Unlock()
	if p.telemetryUnsent == nil {
		if next, ok := p.telemetryQueue.Poll(); ok {
			p.telemetryUnsent = &next
		}
	}
	if p.telemetryUnsent == nil {
		return TopicEvent{}, false
	}
	return *p.telemetryUnsent, true
}

func (p *Pipeline) peekOrRefillTopicEvent() (TopicEvent, bool) {
	p.topicMu.Lock()
	defer p.topicMu.Unlock()
	if p.topicUnsent == nil {
		if next, ok := p.topicQueue.Poll(); ok {
			p.topicUnsent = &next
		}
	}
	if p.topicUnsent == nil {
		return TopicEvent{}, false
	}
	return *p.topicUnsent, true
}

// ClearUnsentTelemetry drops the staged telemetry event after a successful
// publish.
func (p *Pipeline) ClearUnsentTelemetry() {
	p.telemetryMu.Lock()
	defer p.telemetryMu.Unlock()
	p.telemetryUnsent = nil
}

// ClearUnsentTopicEvent drops the staged topic event after a successful
// publish.
func (p *Pipeline) ClearUnsentTopicEvent() {
	p.topicMu.Lock()
	defer p.topicMu.Unlock()
	p.topicUnsent = nil
}
