package broadcaster

import (
	"sync"

	"github.com/sdhome/core/internal/domain"
)

// Envelope wraps one broadcast payload with a discriminant so a single
// subscriber channel can carry every message kind, mirroring the
// teacher's events.Event shape (Source/Kind/Data) but typed per payload
// instead of a bag of `any`.
type Envelope struct {
	Kind    string
	Payload any
}

const (
	KindSignalEvent          = "signal_event"
	KindSensorReading        = "sensor_reading"
	KindTriggerEvent         = "trigger_event"
	KindDeviceStateUpdate    = "device_state_update"
	KindAutomationLog        = "automation_log"
	KindPipelineTimeline     = "pipeline_timeline"
	KindDeviceSyncProgress   = "device_sync_progress"
	KindDevicePairingProgress = "device_pairing_progress"
)

// Bus is a non-blocking fan-out broadcaster. Subscribers receive
// envelopes on buffered channels; a subscriber whose buffer is full
// drops the message rather than blocking the publisher, which is what
// keeps automation/projection/ingestion work from ever waiting on a
// slow UI consumer (spec §5). Safe to call on a nil *Bus.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Envelope]struct{}
	recvToSend map[<-chan Envelope]chan Envelope
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Envelope]struct{}),
		recvToSend: make(map[<-chan Envelope]chan Envelope),
	}
}

func (b *Bus) publish(e Envelope) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) BroadcastSignalEvent(e domain.SignalEvent) { b.publish(Envelope{KindSignalEvent, e}) }
func (b *Bus) BroadcastSensorReading(r domain.SensorReading) {
	b.publish(Envelope{KindSensorReading, r})
}
func (b *Bus) BroadcastTriggerEvent(t domain.TriggerEvent) {
	b.publish(Envelope{KindTriggerEvent, t})
}
func (b *Bus) BroadcastDeviceStateUpdate(u DeviceStateUpdate) {
	b.publish(Envelope{KindDeviceStateUpdate, u})
}
func (b *Bus) BroadcastAutomationLog(l AutomationLogEntry) {
	b.publish(Envelope{KindAutomationLog, l})
}
func (b *Bus) BroadcastPipelineTimeline(p PipelineTimeline) {
	b.publish(Envelope{KindPipelineTimeline, p})
}
func (b *Bus) BroadcastDeviceSyncProgress(p DeviceSyncProgress) {
	b.publish(Envelope{KindDeviceSyncProgress, p})
}
func (b *Bus) BroadcastDevicePairingProgress(p DevicePairingProgress) {
	b.publish(Envelope{KindDevicePairingProgress, p})
}

var _ Port = (*Bus)(nil)

// Subscribe returns a channel that receives every broadcast envelope.
// The caller must eventually call Unsubscribe to avoid a goroutine/map
// leak. bufSize is the channel buffer; 64 matches the teacher's
// WebSocket-consumer default.
func (b *Bus) Subscribe(bufSize int) <-chan Envelope {
	ch := make(chan Envelope, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call more than once for the same channel.
func (b *Bus) Unsubscribe(ch <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
