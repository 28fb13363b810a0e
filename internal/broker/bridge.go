package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sdhome/core/internal/broadcaster"
)

// bridgeEvent is the payload shape of "<base>/bridge/event" messages
// (spec §4.7).
type bridgeEvent struct {
	Type   string `json:"type"`
	Data   json.RawMessage
	Status string `json:"status"`
	IEEE   string `json:"ieee_address"`
}

type permitJoinResponse struct {
	Value bool `json:"value"`
	Time  int  `json:"time"`
}

const (
	eventDeviceJoined    = "device_joined"
	eventDeviceInterview = "device_interview"
	eventDeviceAnnounce  = "device_announce"
)

// Bridge translates broker-native pairing events into a user-observable
// state machine and broadcasts DevicePairingProgress snapshots.
// Concurrency-safe: HandleEvent/HandlePermitJoinResponse may be called
// from the ingestion worker's single consumer loop only, but the
// countdown goroutine mutates shared state too, so all access goes
// through mu.
type Bridge struct {
	mu      sync.Mutex
	session *pairingSession
	bus     broadcaster.Port
	logger  *slog.Logger
	idSeq   int
}

type pairingSession struct {
	id         string
	status     broadcaster.PairingStatus
	total      int
	remaining  int
	current    string
	discovered []broadcaster.DiscoveredDevice
	cancel     context.CancelFunc
}

// NewBridge creates a Bridge. bus may be nil, in which case snapshots
// are computed but not delivered (matches broadcaster.Port's nil-safe
// contract).
func NewBridge(bus broadcaster.Port, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: bus, logger: logger}
}

// HandlePermitJoinResponse processes "<base>/bridge/response/permit_join".
func (b *Bridge) HandlePermitJoinResponse(payload []byte) {
	var resp permitJoinResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		b.logger.Debug("bridge: malformed permit_join response", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if resp.Value {
		b.startSessionLocked(resp.Time)
		return
	}
	b.stopSessionLocked()
}

// HandleEvent processes "<base>/bridge/event".
func (b *Bridge) HandleEvent(payload []byte) {
	var ev bridgeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Debug("bridge: malformed bridge event", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return
	}

	switch ev.Type {
	case eventDeviceInterview:
		switch ev.Status {
		case "started":
			b.session.status = broadcaster.PairingInterviewing
			b.session.current = ev.IEEE
			b.broadcastLocked("interviewing "+ev.IEEE, "")
		case "successful":
			b.session.discovered = append(b.session.discovered, broadcaster.DiscoveredDevice{IEEEAddress: ev.IEEE, Status: "Ready"})
			b.session.status = broadcaster.PairingDevicePaired
			b.broadcastLocked("device paired: "+ev.IEEE, "")
			b.session.status = broadcaster.PairingActive
			b.session.current = ""
		case "failed":
			b.session.discovered = append(b.session.discovered, broadcaster.DiscoveredDevice{IEEEAddress: ev.IEEE, Status: "failed"})
			b.session.status = broadcaster.PairingActive
			b.session.current = ""
			b.broadcastLocked("interview failed: "+ev.IEEE, "")
		}
	case eventDeviceJoined, eventDeviceAnnounce:
		b.broadcastLocked("device seen: "+ev.IEEE, "")
	}
}

func (b *Bridge) startSessionLocked(totalSeconds int) {
	if b.session != nil {
		b.session.cancel()
	}
	if totalSeconds <= 0 {
		totalSeconds = 60
	}

	b.idSeq++
	ctx, cancel := context.WithCancel(context.Background())
	b.session = &pairingSession{
		id:        pairingID(b.idSeq),
		status:    broadcaster.PairingStarting,
		total:     totalSeconds,
		remaining: totalSeconds,
		cancel:    cancel,
	}
	b.broadcastLocked("pairing window opened", "")
	b.session.status = broadcaster.PairingActive
	b.broadcastLocked("pairing window active", "")

	go b.countdown(ctx, b.session.id)
}

func (b *Bridge) stopSessionLocked() {
	if b.session == nil {
		return
	}
	b.session.status = broadcaster.PairingStopping
	b.broadcastLocked("pairing window closing", "")
	b.session.cancel()
	b.session.status = broadcaster.PairingEnded
	b.broadcastLocked("pairing window ended", "")
	b.session = nil
}

func (b *Bridge) countdown(ctx context.Context, id string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.session == nil || b.session.id != id {
				b.mu.Unlock()
				return
			}
			b.session.remaining--
			if b.session.remaining <= 0 {
				b.session.status = broadcaster.PairingEnded
				b.broadcastLocked("pairing window expired", "")
				b.session = nil
				b.mu.Unlock()
				return
			}
			b.session.status = broadcaster.PairingCountdownTick
			b.broadcastLocked("", "")
			b.mu.Unlock()
		}
	}
}

// broadcastLocked builds and sends a snapshot of the current session.
// Caller must hold mu.
func (b *Bridge) broadcastLocked(message, _ string) {
	if b.bus == nil || b.session == nil {
		return
	}
	discovered := make([]broadcaster.DiscoveredDevice, len(b.session.discovered))
	copy(discovered, b.session.discovered)

	b.bus.BroadcastDevicePairingProgress(broadcaster.DevicePairingProgress{
		ID:                b.session.id,
		Status:            b.session.status,
		Message:           message,
		RemainingSeconds:  b.session.remaining,
		TotalSeconds:       b.session.total,
		CurrentDevice:     b.session.current,
		DiscoveredDevices: discovered,
		Timestamp:         time.Now(),
	})
}

func pairingID(seq int) string {
	return "pairing-" + time.Now().Format("20060102150405") + "-" + strconv.Itoa(seq)
}
