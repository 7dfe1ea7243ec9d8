package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/adamsuskin/grocery-sub002/internal/mutation"
	"github.com/adamsuskin/grocery-sub002/internal/queue"
)

// Handler turns queue snapshots into dashboard messages. Register
// Handler.OnSnapshot with the queue manager's change notifications.
type Handler struct {
	server *Server
	logger *log.Logger

	mu   sync.Mutex
	prev map[string]mutation.Status
	// online tracks the last reported connectivity; nil until the first
	// snapshot arrives.
	online *bool
}

// NewHandler creates a handler bridging the queue to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
		prev:   make(map[string]mutation.Status),
	}
}

// OnSnapshot diffs the snapshot against the last one and broadcasts the
// changes, then the refreshed aggregate stats.
func (h *Handler) OnSnapshot(snap queue.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.online == nil || *h.online != snap.Online {
		online := snap.Online
		h.online = &online
		h.broadcast(MessageTypeConnectivity, ConnectivityData{Online: snap.Online})
	}

	seen := make(map[string]mutation.Status, len(snap.Mutations))
	for _, m := range snap.Mutations {
		seen[m.ID] = m.Status
		if h.prev[m.ID] == m.Status {
			continue
		}

		h.broadcast(MessageTypeMutationUpdate, MutationUpdateData{
			ID:        m.ID,
			Type:      string(m.Type),
			EntityID:  m.TargetID,
			Status:    string(m.Status),
			Retries:   m.RetryCount,
			LastError: m.LastError,
		})

		switch {
		case m.Status == mutation.StatusConflicted:
			data := ResolutionNeededData{
				MutationID: m.ID,
				EntityID:   m.TargetID,
			}
			if local := m.LocalItem(); local != nil {
				data.LocalName = local.Name
			}
			if m.Remote != nil {
				data.RemoteName = m.Remote.Name
			}
			h.broadcast(MessageTypeResolutionNeeded, data)

		case h.prev[m.ID] == mutation.StatusConflicted:
			h.broadcast(MessageTypeResolutionDone, MutationUpdateData{
				ID:       m.ID,
				EntityID: m.TargetID,
				Status:   string(m.Status),
			})
		}
	}
	h.prev = seen

	stats := QueueStatsData{
		Online:     snap.Online,
		Overflowed: snap.Overflowed,
		Pending:    snap.Pending,
		InFlight:   snap.InFlight,
		Succeeded:  snap.Succeeded,
		Failed:     snap.Failed,
		Conflicted: snap.Conflicted,
	}
	if !snap.LastSyncTime.IsZero() {
		stats.LastSyncTime = snap.LastSyncTime.Format(time.RFC3339)
	}
	h.broadcast(MessageTypeQueueStats, stats)
}

func (h *Handler) broadcast(typ MessageType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      payload,
	})
}
