package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
)

// ActionData describes one live action
type ActionData struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	OldPath string `json:"old_path,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PassData describes a reconciliation pass
type PassData struct {
	ID                 string        `json:"id,omitempty"`
	Root               string        `json:"root"`
	Directories        int64         `json:"directories"`
	Uploaded           int64         `json:"uploaded"`
	Deleted            int64         `json:"deleted"`
	DirectoriesDeleted int64         `json:"directories_deleted"`
	Failures           int64         `json:"failures"`
	Duration           time.Duration `json:"duration"`
	Error              string        `json:"error,omitempty"`
}

// StatsData contains running totals since the monitor started
type StatsData struct {
	ActionsApplied int       `json:"actions_applied"`
	ActionsFailed  int       `json:"actions_failed"`
	Passes         int       `json:"passes"`
	PassFailures   int       `json:"pass_failures"`
	LastPass       time.Time `json:"last_pass,omitempty"`
}

// Handler receives pipeline events and formats them as monitor messages.
// It bridges between the daemon pipeline and the WebSocket server.
type Handler struct {
	server *Server
	logger logrus.FieldLogger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a monitor server.
// New clients receive the current totals as their welcome message.
func NewHandler(server *Server, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	h := &Handler{server: server, logger: logger}
	server.SetWelcome(h.statsMessage)
	return h
}

// ActionApplied handles the outcome of a live action
func (h *Handler) ActionApplied(action bsync.Action, err error) {
	data := ActionData{
		Kind:    action.Kind.String(),
		Path:    action.Path,
		OldPath: action.OldPath,
	}
	typ := MessageTypeActionApplied

	h.mu.Lock()
	if err != nil {
		data.Error = err.Error()
		typ = MessageTypeActionFailed
		h.stats.ActionsFailed++
	} else {
		h.stats.ActionsApplied++
	}
	h.mu.Unlock()

	h.send(typ, data)
}

// PassStarted handles the start of a reconciliation pass
func (h *Handler) PassStarted(root string) {
	h.send(MessageTypePassStarted, PassData{Root: root})
}

// PassComplete handles the end of a reconciliation pass
func (h *Handler) PassComplete(stats *bsync.PassStats, err error) {
	var data PassData
	if stats != nil {
		data = PassData{
			ID:                 stats.ID.String(),
			Root:               stats.Root,
			Directories:        stats.Directories,
			Uploaded:           stats.Uploaded,
			Deleted:            stats.Deleted,
			DirectoriesDeleted: stats.DirectoriesDeleted,
			Failures:           stats.Failures,
			Duration:           stats.Duration(),
		}
	}

	h.mu.Lock()
	h.stats.Passes++
	h.stats.LastPass = time.Now()
	if err != nil {
		data.Error = err.Error()
		h.stats.PassFailures++
	}
	h.mu.Unlock()

	h.send(MessageTypePassComplete, data)
	h.server.Broadcast(h.statsMessage())
}

// GetStats returns the current totals
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) statsMessage() Message {
	stats := h.GetStats()
	data, _ := json.Marshal(stats)
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Warn("failed to marshal monitor data")
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
