package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Agent commands carried over the per-node websocket.
const (
	CmdStatsGet     = "stats.get"
	CmdRestoreBegin = "restore.begin"
	CmdDrainStep    = "drain.step"
	CmdExportBegin  = "export.begin"
)

var ErrAgentNotConnected = errors.New("node agent not connected")

// AgentStats is the payload of a stats.get reply.
type AgentStats struct {
	Instances int     `json:"instances"`
	CPULoad   float64 `json:"cpuLoad"`
	MemUsedMB int64   `json:"memUsedMb"`
}

// Commander is what recovery and drain need from the agent channel.
// The websocket hub implements it; tests substitute a fake.
type Commander interface {
	Stats(ctx context.Context, nodeID string) (AgentStats, error)
	BeginRestore(ctx context.Context, nodeID, tenantID, backupKey string) error
	DrainStep(ctx context.Context, nodeID, tenantID string) error
	BeginExport(ctx context.Context, nodeID, tenantID string) (string, error)
}

// command is the hub-to-agent frame; reply comes back with the same id.
type command struct {
	ID     string          `json:"id"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type agentConn struct {
	nodeID string
	conn   *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan reply
}

// AgentHub keeps one websocket per connected node agent and correlates
// request/response frames by id. Heartbeats ride the same connection.
type AgentHub struct {
	registry *Registry
	breakers *BreakerSet
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*agentConn

	callTimeout time.Duration
}

func NewAgentHub(registry *Registry, breakers *BreakerSet) *AgentHub {
	return &AgentHub{
		registry: registry,
		breakers: breakers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:       make(map[string]*agentConn),
		callTimeout: 30 * time.Second,
	}
}

// ServeHTTP upgrades a node agent connection. The node identifies
// itself with the X-Node-ID header.
func (h *AgentHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	nodeID := r.Header.Get("X-Node-ID")
	if nodeID == "" {
		http.Error(w, "missing X-Node-ID", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("agent upgrade failed", "node", nodeID, "error", err)
		return
	}

	if err := h.registry.Register(r.Context(), nodeID); err != nil {
		slog.Error("agent registration failed", "node", nodeID, "error", err)
		ws.Close()
		return
	}

	ac := &agentConn{nodeID: nodeID, conn: ws, pending: make(map[string]chan reply)}
	h.mu.Lock()
	if old, ok := h.conns[nodeID]; ok {
		old.conn.Close()
	}
	h.conns[nodeID] = ac
	h.mu.Unlock()
	h.breakers.Reset(nodeID)

	slog.Info("node agent connected", "node", nodeID)
	h.readPump(ac)
}

func (h *AgentHub) readPump(ac *agentConn) {
	defer func() {
		h.mu.Lock()
		if h.conns[ac.nodeID] == ac {
			delete(h.conns, ac.nodeID)
		}
		h.mu.Unlock()
		ac.conn.Close()
		ac.failAllPending()
		slog.Info("node agent disconnected", "node", ac.nodeID)
	}()

	ac.conn.SetReadLimit(1 << 20)
	for {
		_, raw, err := ac.conn.ReadMessage()
		if err != nil {
			return
		}

		var rep reply
		if err := json.Unmarshal(raw, &rep); err != nil {
			slog.Warn("agent frame unparseable", "node", ac.nodeID, "error", err)
			continue
		}

		// Frames without an id are heartbeats.
		if rep.ID == "" {
			if err := h.registry.Heartbeat(context.Background(), ac.nodeID); err != nil {
				slog.Warn("agent heartbeat not recorded", "node", ac.nodeID, "error", err)
			}
			continue
		}
		ac.deliver(rep)
	}
}

func (ac *agentConn) deliver(rep reply) {
	ac.pendingMu.Lock()
	ch, ok := ac.pending[rep.ID]
	if ok {
		delete(ac.pending, rep.ID)
	}
	ac.pendingMu.Unlock()
	if ok {
		ch <- rep
	}
}

func (ac *agentConn) failAllPending() {
	ac.pendingMu.Lock()
	defer ac.pendingMu.Unlock()
	for id, ch := range ac.pending {
		delete(ac.pending, id)
		ch <- reply{ID: id, OK: false, Error: "agent disconnected"}
	}
}

// call sends one command and waits for the correlated reply, routed
// through the node's circuit breaker.
func (h *AgentHub) call(ctx context.Context, nodeID, cmd string, params any) (json.RawMessage, error) {
	if err := h.breakers.Allow(nodeID); err != nil {
		return nil, err
	}
	data, err := h.doCall(ctx, nodeID, cmd, params)
	h.breakers.Record(nodeID, err)
	return data, err
}

func (h *AgentHub) doCall(ctx context.Context, nodeID, cmd string, params any) (json.RawMessage, error) {
	h.mu.RLock()
	ac, ok := h.conns[nodeID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, nodeID)
	}

	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	c := command{ID: uuid.NewString(), Cmd: cmd, Params: raw}

	ch := make(chan reply, 1)
	ac.pendingMu.Lock()
	ac.pending[c.ID] = ch
	ac.pendingMu.Unlock()

	ac.writeMu.Lock()
	err := ac.conn.WriteJSON(c)
	ac.writeMu.Unlock()
	if err != nil {
		ac.pendingMu.Lock()
		delete(ac.pending, c.ID)
		ac.pendingMu.Unlock()
		return nil, fmt.Errorf("send %s to %s: %w", cmd, nodeID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()
	select {
	case rep := <-ch:
		if !rep.OK {
			return nil, fmt.Errorf("agent %s rejected %s: %s", nodeID, cmd, rep.Error)
		}
		return rep.Data, nil
	case <-ctx.Done():
		ac.pendingMu.Lock()
		delete(ac.pending, c.ID)
		ac.pendingMu.Unlock()
		return nil, fmt.Errorf("%s to %s: %w", cmd, nodeID, ctx.Err())
	}
}

func (h *AgentHub) Stats(ctx context.Context, nodeID string) (AgentStats, error) {
	data, err := h.call(ctx, nodeID, CmdStatsGet, nil)
	if err != nil {
		return AgentStats{}, err
	}
	var st AgentStats
	if err := json.Unmarshal(data, &st); err != nil {
		return AgentStats{}, fmt.Errorf("decode stats from %s: %w", nodeID, err)
	}
	return st, nil
}

func (h *AgentHub) BeginRestore(ctx context.Context, nodeID, tenantID, backupKey string) error {
	_, err := h.call(ctx, nodeID, CmdRestoreBegin, map[string]string{
		"tenantId": tenantID, "backupKey": backupKey,
	})
	return err
}

func (h *AgentHub) DrainStep(ctx context.Context, nodeID, tenantID string) error {
	_, err := h.call(ctx, nodeID, CmdDrainStep, map[string]string{"tenantId": tenantID})
	return err
}

func (h *AgentHub) BeginExport(ctx context.Context, nodeID, tenantID string) (string, error) {
	data, err := h.call(ctx, nodeID, CmdExportBegin, map[string]string{"tenantId": tenantID})
	if err != nil {
		return "", err
	}
	var out struct {
		BackupKey string `json:"backupKey"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode export reply from %s: %w", nodeID, err)
	}
	return out.BackupKey, nil
}
