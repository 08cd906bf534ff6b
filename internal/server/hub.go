package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/workspace"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultAuthTimeout       = 10 * time.Second
	defaultSweepInterval     = 5 * time.Second
	defaultInactivityTimeout = 5 * time.Minute
	defaultWriteWait         = 10 * time.Second
	defaultPongWait          = 60 * time.Second
	sendBufferSize           = 32
)

var (
	errMissingRegistry  = errors.New("workspace registry dependency required")
	errMissingPresence  = errors.New("presence tracker dependency required")
	errMissingValidator = errors.New("token validator dependency required")
	errNotJoined        = errors.New("no active session in workspace")
)

// TokenValidator checks the bearer token from the auth handshake.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// SnapshotStore persists and recovers authoritative model state. It is
// optional; without one, sync_state answers from the in-memory registry.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot snapshots.ModelSnapshot) error
	Load(ctx context.Context, workspaceID, modelID string) (snapshots.ModelSnapshot, error)
}

// HubConfig describes the collaborators required to build a Hub.
type HubConfig struct {
	Registry          *workspace.Registry
	Presence          *presence.Tracker
	Snapshots         SnapshotStore
	Tokens            TokenValidator
	Clock             func() time.Time
	AuthTimeout       time.Duration
	SweepInterval     time.Duration
	InactivityTimeout time.Duration
	Logger            *zap.Logger
}

// Hub owns all live collaboration connections: the auth handshake, message
// dispatch, per-workspace fan-out, and the sweep that expires presence and
// idle sessions.
type Hub struct {
	registry          *workspace.Registry
	presence          *presence.Tracker
	snapshots         SnapshotStore
	tokens            TokenValidator
	clock             func() time.Time
	authTimeout       time.Duration
	sweepInterval     time.Duration
	inactivityTimeout time.Duration
	logger            *zap.Logger
	upgrader          websocket.Upgrader

	mu         sync.Mutex
	workspaces map[string]map[*hubClient]struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

type hubClient struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity auth.Identity

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
}

// NewHub validates the configuration and constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Tokens == nil {
		return nil, errMissingValidator
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	inactivityTimeout := cfg.InactivityTimeout
	if inactivityTimeout <= 0 {
		inactivityTimeout = defaultInactivityTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry:          cfg.Registry,
		presence:          cfg.Presence,
		snapshots:         cfg.Snapshots,
		tokens:            cfg.Tokens,
		clock:             clock,
		authTimeout:       authTimeout,
		sweepInterval:     sweepInterval,
		inactivityTimeout: inactivityTimeout,
		logger:            logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		workspaces: make(map[string]map[*hubClient]struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Run drives the sweep ticker until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeOnce.Do(func() { close(h.done) })
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Close stops the sweep loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) sweep() {
	now := h.clock().UTC()
	h.presence.Sweep(now)
	ended := h.registry.SweepSessions(now, h.inactivityTimeout)
	for _, session := range ended {
		h.presence.RemoveUser(session.WorkspaceID, session.UserID)
		h.broadcast(session.WorkspaceID, nil, protocol.TypeUserLeft, workspace.MemberEvent{
			WorkspaceID: session.WorkspaceID,
			Session:     session,
			Reason:      workspace.LeaveReasonTimeout,
		})
	}
}

// ServeConnection upgrades the request and runs the connection lifecycle.
func (h *Hub) ServeConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	identity, err := h.awaitAuth(conn)
	if err != nil {
		h.logger.Warn("auth handshake failed", zap.Error(err))
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth required")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(defaultWriteWait))
		_ = conn.Close()
		return
	}

	client := &hubClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		identity: identity,
		joined:   make(map[string]struct{}),
	}

	client.enqueueEnvelope(protocol.TypeAuthSuccess, protocol.ErrorPayload{Code: "ok", Message: identity.Subject})

	go client.writePump()
	client.readPump()
}

// awaitAuth requires the first frame to be a valid auth envelope.
func (h *Hub) awaitAuth(conn *websocket.Conn) (auth.Identity, error) {
	if err := conn.SetReadDeadline(h.clock().Add(h.authTimeout)); err != nil {
		return auth.Identity{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return auth.Identity{}, err
	}
	envelope, err := protocol.Decode(raw)
	if err != nil {
		return auth.Identity{}, err
	}
	if envelope.Type != protocol.TypeAuth {
		return auth.Identity{}, errors.New("first message must be auth")
	}
	payload, err := protocol.DecodePayload[protocol.AuthPayload](envelope)
	if err != nil {
		return auth.Identity{}, err
	}
	return h.tokens.ValidateToken(payload.Token)
}

func (h *Hub) attach(workspaceID string, client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.workspaces[workspaceID]
	if members == nil {
		members = make(map[*hubClient]struct{})
		h.workspaces[workspaceID] = members
	}
	members[client] = struct{}{}
}

func (h *Hub) detach(workspaceID string, client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.workspaces[workspaceID]
	if members == nil {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.workspaces, workspaceID)
	}
}

// broadcast fans an envelope out to every workspace member except the
// sender. Slow consumers are skipped rather than blocking the hub.
func (h *Hub) broadcast(workspaceID string, sender *hubClient, messageType string, payload any) {
	envelope, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		h.logger.Error("broadcast encode failed", zap.String("message_type", messageType), zap.Error(err))
		return
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("broadcast marshal failed", zap.String("message_type", messageType), zap.Error(err))
		return
	}

	h.mu.Lock()
	members := make([]*hubClient, 0, len(h.workspaces[workspaceID]))
	for member := range h.workspaces[workspaceID] {
		if member != sender {
			members = append(members, member)
		}
	}
	h.mu.Unlock()

	for _, member := range members {
		if !member.enqueueRaw(raw) {
			h.logger.Warn("dropping broadcast to slow consumer",
				zap.String("workspace_id", workspaceID),
				zap.String("user_id", member.identity.Subject))
		}
	}
}

func (c *hubClient) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Warn("connection read failed",
					zap.String("user_id", c.identity.Subject),
					zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
		envelope, err := protocol.Decode(raw)
		if err != nil {
			c.hub.logger.Warn("malformed message dropped",
				zap.String("user_id", c.identity.Subject),
				zap.Error(err))
			continue
		}
		c.dispatch(envelope)
	}
}

func (c *hubClient) writePump() {
	pingInterval := (defaultPongWait * 9) / 10
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.hub.done:
			return
		}
	}
}

func (c *hubClient) dispatch(envelope protocol.Envelope) {
	switch envelope.Type {
	case protocol.TypeJoinWorkspace, protocol.TypeJoinRoom:
		c.handleJoin(envelope)
	case protocol.TypeLeaveRoom:
		c.handleLeave(envelope)
	case protocol.TypeModelOperation:
		c.handleOperation(envelope)
	case protocol.TypePresenceUpdate:
		c.handlePresence(envelope)
	case protocol.TypeCursorUpdate:
		c.handleCursor(envelope)
	case protocol.TypeAnnotationAdd:
		c.handleAnnotationAdd(envelope)
	case protocol.TypeAnnotationResolve:
		c.handleAnnotationResolve(envelope)
	case protocol.TypeConflict:
		c.handleConflict(envelope)
	case protocol.TypePing, protocol.TypeHeartbeat:
		c.handleHeartbeat(envelope)
	case protocol.TypeSyncState:
		c.handleSyncState(envelope)
	default:
		c.hub.logger.Warn("unknown message type ignored",
			zap.String("message_type", envelope.Type),
			zap.String("user_id", c.identity.Subject))
	}
}

func (c *hubClient) handleJoin(envelope protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.JoinPayload](envelope)
	if err != nil {
		c.reject("malformed_join", err)
		return
	}
	workspaceID, err := workspace.NewWorkspaceID(payload.WorkspaceID)
	if err != nil {
		c.reject("invalid_workspace_id", err)
		return
	}
	userInfo := payload.UserInfo
	userInfo.UserID = c.identity.Subject
	if userInfo.Name == "" {
		userInfo.Name = c.identity.DisplayName
	}
	snapshot, err := c.hub.registry.Join(workspaceID, userInfo, workspace.JoinOptions{
		WorkspaceName: payload.WorkspaceName,
		Capabilities:  payload.Capabilities,
		Location:      payload.Location,
	})
	if err != nil {
		c.reject("join_failed", err)
		return
	}

	c.mu.Lock()
	c.joined[workspaceID.String()] = struct{}{}
	c.mu.Unlock()
	c.hub.attach(workspaceID.String(), c)

	c.enqueueEnvelope(protocol.TypeJoined, protocol.JoinedPayload{Snapshot: snapshot})
	session, err := c.hub.registry.SessionFor(workspaceID, workspace.UserID(c.identity.Subject))
	if err == nil {
		c.hub.broadcast(workspaceID.String(), c, protocol.TypeUserJoined, workspace.MemberEvent{
			WorkspaceID: workspaceID.String(),
			Session:     session,
		})
	}
}

func (c *hubClient) handleLeave(envelope protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.LeavePayload](envelope)
	if err != nil {
		c.reject("malformed_leave", err)
		return
	}
	c.leaveWorkspace(payload.WorkspaceID, workspace.LeaveReasonExplicit)
}

func (c *hubClient) handleOperation(envelope protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.OperationPayload](envelope)
	if err != nil {
		c.reject("malformed_operation", err)
		return
	}
	operation := payload.Operation
	operation.UserID = c.identity.Subject
	workspaceID, err := workspace.NewWorkspaceID(payload.WorkspaceID)
	if err != nil {
		c.reject("invalid_workspace_id", err)
		return
	}
	model, err := c.hub.registry.ApplyOperation(workspaceID, operation)
	if err != nil {
		c.reject("operation_rejected", err)
		return
	}
	c.persistSnapshot(payload.WorkspaceID, model)
	c.hub.broadcast(payload.WorkspaceID, c, protocol.TypeModelUpdate, protocol.OperationPayload{
		WorkspaceID: payload.WorkspaceID,
		Operation:   operation,
	})
}

func (c *hubClient) persistSnapshot(workspaceID string, model workspace.SharedModel) {
	if c.hub.snapshots == nil {
		return
	}
	raw, err := json.Marshal(model.Data)
	if err != nil {
		c.hub.logger.Error("snapshot encode failed",
			zap.String("model_id", model.ModelID),
			zap.Error(err))
		return
	}
	err = c.hub.snapshots.Save(context.Background(), snapshots.ModelSnapshot{
		WorkspaceID: workspaceID,
		ModelID:     model.ModelID,
		PayloadJSON: string(raw),
		Version:     model.Version,
	})
	if err != nil {
		c.hub.logger.Error("snapshot save failed",
			zap.String("model_id", model.ModelID),
			zap.Error(err))
	}
}

func (c *hubClient) handlePresence(envelope protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.PresencePayload](envelope)
	if err != nil {
		c.reject("malformed_presence", err)
		return
	}
	if !c.memberOf(payload.WorkspaceID) {
		c.reject("not_joined", errNotJoined)
		return
	}
	userID := c.identity.Subject
	switch payload.Kind {
	case protocol.PresenceKindCursor:
		if payload.Cursor == nil {
			c.reject("malformed_presence", errors.New("cursor payload required"))
			return
		}
		err = c.hub.presence.UpdateCursor(payload.WorkspaceID, userID, *payload.Cursor, payload.Visible)
	case protocol.PresenceKindSelection:
		if payload.Selection == nil {
			c.reject("malformed_presence", errors.New("selection payload required"))
			return
		}
		err = c.hub.presence.UpdateSelection(payload.WorkspaceID, userID, *payload.Selection)
	case protocol.PresenceKindViewport:
		if payload.Viewport == nil {
			c.reject("malformed_presence", errors.New("viewport payload required"))
			return
		}
		err = c.hub.presence.UpdateViewport(payload.WorkspaceID, userID, *payload.Viewport)
	case protocol.PresenceKindStatus:
		err = c.hub.presence.UpdateStatus(payload.WorkspaceID, userID, payload.Status)
	default:
		c.reject("unknown_presence_kind", errors.New(payload.Kind))
		return
	}
	if err != nil {
		c.reject("presence_rejected", err)
		return
	}
	c.hub.broadcast(payload.WorkspaceID, c, protocol.TypePresenceUpdate, payload)
}

func (c *hubClient) handleCursor(envelope protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.PresencePayload](envelope)
	if err != nil {
		c.reject("malformed_cursor", err)
		return
	}
	if payload.Cursor == nil {
		c.reject("malformed_cursor", errors.New("cursor payload required"))
		return
	}
	if !c.memberOf(payload.WorkspaceID) {
		c.reject("not_joined", errNotJoined)
		return
	}
	if err := c.hub.presence.UpdateCursor(payload.WorkspaceID, c.identity.Subject, *payload.Cursor, payload.Visible); err != nil {
		c.reject("cursor_rejected", err)
		return
	}
	c.hub.broadcast(payload.WorkspaceID, c, protocol.TypeCursorUpdate, payload)
}

func (c *hubClient) handleAnnotationAdd(envelope protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.AnnotationAddPayload](envelope)
	if err != nil {
		c.reject("malformed_annotation", err)
		return
	}
	workspaceID, err := workspace.NewWorkspaceID(payload.WorkspaceID)
	if err != nil {
		c.reject("invalid_workspace_id", err)
		return
	}
	annotation, err := c.hub.registry.AddAnnotation(workspaceID, workspace.UserID(c.identity.Subject), workspace.AnnotationRequest{
		ModelID: payload.ModelID,
		Content: payload.Content,
		Target:  payload.Target,
		ReplyTo: payload.ReplyTo,
	})
	if err != nil {
		c.reject("annotation_rejected", err)
		return
	}
	event := workspace.AnnotationEvent{WorkspaceID: payload.WorkspaceID, Annotation: annotation}
	c.enqueueEnvelope(protocol.TypeAnnotationEvent, event)
	c.hub.broadcast(payload.WorkspaceID, c, protocol.TypeAnnotationEvent, event)
}

func (c *hubClient) handleAnnotationResolve(envelope protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.AnnotationResolvePayload](envelope)
	if err != nil {
		c.reject("malformed_annotation", err)
		return
	}
	workspaceID, err := workspace.NewWorkspaceID(payload.WorkspaceID)
	if err != nil {
		c.reject("invalid_workspace_id", err)
		return
	}
	annotation, err := c.hub.registry.ResolveAnnotation(workspaceID, workspace.UserID(c.identity.Subject), payload.AnnotationID)
	if err != nil {
		c.reject("annotation_rejected", err)
		return
	}
	event := workspace.AnnotationEvent{WorkspaceID: payload.WorkspaceID, Annotation: annotation}
	c.enqueueEnvelope(protocol.TypeAnnotationEvent, event)
	c.hub.broadcast(payload.WorkspaceID, c, protocol.TypeAnnotationEvent, event)
}

// handleConflict relays a client-detected conflict to the other workspace
// members so everyone can render the outcome.
func (c *hubClient) handleConflict(envelope protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.ConflictPayload](envelope)
	if err != nil {
		c.reject("malformed_conflict", err)
		return
	}
	if !c.memberOf(payload.WorkspaceID) {
		c.reject("not_joined", errNotJoined)
		return
	}
	c.hub.broadcast(payload.WorkspaceID, c, protocol.TypeConflict, payload)
}

func (c *hubClient) memberOf(workspaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[workspaceID]
	return ok
}

func (c *hubClient) handleHeartbeat(envelope protocol.Envelope) {
	c.mu.Lock()
	joined := make([]string, 0, len(c.joined))
	for workspaceID := range c.joined {
		joined = append(joined, workspaceID)
	}
	c.mu.Unlock()
	for _, workspaceID := range joined {
		if id, err := workspace.NewWorkspaceID(workspaceID); err == nil {
			_ = c.hub.registry.Heartbeat(id, workspace.UserID(c.identity.Subject))
		}
	}
	c.enqueueEnvelope(protocol.TypePong, nil)
}

func (c *hubClient) handleSyncState(envelope protocol.Envelope) {
	payload, err := protocol.DecodePayload[protocol.SyncStateRequest](envelope)
	if err != nil {
		c.reject("malformed_sync_state", err)
		return
	}
	if c.hub.snapshots != nil {
		stored, loadErr := c.hub.snapshots.Load(context.Background(), payload.WorkspaceID, payload.ModelID)
		if loadErr == nil {
			c.enqueueEnvelope(protocol.TypeSyncState, protocol.SyncStatePayload{
				WorkspaceID: payload.WorkspaceID,
				ModelID:     payload.ModelID,
				Data:        json.RawMessage(stored.PayloadJSON),
				Version:     stored.Version,
			})
			return
		}
		if !errors.Is(loadErr, snapshots.ErrSnapshotNotFound) {
			c.hub.logger.Error("snapshot load failed", zap.String("model_id", payload.ModelID), zap.Error(loadErr))
		}
	}

	workspaceID, err := workspace.NewWorkspaceID(payload.WorkspaceID)
	if err != nil {
		c.reject("invalid_workspace_id", err)
		return
	}
	snapshot, err := c.hub.registry.Snapshot(workspaceID)
	if err != nil {
		c.reject("sync_failed", err)
		return
	}
	for _, model := range snapshot.Models {
		if model.ModelID != payload.ModelID {
			continue
		}
		raw, marshalErr := json.Marshal(model.Data)
		if marshalErr != nil {
			c.reject("sync_failed", marshalErr)
			return
		}
		c.enqueueEnvelope(protocol.TypeSyncState, protocol.SyncStatePayload{
			WorkspaceID: payload.WorkspaceID,
			ModelID:     payload.ModelID,
			Data:        raw,
			Version:     model.Version,
		})
		return
	}
	c.reject("model_not_found", errors.New("no state for model "+payload.ModelID))
}

func (c *hubClient) leaveWorkspace(workspaceID string, reason workspace.LeaveReason) {
	id, err := workspace.NewWorkspaceID(workspaceID)
	if err != nil {
		return
	}
	userID := workspace.UserID(c.identity.Subject)
	session, sessionErr := c.hub.registry.SessionFor(id, userID)
	if endErr := c.hub.registry.EndSession(id, userID, reason); endErr != nil {
		return
	}
	c.hub.presence.RemoveUser(workspaceID, c.identity.Subject)

	c.mu.Lock()
	delete(c.joined, workspaceID)
	c.mu.Unlock()
	c.hub.detach(workspaceID, c)

	if sessionErr == nil {
		c.hub.broadcast(workspaceID, c, protocol.TypeUserLeft, workspace.MemberEvent{
			WorkspaceID: workspaceID,
			Session:     session,
			Reason:      reason,
		})
	}
}

// teardown runs when the read pump exits: the user's sessions stay in the
// registry marked offline so a quick reconnect can resume them; the sweep
// ends them for real if the user never comes back.
func (c *hubClient) teardown() {
	c.mu.Lock()
	joined := make([]string, 0, len(c.joined))
	for workspaceID := range c.joined {
		joined = append(joined, workspaceID)
	}
	c.joined = make(map[string]struct{})
	c.mu.Unlock()

	for _, workspaceID := range joined {
		c.hub.detach(workspaceID, c)
		if id, err := workspace.NewWorkspaceID(workspaceID); err == nil {
			_ = c.hub.registry.SetOnline(id, workspace.UserID(c.identity.Subject), false)
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

func (c *hubClient) reject(code string, err error) {
	c.hub.logger.Warn("request rejected",
		zap.String("code", code),
		zap.String("user_id", c.identity.Subject),
		zap.Error(err))
	c.enqueueEnvelope(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: err.Error()})
}

func (c *hubClient) enqueueEnvelope(messageType string, payload any) {
	envelope, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		c.hub.logger.Error("envelope encode failed", zap.String("message_type", messageType), zap.Error(err))
		return
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if !c.enqueueRaw(raw) {
		c.hub.logger.Warn("dropping reply to slow consumer", zap.String("user_id", c.identity.Subject))
	}
}

// enqueueRaw buffers an outbound frame, reporting false when the client is
// gone or its buffer is full.
func (c *hubClient) enqueueRaw(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}
