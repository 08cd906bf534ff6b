package client

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/calc"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/events"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/transport"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/workspace"
	"go.uber.org/zap"
)

var (
	errMissingWorkspaceID = errors.New("client: workspace id is required")
	errMissingUserID      = errors.New("client: user id is required")
)

// SessionConfig describes one user's connection to a workspace.
type SessionConfig struct {
	ServerURL    string
	Token        string
	WorkspaceID  string
	UserID       string
	DisplayName  string
	Capabilities workspace.Capabilities
	Strategy     collab.ConflictStrategy
	Applier      collab.Applier
	Graph        *calc.DependencyGraph
	Dialer       transport.Dialer
	OnSyncState  func(protocol.SyncStatePayload)

	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	QueueMaxAge          time.Duration

	Clock  func() time.Time
	Bus    *events.Bus
	Logger *zap.Logger
}

// Session composes the channel, the operation log and the dependency graph
// into one user's live view of a workspace. Local edits are applied
// optimistically, recorded as pending and broadcast; remote operations come
// back off the channel, are transformed against the pending buffer, and only
// then touch model state.
type Session struct {
	workspaceID  string
	userID       string
	displayName  string
	capabilities workspace.Capabilities

	channel     *transport.Channel
	log         *collab.Log
	graph       *calc.DependencyGraph
	onSyncState func(protocol.SyncStatePayload)
	clock       func() time.Time
	logger      *zap.Logger
}

// NewSession validates the configuration and wires the collaborators.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.WorkspaceID == "" {
		return nil, errMissingWorkspaceID
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	graph := cfg.Graph
	if graph == nil {
		graph = calc.NewDependencyGraph()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	log, err := collab.NewLog(collab.LogConfig{
		LocalUserID: cfg.UserID,
		Strategy:    cfg.Strategy,
		Clock:       cfg.Clock,
		Applier:     cfg.Applier,
		Impact:      graph,
		Bus:         cfg.Bus,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	session := &Session{
		workspaceID:  cfg.WorkspaceID,
		userID:       cfg.UserID,
		displayName:  cfg.DisplayName,
		capabilities: cfg.Capabilities,
		log:          log,
		graph:        graph,
		onSyncState:  cfg.OnSyncState,
		clock:        clock,
		logger:       logger,
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = transport.WebsocketDialer{}
	}
	channel, err := transport.NewChannel(transport.ChannelConfig{
		URL:                  cfg.ServerURL,
		Token:                cfg.Token,
		Dialer:               dialer,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		QueueMaxAge:          cfg.QueueMaxAge,
		Clock:                cfg.Clock,
		Bus:                  cfg.Bus,
		OnMessage:            session.handleInbound,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}
	session.channel = channel
	return session, nil
}

// Start opens the channel and requests workspace membership. The join frame
// rides the offline queue while the channel is still connecting, so Start
// never blocks on the dial.
func (s *Session) Start(ctx context.Context) error {
	s.channel.Connect(ctx)
	join, err := protocol.NewEnvelope(protocol.TypeJoinWorkspace, protocol.JoinPayload{
		WorkspaceID:  s.workspaceID,
		UserInfo:     workspace.UserInfo{UserID: s.userID, Name: s.displayName},
		Capabilities: s.capabilities,
	})
	if err != nil {
		return err
	}
	s.channel.Send(join)
	return nil
}

// Stop leaves the workspace and closes the channel without reconnecting.
func (s *Session) Stop() {
	if leave, err := protocol.NewEnvelope(protocol.TypeLeaveRoom, protocol.LeavePayload{WorkspaceID: s.workspaceID}); err == nil {
		s.channel.Send(leave)
	}
	s.channel.Disconnect()
}

// ConnectionState reports the underlying channel state.
func (s *Session) ConnectionState() transport.State {
	return s.channel.State()
}

// EditCell applies a local cell edit and broadcasts it.
func (s *Session) EditCell(modelID, cellID string, oldValue, newValue any) (collab.LocalOutcome, error) {
	operation, err := collab.NewOperation(collab.OperationConfig{
		Type:        collab.OperationTypeEdit,
		TargetID:    cellID,
		UserID:      s.userID,
		ModelID:     modelID,
		TimestampMS: s.clock().UnixMilli(),
		Payload:     collab.OperationPayload{NewValue: newValue, OldValue: oldValue},
	})
	if err != nil {
		return collab.LocalOutcome{}, err
	}
	return s.submit(operation)
}

// EditFormula applies a local formula edit, registering the cells it reads
// so impact analysis covers the downstream closure.
func (s *Session) EditFormula(modelID, cellID, formula string, newValue any, dependencies []string) (collab.LocalOutcome, error) {
	if err := s.graph.RegisterDependencies(modelID, cellID, dependencies); err != nil {
		return collab.LocalOutcome{}, err
	}
	operation, err := collab.NewOperation(collab.OperationConfig{
		Type:        collab.OperationTypeFormulaEdit,
		TargetID:    cellID,
		UserID:      s.userID,
		ModelID:     modelID,
		TimestampMS: s.clock().UnixMilli(),
		Payload: collab.OperationPayload{
			NewValue:     newValue,
			Formula:      formula,
			Dependencies: dependencies,
		},
	})
	if err != nil {
		return collab.LocalOutcome{}, err
	}
	return s.submit(operation)
}

// ChangeAssumption applies a local assumption change and broadcasts it.
func (s *Session) ChangeAssumption(modelID, assumptionID string, oldValue, newValue any) (collab.LocalOutcome, error) {
	operation, err := collab.NewOperation(collab.OperationConfig{
		Type:        collab.OperationTypeAssumptionChange,
		TargetID:    assumptionID,
		UserID:      s.userID,
		ModelID:     modelID,
		TimestampMS: s.clock().UnixMilli(),
		Payload:     collab.OperationPayload{NewValue: newValue, OldValue: oldValue},
	})
	if err != nil {
		return collab.LocalOutcome{}, err
	}
	return s.submit(operation)
}

func (s *Session) submit(operation collab.Operation) (collab.LocalOutcome, error) {
	outcome, err := s.log.ApplyLocal(operation)
	if err != nil {
		return collab.LocalOutcome{}, err
	}
	envelope, err := protocol.NewEnvelope(protocol.TypeModelOperation, protocol.OperationPayload{
		WorkspaceID: s.workspaceID,
		Operation:   outcome.Operation,
	})
	if err != nil {
		return collab.LocalOutcome{}, err
	}
	s.channel.Send(envelope)
	return outcome, nil
}

// UpdateCursor shares the caller's cursor position with the workspace.
func (s *Session) UpdateCursor(position presence.CursorPosition, visible bool) {
	envelope, err := protocol.NewEnvelope(protocol.TypeCursorUpdate, protocol.PresencePayload{
		WorkspaceID: s.workspaceID,
		Kind:        protocol.PresenceKindCursor,
		Cursor:      &position,
		Visible:     visible,
	})
	if err != nil {
		return
	}
	s.channel.Send(envelope)
}

// RequestSync asks the server for the authoritative state of a model.
func (s *Session) RequestSync(modelID string) {
	envelope, err := protocol.NewEnvelope(protocol.TypeSyncState, protocol.SyncStateRequest{
		WorkspaceID: s.workspaceID,
		ModelID:     modelID,
	})
	if err != nil {
		return
	}
	s.channel.Send(envelope)
}

// ResolveConflict commits or discards a parked operation by id.
func (s *Session) ResolveConflict(operationID string, accept bool) (collab.RemoteOutcome, error) {
	return s.log.ResolveParked(operationID, accept)
}

// PendingCount reports how many local edits await acknowledgement.
func (s *Session) PendingCount() int {
	return s.log.PendingCount()
}

// ParkedOperations returns the operations awaiting manual resolution.
func (s *Session) ParkedOperations() []collab.Operation {
	return s.log.ParkedOperations()
}

func (s *Session) handleInbound(envelope protocol.Envelope) {
	switch envelope.Type {
	case protocol.TypeModelUpdate, protocol.TypeModelOperation:
		payload, err := protocol.DecodePayload[protocol.OperationPayload](envelope)
		if err != nil {
			s.logger.Warn("malformed remote operation dropped", zap.Error(err))
			return
		}
		outcome, err := s.log.ReceiveRemote(payload.Operation)
		if err != nil {
			s.logger.Warn("remote operation rejected",
				zap.String("operation_id", payload.Operation.ID),
				zap.Error(err))
			return
		}
		for _, record := range outcome.Conflicts {
			s.reportConflict(record)
		}
	case protocol.TypeSyncState:
		payload, err := protocol.DecodePayload[protocol.SyncStatePayload](envelope)
		if err != nil {
			s.logger.Warn("malformed sync state dropped", zap.Error(err))
			return
		}
		if s.onSyncState != nil {
			s.onSyncState(payload)
		}
	case protocol.TypeError:
		if payload, err := protocol.DecodePayload[protocol.ErrorPayload](envelope); err == nil {
			s.logger.Warn("server rejected request",
				zap.String("code", payload.Code),
				zap.String("message", payload.Message))
		}
	default:
		// joined, user_joined, pong and friends carry no local model state.
	}
}

// reportConflict surfaces a conflict pair to the workspace so peers can
// render the outcome. The event bus delivery happens inside the log.
func (s *Session) reportConflict(record collab.ConflictRecord) {
	envelope, err := protocol.NewEnvelope(protocol.TypeConflict, protocol.ConflictPayload{
		WorkspaceID: s.workspaceID,
		Record:      record,
	})
	if err != nil {
		return
	}
	s.channel.Send(envelope)
}
