package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/workspace"
)

// Message types recognized on the collaboration channel. Unknown types are
// logged and ignored for forward compatibility.
const (
	TypeAuth              = "auth"
	TypeAuthSuccess       = "auth_success"
	TypeJoinWorkspace     = "join_workspace"
	TypeJoinRoom          = "join_room"
	TypeJoined            = "joined"
	TypeLeaveRoom         = "leave_room"
	TypeModelOperation    = "model_operation"
	TypePresenceUpdate    = "presence_update"
	TypeCursorUpdate      = "cursor_update"
	TypeAnnotationAdd     = "annotation_add"
	TypeAnnotationResolve = "annotation_resolve"
	TypeAnnotationEvent   = "annotation_event"
	TypePing              = "ping"
	TypeHeartbeat         = "heartbeat"
	TypePong              = "pong"
	TypeSyncState         = "sync_state"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeModelUpdate       = "model_update"
	TypeConflict          = "conflict_detected"
	TypeError             = "error"
)

// ErrMalformedMessage indicates an envelope that could not be decoded.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// Envelope is the wire frame for every collaboration message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals the payload into an envelope of the given type.
func NewEnvelope(messageType string, payload any) (Envelope, error) {
	if messageType == "" {
		return Envelope{}, fmt.Errorf("%w: empty type", ErrMalformedMessage)
	}
	if payload == nil {
		return Envelope{Type: messageType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return Envelope{Type: messageType, Payload: raw}, nil
}

// Decode parses raw bytes into an envelope.
func Decode(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return envelope, nil
}

// DecodePayload parses an envelope's payload into the target type.
func DecodePayload[T any](envelope Envelope) (T, error) {
	var payload T
	if len(envelope.Payload) == 0 {
		return payload, fmt.Errorf("%w: empty payload for %s", ErrMalformedMessage, envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return payload, nil
}

// AuthPayload carries the opaque bearer token sent immediately on open.
type AuthPayload struct {
	Token string `json:"token"`
}

// JoinPayload asks to join a workspace.
type JoinPayload struct {
	WorkspaceID   string                 `json:"workspaceId"`
	WorkspaceName string                 `json:"workspaceName,omitempty"`
	UserInfo      workspace.UserInfo     `json:"userInfo"`
	Capabilities  workspace.Capabilities `json:"capabilities"`
	Location      string                 `json:"location,omitempty"`
}

// JoinedPayload returns the workspace snapshot to a late joiner.
type JoinedPayload struct {
	Snapshot workspace.Snapshot `json:"snapshot"`
}

// LeavePayload asks to leave a workspace.
type LeavePayload struct {
	WorkspaceID string `json:"workspaceId"`
}

// OperationPayload carries a model operation.
type OperationPayload struct {
	WorkspaceID string           `json:"workspaceId"`
	Operation   collab.Operation `json:"operation"`
}

// PresencePayload carries a presence mutation. Kind selects which of the
// optional fields is meaningful.
type PresencePayload struct {
	WorkspaceID string                   `json:"workspaceId"`
	Kind        string                   `json:"kind"`
	Cursor      *presence.CursorPosition `json:"cursor,omitempty"`
	Visible     bool                     `json:"visible,omitempty"`
	Selection   *presence.Selection      `json:"selection,omitempty"`
	Viewport    *presence.ViewportBounds `json:"viewport,omitempty"`
	Status      string                   `json:"status,omitempty"`
}

// Presence kinds accepted inside a presence_update payload.
const (
	PresenceKindCursor    = "cursor"
	PresenceKindSelection = "selection"
	PresenceKindViewport  = "viewport"
	PresenceKindStatus    = "status"
)

// AnnotationAddPayload creates an annotation or reply.
type AnnotationAddPayload struct {
	WorkspaceID string `json:"workspaceId"`
	ModelID     string `json:"modelId"`
	Content     string `json:"content"`
	Target      string `json:"target"`
	ReplyTo     string `json:"replyTo,omitempty"`
}

// AnnotationResolvePayload resolves an annotation.
type AnnotationResolvePayload struct {
	WorkspaceID  string `json:"workspaceId"`
	AnnotationID string `json:"annotationId"`
}

// SyncStateRequest asks for the authoritative snapshot of a model.
type SyncStateRequest struct {
	WorkspaceID string `json:"workspaceId"`
	ModelID     string `json:"modelId"`
}

// SyncStatePayload returns full model state plus version for catch-up.
type SyncStatePayload struct {
	WorkspaceID string          `json:"workspaceId"`
	ModelID     string          `json:"modelId"`
	Data        json.RawMessage `json:"data"`
	Version     int64           `json:"version"`
}

// ConflictPayload surfaces a resolved or parked conflict pair to the rest
// of the workspace.
type ConflictPayload struct {
	WorkspaceID string                `json:"workspaceId"`
	Record      collab.ConflictRecord `json:"record"`
}

// ErrorPayload reports a rejected request back to the sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
