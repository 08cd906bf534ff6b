package workspace

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidWorkspaceID indicates an empty or oversized workspace identifier.
	ErrInvalidWorkspaceID = errors.New("workspace: invalid workspace id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("workspace: invalid user id")
	// ErrInvalidModelID indicates an empty or oversized model identifier.
	ErrInvalidModelID = errors.New("workspace: invalid model id")
	// ErrInvalidAnnotation indicates a structurally invalid annotation request.
	ErrInvalidAnnotation = errors.New("workspace: invalid annotation")
)

// WorkspaceID represents a validated workspace identifier.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWorkspaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWorkspaceID, maxIdentifierLength)
	}
	return WorkspaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// SessionStatus enumerates the activity states of a session.
type SessionStatus string

const (
	// SessionStatusActive marks a session with recent activity.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusIdle marks a session past the inactivity timeout.
	SessionStatusIdle SessionStatus = "idle"
)

// LeaveReason explains why a session ended.
type LeaveReason string

const (
	// LeaveReasonExplicit is a user-initiated leave.
	LeaveReasonExplicit LeaveReason = "leave"
	// LeaveReasonTimeout is a hard-timeout forced session end.
	LeaveReasonTimeout LeaveReason = "timeout"
	// LeaveReasonDisconnect is a dropped connection without a leave message.
	LeaveReasonDisconnect LeaveReason = "disconnect"
)

// UserInfo carries the display identity attached to a session.
type UserInfo struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar,omitempty"`
	Role      string `json:"role,omitempty"`
	Color     string `json:"color,omitempty"`
}

// Capabilities gates what a session may do inside a workspace.
type Capabilities struct {
	CanEdit    bool `json:"canEdit"`
	CanComment bool `json:"canComment"`
	CanShare   bool `json:"canShare"`
}

// Connection captures the transport-level liveness of a session.
type Connection struct {
	ConnectionID  string    `json:"connectionId"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	IsOnline      bool      `json:"isOnline"`
}

// Session is the membership record for one (user, workspace) pair.
type Session struct {
	SessionID    string        `json:"sessionId"`
	UserID       string        `json:"userId"`
	WorkspaceID  string        `json:"workspaceId"`
	UserInfo     UserInfo      `json:"userInfo"`
	Status       SessionStatus `json:"status"`
	Location     string        `json:"location,omitempty"`
	JoinedAt     time.Time     `json:"joinedAt"`
	LastActivity time.Time     `json:"lastActivity"`
	Capabilities Capabilities  `json:"capabilities"`
	Connection   Connection    `json:"connection"`
}

// SharedModel is a versioned, permissioned container for one financial
// model's collaborative state. Data holds cell values keyed by element id;
// the payload shape is opaque to the registry.
type SharedModel struct {
	ModelID        string         `json:"modelId"`
	WorkspaceID    string         `json:"workspaceId"`
	Name           string         `json:"name"`
	Data           map[string]any `json:"data"`
	Version        int64          `json:"version"`
	SharedBy       string         `json:"sharedBy"`
	LastModifiedBy string         `json:"lastModifiedBy"`
	LastModified   time.Time      `json:"lastModified"`
}

// Annotation is a positioned, threaded comment attached to a model element.
// Replies reference their root through ReplyTo and share the same shape.
type Annotation struct {
	AnnotationID string       `json:"annotationId"`
	WorkspaceID  string       `json:"workspaceId"`
	ModelID      string       `json:"modelId"`
	Content      string       `json:"content"`
	Target       string       `json:"target"`
	CreatedBy    string       `json:"createdBy"`
	CreatedAt    time.Time    `json:"createdAt"`
	Resolved     bool         `json:"resolved"`
	ReplyTo      string       `json:"replyTo,omitempty"`
	Replies      []Annotation `json:"replies,omitempty"`
}

// Settings carries per-workspace collaboration tunables.
type Settings struct {
	ConflictStrategy string `json:"conflictStrategy,omitempty"`
}

// Snapshot is the state handed to a late joiner so it can synchronize.
type Snapshot struct {
	WorkspaceID string        `json:"workspaceId"`
	Name        string        `json:"name"`
	CreatedBy   string        `json:"createdBy"`
	Members     []Session     `json:"members"`
	Models      []SharedModel `json:"sharedModels"`
	Annotations []Annotation  `json:"annotations"`
	Settings    Settings      `json:"settings"`
}

type workspaceState struct {
	workspaceID string
	name        string
	createdBy   string
	createdAt   time.Time
	sessions    map[string]*Session
	models      map[string]*SharedModel
	annotations map[string]*Annotation
	settings    Settings
}
