package workspace

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/events"
	"go.uber.org/zap"
)

var (
	// ErrWorkspaceNotFound indicates an unknown workspace identifier.
	ErrWorkspaceNotFound = errors.New("workspace: not found")
	// ErrSessionNotFound indicates the user has no session in the workspace.
	ErrSessionNotFound = errors.New("workspace: session not found")
	// ErrModelNotFound indicates an unknown shared model identifier.
	ErrModelNotFound = errors.New("workspace: model not found")
	// ErrAnnotationNotFound indicates an unknown annotation identifier.
	ErrAnnotationNotFound = errors.New("workspace: annotation not found")
	// ErrPermissionDenied indicates a mutation attempted without capability.
	ErrPermissionDenied = errors.New("workspace: permission denied")
	// ErrStaleModelVersion indicates an update against an outdated version.
	ErrStaleModelVersion = errors.New("workspace: stale model version")

	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opJoin              = "workspace.join"
	opLeave             = "workspace.leave"
	opEndSession        = "workspace.end_session"
	opShareModel        = "workspace.share_model"
	opUpdateModel       = "workspace.update_model"
	opApplyOperation    = "workspace.apply_operation"
	opAddAnnotation     = "workspace.add_annotation"
	opResolveAnnotation = "workspace.resolve_annotation"
)

// RegistryError carries an operation.reason code alongside the cause.
type RegistryError struct {
	code string
	err  error
}

func (e *RegistryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RegistryError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *RegistryError) Code() string {
	return e.code
}

func newRegistryError(operation, reason string, cause error) error {
	return &RegistryError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// MemberEvent rides user_joined / user_left events.
type MemberEvent struct {
	WorkspaceID string
	Session     Session
	Reason      LeaveReason
}

// ModelEvent rides model_shared / model_update events.
type ModelEvent struct {
	WorkspaceID string
	Model       SharedModel
	UpdatedBy   string
}

// AnnotationEvent rides annotation_added / annotation_resolved events.
type AnnotationEvent struct {
	WorkspaceID string
	Annotation  Annotation
}

// RegistryConfig describes the collaborators required to build a Registry.
type RegistryConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
	Bus        *events.Bus
	Logger     *zap.Logger
}

// Registry is the aggregate root for workspaces, sessions, shared models and
// annotations. Every mutation is serialized through the registry's lock; no
// other component mutates Session or SharedModel state directly.
type Registry struct {
	mu         sync.Mutex
	workspaces map[string]*workspaceState
	clock      func() time.Time
	idProvider IDProvider
	bus        *events.Bus
	logger     *zap.Logger
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.IDProvider == nil {
		return nil, newRegistryError("workspace.registry.new", "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		workspaces: make(map[string]*workspaceState),
		clock:      clock,
		idProvider: cfg.IDProvider,
		bus:        cfg.Bus,
		logger:     logger,
	}, nil
}

// JoinOptions tunes workspace membership on join.
type JoinOptions struct {
	WorkspaceName string
	Capabilities  Capabilities
	ConnectionID  string
	Location      string
}

// Join creates the workspace on first join and a session for the caller.
// Joining again with the same (user, workspace) pair refreshes the existing
// session instead of duplicating it. The returned snapshot lets a late
// joiner synchronize state.
func (r *Registry) Join(workspaceID WorkspaceID, user UserInfo, opts JoinOptions) (Snapshot, error) {
	userID, err := NewUserID(user.UserID)
	if err != nil {
		return Snapshot{}, newRegistryError(opJoin, "invalid_user_id", err)
	}

	r.mu.Lock()
	now := r.clock().UTC()
	state := r.workspaces[workspaceID.String()]
	created := false
	if state == nil {
		name := opts.WorkspaceName
		if name == "" {
			name = workspaceID.String()
		}
		state = &workspaceState{
			workspaceID: workspaceID.String(),
			name:        name,
			createdBy:   userID.String(),
			createdAt:   now,
			sessions:    make(map[string]*Session),
			models:      make(map[string]*SharedModel),
			annotations: make(map[string]*Annotation),
		}
		r.workspaces[workspaceID.String()] = state
		created = true
	}

	session := state.sessions[userID.String()]
	rejoined := session != nil
	if session == nil {
		sessionID, idErr := r.idProvider.NewID()
		if idErr != nil {
			r.mu.Unlock()
			r.logError(opJoin, "id_generation_failed", idErr, zap.String("workspace_id", workspaceID.String()))
			return Snapshot{}, newRegistryError(opJoin, "id_generation_failed", idErr)
		}
		session = &Session{
			SessionID:   sessionID,
			UserID:      userID.String(),
			WorkspaceID: workspaceID.String(),
			JoinedAt:    now,
		}
		state.sessions[userID.String()] = session
	}
	session.UserInfo = user
	session.Status = SessionStatusActive
	session.Location = opts.Location
	session.LastActivity = now
	session.Capabilities = opts.Capabilities
	session.Connection = Connection{
		ConnectionID:  opts.ConnectionID,
		LastHeartbeat: now,
		IsOnline:      true,
	}

	snapshot := snapshotLocked(state)
	joined := *session
	r.mu.Unlock()

	r.logger.Info("workspace joined",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("user_id", userID.String()),
		zap.Bool("workspace_created", created),
		zap.Bool("rejoined", rejoined))
	if r.bus != nil && !rejoined {
		r.bus.Publish(events.EventUserJoined, MemberEvent{WorkspaceID: workspaceID.String(), Session: joined})
	}
	return snapshot, nil
}

// Leave removes the caller's session. The workspace is torn down when the
// last member leaves.
func (r *Registry) Leave(workspaceID WorkspaceID, userID UserID) error {
	return r.endSession(opLeave, workspaceID, userID, LeaveReasonExplicit)
}

// EndSession removes a session for a non-user-initiated reason, such as a
// hard timeout or a dropped connection.
func (r *Registry) EndSession(workspaceID WorkspaceID, userID UserID, reason LeaveReason) error {
	return r.endSession(opEndSession, workspaceID, userID, reason)
}

func (r *Registry) endSession(operation string, workspaceID WorkspaceID, userID UserID, reason LeaveReason) error {
	r.mu.Lock()
	state := r.workspaces[workspaceID.String()]
	if state == nil {
		r.mu.Unlock()
		return newRegistryError(operation, "workspace_not_found", ErrWorkspaceNotFound)
	}
	session := state.sessions[userID.String()]
	if session == nil {
		r.mu.Unlock()
		return newRegistryError(operation, "session_not_found", ErrSessionNotFound)
	}
	delete(state.sessions, userID.String())
	tornDown := len(state.sessions) == 0
	if tornDown {
		delete(r.workspaces, workspaceID.String())
	}
	ended := *session
	r.mu.Unlock()

	r.logger.Info("workspace session ended",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("user_id", userID.String()),
		zap.String("reason", string(reason)),
		zap.Bool("workspace_torn_down", tornDown))
	if r.bus != nil {
		r.bus.Publish(events.EventUserLeft, MemberEvent{WorkspaceID: workspaceID.String(), Session: ended, Reason: reason})
		if reason == LeaveReasonTimeout {
			r.bus.Publish(events.EventSessionTimeout, MemberEvent{WorkspaceID: workspaceID.String(), Session: ended, Reason: reason})
		}
	}
	return nil
}

// Touch records user activity: the session becomes active and its activity
// and heartbeat clocks reset.
func (r *Registry) Touch(workspaceID WorkspaceID, userID UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.sessionLocked(workspaceID, userID)
	if err != nil {
		return err
	}
	now := r.clock().UTC()
	session.Status = SessionStatusActive
	session.LastActivity = now
	session.Connection.LastHeartbeat = now
	return nil
}

// Heartbeat records transport liveness without marking the user active.
func (r *Registry) Heartbeat(workspaceID WorkspaceID, userID UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.sessionLocked(workspaceID, userID)
	if err != nil {
		return err
	}
	session.Connection.LastHeartbeat = r.clock().UTC()
	session.Connection.IsOnline = true
	return nil
}

// SetOnline flips the connection liveness flag for a session.
func (r *Registry) SetOnline(workspaceID WorkspaceID, userID UserID, online bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.sessionLocked(workspaceID, userID)
	if err != nil {
		return err
	}
	session.Connection.IsOnline = online
	return nil
}

// SweepSessions applies the idle state machine: sessions inactive past
// inactiveTimeout become idle, and sessions whose heartbeat is older than
// twice the timeout are ended with reason timeout. Ended sessions are
// reported back to the caller.
func (r *Registry) SweepSessions(now time.Time, inactiveTimeout time.Duration) []Session {
	type expiry struct {
		workspaceID WorkspaceID
		userID      UserID
	}

	r.mu.Lock()
	var expired []expiry
	var endedCopies []Session
	for _, state := range r.workspaces {
		for _, session := range state.sessions {
			if now.Sub(session.Connection.LastHeartbeat) > 2*inactiveTimeout {
				expired = append(expired, expiry{
					workspaceID: WorkspaceID(state.workspaceID),
					userID:      UserID(session.UserID),
				})
				endedCopies = append(endedCopies, *session)
				continue
			}
			if session.Status == SessionStatusActive && now.Sub(session.LastActivity) > inactiveTimeout {
				session.Status = SessionStatusIdle
			}
		}
	}
	r.mu.Unlock()

	for _, entry := range expired {
		if err := r.EndSession(entry.workspaceID, entry.userID, LeaveReasonTimeout); err != nil {
			r.logError(opEndSession, "sweep_end_failed", err,
				zap.String("workspace_id", entry.workspaceID.String()),
				zap.String("user_id", entry.userID.String()))
		}
	}
	return endedCopies
}

// ShareModel publishes a model into the workspace. Sharing requires the
// canShare capability.
func (r *Registry) ShareModel(workspaceID WorkspaceID, userID UserID, modelID, name string, data map[string]any) (SharedModel, error) {
	r.mu.Lock()
	session, err := r.sessionLocked(workspaceID, userID)
	if err != nil {
		r.mu.Unlock()
		return SharedModel{}, err
	}
	if !session.Capabilities.CanShare {
		r.mu.Unlock()
		return SharedModel{}, newRegistryError(opShareModel, "permission_denied", ErrPermissionDenied)
	}
	if modelID == "" {
		r.mu.Unlock()
		return SharedModel{}, newRegistryError(opShareModel, "invalid_model_id", ErrInvalidModelID)
	}

	state := r.workspaces[workspaceID.String()]
	now := r.clock().UTC()
	model := state.models[modelID]
	if model == nil {
		model = &SharedModel{
			ModelID:     modelID,
			WorkspaceID: workspaceID.String(),
			SharedBy:    userID.String(),
		}
		state.models[modelID] = model
	}
	model.Name = name
	model.Data = cloneData(data)
	model.Version++
	model.LastModifiedBy = userID.String()
	model.LastModified = now
	shared := *model
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.EventModelShared, ModelEvent{WorkspaceID: workspaceID.String(), Model: shared, UpdatedBy: userID.String()})
	}
	return shared, nil
}

// UpdateModel mutates a shared model after a capability and version check.
// baseVersion is the optimistic-concurrency token: an update against a stale
// version is rejected so the caller refetches before retrying.
func (r *Registry) UpdateModel(workspaceID WorkspaceID, userID UserID, modelID string, changes map[string]any, baseVersion int64) (SharedModel, error) {
	r.mu.Lock()
	session, err := r.sessionLocked(workspaceID, userID)
	if err != nil {
		r.mu.Unlock()
		return SharedModel{}, err
	}
	state := r.workspaces[workspaceID.String()]
	model := state.models[modelID]
	if model == nil {
		r.mu.Unlock()
		return SharedModel{}, newRegistryError(opUpdateModel, "model_not_found", ErrModelNotFound)
	}
	if !session.Capabilities.CanEdit && model.SharedBy != userID.String() {
		r.mu.Unlock()
		return SharedModel{}, newRegistryError(opUpdateModel, "permission_denied", ErrPermissionDenied)
	}
	if baseVersion != model.Version {
		r.mu.Unlock()
		return SharedModel{}, newRegistryError(opUpdateModel, "stale_version",
			fmt.Errorf("%w: have %d, got %d", ErrStaleModelVersion, model.Version, baseVersion))
	}

	if model.Data == nil {
		model.Data = make(map[string]any)
	}
	for key, value := range changes {
		model.Data[key] = value
	}
	model.Version++
	model.LastModifiedBy = userID.String()
	model.LastModified = r.clock().UTC()
	session.LastActivity = r.clock().UTC()
	updated := *model
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.EventModelUpdate, ModelEvent{WorkspaceID: workspaceID.String(), Model: updated, UpdatedBy: userID.String()})
	}
	return updated, nil
}

// ApplyOperation applies an accepted collaboration operation to the targeted
// model and increments its version. The operation's user must hold an
// editing session in the workspace.
func (r *Registry) ApplyOperation(workspaceID WorkspaceID, op collab.Operation) (SharedModel, error) {
	r.mu.Lock()
	session, err := r.sessionLocked(workspaceID, UserID(op.UserID))
	if err != nil {
		r.mu.Unlock()
		return SharedModel{}, err
	}
	if !session.Capabilities.CanEdit {
		r.mu.Unlock()
		return SharedModel{}, newRegistryError(opApplyOperation, "permission_denied", ErrPermissionDenied)
	}

	state := r.workspaces[workspaceID.String()]
	model := state.models[op.ModelID]
	if model == nil {
		r.mu.Unlock()
		return SharedModel{}, newRegistryError(opApplyOperation, "model_not_found", ErrModelNotFound)
	}
	if model.Data == nil {
		model.Data = make(map[string]any)
	}
	switch op.Type {
	case collab.OperationTypeFormulaEdit:
		model.Data[op.TargetID] = map[string]any{
			"formula": op.Payload.Formula,
			"value":   op.Payload.NewValue,
		}
	default:
		model.Data[op.TargetID] = op.Payload.NewValue
	}
	model.Version++
	model.LastModifiedBy = op.UserID
	model.LastModified = r.clock().UTC()
	session.LastActivity = r.clock().UTC()
	updated := *model
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.EventModelUpdate, ModelEvent{WorkspaceID: workspaceID.String(), Model: updated, UpdatedBy: op.UserID})
	}
	return updated, nil
}

// AnnotationRequest describes a new annotation or reply.
type AnnotationRequest struct {
	ModelID string
	Content string
	Target  string
	ReplyTo string
}

// AddAnnotation attaches a comment to a model element, threading it under
// ReplyTo when set. Commenting requires the canComment capability.
func (r *Registry) AddAnnotation(workspaceID WorkspaceID, userID UserID, request AnnotationRequest) (Annotation, error) {
	r.mu.Lock()
	session, err := r.sessionLocked(workspaceID, userID)
	if err != nil {
		r.mu.Unlock()
		return Annotation{}, err
	}
	if !session.Capabilities.CanComment {
		r.mu.Unlock()
		return Annotation{}, newRegistryError(opAddAnnotation, "permission_denied", ErrPermissionDenied)
	}
	if request.Content == "" {
		r.mu.Unlock()
		return Annotation{}, newRegistryError(opAddAnnotation, "empty_content", ErrInvalidAnnotation)
	}

	state := r.workspaces[workspaceID.String()]
	if request.ReplyTo != "" {
		if state.annotations[request.ReplyTo] == nil {
			r.mu.Unlock()
			return Annotation{}, newRegistryError(opAddAnnotation, "parent_not_found", ErrAnnotationNotFound)
		}
	}

	annotationID, idErr := r.idProvider.NewID()
	if idErr != nil {
		r.mu.Unlock()
		r.logError(opAddAnnotation, "id_generation_failed", idErr, zap.String("workspace_id", workspaceID.String()))
		return Annotation{}, newRegistryError(opAddAnnotation, "id_generation_failed", idErr)
	}

	annotation := &Annotation{
		AnnotationID: annotationID,
		WorkspaceID:  workspaceID.String(),
		ModelID:      request.ModelID,
		Content:      request.Content,
		Target:       request.Target,
		CreatedBy:    userID.String(),
		CreatedAt:    r.clock().UTC(),
		ReplyTo:      request.ReplyTo,
	}
	state.annotations[annotationID] = annotation
	if request.ReplyTo != "" {
		parent := state.annotations[request.ReplyTo]
		parent.Replies = append(parent.Replies, *annotation)
	}
	session.LastActivity = r.clock().UTC()
	added := *annotation
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.EventAnnotationAdded, AnnotationEvent{WorkspaceID: workspaceID.String(), Annotation: added})
	}
	return added, nil
}

// ResolveAnnotation marks an annotation resolved. Resolving an already
// resolved annotation is idempotent, not an error.
func (r *Registry) ResolveAnnotation(workspaceID WorkspaceID, userID UserID, annotationID string) (Annotation, error) {
	r.mu.Lock()
	if _, err := r.sessionLocked(workspaceID, userID); err != nil {
		r.mu.Unlock()
		return Annotation{}, err
	}
	state := r.workspaces[workspaceID.String()]
	annotation := state.annotations[annotationID]
	if annotation == nil {
		r.mu.Unlock()
		return Annotation{}, newRegistryError(opResolveAnnotation, "annotation_not_found", ErrAnnotationNotFound)
	}
	alreadyResolved := annotation.Resolved
	annotation.Resolved = true
	if annotation.ReplyTo != "" {
		// The parent thread embeds a copy of each reply; keep it in step.
		if parent := state.annotations[annotation.ReplyTo]; parent != nil {
			for index := range parent.Replies {
				if parent.Replies[index].AnnotationID == annotationID {
					parent.Replies[index].Resolved = true
				}
			}
		}
	}
	resolved := *annotation
	r.mu.Unlock()

	if r.bus != nil && !alreadyResolved {
		r.bus.Publish(events.EventAnnotationResolved, AnnotationEvent{WorkspaceID: workspaceID.String(), Annotation: resolved})
	}
	return resolved, nil
}

// Snapshot returns the current workspace state for late-joiner sync.
func (r *Registry) Snapshot(workspaceID WorkspaceID) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.workspaces[workspaceID.String()]
	if state == nil {
		return Snapshot{}, newRegistryError("workspace.snapshot", "workspace_not_found", ErrWorkspaceNotFound)
	}
	return snapshotLocked(state), nil
}

// SessionFor returns a copy of the session for the given (user, workspace).
func (r *Registry) SessionFor(workspaceID WorkspaceID, userID UserID) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.sessionLocked(workspaceID, userID)
	if err != nil {
		return Session{}, err
	}
	return *session, nil
}

// ActiveUsers returns online sessions sorted by most recent activity first.
func (r *Registry) ActiveUsers(workspaceID WorkspaceID) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.workspaces[workspaceID.String()]
	if state == nil {
		return nil
	}
	active := make([]Session, 0, len(state.sessions))
	for _, session := range state.sessions {
		if session.Connection.IsOnline {
			active = append(active, *session)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].LastActivity.Equal(active[j].LastActivity) {
			return active[i].LastActivity.After(active[j].LastActivity)
		}
		return active[i].UserID < active[j].UserID
	})
	return active
}

// MemberCount reports current membership; zero means the workspace is gone.
func (r *Registry) MemberCount(workspaceID WorkspaceID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.workspaces[workspaceID.String()]
	if state == nil {
		return 0
	}
	return len(state.sessions)
}

func (r *Registry) sessionLocked(workspaceID WorkspaceID, userID UserID) (*Session, error) {
	state := r.workspaces[workspaceID.String()]
	if state == nil {
		return nil, newRegistryError("workspace.lookup", "workspace_not_found", ErrWorkspaceNotFound)
	}
	session := state.sessions[userID.String()]
	if session == nil {
		return nil, newRegistryError("workspace.lookup", "session_not_found", ErrSessionNotFound)
	}
	return session, nil
}

func snapshotLocked(state *workspaceState) Snapshot {
	snapshot := Snapshot{
		WorkspaceID: state.workspaceID,
		Name:        state.name,
		CreatedBy:   state.createdBy,
		Members:     make([]Session, 0, len(state.sessions)),
		Models:      make([]SharedModel, 0, len(state.models)),
		Annotations: make([]Annotation, 0, len(state.annotations)),
		Settings:    state.settings,
	}
	for _, session := range state.sessions {
		snapshot.Members = append(snapshot.Members, *session)
	}
	sort.Slice(snapshot.Members, func(i, j int) bool {
		return snapshot.Members[i].UserID < snapshot.Members[j].UserID
	})
	for _, model := range state.models {
		copied := *model
		copied.Data = cloneData(model.Data)
		snapshot.Models = append(snapshot.Models, copied)
	}
	sort.Slice(snapshot.Models, func(i, j int) bool {
		return snapshot.Models[i].ModelID < snapshot.Models[j].ModelID
	})
	for _, annotation := range state.annotations {
		if annotation.ReplyTo != "" {
			continue
		}
		copied := *annotation
		copied.Replies = append([]Annotation(nil), annotation.Replies...)
		snapshot.Annotations = append(snapshot.Annotations, copied)
	}
	sort.Slice(snapshot.Annotations, func(i, j int) bool {
		return snapshot.Annotations[i].AnnotationID < snapshot.Annotations[j].AnnotationID
	})
	return snapshot
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cloned := make(map[string]any, len(data))
	for key, value := range data {
		cloned[key] = value
	}
	return cloned
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("workspace registry error", attrs...)
}

// SessionToucher adapts the registry for collaborators that refresh session
// activity with plain string identifiers, such as the presence tracker.
type SessionToucher struct {
	registry *Registry
}

// NewSessionToucher wraps a registry.
func NewSessionToucher(registry *Registry) *SessionToucher {
	return &SessionToucher{registry: registry}
}

// TouchSession marks the session active; unknown sessions are ignored.
func (t *SessionToucher) TouchSession(workspaceID, userID string) {
	wsID, err := NewWorkspaceID(workspaceID)
	if err != nil {
		return
	}
	uid, err := NewUserID(userID)
	if err != nil {
		return
	}
	_ = t.registry.Touch(wsID, uid)
}
