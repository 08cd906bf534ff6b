package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/workspace"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type stubTokenValidator struct{}

func (stubTokenValidator) ValidateToken(token string) (auth.Identity, error) {
	subject, ok := strings.CutPrefix(token, "token-")
	if !ok || subject == "" {
		return auth.Identity{}, errors.New("invalid token")
	}
	return auth.Identity{Subject: subject, DisplayName: "User " + subject}, nil
}

type stubTokenIssuer struct{}

func (stubTokenIssuer) IssueToken(_ context.Context, identity auth.Identity) (string, int64, error) {
	return "token-" + identity.Subject, 1800, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry, err := workspace.NewRegistry(workspace.RegistryConfig{IDProvider: workspace.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	tracker := presence.NewTracker(presence.TrackerConfig{})
	hub, err := NewHub(HubConfig{
		Registry: registry,
		Presence: tracker,
		Tokens:   stubTokenValidator{},
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenIssuer: stubTokenIssuer{},
		Hub:         hub,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		testServer.Close()
	})
	return testServer, hub
}

func dialCollab(t *testing.T, testServer *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/collab/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sendEnvelope(t, conn, protocol.TypeAuth, protocol.AuthPayload{Token: "token-" + userID})
	envelope := readEnvelope(t, conn)
	if envelope.Type != protocol.TypeAuthSuccess {
		t.Fatalf("expected auth_success, got %s", envelope.Type)
	}
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, messageType string, payload any) {
	t.Helper()
	envelope, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		t.Fatalf("failed to build %s envelope: %v", messageType, err)
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("failed to write %s: %v", messageType, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	envelope, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return envelope
}

func joinWorkspace(t *testing.T, conn *websocket.Conn, workspaceID string, capabilities workspace.Capabilities) workspace.Snapshot {
	t.Helper()
	sendEnvelope(t, conn, protocol.TypeJoinWorkspace, protocol.JoinPayload{
		WorkspaceID:  workspaceID,
		Capabilities: capabilities,
	})
	envelope := readEnvelope(t, conn)
	if envelope.Type != protocol.TypeJoined {
		t.Fatalf("expected joined reply, got %s", envelope.Type)
	}
	joined, err := protocol.DecodePayload[protocol.JoinedPayload](envelope)
	if err != nil {
		t.Fatalf("failed to decode joined payload: %v", err)
	}
	return joined.Snapshot
}

func editorCapabilities() workspace.Capabilities {
	return workspace.Capabilities{CanEdit: true, CanComment: true, CanShare: true}
}

func TestSocketRejectsNonAuthFirstMessage(t *testing.T) {
	testServer, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/collab/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	sendEnvelope(t, conn, protocol.TypePing, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection close for unauthenticated traffic")
	}
}

func TestSocketRejectsInvalidToken(t *testing.T) {
	testServer, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/collab/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	sendEnvelope(t, conn, protocol.TypeAuth, protocol.AuthPayload{Token: "bogus"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection close for invalid token")
	}
}

func TestJoinBroadcastsToExistingMembers(t *testing.T) {
	testServer, _ := newTestServer(t)

	first := dialCollab(t, testServer, "user-a")
	snapshot := joinWorkspace(t, first, "ws-1", editorCapabilities())
	if len(snapshot.Members) != 1 {
		t.Fatalf("expected one member in first snapshot, got %d", len(snapshot.Members))
	}

	second := dialCollab(t, testServer, "user-b")
	snapshot = joinWorkspace(t, second, "ws-1", editorCapabilities())
	if len(snapshot.Members) != 2 {
		t.Fatalf("expected two members in second snapshot, got %d", len(snapshot.Members))
	}

	envelope := readEnvelope(t, first)
	if envelope.Type != protocol.TypeUserJoined {
		t.Fatalf("expected user_joined broadcast, got %s", envelope.Type)
	}
	event, err := protocol.DecodePayload[workspace.MemberEvent](envelope)
	if err != nil {
		t.Fatalf("failed to decode member event: %v", err)
	}
	if event.Session.UserID != "user-b" {
		t.Fatalf("expected user-b in broadcast, got %s", event.Session.UserID)
	}
}

func TestModelOperationFansOutExcludingSender(t *testing.T) {
	testServer, hub := newTestServer(t)

	first := dialCollab(t, testServer, "user-a")
	joinWorkspace(t, first, "ws-1", editorCapabilities())
	second := dialCollab(t, testServer, "user-b")
	joinWorkspace(t, second, "ws-1", editorCapabilities())
	if envelope := readEnvelope(t, first); envelope.Type != protocol.TypeUserJoined {
		t.Fatalf("expected user_joined, got %s", envelope.Type)
	}

	if _, err := hub.registry.ShareModel(
		workspace.WorkspaceID("ws-1"),
		workspace.UserID("user-a"),
		"model-1",
		"Budget",
		map[string]any{"C1": 1.0},
	); err != nil {
		t.Fatalf("failed to share model: %v", err)
	}
	operation, err := collab.NewOperation(collab.OperationConfig{
		Type:        collab.OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-a",
		ModelID:     "model-1",
		TimestampMS: time.Now().UnixMilli(),
		Payload:     collab.OperationPayload{NewValue: 42.0},
	})
	if err != nil {
		t.Fatalf("failed to build operation: %v", err)
	}
	sendEnvelope(t, first, protocol.TypeModelOperation, protocol.OperationPayload{
		WorkspaceID: "ws-1",
		Operation:   operation,
	})

	envelope := readEnvelope(t, second)
	if envelope.Type != protocol.TypeModelUpdate {
		t.Fatalf("expected model_update broadcast, got %s", envelope.Type)
	}
	update, err := protocol.DecodePayload[protocol.OperationPayload](envelope)
	if err != nil {
		t.Fatalf("failed to decode model update: %v", err)
	}
	if update.Operation.TargetID != "C1" {
		t.Fatalf("unexpected target %s", update.Operation.TargetID)
	}
}

func TestOperationWithoutEditPermissionIsRejected(t *testing.T) {
	testServer, hub := newTestServer(t)

	owner := dialCollab(t, testServer, "user-a")
	joinWorkspace(t, owner, "ws-1", editorCapabilities())
	if _, err := hub.registry.ShareModel(
		workspace.WorkspaceID("ws-1"),
		workspace.UserID("user-a"),
		"model-1",
		"Budget",
		map[string]any{"C1": 1.0},
	); err != nil {
		t.Fatalf("failed to share model: %v", err)
	}

	viewer := dialCollab(t, testServer, "user-b")
	joinWorkspace(t, viewer, "ws-1", workspace.Capabilities{CanComment: true})

	operation, err := collab.NewOperation(collab.OperationConfig{
		Type:        collab.OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-b",
		ModelID:     "model-1",
		TimestampMS: time.Now().UnixMilli(),
		Payload:     collab.OperationPayload{NewValue: 7.0},
	})
	if err != nil {
		t.Fatalf("failed to build operation: %v", err)
	}
	sendEnvelope(t, viewer, protocol.TypeModelOperation, protocol.OperationPayload{
		WorkspaceID: "ws-1",
		Operation:   operation,
	})

	envelope := readEnvelope(t, viewer)
	if envelope.Type != protocol.TypeError {
		t.Fatalf("expected error reply, got %s", envelope.Type)
	}
	failure, err := protocol.DecodePayload[protocol.ErrorPayload](envelope)
	if err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if failure.Code != "operation_rejected" {
		t.Fatalf("unexpected error code %s", failure.Code)
	}
}

func TestHeartbeatRepliesWithPong(t *testing.T) {
	testServer, _ := newTestServer(t)

	conn := dialCollab(t, testServer, "user-a")
	joinWorkspace(t, conn, "ws-1", editorCapabilities())

	sendEnvelope(t, conn, protocol.TypePing, nil)
	envelope := readEnvelope(t, conn)
	if envelope.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %s", envelope.Type)
	}
}

func TestSyncStateAnswersFromRegistry(t *testing.T) {
	testServer, hub := newTestServer(t)

	conn := dialCollab(t, testServer, "user-a")
	joinWorkspace(t, conn, "ws-1", editorCapabilities())
	if _, err := hub.registry.ShareModel(
		workspace.WorkspaceID("ws-1"),
		workspace.UserID("user-a"),
		"model-1",
		"Budget",
		map[string]any{"C1": 42.0},
	); err != nil {
		t.Fatalf("failed to share model: %v", err)
	}

	sendEnvelope(t, conn, protocol.TypeSyncState, protocol.SyncStateRequest{
		WorkspaceID: "ws-1",
		ModelID:     "model-1",
	})

	envelope := readEnvelope(t, conn)
	if envelope.Type != protocol.TypeSyncState {
		t.Fatalf("expected sync_state reply, got %s", envelope.Type)
	}
	state, err := protocol.DecodePayload[protocol.SyncStatePayload](envelope)
	if err != nil {
		t.Fatalf("failed to decode sync state: %v", err)
	}
	if state.Version != 1 {
		t.Fatalf("unexpected version %d", state.Version)
	}
	var data map[string]any
	if err := json.Unmarshal(state.Data, &data); err != nil {
		t.Fatalf("failed to decode model data: %v", err)
	}
	if data["C1"] != 42.0 {
		t.Fatalf("unexpected model data %v", data)
	}
}

func TestPresenceFromNonMemberIsRejected(t *testing.T) {
	testServer, hub := newTestServer(t)

	member := dialCollab(t, testServer, "user-a")
	joinWorkspace(t, member, "ws-1", editorCapabilities())

	// Authenticated but never joined ws-1.
	outsider := dialCollab(t, testServer, "user-b")
	sendEnvelope(t, outsider, protocol.TypeCursorUpdate, protocol.PresencePayload{
		WorkspaceID: "ws-1",
		Kind:        protocol.PresenceKindCursor,
		Cursor:      &presence.CursorPosition{CellID: "C1"},
		Visible:     true,
	})

	envelope := readEnvelope(t, outsider)
	if envelope.Type != protocol.TypeError {
		t.Fatalf("expected error reply, got %s", envelope.Type)
	}
	failure, err := protocol.DecodePayload[protocol.ErrorPayload](envelope)
	if err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if failure.Code != "not_joined" {
		t.Fatalf("unexpected error code %s", failure.Code)
	}
	if cursors := hub.presence.ActiveCursors("ws-1"); len(cursors) != 0 {
		t.Fatalf("expected no presence records from non-members, got %v", cursors)
	}

	sendEnvelope(t, outsider, protocol.TypePresenceUpdate, protocol.PresencePayload{
		WorkspaceID: "ws-1",
		Kind:        protocol.PresenceKindStatus,
		Status:      "active",
	})
	envelope = readEnvelope(t, outsider)
	if envelope.Type != protocol.TypeError {
		t.Fatalf("expected error reply for presence_update, got %s", envelope.Type)
	}
	failure, err = protocol.DecodePayload[protocol.ErrorPayload](envelope)
	if err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if failure.Code != "not_joined" {
		t.Fatalf("unexpected error code %s", failure.Code)
	}
}

func TestConflictReportIsRelayedToPeers(t *testing.T) {
	testServer, _ := newTestServer(t)

	first := dialCollab(t, testServer, "user-a")
	joinWorkspace(t, first, "ws-1", editorCapabilities())
	second := dialCollab(t, testServer, "user-b")
	joinWorkspace(t, second, "ws-1", editorCapabilities())
	if envelope := readEnvelope(t, first); envelope.Type != protocol.TypeUserJoined {
		t.Fatalf("expected user_joined, got %s", envelope.Type)
	}

	sendEnvelope(t, first, protocol.TypeConflict, protocol.ConflictPayload{
		WorkspaceID: "ws-1",
		Record: collab.ConflictRecord{
			Strategy: collab.StrategyLastWriterWins,
			Decision: collab.DecisionRemoteWins,
		},
	})

	envelope := readEnvelope(t, second)
	if envelope.Type != protocol.TypeConflict {
		t.Fatalf("expected conflict relay, got %s", envelope.Type)
	}
	relayed, err := protocol.DecodePayload[protocol.ConflictPayload](envelope)
	if err != nil {
		t.Fatalf("failed to decode conflict payload: %v", err)
	}
	if relayed.Record.Decision != collab.DecisionRemoteWins {
		t.Fatalf("unexpected decision %s", relayed.Record.Decision)
	}
}

func TestUnknownMessageTypeIsIgnored(t *testing.T) {
	testServer, _ := newTestServer(t)

	conn := dialCollab(t, testServer, "user-a")
	joinWorkspace(t, conn, "ws-1", editorCapabilities())

	sendEnvelope(t, conn, "definitely_not_a_thing", map[string]string{"x": "y"})

	// The connection must stay usable after an unknown type.
	sendEnvelope(t, conn, protocol.TypePing, nil)
	envelope := readEnvelope(t, conn)
	if envelope.Type != protocol.TypePong {
		t.Fatalf("expected pong after unknown type, got %s", envelope.Type)
	}
}
