package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/transport"
)

type stubConn struct {
	mu      sync.Mutex
	written []protocol.Envelope
	inbound chan []byte
	closed  bool
}

func newStubConn() *stubConn {
	return &stubConn{inbound: make(chan []byte, 16)}
}

func (s *stubConn) ReadMessage() (int, []byte, error) {
	raw, ok := <-s.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, raw, nil
}

func (s *stubConn) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("write on closed connection")
	}
	var envelope protocol.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	s.written = append(s.written, envelope)
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.inbound)
	}
	return nil
}

func (s *stubConn) writtenTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.written))
	for _, envelope := range s.written {
		types = append(types, envelope.Type)
	}
	return types
}

func (s *stubConn) hasWritten(messageType string) bool {
	for _, written := range s.writtenTypes() {
		if written == messageType {
			return true
		}
	}
	return false
}

func (s *stubConn) deliver(t *testing.T, messageType string, payload any) {
	t.Helper()
	envelope, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		t.Fatalf("failed to build %s envelope: %v", messageType, err)
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	s.inbound <- raw
}

type stubDialer struct {
	conn *stubConn
}

func (d *stubDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	return d.conn, nil
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []collab.Operation
}

func (a *recordingApplier) ApplyOperation(op collab.Operation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, op)
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func (a *recordingApplier) last() collab.Operation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied[len(a.applied)-1]
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func startedSession(t *testing.T, cfg SessionConfig, conn *stubConn) *Session {
	t.Helper()
	if cfg.ServerURL == "" {
		cfg.ServerURL = "ws://localhost/collab/ws"
	}
	if cfg.WorkspaceID == "" {
		cfg.WorkspaceID = "ws-1"
	}
	if cfg.UserID == "" {
		cfg.UserID = "user-a"
	}
	cfg.Dialer = &stubDialer{conn: conn}
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	t.Cleanup(session.Stop)
	waitFor(t, time.Second, func() bool { return session.ConnectionState() == transport.StateConnected })
	waitFor(t, time.Second, func() bool { return conn.hasWritten(protocol.TypeJoinWorkspace) })
	return session
}

func TestStartSendsAuthThenJoin(t *testing.T) {
	conn := newStubConn()
	startedSession(t, SessionConfig{Token: "bearer-token"}, conn)

	types := conn.writtenTypes()
	if types[0] != protocol.TypeAuth {
		t.Fatalf("expected auth frame first, got %v", types)
	}
	joined := false
	for _, messageType := range types {
		if messageType == protocol.TypeJoinWorkspace {
			joined = true
		}
	}
	if !joined {
		t.Fatalf("expected join_workspace frame, got %v", types)
	}
}

func TestEditCellAppliesLocallyAndBroadcasts(t *testing.T) {
	conn := newStubConn()
	applier := &recordingApplier{}
	session := startedSession(t, SessionConfig{Applier: applier}, conn)

	outcome, err := session.EditCell("model-1", "C1", 1.0, 42.0)
	if err != nil {
		t.Fatalf("unexpected edit error: %v", err)
	}
	if outcome.PendingCount != 1 {
		t.Fatalf("expected one pending operation, got %d", outcome.PendingCount)
	}
	if applier.count() != 1 {
		t.Fatalf("expected optimistic local apply, got %d", applier.count())
	}
	waitFor(t, time.Second, func() bool { return conn.hasWritten(protocol.TypeModelOperation) })
}

func TestRemoteUpdateFlowsThroughLog(t *testing.T) {
	conn := newStubConn()
	applier := &recordingApplier{}
	startedSession(t, SessionConfig{Applier: applier}, conn)

	remote, err := collab.NewOperation(collab.OperationConfig{
		Type:        collab.OperationTypeEdit,
		TargetID:    "C2",
		UserID:      "user-b",
		ModelID:     "model-1",
		TimestampMS: time.Now().UnixMilli(),
		Payload:     collab.OperationPayload{NewValue: 7.0},
	})
	if err != nil {
		t.Fatalf("failed to build remote operation: %v", err)
	}
	conn.deliver(t, protocol.TypeModelUpdate, protocol.OperationPayload{
		WorkspaceID: "ws-1",
		Operation:   remote,
	})

	waitFor(t, time.Second, func() bool { return applier.count() == 1 })
	if applied := applier.last(); applied.TargetID != "C2" {
		t.Fatalf("unexpected applied target %s", applied.TargetID)
	}
}

func TestConcurrentRemoteEditIsReportedAsConflict(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	conn := newStubConn()
	applier := &recordingApplier{}
	session := startedSession(t, SessionConfig{
		Applier: applier,
		Clock:   func() time.Time { return now },
	}, conn)

	if _, err := session.EditCell("model-1", "C1", 1.0, 10.0); err != nil {
		t.Fatalf("unexpected edit error: %v", err)
	}

	// Same target, 10ms later, from another user: concurrent under the
	// conflict window, and the later write wins.
	remote, err := collab.NewOperation(collab.OperationConfig{
		Type:        collab.OperationTypeEdit,
		TargetID:    "C1",
		UserID:      "user-b",
		ModelID:     "model-1",
		TimestampMS: now.UnixMilli() + 10,
		Payload:     collab.OperationPayload{NewValue: 20.0},
	})
	if err != nil {
		t.Fatalf("failed to build remote operation: %v", err)
	}
	conn.deliver(t, protocol.TypeModelUpdate, protocol.OperationPayload{
		WorkspaceID: "ws-1",
		Operation:   remote,
	})

	waitFor(t, time.Second, func() bool { return conn.hasWritten(protocol.TypeConflict) })
	waitFor(t, time.Second, func() bool { return applier.count() == 2 })
	if session.PendingCount() != 0 {
		t.Fatalf("expected losing local edit cleared, got %d pending", session.PendingCount())
	}
}
