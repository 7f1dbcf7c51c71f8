package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coedit/internal/auth"
	"coedit/internal/crdt"
	"coedit/internal/models"
	"coedit/internal/permissions"
	"coedit/internal/persistence"
	"coedit/internal/session"
	"coedit/internal/storage"
	"coedit/internal/testhelpers"
	"coedit/internal/utils"
)

var testSecret = []byte("test-secret")

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket unavailable")
}

func (brokenStore) Put(context.Context, string, []byte, string) error {
	return errors.New("bucket unavailable")
}

type fixture struct {
	server *httptest.Server
	hub    *session.Hub
	repo   *permissions.Repository
	store  storage.BlobStore
}

func newFixture(t *testing.T, store storage.BlobStore) *fixture {
	t.Helper()
	log := utils.NewLoggerFromZap(zap.NewNop())
	repo := &permissions.Repository{DB: testhelpers.SetupTestDB(t)}
	gate := auth.NewGate(utils.NewTokenVerifier(testSecret), repo)
	hub := session.NewHub(persistence.NewBridge(store, true, log), log, session.HubOptions{
		LoadTimeout:    time.Second,
		SaveTimeout:    time.Second,
		MaxUpdateBytes: 1024,
	})
	h := NewHandlers(log, gate, hub, Options{MaxUpdateBytes: 1024, SendQueueSize: 32, AllowedOrigins: []string{"*"}})
	srv := httptest.NewServer(http.HandlerFunc(h.DocumentWS))
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Shutdown(context.Background())
	})
	return &fixture{server: srv, hub: hub, repo: repo, store: store}
}

func (f *fixture) grant(t *testing.T, userID, documentID string, level models.Permission) {
	t.Helper()
	if err := f.repo.Grant(context.Background(), userID, documentID, level); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	claims := utils.UserClaims{
		UserID:    userID,
		FirstName: strings.ToUpper(userID[:1]) + userID[1:],
		LastName:  "Tester",
		Email:     userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (f *fixture) socketURL(documentID, token string) string {
	q := url.Values{}
	q.Set("documentId", documentID)
	if token != "" {
		q.Set("token", token)
	}
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/socket?" + q.Encode()
}

func (f *fixture) dial(t *testing.T, userID, documentID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.socketURL(documentID, signToken(t, userID)), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials, sends join-document and consumes initial-state plus the roster.
func (f *fixture) join(t *testing.T, userID, documentID string) (*websocket.Conn, models.InitialState) {
	t.Helper()
	conn := f.dial(t, userID, documentID)
	send(t, conn, models.FrameJoinDocument, models.JoinDocument{DocumentID: documentID})

	var init models.InitialState
	decode(t, readType(t, conn, models.FrameInitialState), &init)
	readType(t, conn, models.FrameUsers)
	return conn, init
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	if err := conn.WriteJSON(models.WSFrame{Type: typ, Data: data}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) models.InboundFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame models.InboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readType skips frames until one of typ arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) models.InboundFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame.Type == typ {
			return frame
		}
	}
	t.Fatalf("no %s frame received", typ)
	return models.InboundFrame{}
}

func decode(t *testing.T, frame models.InboundFrame, out any) {
	t.Helper()
	if err := json.Unmarshal(frame.Data, out); err != nil {
		t.Fatalf("decode %s: %v", frame.Type, err)
	}
}

func expectError(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	var got string
	decode(t, readType(t, conn, models.FrameError), &got)
	if got != code {
		t.Fatalf("expected error %q, got %q", code, got)
	}
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection was not closed")
			}
			return
		}
	}
}

func TestDocumentWSRejectsBeforeUpgrade(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	f.grant(t, "alice", "doc1", models.PermWrite)
	h := NewHandlers(utils.NewLoggerFromZap(zap.NewNop()),
		auth.NewGate(utils.NewTokenVerifier(testSecret), f.repo), f.hub, Options{})

	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{"missing credential", "/api/socket?documentId=doc1", "", http.StatusUnauthorized},
		{"bad credential", "/api/socket?documentId=doc1&token=garbage", "", http.StatusUnauthorized},
		{"missing document", "/api/socket?token=" + signToken(t, "alice"), "", http.StatusBadRequest},
		{"no permission", "/api/socket?documentId=doc2&token=" + signToken(t, "alice"), "", http.StatusForbidden},
		{"bearer header without permission", "/api/socket?documentId=doc9", "Bearer " + signToken(t, "alice"), http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.DocumentWS(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Fatalf("expected JSON error body, got %s", rec.Body.String())
			}
		})
	}
	if f.hub.Count() != 0 {
		t.Fatal("rejected connections must not create sessions")
	}
}

func TestDocumentWSInternalErrorOnBrokenPermissionStore(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	testhelpers.DropPermissionTable(t, f.repo.DB)

	_, resp, err := websocket.DefaultDialer.Dial(f.socketURL("doc1", signToken(t, "alice")), nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %+v", resp)
	}
}

func TestDocumentWSBearerHeader(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	f.grant(t, "alice", "doc1", models.PermOwner)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signToken(t, "alice"))
	conn, _, err := websocket.DefaultDialer.Dial(f.socketURL("doc1", ""), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send(t, conn, models.FrameJoinDocument, models.JoinDocument{DocumentID: "doc1"})
	var init models.InitialState
	decode(t, readType(t, conn, models.FrameInitialState), &init)
	if init.Permission != models.PermOwner {
		t.Fatalf("expected OWNER, got %s", init.Permission)
	}
}

func TestDocumentWSRequiresJoinFirst(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	f.grant(t, "alice", "doc1", models.PermWrite)

	conn := f.dial(t, "alice", "doc1")
	send(t, conn, models.FrameSave, nil)
	expectError(t, conn, models.ErrCodeExpectedJoin)
	expectClosed(t, conn)
}

func TestDocumentWSJoinMustMatchDocument(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	f.grant(t, "alice", "doc1", models.PermWrite)

	conn := f.dial(t, "alice", "doc1")
	send(t, conn, models.FrameJoinDocument, models.JoinDocument{DocumentID: "other"})
	expectError(t, conn, models.ErrCodeDocumentMismatch)
	expectClosed(t, conn)
}

func TestDocumentWSLoadFailure(t *testing.T) {
	f := newFixture(t, brokenStore{})
	f.grant(t, "alice", "doc1", models.PermWrite)

	conn := f.dial(t, "alice", "doc1")
	send(t, conn, models.FrameJoinDocument, models.JoinDocument{DocumentID: "doc1"})
	expectError(t, conn, models.ErrCodeLoadFailed)
	expectClosed(t, conn)
	if f.hub.Count() != 0 {
		t.Fatal("failed load must not register a session")
	}
}

func TestDocumentWSEditingSession(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	f.grant(t, "alice", "doc1", models.PermWrite)
	f.grant(t, "bob", "doc1", models.PermRead)

	a, initA := f.join(t, "alice", "doc1")
	if initA.Permission != models.PermWrite {
		t.Fatalf("expected WRITE, got %s", initA.Permission)
	}
	b, initB := f.join(t, "bob", "doc1")
	if initB.Permission != models.PermRead {
		t.Fatalf("expected READ, got %s", initB.Permission)
	}

	var roster []models.Participant
	decode(t, readType(t, a, models.FrameUsers), &roster)
	if len(roster) != 2 || roster[0].UserID != "alice" || roster[1].UserID != "bob" || roster[1].Email != "bob@example.com" {
		t.Fatalf("unexpected roster: %+v", roster)
	}

	send(t, a, models.FrameUpdate, []byte("U1"))
	var relayed []byte
	decode(t, readType(t, b, models.FrameUpdate), &relayed)
	if string(relayed) != "U1" {
		t.Fatalf("expected U1, got %q", relayed)
	}

	send(t, b, models.FrameUpdate, []byte("U2"))
	expectError(t, b, models.ErrCodeReadOnly)

	send(t, a, models.FrameSave, nil)
	if next := readFrame(t, a); next.Type != models.FrameSave {
		t.Fatalf("writer should see only the save ack, got %s", next.Type)
	}
	readType(t, b, models.FrameSave)

	stored, err := persistence.NewBridge(f.store, true, utils.NewLoggerFromZap(zap.NewNop())).Load(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !stored.Has([]byte("U1")) || stored.Has([]byte("U2")) {
		t.Fatal("stored snapshot should hold U1 only")
	}
}

func TestDocumentWSPresence(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	f.grant(t, "alice", "doc1", models.PermRead)
	f.grant(t, "bob", "doc1", models.PermRead)

	a, _ := f.join(t, "alice", "doc1")
	b, _ := f.join(t, "bob", "doc1")
	readType(t, a, models.FrameUsers)

	send(t, a, models.FrameCursorUpdate, map[string]any{"documentId": "doc1", "cursor": map[string]int{"index": 3}})
	var aw models.Awareness
	decode(t, readType(t, b, models.FrameAwareness), &aw)
	if aw.User.UserID != "alice" || string(aw.Cursor) != `{"index":3}` {
		t.Fatalf("unexpected awareness: %+v", aw)
	}

	_ = a.Close()
	var roster []models.Participant
	decode(t, readType(t, b, models.FrameUsers), &roster)
	if len(roster) != 1 || roster[0].UserID != "bob" {
		t.Fatalf("unexpected roster after leave: %+v", roster)
	}
	var cleared models.Awareness
	decode(t, readType(t, b, models.FrameAwareness), &cleared)
	if cleared.ConnectionID != aw.ConnectionID || cleared.Cursor != nil {
		t.Fatalf("expected awareness clear for alice, got %+v", cleared)
	}
}

func TestDocumentWSMalformedUpdateDisconnects(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	f.grant(t, "alice", "doc1", models.PermWrite)

	conn, _ := f.join(t, "alice", "doc1")
	send(t, conn, models.FrameUpdate, "%%% not base64 %%%")
	expectError(t, conn, models.ErrCodeMalformedUpdate)
	expectClosed(t, conn)

	waitFor(t, func() bool { return f.hub.Count() == 0 })
}

func TestDocumentWSUnknownFrameType(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	f.grant(t, "alice", "doc1", models.PermWrite)

	conn, _ := f.join(t, "alice", "doc1")
	send(t, conn, "chat", "hello")
	expectError(t, conn, models.ErrCodeUnknownType)

	// still connected
	send(t, conn, models.FrameUpdate, []byte("U1"))
	send(t, conn, models.FrameSave, nil)
	readType(t, conn, models.FrameSave)
}

func TestDocumentWSLastLeaveDropsSessionAndRejoinReloads(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore())
	f.grant(t, "alice", "doc2", models.PermWrite)

	conn, init := f.join(t, "alice", "doc2")
	doc, err := crdt.DecodeState(init.Snapshot)
	if err != nil || doc.Len() != 0 {
		t.Fatalf("never-saved document should start empty (err=%v)", err)
	}
	send(t, conn, models.FrameUpdate, []byte("unsaved"))
	_ = conn.Close()
	waitFor(t, func() bool { return f.hub.Count() == 0 })

	_, init = f.join(t, "alice", "doc2")
	doc, err = crdt.DecodeState(init.Snapshot)
	if err != nil || doc.Len() != 0 {
		t.Fatalf("unsaved edits must not survive the session (err=%v, len=%d)", err, doc.Len())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
