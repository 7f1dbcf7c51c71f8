package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"coedit/internal/crdt"
	"coedit/internal/models"
	"coedit/internal/utils"
)

type frameCapture struct {
	mu     sync.Mutex
	frames []models.WSFrame
}

func newFrameCapture() *frameCapture { return &frameCapture{} }

func (c *frameCapture) hook(frame models.WSFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *frameCapture) list() []models.WSFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.WSFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *frameCapture) ofType(typ string) []models.WSFrame {
	var out []models.WSFrame
	for _, f := range c.list() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *frameCapture) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func testLogger() *utils.Logger { return utils.NewLoggerFromZap(zap.NewNop()) }

func newHookedClient(id string) (*Client, *frameCapture) {
	c := NewClient(nil, id, 8)
	capture := newFrameCapture()
	c.SetSendHook(capture.hook)
	return c, capture
}

func participant(userID string, perm models.Permission) models.Participant {
	return models.Participant{UserID: userID, FirstName: userID, Email: userID + "@example.com", Permission: perm}
}

func newTestRoom(t *testing.T, doc *crdt.Doc) *Room {
	t.Helper()
	r := NewRoom("room", doc, RoomOptions{MaxUpdateBytes: 64, Log: testLogger()})
	t.Cleanup(r.Stop)
	return r
}

// fakePersister counts loads and can hold them open until release is closed.
type fakePersister struct {
	mu      sync.Mutex
	loads   map[string]int
	saves   map[string]int
	stored  map[string]*crdt.Doc
	release chan struct{}
	loadErr error
	saveErr error
}

func newFakePersister() *fakePersister {
	return &fakePersister{loads: map[string]int{}, saves: map[string]int{}, stored: map[string]*crdt.Doc{}}
}

func (f *fakePersister) Load(ctx context.Context, id string) (*crdt.Doc, error) {
	f.mu.Lock()
	f.loads[id]++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if d, ok := f.stored[id]; ok {
		return d.Clone(), nil
	}
	return crdt.NewDoc(), nil
}

func (f *fakePersister) Save(ctx context.Context, id string, doc *crdt.Doc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves[id]++
	f.stored[id] = doc.Clone()
	return nil
}

func (f *fakePersister) loadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[id]
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func rosterOf(t *testing.T, frame models.WSFrame) []models.Participant {
	t.Helper()
	roster, ok := frame.Data.([]models.Participant)
	if !ok {
		t.Fatalf("expected roster payload, got %T", frame.Data)
	}
	return roster
}

func cursorJSON(pos int) json.RawMessage {
	b, _ := json.Marshal(map[string]int{"index": pos})
	return b
}
