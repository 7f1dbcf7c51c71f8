package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"coedit/internal/crdt"
	"coedit/internal/metrics"
	"coedit/internal/models"
	"coedit/internal/utils"
)

var ErrHubClosed = errors.New("session hub is shut down")

// Persister loads and saves whole-document snapshots.
type Persister interface {
	Load(ctx context.Context, documentID string) (*crdt.Doc, error)
	Save(ctx context.Context, documentID string, doc *crdt.Doc) error
}

type HubOptions struct {
	LoadTimeout    time.Duration
	SaveTimeout    time.Duration
	MaxUpdateBytes int
}

// Hub owns every live document session. A session exists while at least one
// connection holds it; the first Acquire loads it and the last Release drops it.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	loads singleflight.Group
	store Persister
	log   *utils.Logger
	opts  HubOptions
}

func NewHub(store Persister, log *utils.Logger, opts HubOptions) *Hub {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 15 * time.Second
	}
	return &Hub{
		rooms: make(map[string]*Room),
		store: store,
		log:   log,
		opts:  opts,
	}
}

// Acquire returns the session for documentID, loading it if needed, and takes
// a reference that must be dropped with Release. Concurrent callers for an
// unloaded document share one load and observe the same result. The load is
// detached from ctx cancellation so a departing caller cannot abort it.
func (h *Hub) Acquire(ctx context.Context, documentID string) (*Room, error) {
	for {
		r, err := h.tryAcquire(documentID)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}

		v, err, _ := h.loads.Do(documentID, func() (any, error) {
			return h.load(ctx, documentID)
		})
		if err != nil {
			return nil, err
		}
		loaded := v.(*Room)

		h.mu.Lock()
		if h.rooms[documentID] == loaded {
			loaded.refs++
			h.mu.Unlock()
			return loaded, nil
		}
		h.mu.Unlock()
		// torn down before we took our reference; go around again
	}
}

func (h *Hub) tryAcquire(documentID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if r, ok := h.rooms[documentID]; ok {
		r.refs++
		return r, nil
	}
	return nil, nil
}

func (h *Hub) load(ctx context.Context, documentID string) (*Room, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if r, ok := h.rooms[documentID]; ok {
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.LoadTimeout)
	defer cancel()
	doc, err := h.store.Load(loadCtx, documentID)
	if err != nil {
		return nil, err
	}

	r := NewRoom(documentID, doc, RoomOptions{MaxUpdateBytes: h.opts.MaxUpdateBytes, Log: h.log})
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		r.Stop()
		return nil, ErrHubClosed
	}
	h.rooms[documentID] = r
	h.mu.Unlock()

	metrics.ActiveRooms.Inc()
	h.log.Info("document session created", "documentId", documentID, "updates", doc.Len())
	return r, nil
}

// Release drops one reference. The last one destroys the session without saving.
func (h *Hub) Release(documentID string) {
	h.mu.Lock()
	r, ok := h.rooms[documentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.refs--
	if r.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, documentID)
	h.mu.Unlock()

	r.Stop()
	metrics.ActiveRooms.Dec()
	h.log.Info("document session destroyed", "documentId", documentID)
}

// Join acquires the session and adds the participant to it.
func (h *Hub) Join(ctx context.Context, documentID string, c *Client, p models.Participant) (*Room, error) {
	r, err := h.Acquire(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := r.Join(c, p); err != nil {
		h.Release(documentID)
		return nil, err
	}
	return r, nil
}

// Leave removes the connection from the room and releases its reference.
func (h *Hub) Leave(r *Room, connID string) {
	if err := r.Leave(connID); err != nil && !errors.Is(err, ErrRoomClosed) {
		h.log.Warn("leave failed", "documentId", r.ID, "connectionId", connID, "error", err)
	}
	h.Release(r.ID)
}

// Save writes the room's current state to durable storage and acknowledges it
// to the whole room. The write is detached from ctx cancellation.
func (h *Hub) Save(ctx context.Context, r *Room) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	doc, err := r.Snapshot()
	if err != nil {
		return err
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.SaveTimeout)
	defer cancel()
	if err := h.store.Save(saveCtx, r.ID, doc); err != nil {
		return err
	}
	h.log.Info("document saved", "documentId", r.ID, "updates", doc.Len())
	return r.BroadcastAll(models.WSFrame{Type: models.FrameSave, Data: models.SaveAck{}})
}

// Get returns the live session for documentID without taking a reference.
func (h *Hub) Get(documentID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[documentID]
	return r, ok
}

// Count is the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown stops every room and refuses new acquisitions. Unsaved state is dropped.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.Stop()
		metrics.ActiveRooms.Dec()
	}
	for _, r := range rooms {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.log.Info("session hub shut down", "rooms", len(rooms))
	return nil
}
