package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"

	"coedit/internal/crdt"
	"coedit/internal/metrics"
	"coedit/internal/models"
	"coedit/internal/utils"
)

var (
	ErrRoomClosed      = errors.New("room closed")
	ErrNotJoined       = errors.New("connection is not joined to this room")
	ErrAlreadyJoined   = errors.New("connection already joined")
	ErrReadOnly        = errors.New("participant has read-only permission")
	ErrMalformedUpdate = errors.New("malformed update")
)

const inboxSize = 64

type RoomOptions struct {
	MaxUpdateBytes int
	Log            *utils.Logger
}

type member struct {
	client      *Client
	participant models.Participant
}

// Room is the in-memory session of one document. A single goroutine owns the
// document state and roster and runs queued commands one at a time; this is
// the only path that mutates either.
type Room struct {
	ID string

	log            *utils.Logger
	maxUpdateBytes int

	inbox    chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// serializes snapshot+put so an older snapshot never overwrites a newer one
	saveMu sync.Mutex

	// owned by run
	doc     *crdt.Doc
	members map[string]*member
	order   []string

	// guarded by Hub.mu
	refs int
}

// NewRoom starts the room's goroutine. Call Stop to terminate it.
func NewRoom(id string, doc *crdt.Doc, opts RoomOptions) *Room {
	if doc == nil {
		doc = crdt.NewDoc()
	}
	log := opts.Log
	if log == nil {
		log = utils.NewLogger()
	}
	r := &Room{
		ID:             id,
		log:            log.With("documentId", id),
		maxUpdateBytes: opts.MaxUpdateBytes,
		inbox:          make(chan func(), inboxSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		doc:            doc,
		members:        make(map[string]*member),
	}
	go r.run()
	return r
}

func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.inbox:
			fn()
		case <-r.stop:
			return
		}
	}
}

// Stop terminates the room goroutine. Pending commands fail with ErrRoomClosed.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed once the room goroutine has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case r.inbox <- func() { errc <- fn() }:
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case err := <-errc:
		return err
	case <-r.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrRoomClosed
		}
	}
}

// Join adds c to the roster, sends it the current state and its permission,
// then sends the updated roster to everyone including c.
func (r *Room) Join(c *Client, p models.Participant) error {
	return r.call(func() error {
		if _, ok := r.members[c.ID]; ok {
			return ErrAlreadyJoined
		}
		snapshot, err := r.doc.EncodeStateAsUpdate()
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}

		p.ConnectionID = c.ID
		p.Color = randomColor()
		p.Cursor = nil
		r.members[c.ID] = &member{client: c, participant: p}
		r.order = append(r.order, c.ID)
		metrics.Participants.Inc()

		c.Send(models.WSFrame{
			Type: models.FrameInitialState,
			Data: models.InitialState{Snapshot: snapshot, Permission: p.Permission},
		})
		r.broadcastRoster()
		r.log.Info("participant joined", "connectionId", c.ID, "userId", p.UserID, "permission", p.Permission, "participants", len(r.order))
		return nil
	})
}

// Leave removes the connection, sends the new roster and clears its awareness for the others.
func (r *Room) Leave(connID string) error {
	return r.call(func() error {
		m, ok := r.members[connID]
		if !ok {
			return ErrNotJoined
		}
		delete(r.members, connID)
		r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == connID })
		metrics.Participants.Dec()

		r.broadcastRoster()
		r.broadcast(connID, models.WSFrame{
			Type: models.FrameAwareness,
			Data: models.Awareness{ConnectionID: connID, User: m.participant},
		})
		r.log.Info("participant left", "connectionId", connID, "userId", m.participant.UserID, "participants", len(r.order))
		return nil
	})
}

// Submit applies an update from connID and relays it to every other connection.
// Read-only senders get ErrReadOnly and nothing changes.
func (r *Room) Submit(connID string, update []byte) error {
	return r.call(func() error {
		m, ok := r.members[connID]
		if !ok {
			return ErrNotJoined
		}
		if !m.participant.Permission.CanWrite() {
			metrics.Updates.WithLabelValues(metrics.ResultRejected).Inc()
			return ErrReadOnly
		}
		if len(update) == 0 {
			metrics.Updates.WithLabelValues(metrics.ResultError).Inc()
			return fmt.Errorf("%w: empty", ErrMalformedUpdate)
		}
		if r.maxUpdateBytes > 0 && len(update) > r.maxUpdateBytes {
			metrics.Updates.WithLabelValues(metrics.ResultError).Inc()
			return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMalformedUpdate, len(update), r.maxUpdateBytes)
		}

		applied, err := r.doc.ApplyUpdate(update)
		if err != nil {
			metrics.Updates.WithLabelValues(metrics.ResultError).Inc()
			return fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
		}
		if !applied {
			metrics.Updates.WithLabelValues(metrics.ResultNoop).Inc()
			return nil
		}
		metrics.Updates.WithLabelValues(metrics.ResultOK).Inc()
		r.broadcast(connID, models.WSFrame{Type: models.FrameUpdate, Data: update})
		return nil
	})
}

// UpdateCursor records the connection's cursor and shows it to the other connections.
func (r *Room) UpdateCursor(connID string, cursor json.RawMessage) error {
	return r.call(func() error {
		m, ok := r.members[connID]
		if !ok {
			return ErrNotJoined
		}
		m.participant.Cursor = cursor
		r.broadcast(connID, models.WSFrame{
			Type: models.FrameAwareness,
			Data: models.Awareness{ConnectionID: connID, User: m.participant, Cursor: cursor},
		})
		return nil
	})
}

// Snapshot returns an independent copy of the current document state.
func (r *Room) Snapshot() (*crdt.Doc, error) {
	var doc *crdt.Doc
	err := r.call(func() error {
		doc = r.doc.Clone()
		return nil
	})
	return doc, err
}

// Participants returns the roster in join order.
func (r *Room) Participants() ([]models.Participant, error) {
	var out []models.Participant
	err := r.call(func() error {
		out = r.roster()
		return nil
	})
	return out, err
}

// BroadcastAll sends frame to every joined connection.
func (r *Room) BroadcastAll(frame models.WSFrame) error {
	return r.call(func() error {
		r.broadcast("", frame)
		return nil
	})
}

func (r *Room) broadcast(except string, frame models.WSFrame) {
	for _, id := range r.order {
		if id == except {
			continue
		}
		r.members[id].client.Send(frame)
	}
}

func (r *Room) broadcastRoster() {
	r.broadcast("", models.WSFrame{Type: models.FrameUsers, Data: r.roster()})
}

func (r *Room) roster() []models.Participant {
	out := make([]models.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id].participant)
	}
	return out
}

// randomColor is presentation only; collisions are allowed.
func randomColor() string {
	return fmt.Sprintf("#%06x", rand.Intn(0x1000000))
}
