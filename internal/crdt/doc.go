// Package crdt holds the server-side document state: a grow-only set of
// opaque client updates. Clients own the update format; the server only needs
// union semantics, which are commutative and idempotent, so the order in
// which peers' updates arrive never changes the merged result.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const stateVersion = 1

var (
	ErrEmptyUpdate  = errors.New("crdt: empty update")
	ErrInvalidState = errors.New("crdt: invalid encoded state")
)

// Hash identifies an update by content.
type Hash [32]byte

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

type encodedState struct {
	_       struct{} `cbor:",toarray"`
	Version uint
	Updates [][]byte
}

// Doc is not safe for concurrent use; callers serialize access.
type Doc struct {
	updates map[Hash][]byte
	size    int
}

func NewDoc() *Doc {
	return &Doc{updates: make(map[Hash][]byte)}
}

// ApplyUpdate merges one update. It reports false when the update was already present.
func (d *Doc) ApplyUpdate(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, ErrEmptyUpdate
	}
	h := Hash(blake3.Sum256(update))
	if _, ok := d.updates[h]; ok {
		return false, nil
	}
	d.updates[h] = bytes.Clone(update)
	d.size += len(update)
	return true, nil
}

// Merge folds every update of other into d.
func (d *Doc) Merge(other *Doc) {
	for h, u := range other.updates {
		if _, ok := d.updates[h]; ok {
			continue
		}
		d.updates[h] = u
		d.size += len(u)
	}
}

func (d *Doc) Has(update []byte) bool {
	_, ok := d.updates[Hash(blake3.Sum256(update))]
	return ok
}

// Len is the number of distinct updates.
func (d *Doc) Len() int { return len(d.updates) }

// Size is the total payload size in bytes.
func (d *Doc) Size() int { return d.size }

// Updates returns the updates ordered by content hash.
func (d *Doc) Updates() [][]byte {
	hashes := d.sortedHashes()
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = d.updates[h]
	}
	return out
}

// Clone returns an independent copy. Update payloads are shared; they are never mutated.
func (d *Doc) Clone() *Doc {
	c := &Doc{updates: make(map[Hash][]byte, len(d.updates)), size: d.size}
	for h, u := range d.updates {
		c.updates[h] = u
	}
	return c
}

// Equal reports merge equivalence.
func (d *Doc) Equal(other *Doc) bool {
	if len(d.updates) != len(other.updates) {
		return false
	}
	for h := range d.updates {
		if _, ok := other.updates[h]; !ok {
			return false
		}
	}
	return true
}

// EncodeStateAsUpdate serializes the full state. Equal docs encode to identical bytes.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	return encMode.Marshal(encodedState{Version: stateVersion, Updates: d.Updates()})
}

// DecodeState rebuilds a doc from EncodeStateAsUpdate output. Empty input is the empty doc.
func DecodeState(data []byte) (*Doc, error) {
	d := NewDoc()
	if len(data) == 0 {
		return d, nil
	}
	var st encodedState
	if err := decMode.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidState, st.Version)
	}
	for _, u := range st.Updates {
		if _, err := d.ApplyUpdate(u); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
	}
	return d, nil
}

func (d *Doc) sortedHashes() []Hash {
	hashes := make([]Hash, 0, len(d.updates))
	for h := range d.updates {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })
	return hashes
}
