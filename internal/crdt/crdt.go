// Package crdt adapts the automerge library to the narrow contract the rest
// of the codebase relies on: load/save, head comparison, merge, and the
// two-party sync protocol. Callers never touch automerge types directly,
// which keeps the library swappable and the call sites small.
package crdt

import (
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

// scratchKey is inserted and removed when creating a fresh document so its
// history contains at least one change. A document with an empty history is
// indistinguishable from "no document" to downstream consumers; the scratch
// change keeps "present but empty" observable.
const scratchKey = "_"

// Doc wraps a single automerge document.
type Doc struct {
	am *automerge.Doc
}

// Heads summarizes a document's history as a sorted list of change-hash hex
// strings. Two documents with equal heads hold equal logical state.
type Heads []string

// Equal reports whether two head sets are identical.
func (h Heads) Equal(other Heads) bool {
	if len(h) != len(other) {
		return false
	}

	for i := range h {
		if h[i] != other[i] {
			return false
		}
	}

	return true
}

// NewDoc creates a fresh document with at least one recorded change.
func NewDoc() (*Doc, error) {
	am := automerge.New()
	root := am.RootMap()

	if err := root.Set(scratchKey, true); err != nil {
		return nil, fmt.Errorf("crdt: writing scratch key: %w", err)
	}

	if err := root.Delete(scratchKey); err != nil {
		return nil, fmt.Errorf("crdt: removing scratch key: %w", err)
	}

	if _, err := am.Commit("init"); err != nil {
		return nil, fmt.Errorf("crdt: committing initial change: %w", err)
	}

	return &Doc{am: am}, nil
}

// Load parses a saved document blob.
func Load(data []byte) (*Doc, error) {
	am, err := automerge.Load(data)
	if err != nil {
		return nil, fmt.Errorf("crdt: loading document: %w", err)
	}

	return &Doc{am: am}, nil
}

// Save serializes the document to a self-contained blob. Loading the blob
// yields a document with the same heads.
func (d *Doc) Save() []byte {
	return d.am.Save()
}

// Heads returns the document's current head set.
func (d *Doc) Heads() Heads {
	hashes := d.am.Heads()

	heads := make(Heads, 0, len(hashes))
	for _, h := range hashes {
		heads = append(heads, h.String())
	}

	sort.Strings(heads)

	return heads
}

// Merge folds all changes from other into d. Merging is commutative and
// associative; repeated merges are no-ops.
func (d *Doc) Merge(other *Doc) error {
	if _, err := d.am.Merge(other.am); err != nil {
		return fmt.Errorf("crdt: merging documents: %w", err)
	}

	return nil
}

// SyncState tracks what one remote peer is known to have. One state per
// (document, peer); states are never reused across connections.
type SyncState struct {
	st *automerge.SyncState
}

// NewSyncState creates a fresh per-peer sync state bound to this document.
func (d *Doc) NewSyncState() *SyncState {
	return &SyncState{st: automerge.NewSyncState(d.am)}
}

// GenerateMessage produces the next sync message to send to the peer.
// Returns (nil, false) when the peer is believed to be in sync.
func (s *SyncState) GenerateMessage() ([]byte, bool) {
	msg, valid := s.st.GenerateMessage()
	if !valid {
		return nil, false
	}

	return msg.Bytes(), true
}

// ReceiveMessage applies a sync message from the peer, merging any remote
// changes into the document and advancing the sync state.
func (s *SyncState) ReceiveMessage(data []byte) error {
	if _, err := s.st.ReceiveMessage(data); err != nil {
		return fmt.Errorf("crdt: applying sync message: %w", err)
	}

	return nil
}

// PutString sets a string value at a root map key and commits the change.
func (d *Doc) PutString(key, value string) error {
	if err := d.am.RootMap().Set(key, value); err != nil {
		return fmt.Errorf("crdt: setting %q: %w", key, err)
	}

	if _, err := d.am.Commit("set " + key); err != nil {
		return fmt.Errorf("crdt: committing %q: %w", key, err)
	}

	return nil
}

// GetString reads a string value from a root map key. The second return is
// false when the key is absent or holds a non-string value.
func (d *Doc) GetString(key string) (string, bool, error) {
	v, err := d.am.RootMap().Get(key)
	if err != nil {
		return "", false, fmt.Errorf("crdt: reading %q: %w", key, err)
	}

	if v.Kind() != automerge.KindStr {
		return "", false, nil
	}

	return v.Str(), true, nil
}

// Keys lists the document's root map keys.
func (d *Doc) Keys() ([]string, error) {
	keys, err := d.am.RootMap().Keys()
	if err != nil {
		return nil, fmt.Errorf("crdt: listing keys: %w", err)
	}

	return keys, nil
}

// RootValues converts the root map into plain Go values (maps, slices,
// strings, numbers). Used by projections that need to walk entities without
// knowing their schema.
func (d *Doc) RootValues() (map[string]any, error) {
	root := d.am.RootMap()

	keys, err := root.Keys()
	if err != nil {
		return nil, fmt.Errorf("crdt: listing keys: %w", err)
	}

	out := make(map[string]any, len(keys))

	for _, key := range keys {
		value, err := automerge.As[any](root.Get(key))
		if err != nil {
			return nil, fmt.Errorf("crdt: converting %q: %w", key, err)
		}

		out[key] = value
	}

	return out, nil
}
