package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/evcraddock/todufit-go/internal/crdt"
	"github.com/evcraddock/todufit-go/internal/docid"
	"github.com/evcraddock/todufit-go/internal/docstore"
)

// MinValidDocSize is the smallest blob that can hold real identity content.
// A join writes only the root pointer; until the first successful sync pulls
// the document, any blob below this size is treated as a placeholder.
const MinValidDocSize = 50

// payloadKey is the root map key holding the JSON payload of identity and
// group documents inside their CRDT container.
const payloadKey = "data"

// Sentinel errors. DocumentNotFound and AlreadyInGroup are wrapped with the
// offending id; use errors.Is to classify.
var (
	ErrAlreadyInitialized = errors.New("identity: already initialized")
	ErrNotInitialized     = errors.New("identity: not initialized")
	ErrDocumentNotFound   = errors.New("identity: document not found")
	ErrAlreadyInGroup     = errors.New("identity: already a member of group")
	ErrUnsupportedSchema  = errors.New("identity: unsupported schema version")
)

// State describes what the local store says about this device's identity.
type State int

// Identity states.
const (
	// Uninitialized: no root pointer exists.
	Uninitialized State = iota
	// Initialized: root pointer set and the identity blob is present.
	Initialized
	// PendingSync: root pointer set but the identity blob is missing or
	// still a placeholder; the next sync must pull it from the relay.
	PendingSync
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case PendingSync:
		return "pending-sync"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Manager owns the identity/group graph stored in a local document store.
type Manager struct {
	store *docstore.Store
}

// NewManager creates a manager over the given store.
func NewManager(store *docstore.Store) *Manager {
	return &Manager{store: store}
}

// Store returns the underlying document store.
func (m *Manager) Store() *docstore.Store {
	return m.store
}

// State derives the current identity state from the store. A root pointer
// read error degrades to Uninitialized and an identity blob read error to
// PendingSync; mutating operations surface them properly.
func (m *Manager) State() State {
	root, ok, err := m.store.LoadRoot()
	if err != nil || !ok {
		return Uninitialized
	}

	blob, err := m.store.Load(root)
	if err != nil || blob == nil || len(blob) < MinValidDocSize {
		return PendingSync
	}

	return Initialized
}

// RootDocID returns the identity document id, if the root pointer is set.
func (m *Manager) RootDocID() (docid.ID, bool, error) {
	return m.store.LoadRoot()
}

// InitializeNew creates a brand-new identity: a fresh identity document, an
// empty meal logs document, and the root pointer. Blobs are persisted
// child-first so a crash at any step leaves a consistent earlier state.
func (m *Manager) InitializeNew() (docid.ID, error) {
	if m.State() != Uninitialized {
		return docid.ID{}, ErrAlreadyInitialized
	}

	identityID := docid.New()
	meallogsID := docid.New()

	meallogs, err := crdt.NewDoc()
	if err != nil {
		return docid.ID{}, fmt.Errorf("identity: creating meal logs document: %w", err)
	}

	if err := m.store.Save(meallogsID, meallogs.Save()); err != nil {
		return docid.ID{}, err
	}

	blob, err := marshalDocument(nil, NewDocument(meallogsID))
	if err != nil {
		return docid.ID{}, err
	}

	if err := m.store.Save(identityID, blob); err != nil {
		return docid.ID{}, err
	}

	if err := m.store.SaveRoot(identityID); err != nil {
		return docid.ID{}, err
	}

	return identityID, nil
}

// InitializeJoin records an existing identity id without fetching its
// content; the document arrives on the next sync. State becomes PendingSync.
func (m *Manager) InitializeJoin(id docid.ID) error {
	if m.State() != Uninitialized {
		return ErrAlreadyInitialized
	}

	return m.store.SaveRoot(id)
}

// LoadIdentity reads and parses the identity document.
func (m *Manager) LoadIdentity() (*Document, error) {
	root, ok, err := m.store.LoadRoot()
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrNotInitialized
	}

	blob, err := m.store.Load(root)
	if err != nil {
		return nil, err
	}

	if blob == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, root)
	}

	var doc Document
	if err := unmarshalDocument(blob, &doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

// SaveIdentity serializes doc into the identity CRDT container and persists
// it at the root id. The existing container is updated in place so the
// document's history keeps merging cleanly across devices.
func (m *Manager) SaveIdentity(doc *Document) error {
	root, ok, err := m.store.LoadRoot()
	if err != nil {
		return err
	}

	if !ok {
		return ErrNotInitialized
	}

	existing, err := m.store.Load(root)
	if err != nil {
		return err
	}

	blob, err := marshalDocument(existing, doc)
	if err != nil {
		return err
	}

	return m.store.Save(root, blob)
}

// CreateGroup allocates a group with empty child documents and adds it to
// the identity. Child blobs are written first, the group document next, and
// the amended identity last: a crash mid-way leaves orphan blobs that
// nothing references, which are harmless and re-derivable via sync.
func (m *Manager) CreateGroup(name string) (docid.ID, error) {
	if m.State() != Initialized {
		return docid.ID{}, ErrNotInitialized
	}

	group := NewGroupDocument(name)
	groupID := docid.New()

	for _, child := range group.Children() {
		doc, err := crdt.NewDoc()
		if err != nil {
			return docid.ID{}, fmt.Errorf("identity: creating %s document: %w", child.Kind, err)
		}

		if err := m.store.Save(child.DocID, doc.Save()); err != nil {
			return docid.ID{}, err
		}
	}

	blob, err := marshalDocument(nil, group)
	if err != nil {
		return docid.ID{}, err
	}

	if err := m.store.Save(groupID, blob); err != nil {
		return docid.ID{}, err
	}

	ident, err := m.LoadIdentity()
	if err != nil {
		return docid.ID{}, err
	}

	ident.AddGroup(GroupRef{Name: name, DocID: groupID})

	if err := m.SaveIdentity(ident); err != nil {
		return docid.ID{}, err
	}

	return groupID, nil
}

// JoinGroup adds a reference to an existing group. The group document and
// its children are not created locally; they arrive on the next sync.
func (m *Manager) JoinGroup(id docid.ID, name string) error {
	if m.State() != Initialized {
		return ErrNotInitialized
	}

	ident, err := m.LoadIdentity()
	if err != nil {
		return err
	}

	if ident.HasGroup(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyInGroup, id)
	}

	ident.AddGroup(GroupRef{Name: name, DocID: id})

	return m.SaveIdentity(ident)
}

// LeaveGroup removes the group reference. Local blobs stay on disk; only
// the membership disappears.
func (m *Manager) LeaveGroup(id docid.ID) error {
	if m.State() != Initialized {
		return ErrNotInitialized
	}

	ident, err := m.LoadIdentity()
	if err != nil {
		return err
	}

	ident.RemoveGroup(id)

	return m.SaveIdentity(ident)
}

// ListGroups returns the identity's group references, or an empty list when
// no identity exists yet.
func (m *Manager) ListGroups() ([]GroupRef, error) {
	if m.State() != Initialized {
		return nil, nil
	}

	ident, err := m.LoadIdentity()
	if err != nil {
		return nil, err
	}

	return ident.Groups, nil
}

// LoadGroup reads and parses a group document. Fails with DocumentNotFound
// until the group blob has been synced.
func (m *Manager) LoadGroup(id docid.ID) (*GroupDocument, error) {
	blob, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}

	if blob == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	var doc GroupDocument
	if err := unmarshalDocument(blob, &doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

// MeallogsDocID returns the personal meal logs document id.
func (m *Manager) MeallogsDocID() (docid.ID, error) {
	ident, err := m.LoadIdentity()
	if err != nil {
		return docid.ID{}, err
	}

	return ident.MeallogsDocID, nil
}

// schemaProbe extracts just the schema version for the compatibility check.
type schemaProbe struct {
	SchemaVersion int `json:"schema_version"`
}

// marshalDocument serializes v as JSON under the payload key of a CRDT
// container. When existing is non-nil the container is loaded and updated in
// place, preserving its change history for cross-device merges.
func marshalDocument(existing []byte, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("identity: serializing document: %w", err)
	}

	var doc *crdt.Doc

	if existing != nil {
		doc, err = crdt.Load(existing)
	} else {
		doc, err = crdt.NewDoc()
	}

	if err != nil {
		return nil, err
	}

	if err := doc.PutString(payloadKey, string(payload)); err != nil {
		return nil, err
	}

	return doc.Save(), nil
}

// unmarshalDocument reverses marshalDocument, rejecting schema versions
// newer than this build understands.
func unmarshalDocument(blob []byte, v any) error {
	doc, err := crdt.Load(blob)
	if err != nil {
		return err
	}

	payload, ok, err := doc.GetString(payloadKey)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("identity: document has no %s field", payloadKey)
	}

	var probe schemaProbe
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return fmt.Errorf("identity: parsing document payload: %w", err)
	}

	if probe.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSchema, probe.SchemaVersion)
	}

	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("identity: parsing document payload: %w", err)
	}

	return nil
}
