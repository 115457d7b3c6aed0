package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evcraddock/todufit-go/internal/crdt"
	"github.com/evcraddock/todufit-go/internal/docid"
	"github.com/evcraddock/todufit-go/internal/docstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(docstore.New(t.TempDir()))
}

func TestState_InitiallyUninitialized(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, Uninitialized, m.State())
}

func TestState_AfterInitializeNew(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitializeNew()
	require.NoError(t, err)

	assert.Equal(t, Initialized, m.State())
}

func TestState_AfterInitializeJoin(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.InitializeJoin(docid.New()))
	assert.Equal(t, PendingSync, m.State())
}

func TestState_PlaceholderBlobIsPendingSync(t *testing.T) {
	m := newTestManager(t)
	id := docid.New()

	require.NoError(t, m.InitializeJoin(id))
	require.NoError(t, m.Store().Save(id, []byte("tiny")))

	assert.Equal(t, PendingSync, m.State())
}

func TestInitializeNew(t *testing.T) {
	m := newTestManager(t)

	rootID, err := m.InitializeNew()
	require.NoError(t, err)

	loadedRoot, ok, err := m.RootDocID()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rootID, loadedRoot)

	assert.True(t, m.Store().Exists(rootID))

	ident, err := m.LoadIdentity()
	require.NoError(t, err)
	assert.Empty(t, ident.Groups)
	assert.Equal(t, CurrentSchemaVersion, ident.SchemaVersion)

	// The meal logs blob exists and parses as a CRDT document with history.
	assert.True(t, m.Store().Exists(ident.MeallogsDocID))

	blob, err := m.Store().Load(ident.MeallogsDocID)
	require.NoError(t, err)

	doc, err := crdt.Load(blob)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Heads())
}

func TestInitializeNew_TwiceFails(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitializeNew()
	require.NoError(t, err)

	_, err = m.InitializeNew()
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitializeJoin(t *testing.T) {
	m := newTestManager(t)
	id := docid.New()

	require.NoError(t, m.InitializeJoin(id))

	loadedRoot, ok, err := m.RootDocID()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, loadedRoot)

	// No identity blob yet: pending sync.
	assert.False(t, m.Store().Exists(id))

	assert.ErrorIs(t, m.InitializeJoin(docid.New()), ErrAlreadyInitialized)
}

func TestLoadIdentity_NotInitialized(t *testing.T) {
	m := newTestManager(t)

	_, err := m.LoadIdentity()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestLoadIdentity_PendingSync(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.InitializeJoin(docid.New()))

	_, err := m.LoadIdentity()
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestCreateGroup(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitializeNew()
	require.NoError(t, err)

	groupID, err := m.CreateGroup("Family")
	require.NoError(t, err)

	assert.True(t, m.Store().Exists(groupID))

	groups, err := m.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Family", groups[0].Name)
	assert.Equal(t, groupID, groups[0].DocID)

	group, err := m.LoadGroup(groupID)
	require.NoError(t, err)
	assert.Equal(t, "Family", group.Name)

	for _, child := range group.Children() {
		assert.True(t, m.Store().Exists(child.DocID), child.Kind)
	}
}

func TestCreateGroup_NotInitialized(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateGroup("Family")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestCreateMultipleGroups(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitializeNew()
	require.NoError(t, err)

	_, err = m.CreateGroup("Family")
	require.NoError(t, err)
	_, err = m.CreateGroup("Work")
	require.NoError(t, err)

	groups, err := m.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 2)

	names := []string{groups[0].Name, groups[1].Name}
	assert.Contains(t, names, "Family")
	assert.Contains(t, names, "Work")
}

func TestJoinGroup(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitializeNew()
	require.NoError(t, err)

	groupID := docid.New()
	require.NoError(t, m.JoinGroup(groupID, "Shared Group"))

	groups, err := m.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, groupID, groups[0].DocID)

	// The blob is not created locally; it arrives on the next sync.
	assert.False(t, m.Store().Exists(groupID))

	_, err = m.LoadGroup(groupID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestJoinGroup_TwiceFails(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitializeNew()
	require.NoError(t, err)

	groupID := docid.New()
	require.NoError(t, m.JoinGroup(groupID, "Group"))

	err = m.JoinGroup(groupID, "Group Again")
	assert.ErrorIs(t, err, ErrAlreadyInGroup)
}

func TestLeaveGroup(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitializeNew()
	require.NoError(t, err)

	groupID, err := m.CreateGroup("Family")
	require.NoError(t, err)

	require.NoError(t, m.LeaveGroup(groupID))

	groups, err := m.ListGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)

	// Blobs stay on disk; only the reference is gone.
	assert.True(t, m.Store().Exists(groupID))
}

func TestListGroups_Uninitialized(t *testing.T) {
	m := newTestManager(t)

	groups, err := m.ListGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestMeallogsDocID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitializeNew()
	require.NoError(t, err)

	id, err := m.MeallogsDocID()
	require.NoError(t, err)
	assert.True(t, m.Store().Exists(id))

	ident, err := m.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, ident.MeallogsDocID, id)
}

func TestSaveIdentity_PreservesHistory(t *testing.T) {
	m := newTestManager(t)

	rootID, err := m.InitializeNew()
	require.NoError(t, err)

	before, err := m.Store().Load(rootID)
	require.NoError(t, err)
	beforeDoc, err := crdt.Load(before)
	require.NoError(t, err)

	require.NoError(t, m.JoinGroup(docid.New(), "Family"))

	after, err := m.Store().Load(rootID)
	require.NoError(t, err)
	afterDoc, err := crdt.Load(after)
	require.NoError(t, err)

	// The rewritten container extends the old history instead of replacing
	// it, so concurrent edits from two devices still merge.
	assert.False(t, beforeDoc.Heads().Equal(afterDoc.Heads()))
	require.NoError(t, beforeDoc.Merge(afterDoc))
	assert.True(t, beforeDoc.Heads().Equal(afterDoc.Heads()))
}

func TestUnsupportedSchemaRejected(t *testing.T) {
	m := newTestManager(t)

	rootID, err := m.InitializeNew()
	require.NoError(t, err)

	future := map[string]any{"schema_version": CurrentSchemaVersion + 1}
	payload, err := json.Marshal(future)
	require.NoError(t, err)

	doc, err := crdt.NewDoc()
	require.NoError(t, err)
	require.NoError(t, doc.PutString("data", string(payload)))
	require.NoError(t, m.Store().Save(rootID, doc.Save()))

	_, err = m.LoadIdentity()
	assert.ErrorIs(t, err, ErrUnsupportedSchema)
}

func TestGroupDocumentRoundtrip(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitializeNew()
	require.NoError(t, err)

	groupID, err := m.CreateGroup("Test Group")
	require.NoError(t, err)

	group, err := m.LoadGroup(groupID)
	require.NoError(t, err)
	assert.Equal(t, "Test Group", group.Name)
	assert.Equal(t, CurrentSchemaVersion, group.SchemaVersion)
	assert.NotEqual(t, group.DishesDocID, group.MealplansDocID)
	assert.NotEqual(t, group.MealplansDocID, group.ShoppingDocID)
}
