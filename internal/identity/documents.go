// Package identity manages the identity/group document graph: which
// documents this device may sync, and the state machine that bootstraps a
// fresh device from either a new identity or a join marker.
package identity

import (
	"github.com/evcraddock/todufit-go/internal/docid"
)

// CurrentSchemaVersion is the newest identity/group schema this build
// understands. Documents with a greater version are rejected rather than
// silently losing fields.
const CurrentSchemaVersion = 1

// GroupRef is a group membership entry stored in the identity document.
// Name is informational only; DocID is the membership key.
type GroupRef struct {
	Name  string   `json:"name"`
	DocID docid.ID `json:"doc_id"`
}

// Document is the personal identity document, one per user and shared by
// all of that user's devices. It references the personal meal logs document
// and every group the user belongs to.
type Document struct {
	SchemaVersion int        `json:"schema_version"`
	MeallogsDocID docid.ID   `json:"meallogs_doc_id"`
	Groups        []GroupRef `json:"groups"`
}

// NewDocument builds an identity document referencing the given meal logs
// document and no groups.
func NewDocument(meallogsDocID docid.ID) *Document {
	return &Document{
		SchemaVersion: CurrentSchemaVersion,
		MeallogsDocID: meallogsDocID,
	}
}

// HasGroup reports whether the identity references the given group.
func (d *Document) HasGroup(id docid.ID) bool {
	for _, g := range d.Groups {
		if g.DocID == id {
			return true
		}
	}

	return false
}

// AddGroup appends a group reference, ignoring duplicates by doc id.
func (d *Document) AddGroup(ref GroupRef) {
	if d.HasGroup(ref.DocID) {
		return
	}

	d.Groups = append(d.Groups, ref)
}

// RemoveGroup drops the reference with the given doc id, if present.
func (d *Document) RemoveGroup(id docid.ID) {
	kept := d.Groups[:0]

	for _, g := range d.Groups {
		if g.DocID != id {
			kept = append(kept, g)
		}
	}

	d.Groups = kept
}

// GroupByName returns the first group reference with the given display name.
func (d *Document) GroupByName(name string) (GroupRef, bool) {
	for _, g := range d.Groups {
		if g.Name == name {
			return g, true
		}
	}

	return GroupRef{}, false
}

// GroupDocument is the root document of a shared scope. Child document ids
// are assigned at creation and immutable thereafter.
type GroupDocument struct {
	SchemaVersion  int      `json:"schema_version"`
	Name           string   `json:"name"`
	DishesDocID    docid.ID `json:"dishes_doc_id"`
	MealplansDocID docid.ID `json:"mealplans_doc_id"`
	ShoppingDocID  docid.ID `json:"shopping_doc_id"`
}

// NewGroupDocument builds a group document with freshly generated child ids.
func NewGroupDocument(name string) *GroupDocument {
	return &GroupDocument{
		SchemaVersion:  CurrentSchemaVersion,
		Name:           name,
		DishesDocID:    docid.New(),
		MealplansDocID: docid.New(),
		ShoppingDocID:  docid.New(),
	}
}

// ChildRef names one shared child document of a group.
type ChildRef struct {
	Kind  string
	DocID docid.ID
}

// Children returns the group's shared child documents in the fixed sync
// order.
func (g *GroupDocument) Children() []ChildRef {
	return []ChildRef{
		{Kind: "dishes", DocID: g.DishesDocID},
		{Kind: "mealplans", DocID: g.MealplansDocID},
		{Kind: "shopping", DocID: g.ShoppingDocID},
	}
}
