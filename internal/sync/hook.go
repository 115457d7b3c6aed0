package sync

import "github.com/evcraddock/todufit-go/internal/crdt"

// ProjectionHook is invoked once per session whose document heads advanced,
// after the updated blob has been saved. Implementations maintain derived
// read stores (e.g. a local SQLite cache) and must be idempotent: the same
// document state may be delivered again on a later sync.
//
// Hook errors are recorded on the session result; they can never corrupt
// the saved CRDT blob because the hook runs strictly after the save.
type ProjectionHook interface {
	OnDocumentUpdated(docKind string, doc *crdt.Doc) error
}

// HookFunc adapts a plain function to the ProjectionHook interface.
type HookFunc func(docKind string, doc *crdt.Doc) error

// OnDocumentUpdated implements ProjectionHook.
func (f HookFunc) OnDocumentUpdated(docKind string, doc *crdt.Doc) error {
	return f(docKind, doc)
}
