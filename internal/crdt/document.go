// Package crdt defines the replicated document contract consumed by the
// transports, plus Map, a small last-writer-wins map used by the CLI and by
// tests. Transports treat every Document as opaque bytes in, bytes out.
package crdt

// Update is one change notification. Origin is whatever the applier passed
// to Apply; local edits carry a nil origin.
type Update struct {
	Data   []byte
	Origin any
}

// Document is a conflict-free replicated document. Apply must be idempotent
// and insensitive to arrival order: transports deliver diffs over unordered
// channels and may deliver the same diff more than once.
type Document interface {
	// EncodeState returns a diff containing the whole document.
	EncodeState() []byte

	// StateVector summarizes which changes this replica has already seen.
	StateVector() []byte

	// Diff returns the changes the holder of stateVector is missing.
	Diff(stateVector []byte) ([]byte, error)

	// Apply merges a diff produced by Diff, EncodeState or an Update. The
	// origin is attached to the resulting change notification.
	Apply(update []byte, origin any) error

	// Subscribe returns a stream of change notifications and a function that
	// ends the subscription. Only applies that changed the document are
	// reported. The channel is never closed.
	Subscribe() (<-chan Update, func())
}
