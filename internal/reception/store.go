package reception

import "context"

// ProcessStore persists process state and the per-step completion journal.
// SaveState must overwrite atomically; a state is either the previous snapshot
// or the new one, never a mix. DeleteState removes the state and every journal
// entry recorded for the id.
type ProcessStore interface {
	SaveState(ctx context.Context, st *State) error

	// LoadState returns ErrStateNotFound when the id has no persisted state.
	LoadState(ctx context.Context, id string) (*State, error)

	DeleteState(ctx context.Context, id string) error

	// RecordStep journals the result of a completed external call so a
	// resumed instance never re-invokes it. Keys are unique per process;
	// recording the same key twice overwrites.
	RecordStep(ctx context.Context, id, key string, result []byte) error

	// LookupStep returns the journaled result and whether one exists.
	LookupStep(ctx context.Context, id, key string) ([]byte, bool, error)

	// ListActive returns every persisted state, terminal or not.
	ListActive(ctx context.Context) ([]*State, error)
}
