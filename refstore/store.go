package refstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/fedflow/types"
)

// Key addresses one artifact: the publishing participant, the round it was
// published in, and its name. Each key has exactly one writer for the
// lifetime of a run.
type Key struct {
	Owner types.ParticipantID `json:"owner"`
	Round int                 `json:"round"`
	Name  string              `json:"name"`
}

// String renders the key in owner/round/name form.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Owner, k.Round, k.Name)
}

// Artifact is a published value. Value must be JSON-serializable; the
// store hands out copies, never the stored value itself.
type Artifact struct {
	Key       Key             `json:"key"`
	Value     json.RawMessage `json:"value"`
	Shareable bool            `json:"shareable"`
}

// NewArtifact encodes value for storage.
func NewArtifact(key Key, value any, shareable bool) (Artifact, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Artifact{}, types.Errorf(types.ErrReferenceResolution,
			"artifact %s value is not serializable", key).WithCause(err)
	}
	return Artifact{Key: key, Value: raw, Shareable: shareable}, nil
}

// Snapshot is the full store content in publish order, used for
// checkpointing and for backend-transparency comparisons.
type Snapshot struct {
	Artifacts []Artifact `json:"artifacts"`
}

// Store is a content-addressed artifact store with at-most-one writer per
// key. Distinct keys never contend; a duplicate-key write is a program
// error, never a race to resolve silently.
type Store interface {
	// Publish records an artifact. It fails with DUPLICATE_ARTIFACT when
	// the key already exists.
	Publish(ctx context.Context, artifact Artifact) error

	// Resolve reads an artifact on behalf of caller. It fails with
	// REFERENCE_RESOLUTION when the key is absent and PRIVACY_VIOLATION
	// when the artifact is not shareable and caller is not the owner.
	// The returned value is a decoded copy.
	Resolve(ctx context.Context, caller types.ParticipantID, key Key) (any, error)

	// Journal returns every published key in publish order.
	Journal(ctx context.Context) ([]Key, error)

	// Snapshot captures the full store content in publish order.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Restore replaces the store content with a snapshot.
	Restore(ctx context.Context, snap *Snapshot) error

	// Close releases backend resources.
	Close() error
}

// decodeValue produces a fresh value from the stored encoding, so callers
// can never mutate another participant's artifact in place.
func decodeValue(a Artifact) (any, error) {
	var v any
	if err := json.Unmarshal(a.Value, &v); err != nil {
		return nil, types.Errorf(types.ErrReferenceResolution,
			"artifact %s is corrupt", a.Key).WithCause(err)
	}
	return v, nil
}

func checkAccess(caller types.ParticipantID, a Artifact) error {
	if !a.Shareable && caller != a.Key.Owner {
		return types.Errorf(types.ErrPrivacyViolation,
			"artifact %s is private to %q", a.Key, a.Key.Owner).WithParticipant(caller)
	}
	return nil
}
