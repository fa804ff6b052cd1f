package ingredient

import (
	"context"

	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/revision"
	"github.com/ShabbirHasan1/picante/internal/runtime"
)

// Toucher is the cross-ingredient probe capability: given an encoded key,
// report the revision its value last changed at. Inputs report the
// entry's changedAt; interned ingredients report 0 for every known id.
// A key with no entry is an error in both.
type Toucher interface {
	Touch(ctx context.Context, k key.Key) (revision.Revision, error)
}

var (
	_ Toucher = (*Input[runtime.HasRuntime, int, int])(nil)
	_ Toucher = (*Interned[string])(nil)
)
