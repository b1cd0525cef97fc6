package trigger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
)

// FinalizeHandler runs the upload verifier for object.finalized envelopes.
// Redeliveries for uploads that are no longer pending are acknowledged.
func FinalizeHandler(v *dotpaths.UploadVerifier) Handler {
	return func(ctx context.Context, env Envelope) error {
		var n dotpaths.FinalizeNotification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return dotpaths.InvalidInputError("decode finalize notification: %v", err)
		}
		_, err := v.Verify(ctx, n)
		if errors.Is(err, dotpaths.ErrNotPending) {
			return nil
		}
		return err
	}
}

// CounterHandler applies upload.written envelopes to the DONE counter.
func CounterHandler(m *dotpaths.CounterMaintainer) Handler {
	return func(ctx context.Context, env Envelope) error {
		var change dotpaths.UploadChange
		if err := json.Unmarshal(env.Payload, &change); err != nil {
			return dotpaths.InvalidInputError("decode upload change: %v", err)
		}
		_, err := m.Apply(ctx, change)
		return err
	}
}
