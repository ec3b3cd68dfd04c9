package pingback

import "context"

// Verifier checks the authenticity of a callback for one processor.
//
// Verify returns a VerifiedEvent built with NewVerifiedEvent, or an error
// wrapping ErrVerificationFailed or ErrNotDeliverable (usually as a
// *VerificationError). It must be deterministic for the same callback and mode.
type Verifier interface {
	Verify(ctx context.Context, cb IncomingCallback, mode Mode) (VerifiedEvent, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, cb IncomingCallback, mode Mode) (VerifiedEvent, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, cb IncomingCallback, mode Mode) (VerifiedEvent, error) {
	return f(ctx, cb, mode)
}
