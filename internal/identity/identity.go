// Package identity verifies signed envelopes and resolves DIDs to their
// long-lived Ed25519 verification keys, mirroring the teacher's crypto
// package (address parsing + signature checks over canonical bytes) adapted
// to did:key/did:web identities and Ed25519 signatures.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/ainp-network/broker/internal/apperr"
	"github.com/ainp-network/broker/internal/types"
)

// KeyResolver looks up an agent's current Ed25519 public key by DID.
type KeyResolver interface {
	ResolveKey(did string) (ed25519.PublicKey, bool, error)
}

// Validator verifies envelope structure, expiry, and signature.
type Validator struct {
	keys KeyResolver
	now  func() time.Time
}

// NewValidator constructs a Validator backed by the given key resolver.
func NewValidator(keys KeyResolver) *Validator {
	return &Validator{keys: keys, now: time.Now}
}

// Verify checks structural validity, expiry, and signature of env, and
// optionally enforces that assertedDID (e.g. from an X-AINP-DID header)
// matches the envelope's sender. assertedDID == "" skips that check.
//
// Returns the canonical bytes on success so callers (replay guard, mailbox)
// can reuse them without recomputing.
func (v *Validator) Verify(env types.Envelope, assertedDID string) (canonical []byte, err *apperr.Error) {
	if env.ID == "" || env.FromDID == "" || env.MsgType == "" || env.TimestampMS <= 0 || env.TTLSeconds <= 0 {
		return nil, apperr.ErrInvalidStructure
	}
	if !types.ValidDID(env.FromDID) {
		return nil, apperr.New(apperr.CodeInvalidStructure, 400, "from_did is not a valid DID")
	}
	if env.ToDID != "" && !types.ValidDID(env.ToDID) {
		return nil, apperr.New(apperr.CodeInvalidStructure, 400, "to_did is not a valid DID")
	}
	if assertedDID != "" && assertedDID != env.FromDID {
		return nil, apperr.ErrDIDMismatch
	}
	nowMS := v.now().UnixMilli()
	if env.ExpiredAt(nowMS) {
		return nil, apperr.ErrExpired
	}
	canonical, cerr := env.Canonical()
	if cerr != nil {
		return nil, apperr.New(apperr.CodeMalformed, 400, "envelope could not be canonicalized: %v", cerr)
	}
	pub, ok, rerr := v.keys.ResolveKey(env.FromDID)
	if rerr != nil {
		return nil, apperr.Internal(rerr)
	}
	if !ok {
		return nil, apperr.ErrUnknownSender
	}
	sig, derr := base64.StdEncoding.DecodeString(env.Signature)
	if derr != nil {
		return nil, apperr.New(apperr.CodeSignatureInvalid, 401, "signature is not valid base64")
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return nil, apperr.ErrSignatureInvalid
	}
	return canonical, nil
}

// Sign produces the base64 signature for an envelope using priv, for use by
// test fixtures and SDK-side callers (the broker itself never signs on an
// agent's behalf).
func Sign(priv ed25519.PrivateKey, env types.Envelope) (string, error) {
	canonical, err := env.Canonical()
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, canonical)
	return base64.StdEncoding.EncodeToString(sig), nil
}
