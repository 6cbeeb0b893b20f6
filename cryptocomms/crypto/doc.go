// Package crypto provides the cryptographic primitives cryptocomms'
// Connection state machine is built on.
//
// Design goals:
//   - AEAD encryption via AES-256-GCM, 12-byte IV, 16-byte tag
//   - Key derivation via HKDF-Expand-SHA-256
//   - In-memory hygiene for pre-shared keys: contents are scrubbed on
//     erase and whenever a key is consumed by move
//
// Go offers no compiler guarantee that scrubbed memory stays scrubbed
// (the garbage collector may already have copied it elsewhere by the time
// Erase runs), so this package treats erasure as defense in depth rather
// than a hard guarantee.
package crypto
