package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HkdfExpand derives a single 32-byte subkey from secret using the
// HKDF-Expand (RFC 5869 §2.3) step only, with SHA-256.
//
// A Connection's shared key is already chosen with cryptographic
// randomness (it is a pre-shared 32-byte secret, not a Diffie-Hellman
// output that needs whitening), so the HKDF-Extract stage is skipped —
// matching hkdf_expand() in the original implementation this package is
// ported from. The temporary output buffer is scrubbed before return so
// no copy of the derived key outlives the SecretKey it is returned in.
func HkdfExpand(secret *SecretKey, info []byte) (SecretKey, error) {
	secretBytes, err := secret.Bytes()
	if err != nil {
		return SecretKey{}, err
	}

	r := hkdf.Expand(sha256.New, secretBytes, info)
	var buf [KeySize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return SecretKey{}, err
	}

	out := SecretKey{valid: true, key: buf}
	for i := range buf {
		buf[i] = 0
	}
	return out, nil
}
