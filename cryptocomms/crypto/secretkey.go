package crypto

import "errors"

// KeySize is the fixed width of a cryptocomms shared key and every
// derived subkey.
const KeySize = 32

// ErrKeyInvalid is returned whenever an erased or never-initialized
// SecretKey is used. It is a programmer error, fatal at the point of use.
var ErrKeyInvalid = errors.New("crypto: secret key used while invalid")

// ErrBadHexKey is returned when FromHex is given anything other than
// exactly 2*KeySize hex digits.
var ErrBadHexKey = errors.New("crypto: key must be exactly 64 hex characters")

// SecretKey holds a 32-byte key with a validity bit, guarding against
// accidental use of zeroed or moved-from storage. Copy a SecretKey only
// when you mean to duplicate the key; Take consumes and invalidates the
// source, mirroring a C++ move.
type SecretKey struct {
	valid bool
	key   [KeySize]byte
}

// NewZeroed returns an invalid key holder with zeroed backing storage.
func NewZeroed() SecretKey {
	return SecretKey{}
}

// FromHex parses exactly 64 hex characters into a valid SecretKey. Each
// digit is folded directly into the destination byte; no substring or
// intermediate buffer ever holds key material.
func FromHex(s string) (SecretKey, error) {
	if len(s) != 2*KeySize {
		return SecretKey{}, ErrBadHexKey
	}
	var k SecretKey
	for i := 0; i < KeySize; i++ {
		hi, ok := hexDigit(s[i*2])
		if !ok {
			return SecretKey{}, ErrBadHexKey
		}
		lo, ok := hexDigit(s[i*2+1])
		if !ok {
			return SecretKey{}, ErrBadHexKey
		}
		k.key[i] = hi<<4 | lo
	}
	k.valid = true
	return k, nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// Valid reports whether the key currently holds usable key material.
func (k *SecretKey) Valid() bool { return k.valid }

// Bytes returns a view of the 32-byte key. The slice aliases the
// SecretKey's internal storage; callers must not retain it past the
// SecretKey's Erase or lifetime end.
func (k *SecretKey) Bytes() ([]byte, error) {
	if !k.valid {
		return nil, ErrKeyInvalid
	}
	return k.key[:], nil
}

// Erase zeroes the key's contents and marks it invalid. Safe to call
// repeatedly.
func (k *SecretKey) Erase() {
	for i := range k.key {
		k.key[i] = 0
	}
	k.valid = false
}

// Take moves the key out of src, zeroing src and invalidating it, and
// returns the moved key. This is the Go equivalent of the C++ move
// constructor/assignment, which always scrubs the source.
func Take(src *SecretKey) SecretKey {
	out := *src
	src.Erase()
	return out
}
