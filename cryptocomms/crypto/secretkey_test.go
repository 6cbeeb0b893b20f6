package crypto

import "testing"

func TestFromHexValid(t *testing.T) {
	hexStr := "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
	k, err := FromHex(hexStr)
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	b, err := k.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if b[0] != 0x01 || b[31] != 0x20 {
		t.Fatalf("unexpected decoded bytes: %x", b)
	}
}

func TestFromHexRejectsBadLength(t *testing.T) {
	if _, err := FromHex("abcd"); err != ErrBadHexKey {
		t.Fatalf("expected ErrBadHexKey, got %v", err)
	}
}

func TestFromHexRejectsNonHex(t *testing.T) {
	bad := "zz02030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
	if _, err := FromHex(bad); err != ErrBadHexKey {
		t.Fatalf("expected ErrBadHexKey, got %v", err)
	}
}

func TestZeroedKeyInvalid(t *testing.T) {
	k := NewZeroed()
	if k.Valid() {
		t.Fatalf("zeroed key should be invalid")
	}
	if _, err := k.Bytes(); err != ErrKeyInvalid {
		t.Fatalf("expected ErrKeyInvalid, got %v", err)
	}
}

func TestEraseInvalidates(t *testing.T) {
	k, err := FromHex("0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	k.Erase()
	if k.Valid() {
		t.Fatalf("erased key should be invalid")
	}
	b, err := k.Bytes()
	if err == nil {
		t.Fatalf("expected error, got bytes %x", b)
	}
}

func TestTakeZeroesSource(t *testing.T) {
	src, err := FromHex("0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	dst := Take(&src)
	if src.Valid() {
		t.Fatalf("source should be invalidated by Take")
	}
	if !dst.Valid() {
		t.Fatalf("destination should be valid")
	}
}
