package crypto

import (
	"strings"
	"testing"
)

func testKey() []byte {
	key := make([]byte, keySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey(), 1)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	for _, plain := range []string{"", "k", "binance-api-key-abc123", strings.Repeat("s", 256)} {
		sealed, err := s.Seal(plain)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plain, err)
		}
		if !strings.HasPrefix(sealed, "ENC[v1]:") {
			t.Errorf("missing version prefix: %s", sealed)
		}
		got, err := s.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestSealNonceIsFresh(t *testing.T) {
	s, _ := NewSealer(testKey(), 1)
	a, _ := s.Seal("same-secret")
	b, _ := s.Seal("same-secret")
	if a == b {
		t.Error("two seals of the same plaintext must differ")
	}
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	if _, err := NewSealer([]byte("short"), 1); err != ErrBadKey {
		t.Errorf("got %v, want ErrBadKey", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	s, _ := NewSealer(testKey(), 1)
	for _, bad := range []string{"", "plain", "ENC[v1]:", "ENC[v1]:%%%", "ENC[v1]:aGk="} {
		if _, err := s.Open(bad); err == nil {
			t.Errorf("Open(%q) should fail", bad)
		}
	}
}

func TestSealedVersion(t *testing.T) {
	cases := map[string]int{
		"ENC[v1]:data":  1,
		"ENC[v7]:data":  7,
		"ENC[v10]:data": 10,
		"ENC[vX]:data":  0,
		"nope":          0,
	}
	for in, want := range cases {
		if got := SealedVersion(in); got != want {
			t.Errorf("SealedVersion(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestKeyringRotation(t *testing.T) {
	k1 := testKey()
	k2 := make([]byte, keySize)
	for i := range k2 {
		k2[i] = byte(i + 100)
	}

	kr := &Keyring{sealers: make(map[int]*Sealer)}
	s1, _ := NewSealer(k1, 1)
	kr.sealers[1] = s1
	kr.current = 1

	sealed, ver, err := kr.Seal("secret")
	if err != nil || ver != 1 {
		t.Fatalf("seal v1: ver=%d err=%v", ver, err)
	}

	// Rotate: v2 becomes current, v1 stays readable.
	s2, _ := NewSealer(k2, 2)
	kr.sealers[2] = s2
	kr.current = 2

	got, err := kr.Open(sealed)
	if err != nil || got != "secret" {
		t.Fatalf("open old version after rotation: %q, %v", got, err)
	}

	sealed2, ver, err := kr.Seal("secret")
	if err != nil || ver != 2 {
		t.Fatalf("seal v2: ver=%d err=%v", ver, err)
	}
	if !strings.HasPrefix(sealed2, "ENC[v2]:") {
		t.Errorf("new seal should carry v2 prefix: %s", sealed2)
	}
}
