package security

import (
	"bytes"
	"testing"
)

func TestWipe(t *testing.T) {
	pw := []byte("hunter2")
	key := []byte{1, 2, 3}
	Wipe(pw, nil, key)
	if !bytes.Equal(pw, make([]byte, 7)) || !bytes.Equal(key, make([]byte, 3)) {
		t.Errorf("Wipe() left %v %v", pw, key)
	}
}

func TestBox_RoundTrip(t *testing.T) {
	b, err := NewBox()
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	tests := [][]byte{nil, []byte("s3cret"), bytes.Repeat([]byte{0xAB}, 4096)}
	for _, plain := range tests {
		sealed, err := b.Seal(plain)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if len(plain) > 0 && bytes.Contains(sealed, plain) {
			t.Error("sealed data contains the plaintext")
		}

		other, err := OpenBox(b.Key())
		if err != nil {
			t.Fatalf("OpenBox() error = %v", err)
		}
		got, err := other.Open(sealed)
		if err != nil || !bytes.Equal(got, plain) {
			t.Errorf("Open() = %q, %v, want %q", got, err, plain)
		}
	}
}

func TestBox_NonceVaries(t *testing.T) {
	b, _ := NewBox()
	x, _ := b.Seal([]byte("same"))
	y, _ := b.Seal([]byte("same"))
	if bytes.Equal(x, y) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestBox_Rejects(t *testing.T) {
	b, _ := NewBox()
	sealed, _ := b.Seal([]byte("payload"))

	wrong, _ := NewBox()
	if _, err := wrong.Open(sealed); err == nil {
		t.Error("Open() with another key succeeded")
	}

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 1
	if _, err := b.Open(tampered); err == nil {
		t.Error("Open() of tampered data succeeded")
	}

	if _, err := b.Open([]byte{1, 2}); err != ErrSealedTooShort {
		t.Errorf("Open(short) = %v, want ErrSealedTooShort", err)
	}

	for _, key := range []string{"zz", "abcd"} {
		if _, err := OpenBox(key); err == nil {
			t.Errorf("OpenBox(%q) succeeded", key)
		}
	}
}

func TestBox_Close(t *testing.T) {
	b, _ := NewBox()
	b.Close()
	if b.Key() != string(bytes.Repeat([]byte("0"), 64)) {
		t.Errorf("Key() after Close = %s, want zeros", b.Key())
	}
}
