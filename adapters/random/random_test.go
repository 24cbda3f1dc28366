package random_test

import (
	"bytes"
	"testing"

	"github.com/artpar/billingd/adapters/random"
)

func TestReal_String(t *testing.T) {
	r := random.Real{}
	for _, n := range []int{1, 5, 16, 33} {
		s, err := r.String(n)
		if err != nil {
			t.Fatalf("String(%d) error: %v", n, err)
		}
		if len(s) != n {
			t.Errorf("len(String(%d)) = %d", n, len(s))
		}
	}
}

func TestReal_BytesDiffer(t *testing.T) {
	r := random.Real{}
	a, _ := r.Bytes(16)
	b, _ := r.Bytes(16)
	if bytes.Equal(a, b) {
		t.Error("two reads returned identical bytes")
	}
}

func TestFake_PresetThenDeterministic(t *testing.T) {
	f := random.NewFake().WithValues([]byte{0xAB})

	got, _ := f.Bytes(3)
	if !bytes.Equal(got, []byte{0xAB, 0, 0}) {
		t.Errorf("preset Bytes = %x, want ab0000", got)
	}
	got, _ = f.Bytes(2)
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("counter Bytes = %x, want 0102", got)
	}
}

func TestUint32(t *testing.T) {
	f := random.NewFake().WithUint32s(42, 100001)

	tests := []uint32{42, 100001}
	for _, want := range tests {
		got, err := random.Uint32(f)
		if err != nil {
			t.Fatalf("Uint32 error: %v", err)
		}
		if got != want {
			t.Errorf("Uint32 = %d, want %d", got, want)
		}
	}
}
