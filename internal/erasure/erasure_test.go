package erasure

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestEncodeDecode_SurvivesParityLoss(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		blob := rapid.SliceOfN(rapid.Byte(), 1, 8192).Draw(t, "blob")
		k := uint8(rapid.IntRange(1, 6).Draw(t, "k"))
		p := uint8(rapid.IntRange(1, 4).Draw(t, "p"))

		slivers, err := Encode(blob, k, p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if len(slivers) != int(k+p) {
			t.Fatalf("got %d slivers, want %d", len(slivers), k+p)
		}

		drop := rapid.IntRange(0, int(p)).Draw(t, "drop")
		kept := rapid.Permutation(slivers).Draw(t, "order")[drop:]

		got, err := Decode(kept)
		if err != nil {
			t.Fatalf("decode with %d dropped: %v", drop, err)
		}
		if !bytes.Equal(got, blob) {
			t.Fatalf("decoded blob differs")
		}
	})
}

func TestDecode_IgnoresCorruptSliver(t *testing.T) {
	blob := bytes.Repeat([]byte("ouroboros"), 100)
	slivers, err := Encode(blob, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	slivers[1].Payload[0] ^= 0xff

	got, err := Decode(slivers)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("corrupt sliver leaked into output")
	}
}

func TestDecode_TooFewSlivers(t *testing.T) {
	slivers, err := Encode([]byte("short blob"), 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(slivers[:3]); err == nil {
		t.Fatal("decoded from fewer than k slivers")
	}
	if _, err := Decode(nil); err == nil {
		t.Fatal("decoded from no slivers")
	}
	if _, err := Encode(nil, 4, 2); err == nil {
		t.Fatal("encoded empty blob")
	}
}
