// Package erasure splits blobs into Reed-Solomon slivers and rebuilds
// them from any sufficient subset.
package erasure

import (
	"bytes"
	"fmt"

	rs "github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/blake2b"
)

// Sliver is one Reed-Solomon shard of a stored blob. Any k slivers of a
// blob reconstruct it.
type Sliver struct {
	Hash         [32]byte
	BlobHash     [32]byte
	Index        uint8
	DataShards   uint8
	ParityShards uint8
	Payload      []byte
	OriginalSize uint64
}

// Encode splits blob into k data and p parity slivers.
func Encode(blob []byte, k, p uint8) ([]Sliver, error) {
	if k == 0 {
		return nil, fmt.Errorf("erasure: k (data shards) must be > 0")
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("erasure: empty blob")
	}

	encRS, err := rs.New(int(k), int(p))
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}
	shards, err := encRS.Split(blob)
	if err != nil {
		return nil, fmt.Errorf("erasure: split: %w", err)
	}
	if err := encRS.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode shards: %w", err)
	}

	blobHash := blake2b.Sum256(blob)
	n := int(k) + int(p)
	slivers := make([]Sliver, 0, n)
	for i := 0; i < n; i++ {
		payload := make([]byte, len(shards[i]))
		copy(payload, shards[i])
		slivers = append(slivers, Sliver{
			Hash:         sliverHash(blobHash, uint8(i), k, p, payload),
			BlobHash:     blobHash,
			Index:        uint8(i),
			DataShards:   k,
			ParityShards: p,
			Payload:      payload,
			OriginalSize: uint64(len(blob)),
		})
	}
	return slivers, nil
}

// Decode reconstructs a blob from at least k intact slivers. Slivers whose
// hash does not match their payload are treated as missing.
func Decode(slivers []Sliver) ([]byte, error) {
	if len(slivers) == 0 {
		return nil, fmt.Errorf("erasure: no slivers")
	}

	first := slivers[0]
	k, p := int(first.DataShards), int(first.ParityShards)
	n := k + p
	if k == 0 {
		return nil, fmt.Errorf("erasure: invalid k/p")
	}
	encRS, err := rs.New(k, p)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}

	// Nil means missing shard.
	shards := make([][]byte, n)
	for _, s := range slivers {
		idx := int(s.Index)
		if idx >= n {
			return nil, fmt.Errorf("erasure: invalid sliver index %d", idx)
		}
		if s.BlobHash != first.BlobHash {
			return nil, fmt.Errorf("erasure: slivers of different blobs")
		}
		if s.Hash != sliverHash(s.BlobHash, s.Index, s.DataShards, s.ParityShards, s.Payload) {
			continue
		}
		shards[idx] = bytes.Clone(s.Payload)
	}

	if err := encRS.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("erasure: reconstruct: %w", err)
	}
	// reedsolomon.Join requires the exact original size.
	var out bytes.Buffer
	if err := encRS.Join(&out, shards, int(first.OriginalSize)); err != nil {
		return nil, fmt.Errorf("erasure: join: %w", err)
	}

	data := out.Bytes()
	if blake2b.Sum256(data) != first.BlobHash {
		return nil, fmt.Errorf("erasure: reconstructed blob hash mismatch")
	}
	return data, nil
}

// EncodedSize is the total number of payload bytes across all slivers.
func EncodedSize(slivers []Sliver) int {
	total := 0
	for _, s := range slivers {
		total += len(s.Payload)
	}
	return total
}

func sliverHash(blobHash [32]byte, index, k, p uint8, payload []byte) [32]byte {
	var hh bytes.Buffer
	hh.Write(blobHash[:])
	hh.WriteByte(index)
	hh.WriteByte(k)
	hh.WriteByte(p)
	hh.Write(payload)
	return blake2b.Sum256(hh.Bytes())
}
