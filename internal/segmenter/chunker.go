package segmenter

import (
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// chunker splits a stream of data into chunks.
type chunker interface {
	// Next returns the next chunk of data.
	// It returns io.EOF when there are no more chunks.
	Next() ([]byte, error)
}

// newSizeChunker cuts r into fixed-size chunks.
func newSizeChunker(r io.Reader, size int64) chunker {
	return &boxoChunkerWrapper{
		splitter: boxochunker.NewSizeSplitter(r, size),
	}
}

// newRabinChunker cuts r at content-defined boundaries averaging size.
func newRabinChunker(r io.Reader, size uint64) chunker {
	return &boxoChunkerWrapper{
		splitter: boxochunker.NewRabin(r, size),
	}
}

type boxoChunkerWrapper struct {
	splitter boxochunker.Splitter
}

func (c *boxoChunkerWrapper) Next() ([]byte, error) {
	return c.splitter.NextBytes()
}
