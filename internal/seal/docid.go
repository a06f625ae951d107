package seal

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// DocumentNonceSize is the length of the random suffix of a document id.
const DocumentNonceSize = 16

var errMalformedDocumentID = errors.New("seal: malformed document id")

// DocumentID binds a SEAL ciphertext to an access policy scope, the video's
// creator, the video and a segment. Key servers parse it to learn which
// policy to check without consulting any index.
//
// Binary layout, every field but the nonce length-prefixed (2 bytes):
//
//	scope ‖ creator ‖ videoID ‖ segment ‖ nonce(16)
type DocumentID struct {
	Scope   string
	Creator string
	VideoID string
	Segment string
	Nonce   [DocumentNonceSize]byte
}

// Bytes returns the binary form.
func (d DocumentID) Bytes() []byte {
	var buf bytes.Buffer
	writeField(&buf, []byte(d.Scope))
	writeField(&buf, []byte(d.Creator))
	writeField(&buf, []byte(d.VideoID))
	writeField(&buf, []byte(d.Segment))
	buf.Write(d.Nonce[:])
	return buf.Bytes()
}

// String returns the hex form used in metadata and on the wire.
func (d DocumentID) String() string {
	return hex.EncodeToString(d.Bytes())
}

// ParseDocumentID parses the hex form.
func ParseDocumentID(s string) (DocumentID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return DocumentID{}, fmt.Errorf("%w: %v", errMalformedDocumentID, err)
	}
	return parseDocumentIDBytes(raw)
}

func parseDocumentIDBytes(raw []byte) (DocumentID, error) {
	var d DocumentID
	r := bytes.NewReader(raw)

	var fields [4][]byte
	for i := range fields {
		f, err := readField(r)
		if err != nil {
			return d, err
		}
		fields[i] = f
	}
	if _, err := io.ReadFull(r, d.Nonce[:]); err != nil {
		return d, fmt.Errorf("%w: nonce", errMalformedDocumentID)
	}
	if r.Len() != 0 {
		return d, fmt.Errorf("%w: %d trailing bytes", errMalformedDocumentID, r.Len())
	}
	d.Scope = string(fields[0])
	d.Creator = string(fields[1])
	d.VideoID = string(fields[2])
	d.Segment = string(fields[3])
	return d, nil
}

// maxFieldSize bounds every length-prefixed field.
const maxFieldSize = 1<<16 - 1

func writeField(buf *bytes.Buffer, field []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(field)))
	buf.Write(l[:])
	buf.Write(field)
}

func readField(r *bytes.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, fmt.Errorf("%w: field length", errMalformedDocumentID)
	}
	n := int(binary.BigEndian.Uint16(l[:]))
	if n > r.Len() {
		return nil, fmt.Errorf("%w: field overruns input", errMalformedDocumentID)
	}
	field := make([]byte, n)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, fmt.Errorf("%w: field", errMalformedDocumentID)
	}
	return field, nil
}
