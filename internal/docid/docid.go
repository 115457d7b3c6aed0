// Package docid provides the opaque 16-byte document identifier used to
// address CRDT documents locally and on the wire. The text form is
// base58check (base58 over payload + 4-byte double-SHA-256 checksum), which
// keeps ids copy-pasteable and interoperable with the automerge-repo
// ecosystem's `automerge:<id>` URL form.
//
// This is a leaf package with no dependencies beyond stdlib and the base58
// codec.
package docid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Size is the fixed byte length of a document id.
const Size = 16

// URLPrefix is the scheme prefix of the URL form.
const URLPrefix = "automerge:"

// checksumLen is the number of trailing checksum bytes in the text form.
const checksumLen = 4

// Decode failure sentinels. Use errors.Is to classify.
var (
	ErrInvalidEncoding = errors.New("docid: invalid base58 encoding")
	ErrInvalidLength   = errors.New("docid: invalid payload length")
	ErrInvalidChecksum = errors.New("docid: checksum mismatch")
	ErrInvalidURL      = errors.New("docid: invalid document URL")
)

// ID is an opaque 16-byte document identifier. The zero value is valid as a
// map key but never produced by New; callers that need "absent" semantics
// should use a pointer or a separate flag.
type ID [Size]byte

// New returns a freshly random document id.
func New() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read never fails on supported platforms.
		panic("docid: reading random bytes: " + err.Error())
	}

	return id
}

// FromBytes builds an ID from a raw byte slice. The slice must be exactly
// Size bytes long.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidLength, Size, len(b))
	}

	var id ID
	copy(id[:], b)

	return id, nil
}

// Bytes returns a copy of the raw id bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])

	return b
}

// checksum returns the 4-byte base58check checksum for payload.
func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])

	return second[:checksumLen]
}

// String returns the base58check text form.
func (id ID) String() string {
	buf := make([]byte, 0, Size+checksumLen)
	buf = append(buf, id[:]...)
	buf = append(buf, checksum(id[:])...)

	return base58.Encode(buf)
}

// Parse decodes the base58check text form. It rejects non-base58 input,
// payloads that are not exactly 16 bytes, and checksum mismatches.
func Parse(s string) (ID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidEncoding, s)
	}

	if len(raw) < checksumLen {
		return ID{}, fmt.Errorf("%w: %d bytes is too short for a checksum", ErrInvalidLength, len(raw))
	}

	payload, sum := raw[:len(raw)-checksumLen], raw[len(raw)-checksumLen:]
	if !bytesEqual(sum, checksum(payload)) {
		return ID{}, ErrInvalidChecksum
	}

	if len(payload) != Size {
		return ID{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidLength, Size, len(payload))
	}

	var id ID
	copy(id[:], payload)

	return id, nil
}

// URL returns the automerge-repo URL form, "automerge:<text>".
func (id ID) URL() string {
	return URLPrefix + id.String()
}

// ParseURL parses the "automerge:<text>" form. An optional "#<heads>" suffix
// (used by other automerge-repo peers to pin a point in history) is stripped
// and ignored.
func ParseURL(s string) (ID, error) {
	rest, ok := strings.CutPrefix(s, URLPrefix)
	if !ok {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidURL, s)
	}

	// Heads suffix is informational only.
	rest, _, _ = strings.Cut(rest, "#")

	return Parse(rest)
}

// Derive deterministically computes the id of a well-known document from its
// owner scope and document kind: the first 16 bytes of
// SHA-256(owner + ":" + kind). Clients and the relay agree on these ids
// without a directory service.
func Derive(ownerScope, kind string) ID {
	h := sha256.New()
	h.Write([]byte(ownerScope))
	h.Write([]byte(":"))
	h.Write([]byte(kind))

	var id ID
	copy(id[:], h.Sum(nil)[:Size])

	return id
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// bytesEqual is a tiny constant-free comparison; checksums are not secrets.
func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// Compile-time interface assertions.
var (
	_ fmt.Stringer             = ID{}
	_ encoding.TextMarshaler   = ID{}
	_ encoding.TextUnmarshaler = (*ID)(nil)
)
