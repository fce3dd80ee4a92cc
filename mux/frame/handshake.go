package frame

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
)

// NewRandom reads the random bytes a party sends during the handshake.
// A nil reader means crypto/rand.
func NewRandom(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, RandomLength)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "frame: read handshake random")
	}
	return b, nil
}

// IsOdd compares the local and remote handshake random bytes. The first
// differing byte decides: the party with the greater byte allocates odd
// channel ids. Equal sequences cannot break the symmetry.
func IsOdd(local, remote []byte) (bool, error) {
	if len(local) != len(remote) {
		return false, errors.Wrapf(ErrMalformed, "handshake random length %d, want %d", len(remote), len(local))
	}
	for i := range local {
		switch {
		case local[i] > remote[i]:
			return true, nil
		case local[i] < remote[i]:
			return false, nil
		}
	}
	return false, ErrIndeterminateParity
}
