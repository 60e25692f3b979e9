package content

import (
	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrCIDMismatch is returned when a block's bytes do not hash to its CID.
var ErrCIDMismatch = errors.New("block does not match cid")

// Sum returns the CIDv0 (sha2-256, base58 "Qm…") of data.
func Sum(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", errors.Wrap(err, "hash block")
	}
	return cid.NewCidV0(mh).String(), nil
}

// Verify checks that data hashes to the given CID using the CID's own prefix,
// so v1 CIDs produced by other peers verify too.
func Verify(id string, data []byte) error {
	c, err := cid.Decode(id)
	if err != nil {
		return errors.Wrapf(err, "decode cid %q", id)
	}
	got, err := c.Prefix().Sum(data)
	if err != nil {
		return errors.Wrap(err, "hash block")
	}
	if !got.Equals(c) {
		return errors.Wrapf(ErrCIDMismatch, "cid %s", id)
	}
	return nil
}

// Valid reports whether id parses as a CID.
func Valid(id string) bool {
	_, err := cid.Decode(id)
	return err == nil
}
