package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

const keyPEMType = "P2P COMMENTS ED25519 SEED"

// NodeKey is the long-lived key a peer derives its identifier from.
type NodeKey struct {
	priv ed25519.PrivateKey
}

// GenerateNodeKey creates a fresh random key.
func GenerateNodeKey() (*NodeKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	return &NodeKey{priv: priv}, nil
}

// LoadOrCreateNodeKey reads the key at path, creating and persisting a new one
// when the file does not exist. The peer identifier is therefore stable across
// restarts of the same data directory.
func LoadOrCreateNodeKey(path string) (*NodeKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil || block.Type != keyPEMType || len(block.Bytes) != ed25519.SeedSize {
			return nil, errors.Newf("invalid node key file %s", path)
		}
		return &NodeKey{priv: ed25519.NewKeyFromSeed(block.Bytes)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read node key %s", path)
	}
	key, err := GenerateNodeKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "prepare key dir")
	}
	data := pem.EncodeToMemory(&pem.Block{Type: keyPEMType, Bytes: key.priv.Seed()})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, errors.Wrapf(err, "write node key %s", path)
	}
	return key, nil
}

// PeerID is base58(sha2-256 multihash of the public key), the same "Qm…"
// shape IPFS peer identifiers have.
func (k *NodeKey) PeerID() string {
	pub := k.priv.Public().(ed25519.PublicKey)
	mh, err := multihash.Sum(pub, multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 with default length cannot fail
		panic(err)
	}
	return base58.Encode(mh)
}
