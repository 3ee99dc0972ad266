package config

import (
	"encoding/pem"
	"fmt"
	"io"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/transport"
)

const pemBlockType = "BFTKIT PRIVATE KEY"

// LoadKeys reads one PEM-encoded signing key per roster entry from r, in
// the same order as file.Replica, and returns the address-to-key map
// described by the Keys doc comment. Each PEM block's bytes are the raw
// 32-byte secp256k1 scalar as produced by SigningKey.Bytes.
func LoadKeys(file *File, r io.Reader) (Keys, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read keys: %w", err)
	}

	keys := make(Keys, len(file.Replica))
	rest := data
	for i, addr := range file.Replica {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("config: expected %d PEM key blocks, found %d", len(file.Replica), i)
		}
		if block.Type != pemBlockType {
			return nil, fmt.Errorf("config: key block %d: unexpected PEM type %q", i, block.Type)
		}
		key, err := bcrypto.KeyFromBytes(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("config: key block %d: %w", i, err)
		}
		keys[addr] = key
	}
	return keys, nil
}

// EncodeKey serializes key as a single PEM block in the format LoadKeys
// expects, for use by key-generation tooling (cmd/replica's "genkeys"
// subcommand).
func EncodeKey(key bcrypto.SigningKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: key.Bytes()})
}

// DirectAddressVerifyingKeys is a convenience wrapper around
// Keys.VerifyingKeys: it adapts a Keys map (loaded for a replica process
// that owns its own signing key) into the verifying-key map Config
// expects, for the common case where every participant's verifying key
// is derived from the same roster-wide key set.
func DirectAddressVerifyingKeys(keys Keys) map[transport.Address]bcrypto.VerifyingKey {
	return keys.VerifyingKeys()
}
