package stream

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const vaultSeedPrefix = "module/stream/escrow/"

// DeriveStreamID computes the deterministic identifier of a stream created by
// payer for payee at createdAt.
func DeriveStreamID(payer, payee [20]byte, createdAt int64) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	return ethcrypto.Keccak256Hash([]byte("stream"), payer[:], payee[:], ts[:])
}

// VaultAddress derives the escrow vault account bound to a stream id. The
// mapping is one-to-one and needs no lookup table.
func VaultAddress(id [32]byte) [20]byte {
	digest := ethcrypto.Keccak256([]byte(vaultSeedPrefix), id[:])
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}
