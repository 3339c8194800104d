// Package txmath implements the transaction-id and merkle-tree arithmetic
// the Job Declaration protocol needs: txids, short hashes, tx-list hashes,
// merkle roots and witness commitments.
package txmath

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// doubleSHA256 computes SHA256(SHA256(data)).
func doubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

func reverse32(h [32]byte) [32]byte {
	var out [32]byte
	for i := range h {
		out[i] = h[31-i]
	}
	return out
}

// CalcTxid returns reverse(SHA256(SHA256(rawTx))), the standard Bitcoin
// transaction id.
func CalcTxid(rawTx []byte) chainhash.Hash {
	return chainhash.Hash(reverse32(doubleSHA256(rawTx)))
}

// CalcShortHash returns the first 8 little-endian bytes of
// SHA256(nonce_LE(8) || txid), interpreted as a uint64. It lets a pool
// recognize a transaction it already holds without a full 32-byte id.
func CalcShortHash(txid chainhash.Hash, nonce uint64) uint64 {
	var buf [40]byte
	binary.LittleEndian.PutUint64(buf[0:8], nonce)
	copy(buf[8:], txid[:])
	digest := sha256.Sum256(buf[:])
	return binary.LittleEndian.Uint64(digest[0:8])
}

// CalcTxListHash returns SHA256(SHA256(concat(calc_txid(tx) for tx in txs))).
// Unlike a txid, the outer digest is not reversed.
func CalcTxListHash(rawTxs [][]byte) [32]byte {
	buf := make([]byte, 0, 32*len(rawTxs))
	for _, tx := range rawTxs {
		txid := CalcTxid(tx)
		buf = append(buf, txid[:]...)
	}
	return doubleSHA256(buf)
}

// MerkleRoot computes the standard Bitcoin merkle root over a list of
// txids: double-SHA256 of each concatenated pair, duplicating the last
// element when a level has odd length. An empty input yields the all-zero
// hash; a single input is returned unchanged.
func MerkleRoot(txids []chainhash.Hash) chainhash.Hash {
	if len(txids) == 0 {
		return chainhash.Hash{}
	}
	if len(txids) == 1 {
		return txids[0]
	}

	level := make([]chainhash.Hash, len(txids))
	copy(level, txids)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]chainhash.Hash, len(level)/2)
		var combined [64]byte
		for i := 0; i < len(level); i += 2 {
			copy(combined[0:32], level[i][:])
			copy(combined[32:64], level[i+1][:])
			next[i/2] = chainhash.Hash(doubleSHA256(combined[:]))
		}
		level = next
	}

	return level[0]
}

// WitnessCommitment returns SHA256(SHA256(root || nonce)).
func WitnessCommitment(root chainhash.Hash, nonce [32]byte) [32]byte {
	var buf [64]byte
	copy(buf[0:32], root[:])
	copy(buf[32:64], nonce[:])
	return doubleSHA256(buf[:])
}
