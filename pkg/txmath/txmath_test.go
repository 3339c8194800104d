package txmath

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// A well-known raw transaction (the Bitcoin genesis coinbase) and its
// standard, widely published txid, used to check calc_txid against a
// real-world fixture rather than only round-tripping our own math.
const genesisCoinbaseRaw = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff4d04ffff001d0104455468652054696d65732030332f4a616e2f32303039204368616e63656c6c6f72206f6e206272696e6b206f66207365636f6e64206261696c6f757420666f722062616e6b73ffffffff0100f2052a01000000434104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac00000000"
const genesisCoinbaseTxid = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func TestCalcTxidKnownVector(t *testing.T) {
	raw, err := hex.DecodeString(genesisCoinbaseRaw)
	if err != nil {
		t.Fatalf("bad fixture: %v", err)
	}

	got := CalcTxid(raw)
	want, err := chainhash.NewHashFromStr(genesisCoinbaseTxid)
	if err != nil {
		t.Fatalf("bad fixture hash: %v", err)
	}

	if got != *want {
		t.Fatalf("calc_txid mismatch: got %s, want %s", got, want)
	}
}

func TestMerkleRootSingle(t *testing.T) {
	var h chainhash.Hash
	h[0] = 0xAB
	if got := MerkleRoot([]chainhash.Hash{h}); got != h {
		t.Fatalf("merkle_root([x]) should equal x, got %s", got)
	}
}

func TestMerkleRootEmpty(t *testing.T) {
	var zero chainhash.Hash
	if got := MerkleRoot(nil); got != zero {
		t.Fatalf("merkle_root([]) should be all-zero, got %s", got)
	}
}

func TestMerkleRootOddLevelDuplicatesLast(t *testing.T) {
	var a, b, c chainhash.Hash
	a[0], b[0], c[0] = 1, 2, 3

	viaDuplication := MerkleRoot([]chainhash.Hash{a, b, c})
	viaExplicitDuplicate := MerkleRoot([]chainhash.Hash{a, b, c, c})

	if viaDuplication != viaExplicitDuplicate {
		t.Fatalf("expected odd-length level to duplicate its last element")
	}
}

func TestCalcShortHashMatchesDefinition(t *testing.T) {
	var txid chainhash.Hash
	txid[0] = 0x42
	nonce := uint64(0x1122334455667788)

	got := CalcShortHash(txid, nonce)

	var buf [40]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(nonce >> (8 * i))
	}
	copy(buf[8:], txid[:])
	digest := sha256.Sum256(buf[:])
	var want uint64
	for i := 0; i < 8; i++ {
		want |= uint64(digest[i]) << (8 * i)
	}

	if got != want {
		t.Fatalf("calc_short_hash mismatch: got %x, want %x", got, want)
	}
}
