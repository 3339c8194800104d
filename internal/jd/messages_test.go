package jd

import (
	"bytes"
	"strings"
	"testing"
)

func TestAllocTokenRoundTrip(t *testing.T) {
	msg := AllocToken{ReqID: 42, User: "sv2-jdc", MinNonce2: 8}
	data, err := msg.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := ParseAllocToken(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != msg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestAllocTokenUserTooLong(t *testing.T) {
	msg := AllocToken{ReqID: 1, User: strings.Repeat("a", 256)}
	if _, err := msg.Serialize(); err == nil {
		t.Fatal("expected error for user_len > 255")
	}
}

func TestAllocTokenTruncated(t *testing.T) {
	if _, err := ParseAllocToken([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected truncation error")
	} else if !strings.Contains(err.Error(), "truncated") {
		t.Fatalf("expected 'truncated' in error, got %v", err)
	}
}

func TestDeclJobRoundTrip(t *testing.T) {
	msg := DeclJob{
		ReqID:      7,
		Token:      []byte{0xAA, 0xBB},
		Version:    0x20000000,
		CbPrefix:   []byte{1, 2, 3},
		CbSuffix:   []byte{4, 5, 6, 7},
		HashNonce:  0x1122334455667788,
		ShortHash:  []uint64{111, 222},
		TxListHash: [32]byte{1, 2, 3},
		Extra:      []byte{9, 9},
	}
	data, err := msg.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := ParseDeclJob(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got.ReqID != msg.ReqID || !bytes.Equal(got.Token, msg.Token) ||
		got.Version != msg.Version || !bytes.Equal(got.CbPrefix, msg.CbPrefix) ||
		!bytes.Equal(got.CbSuffix, msg.CbSuffix) || got.HashNonce != msg.HashNonce ||
		got.TxListHash != msg.TxListHash || !bytes.Equal(got.Extra, msg.Extra) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
	for i := range msg.ShortHash {
		if got.ShortHash[i] != msg.ShortHash[i] {
			t.Fatalf("short hash %d mismatch", i)
		}
	}
}

func TestDeclJobTokenTooLong(t *testing.T) {
	msg := DeclJob{Token: make([]byte, 256)}
	if _, err := msg.Serialize(); err == nil {
		t.Fatal("expected error for token_len > 255")
	}
}

func TestDeclJobOkDropsTokenOnExactLengthBoundary(t *testing.T) {
	// data.len() == 5 + tlen exactly: strict '>' means new_token is dropped.
	token := []byte{0xCC, 0xDD}
	data := []byte{1, 0, 0, 0, byte(len(token))}
	data = append(data, token...)

	got, err := ParseDeclJobOk(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.NewToken != nil {
		t.Fatalf("expected token to be dropped at the exact length boundary, got %x", got.NewToken)
	}
}

func TestDeclJobOkKeepsTokenWhenDataLongerThanBoundary(t *testing.T) {
	token := []byte{0xCC, 0xDD}
	data := []byte{1, 0, 0, 0, byte(len(token))}
	data = append(data, token...)
	data = append(data, 0x00) // one extra byte pushes data.len() > 5+tlen

	got, err := ParseDeclJobOk(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(got.NewToken, token) {
		t.Fatalf("expected token %x, got %x", token, got.NewToken)
	}
}

func TestProvideTxsRoundTrip(t *testing.T) {
	msg := ProvideTxs{ReqID: 3, Txs: [][]byte{{1, 2, 3}, {}, bytes.Repeat([]byte{0xFF}, 500)}}
	data, err := msg.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := ParseProvideTxs(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ReqID != msg.ReqID || len(got.Txs) != len(msg.Txs) {
		t.Fatalf("round trip mismatch")
	}
	for i := range msg.Txs {
		if !bytes.Equal(got.Txs[i], msg.Txs[i]) {
			t.Fatalf("tx %d mismatch", i)
		}
	}
}

func TestDeclJobErrCodes(t *testing.T) {
	cases := []struct {
		code byte
		want string
	}{
		{ErrCodeBadToken, "BadToken"},
		{ErrCodeBadParams, "BadParams"},
		{ErrCodeStale, "Stale"},
		{0xFF, "Unknown"},
	}
	for _, c := range cases {
		if got := ErrCodeName(c.code); got != c.want {
			t.Errorf("ErrCodeName(%x) = %q, want %q", c.code, got, c.want)
		}
	}
}

func TestParseIdentifyTxsTruncated(t *testing.T) {
	if _, err := ParseIdentifyTxs([]byte{1, 0, 0, 0, 2, 0, 0}); err == nil {
		t.Fatal("expected truncation error")
	}
}
