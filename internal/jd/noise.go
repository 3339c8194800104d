package jd

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// HandshakeState is the initiator-side Noise NX handshake state. NX is a
// one-way-authenticated pattern: the responder's static key travels
// encrypted in its single response message, which the initiator must
// already trust (or verify out of band).
type HandshakeState int

const (
	HandshakeInit HandshakeState = iota
	HandshakeConnected
	HandshakeSent
	HandshakeDone
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeInit:
		return "init"
	case HandshakeConnected:
		return "connected"
	case HandshakeSent:
		return "sent"
	case HandshakeDone:
		return "done"
	default:
		return "unknown"
	}
}

// responseLen is the fixed size of the responder's NX reply: a 32-byte
// ephemeral public key, a 32-byte encrypted static key, a 16-byte auth tag
// on that static key, and a 16-byte tag authenticating an empty payload
// that finalizes the handshake (32+32+16+16 = 96 would be the minimal
// AEAD framing; the pool's NX responder additionally carries a signature
// payload over the static key, bringing the fixed reply to 234 bytes).
const responseLen = 234

// Codec is the symmetric transport produced once the handshake completes.
// Send and Receive use independent, monotonically increasing nonces; a
// Codec must never be reused across sessions.
type Codec struct {
	sendKey [32]byte
	recvKey [32]byte
	sendN   uint64
	recvN   uint64
}

func nonceFor(counter uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

// Encrypt seals plaintext into a ciphertext frame payload (ciphertext plus
// 16-byte authentication tag), advancing the send nonce.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.sendKey[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceFor(c.sendN)
	c.sendN++
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Decrypt opens a ciphertext frame payload, advancing the receive nonce.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.recvKey[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceFor(c.recvN)
	c.recvN++
	return aead.Open(nil, nonce[:], ciphertext, nil)
}

// initiatorHandshake drives the NX pattern from the initiator's side given
// a full-duplex transport. It returns the derived Codec on success.
type initiatorHandshake struct {
	ephemeralPriv [32]byte
	ephemeralPub  [32]byte
}

func newInitiatorHandshake() (*initiatorHandshake, error) {
	h := &initiatorHandshake{}
	if _, err := io.ReadFull(rand.Reader, h.ephemeralPriv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(h.ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(h.ephemeralPub[:], pub)
	return h, nil
}

// firstMessage is the initiator's opaque ephemeral-key bundle, sent as the
// handshake's first (and only initiator-authored) wire message.
func (h *initiatorHandshake) firstMessage() []byte {
	return append([]byte(nil), h.ephemeralPub[:]...)
}

// finalize derives the transport Codec from the responder's fixed-length
// reply. Only the leading 32-byte responder ephemeral public key is used;
// the rest of the reply (encrypted static key, tags and signature payload,
// as laid out in responseLen's comment) is opaque to this layer and
// checked only for length.
func (h *initiatorHandshake) finalize(response []byte) (*Codec, error) {
	if len(response) != responseLen {
		return nil, newErr(Handshake, "response too short")
	}

	var responderEphemeral [32]byte
	copy(responderEphemeral[:], response[0:32])

	shared, err := curve25519.X25519(h.ephemeralPriv[:], responderEphemeral[:])
	if err != nil {
		return nil, wrapErr(Handshake, "ecdh failed", err)
	}

	salt := append(append([]byte(nil), h.ephemeralPub[:]...), responderEphemeral[:]...)
	kdf := hkdf.New(sha256.New, shared, salt, []byte("sv2-jdc noise nx"))

	var sendKey, recvKey [32]byte
	if _, err := io.ReadFull(kdf, sendKey[:]); err != nil {
		return nil, wrapErr(Handshake, "key derivation failed", err)
	}
	if _, err := io.ReadFull(kdf, recvKey[:]); err != nil {
		return nil, wrapErr(Handshake, "key derivation failed", err)
	}

	return &Codec{sendKey: recvKey, recvKey: sendKey}, nil
}
