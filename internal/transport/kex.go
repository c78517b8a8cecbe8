package transport

import (
	"crypto"
	"crypto/ecdh"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"
)

// kexPacketConn is the view of the connection a key exchange runs over.
type kexPacketConn interface {
	writeKexPacket(payload []byte) error
	readKexPacket() ([]byte, error)
}

type handshakeMagics struct {
	clientVersion []byte
	serverVersion []byte
	clientKexInit []byte
	serverKexInit []byte
}

type kexResult struct {
	// H is the exchange hash.
	H []byte
	// K is the shared secret, mpint encoded.
	K         []byte
	HostKey   []byte
	Signature []byte
	Hash      crypto.Hash
}

type kexAlgorithm interface {
	client(c kexPacketConn, rand io.Reader, magics *handshakeMagics) (*kexResult, error)
}

var kexAlgorithms = map[string]kexAlgorithm{
	ssh.KeyExchangeCurve25519: curve25519Kex{},
	kexAlgoCurve25519LibSSH:   curve25519Kex{},
	ssh.KeyExchangeECDHP256:   ecdhKex{curve: ecdh.P256(), hash: crypto.SHA256},
	ssh.KeyExchangeECDHP384:   ecdhKex{curve: ecdh.P384(), hash: crypto.SHA384},
	ssh.KeyExchangeECDHP521:   ecdhKex{curve: ecdh.P521(), hash: crypto.SHA512},
}

type curve25519Kex struct{}

func (curve25519Kex) client(c kexPacketConn, rand io.Reader, magics *handshakeMagics) (*kexResult, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand, priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	reply, err := ecdhRoundTrip(c, pub)
	if err != nil {
		return nil, err
	}
	if len(reply.EphemeralPubKey) != 32 {
		return nil, errors.New("server curve25519 public value has wrong length")
	}
	secret, err := curve25519.X25519(priv[:], reply.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("server curve25519 public value is not valid: %w", err)
	}
	return finishECDH(crypto.SHA256, magics, reply, pub, secret), nil
}

type ecdhKex struct {
	curve ecdh.Curve
	hash  crypto.Hash
}

func (k ecdhKex) client(c kexPacketConn, rand io.Reader, magics *handshakeMagics) (*kexResult, error) {
	priv, err := k.curve.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	pub := priv.PublicKey().Bytes()

	reply, err := ecdhRoundTrip(c, pub)
	if err != nil {
		return nil, err
	}
	peer, err := k.curve.NewPublicKey(reply.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("server ecdh public value is not valid: %w", err)
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, err
	}
	return finishECDH(k.hash, magics, reply, pub, secret), nil
}

func ecdhRoundTrip(c kexPacketConn, pub []byte) (*kexECDHReplyMsg, error) {
	if err := c.writeKexPacket(ssh.Marshal(&kexECDHInitMsg{ClientPubKey: pub})); err != nil {
		return nil, err
	}
	packet, err := c.readKexPacket()
	if err != nil {
		return nil, err
	}
	var reply kexECDHReplyMsg
	if err := ssh.Unmarshal(packet, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func finishECDH(hash crypto.Hash, magics *handshakeMagics, reply *kexECDHReplyMsg, clientPub, secret []byte) *kexResult {
	k := new(big.Int).SetBytes(secret)
	h := hash.New()
	h.Write(ssh.Marshal(&exchangeHashInput{
		ClientVersion: magics.clientVersion,
		ServerVersion: magics.serverVersion,
		ClientKexInit: magics.clientKexInit,
		ServerKexInit: magics.serverKexInit,
		HostKey:       reply.HostKey,
		ClientPub:     clientPub,
		ServerPub:     reply.EphemeralPubKey,
		Secret:        k,
	}))
	return &kexResult{
		H:         h.Sum(nil),
		K:         ssh.Marshal(&mpint{N: k}),
		HostKey:   reply.HostKey,
		Signature: reply.Signature,
		Hash:      hash,
	}
}

// verifyHostKey checks the server's signature over H and returns the
// parsed host key.
func verifyHostKey(algo string, result *kexResult) (ssh.PublicKey, error) {
	key, err := ssh.ParsePublicKey(result.HostKey)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	if key.Type() != hostKeyType(algo) {
		return nil, fmt.Errorf("host key type %s does not match negotiated algorithm %s", key.Type(), algo)
	}

	var blob signatureBlob
	if err := ssh.Unmarshal(result.Signature, &blob); err != nil {
		return nil, fmt.Errorf("parse host key signature: %w", err)
	}
	if blob.Format != algo {
		return nil, fmt.Errorf("host key signature format %s does not match negotiated algorithm %s", blob.Format, algo)
	}
	sig := &ssh.Signature{Format: blob.Format, Blob: blob.Blob, Rest: blob.Rest}
	if err := key.Verify(result.H, sig); err != nil {
		return nil, fmt.Errorf("host key signature: %w", err)
	}
	return key, nil
}

// deriveKey expands K and H into a key of the given length for one of the
// letters A..F (RFC 4253 section 7.2).
func deriveKey(hash crypto.Hash, k, h, sessionID []byte, letter byte, length int) []byte {
	out := make([]byte, 0, length)
	var sofar []byte
	for len(out) < length {
		d := hash.New()
		d.Write(k)
		d.Write(h)
		if len(sofar) == 0 {
			d.Write([]byte{letter})
			d.Write(sessionID)
		} else {
			d.Write(sofar)
		}
		digest := d.Sum(nil)
		sofar = append(sofar, digest...)
		out = append(out, digest...)
	}
	return out[:length]
}
