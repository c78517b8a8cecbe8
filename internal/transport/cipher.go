package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
	"golang.org/x/crypto/ssh"
)

const (
	// maxPacket bounds the packet_length field; OpenSSH uses the same cap.
	maxPacket  = 256 * 1024
	minPadding = 4
	gcmTagSize = 16
)

// packetCipher frames, encrypts and authenticates one direction of
// traffic. Implementations are not safe for concurrent use.
type packetCipher interface {
	writeCipherPacket(seq uint32, w io.Writer, rand io.Reader, payload []byte) error
	readCipherPacket(seq uint32, r io.Reader) ([]byte, error)
}

type cipherSpec struct {
	keySize int
	ivSize  int
	aead    bool
	create  func(key, iv, macKey []byte, mac *macSpec) (packetCipher, error)
}

type macSpec struct {
	keySize int
	etm     bool
	new     func(key []byte) hash.Hash
}

var cipherSpecs = map[string]*cipherSpec{
	ssh.CipherAES128CTR:        {keySize: 16, ivSize: aes.BlockSize, create: newCTRCipher},
	ssh.CipherAES192CTR:        {keySize: 24, ivSize: aes.BlockSize, create: newCTRCipher},
	ssh.CipherAES256CTR:        {keySize: 32, ivSize: aes.BlockSize, create: newCTRCipher},
	ssh.CipherAES128GCM:        {keySize: 16, ivSize: 12, aead: true, create: newGCMCipher},
	ssh.CipherAES256GCM:        {keySize: 32, ivSize: 12, aead: true, create: newGCMCipher},
	ssh.CipherChaCha20Poly1305: {keySize: 64, aead: true, create: newChaChaCipher},
}

var macSpecs = map[string]*macSpec{
	ssh.HMACSHA256ETM: {keySize: 32, etm: true, new: func(k []byte) hash.Hash { return hmac.New(sha256.New, k) }},
	ssh.HMACSHA512ETM: {keySize: 64, etm: true, new: func(k []byte) hash.Hash { return hmac.New(sha512.New, k) }},
	ssh.HMACSHA256:    {keySize: 32, new: func(k []byte) hash.Hash { return hmac.New(sha256.New, k) }},
	ssh.HMACSHA512:    {keySize: 64, new: func(k []byte) hash.Hash { return hmac.New(sha512.New, k) }},
}

func isAEAD(name string) bool {
	spec, ok := cipherSpecs[name]
	return ok && spec.aead
}

// paddingFor returns the padding length that makes n+padding a multiple of
// block, with at least minPadding bytes.
func paddingFor(n, block int) int {
	p := block - n%block
	if p < minPadding {
		p += block
	}
	return p
}

func checkPacket(length uint32, padding byte) error {
	if length > maxPacket {
		return fmt.Errorf("invalid packet length %d: too large", length)
	}
	if padding < minPadding {
		return fmt.Errorf("illegal padding %d", padding)
	}
	if length <= uint32(padding)+1 {
		return fmt.Errorf("invalid packet length %d: too small", length)
	}
	return nil
}

// plainCipher is the framing used before the first NEWKEYS.
type plainCipher struct{}

func (plainCipher) writeCipherPacket(_ uint32, w io.Writer, rand io.Reader, payload []byte) error {
	pad := paddingFor(5+len(payload), 8)
	buf := make([]byte, 5+len(payload)+pad)
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)+pad))
	buf[4] = byte(pad)
	copy(buf[5:], payload)
	if _, err := io.ReadFull(rand, buf[5+len(payload):]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

func (plainCipher) readCipherPacket(_ uint32, r io.Reader) ([]byte, error) {
	var prefix [5]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:4])
	if err := checkPacket(length, prefix[4]); err != nil {
		return nil, err
	}
	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body[:len(body)-int(prefix[4])], nil
}

// ctrCipher is AES-CTR with an HMAC, in either encrypt-and-MAC or
// encrypt-then-MAC mode.
type ctrCipher struct {
	stream cipher.Stream
	mac    hash.Hash
	etm    bool
	seq    [4]byte
}

func newCTRCipher(key, iv, macKey []byte, mac *macSpec) (packetCipher, error) {
	if mac == nil {
		return nil, errors.New("ctr cipher requires a MAC")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &ctrCipher{
		stream: cipher.NewCTR(block, iv),
		mac:    mac.new(macKey),
		etm:    mac.etm,
	}, nil
}

func (c *ctrCipher) writeCipherPacket(seq uint32, w io.Writer, rand io.Reader, payload []byte) error {
	n := len(payload)
	var pad int
	if c.etm {
		pad = paddingFor(1+n, aes.BlockSize)
	} else {
		pad = paddingFor(5+n, aes.BlockSize)
	}
	total := 5 + n + pad
	buf := make([]byte, total, total+c.mac.Size())
	binary.BigEndian.PutUint32(buf, uint32(1+n+pad))
	buf[4] = byte(pad)
	copy(buf[5:], payload)
	if _, err := io.ReadFull(rand, buf[5+n:]); err != nil {
		return err
	}

	c.mac.Reset()
	binary.BigEndian.PutUint32(c.seq[:], seq)
	c.mac.Write(c.seq[:])
	if c.etm {
		c.stream.XORKeyStream(buf[4:], buf[4:])
		c.mac.Write(buf)
	} else {
		c.mac.Write(buf)
		c.stream.XORKeyStream(buf, buf)
	}
	buf = c.mac.Sum(buf)
	_, err := w.Write(buf)
	return err
}

func (c *ctrCipher) readCipherPacket(seq uint32, r io.Reader) ([]byte, error) {
	var encLen, plainLen [4]byte
	if _, err := io.ReadFull(r, encLen[:]); err != nil {
		return nil, err
	}
	if c.etm {
		plainLen = encLen
	} else {
		c.stream.XORKeyStream(plainLen[:], encLen[:])
	}
	length := binary.BigEndian.Uint32(plainLen[:])
	if length > maxPacket || length < minPadding+2 {
		return nil, fmt.Errorf("invalid packet length %d", length)
	}

	macSize := c.mac.Size()
	rest := make([]byte, int(length)+macSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	body, tag := rest[:length], rest[length:]

	c.mac.Reset()
	binary.BigEndian.PutUint32(c.seq[:], seq)
	c.mac.Write(c.seq[:])
	if c.etm {
		c.mac.Write(encLen[:])
		c.mac.Write(body)
		if subtle.ConstantTimeCompare(c.mac.Sum(nil), tag) != 1 {
			return nil, ErrMACMismatch
		}
		c.stream.XORKeyStream(body, body)
	} else {
		c.stream.XORKeyStream(body, body)
		c.mac.Write(plainLen[:])
		c.mac.Write(body)
		if subtle.ConstantTimeCompare(c.mac.Sum(nil), tag) != 1 {
			return nil, ErrMACMismatch
		}
	}

	if err := checkPacket(length, body[0]); err != nil {
		return nil, err
	}
	return body[1 : length-uint32(body[0])], nil
}

// gcmCipher is aes*-gcm@openssh.com (RFC 5647 with OpenSSH naming).
type gcmCipher struct {
	aead cipher.AEAD
	iv   []byte
}

func newGCMCipher(key, iv, _ []byte, _ *macSpec) (packetCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &gcmCipher{aead: aead, iv: append([]byte(nil), iv...)}, nil
}

// incIV increments the 64-bit invocation counter in the last 8 bytes of
// the nonce.
func (c *gcmCipher) incIV() {
	for i := len(c.iv) - 1; i >= 4; i-- {
		c.iv[i]++
		if c.iv[i] != 0 {
			break
		}
	}
}

func (c *gcmCipher) writeCipherPacket(_ uint32, w io.Writer, rand io.Reader, payload []byte) error {
	n := len(payload)
	pad := paddingFor(1+n, aes.BlockSize)
	plain := make([]byte, 1+n+pad)
	plain[0] = byte(pad)
	copy(plain[1:], payload)
	if _, err := io.ReadFull(rand, plain[1+n:]); err != nil {
		return err
	}

	out := make([]byte, 4, 4+len(plain)+gcmTagSize)
	binary.BigEndian.PutUint32(out, uint32(len(plain)))
	out = c.aead.Seal(out, c.iv, plain, out[:4])
	c.incIV()
	_, err := w.Write(out)
	return err
}

func (c *gcmCipher) readCipherPacket(_ uint32, r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxPacket || length < minPadding+2 {
		return nil, fmt.Errorf("invalid packet length %d", length)
	}
	buf := make([]byte, length+gcmTagSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	plain, err := c.aead.Open(buf[:0], c.iv, buf, prefix[:])
	if err != nil {
		return nil, ErrMACMismatch
	}
	c.incIV()

	if err := checkPacket(length, plain[0]); err != nil {
		return nil, err
	}
	return plain[1 : length-uint32(plain[0])], nil
}

// chachaCipher is chacha20-poly1305@openssh.com. The first 32 bytes of the
// key encrypt the payload, the second 32 the length field.
type chachaCipher struct {
	contentKey [32]byte
	lengthKey  [32]byte
}

func newChaChaCipher(key, _, _ []byte, _ *macSpec) (packetCipher, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("chacha20-poly1305 needs a 64 byte key, got %d", len(key))
	}
	c := &chachaCipher{}
	copy(c.contentKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c, nil
}

// streams returns the content and length ciphers for seq, and the poly1305
// key taken from the first content keystream block.
func (c *chachaCipher) streams(seq uint32) (content, length *chacha20.Cipher, polyKey [32]byte, err error) {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[8:], seq)
	content, err = chacha20.NewUnauthenticatedCipher(c.contentKey[:], nonce[:])
	if err != nil {
		return nil, nil, polyKey, err
	}
	length, err = chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce[:])
	if err != nil {
		return nil, nil, polyKey, err
	}
	content.XORKeyStream(polyKey[:], polyKey[:])
	content.SetCounter(1)
	return content, length, polyKey, nil
}

func (c *chachaCipher) writeCipherPacket(seq uint32, w io.Writer, rand io.Reader, payload []byte) error {
	content, lengthStream, polyKey, err := c.streams(seq)
	if err != nil {
		return err
	}

	n := len(payload)
	pad := paddingFor(1+n, 8)
	end := 4 + 1 + n + pad
	buf := make([]byte, end+poly1305.TagSize)
	binary.BigEndian.PutUint32(buf, uint32(1+n+pad))
	lengthStream.XORKeyStream(buf[:4], buf[:4])
	buf[4] = byte(pad)
	copy(buf[5:], payload)
	if _, err := io.ReadFull(rand, buf[5+n:end]); err != nil {
		return err
	}
	content.XORKeyStream(buf[4:end], buf[4:end])

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, buf[:end], &polyKey)
	copy(buf[end:], tag[:])
	_, err = w.Write(buf)
	return err
}

func (c *chachaCipher) readCipherPacket(seq uint32, r io.Reader) ([]byte, error) {
	content, lengthStream, polyKey, err := c.streams(seq)
	if err != nil {
		return nil, err
	}

	var encLen, plainLen [4]byte
	if _, err := io.ReadFull(r, encLen[:]); err != nil {
		return nil, err
	}
	lengthStream.XORKeyStream(plainLen[:], encLen[:])
	length := binary.BigEndian.Uint32(plainLen[:])
	if length > maxPacket || length < minPadding+2 {
		return nil, fmt.Errorf("invalid packet length %d", length)
	}

	end := 4 + int(length)
	buf := make([]byte, end+poly1305.TagSize)
	copy(buf, encLen[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, err
	}
	var tag [poly1305.TagSize]byte
	copy(tag[:], buf[end:])
	if !poly1305.Verify(&tag, buf[:end], &polyKey) {
		return nil, ErrMACMismatch
	}

	plain := buf[4:end]
	content.XORKeyStream(plain, plain)
	if err := checkPacket(length, plain[0]); err != nil {
		return nil, err
	}
	return plain[1 : length-uint32(plain[0])], nil
}

// newPacketCipher builds the cipher for one direction from derived key
// material.
func newPacketCipher(algs DirectionAlgorithms, key, iv, macKey []byte) (packetCipher, error) {
	spec, ok := cipherSpecs[algs.Cipher]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher %s", algs.Cipher)
	}
	var mac *macSpec
	if !spec.aead {
		if mac, ok = macSpecs[algs.MAC]; !ok {
			return nil, fmt.Errorf("unsupported MAC %s", algs.MAC)
		}
	}
	return spec.create(key, iv, macKey, mac)
}
