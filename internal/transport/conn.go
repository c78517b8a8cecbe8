// Package transport implements the client side of the SSH transport layer
// protocol (RFC 4253): version exchange, algorithm negotiation, ECDH key
// exchange, encrypted framing and rekeying.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/adapters/realnet"
	"github.com/acolita/sshkit/internal/adapters/realrand"
	"github.com/acolita/sshkit/internal/ports"
	"golang.org/x/crypto/ssh"
)

// DefaultRekeyThreshold is the number of bytes after which the client
// starts a new key exchange.
const DefaultRekeyThreshold = 1 << 30

// disconnectTimeout bounds the DISCONNECT write in Close.
const disconnectTimeout = time.Second

// Config configures a client transport.
type Config struct {
	ClientVersion     string
	KeyExchanges      []string
	HostKeyAlgorithms []string
	Ciphers           []string
	MACs              []string

	// HostKeyCallback is called with the verified host key on every key
	// exchange. It is required.
	HostKeyCallback ssh.HostKeyCallback

	RekeyThreshold uint64

	Rand   ports.Random
	Dialer ports.NetworkDialer
}

func (cfg *Config) setDefaults() {
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = DefaultClientVersion
	}
	if len(cfg.KeyExchanges) == 0 {
		cfg.KeyExchanges = DefaultKeyExchanges
	}
	if len(cfg.HostKeyAlgorithms) == 0 {
		cfg.HostKeyAlgorithms = DefaultHostKeyAlgorithms
	}
	if len(cfg.Ciphers) == 0 {
		cfg.Ciphers = DefaultCiphers
	}
	if len(cfg.MACs) == 0 {
		cfg.MACs = DefaultMACs
	}
	if cfg.RekeyThreshold == 0 {
		cfg.RekeyThreshold = DefaultRekeyThreshold
	}
	if cfg.Rand == nil {
		cfg.Rand = realrand.New()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = realnet.NewDialer()
	}
}

// Conn is an established, encrypted SSH transport.
//
// ReadPacket must be called from a single goroutine. WritePacket is safe for
// concurrent use; each call sends one complete message. Messages written
// while a key exchange is in flight are queued and flushed once new keys
// are in place.
type Conn struct {
	nc   net.Conn
	r    *bufio.Reader
	cfg  Config
	addr string

	clientVersion []byte
	serverVersion []byte

	// Read side, owned by the reading goroutine.
	readCipher packetCipher
	readSeq    uint32
	readBytes  uint64
	strict     bool

	mu            sync.Mutex
	writeCipher   packetCipher
	writeSeq      uint32
	writeBytes    uint64
	kexPending    bool
	sentKexInit   []byte
	queued        [][]byte
	sessionID     []byte
	algs          Algorithms
	serverSigAlgs []string

	// The terminal error has its own lock so Close and fail never wait on
	// a writer blocked in nc.Write.
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// Dial connects to addr and performs the transport handshake. The context
// bounds both the TCP connect and the handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	cfg.setDefaults()
	nc, err := cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}
	c, err := NewClientConn(ctx, nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClientConn runs the transport handshake over an existing connection.
// addr is passed to the host key callback.
func NewClientConn(ctx context.Context, nc net.Conn, addr string, cfg Config) (*Conn, error) {
	cfg.setDefaults()
	if cfg.HostKeyCallback == nil {
		return nil, errors.New("transport: HostKeyCallback is required")
	}

	c := &Conn{
		nc:            nc,
		r:             bufio.NewReaderSize(nc, 64*1024),
		cfg:           cfg,
		addr:          addr,
		clientVersion: []byte(cfg.ClientVersion),
		readCipher:    plainCipher{},
		writeCipher:   plainCipher{},
	}

	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Unix(1, 0))
	})

	err := c.handshake()
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w: %w", addr, ErrTimedOut, err)
		}
		return nil, err
	}
	nc.SetDeadline(time.Time{})

	slog.Debug("ssh transport established",
		slog.String("addr", addr),
		slog.String("server_version", string(c.serverVersion)),
		slog.String("kex", c.algs.Kex),
		slog.String("host_key", c.algs.HostKey),
		slog.String("cipher", c.algs.Write.Cipher),
		slog.String("mac", c.algs.Write.MAC),
		slog.Bool("strict_kex", c.strict),
	)
	return c, nil
}

func (c *Conn) handshake() error {
	if err := writeVersion(c.nc, c.cfg.ClientVersion); err != nil {
		return &HandshakeError{Stage: "version exchange", Err: err}
	}
	v, err := readVersion(c.r)
	if err != nil {
		return &HandshakeError{Stage: "version exchange", Err: err}
	}
	c.serverVersion = v

	c.mu.Lock()
	err = c.startKexLocked()
	c.mu.Unlock()
	if err != nil {
		return &HandshakeError{Stage: "key exchange", Err: err}
	}

	skipped := 0
	for {
		p, err := c.readRaw()
		if err != nil {
			return &HandshakeError{Stage: "key exchange", Err: err}
		}
		switch p[0] {
		case msgIgnore, msgDebug:
			skipped++
			continue
		case msgDisconnect:
			return &HandshakeError{Stage: "key exchange", Err: parseDisconnect(p)}
		case msgKexInit:
		default:
			return &HandshakeError{Stage: "key exchange", Err: fmt.Errorf("unexpected message %d before KEXINIT", p[0])}
		}
		if err := c.exchange(p); err != nil {
			return err
		}
		if c.strict && skipped > 0 {
			return &HandshakeError{Stage: "key exchange", Err: errors.New("strict key exchange violated before KEXINIT")}
		}
		return nil
	}
}

func (c *Conn) buildKexInit(first bool) ([]byte, error) {
	msg := kexInitMsg{
		KexAlgos:                slices.Clone(c.cfg.KeyExchanges),
		ServerHostKeyAlgos:      c.cfg.HostKeyAlgorithms,
		CiphersClientServer:     c.cfg.Ciphers,
		CiphersServerClient:     c.cfg.Ciphers,
		MACsClientServer:        c.cfg.MACs,
		MACsServerClient:        c.cfg.MACs,
		CompressionClientServer: []string{compressionNone},
		CompressionServerClient: []string{compressionNone},
	}
	if first {
		msg.KexAlgos = append(msg.KexAlgos, extInfoClient, kexStrictClient)
	}
	if _, err := c.cfg.Rand.Read(msg.Cookie[:]); err != nil {
		return nil, err
	}
	return ssh.Marshal(&msg), nil
}

// startKexLocked sends our KEXINIT unless one is already outstanding.
// c.mu must be held.
func (c *Conn) startKexLocked() error {
	if c.kexPending {
		return nil
	}
	payload, err := c.buildKexInit(c.sessionID == nil)
	if err != nil {
		return err
	}
	if err := c.writeLocked(payload); err != nil {
		return err
	}
	c.kexPending = true
	c.sentKexInit = payload
	return nil
}

// exchange runs one key exchange in response to the server's KEXINIT.
func (c *Conn) exchange(serverKexInit []byte) error {
	c.mu.Lock()
	err := c.startKexLocked()
	ours := c.sentKexInit
	first := c.sessionID == nil
	sessionID := c.sessionID
	c.mu.Unlock()
	if err != nil {
		return &HandshakeError{Stage: "key exchange", Err: err}
	}

	var clientMsg, serverMsg kexInitMsg
	if err := ssh.Unmarshal(ours, &clientMsg); err != nil {
		return &HandshakeError{Stage: "algorithm negotiation", Err: err}
	}
	if err := ssh.Unmarshal(serverKexInit, &serverMsg); err != nil {
		return &HandshakeError{Stage: "algorithm negotiation", Err: err}
	}
	algs, err := negotiate(&clientMsg, &serverMsg)
	if err != nil {
		return &HandshakeError{Stage: "algorithm negotiation", Err: err}
	}
	if first {
		c.strict = slices.Contains(serverMsg.KexAlgos, kexStrictServer)
	}
	if serverMsg.FirstKexFollows && !guessedRight(&serverMsg, algs) {
		if _, err := c.readKexPacket(first); err != nil {
			return &HandshakeError{Stage: "key exchange", Err: err}
		}
	}

	kex, ok := kexAlgorithms[algs.Kex]
	if !ok {
		return &HandshakeError{Stage: "key exchange", Err: fmt.Errorf("unsupported key exchange %s", algs.Kex)}
	}
	magics := &handshakeMagics{
		clientVersion: c.clientVersion,
		serverVersion: c.serverVersion,
		clientKexInit: ours,
		serverKexInit: serverKexInit,
	}
	result, err := kex.client(kexConn{c: c, first: first}, c.cfg.Rand, magics)
	if err != nil {
		return &HandshakeError{Stage: "key exchange", Err: err}
	}

	hostKey, err := verifyHostKey(algs.HostKey, result)
	if err != nil {
		return &HandshakeError{Stage: "host key verification", Err: err}
	}
	if err := c.cfg.HostKeyCallback(c.addr, c.nc.RemoteAddr(), hostKey); err != nil {
		return &HandshakeError{Stage: "host key verification", Err: err}
	}

	if first {
		sessionID = result.H
	}
	writeCipher, readCipher, err := deriveCiphers(algs, result, sessionID)
	if err != nil {
		return &HandshakeError{Stage: "key derivation", Err: err}
	}

	c.mu.Lock()
	err = c.writeLocked(ssh.Marshal(&newKeysMsg{}))
	if err == nil {
		c.writeCipher = writeCipher
		if c.strict {
			c.writeSeq = 0
		}
		c.sessionID = sessionID
		c.algs = *algs
		c.kexPending = false
		c.sentKexInit = nil
		c.writeBytes = 0
		queued := c.queued
		c.queued = nil
		for _, p := range queued {
			if err = c.writeLocked(p); err != nil {
				break
			}
		}
	}
	c.mu.Unlock()
	if err != nil {
		return &HandshakeError{Stage: "new keys", Err: err}
	}

	p, err := c.readKexPacket(first)
	if err != nil {
		return &HandshakeError{Stage: "new keys", Err: err}
	}
	if p[0] != msgNewKeys {
		return &HandshakeError{Stage: "new keys", Err: fmt.Errorf("expected NEWKEYS, got message %d", p[0])}
	}
	c.readCipher = readCipher
	if c.strict {
		c.readSeq = 0
	}
	c.readBytes = 0

	slog.Debug("ssh key exchange complete", slog.String("kex", algs.Kex), slog.Bool("rekey", !first))
	return nil
}

func deriveCiphers(algs *Algorithms, result *kexResult, sessionID []byte) (write, read packetCipher, err error) {
	build := func(dir DirectionAlgorithms, ivTag, keyTag, macTag byte) (packetCipher, error) {
		spec, ok := cipherSpecs[dir.Cipher]
		if !ok {
			return nil, fmt.Errorf("unsupported cipher %s", dir.Cipher)
		}
		iv := deriveKey(result.Hash, result.K, result.H, sessionID, ivTag, spec.ivSize)
		key := deriveKey(result.Hash, result.K, result.H, sessionID, keyTag, spec.keySize)
		var macKey []byte
		if m, ok := macSpecs[dir.MAC]; ok && !spec.aead {
			macKey = deriveKey(result.Hash, result.K, result.H, sessionID, macTag, m.keySize)
		}
		return newPacketCipher(dir, key, iv, macKey)
	}
	if write, err = build(algs.Write, 'A', 'C', 'E'); err != nil {
		return nil, nil, err
	}
	if read, err = build(algs.Read, 'B', 'D', 'F'); err != nil {
		return nil, nil, err
	}
	return write, read, nil
}

// kexConn gives a key exchange direct access to the wire, bypassing the
// queue that holds application messages during the exchange.
type kexConn struct {
	c     *Conn
	first bool
}

func (k kexConn) writeKexPacket(payload []byte) error {
	k.c.mu.Lock()
	defer k.c.mu.Unlock()
	return k.c.writeLocked(payload)
}

func (k kexConn) readKexPacket() ([]byte, error) {
	return k.c.readKexPacket(k.first)
}

// readKexPacket reads the next key exchange message. IGNORE and DEBUG are
// skipped unless strict mode forbids them during the initial exchange.
func (c *Conn) readKexPacket(first bool) ([]byte, error) {
	for {
		p, err := c.readRaw()
		if err != nil {
			return nil, err
		}
		switch p[0] {
		case msgIgnore, msgDebug:
			if first && c.strict {
				return nil, fmt.Errorf("strict key exchange: unexpected message %d", p[0])
			}
			continue
		case msgDisconnect:
			return nil, parseDisconnect(p)
		}
		return p, nil
	}
}

func (c *Conn) readRaw() ([]byte, error) {
	p, err := c.readCipher.readCipherPacket(c.readSeq, c.r)
	if err != nil {
		return nil, err
	}
	c.readSeq++
	c.readBytes += uint64(len(p))
	if len(p) == 0 {
		return nil, errors.New("empty packet")
	}
	return p, nil
}

// writeLocked encrypts and sends one packet. c.mu must be held.
func (c *Conn) writeLocked(payload []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	if err := c.writeCipher.writeCipherPacket(c.writeSeq, c.nc, c.cfg.Rand, payload); err != nil {
		return c.setErr(err)
	}
	c.writeSeq++
	c.writeBytes += uint64(len(payload))
	return nil
}

// ReadPacket returns the next connection-layer message. Transport messages
// (IGNORE, DEBUG, KEXINIT, EXT_INFO, ...) are handled internally.
func (c *Conn) ReadPacket() ([]byte, error) {
	for {
		p, err := c.readRaw()
		if err != nil {
			return nil, c.fail(err)
		}
		switch p[0] {
		case msgIgnore, msgDebug, msgUnimplemented:
			continue
		case msgDisconnect:
			return nil, c.fail(parseDisconnect(p))
		case msgKexInit:
			if err := c.exchange(p); err != nil {
				return nil, c.fail(err)
			}
			continue
		case msgExtInfo:
			c.handleExtInfo(p)
			continue
		case msgNewKeys, msgKexECDHInit, msgKexECDHReply:
			return nil, c.fail(fmt.Errorf("unexpected key exchange message %d", p[0]))
		}
		if c.readBytes >= c.cfg.RekeyThreshold {
			c.mu.Lock()
			err := c.startKexLocked()
			c.mu.Unlock()
			if err != nil {
				return nil, c.fail(err)
			}
		}
		return p, nil
	}
}

// WritePacket sends one message.
func (c *Conn) WritePacket(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	if c.kexPending {
		c.queued = append(c.queued, slices.Clone(payload))
		return nil
	}
	if err := c.writeLocked(payload); err != nil {
		return err
	}
	if c.writeBytes >= c.cfg.RekeyThreshold {
		return c.startKexLocked()
	}
	return nil
}

// Rekey starts a client-initiated key exchange. It returns once KEXINIT is
// sent; the exchange completes on the reading goroutine.
func (c *Conn) Rekey() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	return c.startKexLocked()
}

func (c *Conn) handleExtInfo(p []byte) {
	var msg extInfoMsg
	if err := ssh.Unmarshal(p, &msg); err != nil {
		return
	}
	rest := msg.Payload
	for i := uint32(0); i < msg.NumExtensions && len(rest) > 0; i++ {
		var ext extension
		if err := ssh.Unmarshal(rest, &ext); err != nil {
			return
		}
		if ext.Name == "server-sig-algs" {
			c.mu.Lock()
			c.serverSigAlgs = strings.Split(string(ext.Value), ",")
			c.mu.Unlock()
		}
		rest = ext.Rest
	}
}

func parseDisconnect(p []byte) error {
	var msg disconnectMsg
	if err := ssh.Unmarshal(p, &msg); err != nil {
		return &DisconnectError{Reason: DisconnectProtocolError, Message: "malformed disconnect"}
	}
	return &DisconnectError{Reason: msg.Reason, Message: msg.Message}
}

// fail records err as the connection's terminal error and closes the
// socket. It returns the first terminal error.
func (c *Conn) fail(err error) error {
	err = c.setErr(err)
	c.nc.Close()
	return err
}

// setErr records err unless a terminal error is already set, and returns
// the one in effect.
func (c *Conn) setErr(err error) error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
	return c.err
}

// Err returns the terminal error, or nil while the connection is usable.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends DISCONNECT and closes the socket. It is idempotent and
// returns even if a writer is stuck on an unresponsive peer: DISCONNECT
// is skipped when the write side is busy and is bounded by
// disconnectTimeout otherwise.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.mu.TryLock() {
			if c.Err() == nil {
				c.nc.SetWriteDeadline(time.Now().Add(disconnectTimeout))
				c.writeCipher.writeCipherPacket(c.writeSeq, c.nc, c.cfg.Rand, ssh.Marshal(&disconnectMsg{
					Reason:  DisconnectByApplication,
					Message: "disconnected by user",
				}))
			}
			c.setErr(ErrClosed)
			c.mu.Unlock()
		} else {
			c.setErr(ErrClosed)
		}
		err = c.nc.Close()
	})
	return err
}

// SessionID returns the exchange hash of the first key exchange.
func (c *Conn) SessionID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Algorithms returns the algorithms negotiated by the latest key exchange.
func (c *Conn) Algorithms() Algorithms {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.algs
}

// ServerSigAlgs returns the server-sig-algs extension, if the server sent
// one.
func (c *Conn) ServerSigAlgs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverSigAlgs
}

// ServerVersion returns the server's identification string.
func (c *Conn) ServerVersion() string { return string(c.serverVersion) }

// StrictKex reports whether strict key exchange is in effect.
func (c *Conn) StrictKex() bool { return c.strict }

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// SetDeadline bounds the underlying socket, used while authenticating.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }
