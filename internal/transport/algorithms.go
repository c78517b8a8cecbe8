package transport

import (
	"fmt"
	"slices"

	"golang.org/x/crypto/ssh"
)

// Pseudo-algorithms advertised in the kex list.
const (
	kexAlgoCurve25519LibSSH = "curve25519-sha256@libssh.org"
	extInfoClient           = "ext-info-c"
	kexStrictClient         = "kex-strict-c-v00@openssh.com"
	kexStrictServer         = "kex-strict-s-v00@openssh.com"
	compressionNone         = "none"
)

// DefaultKeyExchanges lists supported key exchange methods, most preferred
// first.
var DefaultKeyExchanges = []string{
	ssh.KeyExchangeCurve25519,
	kexAlgoCurve25519LibSSH,
	ssh.KeyExchangeECDHP256,
	ssh.KeyExchangeECDHP384,
	ssh.KeyExchangeECDHP521,
}

// DefaultHostKeyAlgorithms lists accepted host key signature algorithms.
var DefaultHostKeyAlgorithms = []string{
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoRSASHA512,
	ssh.KeyAlgoRSASHA256,
	ssh.KeyAlgoRSA,
}

// DefaultCiphers lists supported ciphers.
var DefaultCiphers = []string{
	ssh.CipherChaCha20Poly1305,
	ssh.CipherAES128GCM,
	ssh.CipherAES256GCM,
	ssh.CipherAES128CTR,
	ssh.CipherAES192CTR,
	ssh.CipherAES256CTR,
}

// DefaultMACs lists supported MACs. They are ignored for AEAD ciphers.
var DefaultMACs = []string{
	ssh.HMACSHA256ETM,
	ssh.HMACSHA512ETM,
	ssh.HMACSHA256,
	ssh.HMACSHA512,
}

// Algorithms is the outcome of a KEXINIT negotiation.
type Algorithms struct {
	Kex     string
	HostKey string
	Write   DirectionAlgorithms
	Read    DirectionAlgorithms
}

// DirectionAlgorithms holds the algorithms for one direction of traffic.
type DirectionAlgorithms struct {
	Cipher      string
	MAC         string
	Compression string
}

// ValidateAlgorithms reports an error for names this package cannot run.
func ValidateAlgorithms(kind string, names []string) error {
	var supported []string
	switch kind {
	case "kex":
		supported = DefaultKeyExchanges
	case "hostkey":
		supported = DefaultHostKeyAlgorithms
	case "cipher":
		supported = DefaultCiphers
	case "mac":
		supported = DefaultMACs
	default:
		return fmt.Errorf("unknown algorithm kind %q", kind)
	}
	for _, name := range names {
		if !slices.Contains(supported, name) {
			return fmt.Errorf("unsupported %s algorithm %q", kind, name)
		}
	}
	return nil
}

// findCommon returns the first algorithm in client that server also lists.
func findCommon(what string, client, server []string) (string, error) {
	for _, c := range client {
		if slices.Contains(server, c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("no common algorithm for %s; client offered %v, server offered %v", what, client, server)
}

func isPseudoKex(name string) bool {
	switch name {
	case extInfoClient, kexStrictClient, kexStrictServer, "ext-info-s":
		return true
	}
	return false
}

// negotiate picks algorithms for a client speaking first.
func negotiate(client, server *kexInitMsg) (*Algorithms, error) {
	algs := &Algorithms{}
	var err error

	kexAlgos := slices.DeleteFunc(slices.Clone(client.KexAlgos), isPseudoKex)
	if algs.Kex, err = findCommon("key exchange", kexAlgos, server.KexAlgos); err != nil {
		return nil, err
	}
	if algs.HostKey, err = findCommon("host key", client.ServerHostKeyAlgos, server.ServerHostKeyAlgos); err != nil {
		return nil, err
	}

	if algs.Write.Cipher, err = findCommon("client to server cipher", client.CiphersClientServer, server.CiphersClientServer); err != nil {
		return nil, err
	}
	if algs.Read.Cipher, err = findCommon("server to client cipher", client.CiphersServerClient, server.CiphersServerClient); err != nil {
		return nil, err
	}

	if !isAEAD(algs.Write.Cipher) {
		if algs.Write.MAC, err = findCommon("client to server MAC", client.MACsClientServer, server.MACsClientServer); err != nil {
			return nil, err
		}
	}
	if !isAEAD(algs.Read.Cipher) {
		if algs.Read.MAC, err = findCommon("server to client MAC", client.MACsServerClient, server.MACsServerClient); err != nil {
			return nil, err
		}
	}

	if algs.Write.Compression, err = findCommon("client to server compression", client.CompressionClientServer, server.CompressionClientServer); err != nil {
		return nil, err
	}
	if algs.Read.Compression, err = findCommon("server to client compression", client.CompressionServerClient, server.CompressionServerClient); err != nil {
		return nil, err
	}
	return algs, nil
}

// guessedRight reports whether the first-kex-follows guess of the server
// matches the negotiated algorithms (RFC 4253 section 7).
func guessedRight(server *kexInitMsg, algs *Algorithms) bool {
	if len(server.KexAlgos) == 0 || len(server.ServerHostKeyAlgos) == 0 {
		return false
	}
	return server.KexAlgos[0] == algs.Kex && server.ServerHostKeyAlgos[0] == algs.HostKey
}

// hostKeyType maps a signature algorithm to the key type that produces it.
func hostKeyType(algo string) string {
	switch algo {
	case ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA512:
		return ssh.KeyAlgoRSA
	}
	return algo
}
