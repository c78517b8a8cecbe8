package transport

import "math/big"

// Transport layer message numbers (RFC 4253 section 12).
const (
	msgDisconnect     = 1
	msgIgnore         = 2
	msgUnimplemented  = 3
	msgDebug          = 4
	msgServiceRequest = 5
	msgServiceAccept  = 6
	msgExtInfo        = 7
	msgKexInit        = 20
	msgNewKeys        = 21
	msgKexECDHInit    = 30
	msgKexECDHReply   = 31
)

type disconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

type kexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

type newKeysMsg struct {
	Unused []byte `ssh:"rest" sshtype:"21"`
}

type kexECDHInitMsg struct {
	ClientPubKey []byte `sshtype:"30"`
}

type kexECDHReplyMsg struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

type extInfoMsg struct {
	NumExtensions uint32 `sshtype:"7"`
	Payload       []byte `ssh:"rest"`
}

type extension struct {
	Name  string
	Value []byte
	Rest  []byte `ssh:"rest"`
}

type signatureBlob struct {
	Format string
	Blob   []byte
	Rest   []byte `ssh:"rest"`
}

// exchangeHashInput is the concatenation hashed into H (RFC 5656 section 4).
type exchangeHashInput struct {
	ClientVersion []byte
	ServerVersion []byte
	ClientKexInit []byte
	ServerKexInit []byte
	HostKey       []byte
	ClientPub     []byte
	ServerPub     []byte
	Secret        *big.Int
}

type mpint struct {
	N *big.Int
}
