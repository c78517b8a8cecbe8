package auth

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/ssh"
)

const (
	msgServiceRequest = 5
	msgServiceAccept  = 6

	msgUserAuthRequest = 50
	msgUserAuthFailure = 51
	msgUserAuthSuccess = 52
	msgUserAuthBanner  = 53

	// 60 is method specific: PK_OK, PASSWD_CHANGEREQ or INFO_REQUEST.
	msgUserAuth60           = 60
	msgUserAuthInfoResponse = 61
)

const (
	serviceUserAuth   = "ssh-userauth"
	serviceConnection = "ssh-connection"
)

type serviceRequestMsg struct {
	Service string `sshtype:"5"`
}

type serviceAcceptMsg struct {
	Service string `sshtype:"6"`
}

type userAuthRequestMsg struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
	Payload []byte `ssh:"rest"`
}

type userAuthFailureMsg struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

type userAuthBannerMsg struct {
	Message  string `sshtype:"53"`
	Language string
}

type passwordPayload struct {
	Change   bool
	Password []byte
}

type publicKeyPayload struct {
	HasSig bool
	Algo   string
	PubKey []byte
	Sig    []byte
}

// publicKeySignedData is the blob signed for public-key authentication.
type publicKeySignedData struct {
	Session []byte
	Type    byte
	User    string
	Service string
	Method  string
	HasSig  bool
	Algo    string
	PubKey  []byte
}

type keyboardInteractivePayload struct {
	Language   string
	Submethods string
}

type infoRequestMsg struct {
	Name        string `sshtype:"60"`
	Instruction string
	Language    string
	NumPrompts  uint32
	Prompts     []byte `ssh:"rest"`
}

type promptEntry struct {
	Prompt string
	Echo   bool
	Rest   []byte `ssh:"rest"`
}

var errMalformedPrompts = errors.New("malformed keyboard-interactive prompts")

func parsePrompts(msg *infoRequestMsg) (prompts []string, echos []bool, err error) {
	rest := msg.Prompts
	for i := uint32(0); i < msg.NumPrompts; i++ {
		var e promptEntry
		if err := ssh.Unmarshal(rest, &e); err != nil {
			return nil, nil, errMalformedPrompts
		}
		prompts = append(prompts, e.Prompt)
		echos = append(echos, e.Echo)
		rest = e.Rest
	}
	if len(rest) != 0 {
		return nil, nil, errMalformedPrompts
	}
	return prompts, echos, nil
}

func infoResponse(answers []string) []byte {
	b := []byte{msgUserAuthInfoResponse}
	b = binary.BigEndian.AppendUint32(b, uint32(len(answers)))
	for _, a := range answers {
		b = binary.BigEndian.AppendUint32(b, uint32(len(a)))
		b = append(b, a...)
	}
	return b
}
