package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/security"
	"golang.org/x/crypto/ssh"
)

// Method is one authentication method.
type Method interface {
	// Name is the RFC 4252 method name.
	Name() string
	authenticate(ctx context.Context, ex *exchange) (result, error)
}

// Password authenticates with a fixed password. The method keeps its own
// copy and wipes the request buffer after sending.
func Password(password []byte) Method {
	secret := append([]byte(nil), password...)
	return PasswordCallback(func() ([]byte, error) {
		return append([]byte(nil), secret...), nil
	})
}

// PasswordCallback authenticates with a password produced on demand. The
// returned slice is wiped after use.
func PasswordCallback(fn func() ([]byte, error)) Method {
	return passwordMethod(fn)
}

type passwordMethod func() ([]byte, error)

func (passwordMethod) Name() string { return "password" }

func (fn passwordMethod) authenticate(_ context.Context, ex *exchange) (result, error) {
	pw, err := fn()
	if err != nil {
		return result{}, &methodError{method: "password", err: err}
	}
	payload := ssh.Marshal(&passwordPayload{Password: pw})
	security.Wipe(pw)
	err = ex.request("password", payload)
	security.Wipe(payload)
	if err != nil {
		return result{}, err
	}

	p, err := ex.read()
	if err != nil {
		return result{}, err
	}
	if p[0] == msgUserAuth60 {
		return result{}, &Error{Kind: ServerRejected, Err: errors.New("server requires a password change")}
	}
	return outcome(p)
}

// PublicKeys authenticates with each signer in turn.
func PublicKeys(signers ...ssh.Signer) Method {
	return PublicKeysCallback(func() ([]ssh.Signer, error) { return signers, nil })
}

// PublicKeysCallback authenticates with signers produced on demand, for
// example by an SSH agent.
func PublicKeysCallback(fn func() ([]ssh.Signer, error)) Method {
	return publicKeyMethod(fn)
}

type publicKeyMethod func() ([]ssh.Signer, error)

func (publicKeyMethod) Name() string { return "publickey" }

func (fn publicKeyMethod) authenticate(_ context.Context, ex *exchange) (result, error) {
	signers, err := fn()
	if err != nil {
		return result{}, &methodError{method: "publickey", err: err}
	}
	return tryPublicKeys(ex, signers)
}

func tryPublicKeys(ex *exchange, signers []ssh.Signer) (result, error) {
	if len(signers) == 0 {
		return result{}, &methodError{method: "publickey", err: errors.New("no signers")}
	}
	var res result
	for _, signer := range signers {
		var err error
		res, err = signPublicKey(ex, signer)
		if err != nil {
			return result{}, err
		}
		if res.ok || res.partial || !slices.Contains(res.methods, "publickey") {
			return res, nil
		}
	}
	return res, nil
}

func signPublicKey(ex *exchange, signer ssh.Signer) (result, error) {
	pub := signer.PublicKey()
	algo := signatureAlgorithm(pub, signer, ex.conn.ServerSigAlgs())
	pubBlob := pub.Marshal()

	data := ssh.Marshal(&publicKeySignedData{
		Session: ex.conn.SessionID(),
		Type:    msgUserAuthRequest,
		User:    ex.user,
		Service: serviceConnection,
		Method:  "publickey",
		HasSig:  true,
		Algo:    algo,
		PubKey:  pubBlob,
	})

	var sig *ssh.Signature
	var err error
	if as, ok := signer.(ssh.AlgorithmSigner); ok && algo != pub.Type() {
		sig, err = as.SignWithAlgorithm(nil, data, algo)
	} else {
		sig, err = signer.Sign(nil, data)
	}
	if err != nil {
		return result{}, &methodError{method: "publickey", err: fmt.Errorf("sign with %s: %w", pub.Type(), err)}
	}

	payload := ssh.Marshal(&publicKeyPayload{
		HasSig: true,
		Algo:   algo,
		PubKey: pubBlob,
		Sig:    ssh.Marshal(sig),
	})
	if err := ex.request("publickey", payload); err != nil {
		return result{}, err
	}
	p, err := ex.read()
	if err != nil {
		return result{}, err
	}
	return outcome(p)
}

// signatureAlgorithm picks the signature algorithm for pub. RSA keys use
// SHA-2 when the server lists it in server-sig-algs.
func signatureAlgorithm(pub ssh.PublicKey, signer ssh.Signer, serverSigAlgs []string) string {
	if pub.Type() != ssh.KeyAlgoRSA {
		return pub.Type()
	}
	if _, ok := signer.(ssh.AlgorithmSigner); !ok {
		return ssh.KeyAlgoRSA
	}
	for _, algo := range []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256} {
		if slices.Contains(serverSigAlgs, algo) {
			return algo
		}
	}
	return ssh.KeyAlgoRSA
}

// ChallengeFunc answers one keyboard-interactive round.
type ChallengeFunc func(name, instruction string, challenges []ports.Challenge) ([]string, error)

// KeyboardInteractive answers challenges with fn.
func KeyboardInteractive(fn ChallengeFunc) Method {
	return keyboardInteractiveMethod(fn)
}

// KeyboardInteractivePrompter answers a single hidden prompt with password
// when one is given, and every other round through prompter. With no
// prompter, every prompt is answered with password.
func KeyboardInteractivePrompter(prompter ports.Prompter, password []byte) Method {
	secret := append([]byte(nil), password...)
	return KeyboardInteractive(func(name, instruction string, challenges []ports.Challenge) ([]string, error) {
		if len(challenges) == 0 {
			return nil, nil
		}
		single := len(challenges) == 1 && !challenges[0].Echo
		if len(secret) > 0 && (single || prompter == nil) {
			answers := make([]string, len(challenges))
			for i := range answers {
				answers[i] = string(secret)
			}
			return answers, nil
		}
		if prompter == nil {
			return nil, errors.New("no prompter for keyboard-interactive challenge")
		}
		return prompter.Challenges(name, instruction, challenges)
	})
}

type keyboardInteractiveMethod ChallengeFunc

func (keyboardInteractiveMethod) Name() string { return "keyboard-interactive" }

func (fn keyboardInteractiveMethod) authenticate(_ context.Context, ex *exchange) (result, error) {
	if err := ex.request("keyboard-interactive", ssh.Marshal(&keyboardInteractivePayload{})); err != nil {
		return result{}, err
	}
	for {
		p, err := ex.read()
		if err != nil {
			return result{}, err
		}
		if p[0] != msgUserAuth60 {
			return outcome(p)
		}

		var req infoRequestMsg
		if err := ssh.Unmarshal(p, &req); err != nil {
			return result{}, fmt.Errorf("auth: malformed info request: %w", err)
		}
		prompts, echos, err := parsePrompts(&req)
		if err != nil {
			return result{}, fmt.Errorf("auth: %w", err)
		}
		challenges := make([]ports.Challenge, len(prompts))
		for i := range prompts {
			challenges[i] = ports.Challenge{Prompt: prompts[i], Echo: echos[i]}
		}

		answers, err := fn(req.Name, req.Instruction, challenges)
		if err != nil {
			return result{}, &Error{Kind: WrongCredential, Err: fmt.Errorf("keyboard-interactive: %w", err)}
		}
		if len(answers) != len(challenges) {
			return result{}, &Error{Kind: WrongCredential, Err: fmt.Errorf("keyboard-interactive: %d answers for %d prompts", len(answers), len(challenges))}
		}
		resp := infoResponse(answers)
		err = ex.conn.WritePacket(resp)
		security.Wipe(resp)
		if err != nil {
			return result{}, err
		}
	}
}
