package ports

// Challenge is one prompt of a keyboard-interactive round.
type Challenge struct {
	Prompt string
	Echo   bool
}

// Prompter abstracts interactive credential entry.
// Implementations may use TUI forms, native OS dialogs, or test fakes.
type Prompter interface {
	// Secret asks for a single hidden value (password or key passphrase).
	Secret(title, description string) (string, error)

	// Challenges answers a keyboard-interactive round. The returned slice
	// has one answer per challenge, in order.
	Challenges(name, instruction string, challenges []Challenge) ([]string, error)

	// ConfirmHostKey asks whether an unknown host key should be trusted.
	ConfirmHostKey(host, fingerprint string) (bool, error)
}
