package realdialog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/acolita/sshkit/internal/security"
)

// RunHelper is the entry point of a binary started with HelperFlag. It
// reads the sealed prompt, shows the form on its own terminal, seals the
// answer back into the same file and writes the done marker.
func RunHelper() error {
	path := os.Getenv(envPromptFile)
	key := os.Getenv(envPromptKey)
	if path == "" || key == "" {
		return fmt.Errorf("missing %s or %s", envPromptFile, envPromptKey)
	}

	box, err := security.OpenBox(key)
	if err != nil {
		os.WriteFile(path+".done", []byte(err.Error()), 0o600)
		return err
	}
	defer box.Close()

	resp, err := answer(box, path)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ErrAborted) {
			msg = ErrAborted.Error()
		}
		os.WriteFile(path+".done", []byte(msg), 0o600)
		return err
	}

	sealed, err := box.Seal(resp)
	security.Wipe(resp)
	if err == nil {
		err = os.WriteFile(path, sealed, 0o600)
	}
	if err != nil {
		os.WriteFile(path+".done", []byte(err.Error()), 0o600)
		return err
	}
	return os.WriteFile(path+".done", []byte("ok"), 0o600)
}

func answer(box *security.Box, path string) ([]byte, error) {
	var req request
	if err := readSealed(box, path, &req); err != nil {
		return nil, err
	}

	fmt.Print("\033[2J\033[H")
	fmt.Println("\n  sshkit")

	resp, err := req.run(false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}
