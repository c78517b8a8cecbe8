package realdialog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/security"
)

// Environment handed to the helper process.
const (
	envPromptFile = "SSHKIT_PROMPT_FILE"
	envPromptKey  = "SSHKIT_PROMPT_KEY"
)

// HelperFlag is the argument that makes a binary run RunHelper.
const HelperFlag = "--prompt-helper"

// DefaultWindowTimeout bounds how long Window waits for an answer.
const DefaultWindowTimeout = 5 * time.Minute

// Window runs each prompt in a new terminal window. The prompt travels to
// a helper process (this binary started with HelperFlag) through a temp
// file sealed with AES-256-GCM; the key reaches the helper only through a
// self-deleting 0700 wrapper script.
type Window struct {
	// Executable is the helper binary. Empty means os.Executable.
	Executable string
	Timeout    time.Duration

	mu sync.Mutex // one window at a time
}

var _ ports.Prompter = (*Window)(nil)

// NewWindow returns a window prompter that re-executes the running binary.
func NewWindow() *Window {
	return &Window{Timeout: DefaultWindowTimeout}
}

// Secret implements ports.Prompter.
func (w *Window) Secret(title, description string) (string, error) {
	resp, err := w.exchange(request{Kind: kindSecret, Title: title, Description: description})
	return resp.Secret, err
}

// Challenges implements ports.Prompter.
func (w *Window) Challenges(name, instruction string, challenges []ports.Challenge) ([]string, error) {
	if len(challenges) == 0 {
		return nil, nil
	}
	resp, err := w.exchange(request{Kind: kindChallenges, Title: name, Description: instruction, Challenges: challenges})
	if err == nil && len(resp.Answers) != len(challenges) {
		err = fmt.Errorf("helper returned %d answers for %d prompts", len(resp.Answers), len(challenges))
	}
	return resp.Answers, err
}

// ConfirmHostKey implements ports.Prompter.
func (w *Window) ConfirmHostKey(host, fingerprint string) (bool, error) {
	resp, err := w.exchange(request{Kind: kindHostKey, Host: host, Fingerprint: fingerprint})
	return resp.Trust, err
}

func (w *Window) exchange(req request) (response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	box, err := security.NewBox()
	if err != nil {
		return response{}, err
	}
	defer box.Close()

	path, err := writeSealed(box, req)
	if err != nil {
		return response{}, err
	}
	defer os.Remove(path)
	donePath := path + ".done"
	defer os.Remove(donePath)

	exe := w.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return response{}, fmt.Errorf("find executable: %w", err)
		}
	}
	wrapper, err := writeWrapperScript(exe, path, box.Key())
	if err != nil {
		return response{}, err
	}
	defer os.Remove(wrapper)

	closeWindow, err := launchTerminal(wrapper)
	if err != nil {
		return response{}, fmt.Errorf("launch terminal: %w", err)
	}
	slog.Debug("prompt window opened", slog.String("kind", string(req.Kind)))

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultWindowTimeout
	}
	err = waitForDone(donePath, timeout)
	if closeWindow != nil {
		closeWindow()
	}
	if err != nil {
		return response{}, err
	}

	var resp response
	if err := readSealed(box, path, &resp); err != nil {
		return response{}, err
	}
	return resp, nil
}

// writeSealed encrypts v as JSON into a new 0600 temp file.
func writeSealed(box *security.Box, v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}
	sealed, err := box.Seal(plain)
	security.Wipe(plain)
	if err != nil {
		return "", fmt.Errorf("encrypt prompt: %w", err)
	}

	f, err := os.CreateTemp("", "sshkit-prompt-*.enc")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer f.Close()
	if err := f.Chmod(0o600); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := f.Write(sealed); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return f.Name(), nil
}

// readSealed decrypts the JSON in path into v.
func readSealed(box *security.Box, path string, v any) error {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}
	plain, err := box.Open(sealed)
	if err != nil {
		return fmt.Errorf("decrypt prompt file: %w", err)
	}
	defer security.Wipe(plain)
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("unmarshal prompt file: %w", err)
	}
	return nil
}

// writeWrapperScript creates a self-deleting script that runs the helper.
func writeWrapperScript(exe, path, key string) (string, error) {
	content := fmt.Sprintf("#!/bin/sh\nrm -f \"$0\"\nexport %s='%s'\nexport %s='%s'\nexec '%s' %s\n",
		envPromptFile, path,
		envPromptKey, key,
		exe, HelperFlag,
	)

	f, err := os.CreateTemp("", "sshkit-prompt-*.sh")
	if err != nil {
		return "", fmt.Errorf("create wrapper: %w", err)
	}
	name := f.Name()
	_, err = f.WriteString(content)
	f.Close()
	if err == nil {
		err = os.Chmod(name, 0o700)
	}
	if err != nil {
		os.Remove(name)
		return "", fmt.Errorf("write wrapper: %w", err)
	}
	return name, nil
}

// waitForDone polls for the helper's done marker. The marker holds "ok"
// or the helper's error text.
func waitForDone(donePath string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return fmt.Errorf("prompt timed out after %s", timeout)
		case <-ticker.C:
			data, err := os.ReadFile(donePath)
			if err != nil {
				continue
			}
			switch msg := string(data); msg {
			case "ok":
				return nil
			case ErrAborted.Error():
				return ErrAborted
			default:
				return fmt.Errorf("prompt helper: %s", msg)
			}
		}
	}
}

// launchTerminal opens a terminal window running script. The returned
// func, when not nil, closes the window.
func launchTerminal(script string) (func(), error) {
	switch runtime.GOOS {
	case "darwin":
		return launchTerminalDarwin(script)
	case "linux":
		return launchTerminalLinux(script)
	}
	return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
}

func launchTerminalDarwin(script string) (func(), error) {
	open := fmt.Sprintf(`tell application "Terminal"
	activate
	do script "%s"
	return id of front window
end tell`, script)

	out, err := exec.Command("osascript", "-e", open).Output()
	if err != nil {
		return nil, err
	}
	windowID := strings.TrimSpace(string(out))

	return func() {
		// Let the helper exit first so Terminal does not ask to confirm.
		time.Sleep(500 * time.Millisecond)
		exec.Command("osascript", "-e", fmt.Sprintf(`tell application "Terminal"
	close (every window whose id is %s)
end tell`, windowID)).Run()
	}, nil
}

// terminals are tried in order on Linux. They close when the script exits.
var terminals = []struct {
	name string
	args []string
}{
	{"x-terminal-emulator", []string{"-e"}},
	{"gnome-terminal", []string{"--"}},
	{"konsole", []string{"-e"}},
	{"xfce4-terminal", []string{"-e"}},
	{"xterm", []string{"-e"}},
}

func launchTerminalLinux(script string) (func(), error) {
	tried := make([]string, 0, len(terminals))
	for _, t := range terminals {
		tried = append(tried, t.name)
		bin, err := exec.LookPath(t.name)
		if err != nil {
			continue
		}
		cmd := exec.Command(bin, append(t.args, script)...)
		if err := cmd.Start(); err != nil {
			continue
		}
		go cmd.Wait()
		return nil, nil
	}
	return nil, fmt.Errorf("no terminal emulator found; tried: %s", strings.Join(tried, ", "))
}
