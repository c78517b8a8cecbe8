package realdialog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/security"
)

func TestSealedRoundTrip(t *testing.T) {
	box, err := security.NewBox()
	if err != nil {
		t.Fatalf("NewBox() error: %v", err)
	}
	req := request{
		Kind:       kindChallenges,
		Title:      "login",
		Challenges: []ports.Challenge{{Prompt: "Password: "}, {Prompt: "Code: ", Echo: true}},
	}

	path, err := writeSealed(box, req)
	if err != nil {
		t.Fatalf("writeSealed() error: %v", err)
	}
	defer os.Remove(path)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "Password") {
		t.Error("sealed file contains plaintext")
	}

	var got request
	if err := readSealed(box, path, &got); err != nil {
		t.Fatalf("readSealed() error: %v", err)
	}
	if got.Kind != kindChallenges || got.Title != "login" || len(got.Challenges) != 2 || !got.Challenges[1].Echo {
		t.Errorf("readSealed() = %+v", got)
	}

	other, _ := security.NewBox()
	if err := readSealed(other, path, &got); err == nil {
		t.Error("readSealed() with the wrong key succeeded")
	}
	if err := readSealed(box, filepath.Join(t.TempDir(), "missing"), &got); err == nil {
		t.Error("readSealed() of a missing file succeeded")
	}
}

func TestWriteWrapperScript(t *testing.T) {
	key := strings.Repeat("ab", 32)
	wrapper, err := writeWrapperScript("/usr/local/bin/sshkit-mcp", "/tmp/p.enc", key)
	if err != nil {
		t.Fatalf("writeWrapperScript() error: %v", err)
	}
	defer os.Remove(wrapper)

	info, err := os.Stat(wrapper)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("permissions = %o, want 0700", info.Mode().Perm())
	}
	data, _ := os.ReadFile(wrapper)
	script := string(data)
	for _, want := range []string{
		"#!/bin/sh\n",
		`rm -f "$0"`,
		envPromptFile + "='/tmp/p.enc'",
		envPromptKey + "='" + key + "'",
		"exec '/usr/local/bin/sshkit-mcp' " + HelperFlag,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("wrapper missing %q:\n%s", want, script)
		}
	}
}

func TestWaitForDone(t *testing.T) {
	tests := []struct {
		name    string
		marker  string
		wantErr error
		anyErr  bool
	}{
		{"ok", "ok", nil, false},
		{"aborted", ErrAborted.Error(), ErrAborted, true},
		{"helper error", "decrypt failed", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := filepath.Join(t.TempDir(), "p.enc.done")
			go func() {
				time.Sleep(50 * time.Millisecond)
				os.WriteFile(done, []byte(tt.marker), 0o600)
			}()
			err := waitForDone(done, 5*time.Second)
			if (err != nil) != tt.anyErr {
				t.Fatalf("waitForDone() error = %v, want error %v", err, tt.anyErr)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("waitForDone() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWaitForDone_Timeout(t *testing.T) {
	err := waitForDone(filepath.Join(t.TempDir(), "never"), 300*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("waitForDone() = %v, want a timeout", err)
	}
}

func TestRequestForm(t *testing.T) {
	tests := []struct {
		name    string
		req     request
		wantErr bool
	}{
		{"secret", request{Kind: kindSecret, Title: "Password", Description: "for root@h"}, false},
		{"challenges", request{Kind: kindChallenges, Challenges: []ports.Challenge{{Prompt: "OTP: "}}}, false},
		{"challenges with banner", request{Kind: kindChallenges, Title: "2FA", Challenges: []ports.Challenge{{Prompt: "a"}, {Prompt: "b", Echo: true}}}, false},
		{"host key", request{Kind: kindHostKey, Host: "h:22", Fingerprint: "SHA256:abc"}, false},
		{"unknown", request{Kind: "bogus"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp response
			form, err := tt.req.form(&resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("form() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && form == nil {
				t.Error("form() = nil")
			}
			if tt.req.Kind == kindChallenges && len(resp.Answers) != len(tt.req.Challenges) {
				t.Errorf("answers sized %d, want %d", len(resp.Answers), len(tt.req.Challenges))
			}
		})
	}
}

func TestChallenges_EmptyRoundNeedsNoPrompt(t *testing.T) {
	w := NewWindow()
	w.Executable = "/nonexistent"
	answers, err := w.Challenges("", "", nil)
	if err != nil || answers != nil {
		t.Errorf("Window.Challenges(nil) = %v, %v", answers, err)
	}
	answers, err = NewTerminal().Challenges("", "", nil)
	if err != nil || answers != nil {
		t.Errorf("Terminal.Challenges(nil) = %v, %v", answers, err)
	}
}

func TestRunHelper_MissingEnvironment(t *testing.T) {
	t.Setenv(envPromptFile, "")
	t.Setenv(envPromptKey, "")
	if err := RunHelper(); err == nil {
		t.Error("RunHelper() without environment succeeded")
	}
}

func TestRunHelper_BadSealedFile(t *testing.T) {
	box, _ := security.NewBox()
	key := box.Key()
	path := filepath.Join(t.TempDir(), "p.enc")
	os.WriteFile(path, []byte("not sealed"), 0o600)
	t.Setenv(envPromptFile, path)
	t.Setenv(envPromptKey, key)

	if err := RunHelper(); err == nil {
		t.Fatal("RunHelper() with a corrupt file succeeded")
	}
	marker, err := os.ReadFile(path + ".done")
	if err != nil {
		t.Fatalf("done marker not written: %v", err)
	}
	if string(marker) == "ok" {
		t.Error("done marker reports success")
	}
}
