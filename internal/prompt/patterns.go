// Package prompt detects shells waiting for input, such as password
// requests and yes/no questions, in terminal output.
package prompt

import "regexp"

// Type is the kind of input a prompt waits for.
type Type string

const (
	TypePassword     Type = "password"
	TypeConfirmation Type = "confirmation"
	TypeText         Type = "text"
	TypeEditor       Type = "editor"
	TypePager        Type = "pager"
)

// Pattern recognizes one prompt at the end of the output.
type Pattern struct {
	Name              string
	Regex             *regexp.Regexp
	Type              Type
	SuggestedResponse string
}

// DefaultPatterns returns the built-in prompt patterns.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Passwords
		{
			Name:  "sudo_password",
			Regex: regexp.MustCompile(`(?i)\[sudo\]\s+password\s+for\s+[\w.-]+:\s*$`),
			Type:  TypePassword,
		},
		{
			Name:  "ssh_passphrase",
			Regex: regexp.MustCompile(`(?i)enter passphrase for key.*:\s*$`),
			Type:  TypePassword,
		},
		{
			Name:  "git_password",
			Regex: regexp.MustCompile(`(?i)password for '.*':\s*$`),
			Type:  TypePassword,
		},
		{
			Name:  "password_generic",
			Regex: regexp.MustCompile(`(?i)password:\s*$`),
			Type:  TypePassword,
		},

		// Confirmations
		{
			Name:              "ssh_host_key",
			Regex:             regexp.MustCompile(`(?i)are you sure you want to continue connecting \(yes/no(/\[fingerprint\])?\)\?\s*$`),
			Type:              TypeConfirmation,
			SuggestedResponse: "yes",
		},
		{
			Name:              "apt_confirmation",
			Regex:             regexp.MustCompile(`(?i)do you want to continue\?\s*\[Y/n\]\s*$`),
			Type:              TypeConfirmation,
			SuggestedResponse: "Y",
		},
		{
			Name:              "yum_confirmation",
			Regex:             regexp.MustCompile(`(?i)is this ok \[y/d/N\]:\s*$`),
			Type:              TypeConfirmation,
			SuggestedResponse: "y",
		},
		{
			Name:              "yes_no_generic",
			Regex:             regexp.MustCompile(`(?i)[\[(]yes/no[\])]\??\s*$`),
			Type:              TypeConfirmation,
			SuggestedResponse: "yes",
		},
		{
			Name:              "y_n_generic",
			Regex:             regexp.MustCompile(`(?i)[\[(]y/n[\])]\??:?\s*$`),
			Type:              TypeConfirmation,
			SuggestedResponse: "y",
		},

		// Text
		{
			Name:  "git_username",
			Regex: regexp.MustCompile(`(?i)username for '.*':\s*$`),
			Type:  TypeText,
		},

		// Full screen programs
		{
			Name:  "nano_editor",
			Regex: regexp.MustCompile(`GNU nano`),
			Type:  TypeEditor,
		},
		{
			Name:              "less_pager",
			Regex:             regexp.MustCompile(`\(END\)\s*$`),
			Type:              TypePager,
			SuggestedResponse: "q",
		},
		{
			Name:              "more_pager",
			Regex:             regexp.MustCompile(`--More--(\(\d+%\))?\s*$`),
			Type:              TypePager,
			SuggestedResponse: "q",
		},
	}
}
