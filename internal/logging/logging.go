// Package logging configures slog with a JSON handler that redacts
// credentials.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Redacted replaces the value of a credential-bearing attribute.
const Redacted = "[REDACTED]"

// Attribute keys containing one of these fragments are redacted.
var sensitiveFragments = []string{
	"password", "passphrase", "secret", "token", "credential", "auth", "key",
}

// Public key material and algorithm names are safe to log even though
// their keys mention "key" or "auth".
var publicKeys = map[string]bool{
	"host_key":     true,
	"hostkey":      true,
	"key_type":     true,
	"public_key":   true,
	"auth_method":  true,
	"auth_methods": true,
}

// pemPrivateKey catches a private key logged under an innocent name.
var pemPrivateKey = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)

func sensitive(key string) bool {
	k := strings.ToLower(key)
	if publicKeys[k] {
		return false
	}
	for _, f := range sensitiveFragments {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}

// RedactingHandler removes credentials from records before passing them to
// the wrapped handler. Disabled, it is a pass-through.
type RedactingHandler struct {
	next    slog.Handler
	enabled bool
}

// NewRedactingHandler wraps next. With enabled false nothing is redacted.
func NewRedactingHandler(next slog.Handler, enabled bool) *RedactingHandler {
	return &RedactingHandler{next: next, enabled: enabled}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.enabled {
		return h.next.Handle(ctx, r)
	}
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.enabled {
		attrs = redactAll(attrs)
	}
	return &RedactingHandler{next: h.next.WithAttrs(attrs), enabled: h.enabled}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), enabled: h.enabled}
}

func redactAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redact(a)
	}
	return out
}

func redact(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	switch {
	case a.Value.Kind() == slog.KindGroup:
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redactAll(a.Value.Group())...)}
	case sensitive(a.Key):
		return slog.String(a.Key, Redacted)
	case a.Value.Kind() == slog.KindString && pemPrivateKey.MatchString(a.Value.String()):
		return slog.String(a.Key, Redacted)
	case a.Value.Kind() == slog.KindAny:
		if b, ok := a.Value.Any().([]byte); ok && pemPrivateKey.Match(b) {
			return slog.String(a.Key, Redacted)
		}
	}
	return a
}

// ParseLevel maps "debug", "info", "warn" and "error" to a level. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Setup installs a JSON logger on stderr as the default and returns its
// level so it can be changed at runtime, for example after a config
// reload.
func Setup(level string, sanitize bool) *slog.LevelVar {
	return SetupWriter(os.Stderr, level, sanitize)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string, sanitize bool) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))

	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	slog.SetDefault(slog.New(NewRedactingHandler(jsonHandler, sanitize)))
	return lv
}

// Truncate shortens s to at most n bytes for log output, marking the cut
// with "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:max(n, 0)] + "..."
}
