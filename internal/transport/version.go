package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	maxVersionLine   = 255
	maxPreambleBytes = 64 * 1024
)

// DefaultClientVersion is sent during version exchange.
const DefaultClientVersion = "SSH-2.0-sshkit_1.0"

// writeVersion sends the identification string terminated by CRLF.
func writeVersion(w io.Writer, version string) error {
	_, err := io.WriteString(w, version+"\r\n")
	return err
}

// readVersion reads lines until an identification string arrives. Other
// lines before it are banner text and are skipped. The result has the
// line terminator stripped.
func readVersion(r *bufio.Reader) ([]byte, error) {
	consumed := 0
	for consumed < maxPreambleBytes {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		consumed += len(line) + 2
		if !bytes.HasPrefix(line, []byte("SSH-")) {
			continue
		}
		if !bytes.HasPrefix(line, []byte("SSH-2.0-")) && !bytes.HasPrefix(line, []byte("SSH-1.99-")) {
			return nil, fmt.Errorf("unsupported protocol version %q", line)
		}
		return line, nil
	}
	return nil, errors.New("no identification string within preamble limit")
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for len(line) <= maxVersionLine {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(line) == 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if b == '\n' {
			return bytes.TrimSuffix(line, []byte("\r")), nil
		}
		line = append(line, b)
	}
	return nil, errors.New("identification line too long")
}
