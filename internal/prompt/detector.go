package prompt

import (
	"regexp"
	"strings"
	"sync"
)

// tailLines is how much trailing output is examined.
const tailLines = 10

// ansiEscape matches CSI and OSC sequences.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

// Detection is a prompt found at the end of the output.
type Detection struct {
	Name              string `json:"name"`
	Type              Type   `json:"type"`
	MatchedText       string `json:"matched_text"`
	SuggestedResponse string `json:"suggested_response,omitempty"`
	Hint              string `json:"hint"`
}

// Detector finds prompts in terminal output.
type Detector struct {
	mu             sync.RWMutex
	patterns       []Pattern
	customPatterns []Pattern
}

// NewDetector creates a detector with the default patterns.
func NewDetector() *Detector {
	return &Detector{patterns: DefaultPatterns()}
}

// AddPattern adds a pattern that takes priority over the defaults.
func (d *Detector) AddPattern(p Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customPatterns = append(d.customPatterns, p)
}

// Detect returns the first prompt matching the last lines of output, or
// nil.
func (d *Detector) Detect(output string) *Detection {
	tail := Tail(output)
	if tail == "" {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, set := range [][]Pattern{d.customPatterns, d.patterns} {
		for _, p := range set {
			if loc := p.Regex.FindStringIndex(tail); loc != nil {
				return &Detection{
					Name:              p.Name,
					Type:              p.Type,
					MatchedText:       strings.TrimSpace(tail[loc[0]:loc[1]]),
					SuggestedResponse: p.SuggestedResponse,
					Hint:              hint(p.Type, p.SuggestedResponse),
				}
			}
		}
	}
	return nil
}

// Tail strips escape sequences and carriage returns and keeps the last
// lines of output.
func Tail(output string) string {
	output = ansiEscape.ReplaceAllString(output, "")
	output = strings.ReplaceAll(output, "\r", "")
	lines := strings.Split(output, "\n")
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return strings.Join(lines, "\n")
}

func hint(t Type, suggested string) string {
	switch t {
	case TypePassword:
		return "The shell is waiting for a password. Write it followed by a newline."
	case TypeConfirmation:
		if suggested != "" {
			return "Confirmation required. Suggested response: " + suggested
		}
		return "Confirmation required."
	case TypeEditor:
		return "An interactive editor is open. Send its exit keys or interrupt the shell."
	case TypePager:
		return "A pager is waiting. Write 'q' to quit it."
	}
	return "Input required."
}
