// Package signal turns diagnostic events raised by the database host into
// repair targets.
//
// The host reports a failed page read as an error whose SQLSTATE is XX001
// and whose message reads
//
//	invalid page in block 7 of relation base/16384/16385
//
// Parse extracts the block number and relation path from such a message.
// Anything else is not ours and is reported as ErrSignalMismatch so the
// caller can ignore it without logging.
package signal

import (
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/FocuswithJustin/PageHealer/core/errors"
)

// CodeDataCorrupted is the SQLSTATE of a page that failed verification.
const CodeDataCorrupted = "XX001"

const (
	invalidPagePrefix = "invalid page "
	blockMarker       = "block"
	relationMarker    = "relation"
)

// Severity is the severity of a diagnostic event.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityNotice
	SeverityWarning
	SeverityError
	SeverityFatal
	SeverityPanic
)

var severityNames = []string{"DEBUG", "INFO", "NOTICE", "WARNING", "ERROR", "FATAL", "PANIC"}

func (s Severity) String() string {
	if s >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "UNKNOWN"
}

// ParseSeverity maps a severity name as printed in server logs to a
// Severity. LOG is treated as info and DEBUG1..DEBUG5 as debug.
func ParseSeverity(name string) (Severity, bool) {
	name = strings.ToUpper(name)
	if strings.HasPrefix(name, "DEBUG") {
		return SeverityDebug, true
	}
	if name == "LOG" {
		return SeverityInfo, true
	}
	for i, n := range severityNames {
		if n == name {
			return Severity(i), true
		}
	}
	return 0, false
}

// Event is a diagnostic raised by the host.
type Event struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// Target identifies the page a repair should work on.
type Target struct {
	// Path is the relation file path relative to the data directory.
	Path string `json:"path"`
	// Block is the relation-relative block number.
	Block uint32 `json:"block"`
}

// Target parses the event into a repair target.
func (e Event) Target() (Target, error) {
	return Parse(e.Message, e.Code)
}

// messageGrammar is the participle grammar for a diagnostic message: a flat
// list of whitespace-separated words.
type messageGrammar struct {
	Words []string `parser:"@Word*"`
}

var messageLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Word", Pattern: `[^\s]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var messageParser = participle.MustBuild[messageGrammar](
	participle.Lexer(messageLexer),
	participle.Elide("Whitespace"),
)

// Parse extracts the repair target from a diagnostic message and its
// SQLSTATE code. It returns errors.ErrSignalMismatch when the event is not
// a page verification failure and a *errors.ParseError when it is one but
// the block or relation cannot be found.
func Parse(message, code string) (Target, error) {
	if code != CodeDataCorrupted || !strings.HasPrefix(message, invalidPagePrefix) {
		return Target{}, errors.ErrSignalMismatch
	}

	parsed, err := messageParser.ParseString("", message)
	if err != nil {
		return Target{}, errors.NewParse("diagnostic", message, err.Error())
	}
	words := parsed.Words

	blockWord, ok := after(words, blockMarker)
	if !ok {
		return Target{}, errors.NewParse("diagnostic", message, "could not determine the block number")
	}
	block, err := strconv.ParseUint(blockWord, 10, 32)
	if err != nil {
		return Target{}, errors.NewParse("diagnostic", message, "block number is not a decimal integer")
	}

	path, ok := after(words, relationMarker)
	if !ok {
		return Target{}, errors.NewParse("diagnostic", message, "could not determine the relation path")
	}

	return Target{Path: path, Block: uint32(block)}, nil
}

// after returns the word that follows the first occurrence of marker.
func after(words []string, marker string) (string, bool) {
	for i, w := range words {
		if w == marker && i+1 < len(words) {
			return words[i+1], true
		}
	}
	return "", false
}
