package signal

import (
	"strings"
)

// ParseLogLine decodes one server log line into an Event. It understands the
// verbose error format, where the SQLSTATE follows the severity:
//
//	2024-05-01 10:00:00 UTC [123] ERROR:  XX001: invalid page in block 7 of relation base/1/2
//
// Any prefix before the severity is ignored. Lines without a recognised
// severity are rejected. Lines without a SQLSTATE yield an Event with an
// empty Code, which Parse will treat as a mismatch.
func ParseLogLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")

	for i := 0; i < len(line); {
		j := strings.Index(line[i:], ":  ")
		if j < 0 {
			return Event{}, false
		}
		j += i
		start := strings.LastIndexAny(line[:j], " \t]") + 1
		if sev, ok := ParseSeverity(line[start:j]); ok {
			return decodeBody(sev, line[j+3:]), true
		}
		i = j + 3
	}
	return Event{}, false
}

func decodeBody(sev Severity, body string) Event {
	ev := Event{Severity: sev, Message: strings.TrimSpace(body)}
	code, rest, ok := strings.Cut(body, ": ")
	if ok && isSQLState(code) {
		ev.Code = code
		ev.Message = strings.TrimSpace(rest)
	}
	return ev
}

func isSQLState(s string) bool {
	if len(s) != 5 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
