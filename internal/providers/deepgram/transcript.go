package deepgram

import "strings"

// transcript joins finalized segments and tracks the interim tail.
type transcript struct {
	finals  []string
	interim string
}

// Add records a segment and returns the text to show as the current partial.
func (a *transcript) Add(text string, final bool) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return a.Text()
	}
	if final {
		a.finals = append(a.finals, text)
		a.interim = ""
	} else {
		a.interim = text
	}
	return a.Text()
}

// Text returns finalized segments followed by any interim tail not yet
// covered by them.
func (a *transcript) Text() string {
	joined := strings.TrimSpace(strings.Join(a.finals, " "))
	if joined == "" {
		return a.interim
	}
	if a.interim == "" || strings.HasSuffix(joined, a.interim) {
		return joined
	}
	return joined + " " + a.interim
}
