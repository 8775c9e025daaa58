// Package detector classifies raw terminal output from a supervised CLI as
// busy, idle, or waiting for input. It is not a terminal emulator: it
// pattern-matches over a bounded trailing window of the accumulated byte
// stream, so the classification is identical for any re-chunking of the
// same output.
package detector

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// State is the detected activity state of the supervised program.
type State string

const (
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateWaitingInput State = "waiting_input"
)

// DefaultWindowBytes bounds the rolling window when no size is given.
const DefaultWindowBytes = 16384

// busyMarkers indicate the program is actively working. Matched
// case-insensitively against the stripped window.
var busyMarkers = []string{
	"esc to interrupt",
	"press esc to stop",
}

// questionRe matches a line-final interrogative, optionally with a
// confirmation hint: "Proceed?", "Proceed? (y/n)", "Proceed? (Y/n): ".
var questionRe = regexp.MustCompile(`\?(\s*\((?i:y/n|yes/no)\))?\s*:?\s*$`)

// Detector keeps per-session classification state. It is single-producer:
// only the owning session's output pipeline feeds it.
type Detector struct {
	maxWindow    int
	window       []byte
	state        State
	lastQuestion string
	hasQuestion  bool
}

// New creates a detector with the given window bound in bytes.
// A bound <= 0 selects DefaultWindowBytes.
func New(maxWindow int) *Detector {
	if maxWindow <= 0 {
		maxWindow = DefaultWindowBytes
	}
	return &Detector{
		maxWindow: maxWindow,
		state:     StateIdle,
	}
}

// Feed appends a raw output chunk and re-evaluates the classification over
// the updated window. It returns the resulting state.
func (d *Detector) Feed(chunk []byte) State {
	d.window = append(d.window, chunk...)
	d.trimWindow()
	d.classify()
	return d.state
}

// State returns the current classification.
func (d *Detector) State() State {
	return d.state
}

// LastQuestion returns the most recent extracted question, trimmed of
// trailing decoration. ok is false if no question was ever detected.
func (d *Detector) LastQuestion() (question string, ok bool) {
	return d.lastQuestion, d.hasQuestion
}

// Reset clears the window and forces the state back to idle. Required when
// a session is recreated so a prior process incarnation cannot leak state.
func (d *Detector) Reset() {
	d.window = d.window[:0]
	d.state = StateIdle
	d.lastQuestion = ""
	d.hasQuestion = false
}

// trimWindow keeps the window a rune-aligned suffix of the accumulated
// stream. Because the suffix depends only on total content, the window is
// invariant under re-chunking.
func (d *Detector) trimWindow() {
	if len(d.window) <= d.maxWindow {
		return
	}
	start := len(d.window) - d.maxWindow
	for start < len(d.window) && !utf8.RuneStart(d.window[start]) {
		start++
	}
	d.window = append(d.window[:0], d.window[start:]...)
}

// classify applies the detection rules, first match wins:
//
//  1. busy: an unresolved interrupt marker after the most recently opened box
//  2. waiting_input: the most recently closed box followed by an interrogative
//  3. idle: the most recent box is cleanly closed with nothing unresolved after
//  4. otherwise the state is unchanged (silence never regresses to idle)
func (d *Detector) classify() {
	text := StripANSI(string(d.window))
	lines := splitLines(text)

	lastOpen, lastClosed := borderPositions(lines)

	// Rule 1: busy marker after the last open border and not resolved by a
	// later close border.
	markerPos := -1
	for _, m := range busyMarkers {
		if p := lastIndexFold(text, m); p > markerPos {
			markerPos = p
		}
	}
	if markerPos >= 0 && markerPos > lastOpen.offset && markerPos > lastClosed.offset {
		d.state = StateBusy
		return
	}

	// Rule 2: interrogative following the most recently closed box, or a
	// bare confirmation prompt when no box was ever drawn.
	var region []line
	switch {
	case lastClosed.index >= 0:
		region = lines[lastClosed.index+1:]
	case lastOpen.index < 0:
		region = lines
	}
	if q, ok := findQuestion(region); ok {
		d.lastQuestion = q
		d.hasQuestion = true
		d.state = StateWaitingInput
		return
	}

	// Rule 3: cleanly closed box with nothing unresolved after it.
	if lastOpen.index >= 0 && lastClosed.index > lastOpen.index && lastClosed.kind == lastOpen.kind {
		d.state = StateIdle
		return
	}

	// Rule 4: unchanged.
}

// line is a single window line with its byte offset in the stripped text.
type line struct {
	text   string
	offset int
}

func splitLines(text string) []line {
	var out []line
	offset := 0
	for {
		idx := strings.IndexByte(text[offset:], '\n')
		if idx < 0 {
			out = append(out, line{text: text[offset:], offset: offset})
			return out
		}
		out = append(out, line{text: text[offset : offset+idx], offset: offset})
		offset += idx + 1
	}
}

// borderKind distinguishes rounded from square box corners so that a top
// border is only resolved by its matching bottom style.
type borderKind int

const (
	borderNone borderKind = iota
	borderRounded
	borderSquare
)

type borderPos struct {
	index  int // line index, -1 if absent
	offset int // byte offset of the line start, -1 if absent
	kind   borderKind
}

// borderPositions finds the most recent top border and the most recent
// bottom border in the window.
func borderPositions(lines []line) (open, closed borderPos) {
	open = borderPos{index: -1, offset: -1}
	closed = borderPos{index: -1, offset: -1}
	for i, l := range lines {
		trimmed := strings.TrimLeft(l.text, " \t")
		r, _ := utf8.DecodeRuneInString(trimmed)
		switch r {
		case '╭':
			open = borderPos{index: i, offset: l.offset, kind: borderRounded}
		case '┌':
			open = borderPos{index: i, offset: l.offset, kind: borderSquare}
		case '╰':
			closed = borderPos{index: i, offset: l.offset, kind: borderRounded}
		case '└':
			closed = borderPos{index: i, offset: l.offset, kind: borderSquare}
		}
	}
	return open, closed
}

// findQuestion returns the last interrogative line in the region, skipping
// lines that belong to a box body or border.
func findQuestion(region []line) (string, bool) {
	for i := len(region) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(region[i].text)
		if trimmed == "" || isBoxLine(trimmed) {
			continue
		}
		if questionRe.MatchString(trimmed) || containsFold(trimmed, "would you like") {
			return trimDecoration(region[i].text), true
		}
	}
	return "", false
}

func isBoxLine(trimmed string) bool {
	r, _ := utf8.DecodeRuneInString(trimmed)
	switch r {
	case '╭', '╮', '╰', '╯', '│', '─', '┌', '┐', '└', '┘', '├', '┤':
		return true
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

// lastIndexFold finds the last case-insensitive occurrence of substr in s.
// The returned offset is a byte position in s itself; lowering the whole
// window first would shift positions wherever folding changes rune widths.
func lastIndexFold(s, substr string) int {
	n := len(substr)
	for i := len(s) - n; i >= 0; i-- {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

// trimDecoration strips surrounding whitespace and trailing box glyphs from
// an extracted question.
func trimDecoration(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "─│╭╮╰╯┌┐└┘ \t")
	return s
}

// StripANSI removes ANSI escape sequences in a single pass. Complex regex
// patterns backtrack catastrophically on malformed sequences, so this walks
// the bytes directly.
func StripANSI(content string) string {
	if strings.IndexByte(content, '\x1b') < 0 && strings.IndexByte(content, '\x9b') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		if content[i] == '\x1b' {
			// CSI sequence: ESC [ ... letter
			if i+1 < len(content) && content[i+1] == '[' {
				j := i + 2
				for j < len(content) {
					c := content[j]
					if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
						j++
						break
					}
					j++
				}
				i = j
				continue
			}
			// OSC sequence: ESC ] ... BEL or ST
			if i+1 < len(content) && content[i+1] == ']' {
				if bell := strings.Index(content[i:], "\x07"); bell != -1 {
					i += bell + 1
					continue
				}
				if st := strings.Index(content[i:], "\x1b\\"); st != -1 {
					i += st + 2
					continue
				}
			}
			// Other escape: ESC plus one char
			if i+1 < len(content) {
				i += 2
				continue
			}
		}
		if content[i] == '\x9b' {
			j := i + 1
			for j < len(content) {
				c := content[j]
				if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
					j++
					break
				}
				j++
			}
			i = j
			continue
		}
		b.WriteByte(content[i])
		i++
	}

	return b.String()
}
