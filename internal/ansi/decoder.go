// Package ansi decodes SGR color escape sequences in shell output into
// styled text runs for the display layer. Only foreground colors are
// interpreted; everything else a shell may emit is passed through untouched.
package ansi

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultForeground is the terminal foreground color used when no SGR code
// is active or after a reset.
const DefaultForeground = "#d4d4d4"

// palette maps the recognized SGR foreground codes (30-37 normal, 90-97
// bright) to display colors.
var palette = map[int]string{
	30: "#000000",
	31: "#FF5555",
	32: "#50FA7B",
	33: "#F1FA8C",
	34: "#BD93F9",
	35: "#FF79C6",
	36: "#8BE9FD",
	37: "#F8F8F2",
	90: "#6272A4",
	91: "#FF6E6E",
	92: "#69FF94",
	93: "#FFFFA5",
	94: "#D6ACFF",
	95: "#FF92DF",
	96: "#A4FFFF",
	97: "#FFFFFF",
}

var sgrPattern = regexp.MustCompile(`\x1b\[([0-9;]*)m`)

// Style is the active text format while scanning a chunk.
type Style struct {
	Foreground string `json:"foreground"`
	Reset      bool   `json:"reset"`
}

// DefaultStyle returns the style in effect before any escape sequence.
func DefaultStyle() Style {
	return Style{Foreground: DefaultForeground, Reset: true}
}

// StyledRun is a contiguous span of text sharing one display format.
type StyledRun struct {
	Text  string `json:"text"`
	Color string `json:"color"`
	Reset bool   `json:"reset"`
}

// Decode splits a chunk into styled runs starting from the default style.
// The second result is false when the chunk contains no escape sequences,
// letting callers fast-path plain text; the returned single run then equals
// the input. Concatenating the Text of all runs always reproduces the chunk
// with every escape sequence stripped.
func Decode(chunk string) ([]StyledRun, bool) {
	return DecodeFrom(chunk, DefaultStyle())
}

// DecodeFrom is Decode with an explicit starting style. It is a pure
// function of its two inputs.
func DecodeFrom(chunk string, style Style) ([]StyledRun, bool) {
	matches := sgrPattern.FindAllStringSubmatchIndex(chunk, -1)
	if len(matches) == 0 {
		return []StyledRun{{Text: chunk, Color: style.Foreground, Reset: style.Reset}}, false
	}

	var runs []StyledRun
	current := style
	last := 0

	for _, m := range matches {
		if m[0] > last {
			runs = append(runs, StyledRun{
				Text:  chunk[last:m[0]],
				Color: current.Foreground,
				Reset: current.Reset,
			})
		}
		current = apply(current, chunk[m[2]:m[3]])
		last = m[1]
	}

	if last < len(chunk) {
		runs = append(runs, StyledRun{
			Text:  chunk[last:],
			Color: current.Foreground,
			Reset: current.Reset,
		})
	}

	return runs, true
}

// apply folds one escape sequence's parameter list into the active style.
// Code 0 resets, recognized foreground codes recolor, anything else is
// ignored.
func apply(style Style, params string) Style {
	for _, p := range strings.Split(params, ";") {
		code, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		if code == 0 {
			style = DefaultStyle()
			continue
		}
		if color, ok := palette[code]; ok {
			style.Foreground = color
			style.Reset = false
		}
	}
	return style
}

// Strip removes every SGR escape sequence from a chunk.
func Strip(chunk string) string {
	return sgrPattern.ReplaceAllString(chunk, "")
}
