// Package transcript renders conversation turns and final results as text.
//
// Rendering is a pure fold over the turn sequence: the same turns always
// produce the same output, and an empty sequence produces nothing.
package transcript

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// DefaultWidth is the wrap width used when Options.Width is zero.
const DefaultWidth = 80

// UpdateLabel precedes the status update in RenderUpdate.
const UpdateLabel = "Update"

// Options controls how turns are rendered.
type Options struct {
	// Width is the display width to wrap at. Negative disables wrapping.
	Width int
	// Labels overrides the label printed before each speaker's text.
	Labels map[models.Speaker]string
}

var defaultLabels = map[models.Speaker]string{
	models.SpeakerUser:        "You",
	models.SpeakerAssistant:   "Assistant",
	models.SpeakerSystemError: "Error",
}

func (o Options) label(s models.Speaker) string {
	if l, ok := o.Labels[s]; ok {
		return l
	}
	if l, ok := defaultLabels[s]; ok {
		return l
	}
	return string(s)
}

func (o Options) width() int {
	if o.Width == 0 {
		return DefaultWidth
	}
	return o.Width
}

// RenderTurns writes every turn in order, one block per turn.
func RenderTurns(w io.Writer, turns []models.Turn, opts Options) error {
	for _, turn := range turns {
		if err := renderTurn(w, turn, opts); err != nil {
			return err
		}
	}
	return nil
}

// RenderTurn writes a single turn.
func RenderTurn(w io.Writer, turn models.Turn, opts Options) error {
	return renderTurn(w, turn, opts)
}

func renderTurn(w io.Writer, turn models.Turn, opts Options) error {
	return renderLabeled(w, opts.label(turn.Speaker), turn.Text, opts)
}

// RenderUpdate writes the status update that opened the conversation under
// an "Update" label. An empty update writes nothing.
func RenderUpdate(w io.Writer, update string, opts Options) error {
	if strings.TrimSpace(update) == "" {
		return nil
	}
	return renderLabeled(w, UpdateLabel, update, opts)
}

func renderLabeled(w io.Writer, label, text string, opts Options) error {
	prefix := label + ": "
	indent := strings.Repeat(" ", runewidth.StringWidth(prefix))
	lines := wrap(text, opts.width()-runewidth.StringWidth(prefix))
	for i, line := range lines {
		lead := indent
		if i == 0 {
			lead = prefix
		}
		if _, err := fmt.Fprintf(w, "%s%s\n", lead, line); err != nil {
			return err
		}
	}
	return nil
}

// FormatTurn returns the turn as plain text prefixed with its label, without
// wrapping. Used for messaging channels that wrap on their own.
func FormatTurn(turn models.Turn) string {
	if turn.Speaker == models.SpeakerAssistant {
		return turn.Text
	}
	return defaultLabels[turn.Speaker] + ": " + turn.Text
}

// wrap splits text into lines no wider than width display cells, breaking on
// spaces where possible. Existing newlines are kept.
func wrap(text string, width int) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		if width <= 0 {
			lines = append(lines, para)
			continue
		}
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line, lineWidth := "", 0
		for _, word := range words {
			ww := runewidth.StringWidth(word)
			if ww > width {
				if line != "" {
					lines = append(lines, line)
				}
				parts := strings.Split(runewidth.Wrap(word, width), "\n")
				lines = append(lines, parts[:len(parts)-1]...)
				line = parts[len(parts)-1]
				lineWidth = runewidth.StringWidth(line)
				continue
			}
			switch {
			case line == "":
				line, lineWidth = word, ww
			case lineWidth+1+ww <= width:
				line += " " + word
				lineWidth += 1 + ww
			default:
				lines = append(lines, line)
				line, lineWidth = word, ww
			}
		}
		lines = append(lines, line)
	}
	return lines
}
