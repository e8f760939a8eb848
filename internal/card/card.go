// Package card describes the interactive messages the assistant sends.
// Cards are transport neutral; each connector renders them into its own
// format (Adaptive Cards for Teams, Block Kit for Slack).
package card

import "strings"

// Weight is the emphasis of a text line.
type Weight int

const (
	Normal Weight = iota
	Bold
	Heading
)

// Text is one line (or paragraph) of markdown text.
type Text struct {
	Text   string
	Weight Weight
	Subtle bool
}

// Action is a button. A non-nil Payload makes it a submit action that comes
// back as a card action turn; otherwise it opens URL.
type Action struct {
	Title   string
	URL     string
	Payload Payload
}

// Section groups lines and buttons, such as one row of a ticket list.
type Section struct {
	Texts     []Text
	Actions   []Action
	Attention bool
}

// Card is one interactive message.
type Card struct {
	Texts    []Text
	Sections []Section
	Actions  []Action
}

// Submits returns every submit action on the card in display order.
func (c Card) Submits() []Action {
	var out []Action
	for _, s := range c.Sections {
		for _, a := range s.Actions {
			if a.Payload != nil {
				out = append(out, a)
			}
		}
	}
	for _, a := range c.Actions {
		if a.Payload != nil {
			out = append(out, a)
		}
	}
	return out
}

// PlainText flattens the card into newline separated text, used as a
// notification fallback by transports.
func (c Card) PlainText() string {
	var lines []string
	for _, t := range c.Texts {
		lines = append(lines, t.Text)
	}
	for _, s := range c.Sections {
		for _, t := range s.Texts {
			lines = append(lines, t.Text)
		}
	}
	return strings.Join(lines, "\n")
}
