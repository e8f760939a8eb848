package teams

import (
	"encoding/json"
	"fmt"

	"github.com/h1v3-io/orbit/internal/card"
)

type adaptiveCard struct {
	Type    string           `json:"type"`
	Schema  string           `json:"$schema"`
	Version string           `json:"version"`
	Body    []any            `json:"body"`
	Actions []adaptiveAction `json:"actions,omitempty"`
}

type textBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Wrap     bool   `json:"wrap"`
	Weight   string `json:"weight,omitempty"`
	Size     string `json:"size,omitempty"`
	IsSubtle bool   `json:"isSubtle,omitempty"`
}

type container struct {
	Type      string `json:"type"`
	Style     string `json:"style,omitempty"`
	Separator bool   `json:"separator,omitempty"`
	Items     []any  `json:"items"`
}

type actionSet struct {
	Type    string           `json:"type"`
	Actions []adaptiveAction `json:"actions"`
}

type adaptiveAction struct {
	Type  string          `json:"type"`
	Title string          `json:"title"`
	URL   string          `json:"url,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// renderCard converts a card into an Adaptive Card 1.4 attachment.
func renderCard(c card.Card) (Attachment, error) {
	ac := adaptiveCard{
		Type:    "AdaptiveCard",
		Schema:  "http://adaptivecards.io/schemas/adaptive-card.json",
		Version: "1.4",
	}
	for _, t := range c.Texts {
		ac.Body = append(ac.Body, renderText(t))
	}
	for _, s := range c.Sections {
		box := container{Type: "Container", Separator: true}
		if s.Attention {
			box.Style = "attention"
		}
		for _, t := range s.Texts {
			box.Items = append(box.Items, renderText(t))
		}
		if len(s.Actions) > 0 {
			acts, err := renderActions(s.Actions)
			if err != nil {
				return Attachment{}, err
			}
			box.Items = append(box.Items, actionSet{Type: "ActionSet", Actions: acts})
		}
		ac.Body = append(ac.Body, box)
	}
	acts, err := renderActions(c.Actions)
	if err != nil {
		return Attachment{}, err
	}
	ac.Actions = acts

	content, err := json.Marshal(ac)
	if err != nil {
		return Attachment{}, fmt.Errorf("teams: encode card: %w", err)
	}
	return Attachment{ContentType: contentTypeAdaptiveCard, Content: content}, nil
}

func renderText(t card.Text) textBlock {
	b := textBlock{Type: "TextBlock", Text: t.Text, Wrap: true, IsSubtle: t.Subtle}
	switch t.Weight {
	case card.Bold:
		b.Weight = "Bolder"
	case card.Heading:
		b.Weight, b.Size = "Bolder", "Medium"
	}
	return b
}

func renderActions(in []card.Action) ([]adaptiveAction, error) {
	var out []adaptiveAction
	for _, a := range in {
		if a.Payload == nil {
			out = append(out, adaptiveAction{Type: "Action.OpenUrl", Title: a.Title, URL: a.URL})
			continue
		}
		data, err := card.Encode(a.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, adaptiveAction{Type: "Action.Submit", Title: a.Title, Data: data})
	}
	return out, nil
}
