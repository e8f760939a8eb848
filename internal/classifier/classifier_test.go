package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/h1v3-io/orbit/internal/generation"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

type fakeCompleter struct {
	reply string
	err   error
	opts  generation.Options
	lang  string
}

func (f *fakeCompleter) Complete(_ context.Context, _ []protocol.ChatMessage, lang string, opts generation.Options) (string, error) {
	f.lang, f.opts = lang, opts
	return f.reply, f.err
}

func TestClassifyCreate(t *testing.T) {
	gen := &fakeCompleter{reply: "Sure!\n```json\n{\"intent\":\"createTk\",\"title\":\"VPN down\",\"summary\":\"My VPN {client} fails\",\"lang\":\"en\"}\n```"}
	c := New(gen, nil)

	r, err := c.Classify(context.Background(), "vpn is broken", "en")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if gen.opts.Mode != generation.ModeClassify {
		t.Errorf("mode = %q", gen.opts.Mode)
	}
	if r.Intent != CreateTicket || r.Title != "VPN down" || r.Summary != "My VPN {client} fails" || r.Language != "en" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Result
	}{
		{"list", `{"intent":"listTks","lang":"es"}`, Result{Intent: ListTickets, Language: "es"}},
		{"page", `{"intent":"listTksPage","page":2}`, Result{Intent: ListTicketsPage, Page: 2}},
		{"single string id", `{"intent":"singleTk","ticketId":"#42"}`, Result{Intent: SingleTicket, TicketID: 42}},
		{"edit with comment", `{"intent":"editTk","ticketId":7,"comment":" more info "}`, Result{Intent: EditTicket, TicketID: 7, Comment: "more info"}},
		{"none", `prose {"intent":"none"} trailing`, Result{Intent: None}},
		{"create without title", `{"intent":"createTk","summary":"printer jam"}`, Result{Intent: CreateTicket, Title: "printer jam", Summary: "printer jam"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{
		"no json here",
		`{"intent":"createTk","title":"x"}`,
		`{"intent":"editTk"}`,
		`{"intent":"singleTk","ticketId":"abc"}`,
		`{"intent":"dance"}`,
		`{broken`,
	} {
		if _, err := Parse(raw); !errors.Is(err, ErrClassification) {
			t.Errorf("Parse(%q) error = %v, want ErrClassification", raw, err)
		}
	}
}

func TestClassifyGenerationError(t *testing.T) {
	cause := errors.New("timeout")
	c := New(&fakeCompleter{err: cause}, nil)
	_, err := c.Classify(context.Background(), "hi", "es")
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestExtractObject(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{`x {"a":{"b":"}"}} y {"c":2}`, `{"a":{"b":"}"}}`, true},
		{`{ not json } then {"ok":true}`, `{"ok":true}`, true},
		{`{"unterminated":`, "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractObject(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ExtractObject(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
