package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/h1v3-io/orbit/internal/locale"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

type fakeProvider struct {
	reply     string
	fragments []string
	err       error
	got       protocol.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.ChatResponse{Content: f.reply}, nil
}

func (f *fakeProvider) Stream(_ context.Context, req protocol.ChatRequest, fn protocol.FragmentFunc) (*protocol.ChatResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	for _, frag := range f.fragments {
		fn(frag)
	}
	return &protocol.ChatResponse{Content: strings.Join(f.fragments, "")}, nil
}

type fakeRetriever struct {
	passages []Passage
	err      error
	query    string
	k        int
}

func (f *fakeRetriever) Retrieve(_ context.Context, q string, k int) ([]Passage, error) {
	f.query, f.k = q, k
	return f.passages, f.err
}

func newTable(t *testing.T) *locale.Table {
	t.Helper()
	tbl, err := locale.Default()
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func TestCompleteUsesModeInstruction(t *testing.T) {
	tbl := newTable(t)
	p := &fakeProvider{reply: "ok"}
	g := New(p, tbl)

	got, err := g.Complete(context.Background(),
		[]protocol.ChatMessage{{Role: protocol.RoleUser, Content: "hi"}},
		"en-US", Options{Mode: ModeDraft, Vars: map[string]string{"name": "Ana Diaz", "email": "ana@corp.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" {
		t.Errorf("got %q", got)
	}
	if len(p.got.Messages) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(p.got.Messages))
	}
	sys := p.got.Messages[0]
	if sys.Role != protocol.RoleSystem {
		t.Errorf("first message role = %q", sys.Role)
	}
	if !strings.Contains(sys.Content, "User: Ana Diaz, email: ana@corp.com") {
		t.Errorf("placeholders not filled: %q", sys.Content)
	}
	if p.got.TopP != 0.95 || p.got.Temperature != 0.7 {
		t.Errorf("unexpected sampling params %+v", p.got)
	}
}

func TestUnknownLanguageFallsBackToDefault(t *testing.T) {
	tbl := newTable(t)
	p := &fakeProvider{}
	g := New(p, tbl)
	g.Complete(context.Background(), nil, "fr", Options{Mode: ModeClassify})
	if p.got.Messages[0].Content != locale.Format(tbl.Languages["es"].Prompts.Classify, nil) {
		t.Error("expected the default language classify instruction")
	}
}

func TestRetrievalFiltersAndFormats(t *testing.T) {
	tbl := newTable(t)
	p := &fakeProvider{}
	r := &fakeRetriever{passages: []Passage{
		{Title: "VPN guide", URL: "https://kb/vpn", Text: "Reset the client.", Score: 0.8},
		{Title: "Noise", URL: "https://kb/noise", Text: "irrelevant", Score: 0.1},
		{Title: "Printers", URL: "https://kb/print", MediaURL: "https://kb/print.png", Text: "Check the tray.", Score: 0.5},
	}}
	g := New(p, tbl, WithRetriever(r))

	err := g.Stream(context.Background(),
		[]protocol.ChatMessage{{Role: protocol.RoleUser, Content: "vpn broken"}},
		"en", func(string) {}, Options{Retrieval: true})
	if err != nil {
		t.Fatal(err)
	}
	if r.query != "vpn broken" || r.k != 5 {
		t.Errorf("retriever called with %q/%d", r.query, r.k)
	}
	ctxMsg := p.got.Messages[0].Content
	if !strings.Contains(ctxMsg, "Source [1]: VPN guide — https://kb/vpn\nReset the client.") {
		t.Errorf("missing first source: %q", ctxMsg)
	}
	if !strings.Contains(ctxMsg, "Source [2]: Printers — https://kb/print\nMedia: https://kb/print.png") {
		t.Errorf("missing second source: %q", ctxMsg)
	}
	if strings.Contains(ctxMsg, "Noise") {
		t.Error("low-score passage should be dropped")
	}
	if p.got.Temperature != 0.2 {
		t.Errorf("stream temperature = %v", p.got.Temperature)
	}
}

func TestRetrievalExplicitQueryAndFailure(t *testing.T) {
	tbl := newTable(t)
	p := &fakeProvider{}
	r := &fakeRetriever{err: errors.New("index down")}
	g := New(p, tbl, WithRetriever(r))

	_, err := g.Complete(context.Background(),
		[]protocol.ChatMessage{{Role: protocol.RoleUser, Content: "[user] transcript"}},
		"es", Options{Mode: ModeDraft, Retrieval: true, Query: "printer jam", TopK: 3})
	if err != nil {
		t.Fatalf("retrieval failure should not fail the call: %v", err)
	}
	if r.query != "printer jam" || r.k != 3 {
		t.Errorf("retriever called with %q/%d", r.query, r.k)
	}
	if len(p.got.Messages) != 2 {
		t.Errorf("expected no context message, got %d messages", len(p.got.Messages))
	}
}

func TestStreamDeliversFragmentsInOrder(t *testing.T) {
	p := &fakeProvider{fragments: []string{"a", "b", "c"}}
	g := New(p, newTable(t))
	var got []string
	if err := g.Stream(context.Background(), nil, "en", func(f string) { got = append(got, f) }, Options{}); err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, "") != "abc" {
		t.Errorf("got %v", got)
	}
}

func TestProviderErrorWrapped(t *testing.T) {
	cause := errors.New("boom")
	g := New(&fakeProvider{err: cause}, newTable(t))
	if _, err := g.Complete(context.Background(), nil, "en", Options{}); !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	if err := g.Stream(context.Background(), nil, "en", nil, Options{}); !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}
