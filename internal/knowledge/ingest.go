package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

const (
	defaultChunkSize = 1000
	embedBatch       = 16
	maxPageSize      = 5 << 20
	fetchTimeout     = 30 * time.Second
)

// chunkNamespace scopes chunk ids derived from source URLs.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("orbit/knowledge"))

// Stats reports the outcome of an ingestion run.
type Stats struct {
	Sources int
	Failed  int
	Chunks  int
	Removed int
}

// Ingester fetches documentation pages and indexes them.
type Ingester struct {
	index       *Index
	embedder    Embedder
	client      *http.Client
	chunkSize   int
	concurrency int
	logger      *slog.Logger
}

// IngestOption configures an Ingester.
type IngestOption func(*Ingester)

// WithHTTPClient sets the client pages are fetched with.
func WithHTTPClient(c *http.Client) IngestOption {
	return func(in *Ingester) { in.client = c }
}

// WithChunkSize sets the target chunk length in characters.
func WithChunkSize(n int) IngestOption {
	return func(in *Ingester) { in.chunkSize = n }
}

// WithConcurrency sets how many sources are ingested at once.
func WithConcurrency(n int) IngestOption {
	return func(in *Ingester) { in.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) IngestOption {
	return func(in *Ingester) { in.logger = l }
}

// NewIngester creates an Ingester.
func NewIngester(ix *Index, e Embedder, opts ...IngestOption) *Ingester {
	in := &Ingester{
		index:       ix,
		embedder:    e,
		client:      &http.Client{Timeout: fetchTimeout},
		chunkSize:   defaultChunkSize,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	return in
}

// IngestAll ingests every source. A failing source is logged and counted;
// it does not stop the others.
func (in *Ingester) IngestAll(ctx context.Context, sources []string) Stats {
	var (
		mu    sync.Mutex
		total Stats
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, in.concurrency))
	for _, src := range sources {
		g.Go(func() error {
			st, err := in.Ingest(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				in.logger.Error("ingest failed", "source", src, "error", err)
				total.Failed++
				return nil
			}
			total.Sources++
			total.Chunks += st.Chunks
			total.Removed += st.Removed
			return nil
		})
	}
	g.Wait()
	in.logger.Info("ingestion finished",
		"sources", total.Sources, "failed", total.Failed,
		"chunks", total.Chunks, "removed", total.Removed)
	return total
}

// Ingest fetches one source, replaces its chunks and returns the counts.
func (in *Ingester) Ingest(ctx context.Context, rawURL string) (Stats, error) {
	doc, err := in.fetch(ctx, rawURL)
	if err != nil {
		return Stats{}, err
	}
	texts := Split(doc.text, in.chunkSize)
	if len(texts) == 0 {
		return Stats{}, fmt.Errorf("knowledge: ingest %s: no text", rawURL)
	}

	chunks := make([]Chunk, len(texts))
	ids := make([]string, len(texts))
	for i, t := range texts {
		ids[i] = ChunkID(rawURL, i)
		chunks[i] = Chunk{ID: ids[i], SourceURL: rawURL, SourceTitle: doc.title, MediaURL: doc.media, Text: t}
	}
	for start := 0; start < len(chunks); start += embedBatch {
		end := min(start+embedBatch, len(chunks))
		vecs, err := in.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return Stats{}, fmt.Errorf("knowledge: embed %s: %w", rawURL, err)
		}
		if len(vecs) != end-start {
			return Stats{}, fmt.Errorf("knowledge: embed %s: got %d vectors for %d chunks", rawURL, len(vecs), end-start)
		}
		for i, v := range vecs {
			chunks[start+i].Embedding = v
		}
	}

	if err := in.index.Upsert(ctx, chunks); err != nil {
		return Stats{}, err
	}
	removed, err := in.index.RemoveStale(ctx, rawURL, ids)
	if err != nil {
		return Stats{}, err
	}
	in.logger.Debug("source ingested", "source", rawURL, "chunks", len(chunks), "removed", removed)
	return Stats{Sources: 1, Chunks: len(chunks), Removed: removed}, nil
}

// ChunkID is the deterministic id of the n-th chunk of a source.
func ChunkID(sourceURL string, n int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(sourceURL+"#"+strconv.Itoa(n))).String()
}

type document struct {
	title string
	media string
	text  string
}

func (in *Ingester) fetch(ctx context.Context, rawURL string) (document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return document{}, fmt.Errorf("knowledge: invalid URL %q: %w", rawURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return document{}, fmt.Errorf("knowledge: fetch %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", "orbit-ingest/1.0")

	resp, err := in.client.Do(req)
	if err != nil {
		return document{}, fmt.Errorf("knowledge: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return document{}, fmt.Errorf("knowledge: fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return document{}, fmt.Errorf("knowledge: read %s: %w", rawURL, err)
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return document{title: plainTitle(u, string(body)), text: string(body)}, nil
	}

	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return document{}, fmt.Errorf("knowledge: parse %s: %w", rawURL, err)
	}
	var text bytes.Buffer
	if err := article.RenderText(&text); err != nil {
		return document{}, fmt.Errorf("knowledge: render %s: %w", rawURL, err)
	}
	title := article.Title()
	if title == "" {
		title = plainTitle(u, "")
	}
	return document{title: title, media: metaImage(body), text: text.String()}, nil
}

// plainTitle uses the first markdown heading, else the last path segment.
func plainTitle(u *url.URL, body string) string {
	for _, line := range strings.Split(body, "\n") {
		if h, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
			return strings.TrimSpace(h)
		}
	}
	if base := path.Base(u.Path); base != "/" && base != "." {
		return base
	}
	return u.Host
}

// metaImage returns the og:image of a page, if any.
func metaImage(page []byte) string {
	z := html.NewTokenizer(bytes.NewReader(page))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data == "body" {
				return ""
			}
			if tok.Data != "meta" {
				continue
			}
			var prop, content string
			for _, a := range tok.Attr {
				switch a.Key {
				case "property", "name":
					prop = a.Val
				case "content":
					content = a.Val
				}
			}
			if prop == "og:image" && content != "" {
				return content
			}
		}
	}
}

// Split breaks text into chunks of about size characters on paragraph
// boundaries. Oversized paragraphs are cut at word boundaries; a single word
// longer than size stays whole.
func Split(text string, size int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, para := range paragraphs(text) {
		for _, piece := range cutLong(para, size) {
			if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+2+utf8.RuneCountInString(piece) > size {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(piece)
		}
	}
	flush()
	return out
}

func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cutLong(p string, size int) []string {
	if utf8.RuneCountInString(p) <= size {
		return []string{p}
	}
	var (
		out []string
		cur []string
		n   int
	)
	for _, w := range strings.Fields(p) {
		wl := utf8.RuneCountInString(w)
		if n > 0 && n+1+wl > size {
			out = append(out, strings.Join(cur, " "))
			cur, n = nil, 0
		}
		if n > 0 {
			n++
		}
		cur = append(cur, w)
		n += wl
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}
