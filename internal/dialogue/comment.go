package dialogue

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/h1v3-io/orbit/internal/locale"
)

// commentStep treats the turn as the comment for the ticket being edited.
func (s *session) commentStep(ctx context.Context) error {
	id := s.draft.TicketID
	text := strings.TrimSpace(s.turn.Text)
	files := s.processAttachments(ctx)

	if text == "" && files.empty() {
		if files.offered > 0 {
			s.say(ctx, s.texts().NoAttachments)
		} else {
			s.say(ctx, s.texts().WriteComment)
		}
		return nil
	}

	if !s.addComment(ctx, id, text, files) {
		return nil
	}
	s.draft.Reset("")
	return s.persist(ctx)
}

// submitComment adds a comment given in the same turn as the edit intent.
func (s *session) submitComment(ctx context.Context, id int64, text string) {
	s.addComment(ctx, id, text, s.processAttachments(ctx))
}

func (s *session) addComment(ctx context.Context, id int64, text string, files attachmentResult) bool {
	body := text
	if len(files.refs) > 0 {
		body = strings.TrimSpace(body + "\n\n" + strings.Join(files.refs, "\n"))
	}
	if err := s.c.Tickets.AddComment(ctx, id, body, s.req, files.tokens); err != nil {
		s.log.Error("add comment failed", "ticket", id, "error", err)
		s.say(ctx, s.format(s.texts().CommentFailed, id))
		return false
	}

	filesClause := ""
	if !files.empty() {
		filesClause = s.texts().FilesClause
	}
	s.say(ctx, locale.Format(s.texts().CommentFinal, map[string]string{
		"number": fmt.Sprint(id),
		"files":  filesClause,
	}))
	return true
}

type attachmentResult struct {
	refs    []string // markdown reference lines for externally hosted files
	tokens  []string // helpdesk upload tokens
	offered int      // attachments considered
}

func (r attachmentResult) empty() bool { return len(r.refs) == 0 && len(r.tokens) == 0 }

// processAttachments applies the attachment policy: links on external
// file-sharing hosts become reference lines, everything else is downloaded
// and uploaded. Inline images in the rich-text body are used when the turn
// has no file attachments. Failures are logged and skipped.
func (s *session) processAttachments(ctx context.Context) attachmentResult {
	files := make([]Attachment, 0, len(s.turn.Attachments))
	for _, a := range s.turn.Attachments {
		if a.URL != "" {
			files = append(files, a)
		}
	}
	if len(files) == 0 && s.turn.HTML != "" {
		files = inlineImages(s.turn.HTML)
	}

	res := attachmentResult{offered: len(files)}
	label := s.texts().AttachedFile

	var uploads []Attachment
	for _, a := range files {
		if s.c.isExternal(a.URL) {
			res.refs = append(res.refs, fmt.Sprintf("%s: [%s](%s)", label, a.Name, a.URL))
			continue
		}
		uploads = append(uploads, a)
	}
	if len(uploads) == 0 {
		return res
	}

	dl, ok := s.out.(Downloader)
	if !ok {
		s.log.Warn("transport cannot download attachments", "count", len(uploads))
		return res
	}

	tokens := make([]string, len(uploads))
	var g errgroup.Group
	for i, a := range uploads {
		g.Go(func() error {
			data, err := dl.Download(ctx, a.URL)
			if err != nil {
				s.log.Warn("attachment download failed", "name", a.Name, "error", err)
				return nil
			}
			tok, err := s.c.Tickets.UploadAttachment(ctx, data, a.Name, s.req)
			if err != nil {
				s.log.Warn("attachment upload failed", "name", a.Name, "error", err)
				return nil
			}
			tokens[i] = tok
			return nil
		})
	}
	g.Wait()

	for _, tok := range tokens {
		if tok != "" {
			res.tokens = append(res.tokens, tok)
		}
	}
	return res
}

func (c *Controller) isExternal(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range c.externalDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// inlineImages returns the <img src> references in an HTML body, in order.
func inlineImages(body string) []Attachment {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}
	var out []Attachment
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			for _, attr := range n.Attr {
				if attr.Key == "src" && strings.HasPrefix(attr.Val, "http") {
					out = append(out, Attachment{
						Name:        imageName(attr.Val, len(out)+1),
						ContentType: "image/*",
						URL:         attr.Val,
					})
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)
	return out
}

func imageName(raw string, n int) string {
	if u, err := url.Parse(raw); err == nil {
		base := path.Base(u.Path)
		if strings.Contains(base, ".") {
			return base
		}
	}
	return fmt.Sprintf("image-%d.png", n)
}
