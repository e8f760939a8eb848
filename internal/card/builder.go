package card

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/orbit/internal/locale"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

// PageSize is the number of tickets shown per list page.
const PageSize = 5

const timeLayout = "2006-01-02 15:04"

// Builder renders the assistant's cards. WebURL is the helpdesk web UI
// prefix; a ticket link is WebURL + "/" + id.
type Builder struct {
	WebURL string
}

// NewBuilder creates a Builder for the given helpdesk web URL.
func NewBuilder(webURL string) *Builder {
	return &Builder{WebURL: strings.TrimRight(webURL, "/")}
}

// TicketURL returns the web UI link for a ticket.
func (b *Builder) TicketURL(id int64) string {
	return b.WebURL + "/" + strconv.FormatInt(id, 10)
}

// Confirm asks the user to confirm a drafted ticket.
func (b *Builder) Confirm(l *locale.Language, title, summary string) Card {
	return Card{
		Texts: []Text{
			{Text: l.Strings.ConfirmPrompt},
			{Text: "**" + title + "**"},
			{Text: summary},
		},
		Actions: []Action{
			{Title: l.Strings.Confirm, Payload: ConfirmTicket{Title: title, Summary: summary, Lang: l.Code}},
			{Title: l.Strings.Cancel, Payload: CancelTicket{Title: title, Summary: summary, Lang: l.Code}},
		},
	}
}

// Created replaces a confirmation card once the ticket exists.
func (b *Builder) Created(l *locale.Language, title, summary string, id int64) Card {
	line := fmt.Sprintf("✅ [%s #%d](%s) %s", l.Strings.TicketLabel, id, b.TicketURL(id), l.Strings.CreatedSuffix)
	return outcome(title, summary, line)
}

// CreateFailed replaces a confirmation card when creation failed.
func (b *Builder) CreateFailed(l *locale.Language, title, summary string) Card {
	return outcome(title, summary, l.Strings.CreateFailed)
}

// Cancelled replaces a confirmation card the user dismissed.
func (b *Builder) Cancelled(l *locale.Language, title, summary string) Card {
	return outcome(title, summary, l.Strings.Cancelled)
}

func outcome(title, summary, line string) Card {
	return Card{Texts: []Text{
		{Text: title, Weight: Bold},
		{Text: summary},
		{Text: line},
	}}
}

// PageCount returns the number of pages needed for n tickets (at least one).
func PageCount(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + PageSize - 1) / PageSize
}

// TicketList renders one page of the requester's tickets. tickets must be
// sorted already; page is clamped into range.
func (b *Builder) TicketList(l *locale.Language, tickets []protocol.Ticket, page int, showClosed bool) Card {
	toggle := Action{Title: l.Strings.ShowClosed, Payload: ListPage{Page: 0, ShowClosed: true, Lang: l.Code}}
	if showClosed {
		toggle = Action{Title: l.Strings.HideClosed, Payload: ListPage{Page: 0, ShowClosed: false, Lang: l.Code}}
	}

	c := Card{Texts: []Text{{Text: l.Strings.ListTitle, Weight: Heading}}}
	if len(tickets) == 0 {
		c.Texts = append(c.Texts, Text{Text: l.Strings.NoTickets})
		c.Actions = []Action{toggle}
		return c
	}

	pages := PageCount(len(tickets))
	page = max(0, min(page, pages-1))
	start := page * PageSize
	end := min(start+PageSize, len(tickets))

	for _, t := range tickets[start:end] {
		c.Sections = append(c.Sections, b.ticketRow(l, t))
	}
	if page > 0 {
		c.Actions = append(c.Actions, Action{Title: l.Strings.Prev, Payload: ListPage{Page: page - 1, ShowClosed: showClosed, Lang: l.Code}})
	}
	if page < pages-1 {
		c.Actions = append(c.Actions, Action{Title: l.Strings.Next, Payload: ListPage{Page: page + 1, ShowClosed: showClosed, Lang: l.Code}})
	}
	c.Actions = append(c.Actions, toggle)
	return c
}

func (b *Builder) ticketRow(l *locale.Language, t protocol.Ticket) Section {
	closed := t.IsClosed()
	icon := "🔗"
	if closed {
		icon = "🚫"
	}
	state := t.State
	if state == "" {
		state = protocol.TicketOpen
	}
	owner := l.Strings.Unassigned
	if t.Owner != nil && t.Owner.FullName() != "" {
		owner = t.Owner.FullName()
	}

	s := Section{
		Attention: closed,
		Texts: []Text{
			{Text: icon + " " + t.Title, Weight: Bold},
			{Text: fmt.Sprintf("#%d — %s", t.ID, state), Subtle: true},
			{Text: "👨‍🔧 " + owner, Subtle: true},
		},
		Actions: []Action{
			{Title: l.Strings.ViewInBrowser, URL: b.TicketURL(t.ID)},
			{Title: l.Strings.Edit, Payload: StartEditTicket{TicketID: t.ID, Lang: l.Code}},
		},
	}
	if !closed {
		s.Actions = append(s.Actions, Action{Title: l.Strings.Close, Payload: CloseTicket{TicketID: t.ID, Lang: l.Code}})
	}
	return s
}

// SingleTicket shows the details of one ticket.
func (b *Builder) SingleTicket(l *locale.Language, t protocol.Ticket) Card {
	owner := l.Strings.NotAssigned
	if t.Owner != nil && t.Owner.FullName() != "" {
		owner = t.Owner.FullName()
	}
	body := l.Strings.NotAssigned
	if t.Article != nil && strings.TrimSpace(t.Article.Body) != "" {
		body = t.Article.Body
	}

	c := Card{
		Texts: []Text{
			{Text: fmt.Sprintf("🔎 %s #%d", l.Strings.TicketLabel, t.ID), Weight: Heading},
			{Text: "📌 *" + t.Title + "*"},
			{Text: fmt.Sprintf("🗂 %s: **%s**", l.Strings.StatusLabel, t.State)},
			{Text: locale.Format(l.Strings.AssignedTo, map[string]string{"owner": owner})},
			{Text: l.Strings.CreatedLabel + ": " + formatTime(t.CreatedAt)},
			{Text: l.Strings.UpdatedLabel + ": " + formatTime(t.UpdatedAt)},
			{Text: "💬 " + body},
		},
		Actions: []Action{{Title: l.Strings.ViewInBrowser, URL: b.TicketURL(t.ID)}},
	}
	if t.Article != nil {
		for _, a := range t.Article.Attachments {
			if a.URL != "" {
				c.Texts = append(c.Texts, Text{Text: fmt.Sprintf("📎 [%s](%s)", a.Filename, a.URL)})
			}
		}
	}
	if !t.IsClosed() {
		c.Actions = append(c.Actions, Action{Title: l.Strings.Close, Payload: CloseTicket{TicketID: t.ID, Lang: l.Code}})
	}
	return c
}

// Notification is a proactive ticket update pushed by the relay.
func (b *Builder) Notification(l *locale.Language, header string, t protocol.Ticket, content string, attachments []protocol.ArticleAttachment) Card {
	owner := l.Strings.Unassigned
	if t.Owner != nil && t.Owner.FullName() != "" {
		owner = t.Owner.FullName()
	}
	c := Card{
		Texts: []Text{
			{Text: header, Weight: Heading},
			{Text: "**" + t.Title + "**"},
			{Text: fmt.Sprintf("#%d — %s", t.ID, t.State), Subtle: true},
			{Text: "👨‍🔧 " + owner, Subtle: true},
		},
		Actions: []Action{
			{Title: l.Strings.ViewInBrowser, URL: b.TicketURL(t.ID)},
			{Title: l.Strings.Edit, Payload: StartEditTicket{TicketID: t.ID, Lang: l.Code}},
		},
	}
	if strings.TrimSpace(content) != "" {
		c.Texts = append(c.Texts, Text{Text: content})
	}
	if len(attachments) > 0 {
		lines := make([]string, len(attachments))
		for i, a := range attachments {
			lines[i] = fmt.Sprintf("- [%s](%s)", a.Filename, a.URL)
		}
		c.Texts = append(c.Texts,
			Text{Text: l.Strings.AttachmentsLabel},
			Text{Text: strings.Join(lines, "\n")})
	}
	if !t.IsClosed() {
		c.Actions = append(c.Actions, Action{Title: l.Strings.Close, Payload: CloseTicket{TicketID: t.ID, Lang: l.Code}})
	}
	return c
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	return t.Local().Format(timeLayout)
}
