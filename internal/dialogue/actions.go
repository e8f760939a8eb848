package dialogue

import (
	"context"
	"strconv"
	"strings"

	"github.com/h1v3-io/orbit/internal/card"
	"github.com/h1v3-io/orbit/internal/helpdesk"
	"github.com/h1v3-io/orbit/internal/locale"
)

func (s *session) handleAction(ctx context.Context, p card.Payload) error {
	s.override(p.Language())
	s.log.Info("card action", "action", p.Verb())

	switch a := p.(type) {
	case card.ConfirmTicket:
		return s.confirm(ctx, a)
	case card.CancelTicket:
		s.replace(ctx, CardMessage(s.c.Cards.Cancelled(s.language(), a.Title, a.Summary)))
		s.draft.Reset("")
		return s.persist(ctx)
	case card.StartEditTicket:
		return s.startEdit(ctx, a.TicketID)
	case card.CloseTicket:
		s.closeTicket(ctx, a.TicketID)
		return nil
	case card.ListPage:
		s.listTickets(ctx, a.Page, a.ShowClosed, true)
		return nil
	}
	return nil
}

// confirm creates the ticket from the payload. A card that was already
// confirmed is ignored so redelivered submissions create one ticket.
func (s *session) confirm(ctx context.Context, a card.ConfirmTicket) error {
	if key := s.turn.ReplyToID; key != "" {
		if s.c.confirmed.Contains(key) {
			s.log.Info("duplicate confirmation ignored", "card", key)
			return nil
		}
		s.c.confirmed.Add(key, struct{}{})
	}

	l := s.language()
	title, summary := strings.TrimSpace(a.Title), strings.TrimSpace(a.Summary)
	if title == "" {
		title = summary
	}

	var m Message
	if summary == "" {
		s.log.Warn("confirmation without summary")
		m = CardMessage(s.c.Cards.CreateFailed(l, title, summary))
	} else {
		t, err := s.c.Tickets.CreateTicket(ctx, helpdesk.NewTicket{Title: title, Description: summary}, s.req)
		if err != nil {
			s.log.Error("ticket creation failed", "error", err)
			m = CardMessage(s.c.Cards.CreateFailed(l, title, summary))
		} else {
			s.log.Info("ticket created", "ticket", t.ID)
			m = CardMessage(s.c.Cards.Created(l, title, summary, t.ID))
		}
	}
	s.replace(ctx, m)

	s.draft.Reset("")
	return s.persist(ctx)
}

func (s *session) startEdit(ctx context.Context, id int64) error {
	if id <= 0 {
		s.say(ctx, s.texts().MissingTicket)
		return nil
	}
	s.draft.BeginEditing(id)
	s.draft.Language = s.lang
	if err := s.persist(ctx); err != nil {
		return err
	}
	s.say(ctx, s.format(s.texts().EditPrompt, id))
	return nil
}

func (s *session) closeTicket(ctx context.Context, id int64) {
	if id <= 0 {
		s.say(ctx, s.texts().MissingTicket)
		return
	}
	if err := s.c.Tickets.CloseTicket(ctx, id, s.req, s.lang); err != nil {
		s.log.Error("close failed", "ticket", id, "error", err)
		s.say(ctx, s.format(s.texts().CloseFailed, id))
		return
	}
	s.say(ctx, s.format(s.texts().TicketClosed, id))
}

// listTickets renders the requester's tickets. inPlace replaces the card the
// turn came from (paging); otherwise a new card is sent.
func (s *session) listTickets(ctx context.Context, page int, showClosed, inPlace bool) {
	tickets, err := s.c.Tickets.ListTickets(ctx, s.req, helpdesk.ListOptions{OpenOnly: !showClosed})
	if err != nil {
		s.log.Error("list tickets failed", "error", err)
		s.say(ctx, s.texts().GenericError)
		return
	}
	m := CardMessage(s.c.Cards.TicketList(s.language(), tickets, page, showClosed))
	if inPlace {
		s.replace(ctx, m)
		return
	}
	s.send(ctx, m)
}

func (s *session) singleTicket(ctx context.Context, id int64) {
	t, err := s.c.Tickets.GetTicket(ctx, id, s.req)
	if err != nil {
		s.log.Warn("get ticket failed", "ticket", id, "error", err)
		s.say(ctx, s.format(s.texts().TicketNotFound, id))
		return
	}
	s.send(ctx, CardMessage(s.c.Cards.SingleTicket(s.language(), t)))
}

func (s *session) format(tmpl string, id int64) string {
	return locale.Format(tmpl, map[string]string{"number": strconv.FormatInt(id, 10)})
}
