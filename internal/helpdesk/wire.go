package helpdesk

import (
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/orbit/pkg/protocol"
)

type wireUser struct {
	ID        int64  `json:"id"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
}

type wireTicket struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	StateID   int       `json:"state_id"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Default Zammad state ids, used when the response is not expanded.
var stateNames = map[int]string{
	1: protocol.TicketNew,
	2: protocol.TicketOpen,
	3: protocol.TicketPending,
	4: protocol.TicketClosed,
}

func (w wireTicket) toProtocol() protocol.Ticket {
	state := strings.ToLower(w.State)
	if state == "" {
		state = stateNames[w.StateID]
	}
	return protocol.Ticket{
		ID:        w.ID,
		Number:    w.Number,
		Title:     w.Title,
		State:     state,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

type wireArticle struct {
	ID          int64  `json:"id"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"`
	Type        string `json:"type"`
	Attachments []struct {
		ID       int64  `json:"id"`
		Filename string `json:"filename"`
	} `json:"attachments"`
}

func (w wireArticle) toProtocol(baseURL string, ticketID int64) protocol.Article {
	a := protocol.Article{
		Subject: w.Subject,
		Body:    w.Body,
		Type:    w.Type,
	}
	if strings.Contains(w.ContentType, "html") {
		a.Body = StripHTML(w.Body)
	}
	for _, att := range w.Attachments {
		a.Attachments = append(a.Attachments, protocol.ArticleAttachment{
			Filename: att.Filename,
			URL:      fmt.Sprintf("%s/ticket_attachment/%d/%d/%d", baseURL, ticketID, w.ID, att.ID),
		})
	}
	return a
}
