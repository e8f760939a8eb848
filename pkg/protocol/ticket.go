package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Helpdesk ticket states as reported by the ticketing system.
const (
	TicketNew     = "new"
	TicketOpen    = "open"
	TicketPending = "pending reminder"
	TicketClosed  = "closed"
)

// Person is a helpdesk user (customer or agent).
type Person struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email,omitempty"`
}

// FullName joins first and last name, skipping empty parts.
func (p Person) FullName() string {
	return strings.TrimSpace(p.Firstname + " " + p.Lastname)
}

// ArticleAttachment is a file stored on a ticket article.
type ArticleAttachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url,omitempty"`
}

// Article is one comment/body entry on a ticket.
type Article struct {
	Subject     string              `json:"subject,omitempty"`
	Body        string              `json:"body"`
	Type        string              `json:"type,omitempty"`
	Attachments []ArticleAttachment `json:"attachments,omitempty"`
}

// Ticket is a helpdesk ticket as seen by the assistant. The assistant never
// owns tickets; it reads and mutates them through the ticket gateway.
type Ticket struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Owner     *Person   `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Article   *Article  `json:"article,omitempty"`
}

// IsClosed reports whether the ticket is in the closed state.
func (t Ticket) IsClosed() bool {
	return strings.EqualFold(t.State, TicketClosed)
}

// ParseTicketID accepts a ticket id sent as a JSON number or as a string such
// as "42" or "#42". Non-positive ids are rejected.
func ParseTicketID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int64(f)) {
			return 0, false
		}
		id = int64(f)
	}
	if id <= 0 {
		return 0, false
	}
	return id, true
}
