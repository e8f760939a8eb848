package dialogue

import (
	"regexp"
	"strings"

	"github.com/h1v3-io/orbit/internal/helpdesk"
)

var whitespace = regexp.MustCompile(`\s+`)

// ResolveRequesterIdentity picks the email a turn acts on behalf of: the
// profile email, else a UPN that looks like an address, else the display
// name (whitespace runs replaced by dots, lower-cased) at fallbackDomain.
// The transport user id stands in for an empty name.
func ResolveRequesterIdentity(p Profile, fallbackDomain string) helpdesk.Requester {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(p.ID)
	}

	email := strings.TrimSpace(p.Email)
	if email == "" && strings.Contains(p.UPN, "@") {
		email = strings.TrimSpace(p.UPN)
	}
	if email == "" {
		local := strings.ToLower(whitespace.ReplaceAllString(name, "."))
		email = local + "@" + strings.TrimPrefix(fallbackDomain, "@")
	}
	return helpdesk.Requester{Name: name, Email: email}
}
