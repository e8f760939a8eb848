// Package locale holds the per-language UI strings and model instructions.
// Tables are loaded once and injected into the components that need them.
package locale

import (
	_ "embed"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales.yaml
var embedded []byte

// Strings are the user-facing texts of one language.
type Strings struct {
	Greeting         string `yaml:"greeting"`
	ConfirmPrompt    string `yaml:"confirm_prompt"`
	Confirm          string `yaml:"confirm"`
	Cancel           string `yaml:"cancel"`
	TicketLabel      string `yaml:"ticket_label"`
	StatusLabel      string `yaml:"status_label"`
	CreatedLabel     string `yaml:"created_label"`
	UpdatedLabel     string `yaml:"updated_label"`
	CreatedSuffix    string `yaml:"created_suffix"`
	CreateFailed     string `yaml:"create_failed"`
	Cancelled        string `yaml:"cancelled"`
	ParseError       string `yaml:"parse_error"`
	GenericError     string `yaml:"generic_error"`
	TicketClosed     string `yaml:"ticket_closed"`
	CloseFailed      string `yaml:"close_failed"`
	CommentFinal     string `yaml:"comment_final"`
	CommentFailed    string `yaml:"comment_failed"`
	FilesClause      string `yaml:"files_clause"`
	NoAttachments    string `yaml:"no_attachments"`
	WriteComment     string `yaml:"write_comment"`
	NoTickets        string `yaml:"no_tickets"`
	TicketNotFound   string `yaml:"ticket_not_found"`
	MissingTicket    string `yaml:"missing_ticket"`
	ViewInBrowser    string `yaml:"view_in_browser"`
	Edit             string `yaml:"edit"`
	Close            string `yaml:"close"`
	Prev             string `yaml:"prev"`
	Next             string `yaml:"next"`
	HideClosed       string `yaml:"hide_closed"`
	ShowClosed       string `yaml:"show_closed"`
	EditPrompt       string `yaml:"edit_prompt"`
	AssignedTo       string `yaml:"assigned_to"`
	NotAssigned      string `yaml:"not_assigned"`
	ListTitle        string `yaml:"list_title"`
	Unassigned       string `yaml:"unassigned"`
	AttachedFile     string `yaml:"attached_file"`
	InitialSummary   string `yaml:"initial_summary"`
	AskDetails       string `yaml:"ask_details"`
	TranscriptHeader string `yaml:"transcript_header"`
	ClosingNote      string `yaml:"closing_note"`

	NotifyNewAgent        string `yaml:"notify_new_agent"`
	NotifyClosedAgent     string `yaml:"notify_closed_agent"`
	NotifyUpdatedAgent    string `yaml:"notify_updated_agent"`
	NotifyNewCustomer     string `yaml:"notify_new_customer"`
	NotifyClosedCustomer  string `yaml:"notify_closed_customer"`
	NotifyUpdatedCustomer string `yaml:"notify_updated_customer"`
	AttachmentsLabel      string `yaml:"attachments_label"`
}

// Prompts are the model instructions of one language.
type Prompts struct {
	Chat          string `yaml:"chat"`
	Classify      string `yaml:"classify"`
	Draft         string `yaml:"draft"`
	FirstQuestion string `yaml:"first_question"`
	Retrieval     string `yaml:"retrieval"`
}

// Language bundles the strings and prompts for one ISO code.
type Language struct {
	Code    string  `yaml:"-"`
	Strings Strings `yaml:"strings"`
	Prompts Prompts `yaml:"prompts"`
}

// Table maps ISO language codes to their bundles.
type Table struct {
	Default   string               `yaml:"default"`
	Languages map[string]*Language `yaml:"languages"`
}

// Default returns the table compiled into the binary.
func Default() (*Table, error) {
	return Parse(embedded)
}

// Load reads a table from a YAML file. An empty path returns the embedded table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("locale: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("locale: parse: %w", err)
	}
	for code, l := range t.Languages {
		if l == nil {
			return nil, fmt.Errorf("locale: language %q is empty", code)
		}
		l.Code = code
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that the default language exists and no entry is blank.
func (t *Table) Validate() error {
	var errs []string
	if _, ok := t.Languages[t.Default]; !ok {
		errs = append(errs, fmt.Sprintf("default language %q not defined", t.Default))
	}
	for _, code := range t.Codes() {
		l := t.Languages[code]
		errs = append(errs, blankFields(code+".strings", reflect.ValueOf(l.Strings))...)
		errs = append(errs, blankFields(code+".prompts", reflect.ValueOf(l.Prompts))...)
	}
	if len(errs) > 0 {
		return fmt.Errorf("locale: invalid table: %s", strings.Join(errs, "; "))
	}
	return nil
}

func blankFields(prefix string, v reflect.Value) []string {
	var out []string
	for i := 0; i < v.NumField(); i++ {
		if strings.TrimSpace(v.Field(i).String()) == "" {
			out = append(out, prefix+"."+v.Type().Field(i).Tag.Get("yaml")+" is empty")
		}
	}
	return out
}

// Codes returns the configured language codes in sorted order.
func (t *Table) Codes() []string {
	codes := make([]string, 0, len(t.Languages))
	for c := range t.Languages {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Normalize maps a tag such as "en-US" or "pt_BR" onto a configured code.
// Unknown or empty tags resolve to the default language.
func (t *Table) Normalize(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	if _, ok := t.Languages[tag]; ok {
		return tag
	}
	return t.Default
}

// Lookup returns the bundle for a tag, falling back to the default language.
func (t *Table) Lookup(tag string) *Language {
	return t.Languages[t.Normalize(tag)]
}

// Format replaces {key} placeholders in tmpl with the given values.
// Unknown placeholders are left untouched.
func Format(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
