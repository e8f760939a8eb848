package teams

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/h1v3-io/orbit/internal/card"
	"github.com/h1v3-io/orbit/internal/dialogue"
	"github.com/h1v3-io/orbit/internal/directory"
)

type captured struct {
	method string
	path   string
	auth   string
	act    Activity
}

// botService fakes the token endpoint and the Bot Framework connector API.
type botService struct {
	mu       sync.Mutex
	calls    []captured
	tokens   int
	srv      *httptest.Server
	memberOK bool
}

func newBotService(t *testing.T) *botService {
	t.Helper()
	b := &botService{memberOK: true}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case r.URL.Path == "/token":
			b.tokens++
			json.NewEncoder(w).Encode(map[string]any{"access_token": "bot-token", "expires_in": 3600})
		case strings.Contains(r.URL.Path, "/members/"):
			if !b.memberOK {
				http.Error(w, "nope", http.StatusForbidden)
				return
			}
			json.NewEncoder(w).Encode(Member{ID: "29:u", Name: "Ana Pérez", Email: "ana@example.com", UserPrincipalName: "ana@example.com"})
		case strings.HasPrefix(r.URL.Path, "/v3/conversations/"):
			var act Activity
			json.NewDecoder(r.Body).Decode(&act)
			b.calls = append(b.calls, captured{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), act: act})
			json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("out-%d", len(b.calls))})
		case r.URL.Path == "/files/shot.png":
			if r.Header.Get("Authorization") != "Bearer bot-token" {
				http.Error(w, "auth", http.StatusUnauthorized)
				return
			}
			w.Write([]byte("png-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *botService) snapshot() []captured {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]captured(nil), b.calls...)
}

type savedRef struct {
	email string
	ref   directory.Reference
}

type fakeDir struct {
	mu    sync.Mutex
	saved []savedRef
}

func (d *fakeDir) Save(_ context.Context, email string, ref directory.Reference) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saved = append(d.saved, savedRef{email, ref})
	return nil
}

// replyHandler answers every turn with a card and then updates it.
type replyHandler struct {
	turns []dialogue.Turn
	err   error
	run   func(ctx context.Context, t dialogue.Turn, out dialogue.Responder) error
}

func (h *replyHandler) HandleTurn(ctx context.Context, t dialogue.Turn, out dialogue.Responder) error {
	h.turns = append(h.turns, t)
	if h.run != nil {
		return h.run(ctx, t, out)
	}
	return h.err
}

func newTestConnector(t *testing.T, b *botService, h *replyHandler, dir *fakeDir) *Connector {
	t.Helper()
	c, err := New(Config{AppID: "app", AppPassword: "pw", SkipAuth: true}, h, dir,
		WithHTTPClient(b.srv.Client()), WithTokenURL(b.srv.URL+"/token"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func postActivity(t *testing.T, c *Connector, act Activity) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(act)
	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	c.ServeHTTP(w, req)
	return w
}

func messageActivity(serviceURL string) Activity {
	return Activity{
		Type:         TypeMessage,
		ID:           "in-1",
		ServiceURL:   serviceURL,
		From:         ChannelAccount{ID: "29:u", Name: "Ana"},
		Recipient:    ChannelAccount{ID: "28:bot"},
		Conversation: ConversationAccount{ID: "a:1"},
		Text:         "<at>OrbIT</at> my VPN is broken",
		Locale:       "en-US",
	}
}

func TestMessageBecomesTurn(t *testing.T) {
	b := newBotService(t)
	dir := &fakeDir{}
	h := &replyHandler{}
	c := newTestConnector(t, b, h, dir)

	act := messageActivity(b.srv.URL)
	act.Attachments = []Attachment{
		{ContentType: "text/html", Content: json.RawMessage(`"<p>my VPN is broken</p><img src=\"https://x/y.png\">"`)},
		{ContentType: contentTypeFileDownload, Name: "log.txt", Content: json.RawMessage(`{"downloadUrl":"https://sp.example/log.txt","fileType":"txt"}`)},
		{ContentType: "image/png", ContentURL: b.srv.URL + "/files/shot.png"},
	}
	if w := postActivity(t, c, act); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	if len(h.turns) != 1 {
		t.Fatalf("turns = %d", len(h.turns))
	}
	turn := h.turns[0]
	if turn.ConversationKey != "teams:a:1" || turn.Text != "my VPN is broken" || turn.Locale != "en-US" {
		t.Errorf("turn = %+v", turn)
	}
	if turn.From.Email != "ana@example.com" || turn.From.Name != "Ana Pérez" {
		t.Errorf("from = %+v", turn.From)
	}
	if !strings.Contains(turn.HTML, "<img") {
		t.Errorf("html = %q", turn.HTML)
	}
	if len(turn.Attachments) != 2 || turn.Attachments[0].URL != "https://sp.example/log.txt" || turn.Attachments[1].Name != "attachment" {
		t.Errorf("attachments = %+v", turn.Attachments)
	}

	if len(dir.saved) != 1 || dir.saved[0].email != "ana@example.com" {
		t.Fatalf("saved = %+v", dir.saved)
	}
	ref := dir.saved[0].ref
	if ref.ConversationID != "a:1" || ref.BotID != "28:bot" || ref.UserID != "29:u" || ref.ServiceURL != b.srv.URL {
		t.Errorf("ref = %+v", ref)
	}
}

func TestRepliesSendAndUpdate(t *testing.T) {
	b := newBotService(t)
	h := &replyHandler{run: func(ctx context.Context, _ dialogue.Turn, out dialogue.Responder) error {
		if err := out.Typing(ctx); err != nil {
			return err
		}
		cd := card.Card{
			Texts:   []card.Text{{Text: "Confirm?", Weight: card.Heading}},
			Actions: []card.Action{{Title: "Confirm", Payload: card.ConfirmTicket{Title: "T", Summary: "S", Lang: "en"}}},
		}
		id, err := out.Send(ctx, dialogue.CardMessage(cd))
		if err != nil {
			return err
		}
		return out.Update(ctx, id, dialogue.TextMessage("done"))
	}}
	c := newTestConnector(t, b, h, &fakeDir{})

	if w := postActivity(t, c, messageActivity(b.srv.URL)); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	calls := b.snapshot()
	if len(calls) != 3 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].act.Type != TypeTyping {
		t.Errorf("first call = %+v", calls[0].act)
	}
	send := calls[1]
	if send.method != http.MethodPost || send.path != "/v3/conversations/a:1/activities" || send.auth != "Bearer bot-token" {
		t.Errorf("send = %+v", send)
	}
	if send.act.From.ID != "28:bot" || send.act.Recipient.ID != "29:u" || send.act.ReplyToID != "in-1" {
		t.Errorf("send envelope = %+v", send.act)
	}
	if len(send.act.Attachments) != 1 || send.act.Attachments[0].ContentType != contentTypeAdaptiveCard {
		t.Fatalf("attachments = %+v", send.act.Attachments)
	}
	var ac struct {
		Body    []map[string]any `json:"body"`
		Actions []struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		} `json:"actions"`
	}
	if err := json.Unmarshal(send.act.Attachments[0].Content, &ac); err != nil {
		t.Fatal(err)
	}
	if ac.Body[0]["size"] != "Medium" || ac.Actions[0].Type != "Action.Submit" {
		t.Errorf("card = %+v", ac)
	}
	p, err := card.Decode(ac.Actions[0].Data)
	if err != nil || p.(card.ConfirmTicket).Summary != "S" {
		t.Errorf("payload = %+v, %v", p, err)
	}

	upd := calls[2]
	if upd.method != http.MethodPut || upd.path != "/v3/conversations/a:1/activities/out-2" || upd.act.Text != "done" {
		t.Errorf("update = %+v", upd)
	}
	if b.tokens != 1 {
		t.Errorf("token fetched %d times", b.tokens)
	}
}

func TestDownloadSendsTokenOnlyToBotHosts(t *testing.T) {
	b := newBotService(t)
	var got []byte
	var dlErr error
	h := &replyHandler{run: func(ctx context.Context, _ dialogue.Turn, out dialogue.Responder) error {
		got, dlErr = out.(dialogue.Downloader).Download(ctx, b.srv.URL+"/files/shot.png")
		return nil
	}}
	c := newTestConnector(t, b, h, &fakeDir{})
	postActivity(t, c, messageActivity(b.srv.URL))

	if dlErr != nil || string(got) != "png-bytes" {
		t.Fatalf("download = %q, %v", got, dlErr)
	}

	cv := c.conversation(messageActivity("https://smba.trafficmanager.net/emea/"))
	if cv.trusted(mustURL(t, b.srv.URL+"/x")) {
		t.Error("foreign host must not receive the bot token")
	}
	if !cv.trusted(mustURL(t, "https://smba.trafficmanager.net/emea/v3/attachments/1")) {
		t.Error("service host should be trusted")
	}
}

func TestTurnErrorReturns500(t *testing.T) {
	b := newBotService(t)
	h := &replyHandler{err: errors.New("store down")}
	c := newTestConnector(t, b, h, &fakeDir{})
	if w := postActivity(t, c, messageActivity(b.srv.URL)); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMemberLookupFailureStillHandlesTurn(t *testing.T) {
	b := newBotService(t)
	b.memberOK = false
	dir := &fakeDir{}
	h := &replyHandler{}
	c := newTestConnector(t, b, h, dir)

	postActivity(t, c, messageActivity(b.srv.URL))

	if len(h.turns) != 1 || h.turns[0].From.Name != "Ana" || h.turns[0].From.Email != "" {
		t.Errorf("turns = %+v", h.turns)
	}
	if len(dir.saved) != 0 {
		t.Error("nothing to save without an email")
	}
}

func TestNotify(t *testing.T) {
	b := newBotService(t)
	c := newTestConnector(t, b, &replyHandler{}, &fakeDir{})
	ref := directory.Reference{Channel: Channel, ServiceURL: b.srv.URL + "/", ConversationID: "a:9", BotID: "28:bot", UserID: "29:x"}

	if err := c.Notify(context.Background(), ref, card.Card{Texts: []card.Text{{Text: "Ticket updated"}}}); err != nil {
		t.Fatal(err)
	}
	calls := b.snapshot()
	if len(calls) != 1 || calls[0].path != "/v3/conversations/a:9/activities" || calls[0].act.Recipient.ID != "29:x" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestStripMentions(t *testing.T) {
	if got := stripMentions("<at>Bot</at> hi <at>Ana</at>"); got != "hi" {
		t.Errorf("got %q", got)
	}
	if got := stripMentions("plain"); got != "plain" {
		t.Errorf("got %q", got)
	}
}

// --- inbound token verification ---

const smbaURL = "https://smba.trafficmanager.net/emea/"

func signToken(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func channelClaims(aud, serviceURL string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{"iss": botIssuer, "aud": aud, "serviceurl": serviceURL, "exp": exp.Unix()}
}

func keyServer(t *testing.T, key *rsa.PublicKey, kid string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openid":
			json.NewEncoder(w).Encode(map[string]string{"jwks_uri": srv.URL + "/keys"})
		case "/keys":
			json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
				"kid": kid, "kty": "RSA", "use": "sig", "alg": "RS256",
				"n": base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := keyServer(t, &key.PublicKey, "k1")
	v := newVerifier(srv.Client(), srv.URL+"/openid", "app")
	t.Cleanup(v.Close)
	exp := time.Now().Add(time.Hour)
	ctx := context.Background()

	good := signToken(t, jwt.SigningMethodRS256, key, "k1", channelClaims("app", smbaURL, exp))
	if err := v.Verify(ctx, "Bearer "+good, smbaURL); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}

	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	noExp := channelClaims("app", smbaURL, exp)
	delete(noExp, "exp")
	tests := []struct {
		name       string
		header     string
		serviceURL string
	}{
		{"missing", "", smbaURL},
		{"wrong aud", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, "k1", channelClaims("other", smbaURL, exp)), smbaURL},
		{"wrong issuer", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, "k1", jwt.MapClaims{"iss": "https://evil", "aud": "app", "serviceurl": smbaURL, "exp": exp.Unix()}), smbaURL},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, "k1", channelClaims("app", smbaURL, time.Now().Add(-time.Hour))), smbaURL},
		{"no expiry", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, "k1", noExp), smbaURL},
		{"unknown kid", "Bearer " + signToken(t, jwt.SigningMethodRS256, key, "k2", channelClaims("app", smbaURL, exp)), smbaURL},
		{"bad sig", "Bearer " + signToken(t, jwt.SigningMethodRS256, other, "k1", channelClaims("app", smbaURL, exp)), smbaURL},
		{"hmac", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("shared"), "k1", channelClaims("app", smbaURL, exp)), smbaURL},
		{"other service", "Bearer " + good, "https://attacker.example/"},
		{"garbage", "Bearer a.b", smbaURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Verify(ctx, tt.header, tt.serviceURL); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func newAuthConnector(t *testing.T, b *botService, h *replyHandler) (*Connector, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ks := keyServer(t, &key.PublicKey, "k1")
	c, err := New(Config{AppID: "app", AppPassword: "pw"}, h, &fakeDir{},
		WithHTTPClient(b.srv.Client()), WithTokenURL(b.srv.URL+"/token"), WithOpenIDURL(ks.URL+"/openid"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, key
}

func TestUnauthenticatedActivityRejected(t *testing.T) {
	b := newBotService(t)
	h := &replyHandler{}
	c, _ := newAuthConnector(t, b, h)

	if w := postActivity(t, c, messageActivity(b.srv.URL)); w.Code != http.StatusUnauthorized || len(h.turns) != 0 {
		t.Errorf("status = %d turns = %d", w.Code, len(h.turns))
	}
}

func TestSignedActivityBoundToServiceURL(t *testing.T) {
	b := newBotService(t)
	h := &replyHandler{}
	c, key := newAuthConnector(t, b, h)
	exp := time.Now().Add(time.Hour)

	post := func(tokenServiceURL string) int {
		body, _ := json.Marshal(messageActivity(b.srv.URL))
		req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(string(body)))
		req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodRS256, key, "k1", channelClaims("app", tokenServiceURL, exp)))
		w := httptest.NewRecorder()
		c.ServeHTTP(w, req)
		return w.Code
	}

	if code := post(smbaURL); code != http.StatusUnauthorized || len(h.turns) != 0 {
		t.Fatalf("mismatched serviceurl: status = %d turns = %d", code, len(h.turns))
	}
	if code := post(b.srv.URL); code != http.StatusOK || len(h.turns) != 1 {
		t.Fatalf("matching serviceurl: status = %d turns = %d", code, len(h.turns))
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}
