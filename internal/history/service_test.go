package history

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/soulchat/chat-server/internal/bot"
	"github.com/soulchat/chat-server/internal/message"
)

type stubCompleter struct {
	text string
	err  error
}

func (s stubCompleter) Complete(context.Context, bot.Request) (string, error) {
	return s.text, s.err
}

// failingStore fails every write after the first `okAppends` appends.
type failingStore struct {
	*message.MemoryStore
	okAppends int
}

func (f *failingStore) Append(ctx context.Context, m *message.Message) error {
	if f.okAppends <= 0 {
		return errors.New("disk full")
	}
	f.okAppends--
	return f.MemoryStore.Append(ctx, m)
}

func (f *failingStore) Conversation(ctx context.Context, a, b string) ([]*message.Message, error) {
	if f.okAppends < 0 {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.Conversation(ctx, a, b)
}

func newService(c bot.Completer) (*Service, *message.MemoryStore) {
	store := message.NewMemoryStore()
	return NewService(store, bot.NewResponder(c, bot.DefaultConfig())), store
}

func text(s string) message.Body { return message.Body{Text: s} }

// ---------------------------------------------------------------------------
// AppendMessage / FetchConversation
// ---------------------------------------------------------------------------

func TestAppendThenFetch(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	if _, err := svc.AppendMessage(ctx, "alice", "bob", text("first")); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	rcpt, err := svc.AppendMessage(ctx, "alice", "bob", text("hi"))
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	if rcpt.MessageID == "" {
		t.Error("receipt has no message id")
	}
	if rcpt.HasReply {
		t.Error("peer message must not carry a bot reply")
	}

	aliceView, err := svc.FetchConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FetchConversation() error: %v", err)
	}
	last := aliceView[len(aliceView)-1]
	if last.Message != "hi" || !last.FromSelf || last.ID != rcpt.MessageID {
		t.Errorf("alice's last view = %+v", last)
	}

	bobView, err := svc.FetchConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("FetchConversation() error: %v", err)
	}
	if len(bobView) != 2 {
		t.Fatalf("bob sees %d messages, want 2", len(bobView))
	}
	if bobView[1].FromSelf {
		t.Error("bob's view of alice's message has fromSelf=true")
	}
}

func TestAppendAttachmentProjection(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	body := message.Body{File: &message.Attachment{
		URL: "/uploads/abc.png", Filename: "cat.png", Mimetype: "image/png",
	}}
	if _, err := svc.AppendMessage(ctx, "alice", "bob", body); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}

	views, _ := svc.FetchConversation(ctx, "bob", "alice")
	if len(views) != 1 {
		t.Fatalf("expected 1 message, got %d", len(views))
	}
	v := views[0]
	if v.File != "/uploads/abc.png" || v.Filename != "cat.png" || v.Mimetype != "image/png" {
		t.Errorf("unexpected attachment projection: %+v", v)
	}
	if v.Message != "" {
		t.Errorf("message = %q, want empty for attachment", v.Message)
	}
	if v.Reactions == nil {
		t.Error("reactions must be an empty list, not nil")
	}
}

func TestAppendValidation(t *testing.T) {
	svc, store := newService(nil)
	ctx := context.Background()
	file := &message.Attachment{URL: "/u/a", Filename: "a", Mimetype: "text/plain"}

	tests := []struct {
		name     string
		from, to string
		body     message.Body
		code     string
	}{
		{"missing from", "", "bob", text("x"), CodeValidation},
		{"missing to", "alice", "", text("x"), CodeValidation},
		{"empty body", "alice", "bob", message.Body{}, CodeValidation},
		{"text and file", "alice", "bob", message.Body{Text: "x", File: file}, CodeValidation},
		{"too long", "alice", "bob", text(strings.Repeat("a", message.MaxTextChars+1)), CodeValidation},
		{"impersonating bot", bot.ID, "bob", text("x"), CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AppendMessage(ctx, tt.from, tt.to, tt.body)
			if !IsCode(err, tt.code) {
				t.Fatalf("expected %s error, got %v", tt.code, err)
			}
		})
	}

	msgs, _ := store.Conversation(ctx, "alice", "bob")
	if len(msgs) != 0 {
		t.Errorf("invalid messages were stored: %d", len(msgs))
	}
}

func TestValidationMessageHidesPackagePrefix(t *testing.T) {
	svc, _ := newService(nil)
	_, err := svc.AppendMessage(context.Background(), "alice", "bob", text("   "))

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if strings.HasPrefix(e.Message, "message:") {
		t.Errorf("client message leaks internals: %q", e.Message)
	}
	if e.Status != 400 {
		t.Errorf("status = %d, want 400", e.Status)
	}
}

func TestAppendStoreFailure(t *testing.T) {
	store := &failingStore{MemoryStore: message.NewMemoryStore()}
	svc := NewService(store, nil)

	_, err := svc.AppendMessage(context.Background(), "alice", "bob", text("hi"))
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
	if strings.Contains(e.Message, "disk full") {
		t.Errorf("client message leaks cause: %q", e.Message)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("cause missing from error chain: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Bot delivery
// ---------------------------------------------------------------------------

func TestBotDeliveryStoresBothMessages(t *testing.T) {
	svc, _ := newService(stubCompleter{text: " Hello, human. "})
	ctx := context.Background()

	rcpt, err := svc.AppendMessage(ctx, "alice", bot.ID, text("hi bot"))
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	if !rcpt.HasReply || rcpt.BotReply != "Hello, human." {
		t.Errorf("receipt = %+v, want bot reply", rcpt)
	}

	views, _ := svc.FetchConversation(ctx, "alice", bot.ID)
	if len(views) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(views))
	}
	if views[0].Message != "hi bot" || !views[0].FromSelf {
		t.Errorf("first message = %+v, want user's", views[0])
	}
	if views[1].Message != "Hello, human." || views[1].FromSelf {
		t.Errorf("second message = %+v, want bot's", views[1])
	}
}

func TestBotDeliveryFallback(t *testing.T) {
	svc, _ := newService(stubCompleter{err: errors.New("service unavailable")})
	ctx := context.Background()

	rcpt, err := svc.AppendMessage(ctx, "alice", bot.ID, text("hello?"))
	if err != nil {
		t.Fatalf("bot failure must not surface, got %v", err)
	}
	if rcpt.BotReply != bot.FallbackReply {
		t.Errorf("BotReply = %q, want fallback", rcpt.BotReply)
	}

	views, _ := svc.FetchConversation(ctx, "alice", bot.ID)
	if len(views) != 2 || views[0].Message != "hello?" {
		t.Fatalf("user message not persisted: %+v", views)
	}
	if views[1].Message != bot.FallbackReply {
		t.Errorf("stored reply = %q, want fallback", views[1].Message)
	}
}

func TestBotDeliveryKeepsUserMessageWhenReplyWriteFails(t *testing.T) {
	store := &failingStore{MemoryStore: message.NewMemoryStore(), okAppends: 1}
	svc := NewService(store, bot.NewResponder(stubCompleter{text: "hey"}, bot.DefaultConfig()))
	ctx := context.Background()

	if _, err := svc.AppendMessage(ctx, "alice", bot.ID, text("hi")); !IsCode(err, CodeInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}

	msgs, _ := store.MemoryStore.Conversation(ctx, "alice", bot.ID)
	if len(msgs) != 1 || msgs[0].Sender != "alice" {
		t.Fatalf("expected only the user's message stored, got %+v", msgs)
	}
}

func TestBotDeliveryAttachmentUsesFilename(t *testing.T) {
	var seen string
	c := completerFunc(func(_ context.Context, req bot.Request) (string, error) {
		seen = req.Prompt
		return "nice file", nil
	})
	svc, _ := newService(c)

	body := message.Body{File: &message.Attachment{URL: "/uploads/x", Filename: "report.pdf", Mimetype: "application/pdf"}}
	if _, err := svc.AppendMessage(context.Background(), "alice", bot.ID, body); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	if !strings.Contains(seen, "report.pdf") {
		t.Errorf("prompt %q does not mention the filename", seen)
	}
}

// ctxStore rejects writes once the caller's context is done, the way a
// database driver does.
type ctxStore struct {
	*message.MemoryStore
}

func (s ctxStore) Append(ctx context.Context, m *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Append(ctx, m)
}

func TestBotReplyStoredAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller hangs up while the completion is in flight.
	c := completerFunc(func(context.Context, bot.Request) (string, error) {
		cancel()
		return "hello there", nil
	})
	store := ctxStore{message.NewMemoryStore()}
	svc := NewService(store, bot.NewResponder(c, bot.DefaultConfig()))

	rcpt, err := svc.AppendMessage(ctx, "alice", bot.ID, text("hi"))
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	if rcpt.BotReply != "hello there" {
		t.Errorf("BotReply = %q", rcpt.BotReply)
	}

	msgs, _ := store.MemoryStore.Conversation(context.Background(), "alice", bot.ID)
	if len(msgs) != 2 || msgs[1].Sender != bot.ID || msgs[1].Body.Text != "hello there" {
		t.Fatalf("expected user message and bot reply stored, got %d messages", len(msgs))
	}
}

type completerFunc func(context.Context, bot.Request) (string, error)

func (f completerFunc) Complete(ctx context.Context, req bot.Request) (string, error) {
	return f(ctx, req)
}

func TestDeliveryFor(t *testing.T) {
	svc, _ := newService(nil)
	if _, ok := svc.deliveryFor(bot.ID).(BotDelivery); !ok {
		t.Error("bot recipient must use BotDelivery")
	}
	if _, ok := svc.deliveryFor("bob").(PeerDelivery); !ok {
		t.Error("user recipient must use PeerDelivery")
	}
}

// ---------------------------------------------------------------------------
// MarkSeen
// ---------------------------------------------------------------------------

func TestMarkSeenIdempotent(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()
	svc.AppendMessage(ctx, "bob", "alice", text("one"))
	svc.AppendMessage(ctx, "bob", "alice", text("two"))
	svc.AppendMessage(ctx, "alice", "bob", text("mine"))

	n, err := svc.MarkSeen(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("MarkSeen() error: %v", err)
	}
	if n != 2 {
		t.Errorf("first MarkSeen changed %d, want 2", n)
	}
	first, _ := svc.FetchConversation(ctx, "alice", "bob")

	n, err = svc.MarkSeen(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("MarkSeen() error: %v", err)
	}
	if n != 0 {
		t.Errorf("second MarkSeen changed %d, want 0", n)
	}
	second, _ := svc.FetchConversation(ctx, "alice", "bob")

	for i := range first {
		if first[i].Seen != second[i].Seen {
			t.Errorf("message %d seen changed between calls", i)
		}
	}
	if !first[0].Seen || !first[1].Seen {
		t.Error("bob's messages must be seen")
	}
	if first[2].Seen {
		t.Error("alice's own message must stay unseen")
	}
}

func TestMarkSeenValidation(t *testing.T) {
	svc, _ := newService(nil)
	if _, err := svc.MarkSeen(context.Background(), "", "bob"); !IsCode(err, CodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// DeleteMessage
// ---------------------------------------------------------------------------

func TestDeleteMessage(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()
	rcpt, _ := svc.AppendMessage(ctx, "alice", "bob", text("oops"))

	err := svc.DeleteMessage(ctx, rcpt.MessageID, "bob")
	if !IsCode(err, CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	views, _ := svc.FetchConversation(ctx, "alice", "bob")
	if len(views) != 1 {
		t.Fatal("forbidden delete removed the message")
	}

	if err := svc.DeleteMessage(ctx, rcpt.MessageID, "alice"); err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}
	if views, _ := svc.FetchConversation(ctx, "alice", "bob"); len(views) != 0 {
		t.Error("alice still sees the deleted message")
	}
	if views, _ := svc.FetchConversation(ctx, "bob", "alice"); len(views) != 0 {
		t.Error("bob still sees the deleted message")
	}

	if err := svc.DeleteMessage(ctx, rcpt.MessageID, "alice"); !IsCode(err, CodeNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestDeleteErrorMessages(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()
	rcpt, _ := svc.AppendMessage(ctx, "alice", "bob", text("x"))

	var e *Error
	errors.As(svc.DeleteMessage(ctx, "nope", "alice"), &e)
	if e == nil || e.Message != "Message not found" || e.Status != 404 {
		t.Errorf("not found error = %+v", e)
	}

	e = nil
	errors.As(svc.DeleteMessage(ctx, rcpt.MessageID, "bob"), &e)
	if e == nil || e.Message != "Not authorized to delete this message" || e.Status != 403 {
		t.Errorf("forbidden error = %+v", e)
	}
}

// ---------------------------------------------------------------------------
// ReactToMessage
// ---------------------------------------------------------------------------

func TestReactReplaceScenario(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()
	rcpt, _ := svc.AppendMessage(ctx, "bob", "alice", text("joke"))

	if _, err := svc.ReactToMessage(ctx, rcpt.MessageID, "alice", "👍"); err != nil {
		t.Fatalf("ReactToMessage() error: %v", err)
	}
	reactions, err := svc.ReactToMessage(ctx, rcpt.MessageID, "alice", "😂")
	if err != nil {
		t.Fatalf("ReactToMessage() error: %v", err)
	}
	if len(reactions) != 1 || reactions[0].User != "alice" || reactions[0].Emoji != "😂" {
		t.Fatalf("reactions = %+v, want exactly alice=😂", reactions)
	}

	views, _ := svc.FetchConversation(ctx, "alice", "bob")
	if len(views[0].Reactions) != 1 || views[0].Reactions[0].Emoji != "😂" {
		t.Errorf("fetched reactions = %+v", views[0].Reactions)
	}
}

func TestReactEmptyIsRemoval(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()
	rcpt, _ := svc.AppendMessage(ctx, "bob", "alice", text("x"))

	reactions, err := svc.ReactToMessage(ctx, rcpt.MessageID, "alice", "")
	if err != nil {
		t.Fatalf("ReactToMessage() error: %v", err)
	}
	if len(reactions) != 0 {
		t.Errorf("empty emoji without prior reaction changed state: %+v", reactions)
	}

	svc.ReactToMessage(ctx, rcpt.MessageID, "alice", "🔥")
	reactions, _ = svc.ReactToMessage(ctx, rcpt.MessageID, "alice", "  ")
	if len(reactions) != 0 {
		t.Errorf("blank emoji did not remove reaction: %+v", reactions)
	}
}

func TestReactNotFound(t *testing.T) {
	svc, _ := newService(nil)
	_, err := svc.ReactToMessage(context.Background(), "missing", "alice", "👍")
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFetchStoreFailure(t *testing.T) {
	store := &failingStore{MemoryStore: message.NewMemoryStore(), okAppends: -1}
	svc := NewService(store, nil)

	if _, err := svc.FetchConversation(context.Background(), "alice", "bob"); !IsCode(err, CodeInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}
