package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clawnix/internal/bus"
	"clawnix/internal/domain"
	"clawnix/internal/plugin"
)

type fakeBot struct {
	mu           sync.Mutex
	sent         []tgbotapi.Chattable
	requests     []tgbotapi.Chattable
	failMarkdown bool
	updates      chan tgbotapi.Update
	stopped      bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 4)}
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	if m, ok := c.(tgbotapi.MessageConfig); ok && b.failMarkdown && m.ParseMode != "" {
		return tgbotapi.Message{}, errors.New("Bad Request: can't parse entities")
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

func (b *fakeBot) messages() []tgbotapi.MessageConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range b.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func startTelegram(t *testing.T, convs Conversations, allowed ...string) (*Telegram, *fakeBot, *bus.EventBus) {
	t.Helper()
	eb := bus.NewEventBus(testLogger())
	tg := NewTelegram(TelegramConfig{AllowedUsers: allowed, Conversations: convs, Logger: testLogger()})
	fb := newFakeBot()
	tg.bot = fb
	if err := tg.Init(context.Background(), &plugin.Context{Bus: eb, Logger: testLogger()}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tg.Shutdown(context.Background()) })
	return tg, fb, eb
}

func textUpdate(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID, UserName: "someone"},
		Chat:      &tgbotapi.Chat{ID: userID},
		Date:      1700000000,
		Text:      text,
	}}
}

func TestTelegram_NoTokenSkips(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Logger: testLogger()})
	eb := bus.NewEventBus(testLogger())
	if err := tg.Init(context.Background(), &plugin.Context{Bus: eb}); err != nil {
		t.Fatalf("missing token should not fail init: %v", err)
	}
	if eb.HandlerCount(bus.MessageResponse) != 0 {
		t.Error("a skipped channel must not subscribe")
	}
	if err := tg.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestTelegram_PublishesAllowedMessages(t *testing.T) {
	tg, fb, eb := startTelegram(t, nil, "42")
	incoming := record[domain.Message](eb, bus.MessageIncoming)

	tg.handleUpdate(context.Background(), textUpdate(42, "what's the load?"))

	got := incoming.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Channel != "telegram" || got[0].Sender != "42" || got[0].Text != "what's the load?" {
		t.Errorf("unexpected message %+v", got[0])
	}
	if !got[0].Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("timestamp should come from the update, got %v", got[0].Timestamp)
	}
	if len(fb.messages()) != 0 {
		t.Error("no reply expected for a plain message")
	}
}

func TestTelegram_RejectsUnknownUsers(t *testing.T) {
	tg, fb, eb := startTelegram(t, nil, "42")
	incoming := record[domain.Message](eb, bus.MessageIncoming)

	tg.handleUpdate(context.Background(), textUpdate(7, "hi"))

	if len(incoming.all()) != 0 {
		t.Fatal("message from a disallowed user must not be published")
	}
	msgs := fb.messages()
	if len(msgs) != 1 || msgs[0].Text != "Access denied." || msgs[0].ChatID != 7 {
		t.Fatalf("expected an access denied reply, got %+v", msgs)
	}
}

func TestTelegram_EmptyAllowListAllowsEveryone(t *testing.T) {
	tg, _, eb := startTelegram(t, nil)
	incoming := record[domain.Message](eb, bus.MessageIncoming)

	tg.handleUpdate(context.Background(), textUpdate(999, "hi"))
	if len(incoming.all()) != 1 {
		t.Fatal("empty allow list should allow everyone")
	}
}

func TestTelegram_Commands(t *testing.T) {
	convs := &stubConversations{}
	tg, fb, eb := startTelegram(t, convs, "42")
	incoming := record[domain.Message](eb, bus.MessageIncoming)
	decisions := record[domain.ApprovalDecision](eb, bus.ApprovalDecide)

	tg.handleUpdate(context.Background(), textUpdate(42, "/deny abc"))
	tg.handleUpdate(context.Background(), textUpdate(42, "/clear"))
	tg.handleUpdate(context.Background(), textUpdate(42, "/help"))

	if len(incoming.all()) != 0 {
		t.Error("commands must not reach the agent")
	}
	got := decisions.all()
	if len(got) != 1 || got[0] != (domain.ApprovalDecision{ID: "abc", Decision: "deny", By: "telegram:42"}) {
		t.Fatalf("unexpected decisions %+v", got)
	}
	if len(convs.calls) != 1 || convs.calls[0] != (clearCall{"telegram", "42"}) {
		t.Fatalf("unexpected clear calls %+v", convs.calls)
	}
	msgs := fb.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(msgs))
	}
	if msgs[1].Text != "Conversation cleared." || msgs[2].Text != telegramHelp {
		t.Errorf("unexpected replies %q, %q", msgs[1].Text, msgs[2].Text)
	}
}

func TestTelegram_CallbackDecides(t *testing.T) {
	tg, fb, eb := startTelegram(t, nil, "42")
	decisions := record[domain.ApprovalDecision](eb, bus.ApprovalDecide)

	tg.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 42},
		Message: &tgbotapi.Message{MessageID: 9, Chat: &tgbotapi.Chat{ID: 42}},
		Data:    "approve:req-7",
	}})

	got := decisions.all()
	if len(got) != 1 || got[0] != (domain.ApprovalDecision{ID: "req-7", Decision: "allow", By: "telegram:42"}) {
		t.Fatalf("unexpected decisions %+v", got)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.requests) != 1 {
		t.Fatalf("callback should be acknowledged once, got %d requests", len(fb.requests))
	}
	if _, ok := fb.requests[0].(tgbotapi.CallbackConfig); !ok {
		t.Errorf("expected a callback answer, got %T", fb.requests[0])
	}
	var edited bool
	for _, c := range fb.sent {
		if _, ok := c.(tgbotapi.EditMessageReplyMarkupConfig); ok {
			edited = true
		}
	}
	if !edited {
		t.Error("inline keyboard should be removed after a decision")
	}
}

func TestTelegram_CallbackFromUnknownUserIgnored(t *testing.T) {
	tg, _, eb := startTelegram(t, nil, "42")
	decisions := record[domain.ApprovalDecision](eb, bus.ApprovalDecide)

	tg.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb2",
		From:    &tgbotapi.User{ID: 7},
		Message: &tgbotapi.Message{MessageID: 9, Chat: &tgbotapi.Chat{ID: 7}},
		Data:    "approve:req-7",
	}})
	if len(decisions.all()) != 0 {
		t.Fatal("unknown users must not decide approvals")
	}
}

func TestTelegram_SendsResponses(t *testing.T) {
	_, fb, eb := startTelegram(t, nil)

	eb.Publish(bus.MessageResponse, domain.Response{Channel: "telegram", Sender: "42", Text: "*done*"})
	eb.Publish(bus.MessageResponse, domain.Response{Channel: "terminal", Sender: "local", Text: "not mine"})

	msgs := fb.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ChatID != 42 || msgs[0].Text != "*done*" || msgs[0].ParseMode != tgbotapi.ModeMarkdown {
		t.Errorf("unexpected message %+v", msgs[0])
	}
}

func TestTelegram_MarkdownFallback(t *testing.T) {
	_, fb, eb := startTelegram(t, nil)
	fb.failMarkdown = true

	eb.Publish(bus.MessageResponse, domain.Response{Channel: "telegram", Sender: "42", Text: "bad_markdown*"})

	msgs := fb.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected markdown attempt plus plain retry, got %d", len(msgs))
	}
	if msgs[1].ParseMode != "" || msgs[1].Text != "bad_markdown*" {
		t.Errorf("retry should be plain text, got %+v", msgs[1])
	}
}

func TestTelegram_ApprovalRequestButtons(t *testing.T) {
	_, fb, eb := startTelegram(t, nil)

	eb.Publish(bus.ApprovalRequest, domain.ApprovalRequest{ID: "r1", Tool: "clawnix_exec", Session: "telegram:42", Requester: "42"})
	eb.Publish(bus.ApprovalRequest, domain.ApprovalRequest{ID: "r2", Tool: "clawnix_exec", Session: "terminal:local"})

	msgs := fb.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 approval prompt, got %d", len(msgs))
	}
	if msgs[0].ChatID != 42 {
		t.Errorf("prompt should go to the requester, got chat %d", msgs[0].ChatID)
	}
	markup, ok := msgs[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("expected one row of two buttons, got %#v", msgs[0].ReplyMarkup)
	}
	approve, deny := markup.InlineKeyboard[0][0], markup.InlineKeyboard[0][1]
	if approve.CallbackData == nil || *approve.CallbackData != "approve:r1" {
		t.Errorf("unexpected approve button %+v", approve)
	}
	if deny.CallbackData == nil || *deny.CallbackData != "deny:r1" {
		t.Errorf("unexpected deny button %+v", deny)
	}
}

func TestTelegram_PollsUpdatesUntilShutdown(t *testing.T) {
	tg, fb, eb := startTelegram(t, nil)
	incoming := record[domain.Message](eb, bus.MessageIncoming)

	fb.updates <- textUpdate(42, "via polling")
	select {
	case m := <-incoming.ch:
		if m.Text != "via polling" {
			t.Errorf("unexpected text %q", m.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update was not delivered")
	}

	if err := tg.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	fb.mu.Lock()
	stopped := fb.stopped
	fb.mu.Unlock()
	if !stopped {
		t.Error("shutdown should stop receiving updates")
	}
	if eb.HandlerCount(bus.MessageResponse) != 0 {
		t.Error("shutdown should unsubscribe")
	}
}
