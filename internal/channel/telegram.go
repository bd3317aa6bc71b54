package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clawnix/internal/bus"
	"clawnix/internal/domain"
	"clawnix/internal/plugin"
)

const (
	TelegramName = "telegram"

	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramParseMode      = tgbotapi.ModeMarkdown

	telegramHelp = "Send me a message and I'll answer it.\n\nCommands:\n/allow <id> - approve a pending tool call\n/deny <id> - deny a pending tool call\n/clear - clear this conversation\n/help - show this message"
)

var telegramRetryDelay = time.Second

// telegramBot is the part of *tgbotapi.BotAPI the channel uses.
type telegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram is a long-polling Telegram bot channel. The sender of a message is
// the Telegram user id, which is also the private chat id replies go to.
type Telegram struct {
	token   string
	allowed map[string]bool
	convs   Conversations
	logger  *slog.Logger

	bus    *bus.EventBus
	bot    telegramBot
	unsubs []func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type TelegramConfig struct {
	Token         string
	AllowedUsers  []string // empty allows everyone
	Conversations Conversations
	Logger        *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			allowed[u] = true
		}
	}
	return &Telegram{
		token:   cfg.Token,
		allowed: allowed,
		convs:   cfg.Conversations,
		logger:  cfg.Logger,
	}
}

func (t *Telegram) Name() string    { return TelegramName }
func (t *Telegram) Version() string { return pluginVersion }

func (t *Telegram) Init(ctx context.Context, pc *plugin.Context) error {
	t.bus = pc.Bus
	if pc.Logger != nil {
		t.logger = pc.Logger
	}
	if t.bot == nil {
		if t.token == "" {
			t.logger.Warn("no telegram bot token configured, skipping")
			return nil
		}
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			return fmt.Errorf("telegram bot init: %w", err)
		}
		t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
		t.bot = bot
	}

	t.unsubs = append(t.unsubs,
		pc.Bus.Subscribe(bus.MessageResponse, t.onResponse),
		pc.Bus.Subscribe(bus.ApprovalRequest, t.onApprovalRequest),
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.poll(ctx, updates)
	}()
	t.logger.Info("telegram polling started")
	return nil
}

func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) Shutdown(context.Context) error {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
	if t.cancel != nil {
		t.cancel()
		t.bot.StopReceivingUpdates()
		t.wg.Wait()
		t.cancel = nil
	}
	return nil
}

func (t *Telegram) isAllowed(userID string) bool {
	return len(t.allowed) == 0 || t.allowed[userID]
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID
	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", msg.From.UserName)
		t.sendMessage(chatID, "Access denied.")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	switch text {
	case "/start", "/help":
		t.sendMessage(chatID, telegramHelp)
		return
	}
	if reply, ok := command(ctx, t.bus, t.convs, TelegramName, userID, text); ok {
		t.sendMessage(chatID, reply)
		return
	}

	t.logger.Info("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))
	_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	m := domain.NewMessage(TelegramName, userID, text)
	if msg.Date > 0 {
		m.Timestamp = time.Unix(int64(msg.Date), 0)
	}
	t.bus.Publish(bus.MessageIncoming, m)
}

// handleCallback turns an inline Approve/Deny button press into a decision.
func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))
	if cq.From == nil || cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	userID := strconv.FormatInt(cq.From.ID, 10)
	chatID := cq.Message.Chat.ID
	if !t.isAllowed(userID) {
		t.sendMessage(chatID, "Access denied.")
		return
	}
	cmd, ok := ParseCallbackData(cq.Data)
	if !ok {
		return
	}
	t.bus.Publish(bus.ApprovalDecide, domain.ApprovalDecision{
		ID:       cmd.ID,
		Decision: string(cmd.Decision),
		By:       TelegramName + ":" + userID,
	})

	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, cq.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	_, _ = t.bot.Send(edit)
	t.sendMessage(chatID, fmt.Sprintf("Recorded %s for %s.", cmd.Decision, cmd.ID))
}

func (t *Telegram) onResponse(e bus.Event) {
	resp, ok := responsePayload(e.Payload)
	if !ok || resp.Channel != TelegramName {
		return
	}
	chatID, err := strconv.ParseInt(resp.Sender, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat id for telegram response", "sender", resp.Sender, "error", err)
		return
	}
	t.sendMessage(chatID, resp.Text)
}

// onApprovalRequest asks the Telegram user whose message triggered the tool
// call, with inline buttons for the decision.
func (t *Telegram) onApprovalRequest(e bus.Event) {
	req, ok := approvalRequestPayload(e.Payload)
	if !ok {
		return
	}
	userID, found := strings.CutPrefix(req.Session, TelegramName+":")
	if !found {
		return
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, FormatApprovalRequest(req))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "approve:"+req.ID),
			tgbotapi.NewInlineKeyboardButtonData("Deny", "deny:"+req.ID),
		),
	)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send approval request", "id", req.ID, "error", err)
	}
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk tries Markdown first and falls back to plain text when Telegram
// rejects the markup. Rate limits and transient errors are retried.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = telegramParseMode
		}
		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		if attempt == 0 && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown rejected, retrying as plain text", "error", err)
			if _, err2 := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err2 == nil {
				return
			}
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * telegramRetryDelay
			if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
				backoff *= 3
			}
			t.logger.Warn("telegram send error, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "error", err, "attempts", telegramMaxSendRetries+1)
	}
}
