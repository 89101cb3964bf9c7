package bot

import (
	"fmt"

	tele "gopkg.in/telebot.v4"

	"github.com/nvoloshin/authbridge/auth/flow"
	"github.com/nvoloshin/authbridge/core/telegram/callbacks"
	"github.com/nvoloshin/authbridge/core/telegram/format"
	tghelpers "github.com/nvoloshin/authbridge/core/telegram/helpers"
)

func senderUser(c tele.Context) flow.User {
	u := c.Sender()
	if u == nil {
		return flow.User{}
	}
	return flow.User{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func (a *App) handleStart(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	return a.manager.HandleStart(ctx, senderUser(c))
}

func (a *App) handleContact(c tele.Context) error {
	msg := c.Message()
	if msg == nil || msg.Contact == nil {
		return nil
	}
	contact := msg.Contact
	if contact.UserID != 0 && contact.UserID != c.Sender().ID {
		return tghelpers.SendText(c, "Please share your own contact, not someone else's.")
	}
	ctx := tghelpers.BuildContext(c)
	return a.manager.HandleContact(ctx, senderUser(c), contact.PhoneNumber)
}

func (a *App) handleKeypad(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	return a.manager.HandlePress(ctx, c.Sender().ID, callbacks.CallbackPayload(c))
}

func (a *App) handleUnknownText(c tele.Context) error {
	return tghelpers.SendText(c, "Send /start to begin signing in.")
}

func (a *App) handleStats(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	total, err := a.users.CountUsers(ctx)
	if err != nil {
		return err
	}
	sidecar, err := format.EscapeMarkdown(a.cfg.Auth.ServiceURL, format.MarkdownV1, "")
	if err != nil {
		sidecar = a.cfg.Auth.ServiceURL
	}
	text := fmt.Sprintf(
		"*Users:* %d\n*Active flows:* %d\n*Live sessions:* %d\n*Sidecar:* %s",
		total, a.manager.ActiveFlows(), a.sessions.Len(), sidecar,
	)
	return tghelpers.SendMD(c, text)
}

// passwordFSM routes free text into the login flow while a second factor is
// pending.
type passwordFSM struct {
	app *App
}

func (f *passwordFSM) InProgress(userID int64) bool {
	return f.app.manager.AwaitingPassword(userID)
}

func (f *passwordFSM) ManagerHandler(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	// The password must not stay in the chat history.
	_ = c.Delete()
	return f.app.manager.HandleText(ctx, senderUser(c), c.Text())
}
