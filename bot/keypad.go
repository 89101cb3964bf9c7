package bot

import (
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/nvoloshin/authbridge/auth/flow"
	"github.com/nvoloshin/authbridge/core/telegram/keyboard"
)

// keypadUnique is the callback key shared by every keypad button.
const keypadUnique = "kp"

// keypadMarkup builds the inline digit keypad: an optional link row, digits
// 1-9 in a 3x3 grid, then clear / 0 / delete.
func keypadMarkup(showCodeURL string) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	var rows [][]tele.Btn
	if showCodeURL != "" {
		rows = append(rows, []tele.Btn{markup.URL("Show login code", showCodeURL)})
	}

	digits := make([]tele.Btn, 0, 9)
	for d := 1; d <= 9; d++ {
		label := strconv.Itoa(d)
		digits = append(digits, markup.Data(label, keypadUnique, label))
	}
	rows = append(rows, keyboard.ChunkButtons(digits, 3)...)

	rows = append(rows, []tele.Btn{
		markup.Data("✖ Clear", keypadUnique, flow.KeyClear),
		markup.Data("0", keypadUnique, "0"),
		markup.Data("⌫ Delete", keypadUnique, flow.KeyDelete),
	})

	markup.InlineKeyboard = keyboard.ToInlineKeyboard(rows)
	return markup
}

// padText renders the prompt plus the current input line, padding the
// remaining positions so the user sees how many digits are left.
func padText(prompt, entered string, codeLength int) string {
	remaining := codeLength - len(entered)
	if remaining < 0 {
		remaining = 0
	}
	line := entered + strings.Repeat("·", remaining)
	return prompt + "\n\nCode: " + line
}
