package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeypadLayoutWithLink(t *testing.T) {
	markup := keypadMarkup("https://example.com/code")
	rows := markup.InlineKeyboard
	require.Len(t, rows, 5)

	assert.Equal(t, "https://example.com/code", rows[0][0].URL)

	// digits 1-9, three per row
	want := byte('1')
	for _, row := range rows[1:4] {
		require.Len(t, row, 3)
		for _, btn := range row {
			assert.Equal(t, string(want), btn.Text)
			assert.Equal(t, keypadUnique, btn.Unique)
			assert.Equal(t, string(want), btn.Data)
			want++
		}
	}

	last := rows[4]
	require.Len(t, last, 3)
	assert.Equal(t, "clear", last[0].Data)
	assert.Equal(t, "0", last[1].Data)
	assert.Equal(t, "del", last[2].Data)
}

func TestKeypadLayoutWithoutLink(t *testing.T) {
	markup := keypadMarkup("")
	require.Len(t, markup.InlineKeyboard, 4)
	assert.Equal(t, "1", markup.InlineKeyboard[0][0].Text)
}

func TestPadText(t *testing.T) {
	assert.Equal(t, "Enter\n\nCode: ·····", padText("Enter", "", 5))
	assert.Equal(t, "Enter\n\nCode: 12···", padText("Enter", "12", 5))
	assert.Equal(t, "Enter\n\nCode: 12345", padText("Enter", "12345", 5))
}
