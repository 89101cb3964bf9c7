// Package code holds the in-progress verification code for one login attempt.
package code

// DefaultLength is the verification code size used by the authentication service.
const DefaultLength = 5

// Buffer assembles a verification code from discrete keypad presses.
// All operations are total; the buffer never grows past its limit and
// never shrinks below empty.
type Buffer struct {
	digits []byte
	limit  int
}

// NewBuffer returns an empty buffer capped at limit digits.
// A non-positive limit falls back to DefaultLength.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultLength
	}
	return &Buffer{digits: make([]byte, 0, limit), limit: limit}
}

// Append adds a single digit ('0'..'9'). Presses on a full buffer and
// non-digit input are ignored.
func (b *Buffer) Append(d byte) {
	if len(b.digits) >= b.limit {
		return
	}
	if d < '0' || d > '9' {
		return
	}
	b.digits = append(b.digits, d)
}

// Backspace removes the last digit; no-op when empty.
func (b *Buffer) Backspace() {
	if len(b.digits) == 0 {
		return
	}
	b.digits = b.digits[:len(b.digits)-1]
}

// Clear resets the buffer to empty.
func (b *Buffer) Clear() {
	b.digits = b.digits[:0]
}

// Value returns the digits entered so far.
func (b *Buffer) Value() string {
	return string(b.digits)
}

// Len reports the number of digits entered.
func (b *Buffer) Len() int {
	return len(b.digits)
}

// Complete reports whether the buffer holds a full code.
func (b *Buffer) Complete() bool {
	return len(b.digits) == b.limit
}
