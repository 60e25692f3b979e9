package comment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrMalformed is returned for payloads that do not parse into the expected shape.
var ErrMalformed = errors.New("malformed payload")

// MaxTextBytes caps the text of a locally authored comment. With every byte
// escaped as \u00XX the encoded comment is still under 400 KiB, well inside
// the 1 MiB block limit of the content store.
const MaxTextBytes = 64 << 10

// ErrTextTooLong is returned by CheckText for text over MaxTextBytes.
var ErrTextTooLong = errors.Newf("comment text exceeds %d bytes", MaxTextBytes)

// CheckText reports whether text may be posted as a comment.
func CheckText(text string) error {
	if len(text) > MaxTextBytes {
		return ErrTextTooLong
	}
	return nil
}

// Comment is the immutable body stored in the content store. Its identity is
// the CID of its encoded form.
type Comment struct {
	From string `json:"from"`
	Date int64  `json:"date"`
	Text string `json:"text"`
}

// New builds a comment authored by from at now.
func New(from, text string, now time.Time) Comment {
	return Comment{From: from, Date: now.UnixMilli(), Text: text}
}

// Encode returns the canonical serialization. Field order is fixed by the
// struct so two equal comments always encode to the same bytes.
func (c Comment) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode comment")
	}
	return data, nil
}

// Time converts Date back to a time.Time.
func (c Comment) Time() time.Time {
	return time.UnixMilli(c.Date)
}

// Decode parses a stored comment. Anything that is not a JSON object is
// malformed; missing fields are left zero.
func Decode(data []byte) (Comment, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return Comment{}, ErrMalformed
	}
	var c Comment
	if err := json.Unmarshal([]byte(trimmed), &c); err != nil {
		return Comment{}, errors.Mark(errors.Wrap(err, "decode comment"), ErrMalformed)
	}
	return c, nil
}
