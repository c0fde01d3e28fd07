// ABOUTME: The signed message envelope exchanged between agents over every delivery path
// ABOUTME: Defines Message, AttachmentRef, and the canonical byte encoding used for signatures

package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Broadcast is the recipient that addresses every agent.
const Broadcast = "all"

// Message types.
const (
	TypeMessage    = "message"
	TypeTask       = "task"
	TypeTaskResult = "task_result"
	TypeQuestion   = "question"
	TypeAnswer     = "answer"
	TypeStatus     = "status"
)

// ErrMalformed is returned when a message is missing a required field.
var ErrMalformed = errors.New("malformed message")

// AttachmentRef describes a file carried out of band next to a message.
type AttachmentRef struct {
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	RelativePath string `json:"relativePath"`
	SizeBytes    int64  `json:"sizeBytes"`
	ContentHash  string `json:"contentHash"` // hex SHA-256
}

// Message is a signed envelope. The signature covers every field except
// Signature, Delivered and DeliveredAt.
type Message struct {
	ID          string          `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Timestamp   time.Time       `json:"timestamp"`
	Nonce       string          `json:"nonce"`
	Type        string          `json:"type"`
	Content     string          `json:"content"`
	Data        json.RawMessage `json:"data,omitempty"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	Signature   string          `json:"signature"`

	Delivered   bool       `json:"delivered,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// New builds an unsigned message with a fresh id, nonce and timestamp.
func New(from, to, typ, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
		Nonce:     NewNonce(),
		Type:      typ,
		Content:   content,
	}
}

// NewNonce returns 16 random bytes, hex encoded.
func NewNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		return uuid.New().String()
	}
	return hex.EncodeToString(b[:])
}

// SetData encodes v as the message's structured payload.
func (m *Message) SetData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message data: %w", err)
	}
	m.Data = data
	return nil
}

// DecodeData decodes the structured payload into v.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: message %s has no data", ErrMalformed, m.ID)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decoding message data: %w", err)
	}
	return nil
}

// IsFor reports whether the message is addressed to agentID, directly or by broadcast.
func (m *Message) IsFor(agentID string) bool {
	return m.To == agentID || (m.To == Broadcast && m.From != agentID)
}

// Validate checks that required fields are present.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformed)
	case m.From == "":
		return fmt.Errorf("%w: missing from", ErrMalformed)
	case m.To == "":
		return fmt.Errorf("%w: missing to", ErrMalformed)
	case m.Nonce == "":
		return fmt.Errorf("%w: missing nonce", ErrMalformed)
	case m.Type == "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	return m.checkText()
}

// checkText rejects text the JSON encoder would rewrite. Invalid UTF-8 and
// unpaired surrogate escapes both come out as U+FFFD, so two different
// messages would share canonical bytes and a signature.
func (m *Message) checkText() error {
	fields := []struct{ name, value string }{
		{"id", m.ID}, {"from", m.From}, {"to", m.To}, {"nonce", m.Nonce},
		{"type", m.Type}, {"content", m.Content}, {"replyTo", m.ReplyTo},
	}
	for _, a := range m.Attachments {
		fields = append(fields,
			struct{ name, value string }{"attachment name", a.Name},
			struct{ name, value string }{"attachment mimeType", a.MimeType},
			struct{ name, value string }{"attachment relativePath", a.RelativePath},
			struct{ name, value string }{"attachment contentHash", a.ContentHash},
		)
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrMalformed, f.name)
		}
	}
	if !utf8.Valid(m.Data) {
		return fmt.Errorf("%w: data is not valid UTF-8", ErrMalformed)
	}
	if !surrogatesPaired(m.Data) {
		return fmt.Errorf("%w: data has an unpaired surrogate escape", ErrMalformed)
	}
	return nil
}

// surrogatesPaired reports whether every \u escape in the surrogate range is
// a high surrogate directly followed by a low one. Backslashes only occur
// inside JSON strings, so string boundaries need no tracking.
func surrogatesPaired(raw []byte) bool {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			continue
		}
		i++
		if i >= len(raw) || raw[i] != 'u' {
			continue
		}
		r, ok := hex4(raw, i+1)
		if !ok {
			return false
		}
		i += 4
		switch {
		case r >= 0xDC00 && r <= 0xDFFF:
			return false
		case r >= 0xD800 && r <= 0xDBFF:
			if i+6 >= len(raw) || raw[i+1] != '\\' || raw[i+2] != 'u' {
				return false
			}
			lo, ok := hex4(raw, i+3)
			if !ok || lo < 0xDC00 || lo > 0xDFFF {
				return false
			}
			i += 6
		}
	}
	return true
}

func hex4(raw []byte, at int) (uint64, bool) {
	if at+4 > len(raw) {
		return 0, false
	}
	v, err := strconv.ParseUint(string(raw[at:at+4]), 16, 32)
	return v, err == nil
}

// canonicalMessage fixes the field order of the signed encoding.
type canonicalMessage struct {
	ID          string                `json:"id"`
	From        string                `json:"from"`
	To          string                `json:"to"`
	Timestamp   string                `json:"timestamp"`
	Nonce       string                `json:"nonce"`
	Type        string                `json:"type"`
	Content     string                `json:"content"`
	Data        json.RawMessage       `json:"data"`
	Attachments []canonicalAttachment `json:"attachments"`
	ReplyTo     string                `json:"replyTo"`
}

type canonicalAttachment struct {
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	RelativePath string `json:"relativePath"`
	SizeBytes    int64  `json:"sizeBytes"`
	ContentHash  string `json:"contentHash"`
}

var jsonNull = json.RawMessage("null")

// Canonical returns the bytes that are signed and verified. Signer and
// verifier produce identical output for the same logical message regardless
// of how Data's object keys were ordered on the wire.
func (m *Message) Canonical() ([]byte, error) {
	if err := m.checkText(); err != nil {
		return nil, err
	}
	data, err := canonicalData(m.Data)
	if err != nil {
		return nil, err
	}

	atts := make([]canonicalAttachment, len(m.Attachments))
	for i, a := range m.Attachments {
		atts[i] = canonicalAttachment(a)
	}

	c := canonicalMessage{
		ID:          m.ID,
		From:        m.From,
		To:          m.To,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339Nano),
		Nonce:       m.Nonce,
		Type:        m.Type,
		Content:     m.Content,
		Data:        data,
		Attachments: atts,
		ReplyTo:     m.ReplyTo,
	}
	out, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical message: %w", err)
	}
	return out, nil
}

// canonicalData re-encodes raw JSON with sorted object keys. Numbers keep
// their literal text.
func canonicalData(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return jsonNull, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: data is not valid JSON: %v", ErrMalformed, err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical data: %w", err)
	}
	return out, nil
}
