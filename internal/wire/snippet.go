package wire

import (
	"fmt"
	"strings"

	"github.com/smaiht/tuman-vpn/internal/codec"
)

// A note's snippet body packs one or more addressed lines, each a title
// followed by a tab and the line's compact-encoded payload; lines are
// joined with newlines. The note's own title carries nothing but the
// direction marker, since all addressing detail lives in the snippet.
const lineSep = "\n"
const fieldSep = "\t"

// Line is one titled payload entry inside a snippet body.
type Line struct {
	Title   Title
	Payload []byte
}

// Codec renders lines into snippet bodies and back. With a passphrase it
// seals every line's payload with AES-256-GCM before compact-encoding it,
// so the note service only ever stores ciphertext; without one, payloads
// are compact-encoded as-is. Both ends of a channel must agree on the
// passphrase: a receiver whose passphrase doesn't match drops every line
// at the authentication check, exactly as if the snippet were corrupted.
type Codec struct {
	passphrase string
}

// NewCodec builds a Codec. An empty passphrase disables the cipher layer.
func NewCodec(passphrase string) *Codec {
	return &Codec{passphrase: passphrase}
}

// sealedOverhead is what the cipher layer adds to a payload: a 12-byte
// nonce prefix plus GCM's 16-byte authentication tag.
const sealedOverhead = 28

// LineChars is the character budget one line consumes inside a snippet
// body: the title, the tab and newline separators, and the compact
// encoding's one-codepoint-per-two-bytes payload cost (plus the cipher
// overhead when sealing is enabled). Deterministic, so a sender can
// budget a batch before paying for the actual encode.
func (c *Codec) LineChars(l Line) int {
	n := len(l.Payload)
	if c.passphrase != "" {
		n += sealedOverhead
	}
	return len(l.Title.String()) + (n+1)/2 + 2
}

func (c *Codec) encodePayload(p []byte) (string, error) {
	if c.passphrase != "" {
		sealed, err := codec.Seal(c.passphrase, p)
		if err != nil {
			return "", err
		}
		p = sealed
	}
	return codec.EncodeCompact(p), nil
}

func (c *Codec) decodePayload(s string) ([]byte, error) {
	raw, err := codec.DecodeCompact(s)
	if err != nil {
		return nil, err
	}
	if c.passphrase != "" {
		return codec.Open(c.passphrase, raw)
	}
	return raw, nil
}

// BuildSnippet renders a set of lines into a single note snippet body.
func (c *Codec) BuildSnippet(lines []Line) (string, error) {
	parts := make([]string, len(lines))
	for i, l := range lines {
		enc, err := c.encodePayload(l.Payload)
		if err != nil {
			return "", fmt.Errorf("wire: encode line %d: %w", i, err)
		}
		parts[i] = l.Title.String() + fieldSep + enc
	}
	return strings.Join(parts, lineSep), nil
}

// ParseSnippet splits a note snippet body back into its constituent lines.
// Lines that fail to parse, decode, or authenticate are skipped rather
// than aborting the whole snippet, since a single corrupted line (e.g.
// truncated by a note-length limit) should not discard payload that
// arrived intact on other lines. The number of dropped lines is returned
// so callers can log it.
func (c *Codec) ParseSnippet(body string) (lines []Line, dropped int) {
	if body == "" {
		return nil, 0
	}
	raw := strings.Split(body, lineSep)
	lines = make([]Line, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		idx := strings.IndexByte(r, fieldSep[0])
		if idx < 0 {
			dropped++
			continue
		}
		title, err := Parse(r[:idx])
		if err != nil {
			dropped++
			continue
		}
		payload, err := c.decodePayload(r[idx+1:])
		if err != nil {
			dropped++
			continue
		}
		lines = append(lines, Line{Title: title, Payload: payload})
	}
	return lines, dropped
}

// BuildSnippet renders lines without a cipher layer.
func BuildSnippet(lines []Line) string {
	body, _ := NewCodec("").BuildSnippet(lines)
	return body
}

// ParseSnippet parses a plaintext snippet body, discarding the dropped-line
// count.
func ParseSnippet(body string) []Line {
	lines, _ := NewCodec("").ParseSnippet(body)
	return lines
}

// OuterTitle is the note-level title: just the direction marker.
func OuterTitle(dir Direction) string {
	return string(rune(dir))
}

// ParseOuterTitle validates that a note's own title is a bare direction
// marker and reports which direction it is.
func ParseOuterTitle(title string) (Direction, error) {
	if len(title) != 1 || (title[0] != byte(DirSend) && title[0] != byte(DirRecv)) {
		return 0, fmt.Errorf("wire: %q is not a valid outer note title", title)
	}
	return Direction(title[0]), nil
}
