package wire

import (
	"testing"

	"github.com/smaiht/tuman-vpn/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParseSnippetRoundTrip(t *testing.T) {
	id := NewRequestID()
	lines := []Line{
		{Title: Title{Dir: DirSend, RequestID: id, Chunk: 1, Total: 3, Type: TypeData}, Payload: []byte("chunk one")},
		{Title: Title{Dir: DirSend, RequestID: id, Chunk: 2, Total: 3, Type: TypeData}, Payload: []byte("chunk two")},
		{Title: Title{Dir: DirSend, RequestID: id, Chunk: 3, Total: 3, Type: TypeData}, Payload: []byte("chunk three")},
	}

	body := BuildSnippet(lines)
	parsed := ParseSnippet(body)

	require.Len(t, parsed, 3)
	for i, l := range parsed {
		assert.Equal(t, lines[i].Title, l.Title)
		assert.Equal(t, lines[i].Payload, l.Payload)
	}
}

func TestParseSnippetEmptyBody(t *testing.T) {
	assert.Nil(t, ParseSnippet(""))
}

func TestParseSnippetSkipsCorruptLines(t *testing.T) {
	id := NewRequestID()
	good := Line{Title: Title{Dir: DirSend, RequestID: id, Chunk: 1, Total: 1, Type: TypeRqst}, Payload: []byte("payload")}
	body := "not a valid title line\n" + good.Title.String() + "\tnomatchingtab" + "\n" + good.Title.String() + "\t" + codec.EncodeCompact(good.Payload)

	parsed := ParseSnippet(body)
	require.Len(t, parsed, 1)
	assert.Equal(t, good.Title, parsed[0].Title)
	assert.Equal(t, good.Payload, parsed[0].Payload)
}

func TestSealedSnippetRoundTrip(t *testing.T) {
	id := NewRequestID()
	cdc := NewCodec("shared passphrase")
	lines := []Line{
		{Title: Title{Dir: DirRecv, RequestID: id, Chunk: 1, Total: 1, Type: TypeResp}, Payload: []byte("secret response body")},
	}

	body, err := cdc.BuildSnippet(lines)
	require.NoError(t, err)
	assert.NotContains(t, body, "secret", "sealed payload must not appear in the clear")

	parsed, dropped := cdc.ParseSnippet(body)
	assert.Zero(t, dropped)
	require.Len(t, parsed, 1)
	assert.Equal(t, lines[0].Payload, parsed[0].Payload)
}

func TestSealedSnippetWrongPassphraseDropsLines(t *testing.T) {
	id := NewRequestID()
	lines := []Line{
		{Title: Title{Dir: DirSend, RequestID: id, Chunk: 1, Total: 1, Type: TypeRqst}, Payload: []byte("payload")},
	}

	body, err := NewCodec("passphrase-a").BuildSnippet(lines)
	require.NoError(t, err)

	parsed, dropped := NewCodec("passphrase-b").ParseSnippet(body)
	assert.Empty(t, parsed)
	assert.Equal(t, 1, dropped)
}

func TestLineCharsMatchesRenderedBody(t *testing.T) {
	id := NewRequestID()
	for _, passphrase := range []string{"", "key"} {
		cdc := NewCodec(passphrase)
		for _, payloadLen := range []int{0, 1, 2, 7, 4000} {
			l := Line{
				Title:   Title{Dir: DirSend, RequestID: id, Chunk: 1, Total: 1, Type: TypeData},
				Payload: make([]byte, payloadLen),
			}
			body, err := cdc.BuildSnippet([]Line{l})
			require.NoError(t, err)
			// The budget counts characters; the rendered body is joined
			// without a trailing newline, which LineChars charges for.
			assert.Equal(t, cdc.LineChars(l), len([]rune(body))+1, "passphrase=%q len=%d", passphrase, payloadLen)
		}
	}
}

func TestOuterTitleRoundTrip(t *testing.T) {
	for _, dir := range []Direction{DirSend, DirRecv} {
		title := OuterTitle(dir)
		parsed, err := ParseOuterTitle(title)
		require.NoError(t, err)
		assert.Equal(t, dir, parsed)
	}
}

func TestParseOuterTitleRejectsGarbage(t *testing.T) {
	_, err := ParseOuterTitle("not-a-marker")
	assert.Error(t, err)
}
