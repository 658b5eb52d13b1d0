package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Command
		ok   bool
	}{
		{name: "implement", body: "/implement", want: Command{Kind: CommandApprove}, ok: true},
		{name: "lgtm", body: "/lgtm", want: Command{Kind: CommandApprove}, ok: true},
		{name: "case insensitive", body: "/LGTM", want: Command{Kind: CommandApprove}, ok: true},
		{name: "surrounding whitespace", body: "  /implement  ", want: Command{Kind: CommandApprove}, ok: true},
		{name: "revise with feedback", body: "/revise use tabs not spaces", want: Command{Kind: CommandRevise, Text: "use tabs not spaces"}, ok: true},
		{name: "revise mixed case", body: "/Revise tighten the scope", want: Command{Kind: CommandRevise, Text: "tighten the scope"}, ok: true},
		{name: "revise without text", body: "/revise", ok: false},
		{name: "trailing words break approve", body: "/implement this now", ok: false},
		{name: "mid-sentence command ignored", body: "I think /lgtm applies", ok: false},
		{name: "multi-line body ignored", body: "/implement\nand also fix the docs", ok: false},
		{name: "plain comment", body: "looks good to me", ok: false},
		{name: "empty", body: "", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseCommand(tc.body)
			require.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestParseAnswerBlocks(t *testing.T) {
	t.Run("single answer", func(t *testing.T) {
		got := ParseAnswerBlocks("A1: dark by default")
		require.Equal(t, map[int]string{1: "dark by default"}, got)
	})

	t.Run("multiple answers across lines", func(t *testing.T) {
		body := "Here you go:\nA1: use postgres\n A2) yes\na3. whatever works"
		got := ParseAnswerBlocks(body)
		require.Equal(t, map[int]string{
			1: "use postgres",
			2: "yes",
			3: "whatever works",
		}, got)
	})

	t.Run("later duplicate wins", func(t *testing.T) {
		got := ParseAnswerBlocks("A1: first\nA1: second")
		require.Equal(t, map[int]string{1: "second"}, got)
	})

	t.Run("no answer lines", func(t *testing.T) {
		assert.Nil(t, ParseAnswerBlocks("thanks, looks fine"))
		assert.Nil(t, ParseAnswerBlocks(""))
	})

	t.Run("zero index dropped", func(t *testing.T) {
		assert.Empty(t, ParseAnswerBlocks("A0: nothing"))
	})

	t.Run("answer text keeps inner punctuation", func(t *testing.T) {
		got := ParseAnswerBlocks("A2: option B: the second one")
		require.Equal(t, map[int]string{2: "option B: the second one"}, got)
	})
}
