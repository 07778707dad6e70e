package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePairIsOrderInsensitive(t *testing.T) {
	a1, b1 := NormalizePair("bob", "alice")
	a2, b2 := NormalizePair("alice", "bob")
	require.Equal(t, a1, a2)
	require.Equal(t, b1, b2)
	require.Equal(t, PairKey("bob", "alice"), PairKey(" alice ", "bob"))
}

func TestConversationParticipants(t *testing.T) {
	conv := Conversation{User1ID: "alice", User2ID: "bob"}
	require.True(t, conv.HasParticipant("alice"))
	require.True(t, conv.HasParticipant("bob"))
	require.False(t, conv.HasParticipant("carol"))
	require.False(t, conv.HasParticipant(""))

	require.Equal(t, "bob", conv.OtherParticipant("alice"))
	require.Equal(t, "alice", conv.OtherParticipant("bob"))
	require.Empty(t, conv.OtherParticipant("carol"))
}

func TestValidateContent(t *testing.T) {
	got, err := ValidateContent("  hello  ")
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	_, err = ValidateContent(" \t\n ")
	require.ErrorIs(t, err, ErrEmptyContent)

	// the bound counts runes, not bytes
	got, err = ValidateContent(strings.Repeat("ø", MaxContentLength))
	require.NoError(t, err)
	require.Equal(t, MaxContentLength, len([]rune(got)))

	_, err = ValidateContent(strings.Repeat("ø", MaxContentLength+1))
	require.ErrorIs(t, err, ErrContentTooLong)
}
