package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roomsync/internal/store"
	"github.com/1ureka/roomsync/internal/transport"
)

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"title=draft", " k = v=w", "gone="})
	require.NoError(t, err)
	assert.Equal(t, []assignment{{"title", "draft"}, {"k", " v=w"}, {"gone", ""}}, got)

	for _, bad := range []string{"novalue", "=x", " =x"} {
		_, err := parseAssignments([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestIdentityIsStable(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()

	first, err := loadIdentity(st)
	require.NoError(t, err)
	second, err := loadIdentity(st)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "a=1 b=2", formatState(map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t, "peer + relay", kindList([]transport.Kind{transport.KindPeer, transport.KindRelay}))
}
