package id

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewHasPrefix(t *testing.T) {
	got := New("wf")
	require.True(t, strings.HasPrefix(got, "wf_"))
	require.NotEqual(t, got, New("wf"))
}

func TestConfirmationFormat(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	re := regexp.MustCompile(`^CONF-20261018-[2-9A-HJ-NP-Z]{4}-[2-9A-HJ-NP-Z]{4}$`)

	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		got := Confirmation(now)
		require.Regexp(t, re, got)
		seen[got] = struct{}{}
	}
	require.Greater(t, len(seen), 45)
}
