package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Reddit ")
	require.NoError(t, err)
	assert.Equal(t, KindReddit, k)

	k, err = ParseKind("yt")
	require.NoError(t, err)
	assert.Equal(t, KindYouTube, k)

	_, err = ParseKind("myspace")
	require.Error(t, err)
}

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, SourceConfig{}.EffectiveLimit())
	assert.Equal(t, 7, SourceConfig{Limit: 7}.EffectiveLimit())
	assert.Equal(t, MaxLimit, SourceConfig{Limit: 5000}.EffectiveLimit())
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, AuthFailure},
		{403, AuthFailure},
		{429, RateLimited},
		{500, NetworkFailure},
		{503, NetworkFailure},
		{404, MalformedResponse},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, statusError("s", tt.status).Kind)
		})
	}
}

func TestTransportError(t *testing.T) {
	assert.Equal(t, Timeout, transportError("s", context.DeadlineExceeded).Kind)
	assert.Equal(t, Timeout, transportError("s", fmt.Errorf("wrapped: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, Timeout, transportError("s", &net.DNSError{IsTimeout: true}).Kind)
	assert.Equal(t, NetworkFailure, transportError("s", &net.OpError{Op: "dial", Err: errors.New("refused")}).Kind)

	inner := newError("s", AuthFailure, errors.New("no"))
	assert.Same(t, inner, transportError("s", fmt.Errorf("x: %w", inner)))
}

func TestConnectorErrorTransient(t *testing.T) {
	assert.True(t, IsTransient(newError("s", RateLimited, errors.New("x"))))
	assert.True(t, IsTransient(newError("s", NetworkFailure, errors.New("x"))))
	assert.True(t, IsTransient(newError("s", Timeout, errors.New("x"))))
	assert.False(t, IsTransient(newError("s", AuthFailure, errors.New("x"))))
	assert.False(t, IsTransient(newError("s", MalformedResponse, errors.New("x"))))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestConnectorErrorMessage(t *testing.T) {
	err := newError("reddit:golang", RateLimited, errors.New("status 429"))
	assert.Equal(t, "reddit:golang: rate_limited: status 429", err.Error())
}

func TestFilter(t *testing.T) {
	rec := func(title, body string) RawRecord { return RawRecord{Title: title, Body: body} }

	var nilFilter *Filter
	assert.True(t, nilFilter.Match(rec("anything", "")))
	assert.True(t, NewFilter(nil, nil).Empty())

	f := NewFilter([]string{"Skincare", "moisturizer"}, []string{"giveaway"})
	assert.True(t, f.Match(rec("Best SKINCARE routine", "")))
	assert.True(t, f.Match(rec("Question", "which moisturizer?")))
	assert.False(t, f.Match(rec("Skincare giveaway!", "")))
	assert.False(t, f.Match(rec("Boots that last", "")))

	excludeOnly := NewFilter(nil, []string{"meme"})
	assert.True(t, excludeOnly.Match(rec("Boots that last", "")))
	assert.False(t, excludeOnly.Match(rec("A meme", "")))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	// "é" is two bytes; a byte cut at 5 would split the third one.
	s := strings.Repeat("é", 4)
	got := truncate(s, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "éé...", got)

	long := strings.Repeat("a", 1999) + "日本語"
	got = truncate(long, 2000)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 1999)+"...", got)
}
