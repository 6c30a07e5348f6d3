package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://Www.Kita.de:443/kita/a#top", "https://www.kita.de/kita/a"},
		{"http://kita.de:80/kitas?b=2&a=1", "http://kita.de/kitas?a=1&b=2"},
	}
	for _, tc := range tests {
		got, err := NormalizeURL(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
	_, err := NormalizeURL("http://%zz")
	require.Error(t, err)
}

func TestResolveLinkAndPaging(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://www.kita.de/kitas/berlin/mitte?page=2")
	require.NoError(t, err)

	abs, ok := resolveLink(base, "/kita/sonnenschein#kontakt")
	require.True(t, ok)
	require.Equal(t, "https://www.kita.de/kita/sonnenschein", abs.String())

	for _, href := range []string{"", "#top", "mailto:info@kita.de", "javascript:void(0)"} {
		_, ok := resolveLink(base, href)
		require.False(t, ok, href)
	}

	listing, err := url.Parse("https://www.kita.de/kitas/berlin/mitte")
	require.NoError(t, err)
	require.Equal(t, listing.String(), withPage(listing, "page", 1).String())
	require.Equal(t, "https://www.kita.de/kitas/berlin/mitte?page=3", withPage(listing, "page", 3).String())

	other, err := url.Parse("https://kita.de/x")
	require.NoError(t, err)
	require.True(t, sameHost(base, other))
	require.False(t, sameHost(base, nil))
}
