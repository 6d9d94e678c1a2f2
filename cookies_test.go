package databend

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameJar_KeyedByNameOnly(t *testing.T) {
	jar := newNameJar()
	u1, _ := url.Parse("http://node-a.internal")
	u2, _ := url.Parse("http://node-b.internal")

	jar.SetCookies(u1, []*http.Cookie{{Name: "affinity", Value: "n1"}})
	// A sibling host re-issuing the cookie replaces it, domains ignored.
	jar.SetCookies(u2, []*http.Cookie{{Name: "affinity", Value: "n2"}})

	cookies := jar.Cookies(u1)
	require.Len(t, cookies, 1)
	assert.Equal(t, "n2", cookies[0].Value)
}

func TestNameJar_SortedByName(t *testing.T) {
	jar := newNameJar()
	u, _ := url.Parse("http://h")
	jar.SetCookies(u, []*http.Cookie{
		{Name: "zeta", Value: "z"},
		{Name: "alpha", Value: "a"},
	})
	cookies := jar.Cookies(u)
	require.Len(t, cookies, 2)
	assert.Equal(t, "alpha", cookies[0].Name)
	assert.Equal(t, "zeta", cookies[1].Name)
}
