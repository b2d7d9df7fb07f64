package browser

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieParamsPreserveAttributes(t *testing.T) {
	expires := float64(time.Now().Add(30 * 24 * time.Hour).Unix())
	params := cookieParams([]Cookie{
		{
			Name:     "auth",
			Value:    "tok",
			Domain:   ".example.com",
			Path:     "/",
			Expires:  expires,
			HTTPOnly: true,
			Secure:   true,
			SameSite: "Lax",
		},
		{
			// Session cookie: no expiry to carry over.
			Name:   "sid",
			Value:  "abc",
			Domain: "example.com",
			Path:   "/",
		},
	})
	require.Len(t, params, 2)

	auth := params[0]
	require.NotNil(t, auth.Expires, "persistent cookie keeps its expiry")
	assert.Equal(t, int64(expires), time.Time(*auth.Expires).Unix())
	assert.Equal(t, network.CookieSameSiteLax, auth.SameSite)
	assert.True(t, auth.HTTPOnly)
	assert.True(t, auth.Secure)

	sid := params[1]
	assert.Nil(t, sid.Expires, "session cookie stays a session cookie")
	assert.Equal(t, network.CookieSameSite(""), sid.SameSite)
}
