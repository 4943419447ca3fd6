package gmls

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locshare/pkg/file"
)

const testCookies = `# Netscape HTTP Cookie File
# This is a generated file! Do not edit.

.google.com	TRUE	/	TRUE	1787000000	__Secure-1PSID	abc123
.google.com	TRUE	/	TRUE	1786000000	__Secure-3PSID	def456
#HttpOnly_.google.com	TRUE	/	TRUE	1790000000	NID	xyz
.google.com	TRUE	/	FALSE	0	PREF	tz=UTC
`

// sharedPayload is a server response with one valid shared person, one
// person with unusable data, and an account-holder record at element 9.
const sharedPayload = `)]}'
[[[null,[null,[null,-122.084,37.422],1700000000000,25,"1600 Amphitheatre Pkwy",null,"us"],null,null,null,null,["person-1","https://pic.example/1","Jamie Doe","jamie"],null,null,null,null,null,null,[1,88]],[null,null]],null,null,null,null,null,"ok",null,null,[null,[null,[null,-0.1276,51.5072],1700000001000,50,"10 Downing St",null,"gb"]]]`

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient("account@gmail.com", file.NewFileService(), zerolog.Nop())
}

func writeCookiesFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

// TestParseNetscapeCookies tests parsing a cookies.txt export, including
// comments, HTTP-only markers and session cookies.
func TestParseNetscapeCookies(t *testing.T) {
	cookies, err := parseNetscapeCookies(testCookies)
	require.NoError(t, err)
	require.Len(t, cookies, 4)

	assert.Equal(t, "__Secure-1PSID", cookies[0].Name)
	assert.Equal(t, "abc123", cookies[0].Value)
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, time.Unix(1787000000, 0), cookies[0].Expires)

	assert.True(t, cookies[2].HttpOnly)
	assert.Equal(t, "NID", cookies[2].Name)

	// Session cookie has no expiration.
	assert.True(t, cookies[3].Expires.IsZero())
}

// TestParseNetscapeCookies_Malformed tests that short lines are rejected.
func TestParseNetscapeCookies_Malformed(t *testing.T) {
	_, err := parseNetscapeCookies(".google.com\tTRUE\t/\n")
	assert.Error(t, err)
}

// TestClient_LoadCookies_MissingFile tests the distinct file error.
func TestClient_LoadCookies_MissingFile(t *testing.T) {
	c := newTestClient(t)

	err := c.LoadCookies(filepath.Join(t.TempDir(), "nope.txt"))
	assert.ErrorIs(t, err, ErrInvalidCookiesFile)
}

// TestClient_LoadCookies_MissingRequiredCookie tests that a parseable file
// without a session cookie is treated as invalid credentials.
func TestClient_LoadCookies_MissingRequiredCookie(t *testing.T) {
	c := newTestClient(t)
	path := writeCookiesFile(t, ".google.com\tTRUE\t/\tTRUE\t0\tPREF\ttz=UTC\n")

	err := c.LoadCookies(path)
	assert.ErrorIs(t, err, ErrInvalidCookies)
}

// TestClient_CookiesExpiration tests that the earliest required-cookie
// expiration wins.
func TestClient_CookiesExpiration(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.LoadCookies(writeCookiesFile(t, testCookies)))

	expiration, ok := c.CookiesExpiration()
	require.True(t, ok)
	assert.Equal(t, time.Unix(1786000000, 0).UTC(), expiration)
}

// TestClient_SaveCookies tests the save and change-detection round trip.
func TestClient_SaveCookies(t *testing.T) {
	c := newTestClient(t)
	path := writeCookiesFile(t, testCookies)
	require.NoError(t, c.LoadCookies(path))
	assert.False(t, c.CookiesChanged())

	// A refreshed cookie from the server marks the session dirty.
	c.mergeCookies([]*http.Cookie{{Name: "__Secure-1PSID", Value: "refreshed"}})
	assert.True(t, c.CookiesChanged())

	require.NoError(t, c.SaveCookies(path))
	assert.False(t, c.CookiesChanged())

	// The saved file must load back with the refreshed value.
	c2 := newTestClient(t)
	require.NoError(t, c2.LoadCookies(path))
	assert.False(t, c2.CookiesChanged())
}

func fetchFrom(t *testing.T, c *Client, url string) error {
	t.Helper()
	c.baseURL = url
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.Fetch(ctx)
}

// TestClient_Fetch_People tests a successful fetch and person extraction.
func TestClient_Fetch_People(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sharedPayload))
	}))
	defer srv.Close()

	c := newTestClient(t)
	require.NoError(t, fetchFrom(t, c, srv.URL))

	people, err := c.People(true)
	require.NoError(t, err)
	require.Len(t, people, 2)

	person := people[0]
	assert.Equal(t, "person-1", person.ID)
	assert.Equal(t, "Jamie Doe", person.FullName)
	assert.Equal(t, "jamie", person.Nickname)
	assert.Equal(t, "1600 Amphitheatre Pkwy", person.Address)
	assert.Equal(t, "us", person.CountryCode)
	assert.Equal(t, 25, person.GPSAccuracy)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), person.LastSeen)
	assert.InDelta(t, 37.422, person.Latitude, 1e-9)
	assert.InDelta(t, -122.084, person.Longitude, 1e-9)
	require.NotNil(t, person.BatteryCharging)
	assert.True(t, *person.BatteryCharging)
	require.NotNil(t, person.BatteryLevel)
	assert.Equal(t, 88, *person.BatteryLevel)

	acct := people[1]
	assert.Equal(t, "account@gmail.com", acct.ID)
	assert.Equal(t, "10 Downing St", acct.Address)
	assert.Nil(t, acct.BatteryLevel)

	// Without the account person only the shared person remains.
	people, err = c.People(false)
	require.NoError(t, err)
	assert.Len(t, people, 1)
}

// TestClient_Fetch_InvalidSession tests the sentinel for a rejected session.
func TestClient_Fetch_InvalidSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`)]}'` + "\n" + `[null,null,null,null,null,null,"GgA="]`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	assert.ErrorIs(t, fetchFrom(t, c, srv.URL), ErrInvalidCookies)
}

// TestClient_Fetch_MalformedPayload tests unparseable responses.
func TestClient_Fetch_MalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`)]}'` + "\n" + `{"not":"an array"}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	assert.ErrorIs(t, fetchFrom(t, c, srv.URL), ErrInvalidData)
}

// TestClient_Fetch_RetriesTransientStatus tests that a transient status is
// retried and the next attempt can succeed.
func TestClient_Fetch_RetriesTransientStatus(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(sharedPayload))
	}))
	defer srv.Close()

	c := newTestClient(t)
	require.NoError(t, fetchFrom(t, c, srv.URL))
	assert.Equal(t, 2, requests)
}

// TestClient_Fetch_NoRetryOnAuthStatus tests that non-transient statuses are
// surfaced without retrying.
func TestClient_Fetch_NoRetryOnAuthStatus(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t)
	assert.ErrorIs(t, fetchFrom(t, c, srv.URL), ErrRequestFailed)
	assert.Equal(t, 1, requests)
}

// TestClient_Fetch_UpdatesSessionCookies tests that Set-Cookie responses are
// folded into the session's jar.
func TestClient_Fetch_UpdatesSessionCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "__Secure-1PSID", Value: "rotated"})
		w.Write([]byte(sharedPayload))
	}))
	defer srv.Close()

	c := newTestClient(t)
	require.NoError(t, c.LoadCookies(writeCookiesFile(t, testCookies)))
	require.NoError(t, fetchFrom(t, c, srv.URL))

	assert.True(t, c.CookiesChanged())
}
