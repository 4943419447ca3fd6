package gmls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"locshare/pkg/file"
)

const (
	locationSharingURL = "https://www.google.com/maps/rpc/locationsharing/read"

	requestTimeout = 60 * time.Second

	retriesTotal     = 5
	retriesBackoff   = 250 * time.Millisecond
	responsePrefix   = ")]}'\n"
	invalidSessionID = "GgA="
)

// queryParams are the fixed parameters the web frontend sends. The "pb" blob
// describes map rendering and is irrelevant to location sharing; it points at
// Google's headquarters.
var queryParams = url.Values{
	"authuser": {"2"},
	"hl":       {"en"},
	"gl":       {"us"},
	"pb": {"!1m7!8m6!1m3!1i14!2i8413!3i5385!2i6!3x4095" +
		"!2m3!1e0!2sm!3i407105169!3m7!2sen!5e1105!12m4" +
		"!1e68!2m2!1sset!2sRoadmap!4e1!5m4!1e4!8m2!1e0!" +
		"1e1!6m9!1e12!2i2!26m1!4b1!30m1!" +
		"1f1.3953487873077393!39b1!44e1!50e0!23i4111425"},
}

// retryStatuses are the transient HTTP statuses worth retrying.
var retryStatuses = map[int]struct{}{
	http.StatusRequestEntityTooLarge: {},
	http.StatusTooManyRequests:       {},
	http.StatusInternalServerError:   {},
	http.StatusBadGateway:            {},
	http.StatusServiceUnavailable:    {},
}

// validCookieNames are the session cookies the endpoint requires; at least
// one of them must be present.
var validCookieNames = []string{"__Secure-1PSID", "__Secure-3PSID"}

var (
	// ErrInvalidCookies indicates the session was rejected by the server or
	// the cookies file is missing the required session cookies. Requires the
	// user to supply fresh cookies; not retried.
	ErrInvalidCookies = errors.New("invalid session cookies")

	// ErrInvalidCookiesFile indicates the cookies file is missing or not
	// parseable as a Netscape cookies export.
	ErrInvalidCookiesFile = errors.New("invalid cookies file")

	// ErrInvalidData indicates the server responded but the payload is not
	// shaped as expected.
	ErrInvalidData = errors.New("invalid data from server")

	// ErrRequestFailed indicates the request failed after exhausting retries.
	ErrRequestFailed = errors.New("server request failed")
)

// Client polls the location-sharing endpoint for one account. It owns the
// HTTP session and cookie jar exclusively; callers serialize access with
// their own lock.
type Client struct {
	accountEmail string
	fileClient   file.FileOperations
	logger       zerolog.Logger

	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	cookies   []*http.Cookie
	fileState map[string]cookieState
	data      []any
}

// NewClient creates a Client for the given account email.
func NewClient(accountEmail string, fileClient file.FileOperations, logger zerolog.Logger) *Client {
	return &Client{
		accountEmail: accountEmail,
		fileClient:   fileClient,
		logger:       logger,
		baseURL:      locationSharingURL,
		limiter:      rate.NewLimiter(rate.Every(time.Second), retriesTotal),
	}
}

// session returns the HTTP client, creating it on first use.
func (c *Client) session() *http.Client {
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: requestTimeout,
			// Cookies are managed by hand so expirations survive for
			// persistence; redirects would leak them to other hosts.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return c.httpClient
}

// Close releases the HTTP session.
func (c *Client) Close() {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
		c.httpClient = nil
	}
}

// LoadCookies replaces the session's cookies with the contents of the
// Netscape cookies file at path.
func (c *Client) LoadCookies(path string) error {
	data, err := c.fileClient.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCookiesFile, err)
	}

	cookies, err := parseNetscapeCookies(data)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCookiesFile, err)
	}

	c.cookies = cookies
	c.dumpCookies()

	if !c.hasValidCookie() {
		return fmt.Errorf("%w: missing any of %s", ErrInvalidCookies,
			strings.Join(validCookieNames, ", "))
	}

	c.fileState = cookieStates(c.cookies)
	return nil
}

// SaveCookies writes the session's current cookies to path.
func (c *Client) SaveCookies(path string) error {
	if err := c.fileClient.WriteFileRaw(path, formatNetscapeCookies(c.cookies)); err != nil {
		return err
	}
	c.fileState = cookieStates(c.cookies)
	return nil
}

// CookiesChanged returns whether the session's cookies differ from what was
// last loaded from or saved to the cookies file.
func (c *Client) CookiesChanged() bool {
	return !cookieStatesEqual(cookieStates(c.cookies), c.fileState)
}

// CookiesExpiration returns the earliest expiration of the required session
// cookies, in UTC. ok is false when none of them carries an expiration.
func (c *Client) CookiesExpiration() (expiration time.Time, ok bool) {
	states := cookieStates(c.cookies)
	for _, name := range validCookieNames {
		state, present := states[name]
		if !present || state.expires == 0 {
			continue
		}
		exp := time.Unix(state.expires, 0).UTC()
		if !ok || exp.Before(expiration) {
			expiration, ok = exp, true
		}
	}
	return expiration, ok
}

// Fetch retrieves and parses a fresh payload from the server. It returns
// ErrInvalidCookies when the server indicates the session is no longer valid,
// ErrRequestFailed for transport failures after retries, and ErrInvalidData
// when the payload cannot be parsed.
func (c *Client) Fetch(ctx context.Context) error {
	body, err := c.get(ctx)
	if err != nil {
		return err
	}

	raw, found := strings.CutPrefix(body, responsePrefix)
	if !found {
		raw = body
	}
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return fmt.Errorf("%w: could not parse response: %s", ErrInvalidData, err)
	}
	seq, ok := data.([]any)
	if !ok {
		return fmt.Errorf("%w: expected an array payload", ErrInvalidData)
	}

	// Element 6 carries a sentinel when the session has been invalidated.
	if len(seq) <= 6 {
		return fmt.Errorf("%w: unexpected parsed data", ErrInvalidData)
	}
	if s, ok := seq[6].(string); ok && s == invalidSessionID {
		c.dumpCookies()
		return fmt.Errorf("%w: invalid session indicated", ErrInvalidCookies)
	}

	c.data = seq
	return nil
}

// People extracts person records from the last fetched payload. Persons with
// unusable positional data are skipped and logged at debug level. When
// includeAccount is set, a record for the polling account itself is appended.
func (c *Client) People(includeAccount bool) ([]Person, error) {
	if len(c.data) < 1 {
		return nil, fmt.Errorf("%w: no shared location data", ErrInvalidData)
	}

	var people []Person
	shared, _ := c.data[0].([]any)
	for _, personData := range shared {
		if person, ok := sharedPersonFromData(personData); ok {
			people = append(people, person)
		} else {
			c.logger.Debug().
				Str("account", c.accountEmail).
				Interface("data", personData).
				Msg("Missing location or other data for person")
		}
	}

	if includeAccount && len(c.data) >= 10 {
		if person, ok := accountPersonFromData(c.data[9], c.accountEmail); ok {
			people = append(people, person)
		} else {
			c.logger.Debug().
				Str("account", c.accountEmail).
				Msg("Missing location or other data for account person")
		}
	}

	return people, nil
}

// get performs the HTTP request with bounded retries and exponential backoff
// on transient statuses, updating session cookies from each response.
func (c *Client) get(ctx context.Context) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= retriesTotal; attempt++ {
		if attempt > 0 {
			delay := retriesBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %s", ErrRequestFailed, ctx.Err())
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %s", ErrRequestFailed, err)
		}

		body, retry, err := c.doRequest(ctx)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry {
			break
		}
		c.logger.Debug().
			Str("account", c.accountEmail).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Retrying location request")
	}

	return "", fmt.Errorf("%w: %s", ErrRequestFailed, lastErr)
}

// doRequest performs a single request attempt. retry reports whether the
// failure is worth another attempt.
func (c *Client) doRequest(ctx context.Context) (body string, retry bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		c.baseURL+"?"+queryParams.Encode(), nil)
	if err != nil {
		return "", false, err
	}
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}

	resp, err := c.session().Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	c.mergeCookies(resp.Cookies())

	if resp.StatusCode != http.StatusOK {
		_, retry = retryStatuses[resp.StatusCode]
		return "", retry, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, err
	}
	return string(data), false, nil
}

// mergeCookies folds cookies set by a response into the session's jar,
// replacing by name.
func (c *Client) mergeCookies(updates []*http.Cookie) {
	for _, update := range updates {
		replaced := false
		for i, cookie := range c.cookies {
			if cookie.Name == update.Name {
				c.cookies[i] = update
				replaced = true
				break
			}
		}
		if !replaced {
			c.cookies = append(c.cookies, update)
		}
	}
}

func (c *Client) hasValidCookie() bool {
	states := cookieStates(c.cookies)
	for _, name := range validCookieNames {
		if _, ok := states[name]; ok {
			return true
		}
	}
	return false
}

// dumpCookies logs cookie names and expirations, earliest first, to help
// diagnose session problems.
func (c *Client) dumpCookies() {
	if c.logger.GetLevel() > zerolog.DebugLevel {
		return
	}

	cookies := make([]*http.Cookie, len(c.cookies))
	copy(cookies, c.cookies)
	sort.Slice(cookies, func(i, j int) bool {
		a, b := cookies[i], cookies[j]
		if !a.Expires.Equal(b.Expires) {
			if a.Expires.IsZero() {
				return false
			}
			if b.Expires.IsZero() {
				return true
			}
			return a.Expires.Before(b.Expires)
		}
		return a.Name < b.Name
	})

	parts := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		exp := "session"
		if !cookie.Expires.IsZero() {
			exp = cookie.Expires.Format(time.RFC3339)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", cookie.Name, exp))
	}
	c.logger.Debug().
		Str("account", c.accountEmail).
		Str("cookies", strings.Join(parts, ", ")).
		Msg("Session cookies")
}
