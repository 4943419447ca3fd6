package gmls

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// cookieState is the part of a cookie compared to detect changes between the
// session and the cookies file.
type cookieState struct {
	expires int64
	value   string
}

// parseNetscapeCookies parses a cookies.txt export in Netscape format. Lines
// starting with "#" are comments, except the "#HttpOnly_" domain prefix which
// marks HTTP-only cookies.
func parseNetscapeCookies(data string) ([]*http.Cookie, error) {
	var cookies []*http.Cookie

	for n, line := range strings.Split(data, "\n") {
		line = strings.TrimRight(line, "\r")
		httpOnly := false
		if rest, ok := strings.CutPrefix(line, "#HttpOnly_"); ok {
			line = rest
			httpOnly = true
		} else if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("line %d: expected 7 fields, got %d", n+1, len(fields))
		}

		expires, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad expiration %q", n+1, fields[4])
		}

		cookie := &http.Cookie{
			Domain:   fields[0],
			Path:     fields[2],
			Secure:   fields[3] == "TRUE",
			Name:     fields[5],
			Value:    fields[6],
			HttpOnly: httpOnly,
		}
		if expires > 0 {
			cookie.Expires = time.Unix(expires, 0)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

// formatNetscapeCookies renders cookies back to Netscape format so the saved
// file stays loadable by this agent and by browser extensions.
func formatNetscapeCookies(cookies []*http.Cookie) []byte {
	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")

	for _, cookie := range cookies {
		domain := cookie.Domain
		if cookie.HttpOnly {
			domain = "#HttpOnly_" + domain
		}
		includeSubdomains := "FALSE"
		if strings.HasPrefix(cookie.Domain, ".") {
			includeSubdomains = "TRUE"
		}
		secure := "FALSE"
		if cookie.Secure {
			secure = "TRUE"
		}
		var expires int64
		if !cookie.Expires.IsZero() {
			expires = cookie.Expires.Unix()
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			domain, includeSubdomains, cookie.Path, secure, expires, cookie.Name, cookie.Value)
	}
	return []byte(b.String())
}

// cookieStates snapshots name to (expiration, value) for change detection.
func cookieStates(cookies []*http.Cookie) map[string]cookieState {
	states := make(map[string]cookieState, len(cookies))
	for _, cookie := range cookies {
		var expires int64
		if !cookie.Expires.IsZero() {
			expires = cookie.Expires.Unix()
		}
		states[cookie.Name] = cookieState{expires: expires, value: cookie.Value}
	}
	return states
}

func cookieStatesEqual(a, b map[string]cookieState) bool {
	if len(a) != len(b) {
		return false
	}
	for name, state := range a {
		if b[name] != state {
			return false
		}
	}
	return true
}
