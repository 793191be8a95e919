package signin

import (
	"net/url"
	"strings"
)

// SafeReturnURL keeps only same-origin relative paths. Anything that could
// send the browser to another host after sign-in becomes "/".
func SafeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return "/"
	}
	// "//host" and "/\host" are treated as absolute by browsers.
	if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	if strings.ContainsAny(raw, "\r\n\t") {
		return "/"
	}
	return u.String()
}
