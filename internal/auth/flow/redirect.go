package flow

import (
	"net/url"
	"strings"
)

// appendQuery merges params into rawURL additively: query parameters
// already present on the URL survive, params override on key collision.
func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		// La return_url vino de un estado firmado por nosotros; si aun
		// así no parsea, devolverla intacta es lo menos sorprendente.
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func successURL(returnURL string) string {
	return appendQuery(returnURL, url.Values{"success": {"1"}})
}

func failureURL(returnURL string, code Code) string {
	return appendQuery(returnURL, url.Values{
		"success":    {"0"},
		"error_code": {string(code)},
		"error":      {code.Text()},
	})
}

func termsURL(frontendURL, encodedState string) string {
	base := strings.TrimRight(frontendURL, "/") + "/terms"
	return appendQuery(base, url.Values{"state": {encodedState}})
}
