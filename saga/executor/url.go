package executor

import "net/url"

// hostOf extracts the host portion of a URL, used as the CircuitBreaker
// service identity for HTTP steps (spec §4.5 "Service id = URL host").
func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}
