package util

import (
	"net/url"
)

// RedactEndpoint strips credentials and query strings from an upstream URL
// so API keys never leak into logs or metric labels.
func RedactEndpoint(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "<invalid-endpoint>"
	}
	redacted := parsed.Scheme + "://" + parsed.Host
	if parsed.Path != "" && parsed.Path != "/" {
		// Many providers put the API key in the path; keep only its shape.
		redacted += "/..."
	}
	return redacted
}
