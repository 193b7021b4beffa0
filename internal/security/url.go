package security

import (
	"fmt"
	"net/url"
)

// ValidateServiceURL checks that raw is an absolute URL with one of the
// allowed schemes and a host. Userinfo is refused so credentials never
// end up in logs.
func ValidateServiceURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == "" || u.Hostname() == "" {
		return fmt.Errorf("URL has no host: %s", raw)
	}
	if u.User != nil {
		return fmt.Errorf("URL must not carry credentials")
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
}
