package registry

import (
	"errors"
	"net/url"
)

// Config configures the upstream XDS.b document registry.
type Config struct {
	// URL is the endpoint of the document registry stored queries are forwarded to.
	URL string `koanf:"url"`
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("registry.url is not configured")
	}
	if _, err := url.ParseRequestURI(c.URL); err != nil {
		return errors.New("registry.url is not a valid URL")
	}
	return nil
}
