package repository

import (
	"errors"
	"net/url"
)

// Config configures the upstream XDS.b document repository.
type Config struct {
	// URL is the endpoint of the document repository requests are forwarded to.
	URL string `koanf:"url"`
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("repository.url is not configured")
	}
	if _, err := url.ParseRequestURI(c.URL); err != nil {
		return errors.New("repository.url is not a valid URL")
	}
	return nil
}
