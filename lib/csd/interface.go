// Package csd resolves healthcare worker and facility identifiers using a Care Services Directory (IHE CSD).
package csd

import (
	"errors"
	"fmt"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/resolve"
)

// ErrInvalidReply is returned when the directory's reply can't be read.
var ErrInvalidReply = errors.New("invalid care services directory reply")

const (
	providerSearch = "urn:ihe:iti:csd:2014:stored-function:provider-search"
	facilitySearch = "urn:ihe:iti:csd:2014:stored-function:facility-search"
)

type Config struct {
	// URL is the endpoint of the directory's care services request handler.
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("csd.url is not configured")
	}
	return nil
}

// storedFunction returns the stored function to invoke and the path of the entity ID in the reply.
func storedFunction(kind resolve.Kind) (string, string, error) {
	switch kind {
	case resolve.HealthcareWorker:
		return providerSearch, "//CSD/providerDirectory/provider", nil
	case resolve.Facility:
		return facilitySearch, "//CSD/facilityDirectory/facility", nil
	default:
		return "", "", fmt.Errorf("care services directory can't resolve %s identifiers", kind)
	}
}

func orchestrationName(kind resolve.Kind) string {
	switch kind {
	case resolve.HealthcareWorker:
		return "CSD Resolve Healthcare Worker Identifier"
	case resolve.Facility:
		return "CSD Resolve Facility Identifier"
	default:
		return "CSD"
	}
}
