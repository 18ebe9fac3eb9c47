package pnr

import (
	"errors"

	"github.com/SanteonNL/xdsmediator/lib/hl7"
)

// Config configures the enrichment of Provide and Register requests.
type Config struct {
	Patients   PatientConfig `koanf:"patients"`
	Providers  EnrichConfig  `koanf:"providers"`
	Facilities EnrichConfig  `koanf:"facilities"`
}

type PatientConfig struct {
	// AutoRegister registers patients of which the identifier isn't known by the PIX manager, and then retries resolution.
	AutoRegister bool            `koanf:"autoregister"`
	Authority    AuthorityConfig `koanf:"authority"`
}

// EnrichConfig configures the enrichment of the author's healthcare worker or institution identifiers.
type EnrichConfig struct {
	Enrich    bool            `koanf:"enrich"`
	Authority AuthorityConfig `koanf:"authority"`
}

// AuthorityConfig is the assigning authority of the enterprise domain identifiers are resolved to.
type AuthorityConfig struct {
	Name string `koanf:"name"`
	ID   string `koanf:"id"`
}

func (a AuthorityConfig) AssigningAuthority() hl7.AssigningAuthority {
	return hl7.AssigningAuthority{Name: a.Name, ID: a.ID}
}

func DefaultConfig() Config {
	return Config{
		Patients: PatientConfig{
			Authority: AuthorityConfig{Name: "ECID", ID: "ECID"},
		},
		Providers: EnrichConfig{
			Enrich:    true,
			Authority: AuthorityConfig{Name: "EPID", ID: "EPID"},
		},
		Facilities: EnrichConfig{
			Enrich:    true,
			Authority: AuthorityConfig{Name: "ELID", ID: "ELID"},
		},
	}
}

func (c Config) Validate() error {
	if c.Patients.Authority.AssigningAuthority().IsEmpty() {
		return errors.New("pnr.patients.authority is not configured")
	}
	if c.Providers.Enrich && c.Providers.Authority.AssigningAuthority().IsEmpty() {
		return errors.New("pnr.providers.authority is not configured")
	}
	if c.Facilities.Enrich && c.Facilities.Authority.AssigningAuthority().IsEmpty() {
		return errors.New("pnr.facilities.authority is not configured")
	}
	return nil
}
