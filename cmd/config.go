package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/audit"
	"github.com/SanteonNL/xdsmediator/lib/correlation"
	"github.com/SanteonNL/xdsmediator/lib/csd"
	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/SanteonNL/xdsmediator/lib/pix"
	"github.com/SanteonNL/xdsmediator/messaging"
	"github.com/SanteonNL/xdsmediator/pnr"
	"github.com/SanteonNL/xdsmediator/registry"
	"github.com/SanteonNL/xdsmediator/repository"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

type Config struct {
	// Public holds the configuration for the public interface.
	Public InterfaceConfig `koanf:"public"`
	// PnR holds the configuration for enriching Provide and Register requests.
	PnR        pnr.Config        `koanf:"pnr"`
	Registry   registry.Config   `koanf:"registry"`
	Repository repository.Config `koanf:"repository"`
	PIX        pix.Config        `koanf:"pix"`
	CSD        csd.Config        `koanf:"csd"`
	// ATNA holds the configuration of the audit record repository. Auditing is only logged if it isn't configured.
	ATNA        audit.Config      `koanf:"atna"`
	Correlation CorrelationConfig `koanf:"correlation"`
	Messaging   messaging.Config  `koanf:"messaging"`
	LogLevel    zerolog.Level     `koanf:"loglevel"`
	StrictMode  bool              `koanf:"strictmode"`
	// OpenTelemetry holds the configuration for observability
	OpenTelemetry otel.Config `koanf:"opentelemetry"`
}

// CorrelationConfig configures how long the mediator waits for replies of the PIX manager and care services directory.
type CorrelationConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

func (c Config) Validate() error {
	if c.Public.Address == "" {
		return errors.New("public address is not configured")
	}
	if err := c.PnR.Validate(); err != nil {
		return fmt.Errorf("invalid PnR configuration: %w", err)
	}
	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("invalid registry configuration: %w", err)
	}
	if err := c.Repository.Validate(); err != nil {
		return fmt.Errorf("invalid repository configuration: %w", err)
	}
	if err := c.PIX.Validate(); err != nil {
		return fmt.Errorf("invalid PIX configuration: %w", err)
	}
	if c.PnR.Providers.Enrich || c.PnR.Facilities.Enrich {
		if err := c.CSD.Validate(); err != nil {
			return fmt.Errorf("invalid CSD configuration: %w", err)
		}
	}
	if err := c.ATNA.Validate(); err != nil {
		return fmt.Errorf("invalid ATNA configuration: %w", err)
	}
	if err := c.Messaging.Validate(c.StrictMode); err != nil {
		return fmt.Errorf("invalid messaging configuration: %w", err)
	}
	if err := c.OpenTelemetry.Validate(); err != nil {
		return fmt.Errorf("invalid OpenTelemetry configuration: %w", err)
	}
	return nil
}

// InterfaceConfig holds the configuration for an HTTP interface.
type InterfaceConfig struct {
	// Address holds the address to listen on.
	Address string `koanf:"address"`
}

// LoadConfig loads the configuration from the environment.
func LoadConfig() (*Config, error) {
	result := DefaultConfig()
	err := loadConfigInto(&result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func loadConfigInto(target any) error {
	k := koanf.New(".")
	err := k.Load(env.ProviderWithValue("MEDIATOR_", ".", func(key string, value string) (string, interface{}) {
		key = strings.Replace(strings.ToLower(strings.TrimPrefix(key, "MEDIATOR_")), "_", ".", -1)
		if len(value) == 0 {
			return key, nil
		}
		sliceValues := splitWithEscaping(value, ",", "\\")
		for i, s := range sliceValues {
			sliceValues[i] = strings.TrimSpace(s)
		}
		var parsedValue any = sliceValues
		if len(sliceValues) == 1 {
			parsedValue = sliceValues[0]
		}
		return key, parsedValue
	}), nil)
	if err != nil {
		return err
	}
	return k.Unmarshal("", target)
}

func splitWithEscaping(s, separator, escape string) []string {
	s = strings.ReplaceAll(s, escape+separator, "\x00")
	tokens := strings.Split(s, separator)
	for i, token := range tokens {
		tokens[i] = strings.ReplaceAll(token, "\x00", separator)
	}
	return tokens
}

// DefaultConfig returns sensible, but not complete, default configuration values.
func DefaultConfig() Config {
	return Config{
		LogLevel:   zerolog.InfoLevel,
		StrictMode: true,
		Public: InterfaceConfig{
			Address: ":8080",
		},
		PnR:  pnr.DefaultConfig(),
		PIX:  pix.DefaultConfig(),
		CSD:  csd.DefaultConfig(),
		ATNA: audit.DefaultConfig(),
		Correlation: CorrelationConfig{
			Timeout: correlation.DefaultTimeout,
		},
		OpenTelemetry: otel.DefaultConfig(),
	}
}
