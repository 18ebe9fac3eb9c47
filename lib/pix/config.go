package pix

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Config holds the configuration of the PIX manager (patient identifier cross-reference manager).
type Config struct {
	Manager ManagerConfig `koanf:"manager"`
	// Secure connects to the secure port using TLS.
	Secure               bool          `koanf:"secure"`
	SendingApplication   string        `koanf:"sendingapplication"`
	SendingFacility      string        `koanf:"sendingfacility"`
	ReceivingApplication string        `koanf:"receivingapplication"`
	ReceivingFacility    string        `koanf:"receivingfacility"`
	Timeout              time.Duration `koanf:"timeout"`
}

type ManagerConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	SecurePort int    `koanf:"secureport"`
}

func DefaultConfig() Config {
	return Config{
		Manager: ManagerConfig{
			Port:       3600,
			SecurePort: 3601,
		},
		SendingApplication:   "openhim",
		SendingFacility:      "openhim-mediator-ohie-xds",
		ReceivingApplication: "pix",
		ReceivingFacility:    "pix",
		Timeout:              30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Manager.Host == "" {
		return errors.New("pix.manager.host is not configured")
	}
	if c.Secure && c.Manager.SecurePort <= 0 {
		return errors.New("pix.manager.secureport must be set when pix.secure is enabled")
	}
	if !c.Secure && c.Manager.Port <= 0 {
		return errors.New("pix.manager.port is not configured")
	}
	return nil
}

// Address returns host:port of the PIX manager, taking Secure into account.
func (c Config) Address() string {
	port := c.Manager.Port
	if c.Secure {
		port = c.Manager.SecurePort
	}
	return net.JoinHostPort(c.Manager.Host, strconv.Itoa(port))
}
