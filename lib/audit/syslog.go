package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

const (
	// syslogPriority is facility authpriv (10) at severity notice (5).
	syslogPriority = 10*8 + 5
	syslogAppName  = "xds-mediator"
	syslogMsgID    = "IHE+RFC-3881"
)

// Config holds the configuration of the ATNA audit record repository.
type Config struct {
	Host    string `koanf:"host"`
	TCPPort int    `koanf:"tcpport"`
	UDPPort int    `koanf:"udpport"`
	UseTCP  bool   `koanf:"usetcp"`
	// Secure enables TLS for TCP connections.
	Secure  bool          `koanf:"secure"`
	Timeout time.Duration `koanf:"timeout"`
	// FailureThreshold is the number of consecutive delivery failures after which events are dropped for Cooldown.
	FailureThreshold int           `koanf:"failurethreshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

func DefaultConfig() Config {
	return Config{
		TCPPort:          5052,
		UDPPort:          5050,
		UseTCP:           true,
		Timeout:          5 * time.Second,
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	}
}

func (c Config) Enabled() bool {
	return c.Host != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.UseTCP && c.TCPPort <= 0 {
		return fmt.Errorf("audit repository TCP port is invalid: %d", c.TCPPort)
	}
	if !c.UseTCP && c.UDPPort <= 0 {
		return fmt.Errorf("audit repository UDP port is invalid: %d", c.UDPPort)
	}
	if !c.UseTCP && c.Secure {
		return fmt.Errorf("audit repository TLS requires TCP")
	}
	return nil
}

// SyslogSender delivers audit messages to an audit record repository using syslog (RFC 5424),
// octet-counted over TCP or TLS (RFC 5425) or as a single datagram over UDP (RFC 5426).
type SyslogSender struct {
	network   string
	address   string
	tlsConfig *tls.Config
	timeout   time.Duration
	hostname  string
	processID string
}

func NewSyslogSender(config Config, tlsConfig *tls.Config) *SyslogSender {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}
	result := &SyslogSender{
		network:   "udp",
		address:   net.JoinHostPort(config.Host, strconv.Itoa(config.UDPPort)),
		timeout:   config.Timeout,
		hostname:  hostname,
		processID: strconv.Itoa(os.Getpid()),
	}
	if config.UseTCP {
		result.network = "tcp"
		result.address = net.JoinHostPort(config.Host, strconv.Itoa(config.TCPPort))
		if config.Secure {
			if tlsConfig == nil {
				tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
			result.tlsConfig = tlsConfig
		}
	}
	return result
}

// Send writes the message to the repository, opening a new connection for every message.
func (s *SyslogSender) Send(ctx context.Context, message string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to audit repository (%s): %w", s.address, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(s.frame(message)); err != nil {
		return fmt.Errorf("write to audit repository (%s): %w", s.address, err)
	}
	return nil
}

func (s *SyslogSender) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	if s.tlsConfig != nil {
		return (&tls.Dialer{NetDialer: dialer, Config: s.tlsConfig}).DialContext(ctx, s.network, s.address)
	}
	return dialer.DialContext(ctx, s.network, s.address)
}

func (s *SyslogSender) frame(message string) []byte {
	payload := s.header() + message
	if s.network == "udp" {
		return []byte(payload)
	}
	return []byte(strconv.Itoa(len(payload)) + " " + payload)
}

func (s *SyslogSender) header() string {
	return fmt.Sprintf("<%d>1 %s %s %s %s %s - ", syslogPriority, nowFunc().UTC().Format(time.RFC3339Nano), s.hostname, syslogAppName, s.processID, syslogMsgID)
}
