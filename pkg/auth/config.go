package auth

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ServiceConfig locates an identity service and bounds calls to it. Timeout
// applies to each attempt and is also the backoff unit between attempts.
type ServiceConfig struct {
	Host    string        `yaml:"host" json:"host"`
	Port    int           `yaml:"port" json:"port"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	NoDelay bool          `yaml:"nodelay" json:"nodelay"`
	Retries int           `yaml:"retries" json:"retries"`
}

// DefaultBlackboxConfig returns the default Blackbox settings.
func DefaultBlackboxConfig() ServiceConfig {
	return ServiceConfig{
		Host:    "blackbox.yandex-team.ru",
		Port:    80,
		Timeout: 15 * time.Second,
		NoDelay: true,
		Retries: 10,
	}
}

// DefaultOAuthConfig returns the default OAuth server settings.
func DefaultOAuthConfig() ServiceConfig {
	return ServiceConfig{
		Host:    "oauth.yandex-team.ru",
		Port:    80,
		Timeout: 15 * time.Second,
		NoDelay: true,
		Retries: 10,
	}
}

// Validate checks the service settings.
func (c ServiceConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.Retries <= 0 {
		return fmt.Errorf("retries must be positive")
	}
	return nil
}

// Address returns host:port.
func (c ServiceConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
