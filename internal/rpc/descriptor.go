package rpc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// maxTokenLength keeps socket paths under the unix socket path limit.
const maxTokenLength = 64

// Descriptor is what a worker publishes once its endpoint accepts
// connections.
type Descriptor struct {
	Token   string    `yaml:"token"`
	Socket  string    `yaml:"socket"`
	Path    string    `yaml:"path"`
	PID     int       `yaml:"pid"`
	Started time.Time `yaml:"started"`
}

// ValidateToken checks that token can name a socket file and a URL path
// segment.
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}
	if len(token) > maxTokenLength {
		return fmt.Errorf("%w: token longer than %d characters", ErrInvalidToken, maxTokenLength)
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidToken, r)
		}
	}
	if token == "." || token == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return nil
}

// EndpointPath returns the HTTP path of the control channel for token.
func EndpointPath(token string) string {
	return "/CellScannerService/" + token + "/"
}

// SocketPath returns the unix socket a worker with token listens on.
func SocketPath(dir, token string) string {
	return filepath.Join(dir, "cellscanner-"+token+".sock")
}

// DescriptorPath returns where a worker with token publishes its
// Descriptor.
func DescriptorPath(dir, token string) string {
	return filepath.Join(dir, "cellscanner-"+token+".ready")
}

// WriteDescriptor atomically writes d to path. Readers never observe a
// partially written file.
func WriteDescriptor(path string, d Descriptor) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing descriptor %s: %w", path, err)
	}
	return nil
}

// ReadDescriptor reads a descriptor written by WriteDescriptor.
func ReadDescriptor(path string) (Descriptor, error) {
	var d Descriptor
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the runtime dir and token
	if err != nil {
		return d, err
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	return d, nil
}
