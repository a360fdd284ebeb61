package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var validate = validator.New()

// Config holds the SSH connection settings shared by every remote resource.
// Per-resource properties override User and Port; everything else is fixed
// for the adapter instance.
type Config struct {
	// User is the default SSH username.
	User string `validate:"required"`

	// Port is the default SSH port.
	Port int `validate:"min=1,max=65535"`

	// PrivateKeyPath selects key authentication when set.
	PrivateKeyPath string

	// PrivateKeyPassphrase unlocks an encrypted private key.
	PrivateKeyPassphrase string

	// Password selects password authentication when no key is set.
	Password string

	// KnownHostsPath is the known_hosts file used for host key checks.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from known_hosts. When
	// false any host key is accepted, which is only acceptable in
	// development.
	StrictHostKeyChecking bool

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `validate:"min=0"`
}

// DefaultConfig returns a config with the usual key locations and strict
// host key checking.
func DefaultConfig(user string) *Config {
	home := os.Getenv("HOME")
	return &Config{
		User:                  user,
		Port:                  22,
		KnownHostsPath:        filepath.Join(home, ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		DialTimeout:           15 * time.Second,
	}
}

// Validate checks the config, filling in a default private key when neither
// auth method is set explicitly.
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid remote adapter config: %w", err)
	}

	if c.PrivateKeyPath == "" && c.Password == "" {
		home := os.Getenv("HOME")
		for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			candidate := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(candidate); err == nil {
				c.PrivateKeyPath = candidate
				break
			}
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("remote adapter needs a private key or password and no default key was found")
		}
	}
	if c.PrivateKeyPath != "" {
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key %s: %w", c.PrivateKeyPath, err)
		}
	}
	if c.StrictHostKeyChecking {
		if _, err := os.Stat(c.KnownHostsPath); err != nil {
			return fmt.Errorf("known_hosts %s: %w", c.KnownHostsPath, err)
		}
	}
	return nil
}

// clientConfig builds the ssh.ClientConfig for one target user.
func (c *Config) clientConfig(user string) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else {
		methods = append(methods, ssh.Password(c.Password))
		// Many sshd installations present password prompts through
		// keyboard-interactive instead.
		password := c.Password
		methods = append(methods, ssh.KeyboardInteractive(
			func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			},
		))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.DialTimeout,
	}, nil
}
