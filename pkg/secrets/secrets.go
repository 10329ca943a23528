// Package secrets turns a provider connection whose secret fields are references into one whose
// secret fields hold plaintext. The mechanics of resolution are pluggable.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/delegate-collector/pkg/errors"
)

// Connection is the provider connection config of a job.
type Connection struct {
	URL      string            `yaml:"url" mapstructure:"url"`
	Username string            `yaml:"username" mapstructure:"username"`
	Region   string            `yaml:"region" mapstructure:"region"`
	Settings map[string]string `yaml:"settings" mapstructure:"settings"`
	// Secrets is populated by a Decrypter and never loaded from job files.
	Secrets map[string]string `yaml:"-" mapstructure:"-"`
}

// Secret returns a decrypted field, or "" if absent.
func (c Connection) Secret(name string) string {
	return c.Secrets[name]
}

// Setting returns a plain provider setting, or def if absent.
func (c Connection) Setting(name, def string) string {
	if v, ok := c.Settings[name]; ok && v != "" {
		return v
	}
	return def
}

// EncryptedField names a secret field of the connection and the reference it is stored under.
type EncryptedField struct {
	Field string `yaml:"field" mapstructure:"field" validate:"required"`
	Ref   string `yaml:"ref" mapstructure:"ref" validate:"required"`
}

// Decrypter resolves encrypted fields. Failure is fatal to the job.
type Decrypter interface {
	Decrypt(ctx context.Context, conn Connection, fields []EncryptedField) (Connection, error)
}

func withSecrets(conn Connection, plain map[string]string) Connection {
	out := conn
	out.Secrets = make(map[string]string, len(conn.Secrets)+len(plain))
	for k, v := range conn.Secrets {
		out.Secrets[k] = v
	}
	for k, v := range plain {
		out.Secrets[k] = v
	}
	return out
}

// RefDecrypter resolves references of the form env:NAME, file:/path or plain:value.
type RefDecrypter struct {
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
}

func NewRefDecrypter() *RefDecrypter {
	return &RefDecrypter{lookupEnv: os.LookupEnv, readFile: os.ReadFile}
}

func (d *RefDecrypter) Decrypt(ctx context.Context, conn Connection, fields []EncryptedField) (Connection, error) {
	plain := make(map[string]string, len(fields))
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return Connection{}, err
		}
		v, err := d.resolve(f.Ref)
		if err != nil {
			return Connection{}, errors.Wrap(err, errors.CodeConfig, "decrypt field %s", f.Field)
		}
		plain[f.Field] = v
	}
	return withSecrets(conn, plain), nil
}

func (d *RefDecrypter) resolve(ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", fmt.Errorf("reference %q has no scheme", ref)
	}
	switch scheme {
	case "env":
		v, ok := d.lookupEnv(rest)
		if !ok {
			return "", fmt.Errorf("environment variable %s not set", rest)
		}
		return v, nil
	case "file":
		b, err := d.readFile(rest)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	case "plain":
		return rest, nil
	default:
		return "", fmt.Errorf("unsupported reference scheme %q", scheme)
	}
}

// StaticDecrypter resolves references from a fixed map.
type StaticDecrypter map[string]string

func (s StaticDecrypter) Decrypt(_ context.Context, conn Connection, fields []EncryptedField) (Connection, error) {
	plain := make(map[string]string, len(fields))
	var missing []string
	for _, f := range fields {
		v, ok := s[f.Ref]
		if !ok {
			missing = append(missing, f.Field)
			continue
		}
		plain[f.Field] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Connection{}, errors.New(errors.CodeConfig, "cannot decrypt fields %s", strings.Join(missing, ","))
	}
	return withSecrets(conn, plain), nil
}
