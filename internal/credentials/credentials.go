// Package credentials supplies broker login material for each owner.
package credentials

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"gopkg.in/yaml.v3"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

// Provider returns fresh credentials for an owner. Each call generates a new
// one-time code so a retried login never reuses an expired one.
type Provider interface {
	Credentials(ctx context.Context, owner string) (models.Credentials, error)
	Owners() []string
}

// User is one entry of the users file.
type User struct {
	Broker     models.BrokerKind `yaml:"broker"`
	UserID     string            `yaml:"user_id"`
	Password   string            `yaml:"password"`
	TOTPSecret string            `yaml:"totp_secret"`
}

type usersFile struct {
	Users map[string]User `yaml:"users"`
}

// FileProvider reads owners from a YAML users file and derives TOTP codes
// from their stored secrets.
type FileProvider struct {
	mu    sync.RWMutex
	path  string
	users map[string]User
	now   func() time.Time
}

// NewFileProvider loads the users file at path.
func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{path: path, now: time.Now}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the users file.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("reading users file: %w", err)
	}

	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing users file %s: %w", p.path, err)
	}
	for owner, u := range f.Users {
		if err := u.validate(); err != nil {
			return apperrors.Wrapf(err, "user %s", owner)
		}
	}

	p.mu.Lock()
	p.users = f.Users
	p.mu.Unlock()
	return nil
}

// Credentials returns the owner's login with a freshly generated TOTP code.
func (p *FileProvider) Credentials(ctx context.Context, owner string) (models.Credentials, error) {
	p.mu.RLock()
	u, ok := p.users[owner]
	p.mu.RUnlock()
	if !ok {
		return models.Credentials{}, apperrors.Wrapf(apperrors.ErrAuthentication, "no credentials for owner %s", owner)
	}

	creds := models.Credentials{
		Username:   u.UserID,
		Secret:     u.Password,
		BrokerKind: u.Broker,
	}
	if u.TOTPSecret != "" {
		code, err := totp.GenerateCode(normalizeSecret(u.TOTPSecret), p.now())
		if err != nil {
			return models.Credentials{}, apperrors.Wrapf(apperrors.ErrAuthentication, "generating one-time code for %s: %v", owner, err)
		}
		creds.OneTimeCode = code
	}
	return creds, nil
}

// Owners returns the configured owners in sorted order.
func (p *FileProvider) Owners() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	owners := make([]string, 0, len(p.users))
	for owner := range p.users {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// BrokerFor returns the broker configured for owner.
func (p *FileProvider) BrokerFor(owner string) (models.BrokerKind, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[owner]
	return u.Broker, ok
}

func (u User) validate() error {
	switch u.Broker {
	case models.BrokerZerodha, models.BrokerAngelOne, models.BrokerPaper:
	default:
		return apperrors.NewValidationError("broker", u.Broker, "must be zerodha, angelone or paper")
	}
	if u.Broker != models.BrokerPaper && u.UserID == "" {
		return apperrors.NewValidationError("user_id", u.UserID, "required")
	}
	return nil
}

// normalizeSecret strips the spacing authenticator apps show around base32 secrets.
func normalizeSecret(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
}

// Static is a fixed Provider, used for paper trading and tests.
type Static map[string]models.Credentials

// Credentials returns the stored credentials for owner.
func (s Static) Credentials(ctx context.Context, owner string) (models.Credentials, error) {
	c, ok := s[owner]
	if !ok {
		return models.Credentials{}, apperrors.Wrapf(apperrors.ErrAuthentication, "no credentials for owner %s", owner)
	}
	return c, nil
}

// Owners returns the owners in sorted order.
func (s Static) Owners() []string {
	owners := make([]string, 0, len(s))
	for owner := range s {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// WithBroker routes every owner of p to kind, keeping the rest of their
// credentials. Paper mode uses it to send all owners to the simulator.
func WithBroker(p Provider, kind models.BrokerKind) Provider {
	return brokerOverride{Provider: p, kind: kind}
}

type brokerOverride struct {
	Provider
	kind models.BrokerKind
}

func (b brokerOverride) Credentials(ctx context.Context, owner string) (models.Credentials, error) {
	c, err := b.Provider.Credentials(ctx, owner)
	if err != nil {
		return c, err
	}
	c.BrokerKind = b.kind
	if c.Username == "" {
		c.Username = owner
	}
	return c, nil
}
