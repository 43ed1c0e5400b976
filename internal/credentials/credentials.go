// Package credentials resolves per-user secrets for outbound collaborator
// calls.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// ErrNotFound indicates no credentials are stored for the requested
// user, service and environment.
var ErrNotFound = errors.New("credentials not found")

// DefaultUser is consulted when a user has no credentials of their own.
const DefaultUser = "default"

// Credentials authenticates calls to one external service.
type Credentials struct {
	UserID       string
	Service      string
	Environment  string
	Token        string
	ClientID     string
	ClientSecret string
}

// String never prints secrets in full.
func (c Credentials) String() string {
	return fmt.Sprintf("%s/%s/%s token=%s", c.UserID, c.Service, c.Environment, Mask(c.Token))
}

// Store looks up credentials.
type Store interface {
	Get(ctx context.Context, userID, service, env string) (Credentials, error)
}

type key struct {
	user, service, env string
}

// StaticStore is an in-memory Store, usually loaded from configuration.
type StaticStore struct {
	mu    sync.RWMutex
	creds map[key]Credentials
}

func NewStaticStore() *StaticStore {
	return &StaticStore{creds: make(map[key]Credentials)}
}

// Put stores or replaces c.
func (s *StaticStore) Put(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key{c.UserID, c.Service, c.Environment}] = c
}

// Get returns the user's credentials, falling back to DefaultUser.
func (s *StaticStore) Get(_ context.Context, userID, service, env string) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.creds[key{userID, service, env}]; ok {
		return c, nil
	}
	if c, ok := s.creds[key{DefaultUser, service, env}]; ok {
		return c, nil
	}
	return Credentials{}, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, userID, service, env)
}

// FromViper loads credentials.accounts.<user>.<service>.<env>.{token,client_id,client_secret}.
func FromViper(v *viper.Viper) *StaticStore {
	s := NewStaticStore()
	const root = "credentials.accounts"
	for user := range v.GetStringMap(root) {
		for service := range v.GetStringMap(root + "." + user) {
			for env := range v.GetStringMap(root + "." + user + "." + service) {
				prefix := strings.Join([]string{root, user, service, env}, ".")
				s.Put(Credentials{
					UserID:       user,
					Service:      service,
					Environment:  env,
					Token:        v.GetString(prefix + ".token"),
					ClientID:     v.GetString(prefix + ".client_id"),
					ClientSecret: v.GetString(prefix + ".client_secret"),
				})
			}
		}
	}
	return s
}

// Mask keeps at most the first four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}

type userKey struct{}

// WithUser scopes credential lookups made with ctx to userID.
func WithUser(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user set by WithUser, or fallback.
func UserFrom(ctx context.Context, fallback string) string {
	if u, ok := ctx.Value(userKey{}).(string); ok {
		return u
	}
	return fallback
}
