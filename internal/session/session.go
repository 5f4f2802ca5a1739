// Package session holds who is acting on a request: the signed-in user, the
// role they chose and their country. A Session is built explicitly (by the
// HTTP middleware from request headers) and passed by context.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
)

type Role string

const (
	RoleHost  Role = "HOST"
	RoleRider Role = "RIDER"
)

func (r Role) Valid() bool { return r == RoleHost || r == RoleRider }

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

type Country struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

type Profile struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

var ErrUnknownProvider = errors.New("session: unknown sign-in provider")

const defaultCurrency = "€"

var currencies = map[string]string{
	"US": "$",
	"GB": "£",
	"IE": "€",
	"AU": "$",
	"IN": "₹",
	"CA": "$",
	"NZ": "$",
	"DE": "€",
	"FR": "€",
	"ES": "€",
	"IT": "€",
	"NL": "€",
}

// CurrencyFor maps an ISO country code to the symbol prices are shown in.
func CurrencyFor(countryCode string) string {
	if c, ok := currencies[strings.ToUpper(strings.TrimSpace(countryCode))]; ok {
		return c
	}
	return defaultCurrency
}

// Session is safe for concurrent use.
type Session struct {
	mu      sync.RWMutex
	user    *User
	role    Role
	country Country
	profile Profile
}

func New(user *User, role Role, country Country) *Session {
	return &Session{user: user, role: role, country: country}
}

func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// UserID is empty when signed out.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) SetRole(r Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

func (s *Session) Country() Country {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.country
}

func (s *Session) SetCountry(c Country) {
	s.mu.Lock()
	s.country = c
	s.mu.Unlock()
}

func (s *Session) Profile() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *Session) SetProfile(p Profile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
}

// Currency is the symbol for the session's country.
func (s *Session) Currency() string { return CurrencyFor(s.Country().Code) }

// SignInWithProvider stands in for a federated sign-in: it produces a stable
// mock identity per provider.
func (s *Session) SignInWithProvider(provider string) (*User, error) {
	var u User
	switch strings.ToLower(provider) {
	case "google":
		u = User{ID: "google-user", DisplayName: "Google User", Email: "user@gmail.com", Provider: "google"}
	case "apple":
		u = User{ID: "apple-user", DisplayName: "Apple User", Email: "user@icloud.com", Provider: "apple"}
	default:
		return nil, ErrUnknownProvider
	}
	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
	return &u, nil
}

func (s *Session) SignOut() {
	s.mu.Lock()
	s.user = nil
	s.role = ""
	s.profile = Profile{}
	s.mu.Unlock()
}

type ctxKey struct{}

func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the request's session, or an empty signed-out one.
func FromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(ctxKey{}).(*Session); ok && s != nil {
		return s
	}
	return &Session{}
}
