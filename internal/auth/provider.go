// Package auth supplies the credential and active sector used at connect time.
// Tokens are issued and refreshed elsewhere; this package only reads them.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/matheus3301/sectorsync/internal/config"
)

var (
	ErrNoCredential = errors.New("no credential configured")
	ErrNoSector     = errors.New("no sector selected")
	ErrExpired      = errors.New("credential expired")
)

// Credentials is what a connect or an API call needs.
type Credentials struct {
	Token  string
	Sector string
}

// Provider re-reads the profile on every call so a token rotated on disk or
// in the environment is picked up by the next connect.
type Provider struct {
	profilePath string

	mu     sync.RWMutex
	sector string
}

func NewProvider(profilePath string) *Provider {
	return &Provider{profilePath: profilePath}
}

// SetSector overrides the profile's sector for the rest of the process.
func (p *Provider) SetSector(sector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sector = sector
}

// Sector returns the active sector: the override, else the profile's.
func (p *Provider) Sector() string {
	p.mu.RLock()
	s := p.sector
	p.mu.RUnlock()
	if s != "" {
		return s
	}
	prof, err := config.LoadProfile(p.profilePath)
	if err != nil {
		return ""
	}
	return prof.Server.Sector
}

// Current returns the credentials to use now.
func (p *Provider) Current() (Credentials, error) {
	prof, err := config.LoadProfile(p.profilePath)
	if err != nil {
		return Credentials{}, err
	}
	c := Credentials{Token: prof.Server.Token, Sector: prof.Server.Sector}
	p.mu.RLock()
	if p.sector != "" {
		c.Sector = p.sector
	}
	p.mu.RUnlock()

	if c.Token == "" {
		return c, ErrNoCredential
	}
	if c.Sector == "" {
		return c, ErrNoSector
	}
	if _, err := CheckExpiry(c.Token, time.Now()); err != nil {
		return c, err
	}
	return c, nil
}

// CheckExpiry reads the exp claim of a JWT without verifying its signature;
// the server verifies. Opaque tokens and JWTs without exp report a zero time.
func CheckExpiry(token string, now time.Time) (time.Time, error) {
	claims := jwtlib.MapClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, nil
	}
	if !exp.After(now) {
		return exp.Time, fmt.Errorf("%w at %s", ErrExpired, exp.UTC().Format(time.RFC3339))
	}
	return exp.Time, nil
}
