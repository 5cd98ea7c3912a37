// Package target describes the computers evidence is collected from and
// parses target lists.
package target

import (
	"errors"
	"strings"
)

// Identity is one target computer and the credentials used against it. An
// empty Password means the transport binary prompts for it.
type Identity struct {
	Address  string
	Username string
	Domain   string
	Password string
}

// Validate checks the invariants every connector relies on.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Address) == "" {
		return errors.New("target address is empty")
	}
	return nil
}

// IsLocal reports whether the identity points at the driver host itself.
func (id Identity) IsLocal() bool {
	switch strings.ToLower(id.Address) {
	case "127.0.0.1", "localhost":
		return true
	}
	return false
}

// HasPassword reports whether a password was supplied.
func (id Identity) HasPassword() bool { return id.Password != "" }

// DomainUser returns domain\user when a domain is set, else the bare user.
func (id Identity) DomainUser() string {
	if id.Domain == "" {
		return id.Username
	}
	return id.Domain + `\` + id.Username
}

// String renders the identity without its password.
func (id Identity) String() string {
	if id.Username == "" {
		return id.Address
	}
	return id.DomainUser() + "@" + id.Address
}

// SplitDomainUser splits "domain\user" on the first backslash. A value
// without a backslash is a bare user name.
func SplitDomainUser(s string) (domain, user string) {
	if d, u, ok := strings.Cut(s, `\`); ok {
		return d, u
	}
	return "", s
}
