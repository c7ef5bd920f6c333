// ABOUTME: Closed set of agent identities and message roles
// ABOUTME: Unknown agent types are rejected at parse and registration time

package agent

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArgument is the root of caller mistakes detected by this package.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrUnknownType is returned for agent identities outside the fixed set.
var ErrUnknownType = fmt.Errorf("%w: unknown agent type", ErrInvalidArgument)

// Type identifies one of the three agents. The set is closed.
type Type string

const (
	Supervisor Type = "supervisor"
	Research   Type = "research"
	Writer     Type = "writer"
)

// Types returns every agent type in a stable order.
func Types() []Type {
	return []Type{Supervisor, Research, Writer}
}

// ParseType converts user input into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known agent types.
func (t Type) Valid() bool {
	switch t {
	case Supervisor, Research, Writer:
		return true
	}
	return false
}

// IsSpecialist reports whether t can receive delegated work.
func (t Type) IsSpecialist() bool {
	return t == Research || t == Writer
}

// DisplayName is the author name recorded on assistant messages.
func (t Type) DisplayName() string {
	switch t {
	case Supervisor:
		return "Supervisor Agent"
	case Research:
		return "Research Agent"
	case Writer:
		return "Writer Agent"
	}
	return string(t)
}

func (t Type) String() string { return string(t) }

// Role is the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
