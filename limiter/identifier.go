package limiter

import (
	"fmt"
	"net/netip"
	"strings"
)

// Kind tags what an identifier value is.
type Kind string

var validKinds = map[Kind]bool{
	KindEmail:  true,
	KindIP:     true,
	KindUserID: true,
}

// Identifier is the subject being throttled. The kind is part of the store
// key so values of different kinds never share a counter.
type Identifier struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// Email builds an email identifier.
func Email(v string) Identifier { return Identifier{Kind: KindEmail, Value: v} }

// IP builds an IP address identifier.
func IP(v string) Identifier { return Identifier{Kind: KindIP, Value: v} }

// UserID builds a user ID identifier.
func UserID(v string) Identifier { return Identifier{Kind: KindUserID, Value: v} }

// Normalize validates the identifier and returns its canonical form.
func (id Identifier) Normalize() (Identifier, error) {
	if !validKinds[id.Kind] {
		return Identifier{}, fmt.Errorf("%w: unknown kind '%s'", ErrInvalidIdentifier, id.Kind)
	}
	v := strings.TrimSpace(id.Value)
	if v == "" {
		return Identifier{}, fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, id.Kind)
	}

	switch id.Kind {
	case KindEmail:
		v = strings.ToLower(v)
		if !strings.Contains(v, "@") {
			return Identifier{}, fmt.Errorf("%w: malformed email '%s'", ErrInvalidIdentifier, v)
		}
	case KindIP:
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return Identifier{}, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		v = addr.Unmap().String()
	}
	return Identifier{Kind: id.Kind, Value: v}, nil
}

// String renders the identifier as kind:value.
func (id Identifier) String() string {
	return string(id.Kind) + ":" + id.Value
}

// ParseIdentifier parses the kind:value form produced by String.
func ParseIdentifier(s string) (Identifier, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok {
		return Identifier{}, fmt.Errorf("%w: expected kind:value, got '%s'", ErrInvalidIdentifier, s)
	}
	return Identifier{Kind: Kind(kind), Value: value}.Normalize()
}

// recordKey builds the store key for an identifier and operation type.
// Format: throttle:<type>:<kind>:<value>
func recordKey(typ OperationType, id Identifier) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, typ, id.Kind, id.Value)
}
