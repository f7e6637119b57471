// ABOUTME: Fully-qualified tool name codec for the plugin registry.
// ABOUTME: Formats and parses user_<id>_<base>_v<ver> / group_<id>_<base>_v<ver> names.

package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/2389/nova-gateway/internal/tenant"
)

// ErrMalformedName is returned when a tool name does not follow the
// fully-qualified grammar.
var ErrMalformedName = errors.New("malformed tool name")

// MaxBaseNameLength bounds the owner-chosen portion of a tool name.
const MaxBaseNameLength = 64

var baseNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// FQN is a parsed fully-qualified tool name. It pins an owner context, a
// base name, and one concrete version.
type FQN struct {
	Owner    tenant.Context
	BaseName string
	Version  int
}

// String renders the name in wire form, e.g. "user_555_lookup_v2".
func (f FQN) String() string {
	return fmt.Sprintf("%s_%d_%s_v%d", f.Owner.Type, f.Owner.ID, f.BaseName, f.Version)
}

// ValidateBaseName checks an owner-supplied base name against the grammar:
// lowercase ASCII letters, digits and underscores, starting with a letter.
func ValidateBaseName(name string) error {
	if name == "" || len(name) > MaxBaseNameLength {
		return fmt.Errorf("%w: base name must be 1-%d characters", ErrMalformedName, MaxBaseNameLength)
	}
	if !baseNameRe.MatchString(name) {
		return fmt.Errorf("%w: base name %q must match %s", ErrMalformedName, name, baseNameRe.String())
	}
	return nil
}

// ParseFQN parses a wire-form tool name. The grammar is
// <type>_<id>_<base>_v<version> where type is "user" or "group", id is the
// context id (negative for groups), and version is a positive integer. The
// base name may itself contain underscores, so the version is taken from the
// last "_v<digits>" suffix.
func ParseFQN(name string) (FQN, error) {
	var fqn FQN

	var rest string
	switch {
	case strings.HasPrefix(name, string(tenant.ContextTypeUser)+"_"):
		fqn.Owner.Type = tenant.ContextTypeUser
		rest = name[len(tenant.ContextTypeUser)+1:]
	case strings.HasPrefix(name, string(tenant.ContextTypeGroup)+"_"):
		fqn.Owner.Type = tenant.ContextTypeGroup
		rest = name[len(tenant.ContextTypeGroup)+1:]
	default:
		return FQN{}, fmt.Errorf("%w: %q has no context type prefix", ErrMalformedName, name)
	}

	idStr, rest, ok := strings.Cut(rest, "_")
	if !ok {
		return FQN{}, fmt.Errorf("%w: %q is missing a base name", ErrMalformedName, name)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return FQN{}, fmt.Errorf("%w: %q has a non-numeric context id", ErrMalformedName, name)
	}
	fqn.Owner.ID = id
	if _, err := tenant.Parse(string(fqn.Owner.Type), idStr); err != nil {
		return FQN{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, name, err)
	}

	// The version suffix is the last "_v<digits>"; everything before it is
	// the base name, which may contain underscores.
	idx := strings.LastIndex(rest, "_v")
	if idx < 0 {
		return FQN{}, fmt.Errorf("%w: %q has no version suffix", ErrMalformedName, name)
	}
	base, verStr := rest[:idx], rest[idx+2:]
	version, err := strconv.Atoi(verStr)
	if err != nil || version < 1 || verStr != strconv.Itoa(version) {
		return FQN{}, fmt.Errorf("%w: %q has an invalid version suffix", ErrMalformedName, name)
	}
	if err := ValidateBaseName(base); err != nil {
		return FQN{}, err
	}

	fqn.BaseName = base
	fqn.Version = version
	return fqn, nil
}
