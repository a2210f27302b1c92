package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Operator struct {
	ID   string
	Role string

	keyHash [sha256.Size]byte
}

// Directory is the static set of operators allowed to use the API.
type Directory struct {
	ops map[string]Operator
}

// ParseOperators reads "id:key:role" entries separated by commas. validRole, when set,
// rejects unknown roles.
func ParseOperators(raw string, validRole func(string) bool) (*Directory, error) {
	d := &Directory{ops: map[string]Operator{}}
	var errs []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			errs = append(errs, fmt.Sprintf("malformed operator entry %q", redact(entry)))
			continue
		}
		id, key, role := parts[0], parts[1], strings.ToLower(parts[2])
		if validRole != nil && !validRole(role) {
			errs = append(errs, fmt.Sprintf("operator %s has unknown role %q", id, role))
			continue
		}
		if _, dup := d.ops[id]; dup {
			errs = append(errs, fmt.Sprintf("duplicate operator %s", id))
			continue
		}
		d.ops[id] = Operator{ID: id, Role: role, keyHash: sha256.Sum256([]byte(key))}
	}
	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}
	return d, nil
}

// Authenticate checks key against the operator's key without leaking timing.
func (d *Directory) Authenticate(id, key string) (Operator, error) {
	op, ok := d.ops[id]
	if !ok {
		// Compare anyway so unknown ids cost the same.
		dummy := sha256.Sum256([]byte(id))
		subtle.ConstantTimeCompare(dummy[:], dummy[:])
		return Operator{}, ErrInvalidCredentials
	}
	got := sha256.Sum256([]byte(key))
	if subtle.ConstantTimeCompare(got[:], op.keyHash[:]) != 1 {
		return Operator{}, ErrInvalidCredentials
	}
	return op, nil
}

func (d *Directory) Lookup(id string) (Operator, bool) {
	op, ok := d.ops[id]
	return op, ok
}

func (d *Directory) IDs() []string {
	ids := make([]string, 0, len(d.ops))
	for id := range d.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func redact(entry string) string {
	if i := strings.Index(entry, ":"); i >= 0 {
		return entry[:i] + ":***"
	}
	return entry
}
