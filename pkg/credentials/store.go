// Package credentials resolves a tenant's credential reference into the secret
// used to talk to the marketing platform.
//
// Requests only ever carry a reference (e.g. a client id); the secret lives in
// a JSON credential file, a Postgres table, or both.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrCredentialMissing is returned when a reference has no usable secret.
var ErrCredentialMissing = errors.New("credential missing")

// Credential is a resolved tenant credential.
type Credential struct {
	Ref    string
	Secret string
}

// Key identifies the credential for caching. It includes a fingerprint of the
// secret so a rotated secret never reuses a client built with the old one.
func (c Credential) Key() string {
	sum := sha256.Sum256([]byte(c.Secret))
	return c.Ref + "#" + hex.EncodeToString(sum[:6])
}

// String never prints the secret.
func (c Credential) String() string {
	return "credential(" + c.Ref + ")"
}

// Store resolves references to credentials.
type Store interface {
	Resolve(ctx context.Context, ref string) (Credential, error)
}

// missing wraps ErrCredentialMissing with the reference.
func missing(ref, source string) error {
	return fmt.Errorf("%w: %q not found in %s", ErrCredentialMissing, ref, source)
}

// Static is an in-memory map from ref to secret.
type Static map[string]string

// Resolve implements Store.
func (s Static) Resolve(_ context.Context, ref string) (Credential, error) {
	secret := strings.TrimSpace(s[ref])
	if ref == "" || secret == "" {
		return Credential{}, missing(ref, "static store")
	}
	return Credential{Ref: ref, Secret: secret}, nil
}

// Chain tries each store in order and returns the first hit. Errors other than
// ErrCredentialMissing stop the chain.
type Chain []Store

// Resolve implements Store.
func (c Chain) Resolve(ctx context.Context, ref string) (Credential, error) {
	if strings.TrimSpace(ref) == "" {
		return Credential{}, fmt.Errorf("%w: empty credential reference", ErrCredentialMissing)
	}
	for _, s := range c {
		cred, err := s.Resolve(ctx, ref)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrCredentialMissing) {
			return Credential{}, err
		}
	}
	return Credential{}, missing(ref, "any credential store")
}
