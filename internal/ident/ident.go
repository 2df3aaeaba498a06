// Package ident allocates the 128-bit identifiers of policies and underwrite
// requests.
//
// Layout of an identifier:
//
//	byte 0      namespace tag
//	bytes 1-7   per-namespace nonce, big endian
//	bytes 8-15  first 8 bytes of keccak256(tag | digest | nonce)
//
// Two identifiers from different namespaces differ in byte 0, and two from
// the same namespace differ in their nonce, so distinctness never depends on
// hash luck or on a runtime registry of issued IDs.
package ident

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/parametric-engine/internal/model"
)

var (
	ErrUnknownNamespace = errors.New("ident: unknown namespace")
	ErrNonceExhausted   = errors.New("ident: nonce space exhausted")
)

// Namespace is the tag folded into every identifier.
type Namespace uint8

const (
	PolicyV1 Namespace = iota + 1
	PolicyV2
	PolicyV3
	RequestV3
)

// maxNonce is the largest nonce that fits in seven bytes.
const maxNonce = 1<<56 - 1

func (ns Namespace) String() string {
	switch ns {
	case PolicyV1:
		return "policy/v1"
	case PolicyV2:
		return "policy/v2"
	case PolicyV3:
		return "policy/v3"
	case RequestV3:
		return "request/v3"
	}
	return fmt.Sprintf("namespace(%d)", uint8(ns))
}

func (ns Namespace) valid() bool {
	return ns >= PolicyV1 && ns <= RequestV3
}

// PolicyNamespace returns the namespace of policies issued under v.
func PolicyNamespace(v model.Version) (Namespace, error) {
	switch v {
	case model.V1:
		return PolicyV1, nil
	case model.V2:
		return PolicyV2, nil
	case model.V3:
		return PolicyV3, nil
	}
	return 0, fmt.Errorf("%w: %d", model.ErrUnknownVersion, uint8(v))
}

// Of reports the namespace an identifier was allocated in.
func Of(id model.H128) (Namespace, bool) {
	ns := Namespace(id[0])
	return ns, ns.valid()
}

// Allocate builds the identifier for (ns, digest, nonce). It is a pure
// function; callers obtain nonces from NonceSource.
func Allocate(ns Namespace, digest []byte, nonce uint64) (model.H128, error) {
	var id model.H128
	if !ns.valid() {
		return id, fmt.Errorf("%w: %d", ErrUnknownNamespace, uint8(ns))
	}
	if nonce > maxNonce {
		return id, fmt.Errorf("%w: %s", ErrNonceExhausted, ns)
	}

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)

	id[0] = byte(ns)
	copy(id[1:8], n[1:])
	sum := crypto.Keccak256([]byte{byte(ns)}, digest, n[:])
	copy(id[8:], sum[:8])
	return id, nil
}

// Digest hashes the identifying content of a record into 32 bytes.
func Digest(parts ...string) []byte {
	chunks := make([][]byte, 0, 2*len(parts))
	for _, p := range parts {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(p)))
		chunks = append(chunks, l[:], []byte(p))
	}
	return crypto.Keccak256(chunks...)
}

// NonceSource hands out strictly increasing per-namespace counters. It is
// satisfied by store.Tx.
type NonceSource interface {
	NextNonce(ctx context.Context, namespace string) (uint64, error)
}

// Next draws a nonce for ns from src and allocates the identifier.
func Next(ctx context.Context, src NonceSource, ns Namespace, digest []byte) (model.H128, error) {
	nonce, err := src.NextNonce(ctx, ns.String())
	if err != nil {
		return model.H128{}, fmt.Errorf("draw nonce for %s: %w", ns, err)
	}
	return Allocate(ns, digest, nonce)
}
