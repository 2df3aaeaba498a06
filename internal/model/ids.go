package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidH128    = errors.New("model: invalid 128-bit identifier")
	ErrUnknownVersion = errors.New("model: unknown protocol version")
)

// H128 is a 128-bit identifier for policies and underwrite requests.
type H128 [16]byte

// String renders the identifier as 0x-prefixed hex.
func (h H128) String() string {
	return hexutil.Encode(h[:])
}

// IsZero reports whether h is the zero identifier.
func (h H128) IsZero() bool {
	return h == H128{}
}

func (h H128) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *H128) UnmarshalText(b []byte) error {
	parsed, err := ParseH128(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseH128 decodes a 0x-prefixed 32-digit hex identifier.
func ParseH128(s string) (H128, error) {
	var h H128
	raw, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return h, fmt.Errorf("%w: %s", ErrInvalidH128, s)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("%w: %s has %d bytes", ErrInvalidH128, s, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Version identifies one of the three coexisting protocol generations.
// The set is closed: V1 single 24h rolling window, V2 multi-day cumulative
// window with early trigger, V3 peer-to-peer underwriting.
type Version uint8

const (
	V1 Version = iota + 1
	V2
	V3
)

// Versions lists every protocol generation.
var Versions = []Version{V1, V2, V3}

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	case V3:
		return "v3"
	}
	return fmt.Sprintf("version(%d)", uint8(v))
}

// Valid reports whether v is one of V1, V2, V3.
func (v Version) Valid() bool {
	return v == V1 || v == V2 || v == V3
}

// ParseVersion accepts "v1", "V2", "3" and similar spellings.
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v1", "1":
		return V1, nil
	case "v2", "2":
		return V2, nil
	case "v3", "3":
		return V3, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVersion, s)
}

func (v Version) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, uint8(v))
	}
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
