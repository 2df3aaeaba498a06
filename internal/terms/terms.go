// Package terms parses market keys and converts their thresholds into
// strikes expressed in tenths of a millimetre.
package terms

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Supported market types.
const (
	TypePrecip = "PRECIP"
	TypeSnow   = "SNOW"
)

var validTypes = map[string]bool{
	TypePrecip: true,
	TypeSnow:   true,
}

// tenthsPerUnit converts one threshold unit into tenths of a millimetre.
var tenthsPerUnit = map[string]decimal.Decimal{
	"MM": decimal.NewFromInt(10),
	"CM": decimal.NewFromInt(100),
	"IN": decimal.NewFromInt(254),
}

// keyRegex matches: ATMX-{h3CellID}-{type}-{threshold}{unit}
// Example: ATMX-872a1070bffffff-PRECIP-50MM
var keyRegex = regexp.MustCompile(
	`^ATMX-([0-9a-f]{5,16})-([A-Z]+)-([0-9]+(?:\.[0-9]+)?)(MM|CM|IN)$`,
)

var (
	ErrInvalidKey  = errors.New("terms: invalid market key")
	ErrInvalidType = errors.New("terms: unsupported market type")
)

// Terms is a parsed market key.
type Terms struct {
	Key       string `json:"key"`
	H3CellID  string `json:"h3_cell_id"`
	Type      string `json:"type"`
	Threshold string `json:"threshold"` // as written, e.g. "2IN"
	Strike    uint64 `json:"strike"`    // tenths of a millimetre
}

// Parse validates a market key and derives its default strike.
// Format: ATMX-{h3CellID}-{type}-{threshold}{MM|CM|IN}
func Parse(key string) (*Terms, error) {
	matches := keyRegex.FindStringSubmatch(key)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected ATMX-{h3cell}-{type}-{threshold}{MM|CM|IN})",
			ErrInvalidKey, key)
	}

	cell, typ, amount, unit := matches[1], matches[2], matches[3], matches[4]
	if !validTypes[typ] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, typ)
	}

	strike, err := ToTenths(amount, unit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return &Terms{
		Key:       key,
		H3CellID:  cell,
		Type:      typ,
		Threshold: amount + unit,
		Strike:    strike,
	}, nil
}

// ToTenths converts amount of unit into tenths of a millimetre, rounded
// half up. A zero threshold is rejected: every reading would trigger it.
func ToTenths(amount, unit string) (uint64, error) {
	factor, ok := tenthsPerUnit[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", unit)
	}
	v, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, err
	}
	tenths := v.Mul(factor).Round(0)
	if !tenths.IsPositive() {
		return 0, fmt.Errorf("threshold %s%s is not positive", amount, unit)
	}
	if !tenths.BigInt().IsUint64() {
		return 0, fmt.Errorf("threshold %s%s out of range", amount, unit)
	}
	return tenths.BigInt().Uint64(), nil
}

// Key formats a market key for a strike given in tenths of a millimetre.
func Key(h3Cell, typ string, strike uint64) string {
	return fmt.Sprintf("ATMX-%s-%s-%sMM", strings.ToLower(h3Cell), typ, millimetres(strike))
}

func millimetres(tenths uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(tenths), -1).String()
}
