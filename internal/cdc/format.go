package cdc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// FormatRow normalizes a scanned row into the canonical event payload form:
// timestamps become RFC3339Nano UTC strings, byte slices become strings,
// numeric types are preserved, and identifier-like values are stringified.
func FormatRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for name, value := range row {
		out[name] = FormatValue(value)
	}
	return out
}

// FormatValue normalizes a single column value. Unknown types pass through
// unchanged so consumers can still JSON-encode them.
func FormatValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC().Format(time.RFC3339Nano)
	// Raw JSON columns pass through untouched so re-encoding keeps the
	// original document byte-for-byte.
	case json.RawMessage:
		return v
	case []byte:
		return string(v)
	case uuid.UUID:
		return v.String()
	case [16]byte:
		return uuid.UUID(v).String()
	case pgtype.Numeric:
		return formatNumeric(v)
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return v
	}
}

func formatNumeric(v pgtype.Numeric) any {
	if !v.Valid {
		return nil
	}
	if v.NaN {
		return "NaN"
	}
	if v.Exp == 0 {
		if v.Int.IsInt64() {
			return v.Int.Int64()
		}
		return v.Int.String()
	}
	f := new(big.Float).SetInt(v.Int)
	if v.Exp > 0 {
		scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.Exp)), nil))
		f.Mul(f, scale)
	} else {
		scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-v.Exp)), nil))
		f.Quo(f, scale)
	}
	out, _ := f.Float64()
	return out
}
