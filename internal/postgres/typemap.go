package postgres

import (
	"encoding/json"

	"github.com/jackc/pgx/v5/pgtype"
)

// RegisterRawJSONCodecs makes json and jsonb columns decode to raw JSON
// bytes instead of interface trees, so change events republish the
// original document unchanged.
func RegisterRawJSONCodecs(m *pgtype.Map) {
	if m == nil {
		return
	}
	m.RegisterType(&pgtype.Type{
		Name:  "json",
		OID:   pgtype.JSONOID,
		Codec: &pgtype.JSONCodec{Marshal: json.Marshal, Unmarshal: decodeRawJSON},
	})
	m.RegisterType(&pgtype.Type{
		Name:  "jsonb",
		OID:   pgtype.JSONBOID,
		Codec: &pgtype.JSONBCodec{Marshal: json.Marshal, Unmarshal: decodeRawJSON},
	})
}

func decodeRawJSON(src []byte, dst any) error {
	switch target := dst.(type) {
	case *any:
		if src == nil {
			*target = nil
			return nil
		}
		raw := make([]byte, len(src))
		copy(raw, src)
		*target = json.RawMessage(raw)
		return nil
	case *json.RawMessage:
		if src == nil {
			*target = nil
			return nil
		}
		raw := make([]byte, len(src))
		copy(raw, src)
		*target = raw
		return nil
	default:
		return json.Unmarshal(src, dst)
	}
}
