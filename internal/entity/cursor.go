package entity

import (
	"encoding/base64"
	"encoding/json"

	"github.com/scrypster/memento/pkg/types"
)

// cursor pins a pagination position to (orderBy value, id) so pages
// stay stable while concurrent writes shift offsets around.
type cursor struct {
	OrderBy string `json:"o"`
	Value   any    `json:"v"`
	ID      string `json:"id"`
}

func encodeCursor(c cursor) string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, &types.ErrValidation{Field: "cursor", Reason: "not base64"}
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, &types.ErrValidation{Field: "cursor", Reason: "malformed"}
	}
	return c, nil
}
