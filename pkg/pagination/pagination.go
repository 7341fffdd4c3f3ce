package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ErrInvalidCursor is returned when a cursor token cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Cursor string
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("limit"))
	}

	cursor := c.QueryParam("cursor")
	if cursor == "" {
		cursor = c.QueryParam("_pageToken")
	}

	return Params{Limit: NormalizeLimit(limit), Cursor: cursor}
}

// NormalizeLimit applies the default page size and clamps to MaxLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Cursor is a keyset position in a list sorted by timestamp with the item ID
// as a tie-break. The pair uniquely identifies a position in the result set.
type Cursor struct {
	Timestamp time.Time `json:"t"`
	ID        string    `json:"id"`
}

// EncodeCursor encodes a position into an opaque base64 cursor token.
func EncodeCursor(ts time.Time, id string) string {
	data, _ := json.Marshal(Cursor{Timestamp: ts.UTC(), ID: id})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor decodes an opaque cursor token. Any malformed token yields an
// error wrapping ErrInvalidCursor.
func DecodeCursor(token string) (*Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.ID == "" || c.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing position", ErrInvalidCursor)
	}

	return &c, nil
}

// Page wraps a cursor-paginated API response. NextCursor is only present when
// more items remain after this page.
type Page[T any] struct {
	Data       []T     `json:"data"`
	Limit      int     `json:"limit"`
	NextCursor *string `json:"next_cursor,omitempty"`
}
