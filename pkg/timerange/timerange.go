// Package timerange parses the inclusive from/to window shared by the
// reporting endpoints.
package timerange

import (
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
)

// ErrInverted is returned when from is after to.
var ErrInverted = errors.New("from must not be after to")

// Range is an inclusive time window.
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t lies within the range, bounds included.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// FromContext reads the required RFC 3339 "from" and "to" query
// parameters. There is no implicit default window.
func FromContext(c echo.Context) (Range, error) {
	return Parse(c.QueryParam("from"), c.QueryParam("to"))
}

// Parse validates a pair of RFC 3339 timestamps. Both are normalized to UTC.
func Parse(from, to string) (Range, error) {
	var (
		r   Range
		err error
	)
	if r.From, err = parse(from, "from"); err != nil {
		return Range{}, err
	}
	if r.To, err = parse(to, "to"); err != nil {
		return Range{}, err
	}
	if r.From.After(r.To) {
		return Range{}, ErrInverted
	}
	return r, nil
}

func parse(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t.UTC(), nil
}
