package persistence

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"
)

// Quantities are NUMERIC(78,0) columns. They travel as base-10 text in both
// directions so no precision is lost to float conversion.

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullNumeric(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func numericArray(v []*big.Int) pq.StringArray {
	out := make(pq.StringArray, len(v))
	for i, x := range v {
		out[i] = numeric(x)
	}
	return out
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

func parseNullNumeric(s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	return parseNumeric(s.String)
}

func parseNumericArray(a pq.StringArray) ([]*big.Int, error) {
	out := make([]*big.Int, len(a))
	for i, s := range a {
		v, err := parseNumeric(s)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// numericScanner collects the text columns of one row and parses them
// after Scan, keeping the first parse error.
type numericScanner struct {
	err error
}

func (n *numericScanner) num(s string) *big.Int {
	if n.err != nil {
		return nil
	}
	v, err := parseNumeric(s)
	if err != nil {
		n.err = err
	}
	return v
}

func (n *numericScanner) nullable(s sql.NullString) *big.Int {
	if n.err != nil {
		return nil
	}
	v, err := parseNullNumeric(s)
	if err != nil {
		n.err = err
	}
	return v
}

func (n *numericScanner) vector(a pq.StringArray) []*big.Int {
	if n.err != nil {
		return nil
	}
	v, err := parseNumericArray(a)
	if err != nil {
		n.err = err
	}
	return v
}

// limitArg maps a list limit onto LIMIT $n. NULL means LIMIT ALL.
func limitArg(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
