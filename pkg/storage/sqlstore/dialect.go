package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect abstracts the one syntactic difference between SQL engines this
// package cares about: placeholder style. Every query in this package is
// written with `?` placeholders and rebound through a Dialect before
// execution, so adding a second engine (Postgres, MySQL) never requires a
// second copy of the query set — only a new Dialect value (spec.md §9's
// "SQL dialects are a secondary axis handled by composing a dialect
// descriptor").
type Dialect struct {
	name string
	// numberedPlaceholders is true for dialects that use $1, $2, ... instead
	// of a single repeated placeholder character.
	numberedPlaceholders bool
}

// SQLite is the dialect used by the wired libsql/SQLite driver: `?`
// placeholders, repeated verbatim.
var SQLite = Dialect{name: "sqlite"}

// Postgres is the dialect a caller would select if they opened db with a
// Postgres driver of their own choosing: `$1`, `$2`, ... placeholders. No
// Postgres driver is imported by this module; Postgres exists so a caller
// can plug in their own *sql.DB and have the query text rebound correctly.
var Postgres = Dialect{name: "postgres", numberedPlaceholders: true}

// Rebind rewrites a query written with `?` placeholders into this dialect's
// placeholder style.
func (d Dialect) Rebind(query string) string {
	if !d.numberedPlaceholders {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) String() string { return d.name }
