package sqlrepo

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Dialect hides the few places where Postgres and MySQL disagree.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect struct {
	Name              string
	rebind            func(query string) string
	isUniqueViolation func(err error) bool
}

var Postgres = Dialect{
	Name:   "postgres",
	rebind: dollarPlaceholders,
	isUniqueViolation: func(err error) bool {
		var pgErr *pq.Error
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}

// MySQL expects the DSN to carry clientFoundRows=true, otherwise an UPDATE
// that rewrites identical values reports zero affected rows.
var MySQL = Dialect{
	Name:   "mysql",
	rebind: func(query string) string { return query },
	isUniqueViolation: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == 1062
	},
}

func DialectFor(name string) (Dialect, error) {
	switch name {
	case Postgres.Name:
		return Postgres, nil
	case MySQL.Name:
		return MySQL, nil
	}
	return Dialect{}, errors.New("unsupported sql dialect: " + name)
}

func dollarPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
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
