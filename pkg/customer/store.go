// Package customer serves read-only customer master lookups. Numbers are
// stored zero-padded to ten digits, so every entry point normalizes before
// querying.
package customer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("customer not found")

const searchLimitMax = 100

// DB is the narrow query surface the store needs; *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Customer is one customer master record.
type Customer struct {
	Number     string `json:"customer_number"`
	Name       string `json:"name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

type Store struct {
	DB DB
}

func NewStore(db DB) *Store {
	return &Store{DB: db}
}

const customerColumns = `kunnr, name1, stras, ort01, pstlz, land1, telf1`

// NormalizeNumber pads an all-digit customer number to the stored ten-digit
// form. Alphanumeric numbers pass through upper-cased.
func NormalizeNumber(number string) string {
	n := strings.TrimSpace(number)
	if n == "" {
		return n
	}
	allDigits := true
	for _, r := range n {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits && len(n) < 10 {
		n = strings.Repeat("0", 10-len(n)) + n
	}
	return strings.ToUpper(n)
}

// Search finds customers whose name contains the term, case-insensitively.
func (s *Store) Search(ctx context.Context, term string, limit int) ([]Customer, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	if limit <= 0 || limit > searchLimitMax {
		limit = searchLimitMax
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+customerColumns+`
		FROM kna1
		WHERE name1 ILIKE '%' || $1 || '%'
		ORDER BY kunnr
		LIMIT $2
	`, term, limit)
	if err != nil {
		return nil, fmt.Errorf("search customers: %w", err)
	}
	return collect(rows)
}

// Lookup resolves a batch of customer numbers in one round trip. Unknown
// numbers are simply absent from the result.
func (s *Store) Lookup(ctx context.Context, numbers []string) ([]Customer, error) {
	normalized := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if n = NormalizeNumber(n); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+customerColumns+`
		FROM kna1
		WHERE kunnr = ANY($1)
		ORDER BY kunnr
	`, normalized)
	if err != nil {
		return nil, fmt.Errorf("lookup customers: %w", err)
	}
	return collect(rows)
}

// Get loads a single customer by number.
func (s *Store) Get(ctx context.Context, number string) (*Customer, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+customerColumns+`
		FROM kna1
		WHERE kunnr = $1
	`, NormalizeNumber(number))
	var c Customer
	if err := scanCustomer(row.Scan, &c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

// Exists reports whether a customer number is on file.
func (s *Store) Exists(ctx context.Context, number string) (bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM kna1 WHERE kunnr = $1)
	`, NormalizeNumber(number))
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("customer existence: %w", err)
	}
	return exists, nil
}

func collect(rows pgx.Rows) ([]Customer, error) {
	defer rows.Close()
	var out []Customer
	for rows.Next() {
		var c Customer
		if err := scanCustomer(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customers: %w", err)
	}
	return out, nil
}

func scanCustomer(scan func(dest ...any) error, c *Customer) error {
	return scan(&c.Number, &c.Name, &c.Street, &c.City, &c.PostalCode, &c.Country, &c.Phone)
}
