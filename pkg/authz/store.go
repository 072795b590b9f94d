// Package authz resolves principals and per-client function grants from the
// credential database. All lookups are parameterized; caller-supplied values
// never reach SQL text.
package authz

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("principal not found")
)

// DB is the narrow query surface the store needs; *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client is a registered API consumer.
type Client struct {
	ClientID string
	Name     string
}

// Employee is a person principal behind user tokens.
type Employee struct {
	EmployeeID string
	FullName   string
	Department string
}

type Store struct {
	DB DB
}

func NewStore(db DB) *Store {
	return &Store{DB: db}
}

// VerifyClientCredentials authenticates a client id and secret against the
// active client registry. Unknown clients, inactive clients and wrong
// secrets all collapse to the same error so callers cannot probe the
// registry.
func (s *Store) VerifyClientCredentials(ctx context.Context, clientID, secret string) (*Client, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT client_id, client_name, client_secret
		FROM fsapi_clients
		WHERE client_id = $1 AND status = 'A'
	`, strings.TrimSpace(clientID))
	var c Client
	var stored string
	if err := row.Scan(&c.ClientID, &c.Name, &stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query client: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &c, nil
}

// AuthorizedFunctions returns the set of function names the client may call,
// normalized to upper case.
func (s *Store) AuthorizedFunctions(ctx context.Context, clientID string) (map[string]struct{}, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT f.function_name
		FROM fsapi_client_functions f
		JOIN fsapi_clients c ON c.client_id = f.client_id
		WHERE c.client_id = $1 AND c.status = 'A' AND f.status = 'A'
	`, strings.TrimSpace(clientID))
	if err != nil {
		return nil, fmt.Errorf("query client functions: %w", err)
	}
	defer rows.Close()

	granted := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan function grant: %w", err)
		}
		granted[NormalizeFunction(name)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate function grants: %w", err)
	}
	return granted, nil
}

// IsAuthorized reports whether the client holds a grant for the function.
func (s *Store) IsAuthorized(ctx context.Context, clientID, function string) (bool, error) {
	granted, err := s.AuthorizedFunctions(ctx, clientID)
	if err != nil {
		return false, err
	}
	_, ok := granted[NormalizeFunction(function)]
	return ok, nil
}

// NormalizeFunction folds a function name to the canonical comparison form.
func NormalizeFunction(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// AuthenticateEmployee verifies an employee id against the last four digits
// of the registered card number.
func (s *Store) AuthenticateEmployee(ctx context.Context, employeeID, cardLast4 string) (*Employee, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT employee_id, full_name, department, card_number
		FROM fsapi_employees
		WHERE employee_id = $1 AND status = 'A'
	`, strings.TrimSpace(employeeID))
	var e Employee
	var card string
	if err := row.Scan(&e.EmployeeID, &e.FullName, &e.Department, &card); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query employee: %w", err)
	}
	last4 := strings.TrimSpace(cardLast4)
	if len(card) < 4 || len(last4) != 4 {
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(card[len(card)-4:]), []byte(last4)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &e, nil
}

// EmployeeProfile loads the profile behind an already-authenticated user
// token.
func (s *Store) EmployeeProfile(ctx context.Context, employeeID string) (*Employee, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT employee_id, full_name, department
		FROM fsapi_employees
		WHERE employee_id = $1 AND status = 'A'
	`, strings.TrimSpace(employeeID))
	var e Employee
	if err := row.Scan(&e.EmployeeID, &e.FullName, &e.Department); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query employee profile: %w", err)
	}
	return &e, nil
}

// EmployeeExists backs user-token validation: a token is only as alive as
// the active employee record behind it.
func (s *Store) EmployeeExists(ctx context.Context, employeeID string) (bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fsapi_employees WHERE employee_id = $1 AND status = 'A'
		)
	`, strings.TrimSpace(employeeID))
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("query employee existence: %w", err)
	}
	return exists, nil
}
