package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/futuesigndev/fsapi/pkg/apperr"
	"github.com/futuesigndev/fsapi/pkg/audit"
	"github.com/futuesigndev/fsapi/pkg/auth"
	"github.com/futuesigndev/fsapi/pkg/authz"
	"github.com/futuesigndev/fsapi/pkg/billing"
	"github.com/futuesigndev/fsapi/pkg/customer"
	"github.com/futuesigndev/fsapi/pkg/erp"
	"github.com/futuesigndev/fsapi/pkg/httpx"
	"github.com/futuesigndev/fsapi/pkg/metadata"
	"github.com/futuesigndev/fsapi/pkg/token"
	"github.com/futuesigndev/fsapi/pkg/transform"

	"github.com/go-chi/chi/v5"
)

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return apperr.New(apperr.CodeValidation, "cannot read request body")
	}
	if len(body) == 0 {
		return apperr.New(apperr.CodeValidation, "request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.New(apperr.CodeValidation, "request body must be valid JSON")
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *Server) handleClientToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" || req.ClientSecret == "" {
		s.writeError(w, r, &apperr.Error{
			Code:    apperr.CodeValidation,
			Message: "client_id and client_secret are required",
			Fields:  []string{"client_id", "client_secret"},
		})
		return
	}
	client, err := s.Authz.VerifyClientCredentials(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, authz.ErrInvalidCredentials) {
			s.writeError(w, r, apperr.New(apperr.CodeAuthentication, "invalid client credentials"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	raw, err := s.Tokens.Issue(client.ClientID, token.KindClient,
		map[string]any{"client_name": client.Name}, s.ClientTokenTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: raw,
		TokenType:   "bearer",
		ExpiresIn:   int(s.ClientTokenTTL.Seconds()),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmployeeID string `json:"employee_id"`
		CardLast4  string `json:"card_last4"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.EmployeeID = strings.TrimSpace(req.EmployeeID)
	req.CardLast4 = strings.TrimSpace(req.CardLast4)
	if req.EmployeeID == "" || req.CardLast4 == "" {
		s.writeError(w, r, &apperr.Error{
			Code:    apperr.CodeValidation,
			Message: "employee_id and card_last4 are required",
			Fields:  []string{"employee_id", "card_last4"},
		})
		return
	}
	emp, err := s.Authz.AuthenticateEmployee(r.Context(), req.EmployeeID, req.CardLast4)
	if err != nil {
		if errors.Is(err, authz.ErrInvalidCredentials) {
			s.writeError(w, r, apperr.New(apperr.CodeAuthentication, "invalid employee credentials"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	raw, err := s.Tokens.Issue(emp.EmployeeID, token.KindUser,
		map[string]any{"full_name": emp.FullName, "department": emp.Department}, s.UserTokenTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: raw,
		TokenType:   "bearer",
		ExpiresIn:   int(s.UserTokenTTL.Seconds()),
	})
}

type employeeResponse struct {
	EmployeeID string `json:"employee_id"`
	FullName   string `json:"full_name"`
	Department string `json:"department"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	emp, err := s.Authz.EmployeeProfile(r.Context(), p.Subject)
	if err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			s.writeError(w, r, apperr.New(apperr.CodeNotFound, "employee not found"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, employeeResponse{
		EmployeeID: emp.EmployeeID,
		FullName:   emp.FullName,
		Department: emp.Department,
	})
}

// handleRefresh re-issues a user token from a still-valid one. The profile is
// re-read so a renamed or transferred employee gets fresh claims.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	emp, err := s.Authz.EmployeeProfile(r.Context(), p.Subject)
	if err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			s.writeError(w, r, apperr.New(apperr.CodeAuthentication, "principal no longer active"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	raw, err := s.Tokens.Issue(emp.EmployeeID, token.KindUser,
		map[string]any{"full_name": emp.FullName, "department": emp.Department}, s.UserTokenTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: raw,
		TokenType:   "bearer",
		ExpiresIn:   int(s.UserTokenTTL.Seconds()),
	})
}

// clientGrants returns the function allow-list for a client, cached briefly
// so a burst of calls does not hammer the grants table.
func (s *Server) clientGrants(ctx context.Context, clientID string) (map[string]struct{}, error) {
	key := "grants:" + clientID
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, key); err == nil && raw != "" {
			var names []string
			if json.Unmarshal([]byte(raw), &names) == nil {
				set := make(map[string]struct{}, len(names))
				for _, name := range names {
					set[name] = struct{}{}
				}
				return set, nil
			}
		}
	}
	grants, err := s.Authz.AuthorizedFunctions(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		if encoded, err := json.Marshal(sortedFunctionNames(grants)); err == nil {
			_ = s.Cache.Set(ctx, key, string(encoded), s.GrantCacheTTL)
		}
	}
	return grants, nil
}

// authorizeFunction enforces per-function grants for client principals. User
// principals are scoped by route, not by function grant. Bypass names skip
// the grant check entirely.
func (s *Server) authorizeFunction(r *http.Request, p auth.Principal, function string) error {
	if p.Kind != token.KindClient {
		return nil
	}
	if _, ok := s.BypassFunctions[function]; ok {
		return nil
	}
	grants, err := s.clientGrants(r.Context(), p.Subject)
	if err != nil {
		return err
	}
	if _, ok := grants[function]; !ok {
		return apperr.Newf(apperr.CodeAuthorization, "function %s is not authorized for this client", function)
	}
	return nil
}

func (s *Server) handleCallFunction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FunctionName string          `json:"function_name"`
		Parameters   json.RawMessage `json:"parameters"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := authz.NormalizeFunction(req.FunctionName)
	if name == "" {
		s.writeError(w, r, &apperr.Error{
			Code:    apperr.CodeValidation,
			Message: "function_name is required",
			Fields:  []string{"function_name"},
		})
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := s.authorizeFunction(r, p, name); err != nil {
		s.writeError(w, r, err)
		return
	}
	schema, err := s.Metadata.Load(r.Context(), name)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			s.writeError(w, r, apperr.Newf(apperr.CodeNotFound, "unknown function %s", name))
			return
		}
		s.writeError(w, r, err)
		return
	}
	tree, err := transform.ParseParams(req.Parameters)
	if err != nil {
		var shapeErr *transform.ShapeError
		if errors.As(err, &shapeErr) {
			s.writeError(w, r, apperr.New(apperr.CodeValidation, shapeErr.Reason))
			return
		}
		s.writeError(w, r, err)
		return
	}
	if err := transform.Validate(tree, schema); err != nil {
		s.writeError(w, r, err)
		return
	}
	args := transform.BuildCallArgs(tree, schema)

	start := time.Now()
	raw, invokeErr := s.ERP.Invoke(r.Context(), name, args)
	elapsed := time.Since(start)

	if invokeErr != nil {
		s.Metrics.ObserveFunctionCall(name, true, elapsed)
		var unavailable *erp.UnavailableError
		if errors.As(invokeErr, &unavailable) {
			s.appendAudit(r, p, name, req.Parameters, "unavailable", string(apperr.CodeRemoteUnavailable), elapsed)
			s.writeError(w, r, &apperr.Error{
				Code:    apperr.CodeRemoteUnavailable,
				Message: "remote system unavailable",
				Detail:  unavailable.Error(),
			})
			return
		}
		var rejected *erp.ApplicationError
		if errors.As(invokeErr, &rejected) {
			s.appendAudit(r, p, name, req.Parameters, "remote_error", string(apperr.CodeRemoteApplication), elapsed)
			s.writeError(w, r, &apperr.Error{
				Code:    apperr.CodeRemoteApplication,
				Message: strings.Join(rejected.Messages, "; "),
			})
			return
		}
		s.appendAudit(r, p, name, req.Parameters, "error", string(apperr.CodeInternal), elapsed)
		s.writeError(w, r, invokeErr)
		return
	}

	filtered := transform.Project(raw, schema.Outputs)
	if messages := transform.ErrorMessages(filtered); len(messages) > 0 {
		s.Metrics.ObserveFunctionCall(name, true, elapsed)
		s.appendAudit(r, p, name, req.Parameters, "remote_error", string(apperr.CodeRemoteApplication), elapsed)
		appErr := &apperr.Error{
			Code:    apperr.CodeRemoteApplication,
			Message: strings.Join(messages, "; "),
		}
		s.Metrics.IncErrorCode(string(appErr.Code))
		// The call completed; the failure envelope still carries everything
		// the remote returned so partial results are surfaced, not discarded.
		httpx.WriteJSON(w, appErr.HTTPStatus(), map[string]any{
			"error":      appErr,
			"data":       filtered,
			"request_id": requestIDFromContext(r.Context()),
		})
		return
	}

	s.Metrics.ObserveFunctionCall(name, false, elapsed)
	s.appendAudit(r, p, name, req.Parameters, "success", "", elapsed)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"function_name": name,
		"data":          filtered,
		"request_id":    requestIDFromContext(r.Context()),
	})
}

func (s *Server) appendAudit(r *http.Request, p auth.Principal, function string, params json.RawMessage, outcome, errorCode string, elapsed time.Duration) {
	if s.Audit == nil {
		return
	}
	rec := audit.Record{
		RequestID: requestIDFromContext(r.Context()),
		Subject:   p.Subject,
		Kind:      string(p.Kind),
		Function:  function,
		ParamsRaw: params,
		Outcome:   outcome,
		ErrorCode: errorCode,
		LatencyMS: elapsed.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Audit.Append(r.Context(), rec); err != nil {
		logPrintf("audit append failed for %s: %v", function, err)
	}
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	grants, err := s.clientGrants(r.Context(), p.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	merged := make(map[string]struct{}, len(grants)+len(s.BypassFunctions))
	for name := range grants {
		merged[name] = struct{}{}
	}
	for name := range s.BypassFunctions {
		merged[name] = struct{}{}
	}
	names := sortedFunctionNames(merged)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"functions": names,
		"count":     len(names),
	})
}

func (s *Server) handleFunctionMetadata(w http.ResponseWriter, r *http.Request) {
	name := authz.NormalizeFunction(chi.URLParam(r, "name"))
	if name == "" {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "function name is required"))
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := s.authorizeFunction(r, p, name); err != nil {
		s.writeError(w, r, err)
		return
	}
	schema, err := s.Metadata.Load(r.Context(), name)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			s.writeError(w, r, apperr.Newf(apperr.CodeNotFound, "unknown function %s", name))
			return
		}
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"function_name":    schema.FunctionName,
		"description":      schema.Description,
		"required_inputs":  transform.RequiredPaths(schema.Inputs),
		"table_parameters": tableRequirements(schema.Tables),
		"output_keys":      sortedOutputKeys(schema.Outputs),
	})
}

func tableRequirements(tables map[string]metadata.TableSpec) map[string][]string {
	out := make(map[string][]string, len(tables))
	for name, spec := range tables {
		out[name] = spec.RequiredFields()
	}
	return out
}

func sortedOutputKeys(outputs map[string]metadata.OutputNode) []string {
	keys := make([]string, 0, len(outputs))
	for key := range outputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) handleCustomerSearch(w http.ResponseWriter, r *http.Request) {
	var term string
	limit := 20
	if r.Method == http.MethodPost {
		var req struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		term = req.Query
		if req.Limit > 0 {
			limit = req.Limit
		}
	} else {
		term = r.URL.Query().Get("q")
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
	}
	term = strings.TrimSpace(term)
	if term == "" {
		s.writeError(w, r, &apperr.Error{
			Code:    apperr.CodeValidation,
			Message: "search term is required",
			Fields:  []string{"query"},
		})
		return
	}
	customers, err := s.Customers.Search(r.Context(), term, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"customers": customers,
		"count":     len(customers),
	})
}

// handleCustomerLookup resolves a batch of customer numbers. Results are
// cached briefly keyed by the normalized number set; master data changes
// slowly enough that a short TTL is safe.
func (s *Server) handleCustomerLookup(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("numbers"))
	if raw == "" {
		s.writeError(w, r, &apperr.Error{
			Code:    apperr.CodeValidation,
			Message: "numbers query parameter is required",
			Fields:  []string{"numbers"},
		})
		return
	}
	var numbers []string
	for _, part := range strings.Split(raw, ",") {
		if n := customer.NormalizeNumber(part); n != "" {
			numbers = append(numbers, n)
		}
	}
	if len(numbers) == 0 {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "no valid customer numbers supplied"))
		return
	}
	sort.Strings(numbers)
	cacheKey := "customers:lookup:" + strings.Join(numbers, ",")
	if s.Cache != nil {
		if cached, err := s.Cache.Get(r.Context(), cacheKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(cached))
			return
		}
	}
	customers, err := s.Customers.Lookup(r.Context(), numbers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"customers": customers,
		"count":     len(customers),
	}
	if s.Cache != nil {
		if encoded, err := json.Marshal(body); err == nil {
			_ = s.Cache.Set(r.Context(), cacheKey, string(encoded), s.CustomerCacheTTL)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleCustomerGet(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	cust, err := s.Customers.Get(r.Context(), number)
	if err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			s.writeError(w, r, apperr.New(apperr.CodeNotFound, "customer not found"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cust)
}

func (s *Server) handleCustomerValidate(w http.ResponseWriter, r *http.Request) {
	number := customer.NormalizeNumber(chi.URLParam(r, "number"))
	if number == "" {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "customer number is required"))
		return
	}
	exists, err := s.Customers.Exists(r.Context(), number)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"customer_number": number,
		"exists":          exists,
	})
}

func (s *Server) handleBillingCreate(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start := time.Now()
	result, err := s.Billing.Create(r.Context(), req)
	s.Metrics.ObserveFunctionCall("Z_RFC_BILL_CREATE_BDC", err != nil, time.Since(start))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Billing.DeliveryStatus(r.Context(), chi.URLParam(r, "doc"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}
