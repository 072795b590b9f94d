package erp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestBridge(url string) *Bridge {
	b := NewBridge(url, "test-key", 2*time.Second)
	b.Retries = 0
	return b
}

func TestBridgeInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rfc/invoke" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("api key = %q", got)
		}
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Function != "ZMAST_CUSTOMER" {
			t.Errorf("function = %s", req.Function)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"E_STATUS": "OK"})
	}))
	defer srv.Close()

	result, err := newTestBridge(srv.URL).Invoke(context.Background(), "ZMAST_CUSTOMER", map[string]any{"I_DATE": "20240315"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result["E_STATUS"] != "OK" {
		t.Fatalf("result = %v", result)
	}
}

func TestBridgeServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).Invoke(context.Background(), "Z_FN", nil)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
}

func TestBridgeTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestBridge(srv.URL).Invoke(context.Background(), "Z_FN", nil)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
}

func TestBridgeClientErrorIsApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown function"})
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).Invoke(context.Background(), "Z_FN", nil)
	var rejected *ApplicationError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected ApplicationError, got %v", err)
	}
	if rejected.Function != "Z_FN" || len(rejected.Messages) != 1 || rejected.Messages[0] != "unknown function" {
		t.Fatalf("rejection = %+v", rejected)
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		t.Fatal("4xx should not classify as unavailable")
	}
}

func TestBridgeClientErrorWithoutBodyKeepsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).Invoke(context.Background(), "Z_FN", nil)
	var rejected *ApplicationError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected ApplicationError, got %v", err)
	}
	if len(rejected.Messages) != 1 || rejected.Messages[0] != "bridge returned status 422" {
		t.Fatalf("rejection = %+v", rejected)
	}
}

type stubClient struct {
	args   map[string]any
	result map[string]any
	err    error
}

func (s *stubClient) Invoke(_ context.Context, _ string, args map[string]any) (map[string]any, error) {
	s.args = args
	return s.result, s.err
}

func TestReadTable(t *testing.T) {
	stub := &stubClient{result: map[string]any{
		"DATA": []any{
			map[string]any{"WA": "0080012345|20240315 "},
			map[string]any{"WA": "0080012346|20240316"},
		},
	}}
	rows, err := ReadTable(context.Background(), stub, TableQuery{
		Table:    "LIKP",
		Fields:   []string{"VBELN", "WADAT_IST"},
		Where:    []string{"VBELN = '0080012345'"},
		RowCount: 10,
	})
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0]["WADAT_IST"] != "20240315" {
		t.Fatalf("value not trimmed: %q", rows[0]["WADAT_IST"])
	}
	if stub.args["QUERY_TABLE"] != "LIKP" || stub.args["ROWCOUNT"] != 10 {
		t.Fatalf("args = %v", stub.args)
	}
}

func TestReadTableFieldCountMismatch(t *testing.T) {
	stub := &stubClient{result: map[string]any{
		"DATA": []any{map[string]any{"WA": "only-one-value"}},
	}}
	_, err := ReadTable(context.Background(), stub, TableQuery{
		Table:  "LIKP",
		Fields: []string{"VBELN", "WADAT_IST"},
	})
	if err == nil {
		t.Fatal("expected field count error")
	}
}

func TestReadTableEmptyResult(t *testing.T) {
	stub := &stubClient{result: map[string]any{}}
	rows, err := ReadTable(context.Background(), stub, TableQuery{Table: "LIKP", Fields: []string{"VBELN"}})
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %v", rows)
	}
}
