package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aushadhi/backend/internal/domain"
	"aushadhi/backend/internal/service"
	"aushadhi/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, nil, "hosp-main")
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleMedications_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/medications", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleMedications_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/medications", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["medications"] == nil {
		t.Fatalf("expected medications key in response, got %v", body)
	}
}

func TestHandleInvoices_CreateAndFetch(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.InvoiceCreateRequest{
		PatientName: "Walk-in",
		PaymentMode: "cash",
		Items: []domain.InvoiceItemRequest{
			{MedicationID: "med-para-500", Quantity: 10},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created domain.InvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode invoice response: %v", err)
	}
	if created.Invoice.ID == "" {
		t.Fatalf("expected invoice id in response")
	}
	if !strings.HasPrefix(created.Invoice.InvoiceNumber, "INV-") {
		t.Fatalf("unexpected invoice number %s", created.Invoice.InvoiceNumber)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/invoices/"+created.Invoice.ID, nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()

	handler.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching invoice, got %d (body: %s)", getRec.Code, getRec.Body.String())
	}
}

func TestHandleInvoices_InsufficientStockConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.InvoiceCreateRequest{
		PatientName: "Walk-in",
		PaymentMode: "cash",
		Items: []domain.InvoiceItemRequest{
			{MedicationID: "med-syr-cough", Quantity: 10000},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode conflict body: %v", err)
	}
	if body["medication_id"] != "med-syr-cough" {
		t.Fatalf("expected medication_id in conflict payload, got %v", body)
	}
	if body["available"] == nil {
		t.Fatalf("expected available quantity in conflict payload, got %v", body)
	}
}

func TestHandleReturns_OverReturnConflictStatesRemaining(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	invoicePayload, _ := json.Marshal(domain.InvoiceCreateRequest{
		PatientName: "Walk-in",
		PaymentMode: "cash",
		Items: []domain.InvoiceItemRequest{
			{MedicationID: "med-cet-10", Quantity: 10},
		},
	})
	invReq := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(invoicePayload))
	invReq.Header.Set("Content-Type", "application/json")
	invReq.Header.Set("Authorization", "Bearer "+token)
	invReq.Header.Set("X-CSRF-Token", csrf)
	invRec := httptest.NewRecorder()
	handler.ServeHTTP(invRec, invReq)
	if invRec.Code != http.StatusCreated {
		t.Fatalf("invoice create failed: %d %s", invRec.Code, invRec.Body.String())
	}

	var created domain.InvoiceResponse
	if err := json.NewDecoder(invRec.Body).Decode(&created); err != nil {
		t.Fatalf("decode invoice: %v", err)
	}
	itemID := created.Invoice.Items[0].ID

	returnPayload, _ := json.Marshal(domain.ReturnCreateRequest{
		Reason: "damaged strip",
		Items:  []domain.ReturnItemRequest{{InvoiceItemID: itemID, Quantity: 12}},
	})
	retReq := httptest.NewRequest(http.MethodPost, "/api/v1/invoices/"+created.Invoice.ID+"/returns", bytes.NewReader(returnPayload))
	retReq.Header.Set("Content-Type", "application/json")
	retReq.Header.Set("Authorization", "Bearer "+token)
	retReq.Header.Set("X-CSRF-Token", csrf)
	retRec := httptest.NewRecorder()
	handler.ServeHTTP(retRec, retReq)

	if retRec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", retRec.Code, retRec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(retRec.Body).Decode(&body); err != nil {
		t.Fatalf("decode conflict body: %v", err)
	}
	if body["remaining"] != float64(10) {
		t.Fatalf("expected remaining 10 in conflict payload, got %v", body["remaining"])
	}
}

func TestHandleAdjustStock_RequiresAdminPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.StockAdjustmentRequest{
		Direction: "subtract",
		Quantity:  5,
		Reason:    "breakage",
		AdminPIN:  "999999",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/medications/med-para-500/adjust-stock", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong pin, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleAdjustStock_WithValidPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.StockAdjustmentRequest{
		Direction: "subtract",
		Quantity:  5,
		Reason:    "breakage",
		AdminPIN:  "123456",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/medications/med-para-500/adjust-stock", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Medication domain.Medication `json:"medication"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Medication.StockQuantity != 495 {
		t.Fatalf("expected stock 495 after subtract, got %d", body.Medication.StockQuantity)
	}
}

func TestHandleGSTReports_PharmacistForbidden(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "pharmacist", "pharma123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/gst/summary", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for pharmacist on reports, got %d", rec.Code)
	}
}

func TestHandleMargExport_ReturnsCSV(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.InvoiceCreateRequest{
		PatientName: "Walk-in",
		PaymentMode: "cash",
		Items: []domain.InvoiceItemRequest{
			{MedicationID: "med-amox-250", Quantity: 4},
		},
	})
	invReq := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(payload))
	invReq.Header.Set("Content-Type", "application/json")
	invReq.Header.Set("Authorization", "Bearer "+token)
	invReq.Header.Set("X-CSRF-Token", csrf)
	invRec := httptest.NewRecorder()
	handler.ServeHTTP(invRec, invReq)
	if invRec.Code != http.StatusCreated {
		t.Fatalf("invoice create failed: %d %s", invRec.Code, invRec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/gst/marg-export", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/csv") {
		t.Fatalf("expected CSV content type, got %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected header plus at least one data row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "invoice_no,invoice_date") {
		t.Fatalf("unexpected CSV header: %s", lines[0])
	}
	if !strings.Contains(rec.Body.String(), "Amoxicillin 250mg") {
		t.Fatalf("expected invoiced medicine in export, got:\n%s", rec.Body.String())
	}
}

func TestHandleStaff_CreateAndList(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.StaffCreateRequest{
		Username: "newpharm",
		Password: "longenoughpass",
		FullName: "New Pharmacist",
		Role:     "pharmacist",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/staff", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/users/staff", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)

	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing staff, got %d", listRec.Code)
	}
	if !strings.Contains(listRec.Body.String(), "newpharm") {
		t.Fatalf("expected new user in staff list, got: %s", listRec.Body.String())
	}

	_, err := api.auth.Login(domain.LoginRequest{Username: "newpharm", Password: "longenoughpass"})
	if err != nil {
		t.Fatalf("expected new staff user to be able to log in: %v", err)
	}
}
