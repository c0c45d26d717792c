package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"aushadhi/backend/internal/domain"
	"aushadhi/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("AUSHADHI_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set AUSHADHI_TEST_DATABASE_URL to run postgres integration test")
	}

	s, err := New(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedIntegrationMedication(t *testing.T, ctx context.Context, s *Store, medID string, hospitalID string) {
	t.Helper()
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medicine_invoice_return_items WHERE medication_id = $1`, medID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medicine_invoice_returns WHERE id IN (SELECT return_id FROM medicine_invoice_return_items WHERE medication_id = $1)`, medID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medicine_invoice_items WHERE medication_id = $1`, medID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medicine_invoices WHERE id NOT IN (SELECT invoice_id FROM medicine_invoice_items)`)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_ledger WHERE medication_id = $1`, medID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medication_batches WHERE medication_id = $1`, medID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medications WHERE id = $1`, medID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO medications (
			id, hospital_id, name, generic_name, hsn_code, manufacturer,
			unit_price, purchase_price, gst_rate, stock_quantity, reorder_level,
			active, created_at, updated_at
		)
		VALUES ($1, $2, 'Integration Tablet', '', '3004', '', 10.00, 6.00, 12, 30, 5, true, now(), now())
	`, medID, hospitalID); err != nil {
		t.Fatalf("insert medication: %v", err)
	}

	// Two batches: the later-received one expires sooner and must be
	// consumed first.
	farExpiry := time.Now().UTC().AddDate(2, 0, 0)
	nearExpiry := time.Now().UTC().AddDate(0, 2, 0)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO medication_batches (
			id, hospital_id, medication_id, batch_no, expiry_date,
			qty_received, qty_available, unit_cost, received_at, updated_at
		)
		VALUES
			($1, $3, $4, 'IT-FAR', $5, 20, 20, 6.00, now() - interval '2 days', now()),
			($2, $3, $4, 'IT-NEAR', $6, 10, 10, 6.00, now() - interval '1 day', now())
	`, medID+"-far", medID+"-near", hospitalID, medID, farExpiry, nearExpiry); err != nil {
		t.Fatalf("insert batches: %v", err)
	}
}

func TestCreateInvoiceConsumesEarliestExpiryBatch(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	medID := fmt.Sprintf("med-it-%d", stamp)
	hospitalID := "hosp-it"
	seedIntegrationMedication(t, ctx, s, medID, hospitalID)

	created, err := s.CreateInvoice(ctx, domain.MedicineInvoice{
		HospitalID:  hospitalID,
		PatientName: "Integration Patient",
		PaymentMode: domain.PaymentCash,
		Paid:        true,
		Subtotal:    150.00, DiscountAmount: 0, TaxAmount: 18.00, TotalAmount: 168.00,
		CreatedBy: "integration",
		Items: []domain.MedicineInvoiceItem{{
			MedicationID:   medID,
			MedicationName: "Integration Tablet",
			Quantity:       15,
			UnitPrice:      10.00,
			TaxPct:         12,
			LineSubtotal:   150.00,
			TaxableAmount:  150.00,
			LineTax:        18.00,
			LineTotal:      168.00,
		}},
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if created.InvoiceNumber == "" {
		t.Fatalf("invoice number not assigned")
	}
	if created.Items[0].BatchNo != "IT-NEAR" {
		t.Fatalf("line should snapshot the earliest-expiry batch, got %q", created.Items[0].BatchNo)
	}

	var nearLeft, farLeft, aggregate int
	if err := s.db.QueryRowContext(ctx, `SELECT qty_available FROM medication_batches WHERE id = $1`, medID+"-near").Scan(&nearLeft); err != nil {
		t.Fatalf("query near batch: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT qty_available FROM medication_batches WHERE id = $1`, medID+"-far").Scan(&farLeft); err != nil {
		t.Fatalf("query far batch: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT stock_quantity FROM medications WHERE id = $1`, medID).Scan(&aggregate); err != nil {
		t.Fatalf("query aggregate: %v", err)
	}
	if nearLeft != 0 {
		t.Fatalf("near-expiry batch should be drained, has %d", nearLeft)
	}
	if farLeft != 15 {
		t.Fatalf("far-expiry batch should cover the remainder (15 left), has %d", farLeft)
	}
	if aggregate != 15 {
		t.Fatalf("aggregate should be 15, got %d", aggregate)
	}

	var ledgerOut int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_out),0)::int
		FROM stock_ledger
		WHERE medication_id = $1 AND entry_type = 'sale'
	`, medID).Scan(&ledgerOut); err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	if ledgerOut != 15 {
		t.Fatalf("ledger should record 15 units sold, got %d", ledgerOut)
	}
}

func TestConcurrentInvoicesNeverOversell(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	medID := fmt.Sprintf("med-race-%d", stamp)
	hospitalID := "hosp-it"
	seedIntegrationMedication(t, ctx, s, medID, hospitalID)

	// 30 in stock, 4 workers of 10 each: at most 3 can succeed.
	const workers = 4
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := s.CreateInvoice(ctx, domain.MedicineInvoice{
				HospitalID:  hospitalID,
				PaymentMode: domain.PaymentCash,
				Paid:        true,
				CreatedBy:   "integration",
				Items: []domain.MedicineInvoiceItem{{
					MedicationID:   medID,
					MedicationName: "Integration Tablet",
					Quantity:       10,
					UnitPrice:      10.00,
					TaxPct:         12,
					LineSubtotal:   100.00,
					TaxableAmount:  100.00,
					LineTax:        12.00,
					LineTotal:      112.00,
				}},
			})
			results <- err
		}()
	}

	succeeded := 0
	for i := 0; i < workers; i++ {
		err := <-results
		if err == nil {
			succeeded++
			continue
		}
		// Serialization failures and explicit shortfalls are both
		// acceptable loss modes; anything else is a bug.
		if !errors.Is(err, store.ErrInsufficientStock) && !isSerializationFailure(err) {
			t.Fatalf("unexpected invoice error: %v", err)
		}
	}
	if succeeded > 3 {
		t.Fatalf("oversold: %d invoices of 10 against stock of 30", succeeded)
	}

	var aggregate int
	if err := s.db.QueryRowContext(ctx, `SELECT stock_quantity FROM medications WHERE id = $1`, medID).Scan(&aggregate); err != nil {
		t.Fatalf("query aggregate: %v", err)
	}
	if aggregate != 30-succeeded*10 {
		t.Fatalf("aggregate %d does not match %d successful invoices", aggregate, succeeded)
	}
	if aggregate < 0 {
		t.Fatalf("aggregate went negative: %d", aggregate)
	}

	var batchSum int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty_available),0)::int
		FROM medication_batches
		WHERE medication_id = $1
	`, medID).Scan(&batchSum); err != nil {
		t.Fatalf("query batches: %v", err)
	}
	if batchSum != aggregate {
		t.Fatalf("batches (%d) out of step with aggregate (%d)", batchSum, aggregate)
	}
}

func TestCreateReturnIdempotentOnRequestID(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	medID := fmt.Sprintf("med-idem-%d", stamp)
	hospitalID := "hosp-it"
	seedIntegrationMedication(t, ctx, s, medID, hospitalID)

	inv, err := s.CreateInvoice(ctx, domain.MedicineInvoice{
		HospitalID:  hospitalID,
		PaymentMode: domain.PaymentCash,
		Paid:        true,
		CreatedBy:   "integration",
		Items: []domain.MedicineInvoiceItem{{
			MedicationID:   medID,
			MedicationName: "Integration Tablet",
			Quantity:       10,
			UnitPrice:      10.00,
			TaxPct:         12,
			LineSubtotal:   100.00,
			TaxableAmount:  100.00,
			LineTax:        12.00,
			LineTotal:      112.00,
		}},
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	requestID := fmt.Sprintf("req-idem-%d", stamp)
	ret := domain.MedicineInvoiceReturn{
		HospitalID: hospitalID,
		InvoiceID:  inv.ID,
		RequestID:  requestID,
		Reason:     "integration replay",
		Subtotal:   30.00, TaxAmount: 3.60, Total: 33.60,
		CreatedBy: "integration",
		Items: []domain.MedicineInvoiceReturnItem{{
			InvoiceItemID: inv.Items[0].ID,
			MedicationID:  medID,
			Quantity:      3,
			UnitPrice:     10.00,
			TaxPct:        12,
			TaxableAmount: 30.00,
			TaxAmount:     3.60,
			LineTotal:     33.60,
		}},
	}

	first, err := s.CreateReturn(ctx, ret)
	if err != nil {
		t.Fatalf("first return: %v", err)
	}

	replay := ret
	replay.ID = ""
	replay.Items[0].ID = ""
	second, err := s.CreateReturn(ctx, replay)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay should resolve to the original return: %s vs %s", second.ID, first.ID)
	}

	var aggregate int
	if err := s.db.QueryRowContext(ctx, `SELECT stock_quantity FROM medications WHERE id = $1`, medID).Scan(&aggregate); err != nil {
		t.Fatalf("query aggregate: %v", err)
	}
	if aggregate != 23 {
		t.Fatalf("stock should be restored exactly once (30-10+3=23), got %d", aggregate)
	}

	// The sale drained the near-expiry batch; the return goes back into
	// that same batch rather than a new one.
	var nearLeft, batchCount int
	if err := s.db.QueryRowContext(ctx, `SELECT qty_available FROM medication_batches WHERE id = $1`, medID+"-near").Scan(&nearLeft); err != nil {
		t.Fatalf("query near batch: %v", err)
	}
	if nearLeft != 3 {
		t.Fatalf("returned units should restock the batch they were sold from, got %d", nearLeft)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM medication_batches WHERE medication_id = $1`, medID).Scan(&batchCount); err != nil {
		t.Fatalf("count batches: %v", err)
	}
	if batchCount != 2 {
		t.Fatalf("return must not create a batch, got %d", batchCount)
	}
}

func isSerializationFailure(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "40001"
	}
	return false
}
