package gst

import (
	"strings"
	"testing"
	"time"

	"aushadhi/backend/internal/domain"
)

var (
	reportFrom = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	reportTo   = time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)
)

// consistentSource builds a fixture where headers, lines, ledger and
// purchases all agree: two invoices, one return, one purchase.
func consistentSource() SourceData {
	d1 := time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 4, 12, 0, 0, 0, 0, time.UTC)
	return SourceData{
		SalesLines: []domain.SalesLineRow{
			{
				InvoiceID: "inv-1", InvoiceNumber: "INV-0001", InvoiceDate: d1,
				MedicationID: "med-para", MedicationName: "Paracetamol 500mg", HSNCode: "3004",
				Quantity: 20, UnitPrice: 10.00, LineDiscount: 10.00,
				TaxableAmount: 190.00, TaxPct: 12, TaxAmount: 22.80, LineTotal: 212.80,
			},
			{
				InvoiceID: "inv-2", InvoiceNumber: "INV-0002", InvoiceDate: d2,
				MedicationID: "med-cef", MedicationName: "Cefixime 200mg",
				Quantity: 10, UnitPrice: 45.00, LineDiscount: 0,
				TaxableAmount: 450.00, TaxPct: 5, TaxAmount: 22.50, LineTotal: 472.50,
			},
		},
		InvoiceHeaders: []domain.InvoiceHeaderRow{
			{InvoiceID: "inv-1", InvoiceNumber: "INV-0001", InvoiceDate: d1, Subtotal: 200.00, DiscountAmount: 10.00, TaxAmount: 22.80, TotalAmount: 212.80},
			{InvoiceID: "inv-2", InvoiceNumber: "INV-0002", InvoiceDate: d2, Subtotal: 450.00, DiscountAmount: 0, TaxAmount: 22.50, TotalAmount: 472.50},
		},
		ReturnLines: []domain.ReturnLineRow{
			{ReturnID: "ret-1", InvoiceID: "inv-1", InvoiceNumber: "INV-0001", ReturnDate: d2,
				MedicationID: "med-para", Quantity: 5, TaxableAmount: 47.50, TaxPct: 12, TaxAmount: 5.70, LineTotal: 53.20},
		},
		ReturnHeaders: []domain.ReturnHeaderRow{
			{ReturnID: "ret-1", InvoiceID: "inv-1", ReturnDate: d2, Subtotal: 47.50, TaxAmount: 5.70, Total: 53.20},
		},
		PurchaseLines: []domain.PurchaseRow{
			{PurchaseID: "pur-1", MedicationID: "med-para", HSNCode: "3004", PurchaseDate: d1,
				Quantity: 100, TaxableAmount: 600.00, TaxPct: 12, TaxAmount: 72.00, TotalAmount: 672.00},
		},
		SaleQuantities: []domain.SaleQuantityRow{
			{MedicationID: "med-para", LedgerQty: 20, InvoicedQty: 20},
			{MedicationID: "med-cef", LedgerQty: 10, InvoicedQty: 10},
		},
	}
}

func TestSummary_Totals(t *testing.T) {
	engine := NewEngine(0)
	report := engine.Summary("hosp-main", reportFrom, reportTo, consistentSource())

	if report.OutputTaxable != 640.00 {
		t.Fatalf("output taxable: expected 640.00, got %.2f", report.OutputTaxable)
	}
	if report.OutputGST != 45.30 {
		t.Fatalf("output gst: expected 45.30, got %.2f", report.OutputGST)
	}
	if report.ReturnsGST != 5.70 {
		t.Fatalf("returns gst: expected 5.70, got %.2f", report.ReturnsGST)
	}
	if report.InputGST != 72.00 {
		t.Fatalf("input gst: expected 72.00, got %.2f", report.InputGST)
	}
	// 45.30 - 5.70 - 72.00
	if report.NetTaxPayable != -32.40 {
		t.Fatalf("net tax payable: expected -32.40, got %.2f", report.NetTaxPayable)
	}
	if len(report.OutputByRate) != 2 {
		t.Fatalf("expected 2 output rate buckets, got %d", len(report.OutputByRate))
	}
	if report.OutputByRate[0].RatePct != 5 || report.OutputByRate[1].RatePct != 12 {
		t.Fatalf("rate buckets should sort ascending: %+v", report.OutputByRate)
	}
}

func TestSummary_ReconciliationPassesOnConsistentData(t *testing.T) {
	engine := NewEngine(0)
	report := engine.Summary("hosp-main", reportFrom, reportTo, consistentSource())

	if len(report.Reconciliation) != 6 {
		t.Fatalf("expected 6 reconciliation checks, got %d", len(report.Reconciliation))
	}
	for _, c := range report.Reconciliation {
		if !c.Matched {
			t.Fatalf("check %s should match on consistent fixture: %+v", c.Name, c)
		}
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", report.Warnings)
	}
}

func TestSummary_ReconciliationFlagsCorruptedHeader(t *testing.T) {
	engine := NewEngine(0)
	src := consistentSource()
	// Corrupt one header tax by 3 rupees, well past the 0.5 tolerance.
	src.InvoiceHeaders[0].TaxAmount += 3.00

	report := engine.Summary("hosp-main", reportFrom, reportTo, src)

	var flagged *domain.ReconciliationCheck
	for i := range report.Reconciliation {
		if report.Reconciliation[i].Name == "invoice_items_vs_headers" {
			flagged = &report.Reconciliation[i]
		}
	}
	if flagged == nil || flagged.Matched {
		t.Fatalf("corrupted header tax should flag the items-vs-headers check: %+v", report.Reconciliation)
	}
	if len(report.Warnings) == 0 {
		t.Fatalf("expected a warning for the mismatch")
	}
	if !strings.Contains(report.Warnings[0], "invoice_items_vs_headers") {
		t.Fatalf("warning should name the failed check: %q", report.Warnings[0])
	}
}

func TestSummary_ReconciliationFlagsReturnLineDrift(t *testing.T) {
	engine := NewEngine(0)
	src := consistentSource()
	// A return line that drifted from its header tax by 5 rupees.
	src.ReturnLines[0].TaxAmount += 5.00

	report := engine.Summary("hosp-main", reportFrom, reportTo, src)

	var flagged *domain.ReconciliationCheck
	for i := range report.Reconciliation {
		if report.Reconciliation[i].Name == "return_items_vs_headers" {
			flagged = &report.Reconciliation[i]
		}
	}
	if flagged == nil {
		t.Fatalf("return_items_vs_headers check missing: %+v", report.Reconciliation)
	}
	if flagged.Matched {
		t.Fatalf("drifted return line should fail the return items-vs-headers check: %+v", flagged)
	}
	if flagged.Diff == 0 {
		t.Fatalf("diff should be nonzero: %+v", flagged)
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "return_items_vs_headers") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a warning naming the return check, got %v", report.Warnings)
	}
}

func TestSummary_ReconciliationFlagsNetTaxDrift(t *testing.T) {
	engine := NewEngine(0)
	report := engine.Summary("hosp-main", reportFrom, reportTo, consistentSource())

	// Tamper with the assembled report and re-run the checks: the fresh
	// recomputation must disagree with the reported liability.
	report.NetTaxPayable += 10.00
	checks, warnings := engine.reconcile(report, consistentSource())

	matched := true
	for _, c := range checks {
		if c.Name == "net_tax_payable_recomputed" {
			matched = c.Matched
		}
	}
	if matched {
		t.Fatalf("tampered net tax payable should fail the recompute check: %+v", checks)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a warning for the net tax drift")
	}
}

func TestSummary_ToleranceAbsorbsRoundingNoise(t *testing.T) {
	engine := NewEngine(0)
	src := consistentSource()
	src.InvoiceHeaders[0].TaxAmount += 0.30

	report := engine.Summary("hosp-main", reportFrom, reportTo, src)
	for _, c := range report.Reconciliation {
		if !c.Matched {
			t.Fatalf("0.30 drift is within tolerance, check %s should still match", c.Name)
		}
	}
}

func TestSummary_LedgerQuantityMismatch(t *testing.T) {
	engine := NewEngine(0)
	src := consistentSource()
	src.SaleQuantities[0].LedgerQty = 18 // two units unaccounted for

	report := engine.Summary("hosp-main", reportFrom, reportTo, src)
	matched := true
	for _, c := range report.Reconciliation {
		if c.Name == "ledger_sale_qty_vs_invoiced_qty" {
			matched = c.Matched
		}
	}
	if matched {
		t.Fatalf("ledger quantity drift should fail the quantity check")
	}
}

func TestGSTR1_HSNSummaryBucketsBlankUnderUnspecified(t *testing.T) {
	engine := NewEngine(0)
	report := engine.GSTR1("hosp-main", reportFrom, reportTo, consistentSource())

	if len(report.HSNSummary) != 2 {
		t.Fatalf("expected 2 HSN rows, got %+v", report.HSNSummary)
	}
	// "3004" sorts before "UNSPECIFIED".
	if report.HSNSummary[0].HSNCode != "3004" {
		t.Fatalf("expected 3004 row first, got %+v", report.HSNSummary[0])
	}
	if report.HSNSummary[1].HSNCode != "UNSPECIFIED" {
		t.Fatalf("blank HSN should bucket under UNSPECIFIED, got %+v", report.HSNSummary[1])
	}
	if report.HSNSummary[1].TaxableValue != 450.00 {
		t.Fatalf("UNSPECIFIED taxable: expected 450.00, got %.2f", report.HSNSummary[1].TaxableValue)
	}
}

func TestGSTR1_CreditNotes(t *testing.T) {
	engine := NewEngine(0)
	report := engine.GSTR1("hosp-main", reportFrom, reportTo, consistentSource())

	if len(report.CreditNotes) != 1 {
		t.Fatalf("expected 1 credit note, got %d", len(report.CreditNotes))
	}
	note := report.CreditNotes[0]
	if note.InvoiceNumber != "INV-0001" || note.TaxAmount != 5.70 {
		t.Fatalf("credit note should carry original invoice and return tax: %+v", note)
	}
}

func TestGSTR3B_NetLiability(t *testing.T) {
	engine := NewEngine(0)
	report := engine.GSTR3B("hosp-main", reportFrom, reportTo, consistentSource())

	if report.OutwardSupplies.TaxAmount != 45.30 {
		t.Fatalf("outward tax: expected 45.30, got %.2f", report.OutwardSupplies.TaxAmount)
	}
	if report.InwardITC.TaxAmount != 72.00 {
		t.Fatalf("inward ITC: expected 72.00, got %.2f", report.InwardITC.TaxAmount)
	}
	if report.NetTaxPayable != -32.40 {
		t.Fatalf("net tax payable: expected -32.40, got %.2f", report.NetTaxPayable)
	}
}

func TestMargRows_SplitsGSTHalfAndHalf(t *testing.T) {
	engine := NewEngine(0)
	src := consistentSource()
	// Odd paise amount: half of 0.05 cannot round cleanly on both sides.
	src.SalesLines = append(src.SalesLines, domain.SalesLineRow{
		InvoiceID: "inv-3", InvoiceNumber: "INV-0003", InvoiceDate: reportFrom,
		MedicationID: "med-x", MedicationName: "ORS Sachet",
		Quantity: 1, UnitPrice: 1.00, TaxableAmount: 1.00, TaxPct: 5, TaxAmount: 0.05, LineTotal: 1.05,
	})

	rows := engine.MargRows(src)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.IGSTAmount != 0 {
			t.Fatalf("IGST must always be zero, got %.2f on %s", row.IGSTAmount, row.InvoiceNumber)
		}
		gst := domain.Round2(row.CGSTAmount + row.SGSTAmount)
		want := domain.Round2(rowGST(row))
		if gst != want {
			t.Fatalf("CGST+SGST should equal line GST on %s: %.2f != %.2f", row.InvoiceNumber, gst, want)
		}
	}
}

// rowGST recovers the line GST from the export row for the split assertion.
func rowGST(row domain.MargExportRow) float64 {
	return domain.Round2(row.LineTotal - row.TaxableValue)
}
