// Package gst builds GST summary, GSTR-1, GSTR-3B and Marg export reports
// from flattened sales, return and purchase rows. The engine is pure: it
// never touches the database, it only aggregates the rows handed to it.
package gst

import (
	"fmt"
	"sort"
	"time"

	"aushadhi/backend/internal/domain"
)

// DefaultTolerance is the absolute difference (in currency units) below
// which a reconciliation cross-check counts as matched.
const DefaultTolerance = 0.5

const hsnUnspecified = "UNSPECIFIED"

type Engine struct {
	tolerance float64
}

func NewEngine(tolerance float64) *Engine {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Engine{tolerance: tolerance}
}

// SourceData carries everything a reporting window needs, fetched once by
// the service layer.
type SourceData struct {
	SalesLines          []domain.SalesLineRow
	InvoiceHeaders      []domain.InvoiceHeaderRow
	ReturnLines         []domain.ReturnLineRow
	ReturnHeaders       []domain.ReturnHeaderRow
	PurchaseLines       []domain.PurchaseRow
	PurchaseReturnLines []domain.PurchaseRow
	SaleQuantities      []domain.SaleQuantityRow
}

func (e *Engine) Summary(hospitalID string, from, to time.Time, src SourceData) domain.GSTSummaryReport {
	outputTaxable, outputGST := 0.0, 0.0
	for _, line := range src.SalesLines {
		outputTaxable += line.TaxableAmount
		outputGST += line.TaxAmount
	}
	returnsTaxable, returnsGST := 0.0, 0.0
	for _, line := range src.ReturnLines {
		returnsTaxable += line.TaxableAmount
		returnsGST += line.TaxAmount
	}
	inputTaxable, inputGST := 0.0, 0.0
	for _, row := range src.PurchaseLines {
		inputTaxable += row.TaxableAmount
		inputGST += row.TaxAmount
	}
	for _, row := range src.PurchaseReturnLines {
		inputTaxable -= row.TaxableAmount
		inputGST -= row.TaxAmount
	}

	report := domain.GSTSummaryReport{
		HospitalID:     hospitalID,
		FromDate:       from.Format("2006-01-02"),
		ToDate:         to.Format("2006-01-02"),
		OutputTaxable:  domain.Round2(outputTaxable),
		OutputGST:      domain.Round2(outputGST),
		ReturnsTaxable: domain.Round2(returnsTaxable),
		ReturnsGST:     domain.Round2(returnsGST),
		InputTaxable:   domain.Round2(inputTaxable),
		InputGST:       domain.Round2(inputGST),
		OutputByRate:   salesRateBuckets(src.SalesLines),
		InputByRate:    purchaseRateBuckets(src.PurchaseLines, src.PurchaseReturnLines),
		Medicines:      medicineRows(src.SalesLines),
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	report.NetTaxPayable = domain.Round2(report.OutputGST - report.ReturnsGST - report.InputGST)
	report.Reconciliation, report.Warnings = e.reconcile(report, src)
	return report
}

// reconcile runs the advisory cross-checks: both sides of each pair are
// summed independently, so a drifting aggregation path shows up as a
// mismatch. A mismatch beyond the tolerance produces a warning on the
// report; it never fails the report.
func (e *Engine) reconcile(report domain.GSTSummaryReport, src SourceData) ([]domain.ReconciliationCheck, []string) {
	invHeaderSum := 0.0
	for _, h := range src.InvoiceHeaders {
		invHeaderSum += (h.Subtotal - h.DiscountAmount) + h.TaxAmount
	}
	invLineSum := 0.0
	for _, l := range src.SalesLines {
		invLineSum += l.TaxableAmount + l.TaxAmount
	}
	retHeaderSum := 0.0
	for _, h := range src.ReturnHeaders {
		retHeaderSum += h.Subtotal + h.TaxAmount
	}
	retLineSum := 0.0
	for _, l := range src.ReturnLines {
		retLineSum += l.TaxableAmount + l.TaxAmount
	}
	outputBucketSum := 0.0
	for _, b := range report.OutputByRate {
		outputBucketSum += b.TaxableValue + b.TaxAmount
	}
	inputBucketSum := 0.0
	for _, b := range report.InputByRate {
		inputBucketSum += b.TaxableValue + b.TaxAmount
	}
	netRecomputed := 0.0
	for _, l := range src.SalesLines {
		netRecomputed += l.TaxAmount
	}
	for _, l := range src.ReturnLines {
		netRecomputed -= l.TaxAmount
	}
	for _, row := range src.PurchaseLines {
		netRecomputed -= row.TaxAmount
	}
	for _, row := range src.PurchaseReturnLines {
		netRecomputed += row.TaxAmount
	}
	ledgerQty, invoicedQty := 0, 0
	for _, q := range src.SaleQuantities {
		ledgerQty += q.LedgerQty
		invoicedQty += q.InvoicedQty
	}

	checks := []domain.ReconciliationCheck{
		e.check("invoice_items_vs_headers", domain.Round2(invLineSum), domain.Round2(invHeaderSum),
			"invoice-item taxable+tax vs invoice-header taxable+tax"),
		e.check("return_items_vs_headers", domain.Round2(retLineSum), domain.Round2(retHeaderSum),
			"return-item taxable+tax vs return-header taxable+tax"),
		e.check("output_rate_buckets_vs_flat_total", domain.Round2(outputBucketSum),
			domain.Round2(report.OutputTaxable+report.OutputGST),
			"by-rate output taxable+tax vs flat output total"),
		e.check("input_rate_buckets_vs_flat_total", domain.Round2(inputBucketSum),
			domain.Round2(report.InputTaxable+report.InputGST),
			"by-rate input taxable+tax vs flat input total"),
		e.check("net_tax_payable_recomputed", domain.Round2(netRecomputed), report.NetTaxPayable,
			"output minus returns minus input GST, recomputed from raw lines"),
		e.check("ledger_sale_qty_vs_invoiced_qty", float64(invoicedQty), float64(ledgerQty),
			"quantities sold per stock ledger vs invoiced quantities"),
	}

	var warnings []string
	for _, c := range checks {
		if !c.Matched {
			warnings = append(warnings, fmt.Sprintf("%s: expected %.2f, got %.2f (diff %.2f)",
				c.Name, c.Expected, c.Actual, c.Diff))
		}
	}
	return checks, warnings
}

func (e *Engine) check(name string, expected, actual float64, details string) domain.ReconciliationCheck {
	diff := domain.Round2(expected - actual)
	matched := diff <= e.tolerance && diff >= -e.tolerance
	return domain.ReconciliationCheck{
		Name:     name,
		Expected: expected,
		Actual:   actual,
		Diff:     diff,
		Matched:  matched,
		Details:  details,
	}
}

func (e *Engine) GSTR1(hospitalID string, from, to time.Time, src SourceData) domain.GSTR1Report {
	invoices := make([]domain.GSTR1InvoiceRow, 0, len(src.InvoiceHeaders))
	for _, h := range src.InvoiceHeaders {
		invoices = append(invoices, domain.GSTR1InvoiceRow{
			InvoiceNumber: h.InvoiceNumber,
			InvoiceDate:   h.InvoiceDate.Format("2006-01-02"),
			PatientName:   h.PatientName,
			TaxableValue:  domain.Round2(h.Subtotal - h.DiscountAmount),
			TaxAmount:     h.TaxAmount,
			TotalValue:    h.TotalAmount,
		})
	}
	sort.Slice(invoices, func(i, j int) bool { return invoices[i].InvoiceNumber < invoices[j].InvoiceNumber })

	return domain.GSTR1Report{
		HospitalID:  hospitalID,
		FromDate:    from.Format("2006-01-02"),
		ToDate:      to.Format("2006-01-02"),
		ByRate:      salesRateBuckets(src.SalesLines),
		B2CInvoices: invoices,
		CreditNotes: creditNoteRows(src.ReturnLines),
		HSNSummary:  hsnSummary(src.SalesLines),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func (e *Engine) GSTR3B(hospitalID string, from, to time.Time, src SourceData) domain.GSTR3BReport {
	var outward, credit, inward domain.GSTR3BSection
	for _, l := range src.SalesLines {
		outward.TaxableValue += l.TaxableAmount
		outward.TaxAmount += l.TaxAmount
	}
	for _, l := range src.ReturnLines {
		credit.TaxableValue += l.TaxableAmount
		credit.TaxAmount += l.TaxAmount
	}
	for _, row := range src.PurchaseLines {
		inward.TaxableValue += row.TaxableAmount
		inward.TaxAmount += row.TaxAmount
	}
	for _, row := range src.PurchaseReturnLines {
		inward.TaxableValue -= row.TaxableAmount
		inward.TaxAmount -= row.TaxAmount
	}
	outward.TaxableValue = domain.Round2(outward.TaxableValue)
	outward.TaxAmount = domain.Round2(outward.TaxAmount)
	credit.TaxableValue = domain.Round2(credit.TaxableValue)
	credit.TaxAmount = domain.Round2(credit.TaxAmount)
	inward.TaxableValue = domain.Round2(inward.TaxableValue)
	inward.TaxAmount = domain.Round2(inward.TaxAmount)

	return domain.GSTR3BReport{
		HospitalID:      hospitalID,
		FromDate:        from.Format("2006-01-02"),
		ToDate:          to.Format("2006-01-02"),
		OutwardSupplies: outward,
		CreditNotes:     credit,
		InwardITC:       inward,
		NetTaxPayable:   domain.Round2(outward.TaxAmount - credit.TaxAmount - inward.TaxAmount),
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}
}

// MargRows flattens sales lines into the Marg-compatible export layout.
// CGST takes half the line GST rounded, SGST the remainder, so the two
// always sum back to the line GST. IGST stays zero (intra-state sales).
func (e *Engine) MargRows(src SourceData) []domain.MargExportRow {
	rows := make([]domain.MargExportRow, 0, len(src.SalesLines))
	for _, l := range src.SalesLines {
		cgst := domain.Round2(l.TaxAmount / 2)
		sgst := domain.Round2(l.TaxAmount - cgst)
		expiry := ""
		if l.ExpiryDate != nil {
			expiry = l.ExpiryDate.Format("01/2006")
		}
		rows = append(rows, domain.MargExportRow{
			InvoiceNumber:  l.InvoiceNumber,
			InvoiceDate:    l.InvoiceDate.Format("02-01-2006"),
			PatientName:    l.PatientName,
			MedicationName: l.MedicationName,
			HSNCode:        l.HSNCode,
			BatchNo:        l.BatchNo,
			ExpiryDate:     expiry,
			Quantity:       l.Quantity,
			UnitPrice:      l.UnitPrice,
			DiscountAmount: l.LineDiscount,
			TaxableValue:   l.TaxableAmount,
			GSTRate:        l.TaxPct,
			CGSTAmount:     cgst,
			SGSTAmount:     sgst,
			IGSTAmount:     0,
			LineTotal:      l.LineTotal,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].InvoiceNumber == rows[j].InvoiceNumber {
			return rows[i].MedicationName < rows[j].MedicationName
		}
		return rows[i].InvoiceNumber < rows[j].InvoiceNumber
	})
	return rows
}

func salesRateBuckets(lines []domain.SalesLineRow) []domain.GSTRateBucket {
	byRate := make(map[float64]*domain.GSTRateBucket)
	invoicesByRate := make(map[float64]map[string]bool)
	for _, l := range lines {
		bucket, ok := byRate[l.TaxPct]
		if !ok {
			bucket = &domain.GSTRateBucket{RatePct: l.TaxPct}
			byRate[l.TaxPct] = bucket
			invoicesByRate[l.TaxPct] = make(map[string]bool)
		}
		bucket.TaxableValue += l.TaxableAmount
		bucket.TaxAmount += l.TaxAmount
		bucket.Quantity += l.Quantity
		invoicesByRate[l.TaxPct][l.InvoiceID] = true
	}
	return finishBuckets(byRate, invoicesByRate)
}

func purchaseRateBuckets(purchases, purchaseReturns []domain.PurchaseRow) []domain.GSTRateBucket {
	byRate := make(map[float64]*domain.GSTRateBucket)
	docsByRate := make(map[float64]map[string]bool)
	apply := func(rows []domain.PurchaseRow, sign float64) {
		for _, row := range rows {
			bucket, ok := byRate[row.TaxPct]
			if !ok {
				bucket = &domain.GSTRateBucket{RatePct: row.TaxPct}
				byRate[row.TaxPct] = bucket
				docsByRate[row.TaxPct] = make(map[string]bool)
			}
			bucket.TaxableValue += sign * row.TaxableAmount
			bucket.TaxAmount += sign * row.TaxAmount
			bucket.Quantity += int(sign) * row.Quantity
			docsByRate[row.TaxPct][row.PurchaseID] = true
		}
	}
	apply(purchases, 1)
	apply(purchaseReturns, -1)
	return finishBuckets(byRate, docsByRate)
}

func finishBuckets(byRate map[float64]*domain.GSTRateBucket, docs map[float64]map[string]bool) []domain.GSTRateBucket {
	buckets := make([]domain.GSTRateBucket, 0, len(byRate))
	for rate, bucket := range byRate {
		bucket.TaxableValue = domain.Round2(bucket.TaxableValue)
		bucket.TaxAmount = domain.Round2(bucket.TaxAmount)
		bucket.InvoiceCount = len(docs[rate])
		buckets = append(buckets, *bucket)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].RatePct < buckets[j].RatePct })
	return buckets
}

func medicineRows(lines []domain.SalesLineRow) []domain.GSTMedicineRow {
	type key struct {
		medicationID string
		rate         float64
	}
	byMed := make(map[key]*domain.GSTMedicineRow)
	for _, l := range lines {
		k := key{l.MedicationID, l.TaxPct}
		row, ok := byMed[k]
		if !ok {
			row = &domain.GSTMedicineRow{
				MedicationID:   l.MedicationID,
				MedicationName: l.MedicationName,
				HSNCode:        l.HSNCode,
				RatePct:        l.TaxPct,
			}
			byMed[k] = row
		}
		row.Quantity += l.Quantity
		row.TaxableValue += l.TaxableAmount
		row.TaxAmount += l.TaxAmount
	}
	rows := make([]domain.GSTMedicineRow, 0, len(byMed))
	for _, row := range byMed {
		row.TaxableValue = domain.Round2(row.TaxableValue)
		row.TaxAmount = domain.Round2(row.TaxAmount)
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].MedicationName == rows[j].MedicationName {
			return rows[i].RatePct < rows[j].RatePct
		}
		return rows[i].MedicationName < rows[j].MedicationName
	})
	return rows
}

func creditNoteRows(lines []domain.ReturnLineRow) []domain.GSTR1CreditNoteRow {
	byReturn := make(map[string]*domain.GSTR1CreditNoteRow)
	for _, l := range lines {
		row, ok := byReturn[l.ReturnID]
		if !ok {
			row = &domain.GSTR1CreditNoteRow{
				ReturnID:      l.ReturnID,
				InvoiceNumber: l.InvoiceNumber,
				ReturnDate:    l.ReturnDate.Format("2006-01-02"),
			}
			byReturn[l.ReturnID] = row
		}
		row.TaxableValue += l.TaxableAmount
		row.TaxAmount += l.TaxAmount
	}
	rows := make([]domain.GSTR1CreditNoteRow, 0, len(byReturn))
	for _, row := range byReturn {
		row.TaxableValue = domain.Round2(row.TaxableValue)
		row.TaxAmount = domain.Round2(row.TaxAmount)
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ReturnID < rows[j].ReturnID })
	return rows
}

func hsnSummary(lines []domain.SalesLineRow) []domain.GSTR1HSNRow {
	byHSN := make(map[string]*domain.GSTR1HSNRow)
	for _, l := range lines {
		hsn := l.HSNCode
		if hsn == "" {
			hsn = hsnUnspecified
		}
		row, ok := byHSN[hsn]
		if !ok {
			row = &domain.GSTR1HSNRow{HSNCode: hsn, Description: l.MedicationName}
			byHSN[hsn] = row
		}
		row.Quantity += l.Quantity
		row.TaxableValue += l.TaxableAmount
		row.TaxAmount += l.TaxAmount
	}
	rows := make([]domain.GSTR1HSNRow, 0, len(byHSN))
	for _, row := range byHSN {
		row.TaxableValue = domain.Round2(row.TaxableValue)
		row.TaxAmount = domain.Round2(row.TaxAmount)
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].HSNCode < rows[j].HSNCode })
	return rows
}
