package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"aushadhi/backend/internal/cache"
	"aushadhi/backend/internal/domain"
	"aushadhi/backend/internal/gst"
	"aushadhi/backend/internal/store"
	"aushadhi/backend/internal/xid"
)

// ErrForbidden marks operations the acting user's role does not allow.
var ErrForbidden = errors.New("admin role required")

const reportCacheTTL = 5 * time.Minute

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	gstEngine         *gst.Engine
	reports           cache.ReportCache
	defaultHospitalID string
}

func New(repo store.Repository, engine *gst.Engine, reports cache.ReportCache, defaultHospitalID string) *Service {
	if engine == nil {
		engine = gst.NewEngine(0)
	}
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	return &Service{
		repo:              repo,
		gstEngine:         engine,
		reports:           reports,
		defaultHospitalID: defaultHospitalID,
	}
}

// ---- medications ----

func (s *Service) CreateMedication(ctx context.Context, req domain.MedicationCreateRequest) (*domain.Medication, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", store.ErrValidation)
	}
	if req.UnitPrice <= 0 {
		return nil, fmt.Errorf("unit_price must be positive: %w", store.ErrValidation)
	}
	if req.GSTRate < 0 || req.GSTRate > 100 {
		return nil, fmt.Errorf("gst_rate must be between 0 and 100: %w", store.ErrValidation)
	}
	if req.OpeningStock < 0 {
		return nil, fmt.Errorf("opening_stock cannot be negative: %w", store.ErrValidation)
	}

	med := domain.Medication{
		ID:            xid.New("med"),
		HospitalID:    s.defaultHospitalID,
		Name:          name,
		GenericName:   strings.TrimSpace(req.GenericName),
		HSNCode:       strings.ToUpper(strings.TrimSpace(req.HSNCode)),
		Manufacturer:  strings.TrimSpace(req.Manufacturer),
		UnitPrice:     domain.Round2(req.UnitPrice),
		PurchasePrice: domain.Round2(req.PurchasePrice),
		GSTRate:       req.GSTRate,
		ReorderLevel:  req.ReorderLevel,
	}

	var openingBatch *domain.MedicationBatch
	if req.OpeningStock > 0 {
		batchNo := strings.TrimSpace(req.BatchNo)
		if batchNo == "" {
			batchNo = "OPN-" + med.ID
		}
		openingBatch = &domain.MedicationBatch{
			BatchNo:     batchNo,
			ExpiryDate:  req.ExpiryDate,
			QtyReceived: req.OpeningStock,
			UnitCost:    med.PurchasePrice,
		}
	}

	actor, _ := ActorFromContext(ctx)
	created, err := s.repo.CreateMedication(ctx, med, openingBatch, actor.Username)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, created.HospitalID, "medication.create", "medication", created.ID,
		fmt.Sprintf("name=%s opening_stock=%d", created.Name, req.OpeningStock))
	return created, nil
}

func (s *Service) GetMedication(ctx context.Context, id string) (*domain.Medication, error) {
	return s.repo.GetMedicationByID(ctx, id)
}

func (s *Service) ListMedications(ctx context.Context, hospitalID string, includeInactive bool) ([]domain.Medication, error) {
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	return s.repo.ListMedications(ctx, hospitalID, includeInactive)
}

func (s *Service) UpdateMedication(ctx context.Context, id string, req domain.MedicationUpdateRequest) (*domain.Medication, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetMedicationByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.GenericName != nil {
		updated.GenericName = strings.TrimSpace(*req.GenericName)
	}
	if req.HSNCode != nil {
		updated.HSNCode = strings.ToUpper(strings.TrimSpace(*req.HSNCode))
	}
	if req.Manufacturer != nil {
		updated.Manufacturer = strings.TrimSpace(*req.Manufacturer)
	}
	if req.UnitPrice != nil {
		updated.UnitPrice = domain.Round2(*req.UnitPrice)
	}
	if req.PurchasePrice != nil {
		updated.PurchasePrice = domain.Round2(*req.PurchasePrice)
	}
	if req.GSTRate != nil {
		if *req.GSTRate < 0 || *req.GSTRate > 100 {
			return nil, fmt.Errorf("gst_rate must be between 0 and 100: %w", store.ErrValidation)
		}
		updated.GSTRate = *req.GSTRate
	}
	if req.ReorderLevel != nil {
		updated.ReorderLevel = *req.ReorderLevel
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateMedication(ctx, updated)
	if err != nil {
		return nil, err
	}

	if req.UnitPrice != nil && existing.UnitPrice != saved.UnitPrice {
		actor, _ := ActorFromContext(ctx)
		if err := s.repo.CreatePriceHistory(ctx, domain.MedicationPriceHistory{
			MedicationID: saved.ID,
			OldPrice:     existing.UnitPrice,
			NewPrice:     saved.UnitPrice,
			ChangedBy:    actor.Username,
		}); err != nil {
			log.Printf("[service] WARN: failed to record price history for %s: %v", saved.ID, err)
		}
	}

	s.logAudit(ctx, saved.HospitalID, "medication.update", "medication", saved.ID, "")
	return saved, nil
}

func (s *Service) ListPriceHistory(ctx context.Context, medicationID string, limit int) ([]domain.MedicationPriceHistory, error) {
	return s.repo.ListPriceHistory(ctx, medicationID, limit)
}

func (s *Service) AdjustStock(ctx context.Context, medicationID string, req domain.StockAdjustmentRequest) (*domain.Medication, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if req.Quantity < 1 {
		return nil, fmt.Errorf("quantity must be positive: %w", store.ErrValidation)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("reason is required for stock adjustments: %w", store.ErrValidation)
	}

	actor, _ := ActorFromContext(ctx)
	entry := domain.StockLedgerEntry{
		MedicationID:  medicationID,
		ReferenceType: domain.RefAdjustment,
		ReferenceID:   medicationID,
		Remarks:       strings.TrimSpace(req.Reason),
		CreatedBy:     actor.Username,
	}
	switch req.Direction {
	case "add":
		entry.EntryType = domain.EntryManualAdd
		entry.QuantityIn = req.Quantity
	case "subtract":
		entry.EntryType = domain.EntryManualSubtract
		entry.QuantityOut = req.Quantity
	default:
		return nil, fmt.Errorf("direction must be add or subtract: %w", store.ErrValidation)
	}

	med, err := s.repo.AdjustStock(ctx, entry)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, med.HospitalID, "stock.adjust", "medication", med.ID,
		fmt.Sprintf("direction=%s qty=%d reason=%s", req.Direction, req.Quantity, entry.Remarks))
	return med, nil
}

func (s *Service) ListBatches(ctx context.Context, medicationID string, includeDepleted bool) ([]domain.MedicationBatch, error) {
	return s.repo.ListBatches(ctx, medicationID, includeDepleted)
}

func (s *Service) ListLedgerEntries(ctx context.Context, medicationID string, from, to time.Time, limit int) ([]domain.StockLedgerEntry, error) {
	return s.repo.ListLedgerEntries(ctx, medicationID, from, to, limit)
}

// ---- invoices ----

// CreateInvoice prices and rounds every line, then hands the whole invoice
// to the store, which deducts stock batch-by-batch and writes the invoice,
// items and ledger entries in one transaction.
func (s *Service) CreateInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (domain.InvoiceResponse, error) {
	hospitalID := req.HospitalID
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	if len(req.Items) == 0 {
		return domain.InvoiceResponse{}, fmt.Errorf("invoice needs at least one item: %w", store.ErrValidation)
	}
	paymentMode := strings.ToLower(strings.TrimSpace(req.PaymentMode))
	if paymentMode == "" {
		paymentMode = domain.PaymentCash
	}
	if !isSupportedPaymentMode(paymentMode) {
		return domain.InvoiceResponse{}, fmt.Errorf("unsupported payment mode %q: %w", paymentMode, store.ErrValidation)
	}

	invoiceDate := time.Now().UTC()
	if req.InvoiceDate != nil {
		invoiceDate = req.InvoiceDate.UTC()
	}

	actor, _ := ActorFromContext(ctx)
	inv := domain.MedicineInvoice{
		HospitalID:  hospitalID,
		PatientID:   strings.TrimSpace(req.PatientID),
		PatientName: strings.TrimSpace(req.PatientName),
		InvoiceDate: invoiceDate,
		PaymentMode: paymentMode,
		Paid:        req.Paid,
		Notes:       strings.TrimSpace(req.Notes),
		CreatedBy:   actor.Username,
	}

	var subtotal, discountTotal, taxTotal, grandTotal float64
	for _, itemReq := range req.Items {
		if itemReq.MedicationID == "" {
			return domain.InvoiceResponse{}, fmt.Errorf("medication_id is required on every item: %w", store.ErrValidation)
		}
		if itemReq.Quantity < 1 {
			return domain.InvoiceResponse{}, fmt.Errorf("quantity must be positive: %w", store.ErrValidation)
		}
		if itemReq.DiscountPct < 0 || itemReq.DiscountPct > 100 {
			return domain.InvoiceResponse{}, fmt.Errorf("discount_pct must be between 0 and 100: %w", store.ErrValidation)
		}

		med, err := s.repo.GetMedicationByID(ctx, itemReq.MedicationID)
		if err != nil {
			return domain.InvoiceResponse{}, err
		}
		if !med.Active {
			return domain.InvoiceResponse{}, fmt.Errorf("medication %s is inactive: %w", med.Name, store.ErrValidation)
		}
		if med.HospitalID != hospitalID {
			return domain.InvoiceResponse{}, fmt.Errorf("medication %s belongs to another hospital: %w", med.Name, store.ErrValidation)
		}

		unitPrice := med.UnitPrice
		if itemReq.UnitPrice != nil {
			if *itemReq.UnitPrice <= 0 {
				return domain.InvoiceResponse{}, fmt.Errorf("unit_price must be positive: %w", store.ErrValidation)
			}
			unitPrice = domain.Round2(*itemReq.UnitPrice)
		}
		taxPct := med.GSTRate
		if itemReq.TaxPct != nil {
			if *itemReq.TaxPct < 0 || *itemReq.TaxPct > 100 {
				return domain.InvoiceResponse{}, fmt.Errorf("tax_pct must be between 0 and 100: %w", store.ErrValidation)
			}
			taxPct = *itemReq.TaxPct
		}

		// Each step rounds to 2 decimals before feeding the next.
		lineSubtotal := domain.Round2(float64(itemReq.Quantity) * unitPrice)
		lineDiscount := domain.Round2(lineSubtotal * itemReq.DiscountPct / 100)
		taxable := domain.Round2(lineSubtotal - lineDiscount)
		lineTax := domain.Round2(taxable * taxPct / 100)
		lineTotal := domain.Round2(taxable + lineTax)

		inv.Items = append(inv.Items, domain.MedicineInvoiceItem{
			MedicationID:   med.ID,
			MedicationName: med.Name,
			HSNCode:        med.HSNCode,
			Quantity:       itemReq.Quantity,
			UnitPrice:      unitPrice,
			DiscountPct:    itemReq.DiscountPct,
			TaxPct:         taxPct,
			LineSubtotal:   lineSubtotal,
			LineDiscount:   lineDiscount,
			TaxableAmount:  taxable,
			LineTax:        lineTax,
			LineTotal:      lineTotal,
		})
		subtotal += lineSubtotal
		discountTotal += lineDiscount
		taxTotal += lineTax
		grandTotal += lineTotal
	}

	inv.Subtotal = domain.Round2(subtotal)
	inv.DiscountAmount = domain.Round2(discountTotal)
	inv.TaxAmount = domain.Round2(taxTotal)
	inv.TotalAmount = domain.Round2(grandTotal)

	created, err := s.repo.CreateInvoice(ctx, inv)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}

	s.logAudit(ctx, created.HospitalID, "invoice.create", "invoice", created.ID,
		fmt.Sprintf("number=%s items=%d total=%.2f", created.InvoiceNumber, len(created.Items), created.TotalAmount))
	return domain.InvoiceResponse{Invoice: *created}, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (*domain.MedicineInvoice, error) {
	return s.repo.GetInvoiceByID(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, hospitalID string, from, to time.Time, limit int) ([]domain.MedicineInvoice, error) {
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	return s.repo.ListInvoices(ctx, hospitalID, from, to, limit)
}

// ---- returns ----

// CreateReturn processes a partial return against an invoice. The call is
// idempotent on request_id: replaying the same request returns the stored
// result and moves no stock a second time.
func (s *Service) CreateReturn(ctx context.Context, invoiceID string, req domain.ReturnCreateRequest) (domain.ReturnResponse, error) {
	if invoiceID == "" {
		return domain.ReturnResponse{}, fmt.Errorf("invoice id is required: %w", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.ReturnResponse{}, fmt.Errorf("return needs at least one item: %w", store.ErrValidation)
	}

	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if existing, err := s.repo.FindReturnByRequestID(ctx, invoiceID, requestID); err == nil {
		return domain.ReturnResponse{Return: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.ReturnResponse{}, err
	}

	inv, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	soldByItem := make(map[string]domain.MedicineInvoiceItem, len(inv.Items))
	for _, item := range inv.Items {
		soldByItem[item.ID] = item
	}
	returnedByItem, err := s.repo.ReturnedQtyByItem(ctx, invoiceID)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	actor, _ := ActorFromContext(ctx)
	ret := domain.MedicineInvoiceReturn{
		ID:         xid.New("ret"),
		HospitalID: inv.HospitalID,
		InvoiceID:  invoiceID,
		RequestID:  requestID,
		Reason:     strings.TrimSpace(req.Reason),
		CreatedBy:  actor.Username,
	}
	if req.ReturnDate != nil {
		ret.ReturnDate = req.ReturnDate.UTC()
	}

	var subtotal, taxTotal, grandTotal float64
	seen := make(map[string]bool, len(req.Items))
	for _, itemReq := range req.Items {
		sold, ok := soldByItem[itemReq.InvoiceItemID]
		if !ok {
			return domain.ReturnResponse{}, fmt.Errorf("invoice item %s does not belong to invoice %s: %w",
				itemReq.InvoiceItemID, invoiceID, store.ErrValidation)
		}
		if itemReq.Quantity < 1 {
			return domain.ReturnResponse{}, fmt.Errorf("return quantity must be positive: %w", store.ErrValidation)
		}
		if seen[itemReq.InvoiceItemID] {
			return domain.ReturnResponse{}, fmt.Errorf("invoice item %s listed twice: %w", itemReq.InvoiceItemID, store.ErrValidation)
		}
		seen[itemReq.InvoiceItemID] = true

		already := returnedByItem[itemReq.InvoiceItemID]
		if already+itemReq.Quantity > sold.Quantity {
			return domain.ReturnResponse{}, &store.OverReturnError{
				InvoiceItemID:   itemReq.InvoiceItemID,
				SoldQty:         sold.Quantity,
				AlreadyReturned: already,
				Requested:       itemReq.Quantity,
			}
		}

		// Derive per-unit values from the original rounded line, then
		// re-round at the return line granularity.
		perUnitTaxable := sold.TaxableAmount / float64(sold.Quantity)
		perUnitTax := sold.LineTax / float64(sold.Quantity)
		taxable := domain.Round2(perUnitTaxable * float64(itemReq.Quantity))
		tax := domain.Round2(perUnitTax * float64(itemReq.Quantity))
		lineTotal := domain.Round2(taxable + tax)

		ret.Items = append(ret.Items, domain.MedicineInvoiceReturnItem{
			InvoiceItemID: itemReq.InvoiceItemID,
			MedicationID:  sold.MedicationID,
			Quantity:      itemReq.Quantity,
			UnitPrice:     sold.UnitPrice,
			TaxPct:        sold.TaxPct,
			TaxableAmount: taxable,
			TaxAmount:     tax,
			LineTotal:     lineTotal,
		})
		subtotal += taxable
		taxTotal += tax
		grandTotal += lineTotal
	}

	ret.Subtotal = domain.Round2(subtotal)
	ret.TaxAmount = domain.Round2(taxTotal)
	ret.Total = domain.Round2(grandTotal)

	created, err := s.repo.CreateReturn(ctx, ret)
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	// The store resolves request_id races by returning the first writer's
	// row; a different id than ours means this was a replay.
	duplicate := created.ID != ret.ID
	if !duplicate {
		s.logAudit(ctx, created.HospitalID, "invoice.return", "invoice_return", created.ID,
			fmt.Sprintf("invoice=%s total=%.2f", invoiceID, created.Total))
	}
	return domain.ReturnResponse{Return: *created, Duplicate: duplicate}, nil
}

func (s *Service) ListReturns(ctx context.Context, invoiceID string) ([]domain.MedicineInvoiceReturn, error) {
	return s.repo.ListReturnsByInvoice(ctx, invoiceID)
}

// ---- purchases ----

func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseCreateRequest) (*domain.StockPurchase, error) {
	hospitalID := req.HospitalID
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	if req.MedicationID == "" {
		return nil, fmt.Errorf("medication_id is required: %w", store.ErrValidation)
	}
	if req.Quantity < 1 {
		return nil, fmt.Errorf("quantity must be positive: %w", store.ErrValidation)
	}
	if req.UnitCost <= 0 {
		return nil, fmt.Errorf("unit_cost must be positive: %w", store.ErrValidation)
	}
	batchNo := strings.ToUpper(strings.TrimSpace(req.BatchNo))
	if batchNo == "" {
		return nil, fmt.Errorf("batch_no is required: %w", store.ErrValidation)
	}

	med, err := s.repo.GetMedicationByID(ctx, req.MedicationID)
	if err != nil {
		return nil, err
	}
	taxPct := med.GSTRate
	if req.TaxPct != nil {
		if *req.TaxPct < 0 || *req.TaxPct > 100 {
			return nil, fmt.Errorf("tax_pct must be between 0 and 100: %w", store.ErrValidation)
		}
		taxPct = *req.TaxPct
	}

	unitCost := domain.Round2(req.UnitCost)
	taxable := domain.Round2(float64(req.Quantity) * unitCost)
	tax := domain.Round2(taxable * taxPct / 100)
	total := domain.Round2(taxable + tax)

	actor, _ := ActorFromContext(ctx)
	purchase := domain.StockPurchase{
		HospitalID:    hospitalID,
		SupplierID:    strings.TrimSpace(req.SupplierID),
		MedicationID:  med.ID,
		SupplierBill:  strings.TrimSpace(req.SupplierBill),
		BatchNo:       batchNo,
		ExpiryDate:    req.ExpiryDate,
		Quantity:      req.Quantity,
		UnitCost:      unitCost,
		TaxableAmount: taxable,
		TaxPct:        taxPct,
		TaxAmount:     tax,
		TotalAmount:   total,
		CreatedBy:     actor.Username,
	}
	if req.PurchaseDate != nil {
		purchase.PurchaseDate = req.PurchaseDate.UTC()
	}

	created, err := s.repo.CreatePurchase(ctx, purchase)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, created.HospitalID, "purchase.create", "purchase", created.ID,
		fmt.Sprintf("medication=%s batch=%s qty=%d", med.Name, batchNo, req.Quantity))
	return created, nil
}

func (s *Service) ListPurchases(ctx context.Context, hospitalID string, from, to time.Time, limit int) ([]domain.StockPurchase, error) {
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	return s.repo.ListPurchases(ctx, hospitalID, from, to, limit)
}

func (s *Service) CreatePurchaseReturn(ctx context.Context, req domain.PurchaseReturnRequest) (*domain.StockPurchaseReturn, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if req.PurchaseID == "" {
		return nil, fmt.Errorf("purchase_id is required: %w", store.ErrValidation)
	}
	if req.Quantity < 1 {
		return nil, fmt.Errorf("quantity must be positive: %w", store.ErrValidation)
	}

	purchase, err := s.repo.GetPurchaseByID(ctx, req.PurchaseID)
	if err != nil {
		return nil, err
	}
	if req.Quantity > purchase.Quantity {
		return nil, fmt.Errorf("cannot return %d of %d purchased: %w", req.Quantity, purchase.Quantity, store.ErrValidation)
	}

	perUnitTaxable := purchase.TaxableAmount / float64(purchase.Quantity)
	perUnitTax := purchase.TaxAmount / float64(purchase.Quantity)
	taxable := domain.Round2(perUnitTaxable * float64(req.Quantity))
	tax := domain.Round2(perUnitTax * float64(req.Quantity))
	total := domain.Round2(taxable + tax)

	actor, _ := ActorFromContext(ctx)
	pr := domain.StockPurchaseReturn{
		HospitalID:    purchase.HospitalID,
		PurchaseID:    purchase.ID,
		MedicationID:  purchase.MedicationID,
		BatchID:       purchase.BatchID,
		Quantity:      req.Quantity,
		TaxableAmount: taxable,
		TaxPct:        purchase.TaxPct,
		TaxAmount:     tax,
		TotalAmount:   total,
		Reason:        strings.TrimSpace(req.Reason),
		CreatedBy:     actor.Username,
	}

	created, err := s.repo.CreatePurchaseReturn(ctx, pr)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, created.HospitalID, "purchase.return", "purchase_return", created.ID,
		fmt.Sprintf("purchase=%s qty=%d", purchase.ID, req.Quantity))
	return created, nil
}

// ---- suppliers ----

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (*domain.Supplier, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", store.ErrValidation)
	}

	sup := domain.Supplier{
		HospitalID: s.defaultHospitalID,
		Name:       name,
		GSTIN:      strings.ToUpper(strings.TrimSpace(req.GSTIN)),
		Phone:      strings.TrimSpace(req.Phone),
		Email:      strings.TrimSpace(req.Email),
		Address:    strings.TrimSpace(req.Address),
	}
	created, err := s.repo.CreateSupplier(ctx, sup)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, created.HospitalID, "supplier.create", "supplier", created.ID, "name="+created.Name)
	return created, nil
}

func (s *Service) ListSuppliers(ctx context.Context, hospitalID string) ([]domain.Supplier, error) {
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	return s.repo.ListSuppliers(ctx, hospitalID)
}

// ---- GST reports ----

func (s *Service) GSTSummary(ctx context.Context, hospitalID string, from, to time.Time) (domain.GSTSummaryReport, error) {
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	key := reportKey("summary", hospitalID, from, to)
	var cached domain.GSTSummaryReport
	if s.readCachedReport(ctx, key, &cached) {
		return cached, nil
	}

	src, err := s.fetchSourceData(ctx, hospitalID, from, to)
	if err != nil {
		return domain.GSTSummaryReport{}, err
	}
	report := s.gstEngine.Summary(hospitalID, from, to, src)
	s.writeCachedReport(ctx, key, report)
	return report, nil
}

func (s *Service) GSTR1(ctx context.Context, hospitalID string, from, to time.Time) (domain.GSTR1Report, error) {
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	key := reportKey("gstr1", hospitalID, from, to)
	var cached domain.GSTR1Report
	if s.readCachedReport(ctx, key, &cached) {
		return cached, nil
	}

	src, err := s.fetchSourceData(ctx, hospitalID, from, to)
	if err != nil {
		return domain.GSTR1Report{}, err
	}
	report := s.gstEngine.GSTR1(hospitalID, from, to, src)
	s.writeCachedReport(ctx, key, report)
	return report, nil
}

func (s *Service) GSTR3B(ctx context.Context, hospitalID string, from, to time.Time) (domain.GSTR3BReport, error) {
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	key := reportKey("gstr3b", hospitalID, from, to)
	var cached domain.GSTR3BReport
	if s.readCachedReport(ctx, key, &cached) {
		return cached, nil
	}

	src, err := s.fetchSourceData(ctx, hospitalID, from, to)
	if err != nil {
		return domain.GSTR3BReport{}, err
	}
	report := s.gstEngine.GSTR3B(hospitalID, from, to, src)
	s.writeCachedReport(ctx, key, report)
	return report, nil
}

func (s *Service) MargExport(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.MargExportRow, error) {
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	src, err := s.fetchSourceData(ctx, hospitalID, from, to)
	if err != nil {
		return nil, err
	}
	return s.gstEngine.MargRows(src), nil
}

func (s *Service) fetchSourceData(ctx context.Context, hospitalID string, from, to time.Time) (gst.SourceData, error) {
	var src gst.SourceData
	var err error
	if src.SalesLines, err = s.repo.ListSalesLines(ctx, hospitalID, from, to); err != nil {
		return src, err
	}
	if src.InvoiceHeaders, err = s.repo.ListInvoiceHeaders(ctx, hospitalID, from, to); err != nil {
		return src, err
	}
	if src.ReturnLines, err = s.repo.ListReturnLines(ctx, hospitalID, from, to); err != nil {
		return src, err
	}
	if src.ReturnHeaders, err = s.repo.ListReturnHeaders(ctx, hospitalID, from, to); err != nil {
		return src, err
	}
	if src.PurchaseLines, err = s.repo.ListPurchaseLines(ctx, hospitalID, from, to); err != nil {
		return src, err
	}
	if src.PurchaseReturnLines, err = s.repo.ListPurchaseReturnLines(ctx, hospitalID, from, to); err != nil {
		return src, err
	}
	if src.SaleQuantities, err = s.repo.ListSaleQuantities(ctx, hospitalID, from, to); err != nil {
		return src, err
	}
	return src, nil
}

func reportKey(kind, hospitalID string, from, to time.Time) string {
	return fmt.Sprintf("gst:%s:%s:%s:%s", kind, hospitalID, from.Format("20060102"), to.Format("20060102"))
}

func (s *Service) readCachedReport(ctx context.Context, key string, out any) bool {
	payload, ok, err := s.reports.Get(ctx, key)
	if err != nil {
		log.Printf("[service] WARN: report cache read %s: %v", key, err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		log.Printf("[service] WARN: report cache decode %s: %v", key, err)
		return false
	}
	return true
}

func (s *Service) writeCachedReport(ctx context.Context, key string, report any) {
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := s.reports.Set(ctx, key, payload, reportCacheTTL); err != nil {
		log.Printf("[service] WARN: report cache write %s: %v", key, err)
	}
}

// ---- users ----

func (s *Service) CreateStaffUser(ctx context.Context, req domain.StaffCreateRequest) (*domain.UserAccount, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" {
		return nil, fmt.Errorf("username is required: %w", store.ErrValidation)
	}
	if len(req.Password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters: %w", store.ErrValidation)
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = domain.RolePharmacist
	}
	if role != domain.RoleAdmin && role != domain.RolePharmacist {
		return nil, fmt.Errorf("unknown role %q: %w", role, store.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.repo.CreateUser(ctx, domain.UserAccount{
		Username: username,
		Password: string(hash),
		Role:     role,
		FullName: strings.TrimSpace(req.FullName),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, s.defaultHospitalID, "user.create", "user", created.Username, "role="+created.Role)
	return created, nil
}

func (s *Service) ListStaff(ctx context.Context) ([]domain.UserAccount, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListUsers(ctx)
}

// ---- audit ----

func (s *Service) ListAuditLogs(ctx context.Context, hospitalID string, limit int) ([]domain.AuditLog, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}
	return s.repo.ListAuditLogs(ctx, hospitalID, limit)
}

func (s *Service) logAudit(ctx context.Context, hospitalID string, action string, entityType string, entityID string, detail string) {
	if hospitalID == "" {
		hospitalID = s.defaultHospitalID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		HospitalID:    hospitalID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// ---- helpers ----

func (s *Service) requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func isSupportedPaymentMode(mode string) bool {
	switch mode {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentUPI:
		return true
	default:
		return false
	}
}
