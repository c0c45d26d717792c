package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aushadhi/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOverReturn        = errors.New("return exceeds sold quantity")
)

// InsufficientStockError names the medication that could not be covered and
// the quantities involved. It unwraps to ErrInsufficientStock so callers can
// keep using errors.Is.
type InsufficientStockError struct {
	MedicationID   string
	MedicationName string
	Requested      int
	Available      int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.MedicationName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// OverReturnError reports a return request that would push the cumulative
// returned quantity past the sold quantity for one invoice item.
type OverReturnError struct {
	InvoiceItemID   string
	SoldQty         int
	AlreadyReturned int
	Requested       int
}

func (e *OverReturnError) Remaining() int { return e.SoldQty - e.AlreadyReturned }

func (e *OverReturnError) Error() string {
	return fmt.Sprintf("cannot return %d of invoice item %s: %d sold, %d already returned, %d remaining",
		e.Requested, e.InvoiceItemID, e.SoldQty, e.AlreadyReturned, e.Remaining())
}

func (e *OverReturnError) Unwrap() error { return ErrOverReturn }

// Repository is the persistence contract shared by the Postgres store and
// the in-memory store. All monetary fields on inputs are expected to be
// pre-rounded to 2 decimals by the service; implementations persist them
// as-is and keep the stock aggregate, batches and ledger consistent within
// a single transaction per call.
type Repository interface {
	// Medications
	CreateMedication(ctx context.Context, med domain.Medication, openingBatch *domain.MedicationBatch, createdBy string) (*domain.Medication, error)
	GetMedicationByID(ctx context.Context, id string) (*domain.Medication, error)
	ListMedications(ctx context.Context, hospitalID string, includeInactive bool) ([]domain.Medication, error)
	UpdateMedication(ctx context.Context, med domain.Medication) (*domain.Medication, error)
	AdjustStock(ctx context.Context, entry domain.StockLedgerEntry) (*domain.Medication, error)
	CreatePriceHistory(ctx context.Context, entry domain.MedicationPriceHistory) error
	ListPriceHistory(ctx context.Context, medicationID string, limit int) ([]domain.MedicationPriceHistory, error)

	// Batches and ledger
	ListBatches(ctx context.Context, medicationID string, includeDepleted bool) ([]domain.MedicationBatch, error)
	ListLedgerEntries(ctx context.Context, medicationID string, from, to time.Time, limit int) ([]domain.StockLedgerEntry, error)

	// Invoices
	CreateInvoice(ctx context.Context, inv domain.MedicineInvoice) (*domain.MedicineInvoice, error)
	GetInvoiceByID(ctx context.Context, id string) (*domain.MedicineInvoice, error)
	ListInvoices(ctx context.Context, hospitalID string, from, to time.Time, limit int) ([]domain.MedicineInvoice, error)

	// Returns
	CreateReturn(ctx context.Context, ret domain.MedicineInvoiceReturn) (*domain.MedicineInvoiceReturn, error)
	FindReturnByRequestID(ctx context.Context, invoiceID, requestID string) (*domain.MedicineInvoiceReturn, error)
	ListReturnsByInvoice(ctx context.Context, invoiceID string) ([]domain.MedicineInvoiceReturn, error)
	ReturnedQtyByItem(ctx context.Context, invoiceID string) (map[string]int, error)

	// Purchases
	CreatePurchase(ctx context.Context, p domain.StockPurchase) (*domain.StockPurchase, error)
	GetPurchaseByID(ctx context.Context, id string) (*domain.StockPurchase, error)
	ListPurchases(ctx context.Context, hospitalID string, from, to time.Time, limit int) ([]domain.StockPurchase, error)
	CreatePurchaseReturn(ctx context.Context, pr domain.StockPurchaseReturn) (*domain.StockPurchaseReturn, error)

	// Suppliers
	CreateSupplier(ctx context.Context, sup domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context, hospitalID string) ([]domain.Supplier, error)

	// Reporting source rows
	ListSalesLines(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.SalesLineRow, error)
	ListInvoiceHeaders(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.InvoiceHeaderRow, error)
	ListReturnLines(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.ReturnLineRow, error)
	ListReturnHeaders(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.ReturnHeaderRow, error)
	ListPurchaseLines(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.PurchaseRow, error)
	ListPurchaseReturnLines(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.PurchaseRow, error)
	ListSaleQuantities(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.SaleQuantityRow, error)

	// Audit
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, hospitalID string, limit int) ([]domain.AuditLog, error)

	// Users
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username, passwordHash string) error
}
