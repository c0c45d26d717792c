package domain

import "time"

// Ledger entry types. Every stock movement is recorded as exactly one of
// these; quantity_in and quantity_out are mutually exclusive per entry.
const (
	EntryOpening        = "opening"
	EntryPurchase       = "purchase"
	EntrySale           = "sale"
	EntrySalesReturn    = "sales_return"
	EntryPurchaseReturn = "purchase_return"
	EntryManualAdd      = "manual_add"
	EntryManualSubtract = "manual_subtract"
)

// Reference document types carried on ledger entries.
const (
	RefInvoice        = "invoice"
	RefInvoiceReturn  = "invoice_return"
	RefPurchase       = "purchase"
	RefPurchaseReturn = "purchase_return"
	RefAdjustment     = "adjustment"
	RefOpening        = "opening"
)

const (
	PaymentCash = "cash"
	PaymentCard = "card"
	PaymentUPI  = "upi"
)

const (
	RoleAdmin      = "admin"
	RolePharmacist = "pharmacist"
)

// Medication is the master record. StockQuantity is the denormalized
// aggregate: it always equals the sum of batch quantities plus any legacy
// unbatched remainder, and is only ever updated in the same transaction as
// the batch and ledger writes.
type Medication struct {
	ID            string    `json:"id"`
	HospitalID    string    `json:"hospital_id"`
	Name          string    `json:"name"`
	GenericName   string    `json:"generic_name,omitempty"`
	HSNCode       string    `json:"hsn_code,omitempty"`
	Manufacturer  string    `json:"manufacturer,omitempty"`
	UnitPrice     float64   `json:"unit_price"`
	PurchasePrice float64   `json:"purchase_price"`
	GSTRate       float64   `json:"gst_rate"`
	StockQuantity int       `json:"stock_quantity"`
	ReorderLevel  int       `json:"reorder_level"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MedicationBatch is one received lot of a medication. QtyAvailable never
// exceeds QtyReceived and never goes negative. Expired batches stay on the
// row (for audit) but are skipped by allocation.
type MedicationBatch struct {
	ID           string     `json:"id"`
	HospitalID   string     `json:"hospital_id"`
	MedicationID string     `json:"medication_id"`
	BatchNo      string     `json:"batch_no"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
	QtyReceived  int        `json:"qty_received"`
	QtyAvailable int        `json:"qty_available"`
	UnitCost     float64    `json:"unit_cost"`
	ReceivedAt   time.Time  `json:"received_at"`
}

// StockLedgerEntry is an append-only movement record. BatchID is empty when
// the movement touched legacy unbatched stock. BalanceAfter snapshots the
// medication aggregate immediately after this movement applied.
type StockLedgerEntry struct {
	ID            string    `json:"id"`
	HospitalID    string    `json:"hospital_id"`
	MedicationID  string    `json:"medication_id"`
	BatchID       string    `json:"batch_id,omitempty"`
	EntryType     string    `json:"entry_type"`
	QuantityIn    int       `json:"quantity_in"`
	QuantityOut   int       `json:"quantity_out"`
	BalanceAfter  int       `json:"balance_after"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id"`
	Remarks       string    `json:"remarks,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

type MedicineInvoice struct {
	ID             string                `json:"id"`
	HospitalID     string                `json:"hospital_id"`
	InvoiceNumber  string                `json:"invoice_number"`
	PatientID      string                `json:"patient_id,omitempty"`
	PatientName    string                `json:"patient_name,omitempty"`
	InvoiceDate    time.Time             `json:"invoice_date"`
	Subtotal       float64               `json:"subtotal"`
	DiscountAmount float64               `json:"discount_amount"`
	TaxAmount      float64               `json:"tax_amount"`
	TotalAmount    float64               `json:"total_amount"`
	PaymentMode    string                `json:"payment_mode"`
	Paid           bool                  `json:"paid"`
	Notes          string                `json:"notes,omitempty"`
	CreatedBy      string                `json:"created_by"`
	CreatedAt      time.Time             `json:"created_at"`
	Items          []MedicineInvoiceItem `json:"items"`
}

// MedicineInvoiceItem snapshots the medication name, HSN and batch at sale
// time so later master edits do not rewrite history.
type MedicineInvoiceItem struct {
	ID             string     `json:"id"`
	InvoiceID      string     `json:"invoice_id"`
	MedicationID   string     `json:"medication_id"`
	MedicationName string     `json:"medication_name"`
	HSNCode        string     `json:"hsn_code,omitempty"`
	BatchID        string     `json:"batch_id,omitempty"`
	BatchNo        string     `json:"batch_no,omitempty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
	Quantity       int        `json:"quantity"`
	UnitPrice      float64    `json:"unit_price"`
	DiscountPct    float64    `json:"discount_pct"`
	TaxPct         float64    `json:"tax_pct"`
	LineSubtotal   float64    `json:"line_subtotal"`
	LineDiscount   float64    `json:"line_discount"`
	TaxableAmount  float64    `json:"taxable_amount"`
	LineTax        float64    `json:"line_tax"`
	LineTotal      float64    `json:"line_total"`
}

type MedicineInvoiceReturn struct {
	ID         string                      `json:"id"`
	HospitalID string                      `json:"hospital_id"`
	InvoiceID  string                      `json:"invoice_id"`
	RequestID  string                      `json:"request_id"`
	ReturnDate time.Time                   `json:"return_date"`
	Reason     string                      `json:"reason,omitempty"`
	Subtotal   float64                     `json:"subtotal"`
	TaxAmount  float64                     `json:"tax_amount"`
	Total      float64                     `json:"total"`
	CreatedBy  string                      `json:"created_by"`
	CreatedAt  time.Time                   `json:"created_at"`
	Items      []MedicineInvoiceReturnItem `json:"items"`
}

type MedicineInvoiceReturnItem struct {
	ID            string  `json:"id"`
	ReturnID      string  `json:"return_id"`
	InvoiceItemID string  `json:"invoice_item_id"`
	MedicationID  string  `json:"medication_id"`
	Quantity      int     `json:"quantity"`
	UnitPrice     float64 `json:"unit_price"`
	TaxPct        float64 `json:"tax_pct"`
	TaxableAmount float64 `json:"taxable_amount"`
	TaxAmount     float64 `json:"tax_amount"`
	LineTotal     float64 `json:"line_total"`
}

type StockPurchase struct {
	ID            string     `json:"id"`
	HospitalID    string     `json:"hospital_id"`
	SupplierID    string     `json:"supplier_id,omitempty"`
	MedicationID  string     `json:"medication_id"`
	SupplierBill  string     `json:"supplier_bill,omitempty"`
	PurchaseDate  time.Time  `json:"purchase_date"`
	BatchNo       string     `json:"batch_no"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	Quantity      int        `json:"quantity"`
	UnitCost      float64    `json:"unit_cost"`
	TaxableAmount float64    `json:"taxable_amount"`
	TaxPct        float64    `json:"tax_pct"`
	TaxAmount     float64    `json:"tax_amount"`
	TotalAmount   float64    `json:"total_amount"`
	BatchID       string     `json:"batch_id"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

type StockPurchaseReturn struct {
	ID            string    `json:"id"`
	HospitalID    string    `json:"hospital_id"`
	PurchaseID    string    `json:"purchase_id"`
	MedicationID  string    `json:"medication_id"`
	BatchID       string    `json:"batch_id"`
	ReturnDate    time.Time `json:"return_date"`
	Quantity      int       `json:"quantity"`
	TaxableAmount float64   `json:"taxable_amount"`
	TaxPct        float64   `json:"tax_pct"`
	TaxAmount     float64   `json:"tax_amount"`
	TotalAmount   float64   `json:"total_amount"`
	Reason        string    `json:"reason,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

type Supplier struct {
	ID         string    `json:"id"`
	HospitalID string    `json:"hospital_id"`
	Name       string    `json:"name"`
	GSTIN      string    `json:"gstin,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Email      string    `json:"email,omitempty"`
	Address    string    `json:"address,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type MedicationPriceHistory struct {
	ID           string    `json:"id"`
	MedicationID string    `json:"medication_id"`
	OldPrice     float64   `json:"old_price"`
	NewPrice     float64   `json:"new_price"`
	ChangedBy    string    `json:"changed_by"`
	ChangedAt    time.Time `json:"changed_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	HospitalID    string    `json:"hospital_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	FullName  string    `json:"full_name,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// ---- requests ----

type MedicationCreateRequest struct {
	Name          string     `json:"name"`
	GenericName   string     `json:"generic_name"`
	HSNCode       string     `json:"hsn_code"`
	Manufacturer  string     `json:"manufacturer"`
	UnitPrice     float64    `json:"unit_price"`
	PurchasePrice float64    `json:"purchase_price"`
	GSTRate       float64    `json:"gst_rate"`
	ReorderLevel  int        `json:"reorder_level"`
	OpeningStock  int        `json:"opening_stock"`
	BatchNo       string     `json:"batch_no"`
	ExpiryDate    *time.Time `json:"expiry_date"`
}

type MedicationUpdateRequest struct {
	Name          *string  `json:"name,omitempty"`
	GenericName   *string  `json:"generic_name,omitempty"`
	HSNCode       *string  `json:"hsn_code,omitempty"`
	Manufacturer  *string  `json:"manufacturer,omitempty"`
	UnitPrice     *float64 `json:"unit_price,omitempty"`
	PurchasePrice *float64 `json:"purchase_price,omitempty"`
	GSTRate       *float64 `json:"gst_rate,omitempty"`
	ReorderLevel  *int     `json:"reorder_level,omitempty"`
	Active        *bool    `json:"active,omitempty"`
}

type StockAdjustmentRequest struct {
	Direction string `json:"direction"` // "add" or "subtract"
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
	AdminPIN  string `json:"admin_pin"`
}

type InvoiceItemRequest struct {
	MedicationID string   `json:"medication_id"`
	Quantity     int      `json:"quantity"`
	UnitPrice    *float64 `json:"unit_price,omitempty"`
	DiscountPct  float64  `json:"discount_pct"`
	TaxPct       *float64 `json:"tax_pct,omitempty"`
}

type InvoiceCreateRequest struct {
	HospitalID  string               `json:"hospital_id"`
	PatientID   string               `json:"patient_id"`
	PatientName string               `json:"patient_name"`
	InvoiceDate *time.Time           `json:"invoice_date"`
	PaymentMode string               `json:"payment_mode"`
	Paid        bool                 `json:"paid"`
	Notes       string               `json:"notes"`
	Items       []InvoiceItemRequest `json:"items"`
}

type InvoiceResponse struct {
	Invoice   MedicineInvoice `json:"invoice"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

type ReturnItemRequest struct {
	InvoiceItemID string `json:"invoice_item_id"`
	Quantity      int    `json:"quantity"`
}

type ReturnCreateRequest struct {
	RequestID  string              `json:"request_id"`
	ReturnDate *time.Time          `json:"return_date"`
	Reason     string              `json:"reason"`
	Items      []ReturnItemRequest `json:"items"`
}

type ReturnResponse struct {
	Return    MedicineInvoiceReturn `json:"return"`
	Duplicate bool                  `json:"duplicate,omitempty"`
}

type PurchaseCreateRequest struct {
	HospitalID   string     `json:"hospital_id"`
	SupplierID   string     `json:"supplier_id"`
	MedicationID string     `json:"medication_id"`
	SupplierBill string     `json:"supplier_bill"`
	PurchaseDate *time.Time `json:"purchase_date"`
	BatchNo      string     `json:"batch_no"`
	ExpiryDate   *time.Time `json:"expiry_date"`
	Quantity     int        `json:"quantity"`
	UnitCost     float64    `json:"unit_cost"`
	TaxPct       *float64   `json:"tax_pct,omitempty"`
}

type PurchaseReturnRequest struct {
	PurchaseID string `json:"purchase_id"`
	Quantity   int    `json:"quantity"`
	Reason     string `json:"reason"`
}

type SupplierCreateRequest struct {
	Name    string `json:"name"`
	GSTIN   string `json:"gstin"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// ---- GST reporting ----

// GSTRateBucket aggregates taxable value and tax for one GST rate.
type GSTRateBucket struct {
	RatePct      float64 `json:"rate_pct"`
	TaxableValue float64 `json:"taxable_value"`
	TaxAmount    float64 `json:"tax_amount"`
	InvoiceCount int     `json:"invoice_count"`
	Quantity     int     `json:"quantity"`
}

type GSTMedicineRow struct {
	MedicationID   string  `json:"medication_id"`
	MedicationName string  `json:"medication_name"`
	HSNCode        string  `json:"hsn_code"`
	Quantity       int     `json:"quantity"`
	TaxableValue   float64 `json:"taxable_value"`
	TaxAmount      float64 `json:"tax_amount"`
	RatePct        float64 `json:"rate_pct"`
}

// ReconciliationCheck is one advisory cross-check on the GST summary.
// Mismatches beyond tolerance surface as warnings, never as errors.
type ReconciliationCheck struct {
	Name     string  `json:"name"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
	Diff     float64 `json:"diff"`
	Matched  bool    `json:"matched"`
	Details  string  `json:"details,omitempty"`
}

type GSTSummaryReport struct {
	HospitalID     string                `json:"hospital_id"`
	FromDate       string                `json:"from_date"`
	ToDate         string                `json:"to_date"`
	OutputTaxable  float64               `json:"output_taxable"`
	OutputGST      float64               `json:"output_gst"`
	ReturnsTaxable float64               `json:"returns_taxable"`
	ReturnsGST     float64               `json:"returns_gst"`
	InputTaxable   float64               `json:"input_taxable"`
	InputGST       float64               `json:"input_gst"`
	NetTaxPayable  float64               `json:"net_tax_payable"`
	OutputByRate   []GSTRateBucket       `json:"output_by_rate"`
	InputByRate    []GSTRateBucket       `json:"input_by_rate"`
	Medicines      []GSTMedicineRow      `json:"medicines"`
	Reconciliation []ReconciliationCheck `json:"reconciliation"`
	Warnings       []string              `json:"warnings,omitempty"`
	GeneratedAt    string                `json:"generated_at"`
}

type GSTR1InvoiceRow struct {
	InvoiceNumber string  `json:"invoice_number"`
	InvoiceDate   string  `json:"invoice_date"`
	PatientName   string  `json:"patient_name,omitempty"`
	TaxableValue  float64 `json:"taxable_value"`
	TaxAmount     float64 `json:"tax_amount"`
	TotalValue    float64 `json:"total_value"`
}

type GSTR1CreditNoteRow struct {
	ReturnID      string  `json:"return_id"`
	InvoiceNumber string  `json:"invoice_number"`
	ReturnDate    string  `json:"return_date"`
	TaxableValue  float64 `json:"taxable_value"`
	TaxAmount     float64 `json:"tax_amount"`
}

// GSTR1HSNRow groups outward supplies by HSN code; lines with no HSN fall
// into the UNSPECIFIED bucket.
type GSTR1HSNRow struct {
	HSNCode      string  `json:"hsn_code"`
	Description  string  `json:"description"`
	Quantity     int     `json:"quantity"`
	TaxableValue float64 `json:"taxable_value"`
	TaxAmount    float64 `json:"tax_amount"`
}

type GSTR1Report struct {
	HospitalID  string               `json:"hospital_id"`
	FromDate    string               `json:"from_date"`
	ToDate      string               `json:"to_date"`
	ByRate      []GSTRateBucket      `json:"by_rate"`
	B2CInvoices []GSTR1InvoiceRow    `json:"b2c_invoices"`
	CreditNotes []GSTR1CreditNoteRow `json:"credit_notes"`
	HSNSummary  []GSTR1HSNRow        `json:"hsn_summary"`
	GeneratedAt string               `json:"generated_at"`
}

type GSTR3BSection struct {
	TaxableValue float64 `json:"taxable_value"`
	TaxAmount    float64 `json:"tax_amount"`
}

type GSTR3BReport struct {
	HospitalID      string        `json:"hospital_id"`
	FromDate        string        `json:"from_date"`
	ToDate          string        `json:"to_date"`
	OutwardSupplies GSTR3BSection `json:"outward_supplies"`
	CreditNotes     GSTR3BSection `json:"credit_notes"`
	InwardITC       GSTR3BSection `json:"inward_itc"`
	NetTaxPayable   float64       `json:"net_tax_payable"`
	GeneratedAt     string        `json:"generated_at"`
}

// MargExportRow is one invoice line in the Marg-compatible CSV layout.
// Intra-state assumption: CGST and SGST each carry half the GST amount and
// IGST is always zero.
type MargExportRow struct {
	InvoiceNumber  string
	InvoiceDate    string
	PatientName    string
	MedicationName string
	HSNCode        string
	BatchNo        string
	ExpiryDate     string
	Quantity       int
	UnitPrice      float64
	DiscountAmount float64
	TaxableValue   float64
	GSTRate        float64
	CGSTAmount     float64
	SGSTAmount     float64
	IGSTAmount     float64
	LineTotal      float64
}

// ---- flat report source rows (store -> gst engine) ----

// SalesLineRow is a flattened invoice line joined with its header, the shape
// the reporting queries return.
type SalesLineRow struct {
	InvoiceID      string
	InvoiceNumber  string
	InvoiceDate    time.Time
	PatientName    string
	MedicationID   string
	MedicationName string
	HSNCode        string
	BatchNo        string
	ExpiryDate     *time.Time
	Quantity       int
	UnitPrice      float64
	LineDiscount   float64
	TaxableAmount  float64
	TaxPct         float64
	TaxAmount      float64
	LineTotal      float64
}

type InvoiceHeaderRow struct {
	InvoiceID      string
	InvoiceNumber  string
	InvoiceDate    time.Time
	PatientName    string
	Subtotal       float64
	DiscountAmount float64
	TaxAmount      float64
	TotalAmount    float64
}

type ReturnHeaderRow struct {
	ReturnID   string
	InvoiceID  string
	ReturnDate time.Time
	Subtotal   float64
	TaxAmount  float64
	Total      float64
}

type ReturnLineRow struct {
	ReturnID      string
	InvoiceID     string
	InvoiceNumber string
	ReturnDate    time.Time
	MedicationID  string
	Quantity      int
	TaxableAmount float64
	TaxPct        float64
	TaxAmount     float64
	LineTotal     float64
}

type PurchaseRow struct {
	PurchaseID    string
	MedicationID  string
	HSNCode       string
	PurchaseDate  time.Time
	Quantity      int
	TaxableAmount float64
	TaxPct        float64
	TaxAmount     float64
	TotalAmount   float64
}

// SaleQuantityRow pairs the ledger's recorded sale quantity with the
// invoiced quantity for one medication, for the quantity reconciliation.
type SaleQuantityRow struct {
	MedicationID string
	LedgerQty    int
	InvoicedQty  int
}
