package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"aushadhi/backend/internal/domain"
	"aushadhi/backend/internal/stock"
	"aushadhi/backend/internal/store"
	"aushadhi/backend/internal/xid"
)

// Store is the in-memory Repository used in dev mode and by tests. A single
// mutex stands in for the row locks the Postgres store takes; each method is
// one atomic "transaction".
type Store struct {
	mu                  sync.RWMutex
	medications         map[string]domain.Medication
	batchesByMed        map[string][]domain.MedicationBatch
	ledger              []domain.StockLedgerEntry
	invoicesByID        map[string]*domain.MedicineInvoice
	invoiceSeq          int
	returnsByID         map[string]domain.MedicineInvoiceReturn
	returnIDByRequest   map[string]string
	purchasesByID       map[string]domain.StockPurchase
	purchaseReturnsByID map[string]domain.StockPurchaseReturn
	suppliersByID       map[string]domain.Supplier
	priceHistoryByMed   map[string][]domain.MedicationPriceHistory
	auditLogs           []domain.AuditLog
	usersByUsername     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		medications:         make(map[string]domain.Medication),
		batchesByMed:        make(map[string][]domain.MedicationBatch),
		ledger:              make([]domain.StockLedgerEntry, 0, 256),
		invoicesByID:        make(map[string]*domain.MedicineInvoice),
		returnsByID:         make(map[string]domain.MedicineInvoiceReturn),
		returnIDByRequest:   make(map[string]string),
		purchasesByID:       make(map[string]domain.StockPurchase),
		purchaseReturnsByID: make(map[string]domain.StockPurchaseReturn),
		suppliersByID:       make(map[string]domain.Supplier),
		priceHistoryByMed:   make(map[string][]domain.MedicationPriceHistory),
		auditLogs:           make([]domain.AuditLog, 0, 128),
		usersByUsername:     seedUsers(),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD;
// hardcoded dev defaults are used (with a warning) when unset. These are
// never used in production, where DATABASE_URL selects the Postgres store.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	pharmacistPwd := envOr("SEED_PHARMACIST_PASSWORD", "pharma123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_PHARMACIST_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		fullName string
	}{
		{"admin", adminPwd, domain.RoleAdmin, "Pharmacy Admin"},
		{"pharmacist", pharmacistPwd, domain.RolePharmacist, "Duty Pharmacist"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			FullName:  u.fullName,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store preloaded with a small pharmacy formulary, each
// medication carrying one opening batch and an opening ledger entry.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	expiry := func(months int) *time.Time {
		t := now.AddDate(0, months, 0)
		return &t
	}

	seeds := []struct {
		med    domain.Medication
		qty    int
		expiry *time.Time
	}{
		{domain.Medication{ID: "med-para-500", Name: "Paracetamol 500mg", GenericName: "Paracetamol", HSNCode: "3004", UnitPrice: 2.50, PurchasePrice: 1.40, GSTRate: 12, ReorderLevel: 100}, 500, expiry(18)},
		{domain.Medication{ID: "med-amox-250", Name: "Amoxicillin 250mg", GenericName: "Amoxicillin", HSNCode: "3004", UnitPrice: 8.00, PurchasePrice: 5.20, GSTRate: 12, ReorderLevel: 60}, 300, expiry(12)},
		{domain.Medication{ID: "med-cet-10", Name: "Cetirizine 10mg", GenericName: "Cetirizine", HSNCode: "3004", UnitPrice: 3.20, PurchasePrice: 1.80, GSTRate: 5, ReorderLevel: 50}, 200, expiry(24)},
		{domain.Medication{ID: "med-ors", Name: "ORS Sachet", GenericName: "Oral Rehydration Salts", HSNCode: "3004", UnitPrice: 21.00, PurchasePrice: 14.00, GSTRate: 5, ReorderLevel: 40}, 150, expiry(9)},
		{domain.Medication{ID: "med-bet-cream", Name: "Betamethasone Cream", GenericName: "Betamethasone", HSNCode: "3004", UnitPrice: 45.00, PurchasePrice: 30.00, GSTRate: 12, ReorderLevel: 20}, 80, expiry(15)},
		{domain.Medication{ID: "med-syr-cough", Name: "Dextromethorphan Syrup", GenericName: "Dextromethorphan", HSNCode: "3004", UnitPrice: 85.00, PurchasePrice: 58.00, GSTRate: 12, ReorderLevel: 25}, 60, expiry(11)},
	}
	for i, seed := range seeds {
		med := seed.med
		med.HospitalID = "hosp-main"
		med.StockQuantity = seed.qty
		med.Active = true
		med.CreatedAt = now
		med.UpdatedAt = now
		s.medications[med.ID] = med

		batch := domain.MedicationBatch{
			ID:           xid.New("bat"),
			HospitalID:   med.HospitalID,
			MedicationID: med.ID,
			BatchNo:      fmt.Sprintf("OPN-%03d", i+1),
			ExpiryDate:   seed.expiry,
			QtyReceived:  seed.qty,
			QtyAvailable: seed.qty,
			UnitCost:     med.PurchasePrice,
			ReceivedAt:   now,
		}
		s.batchesByMed[med.ID] = []domain.MedicationBatch{batch}
		s.ledger = append(s.ledger, domain.StockLedgerEntry{
			ID:            xid.New("led"),
			HospitalID:    med.HospitalID,
			MedicationID:  med.ID,
			BatchID:       batch.ID,
			EntryType:     domain.EntryOpening,
			QuantityIn:    seed.qty,
			BalanceAfter:  seed.qty,
			ReferenceType: domain.RefOpening,
			ReferenceID:   med.ID,
			CreatedBy:     "system",
			CreatedAt:     now,
		})
	}
	return s
}

// ---- medications ----

func (s *Store) CreateMedication(_ context.Context, med domain.Medication, openingBatch *domain.MedicationBatch, createdBy string) (*domain.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if med.ID == "" || med.Name == "" || med.UnitPrice <= 0 {
		return nil, store.ErrValidation
	}
	if _, exists := s.medications[med.ID]; exists {
		return nil, store.ErrValidation
	}

	now := time.Now().UTC()
	med.Active = true
	med.CreatedAt = now
	med.UpdatedAt = now
	med.StockQuantity = 0

	if openingBatch != nil {
		batch := *openingBatch
		if batch.ID == "" {
			batch.ID = xid.New("bat")
		}
		batch.MedicationID = med.ID
		batch.HospitalID = med.HospitalID
		batch.QtyAvailable = batch.QtyReceived
		batch.ReceivedAt = now
		s.batchesByMed[med.ID] = append(s.batchesByMed[med.ID], batch)
		med.StockQuantity = batch.QtyReceived
		s.ledger = append(s.ledger, domain.StockLedgerEntry{
			ID:            xid.New("led"),
			HospitalID:    med.HospitalID,
			MedicationID:  med.ID,
			BatchID:       batch.ID,
			EntryType:     domain.EntryOpening,
			QuantityIn:    batch.QtyReceived,
			BalanceAfter:  med.StockQuantity,
			ReferenceType: domain.RefOpening,
			ReferenceID:   med.ID,
			CreatedBy:     createdBy,
			CreatedAt:     now,
		})
	}

	s.medications[med.ID] = med
	created := med
	return &created, nil
}

func (s *Store) GetMedicationByID(_ context.Context, id string) (*domain.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	med, exists := s.medications[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyMed := med
	return &copyMed, nil
}

func (s *Store) ListMedications(_ context.Context, hospitalID string, includeInactive bool) ([]domain.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meds := make([]domain.Medication, 0, len(s.medications))
	for _, m := range s.medications {
		if hospitalID != "" && m.HospitalID != hospitalID {
			continue
		}
		if !includeInactive && !m.Active {
			continue
		}
		meds = append(meds, m)
	}
	slices.SortFunc(meds, func(a, b domain.Medication) int {
		return strings.Compare(a.Name, b.Name)
	})
	return meds, nil
}

func (s *Store) UpdateMedication(_ context.Context, med domain.Medication) (*domain.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.medications[med.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if med.Name == "" || med.UnitPrice <= 0 {
		return nil, store.ErrValidation
	}

	// Stock fields are owned by the movement paths, never by master updates.
	med.StockQuantity = existing.StockQuantity
	med.CreatedAt = existing.CreatedAt
	med.UpdatedAt = time.Now().UTC()
	s.medications[med.ID] = med
	updated := med
	return &updated, nil
}

func (s *Store) AdjustStock(_ context.Context, entry domain.StockLedgerEntry) (*domain.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	med, exists := s.medications[entry.MedicationID]
	if !exists {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	switch entry.EntryType {
	case domain.EntryManualAdd:
		if entry.QuantityIn < 1 {
			return nil, store.ErrValidation
		}
		med.StockQuantity += entry.QuantityIn
	case domain.EntryManualSubtract:
		if entry.QuantityOut < 1 {
			return nil, store.ErrValidation
		}
		if med.StockQuantity < entry.QuantityOut {
			return nil, &store.InsufficientStockError{
				MedicationID:   med.ID,
				MedicationName: med.Name,
				Requested:      entry.QuantityOut,
				Available:      med.StockQuantity,
			}
		}
		// Drain batches oldest expiry first (expired included: manual
		// subtraction is how expired stock leaves the shelf), remainder
		// comes off the legacy quantity.
		s.drainBatches(med.ID, entry.QuantityOut)
		med.StockQuantity -= entry.QuantityOut
	default:
		return nil, store.ErrValidation
	}

	med.UpdatedAt = now
	s.medications[med.ID] = med

	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	entry.HospitalID = med.HospitalID
	entry.BalanceAfter = med.StockQuantity
	entry.CreatedAt = now
	s.ledger = append(s.ledger, entry)

	updated := med
	return &updated, nil
}

// drainBatches removes qty from batch rows in expiry order without touching
// the aggregate; callers adjust the aggregate themselves.
func (s *Store) drainBatches(medicationID string, qty int) {
	batches := s.batchesByMed[medicationID]
	slices.SortFunc(batches, func(a, b domain.MedicationBatch) int {
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate != nil:
			return 1
		case a.ExpiryDate != nil && b.ExpiryDate == nil:
			return -1
		case a.ExpiryDate != nil && b.ExpiryDate != nil:
			if a.ExpiryDate.Before(*b.ExpiryDate) {
				return -1
			}
			if b.ExpiryDate.Before(*a.ExpiryDate) {
				return 1
			}
		}
		return strings.Compare(a.ID, b.ID)
	})
	remaining := qty
	for i := range batches {
		if remaining == 0 {
			break
		}
		take := remaining
		if take > batches[i].QtyAvailable {
			take = batches[i].QtyAvailable
		}
		batches[i].QtyAvailable -= take
		remaining -= take
	}
	s.batchesByMed[medicationID] = batches
}

func (s *Store) CreatePriceHistory(_ context.Context, entry domain.MedicationPriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	s.priceHistoryByMed[entry.MedicationID] = append(s.priceHistoryByMed[entry.MedicationID], entry)
	return nil
}

func (s *Store) ListPriceHistory(_ context.Context, medicationID string, limit int) ([]domain.MedicationPriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.priceHistoryByMed[medicationID]
	result := make([]domain.MedicationPriceHistory, len(history))
	copy(result, history)
	slices.SortFunc(result, func(a, b domain.MedicationPriceHistory) int {
		if a.ChangedAt.After(b.ChangedAt) {
			return -1
		}
		if b.ChangedAt.After(a.ChangedAt) {
			return 1
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ---- batches and ledger ----

func (s *Store) ListBatches(_ context.Context, medicationID string, includeDepleted bool) ([]domain.MedicationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.medications[medicationID]; !exists {
		return nil, store.ErrNotFound
	}
	batches := make([]domain.MedicationBatch, 0, len(s.batchesByMed[medicationID]))
	for _, b := range s.batchesByMed[medicationID] {
		if !includeDepleted && b.QtyAvailable < 1 {
			continue
		}
		batches = append(batches, b)
	}
	slices.SortFunc(batches, func(a, b domain.MedicationBatch) int {
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate != nil:
			return 1
		case a.ExpiryDate != nil && b.ExpiryDate == nil:
			return -1
		case a.ExpiryDate != nil && b.ExpiryDate != nil:
			if a.ExpiryDate.Before(*b.ExpiryDate) {
				return -1
			}
			if b.ExpiryDate.Before(*a.ExpiryDate) {
				return 1
			}
		}
		return strings.Compare(a.ID, b.ID)
	})
	return batches, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, medicationID string, from, to time.Time, limit int) ([]domain.StockLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.StockLedgerEntry, 0, 64)
	for _, e := range s.ledger {
		if e.MedicationID != medicationID {
			continue
		}
		if !inRange(e.CreatedAt, from, to) {
			continue
		}
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b domain.StockLedgerEntry) int {
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		if b.CreatedAt.After(a.CreatedAt) {
			return 1
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ---- invoices ----

func (s *Store) CreateInvoice(_ context.Context, inv domain.MedicineInvoice) (*domain.MedicineInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(inv.Items) == 0 {
		return nil, store.ErrValidation
	}

	now := time.Now().UTC()
	if inv.InvoiceDate.IsZero() {
		inv.InvoiceDate = now
	}

	// First pass: verify every line can be covered before mutating anything.
	type plannedLine struct {
		itemIdx     int
		allocations []stock.Allocation
	}
	planned := make([]plannedLine, 0, len(inv.Items))
	pendingByMed := make(map[string]int)
	statesByMed := make(map[string][]stock.BatchState)
	for idx, item := range inv.Items {
		if item.Quantity < 1 {
			return nil, store.ErrValidation
		}
		med, exists := s.medications[item.MedicationID]
		if !exists || !med.Active {
			return nil, fmt.Errorf("medication %s unavailable: %w", item.MedicationID, store.ErrNotFound)
		}
		// Plan against a working copy so earlier lines of the same
		// medication in this invoice are already accounted for.
		states, ok := statesByMed[item.MedicationID]
		if !ok {
			states = s.batchStates(item.MedicationID)
		}
		aggregate := med.StockQuantity - pendingByMed[item.MedicationID]
		available := stock.Sellable(states, aggregate, inv.InvoiceDate)
		allocations, err := stock.Allocate(states, aggregate, item.Quantity, inv.InvoiceDate)
		if err != nil {
			return nil, &store.InsufficientStockError{
				MedicationID:   med.ID,
				MedicationName: med.Name,
				Requested:      item.Quantity,
				Available:      available,
			}
		}
		for _, alloc := range allocations {
			if alloc.BatchID == "" {
				continue
			}
			for i := range states {
				if states[i].BatchID == alloc.BatchID {
					states[i].QtyAvailable -= alloc.Qty
					break
				}
			}
		}
		statesByMed[item.MedicationID] = states
		planned = append(planned, plannedLine{itemIdx: idx, allocations: allocations})
		pendingByMed[item.MedicationID] += item.Quantity
	}

	// Second pass: apply deductions, write ledger entries, snapshot batches.
	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	s.invoiceSeq++
	if inv.InvoiceNumber == "" {
		inv.InvoiceNumber = fmt.Sprintf("INV-%s-%05d", inv.InvoiceDate.Format("200601"), s.invoiceSeq)
	}
	inv.CreatedAt = now

	for _, plan := range planned {
		item := &inv.Items[plan.itemIdx]
		med := s.medications[item.MedicationID]
		balance := med.StockQuantity
		for _, alloc := range plan.allocations {
			if alloc.BatchID != "" {
				s.deductBatch(item.MedicationID, alloc.BatchID, alloc.Qty)
			}
			balance -= alloc.Qty
			s.ledger = append(s.ledger, domain.StockLedgerEntry{
				ID:            xid.New("led"),
				HospitalID:    inv.HospitalID,
				MedicationID:  item.MedicationID,
				BatchID:       alloc.BatchID,
				EntryType:     domain.EntrySale,
				QuantityOut:   alloc.Qty,
				BalanceAfter:  balance,
				ReferenceType: domain.RefInvoice,
				ReferenceID:   inv.ID,
				CreatedBy:     inv.CreatedBy,
				CreatedAt:     now,
			})
		}
		med.StockQuantity = balance
		med.UpdatedAt = now
		s.medications[item.MedicationID] = med

		if item.ID == "" {
			item.ID = xid.New("invitem")
		}
		item.InvoiceID = inv.ID
		// Snapshot the first consumed batch on the line.
		if item.BatchNo == "" && plan.allocations[0].BatchID != "" {
			item.BatchID = plan.allocations[0].BatchID
			item.BatchNo = plan.allocations[0].BatchNo
			item.ExpiryDate = plan.allocations[0].ExpiryDate
		}
	}

	saved := cloneInvoice(&inv)
	s.invoicesByID[inv.ID] = saved
	return cloneInvoice(saved), nil
}

func (s *Store) batchStates(medicationID string) []stock.BatchState {
	batches := s.batchesByMed[medicationID]
	states := make([]stock.BatchState, 0, len(batches))
	for _, b := range batches {
		states = append(states, stock.BatchState{
			BatchID:      b.ID,
			BatchNo:      b.BatchNo,
			ExpiryDate:   b.ExpiryDate,
			ReceivedAt:   b.ReceivedAt,
			QtyAvailable: b.QtyAvailable,
		})
	}
	return states
}

func (s *Store) deductBatch(medicationID, batchID string, qty int) {
	batches := s.batchesByMed[medicationID]
	for i := range batches {
		if batches[i].ID == batchID {
			batches[i].QtyAvailable -= qty
			break
		}
	}
	s.batchesByMed[medicationID] = batches
}

func (s *Store) restockBatch(medicationID, batchID string, qty int) {
	batches := s.batchesByMed[medicationID]
	for i := range batches {
		if batches[i].ID == batchID {
			batches[i].QtyAvailable += qty
			break
		}
	}
	s.batchesByMed[medicationID] = batches
}

func (s *Store) GetInvoiceByID(_ context.Context, id string) (*domain.MedicineInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, exists := s.invoicesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (s *Store) ListInvoices(_ context.Context, hospitalID string, from, to time.Time, limit int) ([]domain.MedicineInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoices := make([]domain.MedicineInvoice, 0, len(s.invoicesByID))
	for _, inv := range s.invoicesByID {
		if hospitalID != "" && inv.HospitalID != hospitalID {
			continue
		}
		if !inRange(inv.InvoiceDate, from, to) {
			continue
		}
		invoices = append(invoices, *cloneInvoice(inv))
	}
	slices.SortFunc(invoices, func(a, b domain.MedicineInvoice) int {
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		if b.CreatedAt.After(a.CreatedAt) {
			return 1
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, nil
}

// ---- returns ----

func (s *Store) CreateReturn(_ context.Context, ret domain.MedicineInvoiceReturn) (*domain.MedicineInvoiceReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ret.RequestID == "" || len(ret.Items) == 0 {
		return nil, store.ErrValidation
	}
	if existingID, ok := s.returnIDByRequest[requestKey(ret.InvoiceID, ret.RequestID)]; ok {
		existing := s.returnsByID[existingID]
		return cloneReturn(&existing), nil
	}

	inv, exists := s.invoicesByID[ret.InvoiceID]
	if !exists {
		return nil, store.ErrNotFound
	}

	soldByItem := make(map[string]domain.MedicineInvoiceItem, len(inv.Items))
	for _, item := range inv.Items {
		soldByItem[item.ID] = item
	}
	returnedByItem := s.returnedQtyLocked(ret.InvoiceID)

	// Re-check the cap under the lock even though the service validated it.
	for _, item := range ret.Items {
		sold, ok := soldByItem[item.InvoiceItemID]
		if !ok {
			return nil, store.ErrValidation
		}
		if item.Quantity < 1 {
			return nil, store.ErrValidation
		}
		already := returnedByItem[item.InvoiceItemID]
		if already+item.Quantity > sold.Quantity {
			return nil, &store.OverReturnError{
				InvoiceItemID:   item.InvoiceItemID,
				SoldQty:         sold.Quantity,
				AlreadyReturned: already,
				Requested:       item.Quantity,
			}
		}
	}

	now := time.Now().UTC()
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.ReturnDate.IsZero() {
		ret.ReturnDate = now
	}
	ret.CreatedAt = now

	// Restock into the batch the line was sold from; lines drawn from
	// legacy unbatched stock move the aggregate only.
	for i := range ret.Items {
		item := &ret.Items[i]
		if item.ID == "" {
			item.ID = xid.New("retitem")
		}
		item.ReturnID = ret.ID

		sold := soldByItem[item.InvoiceItemID]
		med := s.medications[sold.MedicationID]
		if sold.BatchID != "" {
			s.restockBatch(sold.MedicationID, sold.BatchID, item.Quantity)
		}

		med.StockQuantity += item.Quantity
		med.UpdatedAt = now
		s.medications[sold.MedicationID] = med

		s.ledger = append(s.ledger, domain.StockLedgerEntry{
			ID:            xid.New("led"),
			HospitalID:    ret.HospitalID,
			MedicationID:  sold.MedicationID,
			BatchID:       sold.BatchID,
			EntryType:     domain.EntrySalesReturn,
			QuantityIn:    item.Quantity,
			BalanceAfter:  med.StockQuantity,
			ReferenceType: domain.RefInvoiceReturn,
			ReferenceID:   ret.ID,
			CreatedBy:     ret.CreatedBy,
			CreatedAt:     now,
		})
	}

	s.returnsByID[ret.ID] = *cloneReturn(&ret)
	s.returnIDByRequest[requestKey(ret.InvoiceID, ret.RequestID)] = ret.ID
	return cloneReturn(&ret), nil
}

func (s *Store) FindReturnByRequestID(_ context.Context, invoiceID, requestID string) (*domain.MedicineInvoiceReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.returnIDByRequest[requestKey(invoiceID, requestID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	ret := s.returnsByID[id]
	return cloneReturn(&ret), nil
}

func (s *Store) ListReturnsByInvoice(_ context.Context, invoiceID string) ([]domain.MedicineInvoiceReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	returns := make([]domain.MedicineInvoiceReturn, 0, 4)
	for _, ret := range s.returnsByID {
		if ret.InvoiceID != invoiceID {
			continue
		}
		returns = append(returns, *cloneReturn(&ret))
	}
	slices.SortFunc(returns, func(a, b domain.MedicineInvoiceReturn) int {
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		if b.CreatedAt.After(a.CreatedAt) {
			return 1
		}
		return strings.Compare(b.ID, a.ID)
	})
	return returns, nil
}

func (s *Store) ReturnedQtyByItem(_ context.Context, invoiceID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returnedQtyLocked(invoiceID), nil
}

func (s *Store) returnedQtyLocked(invoiceID string) map[string]int {
	result := make(map[string]int)
	for _, ret := range s.returnsByID {
		if ret.InvoiceID != invoiceID {
			continue
		}
		for _, item := range ret.Items {
			result[item.InvoiceItemID] += item.Quantity
		}
	}
	return result
}

// ---- purchases ----

func (s *Store) CreatePurchase(_ context.Context, p domain.StockPurchase) (*domain.StockPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.MedicationID == "" || p.Quantity < 1 || p.BatchNo == "" {
		return nil, store.ErrValidation
	}
	med, exists := s.medications[p.MedicationID]
	if !exists {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = xid.New("pur")
	}
	if p.PurchaseDate.IsZero() {
		p.PurchaseDate = now
	}
	p.CreatedAt = now

	batch := domain.MedicationBatch{
		ID:           xid.New("bat"),
		HospitalID:   p.HospitalID,
		MedicationID: p.MedicationID,
		BatchNo:      p.BatchNo,
		ExpiryDate:   p.ExpiryDate,
		QtyReceived:  p.Quantity,
		QtyAvailable: p.Quantity,
		UnitCost:     p.UnitCost,
		ReceivedAt:   now,
	}
	s.batchesByMed[p.MedicationID] = append(s.batchesByMed[p.MedicationID], batch)
	p.BatchID = batch.ID

	med.StockQuantity += p.Quantity
	med.UpdatedAt = now
	s.medications[p.MedicationID] = med

	s.ledger = append(s.ledger, domain.StockLedgerEntry{
		ID:            xid.New("led"),
		HospitalID:    p.HospitalID,
		MedicationID:  p.MedicationID,
		BatchID:       batch.ID,
		EntryType:     domain.EntryPurchase,
		QuantityIn:    p.Quantity,
		BalanceAfter:  med.StockQuantity,
		ReferenceType: domain.RefPurchase,
		ReferenceID:   p.ID,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     now,
	})

	s.purchasesByID[p.ID] = p
	created := p
	return &created, nil
}

func (s *Store) GetPurchaseByID(_ context.Context, id string) (*domain.StockPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.purchasesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyP := p
	return &copyP, nil
}

func (s *Store) ListPurchases(_ context.Context, hospitalID string, from, to time.Time, limit int) ([]domain.StockPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purchases := make([]domain.StockPurchase, 0, len(s.purchasesByID))
	for _, p := range s.purchasesByID {
		if hospitalID != "" && p.HospitalID != hospitalID {
			continue
		}
		if !inRange(p.PurchaseDate, from, to) {
			continue
		}
		purchases = append(purchases, p)
	}
	slices.SortFunc(purchases, func(a, b domain.StockPurchase) int {
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		if b.CreatedAt.After(a.CreatedAt) {
			return 1
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(purchases) > limit {
		purchases = purchases[:limit]
	}
	return purchases, nil
}

func (s *Store) CreatePurchaseReturn(_ context.Context, pr domain.StockPurchaseReturn) (*domain.StockPurchaseReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pr.Quantity < 1 {
		return nil, store.ErrValidation
	}
	purchase, exists := s.purchasesByID[pr.PurchaseID]
	if !exists {
		return nil, store.ErrNotFound
	}
	med := s.medications[purchase.MedicationID]

	// A purchase return deducts from the exact batch that was received.
	batches := s.batchesByMed[purchase.MedicationID]
	batchIdx := -1
	for i := range batches {
		if batches[i].ID == purchase.BatchID {
			batchIdx = i
			break
		}
	}
	if batchIdx == -1 {
		return nil, store.ErrNotFound
	}
	if batches[batchIdx].QtyAvailable < pr.Quantity {
		return nil, &store.InsufficientStockError{
			MedicationID:   med.ID,
			MedicationName: med.Name,
			Requested:      pr.Quantity,
			Available:      batches[batchIdx].QtyAvailable,
		}
	}

	now := time.Now().UTC()
	if pr.ID == "" {
		pr.ID = xid.New("pret")
	}
	if pr.ReturnDate.IsZero() {
		pr.ReturnDate = now
	}
	pr.MedicationID = purchase.MedicationID
	pr.BatchID = purchase.BatchID
	pr.CreatedAt = now

	batches[batchIdx].QtyAvailable -= pr.Quantity
	s.batchesByMed[purchase.MedicationID] = batches

	med.StockQuantity -= pr.Quantity
	med.UpdatedAt = now
	s.medications[med.ID] = med

	s.ledger = append(s.ledger, domain.StockLedgerEntry{
		ID:            xid.New("led"),
		HospitalID:    pr.HospitalID,
		MedicationID:  med.ID,
		BatchID:       pr.BatchID,
		EntryType:     domain.EntryPurchaseReturn,
		QuantityOut:   pr.Quantity,
		BalanceAfter:  med.StockQuantity,
		ReferenceType: domain.RefPurchaseReturn,
		ReferenceID:   pr.ID,
		CreatedBy:     pr.CreatedBy,
		CreatedAt:     now,
	})

	s.purchaseReturnsByID[pr.ID] = pr
	created := pr
	return &created, nil
}

// ---- suppliers ----

func (s *Store) CreateSupplier(_ context.Context, sup domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sup.Name == "" {
		return nil, store.ErrValidation
	}
	if sup.ID == "" {
		sup.ID = xid.New("sup")
	}
	sup.Active = true
	sup.CreatedAt = time.Now().UTC()
	s.suppliersByID[sup.ID] = sup
	created := sup
	return &created, nil
}

func (s *Store) ListSuppliers(_ context.Context, hospitalID string) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, sup := range s.suppliersByID {
		if hospitalID != "" && sup.HospitalID != hospitalID {
			continue
		}
		suppliers = append(suppliers, sup)
	}
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		return strings.Compare(a.Name, b.Name)
	})
	return suppliers, nil
}

// ---- reporting rows ----

func (s *Store) ListSalesLines(_ context.Context, hospitalID string, from, to time.Time) ([]domain.SalesLineRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.SalesLineRow, 0, 64)
	for _, inv := range s.invoicesByID {
		if hospitalID != "" && inv.HospitalID != hospitalID {
			continue
		}
		if !inRange(inv.InvoiceDate, from, to) {
			continue
		}
		for _, item := range inv.Items {
			rows = append(rows, domain.SalesLineRow{
				InvoiceID:      inv.ID,
				InvoiceNumber:  inv.InvoiceNumber,
				InvoiceDate:    inv.InvoiceDate,
				PatientName:    inv.PatientName,
				MedicationID:   item.MedicationID,
				MedicationName: item.MedicationName,
				HSNCode:        item.HSNCode,
				BatchNo:        item.BatchNo,
				ExpiryDate:     item.ExpiryDate,
				Quantity:       item.Quantity,
				UnitPrice:      item.UnitPrice,
				LineDiscount:   item.LineDiscount,
				TaxableAmount:  item.TaxableAmount,
				TaxPct:         item.TaxPct,
				TaxAmount:      item.LineTax,
				LineTotal:      item.LineTotal,
			})
		}
	}
	return rows, nil
}

func (s *Store) ListInvoiceHeaders(_ context.Context, hospitalID string, from, to time.Time) ([]domain.InvoiceHeaderRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.InvoiceHeaderRow, 0, 32)
	for _, inv := range s.invoicesByID {
		if hospitalID != "" && inv.HospitalID != hospitalID {
			continue
		}
		if !inRange(inv.InvoiceDate, from, to) {
			continue
		}
		rows = append(rows, domain.InvoiceHeaderRow{
			InvoiceID:      inv.ID,
			InvoiceNumber:  inv.InvoiceNumber,
			InvoiceDate:    inv.InvoiceDate,
			PatientName:    inv.PatientName,
			Subtotal:       inv.Subtotal,
			DiscountAmount: inv.DiscountAmount,
			TaxAmount:      inv.TaxAmount,
			TotalAmount:    inv.TotalAmount,
		})
	}
	return rows, nil
}

func (s *Store) ListReturnLines(_ context.Context, hospitalID string, from, to time.Time) ([]domain.ReturnLineRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.ReturnLineRow, 0, 16)
	for _, ret := range s.returnsByID {
		if hospitalID != "" && ret.HospitalID != hospitalID {
			continue
		}
		if !inRange(ret.ReturnDate, from, to) {
			continue
		}
		invoiceNumber := ""
		if inv, ok := s.invoicesByID[ret.InvoiceID]; ok {
			invoiceNumber = inv.InvoiceNumber
		}
		for _, item := range ret.Items {
			rows = append(rows, domain.ReturnLineRow{
				ReturnID:      ret.ID,
				InvoiceID:     ret.InvoiceID,
				InvoiceNumber: invoiceNumber,
				ReturnDate:    ret.ReturnDate,
				MedicationID:  item.MedicationID,
				Quantity:      item.Quantity,
				TaxableAmount: item.TaxableAmount,
				TaxPct:        item.TaxPct,
				TaxAmount:     item.TaxAmount,
				LineTotal:     item.LineTotal,
			})
		}
	}
	return rows, nil
}

func (s *Store) ListReturnHeaders(_ context.Context, hospitalID string, from, to time.Time) ([]domain.ReturnHeaderRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.ReturnHeaderRow, 0, 16)
	for _, ret := range s.returnsByID {
		if hospitalID != "" && ret.HospitalID != hospitalID {
			continue
		}
		if !inRange(ret.ReturnDate, from, to) {
			continue
		}
		rows = append(rows, domain.ReturnHeaderRow{
			ReturnID:   ret.ID,
			InvoiceID:  ret.InvoiceID,
			ReturnDate: ret.ReturnDate,
			Subtotal:   ret.Subtotal,
			TaxAmount:  ret.TaxAmount,
			Total:      ret.Total,
		})
	}
	return rows, nil
}

func (s *Store) ListPurchaseLines(_ context.Context, hospitalID string, from, to time.Time) ([]domain.PurchaseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.PurchaseRow, 0, 16)
	for _, p := range s.purchasesByID {
		if hospitalID != "" && p.HospitalID != hospitalID {
			continue
		}
		if !inRange(p.PurchaseDate, from, to) {
			continue
		}
		hsn := ""
		if med, ok := s.medications[p.MedicationID]; ok {
			hsn = med.HSNCode
		}
		rows = append(rows, domain.PurchaseRow{
			PurchaseID:    p.ID,
			MedicationID:  p.MedicationID,
			HSNCode:       hsn,
			PurchaseDate:  p.PurchaseDate,
			Quantity:      p.Quantity,
			TaxableAmount: p.TaxableAmount,
			TaxPct:        p.TaxPct,
			TaxAmount:     p.TaxAmount,
			TotalAmount:   p.TotalAmount,
		})
	}
	return rows, nil
}

func (s *Store) ListPurchaseReturnLines(_ context.Context, hospitalID string, from, to time.Time) ([]domain.PurchaseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.PurchaseRow, 0, 8)
	for _, pr := range s.purchaseReturnsByID {
		if hospitalID != "" && pr.HospitalID != hospitalID {
			continue
		}
		if !inRange(pr.ReturnDate, from, to) {
			continue
		}
		hsn := ""
		if med, ok := s.medications[pr.MedicationID]; ok {
			hsn = med.HSNCode
		}
		rows = append(rows, domain.PurchaseRow{
			PurchaseID:    pr.PurchaseID,
			MedicationID:  pr.MedicationID,
			HSNCode:       hsn,
			PurchaseDate:  pr.ReturnDate,
			Quantity:      pr.Quantity,
			TaxableAmount: pr.TaxableAmount,
			TaxPct:        pr.TaxPct,
			TaxAmount:     pr.TaxAmount,
			TotalAmount:   pr.TotalAmount,
		})
	}
	return rows, nil
}

func (s *Store) ListSaleQuantities(_ context.Context, hospitalID string, from, to time.Time) ([]domain.SaleQuantityRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledgerByMed := make(map[string]int)
	for _, e := range s.ledger {
		if e.EntryType != domain.EntrySale {
			continue
		}
		if hospitalID != "" && e.HospitalID != hospitalID {
			continue
		}
		if !inRange(e.CreatedAt, from, to) {
			continue
		}
		ledgerByMed[e.MedicationID] += e.QuantityOut
	}
	invoicedByMed := make(map[string]int)
	for _, inv := range s.invoicesByID {
		if hospitalID != "" && inv.HospitalID != hospitalID {
			continue
		}
		if !inRange(inv.InvoiceDate, from, to) {
			continue
		}
		for _, item := range inv.Items {
			invoicedByMed[item.MedicationID] += item.Quantity
		}
	}

	medIDs := make(map[string]bool, len(ledgerByMed)+len(invoicedByMed))
	for id := range ledgerByMed {
		medIDs[id] = true
	}
	for id := range invoicedByMed {
		medIDs[id] = true
	}
	rows := make([]domain.SaleQuantityRow, 0, len(medIDs))
	for id := range medIDs {
		rows = append(rows, domain.SaleQuantityRow{
			MedicationID: id,
			LedgerQty:    ledgerByMed[id],
			InvoicedQty:  invoicedByMed[id],
		})
	}
	slices.SortFunc(rows, func(a, b domain.SaleQuantityRow) int {
		return strings.Compare(a.MedicationID, b.MedicationID)
	})
	return rows, nil
}

// ---- audit ----

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, hospitalID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if hospitalID != "" && entry.HospitalID != hospitalID {
			continue
		}
		logs = append(logs, entry)
	}
	slices.SortFunc(logs, func(a, b domain.AuditLog) int {
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		if b.CreatedAt.After(a.CreatedAt) {
			return 1
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// ---- users ----

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return nil, store.ErrValidation
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return nil, store.ErrValidation
	}
	user.Active = true
	user.CreatedAt = time.Now().UTC()
	s.usersByUsername[user.Username] = user
	created := user
	return &created, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = passwordHash
	s.usersByUsername[username] = user
	return nil
}

// ---- helpers ----

func requestKey(invoiceID, requestID string) string {
	return invoiceID + "|" + requestID
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

func cloneInvoice(inv *domain.MedicineInvoice) *domain.MedicineInvoice {
	copyInv := *inv
	copyInv.Items = make([]domain.MedicineInvoiceItem, len(inv.Items))
	copy(copyInv.Items, inv.Items)
	return &copyInv
}

func cloneReturn(ret *domain.MedicineInvoiceReturn) *domain.MedicineInvoiceReturn {
	copyRet := *ret
	copyRet.Items = make([]domain.MedicineInvoiceReturnItem, len(ret.Items))
	copy(copyRet.Items, ret.Items)
	return &copyRet
}
