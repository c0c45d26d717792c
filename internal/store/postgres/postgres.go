package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"aushadhi/backend/internal/domain"
	"aushadhi/backend/internal/stock"
	"aushadhi/backend/internal/store"
	"aushadhi/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- medications ----

func (s *Store) CreateMedication(ctx context.Context, med domain.Medication, openingBatch *domain.MedicationBatch, createdBy string) (*domain.Medication, error) {
	if med.ID == "" || med.Name == "" || med.UnitPrice <= 0 {
		return nil, store.ErrValidation
	}

	now := time.Now().UTC()
	med.Active = true
	med.CreatedAt = now
	med.UpdatedAt = now
	med.StockQuantity = 0
	if openingBatch != nil {
		med.StockQuantity = openingBatch.QtyReceived
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO medications (
			id, hospital_id, name, generic_name, hsn_code, manufacturer,
			unit_price, purchase_price, gst_rate, stock_quantity, reorder_level,
			active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, med.ID, med.HospitalID, med.Name, med.GenericName, med.HSNCode, med.Manufacturer,
		med.UnitPrice, med.PurchasePrice, med.GSTRate, med.StockQuantity, med.ReorderLevel,
		med.Active, med.CreatedAt, med.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	if openingBatch != nil {
		batch := *openingBatch
		if batch.ID == "" {
			batch.ID = xid.New("bat")
		}
		batch.MedicationID = med.ID
		batch.HospitalID = med.HospitalID
		batch.QtyAvailable = batch.QtyReceived
		batch.ReceivedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO medication_batches (
				id, hospital_id, medication_id, batch_no, expiry_date,
				qty_received, qty_available, unit_cost, received_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		`, batch.ID, batch.HospitalID, batch.MedicationID, batch.BatchNo, nullDate(batch.ExpiryDate),
			batch.QtyReceived, batch.QtyAvailable, batch.UnitCost, batch.ReceivedAt)
		if err != nil {
			return nil, err
		}

		err = s.insertLedgerEntry(ctx, tx, domain.StockLedgerEntry{
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
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := med
	return &created, nil
}

func (s *Store) GetMedicationByID(ctx context.Context, id string) (*domain.Medication, error) {
	med, err := scanMedication(s.db.QueryRowContext(ctx, `
		SELECT id, hospital_id, name, generic_name, hsn_code, manufacturer,
			unit_price, purchase_price, gst_rate, stock_quantity, reorder_level,
			active, created_at, updated_at
		FROM medications
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return med, nil
}

func (s *Store) ListMedications(ctx context.Context, hospitalID string, includeInactive bool) ([]domain.Medication, error) {
	query := `
		SELECT id, hospital_id, name, generic_name, hsn_code, manufacturer,
			unit_price, purchase_price, gst_rate, stock_quantity, reorder_level,
			active, created_at, updated_at
		FROM medications
		WHERE ($1 = '' OR hospital_id = $1)
	`
	if !includeInactive {
		query += ` AND active = true`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, hospitalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meds := make([]domain.Medication, 0, 128)
	for rows.Next() {
		med, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		meds = append(meds, *med)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meds, nil
}

func (s *Store) UpdateMedication(ctx context.Context, med domain.Medication) (*domain.Medication, error) {
	if med.Name == "" || med.UnitPrice <= 0 {
		return nil, store.ErrValidation
	}

	// Stock fields are owned by the movement paths, never by master updates.
	var updated domain.Medication
	err := s.db.QueryRowContext(ctx, `
		UPDATE medications
		SET name = $2, generic_name = $3, hsn_code = $4, manufacturer = $5,
			unit_price = $6, purchase_price = $7, gst_rate = $8,
			reorder_level = $9, active = $10, updated_at = now()
		WHERE id = $1
		RETURNING id, hospital_id, name, generic_name, hsn_code, manufacturer,
			unit_price, purchase_price, gst_rate, stock_quantity, reorder_level,
			active, created_at, updated_at
	`, med.ID, med.Name, med.GenericName, med.HSNCode, med.Manufacturer,
		med.UnitPrice, med.PurchasePrice, med.GSTRate, med.ReorderLevel, med.Active).Scan(
		&updated.ID, &updated.HospitalID, &updated.Name, &updated.GenericName, &updated.HSNCode,
		&updated.Manufacturer, &updated.UnitPrice, &updated.PurchasePrice, &updated.GSTRate,
		&updated.StockQuantity, &updated.ReorderLevel, &updated.Active, &updated.CreatedAt, &updated.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	updated.CreatedAt = updated.CreatedAt.UTC()
	updated.UpdatedAt = updated.UpdatedAt.UTC()
	return &updated, nil
}

func (s *Store) AdjustStock(ctx context.Context, entry domain.StockLedgerEntry) (*domain.Medication, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	med, err := lockMedication(ctx, tx, entry.MedicationID)
	if err != nil {
		return nil, err
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
		if err := drainBatches(ctx, tx, med.ID, entry.QuantityOut); err != nil {
			return nil, err
		}
		med.StockQuantity -= entry.QuantityOut
	default:
		return nil, store.ErrValidation
	}

	if err := updateAggregate(ctx, tx, med.ID, med.StockQuantity, now); err != nil {
		return nil, err
	}

	entry.HospitalID = med.HospitalID
	entry.BalanceAfter = med.StockQuantity
	entry.CreatedAt = now
	if err := s.insertLedgerEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	med.UpdatedAt = now
	return med, nil
}

func drainBatches(ctx context.Context, tx *sql.Tx, medicationID string, qty int) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, qty_available
		FROM medication_batches
		WHERE medication_id = $1 AND qty_available > 0
		ORDER BY expiry_date ASC NULLS LAST, id ASC
		FOR UPDATE
	`, medicationID)
	if err != nil {
		return err
	}
	type batchQty struct {
		id        string
		available int
	}
	batches := make([]batchQty, 0, 8)
	for rows.Next() {
		var b batchQty
		if err := rows.Scan(&b.id, &b.available); err != nil {
			_ = rows.Close()
			return err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	remaining := qty
	for _, b := range batches {
		if remaining == 0 {
			break
		}
		take := remaining
		if take > b.available {
			take = b.available
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE medication_batches
			SET qty_available = qty_available - $1, updated_at = now()
			WHERE id = $2
		`, take, b.id)
		if err != nil {
			return err
		}
		remaining -= take
	}
	return nil
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.MedicationPriceHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO medication_price_history (id, medication_id, old_price, new_price, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.MedicationID, entry.OldPrice, entry.NewPrice, entry.ChangedBy, entry.ChangedAt)
	return err
}

func (s *Store) ListPriceHistory(ctx context.Context, medicationID string, limit int) ([]domain.MedicationPriceHistory, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, medication_id, old_price, new_price, changed_by, changed_at
		FROM medication_price_history
		WHERE medication_id = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`, medicationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.MedicationPriceHistory, 0, limit)
	for rows.Next() {
		var entry domain.MedicationPriceHistory
		if err := rows.Scan(&entry.ID, &entry.MedicationID, &entry.OldPrice, &entry.NewPrice, &entry.ChangedBy, &entry.ChangedAt); err != nil {
			return nil, err
		}
		entry.ChangedAt = entry.ChangedAt.UTC()
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}

// ---- batches and ledger ----

func (s *Store) ListBatches(ctx context.Context, medicationID string, includeDepleted bool) ([]domain.MedicationBatch, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM medications WHERE id = $1)`, medicationID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	query := `
		SELECT id, hospital_id, medication_id, batch_no, expiry_date,
			qty_received, qty_available, unit_cost, received_at
		FROM medication_batches
		WHERE medication_id = $1
	`
	if !includeDepleted {
		query += ` AND qty_available > 0`
	}
	query += ` ORDER BY expiry_date ASC NULLS LAST, id ASC`

	rows, err := s.db.QueryContext(ctx, query, medicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.MedicationBatch, 0, 16)
	for rows.Next() {
		var b domain.MedicationBatch
		var expiry sql.NullTime
		if err := rows.Scan(&b.ID, &b.HospitalID, &b.MedicationID, &b.BatchNo, &expiry,
			&b.QtyReceived, &b.QtyAvailable, &b.UnitCost, &b.ReceivedAt); err != nil {
			return nil, err
		}
		b.ReceivedAt = b.ReceivedAt.UTC()
		if expiry.Valid {
			e := dateUTC(expiry.Time)
			b.ExpiryDate = &e
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, medicationID string, from, to time.Time, limit int) ([]domain.StockLedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hospital_id, medication_id, COALESCE(batch_id,''), entry_type,
			quantity_in, quantity_out, balance_after, reference_type, reference_id,
			remarks, created_by, created_at
		FROM stock_ledger
		WHERE medication_id = $1
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, medicationID, nullIfZero(from), nullIfZero(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockLedgerEntry, 0, limit)
	for rows.Next() {
		var e domain.StockLedgerEntry
		if err := rows.Scan(&e.ID, &e.HospitalID, &e.MedicationID, &e.BatchID, &e.EntryType,
			&e.QuantityIn, &e.QuantityOut, &e.BalanceAfter, &e.ReferenceType, &e.ReferenceID,
			&e.Remarks, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) insertLedgerEntry(ctx context.Context, tx *sql.Tx, entry domain.StockLedgerEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_ledger (
			id, hospital_id, medication_id, batch_id, entry_type,
			quantity_in, quantity_out, balance_after, reference_type, reference_id,
			remarks, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, entry.ID, entry.HospitalID, entry.MedicationID, nullIfEmpty(entry.BatchID), entry.EntryType,
		entry.QuantityIn, entry.QuantityOut, entry.BalanceAfter, entry.ReferenceType, entry.ReferenceID,
		entry.Remarks, entry.CreatedBy, entry.CreatedAt)
	return err
}

// ---- invoices ----

func (s *Store) CreateInvoice(ctx context.Context, inv domain.MedicineInvoice) (*domain.MedicineInvoice, error) {
	if len(inv.Items) == 0 {
		return nil, store.ErrValidation
	}

	now := time.Now().UTC()
	if inv.InvoiceDate.IsZero() {
		inv.InvoiceDate = now
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock medication rows in a stable order so concurrent invoices cannot
	// deadlock each other.
	medIDs := uniqueMedicationIDs(inv.Items)
	medsByID := make(map[string]*domain.Medication, len(medIDs))
	statesByMed := make(map[string][]stock.BatchState, len(medIDs))
	for _, id := range medIDs {
		med, err := lockMedication(ctx, tx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("medication %s unavailable: %w", id, store.ErrNotFound)
			}
			return nil, err
		}
		if !med.Active {
			return nil, fmt.Errorf("medication %s unavailable: %w", id, store.ErrNotFound)
		}
		states, err := lockBatchStates(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		medsByID[id] = med
		statesByMed[id] = states
	}

	// First pass: verify every line can be covered before mutating anything.
	type plannedLine struct {
		itemIdx     int
		allocations []stock.Allocation
	}
	planned := make([]plannedLine, 0, len(inv.Items))
	pendingByMed := make(map[string]int, len(medIDs))
	for idx, item := range inv.Items {
		if item.Quantity < 1 {
			return nil, store.ErrValidation
		}
		med, ok := medsByID[item.MedicationID]
		if !ok {
			return nil, store.ErrValidation
		}
		states := statesByMed[item.MedicationID]
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

	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	if inv.InvoiceNumber == "" {
		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT nextval('medicine_invoice_seq')`).Scan(&seq); err != nil {
			return nil, err
		}
		inv.InvoiceNumber = fmt.Sprintf("INV-%s-%05d", inv.InvoiceDate.Format("200601"), seq)
	}
	inv.CreatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO medicine_invoices (
			id, hospital_id, invoice_number, patient_id, patient_name, invoice_date,
			subtotal, discount_amount, tax_amount, total_amount,
			payment_mode, paid, notes, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, inv.ID, inv.HospitalID, inv.InvoiceNumber, nullIfEmpty(inv.PatientID), inv.PatientName,
		inv.InvoiceDate, inv.Subtotal, inv.DiscountAmount, inv.TaxAmount, inv.TotalAmount,
		inv.PaymentMode, inv.Paid, inv.Notes, inv.CreatedBy, inv.CreatedAt)
	if err != nil {
		return nil, err
	}

	// Second pass: apply deductions, write ledger entries, snapshot batches.
	for _, plan := range planned {
		item := &inv.Items[plan.itemIdx]
		med := medsByID[item.MedicationID]
		balance := med.StockQuantity
		for _, alloc := range plan.allocations {
			if alloc.BatchID != "" {
				_, err = tx.ExecContext(ctx, `
					UPDATE medication_batches
					SET qty_available = qty_available - $1, updated_at = now()
					WHERE id = $2
				`, alloc.Qty, alloc.BatchID)
				if err != nil {
					return nil, err
				}
			}
			balance -= alloc.Qty
			err = s.insertLedgerEntry(ctx, tx, domain.StockLedgerEntry{
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
			if err != nil {
				return nil, err
			}
		}
		med.StockQuantity = balance

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

		_, err = tx.ExecContext(ctx, `
			INSERT INTO medicine_invoice_items (
				id, invoice_id, medication_id, medication_name, hsn_code, batch_id, batch_no, expiry_date,
				quantity, unit_price, discount_pct, tax_pct,
				line_subtotal, line_discount, taxable_amount, line_tax, line_total
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		`, item.ID, item.InvoiceID, item.MedicationID, item.MedicationName, item.HSNCode,
			nullIfEmpty(item.BatchID), item.BatchNo, nullDate(item.ExpiryDate), item.Quantity,
			item.UnitPrice, item.DiscountPct, item.TaxPct, item.LineSubtotal, item.LineDiscount,
			item.TaxableAmount, item.LineTax, item.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	for id, med := range medsByID {
		if err := updateAggregate(ctx, tx, id, med.StockQuantity, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := inv
	return &created, nil
}

func (s *Store) GetInvoiceByID(ctx context.Context, id string) (*domain.MedicineInvoice, error) {
	inv, err := s.scanInvoiceHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.listInvoiceItems(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	inv.Items = items[id]
	return inv, nil
}

func (s *Store) scanInvoiceHeader(ctx context.Context, id string) (*domain.MedicineInvoice, error) {
	var inv domain.MedicineInvoice
	var patientID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hospital_id, invoice_number, patient_id, patient_name, invoice_date,
			subtotal, discount_amount, tax_amount, total_amount,
			payment_mode, paid, notes, created_by, created_at
		FROM medicine_invoices
		WHERE id = $1
	`, id).Scan(&inv.ID, &inv.HospitalID, &inv.InvoiceNumber, &patientID, &inv.PatientName,
		&inv.InvoiceDate, &inv.Subtotal, &inv.DiscountAmount, &inv.TaxAmount, &inv.TotalAmount,
		&inv.PaymentMode, &inv.Paid, &inv.Notes, &inv.CreatedBy, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if patientID.Valid {
		inv.PatientID = patientID.String
	}
	inv.InvoiceDate = inv.InvoiceDate.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	return &inv, nil
}

func (s *Store) listInvoiceItems(ctx context.Context, invoiceIDs []string) (map[string][]domain.MedicineInvoiceItem, error) {
	result := make(map[string][]domain.MedicineInvoiceItem, len(invoiceIDs))
	if len(invoiceIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, medication_id, medication_name, hsn_code, batch_id, batch_no, expiry_date,
			quantity, unit_price, discount_pct, tax_pct,
			line_subtotal, line_discount, taxable_amount, line_tax, line_total
		FROM medicine_invoice_items
		WHERE invoice_id = ANY($1)
		ORDER BY id ASC
	`, invoiceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.MedicineInvoiceItem
		var batchID sql.NullString
		var expiry sql.NullTime
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.MedicationID, &item.MedicationName,
			&item.HSNCode, &batchID, &item.BatchNo, &expiry, &item.Quantity, &item.UnitPrice,
			&item.DiscountPct, &item.TaxPct, &item.LineSubtotal, &item.LineDiscount,
			&item.TaxableAmount, &item.LineTax, &item.LineTotal); err != nil {
			return nil, err
		}
		if batchID.Valid {
			item.BatchID = batchID.String
		}
		if expiry.Valid {
			e := dateUTC(expiry.Time)
			item.ExpiryDate = &e
		}
		result[item.InvoiceID] = append(result[item.InvoiceID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListInvoices(ctx context.Context, hospitalID string, from, to time.Time, limit int) ([]domain.MedicineInvoice, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hospital_id, invoice_number, patient_id, patient_name, invoice_date,
			subtotal, discount_amount, tax_amount, total_amount,
			payment_mode, paid, notes, created_by, created_at
		FROM medicine_invoices
		WHERE ($1 = '' OR hospital_id = $1)
			AND ($2::timestamptz IS NULL OR invoice_date >= $2)
			AND ($3::timestamptz IS NULL OR invoice_date <= $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, hospitalID, nullIfZero(from), nullIfZero(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.MedicineInvoice, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var inv domain.MedicineInvoice
		var patientID sql.NullString
		if err := rows.Scan(&inv.ID, &inv.HospitalID, &inv.InvoiceNumber, &patientID, &inv.PatientName,
			&inv.InvoiceDate, &inv.Subtotal, &inv.DiscountAmount, &inv.TaxAmount, &inv.TotalAmount,
			&inv.PaymentMode, &inv.Paid, &inv.Notes, &inv.CreatedBy, &inv.CreatedAt); err != nil {
			return nil, err
		}
		if patientID.Valid {
			inv.PatientID = patientID.String
		}
		inv.InvoiceDate = inv.InvoiceDate.UTC()
		inv.CreatedAt = inv.CreatedAt.UTC()
		invoices = append(invoices, inv)
		ids = append(ids, inv.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemsByInvoice, err := s.listInvoiceItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		invoices[i].Items = itemsByInvoice[invoices[i].ID]
	}
	return invoices, nil
}

// ---- returns ----

func (s *Store) CreateReturn(ctx context.Context, ret domain.MedicineInvoiceReturn) (*domain.MedicineInvoiceReturn, error) {
	if ret.RequestID == "" || len(ret.Items) == 0 {
		return nil, store.ErrValidation
	}

	now := time.Now().UTC()
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.ReturnDate.IsZero() {
		ret.ReturnDate = now
	}
	ret.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var invoiceID string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM medicine_invoices
		WHERE id = $1
		FOR UPDATE
	`, ret.InvoiceID).Scan(&invoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	// The unique (invoice_id, request_id) key is the idempotency anchor: a
	// concurrent duplicate loses the insert race and is answered with the
	// winner's return.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO medicine_invoice_returns (
			id, hospital_id, invoice_id, request_id, return_date, reason,
			subtotal, tax_amount, total, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, ret.ID, ret.HospitalID, ret.InvoiceID, ret.RequestID, ret.ReturnDate, ret.Reason,
		ret.Subtotal, ret.TaxAmount, ret.Total, ret.CreatedBy, ret.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindReturnByRequestID(ctx, ret.InvoiceID, ret.RequestID)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	soldByItem, err := invoiceItemsForUpdate(ctx, tx, ret.InvoiceID)
	if err != nil {
		return nil, err
	}
	returnedByItem, err := returnedQtyByItemTx(ctx, tx, ret.InvoiceID, ret.ID)
	if err != nil {
		return nil, err
	}

	// Re-check the cap under the row locks even though the service validated it.
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

	// Restock into the batch the line was sold from; lines drawn from
	// legacy unbatched stock move the aggregate only.
	for i := range ret.Items {
		item := &ret.Items[i]
		if item.ID == "" {
			item.ID = xid.New("retitem")
		}
		item.ReturnID = ret.ID

		sold := soldByItem[item.InvoiceItemID]
		med, err := lockMedication(ctx, tx, sold.MedicationID)
		if err != nil {
			return nil, err
		}

		if sold.BatchID != "" {
			_, err = tx.ExecContext(ctx, `
				UPDATE medication_batches
				SET qty_available = qty_available + $1, updated_at = now()
				WHERE id = $2
			`, item.Quantity, sold.BatchID)
			if err != nil {
				return nil, err
			}
		}

		balance := med.StockQuantity + item.Quantity
		if err := updateAggregate(ctx, tx, sold.MedicationID, balance, now); err != nil {
			return nil, err
		}

		err = s.insertLedgerEntry(ctx, tx, domain.StockLedgerEntry{
			HospitalID:    ret.HospitalID,
			MedicationID:  sold.MedicationID,
			BatchID:       sold.BatchID,
			EntryType:     domain.EntrySalesReturn,
			QuantityIn:    item.Quantity,
			BalanceAfter:  balance,
			ReferenceType: domain.RefInvoiceReturn,
			ReferenceID:   ret.ID,
			CreatedBy:     ret.CreatedBy,
			CreatedAt:     now,
		})
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO medicine_invoice_return_items (
				id, return_id, invoice_item_id, medication_id, quantity,
				unit_price, tax_pct, taxable_amount, tax_amount, line_total
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, item.ID, item.ReturnID, item.InvoiceItemID, item.MedicationID, item.Quantity,
			item.UnitPrice, item.TaxPct, item.TaxableAmount, item.TaxAmount, item.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := ret
	return &created, nil
}

func invoiceItemsForUpdate(ctx context.Context, tx *sql.Tx, invoiceID string) (map[string]domain.MedicineInvoiceItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, medication_id, batch_id, quantity, expiry_date
		FROM medicine_invoice_items
		WHERE invoice_id = $1
		FOR UPDATE
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.MedicineInvoiceItem, 8)
	for rows.Next() {
		var item domain.MedicineInvoiceItem
		var batchID sql.NullString
		var expiry sql.NullTime
		if err := rows.Scan(&item.ID, &item.MedicationID, &batchID, &item.Quantity, &expiry); err != nil {
			return nil, err
		}
		if batchID.Valid {
			item.BatchID = batchID.String
		}
		if expiry.Valid {
			e := dateUTC(expiry.Time)
			item.ExpiryDate = &e
		}
		result[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func returnedQtyByItemTx(ctx context.Context, tx *sql.Tx, invoiceID string, excludeReturnID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT ri.invoice_item_id, COALESCE(SUM(ri.quantity),0)::int
		FROM medicine_invoice_return_items ri
		JOIN medicine_invoice_returns r ON r.id = ri.return_id
		WHERE r.invoice_id = $1 AND r.id <> $2
		GROUP BY ri.invoice_item_id
	`, invoiceID, excludeReturnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int, 8)
	for rows.Next() {
		var itemID string
		var qty int
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		result[itemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) FindReturnByRequestID(ctx context.Context, invoiceID, requestID string) (*domain.MedicineInvoiceReturn, error) {
	return s.findReturn(ctx, `invoice_id = $1 AND request_id = $2`, invoiceID, requestID)
}

func (s *Store) findReturn(ctx context.Context, where string, args ...any) (*domain.MedicineInvoiceReturn, error) {
	var ret domain.MedicineInvoiceReturn
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hospital_id, invoice_id, request_id, return_date, reason,
			subtotal, tax_amount, total, created_by, created_at
		FROM medicine_invoice_returns
		WHERE `+where, args...).Scan(&ret.ID, &ret.HospitalID, &ret.InvoiceID, &ret.RequestID,
		&ret.ReturnDate, &ret.Reason, &ret.Subtotal, &ret.TaxAmount, &ret.Total,
		&ret.CreatedBy, &ret.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ret.ReturnDate = ret.ReturnDate.UTC()
	ret.CreatedAt = ret.CreatedAt.UTC()

	items, err := s.listReturnItems(ctx, []string{ret.ID})
	if err != nil {
		return nil, err
	}
	ret.Items = items[ret.ID]
	return &ret, nil
}

func (s *Store) listReturnItems(ctx context.Context, returnIDs []string) (map[string][]domain.MedicineInvoiceReturnItem, error) {
	result := make(map[string][]domain.MedicineInvoiceReturnItem, len(returnIDs))
	if len(returnIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, return_id, invoice_item_id, medication_id, quantity,
			unit_price, tax_pct, taxable_amount, tax_amount, line_total
		FROM medicine_invoice_return_items
		WHERE return_id = ANY($1)
		ORDER BY id ASC
	`, returnIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.MedicineInvoiceReturnItem
		if err := rows.Scan(&item.ID, &item.ReturnID, &item.InvoiceItemID, &item.MedicationID,
			&item.Quantity, &item.UnitPrice, &item.TaxPct, &item.TaxableAmount,
			&item.TaxAmount, &item.LineTotal); err != nil {
			return nil, err
		}
		result[item.ReturnID] = append(result[item.ReturnID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListReturnsByInvoice(ctx context.Context, invoiceID string) ([]domain.MedicineInvoiceReturn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hospital_id, invoice_id, request_id, return_date, reason,
			subtotal, tax_amount, total, created_by, created_at
		FROM medicine_invoice_returns
		WHERE invoice_id = $1
		ORDER BY created_at ASC, id ASC
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.MedicineInvoiceReturn, 0, 4)
	ids := make([]string, 0, 4)
	for rows.Next() {
		var ret domain.MedicineInvoiceReturn
		if err := rows.Scan(&ret.ID, &ret.HospitalID, &ret.InvoiceID, &ret.RequestID,
			&ret.ReturnDate, &ret.Reason, &ret.Subtotal, &ret.TaxAmount, &ret.Total,
			&ret.CreatedBy, &ret.CreatedAt); err != nil {
			return nil, err
		}
		ret.ReturnDate = ret.ReturnDate.UTC()
		ret.CreatedAt = ret.CreatedAt.UTC()
		returns = append(returns, ret)
		ids = append(ids, ret.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.listReturnItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range returns {
		returns[i].Items = items[returns[i].ID]
	}
	return returns, nil
}

func (s *Store) ReturnedQtyByItem(ctx context.Context, invoiceID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ri.invoice_item_id, COALESCE(SUM(ri.quantity),0)::int
		FROM medicine_invoice_return_items ri
		JOIN medicine_invoice_returns r ON r.id = ri.return_id
		WHERE r.invoice_id = $1
		GROUP BY ri.invoice_item_id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int, 8)
	for rows.Next() {
		var itemID string
		var qty int
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		result[itemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ---- purchases ----

func (s *Store) CreatePurchase(ctx context.Context, p domain.StockPurchase) (*domain.StockPurchase, error) {
	if p.MedicationID == "" || p.Quantity < 1 || p.BatchNo == "" {
		return nil, store.ErrValidation
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = xid.New("pur")
	}
	if p.PurchaseDate.IsZero() {
		p.PurchaseDate = now
	}
	p.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	med, err := lockMedication(ctx, tx, p.MedicationID)
	if err != nil {
		return nil, err
	}

	batchID := xid.New("bat")
	_, err = tx.ExecContext(ctx, `
		INSERT INTO medication_batches (
			id, hospital_id, medication_id, batch_no, expiry_date,
			qty_received, qty_available, unit_cost, received_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, batchID, p.HospitalID, p.MedicationID, p.BatchNo, nullDate(p.ExpiryDate),
		p.Quantity, p.Quantity, p.UnitCost, now)
	if err != nil {
		return nil, err
	}
	p.BatchID = batchID

	balance := med.StockQuantity + p.Quantity
	if err := updateAggregate(ctx, tx, p.MedicationID, balance, now); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_purchases (
			id, hospital_id, supplier_id, medication_id, supplier_bill, purchase_date,
			batch_no, expiry_date, quantity, unit_cost,
			taxable_amount, tax_pct, tax_amount, total_amount,
			batch_id, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, p.ID, p.HospitalID, nullIfEmpty(p.SupplierID), p.MedicationID, p.SupplierBill,
		p.PurchaseDate, p.BatchNo, nullDate(p.ExpiryDate), p.Quantity, p.UnitCost,
		p.TaxableAmount, p.TaxPct, p.TaxAmount, p.TotalAmount, p.BatchID, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return nil, err
	}

	err = s.insertLedgerEntry(ctx, tx, domain.StockLedgerEntry{
		HospitalID:    p.HospitalID,
		MedicationID:  p.MedicationID,
		BatchID:       batchID,
		EntryType:     domain.EntryPurchase,
		QuantityIn:    p.Quantity,
		BalanceAfter:  balance,
		ReferenceType: domain.RefPurchase,
		ReferenceID:   p.ID,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := p
	return &created, nil
}

func (s *Store) GetPurchaseByID(ctx context.Context, id string) (*domain.StockPurchase, error) {
	p, err := scanPurchase(s.db.QueryRowContext(ctx, `
		SELECT id, hospital_id, COALESCE(supplier_id,''), medication_id, supplier_bill, purchase_date,
			batch_no, expiry_date, quantity, unit_cost,
			taxable_amount, tax_pct, tax_amount, total_amount,
			batch_id, created_by, created_at
		FROM stock_purchases
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) ListPurchases(ctx context.Context, hospitalID string, from, to time.Time, limit int) ([]domain.StockPurchase, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hospital_id, COALESCE(supplier_id,''), medication_id, supplier_bill, purchase_date,
			batch_no, expiry_date, quantity, unit_cost,
			taxable_amount, tax_pct, tax_amount, total_amount,
			batch_id, created_by, created_at
		FROM stock_purchases
		WHERE ($1 = '' OR hospital_id = $1)
			AND ($2::timestamptz IS NULL OR purchase_date >= $2)
			AND ($3::timestamptz IS NULL OR purchase_date <= $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, hospitalID, nullIfZero(from), nullIfZero(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]domain.StockPurchase, 0, limit)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return purchases, nil
}

func (s *Store) CreatePurchaseReturn(ctx context.Context, pr domain.StockPurchaseReturn) (*domain.StockPurchaseReturn, error) {
	if pr.Quantity < 1 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var medicationID string
	var batchID string
	err = tx.QueryRowContext(ctx, `
		SELECT medication_id, batch_id
		FROM stock_purchases
		WHERE id = $1
	`, pr.PurchaseID).Scan(&medicationID, &batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	med, err := lockMedication(ctx, tx, medicationID)
	if err != nil {
		return nil, err
	}

	// A purchase return deducts from the exact batch that was received.
	var available int
	err = tx.QueryRowContext(ctx, `
		SELECT qty_available
		FROM medication_batches
		WHERE id = $1
		FOR UPDATE
	`, batchID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if available < pr.Quantity {
		return nil, &store.InsufficientStockError{
			MedicationID:   med.ID,
			MedicationName: med.Name,
			Requested:      pr.Quantity,
			Available:      available,
		}
	}

	now := time.Now().UTC()
	if pr.ID == "" {
		pr.ID = xid.New("pret")
	}
	if pr.ReturnDate.IsZero() {
		pr.ReturnDate = now
	}
	pr.MedicationID = medicationID
	pr.BatchID = batchID
	pr.CreatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE medication_batches
		SET qty_available = qty_available - $1, updated_at = now()
		WHERE id = $2
	`, pr.Quantity, batchID)
	if err != nil {
		return nil, err
	}

	balance := med.StockQuantity - pr.Quantity
	if err := updateAggregate(ctx, tx, medicationID, balance, now); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_purchase_returns (
			id, hospital_id, purchase_id, medication_id, batch_id, return_date,
			quantity, taxable_amount, tax_pct, tax_amount, total_amount,
			reason, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, pr.ID, pr.HospitalID, pr.PurchaseID, pr.MedicationID, pr.BatchID, pr.ReturnDate,
		pr.Quantity, pr.TaxableAmount, pr.TaxPct, pr.TaxAmount, pr.TotalAmount,
		pr.Reason, pr.CreatedBy, pr.CreatedAt)
	if err != nil {
		return nil, err
	}

	err = s.insertLedgerEntry(ctx, tx, domain.StockLedgerEntry{
		HospitalID:    pr.HospitalID,
		MedicationID:  medicationID,
		BatchID:       batchID,
		EntryType:     domain.EntryPurchaseReturn,
		QuantityOut:   pr.Quantity,
		BalanceAfter:  balance,
		ReferenceType: domain.RefPurchaseReturn,
		ReferenceID:   pr.ID,
		CreatedBy:     pr.CreatedBy,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := pr
	return &created, nil
}

// ---- suppliers ----

func (s *Store) CreateSupplier(ctx context.Context, sup domain.Supplier) (*domain.Supplier, error) {
	sup.Name = strings.TrimSpace(sup.Name)
	if sup.Name == "" {
		return nil, store.ErrValidation
	}
	if sup.ID == "" {
		sup.ID = xid.New("sup")
	}
	sup.Active = true
	sup.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, hospital_id, name, gstin, phone, email, address, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sup.ID, sup.HospitalID, sup.Name, nullIfEmpty(sup.GSTIN), nullIfEmpty(sup.Phone),
		nullIfEmpty(sup.Email), sup.Address, sup.Active, sup.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}
	created := sup
	return &created, nil
}

func (s *Store) ListSuppliers(ctx context.Context, hospitalID string) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hospital_id, name, COALESCE(gstin,''), COALESCE(phone,''), COALESCE(email,''), address, active, created_at
		FROM suppliers
		WHERE ($1 = '' OR hospital_id = $1)
		ORDER BY name ASC
	`, hospitalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 64)
	for rows.Next() {
		var sup domain.Supplier
		if err := rows.Scan(&sup.ID, &sup.HospitalID, &sup.Name, &sup.GSTIN, &sup.Phone,
			&sup.Email, &sup.Address, &sup.Active, &sup.CreatedAt); err != nil {
			return nil, err
		}
		sup.CreatedAt = sup.CreatedAt.UTC()
		suppliers = append(suppliers, sup)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

// ---- reporting source rows ----

func (s *Store) ListSalesLines(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.SalesLineRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.invoice_number, i.invoice_date, i.patient_name,
			ii.medication_id, ii.medication_name, ii.hsn_code, ii.batch_no, ii.expiry_date,
			ii.quantity, ii.unit_price, ii.line_discount, ii.taxable_amount,
			ii.tax_pct, ii.line_tax, ii.line_total
		FROM medicine_invoice_items ii
		JOIN medicine_invoices i ON i.id = ii.invoice_id
		WHERE ($1 = '' OR i.hospital_id = $1)
			AND ($2::timestamptz IS NULL OR i.invoice_date >= $2)
			AND ($3::timestamptz IS NULL OR i.invoice_date <= $3)
		ORDER BY i.invoice_number ASC, ii.id ASC
	`, hospitalID, nullIfZero(from), nullIfZero(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SalesLineRow, 0, 256)
	for rows.Next() {
		var row domain.SalesLineRow
		var expiry sql.NullTime
		if err := rows.Scan(&row.InvoiceID, &row.InvoiceNumber, &row.InvoiceDate, &row.PatientName,
			&row.MedicationID, &row.MedicationName, &row.HSNCode, &row.BatchNo, &expiry,
			&row.Quantity, &row.UnitPrice, &row.LineDiscount, &row.TaxableAmount,
			&row.TaxPct, &row.TaxAmount, &row.LineTotal); err != nil {
			return nil, err
		}
		row.InvoiceDate = row.InvoiceDate.UTC()
		if expiry.Valid {
			e := dateUTC(expiry.Time)
			row.ExpiryDate = &e
		}
		lines = append(lines, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListInvoiceHeaders(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.InvoiceHeaderRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_number, invoice_date, patient_name,
			subtotal, discount_amount, tax_amount, total_amount
		FROM medicine_invoices
		WHERE ($1 = '' OR hospital_id = $1)
			AND ($2::timestamptz IS NULL OR invoice_date >= $2)
			AND ($3::timestamptz IS NULL OR invoice_date <= $3)
		ORDER BY invoice_number ASC
	`, hospitalID, nullIfZero(from), nullIfZero(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	headers := make([]domain.InvoiceHeaderRow, 0, 128)
	for rows.Next() {
		var row domain.InvoiceHeaderRow
		if err := rows.Scan(&row.InvoiceID, &row.InvoiceNumber, &row.InvoiceDate, &row.PatientName,
			&row.Subtotal, &row.DiscountAmount, &row.TaxAmount, &row.TotalAmount); err != nil {
			return nil, err
		}
		row.InvoiceDate = row.InvoiceDate.UTC()
		headers = append(headers, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return headers, nil
}

func (s *Store) ListReturnLines(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.ReturnLineRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.invoice_id, i.invoice_number, r.return_date,
			ri.medication_id, ri.quantity, ri.taxable_amount, ri.tax_pct, ri.tax_amount, ri.line_total
		FROM medicine_invoice_return_items ri
		JOIN medicine_invoice_returns r ON r.id = ri.return_id
		JOIN medicine_invoices i ON i.id = r.invoice_id
		WHERE ($1 = '' OR r.hospital_id = $1)
			AND ($2::timestamptz IS NULL OR r.return_date >= $2)
			AND ($3::timestamptz IS NULL OR r.return_date <= $3)
		ORDER BY r.id ASC, ri.id ASC
	`, hospitalID, nullIfZero(from), nullIfZero(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.ReturnLineRow, 0, 64)
	for rows.Next() {
		var row domain.ReturnLineRow
		if err := rows.Scan(&row.ReturnID, &row.InvoiceID, &row.InvoiceNumber, &row.ReturnDate,
			&row.MedicationID, &row.Quantity, &row.TaxableAmount, &row.TaxPct,
			&row.TaxAmount, &row.LineTotal); err != nil {
			return nil, err
		}
		row.ReturnDate = row.ReturnDate.UTC()
		lines = append(lines, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListReturnHeaders(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.ReturnHeaderRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, return_date, subtotal, tax_amount, total
		FROM medicine_invoice_returns
		WHERE ($1 = '' OR hospital_id = $1)
			AND ($2::timestamptz IS NULL OR return_date >= $2)
			AND ($3::timestamptz IS NULL OR return_date <= $3)
		ORDER BY id ASC
	`, hospitalID, nullIfZero(from), nullIfZero(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	headers := make([]domain.ReturnHeaderRow, 0, 32)
	for rows.Next() {
		var row domain.ReturnHeaderRow
		if err := rows.Scan(&row.ReturnID, &row.InvoiceID, &row.ReturnDate,
			&row.Subtotal, &row.TaxAmount, &row.Total); err != nil {
			return nil, err
		}
		row.ReturnDate = row.ReturnDate.UTC()
		headers = append(headers, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return headers, nil
}

func (s *Store) ListPurchaseLines(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.PurchaseRow, error) {
	return s.listPurchaseRows(ctx, `
		SELECT p.id, p.medication_id, COALESCE(m.hsn_code,''), p.purchase_date,
			p.quantity, p.taxable_amount, p.tax_pct, p.tax_amount, p.total_amount
		FROM stock_purchases p
		JOIN medications m ON m.id = p.medication_id
		WHERE ($1 = '' OR p.hospital_id = $1)
			AND ($2::timestamptz IS NULL OR p.purchase_date >= $2)
			AND ($3::timestamptz IS NULL OR p.purchase_date <= $3)
		ORDER BY p.id ASC
	`, hospitalID, from, to)
}

func (s *Store) ListPurchaseReturnLines(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.PurchaseRow, error) {
	return s.listPurchaseRows(ctx, `
		SELECT pr.id, pr.medication_id, COALESCE(m.hsn_code,''), pr.return_date,
			pr.quantity, pr.taxable_amount, pr.tax_pct, pr.tax_amount, pr.total_amount
		FROM stock_purchase_returns pr
		JOIN medications m ON m.id = pr.medication_id
		WHERE ($1 = '' OR pr.hospital_id = $1)
			AND ($2::timestamptz IS NULL OR pr.return_date >= $2)
			AND ($3::timestamptz IS NULL OR pr.return_date <= $3)
		ORDER BY pr.id ASC
	`, hospitalID, from, to)
}

func (s *Store) listPurchaseRows(ctx context.Context, query string, hospitalID string, from, to time.Time) ([]domain.PurchaseRow, error) {
	rows, err := s.db.QueryContext(ctx, query, hospitalID, nullIfZero(from), nullIfZero(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.PurchaseRow, 0, 64)
	for rows.Next() {
		var row domain.PurchaseRow
		if err := rows.Scan(&row.PurchaseID, &row.MedicationID, &row.HSNCode, &row.PurchaseDate,
			&row.Quantity, &row.TaxableAmount, &row.TaxPct, &row.TaxAmount, &row.TotalAmount); err != nil {
			return nil, err
		}
		row.PurchaseDate = row.PurchaseDate.UTC()
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListSaleQuantities(ctx context.Context, hospitalID string, from, to time.Time) ([]domain.SaleQuantityRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(l.medication_id, v.medication_id),
			COALESCE(l.qty, 0), COALESCE(v.qty, 0)
		FROM (
			SELECT medication_id, SUM(quantity_out)::int AS qty
			FROM stock_ledger
			WHERE entry_type = 'sale'
				AND ($1 = '' OR hospital_id = $1)
				AND ($2::timestamptz IS NULL OR created_at >= $2)
				AND ($3::timestamptz IS NULL OR created_at <= $3)
			GROUP BY medication_id
		) l
		FULL OUTER JOIN (
			SELECT ii.medication_id, SUM(ii.quantity)::int AS qty
			FROM medicine_invoice_items ii
			JOIN medicine_invoices i ON i.id = ii.invoice_id
			WHERE ($1 = '' OR i.hospital_id = $1)
				AND ($2::timestamptz IS NULL OR i.invoice_date >= $2)
				AND ($3::timestamptz IS NULL OR i.invoice_date <= $3)
			GROUP BY ii.medication_id
		) v ON v.medication_id = l.medication_id
		ORDER BY 1 ASC
	`, hospitalID, nullIfZero(from), nullIfZero(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.SaleQuantityRow, 0, 64)
	for rows.Next() {
		var row domain.SaleQuantityRow
		if err := rows.Scan(&row.MedicationID, &row.LedgerQty, &row.InvoicedQty); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ---- audit ----

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, hospital_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.HospitalID, entry.ActorUsername, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, hospitalID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hospital_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR hospital_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, hospitalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.HospitalID, &entry.ActorUsername, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// ---- users ----

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, COALESCE(full_name,''), active, created_at
		FROM app_users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.FullName, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return nil, store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RolePharmacist
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, full_name, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, nullIfEmpty(user.FullName), user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}
	created := user
	return &created, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, COALESCE(full_name,''), active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.FullName, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(passwordHash) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedication(row rowScanner) (*domain.Medication, error) {
	var med domain.Medication
	err := row.Scan(&med.ID, &med.HospitalID, &med.Name, &med.GenericName, &med.HSNCode,
		&med.Manufacturer, &med.UnitPrice, &med.PurchasePrice, &med.GSTRate,
		&med.StockQuantity, &med.ReorderLevel, &med.Active, &med.CreatedAt, &med.UpdatedAt)
	if err != nil {
		return nil, err
	}
	med.CreatedAt = med.CreatedAt.UTC()
	med.UpdatedAt = med.UpdatedAt.UTC()
	return &med, nil
}

func scanPurchase(row rowScanner) (*domain.StockPurchase, error) {
	var p domain.StockPurchase
	var expiry sql.NullTime
	err := row.Scan(&p.ID, &p.HospitalID, &p.SupplierID, &p.MedicationID, &p.SupplierBill,
		&p.PurchaseDate, &p.BatchNo, &expiry, &p.Quantity, &p.UnitCost,
		&p.TaxableAmount, &p.TaxPct, &p.TaxAmount, &p.TotalAmount,
		&p.BatchID, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.PurchaseDate = p.PurchaseDate.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	if expiry.Valid {
		e := dateUTC(expiry.Time)
		p.ExpiryDate = &e
	}
	return &p, nil
}

func lockMedication(ctx context.Context, tx *sql.Tx, id string) (*domain.Medication, error) {
	var med domain.Medication
	err := tx.QueryRowContext(ctx, `
		SELECT id, hospital_id, name, unit_price, purchase_price, gst_rate, stock_quantity, active
		FROM medications
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&med.ID, &med.HospitalID, &med.Name, &med.UnitPrice, &med.PurchasePrice,
		&med.GSTRate, &med.StockQuantity, &med.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &med, nil
}

func lockBatchStates(ctx context.Context, tx *sql.Tx, medicationID string) ([]stock.BatchState, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, batch_no, expiry_date, received_at, qty_available
		FROM medication_batches
		WHERE medication_id = $1 AND qty_available > 0
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
		FOR UPDATE
	`, medicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make([]stock.BatchState, 0, 8)
	for rows.Next() {
		var state stock.BatchState
		var expiry sql.NullTime
		if err := rows.Scan(&state.BatchID, &state.BatchNo, &expiry, &state.ReceivedAt, &state.QtyAvailable); err != nil {
			return nil, err
		}
		state.ReceivedAt = state.ReceivedAt.UTC()
		if expiry.Valid {
			e := dateUTC(expiry.Time)
			state.ExpiryDate = &e
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

func updateAggregate(ctx context.Context, tx *sql.Tx, medicationID string, quantity int, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE medications
		SET stock_quantity = $2, updated_at = $3
		WHERE id = $1
	`, medicationID, quantity, at)
	return err
}

func uniqueMedicationIDs(items []domain.MedicineInvoiceItem) []string {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.MedicationID == "" {
			continue
		}
		set[item.MedicationID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateUTC(*val)
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
