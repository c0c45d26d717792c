// Package stock implements first-expiry-first-out allocation over batch
// snapshots. Both store implementations load (and lock) the batch rows for a
// medication, hand them to Allocate, and persist the resulting deductions.
package stock

import (
	"errors"
	"slices"
	"time"
)

var ErrShortfall = errors.New("allocation shortfall")

// BatchState is a point-in-time snapshot of one batch of a medication.
type BatchState struct {
	BatchID      string
	BatchNo      string
	ExpiryDate   *time.Time
	ReceivedAt   time.Time
	QtyAvailable int
}

// Allocation is one deduction produced by Allocate. BatchID is empty when
// the quantity was drawn from legacy unbatched stock.
type Allocation struct {
	BatchID    string
	BatchNo    string
	ExpiryDate *time.Time
	Qty        int
}

// LegacyQty derives the unbatched remainder: the medication aggregate minus
// everything the batch rows account for (expired batches included, since
// their stock is still physically on the shelf). Never negative.
func LegacyQty(batches []BatchState, aggregateQty int) int {
	tracked := 0
	for _, b := range batches {
		tracked += b.QtyAvailable
	}
	legacy := aggregateQty - tracked
	if legacy < 0 {
		return 0
	}
	return legacy
}

// Sellable is the quantity Allocate can actually cover as of the given day:
// unexpired batch stock plus the legacy remainder.
func Sellable(batches []BatchState, aggregateQty int, asOf time.Time) int {
	total := LegacyQty(batches, aggregateQty)
	for _, b := range batches {
		if expired(b, asOf) {
			continue
		}
		total += b.QtyAvailable
	}
	return total
}

// Allocate covers the requested quantity from batches in FEFO order
// (earliest expiry first, nil expiry last, ties broken by received time then
// batch id), skipping expired batches, and falls back to legacy unbatched
// stock for whatever the batches could not cover. The allocation is
// all-or-nothing: if the sellable quantity is short, no allocations are
// returned and ErrShortfall is reported.
func Allocate(batches []BatchState, aggregateQty int, requested int, asOf time.Time) ([]Allocation, error) {
	if requested < 1 {
		return nil, ErrShortfall
	}
	if Sellable(batches, aggregateQty, asOf) < requested {
		return nil, ErrShortfall
	}

	ordered := make([]BatchState, len(batches))
	copy(ordered, batches)
	slices.SortFunc(ordered, compareFEFO)

	allocations := make([]Allocation, 0, 2)
	remaining := requested
	for _, b := range ordered {
		if remaining == 0 {
			break
		}
		if b.QtyAvailable < 1 || expired(b, asOf) {
			continue
		}
		take := remaining
		if take > b.QtyAvailable {
			take = b.QtyAvailable
		}
		allocations = append(allocations, Allocation{
			BatchID:    b.BatchID,
			BatchNo:    b.BatchNo,
			ExpiryDate: b.ExpiryDate,
			Qty:        take,
		})
		remaining -= take
	}

	if remaining > 0 {
		// Covered by the Sellable pre-check; the rest comes off legacy stock.
		allocations = append(allocations, Allocation{Qty: remaining})
	}
	return allocations, nil
}

func expired(b BatchState, asOf time.Time) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(dateUTC(asOf))
}

func compareFEFO(a, b BatchState) int {
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
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		if a.ReceivedAt.Before(b.ReceivedAt) {
			return -1
		}
		return 1
	}
	switch {
	case a.BatchID < b.BatchID:
		return -1
	case a.BatchID > b.BatchID:
		return 1
	}
	return 0
}

func dateUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
