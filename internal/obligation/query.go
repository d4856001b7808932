// Package obligation implements list_open_obligations: the read path
// that tells a principal what it still owes a response to. An obligation
// is never stored — it is the logical pairing of an obligation-creating
// receipt with the absence of any receipt that terminates it.
//
// The batched two-step query here is grounded on the same "fetch
// candidates, then fetch satisfiers in bulk" shape as
// core/pkg/compliance/enforcement/engine.go's obligation sweep, adapted
// to run over two receipt.Store calls instead of one SQL join, so the
// in-memory and Postgres backends share the exact algorithm.
package obligation

import (
	"context"

	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
)

// Open is one still-open obligation: an obligation-creating receipt that
// no later receipt has terminated.
type Open struct {
	Receipt receipt.Receipt
}

// Result is the literal, permanent output shape of list_open_obligations
// — a single unbucketed list plus a cursor. No "inbox"/"attention"/
// "waiting_results" grouping is ever added here: bucketing by receipt
// type or age is a presentation concern for a caller, not this query's
// job, and baking a taxonomy into the wire shape would force a breaking
// change the day a new obligation type is added.
type Result struct {
	OpenObligations []Open
	Cursor          *receipt.Cursor
}

// Query runs list_open_obligations for tenantID/addressee.
type Query struct {
	Receipts receipt.Store
}

func New(receipts receipt.Store) *Query {
	return &Query{Receipts: receipts}
}

// List fetches up to limit open obligations addressed to `to`, after
// cursor. Each page of candidates costs two round trips, whatever its
// mix of open and closed: one to list obligation-creating receipts, one
// to batch-check which of them already have a terminator. Pages are
// fetched until limit open obligations are found or candidates run out. There is no
// per-candidate HasTerminator probe — that would be the N+1 shape this
// algorithm exists to avoid.
func (q *Query) List(ctx context.Context, tenantID string, to principal.Principal, cursor *receipt.Cursor, limit int) (Result, error) {
	if limit <= 0 {
		limit = 100
	}

	var open []Open
	nextCursor := cursor

	// Page through candidates until `limit` open obligations are found
	// or candidates run out — a page of obligation-creating receipts may
	// be entirely closed, in which case we must fetch the next page
	// rather than return a short page with more data available.
	for len(open) < limit {
		candidates, err := q.Receipts.ListObligationCandidates(ctx, tenantID, to, nextCursor, limit)
		if err != nil {
			return Result{}, err
		}
		if len(candidates) == 0 {
			nextCursor = nil
			break
		}

		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ReceiptID
		}
		terminated, err := q.Receipts.BatchTerminators(ctx, tenantID, ids)
		if err != nil {
			return Result{}, err
		}

		lastExamined := candidates[0]
		exhaustedPage := true
		for _, c := range candidates {
			lastExamined = c
			if _, closed := terminated[c.ReceiptID]; !closed {
				open = append(open, Open{Receipt: c})
				if len(open) >= limit {
					exhaustedPage = false
					break
				}
			}
		}

		nextCursor = &receipt.Cursor{CreatedAtUnixNano: lastExamined.CreatedAt.UnixNano(), ReceiptID: lastExamined.ReceiptID}

		if exhaustedPage && len(candidates) < limit {
			// Fewer than a full page came back: no more candidates exist.
			nextCursor = nil
			break
		}
	}

	return Result{OpenObligations: open, Cursor: nextCursor}, nil
}
