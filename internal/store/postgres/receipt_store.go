package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
)

const receiptColumns = `tenant_id, receipt_id, receipt_type, from_kind, from_id, to_kind, to_id,
	task_id, lease_id, parents, body, hash, created_at`

// ReceiptStore is a Postgres-backed receipt.Store. The append-only
// ledger shape and hash-collision idempotence follow
// store/ledger/postgres_ledger.go's Create; the parents column is
// text[] with a GIN index (schema.go) instead of a side table, which is
// what lets ListByParent/HasTerminator/BatchTerminators stay index-only
// lookups rather than scanning every row's JSON body.
type ReceiptStore struct {
	conn sqlConn
}

func NewReceiptStore(db *sql.DB) *ReceiptStore {
	return &ReceiptStore{conn: db}
}

// withConn returns a ReceiptStore bound to conn instead of the store's
// usual *sql.DB — how Engine gets a receipt store that shares a single
// *sql.Tx with the task and lease stores for one mutating operation.
func (s *ReceiptStore) withConn(conn sqlConn) *ReceiptStore {
	return &ReceiptStore{conn: conn}
}

func scanReceipt(row interface{ Scan(dest ...any) error }) (receipt.Receipt, error) {
	var r receipt.Receipt
	var fromKind, fromID, toKind, toID string
	var parents pq.StringArray
	var bodyJSON []byte

	err := row.Scan(
		&r.TenantID, &r.ReceiptID, &r.Type, &fromKind, &fromID, &toKind, &toID,
		&r.TaskID, &r.LeaseID, &parents, &bodyJSON, &r.Hash, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return receipt.Receipt{}, receipt.ErrNotFound
		}
		return receipt.Receipt{}, fmt.Errorf("postgres: scan receipt: %w", err)
	}

	from, err := principal.New(principal.Kind(fromKind), fromID)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("postgres: invalid from principal: %w", err)
	}
	r.From = from
	to, err := principal.New(principal.Kind(toKind), toID)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("postgres: invalid to principal: %w", err)
	}
	r.To = to

	r.Parents = []string(parents)

	var body map[string]any
	if len(bodyJSON) > 0 {
		if err := json.Unmarshal(bodyJSON, &body); err != nil {
			return receipt.Receipt{}, fmt.Errorf("postgres: unmarshal body: %w", err)
		}
	}
	r.Body = body
	return r, nil
}

func (s *ReceiptStore) insert(ctx context.Context, tenantID string, r receipt.Receipt) error {
	bodyJSON, err := json.Marshal(r.Body)
	if err != nil {
		return fmt.Errorf("postgres: marshal body: %w", err)
	}
	const q = `
		INSERT INTO receipts (
			tenant_id, receipt_id, receipt_type, from_kind, from_id, to_kind, to_id,
			task_id, lease_id, parents, body, hash, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (tenant_id, hash) DO NOTHING
	`
	_, err = s.conn.ExecContext(ctx, q,
		tenantID, r.ReceiptID, string(r.Type), string(r.From.Kind), r.From.ID, string(r.To.Kind), r.To.ID,
		r.TaskID, r.LeaseID, pq.Array(r.Parents), bodyJSON, r.Hash, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert receipt: %w", err)
	}
	return nil
}

func (s *ReceiptStore) getByHash(ctx context.Context, tenantID, hash string) (receipt.Receipt, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id=$1 AND hash=$2`, tenantID, hash)
	return scanReceipt(row)
}

// Create mirrors memory.ReceiptStore.Create's steps exactly so both
// backends enforce identical semantics: shape validation, the
// task.completed locatability leniency branch, terminal-type parent
// existence/CanTerminate checks, then hash-collision idempotence.
func (s *ReceiptStore) Create(ctx context.Context, tenantID string, spec receipt.Spec) (receipt.Receipt, error) {
	if err := receipt.ValidateShapeLenient(spec); err != nil {
		return receipt.Receipt{}, err
	}

	anomalyNeeded := false
	effectiveSpec := spec
	if spec.Type == receipt.TypeTaskCompleted && !receipt.HasLocatability(spec.Body) {
		effectiveSpec.Parents = nil
		anomalyNeeded = true
	} else if receipt.IsTerminalType(spec.Type) {
		if len(spec.Parents) == 0 {
			return receipt.Receipt{}, receipt.ErrValidation
		}
		for _, parentID := range spec.Parents {
			parent, err := s.Get(ctx, tenantID, parentID)
			if err != nil {
				if errors.Is(err, receipt.ErrNotFound) {
					return receipt.Receipt{}, receipt.ErrParentNotFound
				}
				return receipt.Receipt{}, err
			}
			if !receipt.CanTerminate(spec.Type, parent.Type) {
				return receipt.Receipt{}, receipt.ErrIllegalTerminator
			}
		}
	}

	hash, err := receipt.ComputeHash(effectiveSpec)
	if err != nil {
		return receipt.Receipt{}, err
	}
	if existing, err := s.getByHash(ctx, tenantID, hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, receipt.ErrNotFound) {
		return receipt.Receipt{}, err
	}

	r := receipt.Receipt{
		TenantID:  tenantID,
		ReceiptID: uuid.NewString(),
		Type:      effectiveSpec.Type,
		From:      effectiveSpec.From,
		To:        effectiveSpec.To,
		TaskID:    effectiveSpec.TaskID,
		LeaseID:   effectiveSpec.LeaseID,
		Parents:   effectiveSpec.Parents,
		Body:      effectiveSpec.Body,
		Hash:      hash,
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT now()`).Scan(&r.CreatedAt); err != nil {
		return receipt.Receipt{}, fmt.Errorf("postgres: read server clock: %w", err)
	}
	if err := s.insert(ctx, tenantID, r); err != nil {
		return receipt.Receipt{}, err
	}
	// A concurrent insert of an identical hash may have won the race;
	// re-read by hash so callers always get the one true row.
	stored, err := s.getByHash(ctx, tenantID, hash)
	if err != nil {
		return receipt.Receipt{}, err
	}
	r = stored

	if anomalyNeeded {
		anomalySpec := receipt.Spec{
			Type:   receipt.TypeAnomalyLocatabilityMissing,
			From:   principal.System,
			To:     effectiveSpec.To,
			TaskID: effectiveSpec.TaskID,
			Body: map[string]any{
				"reason":     "task.completed lacked artifacts or delivery_proof",
				"receipt_id": r.ReceiptID,
			},
		}
		ahash, err := receipt.ComputeHash(anomalySpec)
		if err == nil {
			if _, err := s.getByHash(ctx, tenantID, ahash); errors.Is(err, receipt.ErrNotFound) {
				a := receipt.Receipt{
					TenantID:  tenantID,
					ReceiptID: uuid.NewString(),
					Type:      anomalySpec.Type,
					From:      anomalySpec.From,
					To:        anomalySpec.To,
					TaskID:    anomalySpec.TaskID,
					Body:      anomalySpec.Body,
					Hash:      ahash,
					CreatedAt: r.CreatedAt,
				}
				_ = s.insert(ctx, tenantID, a)
			}
		}
	}

	return r, nil
}

func (s *ReceiptStore) Get(ctx context.Context, tenantID, receiptID string) (receipt.Receipt, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id=$1 AND receipt_id=$2`, tenantID, receiptID)
	return scanReceipt(row)
}

func (s *ReceiptStore) ListByParent(ctx context.Context, tenantID, parentID string, limit int) ([]receipt.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id=$1 AND parents @> $2 ORDER BY created_at ASC`
	args := []any{tenantID, pq.Array([]string{parentID})}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	return s.queryReceipts(ctx, query, args...)
}

func (s *ReceiptStore) queryReceipts(ctx context.Context, query string, args ...any) ([]receipt.Receipt, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query receipts: %w", err)
	}
	defer rows.Close()

	var out []receipt.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasTerminator reports whether parentID has a child receipt whose type
// can legally terminate parentID's type (I7) — not merely any receipt
// naming it as a parent. lease.expired and task.progress both link to
// task.assigned as a parent without discharging it, so a plain
// parents @> existence check would wrongly close the obligation.
func (s *ReceiptStore) HasTerminator(ctx context.Context, tenantID, parentID string) (bool, error) {
	parent, err := s.Get(ctx, tenantID, parentID)
	if err != nil {
		if errors.Is(err, receipt.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT receipt_type FROM receipts WHERE tenant_id=$1 AND parents @> $2`,
		tenantID, pq.Array([]string{parentID}),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: has terminator: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var childType string
		if err := rows.Scan(&childType); err != nil {
			return false, fmt.Errorf("postgres: scan terminator type: %w", err)
		}
		if receipt.CanTerminate(receipt.Type(childType), parent.Type) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *ReceiptStore) ListByTaskAndType(ctx context.Context, tenantID, taskID string, t receipt.Type) ([]receipt.Receipt, error) {
	return s.queryReceipts(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE tenant_id=$1 AND task_id=$2 AND receipt_type=$3 ORDER BY created_at ASC`,
		tenantID, taskID, string(t))
}

func (s *ReceiptStore) GetLatestTerminator(ctx context.Context, tenantID, parentID string) (*receipt.Receipt, error) {
	parent, err := s.Get(ctx, tenantID, parentID)
	if err != nil {
		if errors.Is(err, receipt.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	children, err := s.ListByParent(ctx, tenantID, parentID, 0)
	if err != nil {
		return nil, err
	}
	var latest *receipt.Receipt
	for i := range children {
		c := children[i]
		if !receipt.CanTerminate(c.Type, parent.Type) {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = &children[i]
		}
	}
	return latest, nil
}

func (s *ReceiptStore) ListObligationCandidates(ctx context.Context, tenantID string, to principal.Principal, cursor *receipt.Cursor, limit int) ([]receipt.Receipt, error) {
	obligationTypes := receipt.ObligationTypes()
	typeStrings := make([]string, len(obligationTypes))
	for i, t := range obligationTypes {
		typeStrings[i] = string(t)
	}

	query := `
		SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND to_kind = $2 AND to_id = $3 AND receipt_type = ANY($4)
	`
	args := []any{tenantID, string(to.Kind), to.ID, pq.Array(typeStrings)}
	if cursor != nil {
		args = append(args, cursor.CreatedAtUnixNano, cursor.ReceiptID)
		query += fmt.Sprintf(" AND (extract(epoch from created_at) * 1e9, receipt_id) > ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY created_at ASC, receipt_id ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryReceipts(ctx, query, args...)
}

// BatchTerminators is HasTerminator's batched form: it restricts the
// match to children whose type can legally terminate each candidate's
// own type (I7), same as HasTerminator.
func (s *ReceiptStore) BatchTerminators(ctx context.Context, tenantID string, candidateIDs []string) (map[string]struct{}, error) {
	terminated := make(map[string]struct{})
	if len(candidateIDs) == 0 {
		return terminated, nil
	}

	candidateTypes := make(map[string]receipt.Type, len(candidateIDs))
	typeRows, err := s.conn.QueryContext(ctx,
		`SELECT receipt_id, receipt_type FROM receipts WHERE tenant_id=$1 AND receipt_id = ANY($2)`,
		tenantID, pq.Array(candidateIDs))
	if err != nil {
		return nil, fmt.Errorf("postgres: batch terminators: load candidate types: %w", err)
	}
	for typeRows.Next() {
		var id, t string
		if err := typeRows.Scan(&id, &t); err != nil {
			typeRows.Close()
			return nil, fmt.Errorf("postgres: scan candidate type: %w", err)
		}
		candidateTypes[id] = receipt.Type(t)
	}
	if err := typeRows.Err(); err != nil {
		typeRows.Close()
		return nil, err
	}
	typeRows.Close()

	rows, err := s.conn.QueryContext(ctx,
		`SELECT receipt_type, unnest(parents) AS parent_id FROM receipts WHERE tenant_id=$1 AND parents && $2`,
		tenantID, pq.Array(candidateIDs))
	if err != nil {
		return nil, fmt.Errorf("postgres: batch terminators: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var childType, parentID string
		if err := rows.Scan(&childType, &parentID); err != nil {
			return nil, fmt.Errorf("postgres: scan terminator parent: %w", err)
		}
		parentType, ok := candidateTypes[parentID]
		if !ok {
			continue
		}
		if receipt.CanTerminate(receipt.Type(childType), parentType) {
			terminated[parentID] = struct{}{}
		}
	}
	return terminated, rows.Err()
}
