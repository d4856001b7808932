package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/receipt"
)

const receiptColumns = `tenant_id, receipt_id, receipt_type, from_kind, from_id, to_kind, to_id,
	task_id, lease_id, parents, body, hash, created_at`

// ReceiptStore is a SQLite-backed receipt.Store. parents is stored both
// as a JSON array on the receipt row (for round-tripping Receipt.Parents)
// and exploded into the receipt_parents join table (for index-backed
// ListByParent/HasTerminator/BatchTerminators lookups) — the role
// Postgres's GIN index on a text[] column plays in store/postgres.
type ReceiptStore struct {
	db *sql.DB
}

func NewReceiptStore(db *sql.DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

func scanReceipt(row interface{ Scan(dest ...any) error }) (receipt.Receipt, error) {
	var r receipt.Receipt
	var receiptType, fromKind, fromID, toKind, toID string
	var parentsJSON, bodyJSON []byte
	var createdAt string

	err := row.Scan(
		&r.TenantID, &r.ReceiptID, &receiptType, &fromKind, &fromID, &toKind, &toID,
		&r.TaskID, &r.LeaseID, &parentsJSON, &bodyJSON, &r.Hash, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return receipt.Receipt{}, receipt.ErrNotFound
		}
		return receipt.Receipt{}, fmt.Errorf("sqlite: scan receipt: %w", err)
	}
	r.Type = receipt.Type(receiptType)

	from, err := principal.New(principal.Kind(fromKind), fromID)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("sqlite: invalid from principal: %w", err)
	}
	r.From = from
	to, err := principal.New(principal.Kind(toKind), toID)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("sqlite: invalid to principal: %w", err)
	}
	r.To = to

	var parents []string
	if len(parentsJSON) > 0 {
		if err := json.Unmarshal(parentsJSON, &parents); err != nil {
			return receipt.Receipt{}, fmt.Errorf("sqlite: unmarshal parents: %w", err)
		}
	}
	r.Parents = parents

	var body map[string]any
	if len(bodyJSON) > 0 {
		if err := json.Unmarshal(bodyJSON, &body); err != nil {
			return receipt.Receipt{}, fmt.Errorf("sqlite: unmarshal body: %w", err)
		}
	}
	r.Body = body

	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return receipt.Receipt{}, fmt.Errorf("sqlite: parse created_at: %w", err)
	}
	return r, nil
}

func (s *ReceiptStore) insert(ctx context.Context, tenantID string, r receipt.Receipt) error {
	bodyJSON, err := json.Marshal(r.Body)
	if err != nil {
		return fmt.Errorf("sqlite: marshal body: %w", err)
	}
	parentsJSON, err := json.Marshal(r.Parents)
	if err != nil {
		return fmt.Errorf("sqlite: marshal parents: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertReceipt = `
		INSERT INTO receipts (
			tenant_id, receipt_id, receipt_type, from_kind, from_id, to_kind, to_id,
			task_id, lease_id, parents, body, hash, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (tenant_id, hash) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, insertReceipt,
		tenantID, r.ReceiptID, string(r.Type), string(r.From.Kind), r.From.ID, string(r.To.Kind), r.To.ID,
		r.TaskID, r.LeaseID, parentsJSON, bodyJSON, r.Hash, r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert receipt: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		for _, parentID := range r.Parents {
			const insertParent = `INSERT OR IGNORE INTO receipt_parents (tenant_id, parent_id, receipt_id) VALUES (?,?,?)`
			if _, err := tx.ExecContext(ctx, insertParent, tenantID, parentID, r.ReceiptID); err != nil {
				return fmt.Errorf("sqlite: index receipt parent: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *ReceiptStore) getByHash(ctx context.Context, tenantID, hash string) (receipt.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id=? AND hash=?`, tenantID, hash)
	return scanReceipt(row)
}

// Create mirrors memory.ReceiptStore.Create's steps exactly so every
// backend enforces identical semantics: shape validation, the
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
		CreatedAt: time.Now().UTC(),
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
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id=? AND receipt_id=?`, tenantID, receiptID)
	return scanReceipt(row)
}

func (s *ReceiptStore) queryReceipts(ctx context.Context, query string, args ...any) ([]receipt.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query receipts: %w", err)
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

func (s *ReceiptStore) ListByParent(ctx context.Context, tenantID, parentID string, limit int) ([]receipt.Receipt, error) {
	query := `
		SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = ? AND receipt_id IN (
			SELECT receipt_id FROM receipt_parents WHERE tenant_id = ? AND parent_id = ?
		)
		ORDER BY created_at ASC
	`
	args := []any{tenantID, tenantID, parentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryReceipts(ctx, query, args...)
}

// HasTerminator reports whether parentID has a child receipt whose type
// can legally terminate parentID's type (I7) — not merely any receipt
// indexed against it in receipt_parents. lease.expired and
// task.progress both link to task.assigned as a parent without
// discharging it, so a plain existence check would wrongly close the
// obligation.
func (s *ReceiptStore) HasTerminator(ctx context.Context, tenantID, parentID string) (bool, error) {
	var parentType string
	err := s.db.QueryRowContext(ctx,
		`SELECT receipt_type FROM receipts WHERE tenant_id=? AND receipt_id=?`,
		tenantID, parentID,
	).Scan(&parentType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("sqlite: has terminator: load parent type: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.receipt_type FROM receipt_parents rp
		JOIN receipts r ON r.tenant_id = rp.tenant_id AND r.receipt_id = rp.receipt_id
		WHERE rp.tenant_id=? AND rp.parent_id=?
	`, tenantID, parentID)
	if err != nil {
		return false, fmt.Errorf("sqlite: has terminator: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var childType string
		if err := rows.Scan(&childType); err != nil {
			return false, fmt.Errorf("sqlite: scan terminator type: %w", err)
		}
		if receipt.CanTerminate(receipt.Type(childType), receipt.Type(parentType)) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *ReceiptStore) ListByTaskAndType(ctx context.Context, tenantID, taskID string, t receipt.Type) ([]receipt.Receipt, error) {
	return s.queryReceipts(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE tenant_id=? AND task_id=? AND receipt_type=? ORDER BY created_at ASC`,
		tenantID, taskID, string(t))
}

func (s *ReceiptStore) GetLatestTerminator(ctx context.Context, tenantID, parentID string) (*receipt.Receipt, error) {
	var parentType string
	err := s.db.QueryRowContext(ctx,
		`SELECT receipt_type FROM receipts WHERE tenant_id=? AND receipt_id=?`,
		tenantID, parentID,
	).Scan(&parentType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: get latest terminator: load parent type: %w", err)
	}

	children, err := s.ListByParent(ctx, tenantID, parentID, 0)
	if err != nil {
		return nil, err
	}
	var latest *receipt.Receipt
	for i := range children {
		c := children[i]
		if !receipt.CanTerminate(c.Type, receipt.Type(parentType)) {
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
	placeholders := ""
	args := []any{tenantID, string(to.Kind), to.ID}
	for i, t := range obligationTypes {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(t))
	}

	query := `
		SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = ? AND to_kind = ? AND to_id = ? AND receipt_type IN (` + placeholders + `)
	`
	if cursor != nil {
		query += " AND (created_at > ? OR (created_at = ? AND receipt_id > ?))"
		c := time.Unix(0, cursor.CreatedAtUnixNano).UTC().Format(time.RFC3339Nano)
		args = append(args, c, c, cursor.ReceiptID)
	}
	query += " ORDER BY created_at ASC, receipt_id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
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

	placeholders := ""
	args := []any{tenantID}
	for i, id := range candidateIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}

	candidateTypes := make(map[string]receipt.Type, len(candidateIDs))
	typeRows, err := s.db.QueryContext(ctx,
		`SELECT receipt_id, receipt_type FROM receipts WHERE tenant_id=? AND receipt_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: batch terminators: load candidate types: %w", err)
	}
	for typeRows.Next() {
		var id, t string
		if err := typeRows.Scan(&id, &t); err != nil {
			typeRows.Close()
			return nil, fmt.Errorf("sqlite: scan candidate type: %w", err)
		}
		candidateTypes[id] = receipt.Type(t)
	}
	if err := typeRows.Err(); err != nil {
		typeRows.Close()
		return nil, err
	}
	typeRows.Close()

	rows, err := s.db.QueryContext(ctx, `
		SELECT rp.parent_id, r.receipt_type FROM receipt_parents rp
		JOIN receipts r ON r.tenant_id = rp.tenant_id AND r.receipt_id = rp.receipt_id
		WHERE rp.tenant_id=? AND rp.parent_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: batch terminators: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var parentID, childType string
		if err := rows.Scan(&parentID, &childType); err != nil {
			return nil, fmt.Errorf("sqlite: scan terminator parent: %w", err)
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
