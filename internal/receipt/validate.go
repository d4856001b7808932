package receipt

import (
	"fmt"
	"sort"

	"github.com/asyncgate/asyncgate/internal/canonicalize"
)

// ValidateShape enforces the size bounds in spec.md §6 (max_receipt_body_bytes,
// max_receipt_parents, max_receipt_artifacts). Store implementations call
// this before touching storage; it does not require a database round trip,
// unlike parent-existence and can-terminate checks which are store
// responsibilities (they need to see other tenants' rows).
func ValidateShape(spec Spec) error {
	if len(spec.Parents) > MaxParents {
		return fmt.Errorf("%w: parents list exceeds %d entries", ErrValidation, MaxParents)
	}
	canonicalBody, err := canonicalize.JCS(spec.Body)
	if err != nil {
		return fmt.Errorf("%w: body not serializable: %v", ErrValidation, err)
	}
	if len(canonicalBody) > MaxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrValidation, MaxBodyBytes)
	}
	if spec.Type == TypeTaskCompleted {
		if artifacts, ok := spec.Body["artifacts"]; ok {
			if list, ok := artifacts.([]any); ok && len(list) > MaxArtifacts {
				return fmt.Errorf("%w: artifacts list exceeds %d entries", ErrValidation, MaxArtifacts)
			}
		}
	}
	if IsTerminalType(spec.Type) && len(spec.Parents) == 0 {
		return fmt.Errorf("%w: terminal receipt type %q requires non-empty parents", ErrValidation, spec.Type)
	}
	return nil
}

// ValidateShapeLenient is ValidateShape minus the terminal-parents check for
// task.completed: that type's parent requirement is conditional on
// locatability (spec.md §4.4) rather than absolute, so the store decides
// whether to enforce it or strip parents and raise a companion anomaly
// receipt instead of rejecting.
func ValidateShapeLenient(spec Spec) error {
	if spec.Type != TypeTaskCompleted {
		return ValidateShape(spec)
	}
	if len(spec.Parents) > MaxParents {
		return fmt.Errorf("%w: parents list exceeds %d entries", ErrValidation, MaxParents)
	}
	canonicalBody, err := canonicalize.JCS(spec.Body)
	if err != nil {
		return fmt.Errorf("%w: body not serializable: %v", ErrValidation, err)
	}
	if len(canonicalBody) > MaxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrValidation, MaxBodyBytes)
	}
	if artifacts, ok := spec.Body["artifacts"]; ok {
		if list, ok := artifacts.([]any); ok && len(list) > MaxArtifacts {
			return fmt.Errorf("%w: artifacts list exceeds %d entries", ErrValidation, MaxArtifacts)
		}
	}
	return nil
}

// ComputeHash computes the content hash over
// (receipt_type, task_id, from, to, lease_id, sorted(parents), canonical_hash(body)).
// Including parents is essential — see I9: two receipts that agree on
// everything except parents must hash differently, or two discharges of
// different obligations with identical bodies would collide.
func ComputeHash(spec Spec) (string, error) {
	bodyHash, err := canonicalize.Hash(spec.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sortedParents := append([]string(nil), spec.Parents...)
	sort.Strings(sortedParents)

	hashInput := map[string]any{
		"receipt_type": string(spec.Type),
		"task_id":      spec.TaskID,
		"from":         spec.From.String(),
		"to":           spec.To.String(),
		"lease_id":     spec.LeaseID,
		"parents":      sortedParents,
		"body_hash":    bodyHash,
	}
	return canonicalize.Hash(hashInput)
}
