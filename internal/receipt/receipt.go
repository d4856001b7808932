package receipt

import (
	"time"

	"github.com/asyncgate/asyncgate/internal/principal"
)

// MaxParents is the maximum length of a receipt's parents list.
const MaxParents = 10

// MaxBodyBytes bounds the canonical-encoded body size.
const MaxBodyBytes = 64 * 1024

// MaxArtifacts bounds the artifacts list length in a task.completed body.
const MaxArtifacts = 100

// Receipt is an immutable contract record.
type Receipt struct {
	TenantID  string              `json:"tenant_id"`
	ReceiptID string              `json:"receipt_id"`
	Type      Type                `json:"receipt_type"`
	From      principal.Principal `json:"from"`
	To        principal.Principal `json:"to"`
	TaskID    string              `json:"task_id,omitempty"`
	LeaseID   string              `json:"lease_id,omitempty"`
	Parents   []string            `json:"parents"`
	Body      map[string]any      `json:"body"`
	CreatedAt time.Time           `json:"created_at"`
	Hash      string              `json:"hash"`
}

// Spec is the set of fields a caller supplies to create a receipt.
type Spec struct {
	Type    Type
	From    principal.Principal
	To      principal.Principal
	TaskID  string
	LeaseID string
	Parents []string
	Body    map[string]any
}

// HasLocatability reports whether a task.completed body carries either an
// artifacts list or a delivery_proof record, per spec.md §3.
func HasLocatability(body map[string]any) bool {
	if artifacts, ok := body["artifacts"]; ok {
		if list, ok := artifacts.([]any); ok && len(list) > 0 {
			return true
		}
	}
	if _, ok := body["delivery_proof"]; ok {
		return true
	}
	return false
}
