package repository

import (
	"context"

	"github.com/pesio-ai/be-pc-approvals/internal/database"
	"github.com/pesio-ai/be-pc-approvals/internal/errors"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// AppendAudit inserts one audit entry. The table rejects updates and deletes,
// so this is the only mutation exposed.
func (r *ApprovalAuditRepository) AppendAudit(ctx context.Context, entry *ApprovalAuditEntry) error {
	metadataJSON, err := marshalJSONB(entry.Metadata, "audit metadata")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_audit_log
		    (subject_kind, subject_id, cycle_id, step_id,
		     action, performed_by,
		     status_before, status_after,
		     metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6,
		        $7, $8,
		        $9)
		RETURNING id, performed_at
	`

	err = r.db.QueryRow(ctx, query,
		entry.SubjectKind,
		entry.SubjectID,
		entry.CycleID,
		entry.StepID,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListAudit returns the audit trail of a subject oldest-first.
func (r *ApprovalAuditRepository) ListAudit(ctx context.Context, kind SubjectKind, subjectID string) ([]*ApprovalAuditEntry, error) {
	query := `
		SELECT id, subject_kind, subject_id, cycle_id, step_id,
		       action, performed_by, performed_at,
		       status_before, status_after,
		       metadata
		FROM approval_audit_log
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, kind, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	entries := []*ApprovalAuditEntry{}
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *ApprovalAuditRepository) scanEntry(sc rowScanner) (*ApprovalAuditEntry, error) {
	entry := &ApprovalAuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.SubjectKind,
		&entry.SubjectID,
		&entry.CycleID,
		&entry.StepID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}
	if err := unmarshalJSONB(metadataJSON, &entry.Metadata, "audit metadata"); err != nil {
		return nil, err
	}
	return entry, nil
}
