package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pc-approvals/internal/database"
	"github.com/pesio-ai/be-pc-approvals/internal/errors"
)

// ApprovalCycleRepository persists approval cycles and the version snapshots
// taken while they run.
type ApprovalCycleRepository struct {
	db *database.DB
}

// NewApprovalCycleRepository creates a new ApprovalCycleRepository.
func NewApprovalCycleRepository(db *database.DB) *ApprovalCycleRepository {
	return &ApprovalCycleRepository{db: db}
}

const cycleColumns = `
	id, subject_kind, subject_id, cycle_number, status, revision,
	submitted_by, submitted_at, completed_at
`

// CreateCycle inserts c with revision 1. A second cycle with the same number,
// or a second active cycle, for the subject is a conflict.
func (r *ApprovalCycleRepository) CreateCycle(ctx context.Context, c *ApprovalCycle) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Revision = 1

	query := `
		INSERT INTO approval_cycles (` + cycleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		c.ID, c.SubjectKind, c.SubjectID, c.CycleNumber, c.Status, c.Revision,
		c.SubmittedBy, c.SubmittedAt, c.CompletedAt,
	)
	if isUniqueViolation(err) {
		return errors.Conflict(fmt.Sprintf("cycle %d already exists for %s %s", c.CycleNumber, c.SubjectKind, c.SubjectID))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval cycle")
	}
	return nil
}

// UpdateCycle writes status and completion time when the stored revision
// still matches c.Revision.
func (r *ApprovalCycleRepository) UpdateCycle(ctx context.Context, c *ApprovalCycle) error {
	query := `
		UPDATE approval_cycles
		SET status       = $3,
		    completed_at = $4,
		    revision     = revision + 1
		WHERE id = $1 AND revision = $2
		RETURNING revision
	`

	err := r.db.QueryRow(ctx, query, c.ID, c.Revision, c.Status, c.CompletedAt).Scan(&c.Revision)
	if isNoRows(err) {
		return r.cycleCASMiss(ctx, c.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval cycle")
	}
	return nil
}

func (r *ApprovalCycleRepository) cycleCASMiss(ctx context.Context, id string) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_cycles WHERE id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check approval cycle")
	}
	return casMiss(exists, "approval_cycle", id)
}

func (r *ApprovalCycleRepository) GetCycle(ctx context.Context, id string) (*ApprovalCycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM approval_cycles WHERE id = $1`

	c, err := r.scanCycle(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_cycle", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval cycle")
	}
	return c, nil
}

// GetLatestCycle returns nil when the subject has never been submitted.
func (r *ApprovalCycleRepository) GetLatestCycle(ctx context.Context, kind SubjectKind, subjectID string) (*ApprovalCycle, error) {
	query := `
		SELECT ` + cycleColumns + `
		FROM approval_cycles
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY cycle_number DESC
		LIMIT 1
	`

	c, err := r.scanCycle(r.db.QueryRow(ctx, query, kind, subjectID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest approval cycle")
	}
	return c, nil
}

// ListCycles returns a subject's cycles ordered by cycle number.
func (r *ApprovalCycleRepository) ListCycles(ctx context.Context, kind SubjectKind, subjectID string) ([]*ApprovalCycle, error) {
	query := `
		SELECT ` + cycleColumns + `
		FROM approval_cycles
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY cycle_number ASC
	`

	rows, err := r.db.Query(ctx, query, kind, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval cycles")
	}
	defer rows.Close()

	cycles := []*ApprovalCycle{}
	for rows.Next() {
		c, err := r.scanCycle(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval cycle")
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func (r *ApprovalCycleRepository) scanCycle(sc rowScanner) (*ApprovalCycle, error) {
	c := &ApprovalCycle{}
	err := sc.Scan(
		&c.ID, &c.SubjectKind, &c.SubjectID, &c.CycleNumber, &c.Status, &c.Revision,
		&c.SubmittedBy, &c.SubmittedAt, &c.CompletedAt,
	)
	return c, err
}

// ── version snapshots ────────────────────────────────────────────────────────

// CreateVersionSnapshot inserts snap when its version number is greater than
// every stored version of the subject.
func (r *ApprovalCycleRepository) CreateVersionSnapshot(ctx context.Context, snap *VersionSnapshot) error {
	fieldsJSON, err := marshalJSONB(snap.Fields, "snapshot fields")
	if err != nil {
		return err
	}
	if fieldsJSON == nil {
		fieldsJSON = []byte("{}")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var latest int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version_number), 0)
			FROM version_snapshots
			WHERE subject_kind = $1 AND subject_id = $2
		`, snap.SubjectKind, snap.SubjectID).Scan(&latest); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read latest snapshot version")
		}
		if snap.VersionNumber <= latest {
			return errors.Conflict(fmt.Sprintf("snapshot version %d is not after %d", snap.VersionNumber, latest))
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO version_snapshots
			    (id, subject_kind, subject_id, version_number, reason, fields, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, snap.ID, snap.SubjectKind, snap.SubjectID, snap.VersionNumber, snap.Reason,
			fieldsJSON, snap.CreatedBy, snap.CreatedAt)
		if isUniqueViolation(err) {
			return errors.Conflict(fmt.Sprintf("snapshot version %d already exists", snap.VersionNumber))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create version snapshot")
		}
		return nil
	})
}

// ListVersionSnapshots returns a subject's snapshots in version order.
func (r *ApprovalCycleRepository) ListVersionSnapshots(ctx context.Context, kind SubjectKind, subjectID string) ([]*VersionSnapshot, error) {
	query := `
		SELECT id, subject_kind, subject_id, version_number, reason, fields, created_by, created_at
		FROM version_snapshots
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY version_number ASC
	`

	rows, err := r.db.Query(ctx, query, kind, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list version snapshots")
	}
	defer rows.Close()

	snaps := []*VersionSnapshot{}
	for rows.Next() {
		s := &VersionSnapshot{}
		var fieldsJSON []byte
		if err := rows.Scan(
			&s.ID, &s.SubjectKind, &s.SubjectID, &s.VersionNumber, &s.Reason,
			&fieldsJSON, &s.CreatedBy, &s.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan version snapshot")
		}
		if err := unmarshalJSONB(fieldsJSON, &s.Fields, "snapshot fields"); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
