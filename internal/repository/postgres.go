package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-pc-approvals/internal/database"
	"github.com/pesio-ai/be-pc-approvals/internal/errors"
)

// PostgresStore bundles the Postgres repositories behind the store interfaces
// the services consume.
type PostgresStore struct {
	*AssignmentPolicyRepository
	*PermissionPolicyRepository
	*ApprovalCycleRepository
	*ApprovalStepsRepository
	*ApprovalAuditRepository
	*SubjectRepository

	db *database.DB
}

// NewPostgresStore creates every repository over one pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		AssignmentPolicyRepository: NewAssignmentPolicyRepository(db),
		PermissionPolicyRepository: NewPermissionPolicyRepository(db),
		ApprovalCycleRepository:    NewApprovalCycleRepository(db),
		ApprovalStepsRepository:    NewApprovalStepsRepository(db),
		ApprovalAuditRepository:    NewApprovalAuditRepository(db),
		SubjectRepository:          NewSubjectRepository(db),
		db:                         db,
	}
}

// InTx runs fn inside one database transaction. Repository calls made with
// the context fn receives join it.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.WithinTx(ctx, fn)
}

// ── shared scan helpers ──────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// marshalJSONB returns nil for nil maps and slices so the column stays NULL.
func marshalJSONB(v any, what string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal "+what)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

func unmarshalJSONB(raw []byte, dest any, what string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal "+what)
	}
	return nil
}

// casMiss turns a compare-and-swap update that matched no row into NotFound
// or ErrRevisionConflict.
func casMiss(exists bool, resource, id string) error {
	if !exists {
		return errors.NotFound(resource, id)
	}
	return errors.ErrRevisionConflict
}
