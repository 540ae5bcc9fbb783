package repository

import (
	"context"

	"github.com/pesio-ai/be-pc-approvals/internal/database"
	"github.com/pesio-ai/be-pc-approvals/internal/errors"
)

// SubjectRepository loads and conditionally updates the records that go
// through approval: scorecards, management plans and commitments. Updates
// are compare-and-swap on Revision.
type SubjectRepository struct {
	db *database.DB
}

// NewSubjectRepository creates a new SubjectRepository.
func NewSubjectRepository(db *database.DB) *SubjectRepository {
	return &SubjectRepository{db: db}
}

func (r *SubjectRepository) existsCASMiss(ctx context.Context, table, resource, id string) error {
	var exists bool
	// table is one of the fixed names below, never user input.
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check "+resource)
	}
	return casMiss(exists, resource, id)
}

// ── scorecards ───────────────────────────────────────────────────────────────

func (r *SubjectRepository) GetScorecard(ctx context.Context, id string) (*Scorecard, error) {
	query := `
		SELECT id, project_code, title, status, is_locked, version,
		       originator_scores, committee_scores, decision_comment,
		       revision, updated_at
		FROM scorecards
		WHERE id = $1
	`

	sc := &Scorecard{}
	var originatorJSON, committeeJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&sc.ID, &sc.ProjectCode, &sc.Title, &sc.Status, &sc.IsLocked, &sc.Version,
		&originatorJSON, &committeeJSON, &sc.DecisionComment,
		&sc.Revision, &sc.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("scorecard", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get scorecard")
	}
	if err := unmarshalJSONB(originatorJSON, &sc.OriginatorScores, "originator scores"); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(committeeJSON, &sc.CommitteeScores, "committee scores"); err != nil {
		return nil, err
	}
	return sc, nil
}

func (r *SubjectRepository) UpdateScorecard(ctx context.Context, sc *Scorecard) error {
	committeeJSON, err := marshalJSONB(sc.CommitteeScores, "committee scores")
	if err != nil {
		return err
	}

	query := `
		UPDATE scorecards
		SET status           = $3,
		    is_locked        = $4,
		    version          = $5,
		    committee_scores = $6,
		    decision_comment = $7,
		    revision         = revision + 1,
		    updated_at       = NOW()
		WHERE id = $1 AND revision = $2
		RETURNING revision, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		sc.ID, sc.Revision, sc.Status, sc.IsLocked, sc.Version, committeeJSON, sc.DecisionComment,
	).Scan(&sc.Revision, &sc.UpdatedAt)
	if isNoRows(err) {
		return r.existsCASMiss(ctx, "scorecards", "scorecard", sc.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update scorecard")
	}
	return nil
}

// ── management plans ─────────────────────────────────────────────────────────

func (r *SubjectRepository) GetPlan(ctx context.Context, id string) (*Plan, error) {
	query := `
		SELECT id, project_code, title, status, is_locked, version,
		       division_approver, sections, revision, updated_at
		FROM project_plans
		WHERE id = $1
	`

	p := &Plan{}
	var approverJSON, sectionsJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.ProjectCode, &p.Title, &p.Status, &p.IsLocked, &p.Version,
		&approverJSON, &sectionsJSON, &p.Revision, &p.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("plan", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get plan")
	}
	if len(approverJSON) > 0 {
		p.DivisionApprover = &Person{}
		if err := unmarshalJSONB(approverJSON, p.DivisionApprover, "division approver"); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSONB(sectionsJSON, &p.Sections, "plan sections"); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *SubjectRepository) UpdatePlan(ctx context.Context, p *Plan) error {
	query := `
		UPDATE project_plans
		SET status     = $3,
		    is_locked  = $4,
		    version    = $5,
		    revision   = revision + 1,
		    updated_at = NOW()
		WHERE id = $1 AND revision = $2
		RETURNING revision, updated_at
	`

	err := r.db.QueryRow(ctx, query, p.ID, p.Revision, p.Status, p.IsLocked, p.Version).Scan(&p.Revision, &p.UpdatedAt)
	if isNoRows(err) {
		return r.existsCASMiss(ctx, "project_plans", "plan", p.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update plan")
	}
	return nil
}

// ── commitments ──────────────────────────────────────────────────────────────

func (r *SubjectRepository) GetCommitment(ctx context.Context, id string) (*Commitment, error) {
	query := `
		SELECT id, project_code, vendor_name, contract_value, waiver_required,
		       status, execution_status, is_locked, version, revision, updated_at
		FROM commitments
		WHERE id = $1
	`

	c := &Commitment{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.ProjectCode, &c.VendorName, &c.ContractValue, &c.WaiverRequired,
		&c.Status, &c.ExecutionStatus, &c.IsLocked, &c.Version, &c.Revision, &c.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("commitment", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get commitment")
	}
	return c, nil
}

func (r *SubjectRepository) UpdateCommitment(ctx context.Context, c *Commitment) error {
	query := `
		UPDATE commitments
		SET status           = $3,
		    execution_status = $4,
		    is_locked        = $5,
		    version          = $6,
		    revision         = revision + 1,
		    updated_at       = NOW()
		WHERE id = $1 AND revision = $2
		RETURNING revision, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		c.ID, c.Revision, c.Status, c.ExecutionStatus, c.IsLocked, c.Version,
	).Scan(&c.Revision, &c.UpdatedAt)
	if isNoRows(err) {
		return r.existsCASMiss(ctx, "commitments", "commitment", c.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update commitment")
	}
	return nil
}
