package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// PutScorecard stores sc as a new record, assigning an id when empty.
func (s *Store) PutScorecard(sc *repository.Scorecard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Revision == 0 {
		sc.Revision = 1
	}
	sc.UpdatedAt = s.now()
	s.scorecards[sc.ID] = cloneScorecard(sc)
}

func (s *Store) GetScorecard(_ context.Context, id string) (*repository.Scorecard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scorecards[id]
	if !ok {
		return nil, errors.NotFound("scorecard", id)
	}
	return cloneScorecard(sc), nil
}

func (s *Store) UpdateScorecard(ctx context.Context, sc *repository.Scorecard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.scorecards[sc.ID]
	if !ok {
		return errors.NotFound("scorecard", sc.ID)
	}
	if cur.Revision != sc.Revision {
		return errors.ErrRevisionConflict
	}
	sc.Revision++
	sc.UpdatedAt = s.now()
	s.scorecards[sc.ID] = cloneScorecard(sc)
	onRollback(ctx, func() { s.scorecards[cur.ID] = cur })
	return nil
}

// PutPlan stores p as a new record, assigning an id when empty.
func (s *Store) PutPlan(p *repository.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Revision == 0 {
		p.Revision = 1
	}
	p.UpdatedAt = s.now()
	s.plans[p.ID] = clonePlan(p)
}

func (s *Store) GetPlan(_ context.Context, id string) (*repository.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, errors.NotFound("plan", id)
	}
	return clonePlan(p), nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *repository.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.plans[p.ID]
	if !ok {
		return errors.NotFound("plan", p.ID)
	}
	if cur.Revision != p.Revision {
		return errors.ErrRevisionConflict
	}
	p.Revision++
	p.UpdatedAt = s.now()
	s.plans[p.ID] = clonePlan(p)
	onRollback(ctx, func() { s.plans[cur.ID] = cur })
	return nil
}

// PutCommitment stores c as a new record, assigning an id when empty.
func (s *Store) PutCommitment(c *repository.Commitment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Revision == 0 {
		c.Revision = 1
	}
	c.UpdatedAt = s.now()
	s.commitments[c.ID] = cloneCommitment(c)
}

func (s *Store) GetCommitment(_ context.Context, id string) (*repository.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commitments[id]
	if !ok {
		return nil, errors.NotFound("commitment", id)
	}
	return cloneCommitment(c), nil
}

func (s *Store) UpdateCommitment(ctx context.Context, c *repository.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.commitments[c.ID]
	if !ok {
		return errors.NotFound("commitment", c.ID)
	}
	if cur.Revision != c.Revision {
		return errors.ErrRevisionConflict
	}
	c.Revision++
	c.UpdatedAt = s.now()
	s.commitments[c.ID] = cloneCommitment(c)
	onRollback(ctx, func() { s.commitments[cur.ID] = cur })
	return nil
}
