package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
)

// Initialize creates the PTU containers of period for groups, or for every
// group of the registry when groups is empty. It returns how many groups got
// new containers.
func (c *Coordinator) Initialize(ctx context.Context, period model.Period, groups ...string) (int, error) {
	if len(groups) == 0 {
		groups = c.registry.Groups(period)
	}
	var n int
	err := c.board.Update(ctx, func(tx *planboard.Txn) error {
		var err error
		n, err = tx.InitializePTUContainers(period, groups, c.cfg.PTUDuration)
		return err
	})
	return n, err
}

// AdvancePhases moves today's containers to OPERATE and yesterday's to
// PENDING_SETTLEMENT, and expires SENT documents whose expiration passed.
func (c *Coordinator) AdvancePhases(ctx context.Context) error {
	today := c.today()
	steps := []struct {
		period model.Period
		state  model.PTUState
	}{
		{today, model.PTUOperate},
		{today.AddDays(-1), model.PTUPendingSettlement},
	}
	return c.board.Update(ctx, func(tx *planboard.Txn) error {
		for _, s := range steps {
			groups, err := tx.ConnectionGroups(s.period)
			if err != nil {
				return err
			}
			for _, g := range groups {
				if err := tx.AdvancePTUs(s.period, g, s.state); err != nil {
					return err
				}
			}
		}
		n, err := tx.ExpireDue(planboard.MessageQuery{Statuses: []model.DocumentStatus{model.StatusSent}})
		if n > 0 {
			c.log.Infof("%d sent documents expired", n)
		}
		return err
	})
}

// Cleanup deletes every period older than retentionDays before today.
func (c *Coordinator) Cleanup(ctx context.Context, retentionDays int) (planboard.CleanupResult, error) {
	if retentionDays <= 0 {
		return planboard.CleanupResult{}, errors.New("retention must be at least one day")
	}
	before := c.today().AddDays(-retentionDays)
	var res planboard.CleanupResult
	start := time.Now()
	err := c.board.Update(ctx, func(tx *planboard.Txn) error {
		var err error
		res, err = tx.DeletePeriodsBefore(before)
		return err
	})
	if err != nil {
		return res, err
	}
	c.log.Infof("retention removed %d records before %s in %s", res.Total(), before, time.Since(start))
	return res, nil
}
