// ============================================================================
// Job executors - background goroutines spawned by the actor loop
// ============================================================================
//
// An executor owns no shared state. It calls the calculation backend,
// appends unit checkpoints straight to the durable store (writes are keyed
// by job ID and idempotent by unit index, so they do not need the loop),
// and posts every visible state transition back into the actor loop.
//
// The job context signals cooperative cancellation only. Backend calls run
// under their own per-call timeout derived from the background context, so
// an in-flight call is never aborted mid-stream; the executor checks the
// job context after the call returns and discards the result if the job
// was cancelled or hibernated meanwhile.
//
// ============================================================================

package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

func (a *Actor) runJob(ctx context.Context, job *types.Job) {
	defer a.execWg.Done()

	if ctx.Err() != nil {
		return // cancelled before the first step
	}
	if !a.beginJob(job.ID) {
		return
	}
	if job.Kind.Batch() {
		a.runBatch(ctx, job)
	} else {
		a.runSingle(ctx, job)
	}
}

// calculate runs one backend call under the per-call timeout. The call
// context deliberately does not derive from the job context.
func (a *Actor) calculate(engineName string, input json.RawMessage) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(context.Background(), a.cfg.CallTimeout)
	defer cancel()
	data, err := a.cfg.Backend.Calculate(callCtx, engineName, input)
	if err != nil && callCtx.Err() != nil {
		return nil, fmt.Errorf("%w: engine %q exceeded %s", types.ErrTimeout, engineName, a.cfg.CallTimeout)
	}
	return data, err
}

func (a *Actor) runSingle(ctx context.Context, job *types.Job) {
	engineName, input, err := singleCall(job.Kind, job.Parameters)
	if err != nil {
		a.reportError(job.ID, err.Error())
		return
	}

	a.reportProgress(job.ID, 10)
	data, err := a.calculate(engineName, input)
	if ctx.Err() != nil {
		return // result discarded
	}
	if err != nil {
		a.reportError(job.ID, err.Error())
		return
	}
	a.reportProgress(job.ID, 90)
	a.reportComplete(job.ID, data)
}

// runBatch executes decomposed units sequentially. A failed unit is
// recorded and the batch carries on; the job itself only errors when the
// work cannot even be set up. Completed units are checkpointed
// incrementally so a hibernated or interrupted batch resumes after the
// last finished unit instead of repeating it.
func (a *Actor) runBatch(ctx context.Context, job *types.Job) {
	units, err := decomposeUnits(job.Kind, job.Parameters)
	if err != nil {
		a.reportError(job.ID, err.Error())
		return
	}
	total := len(units)

	prior, err := a.cfg.Store.LoadUnits(context.Background(), job.ID)
	if err != nil {
		log.Warn("unit log read failed, starting batch from scratch", "jobID", job.ID, "error", err)
		prior = nil
	}
	completed := len(prior)
	if completed > total {
		completed = total
	}
	results := append([]types.UnitResult(nil), prior[:completed]...)

	a.reportProgress(job.ID, 10)

	for i := completed; i < total; i++ {
		if ctx.Err() != nil {
			return
		}
		unit := units[i]
		ur := types.UnitResult{Index: i, Label: unit.Label, Engine: unit.Engine}

		data, err := a.calculate(unit.Engine, unit.Input)
		if ctx.Err() != nil {
			return // in-flight result discarded, unit not recorded
		}
		if err != nil {
			ur.Error = err.Error()
		} else {
			ur.Success = true
			ur.Data = data
		}

		if serr := a.cfg.Store.AppendUnit(context.Background(), job.ID, ur); serr != nil {
			log.Error("unit checkpoint failed", "jobID", job.ID, "unit", i, "error", serr)
			a.cfg.Metrics.RecordStorageError()
		}
		results = append(results, ur)
		a.reportProgress(job.ID, 10+((i+1)*90)/total)

		if every := a.cfg.BatchHibernateCheckEvery; (i+1)%every == 0 && i+1 < total {
			a.checkHibernate(job.ID)
		}
		if a.cfg.UnitPause > 0 && i+1 < total {
			select {
			case <-time.After(a.cfg.UnitPause):
			case <-ctx.Done():
				return
			}
		}
	}

	summary := types.BatchSummary{Total: total, Units: results}
	for _, ur := range results {
		if ur.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		a.reportError(job.ID, fmt.Sprintf("encode batch summary: %v", err))
		return
	}
	a.reportComplete(job.ID, payload)
}

// ============================================================================
// Parameter decomposition
// ============================================================================

type singleParams struct {
	Engine string          `json:"engine"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// singleCall maps a non-batch job's parameters to one backend call.
func singleCall(kind types.JobKind, params json.RawMessage) (string, json.RawMessage, error) {
	switch kind {
	case types.KindCalculation:
		var p singleParams
		if err := json.Unmarshal(params, &p); err != nil {
			return "", nil, fmt.Errorf("%w: parameters: %v", types.ErrInvalidRequest, err)
		}
		if p.Engine == "" {
			return "", nil, fmt.Errorf("%w: parameters.engine is required", types.ErrInvalidRequest)
		}
		return p.Engine, p.Input, nil
	case types.KindDailyForecast:
		return string(types.KindDailyForecast), params, nil
	}
	return "", nil, fmt.Errorf("%w: kind %q is not a single calculation", types.ErrInvalidRequest, kind)
}

type batchUnit struct {
	Engine string          `json:"engine"`
	Label  string          `json:"label,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type batchParams struct {
	Units []batchUnit `json:"units"`
}

type weeklyParams struct {
	Engine  string          `json:"engine,omitempty"`
	Dates   []string        `json:"dates"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// decomposeUnits expands a batch-kind job's parameters into its ordered
// unit calls. A weekly forecast becomes one daily forecast per date.
func decomposeUnits(kind types.JobKind, params json.RawMessage) ([]batchUnit, error) {
	switch kind {
	case types.KindBatch:
		var p batchParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: parameters: %v", types.ErrInvalidRequest, err)
		}
		if len(p.Units) == 0 {
			return nil, fmt.Errorf("%w: parameters.units must not be empty", types.ErrInvalidRequest)
		}
		for i, unit := range p.Units {
			if unit.Engine == "" {
				return nil, fmt.Errorf("%w: units[%d].engine is required", types.ErrInvalidRequest, i)
			}
		}
		return p.Units, nil

	case types.KindWeeklyForecast:
		var p weeklyParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: parameters: %v", types.ErrInvalidRequest, err)
		}
		if len(p.Dates) == 0 {
			return nil, fmt.Errorf("%w: parameters.dates must not be empty", types.ErrInvalidRequest)
		}
		engineName := p.Engine
		if engineName == "" {
			engineName = string(types.KindDailyForecast)
		}
		units := make([]batchUnit, 0, len(p.Dates))
		for _, date := range p.Dates {
			input, err := json.Marshal(struct {
				Date    string          `json:"date"`
				Profile json.RawMessage `json:"profile,omitempty"`
			}{Date: date, Profile: p.Profile})
			if err != nil {
				return nil, fmt.Errorf("%w: encode unit input: %v", types.ErrInvalidRequest, err)
			}
			units = append(units, batchUnit{Engine: engineName, Label: date, Input: input})
		}
		return units, nil
	}
	return nil, fmt.Errorf("%w: kind %q is not a batch", types.ErrInvalidRequest, kind)
}

// estimate sizes the advisory completion time from the unit count.
func (a *Actor) estimate(kind types.JobKind, params json.RawMessage) time.Duration {
	per := a.cfg.EstimatePerCall
	if kind.Batch() {
		if units, err := decomposeUnits(kind, params); err == nil {
			n := time.Duration(len(units))
			pause := a.cfg.UnitPause * (n - 1)
			return per*n + pause
		}
	}
	return per
}
