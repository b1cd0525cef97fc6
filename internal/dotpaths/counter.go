package dotpaths

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/metrics"
)

type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
	OpNone   ChangeOp = "none"
)

// Op classifies the change from which sides are present.
func (c UploadChange) Op() ChangeOp {
	switch {
	case c.Before == nil && c.After != nil:
		return OpCreate
	case c.Before != nil && c.After == nil:
		return OpDelete
	case c.Before != nil && c.After != nil:
		return OpUpdate
	default:
		return OpNone
	}
}

// Delta is the change a record transition makes to the count of DONE records.
func Delta(c UploadChange) int64 {
	before := c.Before != nil && c.Before.Done()
	after := c.After != nil && c.After.Done()
	switch {
	case !before && after:
		return 1
	case before && !after:
		return -1
	default:
		return 0
	}
}

type CounterResult struct {
	UploadID string   `json:"uploadId"`
	Op       ChangeOp `json:"op"`
	Delta    int64    `json:"delta"`
	Value    int64    `json:"value"`
	Written  bool     `json:"written"`
}

// CounterMaintainer keeps the global DONE count in step with upload changes.
type CounterMaintainer struct {
	store  CounterStore
	name   string
	logger zerolog.Logger
}

func NewCounterMaintainer(store CounterStore, name string, logger *zerolog.Logger) *CounterMaintainer {
	if name == "" {
		name = DefaultCounterName
	}
	m := &CounterMaintainer{store: store, name: name, logger: logging.Component("counter")}
	if logger != nil {
		m.logger = *logger
	}
	return m
}

func (m *CounterMaintainer) Name() string {
	return m.name
}

func (m *CounterMaintainer) Apply(ctx context.Context, change UploadChange) (CounterResult, error) {
	delta := Delta(change)
	result := CounterResult{UploadID: change.UploadID, Op: change.Op(), Delta: delta}
	if delta == 0 {
		return result, nil
	}
	value, err := m.store.UpdateCounter(ctx, m.name, func(current int64) (int64, error) {
		return current + delta, nil
	})
	if err != nil {
		log := logging.Ctx(ctx, m.logger)
		if errors.Is(err, ErrMissingCounterDocument) {
			log.Error().Err(err).Str("counter", m.name).Msg("counter document is not provisioned")
		} else {
			log.Error().Err(err).Str("counter", m.name).Str("upload_id", change.UploadID).Msg("counter transaction failed")
		}
		return result, err
	}
	metrics.RecordCounterDelta(delta)
	result.Value = value
	result.Written = true
	logging.Ctx(ctx, m.logger).Debug().
		Str("upload_id", change.UploadID).
		Str("op", string(result.Op)).
		Int64("delta", delta).
		Int64("value", value).
		Msg("counter updated")
	return result, nil
}

// Provision creates the counter document when it does not exist.
func (m *CounterMaintainer) Provision(ctx context.Context) (bool, error) {
	created, err := m.store.EnsureCounter(ctx, m.name)
	if err != nil {
		return false, err
	}
	if created {
		m.logger.Info().Str("counter", m.name).Msg("counter document provisioned")
	}
	return created, nil
}

func (m *CounterMaintainer) Value(ctx context.Context) (int64, error) {
	return m.store.GetCounter(ctx, m.name)
}

// Reconcile recounts DONE uploads and overwrites the counter with the result.
// It is an operator repair for stores mutated without change events.
func (m *CounterMaintainer) Reconcile(ctx context.Context, uploads interface {
	QueryUploads(ctx context.Context, q UploadQuery) ([]UploadRecord, error)
}) (int64, error) {
	done, err := uploads.QueryUploads(ctx, UploadQuery{Status: StatusDone})
	if err != nil {
		return 0, err
	}
	count := int64(len(done))
	value, err := m.store.UpdateCounter(ctx, m.name, func(int64) (int64, error) {
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info().Str("counter", m.name).Int64("value", value).Msg("counter reconciled")
	return value, nil
}
