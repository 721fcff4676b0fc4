package queue

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/metrics"
)

// JobHandle identifies an enqueued job for observability.
type JobHandle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

type Producer struct {
	store Store
	log   *zap.Logger
	opts  domain.JobOptions
}

type ProducerOption func(*Producer)

// WithJobOptions overrides the default job options. RemoveOnComplete stays
// on regardless; nothing in this system reads completed records.
func WithJobOptions(o domain.JobOptions) ProducerOption {
	return func(p *Producer) {
		o.RemoveOnComplete = true
		if o.Attempts < 1 {
			o.Attempts = 1
		}
		p.opts = o
	}
}

func NewProducer(store Store, log *zap.Logger, opts ...ProducerOption) *Producer {
	p := &Producer{
		store: store,
		log:   log.Named("producer"),
		opts:  domain.DefaultJobOptions(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enqueue appends cmd to the trigger queue. Equal commands enqueued twice
// become two jobs.
func (p *Producer) Enqueue(ctx context.Context, cmd domain.TriggerCommand) (JobHandle, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return JobHandle{}, &EnqueueError{Queue: TriggerQueue, Err: errors.Wrap(err, "encode command")}
	}
	job, err := p.store.Add(ctx, TriggerQueue, payload, p.opts)
	if err != nil {
		return JobHandle{}, &EnqueueError{Queue: TriggerQueue, Err: err}
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(TriggerQueue).Inc()
	p.log.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("template", cmd.Template),
		zap.String("transaction_id", cmd.TransactionID))
	return JobHandle{ID: job.ID, Queue: TriggerQueue}, nil
}
