package ingest

import (
	"context"
	"errors"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/natsutil"
)

const (
	// Subject is the NATS subject ingest jobs are published on.
	Subject = "docchat.ingest"
	// DLQSubject is the dead letter queue subject for failed jobs.
	DLQSubject = "docchat.ingest.dlq"
	// StatsSubject answers corpus statistics requests.
	StatsSubject = "docchat.ingest.stats"
	// QueueGroup load-balances jobs across workers.
	QueueGroup = "docchat-ingest"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// RetryHeader carries how many times a job has been attempted.
	RetryHeader = "X-Retry-Count"
)

// Job asks a worker to ingest or remove one document. Path is relative to
// the worker's corpus root; Document carries inline content instead.
type Job struct {
	Path     string           `json:"path,omitempty"`
	Document *domain.Document `json:"document,omitempty"`
	Delete   bool             `json:"delete,omitempty"`
}

// dlqMessage is published to the DLQ on repeated or permanent failure.
type dlqMessage struct {
	Job     Job    `json:"job"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Submit publishes a job for the workers.
func Submit(ctx context.Context, nc *nats.Conn, job Job) error {
	return natsutil.Publish(ctx, nc, Subject, job)
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	switch {
	case job.Delete && job.Document != nil:
		return s.RemoveID(ctx, job.Document.ID)
	case job.Delete:
		return s.Remove(ctx, job.Path)
	case job.Document != nil:
		_, err := s.Ingest(ctx, *job.Document)
		return err
	case job.Path != "":
		_, err := s.IngestFile(ctx, job.Path)
		return err
	}
	return domain.NewValidationError("job", "", errors.New("job has neither path nor document"))
}

// StartConsumer subscribes to Subject in QueueGroup and runs jobs through the
// service. Transient failures are re-published with an incremented
// RetryHeader; permanent failures and jobs past MaxRetries go to DLQSubject.
func StartConsumer(nc *nats.Conn, s *Service) (*nats.Subscription, error) {
	log := s.log
	return natsutil.SubscribeMsg(nc, Subject, QueueGroup, func(ctx context.Context, job Job, msg *nats.Msg) {
		retries := 0
		if v := msg.Header.Get(RetryHeader); v != "" {
			retries, _ = strconv.Atoi(v)
		}

		err := s.runJob(ctx, job)
		if err == nil {
			if msg.Reply != "" {
				_ = msg.Ack()
			}
			return
		}

		retries++
		log.Error("ingest: job failed", "err", err, "path", job.Path, "retry", retries)

		if retries >= MaxRetries || !domain.IsTransient(err) {
			dlq := dlqMessage{Job: job, Error: err.Error(), Retries: retries}
			if err := natsutil.Publish(ctx, nc, DLQSubject, dlq); err != nil {
				log.Error("ingest: DLQ publish failed", "err", err)
			}
			if m := s.deps.Metrics; m != nil {
				m.DLQ.WithLabelValues().Inc()
			}
		} else {
			hdr := nats.Header{}
			hdr.Set(RetryHeader, strconv.Itoa(retries))
			if err := natsutil.PublishHeader(ctx, nc, Subject, job, hdr); err != nil {
				log.Error("ingest: retry publish failed", "err", err)
			}
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}

// StatsRequest asks a worker for corpus statistics.
type StatsRequest struct{}

// ServeStats answers StatsSubject with the store's statistics.
func ServeStats(nc *nats.Conn, store semantic.Store) (*nats.Subscription, error) {
	return natsutil.Handle(nc, StatsSubject, func(ctx context.Context, _ StatsRequest) (semantic.Stats, error) {
		return semantic.CollectStats(ctx, store)
	})
}

// QueryStats asks a running worker for corpus statistics.
func QueryStats(ctx context.Context, nc *nats.Conn) (semantic.Stats, error) {
	return natsutil.Request[StatsRequest, semantic.Stats](ctx, nc, StatsSubject, StatsRequest{})
}
