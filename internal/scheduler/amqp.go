package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chorusproject/chorus/shared/rabbitmq"
)

// DefaultMaxParameterBytes is the serialized environment ceiling per
// launch request, mirroring the limits container schedulers put on
// parameter overrides
const DefaultMaxParameterBytes = 8192

// Placement carries the network placement the compute cluster requires
// for launched containers
type Placement struct {
	Subnet        string
	SecurityGroup string
}

// AMQPConfig holds AMQP scheduler adapter configuration
type AMQPConfig struct {
	// Cluster is the compute cluster identity stamped on every launch
	Cluster string
	// Placement is attached verbatim to each launch message
	Placement Placement
	// MaxParameterBytes bounds the serialized environment size
	MaxParameterBytes int
}

// AMQPScheduler submits jobs by publishing launch messages to
// per-template queues; cluster-side runners consume them and start the
// containers. One queue per job template, declared up front.
type AMQPScheduler struct {
	client *rabbitmq.Client
	config AMQPConfig
	logger *slog.Logger
}

// launchMessage is the wire shape of one job submission
type launchMessage struct {
	JobID       string            `json:"job_id"`
	Cluster     string            `json:"cluster"`
	Template    string            `json:"template"`
	Container   string            `json:"container"`
	Subnet      string            `json:"subnet,omitempty"`
	SecurityGrp string            `json:"security_group,omitempty"`
	Environment map[string]string `json:"environment"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// NewAMQPScheduler creates the adapter and declares a launch queue for
// each template the orchestrator may submit to
func NewAMQPScheduler(client *rabbitmq.Client, config AMQPConfig, templates []string, logger *slog.Logger) (*AMQPScheduler, error) {
	if config.MaxParameterBytes <= 0 {
		config.MaxParameterBytes = DefaultMaxParameterBytes
	}

	for _, template := range templates {
		if err := client.DeclareQueue(launchQueueName(template)); err != nil {
			return nil, fmt.Errorf("failed to declare launch queue for template %s: %w", template, err)
		}
	}

	return &AMQPScheduler{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// SubmitJob validates the request and publishes it to the template's
// launch queue. Publish failures surface as ErrUnavailable so callers
// can retry with backoff.
func (s *AMQPScheduler) SubmitJob(ctx context.Context, req LaunchRequest) (JobHandle, error) {
	if req.Template == "" {
		return "", fmt.Errorf("%w: empty template", ErrInvalidRequest)
	}
	if req.Container == "" {
		return "", fmt.Errorf("%w: empty container", ErrInvalidRequest)
	}

	envJSON, err := json.Marshal(req.Environment)
	if err != nil {
		return "", fmt.Errorf("%w: unserializable environment: %v", ErrInvalidRequest, err)
	}
	if len(envJSON) > s.config.MaxParameterBytes {
		return "", fmt.Errorf("%w: environment payload %d bytes exceeds limit of %d", ErrInvalidRequest, len(envJSON), s.config.MaxParameterBytes)
	}

	msg := launchMessage{
		JobID:       uuid.New().String(),
		Cluster:     s.config.Cluster,
		Template:    req.Template,
		Container:   req.Container,
		Subnet:      s.config.Placement.Subnet,
		SecurityGrp: s.config.Placement.SecurityGroup,
		Environment: req.Environment,
		SubmittedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal launch message: %v", ErrInvalidRequest, err)
	}

	if err := s.client.PublishTo(ctx, launchQueueName(req.Template), body, "application/json"); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.logger.Debug("Launch message published",
		slog.String("job_id", msg.JobID),
		slog.String("template", req.Template),
		slog.String("cluster", s.config.Cluster),
	)

	return JobHandle(msg.JobID), nil
}

func launchQueueName(template string) string {
	return "launch." + template
}
