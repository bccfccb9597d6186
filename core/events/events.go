package events

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/xm"
	log "github.com/sirupsen/logrus"
	"time"
)

const (
	amqpDSNKey      = "events.amqp_dsn"
	amqpExchangeKey = "events.amqp_exchange"
)

//
// Event is one observed work unit status transition
//
type Event struct {
	ExperimentID uint      `json:"experiment_id"`
	Index        int       `json:"index"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Handles      []string  `json:"handles,omitempty"`
	Error        string    `json:"error,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
}

func NewEvent(experimentID uint, index int, from xm.Status, to xm.Status) Event {
	return Event{
		ExperimentID: experimentID,
		Index:        index,
		From:         from.String(),
		To:           to.String(),
		ObservedAt:   time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NewPublisher publishes to AMQP when events.amqp_dsn is set and to the log otherwise.
func NewPublisher(c *config.Config) (Publisher, error) {
	if !c.IsSet(amqpDSNKey) {
		return NewLogPublisher(log.StandardLogger()), nil
	}
	qm, err := NewQueueManager(c.GetString(amqpDSNKey))
	if err != nil {
		return nil, err
	}
	return NewAMQPPublisher(qm, c.GetString(amqpExchangeKey))
}

//
// LogPublisher writes events as structured log lines
//
type LogPublisher struct {
	logger *log.Entry
}

func NewLogPublisher(logger *log.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.WithField("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	entry := p.logger.WithFields(log.Fields{
		"experiment": event.ExperimentID,
		"work_unit":  event.Index,
		"from":       event.From,
		"to":         event.To,
	})
	if event.Error != "" {
		entry = entry.WithField("error", event.Error)
	}
	entry.Info("work unit status changed")
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
