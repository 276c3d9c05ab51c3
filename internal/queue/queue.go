package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TopicCampaignDispatch carries requests to start (or resume) dispatching a
// campaign.
const TopicCampaignDispatch = "campaign_dispatch"

// Job asks a worker to dispatch one campaign.
type Job struct {
	CampaignID int    `json:"campaign_id"`
	Reason     string `json:"reason,omitempty"`
}

// Queue interface
type Queue interface {
	Publish(topic string, job Job) error
	Subscribe(topic string, handler func(job Job) error) error
}

// InMemoryQueue delivers jobs to in-process subscribers with retry
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]func(job Job) error
	wg       sync.WaitGroup

	MaxRetries int
	Backoff    time.Duration
	Logger     zerolog.Logger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(logger zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(job Job) error),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		Logger:     logger.With().Str("component", "queue").Logger(),
	}
}

// Publish sends a job to all subscribers
func (q *InMemoryQueue) Publish(topic string, job Job) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(topic, handler, job)
	}

	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler func(job Job) error, job Job) {
	defer q.wg.Done()
	for attempt := 1; ; attempt++ {
		err := handler(job)
		if err == nil {
			q.Logger.Debug().Str("topic", topic).Int("campaign_id", job.CampaignID).Msg("job processed")
			return
		}

		q.Logger.Warn().Err(err).
			Str("topic", topic).
			Int("campaign_id", job.CampaignID).
			Int("attempt", attempt).
			Msg("job failed")

		if attempt > q.MaxRetries {
			q.Logger.Error().Str("topic", topic).Int("campaign_id", job.CampaignID).Msg("job permanently failed")
			return
		}

		// linear backoff before retry
		time.Sleep(time.Duration(attempt) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(job Job) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has been handled or dropped.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// Starter launches a dispatch task for a campaign.
type Starter interface {
	Start(campaignID int) bool
}

// StartDispatchSubscriber routes dispatch jobs on q to starter.
func StartDispatchSubscriber(q Queue, starter Starter, logger zerolog.Logger) error {
	return q.Subscribe(TopicCampaignDispatch, func(job Job) error {
		if job.CampaignID <= 0 {
			logger.Warn().Int("campaign_id", job.CampaignID).Msg("invalid dispatch job dropped")
			return nil
		}
		if !starter.Start(job.CampaignID) {
			logger.Debug().Int("campaign_id", job.CampaignID).Msg("dispatch already active")
			return nil
		}
		logger.Info().Int("campaign_id", job.CampaignID).Str("reason", job.Reason).Msg("dispatch started")
		return nil
	})
}
