package app

import (
	"fmt"

	"github.com/allisson/scheduler/internal/breaker"
	"github.com/allisson/scheduler/internal/notification"
	"github.com/allisson/scheduler/internal/queue"
)

// QueueBreakerName is the breaker shared by every outbound publisher.
const QueueBreakerName = "queue-publish"

// QueueBreaker returns the breaker guarding outbound publishes.
func (c *Container) QueueBreaker() (*breaker.CircuitBreaker, error) {
	var err error
	c.queueBreakerInit.Do(func() {
		c.queueBreaker, err = c.initQueueBreaker()
		if err != nil {
			c.initErrors["queueBreaker"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["queueBreaker"]; exists {
		return nil, storedErr
	}
	return c.queueBreaker, nil
}

// AppointmentPublisher returns the publisher of the inbound confirmation stream. The consumer uses it
// to promote delayed messages.
func (c *Container) AppointmentPublisher() *queue.RedisPublisher {
	c.appointmentPublisherInit.Do(func() {
		c.appointmentPublisher = queue.NewRedisPublisher(
			c.RedisClient(),
			c.config.QueueAppointmentsStream,
			c.config.QueueDeduplicationTTL,
		)
	})
	return c.appointmentPublisher
}

// Notifier returns the patient notification and operator alert sender.
func (c *Container) Notifier() (*notification.QueueSender, error) {
	var err error
	c.notifierInit.Do(func() {
		c.notifier, err = c.initNotifier()
		if err != nil {
			c.initErrors["notifier"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["notifier"]; exists {
		return nil, storedErr
	}
	return c.notifier, nil
}

// Consumer returns the consumer of the inbound confirmation stream.
func (c *Container) Consumer() (*queue.Consumer, error) {
	var err error
	c.consumerInit.Do(func() {
		c.consumer, err = c.initConsumer()
		if err != nil {
			c.initErrors["consumer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["consumer"]; exists {
		return nil, storedErr
	}
	return c.consumer, nil
}

// guardedPublisher returns a publisher on stream that sends through the queue breaker.
func (c *Container) guardedPublisher(stream string) (queue.Publisher, error) {
	cb, err := c.QueueBreaker()
	if err != nil {
		return nil, err
	}
	publisher := queue.NewRedisPublisher(c.RedisClient(), stream, c.config.QueueDeduplicationTTL)
	return queue.NewGuardedPublisher(publisher, cb), nil
}

// initQueueBreaker creates and registers the queue breaker.
func (c *Container) initQueueBreaker() (*breaker.CircuitBreaker, error) {
	cfg, err := c.breakerConfig(c.config.QueueBreakerFailureThreshold, c.config.QueueBreakerRecoveryTimeout)
	if err != nil {
		return nil, err
	}
	cb := breaker.New(QueueBreakerName, cfg, breaker.WithLogger(c.Logger()))
	c.BreakerRegistry().Register(cb)
	return cb, nil
}

// initNotifier creates the queue backed notification sender.
func (c *Container) initNotifier() (*notification.QueueSender, error) {
	notifications, err := c.guardedPublisher(c.config.QueueNotificationsStream)
	if err != nil {
		return nil, fmt.Errorf("failed to get notifications publisher: %w", err)
	}
	alerts, err := c.guardedPublisher(c.config.QueueAlertsStream)
	if err != nil {
		return nil, fmt.Errorf("failed to get alerts publisher: %w", err)
	}
	return notification.NewQueueSender(notifications, alerts), nil
}

// initConsumer creates the consumer dispatching to the resilient processing use case.
func (c *Container) initConsumer() (*queue.Consumer, error) {
	processing, err := c.ProcessingUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get processing use case for consumer: %w", err)
	}

	consumerConfig := queue.DefaultConsumerConfig(
		c.config.QueueAppointmentsStream,
		c.config.QueueConsumerGroup,
		c.config.QueueConsumerName,
	)
	return queue.NewConsumer(
		c.RedisClient(),
		consumerConfig,
		processing.QueueHandler(),
		c.AppointmentPublisher(),
		c.Logger(),
	), nil
}
