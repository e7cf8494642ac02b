// Package integration exercises the appointment pipeline end to end against PostgreSQL and MySQL,
// with an in-memory Redis standing in for the queue.
package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faker/faker/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/scheduler/internal/app"
	"github.com/allisson/scheduler/internal/config"
	"github.com/allisson/scheduler/internal/testutil"
)

type pipelineContext struct {
	driver    string
	db        *sql.DB
	redis     *miniredis.Miniredis
	container *app.Container
}

func setupPipeline(t *testing.T, driver string) *pipelineContext {
	t.Helper()

	var db *sql.DB
	var dsn string
	switch driver {
	case "postgres":
		testutil.SkipIfNoPostgres(t)
		db = testutil.SetupPostgresDB(t)
		dsn = testutil.GetPostgresTestDSN()
	case "mysql":
		testutil.SkipIfNoMySQL(t)
		db = testutil.SetupMySQLDB(t)
		dsn = testutil.GetMySQLTestDSN()
	}

	mr := miniredis.RunT(t)

	cfg := &config.Config{
		LogLevel:                     "error",
		DBDriver:                     driver,
		DBConnectionString:           dsn,
		DBMaxOpenConnections:         5,
		DBMaxIdleConnections:         2,
		DBConnMaxLifetime:            time.Minute,
		DBBreakerFailureThreshold:    5,
		DBBreakerRecoveryTimeout:     time.Second,
		ServerHost:                   "127.0.0.1",
		ServerPort:                   0,
		MetricsEnabled:               false,
		MetricsNamespace:             "scheduler_integration",
		RedisAddr:                    mr.Addr(),
		QueueAppointmentsStream:      "appointments",
		QueueEventsStream:            "appointment-events",
		QueueNotificationsStream:     "notifications",
		QueueAlertsStream:            "alerts",
		QueueConsumerGroup:           "scheduler",
		QueueConsumerName:            "integration",
		QueueDeduplicationTTL:        time.Hour,
		QueueBreakerFailureThreshold: 5,
		QueueBreakerRecoveryTimeout:  time.Second,
		OutboxPollInterval:           time.Second,
		OutboxBatchSize:              10,
		OutboxMaxRetries:             3,
		OutboxConcurrency:            2,
		OutboxClaimTimeout:           time.Minute,
		OutboxRetentionDays:          7,
		SagaRetryBaseDelay:           10 * time.Millisecond,
		SagaRetention:                time.Hour,
		DLQMaxRetries:                1,
		DLQBaseDelay:                 10 * time.Millisecond,
		DLQMaxRetryDelay:             100 * time.Millisecond,
		DLQReprocessRate:             10,
	}

	pc := &pipelineContext{
		driver:    driver,
		db:        db,
		redis:     mr,
		container: app.NewContainer(cfg),
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, pc.container.Shutdown(ctx))
		testutil.TeardownDB(t, db)
	})

	return pc
}

func legacyMessage(t *testing.T, psychologistID uuid.UUID, scheduledAt time.Time) json.RawMessage {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"patient_name":     faker.Name(),
		"patient_email":    faker.Email(),
		"patient_phone":    "+55 11 99999-0000",
		"psychologist_id":  psychologistID,
		"scheduled_at":     scheduledAt.Format(time.RFC3339),
		"duration_minutes": 50,
		"notes":            "first session",
		"trace_id":         uuid.NewString(),
	})
	require.NoError(t, err)
	return payload
}

func streamLength(t *testing.T, pc *pipelineContext, stream string) int64 {
	t.Helper()

	n, err := pc.container.RedisClient().XLen(context.Background(), stream).Result()
	require.NoError(t, err)
	return n
}

func TestAppointmentPipeline(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql"} {
		t.Run(driver, func(t *testing.T) {
			pc := setupPipeline(t, driver)
			ctx := context.Background()

			processing, err := pc.container.ProcessingUseCase()
			require.NoError(t, err)

			psychologistID := testutil.CreateTestPsychologist(t, pc.db, driver, true)
			scheduledAt := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Minute)

			t.Run("confirmation is stored with its outbox event", func(t *testing.T) {
				err := processing.HandleMessage(ctx, legacyMessage(t, psychologistID, scheduledAt), 1, "appointments")
				require.NoError(t, err)

				assert.Equal(t, 1, testutil.CountRows(t, pc.db, "patients"))
				assert.Equal(t, 1, testutil.CountRows(t, pc.db, "appointments"))
				assert.Equal(t, 1, testutil.CountRows(t, pc.db, "outbox_events"))
				assert.Equal(t, 0, testutil.CountRows(t, pc.db, "dead_letter_messages"))
			})

			t.Run("poller publishes pending events", func(t *testing.T) {
				outbox, err := pc.container.OutboxUseCase()
				require.NoError(t, err)

				published, err := outbox.ProcessEvents(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, published)
				assert.Equal(t, int64(1), streamLength(t, pc, "appointment-events"))

				published, err = outbox.ProcessEvents(ctx)
				require.NoError(t, err)
				assert.Equal(t, 0, published)
			})

			t.Run("conflicting slot is dead-lettered", func(t *testing.T) {
				err := processing.HandleMessage(ctx, legacyMessage(t, psychologistID, scheduledAt), 1, "appointments")
				require.NoError(t, err)

				assert.Equal(t, 1, testutil.CountRows(t, pc.db, "appointments"))
				assert.Equal(t, 1, testutil.CountRows(t, pc.db, "dead_letter_messages"))
				assert.GreaterOrEqual(t, streamLength(t, pc, "alerts"), int64(1))
			})

			t.Run("malformed payload is dead-lettered", func(t *testing.T) {
				err := processing.HandleMessage(ctx, json.RawMessage(`{"version":`), 1, "appointments")
				require.NoError(t, err)

				assert.Equal(t, 2, testutil.CountRows(t, pc.db, "dead_letter_messages"))
			})

			t.Run("dead-letter messages are listed", func(t *testing.T) {
				dlq, err := pc.container.DLQHandler()
				require.NoError(t, err)

				messages, err := dlq.ListMessages(ctx, 0, 10)
				require.NoError(t, err)
				require.Len(t, messages, 2)
				for _, msg := range messages {
					assert.Equal(t, "appointments", msg.OriginalQueue)
					assert.NotEmpty(t, msg.FailureReason)
				}
			})

			t.Run("health reflects the pipeline", func(t *testing.T) {
				status := processing.GetHealthStatus(ctx)
				assert.True(t, status.IsHealthy, fmt.Sprintf("%+v", status))
				assert.NotEmpty(t, status.CircuitBreakers)
			})
		})
	}
}
