package integrations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/kafka"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
	taskprocessor "gitlab.ozon.dev/qwestard/shiptrack/internal/processor"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/repository"
)

func (suite *IntegrationSuite) TestRepository_TrackingNumberConflict() {
	ctx := context.Background()
	now := time.Now().UTC()
	newShipment := func(id string) *models.Shipment {
		return &models.Shipment{
			ID:             id,
			TrackingNumber: "LS1234567890",
			ClientID:       suite.clientID,
			OriginAddress:  "Warehouse 1",
			WeightKg:       decimal.NewFromInt(1),
			ServiceType:    "standard",
			Price:          models.MustMoney("6.50"),
			Status:         models.StatusPending,
			CreatedAt:      now,
		}
	}
	seed := func() *models.HistoryUpdate {
		return &models.HistoryUpdate{Location: "Warehouse 1", StatusUpdate: "Shipment created and pending pickup.", Timestamp: now}
	}

	suite.Require().NoError(suite.shipments.CreateShipment(ctx, newShipment("7d1c3f9e-8d0e-4b9a-9c51-0a1b2c3d4e5f"), seed()))
	err := suite.shipments.CreateShipment(ctx, newShipment("6a2b4c8d-1e3f-4a5b-8c7d-9e0f1a2b3c4d"), seed())
	suite.True(errors.Is(err, repository.ErrTrackingNumberTaken))

	_, err = suite.shipments.GetShipment(ctx, "6a2b4c8d-1e3f-4a5b-8c7d-9e0f1a2b3c4d")
	suite.True(errors.Is(err, apperrors.ErrNotFound))
	_, err = suite.shipments.GetShipment(ctx, "not-a-uuid")
	suite.True(errors.Is(err, apperrors.ErrNotFound))
}

func (suite *IntegrationSuite) TestRepository_RateNameConflict() {
	err := suite.rates.Seed(context.Background(), []models.Rate{{ServiceName: "standard", BaseRate: models.MustMoney("9.00")}})
	suite.NoError(err)

	repo := repository.NewPostgresRateRepository(suite.db)
	err = repo.CreateRate(context.Background(), &models.Rate{ServiceName: "standard", BaseRate: models.MustMoney("9.00")})
	suite.True(errors.Is(err, apperrors.ErrConflict))

	got, err := repo.GetRateByName(context.Background(), "standard")
	suite.Require().NoError(err)
	suite.Equal("5.00", got.BaseRate.String())
}

func (suite *IntegrationSuite) TestOutbox_FailedPublishIsRetriedUntilExhausted() {
	ctx := context.Background()
	suite.Require().NoError(suite.tasks.CreateTask(ctx, "LS1000000001", []byte(`{"name":"shipment.updated","payload":{}}`)))

	producer := mocks.NewSyncProducer(suite.T(), nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	opts := taskprocessor.DefaultOptions()
	opts.MaxAttempts = 1
	tp := taskprocessor.NewTaskProcessor(suite.tasks, kafka.NewProducerFrom(producer, zap.NewNop()), testTopic, opts, zap.NewNop())
	tp.ProcessPendingTasks(ctx)
	suite.NoError(producer.Close())

	var status string
	var attempts int
	var finished bool
	suite.Require().NoError(suite.db.QueryRowContext(ctx,
		"SELECT status, attempt_count, finished_at IS NOT NULL FROM tasks").Scan(&status, &attempts, &finished))
	suite.Equal(string(repository.TaskStatusNoAttemptsLeft), status)
	suite.Equal(1, attempts)
	suite.True(finished)

	pending, err := suite.tasks.ClaimPendingTasks(ctx, 10, opts.MaxAttempts, opts.ClaimLease)
	suite.Require().NoError(err)
	suite.Empty(pending)
}

func (suite *IntegrationSuite) TestOutbox_ConcurrentRelaysPublishEachTaskOnce() {
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		suite.Require().NoError(suite.tasks.CreateTask(ctx, fmt.Sprintf("LS%010d", i), []byte(`{"name":"shipment.updated","payload":{}}`)))
	}

	// one expectation per task: a second send of any task fails the mock
	producer := mocks.NewSyncProducer(suite.T(), nil)
	for i := 0; i < n; i++ {
		producer.ExpectSendMessageAndSucceed()
	}
	publisher := kafka.NewProducerFrom(producer, zap.NewNop())

	opts := taskprocessor.DefaultOptions()
	opts.Limit = 5
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		tp := taskprocessor.NewTaskProcessor(suite.tasks, publisher, testTopic, opts, zap.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				tp.ProcessPendingTasks(ctx)
			}
		}()
	}
	wg.Wait()
	suite.NoError(producer.Close())

	var left int
	suite.Require().NoError(suite.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&left))
	suite.Zero(left)
}

func (suite *IntegrationSuite) TestOutbox_StaleClaimIsReclaimed() {
	ctx := context.Background()
	suite.Require().NoError(suite.tasks.CreateTask(ctx, "LS1000000001", []byte(`{}`)))

	claimed, err := suite.tasks.ClaimPendingTasks(ctx, 10, 3, time.Minute)
	suite.Require().NoError(err)
	suite.Require().Len(claimed, 1)
	suite.Equal(repository.TaskStatusProcessing, claimed[0].Status)

	again, err := suite.tasks.ClaimPendingTasks(ctx, 10, 3, time.Minute)
	suite.Require().NoError(err)
	suite.Empty(again)

	_, err = suite.db.ExecContext(ctx, "UPDATE tasks SET updated_at = NOW() - INTERVAL '2 minutes'")
	suite.Require().NoError(err)
	again, err = suite.tasks.ClaimPendingTasks(ctx, 10, 3, time.Minute)
	suite.Require().NoError(err)
	suite.Require().Len(again, 1)
	suite.Equal(claimed[0].ID, again[0].ID)
}
