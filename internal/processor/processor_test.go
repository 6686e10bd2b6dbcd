package taskprocessor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/events"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/kafka"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/repository"
)

type failure struct {
	attempt int
	status  repository.TaskStatus
	next    time.Time
}

type fakeTaskRepo struct {
	tasks      map[int64]*repository.Task
	nextID     int64
	processing []int64
	deleted    []int64
	failures   map[int64]failure
	getErr     error
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: make(map[int64]*repository.Task), failures: make(map[int64]failure)}
}

func (r *fakeTaskRepo) CreateTask(_ context.Context, key string, payload []byte) error {
	r.nextID++
	r.tasks[r.nextID] = &repository.Task{ID: r.nextID, EventKey: key, Payload: payload, Status: repository.TaskStatusCreated}
	return nil
}

func (r *fakeTaskRepo) ClaimPendingTasks(_ context.Context, limit, maxAttempts int, _ time.Duration) ([]*repository.Task, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	var res []*repository.Task
	for id := int64(1); id <= r.nextID && len(res) < limit; id++ {
		t, ok := r.tasks[id]
		if ok && (t.Status == repository.TaskStatusCreated || t.Status == repository.TaskStatusFailed) && t.AttemptCount < maxAttempts {
			t.Status = repository.TaskStatusProcessing
			r.processing = append(r.processing, id)
			res = append(res, t)
		}
	}
	return res, nil
}

func (r *fakeTaskRepo) DeleteTask(_ context.Context, id int64) error {
	r.deleted = append(r.deleted, id)
	delete(r.tasks, id)
	return nil
}

func (r *fakeTaskRepo) UpdateTaskFailure(_ context.Context, id int64, attempt int, status repository.TaskStatus, next time.Time) error {
	r.failures[id] = failure{attempt: attempt, status: status, next: next}
	r.tasks[id].AttemptCount = attempt
	r.tasks[id].Status = status
	return nil
}

type sent struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	sent []sent
	err  error
}

func (p *fakePublisher) Publish(topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sent{topic, key, value})
	return nil
}

func newProcessor(repo *fakeTaskRepo, pub *fakePublisher) *TaskProcessor {
	p := NewTaskProcessor(repo, pub, "shipment-events", DefaultOptions(), zap.NewNop())
	p.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

func TestOutboxHandler(t *testing.T) {
	repo := newFakeTaskRepo()
	h := NewOutboxHandler(repo)

	require.NoError(t, h.Handle(context.Background(), events.ShipmentUpdated{TrackingNumber: "LS1234567890"}))

	require.Len(t, repo.tasks, 1)
	task := repo.tasks[1]
	assert.Equal(t, "LS1234567890", task.EventKey)
	e, err := kafka.Decode(task.Payload)
	require.NoError(t, err)
	assert.Equal(t, events.ShipmentUpdatedName, e.Name())
}

func TestProcessPendingTasks_Success(t *testing.T) {
	repo := newFakeTaskRepo()
	require.NoError(t, repo.CreateTask(context.Background(), "LS1", []byte("a")))
	require.NoError(t, repo.CreateTask(context.Background(), "LS2", []byte("b")))
	pub := &fakePublisher{}

	newProcessor(repo, pub).ProcessPendingTasks(context.Background())

	assert.Equal(t, []int64{1, 2}, repo.processing)
	assert.Equal(t, []int64{1, 2}, repo.deleted)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, sent{"shipment-events", "LS1", []byte("a")}, pub.sent[0])
}

func TestProcessPendingTasks_FailureBacksOff(t *testing.T) {
	repo := newFakeTaskRepo()
	require.NoError(t, repo.CreateTask(context.Background(), "LS1", []byte("a")))
	pub := &fakePublisher{err: errors.New("broker down")}
	p := newProcessor(repo, pub)

	p.ProcessPendingTasks(context.Background())
	f := repo.failures[1]
	assert.Equal(t, 1, f.attempt)
	assert.Equal(t, repository.TaskStatusFailed, f.status)
	assert.Equal(t, p.now().Add(2*time.Second), f.next)
	assert.Empty(t, repo.deleted)

	p.ProcessPendingTasks(context.Background())
	p.ProcessPendingTasks(context.Background())
	assert.Equal(t, repository.TaskStatusNoAttemptsLeft, repo.failures[1].status)
	assert.Equal(t, 3, repo.failures[1].attempt)

	// exhausted tasks are no longer picked up
	p.ProcessPendingTasks(context.Background())
	assert.Equal(t, 3, repo.failures[1].attempt)
}

func TestProcessPendingTasks_SkipsClaimedTasks(t *testing.T) {
	ctx := context.Background()
	repo := newFakeTaskRepo()
	require.NoError(t, repo.CreateTask(ctx, "LS1", []byte("a")))

	// another relay holds the task
	claimed, err := repo.ClaimPendingTasks(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	pub := &fakePublisher{}
	newProcessor(repo, pub).ProcessPendingTasks(ctx)
	assert.Empty(t, pub.sent)
	assert.Empty(t, repo.deleted)
}

func TestProcessPendingTasks_FetchError(t *testing.T) {
	repo := newFakeTaskRepo()
	repo.getErr = errors.New("db down")
	pub := &fakePublisher{}

	newProcessor(repo, pub).ProcessPendingTasks(context.Background())
	assert.Empty(t, pub.sent)
}
