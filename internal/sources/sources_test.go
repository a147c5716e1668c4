package sources

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/queue"
	"github.com/qualys/accessreview/internal/review"
)

type fakeCollector struct {
	provider string
	records  []models.ImportRecord
	err      error
	calls    int
}

func (f *fakeCollector) Provider() string { return f.provider }

func (f *fakeCollector) Collect(ctx context.Context) ([]models.ImportRecord, error) {
	f.calls++
	return f.records, f.err
}

type fakeImporter struct {
	got   []models.ImportRecord
	actor models.Actor
	err   error
}

func (f *fakeImporter) Import(ctx context.Context, id uuid.UUID, records []models.ImportRecord, actor models.Actor) (*review.ImportResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = records
	f.actor = actor
	return &review.ImportResult{Imported: len(records)}, nil
}

type fakeDispatcher struct {
	err  error
	jobs []*queue.Job
}

func (f *fakeDispatcher) EnqueueCollection(ctx context.Context, id uuid.UUID, provider, requestedBy string) (*queue.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	job := &queue.Job{ID: uuid.New(), Type: queue.JobTypeCollect, ReviewCycleID: &id, Provider: provider, RequestedBy: requestedBy}
	f.jobs = append(f.jobs, job)
	return job, nil
}

var analyst = models.Actor{UserID: "u-1", Email: "ana@example.com", Role: models.RoleAnalyst}

func newService(c *fakeCollector, imp *fakeImporter) *Service {
	svc := NewService(imp, nil)
	svc.Register(c)
	return svc
}

func TestRequest_Inline(t *testing.T) {
	c := &fakeCollector{provider: "aws", records: []models.ImportRecord{{Username: "jdoe"}, {Username: "asmith"}}}
	imp := &fakeImporter{}
	svc := newService(c, imp)

	res, err := svc.Request(context.Background(), uuid.New(), " AWS ", analyst)
	require.NoError(t, err)
	assert.False(t, res.Queued)
	require.NotNil(t, res.Import)
	assert.Equal(t, 2, res.Import.Imported)
	assert.Len(t, imp.got, 2)
	assert.Equal(t, analyst, imp.actor)
}

func TestRequest_Queued(t *testing.T) {
	c := &fakeCollector{provider: "gcp"}
	svc := newService(c, &fakeImporter{})
	d := &fakeDispatcher{}
	svc.SetDispatcher(d)

	cycleID := uuid.New()
	res, err := svc.Request(context.Background(), cycleID, "gcp", analyst)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	require.Len(t, d.jobs, 1)
	assert.Equal(t, d.jobs[0].ID, *res.JobID)
	assert.Equal(t, "u-1", d.jobs[0].RequestedBy)
	assert.Zero(t, c.calls)
}

func TestRequest_EnqueueFailureRunsInline(t *testing.T) {
	c := &fakeCollector{provider: "azure", records: []models.ImportRecord{{Username: "x"}}}
	svc := newService(c, &fakeImporter{})
	svc.SetDispatcher(&fakeDispatcher{err: errors.New("redis down")})

	res, err := svc.Request(context.Background(), uuid.New(), "azure", analyst)
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, 1, c.calls)
}

func TestRequest_Rejections(t *testing.T) {
	svc := newService(&fakeCollector{provider: "aws"}, &fakeImporter{})

	_, err := svc.Request(context.Background(), uuid.New(), "aws", models.Actor{Role: models.RoleReviewer})
	var forbidden *models.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)

	_, err = svc.Request(context.Background(), uuid.New(), "oracle", analyst)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "provider", verr.Fields[0].Field)
	assert.Contains(t, verr.Error(), "aws")
}

func TestCollect_CollectorError(t *testing.T) {
	svc := newService(&fakeCollector{provider: "aws", err: errors.New("AccessDenied")}, &fakeImporter{})

	_, err := svc.Collect(context.Background(), uuid.New(), "aws", analyst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collecting from aws")
}

func TestRunJob(t *testing.T) {
	cycleID := uuid.New()

	t.Run("imports as requester", func(t *testing.T) {
		imp := &fakeImporter{}
		svc := newService(&fakeCollector{provider: "aws", records: []models.ImportRecord{{Username: "a"}}}, imp)
		err := svc.RunJob(context.Background(), &queue.Job{ID: uuid.New(), ReviewCycleID: &cycleID, Provider: "aws", RequestedBy: "u-7"})
		require.NoError(t, err)
		assert.Equal(t, "u-7", imp.actor.UserID)
		assert.True(t, imp.actor.CanMutate())
	})

	t.Run("missing cycle is permanent", func(t *testing.T) {
		svc := newService(&fakeCollector{provider: "aws"}, &fakeImporter{})
		err := svc.RunJob(context.Background(), &queue.Job{ID: uuid.New(), Provider: "aws"})
		assert.ErrorIs(t, err, queue.ErrPermanent)
	})

	t.Run("invalid state is permanent", func(t *testing.T) {
		imp := &fakeImporter{err: &models.InvalidStateError{Entity: "review cycle", State: "COMPLETED"}}
		svc := newService(&fakeCollector{provider: "aws"}, imp)
		err := svc.RunJob(context.Background(), &queue.Job{ID: uuid.New(), ReviewCycleID: &cycleID, Provider: "aws"})
		assert.ErrorIs(t, err, queue.ErrPermanent)
		var state *models.InvalidStateError
		assert.ErrorAs(t, err, &state)
	})

	t.Run("provider outage is retried", func(t *testing.T) {
		svc := newService(&fakeCollector{provider: "aws", err: errors.New("throttled")}, &fakeImporter{})
		err := svc.RunJob(context.Background(), &queue.Job{ID: uuid.New(), ReviewCycleID: &cycleID, Provider: "aws"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, queue.ErrPermanent)
	})
}

func TestProvidersSorted(t *testing.T) {
	svc := NewService(&fakeImporter{}, nil)
	svc.Register(&fakeCollector{provider: "gcp"})
	svc.Register(&fakeCollector{provider: "AWS"})
	assert.Equal(t, []string{"aws", "gcp"}, svc.Providers())
}
