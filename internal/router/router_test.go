package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestgraph/nestgraph/internal/admission"
	"github.com/nestgraph/nestgraph/internal/errdefs"
	"github.com/nestgraph/nestgraph/internal/ident"
	"github.com/nestgraph/nestgraph/internal/registry"
	"github.com/nestgraph/nestgraph/internal/testutil"
)

type fakeClient struct {
	creates   atomic.Int64
	createErr error
}

func (f *fakeClient) Create(ctx context.Context, graphID ident.GraphID, schemaDDL string, readOnly bool) error {
	f.creates.Add(1)
	return f.createErr
}

func mustGraphID(t *testing.T, s string) ident.GraphID {
	t.Helper()
	id, err := ident.ParseGraphID(s)
	require.NoError(t, err)
	return id
}

func healthyAdmission(t *testing.T) *admission.Controller {
	t.Helper()
	return admission.New(admission.Config{Logger: testutil.NewTestLogger(t)})
}

func criticalAdmission(t *testing.T) *admission.Controller {
	t.Helper()
	c := admission.New(admission.Config{
		CriticalSamples: 1,
		Usage: func(context.Context) (float64, float64, error) {
			return 99, 99, nil
		},
		Logger: testutil.NewTestLogger(t),
	})
	c.Sample(context.Background())
	return c
}

func registerInstance(t *testing.T, reg registry.Client, id string, role registry.Role, dbCount int) {
	t.Helper()
	err := reg.RegisterInstance(context.Background(), &registry.Instance{
		ID:            id,
		Address:       id + ":7777",
		Role:          role,
		DatabaseCount: dbCount,
		LastHeartbeat: time.Now(),
	})
	require.NoError(t, err)
}

func newTestRouter(t *testing.T, reg registry.Client, adm *admission.Controller, client *fakeClient, cfg Config) *Router {
	t.Helper()
	cfg.Logger = testutil.NewTestLogger(t)
	provider := func(inst *registry.Instance) (LifecycleClient, error) {
		return client, nil
	}
	return New(reg, adm, provider, cfg)
}

func TestResolveKnownGraph(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "inst-1", registry.RoleSharedMaster, 0)
	graphID := mustGraphID(t, "orders")
	require.NoError(t, reg.Put(context.Background(), graphID, "inst-1"))

	r := newTestRouter(t, reg, healthyAdmission(t), &fakeClient{}, Config{})

	res, err := r.Resolve(context.Background(), graphID, IntentRead, nil)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", res.Instance.ID)
	assert.False(t, res.Created)
	assert.Zero(t, res.RetryAfter)
}

func TestResolveUnknownGraphWithoutCreate(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "inst-1", registry.RoleSharedMaster, 0)
	r := newTestRouter(t, reg, healthyAdmission(t), &fakeClient{}, Config{})

	_, err := r.Resolve(context.Background(), mustGraphID(t, "missing"), IntentRead, nil)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestResolveCreatesUnknownGraph(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "inst-1", registry.RoleSharedMaster, 0)
	client := &fakeClient{}
	r := newTestRouter(t, reg, healthyAdmission(t), client, Config{})
	graphID := mustGraphID(t, "orders")

	res, err := r.Resolve(context.Background(), graphID, IntentWrite, &CreateOptions{})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "inst-1", res.Instance.ID)
	assert.Equal(t, int64(1), client.creates.Load())

	inst, err := reg.Get(context.Background(), graphID)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", inst.ID)
}

func TestConcurrentResolveCreatesOnce(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "inst-1", registry.RoleSharedMaster, 0)
	client := &fakeClient{}
	r := newTestRouter(t, reg, healthyAdmission(t), client, Config{})
	graphID := mustGraphID(t, "orders")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), graphID, IntentWrite, &CreateOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), client.creates.Load())
}

func TestCreateFailurePropagates(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "inst-1", registry.RoleSharedMaster, 0)
	client := &fakeClient{createErr: errors.New("disk full")}
	r := newTestRouter(t, reg, healthyAdmission(t), client, Config{})

	_, err := r.Resolve(context.Background(), mustGraphID(t, "orders"), IntentWrite, &CreateOptions{})
	require.Error(t, err)

	// No mapping is left behind for the failed create.
	_, err = reg.Get(context.Background(), mustGraphID(t, "orders"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestResolveRejectedWhenCritical(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "inst-1", registry.RoleSharedMaster, 0)
	graphID := mustGraphID(t, "orders")
	require.NoError(t, reg.Put(context.Background(), graphID, "inst-1"))

	r := newTestRouter(t, reg, criticalAdmission(t), &fakeClient{}, Config{})

	_, err := r.Resolve(context.Background(), graphID, IntentRead, nil)
	var rejected *errdefs.AdmissionRejectedError
	assert.ErrorAs(t, err, &rejected)
}

func TestFailoverToHealthyInstance(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "inst-2", registry.RoleSharedMaster, 0)
	graphID := mustGraphID(t, "orders")

	// inst-1 owns the graph but its heartbeat is stale.
	err := reg.RegisterInstance(context.Background(), &registry.Instance{
		ID:            "inst-1",
		Role:          registry.RoleSharedMaster,
		LastHeartbeat: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Put(context.Background(), graphID, "inst-1"))

	r := newTestRouter(t, reg, healthyAdmission(t), &fakeClient{}, Config{})

	res, err := r.Resolve(context.Background(), graphID, IntentRead, nil)
	require.NoError(t, err)
	assert.Equal(t, "inst-2", res.Instance.ID)

	// The mapping now points at the failover target.
	inst, err := reg.Get(context.Background(), graphID)
	require.NoError(t, err)
	assert.Equal(t, "inst-2", inst.ID)
}

func TestFailoverExhaustsCandidates(t *testing.T) {
	reg := registry.NewMemory()
	graphID := mustGraphID(t, "orders")
	err := reg.RegisterInstance(context.Background(), &registry.Instance{
		ID:            "inst-1",
		Role:          registry.RoleSharedMaster,
		LastHeartbeat: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Put(context.Background(), graphID, "inst-1"))

	r := newTestRouter(t, reg, healthyAdmission(t), &fakeClient{}, Config{})

	_, err = r.Resolve(context.Background(), graphID, IntentRead, nil)
	var unavailable *errdefs.InstanceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, errdefs.Retryable(err))
}

func TestWriteIntentPicksLeastLoadedWriter(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "writer-busy", registry.RoleWriter, 40)
	registerInstance(t, reg, "writer-idle", registry.RoleWriter, 2)
	registerInstance(t, reg, "reader-1", registry.RoleReader, 0)

	client := &fakeClient{}
	r := newTestRouter(t, reg, healthyAdmission(t), client, Config{})

	res, err := r.Resolve(context.Background(), mustGraphID(t, "orders"), IntentWrite, &CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "writer-idle", res.Instance.ID)
}

func TestReadersAreNotWriteCandidates(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "reader-1", registry.RoleReader, 0)

	r := newTestRouter(t, reg, healthyAdmission(t), &fakeClient{}, Config{})

	_, err := r.Resolve(context.Background(), mustGraphID(t, "orders"), IntentWrite, &CreateOptions{})
	var unavailable *errdefs.InstanceUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestReadFailoverRotatesAcrossReplicas(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "reader-1", registry.RoleReader, 0)
	registerInstance(t, reg, "reader-2", registry.RoleReader, 0)
	registerInstance(t, reg, "reader-3", registry.RoleReader, 0)
	err := reg.RegisterInstance(context.Background(), &registry.Instance{
		ID:            "stale",
		Role:          registry.RoleSharedMaster,
		LastHeartbeat: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	graphID := mustGraphID(t, "orders")

	r := newTestRouter(t, reg, healthyAdmission(t), &fakeClient{}, Config{})

	// Each pass re-maps the graph to the stale owner and lets failover
	// pick a replica; successive picks walk the replicas in turn.
	var picked []string
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Put(context.Background(), graphID, "stale"))
		res, err := r.Resolve(context.Background(), graphID, IntentRead, nil)
		require.NoError(t, err)
		picked = append(picked, res.Instance.ID)
	}
	assert.Equal(t, []string{"reader-1", "reader-2", "reader-3"}, picked)
}

func TestInvalidateRemovesMapping(t *testing.T) {
	reg := registry.NewMemory()
	registerInstance(t, reg, "inst-1", registry.RoleSharedMaster, 0)
	graphID := mustGraphID(t, "orders")
	require.NoError(t, reg.Put(context.Background(), graphID, "inst-1"))

	r := newTestRouter(t, reg, healthyAdmission(t), &fakeClient{}, Config{})
	require.NoError(t, r.Invalidate(context.Background(), graphID))

	_, err := reg.Get(context.Background(), graphID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
