package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/gateway"
	"github.com/ChuLiYu/raksha-sync/internal/outbox"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient 依描述回傳預設結果
type scriptedClient struct {
	mu       sync.Mutex
	failures map[string]error // key: incident description / status / alert location
	calls    []string
	block    chan struct{}
	entered  chan struct{}
}

func (c *scriptedClient) record(key string) error {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, key)
	return c.failures[key]
}

func (c *scriptedClient) CreateIncident(ctx context.Context, p types.IncidentCreate) (*types.Incident, error) {
	if err := c.record(p.Description); err != nil {
		return nil, err
	}
	return &types.Incident{Description: p.Description}, nil
}

func (c *scriptedClient) UpdateStatus(ctx context.Context, p types.StatusUpdate) (*types.User, error) {
	if err := c.record(string(p.Status)); err != nil {
		return nil, err
	}
	return &types.User{SafetyStatus: p.Status}, nil
}

func (c *scriptedClient) CreateEmergencyAlert(ctx context.Context, p types.EmergencyAlertCreate) (*types.EmergencyAlert, error) {
	if err := c.record(p.Location); err != nil {
		return nil, err
	}
	return &types.EmergencyAlert{Location: p.Location}, nil
}

func (c *scriptedClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func incident(desc string) types.IncidentCreate {
	return types.IncidentCreate{UserID: 1, Type: types.IncidentGeneral, Description: desc, Location: "FC Road", Urgency: types.UrgencyMedium}
}

func newQueue(t *testing.T) *outbox.Queue {
	t.Helper()
	return outbox.New(outbox.NewMemoryStore(), outbox.Options{})
}

func TestDrain_AllDelivered(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, _ = q.Enqueue(ctx, incident("phone snatched at signal"))
	_, _ = q.Enqueue(ctx, types.StatusUpdate{UserID: 1, Status: types.StatusSafe})
	_, _ = q.Enqueue(ctx, types.EmergencyAlertCreate{UserID: 1, Location: "Kothrud"})

	client := &scriptedClient{}
	e := New(q, client, Options{Policy: DefaultPolicy()})

	outcome, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Succeeded)
	assert.Zero(t, outcome.Failed)
	assert.Zero(t, outcome.Dropped)
	assert.False(t, q.HasPending(ctx))
	assert.ElementsMatch(t, []string{"phone snatched at signal", "safe", "Kothrud"}, client.Calls())

	last, _, ok := e.LastOutcome()
	assert.True(t, ok)
	assert.Equal(t, 3, last.Succeeded)
}

func TestDrain_EmptyQueueMakesNoCalls(t *testing.T) {
	client := &scriptedClient{}
	e := New(newQueue(t), client, Options{})

	outcome, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Succeeded+outcome.Failed+outcome.Dropped)
	assert.Empty(t, client.Calls())
}

func TestDrain_PreservesOrderWithinBucket(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	for _, d := range []string{"first report text", "second report text", "third report text"} {
		_, _ = q.Enqueue(ctx, incident(d))
	}

	client := &scriptedClient{}
	_, err := New(q, client, Options{}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"first report text", "second report text", "third report text"}, client.Calls())
}

func TestDrain_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, _ = q.Enqueue(ctx, incident("report that will fail"))
	okID, _ := q.Enqueue(ctx, incident("report that will pass"))
	_, _ = q.Enqueue(ctx, types.StatusUpdate{UserID: 1, Status: types.StatusCaution})

	client := &scriptedClient{failures: map[string]error{
		"report that will fail": &gateway.StatusError{StatusCode: 503},
	}}
	outcome, err := New(q, client, Options{Policy: DefaultPolicy()}).Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Succeeded)
	assert.Equal(t, 1, outcome.Failed)

	snap := q.Snapshot(ctx)
	require.Len(t, snap.Incidents, 1)
	assert.NotEqual(t, okID, snap.Incidents[0].ID)
	assert.Equal(t, 1, snap.Incidents[0].Attempts)
	assert.Contains(t, snap.Incidents[0].LastError, "503")
	assert.Empty(t, snap.StatusUpdates)
}

func TestDrain_RejectedIsDropped(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, _ = q.Enqueue(ctx, incident("backend says bad request"))

	client := &scriptedClient{failures: map[string]error{
		"backend says bad request": &gateway.StatusError{StatusCode: 400, Message: "Invalid incident data"},
	}}
	outcome, err := New(q, client, Options{Policy: DefaultPolicy()}).Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Dropped)
	assert.False(t, q.HasPending(ctx))
}

func TestDrain_UnknownErrorIsRetained(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, _ = q.Enqueue(ctx, incident("token refresh failed"))

	client := &scriptedClient{failures: map[string]error{"token refresh failed": errors.New("signed out")}}
	outcome, err := New(q, client, Options{Policy: DefaultPolicy()}).Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Failed)
	assert.True(t, q.HasPending(ctx))
}

func TestDrain_MaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, _ = q.Enqueue(ctx, incident("never reaches backend"))

	client := &scriptedClient{failures: map[string]error{"never reaches backend": gateway.ErrUnreachable}}
	e := New(q, client, Options{Policy: Policy{MaxAttempts: 3}})

	for i := 0; i < 2; i++ {
		outcome, err := e.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.Failed)
	}
	outcome, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Dropped, "third failure reaches the limit")
	assert.False(t, q.HasPending(ctx))
	assert.Len(t, client.Calls(), 3)
}

func TestDrain_DropsExpired(t *testing.T) {
	ctx := context.Background()
	enqueued := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	q := outbox.New(outbox.NewMemoryStore(), outbox.Options{Now: func() time.Time { return enqueued }})
	_, _ = q.Enqueue(ctx, incident("an old forgotten report"))

	client := &scriptedClient{}
	e := New(q, client, Options{
		Policy: Policy{MaxAge: 24 * time.Hour},
		Now:    func() time.Time { return enqueued.Add(48 * time.Hour) },
	})

	outcome, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Dropped)
	assert.Empty(t, client.Calls())
	assert.False(t, q.HasPending(ctx))
}

func TestDrain_OverlappingCallIsRejected(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, _ = q.Enqueue(ctx, incident("slow backend report"))

	client := &scriptedClient{block: make(chan struct{})}
	e := New(q, client, Options{})

	done := make(chan types.DrainOutcome)
	go func() {
		outcome, _ := e.Drain(ctx)
		done <- outcome
	}()

	require.Eventually(t, e.Running, time.Second, 5*time.Millisecond)
	_, err := e.Drain(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(client.block)
	outcome := <-done
	assert.Equal(t, 1, outcome.Succeeded)
	assert.False(t, e.Running())
}

func TestDrain_OverlappingCallRunsAnotherPass(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, _ = q.Enqueue(ctx, incident("phone snatched at signal"))

	client := &scriptedClient{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	e := New(q, client, Options{})

	done := make(chan types.DrainOutcome)
	go func() {
		outcome, _ := e.Drain(ctx)
		done <- outcome
	}()
	<-client.entered

	// 重放期間離線入列的警報，隨後的連線恢復被拒
	_, err := q.Enqueue(ctx, types.EmergencyAlertCreate{UserID: 1, Location: "Deccan Gymkhana"})
	require.NoError(t, err)
	_, err = e.Drain(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(client.block)
	outcome := <-done

	assert.Equal(t, 2, outcome.Succeeded)
	assert.False(t, q.HasPending(ctx), "alert queued during drain should be sent by the extra pass")
	assert.ElementsMatch(t, []string{"phone snatched at signal", "Deccan Gymkhana"}, client.Calls())
	assert.False(t, e.Running())
}

func TestDrain_IgnoresCallerCancellation(t *testing.T) {
	q := newQueue(t)
	_, _ = q.Enqueue(context.Background(), incident("submitted while leaving"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := New(q, &scriptedClient{}, Options{}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Succeeded)
}

func TestDrain_KeepsItemsEnqueuedMidDrain(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, _ = q.Enqueue(ctx, incident("report before drain"))

	client := &scriptedClient{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	e := New(q, client, Options{})

	done := make(chan struct{})
	go func() {
		_, _ = e.Drain(ctx)
		close(done)
	}()
	<-client.entered

	lateID, err := q.Enqueue(ctx, incident("report during drain"))
	require.NoError(t, err)
	close(client.block)
	<-done

	snap := q.Snapshot(ctx)
	require.Len(t, snap.Incidents, 1)
	assert.Equal(t, lateID, snap.Incidents[0].ID)
}
