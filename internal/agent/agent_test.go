package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/gateway"
	"github.com/ChuLiYu/raksha-sync/internal/identity"
	"github.com/ChuLiYu/raksha-sync/internal/outbox"
	"github.com/ChuLiYu/raksha-sync/internal/replay"
	"github.com/ChuLiYu/raksha-sync/internal/storage/wal"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// switchableBackend 可切換可達性的後端
type switchableBackend struct {
	mu      sync.Mutex
	down    bool
	reject  bool
	garbled bool // 接受寫入但回傳無法解析的本文
	created []types.IncidentCreate
	status  []types.StatusUpdate
	alerts  []types.EmergencyAlertCreate
}

func (b *switchableBackend) fail() error {
	if b.down {
		return gateway.ErrUnreachable
	}
	if b.reject {
		return &gateway.StatusError{StatusCode: 400, Message: "Invalid incident data"}
	}
	return nil
}

func (b *switchableBackend) CreateIncident(ctx context.Context, p types.IncidentCreate) (*types.Incident, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail(); err != nil {
		return nil, err
	}
	b.created = append(b.created, p)
	if b.garbled {
		return nil, fmt.Errorf("%w: invalid character '<'", gateway.ErrDecodeResponse)
	}
	return &types.Incident{ID: int64(len(b.created)), UserID: p.UserID, Status: "pending"}, nil
}

func (b *switchableBackend) UpdateStatus(ctx context.Context, p types.StatusUpdate) (*types.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail(); err != nil {
		return nil, err
	}
	b.status = append(b.status, p)
	return &types.User{ID: p.UserID, SafetyStatus: p.Status}, nil
}

func (b *switchableBackend) CreateEmergencyAlert(ctx context.Context, p types.EmergencyAlertCreate) (*types.EmergencyAlert, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail(); err != nil {
		return nil, err
	}
	b.alerts = append(b.alerts, p)
	return &types.EmergencyAlert{ID: int64(len(b.alerts)), Status: "active"}, nil
}

func (b *switchableBackend) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

func (b *switchableBackend) incidents() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.created)
}

type flag struct{ v atomic.Bool }

func (f *flag) Online() bool { return f.v.Load() }

type fixture struct {
	agent   *Agent
	queue   *outbox.Queue
	backend *switchableBackend
	online  *flag
	journal *wal.WAL
}

func newFixture(t *testing.T, cfg Config, user identity.Provider) *fixture {
	t.Helper()
	journal, err := wal.NewWAL(filepath.Join(t.TempDir(), "mutations.wal"), wal.Options{SyncOnAppend: true})
	require.NoError(t, err)

	q := outbox.New(outbox.NewMemoryStore(), outbox.Options{Journal: journal})
	backend := &switchableBackend{}
	engine := replay.New(q, backend, replay.Options{Policy: replay.DefaultPolicy()})
	online := &flag{}
	online.v.Store(true)

	a, err := New(cfg, Deps{
		Queue:    q,
		Engine:   engine,
		Client:   backend,
		Identity: user,
		Online:   online,
		Journal:  journal,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })

	return &fixture{agent: a, queue: q, backend: backend, online: online, journal: journal}
}

func report() types.IncidentCreate {
	return types.IncidentCreate{
		Type:        types.IncidentSuspiciousActivity,
		Description: "someone loitering near the gate",
		Location:    "Hostel gate",
		Urgency:     types.UrgencyMedium,
	}
}

// ============================================================================
// Direct-or-queue
// ============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestReportIncident_SentWhenOnline(t *testing.T) {
	f := newFixture(t, Config{}, identity.Static(9))

	res, err := f.agent.ReportIncident(context.Background(), report())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSent, res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, types.UserID(9), res.Record.UserID)
	assert.False(t, f.queue.HasPending(context.Background()))
}

func TestReportIncident_QueuedWhenOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, identity.Static(9))
	f.online.v.Store(false)
	f.backend.setDown(true)

	res, err := f.agent.ReportIncident(ctx, report())
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.NotEmpty(t, res.MutationID)
	assert.Nil(t, res.Record)

	snap := f.queue.Snapshot(ctx)
	require.Len(t, snap.Incidents, 1)
	assert.Equal(t, types.UserID(9), snap.Incidents[0].Payload.UserID)
}

func TestReportIncident_UndecodableRecordIsStillSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, identity.Static(9))
	f.backend.garbled = true

	res, err := f.agent.ReportIncident(ctx, report())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Nil(t, res.Record)
	assert.Equal(t, 1, f.backend.incidents())
	assert.False(t, f.queue.HasPending(ctx))
}

func TestUpdateStatus_ErrorWhenOnline(t *testing.T) {
	f := newFixture(t, Config{}, identity.Static(9))
	f.backend.setDown(true)

	_, err := f.agent.UpdateStatus(context.Background(), types.StatusUpdate{Status: types.StatusCaution})
	assert.ErrorIs(t, err, gateway.ErrUnreachable)
	assert.False(t, f.queue.HasPending(context.Background()), "online failures surface instead of queueing")
}

func TestRaiseEmergencyAlert_RejectionNotQueued(t *testing.T) {
	f := newFixture(t, Config{}, identity.Static(9))
	f.online.v.Store(false)
	f.backend.reject = true

	_, err := f.agent.RaiseEmergencyAlert(context.Background(), types.EmergencyAlertCreate{Location: "Unknown"})
	var se *gateway.StatusError
	assert.ErrorAs(t, err, &se)
	assert.False(t, f.queue.HasPending(context.Background()))
}

func TestActions_RequireIdentity(t *testing.T) {
	f := newFixture(t, Config{}, identity.NewSession())

	_, err := f.agent.ReportIncident(context.Background(), report())
	assert.ErrorIs(t, err, identity.ErrSignedOut)
	assert.Zero(t, f.backend.incidents())
}

func TestActions_ValidateBeforeSending(t *testing.T) {
	f := newFixture(t, Config{}, identity.Static(9))

	bad := report()
	bad.Description = "short"
	_, err := f.agent.ReportIncident(context.Background(), bad)
	assert.ErrorIs(t, err, types.ErrInvalidPayload)
	assert.Zero(t, f.backend.incidents())
}

// ============================================================================
// Drain / Resume / Start
// ============================================================================

func TestDrain_AfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, identity.Static(3))
	f.online.v.Store(false)
	f.backend.setDown(true)

	for i := 0; i < 3; i++ {
		_, err := f.agent.ReportIncident(ctx, report())
		require.NoError(t, err)
	}

	f.backend.setDown(false)
	f.online.v.Store(true)
	f.agent.OnReconnect(ctx)

	assert.Equal(t, 3, f.backend.incidents())
	assert.False(t, f.queue.HasPending(ctx))

	st := f.agent.Status(ctx)
	require.NotNil(t, st.LastDrain)
	assert.Equal(t, 3, st.LastDrain.Succeeded)
	assert.True(t, st.Online)
	assert.Zero(t, st.Pending)
}

func TestResume_DrainsInBackground(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, identity.Static(3))
	_, err := f.queue.Enqueue(ctx, types.StatusUpdate{UserID: 3, Status: types.StatusSafe})
	require.NoError(t, err)

	f.agent.Resume(ctx)
	require.Eventually(t, func() bool { return !f.queue.HasPending(ctx) }, time.Second, 5*time.Millisecond)
}

func TestStart_ReplaysJournalAndDrains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{DrainOnStart: true}, identity.Static(3))
	_, err := f.queue.Enqueue(ctx, types.EmergencyAlertCreate{UserID: 3, Location: "Station"})
	require.NoError(t, err)

	require.NoError(t, f.agent.Start(ctx))
	require.Eventually(t, func() bool { return !f.queue.HasPending(ctx) }, time.Second, 5*time.Millisecond)

	st := f.agent.Status(ctx)
	assert.Equal(t, 1, st.Journal.Enqueued)
}

func TestDrain_RotatesJournalWhenEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RotateAfter: 2}, identity.Static(3))
	_, _ = f.queue.Enqueue(ctx, types.StatusUpdate{UserID: 3, Status: types.StatusSafe})

	_, err := f.agent.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.journal.GetLastSeq(), "ENQUEUE + DELIVERED reach the threshold")
}

func TestStop_RejectsNewDrains(t *testing.T) {
	f := newFixture(t, Config{}, identity.Static(3))
	require.NoError(t, f.agent.Stop())
	require.NoError(t, f.agent.Stop())

	_, err := f.agent.Drain(context.Background())
	assert.True(t, errors.Is(err, ErrStopped))
}
