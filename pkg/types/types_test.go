package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIncident() IncidentCreate {
	return IncidentCreate{
		UserID:      7,
		Type:        IncidentHarassment,
		Description: "followed from the bus stand",
		Location:    "Pune",
		Urgency:     UrgencyHigh,
	}
}

func TestIncidentValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IncidentCreate)
		ok     bool
	}{
		{"valid", func(*IncidentCreate) {}, true},
		{"no user", func(p *IncidentCreate) { p.UserID = 0 }, false},
		{"unknown type", func(p *IncidentCreate) { p.Type = "theft" }, false},
		{"short description", func(p *IncidentCreate) { p.Description = "  too short " }, false},
		{"ten runes", func(p *IncidentCreate) { p.Description = "छेड़छाड़ हुई है" }, true},
		{"blank location", func(p *IncidentCreate) { p.Location = "   " }, false},
		{"unknown urgency", func(p *IncidentCreate) { p.Urgency = "critical" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validIncident()
			tt.mutate(&p)
			err := p.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidPayload), "got %v", err)
		})
	}
}

func TestStatusAndAlertValidate(t *testing.T) {
	assert.NoError(t, StatusUpdate{UserID: 1, Status: StatusCaution}.Validate())
	assert.ErrorIs(t, StatusUpdate{UserID: 1, Status: "panic"}.Validate(), ErrInvalidPayload)
	assert.ErrorIs(t, StatusUpdate{Status: StatusSafe}.Validate(), ErrInvalidPayload)

	// 聯絡人可以為空
	assert.NoError(t, EmergencyAlertCreate{UserID: 1, Location: "Nashik"}.Validate())
	assert.ErrorIs(t, EmergencyAlertCreate{UserID: 1}.Validate(), ErrInvalidPayload)
}

func TestSnapshotNormalize(t *testing.T) {
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(`{"incidents":null}`), &snap))
	snap.Normalize()

	assert.Equal(t, SchemaVersion, snap.SchemaVersion)
	assert.NotNil(t, snap.Incidents)
	assert.NotNil(t, snap.StatusUpdates)
	assert.NotNil(t, snap.EmergencyAlerts)
	assert.Zero(t, snap.Len())

	data, err := json.Marshal(EmptySnapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{"schemaVersion":1,"incidents":[],"statusUpdates":[],"emergencyAlerts":[]}`, string(data))
}

func TestSnapshotCounts(t *testing.T) {
	snap := EmptySnapshot()
	snap.Incidents = append(snap.Incidents, Queued[IncidentCreate]{ID: "a"}, Queued[IncidentCreate]{ID: "b"})
	snap.EmergencyAlerts = append(snap.EmergencyAlerts, Queued[EmergencyAlertCreate]{ID: "c"})

	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, map[MutationKind]int{
		KindIncidentCreate:       2,
		KindStatusUpdate:         0,
		KindEmergencyAlertCreate: 1,
	}, snap.Counts())
	assert.Len(t, Kinds(), 3)
}

func TestPayloadValue(t *testing.T) {
	inc := validIncident()
	v, ok := PayloadValue(&inc)
	require.True(t, ok)
	assert.Equal(t, inc, v)

	v, ok = PayloadValue(StatusUpdate{UserID: 1, Status: StatusSafe})
	require.True(t, ok)
	assert.Equal(t, StatusUpdate{UserID: 1, Status: StatusSafe}, v)

	for _, p := range []Payload{nil, (*IncidentCreate)(nil), (*StatusUpdate)(nil), (*EmergencyAlertCreate)(nil)} {
		_, ok := PayloadValue(p)
		assert.False(t, ok, "%T", p)
	}
}
