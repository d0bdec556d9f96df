package models

import (
	"testing"
	"time"

	"TourGuard/pkg/errors"
	"TourGuard/pkg/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := util.InitDatabase(util.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared", false)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestUser(t *testing.T, db *gorm.DB) *User {
	t.Helper()
	u := &User{
		Name:  "Asha",
		Phone: "+91-900000000",
		Email: "asha@example.com",
		EmergencyContacts: []EmergencyContact{
			{Name: "Ravi", Relation: "brother", Phone: "111"},
			{Name: "Mina", Relation: "friend", Phone: "222"},
		},
	}
	require.NoError(t, CreateUser(db, u))
	return u
}

func newTestEvent(t *testing.T, db *gorm.DB, userID string) *SOSEvent {
	t.Helper()
	ev := &SOSEvent{UserID: userID, Latitude: 19.075983, Longitude: 72.877655}
	require.NoError(t, CreateSOSEvent(db, ev))
	return ev
}

func TestUserContactsKeepOrder(t *testing.T) {
	db := newTestDB(t)
	u := newTestUser(t, db)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "user", u.Role)

	got, err := GetUserByID(db, u.ID)
	require.NoError(t, err)
	require.Len(t, got.EmergencyContacts, 2)
	assert.Equal(t, "Ravi", got.EmergencyContacts[0].Name)
	assert.Equal(t, "Mina", got.EmergencyContacts[1].Name)

	require.NoError(t, ReplaceEmergencyContacts(db, u.ID, []EmergencyContact{{Name: "Zed", Phone: "333"}}))
	got, err = GetUserByID(db, u.ID)
	require.NoError(t, err)
	require.Len(t, got.EmergencyContacts, 1)
	assert.Equal(t, "Zed", got.EmergencyContacts[0].Name)

	_, err = GetUserByID(db, "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDuplicateExternalIDIsTranslated(t *testing.T) {
	db := newTestDB(t)
	ext := "device-1"
	require.NoError(t, CreateUser(db, &User{Name: "a", ExternalID: &ext}))
	err := CreateUser(db, &User{Name: "b", ExternalID: &ext})
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestCreateSOSEventRoundTrip(t *testing.T) {
	db := newTestDB(t)
	u := newTestUser(t, db)

	acc := 12.0
	msg := "Test emergency"
	ev := &SOSEvent{
		UserID:         u.ID,
		Latitude:       -89.12345678,
		Longitude:      179.9999999,
		AccuracyMeters: &acc,
		Message:        &msg,
		Status:         SOSStatusResolved,
	}
	require.NoError(t, CreateSOSEvent(db, ev))
	assert.Equal(t, SOSStatusPending, ev.Status)

	got, err := GetSOSEvent(db, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, -89.1234568, got.Latitude)
	assert.Equal(t, 179.9999999, got.Longitude)
	assert.Equal(t, 12.0, *got.AccuracyMeters)
	assert.Nil(t, got.AcknowledgedAt)
	assert.Nil(t, got.ResolvedAt)
	require.NotNil(t, got.User)
	assert.Equal(t, "Asha", got.User.Name)
	assert.Len(t, got.User.EmergencyContacts, 2)

	view := got.View()
	assert.Equal(t, "Asha", view.User.Name)
	assert.Equal(t, ev.ID, view.ID)
}

func TestListSOSEventsFiltersAndOrder(t *testing.T) {
	db := newTestDB(t)
	u := newTestUser(t, db)

	base := time.Now().Add(-time.Hour).UTC()
	ids := make([]string, 3)
	for i := range ids {
		ev := &SOSEvent{UserID: u.ID, Latitude: 1, Longitude: 2, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, CreateSOSEvent(db, ev))
		ids[i] = ev.ID
	}
	_, err := UpdateSOSStatus(db, ids[1], SOSStatusAcknowledged, time.Now())
	require.NoError(t, err)

	all, err := ListSOSEvents(db, SOSFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, "Asha", all[0].User.Name)
	// 列表与单条查询携带同样的紧急联系人
	for _, ev := range all {
		require.Len(t, ev.User.EmergencyContacts, 2)
		assert.Equal(t, "Ravi", ev.User.EmergencyContacts[0].Name)
		assert.Equal(t, "Mina", ev.User.EmergencyContacts[1].Name)
	}
	snap := all[0].View().User
	require.NotNil(t, snap)
	assert.Len(t, snap.EmergencyContacts, 2)

	acked, err := ListSOSEvents(db, SOSFilter{Status: SOSStatusAcknowledged})
	require.NoError(t, err)
	require.Len(t, acked, 1)
	assert.Equal(t, ids[1], acked[0].ID)

	since := base.Add(90 * time.Second)
	recent, err := ListSOSEvents(db, SOSFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	both, err := ListSOSEvents(db, SOSFilter{Status: SOSStatusPending, Since: &since})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, ids[2], both[0].ID)

	n, err := CountSOSByStatus(db, SOSStatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpdateSOSStatusMonotonic(t *testing.T) {
	db := newTestDB(t)
	u := newTestUser(t, db)
	ev := newTestEvent(t, db, u.ID)

	tr, err := UpdateSOSStatus(db, ev.ID, SOSStatusAcknowledged, time.Now())
	require.NoError(t, err)
	assert.Equal(t, SOSStatusPending, tr.Previous)
	assert.Equal(t, SOSStatusAcknowledged, tr.Event.Status)
	require.NotNil(t, tr.Event.AcknowledgedAt)
	assert.Nil(t, tr.Event.ResolvedAt)
	ackAt := *tr.Event.AcknowledgedAt

	// 同状态更新不改时间戳
	tr, err = UpdateSOSStatus(db, ev.ID, SOSStatusAcknowledged, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SOSStatusAcknowledged, tr.Previous)
	assert.True(t, ackAt.Equal(*tr.Event.AcknowledgedAt))

	tr, err = UpdateSOSStatus(db, ev.ID, SOSStatusResolved, time.Now())
	require.NoError(t, err)
	assert.Equal(t, SOSStatusAcknowledged, tr.Previous)
	require.NotNil(t, tr.Event.ResolvedAt)
	assert.True(t, ackAt.Equal(*tr.Event.AcknowledgedAt))

	_, err = UpdateSOSStatus(db, ev.ID, SOSStatusPending, time.Now())
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
	_, err = UpdateSOSStatus(db, ev.ID, SOSStatusAcknowledged, time.Now())
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))

	got, err := GetSOSEvent(db, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, SOSStatusResolved, got.Status)
}

func TestUpdateSOSStatusSkipToResolved(t *testing.T) {
	db := newTestDB(t)
	u := newTestUser(t, db)
	ev := newTestEvent(t, db, u.ID)

	tr, err := UpdateSOSStatus(db, ev.ID, SOSStatusResolved, time.Now())
	require.NoError(t, err)
	assert.Equal(t, SOSStatusPending, tr.Previous)
	assert.Nil(t, tr.Event.AcknowledgedAt)
	assert.NotNil(t, tr.Event.ResolvedAt)
}

func TestUpdateSOSStatusUnknownAndInvalid(t *testing.T) {
	db := newTestDB(t)

	_, err := UpdateSOSStatus(db, "missing", SOSStatusAcknowledged, time.Now())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = UpdateSOSStatus(db, "missing", "bogus", time.Now())
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRequest))
}

func TestAuditLogAppendOnly(t *testing.T) {
	db := newTestDB(t)
	u := newTestUser(t, db)
	ev := newTestEvent(t, db, u.ID)

	now := time.Now().UTC().Truncate(time.Second)
	_, err := AppendStatusChange(db, "admin-1", ev.ID, StatusChangePayload{
		PreviousStatus: SOSStatusPending, NewStatus: SOSStatusAcknowledged, AdminName: "Ops", Timestamp: now,
	})
	require.NoError(t, err)
	_, err = AppendStatusChange(db, "admin-2", ev.ID, StatusChangePayload{
		PreviousStatus: SOSStatusAcknowledged, NewStatus: SOSStatusResolved, AdminName: "Lead", Timestamp: now,
	})
	require.NoError(t, err)

	logs, err := ListAuditLogs(db, ev.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "sos_status_change", logs[0].EventType)
	assert.Equal(t, "admin-1", logs[0].UserID)

	p, err := logs[1].StatusChange()
	require.NoError(t, err)
	assert.Equal(t, SOSStatusAcknowledged, p.PreviousStatus)
	assert.Equal(t, SOSStatusResolved, p.NewStatus)
	assert.Equal(t, "Lead", p.AdminName)
	assert.True(t, now.Equal(p.Timestamp))
}
