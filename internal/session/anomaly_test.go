package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"voicetracker/internal/models"
	"voicetracker/internal/store"
)

func addCompleted(t *testing.T, st *store.MemoryStore, guildID string, rec models.CompletedSession) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Failed to encode completed session: %v", err)
	}
	if err := st.ZAdd(context.Background(), store.CompletedSessionsKey(guildID), float64(rec.Timestamp), string(data)); err != nil {
		t.Fatalf("Failed to store completed session: %v", err)
	}
}

func hoursMS(h float64) int64 {
	return int64(h * float64(time.Hour.Milliseconds()))
}

func flagTypes(user SuspiciousUser) map[string]bool {
	types := make(map[string]bool)
	for _, f := range user.Flags {
		types[f.Type] = true
	}
	return types
}

func anomalyFixture(t *testing.T) (*Manager, *store.MemoryStore, time.Time) {
	t.Helper()
	// a fixed local midday keeps every timestamp below inside one window
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.Local)
	clock := &testClock{now: base.Add(36 * time.Hour)}
	st := store.NewMemoryStore()
	st.Now = clock.Now
	m := NewManager(st, nil)
	m.SetClock(clock.Now)
	return m, st, base
}

func TestSuspiciousUsersExcessiveDaily(t *testing.T) {
	m, st, base := anomalyFixture(t)

	// three sessions on one calendar day totaling 21 hours
	for i, h := range []float64{8, 7, 6} {
		addCompleted(t, st, "g1", models.CompletedSession{
			UserID:      "u1",
			DisplayName: "Marathon",
			TotalTime:   hoursMS(h),
			UnmutedTime: hoursMS(h),
			Timestamp:   base.Add(time.Duration(i) * 2 * time.Hour).UnixMilli(),
		})
	}

	suspicious, err := m.SuspiciousUsers(context.Background(), "g1", 7)
	if err != nil {
		t.Fatalf("SuspiciousUsers failed: %v", err)
	}
	if len(suspicious) != 1 {
		t.Fatalf("Got %d suspicious users, want 1", len(suspicious))
	}

	user := suspicious[0]
	if !flagTypes(user)[FlagExcessiveDaily] {
		t.Errorf("Expected %s flag, got %+v", FlagExcessiveDaily, user.Flags)
	}
	day := base.Format("2006-01-02")
	found := false
	for _, f := range user.Flags {
		if f.Type == FlagExcessiveDaily && f.Detail == "21.0 hours on "+day {
			found = true
		}
	}
	if !found {
		t.Errorf("Flag detail should name the 21-hour day, got %+v", user.Flags)
	}
	if user.Stats.SessionCount != 3 {
		t.Errorf("SessionCount = %d, want 3", user.Stats.SessionCount)
	}
}

func TestSuspiciousUsersAlwaysMuted(t *testing.T) {
	m, st, base := anomalyFixture(t)

	// six fully muted sessions trips the flag
	for i := 0; i < 6; i++ {
		addCompleted(t, st, "g1", models.CompletedSession{
			UserID:         "u1",
			DisplayName:    "Silent",
			TotalTime:      hoursMS(1),
			MutedTime:      hoursMS(1),
			MutePercentage: 100,
			Timestamp:      base.Add(time.Duration(i) * 3 * time.Hour).UnixMilli(),
		})
	}
	// five is the boundary and must not
	for i := 0; i < 5; i++ {
		addCompleted(t, st, "g1", models.CompletedSession{
			UserID:         "u2",
			DisplayName:    "Quiet",
			TotalTime:      hoursMS(1),
			MutedTime:      hoursMS(1),
			MutePercentage: 100,
			Timestamp:      base.Add(time.Duration(i)*3*time.Hour + time.Minute).UnixMilli(),
		})
	}

	suspicious, err := m.SuspiciousUsers(context.Background(), "g1", 7)
	if err != nil {
		t.Fatalf("SuspiciousUsers failed: %v", err)
	}
	if len(suspicious) != 1 {
		t.Fatalf("Got %d suspicious users, want 1: %+v", len(suspicious), suspicious)
	}
	if suspicious[0].UserID != "u1" {
		t.Errorf("Flagged user = %s, want u1", suspicious[0].UserID)
	}
	if !flagTypes(suspicious[0])[FlagAlwaysMuted] {
		t.Errorf("Expected %s flag, got %+v", FlagAlwaysMuted, suspicious[0].Flags)
	}
	if suspicious[0].Stats.AvgMutePercentage != 100 {
		t.Errorf("AvgMutePercentage = %d, want 100", suspicious[0].Stats.AvgMutePercentage)
	}
}

func TestSuspiciousUsersExcessiveAverage(t *testing.T) {
	m, st, base := anomalyFixture(t)

	// 34 hours over a 2-day window is a 17 h/day average, but no single
	// calendar day crosses the 20-hour daily threshold
	addCompleted(t, st, "g1", models.CompletedSession{
		UserID:      "u1",
		DisplayName: "Grinder",
		TotalTime:   hoursMS(17),
		UnmutedTime: hoursMS(17),
		Timestamp:   base.UnixMilli(),
	})
	addCompleted(t, st, "g1", models.CompletedSession{
		UserID:      "u1",
		DisplayName: "Grinder",
		TotalTime:   hoursMS(17),
		UnmutedTime: hoursMS(17),
		Timestamp:   base.Add(24 * time.Hour).UnixMilli(),
	})

	suspicious, err := m.SuspiciousUsers(context.Background(), "g1", 2)
	if err != nil {
		t.Fatalf("SuspiciousUsers failed: %v", err)
	}
	if len(suspicious) != 1 {
		t.Fatalf("Got %d suspicious users, want 1", len(suspicious))
	}
	types := flagTypes(suspicious[0])
	if !types[FlagExcessiveAverage] {
		t.Errorf("Expected %s flag, got %+v", FlagExcessiveAverage, suspicious[0].Flags)
	}
	if types[FlagExcessiveDaily] {
		t.Errorf("No single day crossed the daily threshold, got %+v", suspicious[0].Flags)
	}
}

func TestSuspiciousUsersNormalActivityNotFlagged(t *testing.T) {
	m, st, base := anomalyFixture(t)

	addCompleted(t, st, "g1", models.CompletedSession{
		UserID:         "u1",
		DisplayName:    "Regular",
		TotalTime:      hoursMS(2),
		UnmutedTime:    hoursMS(1),
		MutedTime:      hoursMS(1),
		MutePercentage: 50,
		Timestamp:      base.UnixMilli(),
	})

	suspicious, err := m.SuspiciousUsers(context.Background(), "g1", 7)
	if err != nil {
		t.Fatalf("SuspiciousUsers failed: %v", err)
	}
	if len(suspicious) != 0 {
		t.Errorf("Normal user should not be flagged: %+v", suspicious)
	}
}

func TestSuspiciousUsersEmptyGuild(t *testing.T) {
	m, _, _ := anomalyFixture(t)

	suspicious, err := m.SuspiciousUsers(context.Background(), "g1", 7)
	if err != nil {
		t.Fatalf("Empty guild must not error: %v", err)
	}
	if len(suspicious) != 0 {
		t.Errorf("Empty guild should yield an empty list, got %+v", suspicious)
	}
}
