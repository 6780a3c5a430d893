package tracker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"voicetracker/internal/models"
	"voicetracker/internal/session"
	"voicetracker/internal/store"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// fakeView is a static guild voice snapshot.
type fakeView struct {
	members []PresentMember
}

func (v *fakeView) ChannelMembers(channelID string) []PresentMember {
	var out []PresentMember
	for _, m := range v.members {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

func (v *fakeView) VoiceMembers() []PresentMember {
	return v.members
}

func testConfig() *models.ServerConfig {
	return &models.ServerConfig{
		GuildID:             "g1",
		TrackingRoleName:    "Voice Active",
		ExcludedChannelIDs:  []string{"afk"},
		MinSessionMinutes:   20,
		RejoinWindowMinutes: 20,
		AntiCheatEnabled:    true,
		MinUsersInChannel:   2,
	}
}

func newTestRouter(t *testing.T) (*Router, *session.Manager, *store.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	st.Now = clock.Now
	mgr := session.NewManager(st, nil)
	mgr.SetClock(clock.Now)
	return NewRouter(mgr, nil), mgr, st, clock
}

func present(userID, channelID string) PresentMember {
	return PresentMember{
		UserID:      userID,
		DisplayName: userID,
		ChannelID:   channelID,
		Tracked:     true,
	}
}

func joinEvent(userID, channelID string) Event {
	return Event{
		GuildID:     "g1",
		UserID:      userID,
		DisplayName: userID,
		Tracked:     true,
		New:         VoiceState{ChannelID: channelID},
	}
}

func hasActive(t *testing.T, st *store.MemoryStore, userID string) bool {
	t.Helper()
	_, err := st.Get(context.Background(), store.ActiveSessionKey("g1", userID))
	return err == nil
}

func hasPaused(t *testing.T, st *store.MemoryStore, userID string) bool {
	t.Helper()
	_, err := st.Get(context.Background(), store.PausedSessionKey("g1", userID))
	return err == nil
}

func TestJoinStartsSession(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	if err := r.HandleVoiceUpdate(context.Background(), testConfig(), view, joinEvent("u1", "general")); err != nil {
		t.Fatalf("HandleVoiceUpdate failed: %v", err)
	}
	if !hasActive(t, st, "u1") {
		t.Error("Join should start a session")
	}
}

func TestJoinBelowOccupancyFloorIgnored(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	view := &fakeView{members: []PresentMember{present("u1", "general")}}

	if err := r.HandleVoiceUpdate(context.Background(), testConfig(), view, joinEvent("u1", "general")); err != nil {
		t.Fatalf("HandleVoiceUpdate failed: %v", err)
	}
	if hasActive(t, st, "u1") {
		t.Error("Join below the occupancy floor must not start a session")
	}
}

func TestJoinWhileDeafenedIgnored(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	ev := joinEvent("u1", "general")
	ev.New.Deafened = true
	if err := r.HandleVoiceUpdate(context.Background(), testConfig(), view, ev); err != nil {
		t.Fatalf("HandleVoiceUpdate failed: %v", err)
	}
	if hasActive(t, st, "u1") {
		t.Error("Deafened join must not start a session")
	}
}

func TestJoinExcludedChannelIgnored(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	view := &fakeView{members: []PresentMember{present("u1", "afk"), present("u2", "afk")}}

	if err := r.HandleVoiceUpdate(context.Background(), testConfig(), view, joinEvent("u1", "afk")); err != nil {
		t.Fatalf("HandleVoiceUpdate failed: %v", err)
	}
	if hasActive(t, st, "u1") {
		t.Error("Join into an excluded channel must not start a session")
	}
}

func TestBotsAndUntrackedIgnored(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	ev := joinEvent("u1", "general")
	ev.Bot = true
	if err := r.HandleVoiceUpdate(context.Background(), testConfig(), view, ev); err != nil {
		t.Fatalf("HandleVoiceUpdate failed: %v", err)
	}

	ev = joinEvent("u2", "general")
	ev.Tracked = false
	if err := r.HandleVoiceUpdate(context.Background(), testConfig(), view, ev); err != nil {
		t.Fatalf("HandleVoiceUpdate failed: %v", err)
	}

	if hasActive(t, st, "u1") || hasActive(t, st, "u2") {
		t.Error("Bots and members without the tracking role must be ignored")
	}
}

func TestLeaveEndsSession(t *testing.T) {
	r, _, st, clock := newTestRouter(t)
	ctx := context.Background()
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, joinEvent("u1", "general")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	clock.Advance(25 * time.Minute)

	leave := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "general"},
	}
	view.members = []PresentMember{present("u2", "general"), present("u3", "general")}
	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, leave); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	if hasActive(t, st, "u1") {
		t.Error("Leave should end the session")
	}
	count, _ := st.ZCard(ctx, store.CompletedSessionsKey("g1"))
	if count != 1 {
		t.Errorf("Expected one completed session, got %d", count)
	}
}

func TestMoveToExcludedEndsSession(t *testing.T) {
	r, _, st, clock := newTestRouter(t)
	ctx := context.Background()
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, joinEvent("u1", "general")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	clock.Advance(5 * time.Minute)

	move := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "general"},
		New: VoiceState{ChannelID: "afk"},
	}
	view.members = []PresentMember{present("u1", "afk"), present("u2", "general"), present("u3", "general")}
	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, move); err != nil {
		t.Fatalf("Move failed: %v", err)
	}

	if hasActive(t, st, "u1") {
		t.Error("Moving to an excluded channel should end the session")
	}
	// 5 minutes is sub-minimum, so it lands in pending
	if _, err := st.Get(ctx, store.PendingSessionKey("g1", "u1")); err != nil {
		t.Errorf("Sub-minimum session should be pending: %v", err)
	}
}

func TestMoveFromExcludedStartsSession(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	move := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "afk"},
		New: VoiceState{ChannelID: "general"},
	}
	if err := r.HandleVoiceUpdate(context.Background(), testConfig(), view, move); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if !hasActive(t, st, "u1") {
		t.Error("Moving from excluded to tracked should start a session")
	}
}

func TestDeafenPausesAndUndeafenResumes(t *testing.T) {
	r, _, st, clock := newTestRouter(t)
	ctx := context.Background()
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, joinEvent("u1", "general")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	clock.Advance(10 * time.Minute)

	deafen := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "general"},
		New: VoiceState{ChannelID: "general", Deafened: true},
	}
	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, deafen); err != nil {
		t.Fatalf("Deafen failed: %v", err)
	}
	if hasActive(t, st, "u1") || !hasPaused(t, st, "u1") {
		t.Fatal("Deafen should pause the session")
	}

	clock.Advance(10 * time.Minute)
	undeafen := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "general", Deafened: true},
		New: VoiceState{ChannelID: "general"},
	}
	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, undeafen); err != nil {
		t.Fatalf("Undeafen failed: %v", err)
	}
	if !hasActive(t, st, "u1") || hasPaused(t, st, "u1") {
		t.Fatal("Undeafen should resume the session")
	}
}

func TestUndeafenBelowOccupancyStaysPaused(t *testing.T) {
	r, _, st, _ := newTestRouter(t)
	ctx := context.Background()
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, joinEvent("u1", "general")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	deafen := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "general"},
		New: VoiceState{ChannelID: "general", Deafened: true},
	}
	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, deafen); err != nil {
		t.Fatalf("Deafen failed: %v", err)
	}

	// everyone else left while the user was deafened
	view.members = []PresentMember{{UserID: "u1", DisplayName: "u1", ChannelID: "general", Tracked: true, Deafened: true}}
	undeafen := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "general", Deafened: true},
		New: VoiceState{ChannelID: "general"},
	}
	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, undeafen); err != nil {
		t.Fatalf("Undeafen failed: %v", err)
	}
	if !hasPaused(t, st, "u1") {
		t.Error("Undeafen below the occupancy floor should leave the session paused")
	}
}

func TestMuteToggleUpdatesAccounting(t *testing.T) {
	r, _, st, clock := newTestRouter(t)
	ctx := context.Background()
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, joinEvent("u1", "general")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	clock.Advance(10 * time.Minute)

	mute := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "general"},
		New: VoiceState{ChannelID: "general", SelfMute: true},
	}
	if err := r.HandleVoiceUpdate(ctx, testConfig(), view, mute); err != nil {
		t.Fatalf("Mute toggle failed: %v", err)
	}

	raw, err := st.Get(ctx, store.ActiveSessionKey("g1", "u1"))
	if err != nil {
		t.Fatalf("Active session missing: %v", err)
	}
	var sess models.VoiceSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		t.Fatalf("Failed to decode session: %v", err)
	}
	if !sess.IsMuted {
		t.Error("Session should be marked muted")
	}
	if want := (10 * time.Minute).Milliseconds(); sess.UnmutedTime != want {
		t.Errorf("UnmutedTime = %d, want %d", sess.UnmutedTime, want)
	}
}

func TestOccupancyCascadeForceEndsRemainingSessions(t *testing.T) {
	r, _, st, clock := newTestRouter(t)
	ctx := context.Background()
	cfg := testConfig()
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general")}}

	for _, u := range []string{"u1", "u2"} {
		if err := r.HandleVoiceUpdate(ctx, cfg, view, joinEvent(u, "general")); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	clock.Advance(25 * time.Minute)

	// u1 leaves; snapshot reflects post-leave membership
	view.members = []PresentMember{present("u2", "general")}
	leave := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "general"},
	}
	if err := r.HandleVoiceUpdate(ctx, cfg, view, leave); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	if hasActive(t, st, "u2") {
		t.Error("Remaining member's session should be force-ended by the occupancy cascade")
	}
	count, _ := st.ZCard(ctx, store.CompletedSessionsKey("g1"))
	if count != 2 {
		t.Errorf("Both sessions should complete, got %d records", count)
	}
}

func TestRejoinReclaimsCompletedSession(t *testing.T) {
	r, _, st, clock := newTestRouter(t)
	ctx := context.Background()
	cfg := testConfig()
	view := &fakeView{members: []PresentMember{present("u1", "general"), present("u2", "general"), present("u3", "general")}}

	if err := r.HandleVoiceUpdate(ctx, cfg, view, joinEvent("u1", "general")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	clock.Advance(25 * time.Minute)

	view.members = []PresentMember{present("u2", "general"), present("u3", "general")}
	leave := Event{
		GuildID: "g1", UserID: "u1", DisplayName: "u1", Tracked: true,
		Old: VoiceState{ChannelID: "general"},
	}
	if err := r.HandleVoiceUpdate(ctx, cfg, view, leave); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	// rejoin within the window reclaims the completed record
	clock.Advance(5 * time.Minute)
	view.members = []PresentMember{present("u1", "general"), present("u2", "general"), present("u3", "general")}
	if err := r.HandleVoiceUpdate(ctx, cfg, view, joinEvent("u1", "general")); err != nil {
		t.Fatalf("Rejoin failed: %v", err)
	}

	count, _ := st.ZCard(ctx, store.CompletedSessionsKey("g1"))
	if count != 0 {
		t.Errorf("Reclaim should remove the completed record, got %d", count)
	}
	raw, err := st.Get(ctx, store.ActiveSessionKey("g1", "u1"))
	if err != nil {
		t.Fatalf("Reclaimed active session missing: %v", err)
	}
	var sess models.VoiceSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		t.Fatalf("Failed to decode session: %v", err)
	}
	if want := (25 * time.Minute).Milliseconds(); sess.TotalTime != want {
		t.Errorf("Reclaimed TotalTime = %d, want %d", sess.TotalTime, want)
	}
}
