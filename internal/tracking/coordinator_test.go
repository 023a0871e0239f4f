package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/model"
	"bustrack/internal/registry"
	"bustrack/internal/throttle"
)

type sent struct {
	target string
	event  string
	data   any
}

type fakeGateway struct {
	mu        sync.Mutex
	joins     []sent
	leaves    []sent
	published []sent
	replies   []sent
}

func (g *fakeGateway) Join(connID, group string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.joins = append(g.joins, sent{target: connID, event: group})
}

func (g *fakeGateway) Leave(connID, group string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaves = append(g.leaves, sent{target: connID, event: group})
}

func (g *fakeGateway) Publish(group, event string, payload any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.published = append(g.published, sent{target: group, event: event, data: payload})
}

func (g *fakeGateway) Send(connID, event string, payload any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, sent{target: connID, event: event, data: payload})
}

func (g *fakeGateway) lastReply(t *testing.T) sent {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.replies)
	return g.replies[len(g.replies)-1]
}

func (g *fakeGateway) publishedOf(event string) []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sent
	for _, p := range g.published {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

type fakeCache struct {
	buses map[int]*model.CachedBusInfo
	err   error
}

func (f *fakeCache) Get(_ context.Context, busID int) (*model.CachedBusInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.buses[busID], nil
}

type fakeSubmitter struct {
	mu   sync.Mutex
	recs []model.PositionRecord
}

func (s *fakeSubmitter) Submit(rec model.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

type fakeMirror struct{ events []string }

func (m *fakeMirror) Mirror(_ int, event string, _ any) { m.events = append(m.events, event) }

var (
	driver = model.Identity{UserID: 5, Role: model.RoleDriver}
	rider  = model.Identity{UserID: 6, Role: model.RoleUser}
	t0     = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
)

type harness struct {
	c      *Coordinator
	gw     *fakeGateway
	cache  *fakeCache
	store  *fakeSubmitter
	mirror *fakeMirror
	reg    *registry.Registry
	now    time.Time
}

func newHarness(t *testing.T, stops ...model.RouteStop) *harness {
	t.Helper()
	routeID := 9
	routeName := "Harbour"
	th, err := throttle.New(throttle.DefaultCooldown, throttle.DefaultCleanup)
	require.NoError(t, err)

	h := &harness{
		gw:     &fakeGateway{},
		store:  &fakeSubmitter{},
		mirror: &fakeMirror{},
		reg:    registry.New(),
		now:    t0,
		cache: &fakeCache{buses: map[int]*model.CachedBusInfo{
			1: {BusID: 1, BusNumber: "101", RouteID: &routeID, RouteName: &routeName, Stops: stops},
			2: {BusID: 2, BusNumber: "202"},
		}},
	}
	h.c = NewCoordinator(Deps{
		Registry: h.reg,
		Cache:    h.cache,
		Throttle: th,
		Gateway:  h.gw,
		Persist:  h.store,
		Mirror:   h.mirror,
		Now:      func() time.Time { return h.now },
	})
	return h
}

func errorCode(t *testing.T, s sent) Code {
	t.Helper()
	require.Equal(t, EventError, s.event)
	e, ok := s.data.(*Error)
	require.True(t, ok)
	return e.Code
}

func TestGoOnline_RejectsNonDriver(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", rider, 1)

	assert.Equal(t, CodeNotDriver, errorCode(t, h.gw.lastReply(t)))
	assert.Equal(t, 0, h.c.OnlineDrivers())
	assert.Empty(t, h.gw.joins)
}

func TestGoOnline_ClaimsAndJoinsBusGroup(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 1)

	reply := h.gw.lastReply(t)
	assert.Equal(t, EventOnlineSucceeded, reply.event)
	assert.Equal(t, OnlineSucceeded{Success: true, BusID: 1}, reply.data)
	assert.Equal(t, []sent{{target: "c1", event: "bus-1"}}, h.gw.joins)
	assert.Equal(t, 1, h.c.OnlineDrivers())
}

func TestGoOnline_AdminMayDrive(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", model.Identity{UserID: 1, Role: model.RoleAdmin}, 1)
	assert.Equal(t, EventOnlineSucceeded, h.gw.lastReply(t).event)
}

func TestGoOnline_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 1)
	h.c.GoOnline("c1", driver, 1)

	assert.Equal(t, EventOnlineSucceeded, h.gw.lastReply(t).event)
	assert.Len(t, h.gw.joins, 1, "no duplicate subscription")
	assert.Equal(t, 1, h.c.OnlineDrivers())
}

func TestGoOnline_BusClaimedByOther(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 1)
	h.c.GoOnline("c2", driver, 2)
	h.c.GoOnline("c2", driver, 1)

	assert.Equal(t, CodeBusAlreadyClaimed, errorCode(t, h.gw.lastReply(t)))
	bus, ok := h.reg.BusClaimedBy("c2")
	require.True(t, ok)
	assert.Equal(t, 2, bus)
	holder, _ := h.reg.ConnectionFor(1)
	assert.Equal(t, "c1", holder)
}

func TestGoOnline_SwitchingBusLeavesOldGroup(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 1)
	h.c.GoOnline("c1", driver, 2)

	assert.Equal(t, []sent{{target: "c1", event: "bus-1"}}, h.gw.leaves)
	_, held := h.reg.ConnectionFor(1)
	assert.False(t, held)
}

func TestGoOffline(t *testing.T) {
	h := newHarness(t)
	h.c.GoOffline("c1")
	assert.Equal(t, EventOfflineSucceeded, h.gw.lastReply(t).event)
	assert.Empty(t, h.gw.leaves)

	h.c.GoOnline("c1", driver, 1)
	h.c.GoOffline("c1")
	assert.Equal(t, EventOfflineSucceeded, h.gw.lastReply(t).event)
	assert.Equal(t, []sent{{target: "c1", event: "bus-1"}}, h.gw.leaves)
	assert.Equal(t, 0, h.c.OnlineDrivers())
}

func TestOnDisconnect_ReleasesClaim(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 1)
	h.c.OnDisconnect("c1")
	assert.Equal(t, 0, h.c.OnlineDrivers())

	h.c.GoOnline("c2", driver, 1)
	assert.Equal(t, EventOnlineSucceeded, h.gw.lastReply(t).event)
}

func TestSendPositionUpdate_NotOnline(t *testing.T) {
	h := newHarness(t)
	h.c.SendPositionUpdate(context.Background(), "c1", GpsUpdate{Latitude: 1, Longitude: 1})

	assert.Equal(t, CodeNotOnline, errorCode(t, h.gw.lastReply(t)))
	assert.Empty(t, h.gw.published)
	assert.Empty(t, h.store.recs)
}

func TestSendPositionUpdate_NotOnlineWinsOverInvalidPayload(t *testing.T) {
	h := newHarness(t)
	bad := -5.0
	cases := []GpsUpdate{
		{Latitude: 91, Longitude: 0},
		{Latitude: 0, Longitude: 181},
		{Latitude: 0, Longitude: 0, Speed: &bad},
	}
	for _, u := range cases {
		h.c.SendPositionUpdate(context.Background(), "c1", u)
		assert.Equal(t, CodeNotOnline, errorCode(t, h.gw.lastReply(t)))
	}
	assert.Empty(t, h.gw.published)
}

func TestBusOnline_FollowsClaims(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.c.BusOnline(1))

	h.c.GoOnline("c1", driver, 1)
	assert.True(t, h.c.BusOnline(1))
	assert.False(t, h.c.BusOnline(2))

	h.c.GoOffline("c1")
	assert.False(t, h.c.BusOnline(1))
}

func TestSendPositionUpdate_BusNotFoundKeepsClaim(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 77)
	h.c.SendPositionUpdate(context.Background(), "c1", GpsUpdate{Latitude: 1, Longitude: 1})

	assert.Equal(t, CodeBusNotFound, errorCode(t, h.gw.lastReply(t)))
	bus, ok := h.reg.BusClaimedBy("c1")
	require.True(t, ok)
	assert.Equal(t, 77, bus)
	assert.Empty(t, h.gw.published)
}

func TestSendPositionUpdate_LookupErrorIsInternal(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 1)
	h.cache.err = errors.New("db down")
	h.c.SendPositionUpdate(context.Background(), "c1", GpsUpdate{Latitude: 1, Longitude: 1})

	assert.Equal(t, CodeInternal, errorCode(t, h.gw.lastReply(t)))
	assert.Empty(t, h.store.recs)
}

func TestSendPositionUpdate_InvalidCoordinates(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 1)
	bad := -5.0
	cases := []GpsUpdate{
		{Latitude: 91, Longitude: 0},
		{Latitude: 0, Longitude: -181},
		{Latitude: 0, Longitude: 0, Speed: &bad},
		{Latitude: 0, Longitude: 0, Heading: &bad},
	}
	for _, u := range cases {
		h.c.SendPositionUpdate(context.Background(), "c1", u)
		assert.Equal(t, CodeInvalidMessage, errorCode(t, h.gw.lastReply(t)))
	}
	assert.Empty(t, h.gw.published)
}

func TestSendPositionUpdate_BroadcastsAndPersists(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 1)
	speed, heading := 32.5, 180.0
	h.c.SendPositionUpdate(context.Background(), "c1", GpsUpdate{Latitude: 55.1, Longitude: 12.2, Speed: &speed, Heading: &heading})

	pubs := h.gw.publishedOf(EventBusPositionUpdated)
	require.Len(t, pubs, 2)
	groups := []string{pubs[0].target, pubs[1].target}
	assert.ElementsMatch(t, []string{"subscribers-bus-1", "subscribers-all"}, groups)

	dto, ok := pubs[0].data.(BusPositionUpdated)
	require.True(t, ok)
	assert.Equal(t, 1, dto.BusID)
	assert.Equal(t, "101", dto.BusNumber)
	require.NotNil(t, dto.RouteID)
	assert.Equal(t, 9, *dto.RouteID)
	assert.Equal(t, "Harbour", *dto.RouteName)
	assert.Equal(t, 55.1, dto.Latitude)
	assert.Equal(t, &speed, dto.Speed)
	assert.Equal(t, t0, dto.Timestamp)

	require.Len(t, h.store.recs, 1)
	assert.Equal(t, 1, h.store.recs[0].BusID)
	assert.Equal(t, 12.2, h.store.recs[0].Longitude)
	assert.Equal(t, []string{EventBusPositionUpdated}, h.mirror.events)
}

func TestSendPositionUpdate_NoStopsNoNotification(t *testing.T) {
	h := newHarness(t)
	h.c.GoOnline("c1", driver, 2)
	h.c.SendPositionUpdate(context.Background(), "c1", GpsUpdate{Latitude: 0, Longitude: 0})
	assert.Len(t, h.gw.publishedOf(EventBusPositionUpdated), 2)
	assert.Empty(t, h.gw.publishedOf(EventNextStopApproaching))
}

func TestProximityNotification_Cooldown(t *testing.T) {
	h := newHarness(t, model.RouteStop{StopID: 11, Name: "Square", Latitude: 0, Longitude: 0, Order: 1})
	h.c.GoOnline("c1", driver, 1)
	near := GpsUpdate{Latitude: 0.0003, Longitude: 0}

	h.c.SendPositionUpdate(context.Background(), "c1", near)
	h.now = t0.Add(5 * time.Second)
	h.c.SendPositionUpdate(context.Background(), "c1", near)

	notes := h.gw.publishedOf(EventNextStopApproaching)
	require.Len(t, notes, 2, "one event fanned out to two groups")
	n := notes[0].data.(NextStopApproaching)
	assert.Equal(t, 11, n.StopID)
	assert.Equal(t, "Square", n.StopName)
	assert.Equal(t, "101", n.BusNumber)
	assert.InDelta(t, 33.4, n.DistanceMeters, 0.5)
	assert.Equal(t, 5, n.EstimatedSeconds)

	h.now = t0.Add(31 * time.Second)
	h.c.SendPositionUpdate(context.Background(), "c1", near)
	assert.Len(t, h.gw.publishedOf(EventNextStopApproaching), 4)
}

func TestProximityNotification_OnePerUpdateInStopOrder(t *testing.T) {
	h := newHarness(t,
		model.RouteStop{StopID: 11, Name: "A", Latitude: 0, Longitude: 0, Order: 1},
		model.RouteStop{StopID: 12, Name: "B", Latitude: 0.0005, Longitude: 0, Order: 2},
		model.RouteStop{StopID: 13, Name: "Far", Latitude: 0.01, Longitude: 0, Order: 3},
	)
	h.c.GoOnline("c1", driver, 1)
	pos := GpsUpdate{Latitude: 0.0002, Longitude: 0}

	stopIDs := func() []int {
		var ids []int
		for _, p := range h.gw.publishedOf(EventNextStopApproaching) {
			if p.target == GroupSubscribersAll {
				ids = append(ids, p.data.(NextStopApproaching).StopID)
			}
		}
		return ids
	}

	h.c.SendPositionUpdate(context.Background(), "c1", pos)
	assert.Equal(t, []int{11}, stopIDs())

	h.now = t0.Add(5 * time.Second)
	h.c.SendPositionUpdate(context.Background(), "c1", pos)
	assert.Equal(t, []int{11, 12}, stopIDs())

	h.now = t0.Add(10 * time.Second)
	h.c.SendPositionUpdate(context.Background(), "c1", pos)
	assert.Equal(t, []int{11, 12}, stopIDs())
}

func TestSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.c.SubscribeToBus("s1", 4)
	h.c.SubscribeToAll("s1")
	h.c.UnsubscribeFromBus("s1", 4)
	h.c.UnsubscribeFromAll("s1")

	assert.Equal(t, []sent{{target: "s1", event: "subscribers-bus-4"}, {target: "s1", event: "subscribers-all"}}, h.gw.joins)
	assert.Equal(t, []sent{{target: "s1", event: "subscribers-bus-4"}, {target: "s1", event: "subscribers-all"}}, h.gw.leaves)
	assert.Empty(t, h.gw.replies)
	assert.Equal(t, 0, h.c.OnlineDrivers())
}

func TestHandle_Dispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.Handle(ctx, "c1", driver, OpGoOnline, json.RawMessage(`{"busId":1}`)))
	assert.Equal(t, EventOnlineSucceeded, h.gw.lastReply(t).event)

	require.NoError(t, h.c.Handle(ctx, "c1", driver, OpSendGpsUpdate, json.RawMessage(`{"latitude":1.5,"longitude":2.5,"speed":10}`)))
	assert.Len(t, h.gw.publishedOf(EventBusPositionUpdated), 2)

	require.NoError(t, h.c.Handle(ctx, "c1", driver, OpGoOffline, nil))
	assert.Equal(t, EventOfflineSucceeded, h.gw.lastReply(t).event)

	require.NoError(t, h.c.Handle(ctx, "s1", rider, OpSubscribeToAllBuses, nil))
	require.NoError(t, h.c.Handle(ctx, "s1", rider, OpSubscribeToBus, json.RawMessage(`{"busId":3}`)))
	assert.Len(t, h.gw.joins, 3)
}

func TestHandle_InvalidFrames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []struct {
		op   string
		data string
	}{
		{"Teleport", `{}`},
		{OpGoOnline, `{"busId":"x"}`},
		{OpGoOnline, `{"busId":0}`},
		{OpGoOnline, ``},
		{OpSendGpsUpdate, `not json`},
		{OpSubscribeToBus, `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.op+tc.data, func(t *testing.T) {
			require.NoError(t, h.c.Handle(ctx, "c1", driver, tc.op, json.RawMessage(tc.data)))
			assert.Equal(t, CodeInvalidMessage, errorCode(t, h.gw.lastReply(t)))
		})
	}
	assert.Equal(t, 0, h.c.OnlineDrivers())
}

func TestErrorPayloadShape(t *testing.T) {
	b, err := json.Marshal(errNotOnline())
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"NOT_ONLINE","message":"go online with a bus before sending GPS updates"}`, string(b))
}
