package matcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/homeward-matching/internal/clock"
	"github.com/example/homeward-matching/internal/geo"
	"github.com/example/homeward-matching/internal/models"
	"github.com/example/homeward-matching/internal/pricing"
	"github.com/example/homeward-matching/internal/session"
	"github.com/example/homeward-matching/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureDispatch struct {
	mu     sync.Mutex
	offers []models.MatchOffer
}

func (c *captureDispatch) Offer(_ string, offer models.MatchOffer) error {
	c.mu.Lock()
	c.offers = append(c.offers, offer)
	c.mu.Unlock()
	return nil
}

type capturePublisher struct {
	mu   sync.Mutex
	recs []*models.MatchRecord
}

func (c *capturePublisher) PublishMatch(_ context.Context, rec *models.MatchRecord) error {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	return nil
}

type rankerFixture struct {
	ranker   *Ranker
	store    *storage.MemoryStore
	pool     *MemoryRidePool
	drivers  *geo.Index
	manager  *session.Manager
	clock    *clock.Fake
	dispatch *captureDispatch
	events   *capturePublisher
}

func newRankerFixture(t *testing.T) *rankerFixture {
	t.Helper()
	f := &rankerFixture{
		store:    storage.NewMemoryStore(),
		pool:     NewMemoryRidePool(),
		drivers:  geo.NewIndex(),
		clock:    clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		dispatch: &captureDispatch{},
		events:   &capturePublisher{},
	}
	f.manager = &session.Manager{
		Sessions:     f.store,
		Usage:        f.store,
		Drivers:      f.drivers,
		Restrictions: session.NewMemoryRestrictions(),
		Homes:        session.NewMemoryHomes(),
		Clock:        f.clock,
		Logger:       testLogger(),
		Config:       session.DefaultConfig(),
	}
	f.ranker = &Ranker{
		Sessions:          f.store,
		Matches:           f.store,
		Rides:             f.pool,
		Drivers:           f.drivers,
		Manager:           f.manager,
		Clock:             f.clock,
		Logger:            testLogger(),
		Pricing:           pricing.DefaultConfig(),
		Weights:           pricing.WeightsForTier(pricing.TierStandard),
		MaxAngleDeviation: 30,
		Dispatch:          f.dispatch,
		Events:            f.events,
	}
	return f
}

func (f *rankerFixture) activate(t *testing.T, driverID string, loc models.Coord, windowMinutes int) *models.HomewardSession {
	t.Helper()
	if err := f.drivers.Upsert(context.Background(), models.Driver{ID: driverID, Loc: loc, Online: true}); err != nil {
		t.Fatalf("upsert driver: %v", err)
	}
	dest := models.Destination{Coord: models.Coord{Lat: 1, Lon: 0}, Address: "home"}
	s, err := f.manager.Activate(context.Background(), driverID, dest, windowMinutes, 0)
	if err != nil {
		t.Fatalf("activate %s: %v", driverID, err)
	}
	return s
}

func TestFindCompatibleRidesRanksByTotalScore(t *testing.T) {
	f := newRankerFixture(t)
	s := f.activate(t, "d1", models.Coord{Lat: 0, Lon: 0}, 0)

	f.pool.Add(
		// directly on the route and close by
		models.RideCandidate{ID: "near", Pickup: models.Coord{Lat: 0.05, Lon: 0}, Dropoff: models.Coord{Lat: 0.4, Lon: 0}, EstimatedFareCents: 1500},
		// on route but a long drive to the pickup
		models.RideCandidate{ID: "far", Pickup: models.Coord{Lat: 0.5, Lon: 0}, Dropoff: models.Coord{Lat: 0.8, Lon: 0}, EstimatedFareCents: 1500},
		// heading the opposite way
		models.RideCandidate{ID: "wrong-way", Pickup: models.Coord{Lat: -0.3, Lon: 0}, Dropoff: models.Coord{Lat: -0.8, Lon: 0}, EstimatedFareCents: 5000},
	)

	got, err := f.ranker.FindCompatibleRides(context.Background(), s)
	if err != nil {
		t.Fatalf("find rides: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("compatible rides = %d, want 2 (wrong-way excluded)", len(got))
	}
	if got[0].RideID != "near" || got[1].RideID != "far" {
		t.Fatalf("ranking = %s, %s; want near, far", got[0].RideID, got[1].RideID)
	}
	if got[0].TotalScore <= got[1].TotalScore {
		t.Fatalf("scores not descending: %f then %f", got[0].TotalScore, got[1].TotalScore)
	}
	if got[0].PremiumCents <= 0 {
		t.Fatal("compatible ride should carry a premium quote")
	}
	if got[0].EstimatedArrivalMinutes <= 0 {
		t.Fatal("compatible ride should carry an arrival estimate")
	}
}

func TestFindCompatibleRidesRequiresActiveSession(t *testing.T) {
	f := newRankerFixture(t)

	if _, err := f.ranker.FindCompatibleRides(context.Background(), nil); err == nil {
		t.Fatal("nil session should error")
	}
	stale := &models.HomewardSession{Status: models.SessionExpired}
	if _, err := f.ranker.FindCompatibleRides(context.Background(), stale); err == nil {
		t.Fatal("expired session should error")
	}
}

func TestFindSessionsForRideOrdersByArrival(t *testing.T) {
	f := newRankerFixture(t)
	f.activate(t, "far-driver", models.Coord{Lat: 0, Lon: 0}, 0)
	f.activate(t, "near-driver", models.Coord{Lat: 0.3, Lon: 0}, 0)

	got, err := f.ranker.FindSessionsForRide(context.Background(),
		models.Coord{Lat: 0.4, Lon: 0}, models.Coord{Lat: 0.7, Lon: 0}, 2000)
	if err != nil {
		t.Fatalf("find sessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("matched sessions = %d, want 2", len(got))
	}
	if got[0].Session.DriverID != "near-driver" {
		t.Fatalf("first match driver = %s, want near-driver", got[0].Session.DriverID)
	}
	if got[0].Result.EstimatedArrivalMinutes >= got[1].Result.EstimatedArrivalMinutes {
		t.Fatalf("arrival estimates not ascending: %d then %d",
			got[0].Result.EstimatedArrivalMinutes, got[1].Result.EstimatedArrivalMinutes)
	}
}

func TestFindSessionsForRideLazilyExpiresStaleSessions(t *testing.T) {
	f := newRankerFixture(t)
	short := f.activate(t, "short-window", models.Coord{Lat: 0.3, Lon: 0}, 15)
	f.activate(t, "long-window", models.Coord{Lat: 0, Lon: 0}, 120)

	f.clock.Advance(20 * time.Minute)
	got, err := f.ranker.FindSessionsForRide(context.Background(),
		models.Coord{Lat: 0.4, Lon: 0}, models.Coord{Lat: 0.7, Lon: 0}, 2000)
	if err != nil {
		t.Fatalf("find sessions: %v", err)
	}
	if len(got) != 1 || got[0].Session.DriverID != "long-window" {
		t.Fatalf("expected only the long-window session, got %d matches", len(got))
	}
	stored, ok := f.store.GetSession(short.ID)
	if !ok || stored.Status != models.SessionExpired {
		t.Fatalf("short-window session status = %v, want expired", stored)
	}
}

func TestFindSessionsForRideValidatesCoordinates(t *testing.T) {
	f := newRankerFixture(t)
	_, err := f.ranker.FindSessionsForRide(context.Background(),
		models.Coord{Lat: 99, Lon: 0}, models.Coord{Lat: 0, Lon: 0}, 2000)
	if err == nil {
		t.Fatal("invalid pickup should error")
	}
}

func TestRecordMatchPersistsAcceptedCandidate(t *testing.T) {
	f := newRankerFixture(t)
	s := f.activate(t, "d1", models.Coord{Lat: 0, Lon: 0}, 0)
	f.pool.Add(models.RideCandidate{
		ID:                 "r1",
		Pickup:             models.Coord{Lat: 0.05, Lon: 0},
		Dropoff:            models.Coord{Lat: 0.4, Lon: 0},
		EstimatedFareCents: 2000,
	})

	results, err := f.ranker.FindCompatibleRides(context.Background(), s)
	if err != nil || len(results) != 1 {
		t.Fatalf("find rides: %v (%d results)", err, len(results))
	}
	res := results[0]

	rec, err := f.ranker.RecordMatch(context.Background(), s.ID, "r1", res, true)
	if err != nil {
		t.Fatalf("record match: %v", err)
	}
	if rec == nil || !rec.Accepted {
		t.Fatalf("record = %+v, want accepted", rec)
	}
	if rec.DriverShareCents+rec.PlatformShareCents != rec.PremiumCents {
		t.Fatal("match record shares do not sum to the premium")
	}

	stored, ok := f.store.GetMatch(rec.ID)
	if !ok || stored.RideID != "r1" {
		t.Fatalf("match not persisted: %v", stored)
	}
	sess, _ := f.store.GetSession(s.ID)
	if sess.RidesCompleted != 1 {
		t.Fatalf("session rides completed = %d, want 1", sess.RidesCompleted)
	}
	if sess.PremiumEarningsCents != rec.DriverShareCents {
		t.Fatalf("session earnings = %d, want %d", sess.PremiumEarningsCents, rec.DriverShareCents)
	}
	if premium, ok := f.pool.MatchedPremium("r1"); !ok || premium != rec.PremiumCents {
		t.Fatalf("ride not marked matched with premium %d", rec.PremiumCents)
	}
	if len(f.events.recs) != 1 {
		t.Fatalf("published events = %d, want 1", len(f.events.recs))
	}
	if len(f.dispatch.offers) != 1 || f.dispatch.offers[0].DriverID != "d1" {
		t.Fatalf("dispatched offers = %+v, want one for d1", f.dispatch.offers)
	}
}

func TestRecordMatchDeclinedIsNoOp(t *testing.T) {
	f := newRankerFixture(t)
	s := f.activate(t, "d1", models.Coord{Lat: 0, Lon: 0}, 0)
	f.pool.Add(models.RideCandidate{
		ID:                 "r1",
		Pickup:             models.Coord{Lat: 0.05, Lon: 0},
		Dropoff:            models.Coord{Lat: 0.4, Lon: 0},
		EstimatedFareCents: 2000,
	})
	results, err := f.ranker.FindCompatibleRides(context.Background(), s)
	if err != nil || len(results) != 1 {
		t.Fatalf("find rides: %v", err)
	}

	rec, err := f.ranker.RecordMatch(context.Background(), s.ID, "r1", results[0], false)
	if err != nil || rec != nil {
		t.Fatalf("declined match = %+v, %v; want nil, nil", rec, err)
	}
	if _, ok := f.pool.MatchedPremium("r1"); ok {
		t.Fatal("declined ride must stay pending")
	}
	sess, _ := f.store.GetSession(s.ID)
	if sess.RidesCompleted != 0 || sess.PremiumEarningsCents != 0 {
		t.Fatal("declined match must not touch session stats")
	}
}

func TestRecordMatchRejectsIncompatibleResult(t *testing.T) {
	f := newRankerFixture(t)
	_, err := f.ranker.RecordMatch(context.Background(), "s1", "r1",
		models.CompatibilityResult{IsCompatible: false}, true)
	if err == nil {
		t.Fatal("accepting an incompatible result should error")
	}
}
