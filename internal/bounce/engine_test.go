package bounce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
)

type pagedSource struct {
	events []models.BounceEvent
	calls  int
	err    error
}

func (p *pagedSource) FetchBounceEvents(_ context.Context, _ string, offset, limit int) ([]models.BounceEvent, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if offset >= len(p.events) {
		return nil, nil
	}
	end := min(offset+limit, len(p.events))
	return p.events[offset:end], nil
}

type recordingLists struct {
	mu         sync.Mutex
	removed    []string
	suppressed []string
	failList   string
}

func (r *recordingLists) RemoveFromList(_ context.Context, listID, contactID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if listID == r.failList {
		return errors.New("provider 429")
	}
	r.removed = append(r.removed, listID+"/"+contactID)
	return nil
}

func (r *recordingLists) AddToSuppressionList(_ context.Context, contactID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed = append(r.suppressed, contactID)
	return nil
}

type memStore struct {
	records map[string]models.SuppressedContact
	err     error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]models.SuppressedContact)}
}

func (m *memStore) GetSuppression(_ context.Context, id string) (models.SuppressedContact, bool, error) {
	if m.err != nil {
		return models.SuppressedContact{}, false, m.err
	}
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *memStore) UpsertSuppression(_ context.Context, u models.SuppressionUpsert) (models.SuppressedContact, error) {
	rec, ok := m.records[u.ContactID]
	if !ok {
		rec = models.SuppressedContact{ContactID: u.ContactID, FirstBounceAt: u.BouncedAt}
	}
	rec.BounceCount++
	rec.LastBounceAt = u.BouncedAt
	rec.LastReason = u.Reason
	rec.SourceRoundID = u.SourceRoundID
	rec.SourceCampaign = u.SourceCampaign
	switch {
	case u.Suppress && u.IsPermanent:
		if !rec.Suppressed() {
			at := u.BouncedAt
			rec.SuppressedAt = &at
		}
		rec.Type = u.Type
		rec.IsPermanent = true
		rec.RevalidateAt = nil
	case u.Suppress && !rec.Suppressed():
		at := u.BouncedAt
		rec.SuppressedAt = &at
		rec.Type = u.Type
		rec.IsPermanent = u.IsPermanent
		rec.RevalidateAt = u.RevalidateAt
	}
	if !ok && !u.Suppress {
		rec.Type = u.Type
	}
	m.records[u.ContactID] = rec
	return rec, nil
}

func (m *memStore) seed(id string, count int) {
	m.records[id] = models.SuppressedContact{
		ContactID:     id,
		Type:          models.SoftBounce,
		BounceCount:   count,
		FirstBounceAt: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		LastBounceAt:  time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		SourceRoundID: "older-round",
	}
}

var bouncedAt = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

func testEngine(src EventSource, lists ListMutator, store SuppressionStore) *Engine {
	cfg := config.Config{BouncePageSize: 2, SoftBounceSuppressAfter: 2, SoftRevalidateAfter: 180 * 24 * time.Hour, HighBounceRate: 0.05}
	e := NewEngine(cfg, nil, src, lists, store, nil)
	e.now = func() time.Time { return bouncedAt }
	return e
}

func testInput() RunInput {
	return RunInput{RoundID: "r1", CampaignName: "spring", ProviderCampaignID: "pc-1", ListID: "list-1", MasterListID: "master", NominalSize: 1000}
}

func soft(id string) models.BounceEvent {
	return models.BounceEvent{ContactID: id, Reason: "mailbox full", OccurredAt: bouncedAt}
}

func TestClassify(t *testing.T) {
	c := DefaultClassifier()
	cases := []struct {
		ev   models.BounceEvent
		want Class
	}{
		{models.BounceEvent{Permanent: true, Reason: "mailbox full"}, Hard},
		{models.BounceEvent{Blocked: true}, Hard},
		{models.BounceEvent{Reason: "550 5.1.1 User Unknown"}, Hard},
		{models.BounceEvent{Reason: "Recipient address rejected: no such mailbox"}, Hard},
		{models.BounceEvent{Reason: "The email account that you tried to reach does not exist"}, Hard},
		{models.BounceEvent{Reason: "452 4.2.2 Mailbox full"}, Soft},
		{models.BounceEvent{Reason: "temporary failure, try again later"}, Soft},
		{models.BounceEvent{}, Soft},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.ev), "reason %q", tc.ev.Reason)
	}
}

func TestLoadPatternsRejectsBadRegex(t *testing.T) {
	_, err := LoadPatterns([]byte("hard:\n  - 'user ('\n"))
	require.Error(t, err)
}

func TestHardBounceYieldsOnePermanentRecord(t *testing.T) {
	ev := models.BounceEvent{ContactID: "c1", Reason: "user unknown", OccurredAt: bouncedAt}
	dup := ev
	dup.Blocked = true
	src := &pagedSource{events: []models.BounceEvent{ev, dup, ev}}
	lists := &recordingLists{}
	store := newMemStore()

	sum, err := testEngine(src, lists, store).Run(context.Background(), testInput())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Events)
	assert.Equal(t, 1, sum.Contacts)
	assert.Equal(t, 1, sum.Hard)
	assert.Equal(t, 1, sum.Suppressed)
	require.Len(t, store.records, 1)
	rec := store.records["c1"]
	assert.True(t, rec.IsPermanent)
	assert.Nil(t, rec.RevalidateAt)
	assert.Equal(t, 1, rec.BounceCount)
	assert.ElementsMatch(t, []string{"list-1/c1", "master/c1"}, lists.removed)
	assert.Equal(t, []string{"c1"}, lists.suppressed)
}

func TestHardBounceUpgradesSoftSuppression(t *testing.T) {
	store := newMemStore()
	store.seed("c1", 3)
	softAt := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	revalidate := softAt.Add(180 * 24 * time.Hour)
	rec := store.records["c1"]
	rec.SuppressedAt = &softAt
	rec.RevalidateAt = &revalidate
	store.records["c1"] = rec

	src := &pagedSource{events: []models.BounceEvent{{ContactID: "c1", Permanent: true, Reason: "user unknown", OccurredAt: bouncedAt}}}
	sum, err := testEngine(src, &recordingLists{}, store).Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Hard)

	got := store.records["c1"]
	assert.Equal(t, models.HardBounce, got.Type)
	assert.True(t, got.IsPermanent)
	assert.Nil(t, got.RevalidateAt)
	require.NotNil(t, got.SuppressedAt)
	assert.True(t, got.SuppressedAt.Equal(softAt), "original suppression time is kept")
	assert.Equal(t, 4, got.BounceCount)
}

func TestSoftBounceSuppressedOnThirdOccurrence(t *testing.T) {
	store := newMemStore()
	store.seed("two-prior", 2)
	store.seed("one-prior", 1)
	src := &pagedSource{events: []models.BounceEvent{soft("two-prior"), soft("one-prior"), soft("first-time")}}
	lists := &recordingLists{}

	sum, err := testEngine(src, lists, store).Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls, "pages of 2 until a short page")

	third := store.records["two-prior"]
	require.True(t, third.Suppressed())
	assert.False(t, third.IsPermanent)
	require.NotNil(t, third.RevalidateAt)
	assert.True(t, third.RevalidateAt.Equal(bouncedAt.Add(180*24*time.Hour)))
	assert.Equal(t, 3, third.BounceCount)

	second := store.records["one-prior"]
	assert.False(t, second.Suppressed())
	assert.Equal(t, 2, second.BounceCount)

	first := store.records["first-time"]
	assert.False(t, first.Suppressed())
	assert.Equal(t, 1, first.BounceCount)

	assert.Equal(t, 3, sum.Soft)
	assert.Equal(t, 1, sum.Suppressed)
	assert.Equal(t, 2, sum.Recorded)
	assert.Equal(t, []string{"two-prior"}, lists.suppressed)
}

func TestRemovalFailureIsCountedNotFatal(t *testing.T) {
	src := &pagedSource{events: []models.BounceEvent{
		{ContactID: "c1", Permanent: true, OccurredAt: bouncedAt},
		{ContactID: "c2", Permanent: true, OccurredAt: bouncedAt},
	}}
	lists := &recordingLists{failList: "master"}
	store := newMemStore()

	sum, err := testEngine(src, lists, store).Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Errors)
	assert.Equal(t, 2, sum.Suppressed)
	assert.Equal(t, 2, sum.Removed)
	assert.Len(t, store.records, 2)
}

func TestRetriedRunDoesNotDoubleCount(t *testing.T) {
	store := newMemStore()
	src := &pagedSource{events: []models.BounceEvent{soft("c1")}}
	e := testEngine(src, &recordingLists{}, store)

	_, err := e.Run(context.Background(), testInput())
	require.NoError(t, err)
	sum, err := e.Run(context.Background(), testInput())
	require.NoError(t, err)

	assert.Equal(t, 1, store.records["c1"].BounceCount)
	assert.Equal(t, 1, sum.Skipped)
}

func TestFetchFailureIsTransient(t *testing.T) {
	src := &pagedSource{err: errors.New("gateway timeout")}
	_, err := testEngine(src, &recordingLists{}, newMemStore()).Run(context.Background(), testInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransient)
}

func TestStoreOutageIsTransient(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	src := &pagedSource{events: []models.BounceEvent{soft("c1")}}

	_, err := testEngine(src, &recordingLists{}, store).Run(context.Background(), testInput())
	assert.ErrorIs(t, err, errs.ErrTransient)
}

func TestHighBounceRateFlag(t *testing.T) {
	var events []models.BounceEvent
	for i := 0; i < 60; i++ {
		events = append(events, soft(fmt.Sprintf("c%02d", i)))
	}
	src := &pagedSource{events: events}
	e := testEngine(src, &recordingLists{}, newMemStore())
	e.pageSize = 100

	sum, err := e.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.InDelta(t, 0.06, sum.BounceRate, 1e-9)
	assert.True(t, sum.HighBounceRate)
}

func TestDedupeMergesFlags(t *testing.T) {
	later := bouncedAt.Add(time.Hour)
	out := Dedupe([]models.BounceEvent{
		{ContactID: "b", Reason: "mailbox full", OccurredAt: bouncedAt},
		{ContactID: "a", Reason: "x", OccurredAt: bouncedAt},
		{ContactID: "b", Permanent: true, Reason: "user unknown", OccurredAt: later},
		{ContactID: "", Reason: "orphan"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ContactID)
	assert.True(t, out[1].Permanent)
	assert.Equal(t, "user unknown", out[1].Reason)
	assert.True(t, out[1].OccurredAt.Equal(later))
}
