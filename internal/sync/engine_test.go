package sync

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/medvall/campus/internal/api"
	"github.com/medvall/campus/internal/bus"
	"github.com/medvall/campus/internal/roster"
	"github.com/medvall/campus/internal/store"
)

const testSelfID = 100

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEngine(t *testing.T, db *store.DB, b *bus.Bus) *Engine {
	t.Helper()
	return NewEngine(db, b, nil, testSelfID, 3*time.Second)
}

func wireAt(id, sender int64, body string, at time.Time) api.WireMessage {
	return api.WireMessage{
		ID:       api.ID(id),
		SenderID: api.ID(sender),
		Content:  body,
		SentAt:   at.UTC().Format(time.RFC3339),
	}
}

func TestMergeFirstPoll(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, nil)
	addr := roster.Address{Kind: roster.KindDirect, ID: 42}

	res, err := e.MergeBatch(addr, []api.WireMessage{
		wireAt(1, 42, "hi", time.Now()),
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Inserted)
	}

	msgs, err := db.Snapshot(addr.Key())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Status != store.StatusConfirmed || m.ServerID != 1 || m.SenderID != 42 || m.FromMe {
		t.Errorf("message = %+v", m)
	}
}

func TestMergeIdempotentRepoll(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, nil)
	addr := roster.Address{Kind: roster.KindGroup, ID: 7}

	batch := []api.WireMessage{
		wireAt(1, 42, "one", time.Now().Add(-2*time.Minute)),
		wireAt(2, 43, "two", time.Now().Add(-time.Minute)),
	}
	if _, err := e.MergeBatch(addr, batch, true); err != nil {
		t.Fatal(err)
	}
	res, err := e.MergeBatch(addr, batch, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 || res.Skipped != 2 {
		t.Errorf("second application: %+v, want all skipped", res)
	}

	msgs, _ := db.Snapshot(addr.Key())
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (no duplicates)", len(msgs))
	}
}

func TestMergePromotesOptimisticEcho(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := testEngine(t, db, b)
	addr := roster.Address{Kind: roster.KindGroup, ID: 7}
	if err := e.Ensure(addr); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := db.InsertPending(&store.Message{
		ConvKey: addr.Key(), LocalID: "opt-1", SenderID: testSelfID,
		Body: "hello", SentAt: now.UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	// Next tick echoes the same text from self, one second later.
	res, err := e.MergeBatch(addr, []api.WireMessage{
		wireAt(9, testSelfID, "hello", now.Add(time.Second)),
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Promoted != 1 || res.Inserted != 0 {
		t.Errorf("result = %+v, want one promotion", res)
	}

	msgs, _ := db.Snapshot(addr.Key())
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1 (dedup)", len(msgs))
	}
	m := msgs[0]
	if m.LocalID != "opt-1" || m.ServerID != 9 || m.Status != store.StatusConfirmed {
		t.Errorf("message = %+v", m)
	}
	want, _ := time.Parse(time.RFC3339, now.Add(time.Second).UTC().Format(time.RFC3339))
	if m.SentAt != want.UnixMilli() {
		t.Errorf("sent_at = %d, want server value %d", m.SentAt, want.UnixMilli())
	}
}

func TestMergeSelfMessageWithoutEchoInserts(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, nil)
	addr := roster.Address{Kind: roster.KindDirect, ID: 42}

	// A self-authored message from another device: no optimistic candidate.
	res, err := e.MergeBatch(addr, []api.WireMessage{
		wireAt(5, testSelfID, "from elsewhere", time.Now()),
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Inserted)
	}
	msgs, _ := db.Snapshot(addr.Key())
	if len(msgs) != 1 || !msgs[0].FromMe {
		t.Errorf("snapshot = %+v", msgs)
	}
}

func TestMergeAddressIsolation(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, nil)
	a := roster.Address{Kind: roster.KindDirect, ID: 42}
	b := roster.Address{Kind: roster.KindGroup, ID: 42}

	if _, err := e.MergeBatch(a, []api.WireMessage{wireAt(1, 42, "for direct", time.Now())}, true); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.Snapshot(b.Key())
	if len(msgs) != 0 {
		t.Errorf("messages leaked into %s: %+v", b.Key(), msgs)
	}
}

func TestMergeDropsMalformedEntries(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, nil)
	addr := roster.Address{Kind: roster.KindDirect, ID: 42}

	res, err := e.MergeBatch(addr, []api.WireMessage{
		{ID: 0, Content: "no id", SentAt: "2026-03-01T10:00:00Z"},
		{ID: 2, SenderID: 42, Content: "", ImageURL: "", SentAt: "2026-03-01T10:00:00Z"},
		{ID: 3, SenderID: 42, Content: "bad time", SentAt: "yesterday-ish"},
		wireAt(4, 42, "good", time.Now()),
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped != 3 || res.Inserted != 1 {
		t.Errorf("result = %+v, want 3 dropped / 1 inserted", res)
	}
}

func TestMergeAgesPendingToFailed(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := testEngine(t, db, b)
	addr := roster.Address{Kind: roster.KindDirect, ID: 42}
	if err := e.Ensure(addr); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	if err := db.InsertPending(&store.Message{
		ConvKey: addr.Key(), LocalID: "lost-1", SenderID: testSelfID,
		Body: "lost", SentAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	// Two empty poll cycles without an echo.
	if _, err := e.MergeBatch(addr, nil, true); err != nil {
		t.Fatal(err)
	}
	res, err := e.MergeBatch(addr, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 1 || res.Failed[0].LocalID != "lost-1" {
		t.Fatalf("failed = %+v", res.Failed)
	}

	select {
	case evt := <-ch:
		notice, ok := evt.Payload.(FailedNotice)
		if !ok || notice.LocalID != "lost-1" {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}
}

func TestSendConfirmationDoesNotAgePending(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, nil)
	addr := roster.Address{Kind: roster.KindDirect, ID: 42}
	if err := e.Ensure(addr); err != nil {
		t.Fatal(err)
	}

	if err := db.InsertPending(&store.Message{
		ConvKey: addr.Key(), LocalID: "other", SenderID: testSelfID,
		Body: "still waiting", SentAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	// Send confirmations merge a single message without advancing the cycle
	// counter of unrelated pendings.
	for i := 0; i < 3; i++ {
		if _, err := e.MergeBatch(addr, []api.WireMessage{
			wireAt(int64(10+i), 42, "inbound", time.Now()),
		}, false); err != nil {
			t.Fatal(err)
		}
	}

	m, _ := db.GetMessageByLocalID("other")
	if m.Status != store.StatusPending || m.MissedPolls != 0 {
		t.Errorf("pending entry aged by non-poll merge: %+v", m)
	}
}

func TestMergeOrderPreservation(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, nil)
	addr := roster.Address{Kind: roster.KindGroup, ID: 3}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Batches arrive out of timestamp order across polls.
	if _, err := e.MergeBatch(addr, []api.WireMessage{
		wireAt(3, 42, "third", base.Add(2*time.Minute)),
		wireAt(1, 42, "first", base),
	}, true); err != nil {
		t.Fatal(err)
	}
	if _, err := e.MergeBatch(addr, []api.WireMessage{
		wireAt(2, 43, "second", base.Add(time.Minute)),
	}, true); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.Snapshot(addr.Key())
	prev := int64(0)
	for _, m := range msgs {
		if m.SentAt < prev {
			t.Fatalf("snapshot not sorted: %+v", msgs)
		}
		prev = m.SentAt
	}
	if msgs[0].Body != "first" || msgs[2].Body != "third" {
		t.Errorf("order = [%s %s %s]", msgs[0].Body, msgs[1].Body, msgs[2].Body)
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	// "é" is two bytes; a 5-byte cut of six of them falls mid-rune.
	s := strings.Repeat("é", 6)
	got := truncate(s, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate(%q, 5) = %q, not valid UTF-8", s, got)
	}
	if got != strings.Repeat("é", 2) {
		t.Errorf("truncate(%q, 5) = %q, want %q", s, got, strings.Repeat("é", 2))
	}

	if got := truncate("salut", 100); got != "salut" {
		t.Errorf("truncate under limit = %q, want unchanged", got)
	}
	if got := truncate("héllo", 3); got != "hé" {
		t.Errorf("truncate(héllo, 3) = %q, want hé", got)
	}
}

func TestMergePreviewKeepsAccentsIntact(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, nil)
	addr := roster.Address{Kind: roster.KindDirect, ID: 42}

	body := strings.Repeat("réunion décalée à 14h, vérifie tes mails ", 4)
	if _, err := e.MergeBatch(addr, []api.WireMessage{wireAt(1, 42, body, time.Now())}, true); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation(addr.Key())
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.LastMessagePreview) > 100 {
		t.Errorf("preview length = %d bytes, want <= 100", len(conv.LastMessagePreview))
	}
	if !utf8.ValidString(conv.LastMessagePreview) {
		t.Errorf("preview %q is not valid UTF-8", conv.LastMessagePreview)
	}
}
