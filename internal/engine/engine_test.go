package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"p2p-comments/internal/comment"
)

func publishRaw(from, to, url, cid string) []byte {
	data, _ := comment.PublishCid{From: from, To: to, URL: url, CID: cid}.Encode()
	return data
}

func requestRaw(from, url string) []byte {
	data, _ := comment.RequestCids{From: from, URL: url}.Encode()
	return data
}

func TestAddCommentUpdatesTableAndAnnounces(t *testing.T) {
	store := newMemContent()
	store.fixed = "Qm1"
	r := newRig("A", store)
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")
	r.bus.Reset()

	cid := r.engine.AddComment(ctx, "hi")
	require.Equal(t, "Qm1", cid)
	require.Equal(t, []string{"Qm1"}, r.index.Known("u1"))

	snap := r.engine.Snapshot()
	require.Len(t, snap.Comments, 1)
	require.Equal(t, "Qm1", snap.Comments[0].CID)
	require.Equal(t, "A", snap.Comments[0].Comment.From)
	require.Equal(t, "hi", snap.Comments[0].Comment.Text)
	require.Equal(t, int64(1700000000123), snap.Comments[0].Comment.Date)

	require.Equal(t, []published{{
		Topic: comment.TopicPublishCid,
		Data:  `{"from":"A","url":"u1","cid":"Qm1"}`,
	}}, r.bus.Sent())
}

func TestAddCommentRoundTripWithoutNetwork(t *testing.T) {
	r := newRig("A", nil)
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")
	cid := r.engine.AddComment(ctx, "hello")
	require.NotEmpty(t, cid)
	snap := r.engine.Snapshot()
	require.True(t, snap.Has(cid))
	require.Equal(t, "hello", snap.Comments[0].Comment.Text)
}

func TestAddCommentNoOps(t *testing.T) {
	ctx := context.Background()

	noURL := newRig("A", nil)
	require.Empty(t, noURL.engine.AddComment(ctx, "hi"))

	noPeer := newRig("", nil)
	noPeer.engine.SetActiveURL(ctx, "u1")
	require.Empty(t, noPeer.engine.AddComment(ctx, "hi"))

	emptyText := newRig("A", nil)
	emptyText.engine.SetActiveURL(ctx, "u1")
	emptyText.bus.Reset()
	require.Empty(t, emptyText.engine.AddComment(ctx, ""))
	require.Empty(t, emptyText.bus.Sent())
	require.Zero(t, emptyText.kv.Writes())
}

func TestAddCommentRefusesOversizedText(t *testing.T) {
	r := newRig("A", nil)
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")
	r.bus.Reset()

	require.Empty(t, r.engine.AddComment(ctx, strings.Repeat("x", comment.MaxTextBytes+1)))
	require.Empty(t, r.bus.Sent())
	require.Zero(t, r.kv.Writes())
	require.Empty(t, r.engine.Snapshot().Comments)

	cid := r.engine.AddComment(ctx, strings.Repeat("x", comment.MaxTextBytes))
	require.NotEmpty(t, cid)
	require.True(t, r.engine.Snapshot().Has(cid))
}

func TestHandlePublishCidMergesFetchedComment(t *testing.T) {
	r := newRig("B", nil)
	r.content.set("Qm1", commentJSON("A", "hi"))
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")

	r.engine.HandlePublishCid(ctx, []byte(`{"from":"A","url":"u1","cid":"Qm1"}`))

	require.Equal(t, []string{"Qm1"}, r.index.Known("u1"))
	snap := r.engine.Snapshot()
	require.Len(t, snap.Comments, 1)
	require.Equal(t, "hi", snap.Comments[0].Comment.Text)
}

func TestHandlePublishCidIsIdempotent(t *testing.T) {
	r := newRig("B", nil)
	r.content.set("Qm1", commentJSON("A", "hi"))
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")
	msg := publishRaw("A", "", "u1", "Qm1")

	r.engine.HandlePublishCid(ctx, msg)
	first := r.engine.Snapshot()
	writes := r.kv.Writes()
	r.engine.HandlePublishCid(ctx, msg)

	require.Equal(t, first, r.engine.Snapshot())
	require.Equal(t, writes, r.kv.Writes())
	require.Equal(t, []string{"Qm1"}, r.index.Known("u1"))
}

func TestHandlePublishCidRejectsSelfEcho(t *testing.T) {
	r := newRig("A", nil)
	r.content.set("Qm1", commentJSON("A", "hi"))
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")

	r.engine.HandlePublishCid(ctx, publishRaw("A", "", "u1", "Qm1"))
	r.engine.HandlePublishCid(ctx, publishRaw("A", "A", "u1", "Qm1"))

	require.Empty(t, r.engine.Snapshot().Comments)
	require.Empty(t, r.index.Known("u1"))
}

func TestHandlePublishCidTargetedDelivery(t *testing.T) {
	store := newMemContent()
	store.set("Qm1", commentJSON("A", "hi"))
	b := newRig("B", store)
	c := newRig("C", store)
	ctx := context.Background()
	b.engine.SetActiveURL(ctx, "u1")
	c.engine.SetActiveURL(ctx, "u1")

	msg := publishRaw("A", "B", "u1", "Qm1")
	b.engine.HandlePublishCid(ctx, msg)
	c.engine.HandlePublishCid(ctx, msg)

	require.True(t, b.engine.Snapshot().Has("Qm1"))
	require.False(t, c.engine.Snapshot().Has("Qm1"))
	require.Empty(t, c.index.Known("u1"))
}

func TestHandlePublishCidURLIsolation(t *testing.T) {
	r := newRig("B", nil)
	r.content.set("Qm1", commentJSON("A", "hi"))
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "Y")

	r.engine.HandlePublishCid(ctx, publishRaw("A", "", "X", "Qm1"))

	require.Empty(t, r.engine.Snapshot().Comments)
	require.Empty(t, r.index.Known("X"))
}

func TestHandlePublishCidDropsUnresolvableContent(t *testing.T) {
	r := newRig("B", nil)
	r.content.set("QmBad", "not json")
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")

	r.engine.HandlePublishCid(ctx, publishRaw("A", "", "u1", "QmMissing"))
	r.engine.HandlePublishCid(ctx, publishRaw("A", "", "u1", "QmBad"))
	r.engine.HandlePublishCid(ctx, []byte(`garbage`))

	require.Empty(t, r.engine.Snapshot().Comments)
	require.Empty(t, r.index.Known("u1"))
}

func TestHandleRequestCidsFansOutOnePerCID(t *testing.T) {
	r := newRig("B", nil)
	r.kv.setKnown("U", "c1", "c2", "c3")
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "other")
	r.bus.Reset()

	r.engine.HandleRequestCids(ctx, requestRaw("P", "U"))

	sent := r.bus.Sent()
	require.Len(t, sent, 3)
	for i, cid := range []string{"c1", "c2", "c3"} {
		require.Equal(t, comment.TopicPublishCid, sent[i].Topic)
		msg, err := comment.ParsePublishCid([]byte(sent[i].Data))
		require.NoError(t, err)
		require.Equal(t, comment.PublishCid{From: "B", To: "P", URL: "U", CID: cid}, msg)
	}
}

func TestHandleRequestCidsDropsSelfAndMalformed(t *testing.T) {
	r := newRig("B", nil)
	r.kv.setKnown("U", "c1")
	ctx := context.Background()

	r.engine.HandleRequestCids(ctx, requestRaw("B", "U"))
	r.engine.HandleRequestCids(ctx, []byte(`{"from":"P"}`))
	r.engine.HandleRequestCids(ctx, []byte(`[]`))

	require.Empty(t, r.bus.Sent())
}

func TestSetActiveURLRebuildsAndPullsOnly(t *testing.T) {
	r := newRig("A", nil)
	r.content.set("c1", commentJSON("X", "one"))
	r.content.set("c2", commentJSON("Y", "two"))
	r.kv.setKnown("u1", "c1", "missing", "c2")
	ctx := context.Background()

	r.engine.SetActiveURL(ctx, "u1")

	snap := r.engine.Snapshot()
	require.Equal(t, "u1", snap.ActiveURL)
	require.Len(t, snap.Comments, 2)
	require.Equal(t, "c1", snap.Comments[0].CID)
	require.Equal(t, "c2", snap.Comments[1].CID)
	require.Equal(t, []published{{
		Topic: comment.TopicRequestCids,
		Data:  `{"from":"A","url":"u1"}`,
	}}, r.bus.Sent())

	r.engine.SetActiveURL(ctx, "u1")
	require.Len(t, r.bus.Sent(), 1)
}

func TestSetActiveURLWaitsForIdentity(t *testing.T) {
	r := newRig("", nil)
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")
	require.Empty(t, r.engine.Snapshot().ActiveURL)
	require.Empty(t, r.bus.Sent())

	require.NoError(t, r.engine.Identify(ctx, staticID("A")))
	r.engine.SetActiveURL(ctx, "u1")
	require.Equal(t, "u1", r.engine.Snapshot().ActiveURL)
	require.Equal(t, "A", r.engine.Snapshot().PeerID)
	require.Len(t, r.bus.SentOn(comment.TopicRequestCids), 1)
}

func TestSetActiveURLDropsPreviousTable(t *testing.T) {
	r := newRig("A", nil)
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")
	r.engine.AddComment(ctx, "first")
	r.engine.SetActiveURL(ctx, "u2")
	require.Empty(t, r.engine.Snapshot().Comments)
	require.Len(t, r.index.Known("u1"), 1)
}

func TestSyncPushesTableThenPulls(t *testing.T) {
	r := newRig("A", nil)
	r.content.set("c1", commentJSON("X", "one"))
	r.content.set("c2", commentJSON("Y", "two"))
	r.kv.setKnown("u1", "c1", "gone", "c2")
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")
	r.bus.Reset()

	r.engine.Sync(ctx)

	require.Equal(t, []published{
		{Topic: comment.TopicPublishCid, Data: `{"from":"A","url":"u1","cid":"c1"}`},
		{Topic: comment.TopicPublishCid, Data: `{"from":"A","url":"u1","cid":"c2"}`},
		{Topic: comment.TopicRequestCids, Data: `{"from":"A","url":"u1"}`},
	}, r.bus.Sent())
}

func TestSyncNoOpWithoutURLOrPeer(t *testing.T) {
	ctx := context.Background()
	r := newRig("A", nil)
	r.engine.Sync(ctx)
	require.Empty(t, r.bus.Sent())

	anon := newRig("", nil)
	anon.engine.Sync(ctx)
	require.Empty(t, anon.bus.Sent())
}

func TestStaleRebuildIsDiscarded(t *testing.T) {
	r := newRig("A", nil)
	r.content.set("slow", commentJSON("X", "slow"))
	r.kv.setKnown("u1", "slow")
	r.content.gate = make(chan struct{})
	r.content.gated = map[string]bool{"slow": true}
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		r.engine.SetActiveURL(ctx, "u1")
		close(done)
	}()
	require.Eventually(t, func() bool { return r.engine.Snapshot().ActiveURL == "u1" }, time.Second, 5*time.Millisecond)
	r.engine.SetActiveURL(ctx, "u2")
	close(r.content.gate)
	<-done

	snap := r.engine.Snapshot()
	require.Equal(t, "u2", snap.ActiveURL)
	require.Empty(t, snap.Comments)
}

func TestSyncAbandonedWhenDiscussionChanges(t *testing.T) {
	r := newRig("A", nil)
	r.content.set("c1", commentJSON("X", "one"))
	r.kv.setKnown("u1", "c1")
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")
	r.content.gate = make(chan struct{})
	r.content.gated = map[string]bool{"c1": true}
	r.content.entered = make(chan struct{}, 1)
	r.bus.Reset()

	done := make(chan struct{})
	go func() {
		r.engine.Sync(ctx)
		close(done)
	}()
	<-r.content.entered
	r.engine.SetActiveURL(ctx, "u2")
	close(r.content.gate)
	<-done

	require.Equal(t, []published{
		{Topic: comment.TopicRequestCids, Data: `{"from":"A","url":"u2"}`},
	}, r.bus.Sent())
}

func TestPeersConvergeAfterSync(t *testing.T) {
	store := newMemContent()
	a := newRig("A", store)
	b := newRig("B", store)
	net := newNetwork(a.bus, b.bus)
	ctx := context.Background()
	require.NoError(t, a.engine.Start(ctx))
	require.NoError(t, b.engine.Start(ctx))

	net.setUp(false)
	a.engine.SetActiveURL(ctx, "u1")
	b.engine.SetActiveURL(ctx, "u1")
	cidA := a.engine.AddComment(ctx, "from a")
	cidB := b.engine.AddComment(ctx, "from b")
	require.False(t, b.engine.Snapshot().Has(cidA))
	require.False(t, a.engine.Snapshot().Has(cidB))

	net.setUp(true)
	a.engine.Sync(ctx)
	b.engine.Sync(ctx)

	for _, r := range []*rig{a, b} {
		snap := r.engine.Snapshot()
		require.True(t, snap.Has(cidA), "peer %s missing %s", snap.PeerID, cidA)
		require.True(t, snap.Has(cidB), "peer %s missing %s", snap.PeerID, cidB)
		require.Len(t, snap.Comments, 2)
		require.ElementsMatch(t, []string{cidA, cidB}, r.index.Known("u1"))
	}
}

func TestLateJoinerLearnsThroughRequest(t *testing.T) {
	store := newMemContent()
	a := newRig("A", store)
	b := newRig("B", store)
	newNetwork(a.bus, b.bus)
	ctx := context.Background()
	require.NoError(t, a.engine.Start(ctx))
	require.NoError(t, b.engine.Start(ctx))

	a.engine.SetActiveURL(ctx, "u1")
	cid := a.engine.AddComment(ctx, "early")

	b.engine.SetActiveURL(ctx, "u1")
	require.True(t, b.engine.Snapshot().Has(cid))
}

func TestOnChangeFiresAfterMutation(t *testing.T) {
	r := newRig("A", nil)
	ctx := context.Background()
	var mu sync.Mutex
	var seen []int
	r.engine.OnChange(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, len(s.Comments))
		mu.Unlock()
	})
	r.engine.SetActiveURL(ctx, "u1")
	r.engine.AddComment(ctx, "one")
	r.engine.AddComment(ctx, "two")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2}, seen)
}

func TestMetricsCountVerdicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := newRig("B", nil)
	r.engine.metrics = m
	ctx := context.Background()
	r.engine.SetActiveURL(ctx, "u1")

	r.engine.HandlePublishCid(ctx, []byte(`nope`))
	r.engine.HandlePublishCid(ctx, publishRaw("B", "", "u1", "c"))
	r.engine.HandlePublishCid(ctx, publishRaw("A", "", "u9", "c"))

	require.Equal(t, 1.0, testutil.ToFloat64(m.Handled.WithLabelValues(comment.TopicPublishCid, "malformed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Handled.WithLabelValues(comment.TopicPublishCid, "self")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Handled.WithLabelValues(comment.TopicPublishCid, "other_url")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Published.WithLabelValues(comment.TopicRequestCids)))
}

type staticID string

func (s staticID) LocalPeerID(context.Context) (string, error) { return string(s), nil }
