package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/redongo/pkg/database"
	"github.com/travigo/redongo/pkg/message"
	"github.com/travigo/redongo/pkg/registry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/goleak"
)

type harness struct {
	server       *Server
	applications *fakeApplications
	writer       *fakeWriter
	spool        *fakeSpool
	auditor      *fakeAuditor
	clock        *clock
}

func testApplication(name string, bulkSize int) *registry.Application {
	return &registry.Application{
		Name:            name,
		MongoHost:       "localhost",
		MongoDatabase:   "redongo",
		MongoCollection: name,
		BulkSize:        bulkSize,
		BulkExpiration:  registry.Duration(time.Hour),
	}
}

func newHarness(t *testing.T, options Options, withSpool bool, applications ...*registry.Application) *harness {
	t.Helper()

	h := &harness{
		applications: newFakeApplications(applications...),
		writer:       &fakeWriter{},
		auditor:      &fakeAuditor{},
		clock:        newClock(),
	}

	dependencies := Dependencies{
		Applications: h.applications,
		Writer:       h.writer,
		Auditor:      h.auditor,
	}
	if withSpool {
		h.spool = &fakeSpool{}
		dependencies.Spool = h.spool
	}

	if options.CheckInterval == 0 {
		options.CheckInterval = time.Second
	}
	if options.RetryInterval == 0 {
		options.RetryInterval = time.Millisecond
	}
	if options.SettingsTTL == 0 {
		options.SettingsTTL = time.Minute
	}

	h.server = New(options, dependencies)
	h.server.now = h.clock.Now

	return h
}

func (h *harness) accept(t *testing.T, application string, operation message.Operation, document bson.M) *fakeDelivery {
	t.Helper()

	delivery := envelope(t, application, operation, document)
	h.server.Accept(context.Background(), delivery)

	return delivery
}

func (h *harness) saveSeq(t *testing.T, application string, from int, to int) []*fakeDelivery {
	t.Helper()

	var deliveries []*fakeDelivery
	for seq := from; seq <= to; seq++ {
		deliveries = append(deliveries, h.accept(t, application, message.OperationSave, bson.M{"seq": seq}))
	}

	return deliveries
}

func states(deliveries []*fakeDelivery) []deliveryState {
	result := make([]deliveryState, 0, len(deliveries))
	for _, delivery := range deliveries {
		result = append(result, delivery.State())
	}

	return result
}

func all(state deliveryState, n int) []deliveryState {
	result := make([]deliveryState, n)
	for i := range result {
		result[i] = state
	}

	return result
}

func sequence(models []mongo.WriteModel) []string {
	var seqs []string
	for _, model := range models {
		insert, ok := model.(*mongo.InsertOneModel)
		if !ok {
			continue
		}
		seqs = append(seqs, fmt.Sprint(insert.Document.(bson.M)["seq"]))
	}

	return seqs
}

func TestFullBulkIsFlushedAndAcked(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 3))

	deliveries := h.saveSeq(t, "clicks", 1, 2)
	h.server.FlushDue(context.Background())

	assert.Equal(t, 0, h.writer.callCount())
	assert.Equal(t, all(pending, 2), states(deliveries))
	assert.Equal(t, 2, h.server.Stats().Applications["clicks"].Buffered)

	deliveries = append(deliveries, h.saveSeq(t, "clicks", 3, 3)...)
	h.server.FlushDue(context.Background())

	require.Equal(t, 1, h.writer.callCount())
	assert.Equal(t, []string{"1", "2", "3"}, sequence(h.writer.call(0).models))
	assert.Equal(t, all(acked, 3), states(deliveries))

	stats := h.server.Stats().Applications["clicks"]
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(3), stats.Flushed)
	assert.Equal(t, 0, stats.Buffered)
	assert.Equal(t, []string{OutcomeWritten}, h.auditor.outcomes())
}

func TestExpiredBulkIsFlushed(t *testing.T) {
	application := testApplication("clicks", 100)
	application.BulkExpiration = registry.Duration(10 * time.Second)
	h := newHarness(t, Options{}, false, application)

	deliveries := h.saveSeq(t, "clicks", 1, 1)

	h.clock.Advance(5 * time.Second)
	h.server.FlushDue(context.Background())
	assert.Equal(t, 0, h.writer.callCount())

	h.clock.Advance(5 * time.Second)
	h.server.FlushDue(context.Background())
	assert.Equal(t, 1, h.writer.callCount())
	assert.Equal(t, all(acked, 1), states(deliveries))
}

func TestAddRecordsAreAggregated(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("counters", 3))

	var deliveries []*fakeDelivery
	for i := 0; i < 3; i++ {
		deliveries = append(deliveries, h.accept(t, "counters", message.OperationAdd, bson.M{"_id": "home", "hits": 1}))
	}
	h.server.FlushDue(context.Background())

	require.Equal(t, 1, h.writer.callCount())
	models := h.writer.call(0).models
	require.Len(t, models, 1)

	update, ok := models[0].(*mongo.UpdateOneModel)
	require.True(t, ok)
	assert.Equal(t, bson.M{"_id": "home"}, update.Filter)
	assert.Equal(t, int64(3), update.Update.(bson.M)["$inc"].(bson.M)["hits"])
	assert.Equal(t, all(acked, 3), states(deliveries))
}

func TestInvalidDeliveriesAreRejected(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 10))

	garbage := &fakeDelivery{payload: "not an envelope"}
	h.server.Accept(context.Background(), garbage)
	assert.Equal(t, rejected, garbage.State())

	unknown := h.accept(t, "ghost", message.OperationSave, bson.M{"a": 1})
	assert.Equal(t, rejected, unknown.State())

	missingID := h.accept(t, "clicks", message.OperationAdd, bson.M{"hits": 1})
	assert.Equal(t, rejected, missingID.State())

	encoded, err := message.Encode(&message.Envelope{
		Application: "clicks",
		Serializer:  "bson",
		Operation:   message.OperationSave,
		Payload:     []byte(`{"a":1}`),
	})
	require.NoError(t, err)
	undecodable := &fakeDelivery{payload: string(encoded)}
	h.server.Accept(context.Background(), undecodable)
	assert.Equal(t, rejected, undecodable.State())

	snapshot := h.server.Stats()
	assert.Equal(t, int64(2), snapshot.Invalid)
	assert.Equal(t, int64(2), snapshot.Applications["clicks"].Rejected)
	assert.Equal(t, int64(0), snapshot.Applications["clicks"].Received)
}

func TestFilteredRecordsAreAckedWithoutWriting(t *testing.T) {
	application := testApplication("events", 1)
	application.Filter = `doc.kind == "view"`
	h := newHarness(t, Options{}, false, application)

	click := h.accept(t, "events", message.OperationSave, bson.M{"kind": "click"})
	assert.Equal(t, acked, click.State())

	view := h.accept(t, "events", message.OperationSave, bson.M{"kind": "view"})
	h.server.FlushDue(context.Background())

	assert.Equal(t, acked, view.State())
	require.Equal(t, 1, h.writer.callCount())
	assert.Len(t, h.writer.call(0).models, 1)

	stats := h.server.Stats().Applications["events"]
	assert.Equal(t, int64(1), stats.Filtered)
	assert.Equal(t, int64(1), stats.Flushed)
}

func TestPartialFailureRejectsOnlyRefusedRecords(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 3))
	h.writer.setRespond(func(n int, models []mongo.WriteModel) (database.WriteResult, error) {
		return database.WriteResult{
			Inserted: 2,
			Failed:   map[int]error{1: &database.WriteFailure{Code: 121, Message: "document failed validation"}},
		}, nil
	})

	deliveries := h.saveSeq(t, "clicks", 1, 3)
	h.server.FlushDue(context.Background())

	assert.Equal(t, []deliveryState{acked, rejected, acked}, states(deliveries))

	stats := h.server.Stats().Applications["clicks"]
	assert.Equal(t, int64(2), stats.Flushed)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestRetriedInsertDuplicateCountsAsWritten(t *testing.T) {
	h := newHarness(t, Options{FlushRetries: 2}, false, testApplication("clicks", 2))
	h.writer.setRespond(func(n int, models []mongo.WriteModel) (database.WriteResult, error) {
		if n == 0 {
			return database.WriteResult{}, errUnreachable
		}
		return database.WriteResult{
			Inserted: 1,
			Failed:   map[int]error{0: &database.WriteFailure{Code: 11000, Message: "E11000 duplicate key error"}},
		}, nil
	})

	deliveries := h.saveSeq(t, "clicks", 1, 2)
	h.server.FlushDue(context.Background())

	assert.Equal(t, 2, h.writer.callCount())
	assert.Equal(t, all(acked, 2), states(deliveries))
	assert.Equal(t, int64(2), h.server.Stats().Applications["clicks"].Flushed)
}

func TestPermanentFailureRejectsBulk(t *testing.T) {
	h := newHarness(t, Options{FlushRetries: 3}, false, testApplication("clicks", 2))
	h.writer.setRespond(alwaysFail(errors.New("not authorized on redongo to execute command")))

	deliveries := h.saveSeq(t, "clicks", 1, 2)
	h.server.FlushDue(context.Background())

	assert.Equal(t, 1, h.writer.callCount())
	assert.Equal(t, all(rejected, 2), states(deliveries))

	stats := h.server.Stats().Applications["clicks"]
	assert.Equal(t, int64(2), stats.Rejected)
	assert.Equal(t, 0, stats.Buffered)
	assert.Contains(t, stats.LastError, "not authorized")
	assert.Equal(t, []string{OutcomeRejected}, h.auditor.outcomes())
}

func TestUnreachableTargetParksBulkInOrder(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 3))
	h.writer.setRespond(alwaysFail(errUnreachable))

	deliveries := h.saveSeq(t, "clicks", 1, 3)
	h.server.FlushDue(context.Background())

	assert.Equal(t, all(pending, 3), states(deliveries))
	stats := h.server.Stats().Applications["clicks"]
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 3, stats.Buffered)

	deliveries = append(deliveries, h.saveSeq(t, "clicks", 4, 4)...)

	// Held back until the retry delay has passed
	h.server.FlushDue(context.Background())
	assert.Equal(t, 1, h.writer.callCount())

	h.writer.setRespond(nil)
	h.clock.Advance(2 * time.Second)
	h.server.FlushDue(context.Background())

	require.Equal(t, 2, h.writer.callCount())
	assert.Equal(t, []string{"1", "2", "3", "4"}, sequence(h.writer.call(1).models))
	assert.Equal(t, all(acked, 4), states(deliveries))
	assert.Equal(t, []string{OutcomeParked, OutcomeWritten}, h.auditor.outcomes())
}

func TestParkedBulksSpillWhenOverLimit(t *testing.T) {
	h := newHarness(t, Options{MaxBuffered: 2}, true, testApplication("clicks", 3))
	h.writer.setRespond(alwaysFail(errUnreachable))

	deliveries := h.saveSeq(t, "clicks", 1, 3)
	h.server.FlushDue(context.Background())

	assert.Equal(t, all(acked, 3), states(deliveries))

	pendingRecords, failedRecords := h.spool.counts()
	assert.Equal(t, 3, pendingRecords)
	assert.Equal(t, 0, failedRecords)

	stats := h.server.Stats().Applications["clicks"]
	assert.Equal(t, int64(3), stats.Spooled)
	assert.Equal(t, 0, stats.Buffered)
	assert.Equal(t, []string{OutcomeParked, OutcomeSpooled}, h.auditor.outcomes())
}

func TestParkedBulksStayWhenSpoolFails(t *testing.T) {
	h := newHarness(t, Options{MaxBuffered: 2}, true, testApplication("clicks", 3))
	h.writer.setRespond(alwaysFail(errUnreachable))
	h.spool.putErr = errors.New("disk full")

	deliveries := h.saveSeq(t, "clicks", 1, 3)
	h.server.FlushDue(context.Background())

	assert.Equal(t, all(pending, 3), states(deliveries))
	assert.Equal(t, 3, h.server.Stats().Applications["clicks"].Buffered)
}

func TestReplaySpoolWritesAndDeletes(t *testing.T) {
	h := newHarness(t, Options{}, true, testApplication("clicks", 2))
	ctx := context.Background()

	require.NoError(t, h.spool.Put(ctx, "clicks", spooledSaves(1, 3)))
	h.server.ReplaySpool(ctx)

	require.Equal(t, 2, h.writer.callCount())
	assert.Equal(t, []string{"1", "2"}, sequence(h.writer.call(0).models))
	assert.Equal(t, []string{"3"}, sequence(h.writer.call(1).models))

	pendingRecords, _ := h.spool.counts()
	assert.Equal(t, 0, pendingRecords)
	assert.Equal(t, int64(3), h.server.Stats().Applications["clicks"].Replayed)
}

func TestReplaySpoolMarksRefusedRecordsFailed(t *testing.T) {
	h := newHarness(t, Options{}, true, testApplication("clicks", 10))
	ctx := context.Background()

	records := spooledSaves(1, 1)
	records = append(records, spooledAdd(bson.M{"hits": 1}))
	require.NoError(t, h.spool.Put(ctx, "clicks", records))

	h.server.ReplaySpool(ctx)

	pendingRecords, failedRecords := h.spool.counts()
	assert.Equal(t, 0, pendingRecords)
	assert.Equal(t, 1, failedRecords)
}

func TestReplaySpoolStopsWhileUnreachable(t *testing.T) {
	h := newHarness(t, Options{}, true, testApplication("clicks", 2))
	h.writer.setRespond(alwaysFail(errUnreachable))
	ctx := context.Background()

	require.NoError(t, h.spool.Put(ctx, "clicks", spooledSaves(1, 4)))
	h.server.ReplaySpool(ctx)

	assert.Equal(t, 1, h.writer.callCount())
	pendingRecords, _ := h.spool.counts()
	assert.Equal(t, 4, pendingRecords)
}

func TestReplaySpoolSkipsUnknownApplications(t *testing.T) {
	h := newHarness(t, Options{}, true)
	ctx := context.Background()

	require.NoError(t, h.spool.Put(ctx, "removed", spooledSaves(1, 1)))
	h.server.ReplaySpool(ctx)

	assert.Equal(t, 0, h.writer.callCount())
	pendingRecords, _ := h.spool.counts()
	assert.Equal(t, 1, pendingRecords)
}

func TestShutdownFlushesPartialBulks(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 10), testApplication("views", 10))

	clicks := h.saveSeq(t, "clicks", 1, 2)
	views := h.saveSeq(t, "views", 1, 1)

	require.NoError(t, h.server.Shutdown(context.Background()))

	assert.Equal(t, 2, h.writer.callCount())
	assert.Equal(t, all(acked, 2), states(clicks))
	assert.Equal(t, all(acked, 1), states(views))
}

func TestShutdownSpoolsUnwrittenRecords(t *testing.T) {
	h := newHarness(t, Options{}, true, testApplication("clicks", 10))
	h.writer.setRespond(alwaysFail(errUnreachable))

	deliveries := h.saveSeq(t, "clicks", 1, 2)
	require.NoError(t, h.server.Shutdown(context.Background()))

	assert.Equal(t, all(acked, 2), states(deliveries))
	pendingRecords, _ := h.spool.counts()
	assert.Equal(t, 2, pendingRecords)
}

func TestShutdownWithoutSpoolLeavesRecordsUnacked(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 10))
	h.writer.setRespond(alwaysFail(errUnreachable))

	deliveries := h.saveSeq(t, "clicks", 1, 2)
	err := h.server.Shutdown(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "clicks")
	assert.Equal(t, all(pending, 2), states(deliveries))
}

func TestSettingsAreCached(t *testing.T) {
	h := newHarness(t, Options{SettingsTTL: time.Minute}, false, testApplication("clicks", 100))

	h.saveSeq(t, "clicks", 1, 2)
	assert.Equal(t, 1, h.applications.calls)

	// Stale settings are served while the registry is down
	h.clock.Advance(2 * time.Minute)
	h.applications.setError(errors.New("dial tcp: connection refused"))
	stale := h.saveSeq(t, "clicks", 3, 3)
	assert.Equal(t, all(pending, 1), states(stale))
	assert.Equal(t, int64(3), h.server.Stats().Applications["clicks"].Received)

	h.applications.setError(fmt.Errorf("%w: clicks", registry.ErrApplicationNotFound))
	removed := h.saveSeq(t, "clicks", 4, 4)
	assert.Equal(t, all(rejected, 1), states(removed))
}

func TestConsumeAcceptsBatch(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 2))

	var batch rmq.Deliveries
	var testDeliveries []*rmq.TestDelivery
	for seq := 1; seq <= 2; seq++ {
		e, err := message.NewEnvelope("clicks", message.DefaultSerializer, message.OperationSave, bson.M{"seq": seq})
		require.NoError(t, err)
		encoded, err := message.Encode(e)
		require.NoError(t, err)

		delivery := rmq.NewTestDeliveryString(string(encoded))
		testDeliveries = append(testDeliveries, delivery)
		batch = append(batch, delivery)
	}

	h.server.Consume(batch)
	h.server.FlushDue(context.Background())

	for _, delivery := range testDeliveries {
		assert.Equal(t, rmq.Acked, delivery.State)
	}
}

func TestRunFlushesFullBulksUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, Options{CheckInterval: time.Hour}, false, testApplication("clicks", 2))
	h.server.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.server.Run(ctx)
	}()

	deliveries := h.saveSeq(t, "clicks", 1, 2)

	assert.Eventually(t, func() bool {
		return deliveries[0].State() == acked && deliveries[1].State() == acked
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestDuplicateAfterParkCountsAsWritten(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 1))

	// The first write timed out after reaching the server
	h.writer.setRespond(func(n int, models []mongo.WriteModel) (database.WriteResult, error) {
		if n == 0 {
			return database.WriteResult{}, errUnreachable
		}
		return duplicateKey(0), nil
	})

	deliveries := h.saveSeq(t, "clicks", 1, 1)
	h.server.FlushDue(context.Background())
	assert.Equal(t, all(pending, 1), states(deliveries))

	h.clock.Advance(2 * time.Second)
	h.server.FlushDue(context.Background())

	assert.Equal(t, 2, h.writer.callCount())
	assert.Equal(t, all(acked, 1), states(deliveries))
	assert.Equal(t, int64(0), h.server.Stats().Applications["clicks"].Rejected)
}

func TestDuplicateOnFirstAttemptIsRejected(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 1))
	h.writer.setRespond(func(n int, models []mongo.WriteModel) (database.WriteResult, error) {
		return duplicateKey(0), nil
	})

	deliveries := h.saveSeq(t, "clicks", 1, 1)
	h.server.FlushDue(context.Background())

	assert.Equal(t, all(rejected, 1), states(deliveries))
}

func TestReplayDuplicateOfAttemptedRecordCountsAsWritten(t *testing.T) {
	h := newHarness(t, Options{}, true, testApplication("clicks", 10))
	h.writer.setRespond(func(n int, models []mongo.WriteModel) (database.WriteResult, error) {
		return duplicateKey(0), nil
	})
	ctx := context.Background()

	records := spooledSaves(1, 1)
	records[0].Attempts = 1
	require.NoError(t, h.spool.Put(ctx, "clicks", records))

	h.server.ReplaySpool(ctx)

	pendingRecords, failedRecords := h.spool.counts()
	assert.Equal(t, 0, pendingRecords)
	assert.Equal(t, 0, failedRecords)
}

func TestRegistryOutageHoldsDeliveries(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 2))
	h.applications.setError(errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"))

	deliveries := h.saveSeq(t, "clicks", 1, 2)
	assert.Equal(t, all(pending, 2), states(deliveries))

	snapshot := h.server.Stats()
	assert.Equal(t, 2, snapshot.Held)
	assert.Equal(t, int64(0), snapshot.Invalid)

	// Still down: the first held delivery is tried once, the rest wait
	calls := h.applications.calls
	h.server.FlushDue(context.Background())
	assert.Equal(t, calls+1, h.applications.calls)
	assert.Equal(t, 2, h.server.Stats().Held)

	h.applications.setError(nil)
	h.server.FlushDue(context.Background())

	require.Equal(t, 1, h.writer.callCount())
	assert.Equal(t, []string{"1", "2"}, sequence(h.writer.call(0).models))
	assert.Equal(t, all(acked, 2), states(deliveries))
	assert.Equal(t, 0, h.server.Stats().Held)
}

func TestShutdownLeavesHeldDeliveriesUnacked(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 2))
	h.applications.setError(errors.New("i/o timeout"))

	deliveries := h.saveSeq(t, "clicks", 1, 1)
	require.NoError(t, h.server.Shutdown(context.Background()))

	assert.Equal(t, all(pending, 1), states(deliveries))
	assert.Equal(t, 0, h.server.Stats().Held)
}

func TestSpooledRecordsAreWrittenBeforeNewerOnes(t *testing.T) {
	h := newHarness(t, Options{MaxBuffered: 2}, true, testApplication("clicks", 3))
	h.writer.setRespond(alwaysFail(errUnreachable))
	ctx := context.Background()

	first := h.saveSeq(t, "clicks", 1, 3)
	h.server.FlushDue(ctx)
	assert.Equal(t, all(acked, 3), states(first))

	// Newer records queue behind the spool while the target is still down
	second := h.saveSeq(t, "clicks", 4, 6)
	h.clock.Advance(2 * time.Second)
	h.server.FlushDue(ctx)

	assert.Equal(t, 2, h.writer.callCount())
	assert.Equal(t, []string{"1", "2", "3"}, sequence(h.writer.call(1).models))
	assert.Equal(t, all(acked, 3), states(second))
	pendingRecords, _ := h.spool.counts()
	assert.Equal(t, 6, pendingRecords)

	h.writer.setRespond(nil)
	h.clock.Advance(3 * time.Second)
	third := h.saveSeq(t, "clicks", 7, 9)
	h.server.FlushDue(ctx)

	require.Equal(t, 5, h.writer.callCount())
	assert.Equal(t, []string{"1", "2", "3"}, sequence(h.writer.call(2).models))
	assert.Equal(t, []string{"4", "5", "6"}, sequence(h.writer.call(3).models))
	assert.Equal(t, []string{"7", "8", "9"}, sequence(h.writer.call(4).models))
	assert.Equal(t, all(acked, 3), states(third))

	pendingRecords, _ = h.spool.counts()
	assert.Equal(t, 0, pendingRecords)
}

func TestRunReplaysEarlierSpoolFirst(t *testing.T) {
	h := newHarness(t, Options{CheckInterval: time.Hour}, true, testApplication("clicks", 2))
	ctx := context.Background()

	require.NoError(t, h.spool.Put(ctx, "clicks", spooledSaves(1, 1)))
	h.server.loadBacklog(ctx)

	h.saveSeq(t, "clicks", 2, 3)
	h.server.FlushDue(ctx)

	require.Equal(t, 2, h.writer.callCount())
	assert.Equal(t, []string{"1"}, sequence(h.writer.call(0).models))
	assert.Equal(t, []string{"2", "3"}, sequence(h.writer.call(1).models))
}

func TestInvalidApplicationIsRejectedNotHeld(t *testing.T) {
	h := newHarness(t, Options{}, false, testApplication("clicks", 2))
	h.applications.setError(fmt.Errorf("%w: bulk size must be positive", registry.ErrInvalidApplication))

	deliveries := h.saveSeq(t, "clicks", 1, 1)

	assert.Equal(t, all(rejected, 1), states(deliveries))
	assert.Equal(t, 0, h.server.Stats().Held)
	assert.Equal(t, int64(1), h.server.Stats().Invalid)
}
