package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/travigo/redongo/pkg/bulk"
	"github.com/travigo/redongo/pkg/database"
	"github.com/travigo/redongo/pkg/message"
	"github.com/travigo/redongo/pkg/registry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

var errUnreachable = fmt.Errorf("%w: server selection timeout", database.ErrTargetUnavailable)

type deliveryState int

const (
	pending deliveryState = iota
	acked
	rejected
)

type fakeDelivery struct {
	mutex   sync.Mutex
	payload string
	state   deliveryState
}

func (d *fakeDelivery) Payload() string {
	return d.payload
}

func (d *fakeDelivery) Ack() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.state != pending {
		return errors.New("delivery already settled")
	}
	d.state = acked
	return nil
}

func (d *fakeDelivery) Reject() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.state != pending {
		return errors.New("delivery already settled")
	}
	d.state = rejected
	return nil
}

func (d *fakeDelivery) State() deliveryState {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.state
}

func envelope(t *testing.T, application string, operation message.Operation, document bson.M) *fakeDelivery {
	t.Helper()

	e, err := message.NewEnvelope(application, message.DefaultSerializer, operation, document)
	require.NoError(t, err)

	encoded, err := message.Encode(e)
	require.NoError(t, err)

	return &fakeDelivery{payload: string(encoded)}
}

type fakeApplications struct {
	mutex        sync.Mutex
	applications map[string]*registry.Application
	err          error
	calls        int
}

func newFakeApplications(applications ...*registry.Application) *fakeApplications {
	f := &fakeApplications{applications: map[string]*registry.Application{}}
	for _, application := range applications {
		f.applications[application.Name] = application
	}

	return f
}

func (f *fakeApplications) Get(ctx context.Context, name string) (*registry.Application, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	application, ok := f.applications[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrApplicationNotFound, name)
	}

	return application, nil
}

func (f *fakeApplications) setError(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.err = err
}

type writeCall struct {
	application string
	models      []mongo.WriteModel
}

type fakeWriter struct {
	mutex sync.Mutex
	calls []writeCall

	// respond decides the outcome of the nth call, counting from zero
	respond func(n int, models []mongo.WriteModel) (database.WriteResult, error)
}

func (w *fakeWriter) Write(ctx context.Context, application *registry.Application, models []mongo.WriteModel) (database.WriteResult, error) {
	w.mutex.Lock()
	n := len(w.calls)
	w.calls = append(w.calls, writeCall{application: application.Name, models: models})
	respond := w.respond
	w.mutex.Unlock()

	if respond == nil {
		return database.WriteResult{Inserted: int64(len(models))}, nil
	}

	return respond(n, models)
}

func (w *fakeWriter) setRespond(respond func(n int, models []mongo.WriteModel) (database.WriteResult, error)) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.respond = respond
}

func (w *fakeWriter) callCount() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return len(w.calls)
}

func (w *fakeWriter) call(n int) writeCall {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.calls[n]
}

func alwaysFail(err error) func(int, []mongo.WriteModel) (database.WriteResult, error) {
	return func(int, []mongo.WriteModel) (database.WriteResult, error) {
		return database.WriteResult{}, err
	}
}

type spooledRecord struct {
	id          int64
	application string
	record      bulk.Record
	failed      string
}

type fakeSpool struct {
	mutex   sync.Mutex
	nextID  int64
	records []*spooledRecord
	putErr  error
}

func (s *fakeSpool) Put(ctx context.Context, application string, records []*bulk.Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.putErr != nil {
		return s.putErr
	}

	for _, record := range records {
		s.nextID++
		s.records = append(s.records, &spooledRecord{
			id:          s.nextID,
			application: application,
			record:      bulk.Record{Operation: record.Operation, Document: record.Document, EnqueuedAt: record.EnqueuedAt, Attempts: record.Attempts},
		})
	}

	return nil
}

func (s *fakeSpool) Applications(ctx context.Context) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	seen := map[string]bool{}
	var applications []string
	for _, r := range s.records {
		if r.failed == "" && !seen[r.application] {
			seen[r.application] = true
			applications = append(applications, r.application)
		}
	}
	sort.Strings(applications)

	return applications, nil
}

func (s *fakeSpool) Take(ctx context.Context, application string, limit int) ([]*bulk.Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var records []*bulk.Record
	for _, r := range s.records {
		if len(records) >= limit {
			break
		}
		if r.application != application || r.failed != "" {
			continue
		}

		record := r.record
		record.SpoolID = r.id
		records = append(records, &record)
	}

	return records, nil
}

func (s *fakeSpool) Delete(ctx context.Context, ids []int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	remove := map[int64]bool{}
	for _, id := range ids {
		remove[id] = true
	}

	kept := s.records[:0]
	for _, r := range s.records {
		if !remove[r.id] {
			kept = append(kept, r)
		}
	}
	s.records = kept

	return nil
}

func (s *fakeSpool) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, id := range ids {
		for _, r := range s.records {
			if r.id == id {
				r.failed = reason
			}
		}
	}

	return nil
}

func (s *fakeSpool) counts() (pending int, failed int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, r := range s.records {
		if r.failed == "" {
			pending++
		} else {
			failed++
		}
	}

	return pending, failed
}

type fakeAuditor struct {
	mutex  sync.Mutex
	events []FlushEvent
}

func (a *fakeAuditor) RecordFlush(event FlushEvent) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.events = append(a.events, event)
}

func (a *fakeAuditor) outcomes() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	outcomes := make([]string, 0, len(a.events))
	for _, event := range a.events {
		outcomes = append(outcomes, event.Outcome)
	}

	return outcomes
}

type clock struct {
	mutex sync.Mutex
	now   time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.now = c.now.Add(d)
}

func spooledSaves(from int, to int) []*bulk.Record {
	var records []*bulk.Record
	for seq := from; seq <= to; seq++ {
		records = append(records, &bulk.Record{Operation: message.OperationSave, Document: bson.M{"seq": seq}})
	}

	return records
}

func spooledAdd(document bson.M) *bulk.Record {
	return &bulk.Record{Operation: message.OperationAdd, Document: document}
}

func duplicateKey(index int) database.WriteResult {
	return database.WriteResult{
		Failed: map[int]error{index: &database.WriteFailure{Code: 11000, Message: "E11000 duplicate key error"}},
	}
}
