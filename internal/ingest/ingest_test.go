package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/echosphere/internal/logger"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/services"
)

const wildfireMessage = `{
	"id": "EONET_6543",
	"title": "Wildfire near Kuching",
	"closed": null,
	"categories": [{"id": "wildfires", "title": "Wildfires"}],
	"geometry": [
		{"date": "2026-02-27T00:00:00Z", "type": "Point", "coordinates": [111.80, 2.28]},
		{"date": "2026-02-28T06:00:00Z", "type": "Point", "coordinates": [111.82, 2.30]},
		{"date": "2026-02-28T12:00:00Z", "type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}
	]
}`

func TestDecodeEventMessage(t *testing.T) {
	in, err := DecodeEventMessage([]byte(wildfireMessage))

	require.NoError(t, err)
	assert.Equal(t, "EONET_6543", in.ExternalSourceID)
	assert.Equal(t, "wildfires", in.Category)
	assert.Equal(t, models.StatusOpen, in.Status)
	assert.Equal(t, models.Point{Lat: 2.30, Lng: 111.82}, in.Point)
	assert.Equal(t, time.Date(2026, 2, 28, 6, 0, 0, 0, time.UTC), in.ObservedAt.UTC())
	assert.JSONEq(t, wildfireMessage, string(in.Payload))
}

func TestDecodeEventMessage_Closed(t *testing.T) {
	in, err := DecodeEventMessage([]byte(`{
		"id": "EONET_1", "closed": "2026-01-02T00:00:00Z", "categories": [],
		"geometry": [{"date": "2026-01-01T00:00:00Z", "type": "Point", "coordinates": [10, 20]}]
	}`))

	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, in.Status)
	assert.Equal(t, string(models.CategoryOther), in.Category)
}

func TestDecodeEventMessage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `nope`},
		{name: "missing id", data: `{"geometry": [{"date": "2026-01-01T00:00:00Z", "type": "Point", "coordinates": [1, 2]}]}`},
		{name: "no point geometry", data: `{"id": "x", "geometry": []}`},
		{name: "bad coordinates", data: `{"id": "x", "geometry": [{"date": "2026-01-01T00:00:00Z", "type": "Point", "coordinates": "here"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEventMessage([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// MockIngester is a mock implementation of EventIngester for testing
type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) IngestEvent(ctx context.Context, in services.EventInput) (*models.Event, bool, error) {
	args := m.Called(ctx, in)
	event, _ := args.Get(0).(*models.Event)
	return event, args.Bool(1), args.Error(2)
}

func runConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return cancel, done
}

func TestConsumer_IngestsAndCommits(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Value: []byte(wildfireMessage)},
		{Offset: 2, Value: []byte(`garbage`)},
	}}
	ingester := new(MockIngester)
	ingester.On("IngestEvent", mock.Anything, mock.MatchedBy(func(in services.EventInput) bool {
		return in.ExternalSourceID == "EONET_6543"
	})).Return(&models.Event{ExternalSourceID: "EONET_6543"}, true, nil).Once()

	cancel, done := runConsumer(t, NewConsumer(reader, ingester, logger.Nop()))

	require.Eventually(t, func() bool { return len(reader.Committed()) == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2}, reader.Committed())
	assert.True(t, reader.closed)
	ingester.AssertExpectations(t)
}

func TestConsumer_RetriesWhileStoreUnavailable(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 7, Value: []byte(wildfireMessage)}}}
	ingester := new(MockIngester)
	ingester.On("IngestEvent", mock.Anything, mock.Anything).
		Return(nil, false, models.ErrStorageUnavailable).Twice()
	ingester.On("IngestEvent", mock.Anything, mock.Anything).
		Return(&models.Event{ExternalSourceID: "EONET_6543"}, false, nil).Once()

	consumer := NewConsumer(reader, ingester, logger.Nop())
	consumer.retryDelay = time.Millisecond
	cancel, done := runConsumer(t, consumer)

	require.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ingester.AssertNumberOfCalls(t, "IngestEvent", 3)
}

func TestConsumer_DropsInvalidEvents(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 3, Value: []byte(wildfireMessage)}}}
	ingester := new(MockIngester)
	ingester.On("IngestEvent", mock.Anything, mock.Anything).
		Return(nil, false, errors.Join(models.ErrInvalidInput, errors.New("bad status"))).Once()

	cancel, done := runConsumer(t, NewConsumer(reader, ingester, logger.Nop()))

	require.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	ingester.AssertExpectations(t)
}

// failingReader fails every fetch with a broker error.
type failingReader struct{ fakeReader }

func (r *failingReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, errors.New("broker unreachable")
}

func TestConsumer_FetchErrorEndsRun(t *testing.T) {
	reader := &failingReader{}
	consumer := NewConsumer(reader, new(MockIngester), logger.Nop())

	err := consumer.Run(context.Background())

	assert.ErrorContains(t, err, "broker unreachable")
	assert.True(t, reader.closed)
}
