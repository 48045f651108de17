package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/internal/repository"
	"github.com/fjod/go_cart/shop-service/internal/store"
	"github.com/google/uuid"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

type mockRepository struct {
	m           sync.RWMutex
	events      []*repository.OutboxEvent
	fetchErr    error
	markErr     error
	processed   []uuid.UUID
	purgeErr    error
	purgeCalled bool
	olderThan   time.Time
}

func (r *mockRepository) GetUnprocessedEvents(context.Context, int) ([]*repository.OutboxEvent, error) {
	r.m.RLock()
	defer r.m.RUnlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return r.events, nil
}

func (r *mockRepository) MarkEventAsProcessed(_ context.Context, id uuid.UUID) error {
	r.m.Lock()
	defer r.m.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	r.processed = append(r.processed, id)
	return nil
}

func (r *mockRepository) DeleteProcessedEvents(_ context.Context, olderThan time.Time) (int64, error) {
	r.m.Lock()
	defer r.m.Unlock()
	r.purgeCalled = true
	r.olderThan = olderThan
	return 3, r.purgeErr
}

func (r *mockRepository) processedIDs() []uuid.UUID {
	r.m.RLock()
	defer r.m.RUnlock()
	return append([]uuid.UUID(nil), r.processed...)
}

type mockWriter struct {
	m        sync.RWMutex
	messages []kafkaGo.Message
	failKey  string
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	w.m.Lock()
	defer w.m.Unlock()
	for _, msg := range msgs {
		if w.failKey != "" && string(msg.Key) == w.failKey {
			return fmt.Errorf("broker rejected message %s", msg.Key)
		}
		w.messages = append(w.messages, msg)
	}
	return nil
}

func (w *mockWriter) Close() error { return nil }

func (w *mockWriter) written() []kafkaGo.Message {
	w.m.RLock()
	defer w.m.RUnlock()
	return append([]kafkaGo.Message(nil), w.messages...)
}

func newTestPoller(repo repository.OutboxRepository, w MessageWriter) *OutboxPoller {
	return &OutboxPoller{
		timeout:   time.Second,
		eventTick: 10 * time.Millisecond,
		purgeTick: time.Hour,
		repo:      repo,
		writer:    w,
	}
}

func outboxEvent(aggregate, eventType string) *repository.OutboxEvent {
	return &repository.OutboxEvent{
		ID:          uuid.New(),
		AggregateId: aggregate,
		EventType:   eventType,
		Payload:     json.RawMessage(fmt.Sprintf(`{"order_number":%q}`, aggregate)),
		CreatedAt:   time.Now(),
	}
}

func TestProcessUnpublishedEvents_PublishesAndMarks(t *testing.T) {
	first := outboxEvent("ORD-1", domain.EventOrderCreated)
	second := outboxEvent("ORD-2", domain.EventPaymentCompleted)
	repo := &mockRepository{events: []*repository.OutboxEvent{first, second}}
	w := &mockWriter{}

	newTestPoller(repo, w).processUnpublishedEvents(context.Background())

	msgs := w.written()
	require.Len(t, msgs, 2)
	assert.Equal(t, "ORD-1", string(msgs[0].Key))
	assert.Equal(t, first.Payload, msgs[0].Value)
	assert.Equal(t, "event_type", msgs[0].Headers[0].Key)
	assert.Equal(t, domain.EventOrderCreated, string(msgs[0].Headers[0].Value))
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, repo.processedIDs())
}

func TestProcessUnpublishedEvents_FailedPublishIsNotMarked(t *testing.T) {
	ok := outboxEvent("ORD-1", domain.EventOrderCreated)
	failing := outboxEvent("ORD-2", domain.EventOrderCancelled)
	repo := &mockRepository{events: []*repository.OutboxEvent{failing, ok}}
	w := &mockWriter{failKey: "ORD-2"}

	newTestPoller(repo, w).processUnpublishedEvents(context.Background())

	assert.Equal(t, []uuid.UUID{ok.ID}, repo.processedIDs())
}

func TestProcessUnpublishedEvents_FetchError(t *testing.T) {
	repo := &mockRepository{fetchErr: errors.New("database connection error")}
	w := &mockWriter{}

	newTestPoller(repo, w).processUnpublishedEvents(context.Background())

	assert.Empty(t, w.written())
	assert.Empty(t, repo.processedIDs())
}

func TestPurgeProcessedEvents(t *testing.T) {
	repo := &mockRepository{}

	newTestPoller(repo, &mockWriter{}).purgeProcessedEvents(context.Background())

	assert.True(t, repo.purgeCalled)
	assert.WithinDuration(t, time.Now().Add(-retention), repo.olderThan, time.Minute)
}

func TestRun_DrainsMemoryOutbox(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	err := st.InTx(ctx, repository.ReadWrite, func(q repository.Queries) error {
		return q.AddOutboxEvent(ctx, "ORD-7", domain.EventOrderCreated, map[string]string{"order_number": "ORD-7"})
	})
	require.NoError(t, err)
	w := &mockWriter{}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go newTestPoller(st, w).Run(runCtx)

	assert.Eventually(t, func() bool {
		events, err := st.GetUnprocessedEvents(ctx, 10)
		return err == nil && len(events) == 0 && len(w.written()) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func setupKafka(t *testing.T) string {
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers, "broker address should not be empty")
	return brokers[0]
}

func createTopic(t *testing.T, brokerAddr, topic string) {
	conn, err := kafkaGo.Dial("tcp", brokerAddr)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkaGo.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	require.NoError(t, err)
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkaGo.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	if err != nil {
		t.Logf("topic creation error (may already exist): %v", err)
	}
}

func TestOutboxPoller_PublishesEventsToKafka(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka integration test in short mode")
	}
	brokerAddr := setupKafka(t)
	createTopic(t, brokerAddr, Topic)
	time.Sleep(5 * time.Second)

	event := outboxEvent("ORD-123", domain.EventOrderCreated)
	repo := &mockRepository{events: []*repository.OutboxEvent{event}}
	writer := &kafkaGo.Writer{
		Addr:         kafkaGo.TCP(brokerAddr),
		Topic:        Topic,
		Balancer:     &kafkaGo.Hash{},
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	defer writer.Close()

	poller := newTestPoller(repo, writer)
	poller.timeout = 10 * time.Second
	poller.processUnpublishedEvents(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers:  []string{brokerAddr},
		Topic:    Topic,
		GroupID:  "test-consumer",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	msg, err := reader.ReadMessage(ctx)
	require.NoError(t, err)

	assert.Equal(t, "ORD-123", string(msg.Key))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, "ORD-123", payload["order_number"])
	assert.Equal(t, []uuid.UUID{event.ID}, repo.processedIDs())
}
