package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/metrics"
)

const testSecret = "hush"

type fakeDeliveries struct {
	mu      sync.Mutex
	rows    map[string]string
	dead    map[string]string
	deleted []string
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{rows: map[string]string{}, dead: map[string]string{}}
}

func (f *fakeDeliveries) InsertIfAbsent(_ context.Context, shop, id, topic string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := shop + "/" + id
	if _, ok := f.rows[key]; ok {
		return false, nil
	}
	f.rows[key] = topic
	return true, nil
}

func (f *fakeDeliveries) MarkDeadLetter(_ context.Context, shop, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[shop+"/"+id] = msg
	return nil
}

func (f *fakeDeliveries) Delete(_ context.Context, shop, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, shop+"/"+id)
	f.deleted = append(f.deleted, id)
	return nil
}

func signedHeaders(body []byte, id string) http.Header {
	h := http.Header{}
	h.Set(HeaderHmac, SignWebhook([]byte(testSecret), body))
	h.Set(HeaderWebhookID, id)
	h.Set(HeaderTopic, "orders/create")
	h.Set(HeaderShopDomain, "acme.myshopify.com")
	return h
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"id":1}`)
	sig := SignWebhook([]byte(testSecret), body)

	assert.True(t, VerifyWebhookSignature([]byte(testSecret), body, sig))
	assert.False(t, VerifyWebhookSignature([]byte(testSecret), []byte(`{"id": 1}`), sig), "signature covers exact bytes")
	assert.False(t, VerifyWebhookSignature([]byte("other"), body, sig))
	assert.False(t, VerifyWebhookSignature([]byte(testSecret), body, ""))
	assert.False(t, VerifyWebhookSignature(nil, body, sig))
}

func TestIngest_AcceptsAndDispatches(t *testing.T) {
	deliveries := newFakeDeliveries()
	dispatcher := &fakeDispatcher{}
	m := metrics.New()
	svc := NewWebhookService(testSecret, deliveries, dispatcher, m)

	body := []byte(`{"id":820982911946154500,"email":"jon@example.com"}`)
	result, err := svc.Ingest(context.Background(), body, signedHeaders(body, "d-1"))
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, result)

	require.Len(t, dispatcher.sent, 1)
	msg := dispatcher.sent[0].msg
	assert.Equal(t, "orders/create", msg.Topic)
	assert.Equal(t, "acme", msg.Shop)
	assert.Equal(t, "d-1", msg.DeliveryID)
	assert.JSONEq(t, string(body), string(msg.Payload))
	assert.Equal(t, "orders/create", deliveries.rows["acme/d-1"])
}

func TestIngest_DuplicateDeliveryDispatchesOnce(t *testing.T) {
	deliveries := newFakeDeliveries()
	dispatcher := &fakeDispatcher{}
	svc := NewWebhookService(testSecret, deliveries, dispatcher, nil)

	body := []byte(`{"id":1}`)
	first, err := svc.Ingest(context.Background(), body, signedHeaders(body, "d-1"))
	require.NoError(t, err)
	second, err := svc.Ingest(context.Background(), body, signedHeaders(body, "d-1"))
	require.NoError(t, err)

	assert.Equal(t, IngestAccepted, first)
	assert.Equal(t, IngestDuplicate, second)
	assert.Len(t, dispatcher.sent, 1)
	assert.Len(t, deliveries.rows, 1)
}

func TestIngest_ConcurrentDuplicates(t *testing.T) {
	deliveries := newFakeDeliveries()
	dispatcher := &fakeDispatcher{}
	svc := NewWebhookService(testSecret, deliveries, dispatcher, nil)
	body := []byte(`{"id":1}`)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Ingest(context.Background(), body, signedHeaders(body, "d-race"))
		}()
	}
	wg.Wait()

	assert.Len(t, dispatcher.sent, 1)
}

func TestIngest_BadSignature(t *testing.T) {
	deliveries := newFakeDeliveries()
	dispatcher := &fakeDispatcher{}
	svc := NewWebhookService(testSecret, deliveries, dispatcher, nil)

	body := []byte(`{"id":1}`)
	headers := signedHeaders(body, "d-1")
	headers.Set(HeaderHmac, SignWebhook([]byte("wrong"), body))

	_, err := svc.Ingest(context.Background(), body, headers)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryVerification))
	assert.Equal(t, http.StatusUnauthorized, apperrors.GetHTTPStatusCode(err))
	assert.Empty(t, deliveries.rows, "no side effects before verification")
	assert.Empty(t, dispatcher.sent)
}

func TestIngest_MissingHeaders(t *testing.T) {
	svc := NewWebhookService(testSecret, newFakeDeliveries(), &fakeDispatcher{}, nil)
	body := []byte(`{}`)

	for _, header := range []string{HeaderWebhookID, HeaderTopic, HeaderShopDomain} {
		headers := signedHeaders(body, "d-1")
		headers.Del(header)
		_, err := svc.Ingest(context.Background(), body, headers)
		assert.Equal(t, http.StatusBadRequest, apperrors.GetHTTPStatusCode(err), header)
	}
}

func TestIngest_InvalidJSONIsDeadLettered(t *testing.T) {
	deliveries := newFakeDeliveries()
	dispatcher := &fakeDispatcher{}
	svc := NewWebhookService(testSecret, deliveries, dispatcher, nil)

	body := []byte(`{"id":`)
	_, err := svc.Ingest(context.Background(), body, signedHeaders(body, "d-1"))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperrors.GetHTTPStatusCode(err))
	assert.Contains(t, deliveries.dead, "acme/d-1")
	assert.Empty(t, dispatcher.sent)
}

func TestIngest_DispatchFailureForgetsDelivery(t *testing.T) {
	deliveries := newFakeDeliveries()
	dispatcher := &fakeDispatcher{err: errors.New("redis down")}
	svc := NewWebhookService(testSecret, deliveries, dispatcher, nil)

	body := []byte(`{"id":1}`)
	_, err := svc.Ingest(context.Background(), body, signedHeaders(body, "d-1"))
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, apperrors.GetHTTPStatusCode(err))
	assert.Equal(t, []string{"d-1"}, deliveries.deleted)

	dispatcher.err = nil
	result, err := svc.Ingest(context.Background(), body, signedHeaders(body, "d-1"))
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, result, "redelivery is processed")
}
