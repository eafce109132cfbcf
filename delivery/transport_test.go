package delivery

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packrat-mq/packrat/pubsub"
)

func TestRESTTransportPostsBatch(t *testing.T) {
	var gotSubKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubKey = r.Header.Get("X-Packrat-Sub-Key")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := pushSub("sk.a")
	sub.RestTarget = srv.URL

	tr := NewRESTTransport(time.Second)
	require.NoError(t, tr.Deliver(sub, []*pubsub.Message{msg("pm.1")}))

	assert.Equal(t, "sk.a", gotSubKey)
	var batch []*pubsub.Message
	require.NoError(t, json.Unmarshal(gotBody, &batch))
	require.Len(t, batch, 1)
	assert.Equal(t, "pm.1", batch[0].MsgID)
}

func TestRESTTransportTreatsNon2xxAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := pushSub("sk.a")
	sub.RestTarget = srv.URL

	tr := NewRESTTransport(time.Second)
	assert.Error(t, tr.Deliver(sub, []*pubsub.Message{msg("pm.1")}))
}

func TestServiceTransportDispatchesByName(t *testing.T) {
	tr := NewServiceTransport()

	var got int
	tr.Register("billing", func(sub *pubsub.Subscription, batch []*pubsub.Message) error {
		got = len(batch)
		return nil
	})

	sub := pushSub("sk.a")
	sub.PushType = pubsub.PushService
	sub.ServiceTarget = "billing"

	require.NoError(t, tr.Deliver(sub, []*pubsub.Message{msg("pm.1"), msg("pm.2")}))
	assert.Equal(t, 2, got)

	sub.ServiceTarget = "missing"
	assert.Error(t, tr.Deliver(sub, nil))
}

func TestForSubscription(t *testing.T) {
	rest := NewRESTTransport(time.Second)
	service := NewServiceTransport()

	pull := pushSub("sk.pull")
	pull.DeliveryType = pubsub.DeliveryPull
	assert.Nil(t, ForSubscription(pull, rest, service))

	restSub := pushSub("sk.rest")
	assert.Equal(t, Transport(rest), ForSubscription(restSub, rest, service))

	soap := pushSub("sk.soap")
	soap.PushType = pubsub.PushSoap
	assert.Equal(t, Transport(rest), ForSubscription(soap, rest, service))

	svc := pushSub("sk.svc")
	svc.PushType = pubsub.PushService
	svc.ServiceTarget = "billing"
	assert.Equal(t, Transport(service), ForSubscription(svc, rest, service))
}
