package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReplaceAndList(t *testing.T) {
	r := NewOfferRegistry()
	now := time.Now()

	r.Register("bob", "lno1-old", now)
	r.Register("alice", "lno1-alice", now)
	r.Register("bob", "lno1-new", now.Add(time.Minute))

	offer, ok := r.OfferFor("bob")
	require.True(t, ok)
	assert.Equal(t, "lno1-new", offer.Reference)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alice", string(list[0].Owner))
}

func TestFakePayLeg(t *testing.T) {
	r := NewOfferRegistry()
	r.Register("bob", "lno1-bob", time.Now())
	f := NewFakeCollaborator(r)

	proof, err := f.PayLeg(context.Background(), "bob", 1234)
	require.NoError(t, err)
	assert.NotEmpty(t, proof)
	require.Len(t, f.Paid, 1)
	assert.Equal(t, int64(1234), f.Paid[0].AmountSats)

	_, err = f.PayLeg(context.Background(), "carol", 99)
	assert.ErrorIs(t, err, ErrOfferMissing)
}

func TestFakeHonorsContext(t *testing.T) {
	f := NewFakeCollaborator(NewOfferRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.PayLeg(ctx, "bob", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidBackend(t *testing.T) {
	assert.True(t, ValidBackend(BackendFake))
	assert.True(t, ValidBackend(BackendHTTP))
	assert.False(t, ValidBackend("lightning"))
	assert.False(t, ValidBackend(""))
}

func TestHTTPCollaborator(t *testing.T) {
	type call struct {
		path   string
		to     string
		amount int64
	}
	var calls []call

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			To         string `json:"to"`
			AmountSats int64  `json:"amount_sats"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		calls = append(calls, call{path: r.URL.Path, to: body.To, amount: body.AmountSats})

		switch body.To {
		case "down":
			http.Error(w, "processor unavailable", http.StatusServiceUnavailable)
		case "empty":
			_, _ = w.Write([]byte(`{}`))
		default:
			_, _ = w.Write([]byte(`{"proof_ref":"preimage-123"}`))
		}
	}))
	defer srv.Close()

	c := NewHTTPCollaborator(srv.URL + "/")
	ctx := context.Background()

	proof, err := c.PayLeg(ctx, "bob", 5_000)
	require.NoError(t, err)
	assert.Equal(t, "preimage-123", proof)

	proof, err = c.Escrow(ctx, "carol", 7_500)
	require.NoError(t, err)
	assert.Equal(t, "preimage-123", proof)

	require.Len(t, calls, 2)
	assert.Equal(t, call{path: "/pay", to: "bob", amount: 5_000}, calls[0])
	assert.Equal(t, call{path: "/escrow", to: "carol", amount: 7_500}, calls[1])

	_, err = c.PayLeg(ctx, "down", 1)
	assert.ErrorContains(t, err, "returned 503")

	_, err = c.PayLeg(ctx, "empty", 1)
	assert.ErrorContains(t, err, "no proof_ref")
}
