package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 2*time.Second)
}

func TestFetchPanelTags(t *testing.T) {
	t.Run("flat map", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/modbus/ccm1/tags", r.URL.Path)
			fmt.Fprint(w, `{"CCM1_FATOR_POTENCIA":{"name":"CCM1_FATOR_POTENCIA","value":0.91,"ts":"2024-01-01T00:00:00Z","quality":"GOOD"}}`)
		})
		set, err := c.FetchPanelTags(context.Background(), "ccm1")
		require.NoError(t, err)
		n, ok := set.Tags["CCM1_FATOR_POTENCIA"].Value.AsNumber()
		require.True(t, ok)
		assert.Equal(t, 0.91, n)
	})

	t.Run("envelope", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"ts":"2024-01-01T00:00:00Z","tags":{"A":{"value":true}}}`)
		})
		set, err := c.FetchPanelTags(context.Background(), "ccm1")
		require.NoError(t, err)
		assert.Equal(t, "2024-01-01T00:00:00Z", set.EnvelopeTS)
		assert.Len(t, set.Tags, 1)
	})

	t.Run("http error", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		})
		_, err := c.FetchPanelTags(context.Background(), "ccm2")
		var bu *BackendUnavailable
		require.True(t, errors.As(err, &bu))
		assert.Equal(t, http.StatusServiceUnavailable, bu.Status)
	})

	t.Run("malformed body", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<html>oops</html>`)
		})
		_, err := c.FetchPanelTags(context.Background(), "ccm1")
		var mr *MalformedResponse
		require.True(t, errors.As(err, &mr))
		assert.Equal(t, "/api/modbus/ccm1/tags", mr.Path)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		c := NewClient(url, time.Second)
		_, err := c.FetchPanelTags(context.Background(), "ccm1")
		var bu *BackendUnavailable
		require.True(t, errors.As(err, &bu))
		assert.Equal(t, 0, bu.Status)
	})
}

func TestPerPanelSourceIsolatesFailures(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/modbus/ccm1/tags":
			fmt.Fprint(w, `{"X":{"value":1}}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	src, err := NewTagSource(c, ContractPerPanel)
	require.NoError(t, err)

	res := src.Fetch(context.Background(), []string{"ccm1", "ccm2"})
	require.NoError(t, res["ccm1"].Err)
	require.Error(t, res["ccm2"].Err)
	assert.Equal(t, []string{"ccm2"}, res.Failed([]string{"ccm1", "ccm2"}))
}

func TestUnifiedSource(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/modbus/tags/all", r.URL.Path)
		fmt.Fprint(w, `{"ccm1":{"X":{"value":1}}}`)
	})
	src, err := NewTagSource(c, ContractUnified)
	require.NoError(t, err)

	res := src.Fetch(context.Background(), []string{"ccm1", "ccm2"})
	require.NoError(t, res["ccm1"].Err)
	assert.Error(t, res["ccm2"].Err)

	_, err = NewTagSource(c, "bogus")
	assert.Error(t, err)
}

func TestUnifiedSourceIsolatesMalformedPanel(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ccm1":{"X":{"value":1,"ts":1700000000000}},"ccm2":"offline"}`)
	})
	src, err := NewTagSource(c, ContractUnified)
	require.NoError(t, err)

	res := src.Fetch(context.Background(), []string{"ccm1", "ccm2"})
	require.NoError(t, res["ccm1"].Err)
	n, ok := res["ccm1"].Set.Tags["X"].Value.AsNumber()
	require.True(t, ok)
	assert.Equal(t, 1.0, n)

	var mr *MalformedResponse
	require.True(t, errors.As(res["ccm2"].Err, &mr))
	assert.Equal(t, "/api/modbus/tags/all", mr.Path)
	assert.Equal(t, []string{"ccm2"}, res.Failed([]string{"ccm1", "ccm2"}))
}

func TestUnifiedSourceWholeBodyMalformed(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>`)
	})
	src, err := NewTagSource(c, ContractUnified)
	require.NoError(t, err)

	res := src.Fetch(context.Background(), []string{"ccm1", "ccm2"})
	assert.Equal(t, []string{"ccm1", "ccm2"}, res.Failed([]string{"ccm1", "ccm2"}))
	var mr *MalformedResponse
	assert.True(t, errors.As(res["ccm1"].Err, &mr))
}

func TestCommands(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/consumption/ccm1/reset-date":
			fmt.Fprint(w, `{"date":"2024-05-01T00:00:00Z"}`)
		case "/consumption/ccm2/reset-date":
			fmt.Fprint(w, `{"date":null}`)
		case "/modbus/ccm9/reset":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	require.NoError(t, c.Reset(ctx, "ccm1"))
	require.NoError(t, c.Emergency(ctx, "ccm2"))
	require.NoError(t, c.ClearEmergency(ctx))
	require.NoError(t, c.ResetConsumption(ctx, "ccm1"))

	date, err := c.ConsumptionResetDate(ctx, "ccm1")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T00:00:00Z", date)

	date, err = c.ConsumptionResetDate(ctx, "ccm2")
	require.NoError(t, err)
	assert.Empty(t, date)

	err = c.Reset(ctx, "ccm9")
	var bu *BackendUnavailable
	require.True(t, errors.As(err, &bu))
	assert.Equal(t, http.StatusNotFound, bu.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /modbus/ccm1/reset",
		"POST /modbus/ccm2/emergency",
		"POST /cmd/parar/clear",
		"POST /consumption/ccm1/reset",
		"GET /consumption/ccm1/reset-date",
		"GET /consumption/ccm2/reset-date",
		"POST /modbus/ccm9/reset",
	}, calls)
}

func TestFetchEfficiency(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/efficiency/energy", r.URL.Path)
		fmt.Fprint(w, `{"overallEfficiency":0.734,"totalActiveCurrent":120.5,"totalNominalCurrentOfActives":164,"activeProductiveMotorsCount":3,"activeMotorNames":["M1","M2","M5"]}`)
	})
	eff, err := c.FetchEfficiency(context.Background(), EfficiencyEnergy)
	require.NoError(t, err)
	assert.Equal(t, 3, eff.ActiveProductiveMotorsCount)
	assert.InDelta(t, 73.4, eff.Percent(), 1e-9)

	_, err = ParseEfficiencyKind("water")
	assert.Error(t, err)
}

func TestParseOverviewEvent(t *testing.T) {
	items, err := ParseOverviewEvent(`data: [{"name":"Esteira 1","ccm":"ccm1","status":1,"current":12.5,"fault":0,"hours":100}]`)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ccm1", items[0].CCM)

	_, err = ParseOverviewEvent(`{"not":"array"}`)
	assert.Error(t, err)
	_, err = ParseOverviewEvent(`null`)
	assert.Error(t, err)
}

func TestMotorStreamSkipsBadEventsAndReconnects(t *testing.T) {
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&conns, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			fmt.Fprint(w, "data: [{\"name\":\"A\",\"ccm\":\"ccm1\",\"status\":1}]\n\n")
			fmt.Fprint(w, "data: not json\n\n")
			fmt.Fprint(w, ": keepalive\n\n")
			return
		}
		fmt.Fprint(w, "data: [{\"name\":\"A\",\"ccm\":\"ccm1\",\"status\":0},{\"name\":\"B\",\"ccm\":\"ccm2\",\"fault\":1}]\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	stream := c.NewMotorStream(20 * time.Millisecond)

	updates := make(chan []MotorOverview, 8)
	stream.SetOnUpdate(func(items []MotorOverview) { updates <- items })
	var parseErrs int32
	stream.SetOnError(func(err error) {
		var mr *MalformedResponse
		if errors.As(err, &mr) {
			atomic.AddInt32(&parseErrs, 1)
		}
	})
	stream.Start()
	defer stream.Stop()

	got := 0
	timeout := time.After(3 * time.Second)
	for got < 2 {
		select {
		case items := <-updates:
			got++
			if got == 2 {
				assert.Len(t, items, 2)
			}
		case <-timeout:
			t.Fatalf("received %d updates, want 2", got)
		}
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&conns), int32(2))
	assert.Equal(t, int32(1), atomic.LoadInt32(&parseErrs))
	assert.Len(t, stream.Latest(), 2)
	assert.Equal(t, int64(1), stream.Stats().ParseErrors)
}

func TestMotorStreamRetriesAfterHTTPError(t *testing.T) {
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&conns, 1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [{\"name\":\"A\",\"ccm\":\"ccm1\",\"status\":1}]\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	stream := NewClient(srv.URL, time.Second).NewMotorStream(20 * time.Millisecond)
	errs := make(chan error, 8)
	stream.SetOnError(func(err error) { errs <- err })
	stream.Start()

	select {
	case err := <-errs:
		var bu *BackendUnavailable
		require.True(t, errors.As(err, &bu))
		assert.Equal(t, http.StatusServiceUnavailable, bu.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("no error reported for the failed connection")
	}

	require.Eventually(t, func() bool { return len(stream.Latest()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, stream.Connected())

	stream.Stop()
	assert.False(t, stream.Connected())
}
