package gbapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okEnvelope = `<response><error>OK</error><limit>1</limit><offset>0</offset>
<number_of_page_results>0</number_of_page_results>
<number_of_total_results>0</number_of_total_results>
<status_code>1</status_code><version>1.0</version><results /></response>`

func newTestRequester(t *testing.T, handler http.Handler) (*Requester, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r := NewRequester(log, srv.Client())
	t.Cleanup(r.Close)
	return r, srv
}

func TestRequestFloorBetweenDispatches(t *testing.T) {
	r, srv := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, okEnvelope)
	}))

	start := time.Now()
	_, err := r.Request(srv.URL, PriorityNormal)
	require.NoError(t, err)
	_, err = r.Request(srv.URL, PriorityNormal)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), MinRequestInterval)
}

func TestPriorityOrdering(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	r, srv := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query().Get("q")
		mu.Lock()
		order = append(order, q)
		mu.Unlock()
		if q == "first" {
			<-gate
		}
		io.WriteString(w, okEnvelope)
	}))

	var wg sync.WaitGroup
	do := func(q string, p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Request(srv.URL+"/?q="+q, p)
			assert.NoError(t, err)
		}()
	}

	// Occupy the worker, then queue behind it out of priority order.
	do("first", PriorityNormal)
	time.Sleep(200 * time.Millisecond)
	do("low", PriorityLow)
	do("normal", PriorityNormal)
	time.Sleep(100 * time.Millisecond)
	do("high", PriorityHigh)
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "first", order[0])
	assert.Equal(t, "high", order[1])
	assert.Equal(t, "low", order[3])
}

func TestHighPriorityOvertakesRateWait(t *testing.T) {
	var mu sync.Mutex
	var order []string

	r, srv := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		order = append(order, req.URL.Query().Get("q"))
		mu.Unlock()
		io.WriteString(w, okEnvelope)
	}))

	// The first request consumes the burst token, so the next dispatch sits
	// out the full floor.
	_, err := r.Request(srv.URL+"/?q=low1", PriorityLow)
	require.NoError(t, err)

	var wg sync.WaitGroup
	do := func(q string, p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Request(srv.URL+"/?q="+q, p)
			assert.NoError(t, err)
		}()
	}
	do("low2", PriorityLow)
	time.Sleep(300 * time.Millisecond)
	do("high", PriorityHigh)
	wg.Wait()

	// The high-priority request arrived while the floor was still elapsing
	// and must be dispatched ahead of the queued low one.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"low1", "high", "low2"}, order)
}

func TestRequestAfterClose(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRequester(log, &http.Client{})
	r.Close()

	_, err := r.Request("http://unreachable.invalid/", PriorityNormal)
	assert.Error(t, err)
}

func TestRequestUpstreamStatus(t *testing.T) {
	r, srv := newTestRequester(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := r.Request(srv.URL, PriorityNormal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream status 500")
}
