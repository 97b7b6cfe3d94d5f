package uplink_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/srg/vitalsync/internal/metrics"
	"github.com/srg/vitalsync/internal/store"
	"github.com/srg/vitalsync/internal/testutils"
	"github.com/srg/vitalsync/internal/uplink"
	"github.com/stretchr/testify/suite"
)

type capturedRequest struct {
	Method string
	Query  string
	Header string
	Body   string
}

type EngineSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	store   *store.Store
	metrics *metrics.Metrics

	mu       sync.Mutex
	requests []capturedRequest
	status   int
	server   *httptest.Server
}

func (s *EngineSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	st, err := store.Open(filepath.Join(s.T().TempDir(), store.DefaultFileName), s.helper.Logger)
	s.Require().NoError(err)
	s.store = st
	s.metrics = metrics.New()

	s.requests = nil
	s.status = http.StatusOK
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, capturedRequest{
			Method: r.Method,
			Query:  r.URL.Query().Get(uplink.PatientParam),
			Header: r.Header.Get(uplink.PatientHeader),
			Body:   string(body),
		})
		status := s.status
		s.mu.Unlock()
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, `{"ok":true}`)
	}))
}

func (s *EngineSuite) TearDownTest() {
	s.server.Close()
	_ = s.store.Close()
}

func (s *EngineSuite) engine(endpoint string, opts ...uplink.Option) *uplink.Engine {
	opts = append(opts, uplink.WithMetrics(s.metrics))
	return uplink.New(s.store, uplink.Config{Endpoint: endpoint, Timeout: 2 * time.Second}, s.helper.Logger, opts...)
}

func (s *EngineSuite) seed(patient string, n int, from time.Duration) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%02d", patient, i)
		s.Require().NoError(s.store.Append(testutils.QueuedReadingAt(id, patient, from+time.Duration(i)*time.Second)))
	}
}

func (s *EngineSuite) captured() []capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedRequest(nil), s.requests...)
}

func (s *EngineSuite) pending() int {
	_, pending, err := s.store.Counts()
	s.Require().NoError(err)
	return pending
}

func (s *EngineSuite) TestEmptyQueueIsIdle() {
	e := s.engine(s.server.URL)

	state := e.SyncNow(s.helper.Context())

	s.Equal(uplink.StatusIdle, state.Status)
	s.Nil(state.LastSyncAt)
	s.Empty(s.captured(), "no network call for an empty queue")
}

func (s *EngineSuite) TestSuccessfulSyncMarksEverythingUploaded() {
	now := testutils.BaseTime.Add(time.Hour)
	e := s.engine(s.server.URL, uplink.WithClock(func() time.Time { return now }))
	s.seed("P001", 3, 0)

	state := e.SyncNow(s.helper.Context())

	s.Equal(uplink.StatusIdle, state.Status)
	s.False(state.Offline)
	s.Empty(state.LastError)
	s.Equal(3, state.LastUploaded)
	s.Require().NotNil(state.LastSyncAt)
	s.True(now.Equal(*state.LastSyncAt))
	s.Zero(s.pending())

	reqs := s.captured()
	s.Require().Len(reqs, 1)
	s.Equal(http.MethodPost, reqs[0].Method)
	s.Equal("P001", reqs[0].Header)
	s.Equal("P001", reqs[0].Query)

	testutils.NewJSONAsserter(s.T()).Assert(reqs[0].Body, `[
		{"id":"P001-00","patientId":"P001","heartRate":128,"spo2":91,"hrv":43,"systolicBP":151,"diastolicBP":97,"temperature":37.45,"timestamp":"2025-03-01T08:00:00.000Z"},
		{"id":"P001-01","patientId":"P001","timestamp":"2025-03-01T08:00:01.000Z"},
		{"id":"P001-02","patientId":"P001","timestamp":"2025-03-01T08:00:02.000Z"}
	]`)

	s.Equal(3.0, testutils.MetricValue(s.T(), s.metrics.Registry(), "vitalsync_readings_uploaded_total"))
}

func (s *EngineSuite) TestBatchesGroupedByPatientAndCapped() {
	e := uplink.New(s.store, uplink.Config{Endpoint: s.server.URL, MaxBatch: 2}, s.helper.Logger)
	s.seed("P002", 1, 0)
	s.seed("P001", 3, time.Minute)

	state := e.SyncNow(s.helper.Context())
	s.Require().Equal(uplink.StatusIdle, state.Status)
	s.Equal(4, state.LastUploaded)

	reqs := s.captured()
	s.Require().Len(reqs, 3)
	s.Equal([]string{"P002", "P001", "P001"}, []string{reqs[0].Header, reqs[1].Header, reqs[2].Header})

	ja := testutils.NewJSONAsserter(s.T())
	ja.Assert(reqs[1].Body, `[{"id":"P001-00"},{"id":"P001-01"}]`)
	ja.Assert(reqs[2].Body, `[{"id":"P001-02"}]`)
}

func (s *EngineSuite) TestUnreachableEndpointGoesOffline() {
	dead := httptest.NewServer(http.NotFoundHandler())
	endpoint := dead.URL
	dead.Close()

	e := s.engine(endpoint)
	s.seed("P001", 3, 0)

	state := e.SyncNow(s.helper.Context())

	s.Equal(uplink.StatusError, state.Status)
	s.True(state.Offline)
	s.NotEmpty(state.LastError)
	s.Equal(uplink.KindNetwork, uplink.KindOf(e.LastErr()))
	s.Equal(3, s.pending(), "entries stay unsynced")

	unsynced, err := s.store.ListUnsynced()
	s.Require().NoError(err)
	for _, r := range unsynced {
		s.False(r.Uploaded)
	}
	s.Equal(1.0, testutils.MetricValue(s.T(), s.metrics.Registry(), "vitalsync_sync_attempts_total"))
}

func (s *EngineSuite) TestServerRejectionIsNotOffline() {
	s.status = http.StatusInternalServerError
	e := s.engine(s.server.URL)
	s.seed("P001", 2, 0)

	state := e.SyncNow(s.helper.Context())

	s.Equal(uplink.StatusError, state.Status)
	s.False(state.Offline)
	s.Contains(state.LastError, "500")
	s.Equal(2, s.pending())

	var serr *uplink.SyncError
	s.Require().ErrorAs(e.LastErr(), &serr)
	s.Equal(uplink.KindServer, serr.Kind)
	s.Equal(http.StatusInternalServerError, serr.StatusCode)
	s.Equal("P001", serr.PatientID)
}

func (s *EngineSuite) TestRejectionBodyIsCutOnRuneBoundary() {
	// one ASCII byte then two-byte runes, so byte 200 falls inside a rune
	body := "x" + strings.Repeat("é", 150)
	verbose := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = fmt.Fprint(w, body)
	}))
	defer verbose.Close()

	e := s.engine(verbose.URL)
	s.seed("P001", 1, 0)

	state := e.SyncNow(s.helper.Context())
	s.Equal(uplink.StatusError, state.Status)
	s.True(utf8.ValidString(state.LastError), "last error is valid UTF-8")

	var serr *uplink.SyncError
	s.Require().ErrorAs(e.LastErr(), &serr)
	s.Equal(body[:199], serr.Err.Error())
}

func (s *EngineSuite) TestRecoversAfterOutage() {
	s.status = http.StatusServiceUnavailable
	e := s.engine(s.server.URL)
	s.seed("P001", 2, 0)

	s.Equal(uplink.StatusError, e.SyncNow(s.helper.Context()).Status)

	s.mu.Lock()
	s.status = http.StatusCreated
	s.mu.Unlock()

	state := e.SyncNow(s.helper.Context())
	s.Equal(uplink.StatusIdle, state.Status)
	s.Empty(state.LastError)
	s.NoError(e.LastErr())
	s.Zero(s.pending())
}

func (s *EngineSuite) TestMissingEndpointIsConfigError() {
	e := s.engine("")
	s.seed("P001", 1, 0)

	state := e.SyncNow(s.helper.Context())

	s.Equal(uplink.StatusError, state.Status)
	s.False(state.Offline)
	s.ErrorIs(e.LastErr(), uplink.ErrNoEndpoint)
	s.Equal(uplink.KindConfig, uplink.KindOf(e.LastErr()))

	e.SetEndpoint("not a url")
	e.SyncNow(s.helper.Context())
	s.Equal(uplink.KindConfig, uplink.KindOf(e.LastErr()))
}

func (s *EngineSuite) TestSetEndpointAppliesToNextPass() {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer other.Close()

	e := s.engine(s.server.URL)
	s.seed("P001", 1, 0)
	e.SyncNow(s.helper.Context())
	s.Len(s.captured(), 1)

	e.SetEndpoint(other.URL)
	s.Equal(other.URL, e.Endpoint())
	s.seed("P002", 1, time.Minute)
	e.SyncNow(s.helper.Context())
	s.Len(s.captured(), 1, "second pass went to the new endpoint")
	s.Zero(s.pending())
}

func (s *EngineSuite) TestConcurrentSyncNowCoalesces() {
	var hits atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(entered)
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	e := s.engine(slow.URL)
	s.seed("P001", 3, 0)

	done := make(chan uplink.State, 1)
	go func() { done <- e.SyncNow(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(testutils.DefaultWait):
		s.FailNow("first sync never reached the endpoint")
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := e.SyncNow(context.Background())
			s.Equal(uplink.StatusSyncing, state.Status)
		}()
	}
	wg.Wait()
	close(release)

	state := <-done
	s.Equal(uplink.StatusIdle, state.Status)
	s.Equal(int32(1), hits.Load(), "overlapping calls make one network call")
	s.Zero(s.pending())
}

func (s *EngineSuite) TestCanceledContext() {
	blocked := make(chan struct{})
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer func() {
		close(blocked)
		hang.Close()
	}()

	e := s.engine(hang.URL)
	s.seed("P001", 1, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	state := e.SyncNow(ctx)

	s.Equal(uplink.StatusError, state.Status)
	s.False(state.Offline)
	s.Equal(uplink.KindCanceled, uplink.KindOf(e.LastErr()))
	s.Equal(1, s.pending())
}

func (s *EngineSuite) TestRunTicksUntilCanceled() {
	e := s.engine(s.server.URL)
	s.seed("P001", 1, 0)

	s.NoError(e.Run(context.Background(), 0), "non-positive interval disables the ticker")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx, 10*time.Millisecond) }()

	s.Eventually(func() bool { return s.pending() == 0 }, testutils.DefaultWait, 10*time.Millisecond)
	cancel()
	s.ErrorIs(<-errCh, context.Canceled)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}
