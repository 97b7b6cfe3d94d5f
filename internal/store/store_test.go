package store_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/srg/vitalsync/internal/device"
	"github.com/srg/vitalsync/internal/store"
	"github.com/srg/vitalsync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type StoreSuite struct {
	suite.Suite

	path  string
	store *store.Store
}

func (s *StoreSuite) SetupTest() {
	s.path = store.DefaultPath(filepath.Join(s.T().TempDir(), "data"))
	st, err := store.Open(s.path, testutils.NewLogger())
	s.Require().NoError(err)
	s.store = st
}

func (s *StoreSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *StoreSuite) reopen() {
	s.Require().NoError(s.store.Close())
	st, err := store.Open(s.path, nil)
	s.Require().NoError(err)
	s.store = st
}

func (s *StoreSuite) ids(readings []device.QueuedReading) []string {
	out := make([]string, len(readings))
	for i, r := range readings {
		out[i] = r.ID
	}
	return out
}

func (s *StoreSuite) TestListUnsyncedOrdersByTimestamp() {
	// appended out of order on purpose
	offsets := []time.Duration{3 * time.Second, time.Second, 5 * time.Second, 2 * time.Second, 4 * time.Second}
	for i, off := range offsets {
		s.Require().NoError(s.store.Append(testutils.QueuedReadingAt(fmt.Sprintf("r%d", i), "P001", off)))
	}

	got, err := s.store.ListUnsynced()
	s.Require().NoError(err)
	s.Require().Len(got, len(offsets))
	s.Equal([]string{"r1", "r3", "r0", "r4", "r2"}, s.ids(got))

	for i := 1; i < len(got); i++ {
		s.LessOrEqual(got[i-1].Timestamp, got[i].Timestamp)
	}
}

func (s *StoreSuite) TestEqualTimestampsDoNotCollide() {
	s.Require().NoError(s.store.Append(testutils.QueuedReadingAt("b", "P001", 0)))
	s.Require().NoError(s.store.Append(testutils.QueuedReadingAt("a", "P001", 0)))

	got, err := s.store.ListUnsynced()
	s.Require().NoError(err)
	s.Equal([]string{"a", "b"}, s.ids(got))
}

func (s *StoreSuite) TestTimestampIsCanonicalized() {
	r := testutils.QueuedReadingAt("r1", "P001", 0)
	r.Timestamp = "2025-03-01T10:00:00+02:00"
	s.Require().NoError(s.store.Append(r))

	got, err := s.store.ListUnsynced()
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("2025-03-01T08:00:00.000Z", got[0].Timestamp)
}

func (s *StoreSuite) TestAppendRejectsInvalidRecords() {
	cases := []struct {
		name   string
		mutate func(*device.QueuedReading)
		target error
	}{
		{"missing id", func(r *device.QueuedReading) { r.ID = "" }, store.ErrMissingID},
		{"missing patient", func(r *device.QueuedReading) { r.PatientID = "" }, device.ErrNoPatient},
		{"bad timestamp", func(r *device.QueuedReading) { r.Timestamp = "yesterday" }, nil},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			r := testutils.QueuedReadingAt("x", "P001", 0)
			tc.mutate(&r)
			err := s.store.Append(r)
			s.Require().Error(err)

			var serr *device.StorageError
			s.Require().ErrorAs(err, &serr)
			s.Equal("append", serr.Op)
			if tc.target != nil {
				s.ErrorIs(err, tc.target)
			}
		})
	}

	total, _, err := s.store.Counts()
	s.Require().NoError(err)
	s.Zero(total)
}

func (s *StoreSuite) TestAppendRejectsDuplicateID() {
	s.Require().NoError(s.store.Append(testutils.QueuedReadingAt("r1", "P001", 0)))
	err := s.store.Append(testutils.QueuedReadingAt("r1", "P001", time.Second))
	s.ErrorIs(err, store.ErrDuplicateID)

	total, pending, err := s.store.Counts()
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Equal(1, pending)
}

func (s *StoreSuite) TestMarkUploadedIsIdempotent() {
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.store.Append(testutils.QueuedReadingAt(fmt.Sprintf("r%d", i), "P001", time.Duration(i)*time.Second)))
	}

	n, err := s.store.MarkUploaded([]string{"r0", "r2"})
	s.Require().NoError(err)
	s.Equal(2, n)

	n, err = s.store.MarkUploaded([]string{"r0", "r2", "unknown"})
	s.Require().NoError(err)
	s.Zero(n, "second call changes nothing")

	all, err := s.store.ListAll()
	s.Require().NoError(err)
	s.Require().Len(all, 3, "no duplicates after repeated marking")
	s.True(all[0].Uploaded)
	s.False(all[1].Uploaded)
	s.True(all[2].Uploaded)

	unsynced, err := s.store.ListUnsynced()
	s.Require().NoError(err)
	s.Equal([]string{"r1"}, s.ids(unsynced))
}

func (s *StoreSuite) TestRoundTripThenFullSyncLeavesNothingPending() {
	const n = 25
	for i := 0; i < n; i++ {
		s.Require().NoError(s.store.Append(testutils.QueuedReadingAt(fmt.Sprintf("r%02d", i), "P001", time.Duration(n-i)*time.Minute)))
	}

	unsynced, err := s.store.ListUnsynced()
	s.Require().NoError(err)
	s.Require().Len(unsynced, n)

	marked, err := s.store.MarkUploaded(s.ids(unsynced))
	s.Require().NoError(err)
	s.Equal(n, marked)

	unsynced, err = s.store.ListUnsynced()
	s.Require().NoError(err)
	s.Empty(unsynced)

	total, pending, err := s.store.Counts()
	s.Require().NoError(err)
	s.Equal(n, total, "uploaded readings are kept until an explicit clear")
	s.Zero(pending)
}

func (s *StoreSuite) TestSurvivesRestart() {
	s.Require().NoError(s.store.Append(testutils.QueuedReadingAt("r0", "P001", 0)))
	s.Require().NoError(s.store.Append(testutils.QueuedReadingAt("r1", "P001", time.Second)))
	_, err := s.store.MarkUploaded([]string{"r0"})
	s.Require().NoError(err)
	s.Require().NoError(s.store.PutSetting(store.SettingPatientID, "P001"))
	s.Require().NoError(s.store.PutSetting(store.SettingUploadEndpoint, "https://example.test/upload"))

	s.reopen()

	unsynced, err := s.store.ListUnsynced()
	s.Require().NoError(err)
	s.Equal([]string{"r1"}, s.ids(unsynced))

	patient, ok, err := s.store.Setting(store.SettingPatientID)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("P001", patient)

	endpoint, ok, err := s.store.Setting(store.SettingUploadEndpoint)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("https://example.test/upload", endpoint)
}

func (s *StoreSuite) TestClearAllRunsHooksAndKeepsSettings() {
	s.Require().NoError(s.store.Append(testutils.QueuedReadingAt("r0", "P001", 0)))
	s.Require().NoError(s.store.Append(testutils.QueuedReadingAt("r1", "P001", time.Second)))
	_, err := s.store.MarkUploaded([]string{"r0"})
	s.Require().NoError(err)
	s.Require().NoError(s.store.PutSetting(store.SettingPatientID, "P001"))

	cleared := 0
	s.store.OnClear(func() { cleared++ })
	s.store.OnClear(nil)

	s.Require().NoError(s.store.ClearAll())
	s.Equal(1, cleared)

	total, pending, err := s.store.Counts()
	s.Require().NoError(err)
	s.Zero(total)
	s.Zero(pending)

	_, ok, err := s.store.Setting(store.SettingPatientID)
	s.Require().NoError(err)
	s.True(ok)

	// ids may be reused after a clear
	s.NoError(s.store.Append(testutils.QueuedReadingAt("r0", "P001", 0)))
}

func (s *StoreSuite) TestPutSettingEmptyDeletes() {
	s.Require().NoError(s.store.PutSetting(store.SettingUploadEndpoint, "https://example.test"))
	s.Require().NoError(s.store.PutSetting(store.SettingUploadEndpoint, ""))

	_, ok, err := s.store.Setting(store.SettingUploadEndpoint)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreSuite) TestConcurrentAppendAndMark() {
	var wg sync.WaitGroup
	const writers, perWriter = 4, 20

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-%02d", w, i)
				s.NoError(s.store.Append(testutils.QueuedReadingAt(id, "P001", time.Duration(i)*time.Second)))
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			pending, err := s.store.ListUnsynced()
			if !s.NoError(err) {
				return
			}
			_, err = s.store.MarkUploaded(s.ids(pending))
			s.NoError(err)
		}
	}()
	wg.Wait()

	all, err := s.store.ListAll()
	s.Require().NoError(err)
	s.Len(all, writers*perWriter)
}

func (s *StoreSuite) TestClosedStoreReportsStorageError() {
	s.Require().NoError(s.store.Close())

	err := s.store.Append(testutils.QueuedReadingAt("r0", "P001", 0))
	var serr *device.StorageError
	s.True(errors.As(err, &serr))

	s.store = nil
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}
