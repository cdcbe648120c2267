package ingestion

import (
	"context"
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/preprocessing"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func int16Frames(frames ...[]int16) []byte {
	var buf []byte
	for _, frame := range frames {
		for _, v := range frame {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
		}
	}
	return buf
}

type fakeArchive struct {
	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

func newFakeArchive(files map[string][]byte) (*fakeArchive, *httptest.Server) {
	fa := &fakeArchive{files: files, hits: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(r.URL.Path, "/testdb/1.0/")
		fa.mu.Lock()
		fa.hits[rel]++
		data, ok := fa.files[rel]
		fa.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	return fa, srv
}

func monitorFiles() map[string][]byte {
	return map[string][]byte{
		"RECORDS": []byte("p1/vitals\nbroken\n"),
		"p1/vitals.hea": []byte("# bedside monitor\nvitals 2 1 3\n" +
			"vitals.dat 16 10(0)/bpm 16 0 0 0 0 HR\n" +
			"vitals.dat 16 10/% 16 0 0 0 0 SpO2\n"),
		"p1/vitals.dat": int16Frames([]int16{800, 970}, []int16{900, 950}, []int16{-32768, 960}),
		"broken.hea":    []byte("broken 1 125\nbroken.dat 16 200 16 0 0 0 0 II\n"),
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "catalog.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestParseHeader(t *testing.T) {
	h, err := ParseHeader([]byte("rec 2 62.5/1000(0) 1000\n" +
		"rec.dat 212 200(1024)/mV 12 1024 0 0 0 ECG II\n" +
		"rec.dat 212 0/mmHg 12 5\n"))
	require.NoError(t, err)
	assert.Equal(t, "rec", h.Name)
	assert.Equal(t, 62.5, h.Fs)
	assert.Equal(t, 1000, h.Samples)
	require.Len(t, h.Signals, 2)
	assert.Equal(t, 1024, h.Signals[0].Baseline)
	assert.Equal(t, "mV", h.Signals[0].Units)
	assert.Equal(t, "ECG II", h.Signals[0].Description)
	assert.Equal(t, float64(defaultGain), h.Signals[1].Gain)
	assert.Equal(t, 5, h.Signals[1].Baseline)
	assert.Equal(t, "sig1", h.Signals[1].Description)
}

func TestParseMultiSegmentHeader(t *testing.T) {
	h, err := ParseHeader([]byte("81739927/3 4 62.4725 100\n81739927_layout 0\n81739927_0001 50\n~ 50\n"))
	require.NoError(t, err)
	assert.Equal(t, "81739927", h.Name)
	assert.True(t, h.MultiSegment())
	assert.Equal(t, []Segment{{"81739927_layout", 0}, {"81739927_0001", 50}, {"~", 50}}, h.Segments)
	assert.Empty(t, h.Signals)

	_, err = ParseHeader([]byte("r/3 1 250\nr_0001 10\n"))
	assert.True(t, errs.Is(err, errs.KindSchemaMismatch))

	_, err = ParseHeader([]byte("rec 2 250\nrec.dat 16 200 16 0 0 0 0 I\n"))
	assert.True(t, errs.Is(err, errs.KindSchemaMismatch))
}

func TestSegmentJoinerAlignsChannels(t *testing.T) {
	j := newSegmentJoiner()
	j.layout([]string{"HR"})
	j.add(map[string][]float64{"HR": {80, 81}}, []string{"HR"}, 2)
	j.gap(1)
	j.add(map[string][]float64{"HR": {82}, "SpO2": {97, 96}}, []string{"HR", "SpO2"}, 2)

	assert.Equal(t, []string{"HR", "SpO2"}, j.order)
	hr, spo2 := j.channels["HR"], j.channels["SpO2"]
	require.Len(t, hr, 5)
	require.Len(t, spo2, 5)
	assert.Equal(t, []float64{80, 81}, hr[:2])
	assert.True(t, math.IsNaN(hr[2]))
	assert.Equal(t, 82.0, hr[3])
	assert.True(t, math.IsNaN(hr[4]))
	for _, v := range spo2[:3] {
		assert.True(t, math.IsNaN(v))
	}
	assert.Equal(t, []float64{97, 96}, spo2[3:])
}

func TestDecodeFormat212(t *testing.T) {
	h := &Header{Name: "r", Fs: 250, Signals: []SignalSpec{
		{File: "r.dat", Format: 212, Gain: 100, Description: "a"},
		{File: "r.dat", Format: 212, Gain: 100, Description: "b"},
	}}
	// samples 100 and -1, packed into three bytes
	data := []byte{0x64, 0xf0, 0xff}
	channels, order, err := Decode(h, map[string][]byte{"r.dat": data})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []float64{1}, channels["a"])
	assert.Equal(t, []float64{-0.01}, channels["b"])
}

func TestDecodeFormat80(t *testing.T) {
	h := &Header{Name: "r", Fs: 250, Signals: []SignalSpec{{File: "r.dat", Format: 80, Gain: 2, Description: "x"}}}
	channels, _, err := Decode(h, map[string][]byte{"r.dat": {128, 130, 0}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, channels["x"][0])
	assert.Equal(t, 1.0, channels["x"][1])
	assert.True(t, math.IsNaN(channels["x"][2]))
}

func TestDecodeUnsupportedFormat(t *testing.T) {
	h := &Header{Name: "r", Signals: []SignalSpec{{File: "r.dat", Format: 310, Gain: 1, Description: "x"}}}
	_, _, err := Decode(h, map[string][]byte{"r.dat": {0, 0, 0, 0}})
	assert.True(t, errs.Is(err, errs.KindUnsupported))
}

func TestFetchIsBestEffort(t *testing.T) {
	fa, srv := newFakeArchive(monitorFiles())
	defer srv.Close()

	db := newTestDB(t)
	catalog := NewCatalog(db)
	require.NoError(t, catalog.AutoMigrate())

	dataDir := t.TempDir()
	svc := NewService(NewArchive(srv.URL, "1.0", dataDir, srv.Client(), 1), WithCatalog(catalog))
	out := svc.Fetch(context.Background(), "testdb")

	assert.Equal(t, OutcomePartial, out.Status())
	require.Contains(t, out.Records, "p1/vitals")
	rec := out.Records["p1/vitals"]
	assert.Equal(t, []string{"HR", "SpO2"}, rec.Order)
	assert.Equal(t, 80.0, rec.Channels["HR"][0])
	assert.True(t, math.IsNaN(rec.Channels["HR"][2]))
	assert.Equal(t, 3, rec.Samples())

	require.Len(t, out.Failures, 1)
	assert.Equal(t, "broken", out.Failures[0].Record)
	assert.Equal(t, errs.KindExternalService, out.Failures[0].Kind)

	_, err := os.Stat(filepath.Join(dataDir, "testdb", "p1", "vitals.dat"))
	assert.NoError(t, err)

	rows, err := catalog.List(context.Background(), "testdb")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, StatusFailed, rows[0].Status)
	assert.Equal(t, StatusParsed, rows[1].Status)
	assert.Equal(t, 3, rows[1].Samples)

	// second run is served from disk and updates rows in place
	again := svc.Fetch(context.Background(), "testdb")
	assert.Equal(t, OutcomePartial, again.Status())
	assert.Equal(t, 1, fa.hits["p1/vitals.dat"])
	assert.Equal(t, 1, fa.hits["RECORDS"])
	rows, err = catalog.List(context.Background(), "testdb")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestFetchWithoutListingFails(t *testing.T) {
	_, srv := newFakeArchive(map[string][]byte{})
	defer srv.Close()

	svc := NewService(NewArchive(srv.URL, "1.0", t.TempDir(), srv.Client(), 1))
	out := svc.Fetch(context.Background(), "testdb")
	assert.Equal(t, OutcomeFailed, out.Status())
	assert.Empty(t, out.Records)
}

func TestFetchEmptyAndLimited(t *testing.T) {
	_, srv := newFakeArchive(map[string][]byte{"RECORDS": []byte("\n")})
	defer srv.Close()
	out := NewService(NewArchive(srv.URL, "1.0", t.TempDir(), srv.Client(), 1)).Fetch(context.Background(), "testdb")
	assert.Equal(t, OutcomeEmpty, out.Status())

	_, srv2 := newFakeArchive(monitorFiles())
	defer srv2.Close()
	limited := NewService(NewArchive(srv2.URL, "1.0", t.TempDir(), srv2.Client(), 1), WithMaxRecords(1)).
		Fetch(context.Background(), "testdb")
	assert.Equal(t, OutcomeComplete, limited.Status())
	assert.Equal(t, []string{"p1/vitals"}, limited.Names())
}

func TestFetchFollowsNestedListings(t *testing.T) {
	files := map[string][]byte{
		"RECORDS":         []byte("p100/\nflat\n"),
		"p100/RECORDS":    []byte("s1/\n"),
		"p100/s1/RECORDS": []byte("r1\n"),
		"p100/s1/r1.hea":  []byte("r1 1 1 2\nr1.dat 16 1 16 0 0 0 0 HR\n"),
		"p100/s1/r1.dat":  int16Frames([]int16{70}, []int16{72}),
		"flat.hea":        []byte("flat 1 1 1\nflat.dat 16 1 16 0 0 0 0 HR\n"),
		"flat.dat":        int16Frames([]int16{60}),
	}
	_, srv := newFakeArchive(files)
	defer srv.Close()

	archive := NewArchive(srv.URL, "1.0", t.TempDir(), srv.Client(), 1)
	names, err := archive.ListRecords(context.Background(), "testdb")
	require.NoError(t, err)
	assert.Equal(t, []string{"p100/s1/r1", "flat"}, names)

	out := NewService(archive).Fetch(context.Background(), "testdb")
	assert.Equal(t, OutcomeComplete, out.Status())
	require.Contains(t, out.Records, "p100/s1/r1")
	assert.Equal(t, []float64{70, 72}, out.Records["p100/s1/r1"].Channels["HR"])
}

func TestFetchJoinsMultiSegmentRecord(t *testing.T) {
	files := map[string][]byte{
		"RECORDS":         []byte("p1/\n"),
		"p1/RECORDS":      []byte("m\n"),
		"p1/m.hea":        []byte("m/4 2 1 5\nm_layout 0\nm_0001 2\n~ 1\nm_0002 2\n"),
		"p1/m_layout.hea": []byte("m_layout 2 1 0\n~ 0 1 16 0 0 0 0 HR\n~ 0 1 16 0 0 0 0 SpO2\n"),
		"p1/m_0001.hea":   []byte("m_0001 1 1 2\nm_0001.dat 16 1 16 0 0 0 0 HR\n"),
		"p1/m_0001.dat":   int16Frames([]int16{80}, []int16{81}),
		"p1/m_0002.hea":   []byte("m_0002 2 1 2\nm_0002.dat 16 1 16 0 0 0 0 HR\nm_0002.dat 16 1 16 0 0 0 0 SpO2\n"),
		"p1/m_0002.dat":   int16Frames([]int16{82, 97}, []int16{83, 96}),
	}
	_, srv := newFakeArchive(files)
	defer srv.Close()

	out := NewService(NewArchive(srv.URL, "1.0", t.TempDir(), srv.Client(), 1)).Fetch(context.Background(), "testdb")
	require.Equal(t, OutcomeComplete, out.Status(), "%v", out.Failures)
	rec := out.Records["p1/m"]
	assert.Equal(t, []string{"HR", "SpO2"}, rec.Order)
	assert.Equal(t, 5, rec.Samples())
	hr := rec.Channels["HR"]
	assert.Equal(t, []float64{80, 81}, hr[:2])
	assert.True(t, math.IsNaN(hr[2]))
	assert.Equal(t, []float64{82, 83}, hr[3:])
	assert.True(t, math.IsNaN(rec.Channels["SpO2"][0]))
	assert.Equal(t, []float64{97, 96}, rec.Channels["SpO2"][3:])
}

func TestArchiveRejectsEscapingPaths(t *testing.T) {
	a := NewArchive("http://example.invalid", "1.0", t.TempDir(), nil, 1)
	_, err := a.Fetch(context.Background(), "testdb", "../secret")
	assert.True(t, errs.Is(err, errs.KindSchemaMismatch))
}

func TestVitalsFromRecord(t *testing.T) {
	rec := Record{
		Name: "r",
		Order: []string{"HR", "RESP", "ABP Sys", "NBPDias", "Temp", "SpO2", "II"},
		Channels: map[string][]float64{
			"HR":      {80, 90, math.NaN()},
			"RESP":    {16},
			"ABP Sys": {120, 130},
			"NBPDias": {70},
			"Temp":    {37},
			"SpO2":    {98},
			"II":      {0.1},
		},
	}
	vitals, err := VitalsFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, 85.0, vitals[preprocessing.HeartRate])
	assert.Equal(t, 125.0, vitals[preprocessing.BloodPressureSystolic])
	assert.Len(t, vitals, 6)

	partial, err := VitalsFromRecord(Record{Name: "p", Order: []string{"HR"}, Channels: map[string][]float64{"HR": {60}}})
	assert.True(t, errs.Is(err, errs.KindMissingValue))
	assert.Equal(t, map[string]float64{preprocessing.HeartRate: 60}, partial)
}
