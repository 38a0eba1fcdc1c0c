package ingestion

import (
	"context"
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/grib2"
	"github.com/jcom-dev/gridweather/internal/gridstore"
)

// buildGRIB2 assembles one simple-packed TMP surface message covering a
// 2x2 degree grid.
func buildGRIB2(t *testing.T, values []float32, ni, nj int) []byte {
	t.Helper()
	section := func(num uint8, body []byte) []byte {
		out := make([]byte, 5+len(body))
		binary.BigEndian.PutUint32(out, uint32(len(out)))
		out[4] = num
		copy(out[5:], body)
		return out
	}

	sec1Body := make([]byte, 16)
	binary.BigEndian.PutUint16(sec1Body[0:], 7)
	binary.BigEndian.PutUint16(sec1Body[7:], 2024)
	sec1Body[9] = 12
	sec1Body[10] = 29
	sec1Body[11] = 12
	sec1 := section(1, sec1Body)

	sec3Body := make([]byte, 9+72)
	binary.BigEndian.PutUint32(sec3Body[1:5], uint32(ni*nj))
	tmpl := sec3Body[9:]
	binary.BigEndian.PutUint32(tmpl[16:], uint32(ni))
	binary.BigEndian.PutUint32(tmpl[20:], uint32(nj))
	binary.BigEndian.PutUint32(tmpl[32:], 40000000)  // la1 = 40N
	binary.BigEndian.PutUint32(tmpl[36:], 260000000) // lo1 = 260E
	binary.BigEndian.PutUint32(tmpl[41:], 39000000)  // la2
	binary.BigEndian.PutUint32(tmpl[45:], 261000000) // lo2
	binary.BigEndian.PutUint32(tmpl[49:], 1000000)   // di = 1 deg
	binary.BigEndian.PutUint32(tmpl[53:], 1000000)   // dj = 1 deg
	sec3 := section(3, sec3Body)

	sec4Tmpl := make([]byte, 25)
	sec4Tmpl[0] = 0 // temperature category
	sec4Tmpl[1] = 0 // TMP
	sec4Tmpl[8] = 1 // hours
	binary.BigEndian.PutUint32(sec4Tmpl[9:], 3)
	sec4Tmpl[13] = 1 // surface
	sec4Body := make([]byte, 4+len(sec4Tmpl))
	copy(sec4Body[4:], sec4Tmpl)
	sec4 := section(4, sec4Body)

	// Simple packing with reference = min, decimal scale 1, 16 bits.
	minV := values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
	}
	ref := float32(math.Round(float64(minV) * 10))
	sec5Tmpl := make([]byte, 10)
	binary.BigEndian.PutUint32(sec5Tmpl[0:], math.Float32bits(ref))
	binary.BigEndian.PutUint16(sec5Tmpl[6:], 1)
	sec5Tmpl[8] = 16
	sec5Body := make([]byte, 6+len(sec5Tmpl))
	binary.BigEndian.PutUint32(sec5Body[0:], uint32(len(values)))
	binary.BigEndian.PutUint16(sec5Body[4:], 0) // template 5.0: simple packing
	copy(sec5Body[6:], sec5Tmpl)
	sec5 := section(5, sec5Body)

	sec6 := section(6, []byte{255})

	packed := make([]byte, len(values)*2)
	for i, v := range values {
		code := uint16(math.Round(float64(v)*10) - float64(ref))
		binary.BigEndian.PutUint16(packed[i*2:], code)
	}
	sec7 := section(7, packed)

	body := append(append(append(append(append([]byte{}, sec1...), sec3...), sec4...), sec5...), sec6...)
	body = append(body, sec7...)
	total := 16 + len(body) + 4
	msg := make([]byte, total)
	copy(msg[0:4], "GRIB")
	msg[7] = 2
	binary.BigEndian.PutUint64(msg[8:], uint64(total))
	copy(msg[16:], body)
	copy(msg[total-4:], "7777")
	return msg
}

func TestIngestGRIB2(t *testing.T) {
	ctx := context.Background()
	store := gridstore.NewMemStore()
	cat := catalog.NewMemory()
	ing := NewIngester(store, cat, grib2.DefaultParameters(), gridstore.WriteOptions{ChunkSize: 2})

	values := []float32{288.5, 289.0, 287.5, 290.0}
	n, err := ing.IngestGRIB2(ctx, buildGRIB2(t, values, 2, 2), "gfs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := cat.Latest(ctx, "gfs", "TMP", "surface")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.ForecastHour)
	assert.Equal(t, "K", entry.Units)
	assert.Equal(t, 2, entry.GridWidth)

	reader, err := gridstore.Open(ctx, store, entry.StoragePath, nil)
	require.NoError(t, err)
	region, err := reader.ReadRegion(ctx, entry.BBox)
	require.NoError(t, err)
	assert.InDelta(t, 288.5, float64(region.At(0, 0)), 0.01)
	assert.InDelta(t, 290.0, float64(region.At(1, 1)), 0.01)
}

func TestIngestGRIB2SkipsCorruptMessages(t *testing.T) {
	ctx := context.Background()
	store := gridstore.NewMemStore()
	cat := catalog.NewMemory()
	ing := NewIngester(store, cat, grib2.DefaultParameters(), gridstore.WriteOptions{ChunkSize: 2})

	good := buildGRIB2(t, []float32{288.5, 289.0, 287.5, 290.0}, 2, 2)
	corrupt := append([]byte{}, good...)
	corrupt[30] = 0xFF

	stream := append(append(append([]byte{}, good...), corrupt...), good...)
	n, err := ing.IngestGRIB2(ctx, stream, "gfs")
	require.NoError(t, err, "a corrupt message must not fail the batch")
	assert.GreaterOrEqual(t, n, 1)
}

func TestDownloaderResume(t *testing.T) {
	ctx := context.Background()
	payload := make([]byte, 1000000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var sawRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		sawRange = rng
		if strings.HasPrefix(rng, "bytes=") {
			offset, _ := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
			w.Header().Set("Content-Length", strconv.FormatInt(int64(len(payload))-offset, 10))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(payload[offset:])
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	state := catalog.NewMemoryDownloads()
	staging := gridstore.NewMemStore()
	d := NewDownloader(state, staging, srv.Client(), 2)

	rec, err := state.Enqueue(ctx, srv.URL+"/gfs.t12z.pgrb2", "gfs.t12z.pgrb2", "gfs")
	require.NoError(t, err)

	// Simulate a crash mid-download: 700000 bytes already staged.
	require.NoError(t, state.MarkInProgress(ctx, rec.ID))
	require.NoError(t, state.UpdateProgress(ctx, rec.ID, 700000, 1000000))
	require.NoError(t, staging.Put(ctx, "staging/gfs/gfs.t12z.pgrb2", payload[:700000]))

	require.NoError(t, d.RunCycle(ctx))
	assert.Equal(t, "bytes=700000-", sawRange, "resume must issue a ranged fetch from the recorded offset")

	// Record moved to completed with ingested=false; staged bytes whole.
	pending, err := state.NextToIngest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Ingested)
	assert.Equal(t, int64(1000000), pending[0].DownloadedBytes)

	staged, err := staging.Get(ctx, "staging/gfs/gfs.t12z.pgrb2")
	require.NoError(t, err)
	assert.Equal(t, payload, staged)
}

func TestDownloaderMarksRetrying(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	state := catalog.NewMemoryDownloads()
	d := NewDownloader(state, gridstore.NewMemStore(), srv.Client(), 1)
	_, err := state.Enqueue(ctx, srv.URL+"/f", "f", "gfs")
	require.NoError(t, err)

	require.NoError(t, d.RunCycle(ctx))
	claimable, err := state.Claimable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, 1, claimable[0].RetryCount)
	assert.NotEmpty(t, claimable[0].LastError)
}

func TestIngestTriggerEndToEnd(t *testing.T) {
	ctx := context.Background()
	state := catalog.NewMemoryDownloads()
	staging := gridstore.NewMemStore()
	store := gridstore.NewMemStore()
	cat := catalog.NewMemory()
	ing := NewIngester(store, cat, grib2.DefaultParameters(), gridstore.WriteOptions{ChunkSize: 2})

	rec, err := state.Enqueue(ctx, "https://example.com/gfs.pgrb2", "gfs.pgrb2", "gfs")
	require.NoError(t, err)
	require.NoError(t, staging.Put(ctx, "staging/gfs/gfs.pgrb2", buildGRIB2(t, []float32{288.5, 289.0, 287.5, 290.0}, 2, 2)))
	require.NoError(t, state.Complete(ctx, rec.ID))

	trigger := NewIngestTrigger(state, staging, ing)
	require.NoError(t, trigger.Run(ctx))

	pending, err := state.NextToIngest(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "ingested record must be flagged")

	_, err = cat.Latest(ctx, "gfs", "TMP", "surface")
	require.NoError(t, err)
}

func TestLoadModelConfig(t *testing.T) {
	cfg, err := LoadModelConfig([]byte(`
id: gfs
name: Global Forecast System
enabled: true
schedule:
  cycles: [0, 6, 12, 18]
  delay_hours: 4
  poll_interval_secs: 120
  lookback_minutes: 90
source:
  bucket: noaa-gfs-bdp-pds
  prefix_template: "gfs.{date}/{cycle}/atmos/"
  file_pattern: "gfs.t{cycle}z.pgrb2.0p25.f{fhr}"
parameters: [TMP, UGRD, VGRD]
forecast_hours: [0, 3, 6]
`))
	require.NoError(t, err)
	assert.Equal(t, "gfs", cfg.ID)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, []int{0, 6, 12, 18}, cfg.Schedule.Cycles)
	assert.Equal(t, 120, cfg.Schedule.PollIntervalSecs)
	assert.Equal(t, "noaa-gfs-bdp-pds", cfg.Source.Bucket)
	assert.Len(t, cfg.Parameters, 3)

	_, err = LoadModelConfig([]byte(`name: missing id`))
	require.Error(t, err)
}
