package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/tileserver/internal/config"
	"github.com/jcom-dev/tileserver/internal/repository"
	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/tilecache"
)

func newTestHandlers(t *testing.T, repos repository.Map, ready func() bool) *Handlers {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	return New(cfg, repos, tilecache.New(nil), nil, nil, ready)
}

func TestHealthCheckReportsStartingUpBeforeReady(t *testing.T) {
	h := newTestHandlers(t, nil, func() bool { return false })
	w := httptest.NewRecorder()
	h.HealthCheck(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthCheckReportsOKWhenReady(t *testing.T) {
	h := newTestHandlers(t, repository.Map{}, func() bool { return true })
	w := httptest.NewRecorder()
	h.HealthCheck(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"repositories":0`)
}

func TestDatasIndexListsEveryRepository(t *testing.T) {
	repos := repository.Map{
		"parks": {ID: "parks", Descriptor: store.Descriptor{Kind: store.KindXYZ}, TileJSON: map[string]any{"scheme": "xyz"}},
	}
	h := newTestHandlers(t, repos, func() bool { return true })

	w := httptest.NewRecorder()
	h.DatasIndex(w, httptest.NewRequest(http.MethodGet, "/datas.json", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "parks")
}

func TestSingleTileJSONUnknownIDIs404(t *testing.T) {
	h := newTestHandlers(t, repository.Map{}, func() bool { return true })
	r := NewRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing.json", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTileUnknownIDIs404(t *testing.T) {
	h := newTestHandlers(t, repository.Map{}, func() bool { return true })
	r := NewRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing/3/1/1.pbf", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTileFormatMismatchIs400(t *testing.T) {
	repos := repository.Map{
		"parks": {ID: "parks", Descriptor: store.Descriptor{Kind: store.KindXYZ}, TileJSON: map[string]any{"format": "pbf"}},
	}
	h := newTestHandlers(t, repos, func() bool { return true })
	r := NewRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/parks/3/1/1.png", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFormatMatchesTreatsJpgAndJpegAsSynonyms(t *testing.T) {
	jpegEntry := &repository.Entry{TileJSON: map[string]any{"format": "jpeg"}}
	assert.True(t, formatMatches("jpg", jpegEntry))
	assert.True(t, formatMatches("jpeg", jpegEntry))
	assert.False(t, formatMatches("png", jpegEntry))

	noFormatEntry := &repository.Entry{TileJSON: map[string]any{}}
	assert.True(t, formatMatches("anything", noFormatEntry))
}

func TestMaybeFlipSchemeFlipsOnlyWhenRequestedDiffersFromNative(t *testing.T) {
	h := newTestHandlers(t, repository.Map{}, func() bool { return true })
	xyzEntry := &repository.Entry{IsMBTiles: false}
	tmsEntry := &repository.Entry{IsMBTiles: true}

	noFlip := httptest.NewRequest(http.MethodGet, "/x/1/1/1.pbf", nil)
	assert.Equal(t, 1, h.maybeFlipScheme(noFlip, xyzEntry, 3, 1))

	flipToTMS := httptest.NewRequest(http.MethodGet, "/x/1/1/1.pbf?scheme=tms", nil)
	assert.Equal(t, (1<<3)-1-1, h.maybeFlipScheme(flipToTMS, xyzEntry, 3, 1))

	sameScheme := httptest.NewRequest(http.MethodGet, "/x/1/1/1.pbf?scheme=tms", nil)
	assert.Equal(t, 1, h.maybeFlipScheme(sameScheme, tmsEntry, 3, 1))

	unknownScheme := httptest.NewRequest(http.MethodGet, "/x/1/1/1.pbf?scheme=bogus", nil)
	assert.Equal(t, 1, h.maybeFlipScheme(unknownScheme, xyzEntry, 3, 1))
}

func TestParseTileCoordsSplitsYAndFormat(t *testing.T) {
	base, ext := splitExt("17.pbf")
	assert.Equal(t, "17", base)
	assert.Equal(t, "pbf", ext)

	base, ext = splitExt("noextension")
	assert.Equal(t, "noextension", base)
	assert.Equal(t, "", ext)
}

func TestInvalidateCacheUnknownIDIs404(t *testing.T) {
	h := newTestHandlers(t, repository.Map{}, func() bool { return true })
	r := NewRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/admin/cache/missing", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, w.Body)
}
