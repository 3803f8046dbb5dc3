package vehicle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-callout/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAPI struct {
	srv        *httptest.Server
	down       atomic.Bool
	imageHits  atomic.Int32
	catalogHit atomic.Int32
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/vehicles/all", func(w http.ResponseWriter, r *http.Request) {
		api.catalogHit.Add(1)
		if api.down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		body := `{
  "super": {
    "Infernus": {"images": {"frontQuarter": "` + api.srv.URL + `/img/infernus.jpg"}},
    "Zentorno": {"images": {}}
  },
  "sports": {
    "Elegy RH8": {"images": {"frontQuarter": "` + api.srv.URL + `/img/elegy.jpg"}},
    "Banshee": {"images": {"frontQuarter": "` + api.srv.URL + `/img/banshee.jpg"}}
  }
}`
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		api.imageHits.Add(1)
		_, _ = w.Write([]byte("jpeg:" + strings.TrimPrefix(r.URL.Path, "/img/")))
	})
	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func newCatalog(t *testing.T, api *fakeAPI, dir string) (*Catalog, *Store) {
	t.Helper()
	store, err := OpenStore(context.Background(), filepath.Join(dir, "vehicles.db"), newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := config.VehiclesConfig{BaseURL: api.srv.URL + "/api/vehicles/", ImageDir: filepath.Join(dir, "images")}
	return NewCatalog(cfg, store, newLogger()), store
}

func TestListAllVehicleNamesKeepsCatalogOrder(t *testing.T) {
	api := newFakeAPI(t)
	catalog, _ := newCatalog(t, api, t.TempDir())

	names, err := catalog.ListAllVehicleNames(context.Background())
	if err != nil {
		t.Fatalf("list names: %v", err)
	}
	want := []string{"Infernus", "Zentorno", "Elegy RH8", "Banshee"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("name %d: expected %s, got %s", i, want[i], names[i])
		}
	}
	if _, err := catalog.ListAllVehicleNames(context.Background()); err != nil {
		t.Fatalf("second list: %v", err)
	}
	if api.catalogHit.Load() != 1 {
		t.Fatalf("expected a single catalog fetch, got %d", api.catalogHit.Load())
	}
}

func TestImagePathForDownloadsOnce(t *testing.T) {
	api := newFakeAPI(t)
	dir := t.TempDir()
	catalog, _ := newCatalog(t, api, dir)
	ctx := context.Background()

	path, ok := catalog.ImagePathFor(ctx, "elegy rh8")
	if !ok {
		t.Fatal("expected image path")
	}
	if filepath.Base(path) != "elegy_rh8.jpg" {
		t.Fatalf("unexpected file name %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "jpeg:elegy.jpg" {
		t.Fatalf("unexpected image contents %q, %v", data, err)
	}

	if _, ok := catalog.ImagePathFor(ctx, "ELEGY RH8"); !ok {
		t.Fatal("expected cached image path")
	}
	if api.imageHits.Load() != 1 {
		t.Fatalf("expected one image download, got %d", api.imageHits.Load())
	}
}

func TestImagePathForMissing(t *testing.T) {
	api := newFakeAPI(t)
	catalog, _ := newCatalog(t, api, t.TempDir())

	if _, ok := catalog.ImagePathFor(context.Background(), "Zentorno"); ok {
		t.Fatal("expected no image for vehicle without front quarter")
	}
	if _, ok := catalog.ImagePathFor(context.Background(), "Bicycle"); ok {
		t.Fatal("expected no image for unknown vehicle")
	}
}

func TestRefreshFallsBackToCache(t *testing.T) {
	api := newFakeAPI(t)
	dir := t.TempDir()
	first, _ := newCatalog(t, api, dir)
	if err := first.Refresh(context.Background()); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}

	api.down.Store(true)
	second, _ := newCatalog(t, api, dir)
	names, err := second.ListAllVehicleNames(context.Background())
	if err != nil {
		t.Fatalf("expected cached catalog, got %v", err)
	}
	if len(names) != 4 || names[0] != "Infernus" {
		t.Fatalf("unexpected cached names %v", names)
	}
}

func TestRefreshWithoutCacheFails(t *testing.T) {
	api := newFakeAPI(t)
	api.down.Store(true)
	catalog, _ := newCatalog(t, api, t.TempDir())

	if _, err := catalog.ListAllVehicleNames(context.Background()); !errors.Is(err, ErrNoCatalog) {
		t.Fatalf("expected ErrNoCatalog, got %v", err)
	}
}

func TestDecodeCatalogRejectsMalformed(t *testing.T) {
	if _, err := decodeCatalog(strings.NewReader(`["not","an","object"]`)); err == nil {
		t.Fatal("expected error for array payload")
	}
}
