// Package vehicle fetches the vehicle reference catalog, caches it and
// resolves vehicle images on disk.
package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-callout/internal/config"
)

// ErrNoCatalog is returned when neither the API nor the cache produced a
// catalog.
var ErrNoCatalog = errors.New("vehicle catalog unavailable")

type vehicleDetails struct {
	Images struct {
		FrontQuarter string `json:"frontQuarter"`
	} `json:"images"`
}

// Catalog exposes the vehicle vocabulary and image lookups. It is safe for
// concurrent use.
type Catalog struct {
	baseURL  string
	imageDir string
	client   *http.Client
	store    *Store
	log      *slog.Logger

	mu       sync.RWMutex
	loaded   bool
	vehicles []Vehicle
	byKey    map[string]Vehicle
	fetchMu  sync.Mutex
}

func NewCatalog(cfg config.VehiclesConfig, store *Store, log *slog.Logger) *Catalog {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Catalog{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		imageDir: cfg.ImageDir,
		client:   &http.Client{Timeout: timeout},
		store:    store,
		log:      log.With(slog.String("component", "vehicle-catalog")),
		byKey:    make(map[string]Vehicle),
	}
}

// Refresh fetches the catalog from the API and updates the cache. When the
// API fails the cached catalog is used instead.
func (c *Catalog) Refresh(ctx context.Context) error {
	vehicles, fetchErr := c.fetchAll(ctx)
	if fetchErr == nil {
		if c.store != nil {
			if err := c.store.ReplaceAll(ctx, vehicles); err != nil {
				c.log.Warn("failed to update vehicle cache", slog.String("error", err.Error()))
			}
		}
		c.install(vehicles)
		c.log.Info("vehicle catalog fetched", slog.Int("vehicles", len(vehicles)))
		return nil
	}

	c.log.Warn("vehicle api request failed", slog.String("error", fetchErr.Error()))
	if c.store == nil {
		return fmt.Errorf("%w: %v", ErrNoCatalog, fetchErr)
	}
	cached, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v; cache: %v", ErrNoCatalog, fetchErr, err)
	}
	if len(cached) == 0 {
		return fmt.Errorf("%w: %v", ErrNoCatalog, fetchErr)
	}
	c.install(cached)
	c.log.Info("using cached vehicle catalog", slog.Int("vehicles", len(cached)))
	return nil
}

func (c *Catalog) install(vehicles []Vehicle) {
	byKey := make(map[string]Vehicle, len(vehicles))
	ordered := make([]Vehicle, 0, len(vehicles))
	for _, v := range vehicles {
		key := nameKey(v.Name)
		if _, dup := byKey[key]; dup {
			continue
		}
		byKey[key] = v
		ordered = append(ordered, v)
	}
	c.mu.Lock()
	c.vehicles = ordered
	c.byKey = byKey
	c.loaded = true
	c.mu.Unlock()
}

func (c *Catalog) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	c.mu.RLock()
	loaded = c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Refresh(ctx)
}

// ListAllVehicleNames returns every vehicle name in catalog order.
func (c *Catalog) ListAllVehicleNames(ctx context.Context) ([]string, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.vehicles))
	for i, v := range c.vehicles {
		names[i] = v.Name
	}
	return names, nil
}

// ImagePathFor returns the local path of the front-quarter image for name,
// downloading it on first use. The lookup is case-insensitive.
func (c *Catalog) ImagePathFor(ctx context.Context, name string) (string, bool) {
	if err := c.ensureLoaded(ctx); err != nil {
		c.log.Warn("vehicle catalog unavailable", slog.String("error", err.Error()))
		return "", false
	}
	c.mu.RLock()
	v, ok := c.byKey[nameKey(name)]
	c.mu.RUnlock()
	if !ok {
		c.log.Debug("vehicle not found", slog.String("name", name))
		return "", false
	}
	if v.ImageURL == "" {
		c.log.Debug("vehicle has no front-quarter image", slog.String("name", name))
		return "", false
	}

	path := filepath.Join(c.imageDir, imageFilename(v.Name))
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	if err := c.download(ctx, v.ImageURL, path); err != nil {
		c.log.Warn("failed to download vehicle image", slog.String("name", v.Name), slog.String("error", err.Error()))
		return "", false
	}
	c.log.Info("vehicle image saved", slog.String("name", v.Name), slog.String("path", path))
	return path, true
}

func imageFilename(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_") + ".jpg"
}

func (c *Catalog) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image request returned status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (c *Catalog) fetchAll(ctx context.Context) ([]Vehicle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/all", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get endpoint all: %s", resp.Status)
	}
	return decodeCatalog(resp.Body)
}

// decodeCatalog reads {category: {name: details}} preserving document order,
// which fixes the vocabulary order used for tie-breaking.
func decodeCatalog(r io.Reader) ([]Vehicle, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var vehicles []Vehicle
	for dec.More() {
		category, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		if err := expectDelim(dec, '{'); err != nil {
			return nil, fmt.Errorf("category %s: %w", category, err)
		}
		for dec.More() {
			name, err := readKey(dec)
			if err != nil {
				return nil, err
			}
			var details vehicleDetails
			if err := dec.Decode(&details); err != nil {
				return nil, fmt.Errorf("vehicle %s: %w", name, err)
			}
			vehicles = append(vehicles, Vehicle{
				Name:     name,
				Category: category,
				ImageURL: details.Images.FrontQuarter,
			})
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return vehicles, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("decode catalog: expected %q, got %v", want, tok)
	}
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("decode catalog: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("decode catalog: expected key, got %v", tok)
	}
	return key, nil
}
