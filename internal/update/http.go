package update

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/circleapp/circle/core/internal/db"
	"github.com/circleapp/circle/core/internal/errors"
	"github.com/circleapp/circle/core/internal/logging"
	"github.com/circleapp/circle/core/internal/telemetry"
)

// Request headers of the manifest protocol.
const (
	HeaderRuntimeVersion  = "circle-runtime-version"
	HeaderPlatform        = "circle-platform"
	HeaderChannel         = "circle-channel"
	HeaderCurrentUpdateID = "circle-current-update-id"

	manifestFile = "manifest.json"
	bundleName   = "bundle"
)

// Store is the key/value store the update flow records ids in.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Asset is one file of an update. Hash is the unpadded base64url SHA-256 of
// the content.
type Asset struct {
	Key           string `json:"key"`
	Hash          string `json:"hash"`
	ContentType   string `json:"contentType,omitempty"`
	FileExtension string `json:"fileExtension,omitempty"`
	URL           string `json:"url"`
}

// Manifest describes an update.
type Manifest struct {
	ID             string            `json:"id"`
	CreatedAt      string            `json:"createdAt,omitempty"`
	RuntimeVersion string            `json:"runtimeVersion"`
	LaunchAsset    Asset             `json:"launchAsset"`
	Assets         []Asset           `json:"assets,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// HTTPConfig configures HTTPService.
type HTTPConfig struct {
	URL            string
	RuntimeVersion string
	Platform       string
	Channel        string
	DataDir        string
}

// HTTPService implements Service against a manifest endpoint. Bundles are
// stored under {DataDir}/updates/{id}.
type HTTPService struct {
	cfg   HTTPConfig
	store Store
	http  *http.Client

	mu       sync.Mutex
	manifest *Manifest
	base     *url.URL
}

// NewHTTPService creates an HTTPService.
func NewHTTPService(cfg HTTPConfig, store Store) *HTTPService {
	return &HTTPService{
		cfg:   cfg,
		store: store,
		http:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// BundleDir returns where update id is stored.
func BundleDir(dataDir, id string) string {
	return filepath.Join(dataDir, "updates", id)
}

// CheckForUpdate fetches the manifest. An update is available when the
// server returns a manifest for this runtime whose id differs from the
// running one.
func (s *HTTPService) CheckForUpdate(ctx context.Context) (result CheckResult, err error) {
	ctx, span := telemetry.Start(ctx, "update.check")
	defer func() { telemetry.End(span, err) }()

	endpoint, err := url.Parse(s.cfg.URL)
	if err != nil || endpoint.Scheme == "" {
		return CheckResult{}, errors.New(errors.ErrInvalid, "invalid updates url: "+s.cfg.URL)
	}

	current, _, err := s.store.Get(ctx, db.KeyCurrentUpdateID)
	if err != nil {
		return CheckResult{}, errors.Wrap(errors.ErrDatabase, "read current update id", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return CheckResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRuntimeVersion, s.cfg.RuntimeVersion)
	req.Header.Set(HeaderPlatform, s.cfg.Platform)
	req.Header.Set(HeaderChannel, s.cfg.Channel)
	if current != "" {
		req.Header.Set(HeaderCurrentUpdateID, current)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return CheckResult{}, errors.Wrap(errors.ErrNetwork, "fetch manifest", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return CheckResult{}, nil
	}
	if resp.StatusCode >= 400 {
		return CheckResult{}, errors.New(errors.ErrServer, fmt.Sprintf("manifest request returned status %d", resp.StatusCode))
	}

	var m Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&m); err != nil {
		return CheckResult{}, errors.Wrap(errors.ErrUpdateFailed, "decode manifest", err)
	}
	if m.ID == "" || m.LaunchAsset.URL == "" {
		return CheckResult{}, errors.New(errors.ErrUpdateFailed, "manifest is missing id or launch asset")
	}
	if !ValidUpdateID(m.ID) {
		return CheckResult{}, errors.New(errors.ErrUpdateFailed, "manifest id is not a plain name: "+m.ID)
	}
	if m.LaunchAsset.Hash == "" {
		return CheckResult{}, errors.New(errors.ErrUpdateFailed, "launch asset has no hash")
	}
	for _, a := range m.Assets {
		if !ValidUpdateID(a.Key) {
			return CheckResult{}, errors.New(errors.ErrUpdateFailed, "asset key is not a plain name: "+a.Key)
		}
		if a.Hash == "" {
			return CheckResult{}, errors.New(errors.ErrUpdateFailed, "asset has no hash: "+a.Key)
		}
	}
	if m.RuntimeVersion != s.cfg.RuntimeVersion {
		logging.Info("Ignoring update for another runtime", map[string]interface{}{
			"update_id":       m.ID,
			"runtime_version": m.RuntimeVersion,
		})
		return CheckResult{}, nil
	}
	if m.ID == current {
		return CheckResult{}, nil
	}

	s.mu.Lock()
	s.manifest = &m
	s.base = endpoint
	s.mu.Unlock()

	return CheckResult{IsAvailable: true, UpdateID: m.ID}, nil
}

// FetchUpdate downloads the update found by the last check and records it
// as pending. IsNew is false when it was already staged.
func (s *HTTPService) FetchUpdate(ctx context.Context) (result FetchResult, err error) {
	ctx, span := telemetry.Start(ctx, "update.fetch")
	defer func() { telemetry.End(span, err) }()

	s.mu.Lock()
	m, base := s.manifest, s.base
	s.mu.Unlock()
	if m == nil {
		return FetchResult{}, errors.New(errors.ErrUpdateFailed, "no update to fetch")
	}

	dir := BundleDir(s.cfg.DataDir, m.ID)
	pending, _, err := s.store.Get(ctx, db.KeyPendingUpdateID)
	if err != nil {
		return FetchResult{}, errors.Wrap(errors.ErrDatabase, "read pending update id", err)
	}
	if pending == m.ID {
		if _, statErr := os.Stat(filepath.Join(dir, manifestFile)); statErr == nil {
			return FetchResult{IsNew: false, UpdateID: m.ID}, nil
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return FetchResult{}, errors.Wrap(errors.ErrUpdateFailed, "create bundle dir", err)
	}

	var total int64
	n, err := s.download(ctx, base, m.LaunchAsset, filepath.Join(dir, assetFile(bundleName, m.LaunchAsset)))
	if err != nil {
		return FetchResult{}, err
	}
	total += n
	for _, a := range m.Assets {
		n, err := s.download(ctx, base, a, filepath.Join(dir, assetFile(a.Key, a)))
		if err != nil {
			return FetchResult{}, err
		}
		total += n
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return FetchResult{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestFile), raw); err != nil {
		return FetchResult{}, errors.Wrap(errors.ErrUpdateFailed, "write manifest", err)
	}
	if err := s.store.Set(ctx, db.KeyPendingUpdateID, m.ID); err != nil {
		return FetchResult{}, errors.Wrap(errors.ErrDatabase, "record pending update", err)
	}

	logging.Info("Update bundle stored", map[string]interface{}{
		"update_id": m.ID,
		"assets":    len(m.Assets) + 1,
		"size":      humanize.Bytes(uint64(total)),
	})
	return FetchResult{IsNew: true, UpdateID: m.ID}, nil
}

// download fetches a into path and verifies its hash.
func (s *HTTPService) download(ctx context.Context, base *url.URL, a Asset, path string) (int64, error) {
	ref, err := url.Parse(a.URL)
	if err != nil {
		return 0, errors.Wrap(errors.ErrUpdateFailed, "parse asset url", err)
	}
	target := base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(errors.ErrNetwork, "download asset "+a.Key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return 0, errors.New(errors.ErrServer, fmt.Sprintf("asset %s returned status %d", a.Key, resp.StatusCode))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".asset-*")
	if err != nil {
		return 0, errors.Wrap(errors.ErrUpdateFailed, "create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrNetwork, "download asset "+a.Key, err)
	}

	got := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	if a.Hash == "" || got != strings.TrimRight(a.Hash, "=") {
		return 0, errors.New(errors.ErrUpdateFailed, "hash mismatch for asset "+a.Key)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, errors.Wrap(errors.ErrUpdateFailed, "store asset "+a.Key, err)
	}
	return n, nil
}

// ValidUpdateID reports whether id can name a directory under the updates
// root without leaving it.
func ValidUpdateID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return filepath.IsLocal(id) && !strings.ContainsAny(id, `/\`)
}

func assetFile(name string, a Asset) string {
	ext := strings.TrimPrefix(a.FileExtension, ".")
	name = filepath.Base(name)
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Disabled is the Service used when updates are off or in development mode.
type Disabled struct {
	Reason string
}

func (d Disabled) CheckForUpdate(context.Context) (CheckResult, error) {
	return CheckResult{}, errors.New(errors.ErrUpdateFailed, "updates disabled: "+d.Reason)
}

func (d Disabled) FetchUpdate(context.Context) (FetchResult, error) {
	return FetchResult{}, errors.New(errors.ErrUpdateFailed, "updates disabled: "+d.Reason)
}
