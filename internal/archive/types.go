// Package archive creates, fills, publishes and flushes the archival
// depositions of one submission.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"repro-screening/internal/screening"
)

// Asset is one deposition kind.
type Asset string

const (
	AssetRepository Asset = "repository"
	AssetBook       Asset = "book"
	AssetData       Asset = "data"
	AssetDocker     Asset = "docker"
)

// allAssets is the deposition order used by every step.
var allAssets = []Asset{AssetRepository, AssetBook, AssetData, AssetDocker}

// DataDOIKey names the request extra that, when set, points at an existing
// data archive and removes the data deposition from the set.
const DataDOIKey = "data_doi"

var (
	ErrMissingBucket     = errors.New("no bucket recorded for asset; run bucket creation first")
	ErrMissingArtifact   = errors.New("source artifact not found on disk")
	ErrIncompleteUploads = errors.New("not every asset has a deposit id and an uploaded file")
	ErrPublished         = errors.New("deposition is already published and immutable")
	ErrUnknownAsset      = errors.New("unknown asset type")
)

// ParseAsset validates an asset name.
func ParseAsset(s string) (Asset, error) {
	for _, a := range allAssets {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAsset, s)
}

// Assets returns the depositions a request needs, in order.
func Assets(req *screening.Request) []Asset {
	out := make([]Asset, 0, len(allAssets))
	for _, a := range allAssets {
		if a == AssetData && req.ExtraValue(DataDOIKey) != "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Submission keys all records of one (repository, commit).
func Submission(req *screening.Request) string {
	return fmt.Sprintf("%s/%s@%s", req.Owner(), req.Repo(), req.CommitHash)
}

// Record is the Archival Record of one asset.
type Record struct {
	Submission string
	Asset      Asset
	DepositID  int64
	BucketURL  string
	FileID     string
	DOI        string
	Published  bool
	UpdatedAt  time.Time
}

// APIError is a non-success response from the archival service. Body is the
// raw response so it can be shown to the operator as is.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("archive %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// RecordStore persists Archival Records.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec Record) error
	Records(ctx context.Context, submission string) ([]Record, error)
	DeleteRecord(ctx context.Context, submission string, asset Asset) error
}

// MemoryStore is an in-process RecordStore.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]map[Asset]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]map[Asset]Record)}
}

func (m *MemoryStore) SaveRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs[rec.Submission] == nil {
		m.recs[rec.Submission] = make(map[Asset]Record)
	}
	m.recs[rec.Submission][rec.Asset] = rec
	return nil
}

func (m *MemoryStore) Records(_ context.Context, submission string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs[submission]))
	for _, r := range m.recs[submission] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return order(out[i].Asset) < order(out[j].Asset) })
	return out, nil
}

func (m *MemoryStore) DeleteRecord(_ context.Context, submission string, asset Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs[submission], asset)
	return nil
}

func order(a Asset) int {
	for i, x := range allAssets {
		if x == a {
			return i
		}
	}
	return len(allAssets)
}
