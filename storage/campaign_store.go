package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"campaign-pipeline/core/models"
)

var (
	// ErrCampaignNotFound is returned when no document exists for a key
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrInvalidKey is returned for keys that cannot name a campaign document
	ErrInvalidKey = errors.New("invalid campaign key")
)

// CampaignSource resolves campaigns to the input the generation job needs
type CampaignSource interface {
	Get(ctx context.Context, key models.CampaignRunKey) (models.Campaign, error)
	List(ctx context.Context) ([]models.Campaign, error)
	Resolve(ctx context.Context, key models.CampaignRunKey) (models.JobInput, error)
}

// ValidateKey rejects keys that are empty or could escape a storage root
func ValidateKey(key models.CampaignRunKey) error {
	k := string(key)
	if strings.TrimSpace(k) == "" || k == "." || k == ".." ||
		strings.ContainsAny(k, `/\`) || strings.Contains(k, "..") || strings.ContainsRune(k, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k)
	}
	return nil
}

// campaignDocument is the part of a campaign document this service reads
type campaignDocument struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FileCampaignStore reads campaign documents from <dir>/<key>.json
type FileCampaignStore struct {
	dir string
}

// NewFileCampaignStore creates a store rooted at dir
func NewFileCampaignStore(dir string) *FileCampaignStore {
	return &FileCampaignStore{dir: dir}
}

func (s *FileCampaignStore) path(key models.CampaignRunKey) string {
	return filepath.Join(s.dir, string(key)+".json")
}

// Get loads the campaign named key
func (s *FileCampaignStore) Get(ctx context.Context, key models.CampaignRunKey) (models.Campaign, error) {
	if err := ValidateKey(key); err != nil {
		return models.Campaign{}, err
	}
	return s.load(s.path(key), key)
}

// List returns every campaign in the store, ordered by key
func (s *FileCampaignStore) List(ctx context.Context) ([]models.Campaign, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	var campaigns []models.Campaign
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		key := models.CampaignRunKey(strings.TrimSuffix(name, ".json"))
		if ValidateKey(key) != nil {
			continue
		}
		c, err := s.load(filepath.Join(s.dir, name), key)
		if err != nil {
			continue
		}
		campaigns = append(campaigns, c)
	}

	sort.Slice(campaigns, func(i, j int) bool { return campaigns[i].ID < campaigns[j].ID })
	return campaigns, nil
}

// Resolve returns the document path itself as the job input
func (s *FileCampaignStore) Resolve(ctx context.Context, key models.CampaignRunKey) (models.JobInput, error) {
	if err := ValidateKey(key); err != nil {
		return models.JobInput{}, err
	}
	p := s.path(key)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return models.JobInput{}, fmt.Errorf("%w: %s", ErrCampaignNotFound, key)
		}
		return models.JobInput{}, err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return models.JobInput{}, err
	}
	return models.JobInput{Path: abs}, nil
}

func (s *FileCampaignStore) load(p string, key models.CampaignRunKey) (models.Campaign, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Campaign{}, fmt.Errorf("%w: %s", ErrCampaignNotFound, key)
		}
		return models.Campaign{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return models.Campaign{}, err
	}

	var doc campaignDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return models.Campaign{}, fmt.Errorf("failed to parse campaign %s: %w", key, err)
	}

	name := doc.Name
	if name == "" {
		name = string(key)
	}
	return models.Campaign{
		ID:        key,
		Name:      name,
		UpdatedAt: info.ModTime().UTC(),
	}, nil
}
