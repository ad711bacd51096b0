package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"campaign-pipeline/core/models"
	"campaign-pipeline/storage"
)

// CampaignRepository serves campaign documents stored in Postgres
type CampaignRepository struct {
	db      *DB
	workDir string // where documents are materialized for the job
}

// NewCampaignRepository creates a new campaign repository. Resolved inputs are
// written under workDir, or the system temp dir when empty.
func NewCampaignRepository(db *DB, workDir string) *CampaignRepository {
	return &CampaignRepository{db: db, workDir: workDir}
}

// SaveCampaign inserts or replaces a campaign document
func (r *CampaignRepository) SaveCampaign(ctx context.Context, key models.CampaignRunKey, name string, document []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	query := `
		INSERT INTO campaigns (id, name, document, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, document = EXCLUDED.document, updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, string(key), name, string(document))
	return err
}

// Get retrieves a campaign by ID
func (r *CampaignRepository) Get(ctx context.Context, key models.CampaignRunKey) (models.Campaign, error) {
	query := `SELECT id, name, updated_at FROM campaigns WHERE id = $1`

	var c models.Campaign
	var id string
	err := r.db.QueryRowContext(ctx, query, string(key)).Scan(&id, &c.Name, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Campaign{}, fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, key)
		}
		return models.Campaign{}, err
	}
	c.ID = models.CampaignRunKey(id)
	if c.Name == "" {
		c.Name = id
	}
	return c, nil
}

// List lists all campaigns ordered by ID
func (r *CampaignRepository) List(ctx context.Context) ([]models.Campaign, error) {
	query := `SELECT id, name, updated_at FROM campaigns ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		var id string
		if err := rows.Scan(&id, &c.Name, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.ID = models.CampaignRunKey(id)
		if c.Name == "" {
			c.Name = id
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// Resolve writes the campaign document to a temporary file for the job
func (r *CampaignRepository) Resolve(ctx context.Context, key models.CampaignRunKey) (models.JobInput, error) {
	if err := storage.ValidateKey(key); err != nil {
		return models.JobInput{}, err
	}

	var document string
	err := r.db.QueryRowContext(ctx, `SELECT document FROM campaigns WHERE id = $1`, string(key)).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobInput{}, fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, key)
		}
		return models.JobInput{}, err
	}

	f, err := os.CreateTemp(r.workDir, string(key)+"-*.json")
	if err != nil {
		return models.JobInput{}, fmt.Errorf("failed to create job input: %w", err)
	}
	if _, err := f.WriteString(document); err != nil {
		f.Close()
		os.Remove(f.Name())
		return models.JobInput{}, fmt.Errorf("failed to write job input: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return models.JobInput{}, err
	}

	path := f.Name()
	return models.JobInput{
		Path:    path,
		Cleanup: func() { os.Remove(path) },
	}, nil
}
