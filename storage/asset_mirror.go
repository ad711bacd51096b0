package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"campaign-pipeline/core/models"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultContentType is used when content type detection fails
const DefaultContentType = "application/octet-stream"

// Uploader stores one object in a remote bucket
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

type mirrorJob struct {
	campaign models.CampaignRunKey
	filename string
}

// AssetMirror copies generated assets to object storage in the background.
// Failures are logged and never reach the run that produced the asset.
type AssetMirror struct {
	uploader  Uploader
	baseDir   string
	outputDir string
	logger   *slog.Logger
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan mirrorJob
	wg     sync.WaitGroup
}

// NewAssetMirror creates a mirror. Relative asset paths are resolved against
// baseDir, the pipeline's working directory. Object keys keep each asset's
// layout below outputDir.
func NewAssetMirror(uploader Uploader, baseDir, outputDir string, queueSize int, logger *slog.Logger) *AssetMirror {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetMirror{
		uploader:  uploader,
		baseDir:   baseDir,
		outputDir: outputDir,
		logger:    logger.With("component", "asset_mirror"),
		timeout:   2 * time.Minute,
		queue:     make(chan mirrorJob, queueSize),
	}
}

// Start runs the upload worker until Close is called
func (m *AssetMirror) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for job := range m.queue {
			if err := m.upload(ctx, job); err != nil {
				m.logger.Warn("asset upload failed",
					"campaign", job.campaign, "filename", job.filename, "error", err)
			}
		}
	}()
}

// Enqueue schedules an asset for upload. It never blocks; false means the
// asset was skipped because the queue is full or the mirror is closed.
func (m *AssetMirror) Enqueue(campaign models.CampaignRunKey, filename string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.queue <- mirrorJob{campaign: campaign, filename: filename}:
		return true
	default:
		m.logger.Warn("asset mirror queue full", "campaign", campaign, "filename", filename)
		return false
	}
}

// Close stops accepting assets and waits for queued uploads to finish
func (m *AssetMirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// ObjectKey is the bucket key an asset of campaign is stored under. Paths
// below outputDir keep their relative layout, matching the asset URL; paths
// outside it are addressed by base name.
func ObjectKey(campaign models.CampaignRunKey, outputDir, filename string) string {
	p := path.Clean(filepath.ToSlash(filename))
	dir := ""
	if outputDir != "" {
		dir = path.Clean(filepath.ToSlash(outputDir))
	}

	switch {
	case dir != "" && dir != "." && strings.HasPrefix(p, dir+"/"):
		p = strings.TrimPrefix(p, dir+"/")
	case path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../"):
		p = path.Base(p)
	}
	return path.Join(string(campaign), p)
}

func (m *AssetMirror) localPath(filename string) string {
	p := filepath.FromSlash(filename)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.baseDir, p)
}

func (m *AssetMirror) upload(ctx context.Context, job mirrorJob) error {
	p := m.localPath(job.filename)
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("failed to open asset: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("asset %s is a directory", p)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	key := ObjectKey(job.campaign, m.outputDir, job.filename)
	if err := m.uploader.Upload(ctx, key, f, info.Size(), DetectContentType(p)); err != nil {
		return err
	}
	m.logger.Debug("asset mirrored", "campaign", job.campaign, "key", key, "bytes", info.Size())
	return nil
}

// DetectContentType sniffs the MIME type of the file at p
func DetectContentType(p string) string {
	mt, err := mimetype.DetectFile(p)
	if err != nil || mt == nil {
		return DefaultContentType
	}
	return mt.String()
}
