// Package classifier turns raw generation job output into domain events.
//
// Classification is a pure function of the line, the classifier's fixed
// configuration and the asset counter, so every rule here is testable from
// literal strings.
package classifier

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"campaign-pipeline/core/models"
)

// Counter is the number of assets already reported in the current run
type Counter int

// Classifier recognizes asset emission lines
type Classifier struct {
	markers   []string
	exts      map[string]bool
	urlPrefix string
	outputDir string
}

// New creates a classifier for the pipeline's markers and output directory.
// Asset URLs are built under urlPrefix.
func New(p *models.Pipeline, urlPrefix string) *Classifier {
	exts := make(map[string]bool, len(p.ImageExtensions))
	for _, ext := range p.ImageExtensions {
		exts["."+strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	outputDir := ""
	if p.OutputDir != "" {
		outputDir = path.Clean(filepath.ToSlash(p.OutputDir))
	}

	return &Classifier{
		markers:   append([]string(nil), p.AssetMarkers...),
		exts:      exts,
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
		outputDir: outputDir,
	}
}

// Classify maps one line to at most one event and returns the updated counter.
// Blank lines yield no event; lines without an asset marker are logged verbatim.
func (c *Classifier) Classify(line models.RawLogLine, n Counter) (models.Event, bool, Counter) {
	text := strings.TrimRight(line.Text, "\r\n")
	if strings.TrimSpace(text) == "" {
		return nil, false, n
	}

	if filename, ok := c.assetPath(text); ok {
		n++
		return models.AssetGeneratedEvent{
			Filename:      filename,
			URL:           c.AssetURL(filename),
			SequenceCount: int(n),
		}, true, n
	}

	return models.LogEvent{Message: text}, true, n
}

// assetPath extracts the image path following the earliest marker in text
func (c *Classifier) assetPath(text string) (string, bool) {
	at, marker := -1, ""
	for _, m := range c.markers {
		if i := strings.Index(text, m); i >= 0 && (at < 0 || i < at) {
			at, marker = i, m
		}
	}
	if at < 0 {
		return "", false
	}

	rest := strings.TrimSpace(strings.Trim(strings.TrimSpace(text[at+len(marker):]), `"'`))
	if rest == "" {
		return "", false
	}
	if c.isImage(rest) {
		return rest, true
	}

	// "Saved: a.png (1024x1024)" carries trailing detail
	first := strings.Trim(strings.Fields(rest)[0], `"',;`)
	if c.isImage(first) {
		return first, true
	}
	return "", false
}

func (c *Classifier) isImage(p string) bool {
	return c.exts[strings.ToLower(path.Ext(filepath.ToSlash(p)))]
}

// AssetURL derives the retrieval URL for a printed asset path. Paths under the
// output directory keep their relative layout; anything else is addressed by
// its base name.
func (c *Classifier) AssetURL(filename string) string {
	p := path.Clean(filepath.ToSlash(filename))

	switch {
	case c.outputDir != "" && c.outputDir != "." && strings.HasPrefix(p, c.outputDir+"/"):
		p = strings.TrimPrefix(p, c.outputDir+"/")
	case path.IsAbs(p) || strings.HasPrefix(p, "../"):
		p = path.Base(p)
	}

	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.urlPrefix + "/" + strings.Join(segments, "/")
}
