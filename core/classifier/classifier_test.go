package classifier

import (
	"testing"

	"campaign-pipeline/core/models"
	"campaign-pipeline/core/spec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	p, err := spec.ParsePipelineSpec("")
	require.NoError(t, err)
	return New(p, "/assets/")
}

func stdout(text string) models.RawLogLine {
	return models.RawLogLine{Text: text, Stream: models.StreamStdout}
}

func TestClassifySavedLine(t *testing.T) {
	c := newTestClassifier(t)

	ev, ok, n := c.Classify(stdout("Saved: output/coke_square_1.png"), 3)
	require.True(t, ok)
	assert.Equal(t, Counter(4), n)
	assert.Equal(t, models.AssetGeneratedEvent{
		Filename:      "output/coke_square_1.png",
		URL:           "/assets/coke_square_1.png",
		SequenceCount: 4,
	}, ev)
}

func TestClassifyGeneratedMarker(t *testing.T) {
	c := newTestClassifier(t)

	ev, ok, n := c.Classify(stdout("[INFO] Generated: output/de/banner 1.JPG"), 0)
	require.True(t, ok)
	assert.Equal(t, Counter(1), n)
	asset := ev.(models.AssetGeneratedEvent)
	assert.Equal(t, "output/de/banner 1.JPG", asset.Filename)
	assert.Equal(t, "/assets/de/banner%201.JPG", asset.URL)
	assert.Equal(t, 1, asset.SequenceCount)
}

func TestClassifyTrailingDetail(t *testing.T) {
	c := newTestClassifier(t)

	ev, ok, _ := c.Classify(stdout("Saved: a.png (1024x1024)"), 0)
	require.True(t, ok)
	assert.Equal(t, "a.png", ev.(models.AssetGeneratedEvent).Filename)
	assert.Equal(t, "/assets/a.png", ev.(models.AssetGeneratedEvent).URL)
}

func TestClassifyPlainLineIsLogged(t *testing.T) {
	c := newTestClassifier(t)

	ev, ok, n := c.Classify(stdout("Processing region: Germany"), 2)
	require.True(t, ok)
	assert.Equal(t, Counter(2), n)
	assert.Equal(t, models.LogEvent{Message: "Processing region: Germany"}, ev)
}

func TestClassifyMarkerWithoutImageIsLogged(t *testing.T) {
	c := newTestClassifier(t)

	for _, line := range []string{
		"Saved: report.json",
		"Saved:",
		`Saved: "  "`,
		"Generated: 12 variants",
	} {
		ev, ok, n := c.Classify(stdout(line), 0)
		require.True(t, ok, line)
		assert.Equal(t, Counter(0), n, line)
		assert.Equal(t, models.LogEvent{Message: line}, ev, line)
	}
}

func TestClassifyBlankLines(t *testing.T) {
	c := newTestClassifier(t)

	for _, line := range []string{"", "   ", "\t", "\r\n"} {
		ev, ok, n := c.Classify(stdout(line), 5)
		assert.False(t, ok)
		assert.Nil(t, ev)
		assert.Equal(t, Counter(5), n)
	}
}

func TestClassifyStderrAndCarriageReturn(t *testing.T) {
	c := newTestClassifier(t)

	ev, ok, _ := c.Classify(models.RawLogLine{Text: "  warning: low memory\r", Stream: models.StreamStderr}, 0)
	require.True(t, ok)
	assert.Equal(t, models.LogEvent{Message: "  warning: low memory"}, ev)
}

func TestClassifySequenceIsContiguous(t *testing.T) {
	c := newTestClassifier(t)

	lines := []string{"Saved: a.png", "note", "", "Saved: b.png", "Generated: c.webp"}
	var n Counter
	var seqs []int
	for _, l := range lines {
		var ev models.Event
		var ok bool
		ev, ok, n = c.Classify(stdout(l), n)
		if !ok {
			continue
		}
		if asset, isAsset := ev.(models.AssetGeneratedEvent); isAsset {
			seqs = append(seqs, asset.SequenceCount)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, seqs)
	assert.Equal(t, Counter(3), n)
}

func TestAssetURL(t *testing.T) {
	p, err := spec.ParsePipelineSpec("pipeline:\n  output_dir: /srv/out\n")
	require.NoError(t, err)
	c := New(p, "http://cdn.example.com/assets")

	assert.Equal(t, "http://cdn.example.com/assets/x/y.png", c.AssetURL("/srv/out/x/y.png"))
	assert.Equal(t, "http://cdn.example.com/assets/z.png", c.AssetURL("/tmp/z.png"))
	assert.Equal(t, "http://cdn.example.com/assets/z.png", c.AssetURL("../z.png"))
	assert.Equal(t, "http://cdn.example.com/assets/rel/q.png", c.AssetURL("rel/q.png"))
}
