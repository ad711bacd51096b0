package spec

import (
	"fmt"
	"os"
	"strings"
	"time"

	"campaign-pipeline/core/models"

	"gopkg.in/yaml.v3"
)

// PipelineSpec represents the YAML pipeline specification
type PipelineSpec struct {
	Pipeline   PipelineSpecJob        `yaml:"pipeline"`
	Classifier PipelineSpecClassifier `yaml:"classifier"`
	Stream     PipelineSpecStream     `yaml:"stream"`
	Timeouts   PipelineSpecTimeouts   `yaml:"timeouts"`
}

// PipelineSpecJob describes the external generation command
type PipelineSpecJob struct {
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args"`
	WorkingDir      string            `yaml:"working_dir"`
	OutputDir       string            `yaml:"output_dir"`
	Env             map[string]string `yaml:"env"`
	StderrTailLines int               `yaml:"stderr_tail_lines"`
}

// PipelineSpecClassifier configures asset line recognition
type PipelineSpecClassifier struct {
	Markers         []string `yaml:"markers"`
	ImageExtensions []string `yaml:"image_extensions"`
}

// PipelineSpecStream configures event buffering
type PipelineSpecStream struct {
	PendingCap int    `yaml:"pending_cap"`
	LiveCap    int    `yaml:"live_cap"`
	Heartbeat  string `yaml:"heartbeat"` // Go duration, e.g. "15s"
}

// PipelineSpecTimeouts configures run hardening
type PipelineSpecTimeouts struct {
	Silence *string `yaml:"silence,omitempty"` // Go duration; "0" disables
}

const (
	defaultCommand         = "python3"
	defaultOutputDir       = "output"
	defaultStderrTailLines = 20
	defaultPendingCap      = 64
	defaultLiveCap         = 4096
	defaultHeartbeat       = 15 * time.Second
	defaultSilenceTimeout  = 10 * time.Minute
)

var (
	defaultArgs            = []string{"main.py", "--campaign", "{input}"}
	defaultMarkers         = []string{"Saved:", "Generated:"}
	defaultImageExtensions = []string{"png", "jpg", "jpeg", "webp", "gif"}
)

// DefaultPipeline returns the pipeline used when no spec file is configured
func DefaultPipeline() *models.Pipeline {
	p, _ := ParsePipelineSpec("")
	return p
}

// LoadPipelineSpec reads and parses a pipeline spec file. A missing path
// yields the default pipeline.
func LoadPipelineSpec(path string) (*models.Pipeline, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPipeline(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPipeline(), nil
		}
		return nil, fmt.Errorf("failed to read pipeline spec: %w", err)
	}
	return ParsePipelineSpec(string(data))
}

// ParsePipelineSpec parses a YAML pipeline specification into a Pipeline model
func ParsePipelineSpec(specYAML string) (*models.Pipeline, error) {
	var spec PipelineSpec
	if err := yaml.Unmarshal([]byte(specYAML), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	p := &models.Pipeline{
		Command:         strings.TrimSpace(spec.Pipeline.Command),
		Args:            spec.Pipeline.Args,
		WorkingDir:      spec.Pipeline.WorkingDir,
		OutputDir:       spec.Pipeline.OutputDir,
		Env:             spec.Pipeline.Env,
		StderrTailLines: spec.Pipeline.StderrTailLines,
		AssetMarkers:    cleanList(spec.Classifier.Markers),
		ImageExtensions: normalizeExtensions(spec.Classifier.ImageExtensions),
		PendingCap:      spec.Stream.PendingCap,
		LiveCap:         spec.Stream.LiveCap,
	}

	// Set defaults
	if p.Command == "" {
		p.Command = defaultCommand
		if len(p.Args) == 0 {
			p.Args = append([]string(nil), defaultArgs...)
		}
	}
	if p.OutputDir == "" {
		p.OutputDir = defaultOutputDir
	}
	if p.Env == nil {
		p.Env = map[string]string{}
	}
	if p.StderrTailLines <= 0 {
		p.StderrTailLines = defaultStderrTailLines
	}
	if len(p.AssetMarkers) == 0 {
		p.AssetMarkers = append([]string(nil), defaultMarkers...)
	}
	if len(p.ImageExtensions) == 0 {
		p.ImageExtensions = append([]string(nil), defaultImageExtensions...)
	}
	if p.PendingCap <= 0 {
		p.PendingCap = defaultPendingCap
	}
	if p.LiveCap <= 0 {
		p.LiveCap = defaultLiveCap
	}
	if p.LiveCap < p.PendingCap {
		p.LiveCap = p.PendingCap
	}

	p.Heartbeat = defaultHeartbeat
	if spec.Stream.Heartbeat != "" {
		d, err := time.ParseDuration(spec.Stream.Heartbeat)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid heartbeat %q", spec.Stream.Heartbeat)
		}
		p.Heartbeat = d
	}

	p.SilenceTimeout = defaultSilenceTimeout
	if spec.Timeouts.Silence != nil {
		raw := strings.TrimSpace(*spec.Timeouts.Silence)
		if raw == "0" || raw == "" {
			p.SilenceTimeout = 0
		} else {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("invalid silence timeout %q", raw)
			}
			p.SilenceTimeout = d
		}
	}

	return p, nil
}

// ExpandArgs substitutes the run placeholders into the pipeline arguments
func ExpandArgs(p *models.Pipeline, key models.CampaignRunKey, inputPath string) []string {
	replacer := strings.NewReplacer(
		"{input}", inputPath,
		"{campaign}", string(key),
		"{output_dir}", p.OutputDir,
	)
	args := make([]string, len(p.Args))
	for i, arg := range p.Args {
		args[i] = replacer.Replace(arg)
	}
	return args
}

func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// normalizeExtensions lowercases extensions and strips leading dots
func normalizeExtensions(exts []string) []string {
	var out []string
	for _, ext := range cleanList(exts) {
		out = append(out, strings.ToLower(strings.TrimPrefix(ext, ".")))
	}
	return out
}
