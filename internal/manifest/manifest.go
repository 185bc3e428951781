// Package manifest loads pipeline definitions from YAML or HCL files.
package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/bigredeye/relgate/internal/checks"
	"github.com/bigredeye/relgate/internal/controller"
	"github.com/bigredeye/relgate/internal/models"
)

const (
	FormatYAML = "yaml"
	FormatHCL  = "hcl"

	DefaultPublishName = "publish"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var buf string
	if err := unmarshal(&buf); err != nil {
		return err
	}
	return d.parse(buf)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) parse(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return errors.Wrapf(err, "Invalid duration %q", value)
	}
	if parsed < 0 {
		return errors.Errorf("Negative duration %q", value)
	}
	d.Duration = parsed
	return nil
}

// Commands accepts either a single shell line or a list of them.
type Commands []string

func (c *Commands) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*c = Commands{single}
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return err
	}
	*c = list
	return nil
}

type Gate struct {
	Required []string `yaml:"required"`
}

type Stage struct {
	Name            string            `yaml:"name"`
	Needs           []string          `yaml:"needs"`
	Run             Commands          `yaml:"run"`
	Report          string            `yaml:"report"`
	ReportFormat    string            `yaml:"report_format"`
	Threshold       string            `yaml:"threshold"`
	ErrorExitCodes  []int             `yaml:"error_exit_codes"`
	Retries         int               `yaml:"retries"`
	Timeout         Duration          `yaml:"timeout"`
	ContinueOnError bool              `yaml:"continue_on_error"`
	ProducesImage   bool              `yaml:"produces_image"`
	ImageRefFile    string            `yaml:"image_ref_file"`
	Env             map[string]string `yaml:"env"`
}

type Publish struct {
	Name    string            `yaml:"name"`
	Needs   []string          `yaml:"needs"`
	Run     Commands          `yaml:"run"`
	Tags    []string          `yaml:"tags"`
	Timeout Duration          `yaml:"timeout"`
	Env     map[string]string `yaml:"env"`
}

type Manifest struct {
	Name           string   `yaml:"name"`
	Concurrency    int      `yaml:"concurrency"`
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxOutput      string   `yaml:"max_output"`
	Gate           Gate     `yaml:"gate"`
	Stages         []Stage  `yaml:"stages"`
	Publish        *Publish `yaml:"publish"`
}

// Pipeline is a manifest resolved into what the controller consumes.
type Pipeline struct {
	Stages    []models.Stage
	Config    controller.Config
	MaxOutput int64
}

func FormatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		return FormatHCL
	}
	return FormatYAML
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read manifest")
	}
	manifest, err := Parse(data, filepath.Base(path), FormatOf(path))
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to load manifest %s", path)
	}
	return manifest, nil
}

func Parse(data []byte, filename string, format string) (*Manifest, error) {
	switch format {
	case FormatYAML:
		return parseYAML(data)
	case FormatHCL:
		return parseHCL(data, filename)
	default:
		return nil, errors.Errorf("Unknown manifest format %q", format)
	}
}

func parseYAML(data []byte) (*Manifest, error) {
	manifest := &Manifest{}
	if err := yaml.UnmarshalStrict(data, manifest); err != nil {
		return nil, errors.Wrap(err, "Failed to parse yaml")
	}
	return manifest, nil
}

// Pipeline validates stage-level fields and resolves the manifest. Graph
// defects (cycles, unknown needs) are left to the controller.
func (m *Manifest) Pipeline() (*Pipeline, error) {
	if m.Name == "" {
		return nil, errors.New("Pipeline name is empty")
	}
	if m.Concurrency < 0 {
		return nil, errors.Errorf("Negative concurrency %d", m.Concurrency)
	}

	pipeline := &Pipeline{
		Config: controller.Config{
			Pipeline:       m.Name,
			Required:       m.Gate.Required,
			DefaultTimeout: m.DefaultTimeout.Duration,
			Concurrency:    m.Concurrency,
		},
	}

	if m.MaxOutput != "" {
		size, err := units.RAMInBytes(m.MaxOutput)
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid max_output %q", m.MaxOutput)
		}
		pipeline.MaxOutput = size
	}

	for i := range m.Stages {
		stage, err := m.Stages[i].model()
		if err != nil {
			return nil, errors.Wrapf(err, "Stage #%d", i+1)
		}
		if stage.ContinueOnError {
			pipeline.Config.ContinueOnError = append(pipeline.Config.ContinueOnError, stage.Name)
		}
		pipeline.Stages = append(pipeline.Stages, stage)
	}

	if m.Publish != nil {
		stage, err := m.Publish.model()
		if err != nil {
			return nil, errors.Wrap(err, "Publish stage")
		}
		tags, err := SanitizeTags(m.Publish.Tags)
		if err != nil {
			return nil, errors.Wrap(err, "Publish stage")
		}
		pipeline.Stages = append(pipeline.Stages, stage)
		pipeline.Config.Publish = stage.Name
		pipeline.Config.Tags = tags
	}

	return pipeline, nil
}

func (s *Stage) model() (models.Stage, error) {
	if s.Name == "" {
		return models.Stage{}, errors.New("Stage name is empty")
	}
	if len(s.Run) == 0 {
		return models.Stage{}, errors.Errorf("Stage %s has no commands", s.Name)
	}
	if s.Retries < 0 {
		return models.Stage{}, errors.Errorf("Stage %s has negative retries", s.Name)
	}

	threshold := s.Threshold
	if threshold == "" {
		threshold = checks.DefaultThreshold
	}
	threshold = strings.ToLower(threshold)
	if !models.IsKnownSeverity(threshold) {
		return models.Stage{}, errors.Errorf("Stage %s has unknown threshold %q", s.Name, s.Threshold)
	}

	switch s.ReportFormat {
	case "", models.ReportFormatFindings, models.ReportFormatSARIF:
	default:
		return models.Stage{}, errors.Errorf("Stage %s has unknown report format %q", s.Name, s.ReportFormat)
	}
	if s.ImageRefFile != "" && !s.ProducesImage {
		return models.Stage{}, errors.Errorf("Stage %s sets image_ref_file without produces_image", s.Name)
	}

	return models.Stage{
		Name:  s.Name,
		Needs: append([]string(nil), s.Needs...),
		Action: models.Action{
			Commands:       append([]string(nil), s.Run...),
			Env:            copyEnv(s.Env),
			Report:         s.Report,
			ReportFormat:   s.ReportFormat,
			Threshold:      threshold,
			ErrorExitCodes: append([]int(nil), s.ErrorExitCodes...),
			Retries:        s.Retries,
			ProducesImage:  s.ProducesImage,
			ImageRefFile:   s.ImageRefFile,
		},
		Timeout:         s.Timeout.Duration,
		ContinueOnError: s.ContinueOnError,
	}, nil
}

func (p *Publish) model() (models.Stage, error) {
	name := p.Name
	if name == "" {
		name = DefaultPublishName
	}
	if len(p.Run) == 0 {
		return models.Stage{}, errors.Errorf("Stage %s has no commands", name)
	}
	return models.Stage{
		Name:  name,
		Needs: append([]string(nil), p.Needs...),
		Action: models.Action{
			Commands:  append([]string(nil), p.Run...),
			Env:       copyEnv(p.Env),
			Threshold: checks.DefaultThreshold,
		},
		Timeout: p.Timeout.Duration,
	}, nil
}

func copyEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	res := make(map[string]string, len(env))
	for k, v := range env {
		res[k] = v
	}
	return res
}
