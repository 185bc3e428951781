package manifest

import (
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
)

// hclFile mirrors Manifest with stage names as block labels:
//
//	stage "lint" {
//	  run = ["golangci-lint run"]
//	}
type hclFile struct {
	Name           string        `hcl:"name"`
	Concurrency    *int          `hcl:"concurrency,optional"`
	DefaultTimeout *string       `hcl:"default_timeout,optional"`
	MaxOutput      *string       `hcl:"max_output,optional"`
	Gate           *hclGate      `hcl:"gate,block"`
	Stages         []*hclStage   `hcl:"stage,block"`
	Publish        []*hclPublish `hcl:"publish,block"`
}

type hclGate struct {
	Required []string `hcl:"required,optional"`
}

type hclStage struct {
	Name            string            `hcl:"name,label"`
	Needs           []string          `hcl:"needs,optional"`
	Run             []string          `hcl:"run"`
	Report          *string           `hcl:"report,optional"`
	ReportFormat    *string           `hcl:"report_format,optional"`
	Threshold       *string           `hcl:"threshold,optional"`
	ErrorExitCodes  []int             `hcl:"error_exit_codes,optional"`
	Retries         *int              `hcl:"retries,optional"`
	Timeout         *string           `hcl:"timeout,optional"`
	ContinueOnError *bool             `hcl:"continue_on_error,optional"`
	ProducesImage   *bool             `hcl:"produces_image,optional"`
	ImageRefFile    *string           `hcl:"image_ref_file,optional"`
	Env             map[string]string `hcl:"env,optional"`
}

type hclPublish struct {
	Name    string            `hcl:"name,label"`
	Needs   []string          `hcl:"needs,optional"`
	Run     []string          `hcl:"run"`
	Tags    []string          `hcl:"tags,optional"`
	Timeout *string           `hcl:"timeout,optional"`
	Env     map[string]string `hcl:"env,optional"`
}

func parseHCL(data []byte, filename string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, "Failed to parse hcl")
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, errors.Wrap(diags, "Failed to decode hcl")
	}
	if len(parsed.Publish) > 1 {
		return nil, errors.Errorf("Expected at most one publish block, found %d", len(parsed.Publish))
	}

	manifest := &Manifest{
		Name:        parsed.Name,
		Concurrency: deref(parsed.Concurrency),
		MaxOutput:   deref(parsed.MaxOutput),
	}
	if err := manifest.DefaultTimeout.parse(deref(parsed.DefaultTimeout)); err != nil {
		return nil, errors.Wrap(err, "default_timeout")
	}
	if parsed.Gate != nil {
		manifest.Gate.Required = parsed.Gate.Required
	}

	for _, block := range parsed.Stages {
		stage := Stage{
			Name:            block.Name,
			Needs:           block.Needs,
			Run:             block.Run,
			Report:          deref(block.Report),
			ReportFormat:    deref(block.ReportFormat),
			Threshold:       deref(block.Threshold),
			ErrorExitCodes:  block.ErrorExitCodes,
			Retries:         deref(block.Retries),
			ContinueOnError: deref(block.ContinueOnError),
			ProducesImage:   deref(block.ProducesImage),
			ImageRefFile:    deref(block.ImageRefFile),
			Env:             block.Env,
		}
		if err := stage.Timeout.parse(deref(block.Timeout)); err != nil {
			return nil, errors.Wrapf(err, "Stage %s timeout", block.Name)
		}
		manifest.Stages = append(manifest.Stages, stage)
	}

	for _, block := range parsed.Publish {
		publish := &Publish{
			Name:  block.Name,
			Needs: block.Needs,
			Run:   block.Run,
			Tags:  block.Tags,
			Env:   block.Env,
		}
		if err := publish.Timeout.parse(deref(block.Timeout)); err != nil {
			return nil, errors.Wrapf(err, "Publish %s timeout", block.Name)
		}
		manifest.Publish = publish
	}

	return manifest, nil
}

func deref[T any](value *T) T {
	var zero T
	if value == nil {
		return zero
	}
	return *value
}
