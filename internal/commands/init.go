package commands

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"text/template"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/okra-platform/authzfilter/internal/config"
	"github.com/okra-platform/authzfilter/internal/upstream"
)

//go:embed templates/*
var templatesFS embed.FS

type InitOptions struct {
	Path          string
	Listen        string
	Backend       string
	Kind          string
	Target        string
	FailurePolicy string
	Codec         string
	Timeout       time.Duration
}

func (o *InitOptions) withDefaults() {
	if o.Path == "" {
		o.Path = config.DefaultFileName
	}
	if o.Listen == "" {
		o.Listen = ":8080"
	}
	if o.Kind == "" {
		o.Kind = string(upstream.KindConnect)
	}
	if o.FailurePolicy == "" {
		o.FailurePolicy = "fail-closed"
	}
	if o.Codec == "" {
		o.Codec = "proto"
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
}

type FileSystem interface {
	Stat(name string) (os.FileInfo, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
}

type osFileSystem struct{}

func (fs *osFileSystem) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (fs *osFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

type InitCommand struct {
	filesystem FileSystem
	template   *template.Template
	// For testing: if set, skip prompting
	testOptions *InitOptions
}

func NewInitCommand() *InitCommand {
	return &InitCommand{
		filesystem: &osFileSystem{},
		template:   template.Must(template.ParseFS(templatesFS, "templates/authzfilter.yaml.tmpl")),
	}
}

func (c *Controller) Init(ctx context.Context) error {
	cmd := NewInitCommand()
	path, err := cmd.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out(), "Wrote %s\n", path)
	return nil
}

func (ic *InitCommand) Run(ctx context.Context) (string, error) {
	return ic.RunWithOptions(ctx)
}

// RunWithOptions prompts for the settings, renders the config file, checks
// that it loads and writes it. It returns the written path.
func (ic *InitCommand) RunWithOptions(ctx context.Context, opts ...tea.ProgramOption) (string, error) {
	var options *InitOptions
	var err error

	// For testing: use provided options instead of prompting
	if ic.testOptions != nil {
		options = ic.testOptions
	} else {
		options, err = ic.promptInitOptions(opts...)
		if err != nil {
			return "", fmt.Errorf("failed to get init options: %w", err)
		}
	}
	options.withDefaults()

	if _, err := ic.filesystem.Stat(options.Path); err == nil {
		return "", fmt.Errorf("%s already exists", options.Path)
	}

	data, err := ic.render(options)
	if err != nil {
		return "", err
	}
	if err := ic.filesystem.WriteFile(options.Path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return options.Path, nil
}

func (ic *InitCommand) render(options *InitOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := ic.template.Execute(&buf, options); err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	// Catch bad answers now rather than at the first serve.
	if _, err := config.Parse(buf.Bytes(), "yaml"); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}
	return buf.Bytes(), nil
}

func (ic *InitCommand) promptInitOptions(opts ...tea.ProgramOption) (*InitOptions, error) {
	options := &InitOptions{
		Path:          config.DefaultFileName,
		Listen:        ":8080",
		Backend:       "http://127.0.0.1:9000",
		Kind:          string(upstream.KindConnect),
		Target:        "http://127.0.0.1:9001",
		FailurePolicy: "fail-closed",
		Codec:         "proto",
	}

	form := ic.createInitForm(options)

	if len(opts) > 0 {
		// For testing: run with provided options
		program := tea.NewProgram(form, opts...)
		if _, err := program.Run(); err != nil {
			return nil, err
		}
	} else {
		if err := form.Run(); err != nil {
			return nil, err
		}
	}
	return options, nil
}

func (ic *InitCommand) createInitForm(o *InitOptions) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Config file").
				Value(&o.Path).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("path cannot be empty")
					}
					if _, err := ic.filesystem.Stat(s); err == nil {
						return fmt.Errorf("%s already exists", s)
					}
					return nil
				}),

			huh.NewInput().
				Title("Backend").
				Description("Where allowed requests are forwarded").
				Value(&o.Backend).
				Validate(validateAbsoluteURL),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Authorization service").
				Options(
					huh.NewOption("Connect / gRPC", string(upstream.KindConnect)),
					huh.NewOption("HTTP POST", string(upstream.KindHTTP)),
					huh.NewOption("WebAssembly module", string(upstream.KindWASM)),
				).
				Value(&o.Kind),

			huh.NewInput().
				Title("Service URL or module path").
				Value(&o.Target).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("cannot be empty")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("When the service fails").
				Options(
					huh.NewOption("Reject the request (fail-closed)", "fail-closed"),
					huh.NewOption("Let the request through (fail-open)", "fail-open"),
				).
				Value(&o.FailurePolicy),

			huh.NewSelect[string]().
				Title("Payload encoding").
				Options(
					huh.NewOption("Protocol Buffers", "proto"),
					huh.NewOption("JSON", "json"),
				).
				Value(&o.Codec),
		),
	)
}

func validateAbsoluteURL(s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", s)
	}
	return nil
}
