package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tutor/model"
)

// templateFile is the YAML shape of a custom template file. One file may carry
// any mix of templates and variants.
type templateFile struct {
	Templates []model.TutorialTemplate `yaml:"templates"`
	Variants  []model.TutorialVariant  `yaml:"variants"`
}

// Loader scans directories for YAML template files and parses them.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a new template Loader.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into templates and variants.
func (l *Loader) LoadAll(directories []string) ([]model.TutorialTemplate, []model.TutorialVariant, error) {
	var templates []model.TutorialTemplate
	var variants []model.TutorialVariant

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			ts, vs, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			templates = append(templates, ts...)
			variants = append(variants, vs...)
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return templates, variants, nil
}

// LoadFile loads and parses a single YAML template file.
func (l *Loader) LoadFile(path string) ([]model.TutorialTemplate, []model.TutorialVariant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, t := range file.Templates {
		if err := validateTemplate(t); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	for _, v := range file.Variants {
		if v.ID == "" || v.BaseTemplate == "" {
			return nil, nil, fmt.Errorf("%s: variant needs id and base_template", path)
		}
	}

	return file.Templates, file.Variants, nil
}

// LoadInto loads every template file from the directories and registers the
// results in the catalog. Registrations the catalog rejects (duplicates,
// dangling bases) are logged and skipped, not fatal.
func (l *Loader) LoadInto(c *Catalog, directories []string) (int, error) {
	templates, variants, err := l.LoadAll(directories)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, t := range templates {
		if c.RegisterTemplate(t) {
			registered++
		} else {
			l.logger.Warn("custom template skipped", zap.String("template_id", t.ID))
		}
	}
	for _, v := range variants {
		if c.RegisterVariant(v) {
			registered++
		} else {
			l.logger.Warn("custom variant skipped", zap.String("variant_id", v.ID))
		}
	}
	return registered, nil
}

func validateTemplate(t model.TutorialTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("template needs an id")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %q has no steps", t.ID)
	}
	seen := make(map[model.StepID]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			return fmt.Errorf("template %q has a step without an id", t.ID)
		}
		if s.ID == model.StepCompletion {
			return fmt.Errorf("template %q uses the reserved step id %q", t.ID, model.StepCompletion)
		}
		if seen[s.ID] {
			return fmt.Errorf("template %q repeats step %q", t.ID, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
