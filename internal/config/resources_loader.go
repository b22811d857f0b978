package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/fetchctrl/internal/expr"
)

const inlineSourceName = "inline-config"

// ResourceBundle captures the merged resource definitions after loading every
// configured source.
type ResourceBundle struct {
	Resources map[string]ResourceConfig
	Sources   []string
	Skipped   []DefinitionSkip
}

type resourceDocument struct {
	Resources map[string]ResourceConfig `koanf:"resources"`
}

type resourceAggregator struct {
	resources map[string]ResourceConfig
	origins   map[string]string
	skips     map[string]*DefinitionSkip
	sources   map[string]struct{}
}

func newResourceAggregator() *resourceAggregator {
	return &resourceAggregator{
		resources: make(map[string]ResourceConfig),
		origins:   make(map[string]string),
		skips:     make(map[string]*DefinitionSkip),
		sources:   make(map[string]struct{}),
	}
}

func (a *resourceAggregator) addDocument(doc resourceDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Resources {
		a.addResource(name, cfg, source)
	}
}

func (a *resourceAggregator) addResource(name string, cfg ResourceConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.resources, name)
		return
	}
	a.origins[name] = source
	a.resources[name] = cfg
}

// quarantineInvalid skips resources that fail validation or whose evict
// filters do not compile.
func (a *resourceAggregator) quarantineInvalid(env *expr.Environment) {
	for name, cfg := range a.resources {
		err := validateResource(name, cfg)
		if err == nil {
			err = validateEvictFilters(cfg, env)
		}
		if err == nil {
			continue
		}
		a.recordSkip(name, fmt.Sprintf("invalid definition: %v", err), a.origins[name])
		delete(a.origins, name)
		delete(a.resources, name)
	}
}

func (a *resourceAggregator) recordSkip(name, reason string, sources ...string) {
	skip, ok := a.skips[name]
	if !ok {
		skip = &DefinitionSkip{Kind: "resource", Name: name, Reason: reason, Sources: []string{}}
		a.skips[name] = skip
	} else if skip.Reason == "" {
		skip.Reason = reason
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
}

func (a *resourceAggregator) bundle() ResourceBundle {
	resources := maps.Clone(a.resources)
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return ResourceBundle{Resources: resources, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildResourceBundle(ctx context.Context, inline map[string]ResourceConfig, resourcesCfg ResourcesConfig) (ResourceBundle, error) {
	agg := newResourceAggregator()
	if len(inline) > 0 {
		agg.addDocument(resourceDocument{Resources: inline}, inlineSourceName)
	}

	files, err := collectResourceSources(ctx, resourcesCfg)
	if err != nil {
		return ResourceBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return ResourceBundle{}, ctx.Err()
		default:
		}
		doc, err := loadResourceDocument(path)
		if err != nil {
			return ResourceBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return ResourceBundle{}, err
	}
	agg.quarantineInvalid(env)
	return agg.bundle(), nil
}

func validateEvictFilters(cfg ResourceConfig, env *expr.Environment) error {
	for idx, rule := range cfg.Evict {
		if strings.TrimSpace(rule.Filter) == "" {
			continue
		}
		if _, err := env.Compile(rule.Filter); err != nil {
			return fmt.Errorf("evict[%d].filter: %w", idx, err)
		}
	}
	return nil
}

func collectResourceSources(ctx context.Context, resourcesCfg ResourcesConfig) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if resourcesCfg.ResourcesFile != "" {
		if err := ensureFileExists(resourcesCfg.ResourcesFile); err != nil {
			return nil, err
		}
		return []string{resourcesCfg.ResourcesFile}, nil
	}
	if resourcesCfg.ResourcesFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(resourcesCfg.ResourcesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: resources folder %s: %w", resourcesCfg.ResourcesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: resources folder %s is not a directory", resourcesCfg.ResourcesFolder)
	}
	var files []string
	err = filepath.WalkDir(resourcesCfg.ResourcesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedResourceFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk resources folder %s: %w", resourcesCfg.ResourcesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: resources file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: resources file %s: expected a file, found directory", path)
	}
	return nil
}

func loadResourceDocument(path string) (resourceDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return resourceDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return resourceDocument{}, fmt.Errorf("config: load resources from %s: %w", path, err)
	}
	var doc resourceDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return resourceDocument{}, fmt.Errorf("config: decode resources from %s: %w", path, err)
	}
	if doc.Resources == nil {
		doc.Resources = make(map[string]ResourceConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

func isSupportedResourceFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneResourceMap(in map[string]ResourceConfig) map[string]ResourceConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
