package testspec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
)

const (
	groupConfigName = "config.toml"
	testFileSuffix  = ".test.toml"
)

// groupFile is the on-disk shape of a config.toml. All fields are
// optional except the title.
type groupFile struct {
	Title       string   `toml:"title"`
	Description string   `toml:"description"`
	Tags        []string `toml:"tags"`

	// TimeoutTotal (seconds) is only honored at the root.
	TimeoutTotal int `toml:"timeout_total"`

	Build *buildSection `toml:"build"`
	Test  *testSection  `toml:"test"`
}

type buildSection struct {
	SrcDir              string   `toml:"srcdir"`
	Cmd                 []string `toml:"cmd"`
	Timeout             int      `toml:"timeout"`
	ProhibitBinaryFiles bool     `toml:"prohibit_binary_files"`
	AllowedBinaryFiles  []string `toml:"allowed_binary_files"`
}

// testSection is a partial test definition. Leaves and directory
// defaults share this shape; merging is key-wise with the closer value
// winning.
type testSection struct {
	Kind    string                 `toml:"kind"`
	Timeout *int                   `toml:"timeout"`
	Options map[string]interface{} `toml:"options"`
}

// testFile is the on-disk shape of a *.test.toml.
type testFile struct {
	Description string       `toml:"description"`
	Tags        []string     `toml:"tags"`
	Test        *testSection `toml:"test"`
}

// merge layers override on top of base. Kind and timeout are replaced
// when set; option maps are merged shallowly, override keys winning.
func (base *testSection) merge(override *testSection) *testSection {
	if override == nil {
		return base
	}

	merged := &testSection{
		Kind:    base.Kind,
		Timeout: base.Timeout,
	}

	if override.Kind != "" {
		merged.Kind = override.Kind
	}

	if override.Timeout != nil {
		merged.Timeout = override.Timeout
	}

	merged.Options = make(map[string]interface{}, len(base.Options)+len(override.Options))
	for k, v := range base.Options {
		merged.Options[k] = v
	}

	for k, v := range override.Options {
		merged.Options[k] = v
	}

	return merged
}

// Resolve walks the test tree at root and produces the grading plan for
// the given submission tags. A directory or test file that lists
// required tags is included only when every one of them is present in
// tags; pruned subtrees contribute nothing. Resolution is
// deterministic: entries are visited depth-first in name order.
func Resolve(root string, tags []string) (*Plan, error) {
	rootCfg, err := readGroupConfig(root)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Title:        rootCfg.Title,
		TimeoutTotal: DefaultTotalTimeout,
		Build: BuildSpec{
			Timeout: DefaultBuildTimeout,
		},
	}

	if rootCfg.TimeoutTotal > 0 {
		plan.TimeoutTotal = time.Duration(rootCfg.TimeoutTotal) * time.Second
	}

	if b := rootCfg.Build; b != nil {
		plan.Build.SrcDir = b.SrcDir
		plan.Build.Cmd = b.Cmd
		plan.Build.ProhibitBinaryFiles = b.ProhibitBinaryFiles
		plan.Build.AllowedBinaryFiles = b.AllowedBinaryFiles

		if b.Timeout > 0 {
			plan.Build.Timeout = time.Duration(b.Timeout) * time.Second
		}
	}

	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	cases, err := resolveDir(root, rootCfg, tagSet, "", initialDefaults())
	if err != nil {
		return nil, err
	}

	plan.Cases = cases

	return plan, nil
}

// AllTags walks the whole test tree and returns the union of every
// required-tag list, sorted. Resolving with this set yields the complete
// plan, which is how config validation exercises every group.
func AllTags(root string) ([]string, error) {
	seen := make(map[string]struct{})

	var walk func(dir string) error
	walk = func(dir string) error {
		cfg, err := readGroupConfig(dir)
		if err != nil {
			return err
		}

		for _, t := range cfg.Tags {
			seen[t] = struct{}{}
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrMalformedTestConfig, dir, err)
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())

			if entry.IsDir() {
				if err := walk(path); err != nil {
					return err
				}

				continue
			}

			if !strings.HasSuffix(entry.Name(), testFileSuffix) {
				continue
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("%w: reading %s: %v", ErrMalformedTestConfig, path, err)
			}

			var tf testFile
			if err := toml.Unmarshal(data, &tf); err != nil {
				return fmt.Errorf("%w: parsing %s: %v", ErrMalformedTestConfig, path, err)
			}

			for _, t := range tf.Tags {
				seen[t] = struct{}{}
			}
		}

		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}

	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}

	sort.Strings(tags)

	return tags, nil
}

func initialDefaults() *testSection {
	return &testSection{Options: map[string]interface{}{}}
}

func readGroupConfig(dir string) (*groupFile, error) {
	path := filepath.Join(dir, groupConfigName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformedTestConfig, path, err)
	}

	var cfg groupFile
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrMalformedTestConfig, path, err)
	}

	if cfg.Title == "" {
		return nil, fmt.Errorf("%w: %s has no title", ErrMalformedTestConfig, path)
	}

	return &cfg, nil
}

// wantsGroup reports whether the submission's tags satisfy a group's
// required-tag list. A group with no required tags is always entered.
func wantsGroup(required []string, tags map[string]struct{}) bool {
	for _, r := range required {
		if _, ok := tags[r]; !ok {
			return false
		}
	}

	return true
}

func resolveDir(
	dir string,
	cfg *groupFile,
	tags map[string]struct{},
	groupPath string,
	defaults *testSection,
) ([]Case, error) {
	defaults = defaults.merge(cfg.Test)

	title := cfg.Title
	if groupPath != "" {
		title = groupPath + "/" + cfg.Title
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformedTestConfig, dir, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var cases []Case

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			subCfg, err := readGroupConfig(path)
			if err != nil {
				return nil, err
			}

			if !wantsGroup(subCfg.Tags, tags) {
				continue
			}

			sub, err := resolveDir(path, subCfg, tags, title, defaults)
			if err != nil {
				return nil, err
			}

			cases = append(cases, sub...)

			continue
		}

		if !strings.HasSuffix(entry.Name(), testFileSuffix) {
			continue
		}

		c, err := resolveCase(path, title, defaults, tags)
		if err != nil {
			return nil, err
		}

		if c == nil {
			continue
		}

		cases = append(cases, *c)
	}

	return cases, nil
}

// resolveCase parses a single test file. A file whose required tags are
// not all present in the submission's tags resolves to nil, same as a
// pruned directory.
func resolveCase(
	path, group string, defaults *testSection, tags map[string]struct{},
) (*Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformedTestConfig, path, err)
	}

	var tf testFile
	if err := toml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrMalformedTestConfig, path, err)
	}

	if !wantsGroup(tf.Tags, tags) {
		return nil, nil
	}

	resolved := defaults.merge(tf.Test)

	if resolved.Kind == "" {
		return nil, fmt.Errorf("%w: no test kind for %s", ErrMalformedTestConfig, path)
	}

	c := &Case{
		Group:       group,
		Name:        strings.TrimSuffix(filepath.Base(path), testFileSuffix),
		Description: tf.Description,
		Timeout:     DefaultCaseTimeout,
		Kind:        resolved.Kind,
	}

	if resolved.Timeout != nil {
		c.Timeout = time.Duration(*resolved.Timeout) * time.Second
	}

	switch resolved.Kind {
	case KindRun:
		var spec RunSpec
		if err := decodeOptions(path, resolved.Options, &spec); err != nil {
			return nil, err
		}

		if spec.Bin == "" {
			return nil, fmt.Errorf("%w: %s resolves to no binary", ErrMalformedTestConfig, path)
		}

		c.Run = &spec
	case KindCheckFileExists:
		var spec CheckFileSpec
		if err := decodeOptions(path, resolved.Options, &spec); err != nil {
			return nil, err
		}

		if spec.Path == "" {
			return nil, fmt.Errorf("%w: %s resolves to no path", ErrMalformedTestConfig, path)
		}

		c.CheckFile = &spec
	default:
		return nil, fmt.Errorf("%w: %q in %s", ErrUnsupportedTestKind, resolved.Kind, path)
	}

	return c, nil
}

// decodeOptions turns a merged option map into a typed spec. Unknown
// keys fail resolution; silently dropping a misspelled expectation would
// grade against the wrong criteria.
func decodeOptions(
	path string, opts map[string]interface{}, out interface{},
) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("building option decoder: %w", err)
	}

	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("%w: options in %s: %v", ErrMalformedTestConfig, path, err)
	}

	return nil
}
