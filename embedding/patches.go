package embedding

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/woozymasta/pathrules"
)

// ErrInvalidPattern means one or more include/exclude patterns could not be compiled.
var ErrInvalidPattern = errors.New("invalid patch file pattern")

// ListOptions controls which files of a patch directory are embedded, and in which order.
type ListOptions struct {
	// Include lists glob patterns matched against file names.
	// If set, only matching files are embedded.
	Include []string
	// Exclude lists glob patterns of files that are never embedded.
	// Exclusion takes precedence over inclusion.
	Exclude []string
	// CaseInsensitive enables case-insensitive pattern matching.
	CaseInsensitive bool
	// FilesystemOrder keeps the order reported by the filesystem instead of sorting by name.
	// The filesystem order differs between platforms, resulting in different overlays.
	FilesystemOrder bool
}

// ListPatches returns the paths of all regular files directly within dir.
// Subdirectories are skipped, symlinks are followed.
func ListPatches(fs afero.Fs, dir string, opts ListOptions) ([]string, error) {
	matcher, err := newPatchMatcher(opts)
	if err != nil {
		return nil, err
	}

	d, err := fs.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open patch directory %q: %w", dir, err)
	}
	defer d.Close()

	infos, err := d.Readdir(-1)
	if err != nil {
		return nil, fmt.Errorf("read patch directory %q: %w", dir, err)
	}

	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		path := filepath.Join(dir, info.Name())
		if info.Mode()&os.ModeSymlink != 0 {
			if info, err = fs.Stat(path); err != nil { // dangling
				continue
			}
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if matcher != nil && !matcher.Included(info.Name(), false) {
			continue
		}
		paths = append(paths, path)
	}

	if !opts.FilesystemOrder {
		sort.Strings(paths)
	}
	return paths, nil
}

// newPatchMatcher compiles the include and exclude patterns.
// Returns nil if all files should be included.
func newPatchMatcher(opts ListOptions) (*pathrules.Matcher, error) {
	rules := make([]pathrules.Rule, 0, len(opts.Include)+len(opts.Exclude))
	rules = appendRules(rules, pathrules.Rule{Action: pathrules.ActionInclude}, opts.Include)
	includes := len(rules)
	rules = appendRules(rules, pathrules.Rule{Action: pathrules.ActionExclude}, opts.Exclude)
	if len(rules) == 0 {
		return nil, nil
	}

	matcherOpts := pathrules.MatcherOptions{
		CaseInsensitive: opts.CaseInsensitive,
		DefaultAction:   pathrules.ActionInclude,
	}
	if includes > 0 {
		matcherOpts.DefaultAction = pathrules.ActionExclude
	}
	matcher, err := pathrules.NewMatcher(rules, matcherOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	return matcher, nil
}

// appendRules appends a copy of rule for each non-empty pattern.
func appendRules(rules []pathrules.Rule, rule pathrules.Rule, patterns []string) []pathrules.Rule {
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		rule.Pattern = pattern
		rules = append(rules, rule)
	}
	return rules
}
