// Package walker discovers indexable files under a repository root: a
// parallel, deterministic BFS that consults the ignore engine, never
// follows symlinks, and reports permission/stat/broken-symlink problems
// as warnings rather than aborting.
package walker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/Aman-CERP/pampax/internal/config"
	"github.com/Aman-CERP/pampax/internal/ignore"
)

// Warning codes.
const (
	WarnBrokenSymlink    = "broken_symlink"
	WarnPermissionDenied = "permission_denied"
	WarnStatFailure      = "stat_failure"
	WarnUnreadableDir    = "unreadable_dir"
)

// Warning records a non-fatal problem encountered during the walk.
type Warning struct {
	Path    string
	Code    string
	Message string
}

// Options configures a walk.
type Options struct {
	// Extensions restricts output to these extensions (with leading
	// dot) or exact basenames (e.g. "Dockerfile"). Nil/empty means
	// every extension in LanguageExtensions is accepted.
	Extensions map[string]bool

	// Ignore is the layered ignore engine consulted for every path.
	// A nil Ignore accepts everything.
	Ignore *ignore.Engine

	// Workers caps the worker pool size (0 = runtime.GOMAXPROCS(0)).
	Workers int

	// Submodules configures optional git submodule traversal.
	Submodules *config.SubmoduleConfig
}

// Result is the deterministic output of a walk.
type Result struct {
	// Paths is the sorted, deduplicated list of repository-relative,
	// forward-slashed file paths accepted by the walk.
	Paths []string
	// Warnings is sorted by (Path, Code, Message).
	Warnings []Warning
}

// dirJob is one unit of BFS work: a directory to read, given as an
// absolute path together with its repository-relative form.
type dirJob struct {
	abs string
	rel string
}

// Walk performs a deterministic parallel traversal of root.
func Walk(ctx context.Context, root string, opts Options) (*Result, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("walker: resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("walker: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("walker: root is not a directory: %s", absRoot)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	w := &walk{
		root:    absRoot,
		opts:    opts,
		jobs:    make(chan dirJob, workers*4),
		results: &collector{},
	}

	var wg sync.WaitGroup
	w.pending.Add(1) // account for the root directory itself
	w.jobs <- dirJob{abs: absRoot, rel: ""}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.worker(ctx)
		}()
	}

	go func() {
		w.pending.Wait()
		close(w.jobs)
	}()
	wg.Wait()

	if opts.Submodules != nil && opts.Submodules.Enabled {
		w.walkSubmodules(ctx)
	}

	return w.results.finish(), nil
}

// walk holds the shared state of one Walk invocation.
type walk struct {
	root    string
	opts    Options
	jobs    chan dirJob
	pending sync.WaitGroup
	results *collector
}

func (w *walk) worker(ctx context.Context) {
	for job := range w.jobs {
		select {
		case <-ctx.Done():
			w.pending.Done()
			continue
		default:
		}
		w.readDir(job)
		w.pending.Done()
	}
}

// readDir reads one directory, classifies its entries, and either
// enqueues subdirectories, records files, or records warnings.
func (w *walk) readDir(job dirJob) {
	entries, err := os.ReadDir(job.abs)
	if err != nil {
		code := WarnUnreadableDir
		if os.IsPermission(err) {
			code = WarnPermissionDenied
		}
		w.results.warn(Warning{Path: job.rel, Code: code, Message: err.Error()})
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		childRel := name
		if job.rel != "" {
			childRel = job.rel + "/" + name
		}
		childAbs := filepath.Join(job.abs, name)

		if entry.Type()&os.ModeSymlink != 0 {
			if _, statErr := os.Stat(childAbs); statErr != nil {
				w.results.warn(Warning{Path: childRel, Code: WarnBrokenSymlink, Message: "symlink target does not exist"})
			}
			continue // symlinks are never traversed, file or directory
		}

		if entry.IsDir() {
			if w.opts.Ignore != nil && w.opts.Ignore.Excluded(childRel, true) {
				continue
			}
			w.pending.Add(1)
			// Dispatch asynchronously: a worker blocked sending into its
			// own consumption channel while the buffer is full would
			// otherwise deadlock the pool on deep, narrow trees.
			go func(j dirJob) {
				w.jobs <- j
			}(dirJob{abs: childAbs, rel: childRel})
			continue
		}

		if !entry.Type().IsRegular() {
			continue
		}

		if w.opts.Ignore != nil && w.opts.Ignore.Excluded(childRel, false) {
			continue
		}

		info, statErr := entry.Info()
		if statErr != nil {
			w.results.warn(Warning{Path: childRel, Code: WarnStatFailure, Message: statErr.Error()})
			continue
		}
		_ = info

		if !w.acceptExtension(childRel) {
			continue
		}

		w.results.addPath(childRel)
	}
}

func (w *walk) acceptExtension(relPath string) bool {
	if len(w.opts.Extensions) == 0 {
		return true
	}
	base := filepath.Base(relPath)
	if w.opts.Extensions[base] {
		return true
	}
	ext := filepath.Ext(relPath)
	return w.opts.Extensions[ext]
}

func (w *walk) walkSubmodules(ctx context.Context) {
	submodules, err := DiscoverSubmodules(w.root, *w.opts.Submodules)
	if err != nil {
		w.results.warn(Warning{Path: "", Code: "submodule_discovery_failed", Message: err.Error()})
		return
	}
	for _, sm := range submodules {
		if !sm.Initialized {
			w.results.warn(Warning{Path: sm.Path, Code: "submodule_uninitialized", Message: "submodule not initialized, skipping"})
			continue
		}
		subOpts := w.opts
		subOpts.Submodules = nil
		sub, err := Walk(ctx, filepath.Join(w.root, sm.Path), subOpts)
		if err != nil {
			w.results.warn(Warning{Path: sm.Path, Code: "submodule_walk_failed", Message: err.Error()})
			continue
		}
		for _, p := range sub.Paths {
			w.results.addPath(filepath.ToSlash(filepath.Join(sm.Path, p)))
		}
		for _, warning := range sub.Warnings {
			warning.Path = filepath.ToSlash(filepath.Join(sm.Path, warning.Path))
			w.results.warn(warning)
		}
	}
}

// collector accumulates paths and warnings from concurrent workers and
// produces the final sorted, deduplicated Result.
type collector struct {
	mu       sync.Mutex
	paths    map[string]struct{}
	pathList []string
	warnings []Warning
}

func (c *collector) addPath(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paths == nil {
		c.paths = make(map[string]struct{})
	}
	if _, ok := c.paths[p]; ok {
		return
	}
	c.paths[p] = struct{}{}
	c.pathList = append(c.pathList, p)
}

func (c *collector) warn(w Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, w)
}

func (c *collector) finish() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := append([]string(nil), c.pathList...)
	sort.Strings(paths)

	warnings := append([]Warning(nil), c.warnings...)
	sort.Slice(warnings, func(i, j int) bool {
		if warnings[i].Path != warnings[j].Path {
			return warnings[i].Path < warnings[j].Path
		}
		if warnings[i].Code != warnings[j].Code {
			return warnings[i].Code < warnings[j].Code
		}
		return warnings[i].Message < warnings[j].Message
	})

	return &Result{Paths: paths, Warnings: warnings}
}
