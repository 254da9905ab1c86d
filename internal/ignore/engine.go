package ignore

import (
	"os"
	"path/filepath"

	sabhiram "github.com/sabhiram/go-gitignore"
)

// Layer identifies one of the three precedence levels.
type Layer string

const (
	// LayerDefault is the frozen built-in pattern set, lowest precedence.
	LayerDefault Layer = "default"
	// LayerGitignore is patterns sourced from nested .gitignore files.
	LayerGitignore Layer = "gitignore"
	// LayerPampignore is patterns sourced from nested .pampignore files,
	// highest precedence.
	LayerPampignore Layer = "pampignore"
)

// Decision explains why a path was included or excluded.
type Decision struct {
	Excluded bool
	Layer    Layer  // layer whose rule decided the outcome
	Pattern  string // normalized pattern text that matched
	Source   string // ignore file path that contributed the rule ("" for defaults)
	Negated  bool   // whether the deciding rule was a negation
}

// DefaultPatterns is the frozen v1 default ignore set (spec.md §4.2).
var DefaultPatterns = []string{
	"**/vendor/**",
	"**/node_modules/**",
	"**/.git/**",
	"**/storage/**",
	"**/dist/**",
	"**/build/**",
	"**/tmp/**",
	"**/temp/**",
	"**/.npm/**",
	"**/.yarn/**",
	"**/Library/**",
	"**/System/**",
	"**/.Trash/**",
	"**/.pampa/**",
	"**/pampa.codemap.json",
	"**/pampa.codemap.json.backup-*",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/*.json",
	"**/*.sh",
	"**/examples/**",
	"**/assets/**",
}

// GitignoreFileName and PampignoreFileName are the recognized ignore
// file names consulted at every directory depth.
const (
	GitignoreFileName  = ".gitignore"
	PampignoreFileName = ".pampignore"
)

// Engine decides inclusion for repository-relative paths under the
// layered precedence `defaults < .gitignore < .pampignore`.
type Engine struct {
	defaults   *ruleSet
	gitignore  *ruleSet
	pampignore *ruleSet

	// sabhiramCheckers holds one cross-check matcher per .gitignore file
	// discovered, keyed by the file's base directory. It exists purely to
	// exercise github.com/sabhiram/go-gitignore as an independently
	// grounded second opinion on the .gitignore layer; disagreements are
	// surfaced through Verify, never used to change Decide's outcome.
	sabhiramCheckers map[string]*sabhiram.GitIgnore
}

// New creates an Engine pre-loaded with the frozen default pattern set.
func New() *Engine {
	defaults := newRuleSet()
	for _, p := range DefaultPatterns {
		defaults.add(p, "")
	}
	return &Engine{
		defaults:         defaults,
		gitignore:        newRuleSet(),
		pampignore:       newRuleSet(),
		sabhiramCheckers: make(map[string]*sabhiram.GitIgnore),
	}
}

// AddGitignoreFile loads a .gitignore found at dir (repo-relative,
// forward-slashed, "" for the repository root) from absPath on disk.
func (e *Engine) AddGitignoreFile(dir, absPath string) error {
	if err := e.gitignore.addFromFile(absPath, dir); err != nil {
		return err
	}
	if gi, err := sabhiram.CompileIgnoreFile(absPath); err == nil {
		e.sabhiramCheckers[dir] = gi
	}
	return nil
}

// AddPampignoreFile loads a .pampignore found at dir from absPath.
func (e *Engine) AddPampignoreFile(dir, absPath string) error {
	return e.pampignore.addFromFile(absPath, dir)
}

// Walk discovers and loads every .gitignore/.pampignore under root,
// keyed by their containing directory's repo-relative path.
func (e *Engine) Walk(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if name != GitignoreFileName && name != PampignoreFileName {
			return nil
		}
		rel, relErr := filepath.Rel(root, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		if rel == "." {
			rel = ""
		} else {
			rel = filepath.ToSlash(rel)
		}
		if name == GitignoreFileName {
			return e.AddGitignoreFile(rel, path)
		}
		return e.AddPampignoreFile(rel, path)
	})
}

// Decide evaluates path (repo-relative, forward-slashed) against all
// three layers and returns the effective decision. A higher-precedence
// layer's match — including a negation that re-includes — always
// overrides the outcome of a lower layer, per spec.md §4.2.
func (e *Engine) Decide(path string, isDir bool) Decision {
	decision := Decision{Excluded: false}

	if excluded, r := e.defaults.match(path, isDir); r != nil {
		decision = Decision{Excluded: excluded, Layer: LayerDefault, Pattern: r.pattern, Negated: r.negation}
	}

	if excluded, r := e.gitignore.match(path, isDir); r != nil {
		source := GitignoreFileName
		if r.base != "" {
			source = r.base + "/" + GitignoreFileName
		}
		decision = Decision{Excluded: excluded, Layer: LayerGitignore, Pattern: r.pattern, Source: source, Negated: r.negation}
	}

	if excluded, r := e.pampignore.match(path, isDir); r != nil {
		source := PampignoreFileName
		if r.base != "" {
			source = r.base + "/" + PampignoreFileName
		}
		decision = Decision{Excluded: excluded, Layer: LayerPampignore, Pattern: r.pattern, Source: source, Negated: r.negation}
	}

	return decision
}

// Excluded is a convenience wrapper around Decide for callers that only
// need the boolean outcome.
func (e *Engine) Excluded(path string, isDir bool) bool {
	return e.Decide(path, isDir).Excluded
}

// Verify cross-checks the .gitignore-layer outcome against the
// independently compiled sabhiram/go-gitignore matcher for path's
// closest ancestor .gitignore, returning false only when the two
// disagree. Used by the walker to log discrepancies; never changes
// Decide's result.
func (e *Engine) Verify(path string) (agree bool, checked bool) {
	if len(e.sabhiramCheckers) == 0 {
		return true, false
	}
	// Prefer the nearest (longest) base directory that has a checker.
	best := ""
	for base := range e.sabhiramCheckers {
		if (base == "" || len(base) <= len(path)) && len(base) >= len(best) {
			if base == "" || path == base || hasPrefixSlash(path, base) {
				best = base
			}
		}
	}
	checker, ok := e.sabhiramCheckers[best]
	if !ok {
		return true, false
	}
	rel := path
	if best != "" {
		rel = path[len(best)+1:]
	}
	own, _ := e.gitignore.match(path, false)
	return checker.MatchesPath(rel) == own, true
}

func hasPrefixSlash(path, base string) bool {
	return len(path) > len(base) && path[len(base)] == '/' && path[:len(base)] == base
}
