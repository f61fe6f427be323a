// Package skills loads, compiles, searches, and manages the persisted code
// recipes agents invoke as skills.X(...). Each skill is a source file
// defining a top-level run function.
package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	jsast "github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/storage"
	"github.com/codebox-ai/codebox/internal/types"
)

// RankingConfig tunes the search scoring formula.
type RankingConfig struct {
	DescriptionWeight float64
	SourceWeight      float64
	MinScore          float64
}

// DefaultRanking weights description similarity over source similarity.
func DefaultRanking() RankingConfig {
	return RankingConfig{DescriptionWeight: 0.7, SourceWeight: 0.3, MinScore: 0.0}
}

// Library is the skill store front: it compiles sources, extracts run
// signatures, and ranks skills by semantic similarity. Entries whose source
// fails to parse stay listed with an error but are excluded from the
// callable set.
type Library struct {
	store    storage.SkillStore
	embedder Embedder
	ranking  RankingConfig
	log      *logging.Logger

	mu          sync.RWMutex
	skills      map[string]*types.Skill
	programs    map[string]*goja.Program
	descVectors map[string][]float64
	srcVectors  map[string][]float64
}

// NewLibrary loads and indexes every stored skill. embedder may be nil.
func NewLibrary(ctx context.Context, store storage.SkillStore, embedder Embedder, log *logging.Logger) (*Library, error) {
	lib := &Library{
		store:    store,
		embedder: embedder,
		ranking:  DefaultRanking(),
		log:      log.Named("skills"),
	}
	if err := lib.Refresh(ctx); err != nil {
		return nil, err
	}
	return lib, nil
}

// Refresh reloads all skills from the store and rebuilds the index. Cached
// embeddings are reused when the content hash is unchanged.
func (l *Library) Refresh(ctx context.Context) error {
	stored, err := l.store.List(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skills = make(map[string]*types.Skill, len(stored))
	l.programs = make(map[string]*goja.Program, len(stored))
	l.descVectors = make(map[string][]float64)
	l.srcVectors = make(map[string][]float64)
	for _, skill := range stored {
		l.indexLocked(ctx, skill)
	}
	return nil
}

// indexLocked analyzes one skill and adds it to the in-memory index.
func (l *Library) indexLocked(ctx context.Context, skill *types.Skill) {
	if skill.Error == "" {
		params, program, err := analyze(skill.Name, skill.Source)
		if err != nil {
			skill.Error = err.Error()
			l.log.Warn("skill source does not compile",
				zap.String("skill", skill.Name), zap.String("error", skill.Error))
		} else {
			skill.Parameters = params
			l.programs[skill.Name] = program
		}
	}
	l.skills[skill.Name] = skill

	if l.embedder == nil || skill.Error != "" {
		return
	}
	hash := contentHash(skill.Description, skill.Source)
	desc, src, ok := l.cachedVectors(ctx, skill.Name, hash)
	if !ok {
		vectors, err := l.embedder.Embed(ctx, []string{skill.Description, skill.Source})
		if err != nil {
			l.log.Warn("embedding failed, skill unranked",
				zap.String("skill", skill.Name), zap.Error(err))
			return
		}
		desc, src = vectors[0], vectors[1]
		l.storeVectors(ctx, skill.Name, hash, desc, src)
	}
	l.descVectors[skill.Name] = desc
	l.srcVectors[skill.Name] = src
}

func (l *Library) cachedVectors(ctx context.Context, name, hash string) (desc, src []float64, ok bool) {
	descEntry, err := l.store.GetVector(ctx, name)
	if err != nil || descEntry.Hash != hash {
		return nil, nil, false
	}
	srcEntry, err := l.store.GetVector(ctx, name+"#src")
	if err != nil || srcEntry.Hash != hash {
		return nil, nil, false
	}
	return descEntry.Vector, srcEntry.Vector, true
}

func (l *Library) storeVectors(ctx context.Context, name, hash string, desc, src []float64) {
	if err := l.store.PutVector(ctx, name, &storage.VectorEntry{Hash: hash, Vector: desc}); err != nil {
		l.log.Warn("caching description vector failed", zap.String("skill", name), zap.Error(err))
		return
	}
	if err := l.store.PutVector(ctx, name+"#src", &storage.VectorEntry{Hash: hash, Vector: src}); err != nil {
		l.log.Warn("caching source vector failed", zap.String("skill", name), zap.Error(err))
	}
}

// List returns summaries without source, sorted by name.
func (l *Library) List() []*types.Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*types.Skill, 0, len(l.skills))
	for _, skill := range l.skills {
		out = append(out, summaryOf(skill))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func summaryOf(skill *types.Skill) *types.Skill {
	summary := *skill
	summary.Source = ""
	return &summary
}

// Get returns the full record including source.
func (l *Library) Get(name string) (*types.Skill, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	skill, ok := l.skills[name]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "skill %q not found", name)
	}
	copied := *skill
	return &copied, nil
}

// Create validates, persists, and indexes a new skill. Name collisions are
// rejected unless overwrite is set.
func (l *Library) Create(ctx context.Context, name, source, description string, overwrite bool) (*types.Skill, error) {
	if !types.ValidSkillName(name) {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "invalid skill name %q", name)
	}
	params, program, err := analyze(name, source)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.skills[name]; exists && !overwrite {
		return nil, errdefs.New(errdefs.KindDuplicateSkill, "skill %q already exists", name)
	}

	skill := &types.Skill{
		Name:        name,
		Description: description,
		Source:      source,
		Parameters:  params,
		CreatedAt:   time.Now().UTC(),
	}
	if skill.Description == "" {
		skill.Description = docComment(source)
	}
	if err := l.store.Put(ctx, skill); err != nil {
		return nil, err
	}
	l.programs[name] = program
	l.skills[name] = skill
	l.indexVectors(ctx, skill)
	copied := *skill
	return &copied, nil
}

func (l *Library) indexVectors(ctx context.Context, skill *types.Skill) {
	if l.embedder == nil {
		return
	}
	hash := contentHash(skill.Description, skill.Source)
	vectors, err := l.embedder.Embed(ctx, []string{skill.Description, skill.Source})
	if err != nil {
		l.log.Warn("embedding failed, skill unranked", zap.String("skill", skill.Name), zap.Error(err))
		return
	}
	l.storeVectors(ctx, skill.Name, hash, vectors[0], vectors[1])
	l.descVectors[skill.Name] = vectors[0]
	l.srcVectors[skill.Name] = vectors[1]
}

// Delete removes a skill. It is idempotent: deleting an absent skill
// returns false and changes nothing.
func (l *Library) Delete(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed, err := l.store.Delete(ctx, name)
	if err != nil {
		return false, err
	}
	l.store.DeleteVector(ctx, name+"#src")
	_, existed := l.skills[name]
	delete(l.skills, name)
	delete(l.programs, name)
	delete(l.descVectors, name)
	delete(l.srcVectors, name)
	return removed || existed, nil
}

// Search ranks skills against the query. With an embedder it scores cosine
// similarity of description and source vectors; without one it falls back
// to substring matching with deterministic name ordering.
func (l *Library) Search(ctx context.Context, query string, limit int) ([]*types.Skill, error) {
	if limit <= 0 {
		limit = 5
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.embedder == nil {
		return l.substringSearchLocked(query, limit), nil
	}

	queryVec, err := l.embedder.EmbedQuery(ctx, query)
	if err != nil {
		l.log.Warn("query embedding failed, falling back to substring search", zap.Error(err))
		return l.substringSearchLocked(query, limit), nil
	}

	type scored struct {
		skill *types.Skill
		score float64
	}
	var results []scored
	for name, skill := range l.skills {
		if skill.Error != "" {
			continue
		}
		desc, ok := l.descVectors[name]
		if !ok {
			continue
		}
		score := l.ranking.DescriptionWeight * Cosine(queryVec, desc)
		if src, ok := l.srcVectors[name]; ok {
			score += l.ranking.SourceWeight * Cosine(queryVec, src)
		}
		if score >= l.ranking.MinScore {
			results = append(results, scored{skill: skill, score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].skill.Name < results[j].skill.Name
	})
	if len(results) > limit {
		results = results[:limit]
	}
	out := make([]*types.Skill, len(results))
	for i, res := range results {
		out[i] = summaryOf(res.skill)
	}
	return out, nil
}

func (l *Library) substringSearchLocked(query string, limit int) []*types.Skill {
	needle := strings.ToLower(query)
	var matched []*types.Skill
	for _, skill := range l.skills {
		if skill.Error != "" {
			continue
		}
		if strings.Contains(strings.ToLower(skill.Name), needle) ||
			strings.Contains(strings.ToLower(skill.Description), needle) {
			matched = append(matched, summaryOf(skill))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// Program returns the compiled invocation program and parameters of a
// callable skill.
func (l *Library) Program(name string) (*goja.Program, *types.Skill, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	skill, ok := l.skills[name]
	if !ok {
		return nil, nil, errdefs.New(errdefs.KindNotFound, "skill %q not found", name)
	}
	if skill.Error != "" {
		return nil, nil, errdefs.New(errdefs.KindSkillError, "skill %q is corrupt: %s", name, skill.Error)
	}
	return l.programs[name], skill, nil
}

// BindArgs maps a named-argument object onto the run signature, producing
// positional call arguments. Missing required parameters and unknown keys
// are rejected.
func BindArgs(skill *types.Skill, kwargs map[string]any) ([]any, error) {
	known := make(map[string]bool, len(skill.Parameters))
	for _, param := range skill.Parameters {
		known[param.Name] = true
	}
	for key := range kwargs {
		if !known[key] {
			return nil, errdefs.New(errdefs.KindUnknownArgument, "skill %q has no parameter %q", skill.Name, key)
		}
	}
	args := make([]any, len(skill.Parameters))
	for i, param := range skill.Parameters {
		value, given := kwargs[param.Name]
		if !given {
			if !param.HasDefault {
				return nil, errdefs.New(errdefs.KindMissingArgument, "skill %q requires parameter %q", skill.Name, param.Name)
			}
			args[i] = nil // nil marks a parameter left to its source-level default
			continue
		}
		args[i] = value
	}
	return args, nil
}

var assignedRunRe = regexp.MustCompile(`(?m)^\s*(?:var|let|const)\s+run\s*=`)

// analyze parses the source, verifies a top-level run callable, extracts its
// signature, and compiles the invocation program.
func analyze(name, source string) ([]types.SkillParameter, *goja.Program, error) {
	parsed, err := parser.ParseFile(nil, name, source, 0)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.KindSyntax, err, "skill %q", name)
	}

	params, declared := runSignature(parsed)
	if !declared && !assignedRunRe.MatchString(source) {
		return nil, nil, errdefs.New(errdefs.KindInvalidRequest, "skill %q must define a top-level run function", name)
	}

	program, err := goja.Compile(name, wrapSource(source), false)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.KindSyntax, err, "skill %q", name)
	}
	return params, program, nil
}

// wrapSource turns a skill source into an expression yielding a fresh run
// closure per evaluation, keeping skill-local bindings out of the shared
// namespace.
func wrapSource(source string) string {
	return "(function() {\n" + source + "\nreturn run;\n})()"
}

// runSignature extracts the parameter list of a `function run(...)`
// declaration. Assignment forms compile fine but expose no parameter names,
// so named-argument binding passes the argument object through unchanged.
func runSignature(program *jsast.Program) ([]types.SkillParameter, bool) {
	for _, stmt := range program.Body {
		decl, ok := stmt.(*jsast.FunctionDeclaration)
		if !ok || decl.Function == nil || decl.Function.Name == nil {
			continue
		}
		if string(decl.Function.Name.Name) != "run" {
			continue
		}
		var params []types.SkillParameter
		if decl.Function.ParameterList != nil {
			for _, binding := range decl.Function.ParameterList.List {
				ident, ok := binding.Target.(*jsast.Identifier)
				if !ok {
					// Destructuring parameters keep positional calling only.
					return nil, true
				}
				params = append(params, types.SkillParameter{
					Name:       string(ident.Name),
					HasDefault: binding.Initializer != nil,
				})
			}
		}
		return params, true
	}
	return nil, false
}

// docComment extracts the leading // comment block as a description.
func docComment(source string) string {
	var lines []string
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" && len(lines) == 0 {
			continue
		}
		if strings.HasPrefix(trimmed, "//") {
			lines = append(lines, strings.TrimSpace(strings.TrimPrefix(trimmed, "//")))
			continue
		}
		break
	}
	return strings.Join(lines, " ")
}

// contentHash keys the embedding cache: vectors are invalidated whenever
// source or description changes.
func contentHash(description, source string) string {
	digest := sha256.Sum256([]byte(description + "\n\x00" + source))
	return hex.EncodeToString(digest[:])
}
