package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/types"
)

const (
	skillsDir    = "skills"
	artifactsDir = "artifacts"
	vectorsDir   = "vectors"
	depsFile     = "requirements.txt"

	skillExt = ".js"
	metaExt  = ".meta"
	vecExt   = ".vec"
)

// FileBackend stores every entity as a file under a base directory:
//
//	<base>/skills/<name>.js      skill source
//	<base>/skills/<name>.meta    skill metadata (JSON)
//	<base>/artifacts/<name>      raw artifact bytes
//	<base>/artifacts/<name>.meta artifact metadata (JSON)
//	<base>/vectors/<name>.vec    cached embedding (JSON)
//	<base>/requirements.txt      declared deps, one spec per line
type FileBackend struct {
	base      string
	skills    *fileSkillStore
	artifacts *fileArtifactStore
	deps      *fileDepsStore
	log       *logging.Logger
}

// NewFile opens (creating if needed) a file backend rooted at basePath.
func NewFile(basePath string, log *logging.Logger) (*FileBackend, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "resolving base path")
	}
	for _, dir := range []string{abs, filepath.Join(abs, skillsDir), filepath.Join(abs, artifactsDir), filepath.Join(abs, vectorsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "creating %s", dir)
		}
	}
	b := &FileBackend{base: abs, log: log.Named("storage.file")}
	b.skills = &fileSkillStore{base: abs, log: b.log}
	b.artifacts = &fileArtifactStore{base: abs, log: b.log}
	b.deps = &fileDepsStore{path: filepath.Join(abs, depsFile)}
	return b, nil
}

func (b *FileBackend) Skills() SkillStore       { return b.skills }
func (b *FileBackend) Artifacts() ArtifactStore { return b.artifacts }
func (b *FileBackend) Deps() DepsStore          { return b.deps }
func (b *FileBackend) Close() error             { return nil }

func (b *FileBackend) Access() Access {
	return Access{Type: TypeFile, BasePath: b.base}
}

// atomicWrite writes via a temp file and rename so a partial write never
// corrupts an existing entity.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

type skillMeta struct {
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type fileSkillStore struct {
	base string
	log  *logging.Logger
}

func (s *fileSkillStore) sourcePath(name string) string {
	return filepath.Join(s.base, skillsDir, name+skillExt)
}

func (s *fileSkillStore) metaPath(name string) string {
	return filepath.Join(s.base, skillsDir, name+metaExt)
}

func (s *fileSkillStore) Get(ctx context.Context, name string) (*types.Skill, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	source, err := os.ReadFile(s.sourcePath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.New(errdefs.KindNotFound, "skill %q not found", name)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "reading skill %q", name)
	}
	skill := &types.Skill{Name: name, Source: string(source)}
	meta, err := os.ReadFile(s.metaPath(name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		skill.Description = leadingComment(skill.Source)
	case err != nil:
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "reading skill meta %q", name)
	default:
		var m skillMeta
		if jsonErr := json.Unmarshal(meta, &m); jsonErr != nil {
			skill.Error = "corrupt metadata: " + jsonErr.Error()
		} else {
			skill.Description = m.Description
			skill.CreatedAt = m.CreatedAt
		}
	}
	return skill, nil
}

func (s *fileSkillStore) Put(ctx context.Context, skill *types.Skill) error {
	if err := validateName(skill.Name); err != nil {
		return err
	}
	meta, err := json.Marshal(skillMeta{Description: skill.Description, CreatedAt: skill.CreatedAt})
	if err != nil {
		return errdefs.Wrap(errdefs.KindStorageUnavailable, err, "encoding skill meta %q", skill.Name)
	}
	if err := atomicWrite(s.sourcePath(skill.Name), []byte(skill.Source), 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindStorageUnavailable, err, "writing skill %q", skill.Name)
	}
	if err := atomicWrite(s.metaPath(skill.Name), meta, 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindStorageUnavailable, err, "writing skill meta %q", skill.Name)
	}
	return nil
}

func (s *fileSkillStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	err := os.Remove(s.sourcePath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "deleting skill %q", name)
	}
	os.Remove(s.metaPath(name))
	os.Remove(filepath.Join(s.base, vectorsDir, name+vecExt))
	return true, nil
}

func (s *fileSkillStore) List(ctx context.Context) ([]*types.Skill, error) {
	entries, err := os.ReadDir(filepath.Join(s.base, skillsDir))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "listing skills")
	}
	var skills []*types.Skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), skillExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), skillExt)
		skill, err := s.Get(ctx, name)
		if err != nil {
			// Degrade the entry rather than failing the whole listing.
			s.log.Warn("skipping unreadable skill", zap.String("name", name), zap.Error(err))
			skills = append(skills, &types.Skill{Name: name, Error: err.Error()})
			continue
		}
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

func (s *fileSkillStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(s.sourcePath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "stat skill %q", name)
	}
	return true, nil
}

func (s *fileSkillStore) GetVector(ctx context.Context, name string) (*VectorEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.base, vectorsDir, name+vecExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.New(errdefs.KindNotFound, "no cached vector for %q", name)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "reading vector %q", name)
	}
	var entry VectorEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCorrupt, err, "vector cache for %q", name)
	}
	return &entry, nil
}

func (s *fileSkillStore) PutVector(ctx context.Context, name string, entry *VectorEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errdefs.Wrap(errdefs.KindStorageUnavailable, err, "encoding vector %q", name)
	}
	return atomicWrite(filepath.Join(s.base, vectorsDir, name+vecExt), data, 0o644)
}

func (s *fileSkillStore) DeleteVector(ctx context.Context, name string) error {
	err := os.Remove(filepath.Join(s.base, vectorsDir, name+vecExt))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errdefs.Wrap(errdefs.KindStorageUnavailable, err, "deleting vector %q", name)
	}
	return nil
}

// leadingComment extracts a description from the leading // comment block of
// a skill source, for sources stored without sidecar metadata.
func leadingComment(source string) string {
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

type artifactMeta struct {
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Size        int64          `json:"size"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
}

type fileArtifactStore struct {
	base string
	log  *logging.Logger
}

func (s *fileArtifactStore) dataPath(name string) string {
	return filepath.Join(s.base, artifactsDir, name)
}

func (s *fileArtifactStore) metaPath(name string) string {
	return filepath.Join(s.base, artifactsDir, name+metaExt)
}

func (s *fileArtifactStore) Get(ctx context.Context, name string) (*types.Artifact, error) {
	artifact, err := s.stat(ctx, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.dataPath(name))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "reading artifact %q", name)
	}
	artifact.Data = data
	return artifact, nil
}

func (s *fileArtifactStore) stat(ctx context.Context, name string) (*types.Artifact, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	info, err := os.Stat(s.dataPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.New(errdefs.KindNotFound, "artifact %q not found", name)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "stat artifact %q", name)
	}
	artifact := &types.Artifact{Name: name, Size: info.Size()}
	meta, err := os.ReadFile(s.metaPath(name))
	if err == nil {
		var m artifactMeta
		if json.Unmarshal(meta, &m) == nil {
			artifact.Description = m.Description
			artifact.Metadata = m.Metadata
			artifact.ContentType = m.ContentType
			artifact.CreatedAt = m.CreatedAt
		}
	}
	return artifact, nil
}

func (s *fileArtifactStore) Put(ctx context.Context, artifact *types.Artifact) error {
	if err := validateName(artifact.Name); err != nil {
		return err
	}
	if artifact.ContentType == "" {
		artifact.ContentType = mimetype.Detect(artifact.Data).String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	artifact.Size = int64(len(artifact.Data))
	meta, err := json.Marshal(artifactMeta{
		Description: artifact.Description,
		Metadata:    artifact.Metadata,
		ContentType: artifact.ContentType,
		Size:        artifact.Size,
		CreatedAt:   artifact.CreatedAt,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindStorageUnavailable, err, "encoding artifact meta %q", artifact.Name)
	}
	if err := atomicWrite(s.dataPath(artifact.Name), artifact.Data, 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindStorageUnavailable, err, "writing artifact %q", artifact.Name)
	}
	if err := atomicWrite(s.metaPath(artifact.Name), meta, 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindStorageUnavailable, err, "writing artifact meta %q", artifact.Name)
	}
	return nil
}

func (s *fileArtifactStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	err := os.Remove(s.dataPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "deleting artifact %q", name)
	}
	os.Remove(s.metaPath(name))
	return true, nil
}

func (s *fileArtifactStore) List(ctx context.Context) ([]*types.Artifact, error) {
	entries, err := os.ReadDir(filepath.Join(s.base, artifactsDir))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "listing artifacts")
	}
	var artifacts []*types.Artifact
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), metaExt) {
			continue
		}
		artifact, err := s.stat(ctx, entry.Name())
		if err != nil {
			s.log.Warn("skipping unreadable artifact", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		artifacts = append(artifacts, artifact)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, nil
}

func (s *fileArtifactStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(s.dataPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "stat artifact %q", name)
	}
	return true, nil
}

type fileDepsStore struct {
	path string
}

func (s *fileDepsStore) load() (map[string]string, error) {
	specs := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return specs, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "reading deps file")
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		specs[depBaseName(line)] = line
	}
	return specs, nil
}

func (s *fileDepsStore) save(specs map[string]string) error {
	lines := make([]string, 0, len(specs))
	for _, spec := range specs {
		lines = append(lines, spec)
	}
	sort.Strings(lines)
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	if err := atomicWrite(s.path, []byte(content), 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindStorageUnavailable, err, "writing deps file")
	}
	return nil
}

func (s *fileDepsStore) List(ctx context.Context) ([]string, error) {
	specs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileDepsStore) Put(ctx context.Context, name, spec string) error {
	specs, err := s.load()
	if err != nil {
		return err
	}
	specs[name] = spec
	return s.save(specs)
}

func (s *fileDepsStore) Remove(ctx context.Context, name string) (bool, error) {
	specs, err := s.load()
	if err != nil {
		return false, err
	}
	if _, ok := specs[name]; !ok {
		return false, nil
	}
	delete(specs, name)
	return true, s.save(specs)
}

func (s *fileDepsStore) Get(ctx context.Context, name string) (string, bool, error) {
	specs, err := s.load()
	if err != nil {
		return "", false, err
	}
	spec, ok := specs[name]
	return spec, ok, nil
}

// depBaseName returns the canonical name part of a dep spec.
func depBaseName(spec string) string {
	if i := strings.IndexAny(spec, "<>=!~["); i >= 0 {
		spec = spec[:i]
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(spec)), "_", "-")
}
