package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/types"
)

const defaultPrefix = "codebox"

// Artifacts larger than this are stored gzip-compressed.
const compressThreshold = 4096

// RedisBackend maps entities to keys:
//
//	<prefix>:skills:<name>        skill source
//	<prefix>:skills:<name>:meta   skill metadata (JSON)
//	<prefix>:artifacts:<name>      artifact bytes (possibly gzip)
//	<prefix>:artifacts:<name>:meta artifact metadata (JSON)
//	<prefix>:vectors:<name>        cached embedding (JSON)
//	<prefix>:deps                  hash of name -> spec
type RedisBackend struct {
	client    *redis.Client
	url       string
	prefix    string
	skills    *redisSkillStore
	artifacts *redisArtifactStore
	deps      *redisDepsStore
	log       *logging.Logger
}

// NewRedis connects to the given redis URL and verifies the connection.
func NewRedis(ctx context.Context, url, prefix string, log *logging.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidRequest, err, "parsing redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errdefs.Wrap(errdefs.KindStorageUnavailable, err, "connecting to redis")
	}

	if prefix == "" {
		prefix = defaultPrefix
	}
	b := &RedisBackend{
		client: client,
		url:    url,
		prefix: prefix,
		log:    log.Named("storage.redis"),
	}
	b.skills = &redisSkillStore{client: client, prefix: prefix, log: b.log}
	b.artifacts = &redisArtifactStore{client: client, prefix: prefix}
	b.deps = &redisDepsStore{client: client, key: prefix + ":deps"}
	return b, nil
}

func (b *RedisBackend) Skills() SkillStore       { return b.skills }
func (b *RedisBackend) Artifacts() ArtifactStore { return b.artifacts }
func (b *RedisBackend) Deps() DepsStore          { return b.deps }
func (b *RedisBackend) Close() error             { return b.client.Close() }

func (b *RedisBackend) Access() Access {
	return Access{Type: TypeRedis, URL: b.url, Prefix: b.prefix}
}

func wrapRedisErr(err error, format string, args ...any) error {
	return errdefs.Wrap(errdefs.KindStorageUnavailable, err, format, args...)
}

type redisSkillStore struct {
	client *redis.Client
	prefix string
	log    *logging.Logger
}

func (s *redisSkillStore) sourceKey(name string) string { return s.prefix + ":skills:" + name }
func (s *redisSkillStore) metaKey(name string) string   { return s.prefix + ":skills:" + name + ":meta" }
func (s *redisSkillStore) vectorKey(name string) string { return s.prefix + ":vectors:" + name }

func (s *redisSkillStore) Get(ctx context.Context, name string) (*types.Skill, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	source, err := s.client.Get(ctx, s.sourceKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errdefs.New(errdefs.KindNotFound, "skill %q not found", name)
	}
	if err != nil {
		return nil, wrapRedisErr(err, "reading skill %q", name)
	}
	skill := &types.Skill{Name: name, Source: source}
	meta, err := s.client.Get(ctx, s.metaKey(name)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		skill.Description = leadingComment(source)
	case err != nil:
		return nil, wrapRedisErr(err, "reading skill meta %q", name)
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

func (s *redisSkillStore) Put(ctx context.Context, skill *types.Skill) error {
	if err := validateName(skill.Name); err != nil {
		return err
	}
	meta, err := json.Marshal(skillMeta{Description: skill.Description, CreatedAt: skill.CreatedAt})
	if err != nil {
		return wrapRedisErr(err, "encoding skill meta %q", skill.Name)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sourceKey(skill.Name), skill.Source, 0)
	pipe.Set(ctx, s.metaKey(skill.Name), meta, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr(err, "writing skill %q", skill.Name)
	}
	return nil
}

func (s *redisSkillStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	removed, err := s.client.Del(ctx, s.sourceKey(name)).Result()
	if err != nil {
		return false, wrapRedisErr(err, "deleting skill %q", name)
	}
	s.client.Del(ctx, s.metaKey(name), s.vectorKey(name))
	return removed > 0, nil
}

func (s *redisSkillStore) List(ctx context.Context) ([]*types.Skill, error) {
	names, err := s.scanNames(ctx)
	if err != nil {
		return nil, err
	}
	skills := make([]*types.Skill, 0, len(names))
	for _, name := range names {
		skill, err := s.Get(ctx, name)
		if err != nil {
			s.log.Warn("skipping unreadable skill", zap.String("name", name), zap.Error(err))
			skills = append(skills, &types.Skill{Name: name, Error: err.Error()})
			continue
		}
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

func (s *redisSkillStore) scanNames(ctx context.Context) ([]string, error) {
	pattern := s.prefix + ":skills:*"
	var names []string
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":meta") {
			continue
		}
		names = append(names, strings.TrimPrefix(key, s.prefix+":skills:"))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedisErr(err, "scanning skills")
	}
	return names, nil
}

func (s *redisSkillStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.sourceKey(name)).Result()
	if err != nil {
		return false, wrapRedisErr(err, "checking skill %q", name)
	}
	return n > 0, nil
}

func (s *redisSkillStore) GetVector(ctx context.Context, name string) (*VectorEntry, error) {
	data, err := s.client.Get(ctx, s.vectorKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errdefs.New(errdefs.KindNotFound, "no cached vector for %q", name)
	}
	if err != nil {
		return nil, wrapRedisErr(err, "reading vector %q", name)
	}
	var entry VectorEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCorrupt, err, "vector cache for %q", name)
	}
	return &entry, nil
}

func (s *redisSkillStore) PutVector(ctx context.Context, name string, entry *VectorEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return wrapRedisErr(err, "encoding vector %q", name)
	}
	if err := s.client.Set(ctx, s.vectorKey(name), data, 0).Err(); err != nil {
		return wrapRedisErr(err, "writing vector %q", name)
	}
	return nil
}

func (s *redisSkillStore) DeleteVector(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.vectorKey(name)).Err(); err != nil {
		return wrapRedisErr(err, "deleting vector %q", name)
	}
	return nil
}

type redisArtifactMeta struct {
	artifactMeta
	Encoding string `json:"encoding,omitempty"`
}

type redisArtifactStore struct {
	client *redis.Client
	prefix string
}

func (s *redisArtifactStore) dataKey(name string) string { return s.prefix + ":artifacts:" + name }
func (s *redisArtifactStore) metaKey(name string) string {
	return s.prefix + ":artifacts:" + name + ":meta"
}

func (s *redisArtifactStore) Get(ctx context.Context, name string) (*types.Artifact, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.dataKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errdefs.New(errdefs.KindNotFound, "artifact %q not found", name)
	}
	if err != nil {
		return nil, wrapRedisErr(err, "reading artifact %q", name)
	}
	artifact, meta, err := s.readMeta(ctx, name)
	if err != nil {
		return nil, err
	}
	if meta.Encoding == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindCorrupt, err, "artifact %q", name)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindCorrupt, err, "artifact %q", name)
		}
	}
	artifact.Data = data
	artifact.Size = int64(len(data))
	return artifact, nil
}

func (s *redisArtifactStore) readMeta(ctx context.Context, name string) (*types.Artifact, *redisArtifactMeta, error) {
	artifact := &types.Artifact{Name: name}
	var meta redisArtifactMeta
	raw, err := s.client.Get(ctx, s.metaKey(name)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, wrapRedisErr(err, "reading artifact meta %q", name)
	}
	if err == nil {
		if json.Unmarshal(raw, &meta) == nil {
			artifact.Description = meta.Description
			artifact.Metadata = meta.Metadata
			artifact.ContentType = meta.ContentType
			artifact.Size = meta.Size
			artifact.CreatedAt = meta.CreatedAt
		}
	}
	return artifact, &meta, nil
}

func (s *redisArtifactStore) Put(ctx context.Context, artifact *types.Artifact) error {
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

	data := artifact.Data
	encoding := ""
	if len(data) > compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err == nil && zw.Close() == nil && buf.Len() < len(data) {
			data = buf.Bytes()
			encoding = "gzip"
		}
	}

	meta, err := json.Marshal(redisArtifactMeta{
		artifactMeta: artifactMeta{
			Description: artifact.Description,
			Metadata:    artifact.Metadata,
			ContentType: artifact.ContentType,
			Size:        artifact.Size,
			CreatedAt:   artifact.CreatedAt,
		},
		Encoding: encoding,
	})
	if err != nil {
		return wrapRedisErr(err, "encoding artifact meta %q", artifact.Name)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(artifact.Name), data, 0)
	pipe.Set(ctx, s.metaKey(artifact.Name), meta, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr(err, "writing artifact %q", artifact.Name)
	}
	return nil
}

func (s *redisArtifactStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	removed, err := s.client.Del(ctx, s.dataKey(name)).Result()
	if err != nil {
		return false, wrapRedisErr(err, "deleting artifact %q", name)
	}
	s.client.Del(ctx, s.metaKey(name))
	return removed > 0, nil
}

func (s *redisArtifactStore) List(ctx context.Context) ([]*types.Artifact, error) {
	pattern := s.prefix + ":artifacts:*"
	var names []string
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":meta") {
			continue
		}
		names = append(names, strings.TrimPrefix(key, s.prefix+":artifacts:"))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedisErr(err, "scanning artifacts")
	}
	sort.Strings(names)
	artifacts := make([]*types.Artifact, 0, len(names))
	for _, name := range names {
		artifact, _, err := s.readMeta(ctx, name)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

func (s *redisArtifactStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.dataKey(name)).Result()
	if err != nil {
		return false, wrapRedisErr(err, "checking artifact %q", name)
	}
	return n > 0, nil
}

type redisDepsStore struct {
	client *redis.Client
	key    string
}

func (s *redisDepsStore) List(ctx context.Context) ([]string, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, wrapRedisErr(err, "listing deps")
	}
	specs := make([]string, 0, len(entries))
	for _, spec := range entries {
		specs = append(specs, spec)
	}
	sort.Strings(specs)
	return specs, nil
}

func (s *redisDepsStore) Put(ctx context.Context, name, spec string) error {
	if err := s.client.HSet(ctx, s.key, name, spec).Err(); err != nil {
		return wrapRedisErr(err, "declaring dep %q", name)
	}
	return nil
}

func (s *redisDepsStore) Remove(ctx context.Context, name string) (bool, error) {
	removed, err := s.client.HDel(ctx, s.key, name).Result()
	if err != nil {
		return false, wrapRedisErr(err, "removing dep %q", name)
	}
	return removed > 0, nil
}

func (s *redisDepsStore) Get(ctx context.Context, name string) (string, bool, error) {
	spec, err := s.client.HGet(ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapRedisErr(err, "reading dep %q", name)
	}
	return spec, true, nil
}
