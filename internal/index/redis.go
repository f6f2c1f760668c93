package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/docfold/docfold/pkg/config"
	"github.com/docfold/docfold/pkg/types"
)

// RedisIndex is a metadata index backed by Redis, the external-store
// option for archives whose relational database is not reachable from
// every reader. SetNX gives first-write-wins per (key, revision); a sorted
// set per key orders revisions by creation time.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex creates a redis-backed index
func NewRedisIndex(cfg *config.RedisConfig, prefix string) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisIndex{client: client, prefix: prefix}, nil
}

func (idx *RedisIndex) metaKey(key, revision string) string {
	return fmt.Sprintf("%s:meta:%s@%s", idx.prefix, key, revision)
}

func (idx *RedisIndex) revsKey(key string) string {
	return fmt.Sprintf("%s:revs:%s", idx.prefix, key)
}

// Lookup returns the record for key at revision, or the latest record when
// revision is empty.
func (idx *RedisIndex) Lookup(ctx context.Context, key, revision string) (*types.ArtifactMetadata, error) {
	if revision == "" {
		// Highest score is the newest revision; members share a score
		// only when created in the same nanosecond, in which case redis
		// orders them lexically, matching the deterministic tie-break.
		revs, err := idx.client.ZRevRange(ctx, idx.revsKey(key), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("index lookup failed: %w", err)
		}
		if len(revs) == 0 {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
		}
		revision = revs[0]
	}

	data, err := idx.client.Get(ctx, idx.metaKey(key, revision)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s@%s", types.ErrNotFound, key, revision)
		}
		return nil, fmt.Errorf("index lookup failed: %w", err)
	}

	var m types.ArtifactMetadata
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("index lookup failed: %w", err)
	}
	return &m, nil
}

// Record stores metadata for (key, revision); SetNX makes the first
// committed record win under concurrent writers.
func (idx *RedisIndex) Record(ctx context.Context, m *types.ArtifactMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	set, err := idx.client.SetNX(ctx, idx.metaKey(m.Key, m.RevisionID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("index record failed: %w", err)
	}

	if !set {
		existing, err := idx.Lookup(ctx, m.Key, m.RevisionID)
		if err != nil {
			return fmt.Errorf("index record failed: %w", err)
		}
		if !existing.Equivalent(m) {
			return fmt.Errorf("%w: %s@%s hash %s vs recorded %s",
				types.ErrIntegrityConflict, m.Key, m.RevisionID, m.ContentHash, existing.ContentHash)
		}
		if existing.ContentHash == "" && m.ContentHash != "" {
			completed := *existing
			completed.ContentHash = m.ContentHash
			completed.Size = m.Size
			data, err := json.Marshal(&completed)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata: %w", err)
			}
			if err := idx.client.Set(ctx, idx.metaKey(m.Key, m.RevisionID), data, 0).Err(); err != nil {
				return fmt.Errorf("index record failed: %w", err)
			}
		}
		return nil
	}

	err = idx.client.ZAdd(ctx, idx.revsKey(m.Key), redis.Z{
		Score:  float64(m.CreatedAt.UnixNano()),
		Member: m.RevisionID,
	}).Err()
	if err != nil {
		return fmt.Errorf("index record failed: %w", err)
	}

	log.Debug().
		Str("key", m.Key).
		Str("revision", m.RevisionID).
		Str("checksum", m.ContentHash).
		Msg("metadata recorded")
	return nil
}

// ListPrefix scans for keys under prefix and returns their records ordered
// by key and creation time. SCAN yields matches in no stable order, so the
// whole match set is collected and sorted before limit and offset apply;
// successive pages then walk one consistent ordering.
func (idx *RedisIndex) ListPrefix(ctx context.Context, prefix string, limit, offset int) ([]*types.ArtifactMetadata, error) {
	match := fmt.Sprintf("%s:meta:%s*", idx.prefix, prefix)

	var records []*types.ArtifactMetadata
	iter := idx.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		data, err := idx.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("index list failed: %w", err)
		}
		var m types.ArtifactMetadata
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("index list failed: %w", err)
		}
		records = append(records, &m)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("index list failed: %w", err)
	}

	orderRecords(records)
	return pageRecords(records, limit, offset), nil
}

// orderRecords sorts records by key, creation time and revision id, the
// ordering the Index contract promises.
func orderRecords(records []*types.ArtifactMetadata) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Key != records[j].Key {
			return records[i].Key < records[j].Key
		}
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].RevisionID < records[j].RevisionID
	})
}

// pageRecords applies offset and limit over an already sorted slice.
func pageRecords(records []*types.ArtifactMetadata, limit, offset int) []*types.ArtifactMetadata {
	if offset > 0 {
		if offset >= len(records) {
			return nil
		}
		records = records[offset:]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// Delete removes the record for (key, revision)
func (idx *RedisIndex) Delete(ctx context.Context, key, revision string) error {
	if err := idx.client.Del(ctx, idx.metaKey(key, revision)).Err(); err != nil {
		return fmt.Errorf("index delete failed: %w", err)
	}
	if err := idx.client.ZRem(ctx, idx.revsKey(key), revision).Err(); err != nil {
		return fmt.Errorf("index delete failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (idx *RedisIndex) Close() error {
	return idx.client.Close()
}
