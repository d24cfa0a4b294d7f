package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	cacheTTL = 6 * time.Hour

	// Refresh lock bounds: a worker waits at most lockAcquireTimeout for the
	// lock and holds it at most lockHoldTimeout.
	lockAcquireTimeout = 60 * time.Second
	lockHoldTimeout    = 5 * time.Minute
	lockPollInterval   = 500 * time.Millisecond

	// Hard ceiling on ancestor walk length. Hierarchy data is expected to be
	// acyclic and shallow; hitting this truncates the chain.
	maxAncestorDepth = 1000
)

// KV is the minimal key-value surface the cache needs. RedisKV implements it
// in production; tests substitute an in-memory fake.
type KV interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// NodeStore is the authoritative-store surface the cache refreshes from.
// Satisfied by PostgresRepo.
type NodeStore interface {
	NodesForSource(ctx context.Context, source string) ([]Node, error)
	EnsureSourceNode(ctx context.Context, source string) (Node, error)
}

// Cache accelerates ancestor resolution with Redis-backed node mappings.
// Entries are derived, never authoritative; staleness is bounded by TTL.
type Cache struct {
	kv     KV
	store  NodeStore
	logger *slog.Logger
}

func NewCache(kv KV, store NodeStore, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{kv: kv, store: store, logger: logger}
}

func nodeKey(source string) string       { return "hierarchy_cache:" + source }
func rawIDKey(source string) string      { return "hierarchy_cache_rawid:" + source }
func sourceNodeKey(source string) string { return "hierarchy_source_node:" + source }
func lockKey(source string) string       { return "hierarchy_cache_loading:" + source }

// encodeNode packs a node's parent and type into the cached hash value. A
// missing parent encodes as an empty prefix.
func encodeNode(n Node) string {
	parent := ""
	if n.ParentID != nil {
		parent = strconv.FormatInt(*n.ParentID, 10)
	}
	return parent + ":" + string(n.Type)
}

func decodeNode(value string) (parentID *int64, nodeType NodeType, err error) {
	rawParent, rawType, ok := strings.Cut(value, ":")
	if !ok {
		return nil, "", fmt.Errorf("malformed hierarchy cache entry %q", value)
	}
	if rawParent != "" {
		id, err := strconv.ParseInt(rawParent, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("malformed parent id in cache entry %q", value)
		}
		parentID = &id
	}
	return parentID, NodeType(rawType), nil
}

// Put writes one node's mappings, refreshing the TTL of both hashes. Source
// nodes additionally update the dedicated source-node key.
func (c *Cache) Put(ctx context.Context, source string, node Node) error {
	return c.PutBatch(ctx, source, []Node{node})
}

// PutBatch writes many nodes in two hash writes. Every write refreshes the
// TTL so actively used sources stay cached.
func (c *Cache) PutBatch(ctx context.Context, source string, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}

	nodeFields := make(map[string]string, len(nodes))
	rawFields := make(map[string]string, len(nodes))
	var sourceNode *Node
	for i, n := range nodes {
		id := strconv.FormatInt(n.ID, 10)
		nodeFields[id] = encodeNode(n)
		if n.RawID != "" {
			rawFields[n.RawID] = id
		}
		if n.Type == NodeTypeSource {
			sourceNode = &nodes[i]
		}
	}

	if err := c.kv.HSet(ctx, nodeKey(source), nodeFields); err != nil {
		return fmt.Errorf("cache nodes for source %q: %w", source, err)
	}
	if err := c.kv.Expire(ctx, nodeKey(source), cacheTTL); err != nil {
		return err
	}
	if len(rawFields) > 0 {
		if err := c.kv.HSet(ctx, rawIDKey(source), rawFields); err != nil {
			return fmt.Errorf("cache raw ids for source %q: %w", source, err)
		}
		if err := c.kv.Expire(ctx, rawIDKey(source), cacheTTL); err != nil {
			return err
		}
	}
	if sourceNode != nil {
		id := strconv.FormatInt(sourceNode.ID, 10)
		if err := c.kv.Set(ctx, sourceNodeKey(source), id, cacheTTL); err != nil {
			return fmt.Errorf("cache source node for %q: %w", source, err)
		}
	}
	return nil
}

// GetParent reads a node's parent from the cache. found=false is a cache
// miss, not proof of absence; found=true with hasParent=false means the node
// is the root.
func (c *Cache) GetParent(ctx context.Context, source string, nodeID int64) (parentID int64, hasParent, found bool, err error) {
	value, ok, err := c.kv.HGet(ctx, nodeKey(source), strconv.FormatInt(nodeID, 10))
	if err != nil || !ok {
		return 0, false, false, err
	}
	parent, _, err := decodeNode(value)
	if err != nil {
		return 0, false, false, err
	}
	if parent == nil {
		return 0, false, true, nil
	}
	return *parent, true, true, nil
}

// GetNodeIDByRawID resolves a connector-assigned raw id to a node id.
// found=false is a cache miss.
func (c *Cache) GetNodeIDByRawID(ctx context.Context, source, rawID string) (int64, bool, error) {
	value, ok, err := c.kv.HGet(ctx, rawIDKey(source), rawID)
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed node id %q cached for raw id %q", value, rawID)
	}
	return id, true, nil
}

// RefreshFromDB reloads a source's full tree from the authoritative store
// under a distributed lock. When the lock is held elsewhere the call returns
// without refreshing; the cache is assumed to be repopulating and the caller
// should simply re-read it.
func (c *Cache) RefreshFromDB(ctx context.Context, source string) error {
	token, acquired, err := c.acquireLock(ctx, source)
	if err != nil {
		return err
	}
	if !acquired {
		c.logger.DebugContext(ctx, "hierarchy refresh lock held elsewhere, skipping refresh",
			slog.String("source", source))
		return nil
	}
	defer c.releaseLock(ctx, source, token)

	nodes, err := c.store.NodesForSource(ctx, source)
	if err != nil {
		return fmt.Errorf("load hierarchy for source %q: %w", source, err)
	}
	return c.PutBatch(ctx, source, nodes)
}

func (c *Cache) acquireLock(ctx context.Context, source string) (token string, acquired bool, err error) {
	token = uuid.NewString()
	deadline := time.Now().Add(lockAcquireTimeout)
	for {
		ok, err := c.kv.SetNX(ctx, lockKey(source), token, lockHoldTimeout)
		if err != nil {
			return "", false, err
		}
		if ok {
			return token, true, nil
		}
		if time.Now().After(deadline) {
			return "", false, nil
		}
		t := time.NewTimer(lockPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", false, ctx.Err()
		case <-t.C:
		}
	}
}

// releaseLock deletes the lock only when this worker still holds it. An
// expired-and-reacquired lock belongs to someone else.
func (c *Cache) releaseLock(ctx context.Context, source, token string) {
	value, ok, err := c.kv.Get(ctx, lockKey(source))
	if err != nil || !ok || value != token {
		return
	}
	if err := c.kv.Del(ctx, lockKey(source)); err != nil {
		c.logger.WarnContext(ctx, "failed to release hierarchy refresh lock",
			slog.String("source", source), slog.String("error", err.Error()))
	}
}

// EnsureSourceNodeExists returns the source root node id, creating it in the
// authoritative store when needed. Safe under concurrent callers; the
// database uniqueness constraint is the exclusivity guarantee.
func (c *Cache) EnsureSourceNodeExists(ctx context.Context, source string) (int64, error) {
	if value, ok, err := c.kv.Get(ctx, sourceNodeKey(source)); err == nil && ok {
		if id, err := strconv.ParseInt(value, 10, 64); err == nil {
			return id, nil
		}
	}

	node, err := c.store.EnsureSourceNode(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("ensure source node for %q: %w", source, err)
	}
	if err := c.Put(ctx, source, node); err != nil {
		c.logger.WarnContext(ctx, "failed to cache source node",
			slog.String("source", source), slog.String("error", err.Error()))
	}
	return node.ID, nil
}

// GetAncestors resolves a raw parent node id to its ancestor chain, ordered
// from the node itself up to the source root. A cache miss triggers exactly
// one refresh-and-retry. An unresolvable raw id yields the single-element
// chain holding the source node; ingestion never blocks on an unresolved
// ancestor.
func (c *Cache) GetAncestors(ctx context.Context, source, rawParentNodeID string) ([]int64, error) {
	sourceNodeID, err := c.EnsureSourceNodeExists(ctx, source)
	if err != nil {
		return nil, err
	}

	refreshed := false
	refreshOnce := func() error {
		if refreshed {
			return nil
		}
		refreshed = true
		return c.RefreshFromDB(ctx, source)
	}

	nodeID, found, err := c.GetNodeIDByRawID(ctx, source, rawParentNodeID)
	if err != nil {
		return nil, err
	}
	if !found {
		if err := refreshOnce(); err != nil {
			return nil, err
		}
		nodeID, found, err = c.GetNodeIDByRawID(ctx, source, rawParentNodeID)
		if err != nil {
			return nil, err
		}
		if !found {
			c.logger.WarnContext(ctx, "raw parent node id unresolved, falling back to source node",
				slog.String("source", source), slog.String("raw_id", rawParentNodeID))
			return []int64{sourceNodeID}, nil
		}
	}

	var chain []int64
	visited := make(map[int64]bool)
	current := nodeID
	for depth := 0; ; depth++ {
		if depth >= maxAncestorDepth {
			c.logger.WarnContext(ctx, "ancestor walk hit depth ceiling, truncating",
				slog.String("source", source), slog.Int64("node_id", nodeID))
			break
		}
		if visited[current] {
			c.logger.WarnContext(ctx, "cycle detected in hierarchy, truncating ancestor chain",
				slog.String("source", source), slog.Int64("node_id", current))
			break
		}
		visited[current] = true
		chain = append(chain, current)

		parent, hasParent, found, err := c.GetParent(ctx, source, current)
		if err != nil {
			return nil, err
		}
		if !found {
			if err := refreshOnce(); err != nil {
				return nil, err
			}
			parent, hasParent, found, err = c.GetParent(ctx, source, current)
			if err != nil {
				return nil, err
			}
			if !found {
				c.logger.WarnContext(ctx, "ancestor missing from cache after refresh, truncating chain",
					slog.String("source", source), slog.Int64("node_id", current))
				break
			}
		}
		if !hasParent {
			break
		}
		current = parent
	}
	return chain, nil
}

// Clear drops every cached mapping for a source.
func (c *Cache) Clear(ctx context.Context, source string) error {
	return c.kv.Del(ctx, nodeKey(source), rawIDKey(source), sourceNodeKey(source))
}
