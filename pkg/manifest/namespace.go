package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"analyticdb/pkg/config"
)

const namespaceFile = "namespace.json"

// FreezeNamespace persists the shard counts on first use and returns the
// persisted ones afterwards. Changing them would reroute tables to other WAL
// shards, so a different request is logged and ignored.
func FreezeNamespace(dir string, requested config.NamespaceConfig) (config.NamespaceConfig, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return requested, fmt.Errorf("create namespace dir: %w", err)
	}
	path := filepath.Join(dir, namespaceFile)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data, err := json.MarshalIndent(requested, "", "  ")
		if err != nil {
			return requested, fmt.Errorf("encode namespace: %w", err)
		}
		if err := writeFileAtomic(path, data); err != nil {
			return requested, err
		}
		return requested, nil
	}
	if err != nil {
		return requested, fmt.Errorf("read namespace: %w", err)
	}

	var frozen config.NamespaceConfig
	if err := json.Unmarshal(data, &frozen); err != nil {
		return requested, fmt.Errorf("%w: namespace: %w", ErrCorrupted, err)
	}
	if frozen != requested {
		slog.Warn("namespace shard counts are fixed at creation, ignoring new values",
			"shard_num", frozen.ShardNum, "requested_shard_num", requested.ShardNum,
			"meta_shard_num", frozen.MetaShardNum, "requested_meta_shard_num", requested.MetaShardNum)
	}
	return frozen, nil
}
