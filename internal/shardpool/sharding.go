package shardpool

import (
	"strconv"
)

// SentinelToken marks "no token" - selection falls back to pool-wide
// least-busy instead of routing to a specific shard.
const SentinelToken int64 = -1 << 63

const (
	scyllaShardParamKey        = "SCYLLA_SHARD"
	scyllaNrShardsParamKey     = "SCYLLA_NR_SHARDS"
	scyllaPartitionerParamKey  = "SCYLLA_PARTITIONER"
	scyllaShardingAlgorithmKey = "SCYLLA_SHARDING_ALGORITHM"
	scyllaShardingIgnoreMSBKey = "SCYLLA_SHARDING_IGNORE_MSB"
	scyllaShardAwarePortKey    = "SCYLLA_SHARD_AWARE_PORT"
	scyllaShardAwarePortSSLKey = "SCYLLA_SHARD_AWARE_PORT_SSL"

	murmur3PartitionerName    = "org.apache.cassandra.dht.Murmur3Partitioner"
	biasedTokenRoundRobinName = "biased-token-round-robin"
)

// ShardingInfo is the immutable, server-advertised shard metadata for one
// host. A pool keeps the ShardingInfo it was constructed with for its whole
// lifetime and never re-buckets; nothing in this package detects a server
// that starts advertising a different shard count.
type ShardingInfo struct {
	ShardsCount       uint32
	Partitioner       string
	ShardingAlgorithm string
	IgnoreMSB         int
	ShardAwarePort    int // 0 means unset
	ShardAwarePortSSL int // 0 means unset
}

// ConnectionShardingInfo pairs the shard id a particular connection
// handshaked onto with the sharding metadata for the host it connected to.
type ConnectionShardingInfo struct {
	ShardID int32
	Info    ShardingInfo
}

// ShardID computes shard_id(token) per the biased-token-round-robin
// algorithm: reinterpret token into the unsigned range, apply the ignore-msb
// shift, then split into 32-bit halves and take the upper 32 bits of their
// weighted sum. All arithmetic is unsigned 64-bit two's-complement wrap.
func (s ShardingInfo) ShardID(token int64) int32 {
	t := uint64(token) ^ (uint64(1) << 63) // token + INT64_MIN, reinterpreted unsigned
	t <<= uint(s.IgnoreMSB)

	lo := t & 0xffffffff
	hi := (t >> 32) & 0xffffffff

	mul1 := lo * uint64(s.ShardsCount)
	mul2 := hi * uint64(s.ShardsCount)
	sum := (mul1 >> 32) + mul2

	return int32(sum >> 32)
}

// HasShardAwarePort reports whether the host advertised a shard-aware port
// for either plaintext or TLS connections.
func (s ShardingInfo) HasShardAwarePort() bool {
	return s.ShardAwarePort != 0 || s.ShardAwarePortSSL != 0
}

// ParseShardingInfo parses the SUPPORTED-response string-multimap into a
// ConnectionShardingInfo. It fails (ok=false) unless the partitioner and
// sharding-algorithm strings match the required constants and every required
// key is present, single-valued, and numerically parseable; the two
// shard-aware port keys are optional and read as 0 when absent or
// unparseable. Keys are case-sensitive.
func ParseShardingInfo(params map[string][]string) (info ConnectionShardingInfo, ok bool) {
	shardID, ok := parseInt(params, scyllaShardParamKey)
	if !ok {
		return ConnectionShardingInfo{}, false
	}
	shardsCount, ok := parseInt(params, scyllaNrShardsParamKey)
	if !ok {
		return ConnectionShardingInfo{}, false
	}
	partitioner, ok := parseString(params, scyllaPartitionerParamKey)
	if !ok || partitioner != murmur3PartitionerName {
		return ConnectionShardingInfo{}, false
	}
	algorithm, ok := parseString(params, scyllaShardingAlgorithmKey)
	if !ok || algorithm != biasedTokenRoundRobinName {
		return ConnectionShardingInfo{}, false
	}
	ignoreMSB, ok := parseInt(params, scyllaShardingIgnoreMSBKey)
	if !ok {
		return ConnectionShardingInfo{}, false
	}

	// These two are genuinely optional: absence just means no shard-aware port.
	shardAwarePort, _ := parseInt(params, scyllaShardAwarePortKey)
	shardAwarePortSSL, _ := parseInt(params, scyllaShardAwarePortSSLKey)

	return ConnectionShardingInfo{
		ShardID: int32(shardID),
		Info: ShardingInfo{
			ShardsCount:       uint32(shardsCount),
			Partitioner:       partitioner,
			ShardingAlgorithm: algorithm,
			IgnoreMSB:         ignoreMSB,
			ShardAwarePort:    shardAwarePort,
			ShardAwarePortSSL: shardAwarePortSSL,
		},
	}, true
}

func parseString(params map[string][]string, key string) (string, bool) {
	vals, found := params[key]
	if !found || len(vals) != 1 {
		return "", false
	}
	return vals[0], true
}

func parseInt(params map[string][]string, key string) (int, bool) {
	val, ok := parseString(params, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}
