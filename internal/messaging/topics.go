package messaging

// Topics the miner publishes to
const (
	TopicWork         = "miner.work"          // new chain tip picked up by the feed
	TopicBlockResults = "miner.block_results" // every submission outcome
	TopicStats        = "miner.stats"         // periodic hashrate samples (protobuf Struct)
)
