package reader

// Leading tokens of the batch wire format
const (
	TokenNodeID       = "nodeid"
	TokenVersion      = "version"
	TokenBinary       = "binary"
	TokenChannel      = "channel"
	TokenBatch        = "batch"
	TokenRetry        = "retry"
	TokenSchema       = "schema"
	TokenCatalog      = "catalog"
	TokenTable        = "table"
	TokenKeys         = "keys"
	TokenColumns      = "columns"
	TokenInsert       = "insert"
	TokenOld          = "old"
	TokenUpdate       = "update"
	TokenDelete       = "delete"
	TokenSQL          = "sql"
	TokenCreate       = "create"
	TokenBSH          = "bsh"
	TokenCommit       = "commit"
	TokenIgnore       = "ignore"
	TokenStatsColumns = "stats_columns"
	TokenStats        = "stats"
)
