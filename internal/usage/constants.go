package usage

const (
	// BatchFlushThreshold is the number of entries that triggers an immediate flush.
	BatchFlushThreshold = 100

	// tableName is shared by the SQL stores and the Mongo collection.
	tableName = "step_usage"
)
