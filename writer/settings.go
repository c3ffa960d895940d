package writer

// Settings control how row events are applied and how conflicts are resolved
type Settings struct {
	// FallbackToUpdate applies an INSERT that hit a unique violation as an UPDATE
	FallbackToUpdate bool
	// FallbackToInsert applies an UPDATE that matched no row as an INSERT
	FallbackToInsert bool
	// AllowMissingDelete accepts a DELETE that matched no row
	AllowMissingDelete bool
	// FallbackAnyInsertError treats every failed INSERT as a unique violation
	// for engines whose errors cannot be classified reliably
	FallbackAnyInsertError bool
	// UseOldDataForUpdate narrows UPDATE to the columns that changed
	UseOldDataForUpdate bool
	// DontIncludeKeysInUpdate leaves key columns out of the SET clause
	DontIncludeKeysInUpdate bool
	// IgnoreMissingTables skips table sections whose target does not exist
	IgnoreMissingTables bool
}

// DefaultSettings returns the default settings
func DefaultSettings() Settings {
	return Settings{
		FallbackToUpdate:    true,
		FallbackToInsert:    true,
		AllowMissingDelete:  true,
		UseOldDataForUpdate: true,
		IgnoreMissingTables: true,
	}
}
