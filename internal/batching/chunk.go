// Package batching provides the IN-list chunking shared by the registry
// store and the game-DB reader: embedded SQL engines cap the number of
// bound parameters in a single statement, so large id/name sets must be
// split into bounded batches rather than queried one row at a time.
package batching

// MaxINListSize is the largest number of entries placed in a single SQL
// IN (...) clause.
const MaxINListSize = 900

// ChunkStrings splits items into chunks of at most MaxINListSize entries.
func ChunkStrings(items []string) [][]string {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]string
	for start := 0; start < len(items); start += MaxINListSize {
		end := start + MaxINListSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// ChunkInt64s splits items into chunks of at most MaxINListSize entries.
func ChunkInt64s(items []int64) [][]int64 {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]int64
	for start := 0; start < len(items); start += MaxINListSize {
		end := start + MaxINListSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
