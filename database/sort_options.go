package database

const (
	SortNewest = "newest"
	SortOldest = "oldest"
)

const DefaultSortOrder = SortNewest

// IsValidSortOrder checks if a string is a valid sort order constant
func IsValidSortOrder(order string) bool {
	switch order {
	case SortNewest, SortOldest:
		return true
	default:
		return false
	}
}
