package model

import "fmt"

// PlaceholderTitle returns the stand-in title for a record whose metadata
// could not be fetched.
func PlaceholderTitle(recordID uint64) string {
	return fmt.Sprintf("Record %d %s", recordID, PlaceholderTitleSuffix)
}
