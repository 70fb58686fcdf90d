// Package cache provides cache tiers for decoded bitmaps and the [Manager] that
// combines them.
package cache

const (
	tierMemory = "memory"
	tierDisk   = "disk"
)
