package web

// Service response.
type (
	CacheStats struct {
		MemoryCacheSize      int64  `json:"memory_cache_size"`
		HumanMemoryCacheSize string `json:"human_memory_cache_size"`
		DiskCacheSize        int64  `json:"disk_cache_size"`
		HumanDiskCacheSize   string `json:"human_disk_cache_size"`
		// Slots is the number of slots with a coordinator.
		Slots int `json:"slots"`
	}

	Version struct {
		ShortGitHash string `json:"short_git_hash"`
		CommitTime   string `json:"commit_time"`
	}
)
