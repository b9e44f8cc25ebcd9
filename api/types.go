package api

import (
	"time"
)

type VersionResponse struct {
	Version   string   `json:"version"`
	Compilers []string `json:"compilers"`
}

// Unit describes one compiled graph held by the server's cache.
type Unit struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Signature   string    `json:"signature"`
	Fingerprint string    `json:"fingerprint"`
	Device      string    `json:"device"`
	Size        int64     `json:"size"`
	Path        string    `json:"path,omitempty"`
	Recency     uint64    `json:"recency"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Compiles  int64 `json:"compiles"`
	Failures  int64 `json:"failures"`
	Evictions int64 `json:"evictions"`
	Bypasses  int64 `json:"bypasses"`
}

// ProcessResponse is the cache state returned by GET /api/ps.
type ProcessResponse struct {
	Capacity int        `json:"capacity"`
	Units    []Unit     `json:"units"`
	Stats    CacheStats `json:"stats"`
}

type CapacityRequest struct {
	Capacity int `json:"capacity"`
}

type CapacityResponse struct {
	Capacity int `json:"capacity"`
	Units    int `json:"units"`
}

type GraphFile struct {
	Role       string    `json:"role"`
	Checkpoint string    `json:"checkpoint"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

type ListGraphsResponse struct {
	Graphs []GraphFile `json:"graphs"`
}

type DeleteGraphRequest struct {
	Role       string `json:"role"`
	Checkpoint string `json:"checkpoint"`
	Name       string `json:"name"`
}
