package catalog

import "time"

// ModelRecord describes an installed model directory.
type ModelRecord struct {
	Route        string       `json:"route"`
	Dir          string       `json:"dir"`
	Source       string       `json:"source"`
	DownloadedAt time.Time    `json:"downloaded_at"`
	SizeBytes    int64        `json:"size_bytes"`
	Files        []FileRecord `json:"files,omitempty"`
}

type FileRecord struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	// BLAKE2b-256 digest, hex encoded.
	Digest string `json:"blake2b"`
}
