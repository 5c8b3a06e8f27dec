// internal/storage/models.go
package storage

type Site struct {
	ID      int64  `json:"site_id"`
	Address string `json:"address"`
	Added   int64  `json:"added"`
}

type ContentRow struct {
	ID                int64   `json:"content_id"`
	Site              string  `json:"site"`
	InnerPath         string  `json:"inner_path"`
	Size              int64   `json:"size"`
	SizeFiles         int64   `json:"size_files"`
	SizeFilesOptional int64   `json:"size_files_optional"`
	Modified          float64 `json:"modified"`
}

type PeerRow struct {
	PeerID     string `json:"peer_id"`
	Address    string `json:"address"`
	Reputation int    `json:"reputation"`
	TimeAdded  int64  `json:"time_added"`
	TimeFound  int64  `json:"time_found"`
}
