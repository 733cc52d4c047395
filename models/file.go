package models

// FileMeta describes one file offered in a transfer session.
type FileMeta struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	FileType string `json:"file_type"`
	Checksum string `json:"checksum,omitempty"`
}
