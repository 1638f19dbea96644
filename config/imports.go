package config

import "time"

// ImportConfig contains tuning knobs for the bulk-import pipeline.
type ImportConfig struct {
	// MaxFileSize is the upper bound in bytes for accepted source files.
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" envDefault:"20971520"` // 20MB

	// MaxRows is the upper bound on data rows per file.
	MaxRows int `env:"IMPORT_MAX_ROWS" envDefault:"50000"`

	// InsertChunkSize is the number of import rows materialized per insert
	// transaction. A crash loses at most one chunk's insert.
	InsertChunkSize int `env:"IMPORT_INSERT_CHUNK_SIZE" envDefault:"1000"`

	// ProcessChunkSize is the number of rows processed per chunk. Chunk
	// boundaries are the only suspension points: counters are flushed, a
	// snapshot is published, and cancellation is observed between chunks.
	ProcessChunkSize int `env:"IMPORT_PROCESS_CHUNK_SIZE" envDefault:"200"`

	// ChunkPause is the cooperative yield between chunks.
	ChunkPause time.Duration `env:"IMPORT_CHUNK_PAUSE" envDefault:"10ms"`

	// SnapshotTTL is how long progress snapshots live on the fast read path.
	SnapshotTTL time.Duration `env:"IMPORT_SNAPSHOT_TTL" envDefault:"5m"`

	// AllowedEmailDomains is the closed list of accepted employee email domains.
	AllowedEmailDomains []string `env:"IMPORT_ALLOWED_EMAIL_DOMAINS" envSeparator:"," envDefault:"workmail.co,company.africa,mail.test"`
}

// Sanitize applies guardrails to import configuration values.
func (c *ImportConfig) Sanitize() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 20 * 1024 * 1024
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 50000
	}
	if c.InsertChunkSize < 1 {
		c.InsertChunkSize = 1000
	}
	if c.ProcessChunkSize < 1 {
		c.ProcessChunkSize = 200
	}
	if c.ChunkPause < 0 {
		c.ChunkPause = 0
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 5 * time.Minute
	}
}
