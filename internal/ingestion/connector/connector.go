// Package connector defines the C6 source-connector abstraction shared by
// the S3, GCS, and Drive variants, and a local-filesystem implementation
// used for tests and for on-disk deployments that do not need a cloud
// connector. Grounded on the teacher's datafeed source abstraction
// (infrastructure/datafeed and services/datafeeds.go), which defines a
// narrow Fetch/Stat-style interface per provider behind a factory rather
// than one monolithic client.
package connector

import (
	"context"
	"time"
)

// Operation classifies a change detected by ListChanges.
type Operation string

const (
	OpCreated Operation = "created"
	OpUpdated Operation = "updated"
	OpDeleted Operation = "deleted"
	OpUpsert  Operation = "upsert"
)

// ChangeItem is one entry returned by ListChanges.
type ChangeItem struct {
	URI        string
	Operation  Operation
	ETag       string
	ModifiedAt time.Time
}

// StatResult is the metadata Stat returns for a single object.
type StatResult struct {
	Exists      bool
	ETag        string
	Generation  string // GCS-only; empty for S3/Drive
	ModifiedAt  time.Time
	Size        int64
	ContentType string
	Owner       string
}

// FetchResult is the extracted text and metadata FetchText returns.
type FetchResult struct {
	Text     string
	Title    string
	Metadata map[string]interface{}
}

// Connector is the contract every provider variant (S3, GCS, Drive)
// satisfies. Implementations must enforce their own size caps and binary
// detection inside FetchText; callers only see extracted text.
type Connector interface {
	Stat(ctx context.Context, uri string) (StatResult, error)
	FetchText(ctx context.Context, uri string) (FetchResult, error)
	ListChanges(ctx context.Context, cursor string) ([]ChangeItem, string, error)
}

// Config holds the per-(tenant,provider) connection parameters resolved
// from C7's connector config store. Field names are generic enough to
// cover S3 (bucket/region/credentials), GCS (bucket/credentials_json), and
// Drive (folder_id/oauth_token) without a provider-specific struct per type;
// unused fields are simply left empty.
type Config struct {
	Provider   string // "s3" | "gcs" | "drive"
	Bucket     string
	Region     string
	FolderID   string
	Endpoint   string
	Credential string // decrypted secret material (access key, service account JSON, oauth token)
}
