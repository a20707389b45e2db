// Package store defines the polymorphic tile-store contract (spec.md C4)
// implemented independently by the xyzstore, mbtilesstore and pgstore
// backends, plus the shared error taxonomy every layer above it dispatches
// on.
package store

import (
	"context"
	"errors"
)

// Kind identifies which concrete backend a Descriptor targets.
type Kind string

const (
	KindXYZ      Kind = "xyz"
	KindMBTiles  Kind = "mbtiles"
	KindPostgres Kind = "postgres"
)

// RefreshMode tags which variant of refreshBefore a seed descriptor uses.
type RefreshMode string

const (
	RefreshNone   RefreshMode = ""
	RefreshAge    RefreshMode = "age"
	RefreshMD5    RefreshMode = "md5"
	RefreshAbsolute RefreshMode = "absolute"
)

// RefreshBefore is the tagged union described in spec.md §3.
type RefreshBefore struct {
	Mode      RefreshMode
	Timestamp int64 // ms epoch, used by RefreshAbsolute, and by RefreshAge when AgeDays is 0
	AgeDays   int   // used by RefreshAge: tiles older than this many days are refreshed
}

// Descriptor configures how a store is opened (spec.md §3).
type Descriptor struct {
	Kind             Kind
	Location         string // directory, file path, or Postgres table/id depending on Kind
	Writable         bool
	StoreMD5         bool
	StoreTransparent bool
	SourceURL        string // upstream tile URL template with {z}/{x}/{y}; empty disables fetch-on-miss
}

// Tile is a stored tile's bytes plus HTTP-relevant headers derived from
// sniffing those bytes.
type Tile struct {
	Bytes           []byte
	ContentType     string
	ContentEncoding string
}

// Store is the uniform contract over the three backend kinds (spec.md §4.4).
type Store interface {
	// GetTile returns the stored bytes for (z,x,y), given in the XYZ scheme;
	// a backend with a TMS on-disk layout (mbtilesstore) converts y itself.
	// Returns ErrTileNotFound when absent.
	GetTile(ctx context.Context, z, x, y int) (Tile, error)

	// PutTile idempotently upserts bytes for (z,x,y), applying transparency
	// suppression when the store's descriptor requests it and the sniffed
	// format is png. Returns ErrTransparentSuppressed when the tile was not
	// written for that reason.
	PutTile(ctx context.Context, z, x, y int, bytes []byte) error

	// DeleteTile idempotently removes (z,x,y); absence is not an error.
	DeleteTile(ctx context.Context, z, x, y int) error

	// GetTileMD5 returns the lowercase hex MD5 of the stored bytes,
	// preferring a persisted hash over recomputing it. Returns
	// ErrTileMD5NotFound when neither a hash nor bytes are available.
	GetTileMD5(ctx context.Context, z, x, y int) (string, error)

	// GetTileCreated returns the tile's last-write timestamp in ms epoch.
	// Returns ErrCreatedNotFound when unknown.
	GetTileCreated(ctx context.Context, z, x, y int) (int64, error)

	// PutMetadata merges the given keys into the store's metadata,
	// preserving all keys not present in merge.
	PutMetadata(ctx context.Context, merge map[string]any) error

	// GetInfo returns the synthesized TileJSON for this store (spec.md C8).
	GetInfo(ctx context.Context) (map[string]any, error)

	// Close flushes and releases the store's resources.
	Close() error
}

// Opener constructs a Store from a Descriptor. Each backend package exposes
// a concrete Opener; internal/store/registry.go dispatches on Descriptor.Kind.
type Opener func(ctx context.Context, d Descriptor) (Store, error)

// Sentinel error taxonomy (spec.md §7). Backends wrap these with
// fmt.Errorf("...: %w", Err*) so callers can still errors.Is/As through
// backend-specific context.
var (
	ErrTileNotFound          = errors.New("store: tile not found")
	ErrTileMD5NotFound       = errors.New("store: tile md5 not found")
	ErrCreatedNotFound       = errors.New("store: tile created timestamp not found")
	ErrUpstreamStatus        = errors.New("store: upstream returned an error status")
	ErrUpstreamEmpty         = errors.New("store: upstream returned 204/404")
	ErrBackendBusy           = errors.New("store: backend busy")
	ErrTimeout               = errors.New("store: operation timed out")
	ErrCorrupt               = errors.New("store: corrupt data or schema mismatch")
	ErrValidationFailed      = errors.New("store: metadata validation failed")
	ErrTransparentSuppressed = errors.New("store: tile suppressed by transparency check")
)
