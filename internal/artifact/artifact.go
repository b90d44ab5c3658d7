// Package artifact stores optimized models and their JSON metadata
// sidecars under fixed key conventions on top of a storage backend.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"modelopt/internal/fault"
	"modelopt/internal/model"
	"modelopt/internal/storage"
)

const (
	OutputPrefix = "optimized/"
	UploadPrefix = storage.UploadsPrefix

	ContentTypeGLB  = "model/gltf-binary"
	ContentTypeGLTF = "model/gltf+json"
	ContentTypeJSON = "application/json"
)

var (
	jobIDPattern = regexp.MustCompile(`^[0-9a-f-]{36}$`)
	// Keys reachable through the public file endpoint. Sidecars are not.
	fileKeyPattern = regexp.MustCompile(`^(uploads|optimized)/[0-9a-f-]{36}\.(glb|gltf)$`)
)

// ValidJobID reports whether id has the 36-character job token shape.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// ValidKey reports whether key may be served or accepted by the public
// file endpoint.
func ValidKey(key string) bool {
	return fileKeyPattern.MatchString(key)
}

// OutputKey is the storage key of a job's optimized model.
func OutputKey(jobID string) string { return OutputPrefix + jobID + ".glb" }

// MetadataKey is the storage key of a job's metadata sidecar.
func MetadataKey(jobID string) string { return OutputPrefix + jobID + ".json" }

// UploadKey is the storage key of a directly uploaded input. ext keeps
// its leading dot and must be .glb or .gltf.
func UploadKey(jobID, ext string) string { return UploadPrefix + jobID + ext }

// UploadExt normalizes a filename extension for uploads.
func UploadExt(filename string) (string, error) {
	switch ext := strings.ToLower(path.Ext(filename)); ext {
	case ".glb", ".gltf":
		return ext, nil
	case "":
		return ".glb", nil
	default:
		return "", fault.InvalidModel("unsupported file extension "+ext, nil)
	}
}

// JobIDFromUploadKey extracts the job id of an uploads/ key.
func JobIDFromUploadKey(key string) (string, error) {
	if !ValidKey(key) || !strings.HasPrefix(key, UploadPrefix) {
		return "", fault.ErrInvalidKey
	}
	base := strings.TrimPrefix(key, UploadPrefix)
	return strings.TrimSuffix(base, path.Ext(base)), nil
}

// TicketKey is the storage key of the reservation written when an upload
// URL is issued. It shares the uploads/ lifecycle rule with the upload.
func TicketKey(jobID string) string { return UploadPrefix + jobID + ".json" }

// Ticket reserves a job id for one direct upload.
type Ticket struct {
	JobID     string    `json:"jobId"`
	Key       string    `json:"key"`
	UserID    string    `json:"userId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Sidecar is a metadata record found by Scan.
type Sidecar struct {
	JobID        string
	Meta         *model.JobMetadata // nil when the sidecar could not be read
	LastModified time.Time
	Err          error
}

// Store is safe for concurrent use.
type Store struct {
	storage       storage.Storage
	presignExpiry time.Duration
}

// NewStore wraps a storage backend.
func NewStore(s storage.Storage, presignExpiry time.Duration) *Store {
	if presignExpiry <= 0 {
		presignExpiry = storage.DefaultPresignExpiry
	}
	return &Store{storage: s, presignExpiry: presignExpiry}
}

// Storage exposes the underlying backend.
func (s *Store) Storage() storage.Storage {
	return s.storage
}

// PutOutput persists the optimized model and waits for the backend to
// acknowledge it.
func (s *Store) PutOutput(ctx context.Context, jobID string, data []byte) error {
	_, err := s.storage.Put(ctx, OutputKey(jobID), bytes.NewReader(data), storage.PutObjectOptions{
		Size:        int64(len(data)),
		ContentType: ContentTypeGLB,
	})
	if err != nil {
		return fmt.Errorf("put output %s: %w", jobID, err)
	}
	return nil
}

// PutMetadata writes (or overwrites) the sidecar of a job.
func (s *Store) PutMetadata(ctx context.Context, jobID string, meta model.JobMetadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.storage.Put(ctx, MetadataKey(jobID), bytes.NewReader(b), storage.PutObjectOptions{
		Size:        int64(len(b)),
		ContentType: ContentTypeJSON,
	})
	if err != nil {
		return fmt.Errorf("put metadata %s: %w", jobID, err)
	}
	return nil
}

// PutTicket records an upload reservation.
func (s *Store) PutTicket(ctx context.Context, t Ticket) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	_, err = s.storage.Put(ctx, TicketKey(t.JobID), bytes.NewReader(b), storage.PutObjectOptions{
		Size:        int64(len(b)),
		ContentType: ContentTypeJSON,
	})
	if err != nil {
		return fmt.Errorf("put ticket %s: %w", t.JobID, err)
	}
	return nil
}

// Ticket loads the upload reservation of jobID. Unknown ids yield
// fault.ErrUploadNotReserved.
func (s *Store) Ticket(ctx context.Context, jobID string) (*Ticket, error) {
	data, _, err := storage.ReadAll(ctx, s.storage, TicketKey(jobID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fault.ErrUploadNotReserved
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", jobID, err)
	}
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode ticket %s: %w", jobID, err)
	}
	return &t, nil
}

// HasArtifact reports whether a sidecar exists for jobID.
func (s *Store) HasArtifact(ctx context.Context, jobID string) (bool, error) {
	_, err := s.Metadata(ctx, jobID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fault.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Metadata loads a job's sidecar. Unknown jobs yield fault.ErrNotFound.
func (s *Store) Metadata(ctx context.Context, jobID string) (*model.JobMetadata, error) {
	data, _, err := storage.ReadAll(ctx, s.storage, MetadataKey(jobID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fault.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata %s: %w", jobID, err)
	}
	var meta model.JobMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", jobID, err)
	}
	return &meta, nil
}

// Scan lists every sidecar. Records that cannot be read are returned with
// Err set and nil Meta so callers can still act on LastModified.
func (s *Store) Scan(ctx context.Context) ([]Sidecar, error) {
	objs, err := s.storage.List(ctx, OutputPrefix)
	if err != nil {
		return nil, err
	}
	var out []Sidecar
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(o.Key, OutputPrefix), ".json")
		sc := Sidecar{JobID: id, LastModified: o.LastModified}
		sc.Meta, sc.Err = s.Metadata(ctx, id)
		out = append(out, sc)
	}
	return out, nil
}

// Purge deletes a job's output and sidecar. Both deletions are always
// attempted; their errors are joined.
func (s *Store) Purge(ctx context.Context, jobID string) error {
	return errors.Join(
		s.storage.Delete(ctx, OutputKey(jobID)),
		s.storage.Delete(ctx, MetadataKey(jobID)),
	)
}

// DownloadURL presigns the job's output for download. The URL lives for
// the presign expiry or ttl, whichever is shorter, and at least a second.
// ttl <= 0 means no bound.
func (s *Store) DownloadURL(ctx context.Context, jobID string, ttl time.Duration) (string, error) {
	expiry := s.presignExpiry
	if ttl > 0 && ttl < expiry {
		expiry = max(ttl, time.Second)
	}
	return s.storage.PresignGet(ctx, OutputKey(jobID), expiry)
}

// ShareURL presigns the job's output for the given window.
func (s *Store) ShareURL(ctx context.Context, jobID string, window time.Duration) (string, error) {
	return s.storage.PresignGet(ctx, OutputKey(jobID), window)
}

// UploadURL presigns a direct upload to key.
func (s *Store) UploadURL(ctx context.Context, key string) (string, error) {
	return s.storage.PresignPut(ctx, key, s.presignExpiry)
}

// PresignExpiry is the lifetime of URLs from DownloadURL and UploadURL.
func (s *Store) PresignExpiry() time.Duration {
	return s.presignExpiry
}

// DeleteUpload removes a directly uploaded input and its reservation,
// which makes the upload key single-use.
func (s *Store) DeleteUpload(ctx context.Context, key string) error {
	id, err := JobIDFromUploadKey(key)
	if err != nil {
		return err
	}
	return errors.Join(
		s.storage.Delete(ctx, key),
		s.storage.Delete(ctx, TicketKey(id)),
	)
}
