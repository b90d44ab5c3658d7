package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/gltf"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"modelopt/internal/artifact"
	"modelopt/internal/fault"
	"modelopt/internal/lifecycle"
	"modelopt/internal/metrics"
	"modelopt/internal/model"
	"modelopt/internal/pipeline"
	"modelopt/internal/progress"
	"modelopt/internal/repository"
	"modelopt/internal/storage"
)

// ErrHistoryDisabled is returned by history operations when no history
// store is configured.
var ErrHistoryDisabled = errors.New("history store is not configured")

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultFilename     = "model.glb"
)

// Optimizer is the pipeline as seen by the job service.
type Optimizer interface {
	Ingest(ctx context.Context, data []byte) (*gltf.Document, error)
	Transform(ctx context.Context, doc *gltf.Document, s model.OptimizeSettings, em progress.Emitter) (*pipeline.Result, error)
}

// Input names where a job's bytes come from. Exactly one of TempPath and
// UploadKey is set. Either is removed once Prepare returns.
type Input struct {
	TempPath  string
	UploadKey string
}

// JobRequest is a validated optimize request.
type JobRequest struct {
	UserID   string
	Filename string
	Settings model.OptimizeSettings
	Input    Input
}

// Job is an admitted, ingested job ready to Run.
type Job struct {
	ID           string
	UserID       string
	Account      model.Account
	Filename     string
	Settings     model.OptimizeSettings
	OriginalSize int64

	doc      *gltf.Document
	reserved int64
}

// ShareResult is returned by Share.
type ShareResult struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UploadTicket is a presigned direct upload.
type UploadTicket struct {
	JobID     string `json:"jobId"`
	Key       string `json:"key"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	ExpiresIn int    `json:"expiresIn"`
}

// HistoryListResult is the service-level DTO for paginated history.
type HistoryListResult struct {
	Items []model.HistoryRecord `json:"data"`
	Total int                   `json:"total"`
}

// JobService defines the use cases around optimization jobs.
type JobService interface {
	// Prepare admits and ingests a job. Once the job id is claimed the
	// input is removed on every path. Errors are client faults unless
	// storage failed.
	Prepare(ctx context.Context, req JobRequest) (*Job, error)

	// Run transforms and persists the job, reporting on ch. It always ends
	// ch with exactly one terminal message and never returns early on
	// caller disconnect.
	Run(ctx context.Context, job *Job, ch *progress.Channel)

	// Download resolves a job id to a presigned download URL.
	Download(ctx context.Context, jobID string) (string, error)

	// Share resets the owner's artifact to expire one share window from now.
	Share(ctx context.Context, userID, jobID string) (*ShareResult, error)

	// Delete purges the owner's artifact and credits the ledger.
	Delete(ctx context.Context, userID, jobID string) error

	History(ctx context.Context, userID string, limit, offset int) (*HistoryListResult, error)
	DeleteHistory(ctx context.Context, userID, jobID string) error

	// PresignUpload reserves a job id for userID and returns a direct
	// upload URL. Only the same caller may optimize the upload.
	PresignUpload(ctx context.Context, userID, filename string) (*UploadTicket, error)

	// OpenFile and PutFile back the same-origin file endpoint.
	OpenFile(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error)
	PutFile(ctx context.Context, key string, r io.Reader, size int64) error
}

// Config tunes a jobService.
type Config struct {
	Policy        lifecycle.Policy
	MaxConcurrent int64
	PublicBaseURL string
	Now           func() time.Time
}

type jobService struct {
	optimizer Optimizer
	store     *artifact.Store
	access    *AccessResolver
	history   repository.HistoryRepository
	metrics   *metrics.Jobs
	policy    lifecycle.Policy
	slots     *semaphore.Weighted
	baseURL   string
	now       func() time.Time
	log       *zap.Logger

	// ids of jobs between Prepare and the end of Run
	claims sync.Map
}

// NewJobService constructs a JobService. history and m may be nil.
func NewJobService(opt Optimizer, store *artifact.Store, access *AccessResolver, history repository.HistoryRepository, m *metrics.Jobs, cfg Config, log *zap.Logger) JobService {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &jobService{
		optimizer: opt,
		store:     store,
		access:    access,
		history:   history,
		metrics:   m,
		policy:    cfg.Policy,
		slots:     semaphore.NewWeighted(cfg.MaxConcurrent),
		baseURL:   strings.TrimRight(cfg.PublicBaseURL, "/"),
		now:       cfg.Now,
		log:       log.With(zap.String("component", "jobs")),
	}
}

func (s *jobService) Prepare(ctx context.Context, req JobRequest) (job *Job, err error) {
	defer func() {
		if err != nil && fault.IsClient(err) {
			s.metrics.Failed(true)
		}
	}()

	// An unclaimed upload may belong to someone else and stays in place.
	id, err := s.claim(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.discardInput(ctx, req.Input)

	var reserved int64
	defer func() {
		if err != nil {
			s.claims.Delete(id)
			s.settle(ctx, req.UserID, id, -reserved)
		}
	}()

	rc, size, err := s.openInput(ctx, req.Input)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	account, reserved, err := s.access.Reserve(ctx, req.UserID, size, func(acc model.Account) error {
		return s.policy.CheckAdmission(req.UserID, acc, size)
	})
	if err != nil {
		if fault.IsClient(err) {
			s.log.Info("job rejected",
				zap.String("event", "job_rejected"),
				zap.String("user_id", req.UserID),
				zap.Int64("size", size),
				zap.Error(err),
			)
		}
		return nil, err
	}

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	doc, err := s.optimizer.Ingest(ctx, data)
	if err != nil {
		return nil, err
	}

	filename := req.Filename
	if filename == "" {
		filename = defaultFilename
	}
	return &Job{
		ID:           id,
		UserID:       req.UserID,
		Account:      account,
		Filename:     filename,
		Settings:     req.Settings,
		OriginalSize: int64(len(data)),
		doc:          doc,
		reserved:     reserved,
	}, nil
}

// claim picks the job id of req and holds it until Run ends. An upload key
// must carry the ticket issued to the same caller and must not name an
// existing artifact.
func (s *jobService) claim(ctx context.Context, req JobRequest) (string, error) {
	key := req.Input.UploadKey
	if key == "" {
		id := uuid.NewString()
		s.claims.Store(id, struct{}{})
		return id, nil
	}

	id, err := artifact.JobIDFromUploadKey(key)
	if err != nil {
		return "", err
	}
	ticket, err := s.store.Ticket(ctx, id)
	if err != nil {
		return "", err
	}
	if ticket.Key != key {
		return "", fault.ErrUploadNotReserved
	}
	if ticket.UserID != req.UserID {
		return "", fault.ErrForbidden
	}

	if _, loaded := s.claims.LoadOrStore(id, struct{}{}); loaded {
		return "", fault.ErrJobExists
	}
	exists, err := s.store.HasArtifact(ctx, id)
	if err == nil && exists {
		err = fault.ErrJobExists
	}
	if err != nil {
		s.claims.Delete(id)
		return "", err
	}
	return id, nil
}

// openInput opens the job input and reports its size before any byte is read.
func (s *jobService) openInput(ctx context.Context, in Input) (io.ReadCloser, int64, error) {
	if in.TempPath != "" {
		f, err := os.Open(in.TempPath)
		if err != nil {
			return nil, 0, fmt.Errorf("open input: %w", err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("stat input: %w", err)
		}
		return f, st.Size(), nil
	}
	rc, info, err := s.store.Storage().Get(ctx, in.UploadKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fault.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open upload: %w", err)
	}
	return rc, info.Size, nil
}

func (s *jobService) discardInput(ctx context.Context, in Input) {
	if in.TempPath != "" {
		if err := os.Remove(in.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("temp input cleanup failed", zap.String("path", in.TempPath), zap.Error(err))
		}
	}
	if in.UploadKey != "" && artifact.ValidKey(in.UploadKey) {
		if err := s.store.DeleteUpload(context.WithoutCancel(ctx), in.UploadKey); err != nil {
			s.log.Warn("upload cleanup failed", zap.String("key", in.UploadKey), zap.Error(err))
		}
	}
}

func (s *jobService) Run(ctx context.Context, job *Job, ch *progress.Channel) {
	log := s.log.With(zap.String("job_id", job.ID))

	// Bytes booked at admission are returned unless the artifact is stored.
	booked := job.reserved
	defer func() {
		s.claims.Delete(job.ID)
		s.settle(ctx, job.UserID, job.ID, -booked)
	}()

	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.fail(log, ch, fault.OptimizationFailed("queue", err))
		return
	}
	defer s.slots.Release(1)

	ch.Emit(0, "optimization started")
	start := s.now()

	res, err := s.optimizer.Transform(ctx, job.doc, job.Settings, ch)
	job.doc = nil
	if err != nil {
		s.fail(log, ch, err)
		return
	}

	completed := s.now()
	meta := model.JobMetadata{
		CreatedAt:     completed,
		ExpiresAt:     s.policy.ExpiresAt(job.Account.Access(), completed),
		OriginalSize:  job.OriginalSize,
		OptimizedSize: int64(len(res.Output)),
		Stats:         res.Stats,
		StorageKey:    artifact.OutputKey(job.ID),
		Filename:      job.Filename,
		UserID:        job.UserID,
	}
	if err := s.persist(ctx, job.ID, res.Output, meta); err != nil {
		s.fail(log, ch, fault.OptimizationFailed("persist", err))
		return
	}
	ch.Emit(100, "complete")

	s.settle(ctx, job.UserID, job.ID, meta.OptimizedSize-booked)
	booked = 0
	if job.UserID != "" && job.Account.HasAccess {
		s.recordHistory(ctx, log, job, meta)
	}

	s.metrics.Succeeded(meta.OriginalSize, meta.OptimizedSize)
	log.Info("job completed",
		zap.String("event", "job_completed"),
		zap.Int64("original_size", meta.OriginalSize),
		zap.Int64("optimized_size", meta.OptimizedSize),
		zap.Int("faces_before", meta.Stats.FacesBefore),
		zap.Int("faces_after", meta.Stats.FacesAfter),
		zap.Duration("elapsed", completed.Sub(start)),
	)
	ch.Succeed(model.JobResult{
		JobID:         job.ID,
		DownloadURL:   s.baseURL + "/download/" + job.ID,
		OriginalSize:  meta.OriginalSize,
		OptimizedSize: meta.OptimizedSize,
		Stats:         meta.Stats,
		ExpiresAt:     meta.ExpiresAt,
	})
}

// persist writes the output, then the sidecar. A failed sidecar write
// removes the output so no artifact exists without metadata.
func (s *jobService) persist(ctx context.Context, id string, out []byte, meta model.JobMetadata) error {
	if err := s.store.PutOutput(ctx, id, out); err != nil {
		return err
	}
	if err := s.store.PutMetadata(ctx, id, meta); err != nil {
		if derr := s.store.Storage().Delete(ctx, artifact.OutputKey(id)); derr != nil {
			s.log.Warn("orphan output cleanup failed", zap.String("job_id", id), zap.Error(derr))
		}
		return err
	}
	return nil
}

func (s *jobService) recordHistory(ctx context.Context, log *zap.Logger, job *Job, meta model.JobMetadata) {
	if s.history == nil {
		return
	}
	err := s.history.Create(ctx, &model.HistoryRecord{
		JobID:         job.ID,
		UserID:        job.UserID,
		Filename:      job.Filename,
		OriginalSize:  meta.OriginalSize,
		OptimizedSize: meta.OptimizedSize,
		Stats:         meta.Stats,
		Settings:      job.Settings,
		CreatedAt:     meta.CreatedAt,
		ExpiresAt:     meta.ExpiresAt,
	})
	if err != nil {
		log.Warn("history write failed", zap.String("event", "history_failed"), zap.Error(err))
	}
}

func (s *jobService) fail(log *zap.Logger, ch *progress.Channel, err error) {
	client := fault.IsClient(err)
	s.metrics.Failed(client)
	if client {
		log.Info("job rejected", zap.String("event", "job_rejected"), zap.Error(err))
	} else {
		log.Error("job failed", zap.String("event", "job_failed"), zap.Error(err))
	}
	ch.Fail(err)
}

func (s *jobService) Download(ctx context.Context, jobID string) (string, error) {
	meta, err := s.live(ctx, jobID)
	if err != nil {
		return "", err
	}
	var ttl time.Duration
	if !meta.ExpiresAt.IsZero() {
		ttl = meta.ExpiresAt.Sub(s.now())
	}
	return s.store.DownloadURL(ctx, jobID, ttl)
}

func (s *jobService) Share(ctx context.Context, userID, jobID string) (*ShareResult, error) {
	meta, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := s.checkExpired(ctx, jobID, meta); err != nil {
		return nil, err
	}

	meta.ExpiresAt = s.policy.ShareExpiry(s.now())
	if err := s.store.PutMetadata(ctx, jobID, *meta); err != nil {
		return nil, err
	}
	url, err := s.store.ShareURL(ctx, jobID, s.policy.ShareWindow)
	if err != nil {
		return nil, err
	}
	return &ShareResult{URL: url, ExpiresAt: meta.ExpiresAt}, nil
}

func (s *jobService) Delete(ctx context.Context, userID, jobID string) error {
	meta, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if err := s.store.Purge(ctx, jobID); err != nil {
		return fmt.Errorf("purge %s: %w", jobID, err)
	}
	s.credit(ctx, jobID, meta)
	return nil
}

// live loads metadata and enforces expiration, purging expired remnants.
func (s *jobService) live(ctx context.Context, jobID string) (*model.JobMetadata, error) {
	if !artifact.ValidJobID(jobID) {
		return nil, fault.ErrInvalidJobID
	}
	meta, err := s.store.Metadata(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.checkExpired(ctx, jobID, meta)
}

func (s *jobService) checkExpired(ctx context.Context, jobID string, meta *model.JobMetadata) (*model.JobMetadata, error) {
	due, reason := s.policy.Expired(meta, time.Time{}, s.now())
	if !due {
		return meta, nil
	}
	if err := s.store.Purge(context.WithoutCancel(ctx), jobID); err != nil {
		s.log.Warn("expired artifact purge failed", zap.String("job_id", jobID), zap.Error(err))
	} else {
		s.credit(ctx, jobID, meta)
		s.log.Info("artifact purged",
			zap.String("event", "artifact_purged"),
			zap.String("job_id", jobID),
			zap.String("reason", string(reason)),
		)
	}
	return nil, fault.ErrExpired
}

func (s *jobService) owned(ctx context.Context, userID, jobID string) (*model.JobMetadata, error) {
	if userID == "" {
		return nil, fault.ErrUnauthorized
	}
	if !artifact.ValidJobID(jobID) {
		return nil, fault.ErrInvalidJobID
	}
	meta, err := s.store.Metadata(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if meta.UserID != userID {
		return nil, fault.ErrForbidden
	}
	return meta, nil
}

func (s *jobService) credit(ctx context.Context, jobID string, meta *model.JobMetadata) {
	s.settle(ctx, meta.UserID, jobID, -meta.OptimizedSize)
}

// settle applies delta to the user's ledger. Failures are logged only.
func (s *jobService) settle(ctx context.Context, userID, jobID string, delta int64) {
	if err := s.access.AddUsage(context.WithoutCancel(ctx), userID, delta); err != nil {
		s.log.Warn("usage ledger update failed",
			zap.String("event", "ledger_failed"),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

func (s *jobService) History(ctx context.Context, userID string, limit, offset int) (*HistoryListResult, error) {
	if userID == "" {
		return nil, fault.ErrUnauthorized
	}
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	res, err := s.history.ListByUser(ctx, userID, repository.PageQuery{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return &HistoryListResult{Items: res.Items, Total: res.Total}, nil
}

func (s *jobService) DeleteHistory(ctx context.Context, userID, jobID string) error {
	if userID == "" {
		return fault.ErrUnauthorized
	}
	if s.history == nil {
		return ErrHistoryDisabled
	}
	if !artifact.ValidJobID(jobID) {
		return fault.ErrInvalidJobID
	}
	if err := s.history.Delete(ctx, userID, jobID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fault.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *jobService) PresignUpload(ctx context.Context, userID, filename string) (*UploadTicket, error) {
	ext, err := artifact.UploadExt(filename)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	key := artifact.UploadKey(id, ext)
	err = s.store.PutTicket(ctx, artifact.Ticket{
		JobID:     id,
		Key:       key,
		UserID:    userID,
		ExpiresAt: s.now().Add(s.store.PresignExpiry()),
	})
	if err != nil {
		return nil, err
	}
	url, err := s.store.UploadURL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &UploadTicket{
		JobID:     id,
		Key:       key,
		URL:       url,
		Method:    "PUT",
		ExpiresIn: int(s.store.PresignExpiry().Seconds()),
	}, nil
}

func (s *jobService) OpenFile(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	if !artifact.ValidKey(key) {
		return nil, storage.ObjectInfo{}, fault.ErrInvalidKey
	}
	if name, ok := strings.CutPrefix(key, artifact.OutputPrefix); ok {
		id, _, _ := strings.Cut(name, ".")
		if _, err := s.live(ctx, id); err != nil {
			return nil, storage.ObjectInfo{}, err
		}
	}
	rc, info, err := s.store.Storage().Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ObjectInfo{}, fault.ErrNotFound
	}
	return rc, info, err
}

func (s *jobService) PutFile(ctx context.Context, key string, r io.Reader, size int64) error {
	if !artifact.ValidKey(key) || !strings.HasPrefix(key, artifact.UploadPrefix) {
		return fault.ErrInvalidKey
	}
	if limit := s.policy.MaxEntitledUpload; size > limit {
		return fault.LimitExceeded(fault.LimitFileSize, limit, size)
	}
	id, err := artifact.JobIDFromUploadKey(key)
	if err != nil {
		return err
	}
	ticket, err := s.store.Ticket(ctx, id)
	if err != nil {
		return err
	}
	if ticket.Key != key {
		return fault.ErrUploadNotReserved
	}
	if !s.now().Before(ticket.ExpiresAt) {
		return fault.ErrExpired
	}
	contentType := artifact.ContentTypeGLB
	if strings.HasSuffix(key, ".gltf") {
		contentType = artifact.ContentTypeGLTF
	}
	_, err = s.store.Storage().Put(ctx, key, r, storage.PutObjectOptions{Size: size, ContentType: contentType})
	return err
}
