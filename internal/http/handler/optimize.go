package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"modelopt/internal/artifact"
	"modelopt/internal/http/middleware"
	"modelopt/internal/model"
	"modelopt/internal/progress"
	"modelopt/internal/service"
)

// optimizeBody is the JSON form of POST /optimize, used after a direct
// upload to a presigned URL.
type optimizeBody struct {
	UploadKey string          `json:"uploadKey"`
	Filename  string          `json:"filename"`
	Settings  json.RawMessage `json:"settings"`
}

type uploadBody struct {
	Filename string `json:"filename"`
}

// streamFrame is one server-sent event. Exactly one of the groups is set:
// progress+message, result, or error.
type streamFrame struct {
	Progress *int             `json:"progress,omitempty"`
	Message  string           `json:"message,omitempty"`
	Result   *model.JobResult `json:"result,omitempty"`
	Error    *errorEnvelope   `json:"error,omitempty"`
}

// PresignUpload reserves a job id and returns where to PUT the model.
//
//	@Summary	Reserve a direct upload
//	@Tags		uploads
//	@Accept		json
//	@Produce	json
//	@Param		body	body		uploadBody	false	"Upload request"
//	@Success	201		{object}	service.UploadTicket
//	@Failure	400		{object}	errorPayload
//	@Router		/uploads [post]
func PresignUpload(svc service.JobService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body uploadBody
		if len(c.Body()) > 0 {
			if err := json.Unmarshal(c.Body(), &body); err != nil {
				return writeFault(c, fmt.Errorf("%w: %v", errInvalidBody, err))
			}
		}
		ticket, err := svc.PresignUpload(c.UserContext(), middleware.UserID(c), body.Filename)
		if err != nil {
			return writeFault(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(ticket)
	}
}

// Optimize admits a job and streams its progress as text/event-stream.
// Admission and ingestion failures are answered as plain JSON errors
// before the stream starts.
//
//	@Summary	Optimize a GLB or glTF model
//	@Tags		jobs
//	@Accept		mpfd,json
//	@Produce	text/event-stream
//	@Param		file		formData	file	false	"Model file (.glb or .gltf)"
//	@Param		settings	formData	string	false	"Optimization settings as JSON"
//	@Success	200			{string}	string	"Progress stream"
//	@Failure	400			{object}	errorPayload
//	@Failure	403			{object}	errorPayload
//	@Failure	409			{object}	errorPayload
//	@Failure	413			{object}	errorPayload
//	@Router		/optimize [post]
func Optimize(svc service.JobService, tempDir string, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := optimizeRequest(c, tempDir)
		if err != nil {
			return writeFault(c, err)
		}
		req.UserID = middleware.UserID(c)

		job, err := svc.Prepare(c.UserContext(), req)
		if err != nil {
			return writeFault(c, err)
		}
		streamJob(c, svc, job, log.With(
			zap.String("request_id", middleware.RequestIDFromCtx(c)),
			zap.String("job_id", job.ID),
		))
		return nil
	}
}

func optimizeRequest(c *fiber.Ctx, tempDir string) (service.JobRequest, error) {
	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		return multipartRequest(c, tempDir)
	}

	var body optimizeBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return service.JobRequest{}, fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if body.UploadKey == "" {
		return service.JobRequest{}, errFileRequired
	}
	settings, err := model.ParseSettings(body.Settings)
	if err != nil {
		return service.JobRequest{}, err
	}
	return service.JobRequest{
		Filename: cleanFilename(body.Filename),
		Settings: settings,
		Input:    service.Input{UploadKey: body.UploadKey},
	}, nil
}

// multipartRequest spools the "file" part to tempDir. The job service
// removes the file once Prepare returns.
func multipartRequest(c *fiber.Ctx, tempDir string) (service.JobRequest, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return service.JobRequest{}, errFileRequired
	}
	settings, err := model.ParseSettings([]byte(c.FormValue("settings")))
	if err != nil {
		return service.JobRequest{}, err
	}
	ext, err := artifact.UploadExt(fh.Filename)
	if err != nil {
		return service.JobRequest{}, err
	}
	tmp := filepath.Join(tempDir, "modelopt-"+uuid.NewString()+ext)
	if err := c.SaveFile(fh, tmp); err != nil {
		return service.JobRequest{}, fmt.Errorf("spool upload: %w", err)
	}
	return service.JobRequest{
		Filename: cleanFilename(fh.Filename),
		Settings: settings,
		Input:    service.Input{TempPath: tmp},
	}, nil
}

// cleanFilename keeps only the last path element of a client filename.
func cleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// streamJob runs the job in the background and relays its progress. The
// job outlives the request: a consumer that goes away only detaches.
func streamJob(c *fiber.Ctx, svc service.JobService, job *service.Job, log *zap.Logger) {
	ctx := context.WithoutCancel(c.UserContext())
	ch := progress.New()
	go svc.Run(ctx, job, ch)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		for msg := range ch.Messages() {
			if err := writeFrame(w, frameOf(msg)); err != nil {
				ch.Detach()
				log.Info("progress consumer gone", zap.String("event", "stream_detached"), zap.Error(err))
				return
			}
		}
	}))
}

func frameOf(msg progress.Message) streamFrame {
	switch {
	case msg.Result != nil:
		return streamFrame{Result: msg.Result}
	case msg.Err != nil:
		_, env := classify(msg.Err)
		return streamFrame{Error: &env}
	default:
		percent := msg.Event.Percent
		return streamFrame{Progress: &percent, Message: msg.Event.Message}
	}
}

func writeFrame(w *bufio.Writer, f streamFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	return w.Flush()
}
