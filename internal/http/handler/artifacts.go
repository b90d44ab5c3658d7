package handler

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"modelopt/internal/artifact"
	"modelopt/internal/http/middleware"
	"modelopt/internal/service"
)

// Download redirects to a short-lived URL for the optimized model.
//
//	@Summary	Download an optimized model
//	@Tags		jobs
//	@Param		id	path	string	true	"Job ID"
//	@Success	302
//	@Failure	404	{object}	errorPayload
//	@Failure	410	{object}	errorPayload
//	@Router		/download/{id} [get]
func Download(svc service.JobService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		url, err := svc.Download(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeFault(c, err)
		}
		return c.Redirect(url, fiber.StatusFound)
	}
}

// ShareJob resets the artifact to expire one share window from now.
//
//	@Summary	Share an optimized model for one hour
//	@Tags		jobs
//	@Security	BearerAuth
//	@Produce	json
//	@Param		id	path		string	true	"Job ID"
//	@Success	200	{object}	service.ShareResult
//	@Failure	403	{object}	errorPayload
//	@Failure	410	{object}	errorPayload
//	@Router		/jobs/{id}/share [post]
func ShareJob(svc service.JobService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		res, err := svc.Share(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return writeFault(c, err)
		}
		return c.JSON(res)
	}
}

// DeleteJob godoc
//
//	@Summary	Delete an optimized model
//	@Tags		jobs
//	@Security	BearerAuth
//	@Param		id	path	string	true	"Job ID"
//	@Success	204
//	@Failure	403	{object}	errorPayload
//	@Failure	404	{object}	errorPayload
//	@Router		/jobs/{id} [delete]
func DeleteJob(svc service.JobService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := svc.Delete(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
			return writeFault(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// ListHistory pages through the caller's completed jobs with limit & offset.
//
//	@Summary	List completed jobs of the caller
//	@Tags		history
//	@Security	BearerAuth
//	@Produce	json
//	@Param		limit	query		int	false	"Page size, at most 100"	default(20)
//	@Param		offset	query		int	false	"Offset"					default(0)
//	@Success	200		{object}	service.HistoryListResult
//	@Failure	401		{object}	errorPayload
//	@Failure	503		{object}	errorPayload
//	@Router		/history [get]
func ListHistory(svc service.JobService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit, err := strconv.Atoi(c.Query("limit", "20"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_LIMIT", "invalid limit")
		}
		offset, err := strconv.Atoi(c.Query("offset", "0"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_OFFSET", "invalid offset")
		}

		res, err := svc.History(c.UserContext(), middleware.UserID(c), limit, offset)
		if err != nil {
			return writeFault(c, err)
		}
		return c.JSON(res)
	}
}

// DeleteHistory godoc
//
//	@Summary	Delete a history record
//	@Tags		history
//	@Security	BearerAuth
//	@Param		id	path	string	true	"Job ID"
//	@Success	204
//	@Failure	404	{object}	errorPayload
//	@Router		/history/{id} [delete]
func DeleteHistory(svc service.JobService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := svc.DeleteHistory(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
			return writeFault(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// GetFile serves uploads and outputs of the local backend.
func GetFile(svc service.JobService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Params("*")
		rc, info, err := svc.OpenFile(c.UserContext(), key)
		if err != nil {
			return writeFault(c, err)
		}
		ct := info.ContentType
		if ct == "" {
			ct = artifact.ContentTypeGLB
			if strings.HasSuffix(key, ".gltf") {
				ct = artifact.ContentTypeGLTF
			}
		}
		c.Set(fiber.HeaderContentType, ct)
		return c.SendStream(rc, int(info.Size))
	}
}

// PutFile accepts a direct upload to an uploads/ key of the local backend.
func PutFile(svc service.JobService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body := c.Body()
		if err := svc.PutFile(c.UserContext(), c.Params("*"), bytes.NewReader(body), int64(len(body))); err != nil {
			return writeFault(c, err)
		}
		return c.SendStatus(fiber.StatusOK)
	}
}
