package query

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"sideseat/internal/core/domain/apierr"
	"sideseat/internal/core/domain/dataerr"
	"sideseat/internal/core/domain/filestore"
)

// getFile streams a content-addressed blob (§4.C get). Content is
// immutable by construction — the hash names the bytes — so the
// response carries an aggressive immutable cache policy with the hash
// as ETag; a matching If-None-Match short-circuits to 304.
func (h *Handler) getFile(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	hash := c.Param("hash")
	if !filestore.ValidateHash(hash) {
		writeErr(c, apierr.BadRequest(apierr.CodeInvalidHash, "file hash must be 64 lowercase hex chars"))
		return
	}

	if match := c.GetHeader("If-None-Match"); match == `"`+hash+`"` {
		c.Status(http.StatusNotModified)
		return
	}

	data, meta, err := h.Files.Get(c.Request.Context(), projectID, hash)
	if err != nil {
		writeFileErr(c, err)
		return
	}

	setFileHeaders(c, meta, c.Query("inline") != "false")
	c.Data(http.StatusOK, contentTypeFor(meta), data)
}

// headFile serves metadata without bytes (§4.C head).
func (h *Handler) headFile(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	hash := c.Param("hash")
	if !filestore.ValidateHash(hash) {
		writeErr(c, apierr.BadRequest(apierr.CodeInvalidHash, "file hash must be 64 lowercase hex chars"))
		return
	}
	meta, err := h.Files.Head(c.Request.Context(), projectID, hash)
	if err != nil {
		writeFileErr(c, err)
		return
	}
	setFileHeaders(c, meta, c.Query("inline") != "false")
	c.Header("Content-Length", intString(meta.SizeBytes))
	c.Status(http.StatusOK)
}

func setFileHeaders(c *gin.Context, meta *filestore.FileMeta, inline bool) {
	c.Header("ETag", `"`+meta.Hash+`"`)
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	disposition := "attachment"
	if inline {
		disposition = "inline"
	}
	c.Header("Content-Disposition", disposition+`; filename="`+meta.Hash+`"`)
}

func contentTypeFor(meta *filestore.FileMeta) string {
	if meta.MediaType != "" {
		return meta.MediaType
	}
	return "application/octet-stream"
}

func writeFileErr(c *gin.Context, err error) {
	if errors.Is(err, dataerr.ErrNotFound) {
		writeErr(c, apierr.NotFound(apierr.CodeFileNotFound, "no such file for this project"))
		return
	}
	var derr *dataerr.Error
	if errors.As(err, &derr) && derr.Kind == dataerr.KindInvalidArgument {
		writeErr(c, apierr.BadRequest(apierr.CodeInvalidHash, "malformed file hash"))
		return
	}
	writeErr(c, apierr.Internal("FILE_READ_FAILED", "file retrieval failed"))
}

func intString(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
