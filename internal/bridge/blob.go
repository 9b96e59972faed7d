package bridge

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sudooom.im.client/internal/blob"
)

// BlobPath 文件读取路由前缀，memory/local 后端的引用指向这里
const BlobPath = "/api/v1/blobs/"

// getBlob 读取已上传的文件。<img> 无法携带 token，因此不做鉴权
// GET /api/v1/blobs/*key
func (s *Server) getBlob(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.Status(http.StatusNotFound)
		return
	}

	data, contentType, err := s.deps.Blobs.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		s.logger.Warn("Failed to read blob", "key", key, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, contentType, data)
}
