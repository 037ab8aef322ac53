package api

import (
	"net/http"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/dunamismax/flipcut/internal/pipeline"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidUpload:
		return http.StatusBadRequest
	case domain.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case domain.KindDecode:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindCredentialRejected, domain.KindUpstream:
		return http.StatusBadGateway
	case domain.KindNetworkFailure:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides the detail of server-side faults, which can carry
// storage paths. Client-facing kinds keep their full diagnostic.
func publicMessage(err error, kind domain.ErrorKind) string {
	switch kind {
	case domain.KindStorage:
		return domain.ErrStorage.Error()
	case domain.KindInternal:
		return "internal error"
	case domain.KindNotFound:
		return domain.ErrNotFound.Error()
	default:
		return err.Error()
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)
	body := gin.H{
		"error": publicMessage(err, kind),
		"kind":  kind,
	}
	if stage, ok := pipeline.StageOf(err); ok {
		body["stage"] = stage
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, body)
}
