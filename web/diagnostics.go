package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/checkpoint"
	"github.com/infigaming-com/go-eventhubs/errors"
	"github.com/infigaming-com/go-eventhubs/recoverable"
	"github.com/infigaming-com/go-eventhubs/util"
)

// StatusSource is implemented by recoverable.ConnectionGuard and
// eventhubs.Client.
type StatusSource interface {
	Status() recoverable.Status
}

func (s *Server) healthcheck(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, gin.H{"state": "ok"})
		return
	}
	st := s.status.Status()
	code := http.StatusOK
	if st.State == recoverable.StateClosed.String() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

func (s *Server) listCheckpoints(c *gin.Context) {
	checkpoints, err := s.store.ListCheckpoints(c.Request.Context(),
		c.Param("namespace"), c.Param("eventhub"), c.Param("group"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if partition := c.Query("partition"); partition != "" {
		checkpoints = lo.Filter(checkpoints, func(cp checkpoint.Checkpoint, _ int) bool {
			return cp.PartitionID == partition
		})
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints})
}

// listOwnership returns every ownership record of a consumer group, or only
// the claimed ones with ?owned=true.
func (s *Server) listOwnership(c *gin.Context) {
	owners, err := s.store.ListOwnership(c.Request.Context(),
		c.Param("namespace"), c.Param("eventhub"), c.Param("group"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if c.Query("owned") == "true" {
		owners = lo.Filter(owners, func(o checkpoint.Ownership, _ int) bool { return o.Owned() })
	}
	c.JSON(http.StatusOK, gin.H{"ownership": owners})
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	switch errors.KindOf(err) {
	case errors.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.KindCancelled:
		c.Status(http.StatusRequestTimeout)
	default:
		util.CtxLogger(c.Request.Context(), s.lg).Error("diagnostics query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
