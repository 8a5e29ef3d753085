package daemon

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ginLogger writes access logs to logger. Successful requests are logged at
// debug level; the event stream is logged when it ends.
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// other handler can change c.Path so:
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		latency := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		entry := logger.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    latency, // ms
			"method":     c.Request.Method,
			"path":       path,
			"dataLength": dataLength,
		})

		msg := fmt.Sprintf("%s %s %d (%dms)", c.Request.Method, path, statusCode, latency)
		switch {
		case len(c.Errors) > 0 && statusCode >= http.StatusInternalServerError:
			entry.WithField("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()).Error(msg)
		case len(c.Errors) > 0 || statusCode >= http.StatusBadRequest:
			entry.WithField("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()).Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}
