package middleware

import (
	stderrors "errors"
	"net/http"

	"duet/internal/core/domain"
	"duet/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// sentinelErrors maps bare domain errors that reach the boundary without an
// AppError wrapper.
var sentinelErrors = []struct {
	err  error
	code errors.ErrorCode
	http int
}{
	{domain.ErrRoomNotFound, errors.ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrParticipantNotFound, errors.ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrRoomExists, errors.ErrCodeConflict, http.StatusConflict},
	{domain.ErrUserExists, errors.ErrCodeConflict, http.StatusConflict},
	{domain.ErrInvalidRole, errors.ErrCodeValidation, http.StatusBadRequest},
	{domain.ErrInvalidCredentials, errors.ErrCodeAuthentication, http.StatusUnauthorized},
	{domain.ErrInvalidToken, errors.ErrCodeAuthentication, http.StatusUnauthorized},
	{domain.ErrInvalidPassword, errors.ErrCodeAuthorization, http.StatusForbidden},
	{domain.ErrRoleMismatch, errors.ErrCodeAuthorization, http.StatusForbidden},
	{domain.ErrForbidden, errors.ErrCodeAuthorization, http.StatusForbidden},
}

func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	for _, s := range sentinelErrors {
		if stderrors.Is(err, s.err) {
			return errors.WrapError(err, s.code, s.err.Error(), s.http)
		}
	}
	return nil
}

// ErrorHandlerMiddleware turns the last handler error into a JSON response.
// The error field is always a human-readable message.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := toAppError(err); appErr != nil {
			log := logger.Infow
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log = logger.Errorw
			}
			log("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
				"cause", appErr.Cause,
			)

			body := gin.H{
				"error": appErr.Message,
				"code":  string(appErr.Code),
			}
			if len(appErr.Context) > 0 {
				body["details"] = appErr.Context
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
			"code":  string(errors.ErrCodeInternal),
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
					"code":  string(errors.ErrCodeInternal),
				})
			}
		}()

		c.Next()
	}
}
