package http

import (
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/capsulefs/capsule"
)

// s3ErrorFor maps a service error onto an S3 error code and HTTP status.
func s3ErrorFor(err error) (code string, status int) {
	switch {
	case errors.Is(err, capsule.ErrNoSuchBucket):
		return "NoSuchBucket", http.StatusNotFound
	case errors.Is(err, capsule.ErrNoSuchKey):
		return "NoSuchKey", http.StatusNotFound
	case errors.Is(err, capsule.ErrNoSuchVersion):
		return "NoSuchVersion", http.StatusNotFound
	case errors.Is(err, capsule.ErrNoSuchUpload):
		return "NoSuchUpload", http.StatusNotFound
	case errors.Is(err, capsule.ErrInvalidPart):
		return "InvalidPart", http.StatusBadRequest
	case errors.Is(err, capsule.ErrBucketExists):
		return "BucketAlreadyExists", http.StatusConflict
	case errors.Is(err, capsule.ErrBucketNotEmpty):
		return "BucketNotEmpty", http.StatusConflict
	case errors.Is(err, capsule.ErrSignatureMismatch):
		return "SignatureDoesNotMatch", http.StatusForbidden
	case errors.Is(err, capsule.ErrAccessDenied):
		return "AccessDenied", http.StatusForbidden
	case errors.Is(err, capsule.ErrUnauthorized):
		return "AccessDenied", http.StatusUnauthorized
	case errors.Is(err, capsule.ErrPreconditionFailed):
		return "PreconditionFailed", http.StatusPreconditionFailed
	case errors.Is(err, capsule.ErrInsufficientStorage):
		return "InsufficientStorage", http.StatusInsufficientStorage
	case errors.Is(err, capsule.ErrInvalidArgument):
		return "InvalidArgument", http.StatusBadRequest
	case errors.Is(err, capsule.ErrNotFound):
		return "NotFound", http.StatusNotFound
	default:
		return "InternalError", http.StatusInternalServerError
	}
}

// writeS3Error renders the error as an S3 XML error document.
func writeS3Error(w http.ResponseWriter, r *http.Request, err error) {
	code, status := s3ErrorFor(err)
	if status >= 500 {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	}

	doc := errorDocument{
		Code:      code,
		Message:   err.Error(),
		Resource:  r.URL.Path,
		RequestID: uuid.NewString(),
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	if encErr := xml.NewEncoder(w).Encode(doc); encErr != nil {
		slog.Error("encode error document", "error", encErr)
	}
}
