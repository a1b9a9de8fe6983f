package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capsulefs/capsule"
)

// writeServiceError translates a service error into the management API's
// JSON error shape, reusing the S3 status mapping.
func writeServiceError(w http.ResponseWriter, err error) {
	code, status := s3ErrorFor(err)
	WriteError(w, status, code, err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body", capsule.ErrInvalidArgument)
	}
	return nil
}

// adminRouter serves the JSON management API. Everything except login
// requires a bearer token; volume and user administration additionally
// require the superadmin role.
func (h *Handler) adminRouter() http.Handler {
	r := chi.NewRouter()

	r.Post("/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(h.cfg.JWTSecret))

		r.Get("/auth/me", h.handleMe)

		r.Route("/volumes", func(r chi.Router) {
			r.Get("/", h.handleListVolumes)
			r.Get("/detect-drives", h.handleDetectDrives)
			r.With(h.requireSuperAdmin).Post("/", h.handleCreateVolume)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/capacity", h.handleVolumeCapacity)
				r.With(h.requireSuperAdmin).Patch("/", h.handleUpdateVolume)
				r.With(h.requireSuperAdmin).Delete("/", h.handleDeleteVolume)
			})
		})

		r.With(h.requireSuperAdmin).Post("/users", h.handleCreateUser)

		r.Route("/buckets", func(r chi.Router) {
			r.Get("/", h.handleAdminListBuckets)
			r.Post("/", h.handleAdminCreateBucket)
			r.Route("/{bucket}", func(r chi.Router) {
				r.Get("/", h.handleAdminGetBucket)
				r.Patch("/", h.handleAdminUpdateBucket)
				r.Delete("/", h.handleAdminDeleteBucket)
				r.Post("/keys", h.handleRegenerateKeys)
				r.Get("/distribution", h.handleDistribution)
				r.Get("/objects", h.handleAdminListObjects)
				r.Post("/folders", h.handleCreateFolder)
				r.Put("/versioning", h.handleSetVersioning)
				r.Get("/versions", h.handleAdminListVersions)
				r.Post("/restore", h.handleRestoreVersion)
				r.Post("/presign", h.handlePresign)
				r.Get("/policy", h.handleGetPolicy)
				r.Put("/policy", h.handlePutPolicy)
				r.Delete("/policy", h.handleDeletePolicy)
				r.Get("/cors", h.handleGetCORS)
				r.Put("/cors", h.handlePutCORS)
				r.Delete("/cors", h.handleDeleteCORS)
				r.Get("/notifications", h.handleListNotifications)
				r.Post("/notifications", h.handleCreateNotification)
				r.Post("/notifications/test", h.handleTestNotification)
				r.Delete("/notifications/{id}", h.handleDeleteNotification)
			})
		})
	})

	return r
}

func (h *Handler) requireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Role != capsule.RoleSuperAdmin {
			WriteError(w, http.StatusForbidden, "Forbidden", "superadmin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Auth.

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	u, err := h.svc.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	token, err := IssueToken(h.cfg.JWTSecret, u, h.cfg.TokenTTL)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"token": token, "user": u})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{
		"email": claims.Email,
		"role":  claims.Role,
	})
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	u, err := h.svc.CreateUser(r.Context(), req.Email, req.Password, req.FullName, req.Role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, u)
}

// Volumes.

func (h *Handler) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	volumes, err := h.svc.ListVolumes(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, volumes)
}

func (h *Handler) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		Path      string `json:"path"`
		Capacity  int64  `json:"capacity"`
		IsDefault bool   `json:"is_default"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	v, err := h.svc.CreateVolume(r.Context(), req.Name, req.Path, req.Capacity, req.IsDefault)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, v)
}

func volumeID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid volume id", capsule.ErrInvalidArgument)
	}
	return id, nil
}

func (h *Handler) handleUpdateVolume(w http.ResponseWriter, r *http.Request) {
	id, err := volumeID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var req struct {
		Name      *string `json:"name"`
		Path      *string `json:"path"`
		Capacity  *int64  `json:"capacity"`
		IsDefault *bool   `json:"is_default"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	v, err := h.svc.UpdateVolume(r.Context(), id, capsule.VolumeUpdate{
		Name:      req.Name,
		Path:      req.Path,
		Capacity:  req.Capacity,
		IsDefault: req.IsDefault,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	id, err := volumeID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.svc.DeleteVolume(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVolumeCapacity(w http.ResponseWriter, r *http.Request) {
	id, err := volumeID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	v, err := h.svc.Volume(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	info, err := h.svc.VolumeCapacity(v.Path)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

func (h *Handler) handleDetectDrives(w http.ResponseWriter, r *http.Request) {
	if h.cfg.DetectDrives == nil {
		WriteError(w, http.StatusNotImplemented, "NotImplemented", "drive detection is unavailable")
		return
	}
	drives, err := h.cfg.DetectDrives()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, drives)
}

// Buckets.

func (h *Handler) handleAdminListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.svc.ListBuckets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buckets)
}

func (h *Handler) handleAdminCreateBucket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		VolumeID int64  `json:"volume_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	var ownerID int64
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		ownerID = claims.UserID
	}

	b, err := h.svc.CreateBucket(r.Context(), req.Name, req.VolumeID, ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, b)
}

func (h *Handler) handleAdminGetBucket(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Bucket(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) handleAdminUpdateBucket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VolumeID          *int64  `json:"volume_id"`
		VersioningEnabled *bool   `json:"versioning_enabled"`
		EncryptionEnabled *bool   `json:"encryption_enabled"`
		EncryptionType    *string `json:"encryption_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	b, err := h.svc.UpdateBucket(r.Context(), chi.URLParam(r, "bucket"), capsule.BucketUpdate{
		VolumeID:          req.VolumeID,
		VersioningEnabled: req.VersioningEnabled,
		EncryptionEnabled: req.EncryptionEnabled,
		EncryptionType:    req.EncryptionType,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) handleAdminDeleteBucket(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteBucket(r.Context(), chi.URLParam(r, "bucket")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRegenerateKeys(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.RegenerateBucketKeys(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// The new secret is shown exactly once, on rotation.
	WriteJSON(w, http.StatusOK, map[string]any{
		"access_key": b.AccessKey,
		"secret_key": b.SecretKey,
	})
}

func (h *Handler) handleDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := h.svc.BucketDistribution(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, dist)
}

func (h *Handler) handleAdminListObjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxKeys := 0
	if raw := q.Get("max_keys"); raw != "" {
		maxKeys, _ = strconv.Atoi(raw)
	}

	res, err := h.svc.ListObjects(r.Context(), chi.URLParam(r, "bucket"), capsule.ListObjectsQuery{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		MaxKeys:   maxKeys,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	loc, err := h.svc.CreateFolder(r.Context(), chi.URLParam(r, "bucket"), req.Key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, loc)
}

func (h *Handler) handleSetVersioning(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	b, err := h.svc.SetBucketVersioning(r.Context(), chi.URLParam(r, "bucket"), req.Enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) handleAdminListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.svc.ListObjectVersions(r.Context(), chi.URLParam(r, "bucket"), r.URL.Query().Get("prefix"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, versions)
}

func (h *Handler) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string `json:"key"`
		VersionID string `json:"version_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	v, err := h.svc.RestoreVersion(r.Context(), chi.URLParam(r, "bucket"), req.Key, req.VersionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string `json:"key"`
		Operation string `json:"operation"`
		ExpiresIn int64  `json:"expires_in"` // seconds
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	switch req.Operation {
	case capsule.PresignGet, capsule.PresignPut, capsule.PresignDelete:
	default:
		writeServiceError(w, fmt.Errorf("%w: operation must be GET, PUT or DELETE", capsule.ErrInvalidArgument))
		return
	}
	if req.ExpiresIn <= 0 || time.Duration(req.ExpiresIn)*time.Second > capsule.MaxPresignExpiry {
		writeServiceError(w, fmt.Errorf("%w: expires_in out of range", capsule.ErrInvalidArgument))
		return
	}

	bucket := chi.URLParam(r, "bucket")
	b, err := h.svc.Bucket(r.Context(), bucket)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	expires := time.Now().Add(time.Duration(req.ExpiresIn) * time.Second).Unix()
	signature := capsule.SignPresigned(b.SecretKey, req.Operation, bucket, req.Key, expires)

	WriteJSON(w, http.StatusOK, map[string]any{
		"url": fmt.Sprintf("/%s/%s?signature=%s&expires=%d&operation=%s",
			bucket, req.Key, signature, expires, req.Operation),
		"signature": signature,
		"expires":   expires,
		"operation": req.Operation,
	})
}

// Policy.

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Bucket(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if b.Policy == "" {
		WriteError(w, http.StatusNotFound, "NoSuchBucketPolicy", "the bucket has no policy")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(b.Policy))
}

func (h *Handler) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := h.readBody(w, r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	doc, err := capsule.ParsePolicy(raw)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := doc.Validate(); err != nil {
		writeServiceError(w, err)
		return
	}

	policy := string(raw)
	if _, err := h.svc.UpdateBucket(r.Context(), chi.URLParam(r, "bucket"), capsule.BucketUpdate{Policy: &policy}); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	empty := ""
	if _, err := h.svc.UpdateBucket(r.Context(), chi.URLParam(r, "bucket"), capsule.BucketUpdate{Policy: &empty}); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CORS.

func (h *Handler) handleGetCORS(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.BucketCORS(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rules)
}

func (h *Handler) handlePutCORS(w http.ResponseWriter, r *http.Request) {
	var rules []capsule.CORSRule
	if err := decodeJSON(r, &rules); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.svc.PutBucketCORS(r.Context(), chi.URLParam(r, "bucket"), rules); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteCORS(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteBucketCORS(r.Context(), chi.URLParam(r, "bucket")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Notifications.

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	subs, err := h.svc.ListNotifications(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, subs)
}

func (h *Handler) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType  string `json:"event_type"`
		WebhookURL string `json:"webhook_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	sub, err := h.svc.CreateNotification(r.Context(), chi.URLParam(r, "bucket"), req.EventType, req.WebhookURL)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WebhookURL string `json:"webhook_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	if err := h.svc.TestNotification(r.Context(), chi.URLParam(r, "bucket"), req.WebhookURL); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (h *Handler) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeServiceError(w, fmt.Errorf("%w: invalid notification id", capsule.ErrInvalidArgument))
		return
	}
	if err := h.svc.DeleteNotification(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
