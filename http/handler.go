// Package http serves the S3-compatible object API and the JSON
// management API.
package http

import (
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/capsulefs/capsule"
)

// CORSConfig controls cross-origin behavior of the whole server.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// HandlerConfig wires the HTTP surface.
type HandlerConfig struct {
	CORS          CORSConfig
	JWTSecret     string
	TokenTTL      time.Duration
	MaxUploadSize int64
	// DetectDrives lists candidate volume mounts for the management API.
	DetectDrives func() ([]capsule.CapacityInfo, error)
}

// Handler serves both API surfaces on one router.
type Handler struct {
	svc *capsule.Service
	cfg HandlerConfig
}

func NewHandler(svc *capsule.Service, cfg HandlerConfig) *Handler {
	return &Handler{svc: svc, cfg: cfg}
}

// Router builds the route tree: the JSON management API under /api and
// the S3 surface at the root. Bucket administration on the S3 surface
// needs a management bearer token; object operations authenticate with
// a pre-signed URL or the bucket policy.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	if h.cfg.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.cfg.CORS.AllowedOrigins,
			AllowedMethods:   h.cfg.CORS.AllowedMethods,
			AllowedHeaders:   h.cfg.CORS.AllowedHeaders,
			ExposedHeaders:   h.cfg.CORS.ExposedHeaders,
			AllowCredentials: h.cfg.CORS.AllowCredentials,
			MaxAge:           h.cfg.CORS.MaxAge,
		}))
	}

	r.Mount("/api", h.adminRouter())

	auth := JWTMiddleware(h.cfg.JWTSecret)

	r.With(auth).Get("/", h.handleListBuckets)

	r.Route("/{bucket}", func(r chi.Router) {
		r.With(auth).Put("/", h.handleCreateBucket)
		r.With(auth).Delete("/", h.handleDeleteBucket)
		r.Get("/", h.handleListObjects)
		r.Head("/", h.handleHeadBucket)

		r.Put("/*", h.handlePutObject)
		r.Get("/*", h.handleGetObject)
		r.Head("/*", h.handleHeadObject)
		r.Delete("/*", h.handleDeleteObject)
		r.Post("/*", h.handlePostObject)
	})

	return r
}

func bucketKey(r *http.Request) (bucket, key string) {
	bucket = chi.URLParam(r, "bucket")
	key = strings.TrimPrefix(r.URL.Path, "/"+bucket+"/")
	return bucket, key
}

func presignParams(r *http.Request) capsule.PresignedURLParams {
	q := r.URL.Query()
	return capsule.PresignedURLParams{
		Signature: q.Get("signature"),
		Expires:   q.Get("expires"),
		Operation: q.Get("operation"),
	}
}

// authorize checks the request against the bucket's pre-signed signature
// or policy.
func (h *Handler) authorize(r *http.Request, b *capsule.Bucket, key, action, operation string) error {
	principal := r.Header.Get("x-amz-access-key")
	return h.svc.AuthorizeObjectAccess(b, key, action, operation, presignParams(r), principal, time.Now())
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := r.Body
	if h.cfg.MaxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize)
	}
	return io.ReadAll(body)
}

// copyConditions reads the x-amz-copy-source-if-* preconditions.
func copyConditions(hdr http.Header) *capsule.CopyConditions {
	c := &capsule.CopyConditions{
		IfMatch:     hdr.Get("x-amz-copy-source-if-match"),
		IfNoneMatch: hdr.Get("x-amz-copy-source-if-none-match"),
	}
	if t, err := http.ParseTime(hdr.Get("x-amz-copy-source-if-modified-since")); err == nil {
		c.IfModifiedSince = &t
	}
	if t, err := http.ParseTime(hdr.Get("x-amz-copy-source-if-unmodified-since")); err == nil {
		c.IfUnmodifiedSince = &t
	}
	if c.IfMatch == "" && c.IfNoneMatch == "" && c.IfModifiedSince == nil && c.IfUnmodifiedSince == nil {
		return nil
	}
	return c
}

func metadataFromHeaders(hdr http.Header) map[string]string {
	var meta map[string]string
	for name, values := range hdr {
		lower := strings.ToLower(name)
		if after, ok := strings.CutPrefix(lower, "x-amz-meta-"); ok && len(values) > 0 {
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[after] = values[0]
		}
	}
	return meta
}

// Buckets.

func (h *Handler) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.svc.ListBuckets(r.Context())
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	doc := listAllMyBucketsResult{Owner: owner{ID: "capsule", DisplayName: "capsule"}}
	for _, b := range buckets {
		doc.Buckets.Bucket = append(doc.Buckets.Bucket, bucketEntry{
			Name:         b.Name,
			CreationDate: s3Time(b.CreatedAt),
		})
	}
	writeXML(w, http.StatusOK, doc)
}

func (h *Handler) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	if _, err := h.svc.CreateBucket(r.Context(), bucket, 0, 0); err != nil {
		writeS3Error(w, r, err)
		return
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteBucket(r.Context(), chi.URLParam(r, "bucket")); err != nil {
		writeS3Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHeadBucket(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.Bucket(r.Context(), chi.URLParam(r, "bucket")); err != nil {
		_, status := s3ErrorFor(err)
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleListObjects(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	q := r.URL.Query()

	b, err := h.svc.Bucket(r.Context(), bucket)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	if _, versions := q["versions"]; versions {
		h.listVersions(w, r, b, q.Get("prefix"))
		return
	}

	if err := h.authorize(r, b, "", "s3:ListBucket", capsule.PresignGet); err != nil {
		writeS3Error(w, r, err)
		return
	}

	maxKeys := 0
	if raw := q.Get("max-keys"); raw != "" {
		maxKeys, _ = strconv.Atoi(raw)
	}

	res, err := h.svc.ListObjects(r.Context(), bucket, capsule.ListObjectsQuery{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		MaxKeys:   maxKeys,
	})
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	doc := listBucketResult{
		Name:        bucket,
		Prefix:      q.Get("prefix"),
		Delimiter:   q.Get("delimiter"),
		MaxKeys:     maxKeys,
		IsTruncated: res.IsTruncated,
	}
	for _, obj := range res.Objects {
		doc.Contents = append(doc.Contents, objectEntry{
			Key:          obj.ObjectKey,
			LastModified: s3Time(obj.CreatedAt),
			ETag:         `"` + obj.ETag + `"`,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, cp := range res.CommonPrefixes {
		doc.CommonPrefixes = append(doc.CommonPrefixes, commonPrefix{Prefix: cp})
	}
	if q.Get("list-type") == "2" {
		n := len(doc.Contents) + len(doc.CommonPrefixes)
		doc.KeyCount = &n
	}
	writeXML(w, http.StatusOK, doc)
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request, b *capsule.Bucket, prefix string) {
	if err := h.authorize(r, b, "", "s3:ListBucketVersions", capsule.PresignGet); err != nil {
		writeS3Error(w, r, err)
		return
	}

	versions, err := h.svc.ListObjectVersions(r.Context(), b.Name, prefix)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	doc := listVersionsResult{Name: b.Name, Prefix: prefix}
	for _, v := range versions {
		if v.IsDeleteMarker {
			doc.DeleteMarker = append(doc.DeleteMarker, markerEntry{
				Key:          v.Key,
				VersionID:    v.VersionID,
				IsLatest:     v.IsLatest,
				LastModified: s3Time(v.CreatedAt),
			})
			continue
		}
		doc.Version = append(doc.Version, versionEntry{
			Key:          v.Key,
			VersionID:    v.VersionID,
			IsLatest:     v.IsLatest,
			LastModified: s3Time(v.CreatedAt),
			ETag:         `"` + v.ETag + `"`,
			Size:         v.Size,
		})
	}
	writeXML(w, http.StatusOK, doc)
}

// Objects.

func (h *Handler) handlePutObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := bucketKey(r)
	q := r.URL.Query()

	b, err := h.svc.Bucket(r.Context(), bucket)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	if err := h.authorize(r, b, key, "s3:PutObject", capsule.PresignPut); err != nil {
		writeS3Error(w, r, err)
		return
	}

	if uploadID := q.Get("uploadId"); uploadID != "" && q.Get("partNumber") != "" {
		h.uploadPart(w, r, bucket, key, uploadID)
		return
	}

	if src := r.Header.Get("x-amz-copy-source"); src != "" {
		h.copyObject(w, r, bucket, key, src)
		return
	}

	data, err := h.readBody(w, r)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	ssec, err := capsule.ParseSSECHeaders(r.Header)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	loc, err := h.svc.PutObject(r.Context(), bucket, key, data, capsule.PutOptions{
		ContentType:  r.Header.Get("Content-Type"),
		Metadata:     metadataFromHeaders(r.Header),
		SSEC:         ssec,
		RequestSSES3: r.Header.Get(capsule.SSEHeader) == capsule.SSEAlgorithmAES256,
	})
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	w.Header().Set("ETag", `"`+loc.ETag+`"`)
	if loc.VersionID != "" {
		w.Header().Set("x-amz-version-id", loc.VersionID)
	}
	setEncryptionHeaders(w.Header(), loc.Encryption)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) copyObject(w http.ResponseWriter, r *http.Request, bucket, key, src string) {
	srcBucket, srcKey, ok := strings.Cut(strings.TrimPrefix(src, "/"), "/")
	if !ok || srcBucket == "" || srcKey == "" {
		writeS3Error(w, r, capsule.ErrInvalidArgument)
		return
	}

	ssec, err := capsule.ParseSSECHeaders(r.Header)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	if directive == "" {
		directive = capsule.MetadataDirectiveCopy
	}

	loc, err := h.svc.CopyObject(r.Context(), srcBucket, srcKey, bucket, key, capsule.CopyOptions{
		PutOptions: capsule.PutOptions{
			ContentType: r.Header.Get("Content-Type"),
			Metadata:    metadataFromHeaders(r.Header),
			SSEC:        ssec,
		},
		Conditions:        copyConditions(r.Header),
		MetadataDirective: directive,
	})
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	if loc.VersionID != "" {
		w.Header().Set("x-amz-version-id", loc.VersionID)
	}
	writeXML(w, http.StatusOK, copyObjectResult{
		ETag:         `"` + loc.ETag + `"`,
		LastModified: s3Time(loc.CreatedAt),
	})
}

func (h *Handler) uploadPart(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	partNumber, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil {
		writeS3Error(w, r, capsule.ErrInvalidArgument)
		return
	}

	data, err := h.readBody(w, r)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	part, err := h.svc.UploadPart(r.Context(), bucket, uploadID, partNumber, data)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	w.Header().Set("ETag", `"`+part.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := bucketKey(r)
	q := r.URL.Query()

	b, err := h.svc.Bucket(r.Context(), bucket)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	if err := h.authorize(r, b, key, "s3:GetObject", capsule.PresignGet); err != nil {
		writeS3Error(w, r, err)
		return
	}

	if uploadID := q.Get("uploadId"); uploadID != "" {
		h.listParts(w, r, bucket, key, uploadID)
		return
	}

	ssec, err := capsule.ParseSSECHeaders(r.Header)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	loc, data, err := h.svc.GetObject(r.Context(), bucket, key, q.Get("versionId"), ssec)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	setObjectHeaders(w.Header(), loc)
	w.Header().Set("Content-Length", strconv.FormatInt(int64(len(data)), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) listParts(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	_, parts, err := h.svc.ListUploadParts(r.Context(), bucket, uploadID)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	doc := listPartsResult{Bucket: bucket, Key: key, UploadID: uploadID}
	for _, p := range parts {
		doc.Part = append(doc.Part, partEntry{
			PartNumber:   p.PartNumber,
			LastModified: s3Time(p.UploadedAt),
			ETag:         `"` + p.ETag + `"`,
			Size:         p.Size,
		})
	}
	writeXML(w, http.StatusOK, doc)
}

func (h *Handler) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := bucketKey(r)

	b, err := h.svc.Bucket(r.Context(), bucket)
	if err != nil {
		_, status := s3ErrorFor(err)
		w.WriteHeader(status)
		return
	}

	if err := h.authorize(r, b, key, "s3:GetObject", capsule.PresignGet); err != nil {
		_, status := s3ErrorFor(err)
		w.WriteHeader(status)
		return
	}

	loc, err := h.svc.HeadObject(r.Context(), bucket, key, r.URL.Query().Get("versionId"))
	if err != nil {
		_, status := s3ErrorFor(err)
		w.WriteHeader(status)
		return
	}

	setObjectHeaders(w.Header(), loc)
	w.Header().Set("Content-Length", strconv.FormatInt(loc.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := bucketKey(r)
	q := r.URL.Query()

	b, err := h.svc.Bucket(r.Context(), bucket)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	if err := h.authorize(r, b, key, "s3:DeleteObject", capsule.PresignDelete); err != nil {
		writeS3Error(w, r, err)
		return
	}

	if uploadID := q.Get("uploadId"); uploadID != "" {
		if err := h.svc.AbortMultipartUpload(r.Context(), bucket, uploadID); err != nil {
			writeS3Error(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	marker, err := h.svc.DeleteObject(r.Context(), bucket, key, q.Get("versionId"))
	if err != nil {
		writeS3Error(w, r, err)
		return
	}
	if marker != "" {
		w.Header().Set("x-amz-delete-marker", "true")
		w.Header().Set("x-amz-version-id", marker)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePostObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := bucketKey(r)
	q := r.URL.Query()

	b, err := h.svc.Bucket(r.Context(), bucket)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	if err := h.authorize(r, b, key, "s3:PutObject", capsule.PresignPut); err != nil {
		writeS3Error(w, r, err)
		return
	}

	if _, initiate := q["uploads"]; initiate {
		u, err := h.svc.InitiateMultipartUpload(r.Context(), bucket, key,
			r.Header.Get("Content-Type"), metadataFromHeaders(r.Header))
		if err != nil {
			writeS3Error(w, r, err)
			return
		}
		writeXML(w, http.StatusOK, initiateMultipartUploadResult{
			Bucket:   bucket,
			Key:      key,
			UploadID: u.UploadID,
		})
		return
	}

	if uploadID := q.Get("uploadId"); uploadID != "" {
		h.completeUpload(w, r, bucket, key, uploadID)
		return
	}

	writeS3Error(w, r, capsule.ErrInvalidArgument)
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) {
	var req completeMultipartUpload
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		writeS3Error(w, r, capsule.ErrInvalidArgument)
		return
	}

	declared := make([]capsule.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		declared = append(declared, capsule.CompletedPart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
	}

	loc, err := h.svc.CompleteMultipartUpload(r.Context(), bucket, uploadID, declared)
	if err != nil {
		writeS3Error(w, r, err)
		return
	}

	if loc.VersionID != "" {
		w.Header().Set("x-amz-version-id", loc.VersionID)
	}
	writeXML(w, http.StatusOK, completeMultipartUploadResult{
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     `"` + loc.ETag + `"`,
	})
}

func setObjectHeaders(hdr http.Header, loc *capsule.ObjectLocation) {
	hdr.Set("ETag", `"`+loc.ETag+`"`)
	if loc.ContentType != "" {
		hdr.Set("Content-Type", loc.ContentType)
	}
	hdr.Set("Last-Modified", loc.CreatedAt.UTC().Format(http.TimeFormat))
	if loc.VersionID != "" {
		hdr.Set("x-amz-version-id", loc.VersionID)
	}
	for k, v := range loc.Metadata {
		hdr.Set("x-amz-meta-"+k, v)
	}
	setEncryptionHeaders(hdr, loc.Encryption)
}

func setEncryptionHeaders(hdr http.Header, env *capsule.EncryptionEnvelope) {
	if env == nil {
		return
	}
	switch env.Type {
	case capsule.EncryptionTypeSSES3:
		hdr.Set(capsule.SSEHeader, capsule.SSEAlgorithmAES256)
	case capsule.EncryptionTypeSSEC:
		hdr.Set(capsule.SSECAlgorithmHeader, capsule.SSEAlgorithmAES256)
		if env.KeyMD5 != "" {
			hdr.Set(capsule.SSECKeyMD5Header, env.KeyMD5)
		}
	}
}
