package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/auth"
	"github.com/molpadia/molpadrive/internal/gc"
	"github.com/molpadia/molpadrive/internal/session"
)

// MaxRequestSize caps JSON request bodies.
const MaxRequestSize = 1 << 20

type controller struct {
	sessions  *session.Coordinator
	collector *gc.Collector
	validate  *validator.Validate
}

func newController(sessions *session.Coordinator, collector *gc.Collector) *controller {
	v := validator.New()
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &controller{sessions: sessions, collector: collector, validate: v}
}

// Initiate a multipart upload session for the caller.
func (c *controller) initiate(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	var req InitiateRequest
	if err := c.parseJSON(w, r, &req); err != nil {
		return err
	}
	out, err := c.sessions.Initiate(r.Context(), actor, session.InitiateInput{
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		ContentType: req.ContentType,
		Folder:      req.Folder,
		SubPath:     req.SubPath,
	})
	if err != nil {
		return err
	}
	return replyJSON(w, InitiateResponse{UploadID: out.UploadID, Key: out.Key, Plan: out.Plan}, http.StatusCreated)
}

// Get the status of an upload session.
func (c *controller) getUpload(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	s, err := c.sessions.Get(r.Context(), actor, mux.Vars(r)["uploadId"])
	if err != nil {
		return err
	}
	return replyJSON(w, s, http.StatusOK)
}

// Sign the upload of one part.
func (c *controller) signPart(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	n, err := strconv.ParseInt(mux.Vars(r)["partNumber"], 10, 64)
	if err != nil {
		return apperr.Validation("part number must be an integer")
	}
	g, err := c.sessions.SignPart(r.Context(), actor, mux.Vars(r)["uploadId"], n)
	if err != nil {
		return err
	}
	return replyJSON(w, GrantResponse{PresignedURL: g.URL, PartNumber: g.PartNumber, ExpiresAt: g.ExpiresAt}, http.StatusOK)
}

// List the parts the object store holds for an upload.
func (c *controller) listParts(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	parts, err := c.sessions.ListParts(r.Context(), actor, mux.Vars(r)["uploadId"])
	if err != nil {
		return err
	}
	return replyJSON(w, PartsResponse{Parts: parts}, http.StatusOK)
}

// Finalize an upload from the client's part list.
func (c *controller) complete(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	var req CompleteRequest
	if err := c.parseJSON(w, r, &req); err != nil {
		return err
	}
	out, err := c.sessions.Complete(r.Context(), actor, mux.Vars(r)["uploadId"], req.Parts)
	if err != nil {
		return err
	}
	return replyJSON(w, CompleteResponse{Location: out.Location, ETag: out.ETag, Key: out.Key}, http.StatusOK)
}

// Abort an upload. The request body is optional.
func (c *controller) abort(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	var req AbortRequest
	if err := c.parseJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	if err := c.sessions.Abort(r.Context(), actor, mux.Vars(r)["uploadId"], req.Key); err != nil {
		return err
	}
	return replyJSON(w, OKResponse{OK: true}, http.StatusOK)
}

// Report the caller's storage usage.
func (c *controller) quota(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	p, err := c.sessions.Usage(r.Context(), actor)
	if err != nil {
		return err
	}
	return replyJSON(w, QuotaResponse{StorageUsed: p.StorageUsed, StorageLimit: p.StorageLimit, Role: p.Role}, http.StatusOK)
}

// Abort stale sessions and orphaned provider uploads. Admins only.
func (c *controller) cleanup(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	p, err := c.sessions.Usage(r.Context(), actor)
	if err != nil {
		return err
	}
	if !p.Role.CanOperate() {
		return apperr.Permission("cleanup requires the admin role")
	}
	var req CleanupRequest
	if err := c.parseJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	maxAge := time.Duration(req.MaxAgeHours * float64(time.Hour))

	log := loggerFrom(r.Context()).WithField("owner_id", actor.ID)
	swept, err := c.collector.Sweep(r.Context(), maxAge)
	if err != nil {
		log.WithError(err).Warn("sweep finished with failures")
	}
	orphans, err := c.collector.Reconcile(r.Context(), maxAge)
	if err != nil {
		log.WithError(err).Warn("reconcile finished with failures")
	}
	return replyJSON(w, CleanupResponse{Scanned: swept.Scanned, Aborted: swept.Aborted, Orphans: orphans.Aborted}, http.StatusOK)
}

var errEmptyBody = apperr.Validation("request body must not be empty")

// Parse incoming request body as JSON object and validate it.
func (c *controller) parseJSON(w http.ResponseWriter, r *http.Request, data interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestSize)
	if err := json.NewDecoder(r.Body).Decode(data); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errEmptyBody
		case errors.As(err, &tooLarge):
			return apperr.SizeExceeded("request body exceeds %d bytes", MaxRequestSize)
		}
		return apperr.Validation("cannot parse JSON from request body")
	}
	if err := c.validate.Struct(data); err != nil {
		return validationError(err)
	}
	return nil
}

// Respond the output with JSON format to the client.
func replyJSON(w http.ResponseWriter, data interface{}, code int) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return err
	}
	return nil
}
