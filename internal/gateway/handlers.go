package gateway

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/auth"
	"github.com/molpadia/molpadrive/internal/httprange"
	"github.com/sirupsen/logrus"
)

const (
	BasePath = "/upload/molpadrive/v1/resumable"

	tusVersion    = "1.0.0"
	tusExtensions = "creation,termination"
)

// Map errors of fn to plain text responses.
func (g *Gateway) handle(fn func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Tus-Resumable", tusVersion)
		w.Header().Set("Cache-Control", "no-store")
		if err := fn(w, r); err != nil {
			status := apperr.KindOf(err).HTTPStatus()
			if status >= http.StatusInternalServerError {
				g.log.WithError(err).WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
				}).Error("resumable upload request failed")
			}
			http.Error(w, apperr.PublicMessage(err), status)
		}
	})
}

// Handler serves the protocol under BasePath. CORS preflight requests are
// answered before authentication.
func (g *Gateway) Handler(verifier *auth.Verifier, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(auth.Middleware(verifier))
	item := BasePath + "/{id:[0-9a-f]+}"
	r.Methods(http.MethodOptions).Path(BasePath).Handler(g.handle(g.options))
	r.Methods(http.MethodOptions).Path(item).Handler(g.handle(g.options))
	r.Methods(http.MethodPost).Path(BasePath).Handler(g.handle(g.create))
	r.Methods(http.MethodHead).Path(item).Handler(g.handle(g.head))
	r.Methods(http.MethodPatch).Path(item).Handler(g.handle(g.patch))
	r.Methods(http.MethodPut).Path(item).Handler(g.handle(g.put))
	r.Methods(http.MethodDelete).Path(item).Handler(g.handle(g.terminate))
	return CORSMiddleware(allowedOrigins, methodOverride(r))
}

// Clients behind proxies that drop PATCH and DELETE send POST with an override.
func methodOverride(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m := r.Header.Get("X-HTTP-Method-Override"); m != "" && r.Method == http.MethodPost {
			r.Method = strings.ToUpper(m)
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) options(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Extension", tusExtensions)
	w.Header().Set("Tus-Max-Size", strconv.FormatInt(g.maxUploadSize, 10))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Create a new resumable upload.
func (g *Gateway) create(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	size, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil {
		return apperr.Validation("Upload-Length header must be an integer")
	}
	meta, err := parseMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		return err
	}
	if meta["key"] == "" {
		return apperr.Validation("Upload-Metadata must contain the destination key")
	}

	u, err := g.Create(r.Context(), actor, CreateInput{
		DestKey:     meta["key"],
		Size:        size,
		FileName:    meta["filename"],
		ContentType: meta["contenttype"],
	})
	if err != nil {
		return err
	}
	w.Header().Set("Location", BasePath+"/"+u.ID)
	w.Header().Set("Upload-Offset", "0")
	w.WriteHeader(http.StatusCreated)
	return nil
}

// Report the current offset of an upload.
func (g *Gateway) head(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	u, err := g.Status(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(u.Offset, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(u.Size, 10))
	w.WriteHeader(http.StatusOK)
	return nil
}

// Append the request body at Upload-Offset.
func (g *Gateway) patch(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/offset+octet-stream" {
		return apperr.Validation("Content-Type must be application/offset+octet-stream")
	}
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		return apperr.Validation("Upload-Offset header must be a non-negative integer")
	}
	u, err := g.Append(r.Context(), actor, mux.Vars(r)["id"], offset, r.Body)
	if err != nil {
		return err
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(u.Offset, 10))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Append a Content-Range chunk, or report the received range for "bytes */size".
func (g *Gateway) put(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	id := mux.Vars(r)["id"]
	cr, err := httprange.ParseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		return apperr.Validation("%v", err)
	}

	var u *Upload
	if cr.IsStatusQuery() {
		if u, err = g.Status(r.Context(), actor, id); err != nil {
			return err
		}
	} else {
		if r.ContentLength >= 0 && r.ContentLength != cr.Length() {
			return apperr.Validation("Content-Length does not match Content-Range")
		}
		if u, err = g.Status(r.Context(), actor, id); err != nil {
			return err
		}
		if cr.Size != httprange.Unknown && cr.Size != u.Size {
			return apperr.Validation("Content-Range %s does not match the upload size %d", cr, u.Size)
		}
		offset, body := cr.Start, io.Reader(http.MaxBytesReader(w, r.Body, cr.Length()))
		if u.Offset == u.Size && cr.IsLastByte() {
			// A repeated final chunk retries a failed relocation.
			offset, body = u.Offset, http.NoBody
		}
		if u, err = g.Append(r.Context(), actor, id, offset, body); err != nil {
			return err
		}
	}

	if u.Offset == u.Size && !cr.IsStatusQuery() {
		w.WriteHeader(http.StatusCreated)
		return nil
	}
	if rng := httprange.RangeHeader(u.Offset); rng != "" {
		w.Header().Set("Range", rng)
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(u.Offset, 10))
	w.WriteHeader(http.StatusPermanentRedirect)
	return nil
}

// Terminate an upload.
func (g *Gateway) terminate(w http.ResponseWriter, r *http.Request) error {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		return err
	}
	if err := g.Terminate(r.Context(), actor, mux.Vars(r)["id"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Parse "key base64,key base64" pairs. Values may be omitted.
func parseMetadata(s string) (map[string]string, error) {
	meta := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, " ")
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return nil, apperr.Validation("Upload-Metadata value of %q is not base64", k)
		}
		meta[k] = string(decoded)
	}
	return meta, nil
}
