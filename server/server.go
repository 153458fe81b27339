package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/krelinga/hls-converter/internal"
	"github.com/oapi-codegen/runtime"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

//go:embed openapi.yaml
var openAPISpec []byte

// Multipart overhead allowed on top of the file size limit.
const formOverheadBytes = 1 << 20

// maxFieldBytes bounds each non-file form field.
const maxFieldBytes = 4 << 10

func init() {
	openapi3.DefineStringFormatValidator("uuid", openapi3.NewRegexpFormatValidator(openapi3.FormatOfStringForUUIDOfRFC4122))
}

type jobRegistry interface {
	Submit(internal.Submission) (internal.Job, error)
	Get(uuid.UUID) (internal.Job, error)
	Cancel(uuid.UUID) (internal.Job, error)
}

// Server serves the conversion API on top of a job registry.
type Server struct {
	registry       jobRegistry
	archives       []internal.JobArchive
	maxUploadBytes int64
	spoolDir       string
	logger         zerolog.Logger
}

// NewServer creates a new Server. archives are consulted, in order, for jobs
// the registry no longer holds.
func NewServer(registry jobRegistry, archives []internal.JobArchive, maxUploadBytes int64, logger zerolog.Logger) *Server {
	return &Server{
		registry:       registry,
		archives:       archives,
		maxUploadBytes: maxUploadBytes,
		spoolDir:       os.TempDir(),
		logger:         logger,
	}
}

type errorResponse struct {
	Errors []string `json:"errors"`
}

type acceptedResponse struct {
	JobID      uuid.UUID       `json:"jobId"`
	OutputCode string          `json:"outputCode"`
	Status     internal.Status `json:"status"`
	Message    string          `json:"message"`
}

type cancelledResponse struct {
	JobID  uuid.UUID       `json:"jobId"`
	Status internal.Status `json:"status"`
}

// Handler builds the routed, validated and CORS-wrapped HTTP handler.
func (s *Server) Handler() (http.Handler, error) {
	doc, err := openapi3.NewLoader().LoadFromData(openAPISpec)
	if err != nil {
		return nil, fmt.Errorf("failed to load openapi spec: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid openapi spec: %w", err)
	}
	validator, err := requestValidator(doc)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/openapi.yaml", s.OpenAPI).Methods(http.MethodGet)

	api := r.PathPrefix("/api/hls-converter").Subrouter()
	api.Use(validator)
	api.HandleFunc("/convert", s.Convert).Methods(http.MethodPost)
	api.HandleFunc("/status/{jobId}", s.Status).Methods(http.MethodGet)
	api.HandleFunc("/cancel/{jobId}", s.Cancel).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r), nil
}

// requestValidator checks path parameters against the contract. Multipart
// bodies are streamed by the handler, so body validation is skipped here.
func requestValidator(doc *openapi3.T) (mux.MiddlewareFunc, error) {
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build openapi router: %w", err)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					ExcludeRequestBody: true,
					MultiError:         true,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				writeErrors(w, http.StatusBadRequest, validationMessages(err)...)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

func validationMessages(err error) []string {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		msgs := make([]string, 0, len(multi))
		for _, e := range multi {
			msgs = append(msgs, requestErrorMessage(e))
		}
		return msgs
	}
	return []string{requestErrorMessage(err)}
}

func requestErrorMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) && reqErr.Parameter != nil {
		return fmt.Sprintf("invalid %s parameter %q", reqErr.Parameter.In, reqErr.Parameter.Name)
	}
	return err.Error()
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OpenAPI handles GET /openapi.yaml.
func (s *Server) OpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openAPISpec)
}

// Convert handles POST /api/hls-converter/convert.
func (s *Server) Convert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+formOverheadBytes)
	sub, err := s.readSubmission(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrors(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request exceeds %d bytes", maxErr.Limit))
			return
		}
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.registry.Submit(sub)
	if err != nil {
		if sub.File != nil {
			os.Remove(sub.File.Path)
		}
		var verr *internal.ValidationError
		if errors.As(err, &verr) {
			writeErrors(w, http.StatusBadRequest, verr.Problems...)
			return
		}
		s.logger.Error().Err(err).Msg("failed to submit conversion")
		writeErrors(w, http.StatusInternalServerError, "failed to start conversion")
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		JobID:      job.ID,
		OutputCode: job.OutputCode,
		Status:     job.Status,
		Message:    job.Message,
	})
}

// readSubmission streams the multipart body, spooling the file part to disk.
// Unknown fields are ignored; the first occurrence of each alias wins.
func (s *Server) readSubmission(r *http.Request) (internal.Submission, error) {
	var sub internal.Submission
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return sub, errors.New("request must be multipart/form-data")
	}
	reader, err := r.MultipartReader()
	if err != nil {
		return sub, fmt.Errorf("failed to read multipart body: %w", err)
	}

	fields := map[string]string{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			discardSpool(sub)
			return internal.Submission{}, fmt.Errorf("failed to read multipart body: %w", err)
		}

		name := part.FormName()
		switch {
		case (name == "video" || name == "file") && part.FileName() != "":
			if sub.File != nil {
				part.Close()
				continue
			}
			sub.File, err = s.spool(part)
			if err != nil {
				part.Close()
				discardSpool(sub)
				return internal.Submission{}, err
			}
		case name != "":
			if _, seen := fields[name]; !seen {
				value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
				if err != nil {
					part.Close()
					discardSpool(sub)
					return internal.Submission{}, fmt.Errorf("failed to read field %q: %w", name, err)
				}
				fields[name] = string(value)
			}
		}
		part.Close()
	}

	sub.AssetName = firstField(fields, "assetName", "seriesSlug")
	sub.SequenceNumber = firstField(fields, "sequenceNumber", "episodeNumber")
	if hook := strings.TrimSpace(fields["webhookUrl"]); hook != "" {
		sub.WebhookURI = &hook
	}
	if token := fields["webhookToken"]; token != "" {
		sub.WebhookToken = []byte(token)
	}
	return sub, nil
}

// spool copies at most one byte past the limit, which is enough for
// validation to reject an oversized file.
func (s *Server) spool(part *multipart.Part) (*internal.SourceFile, error) {
	f, err := os.CreateTemp(s.spoolDir, "hls-upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(part, s.maxUploadBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	return &internal.SourceFile{
		Path:        f.Name(),
		Name:        part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Size:        n,
	}, nil
}

func discardSpool(sub internal.Submission) {
	if sub.File != nil {
		os.Remove(sub.File.Path)
	}
}

func firstField(fields map[string]string, names ...string) string {
	for _, name := range names {
		if v, ok := fields[name]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Status handles GET /api/hls-converter/status/{jobId}.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.registry.Get(id)
	if errors.Is(err, internal.ErrNotFound) {
		job, err = internal.LookupJob(r.Context(), id, s.archives...)
	}
	if errors.Is(err, internal.ErrNotFound) {
		writeErrors(w, http.StatusNotFound, fmt.Sprintf("conversion job %s not found", id))
		return
	} else if err != nil {
		s.logger.Error().Err(err).Str("job_id", id.String()).Msg("failed to look up job")
		writeErrors(w, http.StatusInternalServerError, "failed to look up job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel handles POST /api/hls-converter/cancel/{jobId}.
func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.registry.Cancel(id)
	switch {
	case errors.Is(err, internal.ErrNotFound):
		writeErrors(w, http.StatusNotFound, fmt.Sprintf("conversion job %s not found", id))
	case errors.Is(err, internal.ErrConflict):
		writeErrors(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Str("job_id", id.String()).Msg("failed to cancel job")
		writeErrors(w, http.StatusInternalServerError, "failed to cancel job")
	default:
		writeJSON(w, http.StatusOK, cancelledResponse{JobID: job.ID, Status: job.Status})
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var raw string
	err := runtime.BindStyledParameterWithOptions("simple", "jobId", mux.Vars(r)["jobId"], &raw, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("invalid jobId: %v", err))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("invalid jobId %q", raw))
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrors(w http.ResponseWriter, status int, msgs ...string) {
	writeJSON(w, status, errorResponse{Errors: msgs})
}
