package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const defaultMinFileSize = 4096

const numCancelRetries = 3

// HTTPConfig configures the HTTP implementation of Adapter. No environment
// variables are read here — the caller (cmd/uploadctl, in this repo) is
// responsible for sourcing BaseURL from its own configuration layer.
type HTTPConfig struct {
	// BaseURL is the backend's base path, e.g. "https://api.example.com".
	BaseURL string
	// MinFileSize rejects Create calls for files smaller than this many
	// bytes. Zero selects defaultMinFileSize (4096), matching spec.md §9's
	// reference value.
	MinFileSize int64
}

type httpAdapter struct {
	client      *retryablehttp.Client
	baseURL     string
	minFileSize int64
	logger      log.Logger
}

var _ Adapter = (*httpAdapter)(nil)

// NewHTTPAdapter builds an Adapter that speaks the wire protocol in
// spec.md §6 over HTTP, using the teacher's retryable-client idiom
// (retryhttp.NewClient) for create/uploadPart/finalize and a bounded manual
// retry (bitrise-io/go-utils/retry) for the fire-and-forget cancel call.
func NewHTTPAdapter(cfg HTTPConfig, logger log.Logger) Adapter {
	minSize := cfg.MinFileSize
	if minSize <= 0 {
		minSize = defaultMinFileSize
	}

	return &httpAdapter{
		client:      retryhttp.NewClient(logger),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		minFileSize: minSize,
		logger:      logger,
	}
}

func (a *httpAdapter) Create(ctx context.Context, path string, size int64) (string, error) {
	if size < a.minFileSize {
		return "", ErrFileTooSmall
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("transport: open %s: %w", path, err)
	}
	defer file.Close()

	body, contentType, err := encodeMultipart(map[string]string{}, "file", filepathBase(path), file)
	if err != nil {
		return "", fmt.Errorf("transport: encode create body: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, a.baseURL+"/blob/upload", body)
	if err != nil {
		return "", fmt.Errorf("transport: build create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := a.do(ctx, req, "create")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", classifyFailure("create", resp)
	}

	uploadID, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("transport: read create response: %w", err)
	}

	return strings.TrimSpace(string(uploadID)), nil
}

func (a *httpAdapter) UploadPart(ctx context.Context, index int, uploadID string, data io.Reader, size int64) (bool, error) {
	fields := map[string]string{"upload_id": uploadID}
	body, contentType, err := encodeMultipart(fields, "file", fmt.Sprintf("part-%d", index), data)
	if err != nil {
		return false, fmt.Errorf("transport: encode part %d body: %w", index, err)
	}

	path := fmt.Sprintf("%s/blob/upload/%d", a.baseURL, index)
	req, err := retryablehttp.NewRequest(http.MethodPatch, path, body)
	if err != nil {
		return false, fmt.Errorf("transport: build upload-part request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := a.do(ctx, req, "uploadPart")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}

	return true, nil
}

func (a *httpAdapter) Finalize(ctx context.Context, fileName, uploadID string) (Artifact, error) {
	fields := map[string]string{"file_name": fileName, "upload_id": uploadID}
	body, contentType, err := encodeMultipartFields(fields)
	if err != nil {
		return Artifact{}, fmt.Errorf("transport: encode finalize body: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPut, a.baseURL+"/blob/upload", body)
	if err != nil {
		return Artifact{}, fmt.Errorf("transport: build finalize request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := a.do(ctx, req, "finalize")
	if err != nil {
		return Artifact{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Artifact{}, classifyFailure("finalize", resp)
	}

	var artifact Artifact
	if err := json.NewDecoder(resp.Body).Decode(&artifact); err != nil {
		return Artifact{}, fmt.Errorf("transport: decode finalize response: %w", err)
	}

	return artifact, nil
}

func (a *httpAdapter) Cancel(ctx context.Context, uploadID string) error {
	return retry.Times(numCancelRetries).Wait(time.Second).Try(func(attempt uint) error {
		target := fmt.Sprintf("%s/blob/upload?upload_id=%s", a.baseURL, url.QueryEscape(uploadID))
		req, err := retryablehttp.NewRequest(http.MethodDelete, target, nil)
		if err != nil {
			return fmt.Errorf("transport: build cancel request: %w", err)
		}

		resp, err := a.do(ctx, req, "cancel")
		if err != nil {
			// Cancel is fire-and-forget from the controller's point of view,
			// but we still retry it a few times so a transient network blip
			// doesn't leave an orphaned upload on the backend.
			a.logger.Warnf("cancel attempt %d failed: %s", attempt+1, err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent {
			return classifyFailure("cancel", resp)
		}
		return nil
	})
}

func (a *httpAdapter) do(ctx context.Context, req *retryablehttp.Request, op string) (*http.Response, error) {
	req = req.WithContext(ctx)

	if dump, err := httputil.DumpRequest(req.Request, false); err == nil {
		a.logger.Debugf("%s request dump: %s", op, dump)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		return nil, &NetworkFailure{Op: op, Err: err}
	}

	if dump, err := httputil.DumpResponse(resp, false); err == nil {
		a.logger.Debugf("%s response dump: %s", op, dump)
	}

	return resp, nil
}

func classifyFailure(op string, resp *http.Response) error {
	var body struct {
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return &NetworkFailure{Op: op, StatusCode: resp.StatusCode, Detail: body.Detail}
}

func encodeMultipart(fields map[string]string, fileField, fileName string, r io.Reader) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	part, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf, w.FormDataContentType(), nil
}

func encodeMultipartFields(fields map[string]string) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf, w.FormDataContentType(), nil
}

func filepathBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
