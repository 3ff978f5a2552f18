package orchestrator

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gated-run/gated/internal/apierr"
)

// NormalizedRequest is the single buffered representation of the inbound
// request body, built once before any branching (RPC detection, sandbox
// dispatch) per the source-reuse design note: no code path reads the raw
// body more than once.
type NormalizedRequest struct {
	Body map[string]any
}

// normalizeBody buffers and decodes r's body exactly once, per its
// Content-Type, per §4.7 step 7.
func normalizeBody(r *http.Request) (NormalizedRequest, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return NormalizedRequest{}, apierr.Validation("failed to read request body")
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "application/json" || (mediaType == "" && len(raw) == 0):
		return normalizeJSON(raw)

	case mediaType == "text/plain":
		return NormalizedRequest{Body: map[string]any{"text": string(raw)}}, nil

	case mediaType == "multipart/form-data":
		return normalizeMultipart(raw, params["boundary"])

	default:
		return NormalizedRequest{Body: map[string]any{}}, nil
	}
}

func normalizeJSON(raw []byte) (NormalizedRequest, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return NormalizedRequest{Body: map[string]any{}}, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return NormalizedRequest{}, apierr.Validation("Invalid JSON")
	}
	return NormalizedRequest{Body: body}, nil
}

func normalizeMultipart(raw []byte, boundary string) (NormalizedRequest, error) {
	if boundary == "" {
		return NormalizedRequest{Body: map[string]any{}}, nil
	}
	reader := multipart.NewReader(strings.NewReader(string(raw)), boundary)
	body := make(map[string]any)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return NormalizedRequest{}, apierr.Validationf("malformed multipart body: %v", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return NormalizedRequest{}, apierr.Validation("failed to read multipart field")
		}
		name := part.FormName()
		if name == "" {
			continue
		}
		body[name] = string(data)
	}
	return NormalizedRequest{Body: body}, nil
}

// isRPCStyle reports whether the normalized body names an RPC method, per
// §4.7 step 8.
func isRPCStyle(n NormalizedRequest) (method string, params []any, ok bool) {
	raw, exists := n.Body["method"]
	if !exists {
		return "", nil, false
	}
	m, isString := raw.(string)
	if !isString || m == "" {
		return "", nil, false
	}
	if p, exists := n.Body["params"]; exists {
		if list, isList := p.([]any); isList {
			params = list
		}
	}
	return m, params, true
}
