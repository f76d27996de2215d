package credentialapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-issuance/core"
)

const (
	HeaderAPIKey = "API-KEY"

	issuePath    = "/credential/issue"
	templatePath = "/credential-template"

	defaultClientTimeout = 30 * time.Second
	defaultBodyLimit     = int64(4 << 20)
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the credential REST API. The endpoint and key travel with each
// request so one client serves every tenant.
type Client struct {
	HTTP                 HTTPDoer
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

func NewClient(doer HTTPDoer) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{
		HTTP:                 doer,
		Timeout:              defaultClientTimeout,
		MaxResponseBodyBytes: defaultBodyLimit,
	}
}

type issuePayload struct {
	CredentialTemplateID string  `json:"credentialTemplateId"`
	PersonEmail          string  `json:"personEmail"`
	PersonGivenName      string  `json:"personGivenName"`
	PersonFamilyName     string  `json:"personFamilyName"`
	Grade                *string `json:"grade,omitempty"`
	CompletionDate       *string `json:"completionDate,omitempty"`
}

func (c *Client) IssueCredential(ctx context.Context, req core.IssueRequest) (core.IssueResponse, error) {
	templateID := strings.TrimSpace(req.TemplateID)
	if templateID == "" {
		return core.IssueResponse{}, apiError(
			"credentialapi: template id is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			TextCodeNotConfigured,
			nil,
		)
	}
	payload := issuePayload{
		CredentialTemplateID: templateID,
		PersonEmail:          strings.TrimSpace(req.Learner.Email),
		PersonGivenName:      strings.TrimSpace(req.Learner.GivenName),
		PersonFamilyName:     strings.TrimSpace(req.Learner.FamilyName),
		Grade:                req.Grade,
	}
	if req.CompletionDate != nil && !req.CompletionDate.IsZero() {
		formatted := req.CompletionDate.UTC().Format(time.RFC3339)
		payload.CompletionDate = &formatted
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return core.IssueResponse{}, apiWrapError(err, goerrors.CategoryInternal,
			"credentialapi: encode issue request", http.StatusInternalServerError, TextCodeInternal, nil)
	}

	raw, err := c.do(ctx, req.Endpoint, http.MethodPost, issuePath, nil, body)
	if err != nil {
		return core.IssueResponse{}, err
	}
	credentialID, err := parseCredentialID(raw)
	if err != nil {
		return core.IssueResponse{}, err
	}
	return core.IssueResponse{CredentialID: credentialID}, nil
}

type templatePayload struct {
	ID          json.RawMessage `json:"id"`
	Title       string          `json:"title"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Active      *bool           `json:"active"`
}

// ListTemplates returns the templates of an endpoint sorted by name. With
// activeOnly the API is asked for assessment templates and inactive entries
// are dropped.
func (c *Client) ListTemplates(ctx context.Context, endpoint core.APIEndpoint, activeOnly bool) ([]core.Template, error) {
	var query url.Values
	if activeOnly {
		query = url.Values{"assessmentsOnly": []string{"true"}}
	}
	raw, err := c.do(ctx, endpoint, http.MethodGet, templatePath, query, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return []core.Template{}, nil
	}
	var payloads []templatePayload
	if err := json.Unmarshal(raw, &payloads); err != nil {
		return nil, apiWrapError(err, goerrors.CategoryExternal,
			"credentialapi: invalid template list response", http.StatusBadGateway, TextCodeInvalidResponse, nil)
	}

	templates := make([]core.Template, 0, len(payloads))
	for _, payload := range payloads {
		template := core.Template{
			ID:     rawIdentifier(payload.ID),
			Name:   strings.TrimSpace(payload.Title),
			Active: payload.Active == nil || *payload.Active,
		}
		if template.Name == "" {
			template.Name = strings.TrimSpace(payload.Name)
		}
		if template.ID == "" || (activeOnly && !template.Active) {
			continue
		}
		templates = append(templates, template)
	}
	sort.SliceStable(templates, func(i, j int) bool {
		return templates[i].Name < templates[j].Name
	})
	return templates, nil
}

// do sends one request and returns the body of a 2xx response. An empty
// body comes back as nil.
func (c *Client) do(
	ctx context.Context,
	endpoint core.APIEndpoint,
	method string,
	path string,
	query url.Values,
	body []byte,
) ([]byte, error) {
	if c == nil || c.HTTP == nil {
		return nil, apiError("credentialapi: client requires an http client",
			goerrors.CategoryInternal, http.StatusInternalServerError, TextCodeInternal, nil)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(endpoint.URL), "/")
	apiKey := strings.TrimSpace(endpoint.Key)
	if baseURL == "" || apiKey == "" {
		return nil, apiError("credentialapi: api url and key are required",
			goerrors.CategoryBadInput, http.StatusBadRequest, TextCodeNotConfigured, nil)
	}
	target, err := url.Parse(baseURL + path)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, apiWrapError(err, goerrors.CategoryBadInput, "credentialapi: invalid api url",
			http.StatusBadRequest, TextCodeNotConfigured, map[string]any{"url": baseURL})
	}
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(requestCtx, method, target.String(), reader)
	if err != nil {
		return nil, apiWrapError(err, goerrors.CategoryBadInput, "credentialapi: create http request",
			http.StatusBadRequest, TextCodeNotConfigured, map[string]any{"method": method, "path": path})
	}
	httpReq.Header.Set(HeaderAPIKey, apiKey)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpRes, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, apiWrapError(err, goerrors.CategoryExternal, "credentialapi: execute http request",
			http.StatusBadGateway, TextCodeRequestFailed, map[string]any{"method": method, "path": path})
	}
	defer httpRes.Body.Close()

	limit := c.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	raw, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return nil, apiWrapError(err, goerrors.CategoryExternal, "credentialapi: read response body",
			http.StatusBadGateway, TextCodeRequestFailed, map[string]any{"status_code": httpRes.StatusCode})
	}
	if int64(len(raw)) > limit {
		return nil, apiError(fmt.Sprintf("credentialapi: response body exceeds limit of %d bytes", limit),
			goerrors.CategoryExternal, http.StatusBadGateway, TextCodeInvalidResponse,
			map[string]any{"status_code": httpRes.StatusCode})
	}

	if httpRes.StatusCode < 200 || httpRes.StatusCode >= 300 {
		return nil, apiError(
			fmt.Sprintf("credentialapi: %s %s failed with HTTP code %d", method, path, httpRes.StatusCode),
			goerrors.CategoryExternal,
			httpRes.StatusCode,
			TextCodeRequestFailed,
			map[string]any{"status_code": httpRes.StatusCode, "body": truncate(string(raw), 512)},
		)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, apiError("credentialapi: invalid JSON response",
			goerrors.CategoryExternal, http.StatusBadGateway, TextCodeInvalidResponse,
			map[string]any{"status_code": httpRes.StatusCode, "body": truncate(string(raw), 512)})
	}
	return raw, nil
}

// parseCredentialID accepts a bare JSON string, {"id": ...} or
// {"credential_id": ...}.
func parseCredentialID(raw []byte) (string, error) {
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil && strings.TrimSpace(bare) != "" {
		return strings.TrimSpace(bare), nil
	}
	var object struct {
		ID           json.RawMessage `json:"id"`
		CredentialID json.RawMessage `json:"credential_id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		if id := rawIdentifier(object.ID); id != "" {
			return id, nil
		}
		if id := rawIdentifier(object.CredentialID); id != "" {
			return id, nil
		}
	}
	return "", apiError("credentialapi: issue response carries no credential id",
		goerrors.CategoryExternal, http.StatusBadGateway, TextCodeInvalidResponse,
		map[string]any{"body": truncate(string(raw), 512)})
}

// rawIdentifier reads an identifier that may be a JSON string or number.
func rawIdentifier(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		if value, err := strconv.ParseInt(number.String(), 10, 64); err == nil {
			return strconv.FormatInt(value, 10)
		}
		return number.String()
	}
	return ""
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

var _ core.CredentialAPI = (*Client)(nil)
