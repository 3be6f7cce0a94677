// Package remote talks to a classroom server over its REST surface. It implements the remote write
// path of the sync services for processes that keep their own windows, such as feedwatch.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8080/api/v1.
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client writes courses and documents through the /store routes.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
}

type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *appErrors.Error `json:"error"`
}

// Login exchanges credentials for an access token.
func Login(ctx context.Context, baseURL, email, password string) (*models.LoginResponse, error) {
	c := New(Config{BaseURL: baseURL})
	var res models.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", models.LoginRequest{Email: email, Password: password}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// NewKey returns a time ordered push key generated locally.
func (c *Client) NewKey() string {
	return ulid.Make().String()
}

// CreateCourse writes a new course.
func (c *Client) CreateCourse(ctx context.Context, course models.Course) error {
	return c.do(ctx, http.MethodPut, "/store/courses/"+url.PathEscape(course.ID), course, nil)
}

// UpdateCourse overwrites a course.
func (c *Client) UpdateCourse(ctx context.Context, course models.Course) error {
	return c.do(ctx, http.MethodPut, "/store/courses/"+url.PathEscape(course.ID), course, nil)
}

// DeleteCourse removes a course.
func (c *Client) DeleteCourse(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/store/courses/"+url.PathEscape(id), nil, nil)
}

// SetMembership enrolls uid in courseID.
func (c *Client) SetMembership(ctx context.Context, courseID, uid string, m models.Membership, updatedAt int64) error {
	body := struct {
		Membership models.Membership `json:"membership"`
		UpdatedAt  int64             `json:"updatedAt"`
	}{m, updatedAt}
	return c.do(ctx, http.MethodPut, membershipPath(courseID, uid), body, nil)
}

// RemoveMembership drops the enrollment of uid.
func (c *Client) RemoveMembership(ctx context.Context, courseID, uid string, updatedAt int64) error {
	path := membershipPath(courseID, uid) + "?updatedAt=" + strconv.FormatInt(updatedAt, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GetCourse reads a course.
func (c *Client) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	var course models.Course
	if err := c.do(ctx, http.MethodGet, "/store/courses/"+url.PathEscape(id), nil, &course); err != nil {
		return nil, err
	}
	return &course, nil
}

// CreateDocument writes a new document.
func (c *Client) CreateDocument(ctx context.Context, doc models.Document) error {
	return c.do(ctx, http.MethodPut, "/store/documents/"+url.PathEscape(doc.ID), doc, nil)
}

// UpdateDocument overwrites a document.
func (c *Client) UpdateDocument(ctx context.Context, doc models.Document) error {
	return c.do(ctx, http.MethodPut, "/store/documents/"+url.PathEscape(doc.ID), doc, nil)
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/store/documents/"+url.PathEscape(id), nil, nil)
}

// ListDocumentIDs lists the ids of the documents of courseID.
func (c *Client) ListDocumentIDs(ctx context.Context, courseID string) ([]string, error) {
	var ids []string
	if err := c.do(ctx, http.MethodGet, "/store/courses/"+url.PathEscape(courseID)+"/document-ids", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetDocument reads a document.
func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	if err := c.do(ctx, http.MethodGet, "/store/documents/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func membershipPath(courseID, uid string) string {
	return "/store/courses/" + url.PathEscape(courseID) + "/students/" + url.PathEscape(uid)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		if resp.StatusCode >= http.StatusBadRequest {
			return statusError(resp.StatusCode, err)
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "decode response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if env.Error != nil && env.Error.Code != "" {
			if env.Error.Status == 0 {
				env.Error.Status = resp.StatusCode
			}
			return env.Error
		}
		return statusError(resp.StatusCode, nil)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "decode response")
		}
	}
	return nil
}

func statusError(status int, cause error) error {
	switch status {
	case http.StatusUnauthorized:
		return appErrors.Wrap(cause, appErrors.ErrUnauthorized.Code, status, appErrors.ErrUnauthorized.Message)
	case http.StatusForbidden:
		return appErrors.Wrap(cause, appErrors.ErrForbidden.Code, status, appErrors.ErrForbidden.Message)
	case http.StatusNotFound:
		return appErrors.Wrap(cause, appErrors.ErrNotFound.Code, status, appErrors.ErrNotFound.Message)
	case http.StatusConflict:
		return appErrors.Wrap(cause, appErrors.ErrConflict.Code, status, appErrors.ErrConflict.Message)
	}
	return appErrors.Wrap(cause, "HTTP_"+strconv.Itoa(status), status, http.StatusText(status))
}
