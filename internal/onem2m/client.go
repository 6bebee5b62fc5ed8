package onem2m

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resource type codes used in query strings and Content-Type.
const (
	TypeAE              = 2
	TypeContainer       = 3
	TypeContentInstance = 4
	TypeSubscription    = 23
)

const (
	defaultOrigin         = "CAdmin"
	defaultRVI            = "2a"
	defaultRequestTimeout = 10 * time.Second
)

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("onem2m: not found")
	// ErrNoContent is returned when a response carries no usable value.
	ErrNoContent = errors.New("onem2m: no content")
)

// Client talks to a oneM2M CSE over its HTTP binding.
type Client struct {
	baseURL string
	cse     string
	origin  string
	rvi     string
	client  *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithOrigin overrides the X-M2M-Origin header.
func WithOrigin(origin string) Option {
	return func(c *Client) {
		if origin != "" {
			c.origin = origin
		}
	}
}

// WithRVI overrides the release version indicator.
func WithRVI(rvi string) Option {
	return func(c *Client) {
		if rvi != "" {
			c.rvi = rvi
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient constructs a CSE client. cse is the CSE base name, e.g. "TinyIoT".
func NewClient(baseURL, cse string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("onem2m: empty base url")
	}
	if cse == "" {
		return nil, errors.New("onem2m: empty cse name")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cse:     strings.Trim(cse, "/"),
		origin:  defaultOrigin,
		rvi:     defaultRVI,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CSE returns the CSE base name.
func (c *Client) CSE() string {
	return c.cse
}

// DevicePath returns the path of a device AE.
func (c *Client) DevicePath(deviceID string) string {
	return c.cse + "/" + deviceID
}

// CategoryPath returns the path of a category container under a device.
func (c *Client) CategoryPath(deviceID, segment string) string {
	return c.cse + "/" + deviceID + "/" + segment
}

// ContainerPath returns the path of one resource container.
func (c *Client) ContainerPath(deviceID, segment, remote string) string {
	return c.CategoryPath(deviceID, segment) + "/" + remote
}

// Discover lists child resource URIs of the given type below path.
func (c *Client) Discover(ctx context.Context, path string, ty int) ([]string, error) {
	var body map[string]json.RawMessage
	query := fmt.Sprintf("?fu=1&ty=%d", ty)
	if err := c.getJSON(ctx, path+query, &body); err != nil {
		return nil, err
	}
	raw, ok := body["m2m:uril"]
	if !ok {
		raw, ok = body["m2m:uri"]
	}
	if !ok {
		return nil, nil
	}
	return decodeURIList(raw)
}

// StateTag returns the container state tag. ok is false when the
// registry does not report one.
func (c *Client) StateTag(ctx context.Context, path string) (int, bool, error) {
	var body struct {
		Container *struct {
			StateTag *int `json:"st"`
		} `json:"m2m:cnt"`
	}
	if err := c.getJSON(ctx, path, &body); err != nil {
		return 0, false, err
	}
	if body.Container == nil || body.Container.StateTag == nil || *body.Container.StateTag < 0 {
		return 0, false, nil
	}
	return *body.Container.StateTag, true, nil
}

// Instance is a decoded content instance.
type Instance struct {
	Content string
	Labels  []string
}

// Latest returns the content of the newest content instance.
func (c *Client) Latest(ctx context.Context, path string) (string, error) {
	inst, err := c.LatestInstance(ctx, path)
	if err != nil {
		return "", err
	}
	return inst.Content, nil
}

// LatestInstance returns the newest content instance with its labels.
func (c *Client) LatestInstance(ctx context.Context, path string) (Instance, error) {
	var body struct {
		Instance *contentInstance `json:"m2m:cin"`
	}
	if err := c.getJSON(ctx, path+"/la", &body); err != nil {
		return Instance{}, err
	}
	if body.Instance == nil {
		return Instance{}, ErrNoContent
	}
	content, err := body.Instance.content()
	if err != nil {
		return Instance{}, err
	}
	return Instance{Content: content, Labels: body.Instance.Labels}, nil
}

// History returns up to limit recent contents, oldest first.
func (c *Client) History(ctx context.Context, path string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var body struct {
		Container map[string]json.RawMessage `json:"m2m:cnt"`
	}
	query := fmt.Sprintf("?rcn=4&ty=%d&lim=%d", TypeContentInstance, limit)
	if err := c.getJSON(ctx, path+query, &body); err != nil {
		return nil, err
	}
	raw, ok := body.Container["m2m:cin"]
	if !ok {
		return nil, nil
	}
	instances, err := decodeInstances(raw)
	if err != nil {
		return nil, err
	}
	// The CSE answers newest first.
	values := make([]string, 0, len(instances))
	for i := len(instances) - 1; i >= 0; i-- {
		value, err := instances[i].content()
		if err != nil {
			continue
		}
		values = append(values, value)
	}
	return values, nil
}

// CreateContentInstance submits a new value to a container.
func (c *Client) CreateContentInstance(ctx context.Context, path, content string) error {
	body := map[string]any{"m2m:cin": map[string]any{"con": content}}
	return c.post(ctx, path, TypeContentInstance, body)
}

// CreateContainer creates a child container. An existing container is not an error.
func (c *Client) CreateContainer(ctx context.Context, parentPath, name string) error {
	if name == "" {
		return errors.New("onem2m: empty container name")
	}
	body := map[string]any{"m2m:cnt": map[string]any{"rn": name}}
	return c.post(ctx, parentPath, TypeContainer, body)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("onem2m: http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrNoContent
	}
	return json.Unmarshal(data, out)
}

func (c *Client) post(ctx context.Context, path string, ty int, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", fmt.Sprintf("application/json;ty=%d", ty))

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusConflict && namedResource(ty) {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("onem2m: http %d", resp.StatusCode)
	}
	return nil
}

// namedResource reports whether ty is created under a fixed name, so a
// conflict means it already exists. Content instances are never named and
// a conflict on one is a rejected write.
func namedResource(ty int) bool {
	switch ty {
	case TypeAE, TypeContainer, TypeSubscription:
		return true
	}
	return false
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(path, "/"), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-M2M-Origin", c.origin)
	req.Header.Set("X-M2M-RVI", c.rvi)
	req.Header.Set("X-M2M-RI", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	return req, nil
}
