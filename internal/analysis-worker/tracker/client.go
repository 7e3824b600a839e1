package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Per-call timeouts. The token endpoint is cheap, queries and downloads can
// carry rich-text documents and image bytes.
const (
	tokenTimeout     = 15 * time.Second
	queryTimeout     = 30 * time.Second
	downloadTimeout  = 30 * time.Second
	writeBackTimeout = 30 * time.Second
)

// Config holds the tracker connection settings.
type Config struct {
	BaseURL      string
	PluginID     string
	PluginSecret string
	UserKey      string
}

// ConfigFromEnv reads the tracker settings from the environment.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL:      os.Getenv("TRACKER_BASE_URL"),
		PluginID:     os.Getenv("TRACKER_PLUGIN_ID"),
		PluginSecret: os.Getenv("TRACKER_PLUGIN_SECRET"),
		UserKey:      os.Getenv("TRACKER_USER_KEY"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://project.feishu.cn"
	}
	return cfg
}

// APIError is a non-success answer from the tracker: either a non-2xx HTTP
// status or a business error code in the response body.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       int64
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker %s: status=%d code=%d: %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
}

// Client talks to the external work-item tracker. All calls need a plugin
// token obtained from PluginToken first.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{}}
}

// PluginToken exchanges the plugin credentials for a short-lived token.
func (c *Client) PluginToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	body, status, err := c.post(ctx, "/open_api/authen/plugin_token", "", map[string]any{
		"plugin_id":     c.cfg.PluginID,
		"plugin_secret": c.cfg.PluginSecret,
	})
	if err != nil {
		return "", err
	}
	root := gjson.ParseBytes(body)
	if status != http.StatusOK || root.Get("error.code").Int() != 0 {
		return "", &APIError{
			Endpoint:   "plugin_token",
			StatusCode: status,
			Code:       root.Get("error.code").Int(),
			Message:    root.Get("error.msg").String(),
		}
	}
	token := root.Get("data.token").String()
	if token == "" {
		return "", &APIError{Endpoint: "plugin_token", StatusCode: status, Message: "empty token in response"}
	}
	return token, nil
}

// FieldDetail is one rich-text field of a work item as the tracker returns
// it: the raw document, its flattened text, and the rendered HTML.
type FieldDetail struct {
	FieldKey string
	Doc      string
	DocText  string
	DocHTML  string
	IsEmpty  bool
}

// WorkItem is a queried record with its field values grouped by shape.
type WorkItem struct {
	ID         int64
	Fields     map[string]gjson.Result
	MultiTexts map[string]FieldDetail
	Users      map[string][]string
	Relations  map[string][]string
}

// FieldText flattens a single field to plain text: rich-text fields yield
// their doc_text, user and relation fields the comma-joined names, plain
// fields their stringified value, and absent fields an empty string.
func (w *WorkItem) FieldText(key string) string {
	if d, ok := w.MultiTexts[key]; ok {
		return d.DocText
	}
	if names, ok := w.Users[key]; ok {
		return strings.Join(names, ", ")
	}
	if names, ok := w.Relations[key]; ok {
		return strings.Join(names, ", ")
	}
	if v, ok := w.Fields[key]; ok {
		if v.Type == gjson.String {
			return v.String()
		}
		if !v.Exists() || v.Type == gjson.Null {
			return ""
		}
		return v.Raw
	}
	return ""
}

// QueryWorkItem fetches one record with the named fields expanded,
// including the rich-text document bodies.
func (c *Client) QueryWorkItem(ctx context.Context, token, projectKey, typeKey string, workItemID int64, fieldKeys []string) (*WorkItem, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	path := fmt.Sprintf("/open_api/%s/work_item/%s/query", projectKey, typeKey)
	payload := map[string]any{
		"work_item_ids": []int64{workItemID},
		"expand": map[string]any{
			"need_multi_text":        true,
			"need_user_detail":       true,
			"relation_fields_detail": true,
		},
	}
	if len(fieldKeys) > 0 {
		payload["fields"] = fieldKeys
	}
	body, status, err := c.post(ctx, path, token, payload)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if status != http.StatusOK || root.Get("err_code").Int() != 0 {
		return nil, &APIError{
			Endpoint:   "work_item/query",
			StatusCode: status,
			Code:       root.Get("err_code").Int(),
			Message:    root.Get("err_msg").String(),
		}
	}
	item := root.Get("data.0")
	if !item.Exists() {
		return nil, &APIError{Endpoint: "work_item/query", StatusCode: status, Message: fmt.Sprintf("work item %d not found", workItemID)}
	}
	return parseWorkItem(item), nil
}

// RichTextField fetches a single rich-text field of a record.
func (c *Client) RichTextField(ctx context.Context, token, projectKey, typeKey string, workItemID int64, fieldKey string) (*FieldDetail, error) {
	item, err := c.QueryWorkItem(ctx, token, projectKey, typeKey, workItemID, []string{fieldKey})
	if err != nil {
		return nil, err
	}
	if d, ok := item.MultiTexts[fieldKey]; ok {
		return &d, nil
	}
	return nil, &APIError{Endpoint: "work_item/query", StatusCode: http.StatusOK,
		Message: fmt.Sprintf("field %s has no rich-text content on work item %d", fieldKey, workItemID)}
}

func parseWorkItem(item gjson.Result) *WorkItem {
	w := &WorkItem{
		ID:         item.Get("id").Int(),
		Fields:     map[string]gjson.Result{},
		MultiTexts: map[string]FieldDetail{},
		Users:      map[string][]string{},
		Relations:  map[string][]string{},
	}
	item.Get("fields").ForEach(func(key, value gjson.Result) bool {
		w.Fields[key.String()] = value
		return true
	})
	item.Get("multi_texts").ForEach(func(_, mt gjson.Result) bool {
		key := mt.Get("field_key").String()
		w.MultiTexts[key] = FieldDetail{
			FieldKey: key,
			Doc:      mt.Get("field_value.doc").String(),
			DocText:  mt.Get("field_value.doc_text").String(),
			DocHTML:  mt.Get("field_value.doc_html").String(),
			IsEmpty:  mt.Get("field_value.is_empty").Bool(),
		}
		return true
	})
	item.Get("users").ForEach(func(_, u gjson.Result) bool {
		key := u.Get("field_key").String()
		var names []string
		u.Get("users").ForEach(func(_, user gjson.Result) bool {
			names = append(names, user.Get("name").String())
			return true
		})
		w.Users[key] = names
		return true
	})
	item.Get("relations").ForEach(func(_, r gjson.Result) bool {
		key := r.Get("field_key").String()
		var names []string
		r.Get("relations").ForEach(func(_, rel gjson.Result) bool {
			names = append(names, rel.Get("name").String())
			return true
		})
		w.Relations[key] = names
		return true
	})
	return w
}

// DownloadAttachment fetches the raw bytes of an image attachment by its
// uuid and returns them with the reported content type.
func (c *Client) DownloadAttachment(ctx context.Context, token, projectKey, typeKey string, workItemID int64, uuid string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	path := fmt.Sprintf("/open_api/%s/work_item/%s/%d/file/download", projectKey, typeKey, workItemID)
	payload, err := json.Marshal(map[string]any{"uuid": uuid})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	c.setHeaders(req, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download attachment %s: %w", uuid, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("download attachment %s: %w", uuid, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Endpoint: "file/download", StatusCode: resp.StatusCode}
		if strings.Contains(contentType, "json") {
			root := gjson.ParseBytes(data)
			apiErr.Code = root.Get("err_code").Int()
			apiErr.Message = root.Get("err_msg").String()
		}
		return nil, "", apiErr
	}
	// Some error answers come back 200 with a JSON body instead of bytes.
	if strings.Contains(contentType, "application/json") {
		root := gjson.ParseBytes(data)
		if root.Get("err_code").Int() != 0 {
			return nil, "", &APIError{
				Endpoint:   "file/download",
				StatusCode: resp.StatusCode,
				Code:       root.Get("err_code").Int(),
				Message:    root.Get("err_msg").String(),
			}
		}
	}
	return data, contentType, nil
}

// UpdateField writes a value back to one field of a work item. Rich-text
// targets take the block structure, plain fields a string.
func (c *Client) UpdateField(ctx context.Context, token, projectKey, typeKey string, workItemID int64, fieldKey string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, writeBackTimeout)
	defer cancel()

	path := fmt.Sprintf("/open_api/%s/work_item/%s/%d", projectKey, typeKey, workItemID)
	payload, err := json.Marshal(map[string]any{
		"update_fields": []map[string]any{{
			"field_key":   fieldKey,
			"field_value": value,
			"target_state": map[string]any{
				"state_key":     "",
				"transition_id": 0,
			},
			"field_type_key":   "",
			"field_alias":      "",
			"help_description": "",
		}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.setHeaders(req, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("update field %s on work item %d: %w", fieldKey, workItemID, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		root := gjson.ParseBytes(body)
		return &APIError{
			Endpoint:   "work_item/update",
			StatusCode: resp.StatusCode,
			Code:       root.Get("err_code").Int(),
			Message:    root.Get("err_msg").String(),
		}
	}
	if root := gjson.ParseBytes(body); root.Get("err_code").Int() != 0 {
		return &APIError{
			Endpoint:   "work_item/update",
			StatusCode: resp.StatusCode,
			Code:       root.Get("err_code").Int(),
			Message:    root.Get("err_msg").String(),
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, token string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	c.setHeaders(req, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker %s: %w", path, err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-PLUGIN-TOKEN", token)
	}
	if c.cfg.UserKey != "" {
		req.Header.Set("X-USER-KEY", c.cfg.UserKey)
	}
}
