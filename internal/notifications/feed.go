package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	apperrors "adminchat/internal/errors"
	"adminchat/internal/models"
	"adminchat/internal/security"
)

const maxFeedBytes = 5 << 20

// record is one notification as stored in the Firebase Realtime Database
type record struct {
	Type         string          `json:"type"`
	Message      string          `json:"message"`
	SenderName   string          `json:"senderName"`
	SenderAvatar string          `json:"senderAvatar"`
	Sender       string          `json:"sender"`
	UserID       string          `json:"userId"`
	PostID       string          `json:"postId"`
	CommentID    string          `json:"commentId"`
	Data         map[string]any  `json:"data"`
	Read         bool            `json:"read"`
	CreatedAt    models.FlexTime `json:"createdAt"`
}

var reportIDPattern = regexp.MustCompile(`ID: ([a-zA-Z0-9]+)`)

// toNotification maps a feed record onto the cached model. The link points
// at the dashboard screen the notification refers to, if any.
func (r record) toNotification(id string) models.Notification {
	n := models.Notification{
		ID:        id,
		Type:      r.Type,
		Title:     r.SenderName,
		Body:      r.Message,
		Read:      r.Read,
		CreatedAt: r.CreatedAt.Time,
	}
	if n.Title == "" {
		n.Title = "System"
	}

	switch r.Type {
	case "new_report":
		if m := reportIDPattern.FindStringSubmatch(r.Message); m != nil {
			n.Link = "/admin/reports/" + m[1]
		}
	case "user_report":
		if id := firstNonEmpty(r.Sender, r.UserID, r.dataString("userId")); id != "" {
			n.Link = "/admin/users/" + id
		}
	case "post_report":
		if id := firstNonEmpty(r.PostID, r.dataString("postId")); id != "" {
			n.Link = "/admin/posts/" + id
		}
	case "comment_report":
		if id := firstNonEmpty(r.CommentID, r.dataString("commentId")); id != "" {
			n.Link = "/admin/comments/" + id
		}
	}
	return n
}

func (r record) dataString(key string) string {
	s, _ := r.Data[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Feed talks to the Firebase Realtime Database REST API for one admin.
type Feed struct {
	base    *url.URL
	auth    string
	adminID string
	http    *http.Client
}

func NewFeed(baseURL, auth, adminID string, httpClient *http.Client) (*Feed, error) {
	if err := security.ValidateServiceURL(baseURL); err != nil {
		return nil, apperrors.NewConfigError("notifications.firebase_url", err.Error())
	}
	if adminID == "" {
		return nil, apperrors.NewValidationError("adminId", "admin id is required")
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, apperrors.NewConfigError("notifications.firebase_url", err.Error())
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Feed{base: base, auth: auth, adminID: adminID, http: httpClient}, nil
}

// Fetch returns the admin's notifications, newest first. Records that do
// not decode are skipped and counted in skipped.
func (f *Feed) Fetch(ctx context.Context) (items []models.Notification, skipped int, err error) {
	body, err := f.do(ctx, http.MethodGet, "", nil)
	if err != nil {
		return nil, 0, err
	}

	// an empty node comes back as null
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeNotificationFeed, "malformed notification feed")
	}

	out := make([]models.Notification, 0, len(raw))
	for id, data := range raw {
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			skipped++
			continue
		}
		out = append(out, r.toNotification(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, skipped, nil
}

func (f *Feed) MarkRead(ctx context.Context, id string) error {
	_, err := f.do(ctx, http.MethodPatch, id, map[string]bool{"read": true})
	return err
}

func (f *Feed) Delete(ctx context.Context, id string) error {
	_, err := f.do(ctx, http.MethodDelete, id, nil)
	return err
}

func (f *Feed) DeleteAll(ctx context.Context) error {
	_, err := f.do(ctx, http.MethodDelete, "", nil)
	return err
}

func (f *Feed) endpoint(id string) string {
	u := *f.base
	p := "/notifications/" + url.PathEscape(f.adminID)
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	u.Path = strings.TrimRight(u.Path, "/") + p + ".json"
	if f.auth != "" {
		q := u.Query()
		q.Set("auth", f.auth)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (f *Feed) do(ctx context.Context, method, id string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode feed request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.endpoint(id), reader)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to build feed request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewNetworkError("notification feed "+strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, apperrors.NewNetworkError("notification feed read", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, feedStatusError(resp.StatusCode, body)
	}
	return body, nil
}

// feedStatusError maps Firebase's {"error": "..."} bodies onto AppErrors
func feedStatusError(status int, body []byte) error {
	var fbErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &fbErr)
	if fbErr.Error == "" {
		fbErr.Error = http.StatusText(status)
	}

	appErr := apperrors.New(apperrors.ErrCodeNotificationFeed, fmt.Sprintf("notification feed returned %d: %s", status, fbErr.Error)).
		WithContext("status_code", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		appErr.Code = apperrors.ErrCodeAuthentication
	case status >= 500 || status == http.StatusTooManyRequests:
		appErr.Retryable = true
	}
	return appErr
}
