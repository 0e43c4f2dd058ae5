package model

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"time"
)

// DefaultIdleTimeoutS is the idle timeout in seconds applied when a request
// does not set one.
const DefaultIdleTimeoutS = 60

// Notification holds optional user-facing notification options. Engines
// without a notification surface ignore them.
type Notification struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Show        bool   `json:"show"`
}

// DownloadRequest describes one file to fetch. It is treated as immutable
// once submitted.
type DownloadRequest struct {
	URL                 string            `json:"url"`
	DestinationLocalURI string            `json:"destinationLocalUri"`
	ExtraHeaders        map[string]string `json:"extraHeaders,omitempty"`
	AllowedOverMetered  bool              `json:"allowedOverMetered"`
	TimeoutS            *int              `json:"timeoutSeconds,omitempty"`
	Notification        *Notification     `json:"notification,omitempty"`

	// Overwrite removes an existing destination file at submission instead
	// of rejecting the request.
	Overwrite bool `json:"overwrite,omitempty"`
}

// IdleTimeout returns the maximum time a transfer may go without receiving
// data before it fails.
func (r DownloadRequest) IdleTimeout() time.Duration {
	if r.TimeoutS != nil && *r.TimeoutS > 0 {
		return time.Duration(*r.TimeoutS) * time.Second
	}
	return DefaultIdleTimeoutS * time.Second
}

// Validate checks that the request names a fetchable URL and a destination.
func (r DownloadRequest) Validate() error {
	if r.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if r.DestinationLocalURI == "" {
		return errors.New("destinationLocalUri is required")
	}
	if r.TimeoutS != nil && *r.TimeoutS < 0 {
		return errors.New("timeoutSeconds must not be negative")
	}
	return nil
}

// Clone returns a deep copy of the request.
func (r DownloadRequest) Clone() DownloadRequest {
	c := r
	c.ExtraHeaders = maps.Clone(r.ExtraHeaders)
	if r.TimeoutS != nil {
		v := *r.TimeoutS
		c.TimeoutS = &v
	}
	if r.Notification != nil {
		n := *r.Notification
		c.Notification = &n
	}
	return c
}
