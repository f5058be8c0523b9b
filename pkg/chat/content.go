package chat

import (
	"fmt"
	"net/url"
	"strings"
)

// Content is what a sender writes; it is validated once per send or
// broadcast.
type Content struct {
	Subject       string `json:"subject,omitempty"`
	Body          string `json:"body"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
}

func (c Content) normalize(maxBody int) (Content, error) {
	c.Subject = strings.TrimSpace(c.Subject)
	c.Body = strings.TrimSpace(c.Body)
	c.AttachmentURL = strings.TrimSpace(c.AttachmentURL)

	if c.Body == "" {
		return c, fmt.Errorf("%w: body is required", ErrBadRequest)
	}
	if maxBody > 0 && len(c.Body) > maxBody {
		return c, fmt.Errorf("%w: body exceeds %d bytes", ErrBadRequest, maxBody)
	}
	if c.AttachmentURL != "" {
		u, err := url.Parse(c.AttachmentURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return c, fmt.Errorf("%w: attachment must be an http(s) url", ErrBadRequest)
		}
	}
	return c, nil
}
