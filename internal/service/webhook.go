package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	json "github.com/goccy/go-json"
)

var (
	// ErrIgnored is returned for webhook deliveries that do not start a mirror.
	ErrIgnored = errors.New("webhook ignored")
	// ErrInvalidPayload is returned for webhook bodies that cannot be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

const ActionClosed = "closed"

// WebhookEvent is the subset of a pull request webhook the orchestrator uses.
type WebhookEvent struct {
	Action      string             `mapstructure:"action"`
	PullRequest WebhookPullRequest `mapstructure:"pull_request"`
}

type WebhookPullRequest struct {
	ID    int64  `mapstructure:"id"`
	URL   string `mapstructure:"url"`
	State string `mapstructure:"state"`
	Title string `mapstructure:"title"`
	Body  string `mapstructure:"body"`
	User  struct {
		Login string `mapstructure:"login"`
	} `mapstructure:"user"`
	Head struct {
		Ref  string `mapstructure:"ref"`
		Repo struct {
			Name string `mapstructure:"name"`
		} `mapstructure:"repo"`
	} `mapstructure:"head"`
}

// bitbucketEvent is the Bitbucket Cloud pull request webhook shape. The event
// name travels in the X-Event-Key header, not in the body.
type bitbucketEvent struct {
	PullRequest struct {
		ID          int64  `mapstructure:"id"`
		Title       string `mapstructure:"title"`
		Description string `mapstructure:"description"`
		State       string `mapstructure:"state"`
		Author      struct {
			Nickname    string `mapstructure:"nickname"`
			DisplayName string `mapstructure:"display_name"`
		} `mapstructure:"author"`
		Source struct {
			Branch struct {
				Name string `mapstructure:"name"`
			} `mapstructure:"branch"`
			Repository struct {
				Name string `mapstructure:"name"`
			} `mapstructure:"repository"`
		} `mapstructure:"source"`
		Links struct {
			Self struct {
				Href string `mapstructure:"href"`
			} `mapstructure:"self"`
		} `mapstructure:"links"`
	} `mapstructure:"pullrequest"`
}

// ParseWebhook decodes a webhook body. eventKey is the Bitbucket X-Event-Key
// header and empty for GitHub deliveries. Bitbucket fulfilled and rejected
// events are reported with the "closed" action.
func ParseWebhook(payload []byte, eventKey string) (*WebhookEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	if strings.HasPrefix(eventKey, "pullrequest:") {
		var bb bitbucketEvent
		if err := decode(raw, &bb); err != nil {
			return nil, err
		}
		return bb.event(strings.TrimPrefix(eventKey, "pullrequest:")), nil
	}

	var ev WebhookEvent
	if err := decode(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

func (bb *bitbucketEvent) event(action string) *WebhookEvent {
	switch action {
	case "fulfilled", "rejected":
		action = ActionClosed
	}

	pr := bb.PullRequest
	ev := &WebhookEvent{Action: action}
	ev.PullRequest.ID = pr.ID
	ev.PullRequest.URL = pr.Links.Self.Href
	ev.PullRequest.State = strings.ToLower(pr.State)
	ev.PullRequest.Title = pr.Title
	ev.PullRequest.Body = pr.Description
	ev.PullRequest.User.Login = pr.Author.Nickname
	if ev.PullRequest.User.Login == "" {
		ev.PullRequest.User.Login = pr.Author.DisplayName
	}
	ev.PullRequest.Head.Ref = pr.Source.Branch.Name
	ev.PullRequest.Head.Repo.Name = pr.Source.Repository.Name
	return ev
}

func (ev *WebhookEvent) validate() error {
	switch {
	case ev.PullRequest.URL == "":
		return fmt.Errorf("%w: pull_request.url missing", ErrInvalidPayload)
	case ev.PullRequest.Head.Ref == "":
		return fmt.Errorf("%w: pull_request.head.ref missing", ErrInvalidPayload)
	}
	return nil
}
