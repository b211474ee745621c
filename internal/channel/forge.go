package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/corvid-labs/huginn/internal/dispatch"
	"github.com/corvid-labs/huginn/internal/events"
)

// Forge polls code-hosting repositories for issue comments that
// mention the bot and replies on the same issue. Each issue maps to
// one conversation keyed "forge:owner/name#number".
type Forge struct {
	client   *gogithub.Client
	repos    []string
	interval time.Duration
	sub      Submitter
	bus      *events.Bus
	logger   *slog.Logger

	login string
	since time.Time
}

// NewForge creates the code-hosting connector. repos entries are
// "owner/name" pairs.
func NewForge(httpClient *http.Client, token string, repos []string, interval time.Duration, sub Submitter, bus *events.Bus, logger *slog.Logger) *Forge {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	client := gogithub.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &Forge{
		client:   client,
		repos:    repos,
		interval: interval,
		sub:      sub,
		bus:      bus,
		logger:   logger.With("component", "forge"),
		since:    time.Now(),
	}
}

func (f *Forge) Name() string { return PlatformForge }

// Run polls the configured repositories until ctx is canceled.
func (f *Forge) Run(ctx context.Context) error {
	user, _, err := f.client.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("identify forge account: %w", err)
	}
	f.login = user.GetLogin()
	f.logger.Info("forge polling started", "login", f.login, "repos", len(f.repos), "interval", f.interval)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		cutoff := time.Now()
		for _, repo := range f.repos {
			if err := f.pollRepo(ctx, repo); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.logger.Warn("repo poll failed", "repo", repo, "error", err)
			}
		}
		f.since = cutoff

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollRepo fetches comments created since the last sweep and handles
// any that mention the bot.
func (f *Forge) pollRepo(ctx context.Context, repo string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	opts := &gogithub.IssueListCommentsOptions{
		Since:       &f.since,
		Sort:        gogithub.Ptr("created"),
		Direction:   gogithub.Ptr("asc"),
		ListOptions: gogithub.ListOptions{PerPage: 50},
	}
	for {
		// Issue number 0 lists comments across the whole repository.
		comments, resp, err := f.client.Issues.ListComments(ctx, owner, name, 0, opts)
		if err != nil {
			return fmt.Errorf("list comments: %w", err)
		}
		checkRateLimit(resp, f.logger)

		for _, c := range comments {
			// Off the poll loop; one slow issue must not stall the rest.
			go f.handleComment(ctx, owner, name, c)
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return nil
}

// handleComment runs one mentioning comment through the dispatcher and
// posts the reply on the issue.
func (f *Forge) handleComment(ctx context.Context, owner, name string, c *gogithub.IssueComment) {
	author := c.GetUser().GetLogin()
	if author == "" || author == f.login {
		return
	}
	body := c.GetBody()
	if !strings.Contains(body, "@"+f.login) {
		return
	}
	number := issueNumberFromURL(c.GetIssueURL())
	if number == 0 {
		f.logger.Warn("comment without issue number", "url", c.GetIssueURL())
		return
	}

	evt := dispatch.InboundEvent{
		Platform:        PlatformForge,
		ConversationKey: fmt.Sprintf("%s:%s/%s#%d", PlatformForge, owner, name, number),
		Sender:          author,
		Content:         strings.TrimSpace(strings.ReplaceAll(body, "@"+f.login, "")),
		ReceivedAt:      c.GetCreatedAt().Time,
	}
	if evt.Content == "" {
		return
	}
	f.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChannel,
		Kind:      events.KindEventReceived,
		Data: map[string]any{
			"platform":         PlatformForge,
			"conversation_key": evt.ConversationKey,
			"content_len":      len(evt.Content),
		},
	})

	reply, err := f.sub.Submit(ctx, evt)
	if err != nil {
		f.logger.Error("turn failed", "issue", evt.ConversationKey, "error", err)
	}
	if reply == nil {
		return
	}

	_, _, sendErr := f.client.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{
		Body: gogithub.Ptr(reply.Content),
	})
	if sendErr != nil {
		f.logger.Error("reply delivery failed", "issue", evt.ConversationKey, "error", sendErr)
	}
	f.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChannel,
		Kind:      events.KindReplyDelivered,
		Data: map[string]any{
			"platform":         PlatformForge,
			"conversation_key": evt.ConversationKey,
			"ok":               sendErr == nil,
		},
	})
}

// splitRepo splits a "owner/name" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/name", repo)
	}
	return parts[0], parts[1], nil
}

// issueNumberFromURL extracts the trailing number from an issue API
// URL like ".../repos/o/r/issues/42".
func issueNumberFromURL(u string) int {
	idx := strings.LastIndexByte(u, '/')
	if idx < 0 || idx == len(u)-1 {
		return 0
	}
	var n int
	for _, r := range u[idx+1:] {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// checkRateLimit logs a warning when remaining API calls drop low.
func checkRateLimit(resp *gogithub.Response, logger *slog.Logger) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		logger.Warn("forge rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}
