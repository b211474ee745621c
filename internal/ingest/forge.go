package ingest

import (
	"context"
	"fmt"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// forgeOrgDocuments summarizes an organization's repositories into
// knowledge documents: one per repository covering its metadata and
// recently updated open issues.
func forgeOrgDocuments(ctx context.Context, client *gogithub.Client, org string) ([]Document, error) {
	repos, _, err := client.Repositories.ListByOrg(ctx, org, &gogithub.RepositoryListByOrgOptions{
		Sort:        "updated",
		ListOptions: gogithub.ListOptions{PerPage: 30},
	})
	if err != nil {
		return nil, fmt.Errorf("list org repos: %w", err)
	}

	var docs []Document
	for _, r := range repos {
		if r.GetArchived() {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Repository %s", r.GetFullName())
		if d := r.GetDescription(); d != "" {
			fmt.Fprintf(&b, ": %s", d)
		}
		b.WriteString("\n")
		if lang := r.GetLanguage(); lang != "" {
			fmt.Fprintf(&b, "Primary language: %s\n", lang)
		}
		if topics := r.Topics; len(topics) > 0 {
			fmt.Fprintf(&b, "Topics: %s\n", strings.Join(topics, ", "))
		}

		issues, _, err := client.Issues.ListByRepo(ctx, r.GetOwner().GetLogin(), r.GetName(), &gogithub.IssueListByRepoOptions{
			State:       "open",
			Sort:        "updated",
			ListOptions: gogithub.ListOptions{PerPage: 10},
		})
		if err != nil {
			return nil, fmt.Errorf("list issues for %s: %w", r.GetFullName(), err)
		}
		if len(issues) > 0 {
			b.WriteString("Open issues:\n")
			for _, is := range issues {
				kind := "issue"
				if is.IsPullRequest() {
					kind = "pull request"
				}
				fmt.Fprintf(&b, "- #%d (%s) %s\n", is.GetNumber(), kind, is.GetTitle())
			}
		}

		docs = append(docs, Document{
			Source:  fmt.Sprintf("forge:%s", r.GetFullName()),
			Title:   r.GetFullName(),
			Content: strings.TrimSpace(b.String()),
		})
	}
	return docs, nil
}
