package github

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
)

type actor struct {
	Login string `json:"login"`
}

type searchNode struct {
	Typename     string     `json:"__typename"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	URL          string     `json:"url"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	MergedAt     *time.Time `json:"mergedAt"`
	ClosedAt     *time.Time `json:"closedAt"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changedFiles"`
	Commits      struct {
		TotalCount int `json:"totalCount"`
	} `json:"commits"`
	Author   *actor `json:"author"`
	MergedBy *actor `json:"mergedBy"`
	Reviews  struct {
		Nodes []reviewNode `json:"nodes"`
	} `json:"reviews"`
	Comments struct {
		Nodes []commentNode `json:"nodes"`
	} `json:"comments"`
	TimelineItems struct {
		Nodes []struct {
			Actor *actor `json:"actor"`
		} `json:"nodes"`
	} `json:"timelineItems"`
}

type reviewNode struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submittedAt"`
	Author      *actor    `json:"author"`
}

type commentNode struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Author    *actor    `json:"author"`
}

// Transform maps one search node into a Change document plus its activity
// events. Deleted accounts surface as a nil author and map to "ghost".
func (p *Provider) Transform(rec crawler.RawRecord) (crawler.Docs, error) {
	var node searchNode
	if err := json.Unmarshal(rec.Payload, &node); err != nil {
		return crawler.Docs{}, fmt.Errorf("%w: decode github node: %v", crawler.ErrSchema, err)
	}
	if node.Number == 0 || node.UpdatedAt.IsZero() {
		return crawler.Docs{}, fmt.Errorf("%w: github node missing number or updatedAt", crawler.ErrSchema)
	}

	// Search nodes never carry the repository name, so we rely on the entity
	// scoping the crawl. The dispatcher threads it through the record.
	repo := rec.Repository
	author := p.resolve(node.Author)

	change := &crawler.Change{
		ID:           crawler.ChangeID(p.Name(), repo, fmt.Sprintf("%d", node.Number)),
		Provider:     p.Name(),
		Repository:   repo,
		Number:       node.Number,
		Title:        node.Title,
		State:        changeState(node),
		Author:       author,
		CreatedAt:    node.CreatedAt,
		UpdatedAt:    node.UpdatedAt,
		MergedAt:     node.MergedAt,
		ClosedAt:     node.ClosedAt,
		Additions:    node.Additions,
		Deletions:    node.Deletions,
		ChangedFiles: node.ChangedFiles,
		CommitCount:  node.Commits.TotalCount,
		URL:          node.URL,
	}
	for _, rv := range node.Reviews.Nodes {
		if rv.State == "APPROVED" {
			change.Approvals = append(change.Approvals, rv.State)
		}
	}
	if node.MergedBy != nil {
		merger := p.resolve(node.MergedBy)
		change.MergedBy = &merger
	}

	events := []crawler.Event{p.event(crawler.EventChangeCreated, repo, change.ID, author, node.CreatedAt, "")}
	if node.MergedAt != nil {
		by := author
		if change.MergedBy != nil {
			by = *change.MergedBy
		}
		events = append(events, p.event(crawler.EventChangeMerged, repo, change.ID, by, *node.MergedAt, ""))
	}
	if change.State == crawler.ChangeClosed && node.ClosedAt != nil {
		by := author
		if len(node.TimelineItems.Nodes) > 0 && node.TimelineItems.Nodes[0].Actor != nil {
			by = p.resolve(node.TimelineItems.Nodes[0].Actor)
		}
		events = append(events, p.event(crawler.EventChangeAbandoned, repo, change.ID, by, *node.ClosedAt, ""))
	}
	for _, rv := range node.Reviews.Nodes {
		ev := p.event(crawler.EventChangeReviewed, repo, change.ID, p.resolve(rv.Author), rv.SubmittedAt, rv.ID)
		ev.Approval = rv.State
		events = append(events, ev)
	}
	for _, cm := range node.Comments.Nodes {
		events = append(events, p.event(crawler.EventChangeCommented, repo, change.ID, p.resolve(cm.Author), cm.CreatedAt, cm.ID))
	}

	return crawler.Docs{Change: change, Events: events, UpdatedAt: node.UpdatedAt}, nil
}

func changeState(node searchNode) crawler.ChangeState {
	switch strings.ToUpper(node.State) {
	case "MERGED":
		return crawler.ChangeMerged
	case "CLOSED":
		if node.Typename == "PullRequest" && node.MergedAt != nil {
			return crawler.ChangeMerged
		}
		return crawler.ChangeClosed
	default:
		return crawler.ChangeOpen
	}
}

func (p *Provider) event(typ crawler.EventType, repo, changeID string, by crawler.Ident, at time.Time, naturalKey string) crawler.Event {
	key := naturalKey
	if key == "" {
		key = changeID
	}
	return crawler.Event{
		ID:         crawler.EventID(p.Name(), string(typ), key),
		Type:       typ,
		Provider:   p.Name(),
		Repository: repo,
		Author:     by,
		OnChangeID: changeID,
		CreatedAt:  at,
	}
}

func (p *Provider) resolve(a *actor) crawler.Ident {
	login := "ghost"
	if a != nil && a.Login != "" {
		login = a.Login
	}
	return p.idents.Resolve(p.Name(), login)
}
