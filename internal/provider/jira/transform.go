package jira

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
)

type jiraUser struct {
	AccountID string `json:"accountId"`
	Name      string `json:"name"`
	Email     string `json:"emailAddress"`
}

type comment struct {
	ID      string    `json:"id"`
	Author  *jiraUser `json:"author"`
	Created string    `json:"created"`
}

type historyItem struct {
	Field    string `json:"field"`
	ToString string `json:"toString"`
}

type history struct {
	ID      string        `json:"id"`
	Author  *jiraUser     `json:"author"`
	Created string        `json:"created"`
	Items   []historyItem `json:"items"`
}

type issue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name           string `json:"name"`
			StatusCategory struct {
				Key string `json:"key"`
			} `json:"statusCategory"`
		} `json:"status"`
		Created        string    `json:"created"`
		Updated        string    `json:"updated"`
		ResolutionDate string    `json:"resolutiondate"`
		Creator        *jiraUser `json:"creator"`
		Comment        struct {
			Comments []comment `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
	Changelog struct {
		Histories []history `json:"histories"`
	} `json:"changelog"`
}

// Transform maps one issue into a Change plus its activity events. A
// resolved issue closes its change; the changelog supplies who resolved it.
func (p *Provider) Transform(rec crawler.RawRecord) (crawler.Docs, error) {
	var iss issue
	if err := json.Unmarshal(rec.Payload, &iss); err != nil {
		return crawler.Docs{}, fmt.Errorf("%w: decode jira issue: %v", crawler.ErrSchema, err)
	}
	if iss.Key == "" || iss.Fields.Updated == "" {
		return crawler.Docs{}, fmt.Errorf("%w: jira issue missing key or updated", crawler.ErrSchema)
	}
	created, err := parseTime(iss.Fields.Created)
	if err != nil {
		return crawler.Docs{}, err
	}
	updated, err := parseTime(iss.Fields.Updated)
	if err != nil {
		return crawler.Docs{}, err
	}

	repo := rec.Repository
	author := p.resolve(iss.Fields.Creator)

	change := &crawler.Change{
		ID:         crawler.ChangeID(p.Name(), repo, iss.Key),
		Provider:   p.Name(),
		Repository: repo,
		Title:      iss.Fields.Summary,
		State:      crawler.ChangeOpen,
		Author:     author,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}

	events := []crawler.Event{p.event(crawler.EventChangeCreated, repo, change.ID, author, created, iss.Key)}

	if iss.Fields.Status.StatusCategory.Key == "done" || iss.Fields.ResolutionDate != "" {
		change.State = crawler.ChangeClosed
		closedAt := updated
		if iss.Fields.ResolutionDate != "" {
			if t, err := parseTime(iss.Fields.ResolutionDate); err == nil {
				closedAt = t
			}
		}
		change.ClosedAt = &closedAt
		events = append(events, p.event(crawler.EventChangeAbandoned, repo, change.ID, p.resolver(iss, author), closedAt, iss.Key))
	}

	for _, c := range iss.Fields.Comment.Comments {
		at := updated
		if t, err := parseTime(c.Created); err == nil {
			at = t
		}
		events = append(events, p.event(crawler.EventChangeCommented, repo, change.ID, p.resolve(c.Author), at, c.ID))
	}

	return crawler.Docs{Change: change, Events: events, UpdatedAt: updated}, nil
}

// resolver walks the changelog backwards for the actor of the last status
// transition, falling back to the creator.
func (p *Provider) resolver(iss issue, creator crawler.Ident) crawler.Ident {
	for i := len(iss.Changelog.Histories) - 1; i >= 0; i-- {
		h := iss.Changelog.Histories[i]
		for _, item := range h.Items {
			if item.Field == "status" && h.Author != nil {
				return p.resolve(h.Author)
			}
		}
	}
	return creator
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: jira timestamp %q: %v", crawler.ErrSchema, raw, err)
	}
	return t.UTC(), nil
}

func (p *Provider) event(typ crawler.EventType, repo, changeID string, by crawler.Ident, at time.Time, naturalKey string) crawler.Event {
	return crawler.Event{
		ID:         crawler.EventID(p.Name(), string(typ), naturalKey),
		Type:       typ,
		Provider:   p.Name(),
		Repository: repo,
		Author:     by,
		OnChangeID: changeID,
		CreatedAt:  at,
	}
}

func (p *Provider) resolve(u *jiraUser) crawler.Ident {
	uid := "anonymous"
	switch {
	case u == nil:
	case u.Name != "":
		uid = u.Name
	case u.AccountID != "":
		uid = u.AccountID
	case u.Email != "":
		uid = u.Email
	}
	return p.idents.Resolve(p.Name(), uid)
}
