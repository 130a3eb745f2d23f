package gerrit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
)

type account struct {
	AccountID int    `json:"_account_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
}

type vote struct {
	account
	Value int    `json:"value"`
	Date  string `json:"date"`
}

type label struct {
	All []vote `json:"all"`
}

type message struct {
	ID      string   `json:"id"`
	Author  *account `json:"author"`
	Date    string   `json:"date"`
	Message string   `json:"message"`
	Tag     string   `json:"tag"`
}

type changeInfo struct {
	Number     int              `json:"_number"`
	Project    string           `json:"project"`
	Subject    string           `json:"subject"`
	Status     string           `json:"status"`
	Created    string           `json:"created"`
	Updated    string           `json:"updated"`
	Submitted  string           `json:"submitted"`
	Owner      *account         `json:"owner"`
	Submitter  *account         `json:"submitter"`
	Insertions int              `json:"insertions"`
	Deletions  int              `json:"deletions"`
	Labels     map[string]label `json:"labels"`
	Messages   []message        `json:"messages"`
}

// Transform maps one ChangeInfo into a Change plus its activity events.
// Label votes become review events; human messages become comment events;
// autogenerated messages are tooling noise and are ignored.
func (p *Provider) Transform(rec crawler.RawRecord) (crawler.Docs, error) {
	var info changeInfo
	if err := json.Unmarshal(rec.Payload, &info); err != nil {
		return crawler.Docs{}, fmt.Errorf("%w: decode gerrit change: %v", crawler.ErrSchema, err)
	}
	if info.Number == 0 || info.Updated == "" {
		return crawler.Docs{}, fmt.Errorf("%w: gerrit change missing _number or updated", crawler.ErrSchema)
	}
	created, err := parseTime(info.Created)
	if err != nil {
		return crawler.Docs{}, err
	}
	updated, err := parseTime(info.Updated)
	if err != nil {
		return crawler.Docs{}, err
	}

	repo := rec.Repository
	if repo == "" {
		repo = info.Project
	}
	author := p.resolve(info.Owner)

	change := &crawler.Change{
		ID:         crawler.ChangeID(p.Name(), repo, strconv.Itoa(info.Number)),
		Provider:   p.Name(),
		Repository: repo,
		Number:     info.Number,
		Title:      info.Subject,
		State:      changeState(info.Status),
		Author:     author,
		CreatedAt:  created,
		UpdatedAt:  updated,
		Additions:  info.Insertions,
		Deletions:  info.Deletions,
	}

	events := []crawler.Event{p.event(crawler.EventChangeCreated, repo, change.ID, author, created, "")}

	if info.Submitted != "" {
		submitted, err := parseTime(info.Submitted)
		if err != nil {
			return crawler.Docs{}, err
		}
		change.MergedAt = &submitted
		by := author
		if info.Submitter != nil {
			merger := p.resolve(info.Submitter)
			change.MergedBy = &merger
			by = merger
		}
		events = append(events, p.event(crawler.EventChangeMerged, repo, change.ID, by, submitted, ""))
	}
	if change.State == crawler.ChangeClosed {
		change.ClosedAt = &updated
		events = append(events, p.event(crawler.EventChangeAbandoned, repo, change.ID, p.abandoner(info, author), updated, ""))
	}

	// Iterate labels in a fixed order so event slices are reproducible.
	names := make([]string, 0, len(info.Labels))
	for name := range info.Labels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range info.Labels[name].All {
			if v.Value == 0 {
				continue
			}
			at := updated
			if v.Date != "" {
				if t, err := parseTime(v.Date); err == nil {
					at = t
				}
			}
			approval := fmt.Sprintf("%s%+d", name, v.Value)
			voter := p.resolve(&v.account)
			ev := p.event(crawler.EventChangeReviewed, repo, change.ID, voter, at,
				fmt.Sprintf("%d/%s/%s", info.Number, name, voter.UID))
			ev.Approval = approval
			events = append(events, ev)
			change.Approvals = append(change.Approvals, approval)
		}
	}

	for _, m := range info.Messages {
		if strings.HasPrefix(m.Tag, "autogenerated:") {
			continue
		}
		at := updated
		if t, err := parseTime(m.Date); err == nil {
			at = t
		}
		events = append(events, p.event(crawler.EventChangeCommented, repo, change.ID, p.resolve(m.Author), at, m.ID))
	}

	return crawler.Docs{Change: change, Events: events, UpdatedAt: updated}, nil
}

func changeState(status string) crawler.ChangeState {
	switch status {
	case "MERGED":
		return crawler.ChangeMerged
	case "ABANDONED":
		return crawler.ChangeClosed
	default:
		return crawler.ChangeOpen
	}
}

// abandoner picks the author of the abandon message when one survives in the
// message log, falling back to the change owner.
func (p *Provider) abandoner(info changeInfo, owner crawler.Ident) crawler.Ident {
	for i := len(info.Messages) - 1; i >= 0; i-- {
		if strings.HasPrefix(info.Messages[i].Message, "Abandoned") && info.Messages[i].Author != nil {
			return p.resolve(info.Messages[i].Author)
		}
	}
	return owner
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

func (p *Provider) resolve(a *account) crawler.Ident {
	uid := "anonymous"
	switch {
	case a == nil:
	case a.Username != "":
		uid = a.Username
	case a.Email != "":
		uid = a.Email
	case a.AccountID != 0:
		uid = strconv.Itoa(a.AccountID)
	}
	return p.idents.Resolve(p.Name(), uid)
}
