package gitlab

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
)

type user struct {
	Username string `json:"username"`
}

type item struct {
	IID          int        `json:"iid"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	MergedAt     *time.Time `json:"merged_at"`
	ClosedAt     *time.Time `json:"closed_at"`
	Author       *user      `json:"author"`
	MergedBy     *user      `json:"merged_by"`
	ClosedBy     *user      `json:"closed_by"`
	WebURL       string     `json:"web_url"`
	ChangesCount string     `json:"changes_count"`
}

type note struct {
	ID        int       `json:"id"`
	Body      string    `json:"body"`
	System    bool      `json:"system"`
	CreatedAt time.Time `json:"created_at"`
	Author    *user     `json:"author"`
}

// Transform maps one merge request or issue record into a Change plus its
// activity events. Approval system notes become review events; human notes
// become comment events; other system notes are noise and are ignored.
func (p *Provider) Transform(rec crawler.RawRecord) (crawler.Docs, error) {
	var wrapped record
	if err := json.Unmarshal(rec.Payload, &wrapped); err != nil {
		return crawler.Docs{}, fmt.Errorf("%w: decode gitlab record: %v", crawler.ErrSchema, err)
	}
	var it item
	if err := json.Unmarshal(wrapped.Item, &it); err != nil {
		return crawler.Docs{}, fmt.Errorf("%w: decode gitlab item: %v", crawler.ErrSchema, err)
	}
	if it.IID == 0 || it.UpdatedAt.IsZero() {
		return crawler.Docs{}, fmt.Errorf("%w: gitlab item missing iid or updated_at", crawler.ErrSchema)
	}
	var notes []note
	if len(wrapped.Notes) > 0 {
		if err := json.Unmarshal(wrapped.Notes, &notes); err != nil {
			return crawler.Docs{}, fmt.Errorf("%w: decode gitlab notes: %v", crawler.ErrSchema, err)
		}
	}

	repo := rec.Repository
	author := p.resolve(it.Author)

	change := &crawler.Change{
		ID:         crawler.ChangeID(p.Name(), repo, strconv.Itoa(it.IID)),
		Provider:   p.Name(),
		Repository: repo,
		Number:     it.IID,
		Title:      it.Title,
		State:      changeState(it.State),
		Author:     author,
		CreatedAt:  it.CreatedAt,
		UpdatedAt:  it.UpdatedAt,
		MergedAt:   it.MergedAt,
		ClosedAt:   it.ClosedAt,
		URL:        it.WebURL,
	}
	if n, err := strconv.Atoi(it.ChangesCount); err == nil {
		change.ChangedFiles = n
	}
	if it.MergedBy != nil {
		merger := p.resolve(it.MergedBy)
		change.MergedBy = &merger
	}

	events := []crawler.Event{p.event(crawler.EventChangeCreated, repo, change.ID, author, it.CreatedAt, "")}
	if it.MergedAt != nil {
		by := author
		if change.MergedBy != nil {
			by = *change.MergedBy
		}
		events = append(events, p.event(crawler.EventChangeMerged, repo, change.ID, by, *it.MergedAt, ""))
	}
	if change.State == crawler.ChangeClosed && it.ClosedAt != nil {
		by := author
		if it.ClosedBy != nil {
			by = p.resolve(it.ClosedBy)
		}
		events = append(events, p.event(crawler.EventChangeAbandoned, repo, change.ID, by, *it.ClosedAt, ""))
	}
	for _, n := range notes {
		key := strconv.Itoa(n.ID)
		switch {
		case n.System && strings.HasPrefix(n.Body, "approved this merge request"):
			ev := p.event(crawler.EventChangeReviewed, repo, change.ID, p.resolve(n.Author), n.CreatedAt, key)
			ev.Approval = "approved"
			events = append(events, ev)
			change.Approvals = append(change.Approvals, "approved")
		case n.System && strings.HasPrefix(n.Body, "unapproved this merge request"):
			ev := p.event(crawler.EventChangeReviewed, repo, change.ID, p.resolve(n.Author), n.CreatedAt, key)
			ev.Approval = "unapproved"
			events = append(events, ev)
		case n.System:
			// Label, milestone and pipeline chatter carries no review signal.
		default:
			events = append(events, p.event(crawler.EventChangeCommented, repo, change.ID, p.resolve(n.Author), n.CreatedAt, key))
		}
	}

	return crawler.Docs{Change: change, Events: events, UpdatedAt: it.UpdatedAt}, nil
}

func changeState(state string) crawler.ChangeState {
	switch state {
	case "merged":
		return crawler.ChangeMerged
	case "closed":
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

func (p *Provider) resolve(u *user) crawler.Ident {
	uid := "ghost"
	if u != nil && u.Username != "" {
		uid = u.Username
	}
	return p.idents.Resolve(p.Name(), uid)
}
