package provider

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/ratelimit"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/Sternrassler/profile-harvester/pkg/retry"
	"github.com/rs/zerolog"
)

// Selectors for the server-rendered profile header.
const (
	selUserName    = "[data-testid='UserName']"
	selDescription = "[data-testid='UserDescription']"
	selLocation    = "[data-testid='UserLocation']"
	selJoinDate    = "[data-testid='UserJoinDate']"
	selHeaderItems = "[data-testid='UserProfileHeader_Items'] span"
	selFollowers   = "[data-testid='followerCount']"
	selFollowing   = "[data-testid='followingCount']"
	selVerified    = "svg[aria-label='Verified account']"
)

// Page fetches the HTML profile page and reads the header fields.
type Page struct {
	transport *transport
}

// NewPage creates an HTML profile provider. tracker may be nil.
func NewPage(cfg Config, tracker *ratelimit.Tracker, logger zerolog.Logger) *Page {
	return &Page{transport: newTransport(string(KindPage), cfg, "text/html", tracker, logger)}
}

// Fetch implements Provider.
func (p *Page) Fetch(ctx context.Context, id identifier.ID) (record.Record, error) {
	resp, err := p.transport.get(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	return parseProfilePage(id, resp.Body())
}

// parseProfilePage extracts the record from a profile page. A page without
// the profile header is treated as a render failure.
func parseProfilePage(id identifier.ID, body []byte) (record.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return record.Record{}, retry.NewError(retry.ClassMalformed, "parse profile page", err)
	}

	header := doc.Find(selUserName).First()
	if header.Length() == 0 {
		return record.Record{}, retry.NewError(retry.ClassRender, "profile header missing", nil)
	}

	return record.New(map[record.Field]record.Value{
		record.FieldVerified:  record.Bool(doc.Find(selVerified).Length() > 0),
		record.FieldCreatedAt: record.String(strings.TrimPrefix(text(doc.Find(selJoinDate)), "Joined ")),
		record.FieldBio:       record.String(text(doc.Find(selDescription))),
		record.FieldFollowers: count(text(doc.Find(selFollowers))),
		record.FieldFollowing: count(text(doc.Find(selFollowing))),
		record.FieldLocation:  record.String(location(doc)),
		record.FieldName:      record.String(text(header.Find("span"))),
		record.FieldUserName:  record.String(string(id)),
		record.FieldURL:       record.String(ProfileURL(id)),
	})
}

// location prefers the dedicated element and falls back to the first header
// item that is not the join date.
func location(doc *goquery.Document) string {
	if loc := text(doc.Find(selLocation)); loc != "" {
		return loc
	}
	var out string
	doc.Find(selHeaderItems).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := strings.TrimSpace(s.Text())
		if t != "" && !strings.HasPrefix(strings.ToLower(t), "joined") {
			out = t
			return false
		}
		return true
	})
	return out
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.First().Text())
}

// count parses display counts such as "1,234", "12.5K" or "3M". Text that
// is not a count is kept verbatim.
func count(s string) record.Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return record.Empty()
	}

	mult := 1.0
	num := strings.ReplaceAll(s, ",", "")
	if num == "" {
		return record.String(s)
	}
	switch suffix := strings.ToUpper(num[len(num)-1:]); suffix {
	case "K":
		mult, num = 1e3, num[:len(num)-1]
	case "M":
		mult, num = 1e6, num[:len(num)-1]
	case "B":
		mult, num = 1e9, num[:len(num)-1]
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f < 0 {
		return record.String(s)
	}
	return record.Int(int64(f*mult + 0.5))
}
