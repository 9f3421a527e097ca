package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/ratelimit"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/Sternrassler/profile-harvester/pkg/retry"
	"github.com/rs/zerolog"
)

// userEnvelope is the JSON document returned by the profile endpoint.
type userEnvelope struct {
	Data struct {
		User *struct {
			Result *userResult `json:"result"`
		} `json:"user"`
	} `json:"data"`
}

type userResult struct {
	Typename       string     `json:"__typename"`
	ID             string     `json:"id"`
	RestID         string     `json:"rest_id"`
	IsBlueVerified bool       `json:"is_blue_verified"`
	Reason         string     `json:"reason"`
	Legacy         legacyUser `json:"legacy"`
}

type legacyUser struct {
	CreatedAt       string  `json:"created_at"`
	Description     string  `json:"description"`
	FavouritesCount *int64  `json:"favourites_count"`
	FollowersCount  *int64  `json:"followers_count"`
	FriendsCount    *int64  `json:"friends_count"`
	ListedCount     *int64  `json:"listed_count"`
	Location        string  `json:"location"`
	MediaCount      *int64  `json:"media_count"`
	Name            string  `json:"name"`
	ScreenName      string  `json:"screen_name"`
	StatusesCount   *int64  `json:"statuses_count"`
	URL             *string `json:"url"`
}

// HTTP fetches profiles from a JSON endpoint at <BaseURL>/<identifier>.
type HTTP struct {
	transport *transport
}

// NewHTTP creates a JSON profile provider. tracker may be nil.
func NewHTTP(cfg Config, tracker *ratelimit.Tracker, logger zerolog.Logger) *HTTP {
	return &HTTP{transport: newTransport(string(KindHTTP), cfg, "application/json", tracker, logger)}
}

// Fetch implements Provider.
func (h *HTTP) Fetch(ctx context.Context, id identifier.ID) (record.Record, error) {
	resp, err := h.transport.get(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	return decodeProfile(resp.Body())
}

// decodeProfile maps the JSON envelope onto the record schema.
func decodeProfile(body []byte) (record.Record, error) {
	var env userEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return record.Record{}, retry.NewError(retry.ClassMalformed, "decode profile", err)
	}
	if env.Data.User == nil || env.Data.User.Result == nil {
		return record.Record{}, retry.NewError(retry.ClassMalformed, "response has no user", nil)
	}

	u := env.Data.User.Result
	if u.Typename == "UserUnavailable" {
		msg := "user unavailable"
		if u.Reason != "" {
			msg += ": " + u.Reason
		}
		return record.Record{}, retry.NewError(retry.ClassSuspended, msg, nil)
	}

	l := u.Legacy
	values := map[record.Field]record.Value{
		record.FieldID:              record.String(u.ID),
		record.FieldRestID:          record.String(u.RestID),
		record.FieldVerified:        record.Bool(u.IsBlueVerified),
		record.FieldCreatedAt:       record.String(l.CreatedAt),
		record.FieldBio:             record.String(l.Description),
		record.FieldFavouritesCount: optInt(l.FavouritesCount),
		record.FieldFollowers:       optInt(l.FollowersCount),
		record.FieldFollowing:       optInt(l.FriendsCount),
		record.FieldUsersAddedHim:   optInt(l.ListedCount),
		record.FieldLocation:        record.String(strings.TrimSpace(l.Location)),
		record.FieldMediaCount:      optInt(l.MediaCount),
		record.FieldName:            record.String(l.Name),
		record.FieldUserName:        record.String(l.ScreenName),
		record.FieldPosts:           optInt(l.StatusesCount),
	}
	if l.URL != nil {
		values[record.FieldURL] = record.String(*l.URL)
	}
	return record.New(values)
}

func optInt(v *int64) record.Value {
	if v == nil {
		return record.Empty()
	}
	return record.Int(*v)
}
