package mastodon

import "encoding/json"

type Application struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Website      string   `json:"website,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	RedirectURI  string   `json:"redirect_uri"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	CreatedAt   int64  `json:"created_at"`
}

type Account struct {
	ID             string  `json:"id"`
	Username       string  `json:"username"`
	Acct           string  `json:"acct"`
	DisplayName    string  `json:"display_name"`
	Locked         bool    `json:"locked"`
	Bot            bool    `json:"bot"`
	Group          bool    `json:"group"`
	CreatedAt      string  `json:"created_at"`
	Note           string  `json:"note"`
	URL            string  `json:"url"`
	Avatar         string  `json:"avatar"`
	AvatarStatic   string  `json:"avatar_static"`
	Header         string  `json:"header"`
	FollowersCount int     `json:"followers_count"`
	FollowingCount int     `json:"following_count"`
	StatusesCount  int     `json:"statuses_count"`
	LastStatusAt   string  `json:"last_status_at,omitempty"`
	Emojis         []Emoji `json:"emojis,omitempty"`
	Fields         []Field `json:"fields,omitempty"`
}

type Emoji struct {
	Shortcode       string `json:"shortcode"`
	URL             string `json:"url"`
	StaticURL       string `json:"static_url"`
	VisibleInPicker bool   `json:"visible_in_picker"`
	Category        string `json:"category,omitempty"`
}

type Field struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	VerifiedAt string `json:"verified_at,omitempty"`
}

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// Status is a single post. The interaction flags are pointers because they
// are only present when the request was authenticated.
type Status struct {
	ID                 string            `json:"id"`
	URI                string            `json:"uri"`
	URL                string            `json:"url,omitempty"`
	CreatedAt          string            `json:"created_at"`
	EditedAt           string            `json:"edited_at,omitempty"`
	Account            Account           `json:"account"`
	Content            string            `json:"content"`
	Text               string            `json:"text,omitempty"`
	Visibility         Visibility        `json:"visibility"`
	Sensitive          bool              `json:"sensitive"`
	SpoilerText        string            `json:"spoiler_text"`
	Language           string            `json:"language,omitempty"`
	MediaAttachments   []MediaAttachment `json:"media_attachments"`
	Mentions           []Mention         `json:"mentions"`
	Tags               []Tag             `json:"tags"`
	Emojis             []Emoji           `json:"emojis"`
	ReblogsCount       int               `json:"reblogs_count"`
	FavouritesCount    int               `json:"favourites_count"`
	RepliesCount       int               `json:"replies_count"`
	InReplyToID        string            `json:"in_reply_to_id,omitempty"`
	InReplyToAccountID string            `json:"in_reply_to_account_id,omitempty"`
	Reblog             *Status           `json:"reblog,omitempty"`
	Poll               *Poll             `json:"poll,omitempty"`
	Card               *Card             `json:"card,omitempty"`
	Favourited         *bool             `json:"favourited,omitempty"`
	Reblogged          *bool             `json:"reblogged,omitempty"`
	Muted              *bool             `json:"muted,omitempty"`
	Bookmarked         *bool             `json:"bookmarked,omitempty"`
	Pinned             *bool             `json:"pinned,omitempty"`
}

// Clone returns a deep enough copy of the status for the interaction flags
// and counters to be modified independently.
func (s *Status) Clone() *Status {
	if s == nil {
		return nil
	}
	c := *s
	c.Favourited = cloneBool(s.Favourited)
	c.Reblogged = cloneBool(s.Reblogged)
	c.Muted = cloneBool(s.Muted)
	c.Bookmarked = cloneBool(s.Bookmarked)
	c.Pinned = cloneBool(s.Pinned)
	c.Reblog = s.Reblog.Clone()
	return &c
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

type MediaType string

const (
	MediaImage   MediaType = "image"
	MediaVideo   MediaType = "video"
	MediaGifv    MediaType = "gifv"
	MediaAudio   MediaType = "audio"
	MediaUnknown MediaType = "unknown"
)

type MediaAttachment struct {
	ID          string          `json:"id"`
	Type        MediaType       `json:"type"`
	URL         string          `json:"url"`
	PreviewURL  string          `json:"preview_url,omitempty"`
	RemoteURL   string          `json:"remote_url,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	Description string          `json:"description,omitempty"`
	Blurhash    string          `json:"blurhash,omitempty"`
}

type Mention struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	URL      string `json:"url"`
	Acct     string `json:"acct"`
}

type Tag struct {
	Name    string       `json:"name"`
	URL     string       `json:"url"`
	History []TagHistory `json:"history,omitempty"`
}

type TagHistory struct {
	Day      string `json:"day"`
	Uses     string `json:"uses"`
	Accounts string `json:"accounts"`
}

type Poll struct {
	ID          string       `json:"id"`
	ExpiresAt   string       `json:"expires_at,omitempty"`
	Expired     bool         `json:"expired"`
	Multiple    bool         `json:"multiple"`
	VotesCount  int          `json:"votes_count"`
	VotersCount *int         `json:"voters_count,omitempty"`
	Options     []PollOption `json:"options"`
	Voted       *bool        `json:"voted,omitempty"`
	OwnVotes    []int        `json:"own_votes,omitempty"`
}

type PollOption struct {
	Title      string `json:"title"`
	VotesCount *int   `json:"votes_count,omitempty"`
}

type Card struct {
	URL          string `json:"url"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Type         string `json:"type"`
	AuthorName   string `json:"author_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
	Image        string `json:"image,omitempty"`
	EmbedURL     string `json:"embed_url,omitempty"`
	Blurhash     string `json:"blurhash,omitempty"`
}

type NotificationType string

const (
	NotificationMention       NotificationType = "mention"
	NotificationStatus        NotificationType = "status"
	NotificationReblog        NotificationType = "reblog"
	NotificationFollow        NotificationType = "follow"
	NotificationFollowRequest NotificationType = "follow_request"
	NotificationFavourite     NotificationType = "favourite"
	NotificationPoll          NotificationType = "poll"
	NotificationUpdate        NotificationType = "update"
)

type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	CreatedAt string           `json:"created_at"`
	Account   Account          `json:"account"`
	Status    *Status          `json:"status,omitempty"`
}

type Relationship struct {
	ID                  string `json:"id"`
	Following           bool   `json:"following"`
	ShowingReblogs      bool   `json:"showing_reblogs"`
	Notifying           bool   `json:"notifying"`
	FollowedBy          bool   `json:"followed_by"`
	Blocking            bool   `json:"blocking"`
	BlockedBy           bool   `json:"blocked_by"`
	Muting              bool   `json:"muting"`
	MutingNotifications bool   `json:"muting_notifications"`
	Requested           bool   `json:"requested"`
	DomainBlocking      bool   `json:"domain_blocking"`
	Endorsed            bool   `json:"endorsed"`
	Note                string `json:"note"`
}

// Context is the thread around a status.
type Context struct {
	Ancestors   []Status `json:"ancestors"`
	Descendants []Status `json:"descendants"`
}

type Conversation struct {
	ID         string    `json:"id"`
	Unread     bool      `json:"unread"`
	Accounts   []Account `json:"accounts"`
	LastStatus *Status   `json:"last_status,omitempty"`
}

type List struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	RepliesPolicy string `json:"replies_policy"`
	Exclusive     bool   `json:"exclusive"`
}

type SearchResults struct {
	Accounts []Account `json:"accounts"`
	Statuses []Status  `json:"statuses"`
	Hashtags []Tag     `json:"hashtags"`
}

// InstanceInfo is the response of GET /api/v2/instance.
type InstanceInfo struct {
	Domain      string `json:"domain"`
	Title       string `json:"title"`
	Version     string `json:"version"`
	SourceURL   string `json:"source_url"`
	Description string `json:"description"`
	Usage       struct {
		Users struct {
			ActiveMonth int `json:"active_month"`
		} `json:"users"`
	} `json:"usage"`
	Languages     []string `json:"languages"`
	Configuration struct {
		URLs struct {
			Streaming string `json:"streaming,omitempty"`
		} `json:"urls"`
		Statuses struct {
			MaxCharacters            int `json:"max_characters"`
			MaxMediaAttachments      int `json:"max_media_attachments"`
			CharactersReservedPerURL int `json:"characters_reserved_per_url"`
		} `json:"statuses"`
		MediaAttachments struct {
			SupportedMimeTypes []string `json:"supported_mime_types"`
			ImageSizeLimit     int      `json:"image_size_limit"`
			VideoSizeLimit     int      `json:"video_size_limit"`
		} `json:"media_attachments"`
		Polls struct {
			MaxOptions             int `json:"max_options"`
			MaxCharactersPerOption int `json:"max_characters_per_option"`
			MinExpiration          int `json:"min_expiration"`
			MaxExpiration          int `json:"max_expiration"`
		} `json:"polls"`
	} `json:"configuration"`
	Registrations struct {
		Enabled          bool   `json:"enabled"`
		ApprovalRequired bool   `json:"approval_required"`
		Message          string `json:"message,omitempty"`
	} `json:"registrations"`
	Rules []Rule `json:"rules"`
}

type Rule struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
