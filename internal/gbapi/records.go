package gbapi

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind describes one upstream entity kind: its item and collection endpoint
// names and the stable type id used in guids.
type Kind struct {
	ItemName       string
	CollectionName string
	TypeID         int
}

var (
	KindVideo         = &Kind{ItemName: "video", CollectionName: "videos", TypeID: 2300}
	KindVideoShow     = &Kind{ItemName: "video_show", CollectionName: "video_shows", TypeID: 2340}
	KindVideoCategory = &Kind{ItemName: "video_category", CollectionName: "video_categories", TypeID: 2320}
	KindImage         = &Kind{ItemName: "image", CollectionName: "images", TypeID: 920000}
)

var kinds = []*Kind{KindVideo, KindVideoShow, KindVideoCategory, KindImage}

// GUID builds the cross-kind identifier for an entity id.
func (k *Kind) GUID(id int64) string {
	return fmt.Sprintf("%d-%d", k.TypeID, id)
}

// KindByItemName resolves a kind from its item name.
func KindByItemName(name string) (*Kind, error) {
	for _, k := range kinds {
		if k.ItemName == name {
			return k, nil
		}
	}
	return nil, fmt.Errorf("unknown entity kind %q", name)
}

// KindByTypeID resolves a kind from its stable type id.
func KindByTypeID(typeID int) (*Kind, error) {
	for _, k := range kinds {
		if k.TypeID == typeID {
			return k, nil
		}
	}
	return nil, fmt.Errorf("unknown entity type id %d", typeID)
}

// IsGUID reports whether the string looks like a `<type-id>-<id>` guid.
func IsGUID(s string) bool {
	_, _, err := ParseGUID(s)
	return err == nil
}

// ParseGUID splits a guid into its kind and entity id.
func ParseGUID(s string) (*Kind, int64, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("malformed guid %q", s)
	}
	typeID, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, 0, fmt.Errorf("malformed guid %q", s)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed guid %q", s)
	}
	kind, err := KindByTypeID(typeID)
	if err != nil {
		return nil, 0, err
	}
	return kind, id, nil
}

// Record is a decoded upstream API result.
type Record interface {
	RecordKind() *Kind
	RecordID() int64
}

// ImageRecord carries every size tier of an upstream image. Images have no
// upstream id; their identity is the URL tuple.
type ImageRecord struct {
	IconURL        string `xml:"icon_url" json:"icon_url"`
	MediumURL      string `xml:"medium_url" json:"medium_url"`
	OriginalURL    string `xml:"original_url" json:"original_url"`
	ScreenURL      string `xml:"screen_url" json:"screen_url"`
	ScreenLargeURL string `xml:"screen_large_url" json:"screen_large_url"`
	SmallURL       string `xml:"small_url" json:"small_url"`
	SuperURL       string `xml:"super_url" json:"super_url"`
	ThumbURL       string `xml:"thumb_url" json:"thumb_url"`
	TinyURL        string `xml:"tiny_url" json:"tiny_url"`
	ImageTags      string `xml:"image_tags" json:"image_tags"`
}

func (r *ImageRecord) RecordKind() *Kind { return KindImage }
func (r *ImageRecord) RecordID() int64   { return 0 }

// Empty reports whether the record carries no URLs at all, which happens
// when the enclosing element was present but self-closed.
func (r *ImageRecord) Empty() bool {
	return r.IconURL == "" && r.MediumURL == "" && r.OriginalURL == "" &&
		r.ScreenURL == "" && r.ScreenLargeURL == "" && r.SmallURL == "" &&
		r.SuperURL == "" && r.ThumbURL == "" && r.TinyURL == ""
}

// VideoShowRecord is an upstream video show.
type VideoShowRecord struct {
	ID            int64        `xml:"id" json:"id"`
	GUID          string       `xml:"guid" json:"guid"`
	Title         string       `xml:"title" json:"title"`
	Deck          string       `xml:"deck" json:"deck"`
	Position      string       `xml:"position" json:"position"`
	Active        string       `xml:"active" json:"active"`
	DisplayNav    string       `xml:"display_nav" json:"display_nav"`
	Premium       string       `xml:"premium" json:"premium"`
	APIDetailURL  string       `xml:"api_detail_url" json:"api_detail_url"`
	APIVideosURL  string       `xml:"api_videos_url" json:"api_videos_url"`
	SiteDetailURL string       `xml:"site_detail_url" json:"site_detail_url"`
	Image         *ImageRecord `xml:"image" json:"image"`
	Logo          *ImageRecord `xml:"logo" json:"logo"`
}

func (r *VideoShowRecord) RecordKind() *Kind { return KindVideoShow }
func (r *VideoShowRecord) RecordID() int64   { return r.ID }

// VideoCategoryRecord is an upstream video category.
type VideoCategoryRecord struct {
	ID            int64        `xml:"id" json:"id"`
	GUID          string       `xml:"guid" json:"guid"`
	Name          string       `xml:"name" json:"name"`
	Deck          string       `xml:"deck" json:"deck"`
	APIDetailURL  string       `xml:"api_detail_url" json:"api_detail_url"`
	SiteDetailURL string       `xml:"site_detail_url" json:"site_detail_url"`
	Image         *ImageRecord `xml:"image" json:"image"`
}

func (r *VideoCategoryRecord) RecordKind() *Kind { return KindVideoCategory }
func (r *VideoCategoryRecord) RecordID() int64   { return r.ID }

// VideoRecord is an upstream video, with its nested image, show and
// categories.
type VideoRecord struct {
	ID            int64                 `xml:"id" json:"id"`
	GUID          string                `xml:"guid" json:"guid"`
	Name          string                `xml:"name" json:"name"`
	Deck          string                `xml:"deck" json:"deck"`
	APIDetailURL  string                `xml:"api_detail_url" json:"api_detail_url"`
	SiteDetailURL string                `xml:"site_detail_url" json:"site_detail_url"`
	HDURL         string                `xml:"hd_url" json:"hd_url"`
	HighURL       string                `xml:"high_url" json:"high_url"`
	LowURL        string                `xml:"low_url" json:"low_url"`
	EmbedPlayer   string                `xml:"embed_player" json:"embed_player"`
	LengthSeconds int64                 `xml:"length_seconds" json:"length_seconds"`
	PublishDate   string                `xml:"publish_date" json:"publish_date"`
	URL           string                `xml:"url" json:"url"`
	User          string                `xml:"user" json:"user"`
	YoutubeID     string                `xml:"youtube_id" json:"youtube_id"`
	Premium       string                `xml:"premium" json:"premium"`
	Hosts         string                `xml:"hosts" json:"hosts"`
	Crew          string                `xml:"crew" json:"crew"`
	SavedTime     string                `xml:"saved_time" json:"saved_time"`
	Image         *ImageRecord          `xml:"image" json:"image"`
	VideoShow     *VideoShowRecord      `xml:"video_show" json:"video_show"`
	Categories    []VideoCategoryRecord `xml:"video_categories>video_category" json:"video_categories"`
}

func (r *VideoRecord) RecordKind() *Kind { return KindVideo }
func (r *VideoRecord) RecordID() int64   { return r.ID }
