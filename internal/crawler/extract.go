package crawler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	profileURLTemplate   = "https://www.threads.net/@%s"
	permalinkURLTemplate = "https://www.threads.net/@%s/post/%s"
)

// ProfileData is the full profile projection found in a payload.
type ProfileData struct {
	IsPrivate  bool
	IsVerified bool
	ProfilePic string
	Username   string
	FullName   string
	Bio        string
	BioLinks   []string
	Followers  int64
	URL        string
}

// Profile keeps the persisted subset of the projection.
func (p ProfileData) Profile() Profile {
	return Profile{
		Username:  p.Username,
		FullName:  p.FullName,
		Bio:       p.Bio,
		Followers: p.Followers,
		URL:       p.URL,
	}
}

// ThreadData is the full projection of one thread item.
type ThreadData struct {
	Text         string
	PublishedOn  int64
	ID           string
	PK           string
	Code         string
	Username     string
	UserPic      string
	UserVerified bool
	UserPK       string
	UserID       string
	HasAudio     bool
	ReplyCount   int
	LikeCount    int64
	Images       []string
	ImageCount   int
	Videos       []string
	URL          string
}

// Post keeps text, code, author and permalink.
func (t ThreadData) Post() Post {
	return Post{
		ID:       t.Code,
		Username: t.Username,
		Text:     t.Text,
		URL:      t.URL,
	}
}

// Reply keeps text, code, author and permalink. The parent post id is the
// reply's own code; the replies page does not expose the parent reliably.
func (t ThreadData) Reply() Reply {
	return Reply{
		ID:           t.Code,
		ParentPostID: t.Code,
		Username:     t.Username,
		Text:         t.Text,
		URL:          t.URL,
	}
}

// NestedLookup returns every value stored under key anywhere in doc, depth
// first in document order. Matched values are searched as well.
func NestedLookup(doc gjson.Result, key string) []gjson.Result {
	var out []gjson.Result
	walk(doc, key, &out)
	return out
}

func walk(node gjson.Result, key string, out *[]gjson.Result) {
	switch {
	case node.IsObject():
		node.ForEach(func(k, v gjson.Result) bool {
			if k.String() == key {
				*out = append(*out, v)
			}
			walk(v, key, out)
			return true
		})
	case node.IsArray():
		node.ForEach(func(_, v gjson.Result) bool {
			walk(v, key, out)
			return true
		})
	}
}

// ExtractProfile projects the first "user" node carrying a follower count.
func ExtractProfile(doc gjson.Result) (ProfileData, bool) {
	for _, node := range NestedLookup(doc, "user") {
		if !node.IsObject() || !node.Get("follower_count").Exists() {
			continue
		}
		return parseProfile(node), true
	}
	return ProfileData{}, false
}

func parseProfile(node gjson.Result) ProfileData {
	p := ProfileData{
		IsPrivate:  node.Get("text_post_app_is_private").Bool(),
		IsVerified: node.Get("is_verified").Bool(),
		Username:   node.Get("username").String(),
		FullName:   node.Get("full_name").String(),
		Bio:        node.Get("biography").String(),
		Followers:  node.Get("follower_count").Int(),
	}
	if versions := node.Get("hd_profile_pic_versions").Array(); len(versions) > 0 {
		p.ProfilePic = versions[len(versions)-1].Get("url").String()
	}
	for _, link := range node.Get("bio_links").Array() {
		if u := link.Get("url"); u.Exists() {
			p.BioLinks = append(p.BioLinks, u.String())
		}
	}
	p.URL = fmt.Sprintf(profileURLTemplate, p.Username)
	return p
}

// ExtractThreads parses every item of every thread_items list in doc.
func ExtractThreads(doc gjson.Result) []ThreadData {
	var out []ThreadData
	for _, items := range NestedLookup(doc, "thread_items") {
		if !items.IsArray() {
			continue
		}
		for _, item := range items.Array() {
			out = append(out, ParseThread(item))
		}
	}
	return out
}

// ParseThread projects a single thread item.
func ParseThread(item gjson.Result) ThreadData {
	post := item.Get("post")
	t := ThreadData{
		Text:         post.Get("caption.text").String(),
		PublishedOn:  post.Get("taken_at").Int(),
		ID:           post.Get("id").String(),
		PK:           post.Get("pk").String(),
		Code:         post.Get("code").String(),
		Username:     post.Get("user.username").String(),
		UserPic:      post.Get("user.profile_pic_url").String(),
		UserVerified: post.Get("user.is_verified").Bool(),
		UserPK:       post.Get("user.pk").String(),
		UserID:       post.Get("user.id").String(),
		HasAudio:     post.Get("has_audio").Bool(),
		ReplyCount:   parseReplyCount(item.Get("view_replies_cta_string")),
		LikeCount:    post.Get("like_count").Int(),
		ImageCount:   int(post.Get("carousel_media_count").Int()),
	}
	for _, media := range post.Get("carousel_media").Array() {
		if u := media.Get("image_versions2.candidates.1.url"); u.Exists() {
			t.Images = append(t.Images, u.String())
		}
	}
	t.Videos = uniqueURLs(post.Get("video_versions").Array())
	t.URL = fmt.Sprintf(permalinkURLTemplate, t.Username, t.Code)
	return t
}

// parseReplyCount accepts a number or a display string such as "12 replies".
func parseReplyCount(v gjson.Result) int {
	switch v.Type {
	case gjson.Number:
		return int(v.Int())
	case gjson.String:
		fields := strings.Fields(v.String())
		if len(fields) == 0 {
			return 0
		}
		n, err := strconv.Atoi(strings.ReplaceAll(fields[0], ",", ""))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func uniqueURLs(versions []gjson.Result) []string {
	seen := make(map[string]struct{}, len(versions))
	var out []string
	for _, v := range versions {
		u := v.Get("url")
		if !u.Exists() {
			continue
		}
		if _, dup := seen[u.String()]; dup {
			continue
		}
		seen[u.String()] = struct{}{}
		out = append(out, u.String())
	}
	return out
}
