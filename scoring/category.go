package scoring

import "strings"

// Category is a coarse URL category used as a scoring signal.
type Category string

const (
	CategoryNone          Category = ""
	CategoryProductivity  Category = "productivity"
	CategoryCommunication Category = "communication"
	CategorySocial        Category = "social"
	CategoryVideo         Category = "video"
	CategoryEntertainment Category = "entertainment"
	CategoryNews          Category = "news"
	CategoryContent       Category = "content"
)

// Weight is the score adjustment for the category.
func (c Category) Weight() int {
	switch c {
	case CategoryProductivity, CategoryCommunication:
		return -15
	case CategorySocial, CategoryVideo, CategoryEntertainment:
		return 10
	case CategoryNews, CategoryContent:
		return 5
	}
	return 0
}

// categoryGroup maps hostname fragments to a category. A fragment matches
// when the hostname equals it, ends with "."+fragment, or, for fragments
// ending in ".", starts with it.
type categoryGroup struct {
	category  Category
	fragments []string
}

// Ordered: the first matching group wins.
var categoryGroups = []categoryGroup{
	{CategoryProductivity, []string{
		"docs.google.com", "sheets.google.com", "slides.google.com", "drive.google.com",
		"notion.so", "notion.site", "github.com", "gitlab.com", "bitbucket.org",
		"atlassian.net", "jira.com", "trello.com", "asana.com", "linear.app",
		"figma.com", "miro.com", "office.com", "sharepoint.com", "airtable.com",
		"stackoverflow.com", "console.aws.amazon.com", "portal.azure.com",
		"console.cloud.google.com", "docs.", "jira.", "confluence.",
	}},
	{CategoryCommunication, []string{
		"mail.google.com", "outlook.live.com", "outlook.office.com", "outlook.office365.com",
		"slack.com", "app.slack.com", "teams.microsoft.com", "discord.com",
		"web.whatsapp.com", "web.telegram.org", "messenger.com", "meet.google.com",
		"zoom.us", "calendar.google.com", "mail.",
	}},
	{CategorySocial, []string{
		"facebook.com", "instagram.com", "twitter.com", "x.com", "linkedin.com",
		"reddit.com", "tiktok.com", "pinterest.com", "tumblr.com", "threads.net",
		"bsky.app", "mastodon.social",
	}},
	{CategoryVideo, []string{
		"youtube.com", "youtu.be", "vimeo.com", "twitch.tv", "dailymotion.com",
		"netflix.com", "hulu.com", "disneyplus.com", "primevideo.com",
	}},
	{CategoryEntertainment, []string{
		"spotify.com", "soundcloud.com", "9gag.com", "imgur.com", "steampowered.com",
		"store.steampowered.com", "itch.io", "ign.com",
	}},
	{CategoryNews, []string{
		"news.google.com", "news.ycombinator.com", "nytimes.com", "bbc.com", "bbc.co.uk",
		"cnn.com", "theguardian.com", "reuters.com", "bloomberg.com", "washingtonpost.com",
		"news.",
	}},
	{CategoryContent, []string{
		"medium.com", "substack.com", "wikipedia.org", "dev.to", "blogspot.com",
		"wordpress.com", "quora.com", "blog.",
	}},
}

// Categorize infers the category of a lowercase hostname from the curated
// groups. Unmatched hostnames return CategoryNone.
func Categorize(host string) Category {
	if host == "" {
		return CategoryNone
	}
	for _, g := range categoryGroups {
		for _, f := range g.fragments {
			if matchFragment(host, f) {
				return g.category
			}
		}
	}
	return CategoryNone
}

// CategoryFromKind maps an Open Graph og:type value to a category.
func CategoryFromKind(kind string) Category {
	kind = strings.ToLower(strings.TrimSpace(kind))
	switch {
	case strings.HasPrefix(kind, "video."), strings.HasPrefix(kind, "music."):
		return CategoryEntertainment
	case kind == "article":
		return CategoryNews
	}
	return CategoryNone
}

func matchFragment(host, f string) bool {
	if strings.HasSuffix(f, ".") {
		return strings.HasPrefix(host, f)
	}
	return host == f || strings.HasSuffix(host, "."+f)
}
