package policy

import (
	"regexp"

	"github.com/goccy/go-json"
)

// DefaultFakeCountsValue is used when the snapshot does not configure one.
const DefaultFakeCountsValue = 888

var fakeCountsPaths = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/Items/Counts(/|$)`),
	regexp.MustCompile(`(?i)/Users/.*/Items/Counts`),
}

// itemCounts mirrors the Emby /Items/Counts response shape.
type itemCounts struct {
	MovieCount      int `json:"MovieCount"`
	SeriesCount     int `json:"SeriesCount"`
	EpisodeCount    int `json:"EpisodeCount"`
	GameCount       int `json:"GameCount"`
	ArtistCount     int `json:"ArtistCount"`
	ProgramCount    int `json:"ProgramCount"`
	GameSystemCount int `json:"GameSystemCount"`
	TrailerCount    int `json:"TrailerCount"`
	SongCount       int `json:"SongCount"`
	AlbumCount      int `json:"AlbumCount"`
	MusicVideoCount int `json:"MusicVideoCount"`
	BoxSetCount     int `json:"BoxSetCount"`
	BookCount       int `json:"BookCount"`
	ItemCount       int `json:"ItemCount"`
}

func isCountsPath(path string) bool {
	for _, re := range fakeCountsPaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// fakeCountsBody renders the interception payload with every count field
// set to value.
func fakeCountsBody(value int) []byte {
	body, err := json.Marshal(itemCounts{
		MovieCount:      value,
		SeriesCount:     value,
		EpisodeCount:    value,
		GameCount:       value,
		ArtistCount:     value,
		ProgramCount:    value,
		GameSystemCount: value,
		TrailerCount:    value,
		SongCount:       value,
		MusicVideoCount: value,
		AlbumCount:      value,
		BoxSetCount:     value,
		BookCount:       value,
		ItemCount:       value,
	})
	if err != nil {
		return []byte("{}")
	}
	return body
}
