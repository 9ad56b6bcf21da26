package model

// MediaAssets names the media files attached to a token.
type MediaAssets struct {
	Video string `json:"video,omitempty"`
	Audio string `json:"audio,omitempty"`
	Image string `json:"image,omitempty"`
}

// Token is one catalog entry. The catalog is read-only after startup.
type Token struct {
	ID              string      `json:"id"`
	Value           int         `json:"value"`
	MemoryType      string      `json:"memoryType,omitempty"`
	ValueRating     int         `json:"valueRating,omitempty"`
	GroupID         string      `json:"groupId,omitempty"`
	GroupMultiplier int         `json:"groupMultiplier,omitempty"`
	MediaAssets     MediaAssets `json:"mediaAssets,omitempty"`
	Duration        int         `json:"duration,omitempty"` // seconds, for video
}

// HasVideo reports whether the token carries a playable video asset.
func (t Token) HasVideo() bool {
	return t.MediaAssets.Video != ""
}
