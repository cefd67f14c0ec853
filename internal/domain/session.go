package domain

// Profile is the subset of the WeChat user record cached with a session.
type Profile struct {
	OpenID        string `json:"openid"`
	Nickname      string `json:"nickname"`
	HeadImgURL    string `json:"headimgurl"`
	Sex           int    `json:"sex,omitempty"`
	City          string `json:"city,omitempty"`
	Province      string `json:"province,omitempty"`
	Country       string `json:"country,omitempty"`
	SubscribeTime int64  `json:"subscribe_time,omitempty"`
	UnionID       string `json:"unionid,omitempty"`
}

// Session is an immutable login snapshot. CreatedAt is unix seconds.
type Session struct {
	ID        string  `json:"session_id"`
	SubjectID string  `json:"subject_id"`
	CreatedAt int64   `json:"created_at"`
	Profile   Profile `json:"profile"`
	Expired   bool    `json:"expired,omitempty"`
}

type SessionSummary struct {
	ID        string  `json:"session_id"`
	SubjectID string  `json:"subject_id"`
	CreatedAt int64   `json:"created_at"`
	Profile   Profile `json:"profile"`
}
