package domain

// PairFeatures are the observable co-occurrence features of two identities.
type PairFeatures struct {
	HotelOverlaps   int `json:"hotel_overlap_count"`
	NightColocation int `json:"night_coloc_hits"`
	SilentOverlaps  int `json:"silent_overlap_count"`
	SameCard        int `json:"same_card_count"`
	CashPairs       int `json:"cash_pair_count"`
	Calls           int `json:"calls_count"`
}

// RiskScore is a bounded, explainable pair score.
type RiskScore struct {
	Subjects      [2]string          `json:"subjects"`
	Score         float64            `json:"score"`
	Min           float64            `json:"min"`
	Max           float64            `json:"max,omitempty"`
	Severity      Severity           `json:"severity"`
	Features      map[string]float64 `json:"features"`
	Contributions map[string]float64 `json:"contributions"`
}

// RelationshipRisk scores one communication pair on [0,1].
type RelationshipRisk struct {
	IdentityA string   `json:"a"`
	IdentityB string   `json:"b"`
	Intimacy  float64  `json:"intimacy"`
	Secrecy   float64  `json:"secrecy"`
	Risk      float64  `json:"risk"`
	Severity  Severity `json:"severity"`
}

// BehaviorProfile summarizes the rhythm of an event stream.
type BehaviorProfile struct {
	HourHistogram     [24]int `json:"hourHistogram"`
	Routine           float64 `json:"routine"`
	NightRatio        float64 `json:"nightRatio"`
	Burstiness        float64 `json:"burstiness"`
	TypeDiversity     int     `json:"typeDiversity"`
	LocationDiversity int     `json:"locationDiversity"`
	Secrecy           float64 `json:"secrecy"`
	MultiRelRisk      float64 `json:"multiRelRisk"`
	Events            int     `json:"events"`
}
