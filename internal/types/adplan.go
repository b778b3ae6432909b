package types

import (
	"encoding/json"
	"fmt"
)

// AdPlanKind tags the AdPlan variant on the wire.
type AdPlanKind string

const (
	AdKindNone         AdPlanKind = "none"
	AdKindPlaceholder  AdPlanKind = "placeholder"
	AdKindInterstitial AdPlanKind = "interstitial"
)

// AdPlan is what the client shows while the first audio is being produced.
// The set of variants is closed: NoAds, PlaceholderAd and InterstitialAd.
type AdPlan interface {
	Kind() AdPlanKind
	isAdPlan()
}

// NoAds shows nothing.
type NoAds struct{}

// PlaceholderAd shows a house placeholder for roughly DurationHint seconds.
type PlaceholderAd struct {
	DurationHint float64 `json:"duration_hint"`
}

// InterstitialAd plays a creative after a given page.
type InterstitialAd struct {
	AfterPage    int     `json:"after_page"`
	DurationHint float64 `json:"duration_hint"`
	AssetURL     string  `json:"asset_url"`
}

func (NoAds) Kind() AdPlanKind          { return AdKindNone }
func (PlaceholderAd) Kind() AdPlanKind  { return AdKindPlaceholder }
func (InterstitialAd) Kind() AdPlanKind { return AdKindInterstitial }

func (NoAds) isAdPlan()          {}
func (PlaceholderAd) isAdPlan()  {}
func (InterstitialAd) isAdPlan() {}

// AdPlanJSON carries an AdPlan through JSON using the kind tag.
type AdPlanJSON struct {
	Plan AdPlan
}

type adKind struct {
	Kind AdPlanKind `json:"kind"`
}

// MarshalJSON writes the variant's fields next to its kind tag.
func (a AdPlanJSON) MarshalJSON() ([]byte, error) {
	switch p := a.Plan.(type) {
	case nil, NoAds:
		return json.Marshal(adKind{Kind: AdKindNone})
	case PlaceholderAd:
		return json.Marshal(struct {
			adKind
			PlaceholderAd
		}{adKind{AdKindPlaceholder}, p})
	case InterstitialAd:
		return json.Marshal(struct {
			adKind
			InterstitialAd
		}{adKind{AdKindInterstitial}, p})
	default:
		return nil, fmt.Errorf("unknown ad plan %T", a.Plan)
	}
}

// UnmarshalJSON decodes the variant selected by the kind tag.
func (a *AdPlanJSON) UnmarshalJSON(data []byte) error {
	var k adKind
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	switch k.Kind {
	case AdKindNone, "":
		a.Plan = NoAds{}
	case AdKindPlaceholder:
		var p PlaceholderAd
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		a.Plan = p
	case AdKindInterstitial:
		var p InterstitialAd
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		a.Plan = p
	default:
		return fmt.Errorf("unknown ad plan kind %q", k.Kind)
	}
	return nil
}
